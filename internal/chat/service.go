// Package chat implements the guarded chat operations: direct conversation
// creation, conversation and lobby messages, and per-owner contacts.
package chat

import (
	"context"
	"fmt"

	"github.com/R3E-Network/chat_layer/internal/address"
	"github.com/R3E-Network/chat_layer/internal/conversation"
	svcerrors "github.com/R3E-Network/chat_layer/internal/errors"
	"github.com/R3E-Network/chat_layer/internal/gate"
	"github.com/R3E-Network/chat_layer/internal/logging"
	"github.com/R3E-Network/chat_layer/internal/query"
	"github.com/R3E-Network/chat_layer/internal/ratelimit"
	"github.com/R3E-Network/chat_layer/internal/record"
)

const (
	ServiceID   = "chat-layer"
	ServiceName = "Chat Layer"
	Version     = "1.0.0"
)

// Config wires a Service.
type Config struct {
	DB      *query.DB
	Limiter *ratelimit.Limiter
	Gate    *gate.Gate
	Logger  *logging.Logger
	// Limits defaults to DefaultLimits when zero.
	Limits Limits
}

// Service implements the chat operations.
type Service struct {
	db          *query.DB
	limiter     *ratelimit.Limiter
	gate        *gate.Gate
	provisioner *conversation.Provisioner
	logger      *logging.Logger
	limits      Limits
}

// New creates a Service.
func New(cfg Config) (*Service, error) {
	if cfg.DB == nil {
		return nil, fmt.Errorf("chat: DB is required")
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.Default()
	}
	if cfg.Limiter == nil {
		cfg.Limiter = ratelimit.New(nil, ratelimit.WithLogger(cfg.Logger))
	}
	if cfg.Limits == (Limits{}) {
		cfg.Limits = DefaultLimits()
	}
	return &Service{
		db:          cfg.DB,
		limiter:     cfg.Limiter,
		gate:        cfg.Gate,
		provisioner: conversation.NewProvisioner(cfg.DB, cfg.Logger),
		logger:      cfg.Logger,
		limits:      cfg.Limits,
	}, nil
}

// CreateDirect provisions the conversation between owner and peer. It is
// rate limited per owner and subject to the credential gate.
func (s *Service) CreateDirect(ctx context.Context, owner, peer string) (*conversation.Result, error) {
	if err := conversation.Validate(owner, peer); err != nil {
		return nil, err
	}
	// Gate before limiter: denied owners keep their quota.
	if err := s.gate.Check(ctx, address.Normalize(owner)); err != nil {
		return nil, err
	}
	if err := s.touch(ctx, BucketDMCreate, address.Normalize(owner), s.limits.DMCreate); err != nil {
		return nil, err
	}
	return s.provisioner.Provision(ctx, owner, peer)
}

// ListConversations returns the conversations addr is a member of, oldest
// first. Every conversation here is private; the public room is the lobby,
// served by ListLobby.
func (s *Service) ListConversations(ctx context.Context, addr string) ([]record.Record, error) {
	if addr == "" {
		return nil, svcerrors.Validation("Missing address")
	}
	if !address.Valid(addr) {
		return nil, svcerrors.Validation("Invalid Ethereum address")
	}

	members, err := s.db.From(query.ConversationMembers).
		Select("conversation_id").
		Eq("participant_address", address.Normalize(addr)).
		Execute(ctx)
	if err != nil {
		return nil, storeError("list memberships", err)
	}
	if len(members.Records) == 0 {
		return []record.Record{}, nil
	}

	ids := make([]interface{}, 0, len(members.Records))
	for _, m := range members.Records {
		ids = append(ids, m.String("conversation_id"))
	}
	res, err := s.db.From(query.Conversations).
		Select("*").
		In("id", ids).
		Order("created_at", true).
		Execute(ctx)
	if err != nil {
		return nil, storeError("list conversations", err)
	}
	return res.Records, nil
}

// ClearRateLimits drops in-memory limiter state.
func (s *Service) ClearRateLimits() {
	s.limiter.Clear()
}

func (s *Service) touch(ctx context.Context, bucket, subject string, limit Limit) error {
	res := s.limiter.Touch(ctx, bucket, subject, limit.Count, limit.Window)
	if !res.Allowed {
		return svcerrors.RateLimitExceeded(res.Remaining, res.ResetAt)
	}
	return nil
}

func storeError(op string, err error) error {
	if svcerrors.GetServiceError(err) != nil {
		return err
	}
	return svcerrors.Store(op, err)
}

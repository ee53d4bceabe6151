// Package conversation provisions direct conversations between two wallet
// addresses: one conversation per unordered pair, with both memberships.
package conversation

import (
	"context"
	"encoding/hex"

	"github.com/sirupsen/logrus"
	"golang.org/x/crypto/sha3"

	"github.com/R3E-Network/chat_layer/internal/address"
	svcerrors "github.com/R3E-Network/chat_layer/internal/errors"
	"github.com/R3E-Network/chat_layer/internal/logging"
	"github.com/R3E-Network/chat_layer/internal/metrics"
	"github.com/R3E-Network/chat_layer/internal/query"
)

const (
	// KindDirect is the kind of two-party conversations.
	KindDirect = "direct"
	keyPrefix  = "dm:"
)

// CanonicalKey returns "dm:<low>:<high>" for the lower-cased addresses in
// lexicographic order. It does not validate.
func CanonicalKey(a, b string) string {
	a, b = address.Normalize(a), address.Normalize(b)
	if b < a {
		a, b = b, a
	}
	return keyPrefix + a + ":" + b
}

// RoomHash is the 0x-prefixed Keccak-256 of "dm:<low>:<high>" spelled with
// EIP-55 checksummed addresses. Clients derive the same value to address the
// room without knowing the conversation id. Invalid addresses yield "".
func RoomHash(a, b string) string {
	if !address.Valid(a) || !address.Valid(b) {
		return ""
	}
	a, b = address.Normalize(a), address.Normalize(b)
	if b < a {
		a, b = b, a
	}
	h := sha3.NewLegacyKeccak256()
	h.Write([]byte(keyPrefix + address.Checksum(a) + ":" + address.Checksum(b)))
	return "0x" + hex.EncodeToString(h.Sum(nil))
}

// Result describes a provisioned conversation.
type Result struct {
	ConversationID string
	Key            string
	RoomHash       string
	Created        bool
}

// Provisioner finds or creates direct conversations through the query engine.
type Provisioner struct {
	db     *query.DB
	logger *logging.Logger
}

// NewProvisioner creates a provisioner over db.
func NewProvisioner(db *query.DB, logger *logging.Logger) *Provisioner {
	if logger == nil {
		logger = logging.Default()
	}
	return &Provisioner{db: db, logger: logger}
}

// Validate checks a pair without touching the store.
func Validate(owner, peer string) error {
	if !address.Valid(owner) {
		return svcerrors.Validation("Missing or invalid x-owner-address")
	}
	if !address.Valid(peer) {
		return svcerrors.Validation("Invalid Ethereum address: peerAddress")
	}
	if address.Equal(owner, peer) {
		return svcerrors.Validation("Cannot create DM with self")
	}
	return nil
}

// Provision returns the single conversation shared by owner and peer,
// creating it when absent, and ensures both memberships exist.
func (p *Provisioner) Provision(ctx context.Context, owner, peer string) (*Result, error) {
	if err := Validate(owner, peer); err != nil {
		return nil, err
	}
	key := CanonicalKey(owner, peer)
	log := p.logger.WithContext(ctx).WithField("canonical_key", key)

	id, err := p.find(ctx, key)
	if err != nil {
		metrics.RecordProvision("failed")
		return nil, err
	}

	created := false
	if id == "" {
		id, created, err = p.create(ctx, key)
		if err != nil {
			metrics.RecordProvision("failed")
			log.WithError(err).Error("Failed to create conversation")
			return nil, err
		}
	}

	for _, addr := range []string{owner, peer} {
		if err := p.attach(ctx, id, address.Normalize(addr)); err != nil {
			metrics.RecordProvision("failed")
			log.WithError(err).WithField("conversation_id", id).Error("Failed to attach member")
			return nil, err
		}
	}

	outcome := "existing"
	if created {
		outcome = "created"
	}
	metrics.RecordProvision(outcome)
	log.WithFields(logrus.Fields{
		"conversation_id": id,
		"created":         created,
	}).Info("Conversation provisioned")

	return &Result{ConversationID: id, Key: key, RoomHash: RoomHash(owner, peer), Created: created}, nil
}

func (p *Provisioner) find(ctx context.Context, key string) (string, error) {
	res, err := p.db.From(query.Conversations).
		Select("id").
		Eq("canonical_key", key).
		Limit(1).
		Execute(ctx)
	if err != nil {
		return "", storeError("find conversation", err)
	}
	if len(res.Records) == 0 {
		return "", nil
	}
	return res.Records[0].String("id"), nil
}

// create inserts the conversation. A unique violation means a concurrent
// request won; the winner's row is read back once.
func (p *Provisioner) create(ctx context.Context, key string) (string, bool, error) {
	res, err := p.db.From(query.Conversations).
		Insert(map[string]interface{}{"kind": KindDirect, "canonical_key": key}).
		Execute(ctx)
	if err == nil {
		if len(res.Records) == 0 || res.Records[0].String("id") == "" {
			return "", false, svcerrors.Store("Failed to create DM chat", nil)
		}
		return res.Records[0].String("id"), true, nil
	}
	if !svcerrors.IsConflict(err) {
		return "", false, storeError("create conversation", err)
	}

	id, ferr := p.find(ctx, key)
	if ferr != nil {
		return "", false, ferr
	}
	if id == "" {
		return "", false, storeError("create conversation", err)
	}
	return id, false, nil
}

func (p *Provisioner) attach(ctx context.Context, conversationID, addr string) error {
	res, err := p.db.From(query.ConversationMembers).
		Select("id").
		Eq("conversation_id", conversationID).
		Eq("participant_address", addr).
		Limit(1).
		Execute(ctx)
	if err != nil {
		return storeError("find membership", err)
	}
	if len(res.Records) > 0 {
		return nil
	}

	_, err = p.db.From(query.ConversationMembers).
		Insert(map[string]interface{}{"conversation_id": conversationID, "participant_address": addr}).
		Execute(ctx)
	if err != nil && !svcerrors.IsConflict(err) {
		return storeError("attach membership", err)
	}
	return nil
}

// storeError passes backend store errors through and wraps anything else.
func storeError(op string, err error) error {
	if se := svcerrors.GetServiceError(err); se != nil && se.Code == svcerrors.CodeStore {
		return err
	}
	return svcerrors.Store(op, err)
}

package chat

import (
	"context"
	"strings"
	"unicode/utf8"

	"github.com/R3E-Network/chat_layer/internal/address"
	svcerrors "github.com/R3E-Network/chat_layer/internal/errors"
	"github.com/R3E-Network/chat_layer/internal/metrics"
	"github.com/R3E-Network/chat_layer/internal/query"
	"github.com/R3E-Network/chat_layer/internal/record"
)

const lobbyColumns = "id, sender_address, body, created_at"

// FindConversation resolves ref, a conversation id or canonical key.
func (s *Service) FindConversation(ctx context.Context, ref string) (record.Record, error) {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return nil, svcerrors.Validation("Missing conversation id")
	}

	conv, err := s.db.From(query.Conversations).Select("*").Eq("id", ref).Limit(1).MaybeSingle(ctx)
	if err != nil {
		return nil, storeError("find conversation", err)
	}
	if conv == nil && strings.HasPrefix(ref, "dm:") {
		conv, err = s.db.From(query.Conversations).
			Select("*").
			Eq("canonical_key", strings.ToLower(ref)).
			Limit(1).
			MaybeSingle(ctx)
		if err != nil {
			return nil, storeError("find conversation", err)
		}
	}
	if conv == nil {
		return nil, svcerrors.NotFound("Chat not found")
	}
	return conv, nil
}

// ListMessages returns the messages of a conversation, oldest first.
func (s *Service) ListMessages(ctx context.Context, ref string) ([]record.Record, error) {
	conv, err := s.FindConversation(ctx, ref)
	if err != nil {
		return nil, err
	}
	res, err := s.db.From(query.Messages).
		Select("*").
		Eq("conversation_id", conv.String("id")).
		Order("created_at", true).
		Execute(ctx)
	if err != nil {
		return nil, storeError("list messages", err)
	}
	return res.Records, nil
}

// PostMessage stores a message from sender in a conversation. Sends are
// rate limited per (sender, conversation).
func (s *Service) PostMessage(ctx context.Context, ref, sender, body string) (record.Record, error) {
	if !address.Valid(sender) {
		return nil, svcerrors.Validation("Invalid Ethereum address")
	}
	if strings.TrimSpace(body) == "" {
		return nil, svcerrors.Validation("Empty body")
	}
	if utf8.RuneCountInString(body) > MaxBodyLength {
		return nil, svcerrors.Validation("Body too long")
	}

	conv, err := s.FindConversation(ctx, ref)
	if err != nil {
		return nil, err
	}
	convID := conv.String("id")
	from := address.Normalize(sender)

	if err := s.touch(ctx, BucketMsgSend, from+":"+convID, s.limits.MsgSend); err != nil {
		return nil, err
	}

	res, err := s.db.From(query.Messages).Insert(map[string]interface{}{
		"conversation_id": convID,
		"sender_address":  from,
		"body":            body,
	}).Execute(ctx)
	if err != nil {
		return nil, storeError("insert message", err)
	}
	metrics.RecordMessage("conversation")
	return first(res), nil
}

// ListLobby returns the most recent lobby messages, oldest first, with keys
// in lobbyColumns order. limit below 1 means DefaultLobbyLimit and is capped
// at MaxLobbyLimit.
func (s *Service) ListLobby(ctx context.Context, limit int) ([]record.Ordered, error) {
	if limit < 1 {
		limit = DefaultLobbyLimit
	}
	if limit > MaxLobbyLimit {
		limit = MaxLobbyLimit
	}

	res, err := s.db.From(query.Messages).
		Select(lobbyColumns).
		Eq("conversation_id", nil).
		Order("created_at", false).
		Limit(limit).
		Execute(ctx)
	if err != nil {
		return nil, storeError("list lobby", err)
	}

	out := res.Records
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return res.Rows(), nil
}

// PostLobby stores a trimmed public message.
func (s *Service) PostLobby(ctx context.Context, sender, body string) (record.Record, error) {
	if !address.Valid(sender) {
		return nil, svcerrors.Validation("Invalid senderAddress")
	}
	body = strings.TrimSpace(body)
	if body == "" || utf8.RuneCountInString(body) > MaxBodyLength {
		return nil, svcerrors.Validation("Invalid body")
	}
	from := address.Normalize(sender)

	if err := s.touch(ctx, BucketLobbySend, from, s.limits.LobbySend); err != nil {
		return nil, err
	}

	res, err := s.db.From(query.Messages).Insert(map[string]interface{}{
		"sender_address": from,
		"body":           body,
	}).Execute(ctx)
	if err != nil {
		return nil, storeError("insert lobby message", err)
	}
	metrics.RecordMessage("lobby")
	return first(res), nil
}

func first(res *query.Result) record.Record {
	if len(res.Records) == 0 {
		return nil
	}
	return res.Records[0]
}

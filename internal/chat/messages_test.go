package chat

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	svcerrors "github.com/R3E-Network/chat_layer/internal/errors"
	"github.com/R3E-Network/chat_layer/internal/query"
)

func TestPostAndListMessages(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	conv, err := f.svc.CreateDirect(ctx, ownerA, peerB)
	require.NoError(t, err)

	_, err = f.svc.PostMessage(ctx, conv.ConversationID, ownerA, "hello")
	require.NoError(t, err)
	f.clock.Advance(time.Second)
	msg, err := f.svc.PostMessage(ctx, conv.Key, peerB, "hi back")
	require.NoError(t, err)
	assert.Equal(t, conv.ConversationID, msg["conversation_id"])
	assert.Equal(t, strings.ToLower(peerB), msg["sender_address"])

	msgs, err := f.svc.ListMessages(ctx, "dm:"+strings.ToUpper(conv.Key[3:]))
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, "hello", msgs[0]["body"])
	assert.Equal(t, "hi back", msgs[1]["body"])

	assert.Equal(t, 2, f.mem.Len(query.ConversationMessages))
	assert.Equal(t, 0, f.mem.Len(query.LobbyMessages))
}

func TestPostMessageValidation(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	conv, err := f.svc.CreateDirect(ctx, ownerA, peerB)
	require.NoError(t, err)

	_, err = f.svc.PostMessage(ctx, conv.ConversationID, "0xbad", "hello")
	assert.True(t, svcerrors.IsValidation(err))

	_, err = f.svc.PostMessage(ctx, conv.ConversationID, ownerA, "   ")
	require.Error(t, err)
	assert.Equal(t, "Empty body", svcerrors.GetServiceError(err).Message)

	_, err = f.svc.PostMessage(ctx, conv.ConversationID, ownerA, strings.Repeat("x", MaxBodyLength+1))
	assert.True(t, svcerrors.IsValidation(err))

	_, err = f.svc.PostMessage(ctx, "missing", ownerA, "hello")
	require.Error(t, err)
	assert.True(t, svcerrors.IsNotFound(err))
	assert.Equal(t, "Chat not found", svcerrors.GetServiceError(err).Message)

	_, err = f.svc.ListMessages(ctx, "dm:0x1:0x2")
	assert.True(t, svcerrors.IsNotFound(err))
}

func TestPostMessageRateLimitPerConversation(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	ab, err := f.svc.CreateDirect(ctx, ownerA, peerB)
	require.NoError(t, err)
	ac, err := f.svc.CreateDirect(ctx, ownerA, peerC)
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		_, err := f.svc.PostMessage(ctx, ab.ConversationID, ownerA, fmt.Sprintf("m%d", i))
		require.NoError(t, err)
	}
	_, err = f.svc.PostMessage(ctx, ab.ConversationID, ownerA, "one too many")
	assert.True(t, svcerrors.HasCode(err, svcerrors.CodeRateLimited))

	_, err = f.svc.PostMessage(ctx, ac.ConversationID, ownerA, "other chat")
	assert.NoError(t, err)
	_, err = f.svc.PostMessage(ctx, ab.ConversationID, peerB, "other sender")
	assert.NoError(t, err)
}

func TestLobby(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	msg, err := f.svc.PostLobby(ctx, ownerA, "  gm  ")
	require.NoError(t, err)
	assert.Equal(t, "gm", msg["body"])
	assert.NotContains(t, msg, "conversation_id")

	for i := 0; i < 4; i++ {
		f.clock.Advance(time.Second)
		_, err := f.svc.PostLobby(ctx, peerB, fmt.Sprintf("n%d", i))
		require.NoError(t, err)
	}
	assert.Equal(t, 5, f.mem.Len(query.LobbyMessages))

	all, err := f.svc.ListLobby(ctx, 0)
	require.NoError(t, err)
	require.Len(t, all, 5)
	body, _ := all[0].Get("body")
	assert.Equal(t, "gm", body)
	assert.Equal(t, []string{"id", "sender_address", "body", "created_at"}, all[0].Keys())

	recent, err := f.svc.ListLobby(ctx, 2)
	require.NoError(t, err)
	require.Len(t, recent, 2)
	assert.Equal(t, "n2", recent[0].Record()["body"])
	assert.Equal(t, "n3", recent[1].Record()["body"])

	_, err = f.svc.PostLobby(ctx, ownerA, strings.Repeat("y", MaxBodyLength+1))
	assert.True(t, svcerrors.IsValidation(err))
	_, err = f.svc.PostLobby(ctx, "nobody", "hi")
	assert.True(t, svcerrors.IsValidation(err))
}

func TestLobbyExcludesConversationMessages(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	conv, err := f.svc.CreateDirect(ctx, ownerA, peerB)
	require.NoError(t, err)
	_, err = f.svc.PostMessage(ctx, conv.ConversationID, ownerA, "private")
	require.NoError(t, err)

	lobby, err := f.svc.ListLobby(ctx, MaxLobbyLimit+50)
	require.NoError(t, err)
	assert.Empty(t, lobby)
}

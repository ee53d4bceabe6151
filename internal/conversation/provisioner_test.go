package conversation

import (
	"context"
	"encoding/hex"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/sha3"

	"github.com/R3E-Network/chat_layer/internal/address"
	svcerrors "github.com/R3E-Network/chat_layer/internal/errors"
	"github.com/R3E-Network/chat_layer/internal/logging"
	"github.com/R3E-Network/chat_layer/internal/query"
	"github.com/R3E-Network/chat_layer/internal/store"
)

const (
	alice = "0xA1A1a1a1A1a1a1A1a1a1a1a1a1a1a1a1a1a1a1a1"
	bob   = "0xb2b2B2b2b2b2b2b2b2b2b2b2b2b2b2b2b2b2b2b2"
)

func upper(addr string) string {
	return "0x" + strings.ToUpper(addr[2:])
}

func newProvisioner(exec query.Executor) *Provisioner {
	return NewProvisioner(query.New(exec), logging.NewDiscard("test"))
}

func uniqueMemory() *store.Memory {
	return store.NewMemory(
		store.WithUniqueIndex(query.Conversations, "canonical_key"),
		store.WithUniqueIndex(query.ConversationMembers, "conversation_id", "participant_address"),
	)
}

func TestCanonicalKeySymmetry(t *testing.T) {
	want := "dm:" + strings.ToLower(alice) + ":" + strings.ToLower(bob)
	assert.Equal(t, want, CanonicalKey(alice, bob))
	assert.Equal(t, want, CanonicalKey(bob, alice))
	assert.Equal(t, want, CanonicalKey(upper(alice), strings.ToLower(bob)))
	assert.Equal(t, want, CanonicalKey(" "+bob+" ", alice))
}

func TestRoomHashIsOrderIndependent(t *testing.T) {
	h := RoomHash(alice, bob)
	assert.Equal(t, h, RoomHash(bob, alice))
	assert.Len(t, h, 66)
	assert.True(t, strings.HasPrefix(h, "0x"))
	assert.NotEqual(t, h, RoomHash(alice, "0x"+strings.Repeat("c", 40)))
	assert.Equal(t, h, RoomHash(upper(alice), bob), "case of the input does not matter")
	assert.Empty(t, RoomHash(alice, "nope"))
}

func TestRoomHashUsesChecksummedKey(t *testing.T) {
	a := "0x5aaeb6053f3e94c9b9a09f33669435e7ef1beaed"
	b := "0xfb6916095ca1df60bb79ce92ce3ea74c37c5d359"
	key := "dm:" + address.Checksum(a) + ":" + address.Checksum(b)
	assert.Equal(t, "dm:0x5aAeb6053F3E94C9b9A09f33669435E7Ef1BeAed:0xfB6916095ca1df60bB79Ce92cE3Ea74c37c5d359", key)

	h := sha3.NewLegacyKeccak256()
	h.Write([]byte(key))
	want := "0x" + hex.EncodeToString(h.Sum(nil))
	assert.Equal(t, want, RoomHash(b, a))

	lower := sha3.NewLegacyKeccak256()
	lower.Write([]byte(CanonicalKey(a, b)))
	assert.NotEqual(t, "0x"+hex.EncodeToString(lower.Sum(nil)), RoomHash(a, b))
}

func TestProvisionIsIdempotent(t *testing.T) {
	ctx := context.Background()
	mem := uniqueMemory()
	p := newProvisioner(mem)

	first, err := p.Provision(ctx, alice, bob)
	require.NoError(t, err)
	assert.True(t, first.Created)
	assert.Equal(t, CanonicalKey(alice, bob), first.Key)
	assert.Equal(t, RoomHash(alice, bob), first.RoomHash)

	second, err := p.Provision(ctx, strings.ToLower(bob), upper(alice))
	require.NoError(t, err)
	assert.False(t, second.Created)
	assert.Equal(t, first.ConversationID, second.ConversationID)

	assert.Equal(t, 1, mem.Len(query.Conversations))
	assert.Equal(t, 2, mem.Len(query.ConversationMembers))

	conv := mem.Snapshot(query.Conversations)[0]
	assert.Equal(t, KindDirect, conv["kind"])
	for _, m := range mem.Snapshot(query.ConversationMembers) {
		assert.Equal(t, first.ConversationID, m["conversation_id"])
		addr := m["participant_address"].(string)
		assert.Equal(t, strings.ToLower(addr), addr)
	}
}

func TestProvisionHealsMissingMembership(t *testing.T) {
	ctx := context.Background()
	mem := uniqueMemory()
	db := query.New(mem)
	p := NewProvisioner(db, logging.NewDiscard("test"))

	first, err := p.Provision(ctx, alice, bob)
	require.NoError(t, err)

	_, err = db.From(query.ConversationMembers).
		Delete().
		Eq("participant_address", strings.ToLower(bob)).
		Execute(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, mem.Len(query.ConversationMembers))

	again, err := p.Provision(ctx, alice, bob)
	require.NoError(t, err)
	assert.False(t, again.Created)
	assert.Equal(t, first.ConversationID, again.ConversationID)
	assert.Equal(t, 2, mem.Len(query.ConversationMembers))
}

func TestSelfTargetingNeverTouchesStore(t *testing.T) {
	var calls int32
	exec := query.ExecutorFunc(func(context.Context, *query.Query) (*query.Result, error) {
		atomic.AddInt32(&calls, 1)
		return &query.Result{}, nil
	})
	p := newProvisioner(exec)

	for _, pair := range [][2]string{
		{alice, alice},
		{alice, strings.ToLower(alice)},
		{"0x123", bob},
		{alice, "not-an-address"},
		{"", ""},
	} {
		_, err := p.Provision(context.Background(), pair[0], pair[1])
		require.Error(t, err)
		assert.True(t, svcerrors.IsValidation(err), "%v", pair)
	}
	assert.Equal(t, int32(0), atomic.LoadInt32(&calls))
}

func TestUniqueViolationOnCreateReadsWinner(t *testing.T) {
	ctx := context.Background()
	mem := uniqueMemory()

	// Another request created the conversation between our find and insert.
	winner := newProvisioner(mem)
	res, err := winner.Provision(ctx, alice, bob)
	require.NoError(t, err)

	var hidden int32
	exec := query.ExecutorFunc(func(ctx context.Context, q *query.Query) (*query.Result, error) {
		if q.Collection == query.Conversations && q.Op == query.OpSelect && atomic.CompareAndSwapInt32(&hidden, 0, 1) {
			return &query.Result{}, nil
		}
		return mem.Execute(ctx, q)
	})

	loser, err := newProvisioner(exec).Provision(ctx, bob, alice)
	require.NoError(t, err)
	assert.False(t, loser.Created)
	assert.Equal(t, res.ConversationID, loser.ConversationID)
	assert.Equal(t, 1, mem.Len(query.Conversations))
}

func TestConcurrentProvisioningConverges(t *testing.T) {
	ctx := context.Background()
	mem := uniqueMemory()
	p := newProvisioner(mem)

	const n = 20
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		ids     = make(map[string]bool)
		created int
	)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			a, b := alice, bob
			if i%2 == 1 {
				a, b = b, a
			}
			res, err := p.Provision(ctx, a, b)
			if !assert.NoError(t, err) {
				return
			}
			mu.Lock()
			ids[res.ConversationID] = true
			if res.Created {
				created++
			}
			mu.Unlock()
		}(i)
	}
	wg.Wait()

	assert.Len(t, ids, 1)
	assert.Equal(t, 1, created)
	assert.Equal(t, 1, mem.Len(query.Conversations))
	assert.Equal(t, 2, mem.Len(query.ConversationMembers))
}

func TestStoreFailureSurfacesCause(t *testing.T) {
	exec := query.ExecutorFunc(func(context.Context, *query.Query) (*query.Result, error) {
		return nil, errors.New("connection reset by peer")
	})

	_, err := newProvisioner(exec).Provision(context.Background(), alice, bob)
	require.Error(t, err)
	assert.True(t, svcerrors.HasCode(err, svcerrors.CodeStore))
	assert.Equal(t, 500, svcerrors.HTTPStatus(err))
	assert.Contains(t, err.Error(), "connection reset by peer")
}

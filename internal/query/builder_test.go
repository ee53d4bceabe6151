package query_test

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/R3E-Network/chat_layer/internal/clock"
	svcerrors "github.com/R3E-Network/chat_layer/internal/errors"
	"github.com/R3E-Network/chat_layer/internal/query"
	"github.com/R3E-Network/chat_layer/internal/record"
	"github.com/R3E-Network/chat_layer/internal/store"
)

func newDB() (*query.DB, *store.Memory, *clock.Fake) {
	mem := store.NewMemory()
	clk := clock.NewFake(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))
	seq := 0
	db := query.New(mem,
		query.WithClock(clk),
		query.WithIDGenerator(func() string {
			seq++
			return fmt.Sprintf("gen-%02d", seq)
		}),
	)
	return db, mem, clk
}

func TestOrderTieBreakIsDeterministic(t *testing.T) {
	ctx := context.Background()
	db, _, _ := newDB()

	_, err := db.From(query.Contacts).Insert([]record.Record{
		{"id": "m3", "label": "same"},
		{"id": "m1", "label": "same"},
		{"id": "m2", "label": "same"},
	}).Execute(ctx)
	require.NoError(t, err)

	res, err := db.From(query.Contacts).Select("id").Order("label", true).Execute(ctx)
	require.NoError(t, err)

	var got []string
	for _, r := range res.Records {
		got = append(got, r.String("id"))
	}
	assert.Equal(t, []string{"m1", "m2", "m3"}, got)
}

func TestSecondOrderReplacesFirst(t *testing.T) {
	ctx := context.Background()
	db, _, _ := newDB()
	_, err := db.From(query.Contacts).Insert([]record.Record{
		{"id": "a", "rank": 2, "label": "y"},
		{"id": "b", "rank": 1, "label": "x"},
	}).Execute(ctx)
	require.NoError(t, err)

	res, err := db.From(query.Contacts).Order("rank", true).Order("label", false).Execute(ctx)
	require.NoError(t, err)
	assert.Equal(t, "a", res.Records[0]["id"])
}

func TestProjectionRoundTrip(t *testing.T) {
	ctx := context.Background()
	db, _, _ := newDB()
	_, err := db.From(query.Contacts).Insert(record.Record{
		"fieldOne":  "one",
		"field_two": 2,
		"other":     "drop me",
	}).Execute(ctx)
	require.NoError(t, err)

	res, err := db.From(query.Contacts).Select("field_one, fieldTwo").Execute(ctx)
	require.NoError(t, err)
	require.Len(t, res.Records, 1)
	assert.Equal(t, record.Record{"field_one": "one", "fieldTwo": 2}, res.Records[0])

	b, err := json.Marshal(res.Rows()[0])
	require.NoError(t, err)
	assert.Equal(t, `{"field_one":"one","fieldTwo":2}`, string(b))
}

func TestCountAcrossFiltersBeforeLimit(t *testing.T) {
	ctx := context.Background()
	db, _, _ := newDB()
	for i := 0; i < 4; i++ {
		_, err := db.From(query.Contacts).Insert(record.Record{"owner_address": "0xa", "n": i}).Execute(ctx)
		require.NoError(t, err)
	}

	res, err := db.From(query.Contacts).Count().Eq("owner_address", "0xa").Gte("n", 1).Limit(1).Execute(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, res.Count)
}

func TestSingleAndMaybeSingle(t *testing.T) {
	ctx := context.Background()
	db, _, _ := newDB()

	_, err := db.From(query.Conversations).Eq("canonical_key", "dm:x:y").Single(ctx)
	assert.True(t, svcerrors.IsNotFound(err))

	rec, err := db.From(query.Conversations).Eq("canonical_key", "dm:x:y").MaybeSingle(ctx)
	require.NoError(t, err)
	assert.Nil(t, rec)

	_, err = db.From(query.Conversations).Insert([]record.Record{
		{"canonical_key": "dm:x:y"}, {"canonical_key": "dm:x:y"},
	}).Execute(ctx)
	require.NoError(t, err)

	_, err = db.From(query.Conversations).Eq("canonical_key", "dm:x:y").Single(ctx)
	assert.True(t, svcerrors.HasCode(err, svcerrors.CodeAmbiguous))
	_, err = db.From(query.Conversations).Eq("canonical_key", "dm:x:y").MaybeSingle(ctx)
	assert.True(t, svcerrors.HasCode(err, svcerrors.CodeAmbiguous))

	rec, err = db.From(query.Conversations).Eq("canonical_key", "dm:x:y").Limit(1).Single(ctx)
	require.NoError(t, err)
	assert.Equal(t, "gen-01", rec["id"])
}

func TestBuildingPerformsNoIO(t *testing.T) {
	calls := 0
	exec := query.ExecutorFunc(func(ctx context.Context, q *query.Query) (*query.Result, error) {
		calls++
		return &query.Result{}, nil
	})
	db := query.New(exec)

	b := db.From(query.Contacts).Select("id").Eq("owner_address", "0xa").Order("created_at", false).Limit(5)
	assert.Equal(t, 0, calls)

	_, err := b.Execute(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, calls)
}

func TestInvalidInputsSurfaceAtExecute(t *testing.T) {
	ctx := context.Background()
	db, _, _ := newDB()

	_, err := db.From(query.Contacts).Filter("x", query.FilterOperator("like"), "y").Execute(ctx)
	assert.True(t, svcerrors.IsValidation(err))

	_, err = db.From(query.Contacts).Insert(42).Execute(ctx)
	assert.True(t, svcerrors.IsValidation(err))
}

func TestUnionInsertRoutesByDiscriminator(t *testing.T) {
	ctx := context.Background()
	db, mem, _ := newDB()

	res, err := db.From(query.Messages).Insert([]record.Record{
		{"conversationId": "c1", "body": "threaded"},
		{"body": "lobby"},
		{"conversation_id": nil, "body": "lobby too"},
	}).Execute(ctx)
	require.NoError(t, err)
	require.Len(t, res.Records, 3)
	assert.Equal(t, "threaded", res.Records[0]["body"])
	assert.Equal(t, "lobby", res.Records[1]["body"])

	assert.Equal(t, 1, mem.Len(query.ConversationMessages))
	assert.Equal(t, 2, mem.Len(query.LobbyMessages))
	assert.NotContains(t, mem.Snapshot(query.LobbyMessages)[1], "conversation_id")
}

func TestUnionReadOrdersAcrossMembers(t *testing.T) {
	ctx := context.Background()
	db, _, clk := newDB()

	insert := func(rec record.Record) {
		_, err := db.From(query.Messages).Insert(rec).Execute(ctx)
		require.NoError(t, err)
		clk.Advance(time.Second)
	}
	insert(record.Record{"conversation_id": "c1", "body": "1"})
	insert(record.Record{"body": "2"})
	insert(record.Record{"conversation_id": "c1", "body": "3"})

	res, err := db.From(query.Messages).Select("body").Order("created_at", false).Limit(2).Execute(ctx)
	require.NoError(t, err)
	require.Len(t, res.Records, 2)
	assert.Equal(t, "3", res.Records[0]["body"])
	assert.Equal(t, "2", res.Records[1]["body"])

	count, err := db.From(query.Messages).Count().Execute(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, count.Count)

	threaded, err := db.From(query.Messages).Count().Eq("conversation_id", "c1").Execute(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, threaded.Count)

	lobby, err := db.From(query.Messages).Count().Eq("conversation_id", nil).Execute(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, lobby.Count)
}

func TestUnionUpdateAndDeleteFanOut(t *testing.T) {
	ctx := context.Background()
	db, mem, _ := newDB()
	_, err := db.From(query.Messages).Insert([]record.Record{
		{"conversation_id": "c1", "sender_address": "0xa", "body": "x"},
		{"sender_address": "0xa", "body": "y"},
		{"sender_address": "0xb", "body": "z"},
	}).Execute(ctx)
	require.NoError(t, err)

	res, err := db.From(query.Messages).Update(record.Record{"body": "redacted"}).Eq("sender_address", "0xa").Execute(ctx)
	require.NoError(t, err)
	assert.Len(t, res.Records, 2)

	res, err = db.From(query.Messages).Delete().Eq("body", "redacted").Execute(ctx)
	require.NoError(t, err)
	assert.Len(t, res.Records, 2)
	assert.Equal(t, 0, mem.Len(query.ConversationMessages))
	assert.Equal(t, 1, mem.Len(query.LobbyMessages))
}

func TestUnionReadPassesNarrowedQueryThrough(t *testing.T) {
	ctx := context.Background()
	mem := store.NewMemory()
	var got []*query.Query
	rec := query.ExecutorFunc(func(ctx context.Context, q *query.Query) (*query.Result, error) {
		got = append(got, q.Clone())
		return mem.Execute(ctx, q)
	})
	db := query.New(rec)

	_, err := db.From(query.Messages).
		Select("id, body, conversation_id").
		Eq("conversation_id", nil).
		Order("created_at", false).
		Limit(50).
		Execute(ctx)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, query.LobbyMessages, got[0].Collection)
	assert.Equal(t, 50, got[0].Limit)
	assert.Equal(t, &query.Order{Field: "created_at", Ascending: false}, got[0].Order)
	assert.Equal(t, []string{"id", "body"}, got[0].Columns)
	assert.Empty(t, got[0].Filters)

	got = nil
	_, err = db.From(query.Messages).Select("body").Eq("conversation_id", "c1").Order("created_at", true).Limit(5).Execute(ctx)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, query.ConversationMessages, got[0].Collection)
	assert.Equal(t, 5, got[0].Limit)
	assert.Equal(t, []string{"body"}, got[0].Columns)
}

func TestUnionReadPushesOrderAndLimitToEachMember(t *testing.T) {
	ctx := context.Background()
	mem := store.NewMemory()
	var got []*query.Query
	db := query.New(query.ExecutorFunc(func(ctx context.Context, q *query.Query) (*query.Result, error) {
		got = append(got, q.Clone())
		return mem.Execute(ctx, q)
	}))
	_, err := db.From(query.Messages).Insert([]record.Record{
		{"body": "lobby"},
		{"conversation_id": "c1", "body": "threaded"},
	}).Execute(ctx)
	require.NoError(t, err)

	got = nil
	res, err := db.From(query.Messages).Select("body").Order("body", true).Limit(1).Execute(ctx)
	require.NoError(t, err)
	require.Len(t, got, 2)
	for _, q := range got {
		assert.Equal(t, 1, q.Limit, q.Collection)
		assert.Equal(t, &query.Order{Field: "body", Ascending: true}, q.Order, q.Collection)
		assert.Nil(t, q.Columns, q.Collection)
	}
	require.Len(t, res.Records, 1)
	assert.Equal(t, record.Record{"body": "lobby"}, res.Records[0])
}

func TestUnionLobbyProjectionOfDiscriminatorIsNil(t *testing.T) {
	ctx := context.Background()
	db, _, _ := newDB()
	_, err := db.From(query.Messages).Insert(record.Record{"body": "hi"}).Execute(ctx)
	require.NoError(t, err)

	res, err := db.From(query.Messages).Select("conversation_id").Eq("conversation_id", nil).Execute(ctx)
	require.NoError(t, err)
	require.Len(t, res.Records, 1)
	assert.Equal(t, record.Record{"conversation_id": nil}, res.Records[0])
}

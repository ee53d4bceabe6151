package postgres

import (
	"context"
	"database/sql"
	"os"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	svcerrors "github.com/R3E-Network/chat_layer/internal/errors"
	"github.com/R3E-Network/chat_layer/internal/query"
	"github.com/R3E-Network/chat_layer/internal/record"
)

func newMockDB(t *testing.T) (*query.DB, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherEqual))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return query.New(New(db, nil), query.WithIDGenerator(func() string { return "gen-1" })), mock
}

func TestSelectCompilesOrderedQuery(t *testing.T) {
	db, mock := newMockDB(t)

	mock.ExpectQuery(`SELECT * FROM "conversations" WHERE "canonical_key" = $1 ORDER BY "created_at" ASC NULLS LAST, "id" ASC LIMIT 1`).
		WithArgs("dm:0xa:0xb").
		WillReturnRows(sqlmock.NewRows([]string{"id", "kind", "canonical_key"}).
			AddRow("c1", []byte("direct"), "dm:0xa:0xb"))

	res, err := db.From(query.Conversations).
		Select("id, kind").
		Eq("canonicalKey", "dm:0xa:0xb").
		Order("created_at", true).
		Limit(1).
		Execute(context.Background())
	require.NoError(t, err)
	require.Len(t, res.Records, 1)
	assert.Equal(t, record.Record{"id": "c1", "kind": "direct"}, res.Records[0])
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCountAndNullFilters(t *testing.T) {
	db, mock := newMockDB(t)

	mock.ExpectQuery(`SELECT COUNT(*) FROM "conversation_members" WHERE "conversation_id" = $1 AND ("participant_address" <> $2 OR "participant_address" IS NULL) AND "added_at" IS NOT NULL`).
		WithArgs("c1", "0xa").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(2))

	res, err := db.From(query.ConversationMembers).
		Count().
		Eq("conversation_id", "c1").
		Neq("participant_address", "0xa").
		Neq("added_at", nil).
		Execute(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, res.Count)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestInsertReturnsRows(t *testing.T) {
	db, mock := newMockDB(t)

	mock.ExpectQuery(`INSERT INTO "conversations" ("canonical_key", "created_at", "id", "kind") VALUES ($1, $2, $3, $4) RETURNING *`).
		WithArgs("dm:a:b", sqlmock.AnyArg(), "gen-1", "direct").
		WillReturnRows(sqlmock.NewRows([]string{"id", "kind", "canonical_key", "created_at"}).
			AddRow("gen-1", "direct", "dm:a:b", "2024-01-01T00:00:00.000000Z"))

	res, err := db.From(query.Conversations).
		Insert(record.Record{"kind": "direct", "canonicalKey": "dm:a:b"}).
		Execute(context.Background())
	require.NoError(t, err)
	require.Len(t, res.Records, 1)
	assert.Equal(t, "gen-1", res.Records[0]["id"])
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestUniqueViolationIsConflict(t *testing.T) {
	db, mock := newMockDB(t)

	mock.ExpectQuery(`INSERT INTO "conversations" ("canonical_key", "created_at", "id") VALUES ($1, $2, $3) RETURNING *`).
		WillReturnError(&pq.Error{Code: "23505", Message: "duplicate key value violates unique constraint"})

	_, err := db.From(query.Conversations).Insert(record.Record{"canonical_key": "dm:a:b"}).Execute(context.Background())
	require.Error(t, err)
	assert.True(t, svcerrors.IsConflict(err))
}

func TestUpdateAndDelete(t *testing.T) {
	db, mock := newMockDB(t)

	mock.ExpectQuery(`UPDATE "contacts" SET "label" = $1 WHERE "id" = $2 RETURNING *`).
		WithArgs("friend", "k1").
		WillReturnRows(sqlmock.NewRows([]string{"id", "label"}).AddRow("k1", "friend"))
	mock.ExpectQuery(`DELETE FROM "contacts" WHERE "id" = ANY($1) RETURNING *`).
		WithArgs(sqlmock.AnyArg()).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow("k1"))

	ctx := context.Background()
	res, err := db.From(query.Contacts).Update(record.Record{"label": "friend"}).Eq("id", "k1").Execute(ctx)
	require.NoError(t, err)
	assert.Equal(t, "friend", res.Records[0]["label"])

	res, err = db.From(query.Contacts).Delete().In("id", []interface{}{"k1", "k2"}).Execute(ctx)
	require.NoError(t, err)
	assert.Len(t, res.Records, 1)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestStoreErrorSurfacesCause(t *testing.T) {
	db, mock := newMockDB(t)
	mock.ExpectQuery(`SELECT * FROM "contacts"`).WillReturnError(sql.ErrConnDone)

	_, err := db.From(query.Contacts).Execute(context.Background())
	require.Error(t, err)
	assert.True(t, svcerrors.HasCode(err, svcerrors.CodeStore))
	assert.ErrorIs(t, err, sql.ErrConnDone)
}

func TestInvalidIdentifierRejected(t *testing.T) {
	db, _ := newMockDB(t)
	_, err := db.From(query.Contacts).Eq(`label"; DROP TABLE contacts; --`, "x").Execute(context.Background())
	assert.True(t, svcerrors.IsValidation(err))
}

func TestExecutorIntegration(t *testing.T) {
	dsn := os.Getenv("TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("TEST_POSTGRES_DSN not set; skipping postgres integration test")
	}

	ctx := context.Background()
	exec, err := Open(ctx, dsn, nil)
	require.NoError(t, err)
	defer exec.Close()

	db := query.New(exec)
	res, err := db.From(query.LobbyMessages).Insert(record.Record{"sender_address": "0x" + "ab", "body": "integration"}).Execute(ctx)
	require.NoError(t, err)
	id := res.Records[0]["id"]

	got, err := db.From(query.LobbyMessages).Eq("id", id).Single(ctx)
	require.NoError(t, err)
	assert.Equal(t, "integration", got["body"])

	_, err = db.From(query.LobbyMessages).Delete().Eq("id", id).Execute(ctx)
	require.NoError(t, err)
}

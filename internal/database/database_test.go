package database

import (
	"context"
	"database/sql"
	"fmt"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newMockDB(t *testing.T) (*DB, sqlmock.Sqlmock) {
	t.Helper()
	conn, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return &DB{conn: conn, lockTimeout: 100 * time.Millisecond, lockWait: 10 * time.Millisecond}, mock
}

func TestWriteTxHoldsAdvisoryLock(t *testing.T) {
	db, mock := newMockDB(t)

	mock.ExpectBegin()
	mock.ExpectQuery("pg_try_advisory_xact_lock").
		WithArgs(int64(bigLockKey)).
		WillReturnRows(sqlmock.NewRows([]string{"pg_try_advisory_xact_lock"}).AddRow(true))
	mock.ExpectExec("INSERT INTO views").
		WithArgs("internal").
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	err := db.WriteTx(context.Background(), func(tx *sql.Tx) error {
		_, err := tx.Exec("INSERT INTO views (name) VALUES ($1)", "internal")
		return err
	})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestWriteTxRetriesThenTimesOut(t *testing.T) {
	db, mock := newMockDB(t)
	// Every attempt fails to grab the lock until the deadline passes.
	for i := 0; i < 20; i++ {
		mock.ExpectBegin()
		mock.ExpectQuery("pg_try_advisory_xact_lock").
			WillReturnRows(sqlmock.NewRows([]string{"locked"}).AddRow(false))
		mock.ExpectRollback()
	}

	err := db.WriteTx(context.Background(), func(tx *sql.Tx) error {
		t.Fatal("fn must not run without the lock")
		return nil
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "timed out")
}

func TestWriteTxRollsBackOnError(t *testing.T) {
	db, mock := newMockDB(t)

	mock.ExpectBegin()
	mock.ExpectQuery("pg_try_advisory_xact_lock").
		WillReturnRows(sqlmock.NewRows([]string{"locked"}).AddRow(true))
	mock.ExpectRollback()

	boom := fmt.Errorf("boom")
	err := db.WriteTx(context.Background(), func(tx *sql.Tx) error { return boom })
	assert.ErrorIs(t, err, boom)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestAppendAudit(t *testing.T) {
	db, mock := newMockDB(t)

	mock.ExpectQuery("INSERT INTO audit_log").
		WithArgs("alice", "MakeView", `["internal"]`, true).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(int64(7)))

	id, err := db.AppendAudit(context.Background(), "alice", "MakeView", []any{"internal"}, true)
	require.NoError(t, err)
	assert.Equal(t, int64(7), id)
}

func TestAuditRange(t *testing.T) {
	db, mock := newMockDB(t)

	now := time.Now()
	mock.ExpectQuery("FROM audit_log WHERE id").
		WithArgs(int64(3), int64(5)).
		WillReturnRows(sqlmock.NewRows(
			[]string{"id", "username", "action", "arg_blob", "success", "created_at"}).
			AddRow(int64(4), "alice", "MakeView", `["a"]`, true, now).
			AddRow(int64(5), "bob", "MakeZone", `["z","z.","master","",""]`, false, now))

	entries, err := db.AuditRange(context.Background(), 3, 5)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, int64(4), entries[0].ID)
	assert.True(t, entries[0].Success)
	assert.False(t, entries[1].Success)
}

func TestDecodeAuditArgs(t *testing.T) {
	args, err := DecodeAuditArgs(`["internal", "10.0.0.0/8", "true"]`)
	require.NoError(t, err)
	assert.Equal(t, []string{"internal", "10.0.0.0/8", "true"}, args)

	_, err = DecodeAuditArgs(`{"not": "a list"}`)
	assert.Error(t, err)
}

func TestMutatorCreateViewSeedsDependencies(t *testing.T) {
	db, mock := newMockDB(t)

	mock.ExpectBegin()
	mock.ExpectQuery("pg_try_advisory_xact_lock").
		WillReturnRows(sqlmock.NewRows([]string{"locked"}).AddRow(true))
	mock.ExpectExec("INSERT INTO views").
		WithArgs("internal").
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec("INSERT INTO view_dependencies").
		WithArgs("internal").
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec("INSERT INTO view_dependencies").
		WithArgs("internal", "any").
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	err := db.WriteTx(context.Background(), func(tx *sql.Tx) error {
		return NewMutator(tx).CreateView("internal")
	})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

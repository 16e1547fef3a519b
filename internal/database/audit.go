package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"bindmgr/internal/model"
)

// AppendAudit records one state-mutating API call. Failed calls are
// recorded too; the audit log is the replay tape for recovery, and
// nothing is ever swallowed silently.
func (db *DB) AppendAudit(ctx context.Context, username, action string, args []any, success bool) (int64, error) {
	blob, err := json.Marshal(args)
	if err != nil {
		return 0, fmt.Errorf("could not encode audit arguments: %w", err)
	}
	var id int64
	err = db.conn.QueryRowContext(ctx,
		`INSERT INTO audit_log (username, action, arg_blob, success)
		 VALUES ($1, $2, $3, $4) RETURNING id`,
		username, action, string(blob), success,
	).Scan(&id)
	return id, err
}

// AuditEntry fetches one audit row by id.
func (db *DB) AuditEntry(ctx context.Context, id int64) (*model.AuditEntry, error) {
	e := &model.AuditEntry{}
	err := db.conn.QueryRowContext(ctx,
		`SELECT id, username, action, arg_blob, success, created_at
		 FROM audit_log WHERE id = $1`, id,
	).Scan(&e.ID, &e.Username, &e.Action, &e.ArgBlob, &e.Success, &e.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return e, err
}

// AuditRange lists audit rows with from < id <= to, ordered by id.
func (db *DB) AuditRange(ctx context.Context, from, to int64) ([]model.AuditEntry, error) {
	rows, err := db.conn.QueryContext(ctx,
		`SELECT id, username, action, arg_blob, success, created_at
		 FROM audit_log WHERE id > $1 AND id <= $2 ORDER BY id`, from, to)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []model.AuditEntry
	for rows.Next() {
		var e model.AuditEntry
		if err := rows.Scan(&e.ID, &e.Username, &e.Action, &e.ArgBlob, &e.Success, &e.CreatedAt); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// MaxAuditID returns the highest assigned audit id, 0 when the log is
// empty.
func (db *DB) MaxAuditID(ctx context.Context) (int64, error) {
	var id sql.NullInt64
	err := db.conn.QueryRowContext(ctx, "SELECT MAX(id) FROM audit_log").Scan(&id)
	return id.Int64, err
}

// DecodeAuditArgs unpacks the positional-argument blob of an audit row.
func DecodeAuditArgs(blob string) ([]string, error) {
	var raw []any
	if err := json.Unmarshal([]byte(blob), &raw); err != nil {
		return nil, fmt.Errorf("bad audit argument blob: %w", err)
	}
	args := make([]string, len(raw))
	for i, v := range raw {
		args[i] = fmt.Sprint(v)
	}
	return args, nil
}

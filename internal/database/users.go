package database

import (
	"context"
	"database/sql"

	"golang.org/x/crypto/bcrypt"
)

// CreateUser stores a local operator account.
func (db *DB) CreateUser(ctx context.Context, username, password string) error {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), 12)
	if err != nil {
		return err
	}
	_, err = db.conn.ExecContext(ctx,
		"INSERT INTO users (username, pass_hash) VALUES ($1, $2)",
		username, string(hash))
	return err
}

// AuthenticateUser verifies a local account. It returns false both for
// unknown users and for bad passwords.
func (db *DB) AuthenticateUser(ctx context.Context, username, password string) (bool, error) {
	var hash string
	var active bool
	err := db.conn.QueryRowContext(ctx,
		"SELECT pass_hash, active FROM users WHERE username = $1 AND auth_source = 'local'",
		username,
	).Scan(&hash, &active)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if !active {
		return false, nil
	}
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)) == nil, nil
}

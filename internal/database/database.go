// Package database is the relational intent store: views, ACLs, zones,
// records, server sets, the audit log, and the snapshot dump/restore
// used for point-in-time recovery.
package database

import (
	"context"
	"database/sql"
	"fmt"
	"io/fs"
	"log"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "github.com/jackc/pgx/v5/stdlib" // PostgreSQL driver
)

// bigLockKey is the advisory lock id serializing all writers.
const bigLockKey = 116511

type DB struct {
	conn *sql.DB

	lockTimeout time.Duration
	lockWait    time.Duration
}

func Open(dsn string, migrationsFS fs.FS, lockTimeout, lockWait time.Duration) (*DB, error) {
	conn, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	conn.SetMaxOpenConns(25)
	conn.SetMaxIdleConns(25)
	conn.SetConnMaxLifetime(5 * time.Minute)

	if err := conn.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	if err := runMigrations(conn, migrationsFS); err != nil {
		return nil, fmt.Errorf("migration failed: %w", err)
	}

	return &DB{conn: conn, lockTimeout: lockTimeout, lockWait: lockWait}, nil
}

func runMigrations(conn *sql.DB, migrationsFS fs.FS) error {
	driver, err := postgres.WithInstance(conn, &postgres.Config{})
	if err != nil {
		return fmt.Errorf("could not create migration driver: %w", err)
	}

	var m *migrate.Migrate

	if migrationsFS != nil {
		d, err := iofs.New(migrationsFS, "migrations")
		if err != nil {
			return fmt.Errorf("could not create iofs source: %w", err)
		}
		m, err = migrate.NewWithInstance("iofs", d, "postgres", driver)
		if err != nil {
			return fmt.Errorf("could not create migrate instance: %w", err)
		}
	} else {
		// Fallback to the on-disk migrations (useful for dev without build)
		m, err = migrate.NewWithDatabaseInstance("file://db/migrations", "postgres", driver)
		if err != nil {
			return fmt.Errorf("could not create migrate instance: %w", err)
		}
	}

	if err := m.Up(); err != nil && err != migrate.ErrNoChange {
		return fmt.Errorf("an error occurred while syncing the database: %w", err)
	}

	log.Println("Database migrations applied successfully")
	return nil
}

func (db *DB) Close() error {
	return db.conn.Close()
}

// WriteTx runs fn inside a transaction that also holds the big
// advisory write lock, so one state-mutating API call at a time touches
// the store. Lock acquisition is retried every lockWait until
// lockTimeout elapses.
func (db *DB) WriteTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	deadline := time.Now().Add(db.lockTimeout)
	for {
		tx, err := db.conn.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		var locked bool
		if err := tx.QueryRowContext(ctx, "SELECT pg_try_advisory_xact_lock($1)", bigLockKey).Scan(&locked); err != nil {
			_ = tx.Rollback()
			return err
		}
		if locked {
			if err := fn(tx); err != nil {
				_ = tx.Rollback()
				return err
			}
			return tx.Commit()
		}
		_ = tx.Rollback()
		if time.Now().After(deadline) {
			return fmt.Errorf("timed out after %s waiting for the write lock", db.lockTimeout)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(db.lockWait):
		}
	}
}

// ReadTx opens a read-only transaction. Long passes such as a full
// export hold one ReadTx so every query observes the same snapshot.
func (db *DB) ReadTx(ctx context.Context) (*sql.Tx, error) {
	return db.conn.BeginTx(ctx, &sql.TxOptions{
		Isolation: sql.LevelRepeatableRead,
		ReadOnly:  true,
	})
}

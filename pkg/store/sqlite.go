package store

import (
	"context"
	"database/sql"
	"fmt"
	"math/big"

	_ "github.com/mattn/go-sqlite3"

	"rsachat/pkg/crypto"
)

const createUsers = `
CREATE TABLE IF NOT EXISTS users (
	username TEXT PRIMARY KEY,
	e TEXT NOT NULL,
	n TEXT NOT NULL
);`

// SQLiteStore keeps one row per user. Exponent and modulus are stored as
// decimal text since they exceed any SQLite integer type.
type SQLiteStore struct {
	db *sql.DB
}

// OpenSQLite opens (or creates) the database at path.
func OpenSQLite(ctx context.Context, path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite database: %w", err)
	}

	if _, err := db.ExecContext(ctx, createUsers); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create users table: %w", err)
	}

	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) Load(ctx context.Context) (map[string]crypto.PublicKey, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT username, e, n FROM users")
	if err != nil {
		return nil, fmt.Errorf("failed to query users: %w", err)
	}
	defer rows.Close()

	users := make(map[string]crypto.PublicKey)
	for rows.Next() {
		var name, e, n string
		if err := rows.Scan(&name, &e, &n); err != nil {
			return nil, fmt.Errorf("failed to scan user: %w", err)
		}

		key, err := parseDecimalKey(e, n)
		if err != nil {
			return nil, fmt.Errorf("user %q: %w", name, err)
		}
		users[name] = key
	}

	return users, rows.Err()
}

// Save inserts users not yet present. Registrations are immutable, so
// existing rows are left alone.
func (s *SQLiteStore) Save(ctx context.Context, users map[string]crypto.PublicKey) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, "INSERT OR IGNORE INTO users (username, e, n) VALUES (?, ?, ?)")
	if err != nil {
		return fmt.Errorf("failed to prepare insert: %w", err)
	}
	defer stmt.Close()

	for name, key := range users {
		if _, err := stmt.ExecContext(ctx, name, key.E.String(), key.N.String()); err != nil {
			return fmt.Errorf("failed to insert user %q: %w", name, err)
		}
	}

	return tx.Commit()
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func parseDecimalKey(e, n string) (crypto.PublicKey, error) {
	key := crypto.PublicKey{}
	var ok bool
	if key.E, ok = new(big.Int).SetString(e, 10); !ok {
		return key, fmt.Errorf("%w: bad exponent", crypto.ErrInvalidKey)
	}
	if key.N, ok = new(big.Int).SetString(n, 10); !ok {
		return key, fmt.Errorf("%w: bad modulus", crypto.ErrInvalidKey)
	}
	if !key.Valid() {
		return key, crypto.ErrInvalidKey
	}
	return key, nil
}

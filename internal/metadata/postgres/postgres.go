// Package postgres implements the metadata record store on PostgreSQL.
package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"

	_ "github.com/lib/pq"

	"github.com/vaultgate/vaultgate/internal/metadata"
)

const schema = `
CREATE TABLE IF NOT EXISTS records (
	path  TEXT PRIMARY KEY,
	value JSONB NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
)`

// Store is a PostgreSQL-backed metadata.Store. Records are rows keyed by
// path with a jsonb value; Update runs in a transaction with a row lock so
// single-record read-modify-write is atomic across processes.
type Store struct {
	db *sql.DB
}

// New opens a connection pool and ensures the schema exists.
func New(databaseURL string) (*Store, error) {
	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}
	return &Store{db: db}, nil
}

// DB exposes the underlying pool.
func (s *Store) DB() *sql.DB { return s.db }

func (s *Store) Get(ctx context.Context, path string) (json.RawMessage, error) {
	var raw []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT value FROM records WHERE path = $1`, path).Scan(&raw)
	if err == sql.ErrNoRows {
		return nil, metadata.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get %s: %w", path, err)
	}
	return raw, nil
}

func (s *Store) Set(ctx context.Context, path string, value any) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("marshal record %s: %w", path, err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO records (path, value) VALUES ($1, $2)
		 ON CONFLICT (path) DO UPDATE SET value = EXCLUDED.value, updated_at = now()`,
		path, raw)
	if err != nil {
		return fmt.Errorf("set %s: %w", path, err)
	}
	return nil
}

func (s *Store) Update(ctx context.Context, path string, fields map[string]any) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin update: %w", err)
	}
	defer tx.Rollback()

	var raw []byte
	err = tx.QueryRowContext(ctx,
		`SELECT value FROM records WHERE path = $1 FOR UPDATE`, path).Scan(&raw)
	if err == sql.ErrNoRows {
		return metadata.ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("lock %s: %w", path, err)
	}

	var obj map[string]json.RawMessage
	if err := json.Unmarshal(raw, &obj); err != nil {
		return fmt.Errorf("record %s is not an object: %w", path, err)
	}
	for k, v := range fields {
		fv, err := json.Marshal(v)
		if err != nil {
			return fmt.Errorf("marshal field %s: %w", k, err)
		}
		obj[k] = fv
	}
	merged, err := json.Marshal(obj)
	if err != nil {
		return err
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE records SET value = $2, updated_at = now() WHERE path = $1`,
		path, merged); err != nil {
		return fmt.Errorf("update %s: %w", path, err)
	}
	return tx.Commit()
}

func (s *Store) Push(ctx context.Context, path string, value any) (string, error) {
	key, err := metadata.GenerateKey()
	if err != nil {
		return "", err
	}
	if err := s.Set(ctx, path+"/"+key, value); err != nil {
		return "", err
	}
	return key, nil
}

func (s *Store) Delete(ctx context.Context, path string) error {
	if _, err := s.db.ExecContext(ctx,
		`DELETE FROM records WHERE path = $1`, path); err != nil {
		return fmt.Errorf("delete %s: %w", path, err)
	}
	return nil
}

func (s *Store) Children(ctx context.Context, path string) (map[string]json.RawMessage, error) {
	prefix := path + "/"
	rows, err := s.db.QueryContext(ctx,
		`SELECT path, value FROM records WHERE path LIKE $1 || '%'`, prefix)
	if err != nil {
		return nil, fmt.Errorf("list children of %s: %w", path, err)
	}
	defer rows.Close()

	out := make(map[string]json.RawMessage)
	for rows.Next() {
		var p string
		var raw []byte
		if err := rows.Scan(&p, &raw); err != nil {
			return nil, fmt.Errorf("scan child: %w", err)
		}
		child := strings.TrimPrefix(p, prefix)
		if strings.Contains(child, "/") {
			continue
		}
		out[child] = raw
	}
	return out, rows.Err()
}

func (s *Store) Close() error { return s.db.Close() }

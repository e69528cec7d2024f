package statestore

import (
	"context"
	"database/sql"
	"strings"
	"time"
	"unicode/utf8"

	_ "github.com/mattn/go-sqlite3"
	"github.com/pkg/errors"
)

type SQLiteStore struct {
	db *sql.DB
}

var _ Store = &SQLiteStore{}

func NewSQLiteStore(dsn string) (*SQLiteStore, error) {
	if dsn == "" {
		return nil, errors.New("sqlite state store: empty dsn")
	}
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, err
	}
	// a single connection keeps ":memory:" databases coherent
	db.SetMaxOpenConns(1)
	s := &SQLiteStore{db: db}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *SQLiteStore) migrate() error {
	if s == nil || s.db == nil {
		return errors.New("sqlite state store: db is nil")
	}
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS kv (
		  key TEXT PRIMARY KEY,
		  value_json TEXT NOT NULL,
		  updated_at_ms INTEGER NOT NULL
		);`,
	}
	for _, st := range stmts {
		if _, err := s.db.Exec(st); err != nil {
			return errors.Wrap(err, "sqlite state store: migrate")
		}
	}
	return nil
}

func (s *SQLiteStore) Get(ctx context.Context, key string, out any) (bool, error) {
	if s == nil || s.db == nil {
		return false, errors.New("sqlite state store: db is nil")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	var raw string
	err := s.db.QueryRowContext(ctx, `SELECT value_json FROM kv WHERE key = ?`, key).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, errors.Wrap(err, "sqlite state store: get")
	}
	if err := decodeValue(key, []byte(raw), out); err != nil {
		return false, err
	}
	return true, nil
}

func (s *SQLiteStore) Set(ctx context.Context, key string, value any) error {
	return s.SetMany(ctx, map[string]any{key: value})
}

func (s *SQLiteStore) SetMany(ctx context.Context, entries map[string]any) error {
	if s == nil || s.db == nil {
		return errors.New("sqlite state store: db is nil")
	}
	if len(entries) == 0 {
		return nil
	}
	if ctx == nil {
		ctx = context.Background()
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "sqlite state store: begin")
	}
	defer func() { _ = tx.Rollback() }()

	now := time.Now().UnixMilli()
	for key, value := range entries {
		b, err := encodeValue(key, value)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO kv(key, value_json, updated_at_ms)
			VALUES(?, ?, ?)
			ON CONFLICT(key) DO UPDATE SET
			  value_json = excluded.value_json,
			  updated_at_ms = excluded.updated_at_ms
		`, key, string(b), now); err != nil {
			return errors.Wrap(err, "sqlite state store: upsert")
		}
	}
	if err := tx.Commit(); err != nil {
		return errors.Wrap(err, "sqlite state store: commit")
	}
	return nil
}

func (s *SQLiteStore) Delete(ctx context.Context, keys ...string) error {
	if s == nil || s.db == nil {
		return errors.New("sqlite state store: db is nil")
	}
	if len(keys) == 0 {
		return nil
	}
	if ctx == nil {
		ctx = context.Background()
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(keys)), ",")
	args := make([]any, 0, len(keys))
	for _, k := range keys {
		args = append(args, k)
	}
	if _, err := s.db.ExecContext(ctx, `DELETE FROM kv WHERE key IN (`+placeholders+`)`, args...); err != nil {
		return errors.Wrap(err, "sqlite state store: delete")
	}
	return nil
}

func (s *SQLiteStore) Keys(ctx context.Context, prefix string) ([]string, error) {
	if s == nil || s.db == nil {
		return nil, errors.New("sqlite state store: db is nil")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	rows, err := s.db.QueryContext(ctx, `SELECT key FROM kv WHERE substr(key, 1, ?) = ? ORDER BY key ASC`, utf8.RuneCountInString(prefix), prefix)
	if err != nil {
		return nil, errors.Wrap(err, "sqlite state store: list keys")
	}
	defer func() { _ = rows.Close() }()

	keys := []string{}
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, errors.Wrap(err, "sqlite state store: scan key")
		}
		keys = append(keys, k)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "sqlite state store: iterate keys")
	}
	return keys, nil
}

// Package sqlite is the SQLite implementation of the run store.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"

	"github.com/ductile-io/ductile/internal/storage"
)

// Store is a SQLite implementation of RunStore.
type Store struct {
	db *sqlx.DB
}

var _ storage.RunStore = (*Store)(nil)

// New opens (creating if necessary) the database at dbPath and initializes
// the schema.
func New(dbPath string) (*Store, error) {
	if dir := filepath.Dir(dbPath); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create database directory: %w", err)
		}
	}

	db, err := sqlx.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL; PRAGMA synchronous=NORMAL;"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	store := &Store{db: db}
	if err := store.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return store, nil
}

func (s *Store) initSchema() error {
	_, err := s.db.Exec(`CREATE TABLE IF NOT EXISTS runs (
		id TEXT PRIMARY KEY,
		pipeline TEXT NOT NULL,
		state TEXT NOT NULL,
		failure_kind TEXT NOT NULL DEFAULT '',
		error TEXT NOT NULL DEFAULT '',
		producer_code INTEGER,
		consumer_code INTEGER,
		started_at TIMESTAMP NOT NULL,
		ended_at TIMESTAMP
	)`)
	return err
}

func (s *Store) CreateRun(ctx context.Context, rec *storage.RunRecord) error {
	_, err := s.db.NamedExecContext(ctx,
		`INSERT INTO runs (id, pipeline, state, started_at)
		 VALUES (:id, :pipeline, :state, :started_at)`, rec)
	if err != nil {
		return fmt.Errorf("create run: %w", err)
	}
	return nil
}

func (s *Store) CompleteRun(ctx context.Context, rec *storage.RunRecord) error {
	res, err := s.db.NamedExecContext(ctx,
		`UPDATE runs SET
			state = :state,
			failure_kind = :failure_kind,
			error = :error,
			producer_code = :producer_code,
			consumer_code = :consumer_code,
			ended_at = :ended_at
		 WHERE id = :id`, rec)
	if err != nil {
		return fmt.Errorf("complete run: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return storage.ErrNotFound
	}
	return nil
}

func (s *Store) GetRun(ctx context.Context, id string) (*storage.RunRecord, error) {
	var rec storage.RunRecord
	err := s.db.GetContext(ctx, &rec, `SELECT * FROM runs WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get run: %w", err)
	}
	return &rec, nil
}

func (s *Store) ListRuns(ctx context.Context, limit int) ([]*storage.RunRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	var recs []*storage.RunRecord
	err := s.db.SelectContext(ctx, &recs,
		`SELECT * FROM runs ORDER BY started_at DESC, id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	return recs, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

package store

import (
	"context"
	"database/sql"
	"fmt"

	_ "modernc.org/sqlite"

	"github.com/tjfontaine/entitled-gateway/internal/entitlement"
)

// SQLite is a durable implementation of entitlement.Store. Update runs the
// read-modify-write inside one transaction per identity row, so there is no
// whole-document rewrite and no lost update under concurrent writers.
type SQLite struct {
	db *sql.DB
}

var _ entitlement.Store = (*SQLite)(nil)

// NewSQLite opens (or creates) the database at dbPath.
func NewSQLite(dbPath string) (*SQLite, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// One connection serializes SQLite's single writer; per-row isolation
	// comes from the transaction around each Update.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA journal_mode=WAL; PRAGMA synchronous=NORMAL;"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	s := &SQLite{db: db}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return s, nil
}

func (s *SQLite) initSchema() error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS entitlements (
			identity TEXT PRIMARY KEY,
			plan TEXT NOT NULL,
			status TEXT NOT NULL,
			uses_remaining INTEGER NOT NULL,
			uses_limit INTEGER NOT NULL,
			updated_at INTEGER NOT NULL,
			trust TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_entitlements_plan ON entitlements(plan)`,
	}

	for _, stmt := range statements {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("failed to execute schema statement: %w", err)
		}
	}

	return nil
}

func (s *SQLite) Get(ctx context.Context, identity string) (entitlement.Record, error) {
	query := `SELECT plan, status, uses_remaining, uses_limit, updated_at, trust
	          FROM entitlements WHERE identity = ?`

	var rec entitlement.Record
	err := s.db.QueryRowContext(ctx, query, identity).Scan(
		&rec.Plan, &rec.Status, &rec.UsesRemaining, &rec.UsesLimit, &rec.UpdatedAt, &rec.Trust)

	if err == sql.ErrNoRows {
		return entitlement.DefaultRecord(), nil
	}
	if err != nil {
		return entitlement.Record{}, fmt.Errorf("failed to get entitlement: %w", err)
	}

	return rec, nil
}

func (s *SQLite) Update(ctx context.Context, identity string, fn func(entitlement.Record) entitlement.Record) (entitlement.Record, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return entitlement.Record{}, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	query := `SELECT plan, status, uses_remaining, uses_limit, updated_at, trust
	          FROM entitlements WHERE identity = ?`

	cur := entitlement.DefaultRecord()
	err = tx.QueryRowContext(ctx, query, identity).Scan(
		&cur.Plan, &cur.Status, &cur.UsesRemaining, &cur.UsesLimit, &cur.UpdatedAt, &cur.Trust)
	if err != nil && err != sql.ErrNoRows {
		return entitlement.Record{}, fmt.Errorf("failed to read entitlement: %w", err)
	}

	next := fn(cur)

	upsert := `INSERT INTO entitlements (identity, plan, status, uses_remaining, uses_limit, updated_at, trust)
	           VALUES (?, ?, ?, ?, ?, ?, ?)
	           ON CONFLICT(identity) DO UPDATE SET
	               plan = excluded.plan,
	               status = excluded.status,
	               uses_remaining = excluded.uses_remaining,
	               uses_limit = excluded.uses_limit,
	               updated_at = excluded.updated_at,
	               trust = excluded.trust`

	if _, err := tx.ExecContext(ctx, upsert,
		identity, next.Plan, next.Status, next.UsesRemaining, next.UsesLimit, next.UpdatedAt, next.Trust); err != nil {
		return entitlement.Record{}, fmt.Errorf("failed to write entitlement: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return entitlement.Record{}, fmt.Errorf("failed to commit entitlement update: %w", err)
	}

	return next, nil
}

func (s *SQLite) Close() error {
	return s.db.Close()
}

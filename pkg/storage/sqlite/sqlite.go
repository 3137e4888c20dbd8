// Package sqlite provides a storage.RunStore on a single SQLite file using
// the pure Go modernc.org/sqlite driver.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	_ "modernc.org/sqlite"

	"github.com/rhuss/promptrun/pkg/api"
	"github.com/rhuss/promptrun/pkg/storage"
)

const schema = `
CREATE TABLE IF NOT EXISTS runs (
	id           TEXT PRIMARY KEY,
	tenant_id    TEXT NOT NULL DEFAULT '',
	status       TEXT NOT NULL,
	model        TEXT NOT NULL DEFAULT '',
	created_at   INTEGER NOT NULL,
	completed_at INTEGER,
	data         TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS runs_tenant_created_idx ON runs (tenant_id, created_at, id);
`

// Store is a SQLite-backed RunStore.
type Store struct {
	db *sql.DB
}

var _ storage.RunStore = (*Store)(nil)

// New opens (or creates) the database at path and ensures the schema.
func New(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	// One writer avoids SQLITE_BUSY under concurrent saves.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting WAL mode: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}
	return &Store{db: db}, nil
}

// SaveRun inserts run for the tenant in ctx.
func (s *Store) SaveRun(ctx context.Context, run *api.Run) error {
	data, err := json.Marshal(run)
	if err != nil {
		return fmt.Errorf("marshaling run: %w", err)
	}
	var completedAt sql.NullInt64
	if run.CompletedAt != 0 {
		completedAt = sql.NullInt64{Int64: run.CompletedAt, Valid: true}
	}

	res, err := s.db.ExecContext(ctx, `
		INSERT INTO runs (id, tenant_id, status, model, created_at, completed_at, data)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO NOTHING`,
		run.ID, storage.GetTenant(ctx), string(run.Status), run.Model, run.CreatedAt, completedAt, string(data),
	)
	if err != nil {
		return fmt.Errorf("inserting run: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return storage.ErrConflict
	}
	return nil
}

// GetRun loads one run.
func (s *Store) GetRun(ctx context.Context, id string) (*api.Run, error) {
	var data, tenant string
	err := s.db.QueryRowContext(ctx, "SELECT data, tenant_id FROM runs WHERE id = ?", id).Scan(&data, &tenant)
	if errors.Is(err, sql.ErrNoRows) || (err == nil && !storage.Visible(ctx, tenant)) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying run: %w", err)
	}
	return decodeRun(data)
}

// DeleteRun removes one run.
func (s *Store) DeleteRun(ctx context.Context, id string) error {
	query := "DELETE FROM runs WHERE id = ?"
	args := []any{id}
	if tenant := storage.GetTenant(ctx); tenant != "" {
		query += " AND tenant_id = ?"
		args = append(args, tenant)
	}
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("deleting run: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return storage.ErrNotFound
	}
	return nil
}

// ListRuns returns one page ordered by (created_at, id).
func (s *Store) ListRuns(ctx context.Context, opts storage.ListOptions) (*api.RunList, error) {
	var conds []string
	var args []any
	if tenant := storage.GetTenant(ctx); tenant != "" {
		conds, args = append(conds, "tenant_id = ?"), append(args, tenant)
	}
	if opts.Model != "" {
		conds, args = append(conds, "model = ?"), append(args, opts.Model)
	}
	if opts.Status != "" {
		conds, args = append(conds, "status = ?"), append(args, string(opts.Status))
	}

	asc := opts.Ascending()
	cursor, after := opts.After, true
	if cursor == "" && opts.Before != "" {
		cursor, after = opts.Before, false
	}
	if cursor != "" {
		var createdAt int64
		err := s.db.QueryRowContext(ctx, "SELECT created_at FROM runs WHERE id = ?", cursor).Scan(&createdAt)
		if errors.Is(err, sql.ErrNoRows) {
			return storage.NewRunList(nil, false), nil
		}
		if err != nil {
			return nil, fmt.Errorf("resolving cursor: %w", err)
		}
		op := "<"
		if asc == after {
			op = ">"
		}
		conds = append(conds, "(created_at, id) "+op+" (?, ?)")
		args = append(args, createdAt, cursor)
	}

	query := "SELECT data FROM runs"
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	dir := "DESC"
	if asc {
		dir = "ASC"
	}
	limit := opts.EffectiveLimit()
	query += fmt.Sprintf(" ORDER BY created_at %s, id %s LIMIT %d", dir, dir, limit+1)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("listing runs: %w", err)
	}
	defer rows.Close()

	var out []*api.Run
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, fmt.Errorf("scanning run: %w", err)
		}
		run, err := decodeRun(data)
		if err != nil {
			return nil, err
		}
		out = append(out, run)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating runs: %w", err)
	}

	hasMore := len(out) > limit
	if hasMore {
		out = out[:limit]
	}
	return storage.NewRunList(out, hasMore), nil
}

// HealthCheck pings the database.
func (s *Store) HealthCheck(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

func decodeRun(data string) (*api.Run, error) {
	var run api.Run
	if err := json.Unmarshal([]byte(data), &run); err != nil {
		return nil, fmt.Errorf("decoding run: %w", err)
	}
	return &run, nil
}

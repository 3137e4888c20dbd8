// Package postgres provides a PostgreSQL storage.RunStore backed by a pgx
// connection pool. Each run is stored as JSONB next to the columns used
// for tenant scoping, filtering and ordering.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/rhuss/promptrun/pkg/api"
	"github.com/rhuss/promptrun/pkg/storage"
)

const uniqueViolation = "23505"

// Store is a PostgreSQL-backed RunStore.
type Store struct {
	pool *pgxpool.Pool
}

var _ storage.RunStore = (*Store)(nil)

// New connects to PostgreSQL and optionally applies migrations.
func New(ctx context.Context, cfg Config) (*Store, error) {
	poolCfg, err := cfg.pool()
	if err != nil {
		return nil, err
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("creating connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("connecting to database: %w", err)
	}

	s := &Store{pool: pool}
	if cfg.MigrateOnStart {
		if err := s.migrate(ctx); err != nil {
			pool.Close()
			return nil, fmt.Errorf("running migrations: %w", err)
		}
	}
	return s, nil
}

// SaveRun inserts run for the tenant in ctx.
func (s *Store) SaveRun(ctx context.Context, run *api.Run) error {
	data, err := json.Marshal(run)
	if err != nil {
		return fmt.Errorf("marshaling run: %w", err)
	}

	var completedAt *int64
	if run.CompletedAt != 0 {
		completedAt = &run.CompletedAt
	}

	_, err = s.pool.Exec(ctx, `
		INSERT INTO runs (id, tenant_id, status, model, created_at, completed_at, data)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		run.ID, storage.GetTenant(ctx), string(run.Status), run.Model, run.CreatedAt, completedAt, data,
	)
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
		return storage.ErrConflict
	}
	if err != nil {
		return fmt.Errorf("inserting run: %w", err)
	}
	return nil
}

// GetRun loads one run.
func (s *Store) GetRun(ctx context.Context, id string) (*api.Run, error) {
	query := "SELECT data FROM runs WHERE id = $1"
	args := []any{id}
	if tenant := storage.GetTenant(ctx); tenant != "" {
		query += " AND tenant_id = $2"
		args = append(args, tenant)
	}

	var data []byte
	err := s.pool.QueryRow(ctx, query, args...).Scan(&data)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying run: %w", err)
	}
	return decodeRun(data)
}

// DeleteRun removes one run.
func (s *Store) DeleteRun(ctx context.Context, id string) error {
	query := "DELETE FROM runs WHERE id = $1"
	args := []any{id}
	if tenant := storage.GetTenant(ctx); tenant != "" {
		query += " AND tenant_id = $2"
		args = append(args, tenant)
	}

	tag, err := s.pool.Exec(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("deleting run: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return storage.ErrNotFound
	}
	return nil
}

// ListRuns returns one page ordered by (created_at, id).
func (s *Store) ListRuns(ctx context.Context, opts storage.ListOptions) (*api.RunList, error) {
	q := &listQuery{}
	if tenant := storage.GetTenant(ctx); tenant != "" {
		q.where("tenant_id = %s", tenant)
	}
	if opts.Model != "" {
		q.where("model = %s", opts.Model)
	}
	if opts.Status != "" {
		q.where("status = %s", string(opts.Status))
	}

	asc := opts.Ascending()
	cursor, after := opts.After, true
	if cursor == "" && opts.Before != "" {
		cursor, after = opts.Before, false
	}
	if cursor != "" {
		var createdAt int64
		err := s.pool.QueryRow(ctx, "SELECT created_at FROM runs WHERE id = $1", cursor).Scan(&createdAt)
		if errors.Is(err, pgx.ErrNoRows) {
			return storage.NewRunList(nil, false), nil
		}
		if err != nil {
			return nil, fmt.Errorf("resolving cursor: %w", err)
		}
		// "after" in list order is "greater" when ascending.
		op := "<"
		if asc == after {
			op = ">"
		}
		q.where("(created_at, id) "+op+" (%s, %s)", createdAt, cursor)
	}

	dir := "DESC"
	if asc {
		dir = "ASC"
	}
	limit := opts.EffectiveLimit()
	sql := "SELECT data FROM runs" + q.clause() +
		fmt.Sprintf(" ORDER BY created_at %s, id %s LIMIT %d", dir, dir, limit+1)

	rows, err := s.pool.Query(ctx, sql, q.args...)
	if err != nil {
		return nil, fmt.Errorf("listing runs: %w", err)
	}
	defer rows.Close()

	var out []*api.Run
	for rows.Next() {
		var data []byte
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
	return s.pool.Ping(ctx)
}

// Close closes the pool.
func (s *Store) Close() error {
	s.pool.Close()
	return nil
}

func decodeRun(data []byte) (*api.Run, error) {
	var run api.Run
	if err := json.Unmarshal(data, &run); err != nil {
		return nil, fmt.Errorf("decoding run: %w", err)
	}
	return &run, nil
}

// listQuery accumulates WHERE conditions with numbered placeholders.
type listQuery struct {
	conds []string
	args  []any
}

// where adds a condition; each %s in cond becomes the next placeholder.
func (q *listQuery) where(cond string, args ...any) {
	ph := make([]any, len(args))
	for i := range args {
		ph[i] = fmt.Sprintf("$%d", len(q.args)+i+1)
	}
	q.conds = append(q.conds, fmt.Sprintf(cond, ph...))
	q.args = append(q.args, args...)
}

func (q *listQuery) clause() string {
	if len(q.conds) == 0 {
		return ""
	}
	return " WHERE " + strings.Join(q.conds, " AND ")
}

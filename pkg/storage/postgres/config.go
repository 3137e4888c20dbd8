package postgres

import (
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Config holds PostgreSQL connection settings. Zero pool values take the
// defaults 10 max, 1 min and a 30 minute lifetime.
type Config struct {
	DSN             string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration

	// MigrateOnStart applies the embedded schema migrations in New.
	MigrateOnStart bool
}

func (c Config) pool() (*pgxpool.Config, error) {
	pc, err := pgxpool.ParseConfig(c.DSN)
	if err != nil {
		return nil, fmt.Errorf("parsing DSN: %w", err)
	}
	pc.MaxConns = orDefault(c.MaxConns, 10)
	pc.MinConns = orDefault(c.MinConns, 1)
	pc.MaxConnLifetime = orDefault(c.MaxConnLifetime, 30*time.Minute)
	return pc, nil
}

func orDefault[T int32 | time.Duration](v, def T) T {
	if v <= 0 {
		return def
	}
	return v
}

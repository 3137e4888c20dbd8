package postgres

import (
	"context"
	"os"
	"os/exec"
	"strings"
	"testing"
	"time"

	"github.com/testcontainers/testcontainers-go"
	pgmodule "github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/rhuss/promptrun/pkg/storage"
	"github.com/rhuss/promptrun/pkg/storage/storagetest"
)

func init() {
	// Let testcontainers find a podman socket when DOCKER_HOST is unset.
	if os.Getenv("DOCKER_HOST") == "" {
		out, err := exec.Command("podman", "machine", "inspect", "--format", "{{.ConnectionInfo.PodmanSocket.Path}}").Output()
		if err == nil {
			if sock := strings.TrimSpace(string(out)); sock != "" {
				os.Setenv("DOCKER_HOST", "unix://"+sock)
			}
		}
	}
	if os.Getenv("TESTCONTAINERS_RYUK_CONTAINER_PRIVILEGED") == "" {
		os.Setenv("TESTCONTAINERS_RYUK_CONTAINER_PRIVILEGED", "true")
	}
}

// startPostgres runs a throwaway PostgreSQL container and returns its DSN.
// The test is skipped when no container runtime is usable.
func startPostgres(t *testing.T) string {
	t.Helper()
	if os.Getenv("SKIP_INTEGRATION") == "true" {
		t.Skip("SKIP_INTEGRATION=true")
	}
	if testing.Short() {
		t.Skip("skipping container test in short mode")
	}

	ctx := context.Background()
	container, err := pgmodule.Run(ctx,
		"postgres:16-alpine",
		pgmodule.WithDatabase("promptrun_test"),
		pgmodule.WithUsername("test"),
		pgmodule.WithPassword("test"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60*time.Second),
		),
	)
	if err != nil {
		t.Skipf("could not start PostgreSQL container: %v", err)
	}
	t.Cleanup(func() { container.Terminate(context.Background()) })

	dsn, err := container.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		t.Fatalf("connection string: %v", err)
	}
	return dsn
}

func TestConformance(t *testing.T) {
	dsn := startPostgres(t)

	storagetest.Run(t, func(t *testing.T) storage.RunStore {
		s, err := New(context.Background(), Config{DSN: dsn, MaxConns: 4, MigrateOnStart: true})
		if err != nil {
			t.Fatalf("New: %v", err)
		}
		if _, err := s.pool.Exec(context.Background(), "TRUNCATE runs"); err != nil {
			t.Fatalf("truncate: %v", err)
		}
		return s
	})
}

func TestMigrateIsIdempotent(t *testing.T) {
	dsn := startPostgres(t)
	ctx := context.Background()

	for i := range 2 {
		s, err := New(ctx, Config{DSN: dsn, MigrateOnStart: true})
		if err != nil {
			t.Fatalf("New #%d: %v", i, err)
		}
		s.Close()
	}

	s, err := New(ctx, Config{DSN: dsn})
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()

	var n int
	if err := s.pool.QueryRow(ctx, "SELECT count(*) FROM schema_migrations").Scan(&n); err != nil {
		t.Fatal(err)
	}
	want, _ := pendingMigrations()
	if n != len(want) {
		t.Errorf("schema_migrations has %d rows, want %d", n, len(want))
	}
}

func TestPendingMigrations(t *testing.T) {
	ms, err := pendingMigrations()
	if err != nil {
		t.Fatal(err)
	}
	if len(ms) == 0 || ms[0].version != 1 {
		t.Fatalf("migrations = %+v", ms)
	}
	for i := 1; i < len(ms); i++ {
		if ms[i].version <= ms[i-1].version {
			t.Errorf("migrations out of order: %+v", ms)
		}
	}
}

func TestListQuery(t *testing.T) {
	q := &listQuery{}
	if q.clause() != "" {
		t.Errorf("empty clause = %q", q.clause())
	}
	q.where("tenant_id = %s", "a")
	q.where("(created_at, id) < (%s, %s)", int64(5), "run_x")

	want := " WHERE tenant_id = $1 AND (created_at, id) < ($2, $3)"
	if got := q.clause(); got != want {
		t.Errorf("clause = %q, want %q", got, want)
	}
	if len(q.args) != 3 {
		t.Errorf("args = %v", q.args)
	}
}

func TestNew_BadDSN(t *testing.T) {
	if _, err := New(context.Background(), Config{DSN: "://not a dsn"}); err == nil {
		t.Error("expected DSN parse error")
	}
}

func TestConfigPool(t *testing.T) {
	pc, err := Config{DSN: "postgres://u:p@localhost:5432/runs"}.pool()
	if err != nil {
		t.Fatal(err)
	}
	if pc.MaxConns != 10 || pc.MinConns != 1 || pc.MaxConnLifetime != 30*time.Minute {
		t.Errorf("defaults = %d/%d/%s", pc.MaxConns, pc.MinConns, pc.MaxConnLifetime)
	}

	pc, err = Config{DSN: "postgres://localhost/runs", MaxConns: 3, MinConns: 2, MaxConnLifetime: time.Minute}.pool()
	if err != nil {
		t.Fatal(err)
	}
	if pc.MaxConns != 3 || pc.MinConns != 2 || pc.MaxConnLifetime != time.Minute {
		t.Errorf("explicit = %d/%d/%s", pc.MaxConns, pc.MinConns, pc.MaxConnLifetime)
	}
}

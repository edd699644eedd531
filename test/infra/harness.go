package infra

import (
	"context"
	"errors"
	"io"
	"os"
	"os/exec"

	"github.com/jackc/pgx/v5/pgxpool"
)

// ErrNoDatabase means neither a DSN, Docker nor a local PostgreSQL is
// available; callers skip.
var ErrNoDatabase = errors.New("no database available for integration tests")

// Harness owns a migrated database and its pool.
type Harness struct {
	container *PGContainer
	pool      *pgxpool.Pool
	teardown  func(context.Context) error
}

// NewHarness picks a database in order: overrideDSN, DEALFLOW_TEST_PG_DSN, a
// Docker container, a local PostgreSQL. Shared databases get an isolated
// schema.
func NewHarness(ctx context.Context, overrideDSN string) (*Harness, error) {
	var (
		container *PGContainer
		dsn       string
		err       error
	)
	switch {
	case overrideDSN != "" || os.Getenv(DSNEnv) != "":
		container, dsn, err = StartPostgres16(ctx, overrideDSN)
	case dockerAvailable(ctx):
		container, dsn, err = StartPostgres16(ctx, "")
	default:
		container = &PGContainer{}
		dsn, err = InitLocalDatabase(ctx)
		if err != nil {
			return nil, errors.Join(ErrNoDatabase, err)
		}
	}
	if err != nil {
		return nil, err
	}

	pool, teardown, err := ApplyMigrations(ctx, dsn, container.Shared())
	if err != nil {
		_ = container.Terminate(ctx)
		return nil, err
	}
	return &Harness{container: container, pool: pool, teardown: teardown}, nil
}

func (h *Harness) Pool() *pgxpool.Pool {
	return h.pool
}

// Close drops the isolated schema, if any, and stops the container.
func (h *Harness) Close(ctx context.Context) error {
	h.pool.Close()
	return errors.Join(h.teardown(ctx), h.container.Terminate(ctx))
}

func dockerAvailable(ctx context.Context) bool {
	if _, err := exec.LookPath("docker"); err != nil {
		return false
	}
	c := exec.CommandContext(ctx, "docker", "info")
	c.Stdout = io.Discard
	c.Stderr = io.Discard
	return c.Run() == nil
}

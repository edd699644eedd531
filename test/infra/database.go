package infra

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"

	"github.com/jackc/pgx/v5"
)

const (
	localRole     = "dealflow"
	localDatabase = "dealflow_it"
	localAddr     = "127.0.0.1:5432"
)

// InitLocalDatabase recreates localDatabase on a PostgreSQL listening on
// localAddr and returns a DSN for it. Used when Docker is missing.
func InitLocalDatabase(ctx context.Context) (string, error) {
	if err := exec.CommandContext(ctx, "pg_isready", "-h", "127.0.0.1", "-p", "5432").Run(); err != nil {
		return "", fmt.Errorf("local postgres not ready: %w", err)
	}

	admin, err := connectAdmin(ctx)
	if err != nil {
		return "", err
	}
	defer admin.Close(ctx)

	role := pgx.Identifier{localRole}.Sanitize()
	dbName := pgx.Identifier{localDatabase}.Sanitize()
	stmts := []string{
		fmt.Sprintf(`DO $$ BEGIN CREATE ROLE %s LOGIN PASSWORD '%s'; EXCEPTION WHEN duplicate_object THEN NULL; END $$`, role, localRole),
		fmt.Sprintf(`SELECT pg_terminate_backend(pid) FROM pg_stat_activity WHERE datname = '%s' AND pid <> pg_backend_pid()`, localDatabase),
		"DROP DATABASE IF EXISTS " + dbName,
		fmt.Sprintf("CREATE DATABASE %s OWNER %s", dbName, role),
	}
	for _, stmt := range stmts {
		if _, err := admin.Exec(ctx, stmt); err != nil {
			return "", fmt.Errorf("prepare local database: %w", err)
		}
	}

	return fmt.Sprintf("postgres://%s:%s@%s/%s?sslmode=disable", localRole, localRole, localAddr, localDatabase), nil
}

// connectAdmin tries the usual superuser logins of a developer install.
func connectAdmin(ctx context.Context) (*pgx.Conn, error) {
	user := os.Getenv("USER")
	candidates := []string{
		"postgres://postgres@" + localAddr + "/postgres?sslmode=disable",
		"postgres://postgres:postgres@" + localAddr + "/postgres?sslmode=disable",
		"postgres://" + user + "@" + localAddr + "/postgres?sslmode=disable",
		"postgres://" + user + ":postgres@" + localAddr + "/postgres?sslmode=disable",
	}
	var failures []error
	for _, dsn := range candidates {
		conn, err := pgx.Connect(ctx, dsn)
		if err == nil {
			return conn, nil
		}
		failures = append(failures, err)
	}
	return nil, fmt.Errorf("connect as admin: %w", errors.Join(failures...))
}

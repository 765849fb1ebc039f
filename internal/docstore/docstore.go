// Package docstore owns the connection to the document store holding task
// and executor records. Every mutation the system depends on is a single
// atomic find-and-modify statement; the store's atomicity is the only
// concurrency control between judicator replicas and executors.
package docstore

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

type DB struct {
	Pool *pgxpool.Pool
}

func New(ctx context.Context, url string) (*DB, error) {
	cfg, err := pgxpool.ParseConfig(url)
	if err != nil {
		return nil, fmt.Errorf("failed to parse pg config: %w", err)
	}

	cfg.MaxConns = 10
	cfg.MinConns = 2
	cfg.MaxConnLifetime = time.Hour
	cfg.HealthCheckPeriod = 30 * time.Second

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to postgres: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		return nil, fmt.Errorf("failed to ping postgres: %w", err)
	}

	return &DB{Pool: pool}, nil
}

func (d *DB) Close() {
	d.Pool.Close()
}

const schema = `
CREATE TABLE IF NOT EXISTS tasks (
	id                    text PRIMARY KEY,
	usr                   bigint NOT NULL DEFAULT 0,
	has_compile           boolean NOT NULL DEFAULT false,
	compile_source        bytea,
	compile_command       bytea,
	compile_timeout       integer NOT NULL DEFAULT 0,
	has_execute           boolean NOT NULL DEFAULT false,
	execute_input         bytea,
	execute_data          bytea,
	execute_command       bytea,
	execute_timeout       integer NOT NULL DEFAULT 0,
	execute_standard      bytea,
	add_time              timestamptz NOT NULL,
	done                  boolean NOT NULL DEFAULT false,
	status                integer NOT NULL DEFAULT 0,
	executor              text,
	report_time           timestamptz NOT NULL,
	has_result            boolean NOT NULL DEFAULT false,
	result_compile_output bytea,
	result_compile_error  bytea,
	result_execute_output bytea,
	result_execute_error  bytea
);

CREATE INDEX IF NOT EXISTS idx_tasks_claim ON tasks (done, executor, report_time);
CREATE INDEX IF NOT EXISTS idx_tasks_add_time ON tasks (add_time);
CREATE INDEX IF NOT EXISTS idx_tasks_usr ON tasks (usr);

CREATE TABLE IF NOT EXISTS executors (
	hostname    text PRIMARY KEY,
	report_time timestamptz NOT NULL
);
`

// EnsureSchema creates the task and executor tables when missing.
func (d *DB) EnsureSchema(ctx context.Context) error {
	if _, err := d.Pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("failed to ensure schema: %w", err)
	}
	return nil
}

// TaskFilter selects tasks for search/count. Zero fields are ignored; the
// time bounds are inclusive on add_time.
type TaskFilter struct {
	ID        string
	User      *int
	StartTime *time.Time
	EndTime   *time.Time
}

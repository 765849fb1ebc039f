package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/tribunal/tribunal/internal/docstore"
	"github.com/tribunal/tribunal/internal/tracer"
	"github.com/tribunal/tribunal/internal/util"
	"github.com/tribunal/tribunal/model"
)

// ExecutorRepository stores the ephemeral liveness records of workers.
type ExecutorRepository struct {
	db *docstore.DB
}

func NewExecutorRepository(db *docstore.DB) *ExecutorRepository {
	return &ExecutorRepository{db: db}
}

// Upsert refreshes the executor's liveness record, creating it when missing.
func (r *ExecutorRepository) Upsert(ctx context.Context, hostname string) error {
	ctx, span := tracer.Get().Start(ctx, "Postgres/UpsertExecutor")
	defer span.End()

	_, err := r.db.Pool.Exec(ctx, `
		INSERT INTO executors (hostname, report_time)
		VALUES ($1, now())
		ON CONFLICT (hostname) DO UPDATE SET report_time = now()
	`, hostname)
	if err != nil {
		util.RecordSpanError(span, err)
		return fmt.Errorf("failed to upsert executor %s: %w", hostname, err)
	}
	return nil
}

// List dumps the registration set.
func (r *ExecutorRepository) List(ctx context.Context) ([]model.ExecutorInfo, error) {
	ctx, span := tracer.Get().Start(ctx, "Postgres/ListExecutors")
	defer span.End()

	rows, err := r.db.Pool.Query(ctx, `SELECT hostname, report_time FROM executors ORDER BY hostname`)
	if err != nil {
		util.RecordSpanError(span, err)
		return nil, fmt.Errorf("failed to list executors: %w", err)
	}
	defer rows.Close()

	var infos []model.ExecutorInfo
	for rows.Next() {
		var e model.ExecutorInfo
		if err := rows.Scan(&e.Hostname, &e.ReportTime); err != nil {
			util.RecordSpanError(span, err)
			return nil, err
		}
		infos = append(infos, e)
	}
	if err := rows.Err(); err != nil {
		util.RecordSpanError(span, err)
		return nil, err
	}
	return infos, nil
}

// DeleteExpiredOne removes one executor record whose report_time went stale
// before the cutoff. Returns ("", false, nil) when none remain.
func (r *ExecutorRepository) DeleteExpiredOne(ctx context.Context, before time.Time) (string, bool, error) {
	ctx, span := tracer.Get().Start(ctx, "Postgres/DeleteExpiredExecutor")
	defer span.End()

	var hostname string
	err := r.db.Pool.QueryRow(ctx, `
		DELETE FROM executors
		WHERE hostname = (
			SELECT hostname FROM executors
			WHERE report_time < $1
			LIMIT 1
			FOR UPDATE SKIP LOCKED
		)
		RETURNING hostname
	`, before).Scan(&hostname)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		util.RecordSpanError(span, err)
		return "", false, fmt.Errorf("failed to delete expired executor: %w", err)
	}
	return hostname, true, nil
}

package repository

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/tribunal/tribunal/internal/docstore"
	"github.com/tribunal/tribunal/internal/tracer"
	"github.com/tribunal/tribunal/internal/util"
	"github.com/tribunal/tribunal/model"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

const taskColumns = `
	id, usr,
	has_compile, compile_source, compile_command, compile_timeout,
	has_execute, execute_input, execute_data, execute_command, execute_timeout, execute_standard,
	add_time, done, status, COALESCE(executor, ''), report_time,
	has_result, result_compile_output, result_compile_error, result_execute_output, result_execute_error`

const briefColumns = `id, usr, done, status, COALESCE(executor, ''), add_time, report_time`

// TaskRepository stores task records. Ownership-sensitive updates are always
// filtered by (id, executor) so a stale owner can never clobber a record it
// lost.
type TaskRepository struct {
	db *docstore.DB
}

func NewTaskRepository(db *docstore.DB) *TaskRepository {
	return &TaskRepository{db: db}
}

// newTaskID renders a random uuid as 32 lowercase hex chars.
func newTaskID() string {
	id, err := uuid.NewRandom()
	if err != nil {
		// uuid only fails when the system entropy source does; fall back to
		// reading it directly so insert keeps its no-error id contract.
		var b [16]byte
		_, _ = rand.Read(b[:])
		return hex.EncodeToString(b[:])
	}
	return hex.EncodeToString(id[:])
}

// Insert persists a fresh task and returns its store-assigned id.
func (r *TaskRepository) Insert(ctx context.Context, t *model.Task) (string, error) {
	ctx, span := tracer.Get().Start(ctx, "Postgres/InsertTask")
	defer span.End()

	id := newTaskID()
	var (
		compile model.Compile
		execute model.Execute
	)
	if t.Compile != nil {
		compile = *t.Compile
	}
	if t.Execute != nil {
		execute = *t.Execute
	}

	_, err := r.db.Pool.Exec(ctx, `
		INSERT INTO tasks (
			id, usr,
			has_compile, compile_source, compile_command, compile_timeout,
			has_execute, execute_input, execute_data, execute_command, execute_timeout, execute_standard,
			add_time, done, status, executor, report_time, has_result
		)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,NULL,$16,false)
	`,
		id, t.User,
		t.Compile != nil, compile.Source, compile.Command, compile.Timeout,
		t.Execute != nil, execute.Input, execute.Data, execute.Command, execute.Timeout, execute.Standard,
		t.AddTime, t.Done, int(t.Status), t.ReportTime,
	)
	if err != nil {
		util.RecordSpanError(span, err)
		return "", fmt.Errorf("failed to insert task: %w", err)
	}
	return id, nil
}

// Get fetches a full task record, nil when absent.
func (r *TaskRepository) Get(ctx context.Context, id string) (*model.Task, error) {
	ctx, span := tracer.Get().Start(ctx, "Postgres/GetTask")
	defer span.End()

	row := r.db.Pool.QueryRow(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = $1`, id)
	t, err := scanTask(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		util.RecordSpanError(span, err)
		return nil, fmt.Errorf("failed to get task %s: %w", id, err)
	}
	return t, nil
}

// CancelUndone flips a not-yet-done task to its cancelled terminal state.
// Returns false when no undone task matched the id.
func (r *TaskRepository) CancelUndone(ctx context.Context, id string) (bool, error) {
	ctx, span := tracer.Get().Start(ctx, "Postgres/CancelTask")
	defer span.End()
	span.AddEvent("task.context", trace.WithAttributes(attribute.String("task_id", id)))

	tag, err := r.db.Pool.Exec(ctx, `
		UPDATE tasks
		SET executor = NULL, status = $2, done = true, report_time = now()
		WHERE id = $1 AND done = false
	`, id, int(model.StatusCancelled))
	if err != nil {
		util.RecordSpanError(span, err)
		return false, fmt.Errorf("failed to cancel task %s: %w", id, err)
	}
	return tag.RowsAffected() > 0, nil
}

func filterClause(f docstore.TaskFilter, args *[]any) string {
	conds := []string{"true"}
	add := func(cond string, v any) {
		*args = append(*args, v)
		conds = append(conds, fmt.Sprintf(cond, len(*args)))
	}
	if f.ID != "" {
		add("id = $%d", f.ID)
	}
	if f.User != nil {
		add("usr = $%d", *f.User)
	}
	if f.StartTime != nil {
		add("add_time >= $%d", *f.StartTime)
	}
	if f.EndTime != nil {
		add("add_time <= $%d", *f.EndTime)
	}
	return strings.Join(conds, " AND ")
}

// Count returns how many tasks match the filter.
func (r *TaskRepository) Count(ctx context.Context, f docstore.TaskFilter) (int64, error) {
	ctx, span := tracer.Get().Start(ctx, "Postgres/CountTasks")
	defer span.End()

	var args []any
	where := filterClause(f, &args)
	var n int64
	if err := r.db.Pool.QueryRow(ctx, `SELECT count(*) FROM tasks WHERE `+where, args...).Scan(&n); err != nil {
		util.RecordSpanError(span, err)
		return 0, fmt.Errorf("failed to count tasks: %w", err)
	}
	return n, nil
}

// Search returns one page of brief task views ordered by add_time.
// limit of 0 means unbounded.
func (r *TaskRepository) Search(ctx context.Context, f docstore.TaskFilter, oldToNew bool, limit, skip int) ([]model.TaskBrief, error) {
	ctx, span := tracer.Get().Start(ctx, "Postgres/SearchTasks")
	defer span.End()

	var args []any
	where := filterClause(f, &args)
	order := "DESC"
	if oldToNew {
		order = "ASC"
	}
	query := fmt.Sprintf(`SELECT %s FROM tasks WHERE %s ORDER BY add_time %s`, briefColumns, where, order)
	if limit > 0 {
		args = append(args, limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
		args = append(args, skip)
		query += fmt.Sprintf(" OFFSET $%d", len(args))
	}

	rows, err := r.db.Pool.Query(ctx, query, args...)
	if err != nil {
		util.RecordSpanError(span, err)
		return nil, fmt.Errorf("failed to search tasks: %w", err)
	}
	defer rows.Close()

	var briefs []model.TaskBrief
	for rows.Next() {
		var b model.TaskBrief
		var status int
		if err := rows.Scan(&b.ID, &b.User, &b.Done, &status, &b.Executor, &b.AddTime, &b.ReportTime); err != nil {
			util.RecordSpanError(span, err)
			return nil, err
		}
		b.Status = model.Status(status)
		briefs = append(briefs, b)
	}
	if err := rows.Err(); err != nil {
		util.RecordSpanError(span, err)
		return nil, err
	}
	return briefs, nil
}

// CompleteOwned commits a terminal status and result for a task still owned
// by the reporting executor. Returns false when ownership was already revoked.
func (r *TaskRepository) CompleteOwned(ctx context.Context, id, executor string, status model.Status, result *model.Result) (bool, error) {
	ctx, span := tracer.Get().Start(ctx, "Postgres/CompleteTask")
	defer span.End()
	span.AddEvent("task.context", trace.WithAttributes(
		attribute.String("task_id", id), attribute.String("executor", executor)))

	var res model.Result
	if result != nil {
		res = *result
	}
	tag, err := r.db.Pool.Exec(ctx, `
		UPDATE tasks
		SET done = true, status = $3, executor = NULL, report_time = now(),
			has_result = true,
			result_compile_output = $4, result_compile_error = $5,
			result_execute_output = $6, result_execute_error = $7
		WHERE id = $1 AND executor = $2 AND done = false
	`, id, executor, int(status), res.CompileOutput, res.CompileError, res.ExecuteOutput, res.ExecuteError)
	if err != nil {
		util.RecordSpanError(span, err)
		return false, fmt.Errorf("failed to complete task %s: %w", id, err)
	}
	return tag.RowsAffected() > 0, nil
}

// ForceUnknownError commits the oversized-result terminal state: empty result
// payloads and the unknown-error status, still keyed by (id, executor).
func (r *TaskRepository) ForceUnknownError(ctx context.Context, id, executor string) (bool, error) {
	return r.CompleteOwned(ctx, id, executor, model.StatusUnknownError, &model.Result{})
}

// TouchExecuting refreshes status and report_time for a task still owned by
// the reporting executor. Returns false when ownership was already revoked.
func (r *TaskRepository) TouchExecuting(ctx context.Context, id, executor string, status model.Status) (bool, error) {
	ctx, span := tracer.Get().Start(ctx, "Postgres/TouchTask")
	defer span.End()

	tag, err := r.db.Pool.Exec(ctx, `
		UPDATE tasks
		SET status = $3, report_time = now()
		WHERE id = $1 AND executor = $2 AND done = false
	`, id, executor, int(status))
	if err != nil {
		util.RecordSpanError(span, err)
		return false, fmt.Errorf("failed to touch task %s: %w", id, err)
	}
	return tag.RowsAffected() > 0, nil
}

// ReclaimUnreported strips ownership from every undone task the executor
// still holds but did not list as executing, marking them retrying. Returns
// the reclaimed briefs.
func (r *TaskRepository) ReclaimUnreported(ctx context.Context, executor string, executing []string) ([]model.TaskBrief, error) {
	ctx, span := tracer.Get().Start(ctx, "Postgres/ReclaimUnreported")
	defer span.End()

	if executing == nil {
		executing = []string{}
	}
	rows, err := r.db.Pool.Query(ctx, `
		UPDATE tasks
		SET executor = NULL, status = $3, report_time = now()
		WHERE done = false AND executor = $1 AND NOT (id = ANY($2))
		RETURNING `+briefColumns,
		executor, executing, int(model.StatusRetrying))
	if err != nil {
		util.RecordSpanError(span, err)
		return nil, fmt.Errorf("failed to reclaim unreported tasks: %w", err)
	}
	defer rows.Close()

	var briefs []model.TaskBrief
	for rows.Next() {
		var b model.TaskBrief
		var status int
		if err := rows.Scan(&b.ID, &b.User, &b.Done, &status, &b.Executor, &b.AddTime, &b.ReportTime); err != nil {
			util.RecordSpanError(span, err)
			return nil, err
		}
		b.Status = model.Status(status)
		briefs = append(briefs, b)
	}
	if err := rows.Err(); err != nil {
		util.RecordSpanError(span, err)
		return nil, err
	}
	return briefs, nil
}

// AssignOne atomically claims one unowned undone task for the executor and
// returns it in full, nil when nothing is claimable.
func (r *TaskRepository) AssignOne(ctx context.Context, executor string) (*model.Task, error) {
	ctx, span := tracer.Get().Start(ctx, "Postgres/AssignTask")
	defer span.End()

	row := r.db.Pool.QueryRow(ctx, `
		UPDATE tasks
		SET executor = $1, report_time = now()
		WHERE id = (
			SELECT id FROM tasks
			WHERE done = false AND executor IS NULL
			ORDER BY add_time
			LIMIT 1
			FOR UPDATE SKIP LOCKED
		)
		RETURNING `+taskColumns, executor)
	t, err := scanTask(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		util.RecordSpanError(span, err)
		return nil, fmt.Errorf("failed to assign task: %w", err)
	}
	return t, nil
}

// ReclaimExpiredOne strips ownership from one undone task whose report_time
// went stale before the cutoff. Returns ("", false, nil) when none remain.
func (r *TaskRepository) ReclaimExpiredOne(ctx context.Context, before time.Time) (string, bool, error) {
	ctx, span := tracer.Get().Start(ctx, "Postgres/ReclaimExpired")
	defer span.End()

	var id string
	err := r.db.Pool.QueryRow(ctx, `
		UPDATE tasks
		SET executor = NULL, status = $2
		WHERE id = (
			SELECT id FROM tasks
			WHERE done = false AND executor IS NOT NULL AND report_time < $1
			LIMIT 1
			FOR UPDATE SKIP LOCKED
		)
		RETURNING id
	`, before, int(model.StatusRetrying)).Scan(&id)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		util.RecordSpanError(span, err)
		return "", false, fmt.Errorf("failed to reclaim expired task: %w", err)
	}
	return id, true, nil
}

func scanTask(row pgx.Row) (*model.Task, error) {
	var (
		t          model.Task
		status     int
		hasCompile bool
		hasExecute bool
		hasResult  bool
		compile    model.Compile
		execute    model.Execute
		result     model.Result
	)
	err := row.Scan(
		&t.ID, &t.User,
		&hasCompile, &compile.Source, &compile.Command, &compile.Timeout,
		&hasExecute, &execute.Input, &execute.Data, &execute.Command, &execute.Timeout, &execute.Standard,
		&t.AddTime, &t.Done, &status, &t.Executor, &t.ReportTime,
		&hasResult, &result.CompileOutput, &result.CompileError, &result.ExecuteOutput, &result.ExecuteError,
	)
	if err != nil {
		return nil, err
	}
	t.Status = model.Status(status)
	if hasCompile {
		t.Compile = &compile
	}
	if hasExecute {
		t.Execute = &execute
	}
	if hasResult {
		t.Result = &result
	}
	return &t, nil
}

package sql

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ecociel/taskq/domain"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const taskColumns = `id, title, description, priority, status, created_at, started_at, completed_at, result, error_info, queued_at`

// PostgresRepo persists task records. The row is the single serialization
// point for conflicting updates: Transition takes a row lock before checking
// the state machine.
type PostgresRepo struct {
	pool *pgxpool.Pool
}

func NewPostgresRepo(pool *pgxpool.Pool) *PostgresRepo {
	return &PostgresRepo{pool: pool}
}

func (repo *PostgresRepo) Insert(ctx context.Context, t *domain.Task) error {
	const q = `
        INSERT INTO tasks
          (title, description, priority, status)
        VALUES
          ($1, $2, $3, $4)
        RETURNING id, created_at
        `
	err := repo.pool.QueryRow(ctx, q, t.Title, t.Description, t.Priority, t.Status).
		Scan(&t.ID, &t.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert task: %w", err)
	}
	return nil
}

func (repo *PostgresRepo) Get(ctx context.Context, id int64) (domain.Task, error) {
	q := `SELECT ` + taskColumns + ` FROM tasks WHERE id = $1`
	task, err := scanTask(repo.pool.QueryRow(ctx, q, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Task{}, domain.ErrNotFound
	}
	if err != nil {
		return domain.Task{}, fmt.Errorf("get task %d: %w", id, err)
	}
	return task, nil
}

// List returns one page of tasks plus the total count of the filtered set.
// Ordering is created_at descending with id descending as tiebreak, so pages
// are stable across calls.
func (repo *PostgresRepo) List(ctx context.Context, f domain.ListFilter) ([]domain.Task, int, error) {
	where := ""
	args := []any{}
	if f.Status != nil {
		args = append(args, *f.Status)
		where = fmt.Sprintf(" WHERE status = $%d", len(args))
	}
	if f.Priority != nil {
		args = append(args, *f.Priority)
		if where == "" {
			where = fmt.Sprintf(" WHERE priority = $%d", len(args))
		} else {
			where += fmt.Sprintf(" AND priority = $%d", len(args))
		}
	}

	var total int
	if err := repo.pool.QueryRow(ctx, `SELECT count(*) FROM tasks`+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count tasks: %w", err)
	}

	args = append(args, f.PageSize, (f.Page-1)*f.PageSize)
	q := fmt.Sprintf(`SELECT %s FROM tasks%s ORDER BY created_at DESC, id DESC LIMIT $%d OFFSET $%d`,
		taskColumns, where, len(args)-1, len(args))

	rows, err := repo.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("query tasks: %w", err)
	}
	defer rows.Close()

	var tasks []domain.Task
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("scan task: %w", err)
		}
		tasks = append(tasks, task)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("rows tasks: %w", err)
	}
	return tasks, total, nil
}

// Transition moves a task to next if the state machine allows it, stamping
// started_at on first entry into in_progress and completed_at on first entry
// into a terminal state. Illegal moves return domain.ErrConflict, unknown ids
// domain.ErrNotFound.
func (repo *PostgresRepo) Transition(ctx context.Context, id int64, next domain.Status, result, errorInfo string) (domain.Task, error) {
	tx, err := repo.pool.Begin(ctx)
	if err != nil {
		return domain.Task{}, fmt.Errorf("begin transition %d: %w", id, err)
	}
	defer tx.Rollback(ctx)

	q := `SELECT ` + taskColumns + ` FROM tasks WHERE id = $1 FOR UPDATE`
	task, err := scanTask(tx.QueryRow(ctx, q, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Task{}, domain.ErrNotFound
	}
	if err != nil {
		return domain.Task{}, fmt.Errorf("lock task %d: %w", id, err)
	}

	if err := domain.ApplyTransition(&task, next, result, errorInfo, time.Now().UTC()); err != nil {
		return domain.Task{}, err
	}

	const update = `
      UPDATE tasks
      SET status = $2, started_at = $3, completed_at = $4, result = nullif($5, ''), error_info = nullif($6, '')
      WHERE id = $1`
	if _, err := tx.Exec(ctx, update, id, task.Status, task.StartedAt, task.CompletedAt, task.Result, task.ErrorInfo); err != nil {
		return domain.Task{}, fmt.Errorf("update task %d to %s: %w", id, next, err)
	}

	if err := tx.Commit(ctx); err != nil {
		return domain.Task{}, fmt.Errorf("commit transition %d: %w", id, err)
	}
	return task, nil
}

// ClaimUnqueued returns up to limit tasks still in new whose last publish is
// older than threshold (or that were never published). Concurrent sweepers
// may pick up the same rows; a duplicate publish is harmless under
// at-least-once delivery.
func (repo *PostgresRepo) ClaimUnqueued(ctx context.Context, olderThan time.Duration, limit int) ([]domain.Task, error) {
	q := fmt.Sprintf(`
    SELECT %s
    FROM tasks
    WHERE status = 'new'
      AND (queued_at IS NULL OR queued_at < now() - $1::interval)
      AND created_at < now() - $1::interval
    ORDER BY created_at
    LIMIT $2
     `, taskColumns)
	rows, err := repo.pool.Query(ctx, q, olderThan.String(), limit)
	if err != nil {
		return nil, fmt.Errorf("query claim unqueued tasks: %w", err)
	}
	defer rows.Close()

	var tasks []domain.Task
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, task)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows claim unqueued tasks: %w", err)
	}
	return tasks, nil
}

func (repo *PostgresRepo) MarkQueued(ctx context.Context, id int64) error {
	const q = `UPDATE tasks SET queued_at = now() WHERE id = $1`
	if _, err := repo.pool.Exec(ctx, q, id); err != nil {
		return fmt.Errorf("mark queued for %d: %w", id, err)
	}
	return nil
}

type row interface {
	Scan(dest ...any) error
}

func scanTask(r row) (domain.Task, error) {
	var (
		task        domain.Task
		description *string
		result      *string
		errorInfo   *string
	)
	err := r.Scan(&task.ID, &task.Title, &description, &task.Priority, &task.Status,
		&task.CreatedAt, &task.StartedAt, &task.CompletedAt, &result, &errorInfo, &task.QueuedAt)
	if err != nil {
		return domain.Task{}, err
	}
	if description != nil {
		task.Description = *description
	}
	if result != nil {
		task.Result = *result
	}
	if errorInfo != nil {
		task.ErrorInfo = *errorInfo
	}
	return task, nil
}

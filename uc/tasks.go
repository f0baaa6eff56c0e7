package uc

import (
	"context"
	"fmt"

	"github.com/ecociel/taskq/domain"
	"github.com/ecociel/taskq/metrics"
	"go.uber.org/zap"
)

const (
	PageSizeMin = 1
	PageSizeMax = 100
)

// TaskStore is the slice of the repository the coordinator needs.
type TaskStore interface {
	Insert(ctx context.Context, t *domain.Task) error
	Get(ctx context.Context, id int64) (domain.Task, error)
	List(ctx context.Context, f domain.ListFilter) ([]domain.Task, int, error)
	Transition(ctx context.Context, id int64, next domain.Status, result, errorInfo string) (domain.Task, error)
	MarkQueued(ctx context.Context, id int64) error
}

// QueuePublisher publishes a task id to the work queue with its wire
// priority attached.
type QueuePublisher interface {
	PublishTask(ctx context.Context, id int64, prio domain.Priority) error
}

type CreateTaskUseCase = func(ctx context.Context, n domain.NewTask) (domain.Task, error)
type GetTaskUseCase = func(ctx context.Context, id int64) (domain.Task, error)
type ListTasksUseCase = func(ctx context.Context, f domain.ListFilter) ([]domain.Task, int, error)
type CancelTaskUseCase = func(ctx context.Context, id int64) (domain.Task, error)
type UpdateStatusUseCase = func(ctx context.Context, id int64, next domain.Status, result, errorInfo string) (domain.Task, error)

// MakeCreateTaskUseCase persists the task first and publishes second. A
// publish failure leaves the record in new and does not fail the request;
// the sweeper republishes tasks whose queued_at never got set.
func MakeCreateTaskUseCase(store TaskStore, publisher QueuePublisher, m metrics.TaskMetrics, log *zap.SugaredLogger) CreateTaskUseCase {
	return func(ctx context.Context, n domain.NewTask) (domain.Task, error) {
		if err := n.Validate(); err != nil {
			return domain.Task{}, err
		}

		task := domain.Task{
			Title:       n.Title,
			Description: n.Description,
			Priority:    n.Priority,
			Status:      domain.StatusNew,
		}
		if err := store.Insert(ctx, &task); err != nil {
			return domain.Task{}, fmt.Errorf("create task: %w", err)
		}
		m.TaskCreated()

		if err := publisher.PublishTask(ctx, task.ID, task.Priority); err != nil {
			m.TaskPublishFailed()
			log.Errorw("task publish failed, left for sweeper", "id", task.ID, "err", err)
			return task, nil
		}
		if err := store.MarkQueued(ctx, task.ID); err != nil {
			log.Errorw("mark queued failed", "id", task.ID, "err", err)
		}
		return task, nil
	}
}

func MakeGetTaskUseCase(store TaskStore) GetTaskUseCase {
	return func(ctx context.Context, id int64) (domain.Task, error) {
		return store.Get(ctx, id)
	}
}

// MakeListTasksUseCase clamps the page window before handing the filter to
// the store. Returns the page plus the total count of the filtered set.
func MakeListTasksUseCase(store TaskStore) ListTasksUseCase {
	return func(ctx context.Context, f domain.ListFilter) ([]domain.Task, int, error) {
		if f.Page < 1 {
			f.Page = 1
		}
		if f.PageSize < PageSizeMin {
			f.PageSize = PageSizeMin
		}
		if f.PageSize > PageSizeMax {
			f.PageSize = PageSizeMax
		}
		return store.List(ctx, f)
	}
}

// MakeCancelTaskUseCase cancels a task still in new or pending. Anything
// already running or settled surfaces domain.ErrConflict; cancellation never
// preempts in-flight execution.
func MakeCancelTaskUseCase(store TaskStore) CancelTaskUseCase {
	return func(ctx context.Context, id int64) (domain.Task, error) {
		return store.Transition(ctx, id, domain.StatusCancelled, "", domain.CancelledByUser)
	}
}

// MakeUpdateStatusUseCase is the only mutation entry point workers use.
// Illegal transitions come back as domain.ErrConflict, never as a silent
// no-op.
func MakeUpdateStatusUseCase(store TaskStore) UpdateStatusUseCase {
	return func(ctx context.Context, id int64, next domain.Status, result, errorInfo string) (domain.Task, error) {
		return store.Transition(ctx, id, next, result, errorInfo)
	}
}

// Pages computes the page count the list response reports.
func Pages(total, size int) int {
	if size <= 0 {
		return 0
	}
	return (total + size - 1) / size
}

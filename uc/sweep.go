package uc

import (
	"context"
	"fmt"
	"time"

	"github.com/ecociel/taskq/domain"
	"github.com/ecociel/taskq/metrics"
	"go.uber.org/zap"
)

// SweepStore is the slice of the repository the reconciliation sweep needs.
type SweepStore interface {
	ClaimUnqueued(ctx context.Context, olderThan time.Duration, limit int) ([]domain.Task, error)
	MarkQueued(ctx context.Context, id int64) error
}

type SweepStalledUseCase = func(ctx context.Context, olderThan time.Duration, limit int) error

// MakeSweepStalledUseCase republishes tasks stuck in new because the publish
// half of the persist-then-publish saga never landed. Publish failures are
// logged and skipped so one bad task cannot stall the batch; store failures
// abort it.
func MakeSweepStalledUseCase(store SweepStore, publisher QueuePublisher, m metrics.TaskMetrics, log *zap.SugaredLogger) SweepStalledUseCase {
	return func(ctx context.Context, olderThan time.Duration, limit int) error {
		tasks, err := store.ClaimUnqueued(ctx, olderThan, limit)
		if err != nil {
			return fmt.Errorf("fetching stalled tasks: %w", err)
		}
		if len(tasks) == 0 {
			return nil
		}
		log.Infow("claimed stalled tasks", "count", len(tasks))

		swept := 0
		for _, task := range tasks {
			if err := publisher.PublishTask(ctx, task.ID, task.Priority); err != nil {
				log.Errorw("republish failed", "id", task.ID, "err", err)
				continue
			}
			if err := store.MarkQueued(ctx, task.ID); err != nil {
				return fmt.Errorf("mark queued failed for %d: %w", task.ID, err)
			}
			swept++
		}
		m.TasksSwept(swept)
		return nil
	}
}

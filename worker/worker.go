package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ecociel/taskq/domain"
	"github.com/ecociel/taskq/gateway/kafka"
	"github.com/ecociel/taskq/metrics"
	"github.com/ecociel/taskq/uc"
	"github.com/twmb/franz-go/pkg/kgo"
	"go.uber.org/zap"
)

// Executor runs one task's unit of work. It must honor ctx: the worker runs
// it under the configured processing timeout.
type Executor func(ctx context.Context, task domain.Task) (result string, err error)

type consumer interface {
	PollFetches(ctx context.Context) kgo.Fetches
	CommitRecords(ctx context.Context, rs ...*kgo.Record) error
}

// Worker drains the task queue and drives records through the state machine
// via the coordinator's use cases. A record is committed only after its
// outcome is persisted, so a crash between consume and commit redelivers it;
// terminal tasks on redelivery are acknowledged without reprocessing.
// Workers can be run in parallel.
type Worker struct {
	client  consumer
	get     uc.GetTaskUseCase
	update  uc.UpdateStatusUseCase
	exec    Executor
	timeout time.Duration
	sem     chan struct{}
	wg      sync.WaitGroup
	tracker *commitTracker
	metrics metrics.TaskMetrics
	log     *zap.SugaredLogger
}

func New(client *kgo.Client, get uc.GetTaskUseCase, update uc.UpdateStatusUseCase, exec Executor, concurrency int, timeout time.Duration, m metrics.TaskMetrics, log *zap.SugaredLogger) *Worker {
	if concurrency < 1 {
		concurrency = 1
	}
	return &Worker{
		client:  client,
		get:     get,
		update:  update,
		exec:    exec,
		timeout: timeout,
		sem:     make(chan struct{}, concurrency),
		tracker: newCommitTracker(),
		metrics: m,
		log:     log,
	}
}

func (w *Worker) Run(ctx context.Context) {
	defer w.wg.Wait()

	for {
		fetches := w.client.PollFetches(ctx)
		if fetches.IsClientClosed() {
			w.log.Info("consuming client closed, returning")
			return
		}
		fetches.EachError(func(t string, p int32, err error) {
			w.log.Errorw("fetch error", "topic", t, "partition", p, "err", err)
		})
		if ctx.Err() != nil {
			return
		}

		fetches.EachRecord(func(rec *kgo.Record) {
			w.tracker.observe(rec)
			w.sem <- struct{}{}
			w.wg.Add(1)
			go func() {
				defer func() {
					<-w.sem
					w.wg.Done()
				}()
				if !w.processRecord(ctx, rec) {
					return
				}
				// A group commit is a partition watermark, so only the
				// highest contiguous processed offset may be committed.
				commit := w.tracker.processed(rec)
				if commit == nil {
					return
				}
				if err := w.client.CommitRecords(ctx, commit); err != nil {
					w.log.Errorw("commit record", "offset", commit.Offset, "err", err)
				}
			}()
		})
	}
}

// processRecord runs the per-message protocol and reports whether the record
// may be acknowledged. False leaves it uncommitted for broker redelivery.
func (w *Worker) processRecord(ctx context.Context, rec *kgo.Record) bool {
	id, err := kafka.DecodeMessage(rec.Value)
	if err != nil {
		// Unrecoverable payload, retrying cannot fix it.
		w.log.Warnw("discarding malformed message", "offset", rec.Offset, "err", err)
		return true
	}

	task, err := w.get(ctx, id)
	if errors.Is(err, domain.ErrNotFound) {
		w.log.Warnw("discarding message for unknown task", "id", id)
		return true
	}
	if err != nil {
		w.log.Errorw("load task", "id", id, "err", err)
		return false
	}

	if task.Status.IsTerminal() {
		// Redelivery of an already settled task.
		w.log.Infow("task already settled, acknowledging", "id", id, "status", task.Status)
		return true
	}

	if task.Status == domain.StatusNew {
		if task, err = w.update(ctx, id, domain.StatusPending, "", ""); err != nil {
			return w.ackOnConflict(id, err)
		}
	}
	if task.Status == domain.StatusPending {
		if task, err = w.update(ctx, id, domain.StatusInProgress, "", ""); err != nil {
			return w.ackOnConflict(id, err)
		}
	}

	start := time.Now()
	execCtx, cancel := context.WithTimeout(ctx, w.timeout)
	result, execErr := w.exec(execCtx, task)
	cancel()

	if execErr != nil {
		errorInfo := fmt.Sprintf("Error processing task %d: %v", id, execErr)
		if errors.Is(execErr, context.DeadlineExceeded) {
			errorInfo = fmt.Sprintf("Task %d timed out after %s", id, w.timeout)
		}
		if _, err := w.update(ctx, id, domain.StatusFailed, "", errorInfo); err != nil {
			return w.ackOnConflict(id, err)
		}
		w.metrics.TaskFailed()
		w.log.Warnw("task failed", "id", id, "err", execErr)
		return true
	}

	if _, err := w.update(ctx, id, domain.StatusCompleted, result, ""); err != nil {
		return w.ackOnConflict(id, err)
	}
	w.metrics.TaskCompleted()
	w.metrics.ProcessLatency(time.Since(start))
	w.log.Infow("task completed", "id", id)
	return true
}

// ackOnConflict decides the fate of a record whose transition was rejected.
// A conflict means another actor settled the task first (user cancel or a
// concurrent delivery); retrying cannot make the move legal, so the record is
// acknowledged. Store errors keep it on the queue.
func (w *Worker) ackOnConflict(id int64, err error) bool {
	if errors.Is(err, domain.ErrConflict) || errors.Is(err, domain.ErrNotFound) {
		w.log.Infow("transition superseded, acknowledging", "id", id, "err", err)
		return true
	}
	w.log.Errorw("transition failed", "id", id, "err", err)
	return false
}

// SimulatedExecutor stands in for real work: it sleeps for a
// priority-dependent duration, high priority finishing first.
func SimulatedExecutor(ctx context.Context, task domain.Task) (string, error) {
	d := 5 * time.Second
	switch task.Priority {
	case domain.PriorityHigh:
		d = 1 * time.Second
	case domain.PriorityMedium:
		d = 3 * time.Second
	}

	select {
	case <-time.After(d):
	case <-ctx.Done():
		return "", ctx.Err()
	}
	return fmt.Sprintf("Task %d processed successfully at %s", task.ID, time.Now().UTC().Format(time.RFC3339)), nil
}

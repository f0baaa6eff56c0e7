package worker

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ecociel/taskq/domain"
	"github.com/ecociel/taskq/metrics"
	"github.com/ecociel/taskq/uc"
	"github.com/twmb/franz-go/pkg/kgo"
	"go.uber.org/zap"
)

// memStore implements uc.TaskStore with the real transition rules, so tests
// observe the same state machine the repository enforces.
type memStore struct {
	mu            sync.Mutex
	tasks         map[int64]*domain.Task
	getErr        error
	transitionErr error
	transitions   []domain.Status
}

func newMemStore(tasks ...domain.Task) *memStore {
	m := &memStore{tasks: make(map[int64]*domain.Task)}
	for i := range tasks {
		t := tasks[i]
		m.tasks[t.ID] = &t
	}
	return m
}

func (m *memStore) Insert(_ context.Context, t *domain.Task) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t.ID = int64(len(m.tasks) + 1)
	cp := *t
	m.tasks[t.ID] = &cp
	return nil
}

func (m *memStore) Get(_ context.Context, id int64) (domain.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.getErr != nil {
		return domain.Task{}, m.getErr
	}
	t, ok := m.tasks[id]
	if !ok {
		return domain.Task{}, domain.ErrNotFound
	}
	return *t, nil
}

func (m *memStore) List(_ context.Context, _ domain.ListFilter) ([]domain.Task, int, error) {
	return nil, 0, nil
}

func (m *memStore) Transition(_ context.Context, id int64, next domain.Status, result, errorInfo string) (domain.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.transitionErr != nil {
		return domain.Task{}, m.transitionErr
	}
	t, ok := m.tasks[id]
	if !ok {
		return domain.Task{}, domain.ErrNotFound
	}
	if err := domain.ApplyTransition(t, next, result, errorInfo, time.Now()); err != nil {
		return domain.Task{}, err
	}
	m.transitions = append(m.transitions, next)
	return *t, nil
}

func (m *memStore) MarkQueued(_ context.Context, _ int64) error { return nil }

func (m *memStore) task(id int64) domain.Task {
	m.mu.Lock()
	defer m.mu.Unlock()
	return *m.tasks[id]
}

// newTestWorker wires the worker the way cmd/task-worker does: all mutation
// goes through the coordinator's use cases.
func newTestWorker(st *memStore, exec Executor, timeout time.Duration) *Worker {
	return &Worker{
		get:     uc.MakeGetTaskUseCase(st),
		update:  uc.MakeUpdateStatusUseCase(st),
		exec:    exec,
		timeout: timeout,
		sem:     make(chan struct{}, 1),
		tracker: newCommitTracker(),
		metrics: metrics.Nop{},
		log:     zap.NewNop().Sugar(),
	}
}

func record(value string) *kgo.Record {
	return &kgo.Record{Value: []byte(value)}
}

func TestProcessRecord_HappyPath(t *testing.T) {
	st := newMemStore(domain.Task{ID: 1, Status: domain.StatusNew, Priority: domain.PriorityHigh})
	exec := func(ctx context.Context, task domain.Task) (string, error) {
		if task.Status != domain.StatusInProgress {
			t.Errorf("executor must see in_progress, got %s", task.Status)
		}
		return "done", nil
	}
	w := newTestWorker(st, exec, time.Second)

	if !w.processRecord(context.Background(), record(`{"task_id":1}`)) {
		t.Fatal("expected record acknowledged")
	}

	task := st.task(1)
	if task.Status != domain.StatusCompleted {
		t.Errorf("expected completed, got %s", task.Status)
	}
	if task.Result != "done" {
		t.Errorf("expected result set, got %q", task.Result)
	}
	if task.StartedAt == nil || task.CompletedAt == nil {
		t.Error("expected started_at and completed_at stamped")
	}

	want := []domain.Status{domain.StatusPending, domain.StatusInProgress, domain.StatusCompleted}
	if len(st.transitions) != len(want) {
		t.Fatalf("expected transitions %v, got %v", want, st.transitions)
	}
	for i := range want {
		if st.transitions[i] != want[i] {
			t.Fatalf("expected transitions %v, got %v", want, st.transitions)
		}
	}
}

func TestProcessRecord_ExecutionFailure(t *testing.T) {
	st := newMemStore(domain.Task{ID: 2, Status: domain.StatusNew})
	exec := func(ctx context.Context, task domain.Task) (string, error) {
		return "", errors.New("boom")
	}
	w := newTestWorker(st, exec, time.Second)

	if !w.processRecord(context.Background(), record(`{"task_id":2}`)) {
		t.Fatal("expected record acknowledged")
	}

	task := st.task(2)
	if task.Status != domain.StatusFailed {
		t.Errorf("expected failed, got %s", task.Status)
	}
	if !strings.Contains(task.ErrorInfo, "boom") {
		t.Errorf("expected error_info to mention the failure, got %q", task.ErrorInfo)
	}
	if task.CompletedAt == nil {
		t.Error("expected completed_at stamped on failure")
	}
}

func TestProcessRecord_Timeout(t *testing.T) {
	st := newMemStore(domain.Task{ID: 3, Status: domain.StatusNew})
	exec := func(ctx context.Context, task domain.Task) (string, error) {
		<-ctx.Done()
		return "", ctx.Err()
	}
	w := newTestWorker(st, exec, 10*time.Millisecond)

	if !w.processRecord(context.Background(), record(`{"task_id":3}`)) {
		t.Fatal("timed out task must still be acknowledged")
	}

	task := st.task(3)
	if task.Status != domain.StatusFailed {
		t.Errorf("expected failed, got %s", task.Status)
	}
	if !strings.Contains(task.ErrorInfo, "timed out") {
		t.Errorf("expected timeout error_info, got %q", task.ErrorInfo)
	}
}

func TestProcessRecord_MalformedPayloadDiscarded(t *testing.T) {
	st := newMemStore()
	execCalled := false
	w := newTestWorker(st, func(ctx context.Context, task domain.Task) (string, error) {
		execCalled = true
		return "", nil
	}, time.Second)

	if !w.processRecord(context.Background(), record(`{"task_id":`)) {
		t.Fatal("malformed payload must be acknowledged, not retried")
	}
	if execCalled {
		t.Error("executor must not run for a malformed payload")
	}
}

func TestProcessRecord_UnknownTaskDiscarded(t *testing.T) {
	st := newMemStore()
	w := newTestWorker(st, func(ctx context.Context, task domain.Task) (string, error) {
		return "", nil
	}, time.Second)

	if !w.processRecord(context.Background(), record(`{"task_id":99}`)) {
		t.Fatal("unknown task must be acknowledged")
	}
}

func TestProcessRecord_TerminalRedeliveryIsNoop(t *testing.T) {
	completedAt := time.Now().Add(-time.Hour)
	for _, terminal := range []domain.Status{domain.StatusCompleted, domain.StatusFailed, domain.StatusCancelled} {
		st := newMemStore(domain.Task{
			ID:          4,
			Status:      terminal,
			Result:      "settled",
			ErrorInfo:   "settled",
			CompletedAt: &completedAt,
		})
		execCalled := false
		w := newTestWorker(st, func(ctx context.Context, task domain.Task) (string, error) {
			execCalled = true
			return "clobbered", nil
		}, time.Second)

		if !w.processRecord(context.Background(), record(`{"task_id":4}`)) {
			t.Fatalf("%s: redelivery must be acknowledged", terminal)
		}
		if execCalled {
			t.Errorf("%s: executor must not rerun a settled task", terminal)
		}

		task := st.task(4)
		if task.Status != terminal || task.Result != "settled" || task.ErrorInfo != "settled" {
			t.Errorf("%s: redelivery corrupted the record: %+v", terminal, task)
		}
		if !task.CompletedAt.Equal(completedAt) {
			t.Errorf("%s: completed_at changed on redelivery", terminal)
		}
	}
}

func TestProcessRecord_ResumesInProgressTask(t *testing.T) {
	startedAt := time.Now().Add(-time.Minute)
	st := newMemStore(domain.Task{ID: 5, Status: domain.StatusInProgress, StartedAt: &startedAt})
	w := newTestWorker(st, func(ctx context.Context, task domain.Task) (string, error) {
		return "recovered", nil
	}, time.Second)

	if !w.processRecord(context.Background(), record(`{"task_id":5}`)) {
		t.Fatal("expected record acknowledged")
	}

	task := st.task(5)
	if task.Status != domain.StatusCompleted {
		t.Errorf("expected completed, got %s", task.Status)
	}
	if !task.StartedAt.Equal(startedAt) {
		t.Error("started_at must not change when resuming")
	}
}

func TestProcessRecord_StoreErrorLeavesRecordUnacked(t *testing.T) {
	st := newMemStore(domain.Task{ID: 6, Status: domain.StatusNew})
	st.getErr = errors.New("connection refused")
	w := newTestWorker(st, func(ctx context.Context, task domain.Task) (string, error) {
		return "", nil
	}, time.Second)

	if w.processRecord(context.Background(), record(`{"task_id":6}`)) {
		t.Fatal("store error must leave the record for redelivery")
	}
}

func TestProcessRecord_TransitionStoreErrorLeavesRecordUnacked(t *testing.T) {
	st := newMemStore(domain.Task{ID: 7, Status: domain.StatusNew})
	st.transitionErr = errors.New("transaction aborted")
	w := newTestWorker(st, func(ctx context.Context, task domain.Task) (string, error) {
		return "", nil
	}, time.Second)

	if w.processRecord(context.Background(), record(`{"task_id":7}`)) {
		t.Fatal("store error must leave the record for redelivery")
	}
}

func TestProcessRecord_ConcurrentCancelAcknowledged(t *testing.T) {
	st := newMemStore(domain.Task{ID: 8, Status: domain.StatusNew})
	st.transitionErr = domain.ErrConflict
	w := newTestWorker(st, func(ctx context.Context, task domain.Task) (string, error) {
		return "", nil
	}, time.Second)

	if !w.processRecord(context.Background(), record(`{"task_id":8}`)) {
		t.Fatal("conflicting transition must be acknowledged, retrying cannot make it legal")
	}
}

func TestSimulatedExecutor_HonorsContext(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	_, err := SimulatedExecutor(ctx, domain.Task{ID: 1, Priority: domain.PriorityLow})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected DeadlineExceeded, got %v", err)
	}
}

// fakeConsumer implements the consumer interface for testing
type fakeConsumer struct {
	mu      sync.Mutex
	fetches []kgo.Fetches
	commits []int64
}

func (f *fakeConsumer) PollFetches(ctx context.Context) kgo.Fetches {
	f.mu.Lock()
	if len(f.fetches) > 0 {
		fs := f.fetches[0]
		f.fetches = f.fetches[1:]
		f.mu.Unlock()
		return fs
	}
	f.mu.Unlock()
	<-ctx.Done()
	return kgo.Fetches{}
}

func (f *fakeConsumer) CommitRecords(_ context.Context, rs ...*kgo.Record) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, r := range rs {
		f.commits = append(f.commits, r.Offset)
	}
	return nil
}

func (f *fakeConsumer) committed() []int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]int64, len(f.commits))
	copy(out, f.commits)
	return out
}

func fetchesFor(recs ...*kgo.Record) kgo.Fetches {
	return kgo.Fetches{{
		Topics: []kgo.FetchTopic{{
			Topic:      "tasks.queue",
			Partitions: []kgo.FetchPartition{{Records: recs}},
		}},
	}}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

// A group commit is a partition watermark: committing a later offset
// implicitly commits every earlier one. A fast record must therefore not be
// committed while a slower, earlier record on the same partition is still
// executing, or a crash in that window would strand the earlier task.
func TestRun_CommitWaitsForEarlierOffsets(t *testing.T) {
	st := newMemStore(
		domain.Task{ID: 1, Status: domain.StatusNew},
		domain.Task{ID: 2, Status: domain.StatusNew},
	)
	release := make(chan struct{})
	exec := func(ctx context.Context, task domain.Task) (string, error) {
		if task.ID == 1 {
			<-release
		}
		return "ok", nil
	}

	slow := &kgo.Record{Topic: "tasks.queue", Partition: 0, Offset: 5, Value: []byte(`{"task_id":1}`)}
	fast := &kgo.Record{Topic: "tasks.queue", Partition: 0, Offset: 6, Value: []byte(`{"task_id":2}`)}
	fc := &fakeConsumer{fetches: []kgo.Fetches{fetchesFor(slow, fast)}}

	w := newTestWorker(st, exec, time.Second)
	w.client = fc
	w.sem = make(chan struct{}, 2)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		w.Run(ctx)
		close(done)
	}()

	waitFor(t, "fast record to be processed", func() bool {
		return st.task(2).Status == domain.StatusCompleted
	})
	time.Sleep(50 * time.Millisecond)
	if got := fc.committed(); len(got) != 0 {
		t.Fatalf("offset 6 committed while offset 5 still in flight: %v", got)
	}

	close(release)
	waitFor(t, "watermark commit", func() bool { return len(fc.committed()) > 0 })
	cancel()
	<-done

	got := fc.committed()
	if len(got) != 1 || got[0] != 6 {
		t.Fatalf("expected single watermark commit of offset 6, got %v", got)
	}
}

func TestCommitTracker_OutOfOrderCompletion(t *testing.T) {
	tr := newCommitTracker()
	recs := make(map[int64]*kgo.Record)
	for _, off := range []int64{5, 6, 7} {
		recs[off] = &kgo.Record{Topic: "t", Partition: 0, Offset: off}
		tr.observe(recs[off])
	}

	if c := tr.processed(recs[6]); c != nil {
		t.Fatalf("offset 6 must wait for offset 5, got commit of %d", c.Offset)
	}
	if c := tr.processed(recs[5]); c == nil || c.Offset != 6 {
		t.Fatalf("expected commit up to offset 6, got %v", c)
	}
	if c := tr.processed(recs[7]); c == nil || c.Offset != 7 {
		t.Fatalf("expected commit of offset 7, got %v", c)
	}
}

func TestCommitTracker_PartitionsAreIndependent(t *testing.T) {
	tr := newCommitTracker()
	p0 := &kgo.Record{Topic: "t", Partition: 0, Offset: 5}
	p0next := &kgo.Record{Topic: "t", Partition: 0, Offset: 6}
	p1 := &kgo.Record{Topic: "t", Partition: 1, Offset: 3}
	tr.observe(p0)
	tr.observe(p0next)
	tr.observe(p1)

	if c := tr.processed(p0next); c != nil {
		t.Fatalf("partition 0 must wait for offset 5, got commit of %d", c.Offset)
	}
	if c := tr.processed(p1); c == nil || c.Offset != 3 {
		t.Fatalf("partition 1 must commit independently, got %v", c)
	}
}

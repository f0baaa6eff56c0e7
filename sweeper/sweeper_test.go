package sweeper

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap"
)

func TestRun_SweepsUntilCancelled(t *testing.T) {
	var calls atomic.Int32
	var gotThreshold time.Duration
	var gotLimit int
	sweep := func(ctx context.Context, olderThan time.Duration, limit int) error {
		calls.Add(1)
		gotThreshold = olderThan
		gotLimit = limit
		return nil
	}

	s := New(sweep, 5*time.Minute, 50, 10*time.Millisecond, zap.NewNop().Sugar())

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Millisecond)
	defer cancel()
	s.Run(ctx)

	if calls.Load() < 1 {
		t.Errorf("expected at least 1 sweep call, got %d", calls.Load())
	}
	if gotThreshold != 5*time.Minute {
		t.Errorf("expected threshold 5m, got %v", gotThreshold)
	}
	if gotLimit != 50 {
		t.Errorf("expected limit 50, got %d", gotLimit)
	}
}

func TestRun_ReturnsOnCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	s := New(func(ctx context.Context, olderThan time.Duration, limit int) error {
		t.Error("sweep must not run after cancellation")
		return nil
	}, time.Minute, 10, time.Hour, zap.NewNop().Sugar())

	done := make(chan struct{})
	go func() {
		s.Run(ctx)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not return on cancelled context")
	}
}

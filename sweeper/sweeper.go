package sweeper

import (
	"context"
	"time"

	"github.com/ecociel/taskq/uc"
	"go.uber.org/zap"
)

// Sweeper periodically republishes tasks stranded in new by a failed queue
// publish. It is the reconciliation half of the persist-then-publish saga.
type Sweeper struct {
	sweep     uc.SweepStalledUseCase
	threshold time.Duration
	limit     int
	every     time.Duration
	log       *zap.SugaredLogger
}

func New(sweep uc.SweepStalledUseCase, threshold time.Duration, limit int, interval time.Duration, log *zap.SugaredLogger) *Sweeper {
	return &Sweeper{
		sweep:     sweep,
		threshold: threshold,
		limit:     limit,
		every:     interval,
		log:       log,
	}
}

func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.every)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.sweep(ctx, s.threshold, s.limit); err != nil {
				s.log.Errorw("sweep error", "err", err)
			}
		}
	}
}

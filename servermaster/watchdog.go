package servermaster

import (
	"context"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/pingcap/log"
	"go.uber.org/zap"

	"github.com/hanfei1991/renderfarm/model"
	cerrors "github.com/hanfei1991/renderfarm/pkg/errors"
	"github.com/hanfei1991/renderfarm/pkg/jobstore"
)

// Watchdog requeues assigned and running jobs whose worker went offline.
// It only works when the registry tracks liveness.
type Watchdog struct {
	jm       *JobManager
	interval time.Duration
	clock    clock.Clock
}

// NewWatchdog creates a Watchdog checking every interval.
func NewWatchdog(jm *JobManager, interval time.Duration) *Watchdog {
	return &Watchdog{
		jm:       jm,
		interval: interval,
		clock:    jm.clock,
	}
}

// Run checks periodically until ctx is done.
func (w *Watchdog) Run(ctx context.Context) error {
	if w.interval <= 0 || !w.jm.workers.TracksLiveness() {
		log.L().Info("stuck job watchdog disabled")
		return nil
	}

	ticker := w.clock.Ticker(w.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
		if _, err := w.Check(ctx); err != nil {
			log.L().Warn("stuck job check failed", zap.Error(err))
		}
	}
}

// Check runs one pass and returns the requeued job ids.
func (w *Watchdog) Check(ctx context.Context) ([]model.JobID, error) {
	active, err := w.jm.store.List(ctx, jobstore.Filter{
		Statuses: []model.JobStatus{model.JobAssigned, model.JobRunning},
	})
	if err != nil {
		return nil, err
	}

	var requeued []model.JobID
	for _, rec := range active {
		if w.jm.workers.IsOnline(rec.AssignedWorker) {
			continue
		}
		log.L().Warn("render worker offline, requeue its job",
			zap.String("job-id", rec.ID),
			zap.String("worker-id", rec.AssignedWorker),
			zap.String("status", string(rec.Status)))
		_, err := w.jm.RequeueIfOwned(ctx, rec.ID, rec.AssignedWorker,
			"requeued: worker "+rec.AssignedWorker+" went offline")
		if err != nil {
			if cerrors.Is(err, cerrors.ErrInvalidTransition) ||
				cerrors.Is(err, cerrors.ErrJobNotFound) ||
				cerrors.Is(err, cerrors.ErrJobConflict) {
				continue
			}
			return requeued, err
		}
		w.jm.metrics.requeued.Inc()
		requeued = append(requeued, rec.ID)
	}
	return requeued, nil
}

package servermaster

import (
	"context"
	"sync"

	"github.com/benbjohnson/clock"
	"github.com/pingcap/log"
	"go.uber.org/zap"

	"github.com/hanfei1991/renderfarm/model"
	cerrors "github.com/hanfei1991/renderfarm/pkg/errors"
	"github.com/hanfei1991/renderfarm/pkg/jobstore"
)

// Assignment is one queued job bound to an idle worker.
type Assignment struct {
	JobID  model.JobID
	Worker model.WorkerID
}

// Assigner binds queued jobs to idle workers. Queued jobs are served oldest
// first and idle workers in first-seen order, one job per worker.
type Assigner struct {
	// mu serialises assignment passes
	mu sync.Mutex

	store   *jobstore.Store
	workers *WorkerRegistry
	clock   clock.Clock
}

// NewAssigner creates an Assigner.
func NewAssigner(store *jobstore.Store, workers *WorkerRegistry, clk clock.Clock) *Assigner {
	return &Assigner{
		store:   store,
		workers: workers,
		clock:   clk,
	}
}

// Run performs one assignment pass and returns the assignments it made.
// A pass with nothing to do changes nothing.
func (a *Assigner) Run(ctx context.Context) ([]Assignment, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	queued, err := a.store.List(ctx, jobstore.Filter{Statuses: []model.JobStatus{model.JobQueued}})
	if err != nil {
		return nil, err
	}
	if len(queued) == 0 {
		return nil, nil
	}

	idle, err := a.idleWorkers(ctx)
	if err != nil {
		return nil, err
	}

	var assigned []Assignment
	for _, job := range queued {
		if len(idle) == 0 {
			log.L().Info("render job stays queued",
				zap.String("job-id", job.ID),
				zap.Error(cerrors.ErrNoWorkerAvailable.GenWithStackByArgs(job.ID)))
			continue
		}
		worker := idle[0]
		_, err := a.store.Update(ctx, job.ID, func(rec *model.JobRecord) error {
			return Transition(rec, Event{Type: EventAssign, Worker: worker}, a.clock.Now())
		})
		if err != nil {
			// the job was cancelled, deleted or modified since it was listed,
			// the worker is still idle
			if cerrors.Is(err, cerrors.ErrInvalidTransition) ||
				cerrors.Is(err, cerrors.ErrJobNotFound) ||
				cerrors.Is(err, cerrors.ErrJobConflict) ||
				cerrors.Is(err, cerrors.ErrJobRecordCorrupted) {
				log.L().Info("skip render job during assignment",
					zap.String("job-id", job.ID), zap.Error(err))
				continue
			}
			return assigned, err
		}
		idle = idle[1:]
		assigned = append(assigned, Assignment{JobID: job.ID, Worker: worker})
		log.L().Info("render job assigned",
			zap.String("job-id", job.ID), zap.String("worker-id", worker))
	}
	return assigned, nil
}

// idleWorkers returns the online workers without an assigned or running
// job, in first-seen order.
func (a *Assigner) idleWorkers(ctx context.Context) ([]model.WorkerID, error) {
	active, err := a.store.List(ctx, jobstore.Filter{
		Statuses: []model.JobStatus{model.JobAssigned, model.JobRunning},
	})
	if err != nil {
		return nil, err
	}
	busy := make(map[model.WorkerID]struct{}, len(active))
	for _, rec := range active {
		busy[rec.AssignedWorker] = struct{}{}
	}

	var idle []model.WorkerID
	for _, id := range a.workers.Known() {
		if _, ok := busy[id]; ok {
			continue
		}
		if !a.workers.IsOnline(id) {
			continue
		}
		idle = append(idle, id)
	}
	return idle, nil
}

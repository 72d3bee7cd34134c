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
	"github.com/hanfei1991/renderfarm/pkg/notifier"
	"github.com/hanfei1991/renderfarm/pkg/promutil"
)

// DeletePolicy decides what deleting an active job does.
type DeletePolicy string

const (
	// DeletePolicyCancel cancels an active job and keeps its record.
	DeletePolicyCancel DeletePolicy = "cancel"
	// DeletePolicyCancelAndRemove cancels an active job and removes it.
	DeletePolicyCancelAndRemove DeletePolicy = "cancel-and-remove"
)

// Valid reports whether p is a known policy.
func (p DeletePolicy) Valid() bool {
	return p == DeletePolicyCancel || p == DeletePolicyCancelAndRemove
}

// JobEvent is broadcast after every applied transition.
type JobEvent struct {
	ID     model.JobID
	Status model.JobStatus
	Worker model.WorkerID
}

// Outcome is the final report of a worker about a running job.
type Outcome struct {
	Succeeded bool
	Output    string
	Error     string
	Message   string
}

// DeleteResult tells whether a job was removed. Record is the cancelled job
// when the job was active.
type DeleteResult struct {
	Removed bool
	Record  *model.JobRecord
}

// JobManager drives render jobs through their lifecycle. Every mutation goes
// through the state machine under the store's per-job lock.
type JobManager struct {
	store    *jobstore.Store
	workers  *WorkerRegistry
	assigner *Assigner
	notifier *notifier.Notifier[JobEvent]
	metrics  *jobMetrics
	registry *promutil.Registry

	clock        clock.Clock
	deletePolicy DeletePolicy
}

type jobManagerOptions struct {
	clock        clock.Clock
	registry     *promutil.Registry
	deletePolicy DeletePolicy
}

// jobManagerMetricOwner owns the manager's collectors in the registry.
const jobManagerMetricOwner = "job-manager"

// JobManagerOption configures a JobManager.
type JobManagerOption func(*jobManagerOptions)

// WithManagerClock sets the time source of the manager.
func WithManagerClock(clk clock.Clock) JobManagerOption {
	return func(o *jobManagerOptions) {
		o.clock = clk
	}
}

// WithMetricRegistry sets where the manager registers its metrics. They are
// unregistered again by Close.
func WithMetricRegistry(registry *promutil.Registry) JobManagerOption {
	return func(o *jobManagerOptions) {
		o.registry = registry
	}
}

// WithDeletePolicy sets the delete policy for active jobs.
func WithDeletePolicy(policy DeletePolicy) JobManagerOption {
	return func(o *jobManagerOptions) {
		o.deletePolicy = policy
	}
}

// NewJobManager creates a JobManager over a loaded store.
func NewJobManager(store *jobstore.Store, workers *WorkerRegistry, opts ...JobManagerOption) *JobManager {
	o := &jobManagerOptions{
		clock:        clock.New(),
		deletePolicy: DeletePolicyCancel,
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.registry == nil {
		o.registry = promutil.NewRegistry()
	}
	factory := promutil.NewFactory(o.registry, jobManagerMetricOwner, promutil.MetricPrefix, nil)

	return &JobManager{
		store:        store,
		workers:      workers,
		assigner:     NewAssigner(store, workers, o.clock),
		notifier:     notifier.NewNotifier[JobEvent](),
		metrics:      newJobMetrics(factory, store.CountByStatus, workers),
		registry:     o.registry,
		clock:        o.clock,
		deletePolicy: o.deletePolicy,
	}
}

// Close stops broadcasting job events and drops the manager's metrics.
func (m *JobManager) Close() {
	m.notifier.Close()
	m.registry.Unregister(jobManagerMetricOwner)
}

// Submit creates a queued job and runs an assignment pass, the returned
// record is either queued or already assigned.
func (m *JobManager) Submit(ctx context.Context, payload model.Payload) (*model.JobRecord, error) {
	rec, err := m.store.Create(ctx, payload)
	if err != nil {
		return nil, err
	}
	m.metrics.submitted.Inc()
	log.L().Info("render job submitted", zap.String("job-id", rec.ID))
	m.notify(rec)

	m.assign(ctx)
	latest, err := m.store.Get(ctx, rec.ID)
	if err != nil {
		// deleted right after submission
		return rec, nil
	}
	return latest, nil
}

// Get returns one job.
func (m *JobManager) Get(ctx context.Context, id model.JobID) (*model.JobRecord, error) {
	return m.store.Get(ctx, id)
}

// List returns the jobs matching filter, oldest first.
func (m *JobManager) List(ctx context.Context, filter jobstore.Filter) ([]*model.JobRecord, error) {
	return m.store.List(ctx, filter)
}

// PollForWork returns the jobs assigned to worker and not yet claimed. It
// never mutates anything.
func (m *JobManager) PollForWork(ctx context.Context, worker model.WorkerID) ([]*model.JobRecord, error) {
	if worker == "" {
		return nil, cerrors.ErrInvalidArgument.GenWithStackByArgs("empty worker id")
	}
	return m.store.List(ctx, jobstore.Filter{
		Worker:   worker,
		Statuses: []model.JobStatus{model.JobAssigned},
	})
}

// WaitForWork is PollForWork that blocks up to timeout until a job is
// assigned to worker.
func (m *JobManager) WaitForWork(ctx context.Context, worker model.WorkerID, timeout time.Duration) ([]*model.JobRecord, error) {
	// subscribe before polling so that an assignment in between is not missed
	recv := m.notifier.NewReceiver(func(ev JobEvent) bool {
		return ev.Worker == worker && ev.Status == model.JobAssigned
	})
	defer recv.Close()

	jobs, err := m.PollForWork(ctx, worker)
	if err != nil || len(jobs) > 0 || timeout <= 0 {
		return jobs, err
	}

	timer := m.clock.Timer(timeout)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil, cerrors.Trace(ctx.Err())
		case <-timer.C:
			return jobs, nil
		case <-recv.C:
			jobs, err = m.PollForWork(ctx, worker)
			if err != nil || len(jobs) > 0 {
				return jobs, err
			}
		}
	}
}

// Claim moves an assigned job to running on behalf of its assigned worker.
// At most one claim of an assignment succeeds.
func (m *JobManager) Claim(ctx context.Context, id model.JobID, worker model.WorkerID) (*model.JobRecord, error) {
	if worker == "" {
		return nil, cerrors.ErrInvalidArgument.GenWithStackByArgs("empty worker id")
	}
	return m.applyEvent(ctx, id, Event{Type: EventClaim, Worker: worker})
}

// ReportProgress records the progress of a running job. A report from
// another worker, out of range or lower than the current progress is
// rejected and changes nothing.
func (m *JobManager) ReportProgress(
	ctx context.Context, id model.JobID, worker model.WorkerID, progress float64, message string,
) (*model.JobRecord, error) {
	return m.applyEvent(ctx, id, Event{
		Type:     EventProgress,
		Worker:   worker,
		Progress: progress,
		Message:  message,
	})
}

// ReportTerminal completes or fails a running job.
func (m *JobManager) ReportTerminal(ctx context.Context, id model.JobID, worker model.WorkerID, out Outcome) (*model.JobRecord, error) {
	ev := Event{Worker: worker, Message: out.Message}
	if out.Succeeded {
		ev.Type = EventComplete
		ev.Output = out.Output
	} else {
		ev.Type = EventFail
		ev.Error = out.Error
	}
	return m.applyEvent(ctx, id, ev)
}

// Requeue puts an assigned or running job back to the queue.
func (m *JobManager) Requeue(ctx context.Context, id model.JobID, message string) (*model.JobRecord, error) {
	return m.applyEvent(ctx, id, Event{Type: EventRequeue, Message: message})
}

// RequeueIfOwned requeues the job only while it is still active under
// worker.
func (m *JobManager) RequeueIfOwned(ctx context.Context, id model.JobID, worker model.WorkerID, message string) (*model.JobRecord, error) {
	ev := Event{Type: EventRequeue, Message: message}
	return m.apply(ctx, id, ev, func(rec *model.JobRecord, now time.Time) error {
		if !rec.Status.IsActive() || rec.AssignedWorker != worker {
			return invalidTransition(rec, EventRequeue, "job is not owned by worker %s", worker)
		}
		return Transition(rec, ev, now)
	})
}

// Cancel cancels a job that has not finished.
func (m *JobManager) Cancel(ctx context.Context, id model.JobID) (*model.JobRecord, error) {
	return m.applyEvent(ctx, id, Event{Type: EventCancel})
}

// Delete removes a finished job. An active job is cancelled first and, with
// the cancel-and-remove policy, removed afterwards.
func (m *JobManager) Delete(ctx context.Context, id model.JobID) (*DeleteResult, error) {
	requireTerminal := func(rec *model.JobRecord) error {
		if !rec.Status.IsTerminal() {
			return cerrors.ErrInvalidTransition.GenWithStackByArgs(id, "delete on "+string(rec.Status)+" job")
		}
		return nil
	}

	// a job finishing concurrently with the cancel is retried once
	for i := 0; i < 2; i++ {
		err := m.store.DeleteIf(ctx, id, requireTerminal)
		if err == nil {
			log.L().Info("render job removed", zap.String("job-id", id))
			return &DeleteResult{Removed: true}, nil
		}
		if !cerrors.Is(err, cerrors.ErrInvalidTransition) {
			return nil, err
		}

		rec, err := m.Cancel(ctx, id)
		if err != nil {
			if cerrors.Is(err, cerrors.ErrInvalidTransition) {
				continue
			}
			return nil, err
		}
		if m.deletePolicy != DeletePolicyCancelAndRemove {
			return &DeleteResult{Record: rec}, nil
		}
		if err := m.store.DeleteIf(ctx, id, requireTerminal); err != nil {
			return nil, err
		}
		log.L().Info("render job cancelled and removed", zap.String("job-id", id))
		return &DeleteResult{Removed: true, Record: rec}, nil
	}
	return nil, cerrors.ErrJobConflict.GenWithStackByArgs(id)
}

// Heartbeat records a worker heartbeat. A worker that was unknown or
// offline triggers an assignment pass.
func (m *JobManager) Heartbeat(ctx context.Context, worker model.WorkerID, hb model.Heartbeat) (*model.WorkerInfo, error) {
	wasOnline := m.workers.IsOnline(worker)
	info, err := m.workers.Heartbeat(worker, hb)
	if err != nil {
		return nil, err
	}
	if !wasOnline {
		m.assign(ctx)
	}
	return info, nil
}

// Workers lists the known workers.
func (m *JobManager) Workers() []*model.WorkerInfo {
	return m.workers.List()
}

// Corrupted lists the records that could not be loaded.
func (m *JobManager) Corrupted() []jobstore.CorruptedRecord {
	return m.store.Corrupted()
}

// RunAssignment performs one assignment pass.
func (m *JobManager) RunAssignment(ctx context.Context) ([]Assignment, error) {
	m.metrics.assignRuns.Inc()
	assigned, err := m.assigner.Run(ctx)
	for _, a := range assigned {
		m.metrics.transitions.WithLabelValues(string(EventAssign)).Inc()
		m.notifier.Notify(JobEvent{ID: a.JobID, Status: model.JobAssigned, Worker: a.Worker})
	}
	return assigned, err
}

func (m *JobManager) assign(ctx context.Context) {
	if _, err := m.RunAssignment(ctx); err != nil {
		log.L().Warn("assignment pass failed", zap.Error(err))
	}
}

func (m *JobManager) applyEvent(ctx context.Context, id model.JobID, ev Event) (*model.JobRecord, error) {
	return m.apply(ctx, id, ev, func(rec *model.JobRecord, now time.Time) error {
		return Transition(rec, ev, now)
	})
}

func (m *JobManager) apply(
	ctx context.Context, id model.JobID, ev Event, transit func(rec *model.JobRecord, now time.Time) error,
) (*model.JobRecord, error) {
	rec, err := m.store.Update(ctx, id, func(rec *model.JobRecord) error {
		return transit(rec, m.clock.Now())
	})
	if err != nil {
		m.metrics.observeRejection(ev.Type, err)
		log.L().Info("job event rejected",
			zap.String("job-id", id),
			zap.String("event", string(ev.Type)),
			zap.String("worker-id", ev.Worker),
			zap.Error(err))
		return nil, err
	}
	m.metrics.transitions.WithLabelValues(string(ev.Type)).Inc()
	if ev.Type == EventProgress {
		log.L().Debug("job progress",
			zap.String("job-id", id), zap.Float64("progress", rec.Progress))
	} else {
		log.L().Info("job event applied",
			zap.String("job-id", id),
			zap.String("event", string(ev.Type)),
			zap.String("status", string(rec.Status)),
			zap.String("worker-id", rec.AssignedWorker))
	}
	m.notify(rec)

	if rec.Status.IsTerminal() || rec.Status == model.JobQueued {
		m.assign(ctx)
	}
	return rec, nil
}

func (m *JobManager) notify(rec *model.JobRecord) {
	m.notifier.Notify(JobEvent{ID: rec.ID, Status: rec.Status, Worker: rec.AssignedWorker})
}

func rejectionReason(err error) string {
	switch {
	case cerrors.Is(err, cerrors.ErrInvalidTransition):
		return "invalid_transition"
	case cerrors.Is(err, cerrors.ErrJobNotFound):
		return "not_found"
	case cerrors.Is(err, cerrors.ErrJobConflict):
		return "conflict"
	case cerrors.Is(err, cerrors.ErrJobRecordCorrupted):
		return "corrupted"
	default:
		return "internal"
	}
}

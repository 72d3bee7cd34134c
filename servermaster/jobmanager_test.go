package servermaster

import (
	"context"
	"math"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hanfei1991/renderfarm/model"
	cerrors "github.com/hanfei1991/renderfarm/pkg/errors"
	"github.com/hanfei1991/renderfarm/pkg/jobstore"
	"github.com/hanfei1991/renderfarm/pkg/meta/kvclient/mockclient"
	"github.com/hanfei1991/renderfarm/pkg/promutil"
)

var testStart = time.Date(2024, 3, 1, 8, 0, 0, 0, time.UTC)

type managerTestEnv struct {
	jm    *JobManager
	cli   *mockclient.MetaMock
	clk   *clock.Mock
	reg   *promutil.Registry
	store *jobstore.Store
}

func newManagerForTest(t *testing.T, static []model.WorkerID, workerTimeout time.Duration, opts ...JobManagerOption) *managerTestEnv {
	cli := mockclient.NewMetaMock()
	clk := clock.NewMock()
	clk.Set(testStart)
	store := jobstore.NewStore(cli, jobstore.WithClock(clk))
	require.NoError(t, store.Load(context.Background()))

	reg := promutil.NewRegistry()
	opts = append([]JobManagerOption{
		WithManagerClock(clk),
		WithMetricRegistry(reg),
	}, opts...)
	jm := NewJobManager(store, NewWorkerRegistry(static, workerTimeout, clk), opts...)
	t.Cleanup(func() {
		jm.Close()
		cli.Close()
	})
	return &managerTestEnv{jm: jm, cli: cli, clk: clk, reg: reg, store: store}
}

func submitForTest(t *testing.T, jm *JobManager, name string) *model.JobRecord {
	rec, err := jm.Submit(context.Background(), model.Payload(`{"name":"`+name+`"}`))
	require.NoError(t, err)
	return rec
}

func TestScenarioSubmitWithoutWorkers(t *testing.T) {
	t.Parallel()

	env := newManagerForTest(t, nil, 0)
	rec := submitForTest(t, env.jm, "j1")
	require.Equal(t, model.JobQueued, rec.Status)
	require.Empty(t, rec.AssignedWorker)
	require.Equal(t, float64(1), testutil.ToFloat64(env.jm.metrics.submitted))
}

func TestScenarioAssignPollClaim(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	env := newManagerForTest(t, nil, 0)
	_, err := env.jm.Heartbeat(ctx, "w1", model.Heartbeat{Status: "idle"})
	require.NoError(t, err)

	j1 := submitForTest(t, env.jm, "j1")
	require.Equal(t, model.JobAssigned, j1.Status)
	require.Equal(t, "w1", j1.AssignedWorker)

	jobs, err := env.jm.PollForWork(ctx, "w1")
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	require.Equal(t, j1.ID, jobs[0].ID)

	// polling is a pure query
	again, err := env.jm.PollForWork(ctx, "w1")
	require.NoError(t, err)
	require.Equal(t, jobs, again)
	none, err := env.jm.PollForWork(ctx, "w2")
	require.NoError(t, err)
	require.Empty(t, none)
	_, err = env.jm.PollForWork(ctx, "")
	require.True(t, cerrors.Is(err, cerrors.ErrInvalidArgument))

	rec, err := env.jm.Claim(ctx, j1.ID, "w1")
	require.NoError(t, err)
	require.Equal(t, model.JobRunning, rec.Status)
	require.NotNil(t, rec.StartedAt)

	jobs, err = env.jm.PollForWork(ctx, "w1")
	require.NoError(t, err)
	require.Empty(t, jobs)
	require.Equal(t, float64(1), testutil.ToFloat64(env.jm.metrics.transitions.WithLabelValues("claim")))
	require.Equal(t, float64(1), testutil.ToFloat64(env.jm.metrics.transitions.WithLabelValues("assign")))
}

func runningJobForTest(t *testing.T, env *managerTestEnv, worker model.WorkerID) *model.JobRecord {
	rec := submitForTest(t, env.jm, "running")
	require.Equal(t, worker, rec.AssignedWorker)
	rec, err := env.jm.Claim(context.Background(), rec.ID, worker)
	require.NoError(t, err)
	return rec
}

func TestScenarioProgressFromOtherWorker(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	env := newManagerForTest(t, []model.WorkerID{"w1", "w2"}, 0)
	j1 := runningJobForTest(t, env, "w1")

	_, err := env.jm.ReportProgress(ctx, j1.ID, "w2", 0.5, "halfway")
	require.True(t, cerrors.Is(err, cerrors.ErrInvalidTransition), "%+v", err)

	got, err := env.jm.Get(ctx, j1.ID)
	require.NoError(t, err)
	require.Equal(t, j1, got)
	require.Equal(t, float64(1),
		testutil.ToFloat64(env.jm.metrics.rejections.WithLabelValues("progress", "invalid_transition")))
}

func TestScenarioProgressRegression(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	env := newManagerForTest(t, []model.WorkerID{"w1"}, 0)
	j1 := runningJobForTest(t, env, "w1")

	_, err := env.jm.ReportProgress(ctx, j1.ID, "w1", 0.3, "frame 30")
	require.NoError(t, err)
	rec, err := env.jm.ReportProgress(ctx, j1.ID, "w1", 0.6, "frame 60")
	require.NoError(t, err)
	require.Equal(t, 0.6, rec.Progress)

	_, err = env.jm.ReportProgress(ctx, j1.ID, "w1", 0.4, "frame 40")
	require.True(t, cerrors.Is(err, cerrors.ErrInvalidTransition))

	// a retried report is accepted
	rec, err = env.jm.ReportProgress(ctx, j1.ID, "w1", 0.6, "frame 60")
	require.NoError(t, err)

	got, err := env.jm.Get(ctx, j1.ID)
	require.NoError(t, err)
	require.Equal(t, 0.6, got.Progress)
	require.Equal(t, "frame 60", got.StatusMessage)
	require.Equal(t, rec, got)

	_, err = env.jm.ReportProgress(ctx, j1.ID, "w1", 1.5, "")
	require.True(t, cerrors.Is(err, cerrors.ErrInvalidTransition))
	_, err = env.jm.ReportProgress(ctx, j1.ID, "w1", math.NaN(), "")
	require.True(t, cerrors.Is(err, cerrors.ErrInvalidTransition), "%+v", err)

	got, err = env.jm.Get(ctx, j1.ID)
	require.NoError(t, err)
	require.Equal(t, 0.6, got.Progress)
}

func TestScenarioCompletionAssignsNextJob(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	env := newManagerForTest(t, []model.WorkerID{"w1"}, 0)
	j1 := runningJobForTest(t, env, "w1")

	env.clk.Add(time.Second)
	j2 := submitForTest(t, env.jm, "j2")
	require.Equal(t, model.JobQueued, j2.Status)

	rec, err := env.jm.ReportTerminal(ctx, j1.ID, "w1", Outcome{
		Succeeded: true,
		Output:    "/renders/j1",
		Message:   "done",
	})
	require.NoError(t, err)
	require.Equal(t, model.JobSucceeded, rec.Status)
	require.Equal(t, "/renders/j1", rec.OutputLocation)
	require.Equal(t, 1.0, rec.Progress)
	require.NotNil(t, rec.CompletedAt)

	got, err := env.jm.Get(ctx, j2.ID)
	require.NoError(t, err)
	require.Equal(t, model.JobAssigned, got.Status)
	require.Equal(t, "w1", got.AssignedWorker)
}

func TestScenarioDeleteTerminalJob(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	env := newManagerForTest(t, []model.WorkerID{"w1"}, 0)
	j1 := runningJobForTest(t, env, "w1")
	_, err := env.jm.ReportTerminal(ctx, j1.ID, "w1", Outcome{Error: "engine crashed"})
	require.NoError(t, err)

	res, err := env.jm.Delete(ctx, j1.ID)
	require.NoError(t, err)
	require.True(t, res.Removed)

	_, err = env.jm.Get(ctx, j1.ID)
	require.True(t, cerrors.Is(err, cerrors.ErrJobNotFound))
	_, err = env.jm.Delete(ctx, j1.ID)
	require.True(t, cerrors.Is(err, cerrors.ErrJobNotFound))
}

func TestFailedJobKeepsError(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	env := newManagerForTest(t, []model.WorkerID{"w1"}, 0)
	j1 := runningJobForTest(t, env, "w1")

	_, err := env.jm.ReportTerminal(ctx, j1.ID, "w2", Outcome{Error: "not mine"})
	require.True(t, cerrors.Is(err, cerrors.ErrInvalidTransition))

	rec, err := env.jm.ReportTerminal(ctx, j1.ID, "w1", Outcome{Error: "engine crashed"})
	require.NoError(t, err)
	require.Equal(t, model.JobFailed, rec.Status)
	require.Equal(t, "engine crashed", rec.ErrorDetail)

	// terminal records never change again
	_, err = env.jm.Cancel(ctx, j1.ID)
	require.True(t, cerrors.Is(err, cerrors.ErrInvalidTransition))
	_, err = env.jm.Requeue(ctx, j1.ID, "")
	require.True(t, cerrors.Is(err, cerrors.ErrInvalidTransition))
	_, err = env.jm.ReportTerminal(ctx, j1.ID, "w1", Outcome{Succeeded: true})
	require.True(t, cerrors.Is(err, cerrors.ErrInvalidTransition))
	got, err := env.jm.Get(ctx, j1.ID)
	require.NoError(t, err)
	require.Equal(t, rec, got)
}

func TestClaimExclusive(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	env := newManagerForTest(t, []model.WorkerID{"w1", "w2"}, 0)
	j1 := submitForTest(t, env.jm, "j1")
	require.Equal(t, "w1", j1.AssignedWorker)

	_, err := env.jm.Claim(ctx, j1.ID, "w2")
	require.True(t, cerrors.Is(err, cerrors.ErrInvalidTransition))
	require.Contains(t, err.Error(), "no longer available")

	const claimers = 16
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		success int
	)
	for i := 0; i < claimers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := env.jm.Claim(ctx, j1.ID, "w1"); err == nil {
				mu.Lock()
				success++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	require.Equal(t, 1, success)

	_, err = env.jm.Claim(ctx, j1.ID, "")
	require.True(t, cerrors.Is(err, cerrors.ErrInvalidArgument))
}

func TestAssignmentIdempotent(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	env := newManagerForTest(t, []model.WorkerID{"w1", "w2"}, 0)
	var ids []model.JobID
	for i := 0; i < 4; i++ {
		env.clk.Add(time.Second)
		ids = append(ids, submitForTest(t, env.jm, "j").ID)
	}

	before, err := env.jm.List(ctx, jobstore.Filter{})
	require.NoError(t, err)
	// oldest jobs go to workers in first-seen order
	require.Equal(t, "w1", before[0].AssignedWorker)
	require.Equal(t, "w2", before[1].AssignedWorker)
	require.Equal(t, model.JobQueued, before[2].Status)
	require.Equal(t, model.JobQueued, before[3].Status)

	for i := 0; i < 3; i++ {
		assigned, err := env.jm.RunAssignment(ctx)
		require.NoError(t, err)
		require.Empty(t, assigned)
	}
	after, err := env.jm.List(ctx, jobstore.Filter{})
	require.NoError(t, err)
	require.Equal(t, before, after)

	// concurrent passes never give a worker two jobs
	_, err = env.jm.Cancel(ctx, ids[0])
	require.NoError(t, err)
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := env.jm.RunAssignment(ctx)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()
	active, err := env.jm.List(ctx, jobstore.Filter{
		Statuses: []model.JobStatus{model.JobAssigned, model.JobRunning},
	})
	require.NoError(t, err)
	require.Len(t, active, 2)
	require.NotEqual(t, active[0].AssignedWorker, active[1].AssignedWorker)
}

func TestRequeue(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	env := newManagerForTest(t, []model.WorkerID{"w1", "w2"}, 0)
	j1 := runningJobForTest(t, env, "w1")
	_, err := env.jm.ReportProgress(ctx, j1.ID, "w1", 0.5, "")
	require.NoError(t, err)

	rec, err := env.jm.Requeue(ctx, j1.ID, "operator requeue")
	require.NoError(t, err)
	require.Equal(t, model.JobQueued, rec.Status)
	require.Empty(t, rec.AssignedWorker)
	require.Zero(t, rec.Progress)
	require.Equal(t, 1, rec.RequeueCount)
	require.Equal(t, "operator requeue", rec.StatusMessage)

	// the requeue triggered a new assignment
	got, err := env.jm.Get(ctx, j1.ID)
	require.NoError(t, err)
	require.Equal(t, model.JobAssigned, got.Status)
	require.Equal(t, "w1", got.AssignedWorker)

	_, err = env.jm.RequeueIfOwned(ctx, j1.ID, "w2", "")
	require.True(t, cerrors.Is(err, cerrors.ErrInvalidTransition))
	rec, err = env.jm.RequeueIfOwned(ctx, j1.ID, "w1", "")
	require.NoError(t, err)
	require.Equal(t, 2, rec.RequeueCount)
}

func TestDeleteActiveJob(t *testing.T) {
	t.Parallel()

	ctx := context.Background()

	env := newManagerForTest(t, []model.WorkerID{"w1"}, 0)
	j1 := runningJobForTest(t, env, "w1")
	res, err := env.jm.Delete(ctx, j1.ID)
	require.NoError(t, err)
	require.False(t, res.Removed)
	require.Equal(t, model.JobCancelled, res.Record.Status)
	got, err := env.jm.Get(ctx, j1.ID)
	require.NoError(t, err)
	require.Equal(t, model.JobCancelled, got.Status)
	require.Equal(t, "w1", got.AssignedWorker)

	// deleting again removes the now terminal record
	res, err = env.jm.Delete(ctx, j1.ID)
	require.NoError(t, err)
	require.True(t, res.Removed)

	env = newManagerForTest(t, []model.WorkerID{"w1"}, 0, WithDeletePolicy(DeletePolicyCancelAndRemove))
	j2 := runningJobForTest(t, env, "w1")
	res, err = env.jm.Delete(ctx, j2.ID)
	require.NoError(t, err)
	require.True(t, res.Removed)
	require.Equal(t, model.JobCancelled, res.Record.Status)
	_, err = env.jm.Get(ctx, j2.ID)
	require.True(t, cerrors.Is(err, cerrors.ErrJobNotFound))
}

func TestCorruptedRecord(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	cli := mockclient.NewMetaMock()
	defer cli.Close()
	cli.PutRaw(jobstore.JobKey("broken"), `{"id":"broken",`)
	store := jobstore.NewStore(cli)
	require.NoError(t, store.Load(ctx))
	jm := NewJobManager(store, NewWorkerRegistry(nil, 0, clock.NewMock()))
	defer jm.Close()

	corrupted := jm.Corrupted()
	require.Len(t, corrupted, 1)
	require.Equal(t, "broken", corrupted[0].ID)

	_, err := jm.Get(ctx, "broken")
	require.True(t, cerrors.Is(err, cerrors.ErrJobRecordCorrupted))
	_, err = jm.Cancel(ctx, "broken")
	require.True(t, cerrors.Is(err, cerrors.ErrJobRecordCorrupted))

	res, err := jm.Delete(ctx, "broken")
	require.NoError(t, err)
	require.True(t, res.Removed)
	require.Empty(t, jm.Corrupted())
}

func TestWaitForWork(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	env := newManagerForTest(t, []model.WorkerID{"w1"}, 0)

	type result struct {
		jobs []*model.JobRecord
		err  error
	}
	resCh := make(chan result, 1)
	go func() {
		jobs, err := env.jm.WaitForWork(ctx, "w1", time.Hour)
		resCh <- result{jobs, err}
	}()

	j1 := submitForTest(t, env.jm, "j1")
	res := <-resCh
	require.NoError(t, res.err)
	require.Len(t, res.jobs, 1)
	require.Equal(t, j1.ID, res.jobs[0].ID)

	// already assigned work returns at once
	jobs, err := env.jm.WaitForWork(ctx, "w1", time.Hour)
	require.NoError(t, err)
	require.Len(t, jobs, 1)

	// w1 is busy, a second wait times out empty
	go func() {
		jobs, err := env.jm.WaitForWork(ctx, "w2", 10*time.Second)
		resCh <- result{jobs, err}
	}()
	require.Eventually(t, func() bool {
		env.clk.Add(10 * time.Second)
		select {
		case res = <-resCh:
			return true
		default:
			return false
		}
	}, 5*time.Second, 10*time.Millisecond)
	require.NoError(t, res.err)
	require.Empty(t, res.jobs)

	cctx, cancel := context.WithCancel(ctx)
	go func() {
		jobs, err := env.jm.WaitForWork(cctx, "w3", time.Hour)
		resCh <- result{jobs, err}
	}()
	cancel()
	res = <-resCh
	require.Equal(t, context.Canceled, cerrors.Cause(res.err))
}

func TestHeartbeatTriggersAssignment(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	env := newManagerForTest(t, nil, 30*time.Second)
	j1 := submitForTest(t, env.jm, "j1")
	require.Equal(t, model.JobQueued, j1.Status)

	info, err := env.jm.Heartbeat(ctx, "w1", model.Heartbeat{Status: "idle"})
	require.NoError(t, err)
	require.True(t, info.Online)

	got, err := env.jm.Get(ctx, j1.ID)
	require.NoError(t, err)
	require.Equal(t, "w1", got.AssignedWorker)

	workers := env.jm.Workers()
	require.Len(t, workers, 1)
	require.Equal(t, "w1", workers[0].ID)

	_, err = env.jm.Heartbeat(ctx, "", model.Heartbeat{})
	require.True(t, cerrors.Is(err, cerrors.ErrInvalidArgument))
}

func TestOfflineWorkerNotAssigned(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	env := newManagerForTest(t, nil, 30*time.Second)
	_, err := env.jm.Heartbeat(ctx, "w1", model.Heartbeat{})
	require.NoError(t, err)
	env.clk.Add(time.Minute)

	j1 := submitForTest(t, env.jm, "j1")
	require.Equal(t, model.JobQueued, j1.Status)
}

func TestJobCountGauge(t *testing.T) {
	t.Parallel()

	env := newManagerForTest(t, []model.WorkerID{"w1"}, 0)
	runningJobForTest(t, env, "w1")
	submitForTest(t, env.jm, "j2")

	expected := `
# HELP renderfarm_master_job_count Number of render jobs by status
# TYPE renderfarm_master_job_count gauge
renderfarm_master_job_count{status="assigned"} 0
renderfarm_master_job_count{status="cancelled"} 0
renderfarm_master_job_count{status="failed"} 0
renderfarm_master_job_count{status="queued"} 1
renderfarm_master_job_count{status="running"} 1
renderfarm_master_job_count{status="succeeded"} 0
# HELP renderfarm_master_worker_online Number of online render workers
# TYPE renderfarm_master_worker_online gauge
renderfarm_master_worker_online 1
`
	require.NoError(t, testutil.GatherAndCompare(env.reg, strings.NewReader(expected),
		"renderfarm_master_job_count", "renderfarm_master_worker_online"))
}

func TestCloseUnregistersMetrics(t *testing.T) {
	t.Parallel()

	env := newManagerForTest(t, []model.WorkerID{"w1"}, 0)
	submitForTest(t, env.jm, "j1")
	require.Equal(t, 7, countSeries(t, env.reg, "renderfarm_master_job_count", "renderfarm_master_worker_online"))

	env.jm.Close()
	require.Equal(t, 0, countSeries(t, env.reg, "renderfarm_master_job_count", "renderfarm_master_worker_online"))

	// a manager started again in the same process registers the same names
	jm := NewJobManager(env.store, NewWorkerRegistry([]model.WorkerID{"w1"}, 0, env.clk),
		WithManagerClock(env.clk), WithMetricRegistry(env.reg))
	defer jm.Close()
	require.Equal(t, 7, countSeries(t, env.reg, "renderfarm_master_job_count", "renderfarm_master_worker_online"))
}

func countSeries(t *testing.T, reg *promutil.Registry, names ...string) int {
	families, err := reg.Gather()
	require.NoError(t, err)
	count := 0
	for _, mf := range families {
		for _, name := range names {
			if mf.GetName() == name {
				count += len(mf.GetMetric())
			}
		}
	}
	return count
}

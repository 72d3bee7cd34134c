package executor

import (
	"context"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/pingcap/log"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/atomic"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/hanfei1991/renderfarm/client"
	"github.com/hanfei1991/renderfarm/model"
	"github.com/hanfei1991/renderfarm/pkg/errctx"
	cerrors "github.com/hanfei1991/renderfarm/pkg/errors"
	"github.com/hanfei1991/renderfarm/pkg/promutil"
)

// finalReportTimeout bounds the report sent after the engine exits. It uses
// its own context so that a shutting down agent can still requeue its job.
const finalReportTimeout = 10 * time.Second

// Agent polls the master for jobs assigned to one worker and renders them
// one at a time.
type Agent struct {
	id      model.WorkerID
	cfg     *Config
	cli     client.MasterClient
	engine  Engine
	clock   clock.Clock
	limiter *rate.Limiter

	registry *promutil.Registry
	metrics  *agentMetrics

	status     atomic.String
	currentJob atomic.String
}

// AgentOption configures an Agent.
type AgentOption func(*Agent)

// WithAgentClock replaces the clock of the agent.
func WithAgentClock(clk clock.Clock) AgentOption {
	return func(a *Agent) {
		a.clock = clk
	}
}

// WithAgentRegistry sets where the agent registers its metrics.
func WithAgentRegistry(registry *promutil.Registry) AgentOption {
	return func(a *Agent) {
		a.registry = registry
	}
}

// NewAgent creates an agent rendering jobs of cfg.WorkerID with engine.
func NewAgent(cfg *Config, cli client.MasterClient, engine Engine, opts ...AgentOption) *Agent {
	a := &Agent{
		id:     cfg.WorkerID,
		cfg:    cfg,
		cli:    cli,
		engine: engine,
		clock:  clock.New(),
	}
	for _, opt := range opts {
		opt(a)
	}
	if a.registry == nil {
		a.registry = promutil.NewRegistry()
	}
	a.metrics = newAgentMetrics(promutil.NewFactory(a.registry, agentMetricOwner, promutil.MetricPrefix,
		prometheus.Labels{promutil.ConstLabelWorkerKey: a.id}))
	limit := rate.Inf
	if interval := cfg.ProgressReportInterval.Duration(); interval > 0 {
		limit = rate.Every(interval)
	}
	a.limiter = rate.NewLimiter(limit, 1)
	a.status.Store(model.WorkerStatusIdle)
	return a
}

// Run registers the worker and processes jobs until ctx is done. A job being
// rendered when ctx is done is interrupted and handed back to the queue.
func (a *Agent) Run(ctx context.Context) error {
	log.L().Info("render worker started",
		zap.String("worker-id", a.id),
		zap.String("master-addr", a.cfg.MasterAddr))
	a.sendHeartbeat(ctx)
	a.requeueOrphans(ctx)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return a.heartbeatLoop(gctx)
	})
	g.Go(func() error {
		return a.pollLoop(gctx)
	})
	if a.cfg.MetricsAddr != "" {
		g.Go(func() error {
			return serveMetrics(gctx, a.cfg.MetricsAddr, a.registry)
		})
	}
	err := g.Wait()
	log.L().Info("render worker stopped", zap.String("worker-id", a.id))
	if cerrors.Cause(err) == context.Canceled {
		return nil
	}
	return err
}

func (a *Agent) heartbeatLoop(ctx context.Context) error {
	ticker := a.clock.Ticker(a.cfg.Timeouts.WorkerHeartbeatInterval.Duration())
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			a.sendHeartbeat(ctx)
		}
	}
}

func (a *Agent) sendHeartbeat(ctx context.Context) {
	hb := model.Heartbeat{
		Status:     a.status.Load(),
		CurrentJob: a.currentJob.Load(),
	}
	if _, err := a.cli.Heartbeat(ctx, a.id, hb); err != nil && ctx.Err() == nil {
		log.L().Warn("send heartbeat failed", zap.String("worker-id", a.id), zap.Error(err))
	}
}

// requeueOrphans hands back jobs still running under this worker from a
// previous run of the process, since nothing is rendering them anymore.
func (a *Agent) requeueOrphans(ctx context.Context) {
	jobs, err := a.cli.ListJobs(ctx, model.JobRunning)
	if err != nil {
		log.L().Warn("list running jobs failed", zap.String("worker-id", a.id), zap.Error(err))
		return
	}
	for _, job := range jobs {
		if job.AssignedWorker != a.id {
			continue
		}
		_, err := client.Requeue(ctx, a.cli, job.ID, a.id, "requeued: worker "+a.id+" restarted")
		if err != nil {
			log.L().Warn("requeue orphaned job failed", zap.String("job-id", job.ID), zap.Error(err))
			continue
		}
		log.L().Info("requeued orphaned job", zap.String("job-id", job.ID), zap.String("worker-id", a.id))
	}
}

func (a *Agent) pollLoop(ctx context.Context) error {
	longPoll := a.cfg.Timeouts.WorkerLongPollTimeout.Duration()
	for {
		if ctx.Err() != nil {
			return nil
		}
		jobs, err := a.cli.PollJobs(ctx, a.id, longPoll)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			log.L().Warn("poll jobs failed", zap.String("worker-id", a.id), zap.Error(err))
			a.sleep(ctx, a.cfg.Timeouts.WorkerPollInterval.Duration())
			continue
		}
		if len(jobs) == 0 {
			if longPoll <= 0 {
				a.sleep(ctx, a.cfg.Timeouts.WorkerPollInterval.Duration())
			}
			continue
		}
		for _, job := range jobs {
			if ctx.Err() != nil {
				return nil
			}
			a.runJob(ctx, job)
		}
	}
}

func (a *Agent) sleep(ctx context.Context, d time.Duration) {
	timer := a.clock.Timer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}

func (a *Agent) runJob(ctx context.Context, job *model.JobRecord) {
	logger := log.L().With(zap.String("job-id", job.ID), zap.String("worker-id", a.id))

	if _, err := client.Claim(ctx, a.cli, job.ID, a.id); err != nil {
		// another claimant or a cancellation won
		logger.Info("claim job failed", zap.Error(err))
		return
	}
	logger.Info("job claimed")

	a.status.Store(model.WorkerStatusRendering)
	a.currentJob.Store(job.ID)
	defer func() {
		a.currentJob.Store("")
		a.status.Store(model.WorkerStatusIdle)
	}()
	a.sendHeartbeat(ctx)

	spec, err := ParseRenderSpec(job)
	if err != nil {
		a.finish(logger, job.ID, "", err, nil)
		return
	}

	center := errctx.NewErrCenter()
	jobCtx, cancel := center.DeriveContext(ctx)
	defer cancel()

	var wg sync.WaitGroup
	watchCtx, stopWatch := context.WithCancel(jobCtx)
	wg.Add(1)
	go func() {
		defer wg.Done()
		a.watchCancel(watchCtx, job.ID, center)
	}()

	reporter := &progressReporter{agent: a, jobID: job.ID, ctx: jobCtx, center: center, last: -1}
	a.metrics.rendering.Set(1)
	start := a.clock.Now()
	output, renderErr := a.engine.Render(jobCtx, spec, reporter.report)
	a.metrics.renderDuration.Observe(a.clock.Since(start).Seconds())
	a.metrics.rendering.Set(0)
	stopWatch()
	wg.Wait()

	switch {
	case renderErr == nil:
		a.finish(logger, job.ID, output, nil, nil)
	case center.CheckError() != nil:
		a.metrics.jobs.WithLabelValues(renderResultAborted).Inc()
		logger.Info("job aborted", zap.Error(center.CheckError()))
	case ctx.Err() != nil:
		a.finish(logger, job.ID, "", nil, ctx.Err())
	default:
		a.finish(logger, job.ID, "", renderErr, nil)
	}
}

// finish sends the last report of a job: completion when renderErr and
// stopErr are both nil, a requeue when the agent is stopping and a failure
// otherwise.
func (a *Agent) finish(logger *zap.Logger, id model.JobID, output string, renderErr, stopErr error) {
	ctx, cancel := context.WithTimeout(context.Background(), finalReportTimeout)
	defer cancel()

	var err error
	switch {
	case stopErr != nil:
		a.metrics.jobs.WithLabelValues(renderResultRequeued).Inc()
		_, err = client.Requeue(ctx, a.cli, id, a.id, "requeued: worker "+a.id+" is shutting down")
		logger.Info("job requeued on shutdown", zap.NamedError("cause", stopErr))
	case renderErr != nil:
		a.metrics.jobs.WithLabelValues(renderResultFailed).Inc()
		_, err = client.Fail(ctx, a.cli, id, a.id, renderErr.Error())
		logger.Warn("job failed", zap.Error(renderErr))
	default:
		a.metrics.jobs.WithLabelValues(renderResultSucceeded).Inc()
		_, err = client.Complete(ctx, a.cli, id, a.id, output)
		logger.Info("job succeeded", zap.String("output", output))
	}
	if err != nil {
		logger.Warn("report job result failed", zap.Error(err))
	}
}

// watchCancel polls the job while it renders and aborts the render once the
// job is no longer running under this worker.
func (a *Agent) watchCancel(ctx context.Context, id model.JobID, center *errctx.ErrCenter) {
	ticker := a.clock.Ticker(a.cfg.Timeouts.CancelCheckInterval.Duration())
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		rec, err := a.cli.GetJob(ctx, id)
		if err != nil {
			if cerrors.Is(err, cerrors.ErrJobNotFound) {
				center.OnError(cerrors.ErrJobAborted.GenWithStackByArgs(id, "job was removed"))
				return
			}
			if ctx.Err() == nil {
				log.L().Warn("check job state failed", zap.String("job-id", id), zap.Error(err))
			}
			continue
		}
		if rec.Status != model.JobRunning || rec.AssignedWorker != a.id {
			center.OnError(cerrors.ErrJobAborted.GenWithStackByArgs(id, "job is "+string(rec.Status)))
			return
		}
	}
}

// progressReporter forwards engine progress to the master, dropping
// regressions and reports that come faster than the configured interval.
type progressReporter struct {
	agent  *Agent
	jobID  model.JobID
	ctx    context.Context
	center *errctx.ErrCenter
	last   float64
}

func (r *progressReporter) report(progress float64, message string) {
	if progress < r.last {
		return
	}
	if !r.agent.limiter.AllowN(r.agent.clock.Now(), 1) {
		return
	}
	_, err := client.ReportProgress(r.ctx, r.agent.cli, r.jobID, r.agent.id, progress, message)
	if err != nil {
		if cerrors.Is(err, cerrors.ErrInvalidTransition) || cerrors.Is(err, cerrors.ErrJobNotFound) {
			r.center.OnError(cerrors.ErrJobAborted.GenWithStackByArgs(r.jobID, "progress rejected"))
			return
		}
		if r.ctx.Err() == nil {
			log.L().Warn("report progress failed", zap.String("job-id", r.jobID), zap.Error(err))
		}
		return
	}
	r.last = progress
}

package servermaster

import (
	"context"
	"net"
	"net/http"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/pingcap/log"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	cerrors "github.com/hanfei1991/renderfarm/pkg/errors"
	"github.com/hanfei1991/renderfarm/pkg/jobstore"
	"github.com/hanfei1991/renderfarm/pkg/meta"
	"github.com/hanfei1991/renderfarm/pkg/promutil"
)

// Master is the render master process: the job store, the job manager, the
// background loops and the HTTP API.
type Master struct {
	cfg   *Config
	clock clock.Clock

	ready chan struct{}
	addr  string
}

// NewMaster creates a Master from an adjusted config.
func NewMaster(cfg *Config) *Master {
	return &Master{
		cfg:   cfg,
		clock: clock.New(),
		ready: make(chan struct{}),
	}
}

// Ready is closed once the HTTP API listens.
func (m *Master) Ready() <-chan struct{} {
	return m.ready
}

// Addr returns the listening address, valid after Ready.
func (m *Master) Addr() string {
	return m.addr
}

// Run loads the job records, serves the API and blocks until ctx is done.
func (m *Master) Run(ctx context.Context) error {
	cli, err := meta.NewKVClient(m.cfg.Store)
	if err != nil {
		return err
	}
	defer func() {
		if err := cli.Close(); err != nil {
			log.L().Warn("close meta store failed", zap.Error(err))
		}
	}()

	store := jobstore.NewStore(cli, jobstore.WithClock(m.clock))
	if err := store.Load(ctx); err != nil {
		return err
	}
	if corrupted := store.Corrupted(); len(corrupted) > 0 {
		log.L().Warn("some job records are corrupted and need an operator",
			zap.Int("count", len(corrupted)))
	}

	timeouts := m.cfg.Timeouts
	registry := promutil.NewRegistry()
	workers := NewWorkerRegistry(m.cfg.Workers, timeouts.WorkerTimeoutDuration.Duration(), m.clock)
	jm := NewJobManager(store, workers,
		WithManagerClock(m.clock),
		WithMetricRegistry(registry),
		WithDeletePolicy(DeletePolicy(m.cfg.DeletePolicy)))
	defer jm.Close()

	// jobs queued before a restart
	jm.assign(ctx)

	lis, err := net.Listen("tcp", m.cfg.Addr)
	if err != nil {
		return cerrors.Trace(err)
	}
	m.addr = lis.Addr().String()

	g, gctx := errgroup.WithContext(ctx)
	srv := &http.Server{
		Handler: NewServer(jm, registry, timeouts.WorkerLongPollTimeout.Duration()).Handler(),
		// long polls end when the master stops
		BaseContext: func(net.Listener) context.Context { return gctx },
	}

	g.Go(func() error {
		err := srv.Serve(lis)
		if err == http.ErrServerClosed {
			return nil
		}
		return cerrors.Trace(err)
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), timeouts.MasterShutdownGracePeriod.Duration())
		defer cancel()
		return cerrors.Trace(srv.Shutdown(shutdownCtx))
	})
	g.Go(func() error {
		return NewWatchdog(jm, timeouts.StuckJobCheckInterval.Duration()).Run(gctx)
	})
	g.Go(func() error {
		return jm.RunAssignLoop(gctx, timeouts.AssignInterval.Duration())
	})

	log.L().Info("render master started",
		zap.String("addr", m.addr),
		zap.Strings("workers", m.cfg.Workers),
		zap.String("store", m.cfg.Store.String()))
	close(m.ready)

	err = g.Wait()
	log.L().Info("render master stopped", zap.Error(err))
	return err
}

// RunAssignLoop runs an assignment pass every interval until ctx is done.
// A non-positive interval disables it.
func (m *JobManager) RunAssignLoop(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		return nil
	}
	ticker := m.clock.Ticker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
		m.assign(ctx)
	}
}

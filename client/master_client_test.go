package client

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/require"
	"go.uber.org/atomic"

	"github.com/hanfei1991/renderfarm/model"
	cerrors "github.com/hanfei1991/renderfarm/pkg/errors"
	"github.com/hanfei1991/renderfarm/pkg/jobstore"
	"github.com/hanfei1991/renderfarm/pkg/meta/kvclient/mockclient"
	"github.com/hanfei1991/renderfarm/servermaster"
)

func newMasterForTest(t *testing.T, workers ...model.WorkerID) *httptest.Server {
	cli := mockclient.NewMetaMock()
	store := jobstore.NewStore(cli)
	require.NoError(t, store.Load(context.Background()))
	jm := servermaster.NewJobManager(store, servermaster.NewWorkerRegistry(workers, 0, clock.New()))
	srv := httptest.NewServer(servermaster.NewServer(jm, nil, time.Second).Handler())
	t.Cleanup(func() {
		srv.Close()
		jm.Close()
		cli.Close()
	})
	return srv
}

func TestMasterClientJobLifecycle(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	srv := newMasterForTest(t, "w1")
	cli := NewMasterClient(srv.URL, WithRetry(3, time.Millisecond))

	rec, err := cli.SubmitJob(ctx, model.Payload(`{"name":"shot_010"}`))
	require.NoError(t, err)
	require.Equal(t, model.JobAssigned, rec.Status)

	jobs, err := cli.PollJobs(ctx, "w1", 100*time.Millisecond)
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	require.Equal(t, rec.ID, jobs[0].ID)

	_, err = Claim(ctx, cli, rec.ID, "w2")
	require.True(t, cerrors.Is(err, cerrors.ErrInvalidTransition), "%+v", err)
	rec, err = Claim(ctx, cli, rec.ID, "w1")
	require.NoError(t, err)
	require.Equal(t, model.JobRunning, rec.Status)

	rec, err = ReportProgress(ctx, cli, rec.ID, "w1", 0.4, "frame 40")
	require.NoError(t, err)
	require.Equal(t, 0.4, rec.Progress)
	_, err = ReportProgress(ctx, cli, rec.ID, "w1", 0.1, "frame 10")
	require.True(t, cerrors.Is(err, cerrors.ErrInvalidTransition))

	rec, err = Complete(ctx, cli, rec.ID, "w1", "/renders/shot_010")
	require.NoError(t, err)
	require.Equal(t, model.JobSucceeded, rec.Status)

	summaries, err := cli.ListJobs(ctx, model.JobSucceeded)
	require.NoError(t, err)
	require.Len(t, summaries, 1)

	del, err := cli.DeleteJob(ctx, rec.ID)
	require.NoError(t, err)
	require.True(t, del.Removed)
	_, err = cli.GetJob(ctx, rec.ID)
	require.True(t, cerrors.Is(err, cerrors.ErrJobNotFound))

	info, err := cli.Heartbeat(ctx, "w2", model.Heartbeat{Status: "idle"})
	require.NoError(t, err)
	require.True(t, info.Online)
	workers, err := cli.ListWorkers(ctx)
	require.NoError(t, err)
	require.Len(t, workers, 2)
	health, err := cli.Health(ctx)
	require.NoError(t, err)
	require.Equal(t, "healthy", health.Status)
}

func TestMasterClientFailAndCancel(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	srv := newMasterForTest(t, "w1")
	cli := NewMasterClient(srv.URL)

	j1, err := cli.SubmitJob(ctx, model.Payload(`{"name":"a"}`))
	require.NoError(t, err)
	j2, err := cli.SubmitJob(ctx, model.Payload(`{"name":"b"}`))
	require.NoError(t, err)
	require.Equal(t, model.JobQueued, j2.Status)

	_, err = Claim(ctx, cli, j1.ID, "w1")
	require.NoError(t, err)
	rec, err := Fail(ctx, cli, j1.ID, "w1", "engine exited with code 3")
	require.NoError(t, err)
	require.Equal(t, model.JobFailed, rec.Status)
	require.Equal(t, "engine exited with code 3", rec.ErrorDetail)

	// w1 is idle again
	rec, err = cli.GetJob(ctx, j2.ID)
	require.NoError(t, err)
	require.Equal(t, model.JobAssigned, rec.Status)

	_, err = Requeue(ctx, cli, j2.ID, "w2", "stale")
	require.True(t, cerrors.Is(err, cerrors.ErrInvalidTransition), "%+v", err)
	rec, err = Requeue(ctx, cli, j2.ID, "", "")
	require.NoError(t, err)
	require.Equal(t, 1, rec.RequeueCount)
	rec, err = Cancel(ctx, cli, j2.ID)
	require.NoError(t, err)
	require.Equal(t, model.JobCancelled, rec.Status)
}

func TestMasterClientRetry(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	var (
		calls atomic.Int32
		mode  atomic.String
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := calls.Inc()
		switch mode.Load() {
		case "flaky":
			if n < 3 {
				w.WriteHeader(http.StatusServiceUnavailable)
				return
			}
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte(`{"status":"healthy","corrupted_records":0}`))
		case "conflict":
			w.WriteHeader(http.StatusConflict)
			_, _ = w.Write([]byte(`{"code":"RENDER:ErrJobConflict","error":"job j1 was modified concurrently"}`))
		default:
			w.WriteHeader(http.StatusBadGateway)
			_, _ = w.Write([]byte("upstream down"))
		}
	}))
	defer srv.Close()
	cli := NewMasterClient(srv.URL, WithRetry(3, time.Millisecond))

	mode.Store("flaky")
	health, err := cli.Health(ctx)
	require.NoError(t, err)
	require.Equal(t, "healthy", health.Status)
	require.Equal(t, int32(3), calls.Load())

	// client errors are not retried
	calls.Store(0)
	mode.Store("conflict")
	_, err = cli.GetJob(ctx, "j1")
	require.True(t, cerrors.Is(err, cerrors.ErrJobConflict))
	require.Equal(t, int32(1), calls.Load())

	calls.Store(0)
	mode.Store("down")
	_, err = cli.GetJob(ctx, "j1")
	require.True(t, cerrors.Is(err, cerrors.ErrAPIUnexpectedResp))
	require.Contains(t, err.Error(), "upstream down")
	require.Equal(t, int32(3), calls.Load())
}

func TestMasterClientUnreachable(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.NotFoundHandler())
	addr := srv.Listener.Addr().String()
	srv.Close()

	cli := NewMasterClient(addr, WithRetry(2, time.Millisecond))
	_, err := cli.Health(context.Background())
	require.True(t, cerrors.Is(err, cerrors.ErrAPIRequestFailed), "%+v", err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = cli.Health(ctx)
	require.Equal(t, context.Canceled, cerrors.Cause(err))
}

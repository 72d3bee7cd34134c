package client

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/pingcap/log"
	"go.uber.org/zap"

	"github.com/hanfei1991/renderfarm/model"
	cerrors "github.com/hanfei1991/renderfarm/pkg/errors"
)

const (
	defaultMaxAttempts    = 3
	defaultBackoff        = 2 * time.Second
	defaultRequestTimeout = 30 * time.Second
)

// MasterClient talks to the render master HTTP API.
type MasterClient interface {
	SubmitJob(ctx context.Context, payload model.Payload) (*model.JobRecord, error)
	GetJob(ctx context.Context, id model.JobID) (*model.JobRecord, error)
	ListJobs(ctx context.Context, statuses ...model.JobStatus) ([]model.JobSummary, error)
	// PollJobs returns the jobs assigned to worker, waiting up to wait for one.
	PollJobs(ctx context.Context, worker model.WorkerID, wait time.Duration) ([]*model.JobRecord, error)
	UpdateJob(ctx context.Context, id model.JobID, req *model.UpdateRequest) (*model.JobRecord, error)
	DeleteJob(ctx context.Context, id model.JobID) (*model.DeleteResponse, error)

	Heartbeat(ctx context.Context, worker model.WorkerID, hb model.Heartbeat) (*model.WorkerInfo, error)
	ListWorkers(ctx context.Context) ([]*model.WorkerInfo, error)
	Health(ctx context.Context) (*model.HealthResponse, error)
}

type masterClient struct {
	baseURL    string
	httpClient *http.Client

	maxAttempts int
	backoff     time.Duration
}

// Option configures the client.
type Option func(*masterClient)

// WithHTTPClient replaces the underlying http client.
func WithHTTPClient(cli *http.Client) Option {
	return func(c *masterClient) {
		c.httpClient = cli
	}
}

// WithRetry sets the attempts of a request and the first backoff, which
// doubles after every failed attempt.
func WithRetry(maxAttempts int, backoff time.Duration) Option {
	return func(c *masterClient) {
		if maxAttempts > 0 {
			c.maxAttempts = maxAttempts
		}
		c.backoff = backoff
	}
}

// NewMasterClient creates a client of the master at addr, either a URL or a
// host:port.
func NewMasterClient(addr string, opts ...Option) MasterClient {
	if !strings.Contains(addr, "://") {
		addr = "http://" + addr
	}
	c := &masterClient{
		baseURL:     strings.TrimRight(addr, "/"),
		httpClient:  &http.Client{Timeout: defaultRequestTimeout},
		maxAttempts: defaultMaxAttempts,
		backoff:     defaultBackoff,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *masterClient) SubmitJob(ctx context.Context, payload model.Payload) (*model.JobRecord, error) {
	rec := &model.JobRecord{}
	err := c.do(ctx, http.MethodPost, "/jobs", nil, []byte(payload), rec)
	if err != nil {
		return nil, err
	}
	return rec, nil
}

func (c *masterClient) GetJob(ctx context.Context, id model.JobID) (*model.JobRecord, error) {
	rec := &model.JobRecord{}
	if err := c.do(ctx, http.MethodGet, "/jobs/"+url.PathEscape(id), nil, nil, rec); err != nil {
		return nil, err
	}
	return rec, nil
}

func (c *masterClient) ListJobs(ctx context.Context, statuses ...model.JobStatus) ([]model.JobSummary, error) {
	query := url.Values{}
	for _, s := range statuses {
		query.Add("status", string(s))
	}
	resp := &model.JobListResponse{}
	if err := c.do(ctx, http.MethodGet, "/jobs", query, nil, resp); err != nil {
		return nil, err
	}
	return resp.Jobs, nil
}

func (c *masterClient) PollJobs(ctx context.Context, worker model.WorkerID, wait time.Duration) ([]*model.JobRecord, error) {
	query := url.Values{}
	query.Set("worker", worker)
	query.Set("status", string(model.JobAssigned))
	if wait > 0 {
		query.Set("wait", wait.String())
	}
	resp := &model.WorkQueueResponse{}
	if err := c.do(ctx, http.MethodGet, "/jobs", query, nil, resp); err != nil {
		return nil, err
	}
	return resp.Jobs, nil
}

func (c *masterClient) UpdateJob(ctx context.Context, id model.JobID, req *model.UpdateRequest) (*model.JobRecord, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, cerrors.Trace(err)
	}
	rec := &model.JobRecord{}
	if err := c.do(ctx, http.MethodPut, "/jobs/"+url.PathEscape(id), nil, body, rec); err != nil {
		return nil, err
	}
	return rec, nil
}

func (c *masterClient) DeleteJob(ctx context.Context, id model.JobID) (*model.DeleteResponse, error) {
	resp := &model.DeleteResponse{}
	if err := c.do(ctx, http.MethodDelete, "/jobs/"+url.PathEscape(id), nil, nil, resp); err != nil {
		return nil, err
	}
	return resp, nil
}

func (c *masterClient) Heartbeat(ctx context.Context, worker model.WorkerID, hb model.Heartbeat) (*model.WorkerInfo, error) {
	body, err := json.Marshal(hb)
	if err != nil {
		return nil, cerrors.Trace(err)
	}
	info := &model.WorkerInfo{}
	path := "/workers/" + url.PathEscape(worker) + "/heartbeat"
	if err := c.do(ctx, http.MethodPost, path, nil, body, info); err != nil {
		return nil, err
	}
	return info, nil
}

func (c *masterClient) ListWorkers(ctx context.Context) ([]*model.WorkerInfo, error) {
	resp := &model.WorkerListResponse{}
	if err := c.do(ctx, http.MethodGet, "/workers", nil, nil, resp); err != nil {
		return nil, err
	}
	return resp.Workers, nil
}

func (c *masterClient) Health(ctx context.Context) (*model.HealthResponse, error) {
	resp := &model.HealthResponse{}
	if err := c.do(ctx, http.MethodGet, "/health", nil, nil, resp); err != nil {
		return nil, err
	}
	return resp, nil
}

// do sends a request, retrying transport failures and 5xx responses with a
// doubling backoff. API errors are returned as the typed errors the master
// raised.
func (c *masterClient) do(ctx context.Context, method, path string, query url.Values, body []byte, out interface{}) error {
	target := c.baseURL + path
	if len(query) > 0 {
		target += "?" + query.Encode()
	}

	backoff := c.backoff
	var lastErr error
	for attempt := 1; attempt <= c.maxAttempts; attempt++ {
		retryable, err := c.doOnce(ctx, method, target, body, out)
		if err == nil {
			return nil
		}
		lastErr = err
		if !retryable || attempt == c.maxAttempts {
			break
		}
		log.L().Warn("master request failed, retrying",
			zap.String("method", method),
			zap.String("path", path),
			zap.Int("attempt", attempt),
			zap.Duration("backoff", backoff),
			zap.Error(err))
		select {
		case <-ctx.Done():
			return cerrors.Trace(ctx.Err())
		case <-time.After(backoff):
		}
		backoff *= 2
	}
	return lastErr
}

func (c *masterClient) doOnce(ctx context.Context, method, target string, body []byte, out interface{}) (retryable bool, err error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, target, reader)
	if err != nil {
		return false, cerrors.Trace(err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return false, cerrors.Trace(ctx.Err())
		}
		return true, cerrors.ErrAPIRequestFailed.Wrap(err).GenWithStackByArgs(method, target)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return true, cerrors.ErrAPIRequestFailed.Wrap(err).GenWithStackByArgs(method, target)
	}
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		if out == nil {
			return false, nil
		}
		if err := json.Unmarshal(data, out); err != nil {
			return false, cerrors.ErrAPIUnexpectedResp.GenWithStackByArgs(resp.StatusCode, err.Error())
		}
		return false, nil
	}

	retryable = resp.StatusCode >= http.StatusInternalServerError
	var errResp model.ErrorResponse
	if json.Unmarshal(data, &errResp) == nil && errResp.Code != "" {
		return retryable, cerrors.FromRFCCode(errResp.Code, errResp.Error)
	}
	return retryable, cerrors.ErrAPIUnexpectedResp.GenWithStackByArgs(resp.StatusCode, strings.TrimSpace(string(data)))
}

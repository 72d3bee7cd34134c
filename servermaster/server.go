package servermaster

import (
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/pingcap/log"
	"go.uber.org/zap"

	"github.com/hanfei1991/renderfarm/model"
	cerrors "github.com/hanfei1991/renderfarm/pkg/errors"
	"github.com/hanfei1991/renderfarm/pkg/jobstore"
	"github.com/hanfei1991/renderfarm/pkg/promutil"
)

const maxRequestBodySize = 1 << 20

// Server exposes the JobManager over HTTP.
type Server struct {
	jm       *JobManager
	registry *promutil.Registry
	// longPollLimit caps the wait parameter of a poll
	longPollLimit time.Duration
}

// NewServer creates a Server.
func NewServer(jm *JobManager, registry *promutil.Registry, longPollLimit time.Duration) *Server {
	return &Server{
		jm:            jm,
		registry:      registry,
		longPollLimit: longPollLimit,
	}
}

// Handler returns the router with every route registered.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(logRequest)

	r.Get("/jobs", s.listJobs)
	r.Post("/jobs", s.submitJob)
	r.Get("/jobs/{id}", s.getJob)
	r.Put("/jobs/{id}", s.updateJob)
	r.Delete("/jobs/{id}", s.deleteJob)

	r.Get("/workers", s.listWorkers)
	r.Post("/workers/{id}/heartbeat", s.heartbeat)

	r.Get("/health", s.health)
	if s.registry != nil {
		r.Handle("/metrics", promutil.HTTPHandlerForMetric(s.registry))
	}
	return r
}

func (s *Server) listJobs(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	var statuses []model.JobStatus
	for _, raw := range query["status"] {
		for _, item := range splitList(raw) {
			status := model.JobStatus(strings.ToLower(item))
			if !status.Valid() {
				s.writeError(w, r, "", cerrors.ErrInvalidArgument.GenWithStackByArgs("unknown status "+item))
				return
			}
			statuses = append(statuses, status)
		}
	}
	worker := query.Get("worker")

	var wait time.Duration
	if raw := query.Get("wait"); raw != "" {
		d, err := time.ParseDuration(raw)
		if err != nil || d < 0 {
			s.writeError(w, r, "", cerrors.ErrInvalidArgument.GenWithStackByArgs("invalid wait "+raw))
			return
		}
		if d > s.longPollLimit {
			d = s.longPollLimit
		}
		wait = d
	}

	if worker == "" {
		jobs, err := s.jm.List(r.Context(), jobstore.Filter{Statuses: statuses})
		if err != nil {
			s.writeError(w, r, "", err)
			return
		}
		resp := model.JobListResponse{Jobs: make([]model.JobSummary, 0, len(jobs))}
		for _, rec := range jobs {
			resp.Jobs = append(resp.Jobs, rec.Summary())
		}
		writeJSON(w, http.StatusOK, resp)
		return
	}

	var (
		jobs []*model.JobRecord
		err  error
	)
	if len(statuses) == 1 && statuses[0] == model.JobAssigned {
		jobs, err = s.jm.WaitForWork(r.Context(), worker, wait)
	} else {
		jobs, err = s.jm.List(r.Context(), jobstore.Filter{Worker: worker, Statuses: statuses})
	}
	if err != nil {
		if r.Context().Err() != nil {
			// the client went away or the server is shutting down
			return
		}
		s.writeError(w, r, "", err)
		return
	}
	if jobs == nil {
		jobs = []*model.JobRecord{}
	}
	writeJSON(w, http.StatusOK, model.WorkQueueResponse{Jobs: jobs})
}

func (s *Server) submitJob(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxRequestBodySize))
	if err != nil {
		s.writeError(w, r, "", cerrors.ErrInvalidPayload.GenWithStackByArgs(err.Error()))
		return
	}
	rec, err := s.jm.Submit(r.Context(), body)
	if err != nil {
		s.writeError(w, r, "", err)
		return
	}
	writeJSON(w, http.StatusCreated, rec)
}

func (s *Server) getJob(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	rec, err := s.jm.Get(r.Context(), id)
	if err != nil {
		s.writeError(w, r, id, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) updateJob(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var req model.UpdateRequest
	if err := decodeBody(w, r, &req); err != nil {
		s.writeError(w, r, id, err)
		return
	}

	ctx := r.Context()
	var (
		rec *model.JobRecord
		err error
	)
	switch req.Status {
	case "":
		if req.Progress == nil {
			err = cerrors.ErrInvalidArgument.GenWithStackByArgs("either status or progress is required")
			break
		}
		rec, err = s.jm.ReportProgress(ctx, id, req.Worker, *req.Progress, req.Message)
	case model.JobRunning:
		if req.Progress != nil {
			rec, err = s.jm.ReportProgress(ctx, id, req.Worker, *req.Progress, req.Message)
			break
		}
		rec, err = s.jm.Claim(ctx, id, req.Worker)
	case model.JobSucceeded:
		rec, err = s.jm.ReportTerminal(ctx, id, req.Worker, Outcome{
			Succeeded: true,
			Output:    req.Output,
			Message:   req.Message,
		})
	case model.JobFailed:
		rec, err = s.jm.ReportTerminal(ctx, id, req.Worker, Outcome{
			Error:   req.Error,
			Message: req.Message,
		})
	case model.JobQueued:
		if req.Worker != "" {
			rec, err = s.jm.RequeueIfOwned(ctx, id, req.Worker, req.Message)
			break
		}
		rec, err = s.jm.Requeue(ctx, id, req.Message)
	case model.JobCancelled:
		rec, err = s.jm.Cancel(ctx, id)
	default:
		err = cerrors.ErrInvalidArgument.GenWithStackByArgs("unsupported target status " + string(req.Status))
	}
	if err != nil {
		s.writeError(w, r, id, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) deleteJob(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	res, err := s.jm.Delete(r.Context(), id)
	if err != nil {
		s.writeError(w, r, id, err)
		return
	}
	writeJSON(w, http.StatusOK, model.DeleteResponse{ID: id, Removed: res.Removed, Job: res.Record})
}

func (s *Server) listWorkers(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, model.WorkerListResponse{Workers: s.jm.Workers()})
}

func (s *Server) heartbeat(w http.ResponseWriter, r *http.Request) {
	var hb model.Heartbeat
	if err := decodeBody(w, r, &hb); err != nil {
		s.writeError(w, r, "", err)
		return
	}
	info, err := s.jm.Heartbeat(r.Context(), chi.URLParam(r, "id"), hb)
	if err != nil {
		s.writeError(w, r, "", err)
		return
	}
	writeJSON(w, http.StatusOK, info)
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, model.HealthResponse{
		Status:           "healthy",
		CorruptedRecords: len(s.jm.Corrupted()),
		Jobs:             s.jm.store.CountByStatus(),
	})
}

// decodeBody decodes a JSON body, an empty body leaves v untouched.
func decodeBody(w http.ResponseWriter, r *http.Request, v interface{}) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBodySize))
	if err := dec.Decode(v); err != nil && err != io.EOF {
		return cerrors.ErrInvalidArgument.GenWithStackByArgs("malformed request body: " + err.Error())
	}
	return nil
}

func httpStatus(err error) int {
	switch {
	case cerrors.Is(err, cerrors.ErrJobNotFound):
		return http.StatusNotFound
	case cerrors.Is(err, cerrors.ErrInvalidTransition), cerrors.Is(err, cerrors.ErrJobConflict):
		return http.StatusConflict
	case cerrors.Is(err, cerrors.ErrInvalidPayload), cerrors.Is(err, cerrors.ErrInvalidArgument):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, id model.JobID, err error) {
	status := httpStatus(err)
	resp := model.ErrorResponse{
		Code:  cerrors.RFCCode(err),
		Error: err.Error(),
	}
	if cerrors.Is(err, cerrors.ErrInvalidTransition) && id != "" {
		if rec, getErr := s.jm.Get(r.Context(), id); getErr == nil {
			for _, ev := range AllowedEvents(rec.Status) {
				resp.AllowedTransitions = append(resp.AllowedTransitions, string(ev))
			}
		}
	}
	if status == http.StatusInternalServerError {
		log.L().Error("request failed",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Error(err))
	}
	writeJSON(w, status, resp)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.L().Warn("write response failed", zap.Error(err))
	}
}

func logRequest(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		log.L().Debug("http request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Duration("duration", time.Since(start)))
	})
}

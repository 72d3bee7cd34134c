package model

// UpdateRequest is the body of PUT /jobs/{id}. The target status selects the
// event: running claims (or reports progress when Progress is set), an empty
// status reports progress, succeeded and failed finish the job, queued
// requeues and cancelled cancels.
type UpdateRequest struct {
	Status   JobStatus `json:"status,omitempty"`
	Worker   WorkerID  `json:"worker,omitempty"`
	Progress *float64  `json:"progress,omitempty"`
	Message  string    `json:"message,omitempty"`
	Output   string    `json:"output,omitempty"`
	Error    string    `json:"error,omitempty"`
}

// ErrorResponse is the body of every failed request.
type ErrorResponse struct {
	Code               string   `json:"code"`
	Error              string   `json:"error"`
	AllowedTransitions []string `json:"allowed_transitions,omitempty"`
}

// JobListResponse is the body of GET /jobs without a worker filter.
type JobListResponse struct {
	Jobs []JobSummary `json:"jobs"`
}

// WorkQueueResponse is the body of GET /jobs with a worker filter.
type WorkQueueResponse struct {
	Jobs []*JobRecord `json:"jobs"`
}

// DeleteResponse is the body of DELETE /jobs/{id}. Job is the cancelled
// record when the job was active.
type DeleteResponse struct {
	ID      JobID      `json:"id"`
	Removed bool       `json:"removed"`
	Job     *JobRecord `json:"job,omitempty"`
}

// WorkerListResponse is the body of GET /workers.
type WorkerListResponse struct {
	Workers []*WorkerInfo `json:"workers"`
}

// HealthResponse is the body of GET /health.
type HealthResponse struct {
	Status           string            `json:"status"`
	CorruptedRecords int               `json:"corrupted_records"`
	Jobs             map[JobStatus]int `json:"jobs"`
}

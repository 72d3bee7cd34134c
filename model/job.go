package model

import (
	"encoding/json"
	"time"
)

// JobID identifies a render job. It is assigned at creation and never changes.
type JobID = string

// WorkerID is the identity a render worker polls with.
type WorkerID = string

// JobStatus is the lifecycle state of a job.
type JobStatus string

const (
	// JobQueued means the job was submitted and no worker is bound yet.
	JobQueued JobStatus = "queued"
	// JobAssigned means a worker was chosen and the job awaits its claim.
	JobAssigned JobStatus = "assigned"
	// JobRunning means the assigned worker claimed the job and executes it.
	JobRunning JobStatus = "running"
	// JobSucceeded is terminal.
	JobSucceeded JobStatus = "succeeded"
	// JobFailed is terminal.
	JobFailed JobStatus = "failed"
	// JobCancelled is terminal.
	JobCancelled JobStatus = "cancelled"
)

// AllJobStatuses lists every status in lifecycle order.
var AllJobStatuses = []JobStatus{
	JobQueued, JobAssigned, JobRunning, JobSucceeded, JobFailed, JobCancelled,
}

// Valid reports whether s is a known status.
func (s JobStatus) Valid() bool {
	for _, known := range AllJobStatuses {
		if s == known {
			return true
		}
	}
	return false
}

// IsTerminal reports whether no further transition is allowed from s.
func (s JobStatus) IsTerminal() bool {
	return s == JobSucceeded || s == JobFailed || s == JobCancelled
}

// IsActive reports whether s binds a worker, i.e. the worker is busy.
func (s JobStatus) IsActive() bool {
	return s == JobAssigned || s == JobRunning
}

// Payload holds the opaque job parameters. The coordinator carries it
// without looking inside.
type Payload = json.RawMessage

// JobRecord is the persisted unit of work.
type JobRecord struct {
	ID             JobID     `json:"id"`
	Status         JobStatus `json:"status"`
	AssignedWorker WorkerID  `json:"assigned_worker"`
	Payload        Payload   `json:"payload"`
	Progress       float64   `json:"progress"`
	StatusMessage  string    `json:"status_message,omitempty"`
	ErrorDetail    string    `json:"error_detail,omitempty"`
	OutputLocation string    `json:"output_location,omitempty"`
	RequeueCount   int       `json:"requeue_count"`

	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// Clone returns a deep copy of the record.
func (r *JobRecord) Clone() *JobRecord {
	if r == nil {
		return nil
	}
	c := *r
	if r.Payload != nil {
		c.Payload = append(Payload(nil), r.Payload...)
	}
	if r.StartedAt != nil {
		t := *r.StartedAt
		c.StartedAt = &t
	}
	if r.CompletedAt != nil {
		t := *r.CompletedAt
		c.CompletedAt = &t
	}
	return &c
}

// Summary returns the reduced view used by job listings.
func (r *JobRecord) Summary() JobSummary {
	return JobSummary{
		ID:             r.ID,
		Status:         r.Status,
		AssignedWorker: r.AssignedWorker,
		Progress:       r.Progress,
	}
}

// JobSummary is the listing view of a job.
type JobSummary struct {
	ID             JobID     `json:"id"`
	Status         JobStatus `json:"status"`
	AssignedWorker WorkerID  `json:"assigned_worker"`
	Progress       float64   `json:"progress"`
}

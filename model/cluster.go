package model

import "time"

// Self-reported worker states.
const (
	WorkerStatusIdle      = "idle"
	WorkerStatusRendering = "rendering"
)

// WorkerInfo describes a render worker known to the master.
type WorkerInfo struct {
	ID WorkerID `json:"id"`

	// Static is true for workers listed in the master configuration.
	Static bool `json:"static"`

	// Status is the self-reported state of the last heartbeat, e.g. "idle" or "rendering".
	Status     string    `json:"status,omitempty"`
	LastSeen   time.Time `json:"last_seen,omitempty"`
	Online     bool      `json:"online"`
	CurrentJob JobID     `json:"current_job,omitempty"`
}

// Heartbeat is sent periodically by a worker.
type Heartbeat struct {
	Status     string `json:"status"`
	CurrentJob JobID  `json:"current_job,omitempty"`
}

package servermaster

import (
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/hanfei1991/renderfarm/model"
	cerrors "github.com/hanfei1991/renderfarm/pkg/errors"
)

// EventType names a lifecycle event of a job.
type EventType string

const (
	EventAssign   EventType = "assign"
	EventClaim    EventType = "claim"
	EventProgress EventType = "progress"
	EventComplete EventType = "complete"
	EventFail     EventType = "fail"
	EventRequeue  EventType = "requeue"
	EventCancel   EventType = "cancel"
)

// Event is one request to move a job through its lifecycle.
type Event struct {
	Type EventType
	// Worker is the acting worker for claim, progress, complete and fail and
	// the chosen worker for assign.
	Worker   model.WorkerID
	Progress float64
	Message  string
	Output   string
	Error    string
}

var fsmTable = map[model.JobStatus]map[EventType]model.JobStatus{
	model.JobQueued: {
		EventAssign: model.JobAssigned,
		EventCancel: model.JobCancelled,
	},
	model.JobAssigned: {
		EventClaim:   model.JobRunning,
		EventRequeue: model.JobQueued,
		EventCancel:  model.JobCancelled,
	},
	model.JobRunning: {
		EventProgress: model.JobRunning,
		EventComplete: model.JobSucceeded,
		EventFail:     model.JobFailed,
		EventRequeue:  model.JobQueued,
		EventCancel:   model.JobCancelled,
	},
}

var eventOrder = []EventType{
	EventAssign, EventClaim, EventProgress, EventComplete, EventFail, EventRequeue, EventCancel,
}

// AllowedEvents lists the events accepted from status, empty for terminal
// statuses.
func AllowedEvents(status model.JobStatus) []EventType {
	ret := make([]EventType, 0, len(eventOrder))
	for _, ev := range eventOrder {
		if _, ok := fsmTable[status][ev]; ok {
			ret = append(ret, ev)
		}
	}
	return ret
}

func invalidTransition(rec *model.JobRecord, ev EventType, format string, args ...interface{}) error {
	detail := fmt.Sprintf(format, args...)
	allowed := AllowedEvents(rec.Status)
	names := make([]string, 0, len(allowed))
	for _, a := range allowed {
		names = append(names, string(a))
	}
	return cerrors.ErrInvalidTransition.GenWithStackByArgs(rec.ID,
		fmt.Sprintf("%s on %s job: %s (allowed: [%s])", ev, rec.Status, detail, strings.Join(names, ",")))
}

// Transition validates ev against rec and applies it in place. rec is left
// untouched when an error is returned.
func Transition(rec *model.JobRecord, ev Event, now time.Time) error {
	next, ok := fsmTable[rec.Status][ev.Type]
	if !ok {
		if rec.Status.IsTerminal() {
			return invalidTransition(rec, ev.Type, "job already finished")
		}
		return invalidTransition(rec, ev.Type, "event not allowed")
	}

	switch ev.Type {
	case EventAssign:
		if ev.Worker == "" {
			return invalidTransition(rec, ev.Type, "no worker given")
		}
	case EventClaim:
		if ev.Worker == "" || ev.Worker != rec.AssignedWorker {
			return invalidTransition(rec, ev.Type, "job no longer available to worker %q", ev.Worker)
		}
	case EventProgress:
		if ev.Worker != rec.AssignedWorker {
			return invalidTransition(rec, ev.Type, "worker %q does not own the job", ev.Worker)
		}
		if math.IsNaN(ev.Progress) || ev.Progress < 0 || ev.Progress > 1 {
			return invalidTransition(rec, ev.Type, "progress %v out of range [0,1]", ev.Progress)
		}
		if ev.Progress < rec.Progress {
			return invalidTransition(rec, ev.Type, "progress %v is below current %v", ev.Progress, rec.Progress)
		}
	case EventComplete, EventFail:
		if ev.Worker != rec.AssignedWorker {
			return invalidTransition(rec, ev.Type, "worker %q does not own the job", ev.Worker)
		}
	}

	switch ev.Type {
	case EventAssign:
		rec.AssignedWorker = ev.Worker
	case EventClaim:
		rec.StartedAt = timePtr(now)
		if ev.Message != "" {
			rec.StatusMessage = ev.Message
		}
	case EventProgress:
		rec.Progress = ev.Progress
		if ev.Message != "" {
			rec.StatusMessage = ev.Message
		}
	case EventComplete:
		rec.Progress = 1
		rec.OutputLocation = ev.Output
		if ev.Message != "" {
			rec.StatusMessage = ev.Message
		}
		rec.CompletedAt = timePtr(now)
	case EventFail:
		rec.ErrorDetail = ev.Error
		if ev.Message != "" {
			rec.StatusMessage = ev.Message
		}
		rec.CompletedAt = timePtr(now)
	case EventRequeue:
		rec.AssignedWorker = ""
		rec.Progress = 0
		rec.StatusMessage = ev.Message
		rec.ErrorDetail = ""
		rec.StartedAt = nil
		rec.RequeueCount++
	case EventCancel:
		if ev.Message != "" {
			rec.StatusMessage = ev.Message
		}
		rec.CompletedAt = timePtr(now)
	}
	rec.Status = next
	return nil
}

func timePtr(t time.Time) *time.Time {
	return &t
}

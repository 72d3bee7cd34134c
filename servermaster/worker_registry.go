package servermaster

import (
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/pingcap/log"
	"go.uber.org/zap"

	"github.com/hanfei1991/renderfarm/model"
	cerrors "github.com/hanfei1991/renderfarm/pkg/errors"
)

// WorkerRegistry holds the render workers known to the master, in the order
// they were first seen. Workers listed in the configuration come first.
type WorkerRegistry struct {
	clock clock.Clock
	// timeout is the silence after which a worker is offline, zero means
	// every known worker is always online
	timeout time.Duration

	mu      sync.RWMutex
	order   []model.WorkerID
	workers map[model.WorkerID]*model.WorkerInfo
}

// NewWorkerRegistry creates a registry seeded with static workers.
func NewWorkerRegistry(static []model.WorkerID, timeout time.Duration, clk clock.Clock) *WorkerRegistry {
	r := &WorkerRegistry{
		clock:   clk,
		timeout: timeout,
		workers: make(map[model.WorkerID]*model.WorkerInfo),
	}
	for _, id := range static {
		if id == "" {
			continue
		}
		if _, ok := r.workers[id]; ok {
			continue
		}
		r.order = append(r.order, id)
		r.workers[id] = &model.WorkerInfo{ID: id, Static: true}
	}
	return r
}

// Heartbeat records that a worker is alive, registering it if it is new.
func (r *WorkerRegistry) Heartbeat(id model.WorkerID, hb model.Heartbeat) (*model.WorkerInfo, error) {
	if id == "" {
		return nil, cerrors.ErrInvalidArgument.GenWithStackByArgs("empty worker id")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	info, ok := r.workers[id]
	if !ok {
		info = &model.WorkerInfo{ID: id}
		r.workers[id] = info
		r.order = append(r.order, id)
		log.L().Info("render worker registered", zap.String("worker-id", id))
	}
	info.LastSeen = r.clock.Now()
	info.Status = hb.Status
	info.CurrentJob = hb.CurrentJob
	return r.snapshotLocked(info), nil
}

// Known returns every known worker in first-seen order.
func (r *WorkerRegistry) Known() []model.WorkerID {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]model.WorkerID(nil), r.order...)
}

// IsOnline reports whether the worker is known and, when liveness is
// tracked, heard from recently.
func (r *WorkerRegistry) IsOnline(id model.WorkerID) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	info, ok := r.workers[id]
	if !ok {
		return false
	}
	return r.onlineLocked(info)
}

// TracksLiveness reports whether heartbeats decide if a worker is online.
func (r *WorkerRegistry) TracksLiveness() bool {
	return r.timeout > 0
}

// List returns a snapshot of all workers in first-seen order.
func (r *WorkerRegistry) List() []*model.WorkerInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ret := make([]*model.WorkerInfo, 0, len(r.order))
	for _, id := range r.order {
		ret = append(ret, r.snapshotLocked(r.workers[id]))
	}
	return ret
}

// OnlineCount returns the number of online workers.
func (r *WorkerRegistry) OnlineCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n := 0
	for _, info := range r.workers {
		if r.onlineLocked(info) {
			n++
		}
	}
	return n
}

func (r *WorkerRegistry) onlineLocked(info *model.WorkerInfo) bool {
	if r.timeout <= 0 {
		return true
	}
	if info.LastSeen.IsZero() {
		return false
	}
	return r.clock.Since(info.LastSeen) <= r.timeout
}

func (r *WorkerRegistry) snapshotLocked(info *model.WorkerInfo) *model.WorkerInfo {
	ret := *info
	ret.Online = r.onlineLocked(info)
	return &ret
}

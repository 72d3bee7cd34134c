// Package jobstore persists job records on a kvclient backend.
//
// Every record lives under JobKeyPrefix+id as one JSON document. The store
// keeps a cached copy of each record next to the backend mod revision it was
// read at; reads are served from the cache, writes are compare-and-put on
// that revision so a writer outside this process turns into ErrJobConflict
// instead of a lost update.
package jobstore

import (
	"bytes"
	"context"
	"encoding/json"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/pingcap/errors"
	"github.com/pingcap/log"
	"go.uber.org/zap"

	"github.com/hanfei1991/renderfarm/model"
	"github.com/hanfei1991/renderfarm/pkg/autoid"
	cerrors "github.com/hanfei1991/renderfarm/pkg/errors"
	"github.com/hanfei1991/renderfarm/pkg/meta/kvclient"
)

// JobKeyPrefix is the key prefix of all job records.
const JobKeyPrefix = "/render/jobs/"

// JobKey returns the backend key of a job.
func JobKey(id model.JobID) string {
	return JobKeyPrefix + id
}

// Mutator changes a private copy of a record. Returning an error aborts the
// update and nothing is written.
type Mutator func(rec *model.JobRecord) error

// Filter selects records in List. Zero fields match everything.
type Filter struct {
	Worker   model.WorkerID
	Statuses []model.JobStatus
}

// Match reports whether rec passes the filter.
func (f Filter) Match(rec *model.JobRecord) bool {
	if f.Worker != "" && rec.AssignedWorker != f.Worker {
		return false
	}
	if len(f.Statuses) == 0 {
		return true
	}
	for _, st := range f.Statuses {
		if rec.Status == st {
			return true
		}
	}
	return false
}

// CorruptedRecord describes a stored record that could not be used.
type CorruptedRecord struct {
	ID     model.JobID `json:"id"`
	Reason string      `json:"reason"`
}

type entry struct {
	mu sync.Mutex

	rec *model.JobRecord
	rev int64
	// corrupt is the reason the stored value was rejected, rec is nil then
	corrupt string
	deleted bool
}

// Store is the job record store. It is safe for concurrent use; operations
// on one id are serialised, operations on different ids never wait for each
// other.
type Store struct {
	cli   kvclient.KV
	clock clock.Clock
	ids   autoid.JobIDAllocator

	mu      sync.RWMutex
	entries map[model.JobID]*entry
}

// Option configures a Store.
type Option func(*Store)

// WithClock sets the time source used for timestamps.
func WithClock(clk clock.Clock) Option {
	return func(s *Store) {
		s.clock = clk
	}
}

// WithIDAllocator sets the allocator of new job ids.
func WithIDAllocator(ids autoid.JobIDAllocator) Option {
	return func(s *Store) {
		s.ids = ids
	}
}

// NewStore creates an empty store on cli. Call Load before serving to pick up
// records written earlier.
func NewStore(cli kvclient.KV, opts ...Option) *Store {
	s := &Store{
		cli:     cli,
		clock:   clock.New(),
		ids:     autoid.NewUUIDAllocator(),
		entries: make(map[model.JobID]*entry),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Load rebuilds the record set from the backend. Records that cannot be
// parsed or fail validation are kept as corrupted: Get and Update report
// ErrJobRecordCorrupted for them, List skips them and Delete removes them.
func (s *Store) Load(ctx context.Context) error {
	rsp, err := s.cli.Get(ctx, JobKeyPrefix, kvclient.WithPrefix())
	if err != nil {
		return errors.Trace(err)
	}

	entries := make(map[model.JobID]*entry, len(rsp.Kvs))
	for _, kv := range rsp.Kvs {
		id := strings.TrimPrefix(string(kv.Key), JobKeyPrefix)
		e := &entry{rev: kv.ModRevision}
		rec, reason := decodeRecord(id, kv.Value)
		if reason != "" {
			log.L().Warn("job record is corrupted",
				zap.String("job-id", id),
				zap.String("reason", reason))
			e.corrupt = reason
		} else {
			e.rec = rec
		}
		entries[id] = e
	}

	s.mu.Lock()
	s.entries = entries
	s.mu.Unlock()

	log.L().Info("job records loaded", zap.Int("count", len(entries)))
	return nil
}

// Create stores a new queued job carrying payload.
func (s *Store) Create(ctx context.Context, payload model.Payload) (*model.JobRecord, error) {
	var buf bytes.Buffer
	if len(bytes.TrimSpace(payload)) == 0 {
		return nil, cerrors.ErrInvalidPayload.GenWithStackByArgs("payload is empty")
	}
	if err := json.Compact(&buf, payload); err != nil {
		return nil, cerrors.ErrInvalidPayload.GenWithStackByArgs(err.Error())
	}

	now := s.clock.Now()
	rec := &model.JobRecord{
		ID:        s.ids.AllocJobID(),
		Status:    model.JobQueued,
		Payload:   model.Payload(buf.Bytes()),
		CreatedAt: now,
		UpdatedAt: now,
	}

	e := &entry{}
	e.mu.Lock()
	defer e.mu.Unlock()

	s.mu.Lock()
	if _, ok := s.entries[rec.ID]; ok {
		s.mu.Unlock()
		return nil, cerrors.ErrJobConflict.GenWithStackByArgs(rec.ID)
	}
	s.entries[rec.ID] = e
	s.mu.Unlock()

	rev, err := s.put(ctx, rec, 0)
	if err != nil {
		s.dropLocked(rec.ID, e)
		if kvclient.IsRevisionMismatch(err) {
			return nil, cerrors.ErrJobConflict.GenWithStackByArgs(rec.ID)
		}
		return nil, err
	}
	e.rec = rec
	e.rev = rev
	return rec.Clone(), nil
}

// Get returns a copy of the record.
func (s *Store) Get(ctx context.Context, id model.JobID) (*model.JobRecord, error) {
	e, err := s.lockEntry(id)
	if err != nil {
		return nil, err
	}
	defer e.mu.Unlock()
	return e.rec.Clone(), nil
}

// List returns copies of the matching records ordered by creation time, ties
// broken by id.
func (s *Store) List(ctx context.Context, filter Filter) ([]*model.JobRecord, error) {
	ret := make([]*model.JobRecord, 0)
	for _, e := range s.snapshot() {
		e.mu.Lock()
		if !e.deleted && e.rec != nil && filter.Match(e.rec) {
			ret = append(ret, e.rec.Clone())
		}
		e.mu.Unlock()
	}
	sort.Slice(ret, func(i, j int) bool {
		if !ret[i].CreatedAt.Equal(ret[j].CreatedAt) {
			return ret[i].CreatedAt.Before(ret[j].CreatedAt)
		}
		return ret[i].ID < ret[j].ID
	})
	return ret, nil
}

// Update applies mutate to a copy of the record and writes it back. The id
// and creation time cannot be changed and updated_at always advances.
func (s *Store) Update(ctx context.Context, id model.JobID, mutate Mutator) (*model.JobRecord, error) {
	e, err := s.lockEntry(id)
	if err != nil {
		return nil, err
	}
	defer e.mu.Unlock()

	prev := e.rec
	next := prev.Clone()
	if err := mutate(next); err != nil {
		return nil, err
	}
	next.ID = prev.ID
	next.CreatedAt = prev.CreatedAt
	next.UpdatedAt = s.clock.Now()
	if !next.UpdatedAt.After(prev.UpdatedAt) {
		next.UpdatedAt = prev.UpdatedAt.Add(time.Nanosecond)
	}

	rev, err := s.put(ctx, next, e.rev)
	if err != nil {
		if kvclient.IsRevisionMismatch(err) {
			s.refreshLocked(ctx, id, e)
			return nil, cerrors.ErrJobConflict.GenWithStackByArgs(id)
		}
		return nil, err
	}
	e.rec = next
	e.rev = rev
	return next.Clone(), nil
}

// Delete removes the record.
func (s *Store) Delete(ctx context.Context, id model.JobID) error {
	return s.DeleteIf(ctx, id, nil)
}

// DeleteIf removes the record when precondition accepts a copy of it. The
// precondition is skipped for corrupted records so that an operator can
// always clear them.
func (s *Store) DeleteIf(ctx context.Context, id model.JobID, precondition func(rec *model.JobRecord) error) error {
	e, err := s.lockEntryAllowCorrupt(id)
	if err != nil {
		return err
	}
	defer e.mu.Unlock()

	if e.rec != nil && precondition != nil {
		if err := precondition(e.rec.Clone()); err != nil {
			return err
		}
	}

	if _, err := s.cli.Delete(ctx, JobKey(id), kvclient.WithRevision(e.rev)); err != nil {
		if kvclient.IsRevisionMismatch(err) {
			s.refreshLocked(ctx, id, e)
			return cerrors.ErrJobConflict.GenWithStackByArgs(id)
		}
		return err
	}
	s.dropLocked(id, e)
	return nil
}

// Corrupted lists the records rejected by Load, ordered by id.
func (s *Store) Corrupted() []CorruptedRecord {
	var ret []CorruptedRecord
	for id, e := range s.snapshot() {
		e.mu.Lock()
		if !e.deleted && e.corrupt != "" {
			ret = append(ret, CorruptedRecord{ID: id, Reason: e.corrupt})
		}
		e.mu.Unlock()
	}
	sort.Slice(ret, func(i, j int) bool { return ret[i].ID < ret[j].ID })
	return ret
}

// CountByStatus returns the number of readable records per status.
func (s *Store) CountByStatus() map[model.JobStatus]int {
	ret := make(map[model.JobStatus]int, len(model.AllJobStatuses))
	for _, st := range model.AllJobStatuses {
		ret[st] = 0
	}

	for _, e := range s.snapshot() {
		e.mu.Lock()
		if !e.deleted && e.rec != nil {
			ret[e.rec.Status]++
		}
		e.mu.Unlock()
	}
	return ret
}

// snapshot copies the entry index. Entry locks are never taken while s.mu is
// held.
func (s *Store) snapshot() map[model.JobID]*entry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ret := make(map[model.JobID]*entry, len(s.entries))
	for id, e := range s.entries {
		ret[id] = e
	}
	return ret
}

func (s *Store) lockEntryAllowCorrupt(id model.JobID) (*entry, error) {
	s.mu.RLock()
	e, ok := s.entries[id]
	s.mu.RUnlock()
	if !ok {
		return nil, cerrors.ErrJobNotFound.GenWithStackByArgs(id)
	}

	e.mu.Lock()
	if e.deleted || (e.rec == nil && e.corrupt == "") {
		e.mu.Unlock()
		return nil, cerrors.ErrJobNotFound.GenWithStackByArgs(id)
	}
	return e, nil
}

// lockEntry returns the locked entry of a readable record.
func (s *Store) lockEntry(id model.JobID) (*entry, error) {
	e, err := s.lockEntryAllowCorrupt(id)
	if err != nil {
		return nil, err
	}
	if e.corrupt != "" {
		reason := e.corrupt
		e.mu.Unlock()
		return nil, cerrors.ErrJobRecordCorrupted.GenWithStackByArgs(id, reason)
	}
	return e, nil
}

// dropLocked forgets an entry whose lock is held.
func (s *Store) dropLocked(id model.JobID, e *entry) {
	e.deleted = true
	e.rec = nil
	s.mu.Lock()
	if s.entries[id] == e {
		delete(s.entries, id)
	}
	s.mu.Unlock()
}

// refreshLocked reloads an entry after a failed compare.
func (s *Store) refreshLocked(ctx context.Context, id model.JobID, e *entry) {
	rsp, err := s.cli.Get(ctx, JobKey(id))
	if err != nil {
		log.L().Warn("refresh job record failed", zap.String("job-id", id), zap.Error(err))
		return
	}
	if len(rsp.Kvs) == 0 {
		log.L().Info("job record was removed by another writer", zap.String("job-id", id))
		s.dropLocked(id, e)
		return
	}
	kv := rsp.Kvs[0]
	rec, reason := decodeRecord(id, kv.Value)
	e.rev = kv.ModRevision
	e.rec = rec
	e.corrupt = reason
	if reason != "" {
		log.L().Warn("job record is corrupted", zap.String("job-id", id), zap.String("reason", reason))
	}
}

func (s *Store) put(ctx context.Context, rec *model.JobRecord, rev int64) (int64, error) {
	data, err := encodeRecord(rec)
	if err != nil {
		return 0, errors.Trace(err)
	}
	rsp, err := s.cli.Put(ctx, JobKey(rec.ID), string(data), kvclient.WithRevision(rev))
	if err != nil {
		return 0, err
	}
	return rsp.Header.Revision, nil
}

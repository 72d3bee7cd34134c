package mockclient

import (
	"context"
	"sort"
	"sync"

	cerrors "github.com/hanfei1991/renderfarm/pkg/errors"
	"github.com/hanfei1991/renderfarm/pkg/meta/kvclient"
)

const mockClusterID = "mock_cluster"

type entry struct {
	value          string
	createRevision int64
	modRevision    int64
}

// MetaMock is an in-memory kvclient.KVClient. Every request holds one lock,
// which gives the same atomicity as a real backend.
type MetaMock struct {
	sync.Mutex
	store    map[string]*entry
	revision int64
	closed   bool

	// FailNext, when set, is returned by the next Put or Delete instead of
	// applying it. It is cleared after use.
	FailNext error
}

func NewMetaMock() *MetaMock {
	return &MetaMock{
		store: make(map[string]*entry),
	}
}

func (m *MetaMock) header() *kvclient.ResponseHeader {
	return &kvclient.ResponseHeader{
		ClusterID: mockClusterID,
		Revision:  m.revision,
	}
}

func (m *MetaMock) checkCompare(op *kvclient.Op) error {
	rev, ok := op.Compare()
	if !ok {
		return nil
	}
	cur, exists := m.store[op.Key()]
	switch {
	case rev == 0 && exists:
		return kvclient.RevisionMismatch(op.Key(), rev)
	case rev != 0 && (!exists || cur.modRevision != rev):
		return kvclient.RevisionMismatch(op.Key(), rev)
	}
	return nil
}

func (m *MetaMock) takeFailure() error {
	err := m.FailNext
	m.FailNext = nil
	return err
}

func (m *MetaMock) Put(ctx context.Context, key, value string, opts ...kvclient.OpOption) (*kvclient.PutResponse, error) {
	m.Lock()
	defer m.Unlock()

	if m.closed {
		return nil, cerrors.ErrMetaClientClosed.GenWithStackByArgs()
	}
	op := kvclient.NewOp(key, opts...)
	if err := op.CheckValidOp("put"); err != nil {
		return nil, err
	}
	if err := m.takeFailure(); err != nil {
		return nil, err
	}
	if err := m.checkCompare(op); err != nil {
		return nil, err
	}

	m.revision++
	e, ok := m.store[key]
	if !ok {
		e = &entry{createRevision: m.revision}
		m.store[key] = e
	}
	e.value = value
	e.modRevision = m.revision
	return &kvclient.PutResponse{Header: m.header()}, nil
}

func (m *MetaMock) Get(ctx context.Context, key string, opts ...kvclient.OpOption) (*kvclient.GetResponse, error) {
	m.Lock()
	defer m.Unlock()

	if m.closed {
		return nil, cerrors.ErrMetaClientClosed.GenWithStackByArgs()
	}
	op := kvclient.NewOp(key, opts...)
	if err := op.CheckValidOp("get"); err != nil {
		return nil, err
	}

	ret := &kvclient.GetResponse{Header: m.header()}
	for k, e := range m.store {
		if !op.MatchKey(k) {
			continue
		}
		ret.Kvs = append(ret.Kvs, &kvclient.KeyValue{
			Key:            []byte(k),
			Value:          []byte(e.value),
			CreateRevision: e.createRevision,
			ModRevision:    e.modRevision,
		})
	}
	sort.Slice(ret.Kvs, func(i, j int) bool {
		return string(ret.Kvs[i].Key) < string(ret.Kvs[j].Key)
	})
	return ret, nil
}

func (m *MetaMock) Delete(ctx context.Context, key string, opts ...kvclient.OpOption) (*kvclient.DeleteResponse, error) {
	m.Lock()
	defer m.Unlock()

	if m.closed {
		return nil, cerrors.ErrMetaClientClosed.GenWithStackByArgs()
	}
	op := kvclient.NewOp(key, opts...)
	if err := op.CheckValidOp("delete"); err != nil {
		return nil, err
	}
	if err := m.takeFailure(); err != nil {
		return nil, err
	}
	if err := m.checkCompare(op); err != nil {
		return nil, err
	}

	var deleted int64
	for k := range m.store {
		if op.MatchKey(k) {
			delete(m.store, k)
			deleted++
		}
	}
	if deleted > 0 {
		m.revision++
	}
	return &kvclient.DeleteResponse{Header: m.header(), Deleted: deleted}, nil
}

// PutRaw stores value without any validation, it is used to simulate records
// written by an older or broken process.
func (m *MetaMock) PutRaw(key, value string) {
	m.Lock()
	defer m.Unlock()

	m.revision++
	m.store[key] = &entry{value: value, createRevision: m.revision, modRevision: m.revision}
}

func (m *MetaMock) Close() error {
	m.Lock()
	defer m.Unlock()

	m.closed = true
	return nil
}

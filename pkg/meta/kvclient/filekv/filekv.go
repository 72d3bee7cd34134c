package filekv

import (
	"context"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/pingcap/log"
	"go.uber.org/zap"

	cerrors "github.com/hanfei1991/renderfarm/pkg/errors"
	"github.com/hanfei1991/renderfarm/pkg/meta/kvclient"
)

const (
	fileSuffix    = ".json"
	tempMarker    = ".tmp-"
	fileClusterID = "file"
	dirPerm       = 0o755
	filePerm      = 0o644
)

type revision struct {
	create int64
	mod    int64
}

// fileKV stores every key in its own file below root, so that each value can
// be read, audited and repaired without the running service. Values are
// replaced through a temp file and a rename, a crash leaves either the old or
// the new file in place.
type fileKV struct {
	root string

	keyLocks sync.Map // key -> *sync.Mutex

	mu       sync.Mutex
	revision int64
	revs     map[string]revision
	closed   bool
}

// NewFileKV opens (and creates if needed) a file backed KV rooted at dir.
// Leftover temp files of interrupted writes are removed.
func NewFileKV(dir string) (*fileKV, error) {
	if dir == "" {
		return nil, cerrors.ErrMetaNewClientFail.GenWithStack("file meta store needs a data dir")
	}
	root, err := filepath.Abs(dir)
	if err != nil {
		return nil, cerrors.Wrap(cerrors.ErrMetaNewClientFail, err)
	}
	if err := os.MkdirAll(root, dirPerm); err != nil {
		return nil, cerrors.Wrap(cerrors.ErrMetaNewClientFail, err)
	}

	f := &fileKV{
		root: root,
		revs: make(map[string]revision),
	}
	if err := f.recover(); err != nil {
		return nil, err
	}
	log.L().Info("file meta store opened",
		zap.String("dir", root),
		zap.Int("keys", len(f.revs)))
	return f, nil
}

func (f *fileKV) recover() error {
	var keys []string
	err := filepath.WalkDir(f.root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		if strings.Contains(d.Name(), tempMarker) {
			log.L().Warn("remove temp file of an interrupted write", zap.String("path", path))
			if rmErr := os.Remove(path); rmErr != nil && !os.IsNotExist(rmErr) {
				return rmErr
			}
			return nil
		}
		key, ok := f.pathToKey(path)
		if !ok {
			return nil
		}
		keys = append(keys, key)
		return nil
	})
	if err != nil {
		return cerrors.Wrap(cerrors.ErrMetaNewClientFail, err)
	}

	sort.Strings(keys)
	for _, key := range keys {
		f.revision++
		f.revs[key] = revision{create: f.revision, mod: f.revision}
	}
	return nil
}

func (f *fileKV) keyToPath(key string) (string, error) {
	if !strings.HasPrefix(key, "/") || strings.Contains(key, "\\") {
		return "", cerrors.ErrMetaKeyInvalid.GenWithStackByArgs(key)
	}
	for _, seg := range strings.Split(key[1:], "/") {
		if seg == "" || seg == "." || seg == ".." || strings.Contains(seg, tempMarker) {
			return "", cerrors.ErrMetaKeyInvalid.GenWithStackByArgs(key)
		}
	}
	return filepath.Join(f.root, filepath.FromSlash(key[1:])) + fileSuffix, nil
}

func (f *fileKV) pathToKey(path string) (string, bool) {
	if !strings.HasSuffix(path, fileSuffix) {
		return "", false
	}
	rel, err := filepath.Rel(f.root, strings.TrimSuffix(path, fileSuffix))
	if err != nil {
		return "", false
	}
	return "/" + filepath.ToSlash(rel), true
}

func (f *fileKV) lockKey(key string) func() {
	v, _ := f.keyLocks.LoadOrStore(key, &sync.Mutex{})
	mu := v.(*sync.Mutex)
	mu.Lock()
	return mu.Unlock
}

func (f *fileKV) checkClosed() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return cerrors.ErrMetaClientClosed.GenWithStackByArgs()
	}
	return nil
}

func (f *fileKV) checkCompare(op *kvclient.Op) error {
	rev, ok := op.Compare()
	if !ok {
		return nil
	}
	f.mu.Lock()
	cur, exists := f.revs[op.Key()]
	f.mu.Unlock()
	if (rev == 0 && exists) || (rev != 0 && (!exists || cur.mod != rev)) {
		return kvclient.RevisionMismatch(op.Key(), rev)
	}
	return nil
}

func (f *fileKV) header(rev int64) *kvclient.ResponseHeader {
	return &kvclient.ResponseHeader{ClusterID: fileClusterID, Revision: rev}
}

func (f *fileKV) Put(ctx context.Context, key, val string, opts ...kvclient.OpOption) (*kvclient.PutResponse, error) {
	if err := f.checkClosed(); err != nil {
		return nil, err
	}
	op := kvclient.NewOp(key, opts...)
	if err := op.CheckValidOp("put"); err != nil {
		return nil, err
	}
	path, err := f.keyToPath(key)
	if err != nil {
		return nil, err
	}

	unlock := f.lockKey(key)
	defer unlock()

	if err := f.checkCompare(op); err != nil {
		return nil, err
	}
	if err := writeFileAtomic(path, []byte(val)); err != nil {
		return nil, cerrors.Wrap(cerrors.ErrMetaOpFail, err)
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.revision++
	rev, ok := f.revs[key]
	if !ok {
		rev.create = f.revision
	}
	rev.mod = f.revision
	f.revs[key] = rev
	return &kvclient.PutResponse{Header: f.header(f.revision)}, nil
}

func (f *fileKV) Get(ctx context.Context, key string, opts ...kvclient.OpOption) (*kvclient.GetResponse, error) {
	if err := f.checkClosed(); err != nil {
		return nil, err
	}
	op := kvclient.NewOp(key, opts...)
	if err := op.CheckValidOp("get"); err != nil {
		return nil, err
	}

	var keys []string
	if op.IsOptsWithPrefix() {
		keys = f.matchKeys(op)
	} else {
		if _, err := f.keyToPath(key); err != nil {
			return nil, err
		}
		keys = []string{key}
	}

	f.mu.Lock()
	headerRev := f.revision
	f.mu.Unlock()

	ret := &kvclient.GetResponse{Header: f.header(headerRev)}
	for _, k := range keys {
		kv, err := f.readKey(k)
		if err != nil {
			return nil, err
		}
		if kv != nil {
			ret.Kvs = append(ret.Kvs, kv)
		}
	}
	return ret, nil
}

func (f *fileKV) matchKeys(op *kvclient.Op) []string {
	f.mu.Lock()
	defer f.mu.Unlock()

	var keys []string
	for k := range f.revs {
		if op.MatchKey(k) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys
}

func (f *fileKV) readKey(key string) (*kvclient.KeyValue, error) {
	path, err := f.keyToPath(key)
	if err != nil {
		return nil, err
	}

	unlock := f.lockKey(key)
	defer unlock()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, cerrors.Wrap(cerrors.ErrMetaOpFail, err)
	}

	f.mu.Lock()
	rev, ok := f.revs[key]
	if !ok {
		// written behind our back, adopt it
		f.revision++
		rev = revision{create: f.revision, mod: f.revision}
		f.revs[key] = rev
	}
	f.mu.Unlock()

	return &kvclient.KeyValue{
		Key:            []byte(key),
		Value:          data,
		CreateRevision: rev.create,
		ModRevision:    rev.mod,
	}, nil
}

func (f *fileKV) Delete(ctx context.Context, key string, opts ...kvclient.OpOption) (*kvclient.DeleteResponse, error) {
	if err := f.checkClosed(); err != nil {
		return nil, err
	}
	op := kvclient.NewOp(key, opts...)
	if err := op.CheckValidOp("delete"); err != nil {
		return nil, err
	}

	var keys []string
	if op.IsOptsWithPrefix() {
		keys = f.matchKeys(op)
	} else {
		keys = []string{key}
	}

	var deleted int64
	for _, k := range keys {
		ok, err := f.deleteKey(k, op)
		if err != nil {
			return nil, err
		}
		if ok {
			deleted++
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	return &kvclient.DeleteResponse{Header: f.header(f.revision), Deleted: deleted}, nil
}

func (f *fileKV) deleteKey(key string, op *kvclient.Op) (bool, error) {
	path, err := f.keyToPath(key)
	if err != nil {
		return false, err
	}

	unlock := f.lockKey(key)
	defer unlock()

	if err := f.checkCompare(op); err != nil {
		return false, err
	}
	err = os.Remove(path)
	if err != nil && !os.IsNotExist(err) {
		return false, cerrors.Wrap(cerrors.ErrMetaOpFail, err)
	}
	removed := err == nil
	if removed {
		if err := syncDir(filepath.Dir(path)); err != nil {
			return false, cerrors.Wrap(cerrors.ErrMetaOpFail, err)
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.revs[key]; ok {
		delete(f.revs, key)
		f.revision++
	}
	return removed, nil
}

func (f *fileKV) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

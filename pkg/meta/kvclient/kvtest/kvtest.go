// Package kvtest holds the behaviour every kvclient backend must share.
package kvtest

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/hanfei1991/renderfarm/pkg/meta/kvclient"
)

type kv struct {
	key   string
	value string
}

type optype int

const (
	tNone optype = iota
	tPut
	tDel
)

type query struct {
	key      string
	opts     []kvclient.OpOption
	expected []kv
}

type action struct {
	t    optype
	do   kv
	opts []kvclient.OpOption
	// err is the expected error check of the action, nil means success
	err func(error) bool
	q   query
}

// NewClientFunc creates an empty client for one sub test.
type NewClientFunc func(t *testing.T) kvclient.KVClient

// RunAll runs every shared case against the backend.
func RunAll(t *testing.T, newClient NewClientFunc) {
	t.Run("BasicKV", func(t *testing.T) { BasicKV(t, newClient(t)) })
	t.Run("Revision", func(t *testing.T) { Revision(t, newClient(t)) })
	t.Run("PrefixDelete", func(t *testing.T) { PrefixDelete(t, newClient(t)) })
	t.Run("ConcurrentCreate", func(t *testing.T) { ConcurrentCreate(t, newClient(t)) })
}

func testAction(ctx context.Context, t *testing.T, cli kvclient.KVClient, acts []action) {
	for i, act := range acts {
		var err error
		switch act.t {
		case tPut:
			_, err = cli.Put(ctx, act.do.key, act.do.value, act.opts...)
		case tDel:
			_, err = cli.Delete(ctx, act.do.key, act.opts...)
		case tNone:
			// do nothing
		default:
			require.FailNow(t, "unexpected action type")
		}
		if act.err != nil {
			require.Error(t, err, "action %d", i)
			require.True(t, act.err(err), "action %d: unexpected error %v", i, err)
		} else {
			require.NoError(t, err, "action %d", i)
		}

		rsp, err := cli.Get(ctx, act.q.key, act.q.opts...)
		require.NoError(t, err)
		require.NotNil(t, rsp)
		require.Len(t, rsp.Kvs, len(act.q.expected), "action %d", i)
		for j, kv := range rsp.Kvs {
			require.Equal(t, act.q.expected[j].key, string(kv.Key))
			require.Equal(t, act.q.expected[j].value, string(kv.Value))
		}
	}
}

// BasicKV checks put/get/delete on point and prefix keys.
func BasicKV(t *testing.T, cli kvclient.KVClient) {
	defer cli.Close()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	testAction(ctx, t, cli, []action{
		{
			t: tNone,
			q: query{key: "/test/hello", expected: []kv{}},
		},
		{
			t:  tPut,
			do: kv{"/test/hello", "world"},
			q:  query{key: "/test/hello", expected: []kv{{"/test/hello", "world"}}},
		},
		{
			t:  tPut,
			do: kv{"/test/hello", "world2"},
			q:  query{key: "/test/hello", expected: []kv{{"/test/hello", "world2"}}},
		},
		{
			t:  tPut,
			do: kv{"/test/hello2", "x"},
			q: query{
				key:      "/test/",
				opts:     []kvclient.OpOption{kvclient.WithPrefix()},
				expected: []kv{{"/test/hello", "world2"}, {"/test/hello2", "x"}},
			},
		},
		{
			t:  tPut,
			do: kv{"/other/a", "y"},
			q: query{
				key:      "/test/",
				opts:     []kvclient.OpOption{kvclient.WithPrefix()},
				expected: []kv{{"/test/hello", "world2"}, {"/test/hello2", "x"}},
			},
		},
		{
			t:  tDel,
			do: kv{key: "/test/hello"},
			q: query{
				key:      "/test/",
				opts:     []kvclient.OpOption{kvclient.WithPrefix()},
				expected: []kv{{"/test/hello2", "x"}},
			},
		},
		{
			t:  tDel,
			do: kv{key: "/test/not-exist"},
			q:  query{key: "/other/a", expected: []kv{{"/other/a", "y"}}},
		},
	})
}

// Revision checks the compare semantic of WithRevision.
func Revision(t *testing.T, cli kvclient.KVClient) {
	defer cli.Close()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	key := "/rev/job"
	rsp, err := cli.Put(ctx, key, "v1", kvclient.WithRevision(0))
	require.NoError(t, err)
	rev1 := rsp.Header.Revision
	require.Greater(t, rev1, int64(0))

	// create-only put fails once the key exists
	_, err = cli.Put(ctx, key, "v1-again", kvclient.WithRevision(0))
	require.True(t, kvclient.IsRevisionMismatch(err), "got %v", err)

	got, err := cli.Get(ctx, key)
	require.NoError(t, err)
	require.Len(t, got.Kvs, 1)
	require.Equal(t, "v1", string(got.Kvs[0].Value))
	require.Equal(t, rev1, got.Kvs[0].ModRevision)

	rsp, err = cli.Put(ctx, key, "v2", kvclient.WithRevision(rev1))
	require.NoError(t, err)
	rev2 := rsp.Header.Revision
	require.Greater(t, rev2, rev1)

	// stale revision is rejected and leaves the value untouched
	_, err = cli.Put(ctx, key, "v3", kvclient.WithRevision(rev1))
	require.True(t, kvclient.IsRevisionMismatch(err), "got %v", err)
	got, err = cli.Get(ctx, key)
	require.NoError(t, err)
	require.Equal(t, "v2", string(got.Kvs[0].Value))

	_, err = cli.Delete(ctx, key, kvclient.WithRevision(rev1))
	require.True(t, kvclient.IsRevisionMismatch(err), "got %v", err)

	del, err := cli.Delete(ctx, key, kvclient.WithRevision(rev2))
	require.NoError(t, err)
	require.Equal(t, int64(1), del.Deleted)

	// a compare against a missing key fails
	_, err = cli.Put(ctx, key, "v4", kvclient.WithRevision(rev2))
	require.True(t, kvclient.IsRevisionMismatch(err), "got %v", err)
}

// PrefixDelete checks that a delete without prefix only removes one key.
func PrefixDelete(t *testing.T, cli kvclient.KVClient) {
	defer cli.Close()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	for i := 0; i < 5; i++ {
		_, err := cli.Put(ctx, fmt.Sprintf("/p/key-%d", i), fmt.Sprintf("value-%d", i))
		require.NoError(t, err)
	}
	_, err := cli.Delete(ctx, "/p/key-1")
	require.NoError(t, err)

	rsp, err := cli.Get(ctx, "/p/", kvclient.WithPrefix())
	require.NoError(t, err)
	require.Len(t, rsp.Kvs, 4)
	for i, k := range []string{"/p/key-0", "/p/key-2", "/p/key-3", "/p/key-4"} {
		require.Equal(t, k, string(rsp.Kvs[i].Key))
	}
}

// ConcurrentCreate checks that exactly one create-only put wins.
func ConcurrentCreate(t *testing.T, cli kvclient.KVClient) {
	defer cli.Close()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	const workers = 8
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		success int
		errs    []error
	)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := cli.Put(ctx, "/race/key", fmt.Sprintf("writer-%d", i), kvclient.WithRevision(0))
			mu.Lock()
			defer mu.Unlock()
			if err == nil {
				success++
				return
			}
			errs = append(errs, err)
		}(i)
	}
	wg.Wait()

	require.Equal(t, 1, success)
	for _, err := range errs {
		require.True(t, kvclient.IsRevisionMismatch(err), "got %v", err)
	}
}

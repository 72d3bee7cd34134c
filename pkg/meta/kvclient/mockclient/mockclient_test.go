package mockclient

import (
	"context"
	"testing"

	"github.com/pingcap/errors"
	"github.com/stretchr/testify/require"

	"github.com/hanfei1991/renderfarm/pkg/meta/kvclient"
	"github.com/hanfei1991/renderfarm/pkg/meta/kvclient/kvtest"
)

func TestMetaMockSharedCases(t *testing.T) {
	t.Parallel()

	kvtest.RunAll(t, func(t *testing.T) kvclient.KVClient {
		return NewMetaMock()
	})
}

func TestMetaMockFailNext(t *testing.T) {
	t.Parallel()

	cli := NewMetaMock()
	defer cli.Close()
	ctx := context.Background()

	cli.FailNext = errors.New("injected")
	_, err := cli.Put(ctx, "/a", "b")
	require.EqualError(t, err, "injected")

	rsp, err := cli.Get(ctx, "/a")
	require.NoError(t, err)
	require.Empty(t, rsp.Kvs)

	_, err = cli.Put(ctx, "/a", "b")
	require.NoError(t, err)
}

func TestMetaMockClosed(t *testing.T) {
	t.Parallel()

	cli := NewMetaMock()
	require.NoError(t, cli.Close())
	_, err := cli.Get(context.Background(), "/a")
	require.Error(t, err)
}

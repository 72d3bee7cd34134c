package etcdkv

import (
	"context"
	"fmt"
	"net/url"
	"testing"
	"time"

	"github.com/phayes/freeport"
	"github.com/pingcap/log"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"
	"go.etcd.io/etcd/api/v3/v3rpc/rpctypes"
	"go.etcd.io/etcd/server/v3/embed"
	"go.uber.org/zap"

	"github.com/hanfei1991/renderfarm/lib/config"
	"github.com/hanfei1991/renderfarm/pkg/meta/kvclient"
	"github.com/hanfei1991/renderfarm/pkg/meta/kvclient/kvtest"
	"github.com/hanfei1991/renderfarm/pkg/meta/metaclient"
)

type SuiteTestEtcd struct {
	// Include basic suite logic.
	suite.Suite
	e         *embed.Etcd
	endpoints string
	nsSeq     int
}

func allocTempURL(t *testing.T) *url.URL {
	port, err := freeport.GetFreePort()
	require.Nil(t, err)
	u, err := url.Parse(fmt.Sprintf("http://127.0.0.1:%d", port))
	require.Nil(t, err)
	return u
}

// The SetupSuite method will be run by testify once, at the very
// start of the testing suite, before any tests are run.
func (suite *SuiteTestEtcd) SetupSuite() {
	t := suite.T()
	cfg := embed.NewConfig()
	cfg.Name = "render-meta"
	cfg.Dir = t.TempDir()
	cfg.LogLevel = "error"

	peer := allocTempURL(t)
	cfg.ListenPeerUrls = []url.URL{*peer}
	cfg.AdvertisePeerUrls = []url.URL{*peer}
	client := allocTempURL(t)
	cfg.ListenClientUrls = []url.URL{*client}
	cfg.AdvertiseClientUrls = []url.URL{*client}
	cfg.InitialCluster = cfg.InitialClusterFromName(cfg.Name)
	log.L().Info("allocate embedded etcd ports",
		zap.String("peer", peer.String()), zap.String("client", client.String()))

	var err error
	suite.e, err = embed.StartEtcd(cfg)
	if err != nil {
		require.FailNow(t, "Start embedded etcd fail:%v", err)
	}
	select {
	case <-suite.e.Server.ReadyNotify():
	case <-time.After(60 * time.Second):
		suite.e.Server.Stop() // trigger a shutdown
		suite.e.Close()
		suite.e = nil
		require.FailNow(t, "Server took too long to start!")
	}
	suite.endpoints = client.Host
}

// The TearDownSuite method will be run by testify once, at the very
// end of the testing suite, after all tests have been run.
func (suite *SuiteTestEtcd) TearDownSuite() {
	if suite.e != nil {
		suite.e.Server.Stop()
		suite.e.Close()
	}
}

func (suite *SuiteTestEtcd) newClient(t *testing.T) kvclient.KVClient {
	suite.nsSeq++
	params := &metaclient.StoreConfigParams{
		StoreType:   metaclient.StoreTypeEtcd,
		Endpoints:   []string{suite.endpoints},
		DialTimeout: config.Duration(5 * time.Second),
		Namespace:   fmt.Sprintf("/ns-%d", suite.nsSeq),
	}
	cli, err := NewEtcdImpl(params)
	require.NoError(t, err)
	return cli
}

func (suite *SuiteTestEtcd) TestSharedCases() {
	kvtest.RunAll(suite.T(), suite.newClient)
}

func (suite *SuiteTestEtcd) TestNamespaceIsolation() {
	t := suite.T()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	cli1 := suite.newClient(t)
	defer cli1.Close()
	cli2 := suite.newClient(t)
	defer cli2.Close()

	_, err := cli1.Put(ctx, "/render/jobs/a", "1")
	require.NoError(t, err)
	rsp, err := cli2.Get(ctx, "/render/jobs/", kvclient.WithPrefix())
	require.NoError(t, err)
	require.Empty(t, rsp.Kvs)
	require.NotEmpty(t, rsp.Header.ClusterID)
}

func TestEtcdSuite(t *testing.T) {
	suite.Run(t, new(SuiteTestEtcd))
}

func TestEtcdErrorRetryable(t *testing.T) {
	t.Parallel()

	require.True(t, etcdErrorFromOpFail(rpctypes.ErrNoLeader).IsRetryable())
	require.True(t, etcdErrorFromOpFail(rpctypes.ErrTimeout).IsRetryable())
	require.False(t, etcdErrorFromOpFail(rpctypes.ErrKeyNotFound).IsRetryable())
	require.False(t, (&etcdError{}).IsRetryable())
}

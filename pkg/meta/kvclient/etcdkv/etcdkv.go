package etcdkv

import (
	"context"
	"strconv"

	"github.com/pingcap/log"
	clientv3 "go.etcd.io/etcd/client/v3"
	"go.etcd.io/etcd/client/v3/namespace"

	cerrors "github.com/hanfei1991/renderfarm/pkg/errors"
	"github.com/hanfei1991/renderfarm/pkg/meta/kvclient"
	"github.com/hanfei1991/renderfarm/pkg/meta/metaclient"
)

// etcdImpl is the etcd implement for KVClient
type etcdImpl struct {
	cli *clientv3.Client
	kv  clientv3.KV
}

// NewEtcdImpl connects to the etcd cluster described by params.
func NewEtcdImpl(params *metaclient.StoreConfigParams) (*etcdImpl, error) {
	cli, err := clientv3.New(clientv3.Config{
		Endpoints:   params.Endpoints,
		DialTimeout: params.DialTimeout.Duration(),
		Username:    params.User,
		Password:    params.Password,
		Logger:      log.L(),
		// [TODO] TLS
	})
	if err != nil {
		return nil, cerrors.Wrap(cerrors.ErrMetaNewClientFail, err)
	}

	return newImpl(cli, params.Namespace), nil
}

func newImpl(cli *clientv3.Client, ns string) *etcdImpl {
	kv := clientv3.KV(cli)
	if ns != "" {
		kv = namespace.NewKV(cli.KV, ns)
	}
	return &etcdImpl{
		cli: cli,
		kv:  kv,
	}
}

func (c *etcdImpl) Close() error {
	if c.cli != nil {
		return c.cli.Close()
	}
	return nil
}

func (c *etcdImpl) Put(ctx context.Context, key, val string, opts ...kvclient.OpOption) (*kvclient.PutResponse, error) {
	op := kvclient.NewOp(key, opts...)
	if err := op.CheckValidOp("put"); err != nil {
		return nil, err
	}

	rev, compare := op.Compare()
	if !compare {
		rsp, err := c.kv.Put(ctx, key, val)
		if err != nil {
			return nil, etcdErrorFromOpFail(err)
		}
		return &kvclient.PutResponse{Header: makeHeader(rsp.Header.ClusterId, rsp.Header.Revision)}, nil
	}

	// a missing key has mod revision 0, so one compare covers create-only
	rsp, err := c.kv.Txn(ctx).
		If(clientv3.Compare(clientv3.ModRevision(key), "=", rev)).
		Then(clientv3.OpPut(key, val)).
		Commit()
	if err != nil {
		return nil, etcdErrorFromOpFail(err)
	}
	if !rsp.Succeeded {
		return nil, kvclient.RevisionMismatch(key, rev)
	}
	return &kvclient.PutResponse{Header: makeHeader(rsp.Header.ClusterId, rsp.Header.Revision)}, nil
}

func (c *etcdImpl) Get(ctx context.Context, key string, opts ...kvclient.OpOption) (*kvclient.GetResponse, error) {
	op := kvclient.NewOp(key, opts...)
	if err := op.CheckValidOp("get"); err != nil {
		return nil, err
	}

	var etcdOpts []clientv3.OpOption
	if op.IsOptsWithPrefix() {
		etcdOpts = append(etcdOpts,
			clientv3.WithPrefix(),
			clientv3.WithSort(clientv3.SortByKey, clientv3.SortAscend))
	}
	rsp, err := c.kv.Get(ctx, key, etcdOpts...)
	if err != nil {
		return nil, etcdErrorFromOpFail(err)
	}
	return makeGetResp(rsp), nil
}

func (c *etcdImpl) Delete(ctx context.Context, key string, opts ...kvclient.OpOption) (*kvclient.DeleteResponse, error) {
	op := kvclient.NewOp(key, opts...)
	if err := op.CheckValidOp("delete"); err != nil {
		return nil, err
	}

	rev, compare := op.Compare()
	if !compare {
		var etcdOpts []clientv3.OpOption
		if op.IsOptsWithPrefix() {
			etcdOpts = append(etcdOpts, clientv3.WithPrefix())
		}
		rsp, err := c.kv.Delete(ctx, key, etcdOpts...)
		if err != nil {
			return nil, etcdErrorFromOpFail(err)
		}
		return &kvclient.DeleteResponse{
			Header:  makeHeader(rsp.Header.ClusterId, rsp.Header.Revision),
			Deleted: rsp.Deleted,
		}, nil
	}

	rsp, err := c.kv.Txn(ctx).
		If(clientv3.Compare(clientv3.ModRevision(key), "=", rev)).
		Then(clientv3.OpDelete(key)).
		Commit()
	if err != nil {
		return nil, etcdErrorFromOpFail(err)
	}
	if !rsp.Succeeded {
		return nil, kvclient.RevisionMismatch(key, rev)
	}
	var deleted int64
	if len(rsp.Responses) > 0 {
		if dr := rsp.Responses[0].GetResponseDeleteRange(); dr != nil {
			deleted = dr.Deleted
		}
	}
	return &kvclient.DeleteResponse{
		Header:  makeHeader(rsp.Header.ClusterId, rsp.Header.Revision),
		Deleted: deleted,
	}, nil
}

func makeHeader(clusterID uint64, rev int64) *kvclient.ResponseHeader {
	return &kvclient.ResponseHeader{
		ClusterID: strconv.FormatUint(clusterID, 10),
		Revision:  rev,
	}
}

func makeGetResp(etcdResp *clientv3.GetResponse) *kvclient.GetResponse {
	kvs := make([]*kvclient.KeyValue, 0, len(etcdResp.Kvs))
	for _, kv := range etcdResp.Kvs {
		kvs = append(kvs, &kvclient.KeyValue{
			Key:            kv.Key,
			Value:          kv.Value,
			CreateRevision: kv.CreateRevision,
			ModRevision:    kv.ModRevision,
		})
	}
	return &kvclient.GetResponse{
		Header: makeHeader(etcdResp.Header.ClusterId, etcdResp.Header.Revision),
		Kvs:    kvs,
	}
}

// Package meta opens the KV backend that holds job records.
package meta

import (
	"github.com/pingcap/log"
	"go.uber.org/zap"

	cerrors "github.com/hanfei1991/renderfarm/pkg/errors"
	"github.com/hanfei1991/renderfarm/pkg/meta/kvclient"
	"github.com/hanfei1991/renderfarm/pkg/meta/kvclient/etcdkv"
	"github.com/hanfei1991/renderfarm/pkg/meta/kvclient/filekv"
	"github.com/hanfei1991/renderfarm/pkg/meta/kvclient/mockclient"
	"github.com/hanfei1991/renderfarm/pkg/meta/kvclient/sqlkv"
	"github.com/hanfei1991/renderfarm/pkg/meta/metaclient"
)

// NewKVClient creates the backend selected by params.StoreType. params must
// have been adjusted.
func NewKVClient(params *metaclient.StoreConfigParams) (kvclient.KVClient, error) {
	log.L().Info("open meta store", zap.Stringer("params", params))

	var (
		cli kvclient.KVClient
		err error
	)
	switch params.StoreType {
	case metaclient.StoreTypeFile:
		cli, err = filekv.NewFileKV(params.DataDir)
	case metaclient.StoreTypeEtcd:
		cli, err = etcdkv.NewEtcdImpl(params)
	case metaclient.StoreTypeMySQL:
		cli, err = sqlkv.NewMySQLImpl(params)
	case metaclient.StoreTypeSQLite:
		cli, err = sqlkv.NewSQLiteImpl(params)
	case metaclient.StoreTypeMemory:
		log.L().Warn("job records are kept in memory only and are lost on restart")
		cli = mockclient.NewMetaMock()
	default:
		err = cerrors.ErrMetaStoreUnknownType.GenWithStackByArgs(params.StoreType)
	}
	if err != nil {
		return nil, err
	}
	return cli, nil
}

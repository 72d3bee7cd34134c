package sqlkv

import (
	"context"
	"database/sql"
	"os"
	"path/filepath"

	"github.com/pingcap/log"
	"go.uber.org/zap"
	"gorm.io/driver/mysql"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	cerrors "github.com/hanfei1991/renderfarm/pkg/errors"
	"github.com/hanfei1991/renderfarm/pkg/meta/kvclient"
	"github.com/hanfei1991/renderfarm/pkg/meta/kvclient/sqlkv/model"
	"github.com/hanfei1991/renderfarm/pkg/meta/metaclient"
)

var globalModels = []interface{}{
	&model.KeyValue{},
	&model.LogicEpoch{},
}

// sqlImpl is the sql implement for KVClient, a mysql-compatible server or a
// local sqlite file.
type sqlImpl struct {
	// gorm claim to be thread safe
	db        *gorm.DB
	impl      *sql.DB
	clusterID string
}

// NewMySQLImpl connects to the mysql server described by params.
func NewMySQLImpl(params *metaclient.StoreConfigParams) (*sqlImpl, error) {
	dsn := params.GenerateDsn()
	if dsn == "" {
		return nil, cerrors.ErrMetaStoreDSNInvalid.GenWithStack("no mysql endpoint")
	}
	return newImpl(mysql.Open(dsn), params.DB, params.Endpoints[0])
}

// NewSQLiteImpl opens the sqlite database under params.DataDir.
func NewSQLiteImpl(params *metaclient.StoreConfigParams) (*sqlImpl, error) {
	if err := os.MkdirAll(params.DataDir, 0o755); err != nil {
		return nil, cerrors.Wrap(cerrors.ErrMetaNewClientFail, err)
	}
	path := filepath.Join(params.DataDir, metaclient.DefaultSQLiteFile)
	// sqlite allows a single writer, one connection avoids SQLITE_BUSY
	conf := params.DB
	conf.MaxOpenConns = 1
	conf.MaxIdleConns = 1
	return newImpl(sqlite.Open(path+"?_busy_timeout=5000"), conf, "sqlite:"+path)
}

func newImpl(dialector gorm.Dialector, conf metaclient.DBConfig, clusterID string) (*sqlImpl, error) {
	db, err := gorm.Open(dialector, &gorm.Config{
		SkipDefaultTransaction: true,
		Logger:                 logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		log.L().Error("create gorm client fail", zap.Error(err))
		return nil, cerrors.Wrap(cerrors.ErrMetaNewClientFail, err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, cerrors.Wrap(cerrors.ErrMetaNewClientFail, err)
	}
	sqlDB.SetConnMaxIdleTime(conf.ConnMaxIdleTime.Duration())
	sqlDB.SetConnMaxLifetime(conf.ConnMaxLifeTime.Duration())
	sqlDB.SetMaxIdleConns(conf.MaxIdleConns)
	sqlDB.SetMaxOpenConns(conf.MaxOpenConns)

	c := &sqlImpl{
		db:        db,
		impl:      sqlDB,
		clusterID: clusterID,
	}
	if err := c.initialize(); err != nil {
		sqlDB.Close()
		return nil, err
	}
	return c, nil
}

// initialize creates all related tables in SQL backend
func (c *sqlImpl) initialize() error {
	if err := c.db.AutoMigrate(globalModels...); err != nil {
		return cerrors.Wrap(cerrors.ErrMetaOpFail, err)
	}
	if err := model.InitializeEpoch(c.db); err != nil {
		return cerrors.Wrap(cerrors.ErrMetaOpFail, err)
	}
	return nil
}

func (c *sqlImpl) Close() error {
	if c.impl != nil {
		return c.impl.Close()
	}

	return nil
}

func (c *sqlImpl) header(rev int64) *kvclient.ResponseHeader {
	return &kvclient.ResponseHeader{ClusterID: c.clusterID, Revision: rev}
}

func (c *sqlImpl) Put(ctx context.Context, key, val string, opts ...kvclient.OpOption) (*kvclient.PutResponse, error) {
	op := kvclient.NewOp(key, opts...)
	if err := op.CheckValidOp("put"); err != nil {
		return nil, err
	}

	var rev int64
	err := c.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var err error
		// bumping the counter first takes the write lock
		rev, err = model.GenEpoch(tx)
		if err != nil {
			return sqlErrorFromOpFail(err)
		}

		cur, err := getRow(tx, key)
		if err != nil {
			return err
		}
		if err := checkCompare(op, cur); err != nil {
			return err
		}

		if cur == nil {
			return wrapOpFail(tx.Create(&model.KeyValue{
				Key:            key,
				Value:          []byte(val),
				CreateRevision: rev,
				ModRevision:    rev,
			}).Error)
		}
		res := tx.Model(&model.KeyValue{}).
			Where("kv_key = ? AND mod_revision = ?", key, cur.ModRevision).
			Updates(map[string]interface{}{"value": []byte(val), "mod_revision": rev})
		if res.Error != nil {
			return sqlErrorFromOpFail(res.Error)
		}
		if res.RowsAffected != 1 {
			return kvclient.RevisionMismatch(key, cur.ModRevision)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &kvclient.PutResponse{Header: c.header(rev)}, nil
}

func (c *sqlImpl) Get(ctx context.Context, key string, opts ...kvclient.OpOption) (*kvclient.GetResponse, error) {
	op := kvclient.NewOp(key, opts...)
	if err := op.CheckValidOp("get"); err != nil {
		return nil, err
	}

	var (
		rows []*model.KeyValue
		rev  int64
	)
	err := c.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var err error
		rev, err = model.CurrentEpoch(tx)
		if err != nil {
			return sqlErrorFromOpFail(err)
		}
		return wrapOpFail(keyScope(tx, op).Order("kv_key").Find(&rows).Error)
	})
	if err != nil {
		return nil, err
	}

	ret := &kvclient.GetResponse{Header: c.header(rev)}
	for _, row := range rows {
		ret.Kvs = append(ret.Kvs, &kvclient.KeyValue{
			Key:            []byte(row.Key),
			Value:          row.Value,
			CreateRevision: row.CreateRevision,
			ModRevision:    row.ModRevision,
		})
	}
	return ret, nil
}

func (c *sqlImpl) Delete(ctx context.Context, key string, opts ...kvclient.OpOption) (*kvclient.DeleteResponse, error) {
	op := kvclient.NewOp(key, opts...)
	if err := op.CheckValidOp("delete"); err != nil {
		return nil, err
	}

	var (
		rev     int64
		deleted int64
	)
	err := c.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var err error
		rev, err = model.GenEpoch(tx)
		if err != nil {
			return sqlErrorFromOpFail(err)
		}

		scope := keyScope(tx, op)
		if expected, ok := op.Compare(); ok {
			cur, err := getRow(tx, key)
			if err != nil {
				return err
			}
			if err := checkCompare(op, cur); err != nil {
				return err
			}
			scope = scope.Where("mod_revision = ?", expected)
		}
		res := scope.Delete(&model.KeyValue{})
		if res.Error != nil {
			return sqlErrorFromOpFail(res.Error)
		}
		deleted = res.RowsAffected
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &kvclient.DeleteResponse{Header: c.header(rev), Deleted: deleted}, nil
}

func keyScope(db *gorm.DB, op *kvclient.Op) *gorm.DB {
	if !op.IsOptsWithPrefix() {
		return db.Where("kv_key = ?", op.Key())
	}
	end := prefixEnd(op.Key())
	if end == "" {
		return db.Where("kv_key >= ?", op.Key())
	}
	return db.Where("kv_key >= ? AND kv_key < ?", op.Key(), end)
}

func getRow(tx *gorm.DB, key string) (*model.KeyValue, error) {
	var rows []*model.KeyValue
	if err := tx.Where("kv_key = ?", key).Limit(1).Find(&rows).Error; err != nil {
		return nil, sqlErrorFromOpFail(err)
	}
	if len(rows) == 0 {
		return nil, nil
	}
	return rows[0], nil
}

func checkCompare(op *kvclient.Op, cur *model.KeyValue) error {
	rev, ok := op.Compare()
	if !ok {
		return nil
	}
	if (rev == 0 && cur != nil) || (rev != 0 && (cur == nil || cur.ModRevision != rev)) {
		return kvclient.RevisionMismatch(op.Key(), rev)
	}
	return nil
}

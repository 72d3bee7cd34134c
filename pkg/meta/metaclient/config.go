package metaclient

import (
	"fmt"
	"strings"
	"time"

	"github.com/go-sql-driver/mysql"

	"github.com/hanfei1991/renderfarm/lib/config"
	cerrors "github.com/hanfei1991/renderfarm/pkg/errors"
)

const (
	StoreTypeFile   = "file"
	StoreTypeEtcd   = "etcd"
	StoreTypeMySQL  = "mysql"
	StoreTypeSQLite = "sqlite"
	StoreTypeMemory = "memory"

	DefaultDataDir         = "render-data"
	DefaultSchema          = "renderfarm"
	DefaultSQLiteFile      = "meta.db"
	DefaultEtcdDialTimeout = config.Duration(5 * time.Second)
)

// DBConfig holds the connection pool settings of a SQL backend,
// refer to: https://pkg.go.dev/database/sql#SetConnMaxIdleTime
type DBConfig struct {
	ConnMaxIdleTime config.Duration `toml:"conn-max-idle-time" json:"conn-max-idle-time"`
	ConnMaxLifeTime config.Duration `toml:"conn-max-life-time" json:"conn-max-life-time"`
	MaxIdleConns    int             `toml:"max-idle-conns" json:"max-idle-conns"`
	MaxOpenConns    int             `toml:"max-open-conns" json:"max-open-conns"`
}

// StoreConfigParams describes where job records are persisted.
type StoreConfigParams struct {
	StoreType string `toml:"store-type" json:"store-type"`
	// DataDir is used by the file store and the sqlite store.
	DataDir   string   `toml:"data-dir" json:"data-dir"`
	Endpoints []string `toml:"endpoints" json:"endpoints"`
	User      string   `toml:"user" json:"user"`
	Password  string   `toml:"password" json:"password"`
	// Namespace prefixes every etcd key so that several farms can share
	// one etcd cluster.
	Namespace string `toml:"namespace" json:"namespace"`
	// Schema is the mysql database holding the key_values table.
	Schema      string          `toml:"schema" json:"schema"`
	DialTimeout config.Duration `toml:"dial-timeout" json:"dial-timeout"`
	DB          DBConfig        `toml:"db" json:"db"`
}

func NewDefaultStoreConfig() *StoreConfigParams {
	return &StoreConfigParams{
		StoreType:   StoreTypeFile,
		DataDir:     DefaultDataDir,
		Schema:      DefaultSchema,
		DialTimeout: DefaultEtcdDialTimeout,
		DB: DBConfig{
			ConnMaxIdleTime: config.Duration(30 * time.Second),
			ConnMaxLifeTime: config.Duration(12 * time.Hour),
			MaxIdleConns:    3,
			MaxOpenConns:    10,
		},
	}
}

func (s *StoreConfigParams) SetEndpoints(endpoints string) {
	if endpoints != "" {
		s.Endpoints = strings.Split(endpoints, ",")
	}
}

// Adjust fills defaults and validates the params for the chosen store type.
func (s *StoreConfigParams) Adjust() error {
	def := NewDefaultStoreConfig()
	if s.StoreType == "" {
		s.StoreType = def.StoreType
	}
	s.StoreType = strings.ToLower(s.StoreType)
	if s.DialTimeout <= 0 {
		s.DialTimeout = def.DialTimeout
	}
	if s.Schema == "" {
		s.Schema = def.Schema
	}
	if s.DB.MaxOpenConns <= 0 {
		s.DB = def.DB
	}

	switch s.StoreType {
	case StoreTypeFile, StoreTypeSQLite:
		if s.DataDir == "" {
			s.DataDir = def.DataDir
		}
	case StoreTypeEtcd:
		if len(s.Endpoints) == 0 {
			return cerrors.ErrMetaStoreDSNInvalid.GenWithStack("etcd store needs endpoints")
		}
	case StoreTypeMySQL:
		if len(s.Endpoints) == 0 {
			return cerrors.ErrMetaStoreDSNInvalid.GenWithStack("mysql store needs endpoints")
		}
		if _, err := mysql.ParseDSN(s.GenerateDsn()); err != nil {
			return cerrors.ErrMetaStoreDSNInvalid.GenWithStack(err.Error())
		}
	case StoreTypeMemory:
	default:
		return cerrors.ErrMetaStoreUnknownType.GenWithStackByArgs(s.StoreType)
	}
	return nil
}

// GenerateDsn builds the mysql dsn,
// format: [username[:password]@][protocol[(address)]]/dbname[?param1=value1&...&paramN=valueN]
func (s *StoreConfigParams) GenerateDsn() string {
	if len(s.Endpoints) == 0 {
		return ""
	}

	cfg := mysql.NewConfig()
	cfg.User = s.User
	cfg.Passwd = s.Password
	cfg.Net = "tcp"
	cfg.Addr = s.Endpoints[0]
	cfg.DBName = s.Schema
	cfg.ParseTime = true
	cfg.Timeout = s.DialTimeout.Duration()
	cfg.Params = map[string]string{"charset": "utf8mb4"}
	return cfg.FormatDSN()
}

func (s *StoreConfigParams) String() string {
	return fmt.Sprintf("store-type=%s data-dir=%s endpoints=%v", s.StoreType, s.DataDir, s.Endpoints)
}

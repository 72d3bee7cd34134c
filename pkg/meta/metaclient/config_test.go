package metaclient

import (
	"testing"

	"github.com/go-sql-driver/mysql"
	"github.com/stretchr/testify/require"

	cerrors "github.com/hanfei1991/renderfarm/pkg/errors"
)

func TestStoreConfigAdjust(t *testing.T) {
	t.Parallel()

	s := &StoreConfigParams{}
	require.NoError(t, s.Adjust())
	require.Equal(t, StoreTypeFile, s.StoreType)
	require.Equal(t, DefaultDataDir, s.DataDir)
	require.Equal(t, 10, s.DB.MaxOpenConns)

	s = &StoreConfigParams{StoreType: "ETCD"}
	err := s.Adjust()
	require.True(t, cerrors.Is(err, cerrors.ErrMetaStoreDSNInvalid))
	s.SetEndpoints("127.0.0.1:2379,127.0.0.1:2380")
	require.NoError(t, s.Adjust())
	require.Equal(t, []string{"127.0.0.1:2379", "127.0.0.1:2380"}, s.Endpoints)

	s = &StoreConfigParams{StoreType: "redis"}
	require.True(t, cerrors.Is(s.Adjust(), cerrors.ErrMetaStoreUnknownType))
}

func TestGenerateDsn(t *testing.T) {
	t.Parallel()

	s := NewDefaultStoreConfig()
	s.StoreType = StoreTypeMySQL
	require.Empty(t, s.GenerateDsn())

	s.User = "root"
	s.Password = "secret"
	s.SetEndpoints("127.0.0.1:3306")
	require.NoError(t, s.Adjust())

	cfg, err := mysql.ParseDSN(s.GenerateDsn())
	require.NoError(t, err)
	require.Equal(t, "root", cfg.User)
	require.Equal(t, "secret", cfg.Passwd)
	require.Equal(t, "127.0.0.1:3306", cfg.Addr)
	require.Equal(t, DefaultSchema, cfg.DBName)
	require.True(t, cfg.ParseTime)
}

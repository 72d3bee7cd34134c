package servermaster

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/hanfei1991/renderfarm/lib/config"
	cerrors "github.com/hanfei1991/renderfarm/pkg/errors"
	"github.com/hanfei1991/renderfarm/pkg/meta/metaclient"
)

func TestConfigDefaults(t *testing.T) {
	t.Parallel()

	cfg := NewConfig()
	require.NoError(t, cfg.Parse(nil))
	require.Equal(t, defaultMasterAddr, cfg.Addr)
	require.Equal(t, string(DeletePolicyCancel), cfg.DeletePolicy)
	require.Equal(t, metaclient.StoreTypeFile, cfg.Store.StoreType)
	require.Equal(t, metaclient.DefaultDataDir, cfg.Store.DataDir)
	require.Equal(t, config.DefaultTimeoutConfig(), cfg.Timeouts)
	require.Empty(t, cfg.Workers)
	require.Equal(t, "info", cfg.Level)
}

func TestConfigFileAndFlags(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "master.toml")
	content := `
addr = "127.0.0.1:6000"
workers = ["render-01", "render-02", "render-01", " "]
delete-policy = "cancel-and-remove"
log-level = "debug"

[store]
store-type = "SQLite"
data-dir = "/var/lib/renderfarm"

[timeouts]
worker-timeout = "30s"
stuck-job-check-interval = "1m"
worker-long-poll-timeout = "5m"
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	cfg := NewConfig()
	require.NoError(t, cfg.Parse([]string{"--config", path, "--addr", "127.0.0.1:7000"}))
	require.Equal(t, "127.0.0.1:7000", cfg.Addr)
	require.Equal(t, []string{"render-01", "render-02"}, cfg.Workers)
	require.Equal(t, string(DeletePolicyCancelAndRemove), cfg.DeletePolicy)
	require.Equal(t, "debug", cfg.Level)
	require.Equal(t, metaclient.StoreTypeSQLite, cfg.Store.StoreType)
	require.Equal(t, "/var/lib/renderfarm", cfg.Store.DataDir)
	require.Equal(t, config.Duration(30*time.Second), cfg.Timeouts.WorkerTimeoutDuration)
	require.Equal(t, config.Duration(time.Minute), cfg.Timeouts.StuckJobCheckInterval)
	require.Equal(t, config.Duration(time.Minute), cfg.Timeouts.WorkerLongPollTimeout)

	toml, err := cfg.Toml()
	require.NoError(t, err)
	require.Contains(t, toml, `delete-policy = "cancel-and-remove"`)
	require.Contains(t, cfg.String(), `"addr":"127.0.0.1:7000"`)

	cfg = NewConfig()
	require.NoError(t, cfg.Parse([]string{
		"--workers", "a, b,,c",
		"--store-type", "etcd",
		"--store-endpoints", "127.0.0.1:2379,127.0.0.1:2380",
		"--worker-timeout", "20s",
	}))
	require.Equal(t, []string{"a", "b", "c"}, cfg.Workers)
	require.Equal(t, []string{"127.0.0.1:2379", "127.0.0.1:2380"}, cfg.Store.Endpoints)
	require.Equal(t, config.Duration(20*time.Second), cfg.Timeouts.WorkerTimeoutDuration)
}

func TestConfigInvalid(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "unknown.toml")
	require.NoError(t, os.WriteFile(path, []byte("addr = \"x\"\nlease = \"10s\"\n"), 0o644))
	err := NewConfig().Parse([]string{"--config", path})
	require.True(t, cerrors.Is(err, cerrors.ErrMasterConfigUnknownItem), "%+v", err)

	path = filepath.Join(dir, "broken.toml")
	require.NoError(t, os.WriteFile(path, []byte("addr = "), 0o644))
	err = NewConfig().Parse([]string{"--config", path})
	require.Error(t, err)
	require.Equal(t, string(cerrors.ErrMasterDecodeConfigFile.RFCCode()), cerrors.RFCCode(err))

	err = NewConfig().Parse([]string{"--delete-policy", "purge"})
	require.True(t, cerrors.Is(err, cerrors.ErrMasterConfigInvalid))

	err = NewConfig().Parse([]string{"extra"})
	require.True(t, cerrors.Is(err, cerrors.ErrMasterConfigInvalidFlag))

	err = NewConfig().Parse([]string{"--store-type", "etcd"})
	require.True(t, cerrors.Is(err, cerrors.ErrMetaStoreDSNInvalid))
}

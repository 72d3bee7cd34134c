package servermaster

import (
	"bytes"
	"encoding/json"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/pingcap/log"
	"github.com/spf13/pflag"
	"go.uber.org/zap"

	"github.com/hanfei1991/renderfarm/lib/config"
	cerrors "github.com/hanfei1991/renderfarm/pkg/errors"
	"github.com/hanfei1991/renderfarm/pkg/meta/metaclient"
)

const defaultMasterAddr = "0.0.0.0:5000"

// Config is the configuration of the render master.
type Config struct {
	flagSet *pflag.FlagSet

	config.LogConfig

	Addr       string `toml:"addr" json:"addr"`
	ConfigFile string `toml:"config-file" json:"config-file"`

	// Workers are known from start, in this order. Other workers become
	// known through their first heartbeat.
	Workers      []string `toml:"workers" json:"workers"`
	DeletePolicy string   `toml:"delete-policy" json:"delete-policy"`

	Store    *metaclient.StoreConfigParams `toml:"store" json:"store"`
	Timeouts config.TimeoutConfig          `toml:"timeouts" json:"timeouts"`

	workers        string
	storeEndpoints string
}

// NewConfig creates a master config with its command line flags.
func NewConfig() *Config {
	cfg := &Config{
		Store:    metaclient.NewDefaultStoreConfig(),
		Timeouts: config.DefaultTimeoutConfig(),
	}
	cfg.flagSet = pflag.NewFlagSet("rendermaster", pflag.ContinueOnError)
	fs := cfg.flagSet

	fs.StringVar(&cfg.ConfigFile, "config", "", "path to config file")
	fs.StringVar(&cfg.Addr, "addr", defaultMasterAddr, "render master HTTP API address")
	fs.StringVarP(&cfg.Level, "log-level", "L", "info", "log level: debug, info, warn, error, fatal")
	fs.StringVar(&cfg.File, "log-file", "", "log file path")
	fs.StringVar(&cfg.Format, "log-format", "text", `the format of the log, "text" or "json"`)

	fs.StringVar(&cfg.workers, "workers", "", "comma separated worker ids known from start")
	fs.StringVar(&cfg.DeletePolicy, "delete-policy", string(DeletePolicyCancel),
		`what DELETE does to an active job: "cancel" or "cancel-and-remove"`)

	fs.StringVar(&cfg.Store.StoreType, "store-type", metaclient.StoreTypeFile, "job store backend: file, etcd, mysql, sqlite, memory")
	fs.StringVar(&cfg.Store.DataDir, "data-dir", metaclient.DefaultDataDir, "data dir of the file and sqlite stores")
	fs.StringVar(&cfg.storeEndpoints, "store-endpoints", "", "comma separated etcd or mysql endpoints")
	fs.StringVar(&cfg.Store.Namespace, "store-namespace", "", "etcd key namespace")

	fs.Var(&cfg.Timeouts.WorkerTimeoutDuration, "worker-timeout", "silence after which a worker is offline, 0 disables liveness tracking")
	fs.Var(&cfg.Timeouts.AssignInterval, "assign-interval", "period of the background assignment pass, 0 disables it")
	fs.Var(&cfg.Timeouts.StuckJobCheckInterval, "stuck-job-check-interval", "period of the stuck job watchdog, 0 disables it")
	fs.Var(&cfg.Timeouts.WorkerLongPollTimeout, "long-poll-timeout", "upper bound of a worker long poll")

	return cfg
}

func (c *Config) String() string {
	cfg, err := json.Marshal(c)
	if err != nil {
		log.L().Error("marshal to json", zap.Reflect("master config", c), zap.Error(err))
	}
	return string(cfg)
}

// Toml returns TOML format representation of config.
func (c *Config) Toml() (string, error) {
	var b bytes.Buffer
	if err := toml.NewEncoder(&b).Encode(c); err != nil {
		return "", cerrors.Trace(err)
	}
	return b.String(), nil
}

// Parse parses flag definitions from the argument list. Command line flags
// override the config file.
func (c *Config) Parse(arguments []string) error {
	// Parse first to get config file.
	err := c.flagSet.Parse(arguments)
	if err != nil {
		return cerrors.Wrap(cerrors.ErrMasterConfigParseFlagSet, err)
	}

	if c.ConfigFile != "" {
		if err := c.configFromFile(c.ConfigFile); err != nil {
			return err
		}
	}

	// Parse again to replace with command line options.
	err = c.flagSet.Parse(arguments)
	if err != nil {
		return cerrors.Wrap(cerrors.ErrMasterConfigParseFlagSet, err)
	}
	if len(c.flagSet.Args()) != 0 {
		return cerrors.ErrMasterConfigInvalidFlag.GenWithStackByArgs(c.flagSet.Arg(0))
	}
	if c.flagSet.Changed("workers") {
		c.Workers = splitList(c.workers)
	}
	if c.flagSet.Changed("store-endpoints") {
		c.Store.SetEndpoints(c.storeEndpoints)
	}
	return c.adjust()
}

func (c *Config) adjust() error {
	if c.Addr == "" {
		c.Addr = defaultMasterAddr
	}
	if c.DeletePolicy == "" {
		c.DeletePolicy = string(DeletePolicyCancel)
	}
	if !DeletePolicy(c.DeletePolicy).Valid() {
		return cerrors.ErrMasterConfigInvalid.GenWithStackByArgs("unknown delete-policy " + c.DeletePolicy)
	}

	seen := make(map[string]struct{}, len(c.Workers))
	workers := c.Workers[:0]
	for _, w := range c.Workers {
		w = strings.TrimSpace(w)
		if w == "" {
			continue
		}
		if _, ok := seen[w]; ok {
			continue
		}
		seen[w] = struct{}{}
		workers = append(workers, w)
	}
	c.Workers = workers

	if c.Timeouts.WorkerTimeoutDuration <= 0 && c.Timeouts.StuckJobCheckInterval > 0 {
		log.L().Warn("stuck job watchdog needs worker-timeout, disabled")
	}
	c.Timeouts = c.Timeouts.Adjust()
	if c.Timeouts.WorkerLongPollTimeout > config.Duration(time.Minute) {
		c.Timeouts.WorkerLongPollTimeout = config.Duration(time.Minute)
	}
	return c.Store.Adjust()
}

// configFromFile loads config from file, unknown items are rejected.
func (c *Config) configFromFile(path string) error {
	metaData, err := toml.DecodeFile(path, c)
	if err != nil {
		return cerrors.Wrap(cerrors.ErrMasterDecodeConfigFile, err)
	}
	undecoded := metaData.Undecoded()
	if len(undecoded) > 0 {
		var undecodedItems []string
		for _, item := range undecoded {
			undecodedItems = append(undecodedItems, item.String())
		}
		return cerrors.ErrMasterConfigUnknownItem.GenWithStackByArgs(strings.Join(undecodedItems, ","))
	}
	return nil
}

func splitList(s string) []string {
	var ret []string
	for _, item := range strings.Split(s, ",") {
		if item = strings.TrimSpace(item); item != "" {
			ret = append(ret, item)
		}
	}
	return ret
}

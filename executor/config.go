package executor

import (
	"bytes"
	"encoding/json"
	"os"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/pingcap/log"
	"github.com/spf13/pflag"
	"go.uber.org/zap"

	"github.com/hanfei1991/renderfarm/lib/config"
	cerrors "github.com/hanfei1991/renderfarm/pkg/errors"
)

const (
	defaultMasterAddr             = "127.0.0.1:5000"
	defaultProgressReportInterval = config.Duration(time.Second)
)

// defaultEngineArgs run the movie render queue headless with the python
// host executor, logging to stdout.
var defaultEngineArgs = []string{
	"-game",
	"-MoviePipelineLocalExecutorClass=/Script/MovieRenderPipelineCore.MoviePipelinePythonHostExecutor",
	"-ExecutorPythonClass=/Engine/PythonTypes.MyExecutor",
	"-windowed",
	"-resX=1280",
	"-resY=720",
	"-StdOut",
	"-FullStdOutLogOutput",
}

// EngineConfig describes how to launch the render engine.
type EngineConfig struct {
	Executable string   `toml:"executable" json:"executable"`
	Project    string   `toml:"project" json:"project"`
	Args       []string `toml:"args" json:"args"`
	Env        []string `toml:"env" json:"env"`
	// OutputRoot is where a job renders when its payload has no output_dir.
	OutputRoot string `toml:"output-root" json:"output-root"`
	// KillGracePeriod is how long the engine may take to exit after an
	// interrupt before it is killed.
	KillGracePeriod config.Duration `toml:"kill-grace-period" json:"kill-grace-period"`
}

// Config is the configuration of a render worker.
type Config struct {
	flagSet *pflag.FlagSet

	config.LogConfig

	WorkerID   string `toml:"worker-id" json:"worker-id"`
	MasterAddr string `toml:"master-addr" json:"master-addr"`
	ConfigFile string `toml:"config-file" json:"config-file"`
	// MetricsAddr serves worker metrics over http when set.
	MetricsAddr string `toml:"metrics-addr" json:"metrics-addr"`

	// ProgressReportInterval throttles progress reports to the master.
	ProgressReportInterval config.Duration `toml:"progress-report-interval" json:"progress-report-interval"`

	Engine   EngineConfig         `toml:"engine" json:"engine"`
	Timeouts config.TimeoutConfig `toml:"timeouts" json:"timeouts"`
}

// NewConfig creates a worker config with its command line flags.
func NewConfig() *Config {
	cfg := &Config{
		ProgressReportInterval: defaultProgressReportInterval,
		Engine: EngineConfig{
			Args:            append([]string(nil), defaultEngineArgs...),
			KillGracePeriod: config.Duration(5 * time.Second),
		},
		Timeouts: config.DefaultTimeoutConfig(),
	}
	cfg.flagSet = pflag.NewFlagSet("renderworker", pflag.ContinueOnError)
	fs := cfg.flagSet

	fs.StringVar(&cfg.ConfigFile, "config", "", "path to config file")
	fs.StringVar(&cfg.WorkerID, "worker-id", "", "worker identity used to poll for jobs (default: hostname)")
	fs.StringVar(&cfg.MasterAddr, "master-addr", defaultMasterAddr, "render master address")
	fs.StringVarP(&cfg.Level, "log-level", "L", "info", "log level: debug, info, warn, error, fatal")
	fs.StringVar(&cfg.File, "log-file", "", "log file path")
	fs.StringVar(&cfg.Format, "log-format", "text", `the format of the log, "text" or "json"`)
	fs.StringVar(&cfg.Engine.Executable, "engine", "", "render engine executable")
	fs.StringVar(&cfg.Engine.Project, "project", "", "project file passed to the render engine")
	fs.StringVar(&cfg.Engine.OutputRoot, "output-root", "", "default output root of rendered jobs")
	fs.StringVar(&cfg.MetricsAddr, "metrics-addr", "", "address serving worker metrics, empty disables it")
	fs.Var(&cfg.ProgressReportInterval, "progress-report-interval", "minimum interval between two progress reports")
	fs.Var(&cfg.Timeouts.WorkerPollInterval, "poll-interval", "interval between two polls when long polling is off")
	fs.Var(&cfg.Timeouts.WorkerLongPollTimeout, "long-poll-timeout", "how long one poll may wait for work, 0 disables long polling")

	return cfg
}

func (c *Config) String() string {
	cfg, err := json.Marshal(c)
	if err != nil {
		log.L().Error("marshal to json", zap.Reflect("worker config", c), zap.Error(err))
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
	err := c.flagSet.Parse(arguments)
	if err != nil {
		return cerrors.Wrap(cerrors.ErrMasterConfigParseFlagSet, err)
	}
	if c.ConfigFile != "" {
		if err := c.configFromFile(c.ConfigFile); err != nil {
			return err
		}
	}
	err = c.flagSet.Parse(arguments)
	if err != nil {
		return cerrors.Wrap(cerrors.ErrMasterConfigParseFlagSet, err)
	}
	if len(c.flagSet.Args()) != 0 {
		return cerrors.ErrMasterConfigInvalidFlag.GenWithStackByArgs(c.flagSet.Arg(0))
	}
	return c.adjust()
}

func (c *Config) adjust() error {
	if c.WorkerID == "" {
		hostname, err := os.Hostname()
		if err != nil {
			return cerrors.ErrWorkerConfigInvalid.GenWithStackByArgs("worker-id is empty and hostname is unknown")
		}
		c.WorkerID = hostname
	}
	if strings.ContainsAny(c.WorkerID, "/?#") {
		return cerrors.ErrWorkerConfigInvalid.GenWithStackByArgs("worker-id must not contain '/', '?' or '#'")
	}
	if c.MasterAddr == "" {
		c.MasterAddr = defaultMasterAddr
	}
	if c.Engine.Executable == "" {
		return cerrors.ErrWorkerConfigInvalid.GenWithStackByArgs("engine executable is required")
	}
	if c.Engine.KillGracePeriod <= 0 {
		c.Engine.KillGracePeriod = config.Duration(5 * time.Second)
	}
	if c.ProgressReportInterval < 0 {
		c.ProgressReportInterval = 0
	}
	c.Timeouts = c.Timeouts.Adjust()
	return nil
}

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

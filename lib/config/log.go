package config

import (
	"github.com/pingcap/errors"
	"github.com/pingcap/log"
)

// LogConfig is the logging section shared by every renderfarm binary.
type LogConfig struct {
	Level  string `toml:"log-level" json:"log-level"`
	File   string `toml:"log-file" json:"log-file"`
	Format string `toml:"log-format" json:"log-format"`
}

// InitLogger replaces the global logger according to cfg.
func InitLogger(cfg LogConfig) error {
	logCfg := &log.Config{
		Level:  cfg.Level,
		Format: cfg.Format,
		File: log.FileLogConfig{
			Filename: cfg.File,
		},
	}
	if logCfg.Level == "" {
		logCfg.Level = "info"
	}
	if logCfg.Format == "" {
		logCfg.Format = "text"
	}
	logger, props, err := log.InitLogger(logCfg)
	if err != nil {
		return errors.Trace(err)
	}
	log.ReplaceGlobals(logger, props)
	return nil
}

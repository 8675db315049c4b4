// Copyright 2019 Canonical Ltd.
// Licensed under the LGPLv3 with static-linking exception.
// See LICENCE file for details.

package tss

import (
	"io"
	"os"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"golang.org/x/xerrors"
	"gopkg.in/yaml.v3"

	"github.com/canonical/go-tss/ps"
)

// Config provides the context scoped configuration for a Context.
type Config struct {
	// Logger receives diagnostic messages. If nil, messages below the warning level are
	// discarded and nothing is written.
	Logger logrus.FieldLogger

	// Registerer is used to register metrics collectors. If nil, no metrics are recorded.
	Registerer prometheus.Registerer

	// MaxSubmissions is the maximum number of times that a command is submitted when the
	// TPM asks for it to be retried. Zero selects the default of 5.
	MaxSubmissions uint

	// SystemStore and UserStore hold registered keys. If nil, an in-memory store is used.
	SystemStore ps.Store
	UserStore   ps.Store
}

func (c *Config) logger() logrus.FieldLogger {
	if c.Logger != nil {
		return c.Logger
	}
	l := logrus.New()
	l.SetOutput(io.Discard)
	l.SetLevel(logrus.WarnLevel)
	return l
}

// FileConfig is the on-disk YAML representation of a configuration.
type FileConfig struct {
	SystemPSFile   string `yaml:"system_ps_file"`
	UserPSFile     string `yaml:"user_ps_file"`
	RemoteHost     string `yaml:"remote_host"`
	RemotePort     uint   `yaml:"remote_port"`
	MaxSubmissions uint   `yaml:"max_submissions"`
	LogLevel       string `yaml:"log_level"`
	Metrics        bool   `yaml:"metrics"`
}

// LoadConfigFile reads a YAML configuration file from path.
func LoadConfigFile(path string) (*FileConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, xerrors.Errorf("cannot read config file: %w", err)
	}
	return ParseConfig(data)
}

// ParseConfig decodes a YAML configuration.
func ParseConfig(data []byte) (*FileConfig, error) {
	var cfg FileConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, xerrors.Errorf("cannot decode config: %w", err)
	}
	if cfg.LogLevel != "" {
		if _, err := logrus.ParseLevel(cfg.LogLevel); err != nil {
			return nil, xerrors.Errorf("invalid log_level: %w", err)
		}
	}
	return &cfg, nil
}

// Config returns a Config from this file configuration, opening the persistent stores that
// it names. The caller is responsible for the returned stores, which are closed by the
// Context that the Config is passed to.
func (f *FileConfig) Config() (*Config, error) {
	cfg := &Config{MaxSubmissions: f.MaxSubmissions}

	if f.LogLevel != "" {
		level, err := logrus.ParseLevel(f.LogLevel)
		if err != nil {
			return nil, xerrors.Errorf("invalid log_level: %w", err)
		}
		l := logrus.New()
		l.SetOutput(os.Stderr)
		l.SetLevel(level)
		cfg.Logger = l
	}
	if f.Metrics {
		cfg.Registerer = prometheus.DefaultRegisterer
	}

	if f.SystemPSFile != "" {
		store, err := ps.OpenBoltStore(f.SystemPSFile)
		if err != nil {
			return nil, xerrors.Errorf("cannot open system persistent storage: %w", err)
		}
		cfg.SystemStore = store
	}
	if f.UserPSFile != "" {
		store, err := ps.OpenBoltStore(f.UserPSFile)
		if err != nil {
			if cfg.SystemStore != nil {
				cfg.SystemStore.Close()
			}
			return nil, xerrors.Errorf("cannot open user persistent storage: %w", err)
		}
		cfg.UserStore = store
	}

	return cfg, nil
}

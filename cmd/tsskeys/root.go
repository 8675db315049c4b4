// Copyright 2019 Canonical Ltd.
// Licensed under the LGPLv3 with static-linking exception.
// See LICENCE file for details.

package main

import (
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/canonical/go-tss"
	"github.com/canonical/go-tss/remote"
)

const envPrefix = "TSS"

var errNoTPM = errors.New("not connected to a TPM")

// offlineTransport is used for commands that only access persistent storage.
type offlineTransport struct{}

func (offlineTransport) Read(data []byte) (int, error)  { return 0, errNoTPM }
func (offlineTransport) Write(data []byte) (int, error) { return 0, errNoTPM }
func (offlineTransport) Close() error                   { return nil }

type options struct {
	v *viper.Viper
}

func newRootCmd() *cobra.Command {
	o := &options{v: viper.New()}
	o.v.SetEnvPrefix(envPrefix)
	o.v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	o.v.AutomaticEnv()

	cmd := &cobra.Command{
		Use:           "tsskeys",
		Short:         "Inspect and maintain registered TPM keys",
		SilenceUsage: true,
	}
	flags := cmd.PersistentFlags()
	flags.String("config", "", "Read configuration from this YAML file")
	flags.String("system-ps-file", "", "Path of the system persistent storage")
	flags.String("user-ps-file", "", "Path of the user persistent storage")
	flags.String("log-level", "", "Set the log level")
	flags.String("host", "", "Host of the TPM command channel")
	flags.Uint("port", 0, "Port of the TPM command channel")
	_ = o.v.BindPFlag("config", flags.Lookup("config"))
	_ = o.v.BindPFlag("system_ps_file", flags.Lookup("system-ps-file"))
	_ = o.v.BindPFlag("user_ps_file", flags.Lookup("user-ps-file"))
	_ = o.v.BindPFlag("log_level", flags.Lookup("log-level"))
	_ = o.v.BindPFlag("remote_host", flags.Lookup("host"))
	_ = o.v.BindPFlag("remote_port", flags.Lookup("port"))

	cmd.AddCommand(
		newListCmd(o),
		newShowCmd(o),
		newUnregisterCmd(o),
		newLoadCmd(o))
	return cmd
}

// fileConfig returns the configuration file named by --config, with any values supplied
// by flags or the environment taking precedence.
func (o *options) fileConfig() (*tss.FileConfig, error) {
	cfg := new(tss.FileConfig)
	if path := o.v.GetString("config"); path != "" {
		var err error
		if cfg, err = tss.LoadConfigFile(path); err != nil {
			return nil, err
		}
	}

	if o.v.IsSet("system_ps_file") {
		cfg.SystemPSFile = o.v.GetString("system_ps_file")
	}
	if o.v.IsSet("user_ps_file") {
		cfg.UserPSFile = o.v.GetString("user_ps_file")
	}
	if o.v.IsSet("log_level") {
		level := o.v.GetString("log_level")
		if _, err := logrus.ParseLevel(level); err != nil {
			return nil, fmt.Errorf("invalid log level: %w", err)
		}
		cfg.LogLevel = level
	}
	if o.v.IsSet("remote_host") {
		cfg.RemoteHost = o.v.GetString("remote_host")
	}
	if o.v.IsSet("remote_port") {
		cfg.RemotePort = o.v.GetUint("remote_port")
	}
	return cfg, nil
}

func (o *options) logger(cmd *cobra.Command, cfg *tss.FileConfig) *logrus.Logger {
	l := logrus.New()
	l.SetOutput(cmd.ErrOrStderr())
	l.SetLevel(logrus.WarnLevel)
	if level, err := logrus.ParseLevel(cfg.LogLevel); err == nil && cfg.LogLevel != "" {
		l.SetLevel(level)
	}
	return l
}

// openContext opens a context with the configured persistent stores. If online is false,
// the returned context has no connection to a TPM.
func (o *options) openContext(cmd *cobra.Command, online bool) (*tss.Context, error) {
	fc, err := o.fileConfig()
	if err != nil {
		return nil, err
	}
	if fc.SystemPSFile == "" && fc.UserPSFile == "" {
		return nil, errors.New("no persistent storage is configured")
	}

	cfg, err := fc.Config()
	if err != nil {
		return nil, err
	}
	cfg.Logger = o.logger(cmd, fc)

	var transport tss.Transport = offlineTransport{}
	if online {
		var opts []remote.Option
		if fc.RemoteHost != "" {
			opts = append(opts, remote.WithHost(fc.RemoteHost))
		}
		if fc.RemotePort != 0 {
			opts = append(opts, remote.WithPort(fc.RemotePort))
		}
		device := remote.NewDevice(opts...)
		t, err := device.Open()
		if err != nil {
			closeStores(cfg)
			return nil, err
		}
		cfg.Logger.WithField("device", device).Debug("connected to TPM")
		transport = t
	}

	ctx, err := tss.NewContext(transport, cfg)
	if err != nil {
		closeStores(cfg)
		transport.Close()
		return nil, err
	}
	return ctx, nil
}

func closeStores(cfg *tss.Config) {
	for _, s := range []io.Closer{cfg.SystemStore, cfg.UserStore} {
		if s != nil {
			s.Close()
		}
	}
}

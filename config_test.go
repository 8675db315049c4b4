// Copyright 2019 Canonical Ltd.
// Licensed under the LGPLv3 with static-linking exception.
// See LICENCE file for details.

package tss_test

import (
	"errors"
	"os"
	"path/filepath"

	"github.com/sirupsen/logrus"
	. "gopkg.in/check.v1"

	. "github.com/canonical/go-tss"
)

type configSuite struct{}

var _ = Suite(&configSuite{})

func (s *configSuite) TestParseConfig(c *C) {
	cfg, err := ParseConfig([]byte(`
system_ps_file: /var/lib/tss/system.db
user_ps_file: /home/user/.tss/user.db
remote_host: localhost
remote_port: 2321
max_submissions: 3
log_level: debug
metrics: true
`))
	c.Assert(err, IsNil)
	c.Check(cfg, DeepEquals, &FileConfig{
		SystemPSFile:   "/var/lib/tss/system.db",
		UserPSFile:     "/home/user/.tss/user.db",
		RemoteHost:     "localhost",
		RemotePort:     2321,
		MaxSubmissions: 3,
		LogLevel:       "debug",
		Metrics:        true})
}

func (s *configSuite) TestParseEmptyConfig(c *C) {
	cfg, err := ParseConfig(nil)
	c.Check(err, IsNil)
	c.Check(cfg, DeepEquals, &FileConfig{})
}

func (s *configSuite) TestParseConfigInvalidLogLevel(c *C) {
	_, err := ParseConfig([]byte("log_level: loud\n"))
	c.Check(err, ErrorMatches, `invalid log_level: not a valid logrus Level: "loud"`)
}

func (s *configSuite) TestParseConfigInvalidYAML(c *C) {
	_, err := ParseConfig([]byte("remote_port: [1, 2]\n"))
	c.Check(err, ErrorMatches, `(?s)cannot decode config: .*`)
}

func (s *configSuite) TestLoadConfigFile(c *C) {
	path := filepath.Join(c.MkDir(), "tss.yaml")
	c.Assert(os.WriteFile(path, []byte("max_submissions: 7\n"), 0644), IsNil)

	cfg, err := LoadConfigFile(path)
	c.Assert(err, IsNil)
	c.Check(cfg.MaxSubmissions, Equals, uint(7))
}

func (s *configSuite) TestLoadConfigFileMissing(c *C) {
	_, err := LoadConfigFile(filepath.Join(c.MkDir(), "tss.yaml"))
	c.Check(err, ErrorMatches, `cannot read config file: .*`)
	c.Check(os.IsNotExist(errors.Unwrap(err)), Equals, true)
}

func (s *configSuite) TestConfigOpensStores(c *C) {
	dir := c.MkDir()
	f := &FileConfig{
		SystemPSFile:   filepath.Join(dir, "system.db"),
		UserPSFile:     filepath.Join(dir, "user.db"),
		MaxSubmissions: 2,
		LogLevel:       "info"}

	cfg, err := f.Config()
	c.Assert(err, IsNil)
	c.Check(cfg.MaxSubmissions, Equals, uint(2))
	c.Check(cfg.Registerer, IsNil)
	c.Assert(cfg.Logger, NotNil)
	c.Check(cfg.Logger.(*logrus.Logger).GetLevel(), Equals, logrus.InfoLevel)

	c.Assert(cfg.SystemStore, NotNil)
	c.Assert(cfg.UserStore, NotNil)
	entries, err := cfg.SystemStore.List()
	c.Check(err, IsNil)
	c.Check(entries, HasLen, 0)

	c.Check(cfg.SystemStore.Close(), IsNil)
	c.Check(cfg.UserStore.Close(), IsNil)

	_, err = os.Stat(f.SystemPSFile)
	c.Check(err, IsNil)
	_, err = os.Stat(f.UserPSFile)
	c.Check(err, IsNil)
}

func (s *configSuite) TestConfigWithoutStores(c *C) {
	cfg, err := (&FileConfig{}).Config()
	c.Assert(err, IsNil)
	c.Check(cfg.SystemStore, IsNil)
	c.Check(cfg.UserStore, IsNil)
	c.Check(cfg.Logger, IsNil)
}

func (s *configSuite) TestConfigCannotOpenStore(c *C) {
	f := &FileConfig{SystemPSFile: filepath.Join(c.MkDir(), "missing", "system.db")}
	_, err := f.Config()
	c.Check(err, ErrorMatches, `cannot open system persistent storage: .*`)
}

/*
Copyright 2019 Gravitational, Inc.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package main

import (
	"io/ioutil"

	"github.com/dustin/go-humanize"
	"github.com/gravitational/membuf/lib/archive"
	"github.com/gravitational/membuf/lib/membuf"
	"github.com/gravitational/trace"
	"github.com/logrange/logrange/pkg/utils"
	"github.com/mohae/deepcopy"
	"gopkg.in/yaml.v2"
)

type (
	// Represents the HTTP API configuration
	server struct {
		// Address on which http server listens
		ApiListenAddr string `yaml:"apiListenAddr" json:"apiListenAddr"`
		// Maximum number of named buffers held at once
		MaxBuffers int `yaml:"maxBuffers" json:"maxBuffers"`
		// Time given to in-flight requests on shutdown
		ShutdownTimeoutSec int `yaml:"shutdownTimeoutSec" json:"shutdownTimeoutSec"`
		// Interval of held buffers usage reports
		StatsIntervalSec int `yaml:"statsIntervalSec" json:"statsIntervalSec"`
	}

	// Archive pipeline configuration
	archiveCfg struct {
		// Default archive format, e.g. "tar.gz"
		Format string `yaml:"format" json:"format"`
		// Maximum size of one entry of a split stream, human readable, e.g. "10MiB"
		PartSize string `yaml:"partSize" json:"partSize"`
	}

	// Config joins together buffer, server and archive parts.
	// Fields are exported since this is YAML (un-)marshaled object.
	Config struct {
		Buffer  *membuf.Config `yaml:"buffer" json:"buffer"`
		Server  *server        `yaml:"server" json:"server"`
		Archive *archiveCfg    `yaml:"archive" json:"archive"`
	}
)

var defaultConfig = Config{
	Buffer: membuf.NewDefaultConfig(),
	Server: &server{
		ApiListenAddr:      "127.0.0.1:8083",
		MaxBuffers:         64,
		ShutdownTimeoutSec: 10,
		StatsIntervalSec:   60,
	},
	Archive: &archiveCfg{
		Format:   archive.FormatTarGzip.String(),
		PartSize: humanize.IBytes(archive.DefaultPartSize),
	},
}

// Loads config from the given YAML (or JSON) file
func LoadCfgFromFile(path string) (*Config, error) {
	data, err := ioutil.ReadFile(path)
	if err != nil {
		return nil, trace.ConvertSystemError(err)
	}
	cfg := &Config{}
	err = yaml.Unmarshal(data, cfg)
	if err != nil {
		return nil, trace.Wrap(err, "failed to parse %v", path)
	}
	return cfg, nil
}

// Creates config with default values
func NewDefaultConfig() *Config {
	return deepcopy.Copy(&defaultConfig).(*Config)
}

// Merges current config with the given one
func (c *Config) Merge(other *Config) {
	if other == nil {
		return
	}

	if other.Buffer != nil {
		c.Buffer.Merge(other.Buffer)
	}
	if other.Server != nil {
		c.Server.merge(other.Server)
	}
	if other.Archive != nil {
		c.Archive.merge(other.Archive)
	}
}

// Checks whether current config is valid and safe to use
func (c *Config) Check() error {
	if c.Buffer == nil {
		return trace.BadParameter("invalid Buffer: must be non-nil")
	}
	if c.Server == nil {
		return trace.BadParameter("invalid Server: must be non-nil")
	}
	if c.Archive == nil {
		return trace.BadParameter("invalid Archive: must be non-nil")
	}
	if err := c.Buffer.Check(); err != nil {
		return trace.BadParameter("invalid Buffer=%v: %v", c.Buffer, err)
	}
	if err := c.Server.check(); err != nil {
		return trace.BadParameter("invalid Server=%v: %v", c.Server, err)
	}
	if err := c.Archive.check(); err != nil {
		return trace.BadParameter("invalid Archive=%v: %v", c.Archive, err)
	}
	return nil
}

func (c *Config) String() string {
	return utils.ToJsonStr(c)
}

func (s *server) merge(other *server) {
	if other.ApiListenAddr != "" {
		s.ApiListenAddr = other.ApiListenAddr
	}
	if other.MaxBuffers != 0 {
		s.MaxBuffers = other.MaxBuffers
	}
	if other.ShutdownTimeoutSec != 0 {
		s.ShutdownTimeoutSec = other.ShutdownTimeoutSec
	}
	if other.StatsIntervalSec != 0 {
		s.StatsIntervalSec = other.StatsIntervalSec
	}
}

func (s *server) check() error {
	if s.ApiListenAddr == "" {
		return trace.BadParameter("invalid ApiListenAddr: must be non-empty")
	}
	if s.MaxBuffers <= 0 {
		return trace.BadParameter("invalid MaxBuffers=%v: must be > 0", s.MaxBuffers)
	}
	if s.ShutdownTimeoutSec <= 0 {
		return trace.BadParameter("invalid ShutdownTimeoutSec=%v: must be > 0sec", s.ShutdownTimeoutSec)
	}
	if s.StatsIntervalSec <= 0 {
		return trace.BadParameter("invalid StatsIntervalSec=%v: must be > 0sec", s.StatsIntervalSec)
	}
	return nil
}

func (s *server) String() string {
	return utils.ToJsonStr(s)
}

func (a *archiveCfg) merge(other *archiveCfg) {
	if other.Format != "" {
		a.Format = other.Format
	}
	if other.PartSize != "" {
		a.PartSize = other.PartSize
	}
}

func (a *archiveCfg) check() error {
	if _, err := a.format(); err != nil {
		return trace.Wrap(err)
	}
	if _, err := a.partSize(); err != nil {
		return trace.Wrap(err)
	}
	return nil
}

func (a *archiveCfg) format() (archive.Format, error) {
	return archive.ParseFormat(a.Format)
}

func (a *archiveCfg) partSize() (int64, error) {
	return parseSize(a.PartSize)
}

func (a *archiveCfg) String() string {
	return utils.ToJsonStr(a)
}

// parseSize parses a positive human readable size, e.g. "64MiB" or "1000"
func parseSize(s string) (int64, error) {
	n, err := humanize.ParseBytes(s)
	if err != nil {
		return 0, trace.BadParameter("invalid size %q: %v", s, err)
	}
	if n == 0 || n > 1<<62 {
		return 0, trace.BadParameter("invalid size %q: must be > 0", s)
	}
	return int64(n), nil
}

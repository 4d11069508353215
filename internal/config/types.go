// Package config holds the host-facing configuration for a process
// embedding the broker: pool sizing, logging sinks and the optional debug
// server. The broker itself owns no files; this package serves embedding
// hosts and the demo binary, including live reload of the reloadable
// subset (logging, debug).
package config

import (
	"fmt"
	"time"

	"mbus/pkg/logx"
)

type Config struct {
	Broker  BrokerConfig  `yaml:"broker"`
	Logging LoggingConfig `yaml:"logging"`
	Debug   DebugConfig   `yaml:"debug"`
}

// BrokerConfig sizes the payload pools and inbox queues. Zero values take
// the library defaults. These fields are construction-time only; a reload
// never resizes a live broker.
type BrokerConfig struct {
	SmallSize int `yaml:"small_size"`
	SmallCap  int `yaml:"small_cap"`
	LargeSize int `yaml:"large_size"`
	LargeCap  int `yaml:"large_cap"`

	QueueCapacity int `yaml:"queue_capacity"`
}

type LoggingConfig struct {
	Level   string        `yaml:"level"`
	Console bool          `yaml:"console"`
	File    LogFileConfig `yaml:"file"`
}

type LogFileConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// DebugConfig controls the optional pprof HTTP server.
//
// The timeouts are Go duration strings (e.g. "10s", "1m"); omitted fields
// take the server defaults.
type DebugConfig struct {
	Enabled       bool   `yaml:"enabled"`
	Addr          string `yaml:"addr"`
	Token         string `yaml:"token"`
	AllowInsecure bool   `yaml:"allow_insecure"`

	ReadTimeout  string `yaml:"read_timeout"`
	WriteTimeout string `yaml:"write_timeout"`
	IdleTimeout  string `yaml:"idle_timeout"`
}

// Default debug server timeouts, applied when the fields are omitted.
const (
	DefaultDebugReadTimeout  = 10 * time.Second
	DefaultDebugWriteTimeout = 60 * time.Second
	DefaultDebugIdleTimeout  = 60 * time.Second
)

// Timeouts parses the three timeout fields, falling back to the defaults
// for omitted ones.
func (c DebugConfig) Timeouts() (read, write, idle time.Duration, err error) {
	read, err = ParseDurationOrDefault("debug.read_timeout", c.ReadTimeout, DefaultDebugReadTimeout)
	if err != nil {
		return 0, 0, 0, err
	}
	write, err = ParseDurationOrDefault("debug.write_timeout", c.WriteTimeout, DefaultDebugWriteTimeout)
	if err != nil {
		return 0, 0, 0, err
	}
	idle, err = ParseDurationOrDefault("debug.idle_timeout", c.IdleTimeout, DefaultDebugIdleTimeout)
	if err != nil {
		return 0, 0, 0, err
	}
	return read, write, idle, nil
}

// Logx maps the logging section onto pkg/logx.
func (c LoggingConfig) Logx() logx.Config {
	return logx.Config{
		Level:   c.Level,
		Console: c.Console,
		File: logx.FileConfig{
			Enabled: c.File.Enabled,
			Path:    c.File.Path,
		},
	}
}

// Validate rejects configurations the broker would refuse at Init.
func (c *Config) Validate() error {
	b := c.Broker
	for _, f := range []struct {
		name string
		v    int
	}{
		{"broker.small_size", b.SmallSize},
		{"broker.small_cap", b.SmallCap},
		{"broker.large_size", b.LargeSize},
		{"broker.large_cap", b.LargeCap},
		{"broker.queue_capacity", b.QueueCapacity},
	} {
		if f.v < 0 {
			return fmt.Errorf("%s: must be >= 0", f.name)
		}
	}
	small := b.SmallSize
	large := b.LargeSize
	if small == 0 {
		small = 256
	}
	if large == 0 {
		large = 2048
	}
	if small > large {
		return fmt.Errorf("broker.small_size %d exceeds broker.large_size %d", small, large)
	}
	if _, _, _, err := c.Debug.Timeouts(); err != nil {
		return err
	}
	return nil
}

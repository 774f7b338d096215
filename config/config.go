// Copyright (c) 2024 mStar
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

// Package config loads wmctl's settings. Defaults are overridden by the
// config file, which is overridden by WMCTL_* environment variables.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"time"

	"github.com/adrg/xdg"
	"github.com/caarlos0/env/v11"
	"github.com/pelletier/go-toml"
	"github.com/sirupsen/logrus"

	"github.com/mstarongithub/wmctl/common/ipc"
)

// Relative to the XDG config dirs
const DefaultPath = "wmctl/config.toml"

const EnvPrefix = "WMCTL_"

type Config struct {
	// Skip detection and talk to this compositor. Empty means detect.
	Backend string `env:"BACKEND"`
	// Socket to use with Backend. For hyprland this is the instance directory.
	Socket   string `env:"SOCKET"`
	LogLevel string `env:"LOG_LEVEL"`

	// How long a single receive waits while watching
	RecvTimeout    time.Duration `env:"RECV_TIMEOUT"`
	ConnectTimeout time.Duration `env:"CONNECT_TIMEOUT"`
	// Upper bound for one output query round trip
	QueryTimeout time.Duration `env:"QUERY_TIMEOUT"`

	BackoffInitial    time.Duration `env:"BACKOFF_INITIAL"`
	BackoffMax        time.Duration `env:"BACKOFF_MAX"`
	BackoffMultiplier float64       `env:"BACKOFF_MULTIPLIER"`
	BackoffJitter     float64       `env:"BACKOFF_JITTER"`
	// 0 retries forever
	MaxReconnects uint64 `env:"MAX_RECONNECTS"`
	// Retry as soon as the compositor socket shows up again
	WakeOnSocket bool `env:"WAKE_ON_SOCKET"`

	// File the values were read from, empty if none was found
	Path string
}

// Layout of config.toml. Everything is optional, durations are strings
// like "250ms".
type file struct {
	Backend  *string `toml:"backend,omitempty"`
	Socket   *string `toml:"socket,omitempty"`
	LogLevel *string `toml:"log_level,omitempty"`

	RecvTimeout    *string `toml:"recv_timeout,omitempty"`
	ConnectTimeout *string `toml:"connect_timeout,omitempty"`
	QueryTimeout   *string `toml:"query_timeout,omitempty"`

	BackoffInitial    *string  `toml:"backoff_initial,omitempty"`
	BackoffMax        *string  `toml:"backoff_max,omitempty"`
	BackoffMultiplier *float64 `toml:"backoff_multiplier,omitempty"`
	BackoffJitter     *float64 `toml:"backoff_jitter,omitempty"`
	MaxReconnects     *int64   `toml:"max_reconnects,omitempty"`
	WakeOnSocket      *bool    `toml:"wake_on_socket,omitempty"`
}

func Default() *Config {
	return &Config{
		LogLevel:          "warn",
		RecvTimeout:       time.Second,
		ConnectTimeout:    2 * time.Second,
		QueryTimeout:      2 * time.Second,
		BackoffInitial:    250 * time.Millisecond,
		BackoffMax:        10 * time.Second,
		BackoffMultiplier: 2,
		BackoffJitter:     0.3,
		WakeOnSocket:      true,
	}
}

// Load builds the effective configuration. An empty path searches the XDG
// config dirs for DefaultPath, finding nothing there is fine. An explicit
// path has to exist.
func Load(path string) (*Config, error) {
	return load(path, nil)
}

// environ replaces the process environment when not nil
func load(path string, environ map[string]string) (*Config, error) {
	cfg := Default()

	if path == "" {
		found, err := xdg.SearchConfigFile(DefaultPath)
		if err == nil {
			path = found
		} else {
			logrus.WithField("file", DefaultPath).Debugln("No config file found, using defaults")
		}
	}
	if path != "" {
		if err := cfg.readFile(path); err != nil {
			return nil, err
		}
	}

	if err := env.ParseWithOptions(cfg, env.Options{Prefix: EnvPrefix, Environment: environ}); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) readFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("config file %s does not exist", path)
		}
		return fmt.Errorf("read config %s: %w", path, err)
	}
	var f file
	if err := toml.Unmarshal(data, &f); err != nil {
		return fmt.Errorf("parse config %s: %w", path, err)
	}
	if err := c.apply(&f); err != nil {
		return fmt.Errorf("config %s: %w", path, err)
	}
	c.Path = path
	logrus.WithField("file", path).Debugln("Loaded config file")
	return nil
}

func (c *Config) apply(f *file) error {
	setString(&c.Backend, f.Backend)
	setString(&c.Socket, f.Socket)
	setString(&c.LogLevel, f.LogLevel)

	durations := []struct {
		name   string
		raw    *string
		target *time.Duration
	}{
		{"recv_timeout", f.RecvTimeout, &c.RecvTimeout},
		{"connect_timeout", f.ConnectTimeout, &c.ConnectTimeout},
		{"query_timeout", f.QueryTimeout, &c.QueryTimeout},
		{"backoff_initial", f.BackoffInitial, &c.BackoffInitial},
		{"backoff_max", f.BackoffMax, &c.BackoffMax},
	}
	for _, d := range durations {
		if d.raw == nil {
			continue
		}
		parsed, err := time.ParseDuration(*d.raw)
		if err != nil {
			return fmt.Errorf("%s: %w", d.name, err)
		}
		*d.target = parsed
	}

	if f.BackoffMultiplier != nil {
		c.BackoffMultiplier = *f.BackoffMultiplier
	}
	if f.BackoffJitter != nil {
		c.BackoffJitter = *f.BackoffJitter
	}
	if f.MaxReconnects != nil {
		if *f.MaxReconnects < 0 {
			return fmt.Errorf("max_reconnects must not be negative, got %d", *f.MaxReconnects)
		}
		c.MaxReconnects = uint64(*f.MaxReconnects)
	}
	if f.WakeOnSocket != nil {
		c.WakeOnSocket = *f.WakeOnSocket
	}
	return nil
}

func setString(target, value *string) {
	if value != nil {
		*target = *value
	}
}

// Validate checks ranges and names. Load calls it, callers changing a
// Config by hand can too.
func (c *Config) Validate() error {
	if c.Backend != "" {
		if _, err := ipc.ParseKind(c.Backend); err != nil {
			return err
		}
	}
	if c.Socket != "" && c.Backend == "" {
		return errors.New("socket is set but backend is not")
	}
	if _, err := logrus.ParseLevel(c.LogLevel); err != nil {
		return err
	}
	// Checked in file order
	durations := []struct {
		name  string
		value time.Duration
	}{
		{"recv_timeout", c.RecvTimeout},
		{"connect_timeout", c.ConnectTimeout},
		{"query_timeout", c.QueryTimeout},
		{"backoff_initial", c.BackoffInitial},
		{"backoff_max", c.BackoffMax},
	}
	for _, d := range durations {
		if d.value <= 0 {
			return fmt.Errorf("%s must be positive, got %s", d.name, d.value)
		}
	}
	if c.BackoffMax < c.BackoffInitial {
		return fmt.Errorf("backoff_max (%s) is below backoff_initial (%s)", c.BackoffMax, c.BackoffInitial)
	}
	if c.BackoffMultiplier < 1 {
		return fmt.Errorf("backoff_multiplier must be at least 1, got %g", c.BackoffMultiplier)
	}
	if c.BackoffJitter < 0 || c.BackoffJitter >= 1 {
		return fmt.Errorf("backoff_jitter must be in [0, 1), got %g", c.BackoffJitter)
	}
	return nil
}

// Kind is the forced backend, empty when detection should run
func (c *Config) Kind() ipc.Kind {
	if c.Backend == "" {
		return ""
	}
	// Validated already
	kind, _ := ipc.ParseKind(c.Backend)
	return kind
}

// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 tapwire Contributors

// Package config loads runtime configuration for the plugin runtime,
// layering defaults, an optional YAML file, and CLI flags.
package config

import (
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/posflag"
	"github.com/knadh/koanf/v2"
	"github.com/samber/oops"
	"github.com/spf13/pflag"
)

// Config holds every tunable the runtime needs at startup.
type Config struct {
	// PluginsDir is the directory scanned for plugin subdirectories,
	// each containing a plugin.yaml manifest and a Lua entry file.
	PluginsDir string `koanf:"plugins_dir"`

	// LogFormat is "json" or "text".
	LogFormat string `koanf:"log_format"`

	// MetricsAddr is the listen address for /metrics and /healthz/*.
	MetricsAddr string `koanf:"metrics_addr"`

	// DeferredTimeout bounds a serial.recv or rtt.recv call that supplies
	// no positive timeout_ms of its own.
	DeferredTimeout time.Duration `koanf:"deferred_timeout"`

	// EventQueueCapacity bounds the dispatcher's inbound event queue
	// before non-lifecycle events are dropped oldest-first.
	EventQueueCapacity int `koanf:"event_queue_capacity"`

	// ShellIdleTimeout closes an idle Shell subprocess session after no
	// run/exist call for this long.
	ShellIdleTimeout time.Duration `koanf:"shell_idle_timeout"`
}

func defaults() *koanf.Koanf {
	k := koanf.New(".")
	_ = k.Load(confmap.Provider(map[string]any{
		"plugins_dir":          "plugins",
		"log_format":           "json",
		"metrics_addr":         ":9090",
		"deferred_timeout":     "30s",
		"event_queue_capacity": 1024,
		"shell_idle_timeout":   "5m",
	}, "."), nil)
	return k
}

// Load builds a Config from defaults, an optional YAML file at path (skipped
// if path is empty; a path that cannot be read is a load-error), and flags,
// in that order of increasing precedence.
func Load(path string, flags *pflag.FlagSet) (*Config, error) {
	k := defaults()

	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, oops.Code("load-error").With("path", path).Wrap(err)
		}
	}

	if flags != nil {
		if err := k.Load(posflag.Provider(flags, ".", k), nil); err != nil {
			return nil, oops.Code("load-error").Wrap(err)
		}
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, oops.Code("load-error").Wrap(err)
	}
	return &cfg, nil
}

// RegisterFlags adds the flags Load understands to fs, mirroring the
// koanf key names so posflag.Provider overlays them correctly.
func RegisterFlags(fs *pflag.FlagSet) {
	fs.String("plugins_dir", "plugins", "directory containing plugin subdirectories")
	fs.String("log_format", "json", "log output format: json or text")
	fs.String("metrics_addr", ":9090", "listen address for metrics and health endpoints")
	fs.Duration("deferred_timeout", 30*time.Second, "default timeout for deferred host calls")
	fs.Int("event_queue_capacity", 1024, "capacity of the dispatcher's inbound event queue")
	fs.Duration("shell_idle_timeout", 5*time.Minute, "idle timeout before a Shell session is closed")
}

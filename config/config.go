// Package config loads the memcache client configuration from YAML.
//
// Example:
//
//	servers:
//	  - "127.0.0.1:11211"
//	  - "127.0.0.1:11212"
//	options:
//	  connect_timeout: 500      # ms
//	  read_timeout: 1000        # ms
//	  write_timeout: 1000       # ms
//	  restoration_interval: 60  # seconds
//	  fail_limit: 1
//	  max_idle_connections: 1
//	  virtual_nodes: 200
//	  protocol: text            # text | binary
//	log_level: info
//
// Unknown keys are rejected.  Omitted options take the client defaults.
package config

import (
	"bytes"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/dropbox/mcache/errors"
	"github.com/dropbox/mcache/memcache"
)

const (
	// Comma separated list of servers.  Replaces the configured servers.
	EnvServers = "MCACHE_SERVERS"

	// Replaces the configured log level.
	EnvLogLevel = "MCACHE_LOG_LEVEL"
)

type Options struct {
	ConnectTimeoutMs        *int   `yaml:"connect_timeout"`
	ReadTimeoutMs           *int   `yaml:"read_timeout"`
	WriteTimeoutMs          *int   `yaml:"write_timeout"`
	RestorationIntervalSecs *int   `yaml:"restoration_interval"`
	FailLimit               *int   `yaml:"fail_limit"`
	MaxIdleConnections      *int   `yaml:"max_idle_connections"`
	VirtualNodes            *int   `yaml:"virtual_nodes"`
	Protocol                string `yaml:"protocol"`
}

type Config struct {
	Servers  []string `yaml:"servers"`
	Options  Options  `yaml:"options"`
	LogLevel string   `yaml:"log_level"`
}

// Reads and validates the config file at path.  Environment overrides are
// applied before validation.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "Failed to read config %s", path)
	}

	cfg, err := Parse(data)
	if err != nil {
		return nil, errors.Wrapf(err, "Invalid config %s", path)
	}
	return cfg, nil
}

// Parses and validates a YAML document.  Environment overrides are applied
// before validation.
func Parse(data []byte) (*Config, error) {
	cfg := &Config{}

	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(cfg); err != nil && err != io.EOF {
		return nil, errors.Wrap(err, "Failed to parse config")
	}

	cfg.ApplyEnv(os.LookupEnv)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Applies the MCACHE_* overrides.  lookup is usually os.LookupEnv.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) {
	if value, ok := lookup(EnvServers); ok && strings.TrimSpace(value) != "" {
		c.Servers = SplitServers(value)
	}
	if value, ok := lookup(EnvLogLevel); ok && strings.TrimSpace(value) != "" {
		c.LogLevel = strings.TrimSpace(value)
	}
}

// Splits a comma separated server list, dropping empty entries.
func SplitServers(value string) []string {
	var servers []string
	for _, server := range strings.Split(value, ",") {
		server = strings.TrimSpace(server)
		if server != "" {
			servers = append(servers, server)
		}
	}
	return servers
}

func checkPositive(name string, value *int) error {
	if value != nil && *value <= 0 {
		return errors.Newf("%s must be positive (got %d)", name, *value)
	}
	return nil
}

func (c *Config) Validate() error {
	if len(c.Servers) == 0 {
		return errors.New("At least one server is required")
	}
	for _, server := range c.Servers {
		if err := memcache.ValidateServerAddress(server); err != nil {
			return err
		}
	}

	for _, field := range []struct {
		name  string
		value *int
	}{
		{"connect_timeout", c.Options.ConnectTimeoutMs},
		{"read_timeout", c.Options.ReadTimeoutMs},
		{"write_timeout", c.Options.WriteTimeoutMs},
		{"restoration_interval", c.Options.RestorationIntervalSecs},
		{"fail_limit", c.Options.FailLimit},
		{"max_idle_connections", c.Options.MaxIdleConnections},
		{"virtual_nodes", c.Options.VirtualNodes},
	} {
		if err := checkPositive(field.name, field.value); err != nil {
			return err
		}
	}

	if _, err := memcache.ParseProtocol(c.Options.Protocol); err != nil {
		return err
	}
	if _, err := ParseLogLevel(c.LogLevel); err != nil {
		return err
	}
	return nil
}

// Converts the config into client options.  Clock, Logger, Dial and
// Registerer are left for the caller to fill in.
func (c *Config) ClientOptions() (memcache.Options, error) {
	if err := c.Validate(); err != nil {
		return memcache.Options{}, err
	}

	options := memcache.DefaultOptions()
	if v := c.Options.ConnectTimeoutMs; v != nil {
		options.ConnectTimeout = time.Duration(*v) * time.Millisecond
	}
	if v := c.Options.ReadTimeoutMs; v != nil {
		options.ReadTimeout = time.Duration(*v) * time.Millisecond
	}
	if v := c.Options.WriteTimeoutMs; v != nil {
		options.WriteTimeout = time.Duration(*v) * time.Millisecond
	}
	if v := c.Options.RestorationIntervalSecs; v != nil {
		options.RestorationInterval = time.Duration(*v) * time.Second
	}
	if v := c.Options.FailLimit; v != nil {
		options.FailLimit = *v
	}
	if v := c.Options.MaxIdleConnections; v != nil {
		options.MaxIdleConnections = *v
	}
	if v := c.Options.VirtualNodes; v != nil {
		options.VirtualNodes = *v
	}

	protocol, err := memcache.ParseProtocol(c.Options.Protocol)
	if err != nil {
		return memcache.Options{}, err
	}
	options.Protocol = protocol

	return options, nil
}

// Valid values: debug, info, warn (warning), error.  The empty string means
// info.
func ParseLogLevel(level string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "", "info":
		return slog.LevelInfo, nil
	case "debug":
		return slog.LevelDebug, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	}
	return slog.LevelInfo, errors.Newf("Unknown log level: %q", level)
}

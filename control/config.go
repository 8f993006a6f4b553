// control/config.go
// Author: momentics <momentics@gmail.com>
//
// Typed proxy configuration: YAML schema, validation, and a thread-safe
// store with atomic snapshot reads and hot-reload propagation.

package control

import (
	"os"
	"runtime"
	"sync"
	"time"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"

	"github.com/momentics/hioload-proxy/api"
)

// Duration wraps time.Duration for "250ms"/"5s" YAML values.
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var raw string
	if err := value.Decode(&raw); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return errors.Wrapf(err, "bad duration %q", raw)
	}
	*d = Duration(parsed)
	return nil
}

// Std returns the standard library form.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// ListenerConfig is one downstream listener.
type ListenerConfig struct {
	Address                       string `yaml:"address"`
	BindToPort                    *bool  `yaml:"bind_to_port"`
	UseProxyProto                 bool   `yaml:"use_proxy_proto"`
	UseOriginalDst                bool   `yaml:"use_original_dst"`
	PerConnectionBufferLimitBytes uint32 `yaml:"per_connection_buffer_limit_bytes"`
}

// Options converts the YAML flags into listener options.
func (lc *ListenerConfig) Options() api.ListenerOptions {
	bind := true
	if lc.BindToPort != nil {
		bind = *lc.BindToPort
	}
	return api.ListenerOptions{
		BindToPort:                    bind,
		UseProxyProto:                 lc.UseProxyProto,
		UseOriginalDst:                lc.UseOriginalDst,
		PerConnectionBufferLimitBytes: lc.PerConnectionBufferLimitBytes,
	}
}

// ClusterConfig is one upstream cluster with its circuit-breaking limits.
type ClusterConfig struct {
	Name                     string   `yaml:"name"`
	Host                     string   `yaml:"host"`
	ConnectTimeout           Duration `yaml:"connect_timeout"`
	MaxConnections           uint64   `yaml:"max_connections"`
	MaxPendingRequests       uint64   `yaml:"max_pending_requests"`
	MaxRequests              uint64   `yaml:"max_requests"`
	MaxRetries               uint64   `yaml:"max_retries"`
	MaxRequestsPerConnection uint64   `yaml:"max_requests_per_connection"`

	PerConnectionBufferLimitBytes uint32 `yaml:"per_connection_buffer_limit_bytes"`
}

// Config is the whole proxy config file.
type Config struct {
	Workers int    `yaml:"workers"`
	BaseID  uint32 `yaml:"base_id"`
	// AdminAddress serves /metrics and /debug on loopback; empty disables
	// the admin surface.
	AdminAddress string           `yaml:"admin_address"`
	LogLevel     string           `yaml:"log_level"`
	Listeners    []ListenerConfig `yaml:"listeners"`
	Clusters     []ClusterConfig  `yaml:"clusters"`
}

const (
	defaultConnectTimeout = 5 * time.Second
	defaultResourceLimit  = 1024
)

// Load reads, parses and validates path.
func Load(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "read config")
	}
	cfg := &Config{}
	if err := yaml.Unmarshal(raw, cfg); err != nil {
		return nil, errors.Wrap(err, "parse config")
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Workers <= 0 {
		c.Workers = runtime.NumCPU()
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	for i := range c.Clusters {
		cl := &c.Clusters[i]
		if cl.ConnectTimeout == 0 {
			cl.ConnectTimeout = Duration(defaultConnectTimeout)
		}
		if cl.MaxConnections == 0 {
			cl.MaxConnections = defaultResourceLimit
		}
		if cl.MaxPendingRequests == 0 {
			cl.MaxPendingRequests = defaultResourceLimit
		}
		if cl.MaxRequests == 0 {
			cl.MaxRequests = defaultResourceLimit
		}
		if cl.MaxRetries == 0 {
			cl.MaxRetries = 3
		}
	}
}

// Validate rejects configs the runtime could not serve.
func (c *Config) Validate() error {
	for _, lc := range c.Listeners {
		if _, err := api.ParseAddress(lc.Address); err != nil {
			return errors.Wrapf(err, "listener %q", lc.Address)
		}
	}
	seen := make(map[string]struct{}, len(c.Clusters))
	for _, cl := range c.Clusters {
		if cl.Name == "" {
			return errors.New("cluster with empty name")
		}
		if _, dup := seen[cl.Name]; dup {
			return errors.Errorf("duplicate cluster %q", cl.Name)
		}
		seen[cl.Name] = struct{}{}
		if _, err := api.ParseAddress(cl.Host); err != nil {
			return errors.Wrapf(err, "cluster %q host", cl.Name)
		}
	}
	return nil
}

// ConfigStore holds the live config with atomic snapshot reads and
// listener hooks fired on every update.
type ConfigStore struct {
	mu        sync.RWMutex
	config    *Config
	listeners []func(*Config)
}

// NewConfigStore initializes a store around an initial config.
func NewConfigStore(initial *Config) *ConfigStore {
	return &ConfigStore{config: initial}
}

// Snapshot returns the current config. Callers must treat it as read-only.
func (cs *ConfigStore) Snapshot() *Config {
	cs.mu.RLock()
	defer cs.mu.RUnlock()
	return cs.config
}

// Set replaces the config and dispatches reload hooks.
func (cs *ConfigStore) Set(cfg *Config) {
	cs.mu.Lock()
	cs.config = cfg
	hooks := make([]func(*Config), len(cs.listeners))
	copy(hooks, cs.listeners)
	cs.mu.Unlock()

	for _, fn := range hooks {
		fn(cfg)
	}
}

// OnReload registers a listener hook called on config changes.
func (cs *ConfigStore) OnReload(fn func(*Config)) {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	cs.listeners = append(cs.listeners, fn)
}

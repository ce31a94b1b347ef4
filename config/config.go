// Package config loads and validates the registry-cache configuration file.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration parses YAML strings like "60s" or "5m".
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("parsing duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// Config is the root of the configuration document.
type Config struct {
	API       API        `yaml:"api"`
	Upstreams []Upstream `yaml:"upstreams"`
	Storage   Storage    `yaml:"storage"`
}

// API configures the listener.
type API struct {
	// Hostname is the advertised hostname of the cache. It doubles
	// as the bind address when Address is not set.
	Hostname string `yaml:"hostname"`

	// Address overrides the address to bind.
	Address string `yaml:"address"`

	// Port is the plaintext port. Defaults to 80 when TLS is
	// configured, 8080 otherwise.
	Port string `yaml:"port"`

	// TLSKey and TLSCert enable the TLS listener on port 443 when
	// both are set.
	TLSKey  string `yaml:"tls_key"`
	TLSCert string `yaml:"tls_cert"`

	// MaxConnections caps concurrent connections per listener.
	// Zero means unlimited.
	MaxConnections int `yaml:"max_connections"`

	// UpstreamIdleTimeout is how long an unused keep-alive upstream
	// connection stays pooled before it is closed. It does not bound
	// reads on an active transfer. Defaults to 60s.
	UpstreamIdleTimeout Duration `yaml:"upstream_idle_timeout"`
}

// Upstream maps an inbound Host header to an upstream registry.
type Upstream struct {
	// Host is the inbound Host header the cache answers for.
	Host string `yaml:"host"`

	// Registry is the upstream registry hostname.
	Registry string `yaml:"registry"`

	// Port is the upstream port.
	Port int `yaml:"port"`

	// Schema is "http" or "https".
	Schema string `yaml:"schema"`
}

// Storage configures the content-addressed store.
type Storage struct {
	// Folder is the root of the store. blobs/ and staging/ are
	// created beneath it.
	Folder string `yaml:"folder"`
}

// Load reads and validates the configuration at path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file %s: %w", path, err)
	}
	return Parse(data)
}

// Parse unmarshals and validates a configuration document.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	cfg.applyDefaults()
	return &cfg, nil
}

// Validate checks the configuration for fatal mistakes.
func (c *Config) Validate() error {
	if c.API.Hostname == "" {
		return fmt.Errorf("config: api.hostname must not be empty")
	}
	if (c.API.TLSKey == "") != (c.API.TLSCert == "") {
		return fmt.Errorf("config: api.tls_key and api.tls_cert must be set together")
	}
	if c.API.Port != "" {
		if _, err := strconv.ParseUint(c.API.Port, 10, 16); err != nil {
			return fmt.Errorf("config: api.port %q is not a valid port", c.API.Port)
		}
	}
	if len(c.Upstreams) == 0 {
		return fmt.Errorf("config: at least one upstream is required")
	}
	seen := make(map[string]bool)
	for i, u := range c.Upstreams {
		if u.Host == "" {
			return fmt.Errorf("config: upstreams[%d].host must not be empty", i)
		}
		if seen[u.Host] {
			return fmt.Errorf("config: duplicate upstream host %q", u.Host)
		}
		seen[u.Host] = true
		if u.Registry == "" {
			return fmt.Errorf("config: upstreams[%d].registry must not be empty", i)
		}
		if u.Port < 1 || u.Port > 65535 {
			return fmt.Errorf("config: upstreams[%d].port %d out of range", i, u.Port)
		}
		if u.Schema != "http" && u.Schema != "https" {
			return fmt.Errorf("config: upstreams[%d].schema must be http or https, got %q", i, u.Schema)
		}
	}
	if c.Storage.Folder == "" {
		return fmt.Errorf("config: storage.folder must not be empty")
	}
	return nil
}

func (c *Config) applyDefaults() {
	if c.API.Address == "" {
		c.API.Address = c.API.Hostname
	}
	if c.API.Port == "" {
		if c.TLSEnabled() {
			c.API.Port = "80"
		} else {
			c.API.Port = "8080"
		}
	}
	if c.API.UpstreamIdleTimeout == 0 {
		c.API.UpstreamIdleTimeout = Duration(60 * time.Second)
	}
}

// TLSEnabled reports whether the TLS listener should be started.
func (c *Config) TLSEnabled() bool {
	return c.API.TLSKey != "" && c.API.TLSCert != ""
}

// UpstreamMap returns the upstreams keyed by inbound host.
func (c *Config) UpstreamMap() map[string]Upstream {
	m := make(map[string]Upstream, len(c.Upstreams))
	for _, u := range c.Upstreams {
		m[u.Host] = u
	}
	return m
}

// Package vspcconfig loads the VSPC server configuration from the
// environment (and, optionally, a YAML override file), the way the
// corpus's command binaries build their Config structs.
package vspcconfig

import (
	"fmt"
	"os"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"
)

// Config is the configuration bundle the VSPC core needs. This
// package only owns turning environment variables and an optional
// YAML file into a populated Config; flag parsing lives in cmd/vspc.
type Config struct {
	// VM listener
	Host string `env:"VSPC_HOST" yaml:"host" envDefault:"0.0.0.0"`
	Port int    `env:"VSPC_PORT" yaml:"port" envDefault:"13370"`

	// Client plane
	EnableClients bool   `env:"VSPC_ENABLE_CLIENTS" yaml:"enable_clients" envDefault:"false"`
	ClientHost    string `env:"VSPC_CLIENT_HOST" yaml:"client_host" envDefault:"127.0.0.1"`
	VMStartPort   int    `env:"VSPC_VM_START_PORT" yaml:"vm_start_port" envDefault:"20000"`

	// Admin endpoint (only meaningful when EnableClients is true)
	AdminHost string `env:"VSPC_ADMIN_HOST" yaml:"admin_host" envDefault:"127.0.0.1"`
	AdminPort int    `env:"VSPC_ADMIN_PORT" yaml:"admin_port" envDefault:"13371"`

	// TLS (optional; Key defaults to Cert when empty)
	Cert string `env:"VSPC_CERT" yaml:"cert"`
	Key  string `env:"VSPC_KEY" yaml:"key"`

	// VMware DO_PROXY handshake
	URI string `env:"VSPC_URI" yaml:"uri"`

	// Serial log store
	SerialLogDir string `env:"VSPC_SERIAL_LOG_DIR,required" yaml:"serial_log_dir"`

	// Logging
	LogLevel    string `env:"VSPC_LOG_LEVEL" yaml:"log_level" envDefault:"info"`
	Environment string `env:"VSPC_ENVIRONMENT" yaml:"environment" envDefault:"development"`

	// Optional observational event bus
	NATSURLs []string `env:"VSPC_NATS_URLS" yaml:"nats_urls" envSeparator:","`
}

// Load reads a Config from the environment, applying defaults. If
// yamlPath is non-empty, its contents are unmarshalled first so that
// environment variables still take precedence over file values.
func Load(yamlPath string) (*Config, error) {
	cfg := &Config{}

	if yamlPath != "" {
		data, err := os.ReadFile(yamlPath)
		if err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config file: %w", err)
		}
	}

	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse environment: %w", err)
	}

	if cfg.Key == "" {
		cfg.Key = cfg.Cert
	}

	return cfg, nil
}

// TLSEnabled reports whether a certificate has been configured.
func (c *Config) TLSEnabled() bool {
	return c.Cert != ""
}

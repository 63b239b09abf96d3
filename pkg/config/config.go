package config

import (
	"fmt"
	"os"
	"time"

	"github.com/goccy/go-yaml"
	"github.com/kelseyhightower/envconfig"
)

type Config struct {
	Connector ConnectorConfig `yaml:"connector" json:"connector"`
	Logging   LoggingConfig   `yaml:"logging" json:"logging"`
	State     StateConfig     `yaml:"state" json:"state"`
	Remote    DirectoryConfig `yaml:"remote" json:"remote"`
	Local     DirectoryConfig `yaml:"local" json:"local"`
	Rules     RulesConfig     `yaml:"rules" json:"rules"`
}

type ConnectorConfig struct {
	Name           string        `yaml:"name" json:"name" envconfig:"NAME"`
	PollInterval   time.Duration `yaml:"pollInterval" json:"pollInterval" envconfig:"POLL_INTERVAL"`
	ResyncInterval time.Duration `yaml:"resyncInterval" json:"resyncInterval" envconfig:"RESYNC_INTERVAL"`
	DryRun         bool          `yaml:"dryRun" json:"dryRun" envconfig:"DRY_RUN"`

	// Inbound pulls remote changes into the local directory, outbound
	// pushes local changes to the remote. Both default to enabled.
	Inbound  bool `yaml:"inbound" json:"inbound" envconfig:"INBOUND"`
	Outbound bool `yaml:"outbound" json:"outbound" envconfig:"OUTBOUND"`

	RetryLimit int           `yaml:"retryLimit" json:"retryLimit" envconfig:"RETRY_LIMIT"`
	RetryDelay time.Duration `yaml:"retryDelay" json:"retryDelay" envconfig:"RETRY_DELAY"`
}

type LoggingConfig struct {
	Level  string `yaml:"level" json:"level" envconfig:"LEVEL"`
	Format string `yaml:"format" json:"format" envconfig:"FORMAT"`
	Output string `yaml:"output" json:"output" envconfig:"OUTPUT"`
}

// StateConfig selects the durable store holding the change cursor, the
// identity map and the reject queue. Backend "sql" covers a single-node
// deployment, "etcd" adds the cross-instance writer lock.
type StateConfig struct {
	Backend string `yaml:"backend" json:"backend" envconfig:"BACKEND"`

	Driver string `yaml:"driver" json:"driver" envconfig:"DRIVER"`
	DSN    string `yaml:"dsn" json:"dsn" envconfig:"DSN"`

	Endpoints   []string      `yaml:"endpoints" json:"endpoints" envconfig:"ENDPOINTS"`
	DialTimeout time.Duration `yaml:"dialTimeout" json:"dialTimeout" envconfig:"DIAL_TIMEOUT"`
}

type DirectoryConfig struct {
	URL          string        `yaml:"url" json:"url"`
	BindDN       string        `yaml:"bindDN" json:"bindDN"`
	BindPassword string        `yaml:"bindPassword" json:"bindPassword"`
	BaseDN       string        `yaml:"baseDN" json:"baseDN"`
	Partitions   []string      `yaml:"partitions" json:"partitions"`
	PageSize     uint32        `yaml:"pageSize" json:"pageSize"`
	StartTLS     bool          `yaml:"startTLS" json:"startTLS"`
	Timeout      time.Duration `yaml:"timeout" json:"timeout"`
}

type RulesConfig struct {
	Path string          `yaml:"path" json:"path" envconfig:"RULES_PATH"`
	Git  *GitRulesConfig `yaml:"git" json:"git"`
}

type GitRulesConfig struct {
	URL      string `yaml:"url" json:"url"`
	Ref      string `yaml:"ref" json:"ref"`
	Path     string `yaml:"path" json:"path"`
	CacheDir string `yaml:"cacheDir" json:"cacheDir"`
}

func DefaultConfig() *Config {
	return &Config{
		Connector: ConnectorConfig{
			Name:           "connector-1",
			PollInterval:   5 * time.Second,
			ResyncInterval: 0, // resync on startup only
			Inbound:        true,
			Outbound:       true,
			RetryLimit:     3,
			RetryDelay:     10 * time.Second,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
		},
		State: StateConfig{
			Backend:     "sql",
			Driver:      "sqlite",
			DSN:         "file:/var/lib/dirbridge/state.db",
			DialTimeout: 5 * time.Second,
		},
		Remote: DirectoryConfig{
			PageSize: 500,
			Timeout:  30 * time.Second,
		},
		Local: DirectoryConfig{
			PageSize: 500,
			Timeout:  30 * time.Second,
		},
		Rules: RulesConfig{
			Path: "/etc/dirbridge/rules.yaml",
		},
	}
}

func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		f, err := os.Open(path)
		if err != nil {
			return nil, err
		}
		defer f.Close()
		if err := yaml.NewDecoder(f).Decode(cfg); err != nil {
			return nil, err
		}
	}

	if err := envconfig.Process("DIRBRIDGE", cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate enforces the fatal-configuration error class: the connector
// must refuse to start polling on a contradictory or incomplete config.
func (c *Config) Validate() error {
	if c.Connector.Name == "" {
		return fmt.Errorf("connector.name is required")
	}
	if c.Connector.PollInterval <= 0 {
		return fmt.Errorf("connector.pollInterval must be positive")
	}
	if c.Connector.RetryLimit < 0 {
		return fmt.Errorf("connector.retryLimit must not be negative")
	}
	if !c.Connector.Inbound && !c.Connector.Outbound {
		return fmt.Errorf("at least one of connector.inbound and connector.outbound must be enabled")
	}

	switch c.State.Backend {
	case "sql":
		switch c.State.Driver {
		case "sqlite", "postgres", "mysql", "sqlserver":
		default:
			return fmt.Errorf("state.driver %q is not supported", c.State.Driver)
		}
		if c.State.DSN == "" {
			return fmt.Errorf("state.dsn is required for the sql backend")
		}
	case "etcd":
		if len(c.State.Endpoints) == 0 {
			return fmt.Errorf("state.endpoints is required for the etcd backend")
		}
	default:
		return fmt.Errorf("state.backend %q is not supported", c.State.Backend)
	}

	for _, side := range []struct {
		name string
		d    *DirectoryConfig
	}{{"remote", &c.Remote}, {"local", &c.Local}} {
		if side.d.URL == "" {
			return fmt.Errorf("%s.url is required", side.name)
		}
		if side.d.BaseDN == "" {
			return fmt.Errorf("%s.baseDN is required", side.name)
		}
	}

	if c.Rules.Path == "" && c.Rules.Git == nil {
		return fmt.Errorf("rules.path or rules.git is required")
	}
	if c.Rules.Git != nil && c.Rules.Git.URL == "" {
		return fmt.Errorf("rules.git.url is required")
	}

	return nil
}

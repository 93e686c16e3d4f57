package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// DefaultPath is where the daemon looks for its configuration file.
const DefaultPath = "/etc/hostforge/hostd.yaml"

// ErrInvalidConfig is returned when configuration validation fails.
var ErrInvalidConfig = errors.New("config: invalid configuration")

// Config is the complete daemon configuration.
type Config struct {
	Store     StoreConfig     `yaml:"store"`
	Scheduler SchedulerConfig `yaml:"scheduler"`
	Security  SecurityConfig  `yaml:"security"`
	Apps      AppsConfig      `yaml:"apps"`
	Updates   UpdatesConfig   `yaml:"updates"`
	API       APIConfig       `yaml:"api"`
	Databases DatabasesConfig `yaml:"databases"`
	Logging   LoggingConfig   `yaml:"logging"`
}

// StoreConfig selects and configures the durable store.
type StoreConfig struct {
	// Backend is one of redis, badger or memory.
	// Environment: HOSTD_STORE_BACKEND
	Backend string `yaml:"backend" validate:"oneof=redis badger memory"`

	// Environment: HOSTD_REDIS_ADDR
	RedisAddr string `yaml:"redis_addr" validate:"required_if=Backend redis"`
	// Environment: HOSTD_REDIS_PASSWORD
	RedisPassword string `yaml:"redis_password,omitempty"`
	RedisDB       int    `yaml:"redis_db" validate:"min=0"`
	Namespace     string `yaml:"namespace,omitempty"`

	// Environment: HOSTD_BADGER_PATH
	BadgerPath string `yaml:"badger_path" validate:"required_if=Backend badger"`

	// LivenessInterval is how stale the last successful store call may be before
	// an operation pings first.
	LivenessInterval time.Duration `yaml:"liveness_interval" validate:"min=0"`
}

// SchedulerConfig configures the worker pool and the scheduler loop.
type SchedulerConfig struct {
	// Environment: HOSTD_WORKERS
	Workers           int           `yaml:"workers" validate:"min=1,max=64"`
	PollInterval      time.Duration `yaml:"poll_interval" validate:"gt=0"`
	SchedulerInterval time.Duration `yaml:"scheduler_interval" validate:"gt=0"`
	StepTimeout       time.Duration `yaml:"step_timeout" validate:"min=0"`
	LeaseTTL          time.Duration `yaml:"lease_ttl" validate:"gt=0"`
}

// SecurityConfig configures firewall synchronization.
type SecurityConfig struct {
	// Environment: HOSTD_FIREWALL_ENABLED
	FirewallEnabled bool   `yaml:"firewall_enabled"`
	Chain           string `yaml:"chain" validate:"required,max=28"`
	RulesPath       string `yaml:"rules_path" validate:"required"`
	// LocalRanges overrides interface discovery for LocalOnly services.
	LocalRanges []string `yaml:"local_ranges,omitempty" validate:"dive,cidrv4"`
}

// AppsConfig configures application manifests and installation.
type AppsConfig struct {
	ManifestDir    string `yaml:"manifest_dir" validate:"required"`
	ManifestGlob   string `yaml:"manifest_glob" validate:"required"`
	DataDir        string `yaml:"data_dir" validate:"required"`
	RegistryURL    string `yaml:"registry_url,omitempty" validate:"omitempty,url"`
	Watch          bool   `yaml:"watch"`
	// PackageManager installs system dependencies: pacman or apt.
	PackageManager string `yaml:"package_manager" validate:"oneof=pacman apt"`
}

// UpdatesConfig configures the periodic update check.
type UpdatesConfig struct {
	// Environment: HOSTD_UPDATES_URL
	URL           string        `yaml:"url,omitempty" validate:"omitempty,url"`
	CheckInterval time.Duration `yaml:"check_interval" validate:"min=0"`
}

// APIConfig configures the HTTP API.
type APIConfig struct {
	// Environment: HOSTD_API_LISTEN
	Listen string `yaml:"listen" validate:"required,hostname_port"`
	// RateLimit is the sustained request rate for mutating endpoints, per second.
	RateLimit float64 `yaml:"rate_limit" validate:"gt=0"`
	Burst     int     `yaml:"burst" validate:"min=1"`
}

// DatabasesConfig configures database engines.
type DatabasesConfig struct {
	// Environment: HOSTD_POSTGRES_DSN
	PostgresDSN string `yaml:"postgres_dsn,omitempty"`
}

// LoggingConfig configures the process logger.
type LoggingConfig struct {
	// Environment: HOSTD_LOG_LEVEL
	Level       string   `yaml:"level" validate:"oneof=debug info warn error"`
	Format      string   `yaml:"format" validate:"oneof=json console"`
	OutputPaths []string `yaml:"output_paths,omitempty"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Store: StoreConfig{
			Backend:          "badger",
			RedisAddr:        "localhost:6379",
			BadgerPath:       "/var/lib/hostforge/store",
			LivenessInterval: 5 * time.Second,
		},
		Scheduler: SchedulerConfig{
			Workers:           1,
			PollInterval:      time.Second,
			SchedulerInterval: 5 * time.Second,
			LeaseTTL:          15 * time.Second,
		},
		Security: SecurityConfig{
			FirewallEnabled: true,
			Chain:           "HOSTFORGE",
			RulesPath:       "/etc/iptables/iptables.rules",
		},
		Apps: AppsConfig{
			ManifestDir:    "/usr/share/hostforge/apps",
			ManifestGlob:   "**/manifest.yaml",
			DataDir:        "/var/lib/hostforge/apps",
			Watch:          true,
			PackageManager: "pacman",
		},
		Updates: UpdatesConfig{
			CheckInterval: 24 * time.Hour,
		},
		API: APIConfig{
			Listen:    "127.0.0.1:8765",
			RateLimit: 5,
			Burst:     10,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// Load reads the configuration file at path over the defaults, applies
// environment overrides and validates the result. A missing file at the default
// path is not an error.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		if err := cfg.loadFromFile(path); err != nil {
			if !(errors.Is(err, os.ErrNotExist) && path == DefaultPath) {
				return nil, fmt.Errorf("load config from %s: %w", path, err)
			}
		}
	}

	if err := cfg.loadFromEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) loadFromFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("parse yaml: %w", err)
	}
	return nil
}

// loadFromEnv applies HOSTD_* overrides. lookup is os.LookupEnv outside tests.
func (c *Config) loadFromEnv(lookup func(string) (string, bool)) error {
	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok && v != "" {
			*dst = v
		}
	}
	str("HOSTD_STORE_BACKEND", &c.Store.Backend)
	str("HOSTD_REDIS_ADDR", &c.Store.RedisAddr)
	str("HOSTD_REDIS_PASSWORD", &c.Store.RedisPassword)
	str("HOSTD_BADGER_PATH", &c.Store.BadgerPath)
	str("HOSTD_UPDATES_URL", &c.Updates.URL)
	str("HOSTD_API_LISTEN", &c.API.Listen)
	str("HOSTD_POSTGRES_DSN", &c.Databases.PostgresDSN)
	str("HOSTD_LOG_LEVEL", &c.Logging.Level)

	if v, ok := lookup("HOSTD_WORKERS"); ok && v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%w: HOSTD_WORKERS=%q: %v", ErrInvalidConfig, v, err)
		}
		c.Scheduler.Workers = n
	}
	if v, ok := lookup("HOSTD_FIREWALL_ENABLED"); ok && v != "" {
		b, err := strconv.ParseBool(strings.TrimSpace(v))
		if err != nil {
			return fmt.Errorf("%w: HOSTD_FIREWALL_ENABLED=%q: %v", ErrInvalidConfig, v, err)
		}
		c.Security.FirewallEnabled = b
	}
	return nil
}

// Validate checks every section.
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	return nil
}

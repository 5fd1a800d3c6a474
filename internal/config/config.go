// Package config provides YAML-based configuration loading for sge.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Environment names accepted in the environment field.
const (
	EnvProduction  = "production"
	EnvDevelopment = "development"
)

// Config is the top-level sge configuration, loaded from sge.yaml.
type Config struct {
	Environment string            `yaml:"environment"`
	Steam       SteamConfig       `yaml:"steam"`
	Database    DatabaseConfig    `yaml:"database"`
	Server      ServerConfig      `yaml:"server"`
	Worker      WorkerConfig      `yaml:"worker"`
	Maintenance MaintenanceConfig `yaml:"maintenance"`
	Log         LogConfig         `yaml:"log"`
}

// SteamConfig holds Steam Web API and storefront settings.
type SteamConfig struct {
	APIKey     string        `yaml:"api_key"`
	StoreURL   string        `yaml:"store_url"`
	ProfileURL string        `yaml:"profile_url"`
	StoreDelay time.Duration `yaml:"store_delay"`
	Timeout    time.Duration `yaml:"timeout"`
	MaxRetries int           `yaml:"max_retries"`
}

// DatabaseConfig selects and configures the persistent store.
// Driver is either "sqlite" (Path) or "mysql" (Host/Port/User/Password/Name).
type DatabaseConfig struct {
	Driver   string `yaml:"driver"`
	Path     string `yaml:"path"`
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	Name     string `yaml:"name"`
	// MaxParams overrides the detected bound-parameter limit used for
	// chunked IN queries. Zero means detect from the driver.
	MaxParams int `yaml:"max_params"`
}

// ServerConfig holds HTTP listener settings.
type ServerConfig struct {
	Port         int    `yaml:"port"`
	BasePath     string `yaml:"base_path"`
	CookieSecure bool   `yaml:"cookie_secure"`
}

// WorkerConfig tunes the background fetch worker.
type WorkerConfig struct {
	BatchSize        int           `yaml:"batch_size"`
	IdleTimeout      time.Duration `yaml:"idle_timeout"`
	RateLimitBackoff time.Duration `yaml:"rate_limit_backoff"`
	ErrorBackoff     time.Duration `yaml:"error_backoff"`
}

// MaintenanceConfig controls the periodic job cleanup.
type MaintenanceConfig struct {
	Schedule  string        `yaml:"schedule"`
	Retention time.Duration `yaml:"retention"`
}

// LogConfig controls log output.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Load reads a YAML config file from path and returns a validated Config.
// An empty path yields a config built from defaults and the environment.
func Load(path string) (*Config, error) {
	if path == "" {
		return Parse(nil)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	return Parse(data)
}

// Parse unmarshals YAML bytes into a validated Config. SGE_STEAM_KEY,
// SGE_DB_PATH and SGE_ENV override their file counterparts.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: parse: %w", err)
	}
	cfg.applyEnv(os.LookupEnv)
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// IsDevelopment reports whether the development environment is selected.
func (c *Config) IsDevelopment() bool {
	return c.Environment == EnvDevelopment
}

func (c *Config) applyEnv(lookup func(string) (string, bool)) {
	if v, ok := lookup("SGE_STEAM_KEY"); ok && v != "" {
		c.Steam.APIKey = v
	}
	if v, ok := lookup("SGE_DB_PATH"); ok && v != "" {
		c.Database.Path = v
	}
	if v, ok := lookup("SGE_ENV"); ok && v != "" {
		c.Environment = v
	}
}

// applyDefaults fills in derived and default values.
func (c *Config) applyDefaults() {
	if c.Environment == "" {
		c.Environment = EnvProduction
	}
	if c.Steam.StoreURL == "" {
		c.Steam.StoreURL = "https://store.steampowered.com/api/appdetails/"
	}
	if c.Steam.ProfileURL == "" {
		c.Steam.ProfileURL = "https://api.steampowered.com/IPlayerService/GetOwnedGames/v0001/"
	}
	if c.Steam.StoreDelay == 0 {
		c.Steam.StoreDelay = 1500 * time.Millisecond
	}
	if c.Steam.Timeout == 0 {
		c.Steam.Timeout = 15 * time.Second
	}
	if c.Steam.MaxRetries == 0 {
		c.Steam.MaxRetries = 2
	}
	if c.Database.Driver == "" {
		c.Database.Driver = "sqlite"
	}
	if c.Database.Driver == "mysql" {
		if c.Database.Host == "" {
			c.Database.Host = "127.0.0.1"
		}
		if c.Database.Port == 0 {
			c.Database.Port = 3306
		}
		if c.Database.User == "" {
			c.Database.User = "root"
		}
		if c.Database.Name == "" {
			c.Database.Name = "sge"
		}
	}
	if c.Server.Port == 0 {
		c.Server.Port = 8080
	}
	if c.Server.BasePath == "" {
		c.Server.BasePath = "/tools/steam-games-exporter"
	}
	c.Server.BasePath = "/" + strings.Trim(c.Server.BasePath, "/")
	if c.Worker.BatchSize == 0 {
		c.Worker.BatchSize = 20
	}
	if c.Worker.RateLimitBackoff == 0 {
		c.Worker.RateLimitBackoff = 60 * time.Second
	}
	if c.Worker.ErrorBackoff == 0 {
		c.Worker.ErrorBackoff = 10 * time.Second
	}
	if c.Maintenance.Schedule == "" {
		c.Maintenance.Schedule = "0 1 * * *"
	}
	if c.Maintenance.Retention == 0 {
		c.Maintenance.Retention = 48 * time.Hour
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
		if c.IsDevelopment() {
			c.Log.Level = "debug"
		}
	}
	if c.Log.Format == "" {
		c.Log.Format = "json"
		if c.IsDevelopment() {
			c.Log.Format = "console"
		}
	}
}

// validate checks that all required fields are present and consistent.
func (c *Config) validate() error {
	var errs []string
	if c.Environment != EnvProduction && c.Environment != EnvDevelopment {
		errs = append(errs, fmt.Sprintf("environment %q must be %q or %q", c.Environment, EnvProduction, EnvDevelopment))
	}
	if c.Steam.APIKey == "" {
		errs = append(errs, "steam.api_key is required (or set SGE_STEAM_KEY)")
	}
	if c.Steam.MaxRetries < 0 {
		errs = append(errs, "steam.max_retries must not be negative")
	}
	switch c.Database.Driver {
	case "sqlite":
		if c.Environment == EnvProduction && (c.Database.Path == "" || c.Database.Path == ":memory:") {
			errs = append(errs, "database.path is required in production (or set SGE_DB_PATH)")
		}
	case "mysql":
	default:
		errs = append(errs, fmt.Sprintf("database.driver %q must be sqlite or mysql", c.Database.Driver))
	}
	if c.Database.MaxParams < 0 {
		errs = append(errs, "database.max_params must not be negative")
	}
	if c.Worker.BatchSize < 0 {
		errs = append(errs, "worker.batch_size must not be negative")
	}
	if len(errs) > 0 {
		return fmt.Errorf("config: validation failed: %s", strings.Join(errs, "; "))
	}
	return nil
}

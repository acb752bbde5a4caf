// ABOUTME: Configuration loading and parsing for strand-gateway
// ABOUTME: Supports YAML files with environment variable expansion and duration parsing

package config

import (
	"fmt"
	"os"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the complete strand-gateway configuration
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Database  DatabaseConfig  `yaml:"database"`
	Auth      AuthConfig      `yaml:"auth"`
	WebSocket WebSocketConfig `yaml:"websocket"`
	Logging   LoggingConfig   `yaml:"logging"`
}

// ServerConfig holds server address configuration
type ServerConfig struct {
	HTTPAddr string `yaml:"http_addr"`
}

// DatabaseConfig holds database configuration
type DatabaseConfig struct {
	Path string `yaml:"path"`
}

// AuthConfig holds authentication configuration
type AuthConfig struct {
	JWTSecret string `yaml:"jwt_secret"`
}

// WebSocketConfig holds connection pool tunables
type WebSocketConfig struct {
	MaxManagersPerUser int           `yaml:"max_managers_per_user"`
	ConnectionTimeout  time.Duration `yaml:"-"`
	ReapInterval       time.Duration `yaml:"-"`

	// Raw string values for YAML unmarshaling
	ConnectionTimeoutRaw string `yaml:"connection_timeout"`
	ReapIntervalRaw      string `yaml:"reap_interval"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Defaults applied when fields are absent from the file.
const (
	DefaultHTTPAddr           = ":8080"
	DefaultMaxManagersPerUser = 20
	DefaultConnectionTimeout  = 300 * time.Second
	DefaultReapInterval       = 30 * time.Second
)

// Load reads a configuration file from the given path and returns a parsed Config.
// Environment variables in the format ${VAR_NAME} are expanded.
// Duration strings are parsed into time.Duration values.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	// Expand environment variables in the raw YAML content
	expandedData := expandEnvVars(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expandedData), &cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	// Parse duration fields
	if err := parseDurations(&cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}

	cfg.applyDefaults()

	// Validate required fields
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding environment variable values.
// If the environment variable is not set, it is replaced with an empty string.
func expandEnvVars(s string) string {
	// Match ${VAR_NAME} pattern
	re := regexp.MustCompile(`\$\{([^}]+)\}`)

	return re.ReplaceAllStringFunc(s, func(match string) string {
		// Extract variable name from ${VAR_NAME}
		varName := re.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})
}

// applyDefaults fills in defaults for absent optional fields.
func (c *Config) applyDefaults() {
	if c.Server.HTTPAddr == "" {
		c.Server.HTTPAddr = DefaultHTTPAddr
	}
	if c.WebSocket.MaxManagersPerUser == 0 {
		c.WebSocket.MaxManagersPerUser = DefaultMaxManagersPerUser
	}
	if c.WebSocket.ConnectionTimeout == 0 {
		c.WebSocket.ConnectionTimeout = DefaultConnectionTimeout
	}
	if c.WebSocket.ReapInterval == 0 {
		c.WebSocket.ReapInterval = DefaultReapInterval
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "text"
	}
}

// Validate checks that all required configuration fields are present and valid.
// Returns an error describing the first validation failure encountered.
func (c *Config) Validate() error {
	if c.Database.Path == "" {
		return fmt.Errorf("database.path is required")
	}

	if c.Auth.JWTSecret == "" {
		return fmt.Errorf("auth.jwt_secret is required")
	}

	if c.WebSocket.MaxManagersPerUser < 0 {
		return fmt.Errorf("websocket.max_managers_per_user must not be negative")
	}

	switch c.Logging.Format {
	case "text", "json":
	default:
		return fmt.Errorf("logging.format must be \"text\" or \"json\", got %q", c.Logging.Format)
	}

	return nil
}

// parseDurations converts the raw duration strings into time.Duration values
func parseDurations(cfg *Config) error {
	var err error

	if cfg.WebSocket.ConnectionTimeoutRaw != "" {
		cfg.WebSocket.ConnectionTimeout, err = time.ParseDuration(cfg.WebSocket.ConnectionTimeoutRaw)
		if err != nil {
			return fmt.Errorf("parsing connection_timeout %q: %w", cfg.WebSocket.ConnectionTimeoutRaw, err)
		}
	}

	if cfg.WebSocket.ReapIntervalRaw != "" {
		cfg.WebSocket.ReapInterval, err = time.ParseDuration(cfg.WebSocket.ReapIntervalRaw)
		if err != nil {
			return fmt.Errorf("parsing reap_interval %q: %w", cfg.WebSocket.ReapIntervalRaw, err)
		}
	}

	return nil
}

package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

const defaultPath = "config.json"

// Config represents runtime configuration for the service.
type Config struct {
	BasicConfig BasicConfig               `json:"basic_config"`
	Providers   map[string]ProviderConfig `json:"providers"`
	Databases   map[string]DatabaseConfig `json:"databases"`
	Redis       RedisConfig               `json:"redis"`
}

type ProviderConfig struct {
	BaseURL string `json:"base_url"`
	Model   string `json:"model"`
	APIKey  string `json:"api_key"`
}

type BasicConfig struct {
	ServerAddress string `json:"server_address"`
	// LocatorBackend selects where the backend url lives: memory, file, redis or sql.
	LocatorBackend        string `json:"locator_backend"`
	LocatorFile           string `json:"locator_file"`
	BackendTimeoutSeconds int    `json:"backend_timeout_seconds"`
	SimulateProcessing    bool   `json:"simulate_processing"`
	LogLevel              string `json:"log_level"`
	LogFormat             string `json:"log_format"`
	ChatProvider          string `json:"chat_provider"`
	// MaxSessions bounds the sessions held in memory; 0 selects the default.
	MaxSessions int `json:"max_sessions"`
	// Database names an entry of Databases; empty disables SQL persistence.
	Database string `json:"database"`
}

type DatabaseConfig struct {
	DSN      string `json:"dsn"`
	Host     string `json:"host"`
	Port     int    `json:"port"`
	Username string `json:"username"`
	Password string `json:"password"`
	DBName   string `json:"db_name"`
	Params   string `json:"params"`
}

type RedisConfig struct {
	Host     string `json:"host"`
	Port     int    `json:"port"`
	Username string `json:"username"`
	Password string `json:"password"`
	DB       int    `json:"db"`
}

// Default returns the configuration used when no config file exists.
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

// Load reads configuration from the provided path (defaults to config.json).
// A missing default file is not an error; an explicitly named one is.
func Load(path string) (*Config, error) {
	explicit := path != ""
	if !explicit {
		path = defaultPath
	}

	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve config path: %w", err)
	}

	file, err := os.Open(absPath)
	if err != nil {
		if !explicit && errors.Is(err, os.ErrNotExist) {
			cfg := Default()
			cfg.applyEnv()
			return cfg, nil
		}
		return nil, fmt.Errorf("open config %s: %w", absPath, err)
	}
	defer file.Close()

	var cfg Config
	if err := json.NewDecoder(file).Decode(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	cfg.applyDefaults()
	cfg.applyEnv()

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	cfg.resolvePaths(filepath.Dir(absPath))
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.BasicConfig.ServerAddress == "" {
		c.BasicConfig.ServerAddress = ":8090"
	}
	if c.BasicConfig.LocatorBackend == "" {
		c.BasicConfig.LocatorBackend = "memory"
	}
	if c.BasicConfig.LocatorFile == "" {
		c.BasicConfig.LocatorFile = "data/backend_url.json"
	}
	if c.BasicConfig.ChatProvider == "" {
		c.BasicConfig.ChatProvider = "gemini"
	}
	if c.Providers == nil {
		c.Providers = make(map[string]ProviderConfig)
	}
	if _, ok := c.Providers["gemini"]; !ok {
		c.Providers["gemini"] = ProviderConfig{Model: "gemini-2.5-flash"}
	}
	if c.Databases == nil {
		c.Databases = make(map[string]DatabaseConfig)
	}
}

func (c *Config) applyEnv() {
	if key := os.Getenv("GEMINI_API_KEY"); key != "" {
		p := c.Providers["gemini"]
		p.APIKey = key
		c.Providers["gemini"] = p
	}
}

func (c *Config) validate() error {
	switch strings.ToLower(c.BasicConfig.LocatorBackend) {
	case "memory", "file", "redis":
	case "sql":
		if c.BasicConfig.Database == "" {
			return fmt.Errorf("locator_backend sql requires basic_config.database")
		}
	default:
		return fmt.Errorf("unknown locator_backend: %s", c.BasicConfig.LocatorBackend)
	}
	if c.BasicConfig.Database != "" {
		if _, ok := c.Databases[c.BasicConfig.Database]; !ok {
			return fmt.Errorf("database %s is not configured", c.BasicConfig.Database)
		}
	}
	if c.BasicConfig.BackendTimeoutSeconds < 0 {
		return fmt.Errorf("backend_timeout_seconds cannot be negative")
	}
	if c.BasicConfig.MaxSessions < 0 {
		return fmt.Errorf("max_sessions cannot be negative")
	}
	return nil
}

func (c *Config) resolvePaths(base string) {
	if !filepath.IsAbs(c.BasicConfig.LocatorFile) {
		c.BasicConfig.LocatorFile = filepath.Join(base, c.BasicConfig.LocatorFile)
	}
	for name, db := range c.Databases {
		if !isSQLite(name) || db.DSN == "" || db.DSN == ":memory:" || strings.HasPrefix(db.DSN, "file:") {
			continue
		}
		if !filepath.IsAbs(db.DSN) {
			db.DSN = filepath.Join(base, db.DSN)
			c.Databases[name] = db
		}
	}
}

func isSQLite(name string) bool {
	switch strings.ToLower(name) {
	case "sqlite", "sqlite3":
		return true
	}
	return false
}

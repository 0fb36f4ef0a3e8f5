package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	configPathEnv      = "AFE_INVOICES_CONFIG"
	databaseHostEnv    = "DATABASE_HOST"
	databasePortEnv    = "DATABASE_PORT"
	databaseUserEnv    = "DATABASE_USER"
	databasePassEnv    = "DATABASE_PASSWORD"
	databaseNameEnv    = "DATABASE_NAME"
	natsURLEnv         = "NATS_URL"
	extractorKeyEnv    = "EXTRACTOR_API_KEY"
	extractorModelEnv  = "EXTRACTOR_MODEL"
	serverPortEnv      = "SERVER_PORT"
	environmentEnv     = "ENVIRONMENT"
)

// Config holds all settings required across the service.
type Config struct {
	Service   ServiceConfig   `yaml:"service"`
	Server    ServerConfig    `yaml:"server"`
	Database  DatabaseConfig  `yaml:"database"`
	NATS      NATSConfig      `yaml:"nats"`
	Extractor ExtractorConfig `yaml:"extractor"`
}

// ServiceConfig identifies the service in logs and events.
type ServiceConfig struct {
	Name        string `yaml:"name"`
	Version     string `yaml:"version"`
	Environment string `yaml:"environment"`
}

// ServerConfig describes the HTTP listener.
type ServerConfig struct {
	Port            int           `yaml:"port"`
	ReadTimeout     time.Duration `yaml:"readTimeout"`
	WriteTimeout    time.Duration `yaml:"writeTimeout"`
	IdleTimeout     time.Duration `yaml:"idleTimeout"`
	ShutdownTimeout time.Duration `yaml:"shutdownTimeout"`
}

// DatabaseConfig describes Postgres connection details.
type DatabaseConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	Database string `yaml:"database"`
	SSLMode  string `yaml:"sslMode"`
	MaxConns int32  `yaml:"maxConns"`
	MinConns int32  `yaml:"minConns"`
}

// DSN renders the pgx connection string.
func (d DatabaseConfig) DSN() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s",
		d.User, d.Password, d.Host, d.Port, d.Database, d.SSLMode)
}

// NATSConfig describes the notification broker. URL empty disables publishing.
type NATSConfig struct {
	URL string `yaml:"url"`
}

// ExtractorConfig describes the AI extraction backend.
type ExtractorConfig struct {
	Endpoint    string        `yaml:"endpoint"`
	APIKey      string        `yaml:"apiKey"`
	Model       string        `yaml:"model"`
	VisionModel string        `yaml:"visionModel"`
	Timeout     time.Duration `yaml:"timeout"`
}

// Load reads the YAML config named by AFE_INVOICES_CONFIG (optional) and
// applies environment overrides and defaults.
func Load() (*Config, error) {
	cfg := &Config{}

	if path := os.Getenv(configPathEnv); path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	applyEnvOverrides(cfg)
	applyDefaults(cfg)

	if cfg.Database.Host == "" {
		return nil, fmt.Errorf("database host is required (config file or %s)", databaseHostEnv)
	}
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	setString(&cfg.Database.Host, databaseHostEnv)
	setInt(&cfg.Database.Port, databasePortEnv)
	setString(&cfg.Database.User, databaseUserEnv)
	setString(&cfg.Database.Password, databasePassEnv)
	setString(&cfg.Database.Database, databaseNameEnv)
	setString(&cfg.NATS.URL, natsURLEnv)
	setString(&cfg.Extractor.APIKey, extractorKeyEnv)
	setString(&cfg.Extractor.Model, extractorModelEnv)
	setInt(&cfg.Server.Port, serverPortEnv)
	setString(&cfg.Service.Environment, environmentEnv)
}

func applyDefaults(cfg *Config) {
	if cfg.Service.Name == "" {
		cfg.Service.Name = "be-afe-invoices"
	}
	if cfg.Service.Version == "" {
		cfg.Service.Version = "dev"
	}
	if cfg.Service.Environment == "" {
		cfg.Service.Environment = "development"
	}
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8086
	}
	if cfg.Server.ReadTimeout == 0 {
		cfg.Server.ReadTimeout = 30 * time.Second
	}
	if cfg.Server.WriteTimeout == 0 {
		cfg.Server.WriteTimeout = 60 * time.Second
	}
	if cfg.Server.IdleTimeout == 0 {
		cfg.Server.IdleTimeout = 120 * time.Second
	}
	if cfg.Server.ShutdownTimeout == 0 {
		cfg.Server.ShutdownTimeout = 15 * time.Second
	}
	if cfg.Database.Port == 0 {
		cfg.Database.Port = 5432
	}
	if cfg.Database.SSLMode == "" {
		cfg.Database.SSLMode = "disable"
	}
	if cfg.Database.MaxConns == 0 {
		cfg.Database.MaxConns = 10
	}
	if cfg.Database.MinConns == 0 {
		cfg.Database.MinConns = 2
	}
	if cfg.Extractor.Endpoint == "" {
		cfg.Extractor.Endpoint = "https://api.openai.com/v1/chat/completions"
	}
	if cfg.Extractor.Model == "" {
		cfg.Extractor.Model = "gpt-4o-mini"
	}
	if cfg.Extractor.VisionModel == "" {
		cfg.Extractor.VisionModel = cfg.Extractor.Model
	}
	if cfg.Extractor.Timeout == 0 {
		cfg.Extractor.Timeout = 60 * time.Second
	}
}

func setString(dst *string, env string) {
	if v := os.Getenv(env); v != "" {
		*dst = v
	}
}

func setInt(dst *int, env string) {
	if v := os.Getenv(env); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

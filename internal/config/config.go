package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/rs/zerolog/log"
)

type Config struct {
	Server   ServerConfig   `json:"server"`
	Ops      OpsConfig      `json:"ops"`
	Database DatabaseConfig `json:"database"`
	Logging  LoggingConfig  `json:"logging"`
	Redis    RedisConfig    `json:"redis"`
	Tracing  TracingConfig  `json:"tracing"`
	Deploy   DeployConfig   `json:"deploy"`
}

type ServerConfig struct {
	BindAddr string `json:"bindAddr"`
	Token    string `json:"token"` // bearer token for the API, empty disables auth
}

type OpsConfig struct {
	BindAddr string `json:"bindAddr"` // metrics and health endpoints, empty disables
}

type DatabaseConfig struct {
	Driver   string `json:"driver"` // memory | sqlite | postgres
	Host     string `json:"host"`
	Port     int    `json:"port"`
	User     string `json:"user"`
	Password string `json:"password"`
	DBName   string `json:"dbname"`
	SSLMode  string `json:"sslmode"`
	Path     string `json:"path"` // sqlite file
}

// GetDSN returns the lib/pq connection string.
func (c *DatabaseConfig) GetDSN() string {
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.DBName, c.SSLMode)
}

type LoggingConfig struct {
	Level   string `json:"level"`
	Console bool   `json:"console"`
}

type RedisConfig struct {
	Enabled  bool   `json:"enabled"`
	Addr     string `json:"addr"`
	Password string `json:"password"`
	DB       int    `json:"db"`
}

type TracingConfig struct {
	Exporter string `json:"exporter"` // none | stdout | otlp
	Endpoint string `json:"endpoint"`
	Insecure bool   `json:"insecure"`
}

type DeployConfig struct {
	Descriptor     string `json:"descriptor"`     // e.g. config/deploy.yml
	SecretsFile    string `json:"secretsFile"`    // e.g. .kamal/secrets
	KeyringService string `json:"keyringService"` // OS keychain service name, empty disables
	LockHolder     string `json:"lockHolder"`
	WorkDir        string `json:"workDir"` // git checkout used for version resolution
}

// Load builds the config from environment defaults, then overlays configFile when given.
func Load(configFile string) (*Config, error) {
	cfg := &Config{
		Server: ServerConfig{
			BindAddr: getEnv("SERVER_BIND_ADDR", "0.0.0.0:8080"),
			Token:    getEnv("SERVER_TOKEN", ""),
		},
		Ops: OpsConfig{
			BindAddr: getEnv("OPS_BIND_ADDR", ""),
		},
		Database: DatabaseConfig{
			Driver:   getEnv("DB_DRIVER", "sqlite"),
			Host:     getEnv("DB_HOST", "localhost"),
			Port:     getEnvInt("DB_PORT", 5432),
			User:     getEnv("DB_USER", "admin"),
			Password: getEnv("DB_PASSWORD", "password"),
			DBName:   getEnv("DB_NAME", "zerodeploy"),
			SSLMode:  getEnv("DB_SSLMODE", "disable"),
			Path:     getEnv("DB_PATH", ".zerodeploy/state.db"),
		},
		Logging: LoggingConfig{
			Level:   getEnv("LOG_LEVEL", "info"),
			Console: getEnvBool("LOG_CONSOLE", true),
		},
		Redis: RedisConfig{
			Enabled:  getEnvBool("REDIS_ENABLED", false),
			Addr:     getEnv("REDIS_ADDR", "localhost:6379"),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getEnvInt("REDIS_DB", 0),
		},
		Tracing: TracingConfig{
			Exporter: getEnv("TRACING_EXPORTER", "none"),
			Endpoint: getEnv("TRACING_ENDPOINT", "localhost:4317"),
			Insecure: getEnvBool("TRACING_INSECURE", true),
		},
		Deploy: DeployConfig{
			Descriptor:     getEnv("DEPLOY_DESCRIPTOR", "config/deploy.yml"),
			SecretsFile:    getEnv("DEPLOY_SECRETS_FILE", ".kamal/secrets"),
			KeyringService: getEnv("DEPLOY_KEYRING_SERVICE", ""),
			LockHolder:     getEnv("DEPLOY_LOCK_HOLDER", defaultHolder()),
			WorkDir:        getEnv("DEPLOY_WORKDIR", "."),
		},
	}

	if configFile != "" {
		if err := loadFromFile(cfg, configFile); err != nil {
			log.Err(err).Str("file", configFile).Msg("failed to load config file")
			return nil, err
		}
	}

	// fill reasonable defaults when fields omitted in file
	if cfg.Server.BindAddr == "" {
		cfg.Server.BindAddr = "0.0.0.0:8080"
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Database.Driver == "" {
		cfg.Database.Driver = "sqlite"
	}
	if cfg.Redis.Addr == "" {
		cfg.Redis.Addr = "localhost:6379"
	}
	if cfg.Tracing.Exporter == "" {
		cfg.Tracing.Exporter = "none"
	}
	if cfg.Deploy.Descriptor == "" {
		cfg.Deploy.Descriptor = "config/deploy.yml"
	}
	if cfg.Deploy.LockHolder == "" {
		cfg.Deploy.LockHolder = defaultHolder()
	}

	switch cfg.Database.Driver {
	case "memory", "sqlite", "postgres":
	default:
		return nil, fmt.Errorf("unsupported database driver %q", cfg.Database.Driver)
	}
	return cfg, nil
}

func loadFromFile(cfg *Config, filePath string) error {
	data, err := os.ReadFile(filePath)
	if err != nil {
		return fmt.Errorf("failed to read config file %s: %w", filePath, err)
	}

	if err := json.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("failed to parse config file %s: %w", filePath, err)
	}

	return nil
}

func defaultHolder() string {
	user := getEnv("USER", "unknown")
	host, err := os.Hostname()
	if err != nil {
		host = "localhost"
	}
	return user + "@" + host
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	switch strings.ToLower(os.Getenv(key)) {
	case "1", "true", "yes":
		return true
	case "0", "false", "no":
		return false
	}
	return defaultValue
}

// Package config provides configuration management for the application.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Database drivers accepted in DB_DRIVER. DriverNone disables the run log.
const (
	DriverSQLite   = "sqlite3"
	DriverPostgres = "postgres"
	DriverNone     = "none"
)

// Config holds all configuration for the application.
type Config struct {
	Server   ServerConfig
	Database DatabaseConfig
	Redis    RedisConfig
	NATS     NATSConfig
	Storage  StorageConfig
	Browser  BrowserConfig
	Crawler  CrawlerConfig
	Log      LogConfig
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host            string
	Port            int
	Environment     string
	ShutdownTimeout time.Duration
	RequestTimeout  time.Duration
	AllowedOrigins  []string
	RateLimit       bool
}

// DatabaseConfig holds run log database configuration. DSN wins over the
// individual postgres fields when set.
type DatabaseConfig struct {
	Driver       string
	DSN          string
	Host         string
	Port         int
	User         string
	Password     string
	Database     string
	SSLMode      string
	MaxOpenConns int
	MaxIdleConns int
}

// RedisConfig holds Redis configuration. An empty Host disables Redis.
type RedisConfig struct {
	Host     string
	Port     int
	Password string
	DB       int
	LockTTL  time.Duration
}

// NATSConfig holds NATS configuration. An empty URL disables event publishing.
type NATSConfig struct {
	URL  string
	Name string
}

// StorageConfig holds object storage configuration. An empty Endpoint
// disables the mirror.
type StorageConfig struct {
	Endpoint        string
	AccessKeyID     string
	SecretAccessKey string
	BucketName      string
	UseSSL          bool
	Region          string
}

// BrowserConfig holds the headless Chrome settings.
type BrowserConfig struct {
	Headless    bool
	ExecPath    string
	UserAgent   string
	InsecureTLS bool
}

// CrawlerConfig holds crawler configuration.
type CrawlerConfig struct {
	OutputDir     string
	SitesDir      string
	RateLimit     float64
	RetryAttempts int
	RetryDelay    time.Duration
	MaxPages      int
	VerifyPDF     bool
	Schedule      string
}

// LogConfig holds logging configuration.
type LogConfig struct {
	Level     string
	Format    string
	AddSource bool
}

// Load loads configuration from environment variables. A .env file in the
// working directory is read first when present; real environment wins.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("failed to read .env: %w", err)
	}

	cfg := &Config{
		Server: ServerConfig{
			Host:            getEnv("HOST", ""),
			Port:            getEnvAsInt("PORT", 8080),
			Environment:     getEnv("ENVIRONMENT", "development"),
			ShutdownTimeout: getEnvAsDuration("SHUTDOWN_TIMEOUT", 30*time.Second),
			RequestTimeout:  getEnvAsDuration("REQUEST_TIMEOUT", 60*time.Second),
			AllowedOrigins:  getEnvAsList("CORS_ALLOWED_ORIGINS", []string{"*"}),
			RateLimit:       getEnvAsBool("API_RATE_LIMIT", true),
		},
		Database: DatabaseConfig{
			Driver:       getEnv("DB_DRIVER", DriverSQLite),
			DSN:          getEnv("DB_DSN", ""),
			Host:         getEnv("DB_HOST", "localhost"),
			Port:         getEnvAsInt("DB_PORT", 5432),
			User:         getEnv("DB_USER", "postgres"),
			Password:     getEnv("DB_PASSWORD", ""),
			Database:     getEnv("DB_NAME", "board_harvester"),
			SSLMode:      getEnv("DB_SSL_MODE", "disable"),
			MaxOpenConns: getEnvAsInt("DB_MAX_OPEN_CONNS", 10),
			MaxIdleConns: getEnvAsInt("DB_MAX_IDLE_CONNS", 2),
		},
		Redis: RedisConfig{
			Host:     getEnv("REDIS_HOST", ""),
			Port:     getEnvAsInt("REDIS_PORT", 6379),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getEnvAsInt("REDIS_DB", 0),
			LockTTL:  getEnvAsDuration("REDIS_LOCK_TTL", 6*time.Hour),
		},
		NATS: NATSConfig{
			URL:  getEnv("NATS_URL", ""),
			Name: getEnv("NATS_CLIENT_NAME", "board-harvester"),
		},
		Storage: StorageConfig{
			Endpoint:        getEnv("STORAGE_ENDPOINT", ""),
			AccessKeyID:     getEnv("STORAGE_ACCESS_KEY", "minioadmin"),
			SecretAccessKey: getEnv("STORAGE_SECRET_KEY", "minioadmin"),
			BucketName:      getEnv("STORAGE_BUCKET", "board-harvester"),
			UseSSL:          getEnvAsBool("STORAGE_USE_SSL", false),
			Region:          getEnv("STORAGE_REGION", "us-east-1"),
		},
		Browser: BrowserConfig{
			Headless:    getEnvAsBool("BROWSER_HEADLESS", true),
			ExecPath:    getEnv("BROWSER_EXEC_PATH", ""),
			UserAgent:   getEnv("BROWSER_USER_AGENT", ""),
			InsecureTLS: getEnvAsBool("BROWSER_INSECURE_TLS", false),
		},
		Crawler: CrawlerConfig{
			OutputDir:     getEnv("HARVEST_OUTPUT_DIR", "output"),
			SitesDir:      getEnv("HARVEST_SITES_DIR", "sites"),
			RateLimit:     getEnvAsFloat("CRAWLER_RATE_LIMIT", 1),
			RetryAttempts: getEnvAsInt("CRAWLER_RETRY_ATTEMPTS", 3),
			RetryDelay:    getEnvAsDuration("CRAWLER_RETRY_DELAY", 2*time.Second),
			MaxPages:      getEnvAsInt("CRAWLER_MAX_PAGES", 0),
			VerifyPDF:     getEnvAsBool("CRAWLER_VERIFY_PDF", true),
			Schedule:      getEnv("HARVEST_SCHEDULE", "0 6 * * *"),
		},
		Log: LogConfig{
			Level:     getEnv("LOG_LEVEL", "info"),
			Format:    getEnv("LOG_FORMAT", "json"),
			AddSource: getEnvAsBool("LOG_ADD_SOURCE", false),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	switch c.Database.Driver {
	case DriverSQLite, DriverPostgres, DriverNone:
	default:
		return fmt.Errorf("DB_DRIVER must be one of %s, %s or %s, got %q", DriverSQLite, DriverPostgres, DriverNone, c.Database.Driver)
	}
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("PORT out of range: %d", c.Server.Port)
	}
	if c.Crawler.OutputDir == "" {
		return errors.New("HARVEST_OUTPUT_DIR must not be empty")
	}
	if c.Crawler.RetryAttempts < 1 {
		return fmt.Errorf("CRAWLER_RETRY_ATTEMPTS must be at least 1, got %d", c.Crawler.RetryAttempts)
	}
	if c.Crawler.RateLimit < 0 {
		return fmt.Errorf("CRAWLER_RATE_LIMIT must not be negative, got %v", c.Crawler.RateLimit)
	}
	if c.Crawler.MaxPages < 0 {
		return fmt.Errorf("CRAWLER_MAX_PAGES must not be negative, got %d", c.Crawler.MaxPages)
	}
	if c.Redis.Enabled() && c.Redis.LockTTL <= 0 {
		return errors.New("REDIS_LOCK_TTL must be positive")
	}
	return nil
}

// Enabled reports whether a run log database is configured.
func (c *DatabaseConfig) Enabled() bool {
	return c.Driver != DriverNone
}

// ConnString returns the connection string for the configured driver.
func (c *DatabaseConfig) ConnString() string {
	if c.DSN != "" {
		return c.DSN
	}
	if c.Driver == DriverSQLite {
		return "board-harvester.db"
	}
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Database, c.SSLMode,
	)
}

// Enabled reports whether Redis is configured.
func (c *RedisConfig) Enabled() bool {
	return c.Host != ""
}

// Addr returns the host:port pair for the Redis client.
func (c *RedisConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// Enabled reports whether event publishing is configured.
func (c *NATSConfig) Enabled() bool {
	return c.URL != ""
}

// Enabled reports whether the object storage mirror is configured.
func (c *StorageConfig) Enabled() bool {
	return c.Endpoint != ""
}

// Helper functions for environment variable parsing
func getEnv(key, defaultValue string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	if value, exists := os.LookupEnv(key); exists {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvAsBool(key string, defaultValue bool) bool {
	if value, exists := os.LookupEnv(key); exists {
		if boolVal, err := strconv.ParseBool(value); err == nil {
			return boolVal
		}
	}
	return defaultValue
}

func getEnvAsFloat(key string, defaultValue float64) float64 {
	if value, exists := os.LookupEnv(key); exists {
		if floatVal, err := strconv.ParseFloat(value, 64); err == nil {
			return floatVal
		}
	}
	return defaultValue
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	if value, exists := os.LookupEnv(key); exists {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
		// Bare numbers are seconds.
		if secs, err := strconv.Atoi(value); err == nil {
			return time.Duration(secs) * time.Second
		}
	}
	return defaultValue
}

func getEnvAsList(key string, defaultValue []string) []string {
	value, exists := os.LookupEnv(key)
	if !exists {
		return defaultValue
	}
	var out []string
	for _, part := range strings.Split(value, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	if len(out) == 0 {
		return defaultValue
	}
	return out
}

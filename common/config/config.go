package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config holds all engine configuration
type Config struct {
	Service     ServiceConfig
	Providers   ProviderConfig
	Auth        AuthConfig
	Credentials CredentialsConfig
	Database    DatabaseConfig
	Redis       RedisConfig
}

// ServiceConfig holds service-specific settings
type ServiceConfig struct {
	Name      string
	Port      int
	AuthPort  int
	LogLevel  string
	LogFormat string
}

// ProviderConfig holds model-provider API settings
type ProviderConfig struct {
	AnthropicAPIKey     string
	OpenAIAPIKey        string
	CloudflareAPIToken  string
	CloudflareAccountID string
}

// AuthConfig holds settings for the engine's own OAuth surface
type AuthConfig struct {
	SecretKey     string
	TokenTTL      time.Duration
	StateCacheTTL time.Duration
	Upstream      UpstreamConfig
}

// UpstreamConfig points the third-party auth provider at an upstream OAuth
// server. Empty endpoints select the pass-thru provider.
type UpstreamConfig struct {
	AuthorizeEndpoint string
	TokenEndpoint     string
	ClientID          string
	ClientSecret      string
	Scope             string
	CallbackURL       string
}

// CredentialsConfig selects the credential store backend
type CredentialsConfig struct {
	Backend string // "file" or "postgres"
	Dir     string
}

// DatabaseConfig holds Postgres connection settings
type DatabaseConfig struct {
	Host     string
	Port     int
	Database string
	User     string
	Password string
	MaxConns int
}

// RedisConfig holds Redis connection settings
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

// Load loads configuration from environment variables
func Load(serviceName string) (*Config, error) {
	cfg := &Config{
		Service: ServiceConfig{
			Name:      serviceName,
			Port:      getEnvInt("FLOWD_PORT", 8080),
			AuthPort:  getEnvInt("FLOWD_AUTH_PORT", 8081),
			LogLevel:  getEnv("LOG_LEVEL", "info"),
			LogFormat: getEnv("LOG_FORMAT", "text"),
		},
		Providers: ProviderConfig{
			AnthropicAPIKey:     getEnv("ANTHROPIC_API_KEY", ""),
			OpenAIAPIKey:        getEnv("OPENAI_API_KEY", ""),
			CloudflareAPIToken:  getEnv("CLOUDFLARE_API_TOKEN", ""),
			CloudflareAccountID: getEnv("CLOUDFLARE_ACCOUNT_ID", ""),
		},
		Auth: AuthConfig{
			SecretKey:     getEnv("FLOWD_SECRET_KEY", ""),
			TokenTTL:      getEnvDuration("FLOWD_TOKEN_TTL", 1*time.Hour),
			StateCacheTTL: getEnvDuration("FLOWD_STATE_TTL", 10*time.Minute),
			Upstream: UpstreamConfig{
				AuthorizeEndpoint: getEnv("FLOWD_UPSTREAM_AUTHORIZE_ENDPOINT", ""),
				TokenEndpoint:     getEnv("FLOWD_UPSTREAM_TOKEN_ENDPOINT", ""),
				ClientID:          getEnv("FLOWD_UPSTREAM_CLIENT_ID", ""),
				ClientSecret:      getEnv("FLOWD_UPSTREAM_CLIENT_SECRET", ""),
				Scope:             getEnv("FLOWD_UPSTREAM_SCOPE", ""),
				CallbackURL:       getEnv("FLOWD_UPSTREAM_CALLBACK_URL", ""),
			},
		},
		Credentials: CredentialsConfig{
			Backend: getEnv("FLOWD_CREDENTIALS_BACKEND", "file"),
			Dir:     getEnv("FLOWD_CREDENTIALS_DIR", defaultCredentialsDir()),
		},
		Database: DatabaseConfig{
			Host:     getEnv("POSTGRES_HOST", "localhost"),
			Port:     getEnvInt("POSTGRES_PORT", 5432),
			Database: getEnv("POSTGRES_DB", "flowd"),
			User:     getEnv("POSTGRES_USER", "flowd"),
			Password: getEnv("POSTGRES_PASSWORD", ""),
			MaxConns: getEnvInt("POSTGRES_MAX_CONNS", 10),
		},
		Redis: RedisConfig{
			Addr:     getEnv("REDIS_ADDR", ""),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getEnvInt("REDIS_DB", 0),
		},
	}

	return cfg, cfg.Validate()
}

// Validate checks if configuration is valid
func (c *Config) Validate() error {
	if c.Service.Port < 1 || c.Service.Port > 65535 {
		return fmt.Errorf("invalid port: %d", c.Service.Port)
	}

	switch c.Credentials.Backend {
	case "file", "postgres":
	default:
		return fmt.Errorf("invalid credentials backend: %s", c.Credentials.Backend)
	}

	if c.Credentials.Backend == "postgres" && c.Database.Host == "" {
		return fmt.Errorf("postgres credentials backend requires POSTGRES_HOST")
	}

	return nil
}

// DatabaseURL returns the PostgreSQL connection string
func (c *Config) DatabaseURL() string {
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%d/%s?sslmode=disable",
		c.Database.User,
		c.Database.Password,
		c.Database.Host,
		c.Database.Port,
		c.Database.Database,
	)
}

func defaultCredentialsDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".flowd"
	}
	return home + "/.flowd/credentials"
}

// Helper functions

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}

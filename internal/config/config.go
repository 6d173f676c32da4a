// Package config loads process configuration from the environment.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config is the root configuration tree for the ingestd process.
type Config struct {
	Environment string
	AdminToken  string

	Server       ServerConfig
	Security     SecurityConfig
	Database     DatabaseConfig
	Redis        RedisConfig
	Kafka        KafkaConfig
	Scheduler    SchedulerConfig
	Wildberries  WildberriesConfig
	InternalData InternalDataConfig
	Logging      LoggingConfig
}

// ServerConfig governs the admin/manual-trigger HTTP listener (§6).
type ServerConfig struct {
	Port         int
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
}

type DatabaseConfig struct {
	Host            string
	Port            int
	User            string
	Password        string
	Name            string
	SSLMode         string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

func (d DatabaseConfig) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		d.Host, d.Port, d.User, d.Password, d.Name, d.SSLMode,
	)
}

type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

type KafkaConfig struct {
	Brokers []string
	Topic   string
	Enabled bool
}

// SchedulerConfig governs the cooperative scheduler tick and sweeper cadence.
type SchedulerConfig struct {
	TickInterval        time.Duration
	SweeperInterval      time.Duration
	DefaultStuckTTL      time.Duration
	WorkerPoolSize       int
}

// SecurityConfig holds the at-rest encryption key for marketplace tokens
// and the TTL for the short-lived resolved-token cache (§4.8).
type SecurityConfig struct {
	EncryptionKeyHex  string
	CredentialCacheTTL time.Duration
}

type WildberriesConfig struct {
	// FallbackToken is the legacy global operator token used only when a
	// project has no MarketplaceConnection row at all (see credential resolver).
	FallbackToken string
	MinInterval   time.Duration
	MaxRetries    int
	HTTPTimeout   time.Duration
}

type InternalDataConfig struct {
	UploadDir         string
	MaxRowErrorsSaved int
	MaxRowErrorPreview int
	DownloadTimeout   time.Duration
}

type LoggingConfig struct {
	Level  string
	Format string // "json" or "text"
}

// Load reads a .env file if present (absence is not fatal) and builds Config
// from the environment, failing with every missing required field listed at
// once rather than one at a time.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil {
		fmt.Fprintln(os.Stderr, "config: no .env file found, continuing with process environment")
	}

	cfg := &Config{
		Environment: getEnv("ENVIRONMENT", "development"),
		AdminToken:  getEnv("ADMIN_TOKEN", ""),
		Server: ServerConfig{
			Port:         getEnvInt("PORT", 8080),
			ReadTimeout:  getEnvDuration("SERVER_READ_TIMEOUT", 15*time.Second),
			WriteTimeout: getEnvDuration("SERVER_WRITE_TIMEOUT", 15*time.Second),
			IdleTimeout:  getEnvDuration("SERVER_IDLE_TIMEOUT", 60*time.Second),
		},
		Database: DatabaseConfig{
			Host:            getEnv("DB_HOST", "localhost"),
			Port:            getEnvInt("DB_PORT", 5432),
			User:            getEnv("DB_USER", "postgres"),
			Password:        getEnv("DB_PASSWORD", ""),
			Name:            getEnv("DB_NAME", "wb_automation"),
			SSLMode:         getEnv("DB_SSLMODE", "disable"),
			MaxOpenConns:    getEnvInt("DB_MAX_OPEN_CONNS", 20),
			MaxIdleConns:    getEnvInt("DB_MAX_IDLE_CONNS", 5),
			ConnMaxLifetime: getEnvDuration("DB_CONN_MAX_LIFETIME", 30*time.Minute),
		},
		Security: SecurityConfig{
			EncryptionKeyHex:   getEnv("CREDENTIAL_ENCRYPTION_KEY", ""),
			CredentialCacheTTL: getEnvDuration("CREDENTIAL_CACHE_TTL", 5*time.Minute),
		},
		Redis: RedisConfig{
			Addr:     getEnv("REDIS_ADDR", "localhost:6379"),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getEnvInt("REDIS_DB", 0),
		},
		Kafka: KafkaConfig{
			Brokers: splitCSV(getEnv("KAFKA_BROKERS", "")),
			Topic:   getEnv("KAFKA_TOPIC", "ingest.lifecycle"),
			Enabled: getEnvBool("KAFKA_ENABLED", false),
		},
		Scheduler: SchedulerConfig{
			TickInterval:    getEnvDuration("SCHEDULER_TICK_INTERVAL", 30*time.Second),
			SweeperInterval: getEnvDuration("SCHEDULER_SWEEPER_INTERVAL", 60*time.Second),
			DefaultStuckTTL: getEnvDuration("SCHEDULER_DEFAULT_STUCK_TTL", 30*time.Minute),
			WorkerPoolSize:  getEnvInt("SCHEDULER_WORKER_POOL_SIZE", 4),
		},
		Wildberries: WildberriesConfig{
			FallbackToken: getEnv("WB_TOKEN", ""),
			MinInterval:   getEnvDuration("WB_API_MIN_INTERVAL", 300*time.Millisecond),
			MaxRetries:    getEnvInt("WB_API_MAX_RETRIES", 3),
			HTTPTimeout:   getEnvDuration("WB_API_TIMEOUT", 15*time.Second),
		},
		InternalData: InternalDataConfig{
			UploadDir:          getEnv("INTERNAL_DATA_DIR", "./data/internal"),
			MaxRowErrorsSaved:  getEnvInt("INTERNAL_DATA_MAX_ROW_ERRORS", 10000),
			MaxRowErrorPreview: getEnvInt("INTERNAL_DATA_ROW_ERROR_PREVIEW", 10),
			DownloadTimeout:    getEnvDuration("INTERNAL_DATA_DOWNLOAD_TIMEOUT", 30*time.Second),
		},
		Logging: LoggingConfig{
			Level:  getEnv("LOG_LEVEL", "info"),
			Format: getEnv("LOG_FORMAT", "json"),
		},
	}

	if err := validateConfig(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func validateConfig(cfg *Config) error {
	required := map[string]string{
		"DB_HOST":                   cfg.Database.Host,
		"DB_NAME":                   cfg.Database.Name,
		"DB_USER":                   cfg.Database.User,
		"CREDENTIAL_ENCRYPTION_KEY": cfg.Security.EncryptionKeyHex,
	}

	var missing []string
	for name, value := range required {
		if strings.TrimSpace(value) == "" {
			missing = append(missing, name)
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("config: missing required environment variables: %s", strings.Join(missing, ", "))
	}
	return nil
}

func getEnv(key, fallback string) string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}

func getEnvBool(key string, fallback bool) bool {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return fallback
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fallback
	}
	return b
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fallback
	}
	return d
}

func splitCSV(v string) []string {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

package common

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all server configuration
type Config struct {
	Database  DatabaseConfig
	Server    ServerConfig
	Worker    WorkerConfig
	Auth      AuthConfig
	Retention RetentionConfig
}

// DatabaseConfig selects and tunes the job store
type DatabaseConfig struct {
	Driver          string // "sqlite3" or "postgres"
	DSN             string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
	MaxConnIdleTime time.Duration
	DialTimeout     time.Duration
}

// ServerConfig holds listener configuration
type ServerConfig struct {
	HTTPAddr        string
	HealthAddr      string
	CreatesPerMin   int
	ShutdownTimeout time.Duration
	PayloadRoot     string // local payloadRef files resolve here; empty accepts URIs only
}

// WorkerConfig holds the embedded worker pool settings
type WorkerConfig struct {
	Count              int
	PollInterval       time.Duration
	HeartbeatInterval  time.Duration
	HeartbeatThreshold time.Duration
	Simulate           bool
}

// AuthConfig holds OOB gate settings
type AuthConfig struct {
	IdPBaseURL   string
	IdPAPIKey    string
	IdPTimeout   time.Duration
	Window       time.Duration
	SandboxDelay time.Duration
}

// RetentionConfig controls garbage collection of finished records
type RetentionConfig struct {
	Window       time.Duration
	Interval     time.Duration
	LostAfter    time.Duration // silent in_progress/unknown jobs are failed after this
	AbandonAfter time.Duration // expired approvals and never-queued records are deleted after this
}

// LoadConfig loads configuration from environment variables
func LoadConfig() *Config {
	return &Config{
		Database: DatabaseConfig{
			Driver:          getEnv("DB_DRIVER", "sqlite3"),
			DSN:             getEnv("DB_URL", "./submissions.db"),
			MaxConns:        getEnvAsInt32("DB_MAX_CONNS", 10),
			MinConns:        getEnvAsInt32("DB_MIN_CONNS", 2),
			MaxConnLifetime: getEnvAsDuration("DB_MAX_CONN_LIFETIME", 30*time.Minute),
			MaxConnIdleTime: getEnvAsDuration("DB_MAX_CONN_IDLE_TIME", 5*time.Minute),
			DialTimeout:     getEnvAsDuration("DB_DIAL_TIMEOUT", 3*time.Second),
		},
		Server: ServerConfig{
			HTTPAddr:        getEnv("HTTP_ADDR", ":8080"),
			HealthAddr:      getEnv("HEALTH_ADDR", ":9090"),
			CreatesPerMin:   getEnvAsInt("CREATES_PER_MIN", 30),
			ShutdownTimeout: getEnvAsDuration("SHUTDOWN_TIMEOUT", 15*time.Second),
			PayloadRoot:     getEnv("PAYLOAD_ROOT", ""),
		},
		Worker: WorkerConfig{
			Count:              getEnvAsInt("WORKER_COUNT", 2),
			PollInterval:       getEnvAsDuration("WORKER_POLL_INTERVAL", 2*time.Second),
			HeartbeatInterval:  getEnvAsDuration("WORKER_HEARTBEAT_INTERVAL", 15*time.Second),
			HeartbeatThreshold: getEnvAsDuration("HEARTBEAT_THRESHOLD", 60*time.Second),
			Simulate:           getEnvAsBool("WORKER_SIMULATE", true),
		},
		Auth: AuthConfig{
			IdPBaseURL:   getEnv("IDP_BASE_URL", ""),
			IdPAPIKey:    getEnv("IDP_API_KEY", ""),
			IdPTimeout:   getEnvAsDuration("IDP_TIMEOUT", 10*time.Second),
			Window:       getEnvAsDuration("AUTH_WINDOW", 5*time.Minute),
			SandboxDelay: getEnvAsDuration("AUTH_SANDBOX_DELAY", 5*time.Second),
		},
		Retention: RetentionConfig{
			Window:       getEnvAsDuration("RETENTION_WINDOW", 72*time.Hour),
			Interval:     getEnvAsDuration("RETENTION_INTERVAL", 10*time.Minute),
			LostAfter:    getEnvAsDuration("LOST_JOB_AFTER", 24*time.Hour),
			AbandonAfter: getEnvAsDuration("ABANDONED_AFTER", time.Hour),
		},
	}
}

// Helper functions for environment variable parsing
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvAsInt32(key string, defaultValue int32) int32 {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.ParseInt(value, 10, 32); err == nil {
			return int32(intVal)
		}
	}
	return defaultValue
}

func getEnvAsBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}

// Validate checks the loaded configuration
func (c *Config) Validate() error {
	switch strings.ToLower(c.Database.Driver) {
	case "sqlite3", "postgres":
	default:
		return NewAppError("CONFIG_ERROR", "DB_DRIVER must be sqlite3 or postgres", ErrInvalidInput)
	}
	if c.Database.DSN == "" {
		return NewAppError("CONFIG_ERROR", "DB_URL is required", ErrInvalidInput)
	}
	if c.Server.HTTPAddr == "" {
		return NewAppError("CONFIG_ERROR", "HTTP_ADDR is required", ErrInvalidInput)
	}
	if c.Worker.Count < 0 {
		return NewAppError("CONFIG_ERROR", "WORKER_COUNT must not be negative", ErrInvalidInput)
	}
	if c.Worker.HeartbeatThreshold <= c.Worker.HeartbeatInterval {
		return NewAppError("CONFIG_ERROR", "HEARTBEAT_THRESHOLD must exceed WORKER_HEARTBEAT_INTERVAL", ErrInvalidInput)
	}
	if c.Auth.Window <= 0 {
		return NewAppError("CONFIG_ERROR", "AUTH_WINDOW must be positive", ErrInvalidInput)
	}
	if c.Retention.Window <= 0 {
		return NewAppError("CONFIG_ERROR", "RETENTION_WINDOW must be positive", ErrInvalidInput)
	}
	if c.Retention.LostAfter <= c.Worker.HeartbeatThreshold {
		return NewAppError("CONFIG_ERROR", "LOST_JOB_AFTER must exceed HEARTBEAT_THRESHOLD", ErrInvalidInput)
	}
	if c.Retention.AbandonAfter <= 0 {
		return NewAppError("CONFIG_ERROR", "ABANDONED_AFTER must be positive", ErrInvalidInput)
	}
	return nil
}

// Package config loads the host configuration from environment variables.
package config

import (
	"fmt"
	"os"
	"path"
	"strconv"

	"github.com/distribution/reference"
)

// Config holds everything the host process needs, loaded once at startup.
type Config struct {
	// Sandbox containers
	Image         string
	PrewarmCount  int
	MaxContainers int
	WorkDir       string
	LabelPrefix   string

	// Session lifecycle
	SessionTimeoutSeconds    int
	MaxSessionTimeoutSeconds int
	CommandTimeoutSeconds    int

	// Process
	ListenAddr   string
	DockerSocket string
	LogFormat    string

	// Optional integrations, enabled when set
	RabbitMQURL string
	DatabaseURL string

	ArchiveEnabled      bool
	ArchiveBucket       string
	ArchiveRegion       string
	ArchiveEndpoint     string
	ArchiveFlushSeconds int
}

// Load reads the configuration from the environment and validates it.
func Load() (*Config, error) {
	cfg := &Config{
		Image:         getEnv("SANDBOX_IMAGE", "python:3.12-slim"),
		PrewarmCount:  getEnvInt("PREWARM_COUNT", 2),
		MaxContainers: getEnvInt("MAX_CONTAINERS", 10),
		WorkDir:       getEnv("WORK_DIR", "/workspace"),
		LabelPrefix:   getEnv("LABEL_PREFIX", "sandman"),

		SessionTimeoutSeconds:    getEnvInt("SESSION_TIMEOUT_SECONDS", 300),
		MaxSessionTimeoutSeconds: getEnvInt("MAX_SESSION_TIMEOUT_SECONDS", 3600),
		CommandTimeoutSeconds:    getEnvInt("COMMAND_TIMEOUT_SECONDS", 30),

		ListenAddr:   getEnv("LISTEN_ADDR", ":8080"),
		DockerSocket: getEnv("DOCKER_SOCKET", "/var/run/docker.sock"),
		LogFormat:    getEnv("LOG_FORMAT", "console"),

		RabbitMQURL: getEnv("RABBITMQ_URL", ""),
		DatabaseURL: getEnv("DATABASE_URL", ""),

		ArchiveEnabled:      getEnvBool("ARCHIVE_ENABLED", false),
		ArchiveBucket:       getEnv("ARCHIVE_BUCKET", ""),
		ArchiveRegion:       getEnv("ARCHIVE_REGION", "us-east-1"),
		ArchiveEndpoint:     getEnv("ARCHIVE_ENDPOINT", ""),
		ArchiveFlushSeconds: getEnvInt("ARCHIVE_FLUSH_SECONDS", 300),
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if _, err := reference.ParseNormalizedNamed(c.Image); err != nil {
		return fmt.Errorf("invalid SANDBOX_IMAGE %q: %w", c.Image, err)
	}
	if c.MaxContainers < 1 {
		return fmt.Errorf("MAX_CONTAINERS must be at least 1, got %d", c.MaxContainers)
	}
	if c.PrewarmCount < 0 {
		return fmt.Errorf("PREWARM_COUNT must not be negative, got %d", c.PrewarmCount)
	}
	if c.SessionTimeoutSeconds < 1 {
		return fmt.Errorf("SESSION_TIMEOUT_SECONDS must be at least 1, got %d", c.SessionTimeoutSeconds)
	}
	if c.MaxSessionTimeoutSeconds < c.SessionTimeoutSeconds {
		return fmt.Errorf("MAX_SESSION_TIMEOUT_SECONDS (%d) is below SESSION_TIMEOUT_SECONDS (%d)",
			c.MaxSessionTimeoutSeconds, c.SessionTimeoutSeconds)
	}
	if c.CommandTimeoutSeconds < 1 {
		return fmt.Errorf("COMMAND_TIMEOUT_SECONDS must be at least 1, got %d", c.CommandTimeoutSeconds)
	}
	if !path.IsAbs(c.WorkDir) {
		return fmt.Errorf("WORK_DIR must be an absolute path, got %q", c.WorkDir)
	}
	if c.LogFormat != "console" && c.LogFormat != "json" {
		return fmt.Errorf("LOG_FORMAT must be console or json, got %q", c.LogFormat)
	}
	if c.ArchiveEnabled && c.ArchiveBucket == "" {
		return fmt.Errorf("ARCHIVE_ENABLED requires ARCHIVE_BUCKET")
	}
	return nil
}

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

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolVal, err := strconv.ParseBool(value); err == nil {
			return boolVal
		}
	}
	return defaultValue
}

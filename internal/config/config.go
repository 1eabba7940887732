// Package config loads the server configuration from the environment.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/broisnischal/create/eventlog/redislog"
	"github.com/go-playground/validator/v10"
	"github.com/joeshaw/envdecode"
)

const (
	EventStoreMemory = "memory"
	EventStoreRedis  = "redis"
)

// Config is the server configuration. Defaults live in the env tags; CLI
// flags are applied on top by the caller before Validate.
type Config struct {
	// Addr is the listen address. ENV: CREATE_MCP_ADDR
	Addr string `env:"CREATE_MCP_ADDR,default=:8080" validate:"required,listen_addr"`
	// Path is where the MCP endpoint is mounted. ENV: CREATE_MCP_PATH
	Path string `env:"CREATE_MCP_PATH,default=/mcp" validate:"required,startswith=/"`
	// EventStore selects the event log backend. ENV: CREATE_MCP_EVENT_STORE
	EventStore string `env:"CREATE_MCP_EVENT_STORE,default=memory" validate:"oneof=memory redis"`
	// RegistryFile replaces the embedded framework registry and is watched
	// for changes. ENV: CREATE_MCP_REGISTRY_FILE
	RegistryFile string `env:"CREATE_MCP_REGISTRY_FILE"`
	// LogLevel is one of debug, info, warn, error. ENV: CREATE_MCP_LOG_LEVEL
	LogLevel string `env:"CREATE_MCP_LOG_LEVEL,default=info" validate:"oneof=debug info warn error"`
	// Metrics mounts /metrics. ENV: CREATE_MCP_METRICS
	Metrics bool `env:"CREATE_MCP_METRICS,default=true"`
	// Tombstones bounds how many terminated session ids are remembered.
	// ENV: CREATE_MCP_TOMBSTONES
	Tombstones int `env:"CREATE_MCP_TOMBSTONES,default=10000" validate:"gt=0"`
	// ShutdownTimeout bounds graceful shutdown. ENV: CREATE_MCP_SHUTDOWN_TIMEOUT
	ShutdownTimeout time.Duration `env:"CREATE_MCP_SHUTDOWN_TIMEOUT,default=10s" validate:"gt=0"`

	Redis redislog.Config
}

// Load decodes the environment into a Config. It does not validate.
func Load() (*Config, error) {
	var cfg Config
	if err := envdecode.Decode(&cfg); err != nil && !errors.Is(err, envdecode.ErrNoTargetFieldsAreSet) {
		return nil, fmt.Errorf("failed to decode environment: %w", err)
	}
	return &cfg, nil
}

// Validate checks the configuration and reports every problem at once.
func (c *Config) Validate() error {
	v := validator.New(validator.WithRequiredStructEnabled())
	if err := v.RegisterValidation("listen_addr", validateListenAddr); err != nil {
		return fmt.Errorf("failed to register listen_addr validator: %w", err)
	}

	if err := v.Struct(c); err != nil {
		return formatValidationErrors(err)
	}
	return nil
}

// SlogLevel maps LogLevel to a slog.Level. Unknown values mean info.
func (c *Config) SlogLevel() slog.Level {
	var l slog.Level
	if err := l.UnmarshalText([]byte(c.LogLevel)); err != nil {
		return slog.LevelInfo
	}
	return l
}

// validateListenAddr accepts host:port with an optional host, e.g. ":8080".
func validateListenAddr(fl validator.FieldLevel) bool {
	_, port, err := net.SplitHostPort(fl.Field().String())
	if err != nil {
		return false
	}
	n, err := strconv.Atoi(port)
	return err == nil && n >= 0 && n <= 65535
}

func formatValidationErrors(err error) error {
	var validationErrors validator.ValidationErrors
	if errors.As(err, &validationErrors) {
		messages := make([]string, 0, len(validationErrors))
		for _, e := range validationErrors {
			messages = append(messages, formatFieldError(e))
		}
		return errors.New(strings.Join(messages, "; "))
	}
	return err
}

func formatFieldError(e validator.FieldError) string {
	field := e.Namespace()

	switch e.Tag() {
	case "required":
		return fmt.Sprintf("%s is required", field)
	case "oneof":
		return fmt.Sprintf("%s must be one of: %s", field, e.Param())
	case "startswith":
		return fmt.Sprintf("%s must start with %q", field, e.Param())
	case "gt":
		return fmt.Sprintf("%s must be greater than %s", field, e.Param())
	case "listen_addr":
		return fmt.Sprintf("%s must be a valid listen address like :8080", field)
	default:
		return fmt.Sprintf("%s failed validation: %s", field, e.Tag())
	}
}

// Package config reads the process configuration once at start-up: an
// optional YAML file named by CONFIG_FILE, overridden by environment
// variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"chat-gateway/internal/logging"
)

const (
	BackendRedis    = "redis"
	BackendDynamoDB = "dynamodb"
	BackendSQLite   = "sqlite"
)

type Config struct {
	HTTPAddr     string `yaml:"http_addr"`
	StoreBackend string `yaml:"store_backend"`

	RedisHost     string `yaml:"redis_host"`
	RedisPort     int    `yaml:"redis_port"`
	RedisDB       int    `yaml:"redis_db"`
	RedisPassword string `yaml:"redis_password"`

	StateTable string `yaml:"state_table"`
	SQLitePath string `yaml:"sqlite_path"`

	// TTLs and timeouts are whole seconds.
	ConversationTTLSeconds int `yaml:"conversation_ttl"`
	ModelTTLSeconds        int `yaml:"model_ttl"`
	UpstreamTimeoutSeconds int `yaml:"upstream_timeout"`

	OpenAIAPIKey  string `yaml:"openai_api_key"`
	OpenAIBaseURL string `yaml:"openai_base_url"`
	ParamPrefix   string `yaml:"param_prefix"`

	LogLevel string `yaml:"log_level"`
}

func Default() Config {
	return Config{
		HTTPAddr:               ":8000",
		StoreBackend:           BackendRedis,
		RedisHost:              "localhost",
		RedisPort:              6379,
		SQLitePath:             "chat-gateway.db",
		ConversationTTLSeconds: 3600,
		ModelTTLSeconds:        86400,
		UpstreamTimeoutSeconds: 60,
		OpenAIBaseURL:          "https://api.openai.com/v1",
		LogLevel:               "info",
	}
}

// Load builds the configuration from defaults, the CONFIG_FILE overlay and
// the environment, in that order, and validates the result.
func Load() (Config, error) {
	cfg := Default()
	if path := strings.TrimSpace(os.Getenv("CONFIG_FILE")); path != "" {
		if err := cfg.overlayFile(path); err != nil {
			return Config{}, err
		}
	}
	if err := cfg.overlayEnv(); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) overlayFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("config: read %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("config: parse %s: %w", path, err)
	}
	return nil
}

func (c *Config) overlayEnv() error {
	envString("HTTP_ADDR", &c.HTTPAddr)
	envString("STORE_BACKEND", &c.StoreBackend)
	envString("REDIS_HOST", &c.RedisHost)
	envString("REDIS_PASSWORD", &c.RedisPassword)
	envString("STATE_TABLE", &c.StateTable)
	envString("SQLITE_PATH", &c.SQLitePath)
	envString("OPENAI_API_KEY", &c.OpenAIAPIKey)
	envString("OPENAI_BASE_URL", &c.OpenAIBaseURL)
	envString("PARAM_PREFIX", &c.ParamPrefix)
	envString("LOG_LEVEL", &c.LogLevel)

	return errors.Join(
		envInt("REDIS_PORT", &c.RedisPort),
		envInt("REDIS_DB", &c.RedisDB),
		envInt("CONVERSATION_TTL", &c.ConversationTTLSeconds),
		envInt("MODEL_TTL", &c.ModelTTLSeconds),
		envInt("UPSTREAM_TIMEOUT", &c.UpstreamTimeoutSeconds),
	)
}

// Validate reports every invalid setting at once.
func (c Config) Validate() error {
	var errs []error
	switch c.StoreBackend {
	case BackendRedis:
		if c.RedisPort <= 0 || c.RedisPort > 65535 {
			errs = append(errs, fmt.Errorf("config: REDIS_PORT %d out of range", c.RedisPort))
		}
		if c.RedisDB < 0 {
			errs = append(errs, errors.New("config: REDIS_DB must not be negative"))
		}
	case BackendDynamoDB:
		if strings.TrimSpace(c.StateTable) == "" {
			errs = append(errs, errors.New("config: STATE_TABLE is required for the dynamodb backend"))
		}
	case BackendSQLite:
		if strings.TrimSpace(c.SQLitePath) == "" {
			errs = append(errs, errors.New("config: SQLITE_PATH must not be empty"))
		}
	default:
		errs = append(errs, fmt.Errorf("config: unknown STORE_BACKEND %q", c.StoreBackend))
	}
	if c.ConversationTTLSeconds <= 0 {
		errs = append(errs, errors.New("config: CONVERSATION_TTL must be positive"))
	}
	if c.ModelTTLSeconds <= 0 {
		errs = append(errs, errors.New("config: MODEL_TTL must be positive"))
	}
	if c.UpstreamTimeoutSeconds <= 0 {
		errs = append(errs, errors.New("config: UPSTREAM_TIMEOUT must be positive"))
	}
	if strings.TrimSpace(c.OpenAIAPIKey) == "" && strings.TrimSpace(c.ParamPrefix) == "" {
		errs = append(errs, errors.New("config: OPENAI_API_KEY or PARAM_PREFIX must be set"))
	}
	if _, err := logging.ParseLevel(c.LogLevel); err != nil {
		errs = append(errs, fmt.Errorf("config: LOG_LEVEL: %w", err))
	}
	return errors.Join(errs...)
}

func (c Config) ConversationTTL() time.Duration {
	return time.Duration(c.ConversationTTLSeconds) * time.Second
}

func (c Config) ModelTTL() time.Duration {
	return time.Duration(c.ModelTTLSeconds) * time.Second
}

func (c Config) UpstreamTimeout() time.Duration {
	return time.Duration(c.UpstreamTimeoutSeconds) * time.Second
}

// APIKeyParameter is the SSM parameter holding the provider key when it is
// not set directly.
func (c Config) APIKeyParameter() string {
	return strings.TrimRight(c.ParamPrefix, "/") + "/open-ai-token"
}

func envString(key string, dst *string) {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		*dst = v
	}
}

func envInt(key string, dst *int) error {
	v, ok := os.LookupEnv(key)
	if !ok || strings.TrimSpace(v) == "" {
		return nil
	}
	n, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil {
		return fmt.Errorf("config: %s must be an integer, got %q", key, v)
	}
	*dst = n
	return nil
}

package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultConfigFile is the path checked for YAML configuration.
const DefaultConfigFile = "dispatchd.yaml"

// Load returns a Config using the hierarchy: defaults < YAML < ENV.
// The YAML file is optional; a missing file is not an error.
func Load() (*Config, error) {
	return LoadFrom(DefaultConfigFile)
}

// LoadFrom returns a Config loaded from the given YAML path using the
// hierarchy: defaults < YAML < ENV.
func LoadFrom(yamlPath string) (*Config, error) {
	cfg := Defaults()

	if err := loadYAML(&cfg, yamlPath); err != nil {
		return nil, fmt.Errorf("config yaml: %w", err)
	}

	loadEnv(&cfg)

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("config validate: %w", err)
	}

	return &cfg, nil
}

// loadYAML reads the YAML file and unmarshals it over cfg.
// Returns nil if the file does not exist.
func loadYAML(cfg *Config, path string) error {
	data, err := os.ReadFile(path) //nolint:gosec // G304: path is validated by caller
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("read %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parse %s: %w", path, err)
	}

	return nil
}

// loadEnv overlays environment variables onto cfg.
// Only non-empty env values override the current config.
func loadEnv(cfg *Config) {
	setString(&cfg.Server.Port, "DISPATCHD_PORT")
	setString(&cfg.Server.CORSOrigin, "DISPATCHD_CORS_ORIGIN")
	setString(&cfg.Postgres.DSN, "DATABASE_URL")
	setInt32(&cfg.Postgres.MaxConns, "DISPATCHD_PG_MAX_CONNS")
	setInt32(&cfg.Postgres.MinConns, "DISPATCHD_PG_MIN_CONNS")
	setDuration(&cfg.Postgres.MaxConnLifetime, "DISPATCHD_PG_MAX_CONN_LIFETIME")
	setDuration(&cfg.Postgres.MaxConnIdleTime, "DISPATCHD_PG_MAX_CONN_IDLE_TIME")
	setDuration(&cfg.Postgres.HealthCheck, "DISPATCHD_PG_HEALTH_CHECK")
	setString(&cfg.NATS.URL, "NATS_URL")
	setString(&cfg.Conveyor.BaseURL, "CONVEYOR_URL")
	setString(&cfg.Conveyor.APIKey, "CONVEYOR_API_KEY")
	setDuration(&cfg.Conveyor.PollBudget, "DISPATCHD_CONVEYOR_POLL_BUDGET")
	setDuration(&cfg.Conveyor.ToolchainRefresh, "DISPATCHD_CONVEYOR_TOOLCHAIN_REFRESH")
	setString(&cfg.LLM.URL, "LLM_PROXY_URL")
	setString(&cfg.LLM.APIKey, "LLM_PROXY_KEY")
	setString(&cfg.LLM.Model, "DISPATCHD_LLM_MODEL")
	setDuration(&cfg.LLM.StreamBudget, "DISPATCHD_LLM_STREAM_BUDGET")
	setInt(&cfg.LLM.FlushBytes, "DISPATCHD_LLM_FLUSH_BYTES")
	setDuration(&cfg.LLM.FlushInterval, "DISPATCHD_LLM_FLUSH_INTERVAL")
	setInt(&cfg.LLM.SubstantiveLen, "DISPATCHD_LLM_SUBSTANTIVE_LEN")
	setString(&cfg.Tracker.BaseURL, "TRACKER_URL")
	setString(&cfg.Tracker.APIKey, "TRACKER_API_KEY")
	setString(&cfg.Logging.Level, "DISPATCHD_LOG_LEVEL")
	setString(&cfg.Logging.Service, "DISPATCHD_LOG_SERVICE")
	setInt(&cfg.Breaker.MaxFailures, "DISPATCHD_BREAKER_MAX_FAILURES")
	setDuration(&cfg.Breaker.Timeout, "DISPATCHD_BREAKER_TIMEOUT")
	setDuration(&cfg.Stream.IdleDelay, "DISPATCHD_STREAM_IDLE_DELAY")
	setDuration(&cfg.Stream.KeepAlive, "DISPATCHD_STREAM_KEEP_ALIVE")
	setInt(&cfg.Stream.DrainLimit, "DISPATCHD_STREAM_DRAIN_LIMIT")
	setInt(&cfg.Artifacts.MinBodyLen, "DISPATCHD_ARTIFACT_MIN_BODY_LEN")
	setString(&cfg.Telemetry.Endpoint, "OTEL_EXPORTER_OTLP_ENDPOINT")
	setBool(&cfg.Telemetry.Insecure, "DISPATCHD_OTEL_INSECURE")
	setInt64(&cfg.Cache.MaxSizeMB, "DISPATCHD_CACHE_SIZE_MB")
	setDuration(&cfg.Cache.TTL, "DISPATCHD_CACHE_TTL")
}

// validate rejects configurations that cannot work.
func validate(cfg *Config) error {
	if cfg.Server.Port == "" {
		return errors.New("server port must not be empty")
	}
	if cfg.Postgres.DSN == "" {
		return errors.New("postgres dsn must not be empty")
	}
	if cfg.Postgres.MaxConns < cfg.Postgres.MinConns {
		return fmt.Errorf("postgres max_conns (%d) must be >= min_conns (%d)",
			cfg.Postgres.MaxConns, cfg.Postgres.MinConns)
	}
	if cfg.Conveyor.PollBudget <= 0 {
		return errors.New("conveyor poll_budget must be positive")
	}
	if cfg.LLM.StreamBudget <= 0 {
		return errors.New("llm stream_budget must be positive")
	}
	if cfg.LLM.FlushBytes <= 0 || cfg.LLM.FlushInterval <= 0 {
		return errors.New("llm flush cadence must be positive")
	}
	if cfg.Stream.IdleDelay <= 0 {
		return errors.New("stream idle_delay must be positive")
	}
	return nil
}

// --- env overlay helpers ---

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setInt32(dst *int32, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 32); err == nil {
			*dst = int32(n)
		}
	}
}

func setInt64(dst *int64, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			*dst = n
		}
	}
}

func setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func setDuration(dst *time.Duration, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			*dst = d
		}
	}
}

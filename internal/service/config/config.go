// Package config loads and validates service configuration from a YAML file
// with environment variable overrides. Configuration is resolved once at
// startup and passed by value; components never read process state
// themselves.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration decodes YAML values like "30s" or integer nanoseconds.
type Duration time.Duration

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err == nil {
		parsed, perr := time.ParseDuration(s)
		if perr != nil {
			return fmt.Errorf("invalid duration %q: %w", s, perr)
		}
		*d = Duration(parsed)
		return nil
	}
	var n int64
	if err := value.Decode(&n); err == nil {
		*d = Duration(n)
		return nil
	}
	return fmt.Errorf("invalid duration value")
}

// Std returns the plain time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

type Config struct {
	MLLP     MLLPConfig    `yaml:"mllp"`
	Gateway  GatewayConfig `yaml:"gateway"`
	Store    StoreConfig   `yaml:"store"`
	Retry    RetryConfig   `yaml:"retry"`
	Ops      OpsConfig     `yaml:"ops"`
	Device   string        `yaml:"device"`    // FHIR reference of the submitting device
	LogLevel string        `yaml:"log_level"` // debug, info, warn, error
}

type MLLPConfig struct {
	Bind          string   `yaml:"bind"`
	MaxFrameBytes int      `yaml:"max_frame_bytes"`
	GracePeriod   Duration `yaml:"grace_period"`
}

type GatewayConfig struct {
	BaseURL      string   `yaml:"base_url"`
	StructureMap string   `yaml:"structure_map"`
	Timeout      Duration `yaml:"timeout"`
}

type StoreConfig struct {
	BaseURL  string   `yaml:"base_url"`
	Username string   `yaml:"username"`
	Password string   `yaml:"password"`
	Timeout  Duration `yaml:"timeout"`
}

type RetryConfig struct {
	MaxAttempts  int      `yaml:"max_attempts"`
	InitialDelay Duration `yaml:"initial_delay"`
	MaxDelay     Duration `yaml:"max_delay"`
}

type OpsConfig struct {
	Bind string `yaml:"bind"`
}

// Default returns the configuration used when no file or overrides are
// present. The gateway and store URLs match a local development setup.
func Default() Config {
	return Config{
		MLLP: MLLPConfig{
			Bind:          "0.0.0.0:2575",
			MaxFrameBytes: 1 << 20,
			GracePeriod:   Duration(10 * time.Second),
		},
		Gateway: GatewayConfig{
			BaseURL:      "http://localhost:8080/matchboxv3/fhir",
			StructureMap: "http://hsrt-kkrt.org/fhir/StructureMap/InfoWashSource-to-Bundle",
			Timeout:      Duration(30 * time.Second),
		},
		Store: StoreConfig{
			BaseURL: "http://localhost:8081/fhir",
			Timeout: Duration(30 * time.Second),
		},
		Retry: RetryConfig{
			MaxAttempts:  3,
			InitialDelay: Duration(200 * time.Millisecond),
			MaxDelay:     Duration(5 * time.Second),
		},
		Ops:      OpsConfig{Bind: "0.0.0.0:9090"},
		Device:   "Device/v2-to-fhir-pipeline",
		LogLevel: "info",
	}
}

// Load resolves configuration: defaults, then the YAML file at path when
// non-empty, then environment overrides, then validation.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(raw, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config file: %w", err)
		}
	}

	applyEnv(&cfg)

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func applyEnv(cfg *Config) {
	setString(&cfg.MLLP.Bind, "PIPELINE_MLLP_BIND")
	setInt(&cfg.MLLP.MaxFrameBytes, "PIPELINE_MLLP_MAX_FRAME_BYTES")
	setDuration(&cfg.MLLP.GracePeriod, "PIPELINE_MLLP_GRACE_PERIOD")
	setString(&cfg.Gateway.BaseURL, "PIPELINE_GATEWAY_URL")
	setString(&cfg.Gateway.StructureMap, "PIPELINE_GATEWAY_STRUCTURE_MAP")
	setDuration(&cfg.Gateway.Timeout, "PIPELINE_GATEWAY_TIMEOUT")
	setString(&cfg.Store.BaseURL, "PIPELINE_STORE_URL")
	setString(&cfg.Store.Username, "PIPELINE_STORE_USERNAME")
	setString(&cfg.Store.Password, "PIPELINE_STORE_PASSWORD")
	setDuration(&cfg.Store.Timeout, "PIPELINE_STORE_TIMEOUT")
	setInt(&cfg.Retry.MaxAttempts, "PIPELINE_RETRY_MAX_ATTEMPTS")
	setString(&cfg.Ops.Bind, "PIPELINE_OPS_BIND")
	setString(&cfg.Device, "PIPELINE_DEVICE")
	setString(&cfg.LogLevel, "PIPELINE_LOG_LEVEL")
}

func setString(dst *string, key string) {
	if v, ok := os.LookupEnv(key); ok {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v, ok := os.LookupEnv(key); ok {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setDuration(dst *Duration, key string) {
	if v, ok := os.LookupEnv(key); ok {
		if d, err := time.ParseDuration(v); err == nil {
			*dst = Duration(d)
		}
	}
}

func (c Config) Validate() error {
	if c.MLLP.Bind == "" {
		return fmt.Errorf("mllp.bind is required")
	}
	if c.MLLP.MaxFrameBytes <= 0 {
		return fmt.Errorf("mllp.max_frame_bytes must be positive")
	}
	if c.Gateway.BaseURL == "" {
		return fmt.Errorf("gateway.base_url is required")
	}
	if c.Gateway.StructureMap == "" {
		return fmt.Errorf("gateway.structure_map is required")
	}
	if c.Store.BaseURL == "" {
		return fmt.Errorf("store.base_url is required")
	}
	if c.Retry.MaxAttempts < 1 {
		return fmt.Errorf("retry.max_attempts must be at least 1")
	}
	if c.Device == "" {
		return fmt.Errorf("device is required")
	}
	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log_level %q is not one of debug, info, warn, error", c.LogLevel)
	}
	return nil
}

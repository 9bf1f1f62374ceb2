// Package config resolves runtime configuration from an optional YAML file
// plus WAPAIR_* environment variables. Env always wins over the file so
// deployments can tune single knobs without editing it.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the full runtime configuration.
type Config struct {
	Port   int    `yaml:"port"`
	APIKey string `yaml:"api_key"` // empty disables auth

	RateWindow time.Duration `yaml:"rate_window"`
	RateMax    int           `yaml:"rate_max"`

	SessionTTL    time.Duration `yaml:"session_ttl"`
	IdleTTL       time.Duration `yaml:"idle_ttl"`
	SweepInterval time.Duration `yaml:"sweep_interval"`

	MaxRetries     int           `yaml:"max_retries"`
	RetryBaseDelay time.Duration `yaml:"retry_base_delay"`
	RetryMaxDelay  time.Duration `yaml:"retry_max_delay"`

	ExportEncrypted bool   `yaml:"export_encrypted"`
	ExportSecret    string `yaml:"export_secret"`

	DataDir  string `yaml:"data_dir"`
	LogLevel string `yaml:"log_level"`
}

// Default returns the production defaults.
func Default() Config {
	return Config{
		Port:           8080,
		RateWindow:     time.Minute,
		RateMax:        10,
		SessionTTL:     10 * time.Minute,
		IdleTTL:        2 * time.Minute,
		SweepInterval:  30 * time.Second,
		MaxRetries:     3,
		RetryBaseDelay: 2 * time.Second,
		RetryMaxDelay:  15 * time.Second,
		DataDir:        "data/sessions",
		LogLevel:       "info",
	}
}

// Load builds the config: defaults, then the YAML file at path (if given),
// then env overrides, then validation.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config file: %w", err)
		}
	}

	if err := cfg.applyEnv(); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() error {
	var err error
	setInt("WAPAIR_PORT", &c.Port, &err)
	setStr("WAPAIR_API_KEY", &c.APIKey)
	setDur("WAPAIR_RATE_WINDOW", &c.RateWindow, &err)
	setInt("WAPAIR_RATE_MAX", &c.RateMax, &err)
	setDur("WAPAIR_SESSION_TTL", &c.SessionTTL, &err)
	setDur("WAPAIR_IDLE_TTL", &c.IdleTTL, &err)
	setDur("WAPAIR_SWEEP_INTERVAL", &c.SweepInterval, &err)
	setInt("WAPAIR_MAX_RETRIES", &c.MaxRetries, &err)
	setDur("WAPAIR_RETRY_BASE_DELAY", &c.RetryBaseDelay, &err)
	setDur("WAPAIR_RETRY_MAX_DELAY", &c.RetryMaxDelay, &err)
	setBool("WAPAIR_EXPORT_ENCRYPTED", &c.ExportEncrypted, &err)
	setStr("WAPAIR_EXPORT_SECRET", &c.ExportSecret)
	setStr("WAPAIR_DATA_DIR", &c.DataDir)
	setStr("WAPAIR_LOG_LEVEL", &c.LogLevel)
	return err
}

// Validate rejects configurations the server must not boot with.
func (c Config) Validate() error {
	if c.Port < 1 || c.Port > 65535 {
		return fmt.Errorf("port %d out of range", c.Port)
	}
	if c.SessionTTL <= 0 || c.IdleTTL <= 0 || c.SweepInterval <= 0 {
		return fmt.Errorf("session_ttl, idle_ttl and sweep_interval must be positive")
	}
	if c.MaxRetries < 0 {
		return fmt.Errorf("max_retries must not be negative")
	}
	if c.RetryBaseDelay <= 0 || c.RetryMaxDelay < c.RetryBaseDelay {
		return fmt.Errorf("retry delays must satisfy 0 < base <= max")
	}
	if c.ExportEncrypted && c.ExportSecret == "" {
		return fmt.Errorf("export_encrypted requires WAPAIR_EXPORT_SECRET")
	}
	if c.DataDir == "" {
		return fmt.Errorf("data_dir must not be empty")
	}
	return nil
}

func setStr(key string, dst *string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(key string, dst *int, errOut *error) {
	v := os.Getenv(key)
	if v == "" || *errOut != nil {
		return
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		*errOut = fmt.Errorf("%s: %w", key, err)
		return
	}
	*dst = n
}

func setBool(key string, dst *bool, errOut *error) {
	v := os.Getenv(key)
	if v == "" || *errOut != nil {
		return
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		*errOut = fmt.Errorf("%s: %w", key, err)
		return
	}
	*dst = b
}

func setDur(key string, dst *time.Duration, errOut *error) {
	v := os.Getenv(key)
	if v == "" || *errOut != nil {
		return
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		*errOut = fmt.Errorf("%s: %w", key, err)
		return
	}
	if d <= 0 {
		*errOut = fmt.Errorf("%s must be positive", key)
		return
	}
	*dst = d
}

package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/viper"
)

const (
	// AppDirectoryName is the per-user application data directory name.
	AppDirectoryName = "dmsync"
	// EnvPrefix prefixes every environment override, e.g. DMSYNC_TOKEN.
	EnvPrefix = "DMSYNC"

	DefaultAPIBaseURL            = "http://localhost:8080"
	DefaultInitialBackoffMillis  = 1000
	DefaultMaxBackoffMillis      = 30000
	DefaultUnreadPollSeconds     = 30
	DefaultRequestTimeoutSeconds = 15
	DefaultLogLevel              = "info"

	configFileName = "config.json"
)

// ClientConfig contains persistent client settings. Token is read from the
// environment only and never written to disk.
type ClientConfig struct {
	ClientID              string `json:"client_id" mapstructure:"client_id"`
	APIBaseURL            string `json:"api_base_url" mapstructure:"api_base_url"`
	Token                 string `json:"-" mapstructure:"token"`
	InitialBackoffMillis  int    `json:"initial_backoff_ms" mapstructure:"initial_backoff_ms"`
	MaxBackoffMillis      int    `json:"max_backoff_ms" mapstructure:"max_backoff_ms"`
	UnreadPollSeconds     int    `json:"unread_poll_seconds" mapstructure:"unread_poll_seconds"`
	RequestTimeoutSeconds int    `json:"request_timeout_seconds" mapstructure:"request_timeout_seconds"`
	MetricsAddr           string `json:"metrics_addr" mapstructure:"metrics_addr"`
	LogLevel              string `json:"log_level" mapstructure:"log_level"`
	Development           bool   `json:"development" mapstructure:"development"`
}

var configKeys = []string{
	"client_id",
	"api_base_url",
	"token",
	"initial_backoff_ms",
	"max_backoff_ms",
	"unread_poll_seconds",
	"request_timeout_seconds",
	"metrics_addr",
	"log_level",
	"development",
}

// InitialBackoff returns the first reconnect delay.
func (c *ClientConfig) InitialBackoff() time.Duration {
	return time.Duration(c.InitialBackoffMillis) * time.Millisecond
}

// MaxBackoff returns the reconnect delay cap.
func (c *ClientConfig) MaxBackoff() time.Duration {
	return time.Duration(c.MaxBackoffMillis) * time.Millisecond
}

// UnreadPollInterval returns how often the unread badge is refreshed.
func (c *ClientConfig) UnreadPollInterval() time.Duration {
	return time.Duration(c.UnreadPollSeconds) * time.Second
}

// RequestTimeout bounds every non-streaming API request.
func (c *ClientConfig) RequestTimeout() time.Duration {
	return time.Duration(c.RequestTimeoutSeconds) * time.Second
}

// ResolveDataDir returns the OS-aware app data directory.
//
// If DMSYNC_DATA_DIR is set, its value is used as an explicit override.
func ResolveDataDir() (string, error) {
	if override := os.Getenv(EnvPrefix + "_DATA_DIR"); override != "" {
		return override, nil
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolve user home: %w", err)
	}

	switch runtime.GOOS {
	case "windows":
		base := os.Getenv("APPDATA")
		if base == "" {
			base = filepath.Join(home, "AppData", "Roaming")
		}
		return filepath.Join(base, AppDirectoryName), nil
	case "darwin":
		return filepath.Join(home, "Library", "Application Support", AppDirectoryName), nil
	default:
		base := os.Getenv("XDG_CONFIG_HOME")
		if base == "" {
			base = filepath.Join(home, ".config")
		}
		return filepath.Join(base, AppDirectoryName), nil
	}
}

// ConfigPath returns the full path to config.json for a data directory.
func ConfigPath(dataDir string) string {
	return filepath.Join(dataDir, configFileName)
}

// Load reads config.json and applies DMSYNC_* environment overrides.
func Load(path string) (*ClientConfig, error) {
	return load(path, true)
}

func load(path string, withEnv bool) (*ClientConfig, error) {
	if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("json")
	if withEnv {
		v.SetEnvPrefix(EnvPrefix)
		v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
		for _, key := range configKeys {
			if err := v.BindEnv(key); err != nil {
				return nil, fmt.Errorf("bind env %q: %w", key, err)
			}
		}
	}

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	var cfg ClientConfig
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	return &cfg, nil
}

// Save marshals and writes config.json to disk.
func Save(path string, cfg *ClientConfig) error {
	raw, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}

	raw = append(raw, '\n')
	if err := os.WriteFile(path, raw, 0o600); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	return nil
}

// LoadOrCreate ensures the data directory and config exist, then returns both.
// Missing settings are defaulted in the file; environment overrides apply to
// the returned config only.
func LoadOrCreate() (*ClientConfig, string, error) {
	dataDir, err := ResolveDataDir()
	if err != nil {
		return nil, "", err
	}
	if err := os.MkdirAll(dataDir, 0o700); err != nil {
		return nil, "", fmt.Errorf("create directory %q: %w", dataDir, err)
	}

	cfgPath := ConfigPath(dataDir)
	if _, err := os.Stat(cfgPath); errors.Is(err, fs.ErrNotExist) {
		if err := Save(cfgPath, defaultConfig()); err != nil {
			return nil, "", err
		}
	}

	fileCfg, err := load(cfgPath, false)
	if err != nil {
		return nil, "", err
	}
	if normalizeDefaults(fileCfg) {
		if err := Save(cfgPath, fileCfg); err != nil {
			return nil, "", err
		}
	}

	cfg, err := Load(cfgPath)
	if err != nil {
		return nil, "", err
	}
	normalizeDefaults(cfg)
	return cfg, cfgPath, nil
}

func defaultConfig() *ClientConfig {
	return &ClientConfig{
		ClientID:              uuid.NewString(),
		APIBaseURL:            DefaultAPIBaseURL,
		InitialBackoffMillis:  DefaultInitialBackoffMillis,
		MaxBackoffMillis:      DefaultMaxBackoffMillis,
		UnreadPollSeconds:     DefaultUnreadPollSeconds,
		RequestTimeoutSeconds: DefaultRequestTimeoutSeconds,
		LogLevel:              DefaultLogLevel,
	}
}

func normalizeDefaults(cfg *ClientConfig) bool {
	updated := false

	if cfg.ClientID == "" {
		cfg.ClientID = uuid.NewString()
		updated = true
	}
	if strings.TrimSpace(cfg.APIBaseURL) == "" {
		cfg.APIBaseURL = DefaultAPIBaseURL
		updated = true
	}
	if cfg.InitialBackoffMillis <= 0 {
		cfg.InitialBackoffMillis = DefaultInitialBackoffMillis
		updated = true
	}
	if cfg.MaxBackoffMillis <= 0 {
		cfg.MaxBackoffMillis = DefaultMaxBackoffMillis
		updated = true
	}
	if cfg.MaxBackoffMillis < cfg.InitialBackoffMillis {
		cfg.MaxBackoffMillis = cfg.InitialBackoffMillis
		updated = true
	}
	if cfg.UnreadPollSeconds <= 0 {
		cfg.UnreadPollSeconds = DefaultUnreadPollSeconds
		updated = true
	}
	if cfg.RequestTimeoutSeconds <= 0 {
		cfg.RequestTimeoutSeconds = DefaultRequestTimeoutSeconds
		updated = true
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = DefaultLogLevel
		updated = true
	}
	return updated
}

// Package config loads agent settings from a YAML file and the environment.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"appfleet/internal/download"

	"github.com/spf13/viper"
	"golang.org/x/text/language"
)

// Config holds all configuration values for the agent.
type Config struct {
	// Identity of this device in the fleet.
	DeviceID string
	// Base URL of the fleet API (e.g. "https://fleet.example.com/api").
	APIURL string
	// Bearer token presented to the fleet API.
	APIToken string

	// SQLite database file holding the queue, transfers and event buffer.
	DBPath string
	// Directory where artifacts are downloaded and verified.
	StagingDir string
	// Minimum free space kept in the staging directory.
	MinFreeBytes int64

	SyncInterval time.Duration
	// Preferred language for display names in candidate lists.
	Language language.Tag

	// DownloadMode is auto, background (resumable only) or foreground (streamed only).
	DownloadMode string
	StallTimeout time.Duration

	InstallTimeout   time.Duration
	InstallCommand   []string
	InspectorCommand []string

	RetryBase        time.Duration
	RetryMax         time.Duration
	RetryMaxAttempts int
	RetryJitter      float64

	EventBufferCap     int
	EventFlushInterval time.Duration

	// Local API listen address and the hex SHA-256 of its bearer token.
	HTTPAddr       string
	AgentTokenHash string
	RateLimit      float64
	RateBurst      int

	MetricsAddr  string
	OTELEndpoint string
	LogLevel     string
}

// env maps config keys to the environment variable that overrides them.
var env = map[string]string{
	"device_id":            "DEVICE_ID",
	"api_url":              "APPFLEET_API_URL",
	"api_token":            "APPFLEET_API_TOKEN",
	"db_path":              "APPFLEET_DB_PATH",
	"staging_dir":          "APPFLEET_STAGING_DIR",
	"min_free_bytes":       "APPFLEET_MIN_FREE_BYTES",
	"sync_interval":        "APPFLEET_SYNC_INTERVAL",
	"language":             "APPFLEET_LANGUAGE",
	"download_mode":        "APPFLEET_DOWNLOAD_MODE",
	"stall_timeout":        "APPFLEET_STALL_TIMEOUT",
	"install_timeout":      "APPFLEET_INSTALL_TIMEOUT",
	"install_command":      "APPFLEET_INSTALL_COMMAND",
	"inspector_command":    "APPFLEET_INSPECTOR_COMMAND",
	"retry_base":           "APPFLEET_RETRY_BASE",
	"retry_max":            "APPFLEET_RETRY_MAX",
	"retry_max_attempts":   "APPFLEET_RETRY_MAX_ATTEMPTS",
	"retry_jitter":         "APPFLEET_RETRY_JITTER",
	"event_buffer_cap":     "APPFLEET_EVENT_BUFFER_CAP",
	"event_flush_interval": "APPFLEET_EVENT_FLUSH_INTERVAL",
	"http_addr":            "APPFLEET_HTTP_ADDR",
	"agent_token_hash":     "APPFLEET_AGENT_TOKEN_HASH",
	"rate_limit":           "APPFLEET_RATE_LIMIT",
	"rate_burst":           "APPFLEET_RATE_BURST",
	"metrics_addr":         "APPFLEET_METRICS_ADDR",
	"otel_endpoint":        "OTEL_EXPORTER_OTLP_ENDPOINT",
	"log_level":            "APPFLEET_LOG_LEVEL",
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("db_path", "/var/lib/appfleet/agent.db")
	v.SetDefault("staging_dir", "/var/lib/appfleet/staging")
	v.SetDefault("min_free_bytes", 64<<20)
	v.SetDefault("sync_interval", 15*time.Minute)
	v.SetDefault("language", "en")
	v.SetDefault("download_mode", download.ModeAuto)
	v.SetDefault("stall_timeout", time.Minute)
	v.SetDefault("install_timeout", 10*time.Minute)
	v.SetDefault("install_command", []string{"pm-install", "{path}"})
	v.SetDefault("inspector_command", []string{})
	v.SetDefault("retry_base", 30*time.Second)
	v.SetDefault("retry_max", 30*time.Minute)
	v.SetDefault("retry_max_attempts", 5)
	v.SetDefault("retry_jitter", 0.2)
	v.SetDefault("event_buffer_cap", 1000)
	v.SetDefault("event_flush_interval", 5*time.Second)
	v.SetDefault("http_addr", "127.0.0.1:6262")
	v.SetDefault("rate_limit", 10.0)
	v.SetDefault("rate_burst", 20)
	v.SetDefault("metrics_addr", "127.0.0.1:9464")
	v.SetDefault("otel_endpoint", "")
	v.SetDefault("log_level", "info")
}

// Load reads configuration from path and environment variables. Without a
// path, appfleet.yaml is looked up in the working directory and /etc/appfleet.
// Environment variables take precedence over the file.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	for key, name := range env {
		if err := v.BindEnv(key, name); err != nil {
			return nil, fmt.Errorf("failed to bind %s: %w", name, err)
		}
	}

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	} else {
		v.SetConfigName("appfleet")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/appfleet")
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return nil, fmt.Errorf("failed to read config file: %w", err)
			}
		}
	}

	cfg := &Config{
		DeviceID:           strings.TrimSpace(v.GetString("device_id")),
		APIURL:             strings.TrimSpace(v.GetString("api_url")),
		APIToken:           v.GetString("api_token"),
		DBPath:             v.GetString("db_path"),
		StagingDir:         v.GetString("staging_dir"),
		MinFreeBytes:       v.GetInt64("min_free_bytes"),
		SyncInterval:       v.GetDuration("sync_interval"),
		DownloadMode:       strings.ToLower(v.GetString("download_mode")),
		StallTimeout:       v.GetDuration("stall_timeout"),
		InstallTimeout:     v.GetDuration("install_timeout"),
		InstallCommand:     commandOf(v, "install_command"),
		InspectorCommand:   commandOf(v, "inspector_command"),
		RetryBase:          v.GetDuration("retry_base"),
		RetryMax:           v.GetDuration("retry_max"),
		RetryMaxAttempts:   v.GetInt("retry_max_attempts"),
		RetryJitter:        v.GetFloat64("retry_jitter"),
		EventBufferCap:     v.GetInt("event_buffer_cap"),
		EventFlushInterval: v.GetDuration("event_flush_interval"),
		HTTPAddr:           v.GetString("http_addr"),
		AgentTokenHash:     strings.ToLower(strings.TrimSpace(v.GetString("agent_token_hash"))),
		RateLimit:          v.GetFloat64("rate_limit"),
		RateBurst:          v.GetInt("rate_burst"),
		MetricsAddr:        v.GetString("metrics_addr"),
		OTELEndpoint:       v.GetString("otel_endpoint"),
		LogLevel:           v.GetString("log_level"),
	}

	tag, err := language.Parse(v.GetString("language"))
	if err != nil {
		return nil, fmt.Errorf("invalid language %q: %w", v.GetString("language"), err)
	}
	cfg.Language = tag

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// commandOf accepts a YAML list or, from the environment, a space-separated string.
func commandOf(v *viper.Viper, key string) []string {
	if s, ok := v.Get(key).(string); ok {
		return strings.Fields(s)
	}
	return v.GetStringSlice(key)
}

func (c *Config) validate() error {
	var errs []error

	if c.DeviceID == "" {
		errs = append(errs, errors.New("device_id is required (env: DEVICE_ID)"))
	}
	if c.APIURL == "" {
		errs = append(errs, errors.New("api_url is required (env: APPFLEET_API_URL)"))
	} else if u, err := url.Parse(c.APIURL); err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		errs = append(errs, fmt.Errorf("invalid api_url %q", c.APIURL))
	}

	switch c.DownloadMode {
	case download.ModeAuto, download.ModeBackground, download.ModeForeground:
	default:
		errs = append(errs, fmt.Errorf("invalid download_mode %q: must be one of auto, background, foreground", c.DownloadMode))
	}

	if len(c.InstallCommand) == 0 {
		errs = append(errs, errors.New("install_command must not be empty"))
	}
	if c.SyncInterval <= 0 {
		errs = append(errs, errors.New("sync_interval must be positive"))
	}
	if c.InstallTimeout <= 0 {
		errs = append(errs, errors.New("install_timeout must be positive"))
	}
	if c.RetryBase <= 0 || c.RetryMax < c.RetryBase {
		errs = append(errs, errors.New("retry_base must be positive and not exceed retry_max"))
	}
	if c.RetryMaxAttempts < 1 {
		errs = append(errs, errors.New("retry_max_attempts must be at least 1"))
	}
	if c.RetryJitter < 0 || c.RetryJitter > 1 {
		errs = append(errs, errors.New("retry_jitter must be between 0 and 1"))
	}
	if c.EventBufferCap < 1 {
		errs = append(errs, errors.New("event_buffer_cap must be at least 1"))
	}
	if c.AgentTokenHash != "" && len(c.AgentTokenHash) != 64 {
		errs = append(errs, errors.New("agent_token_hash must be a hex SHA-256 digest"))
	}

	return errors.Join(errs...)
}

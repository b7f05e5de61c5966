package config

import (
	"os"
	"strings"
	"testing"
	"time"
)

func requiredEnv(t *testing.T) {
	t.Helper()
	t.Setenv("DEVICE_ID", "kiosk-1")
	t.Setenv("APPFLEET_API_URL", "https://fleet.example.com/api")
}

func TestLoad_RequiresDeviceID(t *testing.T) {
	t.Setenv("DEVICE_ID", "")
	t.Setenv("APPFLEET_API_URL", "https://fleet.example.com/api")

	_, err := Load("")
	if err == nil {
		t.Fatal("expected error when DEVICE_ID is missing")
	}
	if err.Error() != "device_id is required (env: DEVICE_ID)" {
		t.Errorf("unexpected error message: %v", err)
	}
}

func TestLoad_DefaultValues(t *testing.T) {
	requiredEnv(t)

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.SyncInterval != 15*time.Minute {
		t.Errorf("expected SyncInterval 15m, got %v", cfg.SyncInterval)
	}
	if cfg.DownloadMode != "auto" {
		t.Errorf("expected DownloadMode auto, got %s", cfg.DownloadMode)
	}
	if cfg.InstallTimeout != 10*time.Minute {
		t.Errorf("expected InstallTimeout 10m, got %v", cfg.InstallTimeout)
	}
	if cfg.RetryBase != 30*time.Second || cfg.RetryMax != 30*time.Minute || cfg.RetryMaxAttempts != 5 {
		t.Errorf("unexpected retry defaults: %v %v %d", cfg.RetryBase, cfg.RetryMax, cfg.RetryMaxAttempts)
	}
	if cfg.EventBufferCap != 1000 {
		t.Errorf("expected EventBufferCap 1000, got %d", cfg.EventBufferCap)
	}
	if cfg.HTTPAddr != "127.0.0.1:6262" {
		t.Errorf("expected HTTPAddr 127.0.0.1:6262, got %s", cfg.HTTPAddr)
	}
	if cfg.Language.String() != "en" {
		t.Errorf("expected Language en, got %v", cfg.Language)
	}
	if strings.Join(cfg.InstallCommand, " ") != "pm-install {path}" {
		t.Errorf("unexpected InstallCommand %v", cfg.InstallCommand)
	}
	if len(cfg.InspectorCommand) != 0 {
		t.Errorf("expected no InspectorCommand, got %v", cfg.InspectorCommand)
	}
	if cfg.OTELEndpoint != "" {
		t.Errorf("expected tracing disabled by default, got %s", cfg.OTELEndpoint)
	}
}

func TestLoad_EnvVarOverrides(t *testing.T) {
	requiredEnv(t)
	t.Setenv("APPFLEET_SYNC_INTERVAL", "5m")
	t.Setenv("APPFLEET_DOWNLOAD_MODE", "Foreground")
	t.Setenv("APPFLEET_INSTALL_COMMAND", "/usr/bin/pm install {path}")
	t.Setenv("APPFLEET_RETRY_MAX_ATTEMPTS", "3")
	t.Setenv("APPFLEET_LANGUAGE", "de-DE")
	t.Setenv("OTEL_EXPORTER_OTLP_ENDPOINT", "otel-collector:4317")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.SyncInterval != 5*time.Minute {
		t.Errorf("expected SyncInterval 5m, got %v", cfg.SyncInterval)
	}
	if cfg.DownloadMode != "foreground" {
		t.Errorf("expected DownloadMode foreground, got %s", cfg.DownloadMode)
	}
	if got := cfg.InstallCommand; len(got) != 3 || got[0] != "/usr/bin/pm" || got[2] != "{path}" {
		t.Errorf("unexpected InstallCommand %v", got)
	}
	if cfg.RetryMaxAttempts != 3 {
		t.Errorf("expected RetryMaxAttempts 3, got %d", cfg.RetryMaxAttempts)
	}
	if cfg.Language.String() != "de-DE" {
		t.Errorf("expected Language de-DE, got %v", cfg.Language)
	}
	if cfg.OTELEndpoint != "otel-collector:4317" {
		t.Errorf("expected OTELEndpoint otel-collector:4317, got %s", cfg.OTELEndpoint)
	}
}

func TestLoad_Invalid(t *testing.T) {
	tests := []struct {
		name string
		key  string
		val  string
		want string
	}{
		{"Download Mode", "APPFLEET_DOWNLOAD_MODE", "carrier-pigeon", "download_mode"},
		{"API URL", "APPFLEET_API_URL", "ftp://fleet", "api_url"},
		{"Jitter", "APPFLEET_RETRY_JITTER", "1.5", "retry_jitter"},
		{"Attempts", "APPFLEET_RETRY_MAX_ATTEMPTS", "0", "retry_max_attempts"},
		{"Token Hash", "APPFLEET_AGENT_TOKEN_HASH", "abc", "agent_token_hash"},
		{"Language", "APPFLEET_LANGUAGE", "not a tag!", "language"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			requiredEnv(t)
			t.Setenv(tt.key, tt.val)

			_, err := Load("")
			if err == nil {
				t.Fatalf("expected error for %s=%s", tt.key, tt.val)
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("error %q does not mention %s", err, tt.want)
			}
		})
	}
}

func TestLoad_ConfigFile(t *testing.T) {
	tmpFile, err := os.CreateTemp("", "appfleet-test-*.yaml")
	if err != nil {
		t.Fatalf("failed to create temp file: %v", err)
	}
	defer os.Remove(tmpFile.Name())

	configContent := `
device_id: "kiosk-from-file"
api_url: "https://fleet.example.com/api"
staging_dir: /data/staging
install_command: ["/system/bin/pm", "install", "-r", "{path}"]
retry_base: 10s
event_buffer_cap: 50
`
	if _, err := tmpFile.WriteString(configContent); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}
	tmpFile.Close()

	t.Setenv("DEVICE_ID", "")
	t.Setenv("APPFLEET_API_URL", "")

	cfg, err := Load(tmpFile.Name())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.DeviceID != "kiosk-from-file" {
		t.Errorf("expected DeviceID from config file, got %s", cfg.DeviceID)
	}
	if cfg.StagingDir != "/data/staging" {
		t.Errorf("expected StagingDir /data/staging, got %s", cfg.StagingDir)
	}
	if len(cfg.InstallCommand) != 4 || cfg.InstallCommand[2] != "-r" {
		t.Errorf("unexpected InstallCommand %v", cfg.InstallCommand)
	}
	if cfg.RetryBase != 10*time.Second {
		t.Errorf("expected RetryBase 10s, got %v", cfg.RetryBase)
	}
	if cfg.EventBufferCap != 50 {
		t.Errorf("expected EventBufferCap 50, got %d", cfg.EventBufferCap)
	}
}

func TestLoad_EnvOverridesConfigFile(t *testing.T) {
	tmpFile, err := os.CreateTemp("", "appfleet-test-*.yaml")
	if err != nil {
		t.Fatalf("failed to create temp file: %v", err)
	}
	defer os.Remove(tmpFile.Name())

	if _, err := tmpFile.WriteString("device_id: from-file\napi_url: https://file.example.com\n"); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}
	tmpFile.Close()

	t.Setenv("DEVICE_ID", "from-env")
	t.Setenv("APPFLEET_API_URL", "")

	cfg, err := Load(tmpFile.Name())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.DeviceID != "from-env" {
		t.Errorf("expected DeviceID from env, got %s", cfg.DeviceID)
	}
	if cfg.APIURL != "https://file.example.com" {
		t.Errorf("expected APIURL from file, got %s", cfg.APIURL)
	}
}

func TestLoad_InvalidConfigFile(t *testing.T) {
	requiredEnv(t)

	_, err := Load("/nonexistent/path/to/config.yaml")
	if err == nil {
		t.Error("expected error for nonexistent config file")
	}
}

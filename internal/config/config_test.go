package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestDefaultIsValid(t *testing.T) {
	if err := Default().Validate(); err != nil {
		t.Errorf("Expected default config to be valid, got: %v", err)
	}
}

func TestConfigValidation(t *testing.T) {
	tests := []struct {
		name        string
		mutate      func(c *Config)
		expectError bool
		errorMsg    string
	}{
		{
			name:   "valid configuration",
			mutate: func(c *Config) {},
		},
		{
			name:        "invalid http port",
			mutate:      func(c *Config) { c.HTTP.Port = 70000 },
			expectError: true,
			errorMsg:    "http port must be between 1 and 65535",
		},
		{
			name: "disabled http ignores port",
			mutate: func(c *Config) {
				c.HTTP.Enabled = false
				c.HTTP.Port = 0
			},
		},
		{
			name:        "tiny message limit",
			mutate:      func(c *Config) { c.Bus.MaxMessageBytes = 10 },
			expectError: true,
			errorMsg:    "max_message_bytes",
		},
		{
			name:        "unknown default tier",
			mutate:      func(c *Config) { c.Capture.DefaultTier = "premium" },
			expectError: true,
			errorMsg:    "default_tier must be 'free' or 'elevated'",
		},
		{
			name:        "elevated shorter than free",
			mutate:      func(c *Config) { c.Capture.ElevatedMaxDuration = 60 },
			expectError: true,
			errorMsg:    "elevated_max_duration",
		},
		{
			name:        "negative settle delay",
			mutate:      func(c *Config) { c.Session.CleanupSettleMs = -1 },
			expectError: true,
			errorMsg:    "cleanup_settle_ms cannot be negative",
		},
		{
			name:        "stop timeout below request timeout",
			mutate:      func(c *Config) { c.Session.StopTimeoutMs = 100 },
			expectError: true,
			errorMsg:    "stop_timeout_ms",
		},
		{
			name:        "unknown store driver",
			mutate:      func(c *Config) { c.Store.Driver = "redis" },
			expectError: true,
			errorMsg:    "driver must be 'memory' or 'sqlite'",
		},
		{
			name: "memory store needs no path",
			mutate: func(c *Config) {
				c.Store.Driver = "memory"
				c.Store.Path = ""
			},
		},
		{
			name:        "enabled transcription without key",
			mutate:      func(c *Config) { c.Transcription.Enabled = true; c.Transcription.Endpoint = "http://localhost" },
			expectError: true,
			errorMsg:    "api_key cannot be empty",
		},
		{
			name: "two active targets",
			mutate: func(c *Config) {
				c.Platform.Targets = []TargetConfig{{ID: "a", Active: true}, {ID: "b", Active: true}}
			},
			expectError: true,
			errorMsg:    "at most one target can be active",
		},
		{
			name: "duplicate target id",
			mutate: func(c *Config) {
				c.Platform.Targets = []TargetConfig{{ID: "a"}, {ID: "a"}}
			},
			expectError: true,
			errorMsg:    "duplicate target id",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			config := Default()
			tt.mutate(config)

			err := config.Validate()
			if tt.expectError {
				if err == nil {
					t.Errorf("Expected error but got none")
				} else if tt.errorMsg != "" && !contains(err.Error(), tt.errorMsg) {
					t.Errorf("Expected error to contain '%s', got '%s'", tt.errorMsg, err.Error())
				}
			} else if err != nil {
				t.Errorf("Expected no error but got: %v", err)
			}
		})
	}
}

func TestConfigLoad(t *testing.T) {
	tempDir := t.TempDir()

	tests := []struct {
		name        string
		configYAML  string
		expectError bool
		errorMsg    string
	}{
		{
			name: "valid config file",
			configYAML: `
http:
  port: 9090
  address: "127.0.0.1"
  enabled: true
capture:
  size_ceiling_bytes: 1048576
  default_tier: "elevated"
session:
  dedupe_window_ms: 1500
store:
  driver: "sqlite"
  path: ":memory:"
logging:
  level: "debug"
  format: "text"
  output: "stderr"
platform:
  targets:
    - id: "tab-7"
      url: "https://example.org/"
      active: true
`,
		},
		{
			name: "invalid YAML syntax",
			configYAML: `
http:
  port: not_a_number
`,
			expectError: true,
			errorMsg:    "failed to parse",
		},
		{
			name: "invalid value",
			configYAML: `
logging:
  level: "verbose"
`,
			expectError: true,
			errorMsg:    "level must be one of",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			configPath := filepath.Join(tempDir, "config.yaml")
			if err := os.WriteFile(configPath, []byte(tt.configYAML), 0644); err != nil {
				t.Fatalf("Failed to create test config file: %v", err)
			}

			config, err := Load(configPath)

			if tt.expectError {
				if err == nil {
					t.Errorf("Expected error but got none")
				} else if tt.errorMsg != "" && !contains(err.Error(), tt.errorMsg) {
					t.Errorf("Expected error to contain '%s', got '%s'", tt.errorMsg, err.Error())
				}
				return
			}

			if err != nil {
				t.Fatalf("Expected no error but got: %v", err)
			}
			if config.HTTP.Port != 9090 {
				t.Errorf("Expected port 9090, got %d", config.HTTP.Port)
			}
			if config.Capture.DefaultTier != "elevated" {
				t.Errorf("Expected elevated tier, got %s", config.Capture.DefaultTier)
			}
			if config.Capture.BitrateBps != 64000 {
				t.Errorf("Expected default bitrate to survive, got %d", config.Capture.BitrateBps)
			}
			if config.Session.GetDedupeWindow() != 1500*time.Millisecond {
				t.Errorf("Expected 1.5s dedupe window, got %v", config.Session.GetDedupeWindow())
			}
			if len(config.Platform.Targets) != 1 || config.Platform.Targets[0].ID != "tab-7" {
				t.Errorf("Expected targets from file, got %+v", config.Platform.Targets)
			}
		})
	}
}

func TestConfigLoadNonexistentFile(t *testing.T) {
	_, err := Load("nonexistent.yaml")
	if err == nil {
		t.Fatalf("Expected error for nonexistent file but got none")
	}
	if !contains(err.Error(), "failed to read config file") {
		t.Errorf("Expected error about reading file, got: %v", err)
	}
}

func TestApplyEnv(t *testing.T) {
	env := map[string]string{
		EnvTranscriptionAPIKey:   "secret",
		EnvTranscriptionEndpoint: "https://stt.example.com",
		EnvHTTPAddress:           "127.0.0.1",
		EnvHTTPPort:              "9999",
		EnvStorePath:             "/tmp/rec.db",
		EnvLogLevel:              "warn",
	}
	lookup := func(key string) (string, bool) {
		v, ok := env[key]
		return v, ok
	}

	config := Default()
	if err := config.ApplyEnv(lookup); err != nil {
		t.Fatalf("ApplyEnv failed: %v", err)
	}

	if config.Transcription.APIKey != "secret" {
		t.Errorf("Expected api key from env, got %q", config.Transcription.APIKey)
	}
	if config.Transcription.Endpoint != "https://stt.example.com" {
		t.Errorf("Expected endpoint from env, got %q", config.Transcription.Endpoint)
	}
	if config.HTTP.Address != "127.0.0.1" || config.HTTP.Port != 9999 {
		t.Errorf("Expected address 127.0.0.1:9999, got %s:%d", config.HTTP.Address, config.HTTP.Port)
	}
	if config.Store.Path != "/tmp/rec.db" {
		t.Errorf("Expected store path from env, got %q", config.Store.Path)
	}
	if config.Logging.Level != "warn" {
		t.Errorf("Expected warn level, got %s", config.Logging.Level)
	}
}

func TestApplyEnvRejectsInvalidValues(t *testing.T) {
	tests := []struct {
		name string
		env  map[string]string
	}{
		{"non numeric port", map[string]string{EnvHTTPPort: "eighty"}},
		{"unknown log level", map[string]string{EnvLogLevel: "loud"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			lookup := func(key string) (string, bool) {
				v, ok := tt.env[key]
				return v, ok
			}
			if err := Default().ApplyEnv(lookup); err == nil {
				t.Errorf("Expected error but got none")
			}
		})
	}
}

func TestDurationHelpers(t *testing.T) {
	capture := CaptureConfig{
		FlushIntervalMs:     100,
		FinalizeTimeoutMs:   5000,
		FreeMaxDuration:     1200,
		ElevatedMaxDuration: 7200,
		SegmentDuration:     1200,
	}

	if capture.GetFlushInterval() != 100*time.Millisecond {
		t.Errorf("Expected 100ms, got %v", capture.GetFlushInterval())
	}
	if capture.GetFinalizeTimeout() != 5*time.Second {
		t.Errorf("Expected 5s, got %v", capture.GetFinalizeTimeout())
	}
	if capture.GetFreeMaxDuration() != 20*time.Minute {
		t.Errorf("Expected 20m, got %v", capture.GetFreeMaxDuration())
	}
	if capture.GetElevatedMaxDuration() != 2*time.Hour {
		t.Errorf("Expected 2h, got %v", capture.GetElevatedMaxDuration())
	}
	if capture.GetSegmentDuration() != 20*time.Minute {
		t.Errorf("Expected 20m, got %v", capture.GetSegmentDuration())
	}

	session := Default().Session
	if session.GetCaptureHeldRetryDelay() != 800*time.Millisecond {
		t.Errorf("Expected 800ms, got %v", session.GetCaptureHeldRetryDelay())
	}
	if session.GetStaleWindow() != 5*time.Minute {
		t.Errorf("Expected 5m, got %v", session.GetStaleWindow())
	}

	transcription := TranscriptionConfig{Timeout: 30, RetryBackoffMs: 250}
	if transcription.GetTimeoutDuration() != 30*time.Second {
		t.Errorf("Expected 30s, got %v", transcription.GetTimeoutDuration())
	}
	if transcription.GetRetryBackoff() != 250*time.Millisecond {
		t.Errorf("Expected 250ms, got %v", transcription.GetRetryBackoff())
	}
}

func TestLoggingConfigValidation(t *testing.T) {
	tests := []struct {
		name   string
		config LoggingConfig
		valid  bool
	}{
		{"valid json to stdout", LoggingConfig{Level: "info", Format: "json", Output: "stdout"}, true},
		{"valid text to file", LoggingConfig{Level: "debug", Format: "text", Output: "/var/log/tab.log"}, true},
		{"invalid log level", LoggingConfig{Level: "trace", Format: "json", Output: "stdout"}, false},
		{"invalid format", LoggingConfig{Level: "info", Format: "xml", Output: "stdout"}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.config.Validate()
			if tt.valid && err != nil {
				t.Errorf("Expected valid config but got error: %v", err)
			}
			if !tt.valid && err == nil {
				t.Errorf("Expected invalid config but got no error")
			}
		})
	}
}

func contains(s, substr string) bool {
	return strings.Contains(s, substr)
}

package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the complete service configuration
type Config struct {
	HTTP          HTTPConfig          `yaml:"http"`
	Bus           BusConfig           `yaml:"bus"`
	Capture       CaptureConfig       `yaml:"capture"`
	Acquire       AcquireConfig       `yaml:"acquire"`
	Session       SessionConfig       `yaml:"session"`
	Store         StoreConfig         `yaml:"store"`
	Transcription TranscriptionConfig `yaml:"transcription"`
	Logging       LoggingConfig       `yaml:"logging"`
	Platform      PlatformConfig      `yaml:"platform"`
}

// HTTPConfig contains HTTP API server configuration
type HTTPConfig struct {
	Port    int    `yaml:"port"`
	Address string `yaml:"address"`
	Enabled bool   `yaml:"enabled"`
}

// BusConfig limits the messaging channel between contexts
type BusConfig struct {
	MaxMessageBytes int `yaml:"max_message_bytes"`
}

// CaptureConfig contains recorder host parameters and tier limits
type CaptureConfig struct {
	SizeCeilingBytes    int64  `yaml:"size_ceiling_bytes"`
	BitrateBps          int    `yaml:"bitrate_bps"`
	FlushIntervalMs     int    `yaml:"flush_interval_ms"`
	MimeType            string `yaml:"mime_type"`
	FinalizeTimeoutMs   int    `yaml:"finalize_timeout_ms"`
	FreeMaxDuration     int    `yaml:"free_max_duration"`     // seconds
	ElevatedMaxDuration int    `yaml:"elevated_max_duration"` // seconds
	SegmentDuration     int    `yaml:"segment_duration"`      // seconds
	DefaultTier         string `yaml:"default_tier"`
}

// AcquireConfig contains retry policy for target and stream acquisition
type AcquireConfig struct {
	MaxAttempts  int `yaml:"max_attempts"`
	RetryDelayMs int `yaml:"retry_delay_ms"`
}

// SessionConfig contains coordinator timings
type SessionConfig struct {
	PriorStopSettleMs       int `yaml:"prior_stop_settle_ms"`
	CleanupSettleMs         int `yaml:"cleanup_settle_ms"`
	CloseSettleMs           int `yaml:"close_settle_ms"`
	PlatformReleaseMs       int `yaml:"platform_release_ms"`
	HostReadyMs             int `yaml:"host_ready_ms"`
	DedupeWindowMs          int `yaml:"dedupe_window_ms"`
	StaleWindow             int `yaml:"stale_window"` // seconds
	StartAttempts           int `yaml:"start_attempts"`
	StartRetryDelayMs       int `yaml:"start_retry_delay_ms"`
	CaptureHeldRetryDelayMs int `yaml:"capture_held_retry_delay_ms"`
	RequestTimeoutMs        int `yaml:"request_timeout_ms"`
	StopTimeoutMs           int `yaml:"stop_timeout_ms"`
}

// StoreConfig selects the recording store. Driver "memory" keeps recordings
// in process; "sqlite" persists them at Path (":memory:" allowed).
type StoreConfig struct {
	Driver string `yaml:"driver"`
	Path   string `yaml:"path"`
}

// TranscriptionConfig contains transcription API configuration
type TranscriptionConfig struct {
	Enabled        bool   `yaml:"enabled"`
	Endpoint       string `yaml:"endpoint"`
	APIKey         string `yaml:"api_key"`
	Language       string `yaml:"language"`
	Timeout        int    `yaml:"timeout"` // seconds
	MaxRetries     int    `yaml:"max_retries"`
	MaxConcurrent  int    `yaml:"max_concurrent"`
	RetryBackoffMs int    `yaml:"retry_backoff_ms"`
}

// LoggingConfig contains logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

// PlatformConfig lists the tabs exposed by the synthetic capture platform
type PlatformConfig struct {
	Targets []TargetConfig `yaml:"targets"`
}

// TargetConfig is one capturable tab
type TargetConfig struct {
	ID     string `yaml:"id"`
	URL    string `yaml:"url"`
	Title  string `yaml:"title"`
	Active bool   `yaml:"active"`
}

// Default returns a configuration with every field set to its default
func Default() *Config {
	return &Config{
		HTTP: HTTPConfig{
			Port:    8080,
			Address: "0.0.0.0",
			Enabled: true,
		},
		Bus: BusConfig{
			MaxMessageBytes: 64 << 20,
		},
		Capture: CaptureConfig{
			SizeCeilingBytes:    24 << 20,
			BitrateBps:          64000,
			FlushIntervalMs:     100,
			MimeType:            "audio/webm;codecs=opus",
			FinalizeTimeoutMs:   5000,
			FreeMaxDuration:     20 * 60,
			ElevatedMaxDuration: 2 * 60 * 60,
			SegmentDuration:     20 * 60,
			DefaultTier:         "free",
		},
		Acquire: AcquireConfig{
			MaxAttempts:  3,
			RetryDelayMs: 500,
		},
		Session: SessionConfig{
			PriorStopSettleMs:       500,
			CleanupSettleMs:         300,
			CloseSettleMs:           500,
			PlatformReleaseMs:       800,
			HostReadyMs:             300,
			DedupeWindowMs:          3000,
			StaleWindow:             5 * 60,
			StartAttempts:           5,
			StartRetryDelayMs:       300,
			CaptureHeldRetryDelayMs: 800,
			RequestTimeoutMs:        5000,
			StopTimeoutMs:           15000,
		},
		Store: StoreConfig{
			Driver: "sqlite",
			Path:   "recordings.db",
		},
		Transcription: TranscriptionConfig{
			Enabled:        false,
			Language:       "en",
			Timeout:        60,
			MaxRetries:     3,
			MaxConcurrent:  4,
			RetryBackoffMs: 1000,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
		},
		Platform: PlatformConfig{
			Targets: []TargetConfig{
				{ID: "tab-1", URL: "https://example.com/", Title: "Example", Active: true},
			},
		},
	}
}

// Load reads and parses the configuration file. Fields missing from the
// file keep their defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	config := Default()
	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return config, nil
}

// Environment variables read by ApplyEnv
const (
	EnvTranscriptionAPIKey   = "TABCAPTURE_TRANSCRIPTION_API_KEY"
	EnvTranscriptionEndpoint = "TABCAPTURE_TRANSCRIPTION_ENDPOINT"
	EnvHTTPAddress           = "TABCAPTURE_HTTP_ADDRESS"
	EnvHTTPPort              = "TABCAPTURE_HTTP_PORT"
	EnvStorePath             = "TABCAPTURE_STORE_PATH"
	EnvLogLevel              = "TABCAPTURE_LOG_LEVEL"
)

// ApplyEnv overrides secrets and addresses from the environment and
// validates the result. lookup is usually os.LookupEnv.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) error {
	if v, ok := lookup(EnvTranscriptionAPIKey); ok && v != "" {
		c.Transcription.APIKey = v
	}
	if v, ok := lookup(EnvTranscriptionEndpoint); ok && v != "" {
		c.Transcription.Endpoint = v
	}
	if v, ok := lookup(EnvHTTPAddress); ok && v != "" {
		c.HTTP.Address = v
	}
	if v, ok := lookup(EnvHTTPPort); ok && v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid %s %q: %w", EnvHTTPPort, v, err)
		}
		c.HTTP.Port = port
	}
	if v, ok := lookup(EnvStorePath); ok && v != "" {
		c.Store.Path = v
	}
	if v, ok := lookup(EnvLogLevel); ok && v != "" {
		c.Logging.Level = v
	}

	return c.Validate()
}

// Validate performs comprehensive validation of the configuration
func (c *Config) Validate() error {
	if err := c.HTTP.Validate(); err != nil {
		return fmt.Errorf("http config: %w", err)
	}

	if err := c.Bus.Validate(); err != nil {
		return fmt.Errorf("bus config: %w", err)
	}

	if err := c.Capture.Validate(); err != nil {
		return fmt.Errorf("capture config: %w", err)
	}

	if err := c.Acquire.Validate(); err != nil {
		return fmt.Errorf("acquire config: %w", err)
	}

	if err := c.Session.Validate(); err != nil {
		return fmt.Errorf("session config: %w", err)
	}

	if err := c.Store.Validate(); err != nil {
		return fmt.Errorf("store config: %w", err)
	}

	if err := c.Transcription.Validate(); err != nil {
		return fmt.Errorf("transcription config: %w", err)
	}

	if err := c.Logging.Validate(); err != nil {
		return fmt.Errorf("logging config: %w", err)
	}

	if err := c.Platform.Validate(); err != nil {
		return fmt.Errorf("platform config: %w", err)
	}

	return nil
}

// Validate validates HTTP configuration
func (h *HTTPConfig) Validate() error {
	if h.Enabled {
		if h.Port < 1 || h.Port > 65535 {
			return fmt.Errorf("http port must be between 1 and 65535, got %d", h.Port)
		}

		if h.Address == "" {
			return fmt.Errorf("http address cannot be empty when HTTP is enabled")
		}
	}

	return nil
}

// Validate validates bus configuration
func (b *BusConfig) Validate() error {
	if b.MaxMessageBytes < 1024 {
		return fmt.Errorf("max_message_bytes must be at least 1024, got %d", b.MaxMessageBytes)
	}
	return nil
}

// Validate validates capture configuration
func (c *CaptureConfig) Validate() error {
	if c.SizeCeilingBytes < 1 {
		return fmt.Errorf("size_ceiling_bytes must be positive, got %d", c.SizeCeilingBytes)
	}

	if c.BitrateBps < 8000 {
		return fmt.Errorf("bitrate_bps must be at least 8000, got %d", c.BitrateBps)
	}

	if c.FlushIntervalMs < 1 {
		return fmt.Errorf("flush_interval_ms must be positive, got %d", c.FlushIntervalMs)
	}

	if c.MimeType == "" {
		return fmt.Errorf("mime_type cannot be empty")
	}

	if c.FinalizeTimeoutMs < 1 {
		return fmt.Errorf("finalize_timeout_ms must be positive, got %d", c.FinalizeTimeoutMs)
	}

	if c.FreeMaxDuration < 1 {
		return fmt.Errorf("free_max_duration must be at least 1 second, got %d", c.FreeMaxDuration)
	}

	if c.ElevatedMaxDuration < c.FreeMaxDuration {
		return fmt.Errorf("elevated_max_duration (%d) must not be shorter than free_max_duration (%d)",
			c.ElevatedMaxDuration, c.FreeMaxDuration)
	}

	if c.SegmentDuration < 1 {
		return fmt.Errorf("segment_duration must be at least 1 second, got %d", c.SegmentDuration)
	}

	validTiers := map[string]bool{"free": true, "elevated": true}
	if !validTiers[c.DefaultTier] {
		return fmt.Errorf("default_tier must be 'free' or 'elevated', got '%s'", c.DefaultTier)
	}

	return nil
}

// Validate validates acquisition configuration
func (a *AcquireConfig) Validate() error {
	if a.MaxAttempts < 1 {
		return fmt.Errorf("max_attempts must be at least 1, got %d", a.MaxAttempts)
	}

	if a.RetryDelayMs < 0 {
		return fmt.Errorf("retry_delay_ms cannot be negative, got %d", a.RetryDelayMs)
	}

	return nil
}

// Validate validates session configuration
func (s *SessionConfig) Validate() error {
	delays := map[string]int{
		"prior_stop_settle_ms":        s.PriorStopSettleMs,
		"cleanup_settle_ms":           s.CleanupSettleMs,
		"close_settle_ms":             s.CloseSettleMs,
		"platform_release_ms":         s.PlatformReleaseMs,
		"host_ready_ms":               s.HostReadyMs,
		"dedupe_window_ms":            s.DedupeWindowMs,
		"start_retry_delay_ms":        s.StartRetryDelayMs,
		"capture_held_retry_delay_ms": s.CaptureHeldRetryDelayMs,
	}
	for name, v := range delays {
		if v < 0 {
			return fmt.Errorf("%s cannot be negative, got %d", name, v)
		}
	}

	if s.StaleWindow < 1 {
		return fmt.Errorf("stale_window must be at least 1 second, got %d", s.StaleWindow)
	}

	if s.StartAttempts < 1 {
		return fmt.Errorf("start_attempts must be at least 1, got %d", s.StartAttempts)
	}

	if s.RequestTimeoutMs < 1 {
		return fmt.Errorf("request_timeout_ms must be positive, got %d", s.RequestTimeoutMs)
	}

	if s.StopTimeoutMs < s.RequestTimeoutMs {
		return fmt.Errorf("stop_timeout_ms (%d) must not be shorter than request_timeout_ms (%d)",
			s.StopTimeoutMs, s.RequestTimeoutMs)
	}

	return nil
}

// Validate validates store configuration
func (s *StoreConfig) Validate() error {
	switch s.Driver {
	case "memory":
	case "sqlite":
		if s.Path == "" {
			return fmt.Errorf("path cannot be empty for the sqlite driver")
		}
	default:
		return fmt.Errorf("driver must be 'memory' or 'sqlite', got '%s'", s.Driver)
	}
	return nil
}

// Validate validates transcription configuration
func (t *TranscriptionConfig) Validate() error {
	if !t.Enabled {
		return nil
	}

	if t.Endpoint == "" {
		return fmt.Errorf("endpoint cannot be empty")
	}

	if t.APIKey == "" {
		return fmt.Errorf("api_key cannot be empty")
	}

	if t.Timeout < 1 {
		return fmt.Errorf("timeout must be at least 1 second, got %d", t.Timeout)
	}

	if t.MaxRetries < 0 {
		return fmt.Errorf("max_retries cannot be negative, got %d", t.MaxRetries)
	}

	if t.MaxConcurrent < 1 {
		return fmt.Errorf("max_concurrent must be at least 1, got %d", t.MaxConcurrent)
	}

	return nil
}

// Validate validates logging configuration
func (l *LoggingConfig) Validate() error {
	validLevels := map[string]bool{
		"debug": true, "info": true, "warn": true, "error": true,
	}
	if !validLevels[l.Level] {
		return fmt.Errorf("level must be one of [debug, info, warn, error], got '%s'", l.Level)
	}

	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[l.Format] {
		return fmt.Errorf("format must be 'json' or 'text', got '%s'", l.Format)
	}

	// any other output is treated as a file path
	return nil
}

// Validate validates the synthetic tab list
func (p *PlatformConfig) Validate() error {
	seen := make(map[string]bool, len(p.Targets))
	active := 0
	for _, t := range p.Targets {
		if t.ID == "" {
			return fmt.Errorf("target id cannot be empty")
		}
		if seen[t.ID] {
			return fmt.Errorf("duplicate target id '%s'", t.ID)
		}
		seen[t.ID] = true
		if t.Active {
			active++
		}
	}

	if active > 1 {
		return fmt.Errorf("at most one target can be active, got %d", active)
	}

	return nil
}

func millis(ms int) time.Duration {
	return time.Duration(ms) * time.Millisecond
}

// GetFlushInterval returns the encoder flush interval as a time.Duration
func (c *CaptureConfig) GetFlushInterval() time.Duration {
	return millis(c.FlushIntervalMs)
}

// GetFinalizeTimeout returns the finalize timeout as a time.Duration
func (c *CaptureConfig) GetFinalizeTimeout() time.Duration {
	return millis(c.FinalizeTimeoutMs)
}

// GetFreeMaxDuration returns the free tier ceiling as a time.Duration
func (c *CaptureConfig) GetFreeMaxDuration() time.Duration {
	return time.Duration(c.FreeMaxDuration) * time.Second
}

// GetElevatedMaxDuration returns the elevated tier ceiling as a time.Duration
func (c *CaptureConfig) GetElevatedMaxDuration() time.Duration {
	return time.Duration(c.ElevatedMaxDuration) * time.Second
}

// GetSegmentDuration returns the elevated segment length as a time.Duration
func (c *CaptureConfig) GetSegmentDuration() time.Duration {
	return time.Duration(c.SegmentDuration) * time.Second
}

// GetRetryDelay returns the acquisition retry delay as a time.Duration
func (a *AcquireConfig) GetRetryDelay() time.Duration {
	return millis(a.RetryDelayMs)
}

func (s *SessionConfig) GetPriorStopSettle() time.Duration { return millis(s.PriorStopSettleMs) }
func (s *SessionConfig) GetCleanupSettle() time.Duration   { return millis(s.CleanupSettleMs) }
func (s *SessionConfig) GetCloseSettle() time.Duration     { return millis(s.CloseSettleMs) }
func (s *SessionConfig) GetPlatformRelease() time.Duration { return millis(s.PlatformReleaseMs) }
func (s *SessionConfig) GetHostReady() time.Duration       { return millis(s.HostReadyMs) }
func (s *SessionConfig) GetDedupeWindow() time.Duration    { return millis(s.DedupeWindowMs) }
func (s *SessionConfig) GetStartRetryDelay() time.Duration { return millis(s.StartRetryDelayMs) }
func (s *SessionConfig) GetRequestTimeout() time.Duration  { return millis(s.RequestTimeoutMs) }
func (s *SessionConfig) GetStopTimeout() time.Duration     { return millis(s.StopTimeoutMs) }

// GetCaptureHeldRetryDelay returns the start retry delay used when the
// capture is still held by a previous session
func (s *SessionConfig) GetCaptureHeldRetryDelay() time.Duration {
	return millis(s.CaptureHeldRetryDelayMs)
}

// GetStaleWindow returns the last-stopped retention as a time.Duration
func (s *SessionConfig) GetStaleWindow() time.Duration {
	return time.Duration(s.StaleWindow) * time.Second
}

// GetTimeoutDuration returns the transcription timeout as a time.Duration
func (t *TranscriptionConfig) GetTimeoutDuration() time.Duration {
	return time.Duration(t.Timeout) * time.Second
}

// GetRetryBackoff returns the first transcription retry delay as a time.Duration
func (t *TranscriptionConfig) GetRetryBackoff() time.Duration {
	return millis(t.RetryBackoffMs)
}

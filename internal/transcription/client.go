package transcription

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/skypro1111/tab-capture-service/internal/codec"
	"github.com/skypro1111/tab-capture-service/internal/metrics"
	"github.com/skypro1111/tab-capture-service/internal/protocol"
)

// TranscribePath is appended to the configured endpoint
const TranscribePath = "/api/v1/transcribe"

// Client provides HTTP client functionality for transcription API requests
type Client struct {
	config     Config
	httpClient *http.Client
	semaphore  chan struct{} // Rate limiting semaphore
	metrics    *metrics.Metrics

	// Statistics
	totalRequests   uint64
	successRequests uint64
	failedRequests  uint64
	totalRetries    uint64
	avgResponseTime time.Duration

	mu sync.RWMutex
}

// Config contains transcription client configuration
type Config struct {
	Endpoint      string
	APIKey        string
	Language      string
	Timeout       time.Duration
	MaxRetries    int
	MaxConcurrent int
	// RetryBackoff is the first retry delay, doubled per attempt up to MaxBackoff
	RetryBackoff time.Duration
	MaxBackoff   time.Duration
}

// Request is the JSON body sent to the transcription backend
type Request struct {
	Audio    Audio  `json:"audio"`
	Language string `json:"language,omitempty"`
	Stream   bool   `json:"stream"`
}

// Audio is the encoded recording inside a Request
type Audio struct {
	Data     string `json:"data"`
	MimeType string `json:"mimeType"`
	Size     int    `json:"size"`
}

// Response is the backend's reply
type Response struct {
	Success bool   `json:"success"`
	Text    string `json:"text"`
	Error   string `json:"error,omitempty"`
}

// Segment is one recorded segment submitted for transcription
type Segment struct {
	Index    int
	Data     []byte
	MimeType string
}

// StatusError is a non-2xx reply from the backend
type StatusError struct {
	Code    int
	Message string
}

func (e *StatusError) Error() string {
	switch {
	case e.Code == http.StatusUnauthorized:
		return "invalid API key"
	case e.Code == http.StatusBadRequest:
		return fmt.Sprintf("bad request: %s", e.Message)
	case e.Code == http.StatusTooManyRequests:
		return "rate limited by transcription backend"
	case e.Code >= 500:
		return fmt.Sprintf("transcription backend error %d: %s", e.Code, e.Message)
	default:
		return fmt.Sprintf("HTTP error %d: %s", e.Code, e.Message)
	}
}

// Retryable reports whether the request may succeed when repeated
func (e *StatusError) Retryable() bool {
	return e.Code == http.StatusTooManyRequests || e.Code >= 500
}

// ClientStats represents client statistics
type ClientStats struct {
	TotalRequests   uint64        `json:"total_requests"`
	SuccessRequests uint64        `json:"success_requests"`
	FailedRequests  uint64        `json:"failed_requests"`
	SuccessRate     float64       `json:"success_rate"`
	TotalRetries    uint64        `json:"total_retries"`
	AvgResponseTime time.Duration `json:"avg_response_time"`
	ActiveRequests  int           `json:"active_requests"`
}

// NewClient creates a new transcription HTTP client
func NewClient(config Config, m *metrics.Metrics) (*Client, error) {
	if config.Endpoint == "" {
		return nil, fmt.Errorf("endpoint cannot be empty")
	}

	if config.APIKey == "" {
		return nil, fmt.Errorf("API key cannot be empty")
	}

	if config.Timeout <= 0 {
		config.Timeout = 30 * time.Second
	}

	if config.MaxRetries < 0 {
		config.MaxRetries = 3
	}

	if config.MaxConcurrent <= 0 {
		config.MaxConcurrent = 10
	}

	if config.RetryBackoff <= 0 {
		config.RetryBackoff = time.Second
	}

	if config.MaxBackoff <= 0 {
		config.MaxBackoff = 30 * time.Second
	}

	config.Endpoint = strings.TrimRight(config.Endpoint, "/")

	httpClient := &http.Client{
		Timeout: config.Timeout,
		Transport: &http.Transport{
			MaxIdleConns:        100,
			MaxIdleConnsPerHost: 10,
			IdleConnTimeout:     90 * time.Second,
		},
	}

	return &Client{
		config:     config,
		httpClient: httpClient,
		semaphore:  make(chan struct{}, config.MaxConcurrent),
		metrics:    m,
	}, nil
}

// Transcribe sends one recording for transcription and returns its text.
// An empty language uses the configured default.
func (c *Client) Transcribe(ctx context.Context, audio []byte, mimeType, language string) (string, error) {
	if len(audio) == 0 {
		return "", protocol.Errorf(protocol.ClassNoAudioCaptured, "no audio to transcribe")
	}

	// Acquire semaphore for rate limiting
	select {
	case c.semaphore <- struct{}{}:
		defer func() { <-c.semaphore }()
	case <-ctx.Done():
		return "", ctx.Err()
	}

	if language == "" {
		language = c.config.Language
	}

	request := &Request{
		Audio: Audio{
			Data:     codec.Encode(audio),
			MimeType: mimeType,
			Size:     len(audio),
		},
		Language: language,
		Stream:   false,
	}

	startTime := time.Now()
	c.incrementTotalRequests()
	c.metrics.RecordTranscriptionRequest()

	var lastErr error

	// Retry loop with exponential backoff
	for attempt := 0; attempt <= c.config.MaxRetries; attempt++ {
		if attempt > 0 {
			c.incrementTotalRetries()
			c.metrics.RecordTranscriptionRetry()

			select {
			case <-time.After(c.backoff(attempt)):
			case <-ctx.Done():
				return "", ctx.Err()
			}
		}

		text, err := c.doRequest(ctx, request)
		if err == nil {
			elapsed := time.Since(startTime)
			c.incrementSuccessRequests()
			c.updateAvgResponseTime(elapsed)
			c.metrics.RecordTranscriptionSuccess(elapsed.Seconds())
			return text, nil
		}

		lastErr = err

		if !isRetryableError(err) {
			break
		}
	}

	c.incrementFailedRequests()
	c.metrics.RecordTranscriptionFailure(time.Since(startTime).Seconds())
	return "", protocol.NewError(protocol.ClassTranscriptionFailed, "transcription failed", lastErr)
}

// TranscribeSegments transcribes segments independently and in order.
// A failed segment is replaced by an inline marker; the call fails only
// when no segment could be transcribed.
func (c *Client) TranscribeSegments(ctx context.Context, segments []Segment, language string) (string, error) {
	if len(segments) == 0 {
		return "", protocol.Errorf(protocol.ClassNoAudioCaptured, "no segments to transcribe")
	}

	parts := make([]string, 0, len(segments))
	failed := 0
	var lastErr error

	for _, seg := range segments {
		text, err := c.Transcribe(ctx, seg.Data, seg.MimeType, language)
		if err != nil {
			if ctx.Err() != nil {
				return "", ctx.Err()
			}
			failed++
			lastErr = err
			parts = append(parts, Marker(seg.Index, err))
			continue
		}
		parts = append(parts, text)
	}

	if failed == len(segments) {
		return "", lastErr
	}

	return strings.Join(parts, "\n\n"), nil
}

// Marker is the text standing in for a segment that failed to transcribe.
// Segments are numbered from 1.
func Marker(index int, err error) string {
	reason := err.Error()
	var perr *protocol.Error
	if errors.As(err, &perr) && perr.Cause != nil {
		reason = perr.Cause.Error()
	}
	return fmt.Sprintf("[segment %d: transcription failed: %s]", index+1, reason)
}

func (c *Client) backoff(attempt int) time.Duration {
	d := time.Duration(math.Pow(2, float64(attempt-1))) * c.config.RetryBackoff
	if d > c.config.MaxBackoff {
		d = c.config.MaxBackoff
	}
	return d
}

// doRequest performs a single HTTP request to the transcription API
func (c *Client) doRequest(ctx context.Context, request *Request) (string, error) {
	body, err := json.Marshal(request)
	if err != nil {
		return "", fmt.Errorf("failed to marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.config.Endpoint+TranscribePath, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("failed to create HTTP request: %w", err)
	}

	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+c.config.APIKey)
	httpReq.Header.Set("Accept", "application/json")
	httpReq.Header.Set("User-Agent", "Tab-Capture-Service/1.0")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return "", fmt.Errorf("HTTP request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("failed to read response body: %w", err)
	}

	var parsed Response
	parseErr := json.Unmarshal(respBody, &parsed)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		message := strings.TrimSpace(string(respBody))
		if parseErr == nil && parsed.Error != "" {
			message = parsed.Error
		}
		return "", &StatusError{Code: resp.StatusCode, Message: message}
	}

	if parseErr != nil {
		return "", fmt.Errorf("failed to parse response JSON: %w", parseErr)
	}

	if !parsed.Success {
		if parsed.Error == "" {
			parsed.Error = "backend reported failure"
		}
		return "", errors.New(parsed.Error)
	}

	return parsed.Text, nil
}

// isRetryableError reports whether err is worth another attempt:
// rate limiting, server errors and transport failures
func isRetryableError(err error) bool {
	var statusErr *StatusError
	if errors.As(err, &statusErr) {
		return statusErr.Retryable()
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	// transport errors (*url.Error, net.Error)
	var netErr interface{ Timeout() bool }
	return errors.As(err, &netErr)
}

// Statistics methods
func (c *Client) incrementTotalRequests() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.totalRequests++
}

func (c *Client) incrementSuccessRequests() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.successRequests++
}

func (c *Client) incrementFailedRequests() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.failedRequests++
}

func (c *Client) incrementTotalRetries() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.totalRetries++
}

func (c *Client) updateAvgResponseTime(responseTime time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	// Simple moving average
	if c.avgResponseTime == 0 {
		c.avgResponseTime = responseTime
	} else {
		c.avgResponseTime = (c.avgResponseTime + responseTime) / 2
	}
}

// GetStats returns current client statistics
func (c *Client) GetStats() ClientStats {
	c.mu.RLock()
	defer c.mu.RUnlock()

	successRate := float64(0)
	if c.totalRequests > 0 {
		successRate = float64(c.successRequests) / float64(c.totalRequests) * 100
	}

	return ClientStats{
		TotalRequests:   c.totalRequests,
		SuccessRequests: c.successRequests,
		FailedRequests:  c.failedRequests,
		SuccessRate:     successRate,
		TotalRetries:    c.totalRetries,
		AvgResponseTime: c.avgResponseTime,
		ActiveRequests:  len(c.semaphore),
	}
}

// Close waits for active requests to complete
func (c *Client) Close() error {
	for i := 0; i < c.config.MaxConcurrent; i++ {
		c.semaphore <- struct{}{}
	}

	return nil
}

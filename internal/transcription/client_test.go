package transcription

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/skypro1111/tab-capture-service/internal/codec"
	"github.com/skypro1111/tab-capture-service/internal/protocol"
)

func testClient(t *testing.T, endpoint string, retries int) *Client {
	t.Helper()

	client, err := NewClient(Config{
		Endpoint:     endpoint,
		APIKey:       "test-key",
		Language:     "ko",
		Timeout:      2 * time.Second,
		MaxRetries:   retries,
		RetryBackoff: time.Millisecond,
	}, nil)
	if err != nil {
		t.Fatalf("NewClient failed: %v", err)
	}
	return client
}

func TestNewClientValidation(t *testing.T) {
	tests := []struct {
		name    string
		config  Config
		wantErr bool
	}{
		{"valid", Config{Endpoint: "http://localhost", APIKey: "k"}, false},
		{"missing endpoint", Config{APIKey: "k"}, true},
		{"missing key", Config{Endpoint: "http://localhost"}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewClient(tt.config, nil)
			if (err != nil) != tt.wantErr {
				t.Errorf("Expected error %v, got %v", tt.wantErr, err)
			}
		})
	}
}

func TestTranscribeRequestFormat(t *testing.T) {
	audio := []byte{0x1A, 0x45, 0xDF, 0xA3, 1, 2, 3}

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != TranscribePath {
			t.Errorf("Expected path %s, got %s", TranscribePath, r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer test-key" {
			t.Errorf("Expected bearer auth, got %q", got)
		}
		if got := r.Header.Get("Content-Type"); got != "application/json" {
			t.Errorf("Expected JSON content type, got %q", got)
		}

		var req Request
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("Failed to decode request: %v", err)
			return
		}

		data, err := codec.Decode(req.Audio.Data)
		if err != nil {
			t.Errorf("Failed to decode audio: %v", err)
			return
		}
		if !bytes.Equal(data, audio) {
			t.Errorf("Audio mismatch")
		}
		if req.Audio.Size != len(audio) {
			t.Errorf("Expected size %d, got %d", len(audio), req.Audio.Size)
		}
		if req.Audio.MimeType != "audio/webm" {
			t.Errorf("Expected audio/webm, got %s", req.Audio.MimeType)
		}
		if req.Language != "ko" {
			t.Errorf("Expected default language ko, got %s", req.Language)
		}
		if req.Stream {
			t.Error("Expected stream false")
		}

		json.NewEncoder(w).Encode(Response{Success: true, Text: "hello world"})
	}))
	defer server.Close()

	client := testClient(t, server.URL+"/", 0)

	text, err := client.Transcribe(context.Background(), audio, "audio/webm", "")
	if err != nil {
		t.Fatalf("Transcribe failed: %v", err)
	}
	if text != "hello world" {
		t.Errorf("Expected 'hello world', got %q", text)
	}

	stats := client.GetStats()
	if stats.TotalRequests != 1 || stats.SuccessRequests != 1 {
		t.Errorf("Unexpected stats: %+v", stats)
	}
}

func TestTranscribeRetryPolicy(t *testing.T) {
	tests := []struct {
		name         string
		status       int
		wantAttempts int32
	}{
		{"rate limited", http.StatusTooManyRequests, 3},
		{"server error", http.StatusBadGateway, 3},
		{"unauthorized", http.StatusUnauthorized, 1},
		{"bad request", http.StatusBadRequest, 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var attempts int32
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				atomic.AddInt32(&attempts, 1)
				w.WriteHeader(tt.status)
				json.NewEncoder(w).Encode(Response{Error: "nope"})
			}))
			defer server.Close()

			client := testClient(t, server.URL, 2)

			_, err := client.Transcribe(context.Background(), []byte{1}, "audio/webm", "en")
			if !errors.Is(err, protocol.ErrTranscriptionFailed) {
				t.Errorf("Expected TranscriptionFailed, got %v", err)
			}

			var statusErr *StatusError
			if !errors.As(err, &statusErr) || statusErr.Code != tt.status {
				t.Errorf("Expected status error %d, got %v", tt.status, err)
			}

			if got := atomic.LoadInt32(&attempts); got != tt.wantAttempts {
				t.Errorf("Expected %d attempts, got %d", tt.wantAttempts, got)
			}
		})
	}
}

func TestTranscribeRecoversAfterRetry(t *testing.T) {
	var attempts int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&attempts, 1) == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		json.NewEncoder(w).Encode(Response{Success: true, Text: "second time"})
	}))
	defer server.Close()

	client := testClient(t, server.URL, 3)

	text, err := client.Transcribe(context.Background(), []byte{1}, "audio/webm", "")
	if err != nil {
		t.Fatalf("Transcribe failed: %v", err)
	}
	if text != "second time" {
		t.Errorf("Expected 'second time', got %q", text)
	}
	if stats := client.GetStats(); stats.TotalRetries != 1 {
		t.Errorf("Expected 1 retry, got %d", stats.TotalRetries)
	}
}

func TestTranscribeEmptyAudio(t *testing.T) {
	client := testClient(t, "http://localhost:1", 0)

	if _, err := client.Transcribe(context.Background(), nil, "audio/webm", ""); !errors.Is(err, protocol.ErrNoAudioCaptured) {
		t.Errorf("Expected NoAudioCaptured, got %v", err)
	}
}

func TestTranscribeSegmentsWithMarkers(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req Request
		json.NewDecoder(r.Body).Decode(&req)
		data, _ := codec.Decode(req.Audio.Data)

		if data[0] == 2 {
			w.WriteHeader(http.StatusBadRequest)
			json.NewEncoder(w).Encode(Response{Error: "unsupported audio"})
			return
		}
		json.NewEncoder(w).Encode(Response{Success: true, Text: strings.Repeat("x", int(data[0]))})
	}))
	defer server.Close()

	client := testClient(t, server.URL, 0)

	segments := []Segment{
		{Index: 0, Data: []byte{1}, MimeType: "audio/webm"},
		{Index: 1, Data: []byte{2}, MimeType: "audio/webm"},
		{Index: 2, Data: []byte{3}, MimeType: "audio/webm"},
	}

	text, err := client.TranscribeSegments(context.Background(), segments, "")
	if err != nil {
		t.Fatalf("TranscribeSegments failed: %v", err)
	}

	expected := "x\n\n[segment 2: transcription failed: bad request: unsupported audio]\n\nxxx"
	if text != expected {
		t.Errorf("Expected %q, got %q", expected, text)
	}
}

func TestTranscribeSegmentsAllFailed(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer server.Close()

	client := testClient(t, server.URL, 0)

	_, err := client.TranscribeSegments(context.Background(), []Segment{{Data: []byte{1}}, {Index: 1, Data: []byte{2}}}, "")
	if !errors.Is(err, protocol.ErrTranscriptionFailed) {
		t.Errorf("Expected TranscriptionFailed, got %v", err)
	}

	if _, err := client.TranscribeSegments(context.Background(), nil, ""); !errors.Is(err, protocol.ErrNoAudioCaptured) {
		t.Errorf("Expected NoAudioCaptured for no segments, got %v", err)
	}
}

func TestBackoffIsCapped(t *testing.T) {
	client, err := NewClient(Config{
		Endpoint:     "http://localhost",
		APIKey:       "k",
		RetryBackoff: time.Second,
		MaxBackoff:   5 * time.Second,
	}, nil)
	if err != nil {
		t.Fatalf("NewClient failed: %v", err)
	}

	expected := []time.Duration{time.Second, 2 * time.Second, 4 * time.Second, 5 * time.Second}
	for i, want := range expected {
		if got := client.backoff(i + 1); got != want {
			t.Errorf("Attempt %d: expected %v, got %v", i+1, want, got)
		}
	}
}

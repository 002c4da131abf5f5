package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/skypro1111/tab-capture-service/internal/acquire"
	"github.com/skypro1111/tab-capture-service/internal/bus"
	"github.com/skypro1111/tab-capture-service/internal/config"
	"github.com/skypro1111/tab-capture-service/internal/metrics"
	"github.com/skypro1111/tab-capture-service/internal/platform"
	"github.com/skypro1111/tab-capture-service/internal/protocol"
	"github.com/skypro1111/tab-capture-service/internal/recorder"
	"github.com/skypro1111/tab-capture-service/internal/session"
	"github.com/skypro1111/tab-capture-service/internal/store"
	"github.com/skypro1111/tab-capture-service/internal/transcription"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))
}

// fakeTranscriber answers with the size of every segment
type fakeTranscriber struct {
	mu       sync.Mutex
	language string
	err      error
}

func (f *fakeTranscriber) TranscribeSegments(ctx context.Context, segments []transcription.Segment, language string) (string, error) {
	f.mu.Lock()
	f.language = language
	f.mu.Unlock()

	if f.err != nil {
		return "", f.err
	}

	parts := make([]string, 0, len(segments))
	for _, seg := range segments {
		parts = append(parts, strings.Repeat("a", len(seg.Data)))
	}
	return strings.Join(parts, " "), nil
}

func (f *fakeTranscriber) GetStats() transcription.ClientStats {
	return transcription.ClientStats{}
}

type testServer struct {
	handler  http.Handler
	blobs    *store.MemoryStore
	segments *store.SegmentStore
}

func newTestServer(t *testing.T, transcriber Transcriber) *testServer {
	t.Helper()

	logger := testLogger()
	reg := prometheus.NewRegistry()
	m := metrics.NewMetrics(reg)

	plat := platform.NewSynthetic([]platform.Target{
		{ID: "tab-1", URL: "https://example.com/meeting", Title: "Meeting", Active: true},
		{ID: "tab-2", URL: "chrome://settings", Title: "Settings"},
	})

	recCfg := recorder.DefaultConfig()
	recCfg.FlushInterval = 5 * time.Millisecond
	recCfg.FinalizeTimeout = time.Second
	recCfg.Acquire = acquire.Config{MaxAttempts: 3, RetryDelay: 5 * time.Millisecond}

	sessCfg := session.DefaultConfig()
	sessCfg.Delays = session.Delays{}
	sessCfg.StartRetryDelay = 5 * time.Millisecond
	sessCfg.CaptureHeldRetryDelay = 5 * time.Millisecond
	sessCfg.RequestTimeout = 500 * time.Millisecond
	sessCfg.StopTimeout = 2 * time.Second

	hosts := session.NewInProcessHosts(plat, plat, recCfg, bus.DefaultMaxMessageBytes, logger, m)
	acquirer := acquire.NewAcquirer(plat, plat, acquire.Config{MaxAttempts: 3, RetryDelay: 5 * time.Millisecond}, logger, m)
	blobs := store.NewMemoryStore()
	segments := store.NewSegmentStore(blobs, store.NewKeyGen())

	coord := session.NewCoordinator(sessCfg, acquirer, hosts, segments, logger, m)
	t.Cleanup(func() {
		coord.Close(context.Background())
	})

	srv := NewHTTPServer(HTTPServerConfig{Address: "127.0.0.1", Port: 0, Enabled: true}, logger, Deps{
		Config:      config.Default(),
		Coordinator: coord,
		Segments:    segments,
		Transcriber: transcriber,
		Metrics:     m,
		Gatherer:    reg,
	})

	return &testServer{
		handler:  srv.Handler(),
		blobs:    blobs,
		segments: segments,
	}
}

func (s *testServer) do(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()

	req := httptest.NewRequest(method, path, strings.NewReader(body))
	rr := httptest.NewRecorder()
	s.handler.ServeHTTP(rr, req)
	return rr
}

func decodeError(t *testing.T, rr *httptest.ResponseRecorder) protocol.ErrorPayload {
	t.Helper()

	var resp struct {
		Error protocol.ErrorPayload `json:"error"`
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("Failed to decode error body %q: %v", rr.Body.String(), err)
	}
	return resp.Error
}

func TestSessionEndpoints(t *testing.T) {
	s := newTestServer(t, nil)

	rr := s.do(t, http.MethodPost, "/session/start", `{"tier":"free"}`)
	if rr.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d: %s", rr.Code, rr.Body.String())
	}

	var status protocol.StatusPayload
	if err := json.Unmarshal(rr.Body.Bytes(), &status); err != nil {
		t.Fatalf("Failed to decode status: %v", err)
	}
	if !status.IsRecording || status.TargetID != "tab-1" {
		t.Errorf("Expected recording on tab-1, got %+v", status)
	}

	rr = s.do(t, http.MethodPost, "/session/start", "")
	if rr.Code != http.StatusConflict {
		t.Errorf("Expected 409 for second start, got %d", rr.Code)
	}
	if class := decodeError(t, rr).Class; class != protocol.ClassSessionAlreadyActive {
		t.Errorf("Expected SessionAlreadyActive, got %s", class)
	}

	rr = s.do(t, http.MethodGet, "/session/status", "")
	if rr.Code != http.StatusOK {
		t.Errorf("Expected 200 for status, got %d", rr.Code)
	}

	time.Sleep(30 * time.Millisecond)

	rr = s.do(t, http.MethodPost, "/session/stop", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("Expected 200 for stop, got %d: %s", rr.Code, rr.Body.String())
	}

	var stopped protocol.StoppedPayload
	if err := json.Unmarshal(rr.Body.Bytes(), &stopped); err != nil {
		t.Fatalf("Failed to decode stop result: %v", err)
	}
	if stopped.StorageKey == "" || stopped.Data != "" {
		t.Fatalf("Expected a storage key and no data, got %+v", stopped)
	}

	rr = s.do(t, http.MethodGet, "/recordings", "")
	if rr.Code != http.StatusOK || !strings.Contains(rr.Body.String(), stopped.StorageKey) {
		t.Errorf("Expected %s in recording list, got %d: %s", stopped.StorageKey, rr.Code, rr.Body.String())
	}

	rr = s.do(t, http.MethodGet, "/recordings/"+stopped.StorageKey, "")
	if rr.Code != http.StatusOK {
		t.Fatalf("Expected 200 for metadata, got %d", rr.Code)
	}
	var info recordingInfo
	json.Unmarshal(rr.Body.Bytes(), &info)
	if info.Size != stopped.Size || info.SessionID != stopped.SessionID {
		t.Errorf("Expected metadata matching stop result, got %+v", info)
	}

	rr = s.do(t, http.MethodGet, "/recordings/"+stopped.StorageKey+"/audio", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("Expected 200 for audio, got %d", rr.Code)
	}
	if int64(rr.Body.Len()) != stopped.Size {
		t.Errorf("Expected %d audio bytes, got %d", stopped.Size, rr.Body.Len())
	}
	if !bytes.HasPrefix(rr.Body.Bytes(), []byte{0x1A, 0x45, 0xDF, 0xA3}) {
		t.Error("Expected audio to start with the container magic")
	}

	rr = s.do(t, http.MethodDelete, "/recordings/"+stopped.StorageKey, "")
	if rr.Code != http.StatusNoContent {
		t.Errorf("Expected 204 for delete, got %d", rr.Code)
	}

	rr = s.do(t, http.MethodGet, "/recordings/"+stopped.StorageKey, "")
	if rr.Code != http.StatusNotFound {
		t.Errorf("Expected 404 after delete, got %d", rr.Code)
	}
}

func TestSessionEndpointErrors(t *testing.T) {
	s := newTestServer(t, nil)

	tests := []struct {
		name       string
		method     string
		path       string
		body       string
		wantStatus int
		wantClass  protocol.ErrorClass
	}{
		{"stop without session", http.MethodPost, "/session/stop", "", http.StatusConflict, protocol.ClassNoActiveSession},
		{"unknown tier", http.MethodPost, "/session/start", `{"tier":"gold"}`, http.StatusBadRequest, protocol.ClassInvalidMessage},
		{"malformed body", http.MethodPost, "/session/start", `{"tier":`, http.StatusBadRequest, protocol.ClassInvalidMessage},
		{"privileged target", http.MethodPost, "/session/start", `{"targetId":"tab-2"}`, http.StatusUnprocessableEntity, protocol.ClassTargetUnavailable},
		{"set unknown tier", http.MethodPut, "/session/tier", `{"tier":"gold"}`, http.StatusBadRequest, protocol.ClassInvalidMessage},
		{"missing recording", http.MethodGet, "/recordings/recording_1", "", http.StatusNotFound, protocol.ClassInternal},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rr := s.do(t, tt.method, tt.path, tt.body)
			if rr.Code != tt.wantStatus {
				t.Fatalf("Expected %d, got %d: %s", tt.wantStatus, rr.Code, rr.Body.String())
			}
			if class := decodeError(t, rr).Class; class != tt.wantClass {
				t.Errorf("Expected class %s, got %s", tt.wantClass, class)
			}
		})
	}
}

func TestSetTierEndpoint(t *testing.T) {
	s := newTestServer(t, nil)

	rr := s.do(t, http.MethodPut, "/session/tier", `{"tier":"elevated"}`)
	if rr.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d: %s", rr.Code, rr.Body.String())
	}

	var status protocol.StatusPayload
	json.Unmarshal(rr.Body.Bytes(), &status)
	if status.Tier != protocol.TierElevated {
		t.Errorf("Expected elevated tier, got %s", status.Tier)
	}
}

func saveSegments(t *testing.T, s *testServer, sessionID string, sizes ...int) {
	t.Helper()

	for i, size := range sizes {
		_, err := s.segments.Save(context.Background(), store.Record{
			SessionID:    sessionID,
			SegmentIndex: i,
			MimeType:     "audio/webm",
			Data:         bytes.Repeat([]byte{1}, size),
		})
		if err != nil {
			t.Fatalf("Save failed: %v", err)
		}
	}
}

func TestTranscribeEndpoint(t *testing.T) {
	fake := &fakeTranscriber{}
	s := newTestServer(t, fake)
	saveSegments(t, s, "session-1", 2, 3)
	saveSegments(t, s, "session-2", 5)

	rr := s.do(t, http.MethodPost, "/sessions/session-1/transcribe", `{"language":"de"}`)
	if rr.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d: %s", rr.Code, rr.Body.String())
	}

	var resp struct {
		SessionID string `json:"sessionId"`
		Segments  int    `json:"segments"`
		Text      string `json:"text"`
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
	if resp.Segments != 2 || resp.Text != "aa aaa" {
		t.Errorf("Expected two segments in order, got %+v", resp)
	}
	if fake.language != "de" {
		t.Errorf("Expected language de, got %q", fake.language)
	}

	rr = s.do(t, http.MethodPost, "/sessions/unknown/transcribe", "")
	if rr.Code != http.StatusUnprocessableEntity {
		t.Errorf("Expected 422 for unknown session, got %d", rr.Code)
	}

	fake.err = protocol.Errorf(protocol.ClassTranscriptionFailed, "backend down")
	rr = s.do(t, http.MethodPost, "/sessions/session-2/transcribe", "")
	if rr.Code != http.StatusBadGateway {
		t.Errorf("Expected 502 for backend failure, got %d", rr.Code)
	}
}

func TestTranscribeDisabled(t *testing.T) {
	s := newTestServer(t, nil)

	rr := s.do(t, http.MethodPost, "/sessions/session-1/transcribe", "")
	if rr.Code != http.StatusServiceUnavailable {
		t.Errorf("Expected 503, got %d", rr.Code)
	}
}

func TestControlSocket(t *testing.T) {
	s := newTestServer(t, nil)

	ts := httptest.NewServer(s.handler)
	defer ts.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn, err := bus.Dial(ctx, "ws"+strings.TrimPrefix(ts.URL, "http")+"/ws/control", 0, testLogger())
	if err != nil {
		t.Fatalf("Dial failed: %v", err)
	}

	client := session.NewClient(conn, s.blobs, testLogger())
	defer client.Close()

	if _, err := client.Start(ctx, "", protocol.TierFree); err != nil {
		t.Fatalf("Start over socket failed: %v", err)
	}

	time.Sleep(30 * time.Millisecond)

	stopped, err := client.Stop(ctx)
	if err != nil {
		t.Fatalf("Stop over socket failed: %v", err)
	}

	rec, err := client.Fetch(ctx, stopped.StorageKey, stopped.Size)
	if err != nil {
		t.Fatalf("Fetch failed: %v", err)
	}
	if int64(len(rec.Data)) != stopped.Size {
		t.Errorf("Expected %d bytes, got %d", stopped.Size, len(rec.Data))
	}

	if _, err := client.Stop(ctx); err != nil {
		t.Errorf("Expected repeated stop to return the cached result, got %v", err)
	}
}

func TestMonitoringEndpoints(t *testing.T) {
	s := newTestServer(t, &fakeTranscriber{})

	for _, path := range []string{"/", "/health", "/config", "/stats", "/metrics"} {
		rr := s.do(t, http.MethodGet, path, "")
		if rr.Code != http.StatusOK {
			t.Errorf("%s: expected 200, got %d", path, rr.Code)
		}
	}

	rr := s.do(t, http.MethodGet, "/config", "")
	if strings.Contains(rr.Body.String(), "api_key") {
		t.Error("Expected API key to be omitted from /config")
	}

	s.do(t, http.MethodGet, "/health", "")
	rr = s.do(t, http.MethodGet, "/metrics", "")
	if !strings.Contains(rr.Body.String(), "tabcapture_http_requests_total") {
		t.Error("Expected HTTP request metrics to be exported")
	}
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{protocol.Errorf(protocol.ClassInvalidMessage, "x"), http.StatusBadRequest},
		{protocol.Errorf(protocol.ClassSessionAlreadyActive, "x"), http.StatusConflict},
		{protocol.Errorf(protocol.ClassNoActiveSession, "x"), http.StatusConflict},
		{protocol.Errorf(protocol.ClassSizeLimitExceeded, "x"), http.StatusRequestEntityTooLarge},
		{protocol.Errorf(protocol.ClassCaptureHeld, "x"), http.StatusServiceUnavailable},
		{protocol.Errorf(protocol.ClassHostUnresponsive, "x"), http.StatusGatewayTimeout},
		{protocol.Errorf(protocol.ClassStorageFailure, "x"), http.StatusInternalServerError},
		{store.ErrNotFound, http.StatusNotFound},
		{errors.New("boom"), http.StatusInternalServerError},
	}

	for _, tt := range tests {
		if got := statusFor(tt.err); got != tt.want {
			t.Errorf("%v: expected %d, got %d", tt.err, tt.want, got)
		}
	}
}

package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/skypro1111/tab-capture-service/internal/bus"
	"github.com/skypro1111/tab-capture-service/internal/config"
	"github.com/skypro1111/tab-capture-service/internal/metrics"
	"github.com/skypro1111/tab-capture-service/internal/protocol"
	"github.com/skypro1111/tab-capture-service/internal/session"
	"github.com/skypro1111/tab-capture-service/internal/store"
	"github.com/skypro1111/tab-capture-service/internal/transcription"
)

const (
	serviceName    = "tab-capture-service"
	serviceVersion = "1.0.0"
)

// Transcriber turns persisted segments into text
type Transcriber interface {
	TranscribeSegments(ctx context.Context, segments []transcription.Segment, language string) (string, error)
	GetStats() transcription.ClientStats
}

// HTTPServer provides the HTTP control surface and monitoring endpoints
type HTTPServer struct {
	server      *http.Server
	logger      *slog.Logger
	config      *config.Config
	coordinator *session.Coordinator
	router      *session.Router
	segments    *store.SegmentStore
	transcriber Transcriber
	metrics     *metrics.Metrics
	gatherer    prometheus.Gatherer
	upgrader    websocket.Upgrader
	maxBytes    int

	// Server state
	startTime time.Time
	conns     sync.WaitGroup
	mu        sync.RWMutex
	sockets   map[*bus.WSConn]struct{}
}

// HTTPServerConfig contains HTTP server configuration
type HTTPServerConfig struct {
	Port    int
	Address string
	Enabled bool
}

// Deps are the components served over HTTP. Transcriber may be nil when
// transcription is disabled. Gatherer defaults to the global registry.
type Deps struct {
	Config      *config.Config
	Coordinator *session.Coordinator
	Segments    *store.SegmentStore
	Transcriber Transcriber
	Metrics     *metrics.Metrics
	Gatherer    prometheus.Gatherer
}

// NewHTTPServer creates a new HTTP API server
func NewHTTPServer(cfg HTTPServerConfig, logger *slog.Logger, deps Deps) *HTTPServer {
	gatherer := deps.Gatherer
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}

	maxBytes := bus.DefaultMaxMessageBytes
	if deps.Config != nil && deps.Config.Bus.MaxMessageBytes > 0 {
		maxBytes = deps.Config.Bus.MaxMessageBytes
	}

	h := &HTTPServer{
		logger:      logger,
		config:      deps.Config,
		coordinator: deps.Coordinator,
		router:      session.NewRouter(deps.Coordinator, logger),
		segments:    deps.Segments,
		transcriber: deps.Transcriber,
		metrics:     deps.Metrics,
		gatherer:    gatherer,
		maxBytes:    maxBytes,
		startTime:   time.Now(),
		sockets:     make(map[*bus.WSConn]struct{}),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// the control channel is served to the local extension only
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}

	h.server = &http.Server{
		Addr:        fmt.Sprintf("%s:%d", cfg.Address, cfg.Port),
		Handler:     h.Handler(),
		ReadTimeout: 10 * time.Second,
		IdleTimeout: 60 * time.Second,
	}

	return h
}

// Handler returns the routing tree
func (h *HTTPServer) Handler() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Get("/", h.withMetrics("/", h.handleRoot))
	r.Get("/health", h.withMetrics("/health", h.handleHealth))
	r.Get("/config", h.withMetrics("/config", h.handleConfig))
	r.Get("/stats", h.withMetrics("/stats", h.handleStats))

	r.Route("/session", func(r chi.Router) {
		r.Post("/start", h.withMetrics("/session/start", h.handleStart))
		r.Post("/stop", h.withMetrics("/session/stop", h.handleStop))
		r.Get("/status", h.withMetrics("/session/status", h.handleStatus))
		r.Put("/tier", h.withMetrics("/session/tier", h.handleSetTier))
	})

	r.Route("/recordings", func(r chi.Router) {
		r.Get("/", h.withMetrics("/recordings", h.handleListRecordings))
		r.Get("/{key}", h.withMetrics("/recordings/{key}", h.handleRecording))
		r.Get("/{key}/audio", h.withMetrics("/recordings/{key}/audio", h.handleRecordingAudio))
		r.Delete("/{key}", h.withMetrics("/recordings/{key}", h.handleDeleteRecording))
	})

	r.Post("/sessions/{id}/transcribe", h.withMetrics("/sessions/{id}/transcribe", h.handleTranscribe))

	// the upgrade needs the raw writer, so no metrics wrapper here
	r.Get("/ws/control", h.handleControlSocket)

	r.Handle("/metrics", promhttp.HandlerFor(h.gatherer, promhttp.HandlerOpts{}))

	return r
}

// withMetrics wraps an HTTP handler with metrics collection
func (h *HTTPServer) withMetrics(endpoint string, handler http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		startTime := time.Now()

		ww := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
		handler(ww, r)

		duration := time.Since(startTime).Seconds()
		statusCode := fmt.Sprintf("%d", ww.statusCode)

		h.metrics.RecordHTTPRequest(r.Method, endpoint, statusCode, duration)

		if ww.statusCode >= 400 {
			errorType := "client_error"
			if ww.statusCode >= 500 {
				errorType = "server_error"
			}
			h.metrics.RecordHTTPError(r.Method, endpoint, errorType)
		}
	}
}

// responseWriter wraps http.ResponseWriter to capture status code
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// Start starts the HTTP server
func (h *HTTPServer) Start() error {
	h.logger.Info("Starting HTTP API server",
		slog.String("address", h.server.Addr),
	)

	go func() {
		if err := h.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			h.logger.Error("HTTP server error", slog.String("error", err.Error()))
		}
	}()

	return nil
}

// Stop gracefully stops the HTTP server and waits for open control sockets
func (h *HTTPServer) Stop(ctx context.Context) error {
	h.logger.Info("Stopping HTTP API server...")

	err := h.server.Shutdown(ctx)

	// hijacked connections are not closed by Shutdown
	h.mu.RLock()
	for endpoint := range h.sockets {
		endpoint.Close()
	}
	h.mu.RUnlock()

	done := make(chan struct{})
	go func() {
		h.conns.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		h.logger.Warn("Control sockets still open at shutdown")
	}

	return err
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError answers with the error class and its HTTP status
func (h *HTTPServer) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	if status >= 500 {
		h.logger.Error("Request failed",
			slog.String("path", r.URL.Path),
			slog.String("request_id", middleware.GetReqID(r.Context())),
			slog.String("error", err.Error()),
		)
	}

	writeJSON(w, status, map[string]any{
		"error": protocol.PayloadFromError(err),
	})
}

// statusFor maps an error class to an HTTP status
func statusFor(err error) int {
	if errors.Is(err, store.ErrNotFound) {
		return http.StatusNotFound
	}

	switch protocol.ClassOf(err) {
	case protocol.ClassInvalidMessage:
		return http.StatusBadRequest
	case protocol.ClassSessionAlreadyActive, protocol.ClassNoActiveSession:
		return http.StatusConflict
	case protocol.ClassTargetUnavailable, protocol.ClassNoAudioCaptured:
		return http.StatusUnprocessableEntity
	case protocol.ClassSizeLimitExceeded, protocol.ClassMessageTooLarge:
		return http.StatusRequestEntityTooLarge
	case protocol.ClassStreamAcquisitionFailed, protocol.ClassCaptureHeld, protocol.ClassPermissionPending:
		return http.StatusServiceUnavailable
	case protocol.ClassHostUnresponsive:
		return http.StatusGatewayTimeout
	case protocol.ClassTranscriptionFailed:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// decodeBody reads an optional JSON body into v
func decodeBody(r *http.Request, v any) error {
	err := json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(v)
	if err != nil && !errors.Is(err, io.EOF) {
		return protocol.NewError(protocol.ClassInvalidMessage, "invalid request body", err)
	}
	return nil
}

// handleStart implements POST /session/start
func (h *HTTPServer) handleStart(w http.ResponseWriter, r *http.Request) {
	var req protocol.StartPayload
	if err := decodeBody(r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}
	if err := req.Validate(); err != nil {
		h.writeError(w, r, protocol.NewError(protocol.ClassInvalidMessage, "invalid start request", err))
		return
	}

	status, err := h.coordinator.Start(r.Context(), req.TargetID, req.Tier)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, status)
}

// handleStop implements POST /session/stop
func (h *HTTPServer) handleStop(w http.ResponseWriter, r *http.Request) {
	result, err := h.coordinator.Stop(r.Context())
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, result.Payload())
}

// handleStatus implements GET /session/status
func (h *HTTPServer) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.coordinator.Status())
}

// handleSetTier implements PUT /session/tier
func (h *HTTPServer) handleSetTier(w http.ResponseWriter, r *http.Request) {
	var req protocol.SetTierPayload
	if err := decodeBody(r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}
	if err := req.Validate(); err != nil {
		h.writeError(w, r, protocol.NewError(protocol.ClassInvalidMessage, "invalid tier request", err))
		return
	}

	if err := h.coordinator.SetTier(req.Tier); err != nil {
		h.writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, h.coordinator.Status())
}

// recordingInfo is the metadata of a stored recording
type recordingInfo struct {
	Key          string    `json:"key"`
	SessionID    string    `json:"sessionId,omitempty"`
	SegmentIndex int       `json:"segmentIndex"`
	StartOffset  float64   `json:"startOffset"`
	EndOffset    float64   `json:"endOffset"`
	Size         int64     `json:"size"`
	MimeType     string    `json:"mimeType"`
	CreatedAt    time.Time `json:"createdAt"`
}

func infoFromRecord(rec store.Record) recordingInfo {
	return recordingInfo{
		Key:          rec.Key,
		SessionID:    rec.SessionID,
		SegmentIndex: rec.SegmentIndex,
		StartOffset:  rec.StartOffset,
		EndOffset:    rec.EndOffset,
		Size:         rec.Size,
		MimeType:     rec.MimeType,
		CreatedAt:    rec.CreatedAt,
	}
}

// handleListRecordings implements GET /recordings
func (h *HTTPServer) handleListRecordings(w http.ResponseWriter, r *http.Request) {
	blobs := h.segments.Blobs()

	keys, err := blobs.ListKeys(r.Context(), store.KeyPrefix)
	if err != nil {
		h.writeError(w, r, protocol.NewError(protocol.ClassStorageFailure, "failed to list recordings", err))
		return
	}

	recordings := make([]recordingInfo, 0, len(keys))
	for _, key := range keys {
		rec, err := blobs.Head(r.Context(), key)
		if err != nil {
			// deleted between list and head
			continue
		}
		recordings = append(recordings, infoFromRecord(rec))
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"total":      len(recordings),
		"recordings": recordings,
	})
}

// handleRecording implements GET /recordings/{key}
func (h *HTTPServer) handleRecording(w http.ResponseWriter, r *http.Request) {
	rec, err := h.segments.Blobs().Head(r.Context(), chi.URLParam(r, "key"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, infoFromRecord(rec))
}

// handleRecordingAudio implements GET /recordings/{key}/audio
func (h *HTTPServer) handleRecordingAudio(w http.ResponseWriter, r *http.Request) {
	rec, err := h.segments.Load(r.Context(), chi.URLParam(r, "key"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	if rec.MimeType != "" {
		w.Header().Set("Content-Type", rec.MimeType)
	}
	w.Header().Set("Content-Length", fmt.Sprintf("%d", len(rec.Data)))
	w.WriteHeader(http.StatusOK)
	w.Write(rec.Data)
}

// handleDeleteRecording implements DELETE /recordings/{key}
func (h *HTTPServer) handleDeleteRecording(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "key")
	blobs := h.segments.Blobs()

	if _, err := blobs.Head(r.Context(), key); err != nil {
		h.writeError(w, r, err)
		return
	}

	if err := blobs.Delete(r.Context(), key); err != nil {
		h.writeError(w, r, protocol.NewError(protocol.ClassStorageFailure, "failed to delete recording", err))
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// transcribeRequest is the optional body of POST /sessions/{id}/transcribe
type transcribeRequest struct {
	Language string `json:"language,omitempty"`
}

// handleTranscribe implements POST /sessions/{id}/transcribe
func (h *HTTPServer) handleTranscribe(w http.ResponseWriter, r *http.Request) {
	if h.transcriber == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"error": protocol.ErrorPayload{Class: protocol.ClassTranscriptionFailed, Message: "transcription is disabled"},
		})
		return
	}

	sessionID := chi.URLParam(r, "id")

	var req transcribeRequest
	if err := decodeBody(r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}

	records, err := h.segments.Segments(r.Context(), sessionID)
	if err != nil {
		h.writeError(w, r, protocol.NewError(protocol.ClassStorageFailure, "failed to list session segments", err))
		return
	}
	if len(records) == 0 {
		h.writeError(w, r, protocol.Errorf(protocol.ClassNoAudioCaptured, "no segments stored for session %s", sessionID))
		return
	}

	segments := make([]transcription.Segment, 0, len(records))
	for _, meta := range records {
		rec, err := h.segments.Load(r.Context(), meta.Key)
		if err != nil {
			h.writeError(w, r, protocol.NewError(protocol.ClassStorageFailure, "failed to load segment "+meta.Key, err))
			return
		}
		segments = append(segments, transcription.Segment{
			Index:    rec.SegmentIndex,
			Data:     rec.Data,
			MimeType: rec.MimeType,
		})
	}

	h.logger.Info("Transcribing session",
		slog.String("session_id", sessionID),
		slog.Int("segments", len(segments)),
	)

	text, err := h.transcriber.TranscribeSegments(r.Context(), segments, req.Language)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"sessionId": sessionID,
		"segments":  len(segments),
		"text":      text,
	})
}

// handleControlSocket implements GET /ws/control. The socket carries the
// same request/reply messages as the in-process control channel.
func (h *HTTPServer) handleControlSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("WebSocket upgrade failed", slog.String("error", err.Error()))
		return
	}

	h.conns.Add(1)
	defer h.conns.Done()

	endpoint := bus.NewWSConn(conn, h.maxBytes, h.logger)
	defer endpoint.Close()

	h.mu.Lock()
	h.sockets[endpoint] = struct{}{}
	h.mu.Unlock()
	defer func() {
		h.mu.Lock()
		delete(h.sockets, endpoint)
		h.mu.Unlock()
	}()

	h.logger.Info("Control socket connected",
		slog.String("remote", r.RemoteAddr),
		slog.String("request_id", middleware.GetReqID(r.Context())),
	)

	if err := h.router.Serve(r.Context(), endpoint); err != nil && !errors.Is(err, context.Canceled) {
		h.logger.Warn("Control socket closed", slog.String("error", err.Error()))
		return
	}

	h.logger.Info("Control socket closed", slog.String("remote", r.RemoteAddr))
}

func (h *HTTPServer) controlSockets() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.sockets)
}

// handleHealth implements the /health endpoint
func (h *HTTPServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := h.coordinator.Status()

	storeStatus := "ok"
	if _, err := h.segments.Blobs().ListKeys(r.Context(), store.KeyPrefix); err != nil {
		storeStatus = "error: " + err.Error()
	}

	health := map[string]any{
		"status":    "healthy",
		"timestamp": time.Now().UTC(),
		"uptime":    time.Since(h.startTime).String(),
		"service": map[string]any{
			"name":    serviceName,
			"version": serviceVersion,
		},
		"components": map[string]any{
			"coordinator": map[string]any{
				"state":        status.State,
				"is_recording": status.IsRecording,
			},
			"store": map[string]any{
				"status": storeStatus,
			},
			"transcription": map[string]any{
				"enabled": h.transcriber != nil,
			},
			"control_sockets": h.controlSockets(),
		},
	}

	code := http.StatusOK
	if storeStatus != "ok" {
		health["status"] = "degraded"
		code = http.StatusServiceUnavailable
	}

	writeJSON(w, code, health)
}

// handleConfig implements the /config endpoint
func (h *HTTPServer) handleConfig(w http.ResponseWriter, r *http.Request) {
	if h.config == nil {
		writeJSON(w, http.StatusOK, map[string]any{})
		return
	}

	c := h.config
	sanitizedConfig := map[string]any{
		"http": map[string]any{
			"address": c.HTTP.Address,
			"port":    c.HTTP.Port,
		},
		"bus": map[string]any{
			"max_message_bytes": c.Bus.MaxMessageBytes,
		},
		"capture": map[string]any{
			"size_ceiling_bytes":    c.Capture.SizeCeilingBytes,
			"bitrate_bps":           c.Capture.BitrateBps,
			"flush_interval_ms":     c.Capture.FlushIntervalMs,
			"mime_type":             c.Capture.MimeType,
			"free_max_duration":     c.Capture.FreeMaxDuration,
			"elevated_max_duration": c.Capture.ElevatedMaxDuration,
			"segment_duration":      c.Capture.SegmentDuration,
			"default_tier":          c.Capture.DefaultTier,
		},
		"session": map[string]any{
			"dedupe_window_ms":   c.Session.DedupeWindowMs,
			"stale_window":       c.Session.StaleWindow,
			"start_attempts":     c.Session.StartAttempts,
			"request_timeout_ms": c.Session.RequestTimeoutMs,
			"stop_timeout_ms":    c.Session.StopTimeoutMs,
		},
		"store": map[string]any{
			"driver": c.Store.Driver,
			"path":   c.Store.Path,
		},
		"transcription": map[string]any{
			"enabled":        c.Transcription.Enabled,
			"endpoint":       c.Transcription.Endpoint,
			"language":       c.Transcription.Language,
			"timeout":        c.Transcription.Timeout,
			"max_retries":    c.Transcription.MaxRetries,
			"max_concurrent": c.Transcription.MaxConcurrent,
		},
		"logging": map[string]any{
			"level":  c.Logging.Level,
			"format": c.Logging.Format,
			"output": c.Logging.Output,
		},
	}

	writeJSON(w, http.StatusOK, sanitizedConfig)
}

// handleStats implements the /stats endpoint
func (h *HTTPServer) handleStats(w http.ResponseWriter, r *http.Request) {
	stats := map[string]any{
		"uptime":          time.Since(h.startTime).String(),
		"timestamp":       time.Now().UTC(),
		"session":         h.coordinator.Status(),
		"control_sockets": h.controlSockets(),
	}

	if keys, err := h.segments.Blobs().ListKeys(r.Context(), store.KeyPrefix); err == nil {
		stats["recordings"] = len(keys)
	}

	if h.transcriber != nil {
		stats["transcription"] = h.transcriber.GetStats()
	}

	writeJSON(w, http.StatusOK, stats)
}

// handleRoot implements the / endpoint with API documentation
func (h *HTTPServer) handleRoot(w http.ResponseWriter, r *http.Request) {
	apiDoc := map[string]any{
		"service": "Tab Capture Recording Service",
		"version": serviceVersion,
		"endpoints": map[string]any{
			"GET /":                          "API documentation",
			"GET /health":                    "Service health check",
			"GET /config":                    "Get service configuration",
			"GET /stats":                     "Get service statistics",
			"POST /session/start":            "Start a capture session",
			"POST /session/stop":             "Stop the active session",
			"GET /session/status":            "Get session status",
			"PUT /session/tier":              "Change the tier",
			"GET /recordings":                "List stored recordings",
			"GET /recordings/{key}":          "Get recording metadata",
			"GET /recordings/{key}/audio":    "Download recording audio",
			"DELETE /recordings/{key}":       "Delete a recording",
			"POST /sessions/{id}/transcribe": "Transcribe a session's segments",
			"GET /ws/control":                "Control channel over WebSocket",
			"GET /metrics":                   "Prometheus metrics",
		},
		"timestamp": time.Now().UTC(),
	}

	writeJSON(w, http.StatusOK, apiDoc)
}

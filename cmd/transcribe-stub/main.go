// Command transcribe-stub is a stand-in transcription backend for local runs.
// It accepts the service's transcription requests and answers with a fixed
// text naming the audio size.
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/skypro1111/tab-capture-service/internal/codec"
	"github.com/skypro1111/tab-capture-service/internal/transcription"
)

func main() {
	addr := flag.String("addr", ":8081", "Listen address")
	apiKey := flag.String("api-key", "", "Required bearer token, empty accepts any")
	delay := flag.Duration("delay", 200*time.Millisecond, "Simulated processing time")
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stdout, nil))

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Post(transcription.TranscribePath, transcribeHandler(logger, *apiKey, *delay))

	logger.Info("Transcription stub starting",
		slog.String("address", *addr),
		slog.String("endpoint", transcription.TranscribePath),
	)

	if err := http.ListenAndServe(*addr, r); err != nil {
		logger.Error("Server failed", slog.String("error", err.Error()))
		os.Exit(1)
	}
}

func transcribeHandler(logger *slog.Logger, apiKey string, delay time.Duration) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if apiKey != "" && r.Header.Get("Authorization") != "Bearer "+apiKey {
			writeResponse(w, http.StatusUnauthorized, transcription.Response{Error: "invalid API key"})
			return
		}

		var req transcription.Request
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeResponse(w, http.StatusBadRequest, transcription.Response{Error: "invalid JSON body"})
			return
		}

		audio, err := codec.Decode(req.Audio.Data)
		if err != nil {
			writeResponse(w, http.StatusBadRequest, transcription.Response{Error: err.Error()})
			return
		}
		if len(audio) == 0 {
			writeResponse(w, http.StatusBadRequest, transcription.Response{Error: "empty audio"})
			return
		}
		if !strings.HasPrefix(req.Audio.MimeType, "audio/") {
			writeResponse(w, http.StatusBadRequest, transcription.Response{Error: "unsupported mime type " + req.Audio.MimeType})
			return
		}

		logger.Info("Transcription request received",
			slog.String("request_id", middleware.GetReqID(r.Context())),
			slog.Int("audio_bytes", len(audio)),
			slog.Int("declared_size", req.Audio.Size),
			slog.String("mime_type", req.Audio.MimeType),
			slog.String("language", req.Language),
		)

		select {
		case <-time.After(delay):
		case <-r.Context().Done():
			return
		}

		writeResponse(w, http.StatusOK, transcription.Response{
			Success: true,
			Text:    fmt.Sprintf("stub transcription of %d bytes (%s)", len(audio), req.Language),
		})
	}
}

func writeResponse(w http.ResponseWriter, status int, resp transcription.Response) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(resp)
}

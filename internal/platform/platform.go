package platform

import (
	"context"
	"time"
)

// Target is a capturable browser tab
type Target struct {
	ID     string `json:"id" yaml:"id"`
	URL    string `json:"url" yaml:"url"`
	Title  string `json:"title" yaml:"title"`
	Active bool   `json:"active" yaml:"active"`
}

// Targets resolves capture targets. An empty id resolves the active target.
type Targets interface {
	Lookup(ctx context.Context, id string) (Target, error)
}

// StreamIssuer grants a reference that a recorder host can open as a stream.
// It runs in the controller context.
type StreamIssuer interface {
	IssueStreamRef(ctx context.Context, target Target) (string, error)
}

// Capturer opens a live stream from a reference. It runs in the host context.
type Capturer interface {
	OpenStream(ctx context.Context, ref string) (Stream, error)
}

// Stream is an exclusively owned live audio stream
type Stream interface {
	ID() string
	Release() error
}

// Chunk is an encoded fragment with its arrival time
type Chunk struct {
	Data []byte
	At   time.Time
}

// EncoderState mirrors the encoder lifecycle
type EncoderState string

const (
	EncoderInactive  EncoderState = "inactive"
	EncoderRecording EncoderState = "recording"
	EncoderPaused    EncoderState = "paused"
)

// EncoderOptions configures an incremental encoder
type EncoderOptions struct {
	MimeType      string
	BitrateBps    int
	FlushInterval time.Duration
}

// Encoder produces chunks at a fixed flush interval while recording.
// Chunks are delivered on the channel returned by Start. Stop requests a
// final flush; the channel is closed after the final chunk.
type Encoder interface {
	Start() (<-chan Chunk, error)
	Pause() error
	Resume() error
	Stop() error
	State() EncoderState
	MimeType() string
	// Err reports why the chunk channel closed without Stop
	Err() error
}

// EncoderFactory binds an encoder to a stream
type EncoderFactory interface {
	NewEncoder(stream Stream, opts EncoderOptions) (Encoder, error)
}

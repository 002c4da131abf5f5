package recorder

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/skypro1111/tab-capture-service/internal/acquire"
	"github.com/skypro1111/tab-capture-service/internal/audio"
	"github.com/skypro1111/tab-capture-service/internal/bus"
	"github.com/skypro1111/tab-capture-service/internal/codec"
	"github.com/skypro1111/tab-capture-service/internal/metrics"
	"github.com/skypro1111/tab-capture-service/internal/platform"
	"github.com/skypro1111/tab-capture-service/internal/protocol"
)

// Config contains recorder host configuration
type Config struct {
	SizeCeiling     int64
	BitrateBps      int
	FlushInterval   time.Duration
	MimeType        string
	Acquire         acquire.Config
	FinalizeTimeout time.Duration
}

// DefaultConfig returns the recorder defaults: 24MiB ceiling, 64kbit/s,
// 100ms flush interval
func DefaultConfig() Config {
	return Config{
		SizeCeiling:     24 << 20,
		BitrateBps:      64000,
		FlushInterval:   100 * time.Millisecond,
		MimeType:        "audio/webm;codecs=opus",
		Acquire:         acquire.DefaultConfig(),
		FinalizeTimeout: 5 * time.Second,
	}
}

// Host is the recorder host. All state is owned by the Run goroutine.
type Host struct {
	config   Config
	endpoint bus.Endpoint
	capturer platform.Capturer
	encoders platform.EncoderFactory
	logger   *slog.Logger
	metrics  *metrics.Metrics
	now      func() time.Time

	capture *capture
}

// capture is the state bound by START_CAPTURE. chunks is nil once the
// encoder is inactive; the segmenter keeps the buffered audio until STOP.
type capture struct {
	sessionID string
	tier      protocol.Tier
	stream    platform.Stream
	encoder   platform.Encoder
	chunks    <-chan platform.Chunk
	segmenter *audio.Segmenter
	startedAt time.Time
}

// NewHost creates a recorder host serving endpoint
func NewHost(endpoint bus.Endpoint, capturer platform.Capturer, encoders platform.EncoderFactory,
	config Config, logger *slog.Logger, m *metrics.Metrics) *Host {
	return &Host{
		config:   config,
		endpoint: endpoint,
		capturer: capturer,
		encoders: encoders,
		logger:   logger.With(slog.String("context", "recorder_host")),
		metrics:  m,
		now:      time.Now,
	}
}

// Run processes control messages and encoder chunks until ctx is done or
// the endpoint closes. Any bound capture is released on return.
func (h *Host) Run(ctx context.Context) error {
	defer h.reset("host shutting down")

	inbox := h.endpoint.Inbox()
	for {
		var chunks <-chan platform.Chunk
		if h.capture != nil {
			chunks = h.capture.chunks
		}

		select {
		case <-ctx.Done():
			return ctx.Err()

		case msg, ok := <-inbox:
			if !ok {
				return nil
			}
			h.handle(ctx, msg)

		case chunk, ok := <-chunks:
			if !ok {
				h.encoderEnded(ctx)
				continue
			}
			h.onChunk(ctx, chunk)
		}
	}
}

func (h *Host) handle(ctx context.Context, msg *protocol.Message) {
	if msg.ReplyTo != "" {
		h.logger.Debug("Ignoring reply", slog.String("kind", string(msg.Kind)))
		return
	}

	var (
		reply *protocol.Message
		err   error
	)

	switch msg.Kind {
	case protocol.KindPing:
		reply, err = protocol.NewReply(msg, protocol.KindReady, nil)

	case protocol.KindStartCapture:
		if err = h.startCapture(ctx, msg); err == nil {
			reply, err = protocol.NewReply(msg, protocol.KindAck, nil)
		}

	case protocol.KindStopCapture:
		var finalized *protocol.FinalizedPayload
		if finalized, err = h.stopCapture(ctx); err == nil {
			reply, err = protocol.NewReply(msg, protocol.KindFinalized, finalized)
		}

	case protocol.KindCleanup:
		h.reset("cleanup requested")
		reply, err = protocol.NewReply(msg, protocol.KindAck, nil)

	default:
		err = protocol.Errorf(protocol.ClassInvalidMessage, "recorder host does not handle %s", msg.Kind)
	}

	if err != nil {
		h.logger.Warn("Request failed",
			slog.String("kind", string(msg.Kind)),
			slog.String("error", err.Error()),
		)
		reply = protocol.NewErrorReply(msg, err)
	}

	if err := h.endpoint.Send(ctx, reply); err != nil {
		h.logger.Error("Failed to send reply",
			slog.String("kind", string(reply.Kind)),
			slog.String("error", err.Error()),
		)
	}
}

// startCapture resets any stale capture, opens the stream and starts encoding
func (h *Host) startCapture(ctx context.Context, msg *protocol.Message) error {
	var p protocol.StartCapturePayload
	if err := msg.Decode(&p); err != nil {
		return err
	}

	h.reset("replaced by new capture")

	stream, err := acquire.OpenStream(ctx, h.capturer, p.StreamRef, h.config.Acquire, h.logger, h.metrics)
	if err != nil {
		return err
	}

	encoder, err := h.encoders.NewEncoder(stream, platform.EncoderOptions{
		MimeType:      h.config.MimeType,
		BitrateBps:    h.config.BitrateBps,
		FlushInterval: h.config.FlushInterval,
	})
	if err != nil {
		stream.Release()
		return fmt.Errorf("failed to create encoder: %w", err)
	}

	chunks, err := encoder.Start()
	if err != nil {
		stream.Release()
		return fmt.Errorf("failed to start encoder: %w", err)
	}

	startedAt := h.now()
	h.capture = &capture{
		sessionID: p.SessionID,
		tier:      p.Tier,
		stream:    stream,
		encoder:   encoder,
		chunks:    chunks,
		startedAt: startedAt,
		segmenter: audio.NewSegmenter(audio.SegmentConfig{
			SizeCeiling:     h.config.SizeCeiling,
			SegmentDuration: p.SegmentDuration(),
			MimeType:        encoder.MimeType(),
		}, startedAt),
	}

	h.remoteLog(ctx, slog.LevelInfo, fmt.Sprintf("Recording started for session %s (%s tier)", p.SessionID, p.Tier))
	h.logger.Info("Capture started",
		slog.String("session_id", p.SessionID),
		slog.String("stream_id", stream.ID()),
		slog.String("tier", string(p.Tier)),
		slog.Duration("segment_duration", p.SegmentDuration()),
	)

	return nil
}

func (h *Host) onChunk(ctx context.Context, chunk platform.Chunk) {
	h.metrics.RecordChunk()

	decision, seg := h.capture.segmenter.Add(chunk.Data, chunk.At)
	switch decision {
	case audio.Rollover:
		h.pushSegment(ctx, seg)
	case audio.CeilingReached:
		h.onCeiling(ctx)
	}
}

// onCeiling stops the encoder without waiting for further chunks and tells
// the controller to finalize
func (h *Host) onCeiling(ctx context.Context) {
	c := h.capture
	if c.chunks == nil {
		return
	}

	h.stopEncoder(c)
	h.releaseStream(c)
	h.metrics.RecordCeilingHit()

	total := c.segmenter.Buffered()
	h.logger.Warn("Size ceiling reached, recording stopped",
		slog.String("session_id", c.sessionID),
		slog.Int64("buffered_bytes", total),
		slog.Int64("ceiling", h.config.SizeCeiling),
	)

	msg, err := protocol.NewMessage(protocol.KindSizeCeiling, protocol.SizeCeilingPayload{
		SessionID:  c.sessionID,
		TotalBytes: total,
	})
	if err == nil {
		err = h.endpoint.Send(ctx, msg)
	}
	if err != nil {
		h.logger.Error("Failed to report size ceiling", slog.String("error", err.Error()))
	}
}

// encoderEnded handles the chunk channel closing without a stop request
func (h *Host) encoderEnded(ctx context.Context) {
	c := h.capture
	c.chunks = nil
	h.releaseStream(c)

	cause := c.encoder.Err()
	if cause == nil {
		cause = fmt.Errorf("encoder stopped unexpectedly")
	}

	h.logger.Error("Encoder ended", slog.String("session_id", c.sessionID), slog.String("error", cause.Error()))

	msg, err := protocol.NewMessage(protocol.KindHostError, protocol.HostErrorPayload{
		SessionID: c.sessionID,
		Class:     protocol.ClassOf(cause),
		Message:   cause.Error(),
	})
	if err == nil {
		err = h.endpoint.Send(ctx, msg)
	}
	if err != nil {
		h.logger.Error("Failed to report encoder failure", slog.String("error", err.Error()))
	}
}

// stopCapture finalizes the capture and returns the last segment.
// An inactive encoder means the buffer is served as is.
func (h *Host) stopCapture(ctx context.Context) (*protocol.FinalizedPayload, error) {
	c := h.capture
	if c == nil {
		return nil, protocol.Errorf(protocol.ClassNoAudioCaptured, "No active recording")
	}
	defer h.reset("capture finalized")

	if c.chunks != nil {
		if c.encoder.State() == platform.EncoderPaused {
			if err := c.encoder.Resume(); err != nil {
				h.logger.Warn("Failed to resume paused encoder", slog.String("error", err.Error()))
			}
		}

		if err := c.encoder.Stop(); err != nil {
			h.logger.Warn("Encoder stop failed", slog.String("error", err.Error()))
		}
		h.awaitFinalFlush(ctx, c)
	}

	seg, err := c.segmenter.Finish(h.now())
	if err != nil {
		return nil, err
	}

	finalized := &protocol.FinalizedPayload{
		SessionID:  c.sessionID,
		Segments:   c.segmenter.Segments(),
		TotalBytes: c.segmenter.TotalBytes(),
	}

	if seg != nil {
		p := segmentPayload(c.sessionID, seg)
		finalized.Segment = &p
		h.metrics.RecordSegment(seg.Size())
	}

	h.logger.Info("Capture finalized",
		slog.String("session_id", c.sessionID),
		slog.Int("segments", finalized.Segments),
		slog.Int64("total_bytes", finalized.TotalBytes),
	)

	return finalized, nil
}

// awaitFinalFlush feeds the remaining chunks into the segmenter until the
// encoder closes its channel
func (h *Host) awaitFinalFlush(ctx context.Context, c *capture) {
	timer := time.NewTimer(h.config.FinalizeTimeout)
	defer timer.Stop()

	chunks := c.chunks
	c.chunks = nil

	for {
		select {
		case chunk, ok := <-chunks:
			if !ok {
				return
			}
			h.metrics.RecordChunk()
			if decision, seg := c.segmenter.Add(chunk.Data, chunk.At); decision == audio.Rollover {
				h.pushSegment(ctx, seg)
			}
		case <-timer.C:
			h.logger.Warn("Timed out waiting for final chunk", slog.String("session_id", c.sessionID))
			go discard(chunks)
			return
		case <-ctx.Done():
			go discard(chunks)
			return
		}
	}
}

func (h *Host) pushSegment(ctx context.Context, seg *audio.Segment) {
	c := h.capture
	h.metrics.RecordSegment(seg.Size())

	msg, err := protocol.NewMessage(protocol.KindSegmentBoundary, segmentPayload(c.sessionID, seg))
	if err == nil {
		err = h.endpoint.Send(ctx, msg)
	}
	if err != nil {
		h.logger.Error("Failed to push segment",
			slog.String("session_id", c.sessionID),
			slog.Int("index", seg.Index),
			slog.String("error", err.Error()),
		)
		return
	}

	h.logger.Info("Segment finalized",
		slog.String("session_id", c.sessionID),
		slog.Int("index", seg.Index),
		slog.Int64("size", seg.Size()),
		slog.Duration("end_offset", seg.EndOffset),
	)
}

// reset stops the encoder, releases the stream and drops the capture
func (h *Host) reset(reason string) {
	c := h.capture
	if c == nil {
		return
	}

	if c.chunks != nil {
		h.stopEncoder(c)
	}
	h.releaseStream(c)
	h.capture = nil

	h.logger.Debug("Capture reset", slog.String("session_id", c.sessionID), slog.String("reason", reason))
}

func (h *Host) stopEncoder(c *capture) {
	if err := c.encoder.Stop(); err != nil {
		h.logger.Debug("Encoder stop failed", slog.String("error", err.Error()))
	}
	go discard(c.chunks)
	c.chunks = nil
}

func (h *Host) releaseStream(c *capture) {
	if c.stream == nil {
		return
	}
	if err := c.stream.Release(); err != nil {
		h.logger.Warn("Failed to release stream", slog.String("error", err.Error()))
	}
	c.stream = nil
}

// remoteLog forwards a log line to the controller
func (h *Host) remoteLog(ctx context.Context, level slog.Level, message string) {
	msg, err := protocol.NewMessage(protocol.KindHostLog, protocol.HostLogPayload{
		Level:   level.String(),
		Message: message,
	})
	if err != nil {
		return
	}
	if err := h.endpoint.Send(ctx, msg); err != nil {
		h.logger.Debug("Failed to forward log line", slog.String("error", err.Error()))
	}
}

func segmentPayload(sessionID string, seg *audio.Segment) protocol.SegmentPayload {
	return protocol.SegmentPayload{
		SessionID:   sessionID,
		Index:       seg.Index,
		StartOffset: seg.StartOffset.Seconds(),
		EndOffset:   seg.EndOffset.Seconds(),
		Size:        seg.Size(),
		MimeType:    seg.MimeType,
		Data:        codec.Encode(seg.Data),
	}
}

// discard drains a chunk channel so a stopped encoder never blocks
func discard(chunks <-chan platform.Chunk) {
	for range chunks {
	}
}

package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/skypro1111/tab-capture-service/internal/acquire"
	"github.com/skypro1111/tab-capture-service/internal/bus"
	"github.com/skypro1111/tab-capture-service/internal/codec"
	"github.com/skypro1111/tab-capture-service/internal/metrics"
	"github.com/skypro1111/tab-capture-service/internal/protocol"
	"github.com/skypro1111/tab-capture-service/internal/store"
)

// State is the coordinator's session state
type State string

const (
	StateIdle      State = "idle"
	StateStarting  State = "starting"
	StateRecording State = "recording"
	StateStopping  State = "stopping"
	StateError     State = "error"
)

// StopResult describes a completed stop. It references persisted audio
// and never carries the audio itself.
type StopResult struct {
	SessionID  string
	StorageKey string
	Size       int64
	MimeType   string
	Duration   time.Duration
	Segments   []protocol.SegmentRef
	StoppedAt  time.Time
}

// Payload converts the result into its STOPPED wire form
func (r StopResult) Payload() protocol.StoppedPayload {
	return protocol.StoppedPayload{
		SessionID:  r.SessionID,
		StorageKey: r.StorageKey,
		Size:       r.Size,
		MimeType:   r.MimeType,
		Duration:   r.Duration.Seconds(),
		Segments:   r.Segments,
	}
}

// captureSession is the one active session. Guarded by Coordinator.mu.
type captureSession struct {
	id        string
	targetID  string
	tier      protocol.Tier
	startedAt time.Time
	mimeType  string
	segments  []protocol.SegmentRef

	// stopReason is set when an automatic stop arrives before recording
	stopReason string
	// persistErr is the error of the first segment that could not be persisted
	persistErr error
}

// stopCall is a stop in flight, shared by concurrent callers
type stopCall struct {
	done   chan struct{}
	result StopResult
	err    error
}

// Coordinator owns the capture session and the recorder host lifecycle.
// State transitions happen under mu, which is never held across a round trip.
type Coordinator struct {
	config   Config
	acquirer *acquire.Acquirer
	hosts    HostManager
	segments *store.SegmentStore
	logger   *slog.Logger
	metrics  *metrics.Metrics
	now      func() time.Time

	mu          sync.Mutex
	state       State
	tier        protocol.Tier
	pendingTier protocol.Tier
	session     *captureSession
	peer        *bus.Peer
	timer       *time.Timer
	stopping    *stopCall
	last        *StopResult
	lastErr     error
}

// NewCoordinator creates an idle coordinator
func NewCoordinator(config Config, acquirer *acquire.Acquirer, hosts HostManager, segments *store.SegmentStore,
	logger *slog.Logger, m *metrics.Metrics) *Coordinator {
	tier := config.DefaultTier
	if !tier.Valid() {
		tier = protocol.TierFree
	}

	return &Coordinator{
		config:   config,
		acquirer: acquirer,
		hosts:    hosts,
		segments: segments,
		logger:   logger.With(slog.String("context", "coordinator")),
		metrics:  m,
		now:      time.Now,
		state:    StateIdle,
		tier:     tier,
	}
}

// Start begins a capture session on targetID, or on the active target when
// targetID is empty. An empty tier uses the configured tier. Start is
// rejected, never queued, unless the coordinator is idle.
func (c *Coordinator) Start(ctx context.Context, targetID string, tier protocol.Tier) (protocol.StatusPayload, error) {
	c.mu.Lock()
	if c.state != StateIdle {
		state := c.state
		c.mu.Unlock()
		return c.Status(), protocol.Errorf(protocol.ClassSessionAlreadyActive, "a session is already %s", state)
	}

	if tier == "" {
		tier = c.tier
	}
	if !tier.Valid() {
		c.mu.Unlock()
		return c.Status(), protocol.Errorf(protocol.ClassInvalidMessage, "unknown tier %q", tier)
	}

	c.state = StateStarting
	c.tier = tier
	c.pendingTier = ""
	c.lastErr = nil
	if c.last != nil && c.now().Sub(c.last.StoppedAt) > c.config.StaleWindow {
		c.last = nil
	}
	c.mu.Unlock()

	sess, err := c.start(ctx, targetID, tier)
	if err != nil {
		c.logger.Error("Session start failed",
			slog.String("target_id", targetID),
			slog.String("class", string(protocol.ClassOf(err))),
			slog.String("error", err.Error()),
		)

		c.forceCleanup(context.WithoutCancel(ctx))

		c.mu.Lock()
		c.session = nil
		c.state = StateIdle
		c.lastErr = err
		c.mu.Unlock()

		c.metrics.RecordSessionFailed(string(protocol.ClassOf(err)))
		return c.Status(), err
	}

	maxDuration := c.config.MaxDuration(tier)

	c.mu.Lock()
	c.state = StateRecording
	c.last = nil
	c.timer = time.AfterFunc(maxDuration, func() {
		c.autoStop(sess.id, "duration ceiling reached")
	})
	stopReason := sess.stopReason
	c.mu.Unlock()

	if stopReason != "" {
		go c.autoStop(sess.id, stopReason)
	}

	c.metrics.RecordSessionStarted()
	c.logger.Info("Session started",
		slog.String("session_id", sess.id),
		slog.String("target_id", sess.targetID),
		slog.String("tier", string(tier)),
		slog.Duration("max_duration", maxDuration),
	)

	return c.Status(), nil
}

// start runs the start sequence while the state is Starting
func (c *Coordinator) start(ctx context.Context, targetID string, tier protocol.Tier) (*captureSession, error) {
	peer, err := c.recreateHost(ctx)
	if err != nil {
		return nil, err
	}

	target, err := c.acquirer.AcquireTarget(ctx, targetID)
	if err != nil {
		return nil, err
	}

	ref, err := c.acquirer.AcquireStream(ctx, target)
	if err != nil {
		return nil, err
	}

	sess := &captureSession{
		id:        uuid.NewString(),
		targetID:  target.ID,
		tier:      tier,
		startedAt: c.now(),
	}

	c.mu.Lock()
	c.session = sess
	c.mu.Unlock()

	payload := protocol.StartCapturePayload{
		SessionID: sess.id,
		StreamRef: ref,
		Tier:      tier,
	}
	if tier == protocol.TierElevated {
		payload.SegmentDurationMs = c.config.SegmentDuration.Milliseconds()
	}

	if err := c.sendStartCapture(ctx, peer, payload); err != nil {
		return nil, err
	}

	c.mu.Lock()
	sess.startedAt = c.now()
	c.mu.Unlock()

	return sess, nil
}

// sendStartCapture delivers START_CAPTURE, retrying host-reported transient failures
func (c *Coordinator) sendStartCapture(ctx context.Context, peer *bus.Peer, payload protocol.StartCapturePayload) error {
	attempts := c.config.StartAttempts
	if attempts < 1 {
		attempts = 1
	}

	var err error
	for attempt := 1; attempt <= attempts; attempt++ {
		var msg *protocol.Message
		msg, err = protocol.NewMessage(protocol.KindStartCapture, payload)
		if err != nil {
			return err
		}

		if _, err = c.request(ctx, peer, msg); err == nil {
			return nil
		}

		if protocol.ClassOf(err) == protocol.ClassHostUnresponsive || !protocol.IsTransient(err) || attempt == attempts {
			return err
		}

		delay := c.config.StartRetryDelay
		if errors.Is(err, protocol.ErrCaptureHeld) {
			delay = c.config.CaptureHeldRetryDelay
		}

		c.metrics.RecordStartSendRetry()
		c.logger.Warn("Start capture failed, retrying",
			slog.Int("attempt", attempt),
			slog.Int("max_attempts", attempts),
			slog.Duration("delay", delay),
			slog.String("error", err.Error()),
		)

		if err := sleep(ctx, delay); err != nil {
			return protocol.NewError(protocol.ClassHostUnresponsive, "start cancelled", err)
		}
	}

	return err
}

// recreateHost tears down any existing host, creates a fresh one and waits
// for its readiness handshake
func (c *Coordinator) recreateHost(ctx context.Context) (*bus.Peer, error) {
	if c.hosts.Exists() {
		c.teardownHost(ctx)
	}

	endpoint, err := c.hosts.Create(ctx)
	if err != nil {
		return nil, protocol.NewError(protocol.ClassHostUnresponsive, "failed to create recorder host", err)
	}

	peer := bus.NewPeer(endpoint, c.logger, c.handlePush)

	c.mu.Lock()
	c.peer = peer
	c.mu.Unlock()

	if err := sleep(ctx, c.config.Delays.HostReady); err != nil {
		return nil, protocol.NewError(protocol.ClassHostUnresponsive, "start cancelled", err)
	}

	ping, err := protocol.NewMessage(protocol.KindPing, nil)
	if err != nil {
		return nil, err
	}

	reply, err := c.request(ctx, peer, ping)
	if err != nil {
		return nil, err
	}
	if reply.Kind != protocol.KindReady {
		return nil, protocol.Errorf(protocol.ClassHostUnresponsive, "unexpected %s reply to PING", reply.Kind)
	}

	return peer, nil
}

// teardownHost asks the existing host to stop and clean up, then destroys it.
// Failures along the way are logged and the teardown continues.
func (c *Coordinator) teardownHost(ctx context.Context) {
	c.mu.Lock()
	peer := c.peer
	c.peer = nil
	c.mu.Unlock()

	d := c.config.Delays

	if peer != nil {
		for _, step := range []struct {
			kind  protocol.Kind
			delay time.Duration
		}{
			{protocol.KindStopCapture, d.PriorStopSettle},
			{protocol.KindCleanup, d.CleanupSettle},
		} {
			msg, err := protocol.NewMessage(step.kind, nil)
			if err == nil {
				_, err = c.request(ctx, peer, msg)
			}
			if err != nil {
				c.logger.Debug("Prior host teardown step failed",
					slog.String("kind", string(step.kind)),
					slog.String("error", err.Error()),
				)
			}
			sleep(ctx, step.delay)
		}
		peer.Close()
	}

	c.closeHost(ctx)
	sleep(ctx, d.CloseSettle)

	if c.hosts.Exists() {
		c.closeHost(ctx)
	}

	sleep(ctx, d.PlatformRelease)
}

// forceCleanup releases the stream and destroys the host without waiting
// for the settle delays
func (c *Coordinator) forceCleanup(ctx context.Context) {
	c.mu.Lock()
	peer := c.peer
	c.peer = nil
	c.mu.Unlock()

	if peer != nil {
		msg, err := protocol.NewMessage(protocol.KindCleanup, nil)
		if err == nil {
			_, err = c.request(ctx, peer, msg)
		}
		if err != nil {
			c.logger.Debug("Cleanup request failed", slog.String("error", err.Error()))
		}
		peer.Close()
	}

	c.closeHost(ctx)
}

func (c *Coordinator) closeHost(ctx context.Context) {
	ctx, cancel := context.WithTimeout(ctx, c.config.RequestTimeout)
	defer cancel()

	if err := c.hosts.Close(ctx); err != nil {
		c.logger.Warn("Failed to close recorder host", slog.String("error", err.Error()))
	}
}

// request performs one round trip bounded by the request timeout
func (c *Coordinator) request(ctx context.Context, peer *bus.Peer, msg *protocol.Message) (*protocol.Message, error) {
	ctx, cancel := context.WithTimeout(ctx, c.config.RequestTimeout)
	defer cancel()
	return peer.Request(ctx, msg)
}

// Stop finalizes the active session. Concurrent stops share one result;
// a stop shortly after a completed stop returns that stop's result
// without touching the host.
func (c *Coordinator) Stop(ctx context.Context) (StopResult, error) {
	c.mu.Lock()

	switch c.state {
	case StateStopping:
		call := c.stopping
		c.mu.Unlock()
		return c.await(ctx, call)

	case StateRecording:
		call := &stopCall{done: make(chan struct{})}
		c.stopping = call
		c.state = StateStopping
		c.disarmTimer()
		sess := c.session
		peer := c.peer
		c.mu.Unlock()

		go c.runStop(call, sess, peer)
		return c.await(ctx, call)

	case StateIdle:
		if c.last != nil && c.now().Sub(c.last.StoppedAt) <= c.config.DedupeWindow {
			result := *c.last
			c.mu.Unlock()

			c.metrics.RecordStopDedupe()
			c.logger.Debug("Returning cached stop result", slog.String("storage_key", result.StorageKey))
			return result, nil
		}
		c.mu.Unlock()
		return StopResult{}, protocol.Errorf(protocol.ClassNoActiveSession, "No active recording")

	default:
		state := c.state
		c.mu.Unlock()
		return StopResult{}, protocol.Errorf(protocol.ClassSessionAlreadyActive, "cannot stop while %s", state)
	}
}

func (c *Coordinator) await(ctx context.Context, call *stopCall) (StopResult, error) {
	select {
	case <-call.done:
		return call.result, call.err
	case <-ctx.Done():
		return StopResult{}, protocol.NewError(protocol.ClassHostUnresponsive, "stop cancelled", ctx.Err())
	}
}

// runStop finalizes the session independently of any caller's context
func (c *Coordinator) runStop(call *stopCall, sess *captureSession, peer *bus.Peer) {
	ctx, cancel := context.WithTimeout(context.Background(), c.config.StopTimeout)
	defer cancel()

	result, err := c.finalize(ctx, sess, peer)
	if err != nil {
		c.logger.Error("Session stop failed",
			slog.String("session_id", sess.id),
			slog.String("class", string(protocol.ClassOf(err))),
			slog.String("error", err.Error()),
		)
		c.forceCleanup(ctx)
		c.metrics.RecordSessionFailed(string(protocol.ClassOf(err)))
	} else {
		c.metrics.RecordSessionStopped(result.Duration.Seconds())
		c.logger.Info("Session stopped",
			slog.String("session_id", sess.id),
			slog.String("storage_key", result.StorageKey),
			slog.Int64("size", result.Size),
			slog.Int("segments", len(result.Segments)),
			slog.Duration("duration", result.Duration),
		)
	}

	c.mu.Lock()
	if err != nil {
		c.lastErr = err
	} else {
		c.last = &result
	}
	c.session = nil
	c.stopping = nil
	c.state = StateIdle
	c.mu.Unlock()

	call.result = result
	call.err = err
	close(call.done)
}

// finalize asks the host for the last segment, persists it and builds the result
func (c *Coordinator) finalize(ctx context.Context, sess *captureSession, peer *bus.Peer) (StopResult, error) {
	if peer == nil {
		return StopResult{}, protocol.Errorf(protocol.ClassHostUnresponsive, "no recorder host")
	}

	msg, err := protocol.NewMessage(protocol.KindStopCapture, nil)
	if err != nil {
		return StopResult{}, err
	}

	reply, err := c.request(ctx, peer, msg)
	if err != nil {
		return StopResult{}, err
	}

	var finalized protocol.FinalizedPayload
	if err := reply.Decode(&finalized); err != nil {
		return StopResult{}, err
	}

	if finalized.Segment != nil {
		if err := c.persistSegment(ctx, sess, *finalized.Segment); err != nil {
			return StopResult{}, err
		}
	}

	c.mu.Lock()
	refs := append([]protocol.SegmentRef(nil), sess.segments...)
	mimeType := sess.mimeType
	persistErr := sess.persistErr
	c.mu.Unlock()

	if persistErr != nil {
		return StopResult{}, persistErr
	}
	if len(refs) == 0 {
		return StopResult{}, protocol.Errorf(protocol.ClassNoAudioCaptured, "recording produced no audio")
	}

	final := refs[len(refs)-1]
	now := c.now()

	// segment offsets are on the host's clock, so the session ends where the last segment does
	return StopResult{
		SessionID:  sess.id,
		StorageKey: final.Key,
		Size:       final.Size,
		MimeType:   mimeType,
		Duration:   time.Duration(final.EndOffset * float64(time.Second)),
		Segments:   refs,
		StoppedAt:  now,
	}, nil
}

// persistSegment decodes a segment and writes it to the segment store
func (c *Coordinator) persistSegment(ctx context.Context, sess *captureSession, seg protocol.SegmentPayload) error {
	data, err := codec.Decode(seg.Data)
	if err != nil {
		return protocol.NewError(protocol.ClassInvalidMessage, fmt.Sprintf("segment %d has invalid data", seg.Index), err)
	}

	if int64(len(data)) != seg.Size {
		c.logger.Warn("Segment size mismatch",
			slog.String("session_id", sess.id),
			slog.Int("index", seg.Index),
			slog.Int64("advertised", seg.Size),
			slog.Int("decoded", len(data)),
		)
	}

	rec, err := c.segments.Save(ctx, store.Record{
		SessionID:    sess.id,
		SegmentIndex: seg.Index,
		StartOffset:  seg.StartOffset,
		EndOffset:    seg.EndOffset,
		MimeType:     seg.MimeType,
		Data:         data,
	})
	if err != nil {
		return protocol.NewError(protocol.ClassStorageFailure, "failed to persist segment", err)
	}

	c.mu.Lock()
	sess.mimeType = seg.MimeType
	sess.segments = append(sess.segments, protocol.SegmentRef{
		Key:         rec.Key,
		Index:       rec.SegmentIndex,
		StartOffset: rec.StartOffset,
		EndOffset:   rec.EndOffset,
		Size:        rec.Size,
	})
	c.mu.Unlock()

	c.logger.Info("Segment persisted",
		slog.String("session_id", sess.id),
		slog.Int("index", seg.Index),
		slog.String("storage_key", rec.Key),
		slog.Int64("size", rec.Size),
	)

	return nil
}

// handlePush receives unsolicited host messages on the peer's read goroutine
func (c *Coordinator) handlePush(msg *protocol.Message) {
	switch msg.Kind {
	case protocol.KindSegmentBoundary:
		var seg protocol.SegmentPayload
		if err := msg.Decode(&seg); err != nil {
			c.logger.Error("Invalid segment push", slog.String("error", err.Error()))
			return
		}

		sess := c.sessionByID(seg.SessionID)
		if sess == nil {
			c.logger.Warn("Dropping segment for unknown session", slog.String("session_id", seg.SessionID))
			return
		}

		ctx, cancel := context.WithTimeout(context.Background(), c.config.RequestTimeout)
		defer cancel()
		if err := c.persistSegment(ctx, sess, seg); err != nil {
			c.logger.Error("Failed to persist segment",
				slog.String("session_id", seg.SessionID),
				slog.Int("index", seg.Index),
				slog.String("error", err.Error()),
			)

			if !errors.Is(err, protocol.ErrStorageFailure) {
				err = protocol.NewError(protocol.ClassStorageFailure, fmt.Sprintf("segment %d was not persisted", seg.Index), err)
			}

			c.mu.Lock()
			if sess.persistErr == nil {
				sess.persistErr = err
			}
			if c.session == sess {
				c.lastErr = err
			}
			c.mu.Unlock()

			// a lost segment ends the session
			go c.autoStop(sess.id, "segment persistence failed")
		}

	case protocol.KindSizeCeiling:
		var p protocol.SizeCeilingPayload
		if err := msg.Decode(&p); err != nil {
			c.logger.Error("Invalid size ceiling push", slog.String("error", err.Error()))
			return
		}
		c.logger.Warn("Size ceiling reached",
			slog.String("session_id", p.SessionID),
			slog.Int64("total_bytes", p.TotalBytes),
		)
		go c.autoStop(p.SessionID, "size ceiling reached")

	case protocol.KindHostError:
		var p protocol.HostErrorPayload
		if err := msg.Decode(&p); err != nil {
			c.logger.Error("Invalid host error push", slog.String("error", err.Error()))
			return
		}

		err := protocol.Errorf(p.Class, "%s", p.Message)
		c.logger.Error("Recorder host reported failure",
			slog.String("session_id", p.SessionID),
			slog.String("class", string(p.Class)),
			slog.String("error", p.Message),
		)

		c.mu.Lock()
		if c.session != nil && c.session.id == p.SessionID {
			c.lastErr = err
		}
		c.mu.Unlock()

		// the host keeps what was buffered, so finalize it
		go c.autoStop(p.SessionID, "recorder host failure")

	case protocol.KindHostLog:
		var p protocol.HostLogPayload
		if err := msg.Decode(&p); err != nil {
			return
		}
		var level slog.Level
		if err := level.UnmarshalText([]byte(p.Level)); err != nil {
			level = slog.LevelInfo
		}
		c.logger.Log(context.Background(), level, p.Message, slog.String("context", "recorder_host"))

	default:
		c.logger.Warn("Unexpected message from recorder host", slog.String("kind", string(msg.Kind)))
	}
}

func (c *Coordinator) sessionByID(id string) *captureSession {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.session == nil || c.session.id != id {
		return nil
	}
	return c.session
}

// autoStop stops sessionID if it is still the recording session
func (c *Coordinator) autoStop(sessionID, reason string) {
	c.mu.Lock()
	if c.session == nil || c.session.id != sessionID {
		c.mu.Unlock()
		return
	}
	if c.state == StateStarting {
		// picked up by Start once the session is recording
		c.session.stopReason = reason
		c.mu.Unlock()
		return
	}
	recording := c.state == StateRecording
	c.mu.Unlock()

	if !recording {
		return
	}

	c.logger.Info("Stopping session automatically",
		slog.String("session_id", sessionID),
		slog.String("reason", reason),
	)

	if _, err := c.Stop(context.Background()); err != nil {
		c.logger.Error("Automatic stop failed",
			slog.String("session_id", sessionID),
			slog.String("error", err.Error()),
		)
	}
}

func (c *Coordinator) disarmTimer() {
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
}

// Status reports the coordinator state
func (c *Coordinator) Status() protocol.StatusPayload {
	c.mu.Lock()
	defer c.mu.Unlock()

	status := protocol.StatusPayload{
		State:       string(c.state),
		IsRecording: c.state == StateRecording,
		Tier:        c.tier,
		PendingTier: c.pendingTier,
	}

	if s := c.session; s != nil {
		startedAt := s.startedAt
		status.SessionID = s.id
		status.TargetID = s.targetID
		status.Tier = s.tier
		status.StartedAt = &startedAt
		status.Duration = int64(c.now().Sub(startedAt) / time.Second)
		status.Segments = len(s.segments)
	}

	if c.last != nil && c.now().Sub(c.last.StoppedAt) <= c.config.StaleWindow {
		status.LastStopped = &protocol.LastStoppedPayload{
			StorageKey: c.last.StorageKey,
			Size:       c.last.Size,
			MimeType:   c.last.MimeType,
			SessionID:  c.last.SessionID,
			StoppedAt:  c.last.StoppedAt,
		}
	}

	if c.lastErr != nil {
		p := protocol.PayloadFromError(c.lastErr)
		status.LastError = &p
	}

	return status
}

// SetTier sets the tier of the next session. During an active session the
// change is reported as pending.
func (c *Coordinator) SetTier(tier protocol.Tier) error {
	if !tier.Valid() {
		return protocol.Errorf(protocol.ClassInvalidMessage, "unknown tier %q", tier)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.session != nil {
		c.pendingTier = tier
	}
	c.tier = tier

	c.logger.Info("Tier changed", slog.String("tier", string(tier)), slog.Bool("pending", c.session != nil))
	return nil
}

// Close forces cleanup of any session and host
func (c *Coordinator) Close(ctx context.Context) error {
	c.mu.Lock()
	if call := c.stopping; call != nil {
		c.mu.Unlock()
		c.await(ctx, call)
		c.mu.Lock()
	}
	c.disarmTimer()
	c.session = nil
	c.state = StateIdle
	c.mu.Unlock()

	c.forceCleanup(ctx)
	return nil
}

// sleep waits for d or until ctx is done
func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}

	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

package platform

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/skypro1111/tab-capture-service/internal/protocol"
)

// webmMagic opens the first chunk of every synthetic recording
var webmMagic = []byte{0x1A, 0x45, 0xDF, 0xA3}

// Synthetic is an in-process platform with a fixed list of targets.
// Like a real browser it allows one open capture stream at a time.
type Synthetic struct {
	mu      sync.Mutex
	targets []Target
	refs    map[string]Target
	held    string
	nextID  uint64
	now     func() time.Time
}

// NewSynthetic creates a synthetic platform exposing targets
func NewSynthetic(targets []Target) *Synthetic {
	return &Synthetic{
		targets: targets,
		refs:    make(map[string]Target),
		now:     time.Now,
	}
}

// Lookup resolves a target by id, or the active target for an empty id
func (s *Synthetic) Lookup(ctx context.Context, id string) (Target, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, t := range s.targets {
		if (id == "" && t.Active) || (id != "" && t.ID == id) {
			return t, nil
		}
	}

	if id == "" {
		return Target{}, protocol.Errorf(protocol.ClassTargetUnavailable, "no active target")
	}
	return Target{}, protocol.Errorf(protocol.ClassTargetUnavailable, "target %s not found", id)
}

// IssueStreamRef grants a stream reference for target
func (s *Synthetic) IssueStreamRef(ctx context.Context, target Target) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.held != "" {
		return "", protocol.Errorf(protocol.ClassCaptureHeld, "Cannot capture a tab with an active stream")
	}

	s.nextID++
	ref := fmt.Sprintf("ref-%d-%s", s.nextID, target.ID)
	s.refs[ref] = target

	return ref, nil
}

// OpenStream opens the live stream behind ref. A reference is single use.
func (s *Synthetic) OpenStream(ctx context.Context, ref string) (Stream, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	target, ok := s.refs[ref]
	if !ok {
		return nil, fmt.Errorf("unknown stream reference %q", ref)
	}

	if s.held != "" {
		return nil, protocol.Errorf(protocol.ClassCaptureHeld, "Cannot capture a tab with an active stream")
	}

	delete(s.refs, ref)
	s.nextID++
	id := fmt.Sprintf("stream-%d-%s", s.nextID, target.ID)
	s.held = id

	return &syntheticStream{id: id, platform: s}, nil
}

// Held reports the id of the open stream, if any
func (s *Synthetic) Held() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.held
}

func (s *Synthetic) release(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.held == id {
		s.held = ""
	}
}

// NewEncoder binds a synthetic encoder to stream
func (s *Synthetic) NewEncoder(stream Stream, opts EncoderOptions) (Encoder, error) {
	if opts.BitrateBps <= 0 {
		return nil, fmt.Errorf("bitrate must be positive, got %d", opts.BitrateBps)
	}
	if opts.FlushInterval <= 0 {
		return nil, fmt.Errorf("flush interval must be positive, got %s", opts.FlushInterval)
	}
	if opts.MimeType == "" {
		opts.MimeType = "audio/webm;codecs=opus"
	}

	return &syntheticEncoder{
		stream: stream,
		opts:   opts,
		now:    s.now,
		state:  EncoderInactive,
	}, nil
}

// IsPrivilegedURL reports whether url belongs to a page that cannot be captured
func IsPrivilegedURL(url string) bool {
	for _, prefix := range []string{"chrome://", "chrome-extension://", "edge://", "about:", "devtools://"} {
		if strings.HasPrefix(url, prefix) {
			return true
		}
	}
	return false
}

type syntheticStream struct {
	id       string
	platform *Synthetic
	once     sync.Once
}

func (s *syntheticStream) ID() string {
	return s.id
}

func (s *syntheticStream) Release() error {
	s.once.Do(func() { s.platform.release(s.id) })
	return nil
}

type syntheticEncoder struct {
	stream Stream
	opts   EncoderOptions
	now    func() time.Time

	mu       sync.Mutex
	state    EncoderState
	out      chan Chunk
	stop     chan struct{}
	stopOnce sync.Once
	emitted  int64
}

func (e *syntheticEncoder) Start() (<-chan Chunk, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.out != nil {
		return nil, fmt.Errorf("encoder for %s already started", e.stream.ID())
	}

	e.state = EncoderRecording
	e.out = make(chan Chunk, 16)
	e.stop = make(chan struct{})

	go e.run()

	return e.out, nil
}

func (e *syntheticEncoder) run() {
	defer close(e.out)

	ticker := time.NewTicker(e.opts.FlushInterval)
	defer ticker.Stop()

	size := int(float64(e.opts.BitrateBps) / 8 * e.opts.FlushInterval.Seconds())
	if size < 1 {
		size = 1
	}

	for {
		select {
		case <-e.stop:
			e.out <- e.chunk(size/2 + 1)
			return
		case <-ticker.C:
			if e.State() == EncoderPaused {
				continue
			}
			select {
			case e.out <- e.chunk(size):
			case <-e.stop:
				e.out <- e.chunk(size/2 + 1)
				return
			}
		}
	}
}

func (e *syntheticEncoder) chunk(size int) Chunk {
	data := make([]byte, size)
	e.mu.Lock()
	for i := range data {
		data[i] = byte(e.emitted + int64(i))
	}
	if e.emitted == 0 {
		copy(data, webmMagic)
	}
	e.emitted += int64(size)
	e.mu.Unlock()

	return Chunk{Data: data, At: e.now()}
}

func (e *syntheticEncoder) Pause() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state != EncoderRecording {
		return fmt.Errorf("cannot pause encoder in state %s", e.state)
	}
	e.state = EncoderPaused
	return nil
}

func (e *syntheticEncoder) Resume() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state != EncoderPaused {
		return fmt.Errorf("cannot resume encoder in state %s", e.state)
	}
	e.state = EncoderRecording
	return nil
}

func (e *syntheticEncoder) Stop() error {
	e.mu.Lock()
	started := e.out != nil
	e.state = EncoderInactive
	e.mu.Unlock()

	if !started {
		return fmt.Errorf("encoder for %s was never started", e.stream.ID())
	}

	e.stopOnce.Do(func() { close(e.stop) })
	return nil
}

func (e *syntheticEncoder) State() EncoderState {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

func (e *syntheticEncoder) MimeType() string {
	return e.opts.MimeType
}

func (e *syntheticEncoder) Err() error {
	return nil
}

package bus

import (
	"context"
	"errors"
	"sync"

	"github.com/skypro1111/tab-capture-service/internal/protocol"
)

// DefaultMaxMessageBytes is the largest serialized message the channel accepts
const DefaultMaxMessageBytes = 64 << 20

// ErrClosed is returned when sending on a closed endpoint
var ErrClosed = errors.New("endpoint closed")

// Endpoint is one side of a message channel.
// Inbox is closed once the endpoint or its peer is closed.
type Endpoint interface {
	Send(ctx context.Context, msg *protocol.Message) error
	Inbox() <-chan *protocol.Message
	Close() error
}

// encode serializes msg and enforces the channel size limit
func encode(msg *protocol.Message, maxBytes int) ([]byte, error) {
	data, err := protocol.Marshal(msg)
	if err != nil {
		return nil, err
	}

	if maxBytes > 0 && len(data) > maxBytes {
		return nil, protocol.Errorf(protocol.ClassMessageTooLarge,
			"%s message is %d bytes, limit is %d", msg.Kind, len(data), maxBytes)
	}

	return data, nil
}

// pipeEnd is one side of an in-memory pipe
type pipeEnd struct {
	in       chan *protocol.Message
	peer     *pipeEnd
	maxBytes int

	closed    chan struct{}
	closeOnce sync.Once
	mu        sync.RWMutex
	inClosed  bool
}

// Pipe returns two connected in-memory endpoints. Messages still pass
// through their text form, so a Pipe enforces the same size limit and
// schema validation as a network transport.
func Pipe(maxBytes int) (Endpoint, Endpoint) {
	if maxBytes <= 0 {
		maxBytes = DefaultMaxMessageBytes
	}

	a := &pipeEnd{in: make(chan *protocol.Message, 64), closed: make(chan struct{}), maxBytes: maxBytes}
	b := &pipeEnd{in: make(chan *protocol.Message, 64), closed: make(chan struct{}), maxBytes: maxBytes}
	a.peer = b
	b.peer = a

	return a, b
}

// Send serializes msg and delivers the parsed copy to the peer.
// Invalid messages are rejected here and never reach the peer.
func (p *pipeEnd) Send(ctx context.Context, msg *protocol.Message) error {
	select {
	case <-p.closed:
		return ErrClosed
	default:
	}

	data, err := encode(msg, p.maxBytes)
	if err != nil {
		return err
	}

	received, err := protocol.Parse(data)
	if err != nil {
		return err
	}

	return p.peer.deliver(ctx, received)
}

func (p *pipeEnd) deliver(ctx context.Context, msg *protocol.Message) error {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if p.inClosed {
		return ErrClosed
	}

	select {
	case p.in <- msg:
		return nil
	case <-p.closed:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *pipeEnd) Inbox() <-chan *protocol.Message {
	return p.in
}

// Close closes both sides of the pipe
func (p *pipeEnd) Close() error {
	p.shutdown()
	p.peer.shutdown()
	return nil
}

func (p *pipeEnd) shutdown() {
	p.closeOnce.Do(func() {
		close(p.closed)

		p.mu.Lock()
		p.inClosed = true
		close(p.in)
		p.mu.Unlock()
	})
}

package bus

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/skypro1111/tab-capture-service/internal/protocol"
)

// Handler receives messages that are not replies to a pending request
type Handler func(msg *protocol.Message)

// Peer correlates requests with replies on an Endpoint.
// Unsolicited messages are passed to the handler on the read goroutine,
// so handlers must not block on a round trip through the same Peer.
type Peer struct {
	ep      Endpoint
	logger  *slog.Logger
	handler Handler

	mu      sync.Mutex
	pending map[string]chan *protocol.Message

	done chan struct{}
}

// NewPeer starts reading from ep
func NewPeer(ep Endpoint, logger *slog.Logger, handler Handler) *Peer {
	p := &Peer{
		ep:      ep,
		logger:  logger,
		handler: handler,
		pending: make(map[string]chan *protocol.Message),
		done:    make(chan struct{}),
	}

	go p.readLoop()

	return p
}

func (p *Peer) readLoop() {
	defer close(p.done)

	for msg := range p.ep.Inbox() {
		if msg.ReplyTo != "" {
			p.mu.Lock()
			ch, ok := p.pending[msg.ReplyTo]
			if ok {
				delete(p.pending, msg.ReplyTo)
			}
			p.mu.Unlock()

			if ok {
				ch <- msg
				continue
			}

			p.logger.Debug("Dropping uncorrelated reply",
				slog.String("kind", string(msg.Kind)),
				slog.String("reply_to", msg.ReplyTo),
			)
			continue
		}

		if p.handler != nil {
			p.handler(msg)
		}
	}
}

// Request sends msg and waits for its reply. An ERROR reply is returned
// as its classified error. A missing reply is reported as HostUnresponsive.
func (p *Peer) Request(ctx context.Context, msg *protocol.Message) (*protocol.Message, error) {
	ch := make(chan *protocol.Message, 1)

	p.mu.Lock()
	p.pending[msg.ID] = ch
	p.mu.Unlock()

	defer func() {
		p.mu.Lock()
		delete(p.pending, msg.ID)
		p.mu.Unlock()
	}()

	if err := p.ep.Send(ctx, msg); err != nil {
		if errors.Is(err, ErrClosed) || errors.Is(err, context.DeadlineExceeded) {
			return nil, protocol.NewError(protocol.ClassHostUnresponsive, string(msg.Kind)+" not delivered", err)
		}
		return nil, err
	}

	select {
	case reply := <-ch:
		if err := reply.Err(); err != nil {
			return nil, err
		}
		return reply, nil
	case <-p.done:
		return nil, protocol.Errorf(protocol.ClassHostUnresponsive, "channel closed while awaiting %s reply", msg.Kind)
	case <-ctx.Done():
		return nil, protocol.NewError(protocol.ClassHostUnresponsive, "no reply to "+string(msg.Kind), ctx.Err())
	}
}

// Notify sends msg without waiting for a reply
func (p *Peer) Notify(ctx context.Context, msg *protocol.Message) error {
	return p.ep.Send(ctx, msg)
}

// Done is closed when the underlying endpoint's inbox is closed
func (p *Peer) Done() <-chan struct{} {
	return p.done
}

// Close closes the underlying endpoint
func (p *Peer) Close() error {
	return p.ep.Close()
}

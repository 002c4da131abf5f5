package session

import (
	"context"
	"log/slog"
	"sync"

	"github.com/skypro1111/tab-capture-service/internal/bus"
	"github.com/skypro1111/tab-capture-service/internal/protocol"
)

// Router answers control requests on behalf of a Coordinator
type Router struct {
	coordinator *Coordinator
	logger      *slog.Logger
}

// NewRouter creates a router for coordinator
func NewRouter(coordinator *Coordinator, logger *slog.Logger) *Router {
	return &Router{
		coordinator: coordinator,
		logger:      logger.With(slog.String("context", "control_router")),
	}
}

// Serve answers requests arriving on endpoint until ctx is done or the
// endpoint closes. Each request is handled on its own goroutine so status
// queries are answered while a start or stop is in progress.
func (r *Router) Serve(ctx context.Context, endpoint bus.Endpoint) error {
	var wg sync.WaitGroup
	defer wg.Wait()

	inbox := endpoint.Inbox()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case msg, ok := <-inbox:
			if !ok {
				return nil
			}
			if msg.ReplyTo != "" {
				r.logger.Debug("Ignoring reply", slog.String("kind", string(msg.Kind)))
				continue
			}

			wg.Add(1)
			go func() {
				defer wg.Done()

				reply := r.Handle(ctx, msg)
				if err := endpoint.Send(ctx, reply); err != nil {
					r.logger.Error("Failed to send reply",
						slog.String("kind", string(reply.Kind)),
						slog.String("error", err.Error()),
					)
				}
			}()
		}
	}
}

// Handle processes one control request and returns its reply
func (r *Router) Handle(ctx context.Context, msg *protocol.Message) *protocol.Message {
	var (
		reply *protocol.Message
		err   error
	)

	switch msg.Kind {
	case protocol.KindStart:
		var p protocol.StartPayload
		if len(msg.Payload) > 0 {
			err = msg.Decode(&p)
		}
		if err == nil {
			var status protocol.StatusPayload
			if status, err = r.coordinator.Start(ctx, p.TargetID, p.Tier); err == nil {
				reply, err = protocol.NewReply(msg, protocol.KindStatus, status)
			}
		}

	case protocol.KindStop:
		var result StopResult
		if result, err = r.coordinator.Stop(ctx); err == nil {
			reply, err = protocol.NewReply(msg, protocol.KindStopped, result.Payload())
		}

	case protocol.KindGetStatus:
		reply, err = protocol.NewReply(msg, protocol.KindStatus, r.coordinator.Status())

	case protocol.KindSetTier:
		var p protocol.SetTierPayload
		if err = msg.Decode(&p); err == nil {
			if err = r.coordinator.SetTier(p.Tier); err == nil {
				reply, err = protocol.NewReply(msg, protocol.KindStatus, r.coordinator.Status())
			}
		}

	default:
		err = protocol.Errorf(protocol.ClassInvalidMessage, "controller does not handle %s", msg.Kind)
	}

	if err == nil {
		if err = checkOutbound(reply); err != nil {
			r.logger.Error("Refusing outbound reply", slog.String("kind", string(reply.Kind)), slog.String("error", err.Error()))
		}
	}

	if err != nil {
		r.logger.Warn("Control request failed",
			slog.String("kind", string(msg.Kind)),
			slog.String("class", string(protocol.ClassOf(err))),
			slog.String("error", err.Error()),
		)
		return protocol.NewErrorReply(msg, err)
	}

	return reply
}

// checkOutbound refuses STOPPED replies that carry raw audio
func checkOutbound(reply *protocol.Message) error {
	if reply.Kind != protocol.KindStopped {
		return nil
	}

	var p protocol.StoppedPayload
	if err := reply.Decode(&p); err != nil {
		return err
	}
	if p.Data != "" {
		return protocol.Errorf(protocol.ClassInternal, "STOPPED reply must not carry audio data")
	}
	return nil
}

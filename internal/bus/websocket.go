package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/skypro1111/tab-capture-service/internal/protocol"
)

const (
	pongWait   = 60 * time.Second
	pingPeriod = 30 * time.Second
	writeWait  = 10 * time.Second
)

// WSConn is an Endpoint over a WebSocket connection. Only text frames are
// accepted. Invalid messages are answered with an ERROR reply and dropped.
type WSConn struct {
	conn     *websocket.Conn
	logger   *slog.Logger
	maxBytes int
	in       chan *protocol.Message

	writeMu   sync.Mutex
	closed    chan struct{}
	closeOnce sync.Once
}

// NewWSConn wraps an established connection and starts its read and ping loops
func NewWSConn(conn *websocket.Conn, maxBytes int, logger *slog.Logger) *WSConn {
	if maxBytes <= 0 {
		maxBytes = DefaultMaxMessageBytes
	}

	c := &WSConn{
		conn:     conn,
		logger:   logger,
		maxBytes: maxBytes,
		in:       make(chan *protocol.Message, 64),
		closed:   make(chan struct{}),
	}

	conn.SetReadLimit(int64(maxBytes))
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	go c.readLoop()
	go c.pingLoop()

	return c
}

// Dial connects to a control endpoint
func Dial(ctx context.Context, url string, maxBytes int, logger *slog.Logger) (*WSConn, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, http.Header{})
	if err != nil {
		return nil, fmt.Errorf("failed to dial %s: %w", url, err)
	}
	return NewWSConn(conn, maxBytes, logger), nil
}

func (c *WSConn) readLoop() {
	defer close(c.in)
	defer c.Close()

	for {
		messageType, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.logger.Warn("WebSocket read error", slog.String("error", err.Error()))
			}
			return
		}

		c.conn.SetReadDeadline(time.Now().Add(pongWait))

		if messageType != websocket.TextMessage {
			c.logger.Warn("Dropping non-text frame", slog.Int("frame_type", messageType))
			continue
		}

		msg, err := protocol.Parse(data)
		if err != nil {
			c.logger.Warn("Rejecting invalid message", slog.String("error", err.Error()))
			c.rejectInvalid(data, err)
			continue
		}

		select {
		case c.in <- msg:
		case <-c.closed:
			return
		}
	}
}

// rejectInvalid answers an invalid message with ERROR when it carries an id
func (c *WSConn) rejectInvalid(data []byte, cause error) {
	var envelope protocol.Message
	if err := json.Unmarshal(data, &envelope); err != nil || envelope.ID == "" {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), writeWait)
	defer cancel()

	if err := c.Send(ctx, protocol.NewErrorReply(&envelope, cause)); err != nil {
		c.logger.Debug("Failed to send rejection", slog.String("error", err.Error()))
	}
}

func (c *WSConn) pingLoop() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-c.closed:
			return
		case <-ticker.C:
			c.writeMu.Lock()
			err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait))
			c.writeMu.Unlock()
			if err != nil {
				c.logger.Debug("WebSocket ping failed", slog.String("error", err.Error()))
				c.Close()
				return
			}
		}
	}
}

// Send writes msg as a single text frame
func (c *WSConn) Send(ctx context.Context, msg *protocol.Message) error {
	select {
	case <-c.closed:
		return ErrClosed
	default:
	}

	data, err := encode(msg, c.maxBytes)
	if err != nil {
		return err
	}

	deadline := time.Now().Add(writeWait)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	c.conn.SetWriteDeadline(deadline)
	if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("failed to write %s message: %w", msg.Kind, err)
	}

	return nil
}

func (c *WSConn) Inbox() <-chan *protocol.Message {
	return c.in
}

// Close sends a close frame and closes the connection
func (c *WSConn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.closed)

		c.writeMu.Lock()
		_ = c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
		c.writeMu.Unlock()

		err = c.conn.Close()
	})
	return err
}

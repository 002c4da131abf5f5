package session

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"time"

	"github.com/skypro1111/tab-capture-service/internal/bus"
	"github.com/skypro1111/tab-capture-service/internal/protocol"
	"github.com/skypro1111/tab-capture-service/internal/store"
)

const (
	// DefaultFallbackDelay is waited before listing keys for a malformed stop reply
	DefaultFallbackDelay = 300 * time.Millisecond
	// DefaultSizeTolerance is the accepted relative difference between advertised and stored size
	DefaultSizeTolerance = 0.10
)

// Client is the UI side of the control protocol
type Client struct {
	peer   *bus.Peer
	blobs  store.BlobStore
	logger *slog.Logger

	FallbackDelay time.Duration
	SizeTolerance float64
}

// NewClient creates a client speaking the control protocol over endpoint.
// blobs is the store the controller persists recordings to.
func NewClient(endpoint bus.Endpoint, blobs store.BlobStore, logger *slog.Logger) *Client {
	logger = logger.With(slog.String("context", "control_client"))

	return &Client{
		peer: bus.NewPeer(endpoint, logger, func(msg *protocol.Message) {
			logger.Debug("Ignoring unsolicited message", slog.String("kind", string(msg.Kind)))
		}),
		blobs:         blobs,
		logger:        logger,
		FallbackDelay: DefaultFallbackDelay,
		SizeTolerance: DefaultSizeTolerance,
	}
}

// Start requests a new session
func (c *Client) Start(ctx context.Context, targetID string, tier protocol.Tier) (protocol.StatusPayload, error) {
	return c.status(ctx, protocol.KindStart, protocol.StartPayload{TargetID: targetID, Tier: tier})
}

// Status requests the coordinator status
func (c *Client) Status(ctx context.Context) (protocol.StatusPayload, error) {
	return c.status(ctx, protocol.KindGetStatus, nil)
}

// SetTier changes the tier of the next session
func (c *Client) SetTier(ctx context.Context, tier protocol.Tier) (protocol.StatusPayload, error) {
	return c.status(ctx, protocol.KindSetTier, protocol.SetTierPayload{Tier: tier})
}

func (c *Client) status(ctx context.Context, kind protocol.Kind, payload any) (protocol.StatusPayload, error) {
	msg, err := protocol.NewMessage(kind, payload)
	if err != nil {
		return protocol.StatusPayload{}, err
	}

	reply, err := c.peer.Request(ctx, msg)
	if err != nil {
		return protocol.StatusPayload{}, err
	}

	var status protocol.StatusPayload
	if err := reply.Decode(&status); err != nil {
		return protocol.StatusPayload{}, err
	}
	return status, nil
}

// Stop stops the session and returns the reference to the recording.
// A reply that carries raw audio instead of a key is recovered by picking
// the most recently written recording key; the raw audio is discarded.
func (c *Client) Stop(ctx context.Context) (protocol.StoppedPayload, error) {
	msg, err := protocol.NewMessage(protocol.KindStop, nil)
	if err != nil {
		return protocol.StoppedPayload{}, err
	}

	reply, err := c.peer.Request(ctx, msg)
	if err != nil {
		return protocol.StoppedPayload{}, err
	}

	var stopped protocol.StoppedPayload
	if err := reply.Decode(&stopped); err != nil {
		return protocol.StoppedPayload{}, err
	}

	if stopped.Malformed() {
		return c.recoverKey(ctx, stopped)
	}

	return stopped, nil
}

// recoverKey resolves a malformed stop reply through the key listing.
// Two sessions stopping at nearly the same time can make it pick the
// other session's recording.
func (c *Client) recoverKey(ctx context.Context, stopped protocol.StoppedPayload) (protocol.StoppedPayload, error) {
	c.logger.Warn("Stop reply carried raw audio without a storage key, recovering from store",
		slog.Int("payload_length", len(stopped.Data)),
	)
	stopped.Data = ""

	if err := sleep(ctx, c.FallbackDelay); err != nil {
		return protocol.StoppedPayload{}, err
	}

	keys, err := c.blobs.ListKeys(ctx, store.KeyPrefix)
	if err != nil {
		return protocol.StoppedPayload{}, protocol.NewError(protocol.ClassStorageFailure, "failed to list recording keys", err)
	}

	var latest string
	for _, key := range keys {
		if strings.HasPrefix(key, store.KeyPrefix) && key > latest {
			latest = key
		}
	}
	if latest == "" {
		return protocol.StoppedPayload{}, protocol.Errorf(protocol.ClassStorageFailure, "no recording key found for malformed stop reply")
	}

	rec, err := c.blobs.Head(ctx, latest)
	if err != nil {
		return protocol.StoppedPayload{}, protocol.NewError(protocol.ClassStorageFailure,
			fmt.Sprintf("failed to read recovered recording %s", latest), err)
	}

	stopped.StorageKey = latest
	stopped.Size = rec.Size
	stopped.MimeType = rec.MimeType
	stopped.SessionID = rec.SessionID

	c.logger.Info("Recovered storage key", slog.String("storage_key", latest))
	return stopped, nil
}

// Fetch loads a recording, checks it against the advertised size and
// deletes it from the store once retrieved
func (c *Client) Fetch(ctx context.Context, key string, expectedSize int64) (store.Record, error) {
	rec, err := c.blobs.Get(ctx, key)
	if err != nil {
		return store.Record{}, protocol.NewError(protocol.ClassStorageFailure, "failed to load recording "+key, err)
	}

	got := int64(len(rec.Data))
	if got == 0 {
		return store.Record{}, protocol.Errorf(protocol.ClassNoAudioCaptured, "recording %s is empty", key)
	}

	if expectedSize > 0 && got != expectedSize {
		diff := math.Abs(float64(got-expectedSize)) / float64(expectedSize)
		c.logger.Warn("Recording size mismatch",
			slog.String("storage_key", key),
			slog.Int64("expected", expectedSize),
			slog.Int64("actual", got),
		)
		if diff > c.SizeTolerance {
			return store.Record{}, protocol.Errorf(protocol.ClassStorageFailure,
				"recording size mismatch: expected %d bytes, got %d bytes", expectedSize, got)
		}
	}

	if err := c.blobs.Delete(ctx, key); err != nil {
		c.logger.Warn("Failed to delete retrieved recording",
			slog.String("storage_key", key),
			slog.String("error", err.Error()),
		)
	}

	return rec, nil
}

// Close closes the client's endpoint
func (c *Client) Close() error {
	if err := c.peer.Close(); err != nil {
		return fmt.Errorf("failed to close control client: %w", err)
	}
	return nil
}

package session

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/skypro1111/tab-capture-service/internal/bus"
	"github.com/skypro1111/tab-capture-service/internal/metrics"
	"github.com/skypro1111/tab-capture-service/internal/platform"
	"github.com/skypro1111/tab-capture-service/internal/recorder"
)

// HostManager creates and destroys the recorder host context
type HostManager interface {
	// Exists reports whether a host is currently running
	Exists() bool
	// Create starts a host and returns the controller side of its channel
	Create(ctx context.Context) (bus.Endpoint, error)
	// Close destroys the host, if any
	Close(ctx context.Context) error
}

// InProcessHosts runs the recorder host on its own goroutine, connected
// through an in-memory pipe
type InProcessHosts struct {
	capturer platform.Capturer
	encoders platform.EncoderFactory
	config   recorder.Config
	maxBytes int
	logger   *slog.Logger
	metrics  *metrics.Metrics

	mu      sync.Mutex
	current *runningHost
}

type runningHost struct {
	endpoint bus.Endpoint
	cancel   context.CancelFunc
	done     chan struct{}
}

// NewInProcessHosts creates a host manager for in-process recorder hosts
func NewInProcessHosts(capturer platform.Capturer, encoders platform.EncoderFactory, config recorder.Config,
	maxBytes int, logger *slog.Logger, m *metrics.Metrics) *InProcessHosts {
	return &InProcessHosts{
		capturer: capturer,
		encoders: encoders,
		config:   config,
		maxBytes: maxBytes,
		logger:   logger,
		metrics:  m,
	}
}

func (h *InProcessHosts) Exists() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.current != nil
}

func (h *InProcessHosts) Create(ctx context.Context) (bus.Endpoint, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.current != nil {
		return nil, fmt.Errorf("recorder host already exists")
	}

	controllerEnd, hostEnd := bus.Pipe(h.maxBytes)
	host := recorder.NewHost(hostEnd, h.capturer, h.encoders, h.config, h.logger, h.metrics)

	runCtx, cancel := context.WithCancel(context.Background())
	running := &runningHost{
		endpoint: controllerEnd,
		cancel:   cancel,
		done:     make(chan struct{}),
	}

	go func() {
		defer close(running.done)
		if err := host.Run(runCtx); err != nil && err != context.Canceled {
			h.logger.Error("Recorder host exited", slog.String("error", err.Error()))
		}
	}()

	h.current = running
	h.metrics.RecordHostCreated()
	h.logger.Debug("Recorder host created")

	return controllerEnd, nil
}

func (h *InProcessHosts) Close(ctx context.Context) error {
	h.mu.Lock()
	running := h.current
	h.current = nil
	h.mu.Unlock()

	if running == nil {
		return nil
	}

	running.cancel()
	running.endpoint.Close()

	select {
	case <-running.done:
		h.logger.Debug("Recorder host closed")
		return nil
	case <-ctx.Done():
		return fmt.Errorf("recorder host did not exit: %w", ctx.Err())
	}
}

package acquire

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/skypro1111/tab-capture-service/internal/metrics"
	"github.com/skypro1111/tab-capture-service/internal/platform"
	"github.com/skypro1111/tab-capture-service/internal/protocol"
)

// Config bounds the acquisition retry loop
type Config struct {
	MaxAttempts int
	RetryDelay  time.Duration
}

// DefaultConfig returns the acquisition policy for transient capture failures
func DefaultConfig() Config {
	policy := protocol.PolicyFor(protocol.ClassCaptureHeld)
	return Config{
		MaxAttempts: policy.MaxAttempts,
		RetryDelay:  policy.Delay,
	}
}

// Retry runs op until it succeeds, fails with a non-transient error, or the
// attempt budget is spent. Exhaustion is reported as StreamAcquisitionFailed
// wrapping the last cause.
func Retry[T any](ctx context.Context, cfg Config, logger *slog.Logger, m *metrics.Metrics,
	op func(ctx context.Context) (T, error)) (T, error) {

	var zero T
	if cfg.MaxAttempts < 1 {
		cfg.MaxAttempts = 1
	}

	var lastErr error
	for attempt := 1; attempt <= cfg.MaxAttempts; attempt++ {
		if attempt > 1 {
			m.RecordAcquireRetry()

			select {
			case <-time.After(cfg.RetryDelay):
			case <-ctx.Done():
				return zero, protocol.NewError(protocol.ClassStreamAcquisitionFailed, "stream acquisition cancelled", lastErr)
			}
		}

		result, err := op(ctx)
		if err == nil {
			return result, nil
		}

		if !protocol.IsTransient(err) {
			return zero, err
		}

		lastErr = err
		logger.Warn("Stream acquisition attempt failed",
			slog.Int("attempt", attempt),
			slog.Int("max_attempts", cfg.MaxAttempts),
			slog.String("error", err.Error()),
		)
	}

	return zero, protocol.NewError(protocol.ClassStreamAcquisitionFailed,
		fmt.Sprintf("stream acquisition failed after %d attempts", cfg.MaxAttempts), lastErr)
}

// Acquirer resolves targets and obtains stream references for the controller
type Acquirer struct {
	targets platform.Targets
	issuer  platform.StreamIssuer
	config  Config
	logger  *slog.Logger
	metrics *metrics.Metrics
}

// NewAcquirer creates a new acquirer
func NewAcquirer(targets platform.Targets, issuer platform.StreamIssuer, config Config,
	logger *slog.Logger, m *metrics.Metrics) *Acquirer {
	return &Acquirer{
		targets: targets,
		issuer:  issuer,
		config:  config,
		logger:  logger,
		metrics: m,
	}
}

// AcquireTarget resolves id to a capturable target. Privileged pages are
// rejected with TargetUnavailable.
func (a *Acquirer) AcquireTarget(ctx context.Context, id string) (platform.Target, error) {
	target, err := a.targets.Lookup(ctx, id)
	if err != nil {
		return platform.Target{}, err
	}

	if platform.IsPrivilegedURL(target.URL) {
		return platform.Target{}, protocol.Errorf(protocol.ClassTargetUnavailable,
			"Cannot capture audio from browser system pages (%s)", target.URL)
	}

	return target, nil
}

// AcquireStream obtains a stream reference for target, retrying transient failures
func (a *Acquirer) AcquireStream(ctx context.Context, target platform.Target) (string, error) {
	ref, err := Retry(ctx, a.config, a.logger, a.metrics, func(ctx context.Context) (string, error) {
		return a.issuer.IssueStreamRef(ctx, target)
	})
	if err != nil {
		return "", err
	}

	a.logger.Debug("Stream reference acquired",
		slog.String("target_id", target.ID),
		slog.String("stream_ref", ref),
	)

	return ref, nil
}

// OpenStream opens the live stream behind ref with the same retry policy.
// It runs in the recorder host.
func OpenStream(ctx context.Context, capturer platform.Capturer, ref string, cfg Config,
	logger *slog.Logger, m *metrics.Metrics) (platform.Stream, error) {
	return Retry(ctx, cfg, logger, m, func(ctx context.Context) (platform.Stream, error) {
		return capturer.OpenStream(ctx, ref)
	})
}

package session

import (
	"time"

	"github.com/skypro1111/tab-capture-service/internal/protocol"
)

// Delays are the fixed settle times used while tearing down a host.
// The platform gives no "resource released" signal, so these waits stand in for one.
type Delays struct {
	PriorStopSettle time.Duration
	CleanupSettle   time.Duration
	CloseSettle     time.Duration
	PlatformRelease time.Duration
	HostReady       time.Duration
}

// Config contains coordinator configuration
type Config struct {
	Delays Delays

	// DedupeWindow is how long a completed stop answers repeated stops
	DedupeWindow time.Duration
	// StaleWindow is how long the last stopped record survives
	StaleWindow time.Duration

	StartAttempts         int
	StartRetryDelay       time.Duration
	CaptureHeldRetryDelay time.Duration

	RequestTimeout time.Duration
	StopTimeout    time.Duration

	FreeMaxDuration     time.Duration
	ElevatedMaxDuration time.Duration
	SegmentDuration     time.Duration

	DefaultTier protocol.Tier
}

// DefaultConfig returns the coordinator defaults
func DefaultConfig() Config {
	return Config{
		Delays: Delays{
			PriorStopSettle: 500 * time.Millisecond,
			CleanupSettle:   300 * time.Millisecond,
			CloseSettle:     500 * time.Millisecond,
			PlatformRelease: 800 * time.Millisecond,
			HostReady:       300 * time.Millisecond,
		},
		DedupeWindow:          3 * time.Second,
		StaleWindow:           5 * time.Minute,
		StartAttempts:         5,
		StartRetryDelay:       300 * time.Millisecond,
		CaptureHeldRetryDelay: 800 * time.Millisecond,
		RequestTimeout:        5 * time.Second,
		StopTimeout:           15 * time.Second,
		FreeMaxDuration:       20 * time.Minute,
		ElevatedMaxDuration:   2 * time.Hour,
		SegmentDuration:       20 * time.Minute,
		DefaultTier:           protocol.TierFree,
	}
}

// MaxDuration returns the hard duration ceiling of tier
func (c Config) MaxDuration(tier protocol.Tier) time.Duration {
	if tier == protocol.TierElevated {
		return c.ElevatedMaxDuration
	}
	return c.FreeMaxDuration
}

package protocol

import (
	"fmt"
	"time"
)

// StartPayload requests a new capture session.
// An empty TargetID selects the active target.
type StartPayload struct {
	TargetID string `json:"targetId,omitempty"`
	Tier     Tier   `json:"tier,omitempty"`
}

// Validate validates the start payload
func (p *StartPayload) Validate() error {
	if p.Tier != "" && !p.Tier.Valid() {
		return fmt.Errorf("unknown tier %q", p.Tier)
	}
	return nil
}

// SetTierPayload changes the tier used by the next session
type SetTierPayload struct {
	Tier Tier `json:"tier"`
}

// Validate validates the tier payload
func (p *SetTierPayload) Validate() error {
	if !p.Tier.Valid() {
		return fmt.Errorf("unknown tier %q", p.Tier)
	}
	return nil
}

// StartCapturePayload tells the recorder host to bind a stream and start encoding
type StartCapturePayload struct {
	SessionID string `json:"sessionId"`
	StreamRef string `json:"streamRef"`
	Tier      Tier   `json:"tier"`
	// SegmentDurationMs is the in-place rollover interval, 0 disables rollover
	SegmentDurationMs int64 `json:"segmentDurationMs,omitempty"`
}

// Validate validates the capture start payload
func (p *StartCapturePayload) Validate() error {
	if p.SessionID == "" {
		return fmt.Errorf("sessionId is required")
	}
	if p.StreamRef == "" {
		return fmt.Errorf("streamRef is required")
	}
	if !p.Tier.Valid() {
		return fmt.Errorf("unknown tier %q", p.Tier)
	}
	if p.SegmentDurationMs < 0 {
		return fmt.Errorf("segmentDurationMs must not be negative, got %d", p.SegmentDurationMs)
	}
	return nil
}

// SegmentDuration returns the rollover interval
func (p *StartCapturePayload) SegmentDuration() time.Duration {
	return time.Duration(p.SegmentDurationMs) * time.Millisecond
}

// SegmentPayload carries one finalized segment. Data is codec text.
type SegmentPayload struct {
	SessionID   string  `json:"sessionId"`
	Index       int     `json:"index"`
	StartOffset float64 `json:"startOffsetSeconds"`
	EndOffset   float64 `json:"endOffsetSeconds"`
	Size        int64   `json:"byteSize"`
	MimeType    string  `json:"mimeType"`
	Data        string  `json:"data"`
}

// Validate validates the segment payload
func (p *SegmentPayload) Validate() error {
	if p.SessionID == "" {
		return fmt.Errorf("sessionId is required")
	}
	if p.Index < 0 {
		return fmt.Errorf("index must not be negative, got %d", p.Index)
	}
	if p.EndOffset < p.StartOffset {
		return fmt.Errorf("endOffsetSeconds %f precedes startOffsetSeconds %f", p.EndOffset, p.StartOffset)
	}
	if p.Size <= 0 {
		return fmt.Errorf("byteSize must be positive, got %d", p.Size)
	}
	if p.Data == "" {
		return fmt.Errorf("data is required")
	}
	return nil
}

// SizeCeilingPayload reports that the buffered size reached the ceiling
type SizeCeilingPayload struct {
	SessionID  string `json:"sessionId"`
	TotalBytes int64  `json:"totalBytes"`
}

// Validate validates the size ceiling payload
func (p *SizeCeilingPayload) Validate() error {
	if p.SessionID == "" {
		return fmt.Errorf("sessionId is required")
	}
	return nil
}

// HostErrorPayload reports an asynchronous recorder failure
type HostErrorPayload struct {
	SessionID string     `json:"sessionId,omitempty"`
	Class     ErrorClass `json:"class"`
	Message   string     `json:"message"`
}

// Validate validates the host error payload
func (p *HostErrorPayload) Validate() error {
	if p.Class == "" {
		return fmt.Errorf("class is required")
	}
	return nil
}

// HostLogPayload forwards a recorder host log line
type HostLogPayload struct {
	Level   string `json:"level"`
	Message string `json:"message"`
}

// Validate validates the host log payload
func (p *HostLogPayload) Validate() error {
	if p.Message == "" {
		return fmt.Errorf("message is required")
	}
	return nil
}

// FinalizedPayload is the recorder host's reply to STOP_CAPTURE.
// Segment is nil when the recording ended exactly on a rollover boundary.
type FinalizedPayload struct {
	SessionID  string          `json:"sessionId"`
	Segment    *SegmentPayload `json:"segment,omitempty"`
	Segments   int             `json:"segments"`
	TotalBytes int64           `json:"totalBytes"`
}

// Validate validates the finalized payload
func (p *FinalizedPayload) Validate() error {
	if p.Segment != nil {
		if err := p.Segment.Validate(); err != nil {
			return fmt.Errorf("segment: %w", err)
		}
	}
	if p.Segment == nil && p.Segments == 0 {
		return fmt.Errorf("no segments recorded")
	}
	return nil
}

// SegmentRef points at a persisted segment
type SegmentRef struct {
	Key         string  `json:"storageKey"`
	Index       int     `json:"index"`
	StartOffset float64 `json:"startOffsetSeconds"`
	EndOffset   float64 `json:"endOffsetSeconds"`
	Size        int64   `json:"byteSize"`
}

// StoppedPayload is the reply to STOP. It references persisted audio only.
// Data is never set by a conforming controller; receivers treat a reply
// carrying Data without a StorageKey as malformed and recover the key.
type StoppedPayload struct {
	SessionID  string       `json:"sessionId,omitempty"`
	StorageKey string       `json:"storageKey,omitempty"`
	Size       int64        `json:"size"`
	MimeType   string       `json:"mimeType,omitempty"`
	Duration   float64      `json:"durationSeconds"`
	Segments   []SegmentRef `json:"segments,omitempty"`
	Data       string       `json:"data,omitempty"`
}

// Validate validates the stopped payload
func (p *StoppedPayload) Validate() error {
	if p.StorageKey == "" && p.Data == "" {
		return fmt.Errorf("storageKey is required")
	}
	return nil
}

// Malformed reports whether the reply carries raw audio instead of a reference
func (p *StoppedPayload) Malformed() bool {
	return p.StorageKey == "" && p.Data != ""
}

// LastStoppedPayload describes the most recent completed stop
type LastStoppedPayload struct {
	StorageKey string    `json:"storageKey"`
	Size       int64     `json:"size"`
	MimeType   string    `json:"mimeType"`
	SessionID  string    `json:"sessionId"`
	StoppedAt  time.Time `json:"stoppedAt"`
}

// StatusPayload answers GET_STATUS
type StatusPayload struct {
	State       string              `json:"state"`
	IsRecording bool                `json:"isRecording"`
	SessionID   string              `json:"sessionId,omitempty"`
	TargetID    string              `json:"targetId,omitempty"`
	Tier        Tier                `json:"tier"`
	PendingTier Tier                `json:"pendingTier,omitempty"`
	StartedAt   *time.Time          `json:"startedAt,omitempty"`
	Duration    int64               `json:"duration"`
	Segments    int                 `json:"segmentsPersisted"`
	LastStopped *LastStoppedPayload `json:"lastStopped,omitempty"`
	LastError   *ErrorPayload       `json:"lastError,omitempty"`
}

// Validate validates the status payload
func (p *StatusPayload) Validate() error {
	if p.State == "" {
		return fmt.Errorf("state is required")
	}
	return nil
}

// ErrorPayload carries a classified failure across the channel.
type ErrorPayload struct {
	Class        ErrorClass `json:"class"`
	Message      string     `json:"message"`
	CauseClass   ErrorClass `json:"causeClass,omitempty"`
	CauseMessage string     `json:"causeMessage,omitempty"`
}

// Validate validates the error payload
func (p *ErrorPayload) Validate() error {
	if p.Class == "" {
		return fmt.Errorf("class is required")
	}
	return nil
}

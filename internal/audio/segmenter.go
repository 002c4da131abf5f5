package audio

import (
	"fmt"
	"time"

	"github.com/skypro1111/tab-capture-service/internal/protocol"
)

// Decision tells the recorder what to do after a chunk was added
type Decision int

const (
	// Continue recording
	Continue Decision = iota
	// Rollover means a segment was finalized in place and recording continues
	Rollover
	// CeilingReached means the buffer is full and the encoder must stop
	CeilingReached
)

func (d Decision) String() string {
	switch d {
	case Continue:
		return "continue"
	case Rollover:
		return "rollover"
	case CeilingReached:
		return "ceiling_reached"
	default:
		return fmt.Sprintf("decision(%d)", int(d))
	}
}

// SegmentConfig contains configuration for segment boundaries
type SegmentConfig struct {
	SizeCeiling int64
	// SegmentDuration enables in-place rollover when positive
	SegmentDuration time.Duration
	MimeType        string
}

// Segment is a finalized, immutable slice of a recording.
// Offsets are relative to the session start.
type Segment struct {
	Index       int
	StartOffset time.Duration
	EndOffset   time.Duration
	Data        []byte
	MimeType    string
}

// Size returns the segment payload size in bytes
func (s *Segment) Size() int64 {
	return int64(len(s.Data))
}

// Duration returns the time span covered by the segment
func (s *Segment) Duration() time.Duration {
	return s.EndOffset - s.StartOffset
}

// Segmenter tracks the segment being recorded and decides where boundaries fall
type Segmenter struct {
	config SegmentConfig
	buffer *Buffer

	startedAt  time.Time
	boundaryAt time.Time
	index      int
	total      int64

	ceiling  bool
	finished bool
}

// NewSegmenter creates a segmenter for a session that started at startedAt
func NewSegmenter(config SegmentConfig, startedAt time.Time) *Segmenter {
	return &Segmenter{
		config:     config,
		buffer:     NewBuffer(),
		startedAt:  startedAt,
		boundaryAt: startedAt,
	}
}

// Add appends a chunk. A chunk that would push the buffer past the size
// ceiling is dropped, so a finalized payload never exceeds the ceiling.
// Once the ceiling is reached every further chunk is dropped.
func (s *Segmenter) Add(data []byte, at time.Time) (Decision, *Segment) {
	if s.finished {
		return Continue, nil
	}
	if s.ceiling {
		return CeilingReached, nil
	}
	if len(data) == 0 {
		return Continue, nil
	}

	// Chunk timestamps never run backwards across a boundary
	if at.Before(s.boundaryAt) {
		at = s.boundaryAt
	}

	size := int64(len(data))
	if s.config.SizeCeiling > 0 && s.buffer.Size()+size > s.config.SizeCeiling {
		s.ceiling = true
		return CeilingReached, nil
	}

	s.buffer.Append(data, at)
	s.total += size

	if s.config.SizeCeiling > 0 && s.buffer.Size() == s.config.SizeCeiling {
		s.ceiling = true
		return CeilingReached, nil
	}

	if s.config.SegmentDuration > 0 && at.Sub(s.boundaryAt) >= s.config.SegmentDuration {
		return Rollover, s.cut(at)
	}

	return Continue, nil
}

// Finish finalizes the buffered chunks as the last segment. It returns a nil
// segment when the recording ended exactly on a rollover boundary, and
// NoAudioCaptured when nothing was ever recorded.
func (s *Segmenter) Finish(at time.Time) (*Segment, error) {
	if s.finished {
		return nil, fmt.Errorf("segmenter already finished")
	}
	s.finished = true

	if s.buffer.Empty() {
		if s.index == 0 {
			return nil, protocol.Errorf(protocol.ClassNoAudioCaptured, "No audio data recorded")
		}
		return nil, nil
	}

	end := at
	if s.ceiling || end.Before(s.buffer.LastAt()) {
		end = s.buffer.LastAt()
	}

	return s.cut(end), nil
}

func (s *Segmenter) cut(at time.Time) *Segment {
	seg := &Segment{
		Index:       s.index,
		StartOffset: s.boundaryAt.Sub(s.startedAt),
		EndOffset:   at.Sub(s.startedAt),
		Data:        s.buffer.Bytes(),
		MimeType:    s.config.MimeType,
	}

	s.index++
	s.boundaryAt = at
	s.buffer.Reset()

	return seg
}

// Buffered returns the size of the segment being recorded
func (s *Segmenter) Buffered() int64 {
	return s.buffer.Size()
}

// TotalBytes returns the bytes accepted across all segments
func (s *Segmenter) TotalBytes() int64 {
	return s.total
}

// Segments returns the number of finalized segments
func (s *Segmenter) Segments() int {
	return s.index
}

// CeilingReached reports whether the size ceiling stopped the recording
func (s *Segmenter) CeilingReached() bool {
	return s.ceiling
}

// Stats returns statistics of the segment being recorded
func (s *Segmenter) Stats() BufferStats {
	return s.buffer.Stats()
}

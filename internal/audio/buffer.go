package audio

import "time"

// Buffer holds the ordered chunks of the segment being recorded
type Buffer struct {
	chunks [][]byte
	size   int64

	firstAt time.Time
	lastAt  time.Time
}

// BufferStats represents buffer statistics for monitoring
type BufferStats struct {
	Chunks int       `json:"chunks"`
	Size   int64     `json:"size_bytes"`
	First  time.Time `json:"first_chunk_at"`
	Last   time.Time `json:"last_chunk_at"`
}

// NewBuffer creates an empty buffer
func NewBuffer() *Buffer {
	return &Buffer{chunks: make([][]byte, 0, 64)}
}

// Append adds a chunk received at the given time. Empty chunks are ignored.
func (b *Buffer) Append(data []byte, at time.Time) {
	if len(data) == 0 {
		return
	}

	if len(b.chunks) == 0 {
		b.firstAt = at
	}
	b.chunks = append(b.chunks, data)
	b.size += int64(len(data))
	b.lastAt = at
}

// Size returns the total buffered bytes
func (b *Buffer) Size() int64 {
	return b.size
}

// Len returns the number of buffered chunks
func (b *Buffer) Len() int {
	return len(b.chunks)
}

// Empty reports whether no chunk is buffered
func (b *Buffer) Empty() bool {
	return len(b.chunks) == 0
}

// LastAt returns the arrival time of the newest chunk
func (b *Buffer) LastAt() time.Time {
	return b.lastAt
}

// Bytes concatenates the buffered chunks in arrival order
func (b *Buffer) Bytes() []byte {
	out := make([]byte, 0, b.size)
	for _, c := range b.chunks {
		out = append(out, c...)
	}
	return out
}

// Reset drops all buffered chunks
func (b *Buffer) Reset() {
	b.chunks = make([][]byte, 0, 64)
	b.size = 0
	b.firstAt = time.Time{}
	b.lastAt = time.Time{}
}

// Stats returns buffer statistics
func (b *Buffer) Stats() BufferStats {
	return BufferStats{
		Chunks: len(b.chunks),
		Size:   b.size,
		First:  b.firstAt,
		Last:   b.lastAt,
	}
}

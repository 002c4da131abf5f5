package store

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
)

// KeyPrefix starts every recording key
const KeyPrefix = "recording_"

// ErrNotFound is returned when a key does not exist
var ErrNotFound = errors.New("record not found")

// Record is one persisted recording or segment
type Record struct {
	Key          string    `json:"storageKey"`
	SessionID    string    `json:"sessionId"`
	SegmentIndex int       `json:"segmentIndex"`
	StartOffset  float64   `json:"startOffsetSeconds"`
	EndOffset    float64   `json:"endOffsetSeconds"`
	Size         int64     `json:"size"`
	MimeType     string    `json:"mimeType"`
	CreatedAt    time.Time `json:"createdAt"`
	Data         []byte    `json:"-"`
}

// BlobStore is the persistence collaborator
type BlobStore interface {
	Put(ctx context.Context, rec Record) error
	Get(ctx context.Context, key string) (Record, error)
	// Head returns the record without its data
	Head(ctx context.Context, key string) (Record, error)
	Delete(ctx context.Context, key string) error
	// ListKeys returns keys starting with prefix in ascending order
	ListKeys(ctx context.Context, prefix string) ([]string, error)
	Close() error
}

// KeyGen issues recording keys of the form recording_<unix-millis>.
// Keys are strictly increasing within a process.
type KeyGen struct {
	mu   sync.Mutex
	last int64
	now  func() time.Time
}

// NewKeyGen creates a key generator using the wall clock
func NewKeyGen() *KeyGen {
	return &KeyGen{now: time.Now}
}

// Next returns a new unique key
func (g *KeyGen) Next() string {
	g.mu.Lock()
	defer g.mu.Unlock()

	ms := g.now().UnixMilli()
	if ms <= g.last {
		ms = g.last + 1
	}
	g.last = ms

	return fmt.Sprintf("%s%d", KeyPrefix, ms)
}

// MemoryStore keeps records in memory
type MemoryStore struct {
	mu      sync.RWMutex
	records map[string]Record
}

// NewMemoryStore creates an empty in-memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[string]Record)}
}

func (m *MemoryStore) Put(ctx context.Context, rec Record) error {
	if rec.Key == "" {
		return fmt.Errorf("record key cannot be empty")
	}

	rec.Data = append([]byte(nil), rec.Data...)

	m.mu.Lock()
	defer m.mu.Unlock()
	m.records[rec.Key] = rec
	return nil
}

func (m *MemoryStore) Get(ctx context.Context, key string) (Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	rec, ok := m.records[key]
	if !ok {
		return Record{}, fmt.Errorf("%s: %w", key, ErrNotFound)
	}
	rec.Data = append([]byte(nil), rec.Data...)
	return rec, nil
}

func (m *MemoryStore) Head(ctx context.Context, key string) (Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	rec, ok := m.records[key]
	if !ok {
		return Record{}, fmt.Errorf("%s: %w", key, ErrNotFound)
	}
	rec.Data = nil
	return rec, nil
}

func (m *MemoryStore) Delete(ctx context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.records, key)
	return nil
}

func (m *MemoryStore) ListKeys(ctx context.Context, prefix string) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	keys := make([]string, 0, len(m.records))
	for k := range m.records {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys, nil
}

func (m *MemoryStore) Close() error {
	return nil
}

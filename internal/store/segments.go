package store

import (
	"context"
	"fmt"
	"sort"
	"time"
)

// sessionIndexer is implemented by stores that can list a session's keys directly
type sessionIndexer interface {
	SessionKeys(ctx context.Context, sessionID string) ([]string, error)
}

// SegmentStore persists the segments of capture sessions
type SegmentStore struct {
	blobs BlobStore
	keys  *KeyGen
	now   func() time.Time
}

// NewSegmentStore creates a segment store on top of blobs
func NewSegmentStore(blobs BlobStore, keys *KeyGen) *SegmentStore {
	if keys == nil {
		keys = NewKeyGen()
	}
	return &SegmentStore{blobs: blobs, keys: keys, now: time.Now}
}

// Save stores a segment under a new recording key and returns its metadata
func (s *SegmentStore) Save(ctx context.Context, rec Record) (Record, error) {
	rec.Key = s.keys.Next()
	rec.Size = int64(len(rec.Data))
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = s.now()
	}

	if err := s.blobs.Put(ctx, rec); err != nil {
		return Record{}, fmt.Errorf("failed to save segment %d of %s: %w", rec.SegmentIndex, rec.SessionID, err)
	}

	rec.Data = nil
	return rec, nil
}

// Segments returns the metadata of a session's segments in index order
func (s *SegmentStore) Segments(ctx context.Context, sessionID string) ([]Record, error) {
	var keys []string
	var err error

	if idx, ok := s.blobs.(sessionIndexer); ok {
		keys, err = idx.SessionKeys(ctx, sessionID)
	} else {
		keys, err = s.blobs.ListKeys(ctx, KeyPrefix)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to list segments of %s: %w", sessionID, err)
	}

	records := make([]Record, 0, len(keys))
	for _, key := range keys {
		rec, err := s.blobs.Head(ctx, key)
		if err != nil {
			return nil, fmt.Errorf("failed to read segment %s: %w", key, err)
		}
		if rec.SessionID == sessionID {
			records = append(records, rec)
		}
	}

	sort.SliceStable(records, func(i, j int) bool {
		return records[i].SegmentIndex < records[j].SegmentIndex
	})

	return records, nil
}

// Load returns a segment with its data
func (s *SegmentStore) Load(ctx context.Context, key string) (Record, error) {
	return s.blobs.Get(ctx, key)
}

// Blobs returns the underlying persistence collaborator
func (s *SegmentStore) Blobs() BlobStore {
	return s.blobs
}

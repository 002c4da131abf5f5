package store

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

func openStores(t *testing.T) map[string]BlobStore {
	t.Helper()

	sqlite, err := OpenSQLite(":memory:")
	if err != nil {
		t.Fatalf("OpenSQLite failed: %v", err)
	}
	t.Cleanup(func() { sqlite.Close() })

	return map[string]BlobStore{
		"memory": NewMemoryStore(),
		"sqlite": sqlite,
	}
}

func TestBlobStoreOperations(t *testing.T) {
	for name, s := range openStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			created := time.Unix(1700000000, 0)

			records := []Record{
				{Key: "recording_200", SessionID: "s1", Size: 3, MimeType: "audio/webm", CreatedAt: created, Data: []byte{1, 2, 3}},
				{Key: "recording_100", SessionID: "s1", Size: 1, MimeType: "audio/webm", CreatedAt: created, Data: []byte{9}},
				{Key: "other_1", SessionID: "s2", Size: 0, MimeType: "audio/webm", CreatedAt: created},
			}
			for _, rec := range records {
				if err := s.Put(ctx, rec); err != nil {
					t.Fatalf("Put %s failed: %v", rec.Key, err)
				}
			}

			keys, err := s.ListKeys(ctx, KeyPrefix)
			if err != nil {
				t.Fatalf("ListKeys failed: %v", err)
			}
			if len(keys) != 2 || keys[0] != "recording_100" || keys[1] != "recording_200" {
				t.Errorf("Expected [recording_100 recording_200], got %v", keys)
			}

			got, err := s.Get(ctx, "recording_200")
			if err != nil {
				t.Fatalf("Get failed: %v", err)
			}
			if !bytes.Equal(got.Data, []byte{1, 2, 3}) {
				t.Errorf("Expected data [1 2 3], got %v", got.Data)
			}
			if got.MimeType != "audio/webm" || got.SessionID != "s1" {
				t.Errorf("Unexpected metadata: %+v", got)
			}
			if !got.CreatedAt.Equal(created) {
				t.Errorf("Expected created %v, got %v", created, got.CreatedAt)
			}

			head, err := s.Head(ctx, "recording_200")
			if err != nil {
				t.Fatalf("Head failed: %v", err)
			}
			if head.Data != nil || head.Size != 3 {
				t.Errorf("Expected metadata only with size 3, got %+v", head)
			}

			if err := s.Delete(ctx, "recording_200"); err != nil {
				t.Fatalf("Delete failed: %v", err)
			}
			if _, err := s.Get(ctx, "recording_200"); !errors.Is(err, ErrNotFound) {
				t.Errorf("Expected ErrNotFound after delete, got %v", err)
			}
		})
	}
}

func TestKeyGenMonotonic(t *testing.T) {
	fixed := time.UnixMilli(1700000000000)
	g := &KeyGen{now: func() time.Time { return fixed }}

	first := g.Next()
	second := g.Next()

	if first != "recording_1700000000000" {
		t.Errorf("Expected recording_1700000000000, got %s", first)
	}
	if second != "recording_1700000000001" {
		t.Errorf("Expected recording_1700000000001, got %s", second)
	}
}

func TestKeyGenConcurrentUnique(t *testing.T) {
	g := NewKeyGen()
	seen := make(map[string]bool)

	var mu sync.Mutex
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			key := g.Next()
			mu.Lock()
			seen[key] = true
			mu.Unlock()
		}()
	}
	wg.Wait()

	if len(seen) != 50 {
		t.Errorf("Expected 50 unique keys, got %d", len(seen))
	}
}

func TestSegmentStore(t *testing.T) {
	for name, blobs := range openStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			segments := NewSegmentStore(blobs, NewKeyGen())

			for _, idx := range []int{0, 1, 2} {
				rec, err := segments.Save(ctx, Record{
					SessionID:    "session-a",
					SegmentIndex: idx,
					StartOffset:  float64(idx) * 1200,
					EndOffset:    float64(idx+1) * 1200,
					MimeType:     "audio/webm",
					Data:         bytes.Repeat([]byte{byte(idx)}, idx+1),
				})
				if err != nil {
					t.Fatalf("Save failed: %v", err)
				}
				if rec.Data != nil {
					t.Error("Expected Save to return metadata only")
				}
				if rec.Size != int64(idx+1) {
					t.Errorf("Expected size %d, got %d", idx+1, rec.Size)
				}
			}

			if _, err := segments.Save(ctx, Record{SessionID: "session-b", MimeType: "audio/webm", Data: []byte{7}}); err != nil {
				t.Fatalf("Save failed: %v", err)
			}

			list, err := segments.Segments(ctx, "session-a")
			if err != nil {
				t.Fatalf("Segments failed: %v", err)
			}

			if len(list) != 3 {
				t.Fatalf("Expected 3 segments, got %d", len(list))
			}

			for i, rec := range list {
				if rec.SegmentIndex != i {
					t.Errorf("Expected index %d, got %d", i, rec.SegmentIndex)
				}
			}

			loaded, err := segments.Load(ctx, list[2].Key)
			if err != nil {
				t.Fatalf("Load failed: %v", err)
			}
			if !bytes.Equal(loaded.Data, []byte{2, 2, 2}) {
				t.Errorf("Expected [2 2 2], got %v", loaded.Data)
			}
		})
	}
}

// Package store persists finished recordings. BlobStore is the narrow
// persistence collaborator (put, get, delete, list keys) with SQLite and
// in-memory implementations; SegmentStore records the segments of each
// session under recording keys for later transcription.
package store

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS recordings (
	key TEXT PRIMARY KEY,
	sessionId TEXT NOT NULL,
	segmentIndex INTEGER NOT NULL DEFAULT 0,
	startOffset REAL NOT NULL DEFAULT 0,
	endOffset REAL NOT NULL DEFAULT 0,
	size INTEGER NOT NULL,
	mimeType TEXT NOT NULL,
	createdAt REAL NOT NULL,
	data BLOB NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_recordings_session ON recordings(sessionId, segmentIndex);
`

// SQLiteStore persists records in a SQLite database
type SQLiteStore struct {
	db *sql.DB
}

// OpenSQLite opens or creates the database at path. ":memory:" gives a
// private in-memory database.
func OpenSQLite(path string) (*SQLiteStore, error) {
	dsn := path
	if path != ":memory:" {
		dsn = fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)", path)
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// SQLite allows one writer; a single connection also keeps an
	// in-memory database alive across calls
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}

	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) Put(ctx context.Context, rec Record) error {
	if rec.Key == "" {
		return fmt.Errorf("record key cannot be empty")
	}
	if rec.Data == nil {
		rec.Data = []byte{}
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO recordings (key, sessionId, segmentIndex, startOffset, endOffset, size, mimeType, createdAt, data)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET
			sessionId = excluded.sessionId,
			segmentIndex = excluded.segmentIndex,
			startOffset = excluded.startOffset,
			endOffset = excluded.endOffset,
			size = excluded.size,
			mimeType = excluded.mimeType,
			createdAt = excluded.createdAt,
			data = excluded.data
	`, rec.Key, rec.SessionID, rec.SegmentIndex, rec.StartOffset, rec.EndOffset,
		rec.Size, rec.MimeType, unixFromTime(rec.CreatedAt), rec.Data)
	if err != nil {
		return fmt.Errorf("insert recording %s: %w", rec.Key, err)
	}
	return nil
}

func (s *SQLiteStore) Get(ctx context.Context, key string) (Record, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT key, sessionId, segmentIndex, startOffset, endOffset, size, mimeType, createdAt, data
		FROM recordings
		WHERE key = ?
	`, key)

	var rec Record
	var createdAt float64
	if err := row.Scan(&rec.Key, &rec.SessionID, &rec.SegmentIndex, &rec.StartOffset, &rec.EndOffset,
		&rec.Size, &rec.MimeType, &createdAt, &rec.Data); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Record{}, fmt.Errorf("%s: %w", key, ErrNotFound)
		}
		return Record{}, fmt.Errorf("scan recording: %w", err)
	}
	rec.CreatedAt = timeFromUnix(createdAt)

	return rec, nil
}

func (s *SQLiteStore) Head(ctx context.Context, key string) (Record, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT key, sessionId, segmentIndex, startOffset, endOffset, size, mimeType, createdAt
		FROM recordings
		WHERE key = ?
	`, key)

	var rec Record
	var createdAt float64
	if err := row.Scan(&rec.Key, &rec.SessionID, &rec.SegmentIndex, &rec.StartOffset, &rec.EndOffset,
		&rec.Size, &rec.MimeType, &createdAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Record{}, fmt.Errorf("%s: %w", key, ErrNotFound)
		}
		return Record{}, fmt.Errorf("scan recording: %w", err)
	}
	rec.CreatedAt = timeFromUnix(createdAt)

	return rec, nil
}

func (s *SQLiteStore) Delete(ctx context.Context, key string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM recordings WHERE key = ?`, key); err != nil {
		return fmt.Errorf("delete recording %s: %w", key, err)
	}
	return nil
}

func (s *SQLiteStore) ListKeys(ctx context.Context, prefix string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT key FROM recordings
		WHERE substr(key, 1, ?) = ?
		ORDER BY key ASC
	`, len(prefix), prefix)
	if err != nil {
		return nil, fmt.Errorf("query keys: %w", err)
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			return nil, fmt.Errorf("scan key: %w", err)
		}
		keys = append(keys, key)
	}
	return keys, rows.Err()
}

// SessionKeys returns the keys of a session ordered by segment index
func (s *SQLiteStore) SessionKeys(ctx context.Context, sessionID string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT key FROM recordings
		WHERE sessionId = ?
		ORDER BY segmentIndex ASC
	`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("query session keys: %w", err)
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			return nil, fmt.Errorf("scan key: %w", err)
		}
		keys = append(keys, key)
	}
	return keys, rows.Err()
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func unixFromTime(t time.Time) float64 {
	if t.IsZero() {
		t = time.Now()
	}
	return float64(t.UnixNano()) / 1e9
}

func timeFromUnix(f float64) time.Time {
	sec := int64(f)
	nsec := int64((f - float64(sec)) * 1e9)
	return time.Unix(sec, nsec)
}

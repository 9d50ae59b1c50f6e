// Package store provides the durable local persistence layer for loresync.
//
// Everything the sync layer needs to survive a crash or restart lives here,
// in one embedded SQLite database (WAL mode for concurrent reads):
//
//   - one record per document id holding the raw replicated-document bytes
//   - one-shot staged import payloads written by the import pipeline
//   - one JSON record per project key holding ProjectSyncState
//   - local media objects (binary assets outside the CRDT stream)
//
// The database is always read before any network activity starts, so local
// edits are never blocked on connectivity.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/loreweave/loresync/internal/docid"
	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("record not found")

// Store wraps the embedded SQLite database holding all durable sync state.
type Store struct {
	conn *sql.DB
	path string
}

// MediaObject is a locally stored binary asset.
type MediaObject struct {
	ID       string
	Filename string
	Size     int64
	MimeType string
	Data     []byte
}

// MediaInfo describes a locally stored asset without its payload.
type MediaInfo struct {
	ID       string
	Filename string
	Size     int64
	MimeType string
}

// Open creates or opens the loresync database at the specified path.
//
// The database is opened in embedded mode with WAL for concurrent reads.
// The caller MUST call Close() when done.
func Open(path string) (*Store, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	conn, err := sql.Open("sqlite3", fmt.Sprintf("file:%s", path))
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := conn.Ping(); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	conn.SetMaxOpenConns(10)
	conn.SetMaxIdleConns(2)
	conn.SetConnMaxLifetime(5 * time.Minute)

	s := &Store{conn: conn, path: path}

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
	} {
		if _, err := s.conn.Exec(pragma); err != nil {
			_ = s.Close()
			return nil, fmt.Errorf("failed to apply %q: %w", pragma, err)
		}
	}

	if err := s.initSchema(); err != nil {
		_ = s.Close()
		return nil, err
	}

	return s, nil
}

// Close checkpoints the WAL and closes the database.
func (s *Store) Close() error {
	if s.conn == nil {
		return nil
	}

	if _, err := s.conn.Exec("PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: failed to checkpoint WAL: %v\n", err)
	}

	if err := s.conn.Close(); err != nil {
		return fmt.Errorf("failed to close database: %w", err)
	}
	s.conn = nil
	return nil
}

// Path returns the database file path.
func (s *Store) Path() string {
	return s.path
}

// initSchema creates all tables and indexes. Idempotent.
func (s *Store) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS documents (
		doc_id TEXT PRIMARY KEY,
		state BLOB NOT NULL,
		updated_at TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS staged_imports (
		doc_id TEXT PRIMARY KEY,
		payload BLOB NOT NULL,
		created_at TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS project_sync (
		project_key TEXT PRIMARY KEY,
		state TEXT NOT NULL,  -- ProjectSyncState JSON
		updated_at TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS media (
		project_key TEXT NOT NULL,
		media_id TEXT NOT NULL,
		filename TEXT NOT NULL,
		size INTEGER NOT NULL,
		mime_type TEXT NOT NULL,
		data BLOB NOT NULL,
		updated_at TEXT NOT NULL,
		PRIMARY KEY (project_key, media_id)
	);

	CREATE INDEX IF NOT EXISTS idx_media_project ON media(project_key);
	`

	if _, err := s.conn.Exec(schema); err != nil {
		return fmt.Errorf("failed to initialize schema: %w", err)
	}
	return nil
}

// LoadDocument returns the stored replicated-document bytes for id, or
// ErrNotFound if the document has never been persisted.
func (s *Store) LoadDocument(ctx context.Context, id docid.DocumentID) ([]byte, error) {
	var state []byte
	err := s.conn.QueryRowContext(ctx,
		"SELECT state FROM documents WHERE doc_id = ?", id.String()).Scan(&state)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load document %s: %w", id, err)
	}
	return state, nil
}

// SaveDocument upserts the replicated-document bytes for id.
func (s *Store) SaveDocument(ctx context.Context, id docid.DocumentID, state []byte) error {
	_, err := s.conn.ExecContext(ctx, `
		INSERT INTO documents (doc_id, state, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT(doc_id) DO UPDATE SET
			state = excluded.state,
			updated_at = excluded.updated_at`,
		id.String(), state, time.Now().UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("failed to save document %s: %w", id, err)
	}
	return nil
}

// DeleteDocument removes the stored state for id. Idempotent.
func (s *Store) DeleteDocument(ctx context.Context, id docid.DocumentID) error {
	if _, err := s.conn.ExecContext(ctx,
		"DELETE FROM documents WHERE doc_id = ?", id.String()); err != nil {
		return fmt.Errorf("failed to delete document %s: %w", id, err)
	}
	return nil
}

// StageImport writes a one-shot import payload for id. The payload is
// consumed (and cleared) the first time the document is opened while still
// empty; see StagedImport and ClearStagedImport.
func (s *Store) StageImport(ctx context.Context, id docid.DocumentID, payload []byte) error {
	_, err := s.conn.ExecContext(ctx, `
		INSERT INTO staged_imports (doc_id, payload, created_at)
		VALUES (?, ?, ?)
		ON CONFLICT(doc_id) DO UPDATE SET
			payload = excluded.payload,
			created_at = excluded.created_at`,
		id.String(), payload, time.Now().UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("failed to stage import for %s: %w", id, err)
	}
	return nil
}

// StagedImport returns the staged import payload for id, or ErrNotFound.
func (s *Store) StagedImport(ctx context.Context, id docid.DocumentID) ([]byte, error) {
	var payload []byte
	err := s.conn.QueryRowContext(ctx,
		"SELECT payload FROM staged_imports WHERE doc_id = ?", id.String()).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load staged import for %s: %w", id, err)
	}
	return payload, nil
}

// ClearStagedImport removes the staged import payload for id. Idempotent.
func (s *Store) ClearStagedImport(ctx context.Context, id docid.DocumentID) error {
	if _, err := s.conn.ExecContext(ctx,
		"DELETE FROM staged_imports WHERE doc_id = ?", id.String()); err != nil {
		return fmt.Errorf("failed to clear staged import for %s: %w", id, err)
	}
	return nil
}

// LoadProjectState returns the ProjectSyncState JSON for key, or ErrNotFound.
func (s *Store) LoadProjectState(ctx context.Context, key docid.ProjectKey) ([]byte, error) {
	var state []byte
	err := s.conn.QueryRowContext(ctx,
		"SELECT state FROM project_sync WHERE project_key = ?", key.String()).Scan(&state)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load project state %s: %w", key, err)
	}
	return state, nil
}

// SaveProjectState upserts the ProjectSyncState JSON for key.
func (s *Store) SaveProjectState(ctx context.Context, key docid.ProjectKey, state []byte) error {
	_, err := s.conn.ExecContext(ctx, `
		INSERT INTO project_sync (project_key, state, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT(project_key) DO UPDATE SET
			state = excluded.state,
			updated_at = excluded.updated_at`,
		key.String(), state, time.Now().UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("failed to save project state %s: %w", key, err)
	}
	return nil
}

// ListProjectKeys returns every project key with persisted sync state.
func (s *Store) ListProjectKeys(ctx context.Context) ([]docid.ProjectKey, error) {
	rows, err := s.conn.QueryContext(ctx, "SELECT project_key FROM project_sync ORDER BY project_key")
	if err != nil {
		return nil, fmt.Errorf("failed to list project keys: %w", err)
	}
	defer rows.Close()

	var keys []docid.ProjectKey
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, fmt.Errorf("failed to scan project key: %w", err)
		}
		key, err := docid.ParseProjectKey(raw)
		if err != nil {
			// Skip rows written by a newer/older version rather than
			// failing the whole listing.
			continue
		}
		keys = append(keys, key)
	}
	return keys, rows.Err()
}

// PutMedia upserts a local media object for the project.
func (s *Store) PutMedia(ctx context.Context, key docid.ProjectKey, obj MediaObject) error {
	_, err := s.conn.ExecContext(ctx, `
		INSERT INTO media (project_key, media_id, filename, size, mime_type, data, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(project_key, media_id) DO UPDATE SET
			filename = excluded.filename,
			size = excluded.size,
			mime_type = excluded.mime_type,
			data = excluded.data,
			updated_at = excluded.updated_at`,
		key.String(), obj.ID, obj.Filename, obj.Size, obj.MimeType, obj.Data,
		time.Now().UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("failed to store media %s/%s: %w", key, obj.ID, err)
	}
	return nil
}

// GetMedia returns a local media object including its payload, or ErrNotFound.
func (s *Store) GetMedia(ctx context.Context, key docid.ProjectKey, mediaID string) (*MediaObject, error) {
	obj := &MediaObject{ID: mediaID}
	err := s.conn.QueryRowContext(ctx, `
		SELECT filename, size, mime_type, data FROM media
		WHERE project_key = ? AND media_id = ?`,
		key.String(), mediaID).Scan(&obj.Filename, &obj.Size, &obj.MimeType, &obj.Data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load media %s/%s: %w", key, mediaID, err)
	}
	return obj, nil
}

// ListMedia returns metadata for every local media object in the project.
func (s *Store) ListMedia(ctx context.Context, key docid.ProjectKey) ([]MediaInfo, error) {
	rows, err := s.conn.QueryContext(ctx, `
		SELECT media_id, filename, size, mime_type FROM media
		WHERE project_key = ? ORDER BY media_id`, key.String())
	if err != nil {
		return nil, fmt.Errorf("failed to list media for %s: %w", key, err)
	}
	defer rows.Close()

	var items []MediaInfo
	for rows.Next() {
		var info MediaInfo
		if err := rows.Scan(&info.ID, &info.Filename, &info.Size, &info.MimeType); err != nil {
			return nil, fmt.Errorf("failed to scan media row: %w", err)
		}
		items = append(items, info)
	}
	return items, rows.Err()
}

// DeleteMedia removes a local media object. Idempotent.
func (s *Store) DeleteMedia(ctx context.Context, key docid.ProjectKey, mediaID string) error {
	if _, err := s.conn.ExecContext(ctx, `
		DELETE FROM media WHERE project_key = ? AND media_id = ?`,
		key.String(), mediaID); err != nil {
		return fmt.Errorf("failed to delete media %s/%s: %w", key, mediaID, err)
	}
	return nil
}

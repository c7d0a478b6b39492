// Package convstore is the SQLite-backed persistence layer for conversation
// snapshots.
//
// One conversation identifier maps to a sequence of versioned snapshots. Save
// appends a new version inside a transaction, so a failed write can never
// corrupt the previously stored snapshot and a reader never observes a
// half-written state. The store does not serialize concurrent stages for the
// same conversation — the orchestrator's per-conversation actor owns that.
package convstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// ErrNotFound is returned by Load when no snapshot exists for the id.
var ErrNotFound = errors.New("conversation not found")

type Store struct {
	db *sql.DB
}

func Open(path string) (*Store, error) {
	p := filepath.Clean(strings.TrimSpace(path))
	if p == "" {
		return nil, errors.New("missing db path")
	}
	if err := os.MkdirAll(filepath.Dir(p), 0o700); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", p)
	if err != nil {
		return nil, err
	}
	if err := initSchema(db); err != nil {
		_ = db.Close()
		return nil, err
	}

	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func initSchema(db *sql.DB) error {
	stmts := []string{
		`PRAGMA journal_mode=WAL;`,
		`CREATE TABLE IF NOT EXISTS snapshots (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			conversation_id TEXT NOT NULL,
			version INTEGER NOT NULL,
			stage TEXT NOT NULL,
			snapshot_json TEXT NOT NULL,
			created_at_unix_ms INTEGER NOT NULL,
			UNIQUE(conversation_id, version)
		);`,
		`CREATE INDEX IF NOT EXISTS idx_snapshots_conv ON snapshots(conversation_id, version DESC);`,
	}
	for _, q := range stmts {
		if _, err := db.Exec(q); err != nil {
			return fmt.Errorf("init schema: %w", err)
		}
	}
	return nil
}

// Snapshot is one persisted conversation state version.
type Snapshot struct {
	ConversationID  string          `json:"conversation_id"`
	Version         int64           `json:"version"`
	Stage           string          `json:"stage"`
	State           json.RawMessage `json:"state"`
	CreatedAtUnixMs int64           `json:"created_at_unix_ms"`
}

// Save appends a new snapshot version and returns it. The stage column is
// denormalized out of the state payload so listings do not have to parse
// every snapshot.
func (s *Store) Save(ctx context.Context, conversationID string, stage string, state json.RawMessage) (int64, error) {
	if s == nil || s.db == nil {
		return 0, errors.New("store not initialized")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	conversationID = strings.TrimSpace(conversationID)
	stage = strings.TrimSpace(stage)
	if conversationID == "" || stage == "" {
		return 0, errors.New("invalid request")
	}
	if len(state) == 0 || !json.Valid(state) {
		return 0, errors.New("snapshot is not valid JSON")
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer func() { _ = tx.Rollback() }()

	var latest sql.NullInt64
	err = tx.QueryRowContext(ctx,
		`SELECT MAX(version) FROM snapshots WHERE conversation_id = ?`, conversationID,
	).Scan(&latest)
	if err != nil {
		return 0, err
	}
	version := int64(1)
	if latest.Valid {
		version = latest.Int64 + 1
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO snapshots (conversation_id, version, stage, snapshot_json, created_at_unix_ms)
		 VALUES (?, ?, ?, ?, ?)`,
		conversationID, version, stage, string(state), time.Now().UnixMilli(),
	)
	if err != nil {
		return 0, err
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return version, nil
}

// Load returns the most recent successfully saved snapshot for the id.
func (s *Store) Load(ctx context.Context, conversationID string) (*Snapshot, error) {
	if s == nil || s.db == nil {
		return nil, errors.New("store not initialized")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	conversationID = strings.TrimSpace(conversationID)
	if conversationID == "" {
		return nil, errors.New("invalid request")
	}

	row := s.db.QueryRowContext(ctx,
		`SELECT conversation_id, version, stage, snapshot_json, created_at_unix_ms
		 FROM snapshots WHERE conversation_id = ?
		 ORDER BY version DESC LIMIT 1`, conversationID)

	var snap Snapshot
	var stateJSON string
	err := row.Scan(&snap.ConversationID, &snap.Version, &snap.Stage, &stateJSON, &snap.CreatedAtUnixMs)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	snap.State = json.RawMessage(stateJSON)
	return &snap, nil
}

// ListEntry is a conversation listing row (latest version only).
type ListEntry struct {
	ConversationID  string `json:"conversation_id"`
	Version         int64  `json:"version"`
	Stage           string `json:"stage"`
	UpdatedAtUnixMs int64  `json:"updated_at_unix_ms"`
}

// List returns every known conversation at its latest version, most recently
// updated first.
func (s *Store) List(ctx context.Context) ([]ListEntry, error) {
	if s == nil || s.db == nil {
		return nil, errors.New("store not initialized")
	}
	if ctx == nil {
		ctx = context.Background()
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT s.conversation_id, s.version, s.stage, s.created_at_unix_ms
		 FROM snapshots s
		 JOIN (SELECT conversation_id, MAX(version) AS v FROM snapshots GROUP BY conversation_id) m
		   ON s.conversation_id = m.conversation_id AND s.version = m.v
		 ORDER BY s.created_at_unix_ms DESC`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []ListEntry
	for rows.Next() {
		var e ListEntry
		if err := rows.Scan(&e.ConversationID, &e.Version, &e.Stage, &e.UpdatedAtUnixMs); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// Delete removes every snapshot version for the id.
func (s *Store) Delete(ctx context.Context, conversationID string) error {
	if s == nil || s.db == nil {
		return errors.New("store not initialized")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	conversationID = strings.TrimSpace(conversationID)
	if conversationID == "" {
		return errors.New("invalid request")
	}
	_, err := s.db.ExecContext(ctx, `DELETE FROM snapshots WHERE conversation_id = ?`, conversationID)
	return err
}

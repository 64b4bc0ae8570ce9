// Package store is a typed facade over FamilyCom's persistent embedded
// relational store: settings, peers, and messages. It mirrors the shape of
// the teacher's generic database wrapper but exposes FamilyCom's own
// domain operations directly instead of a generic table API.
package store

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	_ "modernc.org/sqlite"

	"github.com/familycom/familycom/internal/types"
)

// ErrDuplicateMessage is returned by SaveMessage when a message with the
// same identity already exists.
var ErrDuplicateMessage = errors.New("store: message identity already exists")

// ErrInvalidDirection is returned by SaveMessage when direction is neither
// "sent" nor "received".
var ErrInvalidDirection = errors.New("store: invalid message direction")

// Store wraps a SQLite database holding FamilyCom's settings, peers, and
// messages tables.
type Store struct {
	db   *sql.DB
	path string
	mu   sync.RWMutex
}

// Open opens or creates the database file under dir, enabling write-ahead
// journaling, and ensures the FamilyCom schema exists.
func Open(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("store: create data dir: %w", err)
	}
	dbPath := filepath.Join(dir, "familycom.db")

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("store: open database: %w", err)
	}

	if _, err := db.Exec(`
		PRAGMA foreign_keys = ON;
		PRAGMA journal_mode = WAL;
		PRAGMA busy_timeout = 5000;
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: configure database: %w", err)
	}

	if err := migrate(db); err != nil {
		db.Close()
		return nil, err
	}

	return &Store{db: db, path: dbPath}, nil
}

func migrate(db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS config (
			key   TEXT PRIMARY KEY,
			value TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS peers (
			id           TEXT PRIMARY KEY,
			display_name TEXT NOT NULL,
			last_seen_at INTEGER NOT NULL,
			addresses    TEXT NOT NULL DEFAULT '[]'
		)`,
		`CREATE TABLE IF NOT EXISTS messages (
			id         TEXT PRIMARY KEY,
			peer_id    TEXT NOT NULL REFERENCES peers(id),
			direction  TEXT NOT NULL CHECK (direction IN ('sent', 'received')),
			content    TEXT NOT NULL,
			timestamp  INTEGER NOT NULL,
			delivered  INTEGER NOT NULL DEFAULT 0
		)`,
		`CREATE INDEX IF NOT EXISTS idx_messages_peer_ts ON messages(peer_id, timestamp DESC)`,
		`CREATE INDEX IF NOT EXISTS idx_messages_ts ON messages(timestamp DESC)`,
	}
	for _, s := range stmts {
		if _, err := db.Exec(s); err != nil {
			return fmt.Errorf("store: migrate: %w", err)
		}
	}
	return nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Path returns the database file's path on disk.
func (s *Store) Path() string {
	return s.path
}

// GetSetting returns the value for key, or ok=false if unset.
func (s *Store) GetSetting(key string) (value string, ok bool, err error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	err = s.db.QueryRow(`SELECT value FROM config WHERE key = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("store: get setting: %w", err)
	}
	return value, true, nil
}

// SetSetting idempotently stores value under key.
func (s *Store) SetSetting(key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.Exec(`
		INSERT INTO config (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value`,
		key, value)
	if err != nil {
		return fmt.Errorf("store: set setting: %w", err)
	}
	return nil
}

// UpsertPeer inserts or replaces a peer record by identity. Addresses are
// persisted in an order-preserving JSON-encoded form.
func (s *Store) UpsertPeer(p types.PeerRecord) error {
	addrs, err := json.Marshal(p.Addresses)
	if err != nil {
		return fmt.Errorf("store: encode addresses: %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err = s.db.Exec(`
		INSERT INTO peers (id, display_name, last_seen_at, addresses)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			display_name = excluded.display_name,
			last_seen_at = excluded.last_seen_at,
			addresses    = excluded.addresses`,
		string(p.Identity), p.DisplayName, int64(p.LastSeenAt), string(addrs),
	)
	if err != nil {
		return fmt.Errorf("store: upsert peer: %w", err)
	}
	return nil
}

// GetPeers returns every known peer, ordered by display name. Online is
// always false; the caller merges liveness in from OnlineSet.
func (s *Store) GetPeers() ([]types.PeerRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rows, err := s.db.Query(`
		SELECT id, display_name, last_seen_at, addresses
		FROM peers ORDER BY display_name ASC`)
	if err != nil {
		return nil, fmt.Errorf("store: get peers: %w", err)
	}
	defer rows.Close()

	var out []types.PeerRecord
	for rows.Next() {
		var id, name, addrsJSON string
		var lastSeen int64
		if err := rows.Scan(&id, &name, &lastSeen, &addrsJSON); err != nil {
			return nil, fmt.Errorf("store: scan peer: %w", err)
		}
		var addrs []string
		_ = json.Unmarshal([]byte(addrsJSON), &addrs)
		out = append(out, types.PeerRecord{
			Identity:    types.PeerIdentity(id),
			DisplayName: name,
			Addresses:   addrs,
			LastSeenAt:  types.Timestamp(lastSeen),
			Online:      false,
		})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: get peers: %w", err)
	}
	return out, nil
}

// GetPeer returns a single peer by identity, or ok=false if unknown.
func (s *Store) GetPeer(id types.PeerIdentity) (rec types.PeerRecord, ok bool, err error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var name, addrsJSON string
	var lastSeen int64
	err = s.db.QueryRow(`
		SELECT display_name, last_seen_at, addresses FROM peers WHERE id = ?`, string(id)).
		Scan(&name, &lastSeen, &addrsJSON)
	if errors.Is(err, sql.ErrNoRows) {
		return types.PeerRecord{}, false, nil
	}
	if err != nil {
		return types.PeerRecord{}, false, fmt.Errorf("store: get peer: %w", err)
	}
	var addrs []string
	_ = json.Unmarshal([]byte(addrsJSON), &addrs)
	return types.PeerRecord{
		Identity:    id,
		DisplayName: name,
		Addresses:   addrs,
		LastSeenAt:  types.Timestamp(lastSeen),
	}, true, nil
}

// SaveMessage inserts a message. A duplicate identity returns
// ErrDuplicateMessage distinctly so callers can detect at-least-once
// retransmission; an unrecognized direction returns ErrInvalidDirection.
func (s *Store) SaveMessage(m types.MessageRecord) error {
	if !m.Direction.Valid() {
		return ErrInvalidDirection
	}
	delivered := 0
	if m.Delivered {
		delivered = 1
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.Exec(`
		INSERT INTO messages (id, peer_id, direction, content, timestamp, delivered)
		VALUES (?, ?, ?, ?, ?, ?)`,
		string(m.Identity), string(m.PeerIdentity), string(m.Direction), m.Content, int64(m.Timestamp), delivered,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicateMessage
		}
		return fmt.Errorf("store: save message: %w", err)
	}
	return nil
}

// GetMessages returns messages with peer, newest-first, bounded by limit.
// If before is non-nil, only messages strictly older than *before are
// returned.
func (s *Store) GetMessages(peer types.PeerIdentity, limit int, before *types.Timestamp) ([]types.MessageRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	query := `
		SELECT id, peer_id, direction, content, timestamp, delivered
		FROM messages WHERE peer_id = ?`
	args := []interface{}{string(peer)}
	if before != nil {
		query += ` AND timestamp < ?`
		args = append(args, int64(*before))
	}
	query += ` ORDER BY timestamp DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("store: get messages: %w", err)
	}
	defer rows.Close()

	var out []types.MessageRecord
	for rows.Next() {
		var id, peerID, direction, content string
		var ts int64
		var delivered int
		if err := rows.Scan(&id, &peerID, &direction, &content, &ts, &delivered); err != nil {
			return nil, fmt.Errorf("store: scan message: %w", err)
		}
		out = append(out, types.MessageRecord{
			Identity:     types.MessageIdentity(id),
			PeerIdentity: types.PeerIdentity(peerID),
			Direction:    types.Direction(direction),
			Content:      content,
			Timestamp:    types.Timestamp(ts),
			Delivered:    delivered != 0,
		})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: get messages: %w", err)
	}
	return out, nil
}

// MarkDelivered idempotently marks a message delivered. It reports whether
// a row was actually changed (false if already delivered or unknown).
func (s *Store) MarkDelivered(id types.MessageIdentity) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	res, err := s.db.Exec(`UPDATE messages SET delivered = 1 WHERE id = ? AND delivered = 0`, string(id))
	if err != nil {
		return false, fmt.Errorf("store: mark delivered: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("store: mark delivered: %w", err)
	}
	return n > 0, nil
}

// UnreadCount returns the number of received, undelivered messages with peer.
func (s *Store) UnreadCount(peer types.PeerIdentity) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var n int
	err := s.db.QueryRow(`
		SELECT COUNT(*) FROM messages
		WHERE peer_id = ? AND direction = 'received' AND delivered = 0`,
		string(peer)).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("store: unread count: %w", err)
	}
	return n, nil
}

func isUniqueViolation(err error) bool {
	// modernc.org/sqlite reports constraint violations as *sqlite.Error
	// whose message contains "UNIQUE constraint failed"; matching on the
	// message avoids importing the driver's internal error type.
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

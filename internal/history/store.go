// Package history provides PostgreSQL-backed, insert-only storage for
// completed pairings. The archive is written best-effort from the match
// success path and read by operators and the history API.
package history

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "github.com/lib/pq"
)

// Match is one completed pairing as persisted.
type Match struct {
	ID        string    `json:"id"`
	UserA     string    `json:"user_a"`
	UserB     string    `json:"user_b"`
	Mode      string    `json:"mode"`
	RoomURL   string    `json:"room_url"`
	MatchedAt time.Time `json:"matched_at"`
}

// Store manages the match archive in PostgreSQL.
type Store struct {
	db *sql.DB
}

// Open connects to PostgreSQL with the given DSN and verifies the connection.
func Open(dsn string) (*Store, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("history: open: %w", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("history: ping: %w", err)
	}
	return &Store{db: db}, nil
}

// NewStore creates a store backed by an existing database handle.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// RecordMatch inserts a completed pairing into the archive.
func (s *Store) RecordMatch(ctx context.Context, userA, userB, mode, roomURL string, matchedAt time.Time) error {
	const query = `
		INSERT INTO match_history (id, user_a, user_b, mode, room_url, matched_at)
		VALUES ($1, $2, $3, $4, $5, $6)`

	_, err := s.db.ExecContext(ctx, query,
		uuid.New().String(),
		userA,
		userB,
		mode,
		roomURL,
		matchedAt,
	)
	if err != nil {
		return fmt.Errorf("history: insert: %w", err)
	}
	return nil
}

// RecentForUser returns a user's most recent pairings, newest first.
func (s *Store) RecentForUser(ctx context.Context, userID string, limit int) ([]Match, error) {
	const query = `
		SELECT id, user_a, user_b, mode, room_url, matched_at
		FROM match_history
		WHERE user_a = $1 OR user_b = $1
		ORDER BY matched_at DESC
		LIMIT $2`

	rows, err := s.db.QueryContext(ctx, query, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("history: query recent: %w", err)
	}
	defer rows.Close()

	var matches []Match
	for rows.Next() {
		var m Match
		if err := rows.Scan(&m.ID, &m.UserA, &m.UserB, &m.Mode, &m.RoomURL, &m.MatchedAt); err != nil {
			return nil, fmt.Errorf("history: scan: %w", err)
		}
		matches = append(matches, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("history: rows: %w", err)
	}
	return matches, nil
}

// Close closes the database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

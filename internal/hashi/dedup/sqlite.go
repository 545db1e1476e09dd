package dedup

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// SQLite is a Deduplicator on the processed_events table. The primary key on
// event_id makes Claim atomic across processes sharing the database.
type SQLite struct {
	db  *sql.DB
	now func() time.Time
}

// NewSQLite returns a SQLite deduplicator using db.
func NewSQLite(db *sql.DB) *SQLite {
	return &SQLite{db: db, now: time.Now}
}

func (s *SQLite) Has(ctx context.Context, eventID string) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx,
		"SELECT 1 FROM processed_events WHERE event_id = ?", eventID).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("dedup sqlite: lookup: %w", err)
	}
	return true, nil
}

func (s *SQLite) Mark(ctx context.Context, eventID, content string) error {
	_, err := s.Claim(ctx, eventID, content)
	return err
}

func (s *SQLite) Claim(ctx context.Context, eventID, content string) (bool, error) {
	if eventID == "" {
		return false, ErrEmptyEventID
	}
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO processed_events (event_id, content, created_at)
		VALUES (?, ?, ?)
		ON CONFLICT(event_id) DO NOTHING`,
		eventID, content, s.now().UnixNano(),
	)
	if err != nil {
		return false, fmt.Errorf("dedup sqlite: claim: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("dedup sqlite: rows affected: %w", err)
	}
	return n == 1, nil
}

// Prune forgets events claimed before the cutoff and returns how many were
// removed.
func (s *SQLite) Prune(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		"DELETE FROM processed_events WHERE created_at < ?", before.UnixNano())
	if err != nil {
		return 0, fmt.Errorf("dedup sqlite: prune: %w", err)
	}
	return res.RowsAffected()
}

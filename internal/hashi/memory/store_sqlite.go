package memory

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"strings"
	"time"
)

// SQLiteStore implements Store on the turns table created by the store
// package migrations. Rows are ordered by created_at and then by the
// autoincrement seq column, which preserves insertion order on ties.
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewSQLiteStore creates a SQLiteStore backed by db. If logger is nil, the
// default slog logger is used.
func NewSQLiteStore(db *sql.DB, logger *slog.Logger) *SQLiteStore {
	if logger == nil {
		logger = slog.Default()
	}
	return &SQLiteStore{db: db, logger: logger}
}

func (s *SQLiteStore) Append(ctx context.Context, turn Turn) error {
	if turn.SessionID == "" {
		return ErrEmptySession
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO turns (id, session_id, question, answer, size, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		turn.ID, turn.SessionID, turn.Question, turn.Answer, turn.Size, turn.CreatedAt.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("memory sqlite: insert turn: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Turns(ctx context.Context, sessionID string) ([]Turn, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, session_id, question, answer, size, created_at
		FROM turns
		WHERE session_id = ?
		ORDER BY created_at ASC, seq ASC`,
		sessionID,
	)
	if err != nil {
		return nil, fmt.Errorf("memory sqlite: query turns: %w", err)
	}
	defer rows.Close()

	var out []Turn
	for rows.Next() {
		var (
			t  Turn
			ns int64
		)
		if err := rows.Scan(&t.ID, &t.SessionID, &t.Question, &t.Answer, &t.Size, &ns); err != nil {
			return nil, fmt.Errorf("memory sqlite: scan turn: %w", err)
		}
		t.CreatedAt = time.Unix(0, ns)
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("memory sqlite: iterate turns: %w", err)
	}
	return out, nil
}

func (s *SQLiteStore) Delete(ctx context.Context, sessionID string, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	args := make([]any, 0, len(ids)+1)
	args = append(args, sessionID)
	for _, id := range ids {
		args = append(args, id)
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(ids)), ",")

	res, err := s.db.ExecContext(ctx,
		"DELETE FROM turns WHERE session_id = ? AND id IN ("+placeholders+")", args...)
	if err != nil {
		return fmt.Errorf("memory sqlite: delete turns: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil {
		s.logger.Debug("memory sqlite: deleted turns", "session_id", sessionID, "rows", n)
	}
	return nil
}

func (s *SQLiteStore) Clear(ctx context.Context, sessionID string) (int, error) {
	res, err := s.db.ExecContext(ctx, "DELETE FROM turns WHERE session_id = ?", sessionID)
	if err != nil {
		return 0, fmt.Errorf("memory sqlite: clear session: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("memory sqlite: rows affected: %w", err)
	}
	return int(n), nil
}

func (s *SQLiteStore) SessionCount(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(DISTINCT session_id) FROM turns").Scan(&n); err != nil {
		return 0, fmt.Errorf("memory sqlite: count sessions: %w", err)
	}
	return n, nil
}

package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// WatermarkStore persists the last fully delivered poll time per
// (chat, repository) pair. Timestamps are stored as unix seconds.
type WatermarkStore struct {
	db *Database
}

// NewWatermarkStore creates a new watermark store.
func NewWatermarkStore(db *Database) *WatermarkStore {
	return &WatermarkStore{db: db}
}

// Get returns the watermark of a pair. The bool is false when the pair has
// never been polled.
func (s *WatermarkStore) Get(ctx context.Context, chatID int64, repoFullName string) (time.Time, bool, error) {
	var unix int64
	err := s.db.GetContext(ctx, &unix,
		`SELECT last_poll_time FROM poller_states WHERE chat_id = ? AND repository_full_name = ?`,
		chatID, repoFullName)
	if errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, fmt.Errorf("get watermark: %w", err)
	}
	return time.Unix(unix, 0).UTC(), true, nil
}

// Commit advances the watermark of a pair to t. The stored value never moves
// backwards, and nothing is written when the chat no longer subscribes to the
// repository. It reports whether a row was written.
func (s *WatermarkStore) Commit(ctx context.Context, chatID int64, repoFullName string, t time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO poller_states (chat_id, repository_full_name, last_poll_time)
		SELECT chat_id, name_with_owner, ?
		FROM repositories
		WHERE chat_id = ? AND name_with_owner = ?
		ON CONFLICT (chat_id, repository_full_name)
		DO UPDATE SET last_poll_time = MAX(last_poll_time, excluded.last_poll_time)
	`, t.Unix(), chatID, repoFullName)
	if err != nil {
		return false, fmt.Errorf("commit watermark: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rows affected: %w", err)
	}
	return rows > 0, nil
}

// ListByChat returns every watermark of a chat keyed by repository.
func (s *WatermarkStore) ListByChat(ctx context.Context, chatID int64) (map[string]time.Time, error) {
	var rows []struct {
		Repo     string `db:"repository_full_name"`
		LastPoll int64  `db:"last_poll_time"`
	}
	err := s.db.SelectContext(ctx, &rows,
		`SELECT repository_full_name, last_poll_time FROM poller_states WHERE chat_id = ?`, chatID)
	if err != nil {
		return nil, fmt.Errorf("list watermarks: %w", err)
	}

	out := make(map[string]time.Time, len(rows))
	for _, r := range rows {
		out[r.Repo] = time.Unix(r.LastPoll, 0).UTC()
	}
	return out, nil
}

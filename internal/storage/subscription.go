package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/mattn/go-sqlite3"
)

const subscriptionColumns = `id, chat_id, owner, name, name_with_owner, tracked_labels, created_at`

// Limits are the per-chat quotas enforced by SubscriptionStore.
type Limits struct {
	MaxReposPerUser  int
	MaxLabelsPerRepo int
}

// SubscriptionStore handles subscription-related database operations.
type SubscriptionStore struct {
	db     *Database
	limits Limits
}

// NewSubscriptionStore creates a new subscription store.
func NewSubscriptionStore(db *Database, limits Limits) *SubscriptionStore {
	return &SubscriptionStore{db: db, limits: limits}
}

// Limits returns the quotas enforced by the store.
func (s *SubscriptionStore) Limits() Limits {
	return s.limits
}

// Add subscribes a chat to a repository with the given tracked labels.
// The caller is expected to have verified that the repository exists.
func (s *SubscriptionStore) Add(ctx context.Context, chatID int64, owner, name string, labels []string) (*Subscription, error) {
	tracked := NormalizeLabels(labels)
	if err := s.checkLabelQuota(tracked); err != nil {
		return nil, err
	}

	sub := Subscription{
		ChatID:        chatID,
		Owner:         owner,
		Name:          name,
		NameWithOwner: owner + "/" + name,
		TrackedLabels: tracked,
	}

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var exists int
	err = tx.GetContext(ctx, &exists,
		`SELECT COUNT(*) FROM repositories WHERE chat_id = ? AND name_with_owner = ?`,
		chatID, sub.NameWithOwner)
	if err != nil {
		return nil, fmt.Errorf("check existing subscription: %w", err)
	}
	if exists > 0 {
		return nil, ErrAlreadyTracked
	}

	var count int
	if err := tx.GetContext(ctx, &count, `SELECT COUNT(*) FROM repositories WHERE chat_id = ?`, chatID); err != nil {
		return nil, fmt.Errorf("count subscriptions: %w", err)
	}
	if s.limits.MaxReposPerUser > 0 && count >= s.limits.MaxReposPerUser {
		return nil, ErrQuotaExceeded
	}

	// A leftover bookmark must not leak into the new subscription.
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM poller_states WHERE chat_id = ? AND repository_full_name = ?`,
		chatID, sub.NameWithOwner); err != nil {
		return nil, fmt.Errorf("clear watermark: %w", err)
	}

	res, err := tx.ExecContext(ctx,
		`INSERT INTO repositories (chat_id, owner, name, name_with_owner, tracked_labels)
		 VALUES (?, ?, ?, ?, ?)`,
		chatID, sub.Owner, sub.Name, sub.NameWithOwner, sub.TrackedLabels)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, ErrAlreadyTracked
		}
		return nil, fmt.Errorf("insert subscription: %w", err)
	}
	if sub.ID, err = res.LastInsertId(); err != nil {
		return nil, fmt.Errorf("last insert id: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}
	return &sub, nil
}

// Remove deletes a subscription together with its watermark. Removing a
// subscription that does not exist is not an error; the returned bool reports
// whether anything was deleted.
func (s *SubscriptionStore) Remove(ctx context.Context, chatID int64, nameWithOwner string) (bool, error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM poller_states WHERE chat_id = ? AND repository_full_name = ?`,
		chatID, nameWithOwner); err != nil {
		return false, fmt.Errorf("delete watermark: %w", err)
	}

	res, err := tx.ExecContext(ctx,
		`DELETE FROM repositories WHERE chat_id = ? AND name_with_owner = ?`,
		chatID, nameWithOwner)
	if err != nil {
		return false, fmt.Errorf("delete subscription: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rows affected: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("commit: %w", err)
	}
	return rows > 0, nil
}

// List returns all subscriptions of a chat.
func (s *SubscriptionStore) List(ctx context.Context, chatID int64) ([]Subscription, error) {
	subs := []Subscription{}
	query := `SELECT ` + subscriptionColumns + ` FROM repositories WHERE chat_id = ? ORDER BY name_with_owner`
	if err := s.db.SelectContext(ctx, &subs, query, chatID); err != nil {
		return nil, fmt.Errorf("list subscriptions: %w", err)
	}
	return subs, nil
}

// Get returns a specific subscription.
func (s *SubscriptionStore) Get(ctx context.Context, chatID int64, nameWithOwner string) (*Subscription, error) {
	var sub Subscription
	query := `SELECT ` + subscriptionColumns + ` FROM repositories WHERE chat_id = ? AND name_with_owner = ?`
	err := s.db.GetContext(ctx, &sub, query, chatID, nameWithOwner)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrSubscriptionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get subscription: %w", err)
	}
	return &sub, nil
}

// SetLabels replaces the tracked labels of a subscription.
func (s *SubscriptionStore) SetLabels(ctx context.Context, chatID int64, nameWithOwner string, labels []string) error {
	tracked := NormalizeLabels(labels)
	if err := s.checkLabelQuota(tracked); err != nil {
		return err
	}

	res, err := s.db.ExecContext(ctx,
		`UPDATE repositories SET tracked_labels = ? WHERE chat_id = ? AND name_with_owner = ?`,
		tracked, chatID, nameWithOwner)
	if err != nil {
		return fmt.Errorf("update labels: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if rows == 0 {
		return ErrSubscriptionNotFound
	}
	return nil
}

// ToggleLabel adds the label when it is not tracked and removes it otherwise.
// It returns true when the label ends up tracked. The label quota is only
// enforced when adding.
func (s *SubscriptionStore) ToggleLabel(ctx context.Context, chatID int64, nameWithOwner, label string) (bool, error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var current Labels
	err = tx.GetContext(ctx, &current,
		`SELECT tracked_labels FROM repositories WHERE chat_id = ? AND name_with_owner = ?`,
		chatID, nameWithOwner)
	if errors.Is(err, sql.ErrNoRows) {
		return false, ErrSubscriptionNotFound
	}
	if err != nil {
		return false, fmt.Errorf("get labels: %w", err)
	}

	var next Labels
	selected := !current.Contains(label)
	if selected {
		next = NormalizeLabels(append(append([]string{}, current...), label))
		if err := s.checkLabelQuota(next); err != nil {
			return false, err
		}
	} else {
		for _, l := range current {
			if !Labels([]string{label}).Contains(l) {
				next = append(next, l)
			}
		}
		next = NormalizeLabels(next)
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE repositories SET tracked_labels = ? WHERE chat_id = ? AND name_with_owner = ?`,
		next, chatID, nameWithOwner); err != nil {
		return false, fmt.Errorf("update labels: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("commit: %w", err)
	}
	return selected, nil
}

// ListDistinctRepositories returns every repository with at least one subscriber.
func (s *SubscriptionStore) ListDistinctRepositories(ctx context.Context) ([]Repository, error) {
	repos := []Repository{}
	query := `
		SELECT MIN(owner) AS owner, MIN(name) AS name, MIN(name_with_owner) AS name_with_owner
		FROM repositories
		GROUP BY name_with_owner
		ORDER BY name_with_owner
	`
	if err := s.db.SelectContext(ctx, &repos, query); err != nil {
		return nil, fmt.Errorf("list distinct repositories: %w", err)
	}
	return repos, nil
}

// ListByRepository returns all subscriptions for a repository.
func (s *SubscriptionStore) ListByRepository(ctx context.Context, nameWithOwner string) ([]Subscription, error) {
	subs := []Subscription{}
	query := `SELECT ` + subscriptionColumns + ` FROM repositories WHERE name_with_owner = ? ORDER BY chat_id`
	if err := s.db.SelectContext(ctx, &subs, query, nameWithOwner); err != nil {
		return nil, fmt.Errorf("list subscriptions by repository: %w", err)
	}
	return subs, nil
}

// CountByChat returns the number of repositories a chat tracks.
func (s *SubscriptionStore) CountByChat(ctx context.Context, chatID int64) (int, error) {
	var count int
	if err := s.db.GetContext(ctx, &count, `SELECT COUNT(*) FROM repositories WHERE chat_id = ?`, chatID); err != nil {
		return 0, fmt.Errorf("count subscriptions: %w", err)
	}
	return count, nil
}

// Stats returns global subscription counts.
func (s *SubscriptionStore) Stats(ctx context.Context) (Stats, error) {
	var st Stats
	query := `
		SELECT COUNT(*) AS subscriptions,
		       COUNT(DISTINCT name_with_owner) AS repositories,
		       COUNT(DISTINCT chat_id) AS chats
		FROM repositories
	`
	if err := s.db.GetContext(ctx, &st, query); err != nil {
		return Stats{}, fmt.Errorf("subscription stats: %w", err)
	}
	return st, nil
}

func (s *SubscriptionStore) checkLabelQuota(labels Labels) error {
	if s.limits.MaxLabelsPerRepo > 0 && len(labels) > s.limits.MaxLabelsPerRepo {
		return ErrLabelQuotaExceeded
	}
	return nil
}

func isUniqueViolation(err error) bool {
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique
	}
	return false
}

// Package storage provides database operations and data models.
package storage

import (
	"database/sql/driver"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"
)

// Repository identifies a GitHub repository as known to the issue source.
type Repository struct {
	Owner         string `db:"owner"`
	Name          string `db:"name"`
	NameWithOwner string `db:"name_with_owner"`
}

// String returns owner/name.
func (r Repository) String() string {
	return r.NameWithOwner
}

// URL returns the repository's GitHub page.
func (r Repository) URL() string {
	return "https://github.com/" + r.NameWithOwner
}

// Subscription represents one chat's interest in one repository.
type Subscription struct {
	ID            int64     `db:"id"`
	ChatID        int64     `db:"chat_id"`
	Owner         string    `db:"owner"`
	Name          string    `db:"name"`
	NameWithOwner string    `db:"name_with_owner"`
	TrackedLabels Labels    `db:"tracked_labels"`
	CreatedAt     time.Time `db:"created_at"`
}

// Repository returns the subscribed repository.
func (s Subscription) Repository() Repository {
	return Repository{Owner: s.Owner, Name: s.Name, NameWithOwner: s.NameWithOwner}
}

// Stats summarizes the subscription tables.
type Stats struct {
	Subscriptions int `db:"subscriptions"`
	Repositories  int `db:"repositories"`
	Chats         int `db:"chats"`
}

// Labels is a set of label names stored as a JSON array. GitHub label names
// are case-insensitive, so membership ignores case.
type Labels []string

// NormalizeLabels trims names, drops empty ones and removes case-insensitive
// duplicates, keeping the first spelling. The result is sorted.
func NormalizeLabels(names []string) Labels {
	seen := make(map[string]struct{}, len(names))
	out := make(Labels, 0, len(names))
	for _, n := range names {
		n = strings.TrimSpace(n)
		if n == "" {
			continue
		}
		key := strings.ToLower(n)
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, n)
	}
	sort.Slice(out, func(i, j int) bool {
		return strings.ToLower(out[i]) < strings.ToLower(out[j])
	})
	return out
}

// Contains reports whether name is in the set.
func (l Labels) Contains(name string) bool {
	for _, n := range l {
		if strings.EqualFold(n, name) {
			return true
		}
	}
	return false
}

// Intersects reports whether any of names is in the set. An empty set
// intersects nothing.
func (l Labels) Intersects(names []string) bool {
	for _, n := range names {
		if l.Contains(n) {
			return true
		}
	}
	return false
}

// Value implements driver.Valuer.
func (l Labels) Value() (driver.Value, error) {
	if l == nil {
		l = Labels{}
	}
	b, err := json.Marshal([]string(l))
	if err != nil {
		return nil, fmt.Errorf("failed to marshal labels: %w", err)
	}
	return string(b), nil
}

// Scan implements sql.Scanner.
func (l *Labels) Scan(src interface{}) error {
	var raw []byte
	switch v := src.(type) {
	case nil:
		*l = Labels{}
		return nil
	case string:
		raw = []byte(v)
	case []byte:
		raw = v
	default:
		return errors.New("unsupported type for labels")
	}

	var names []string
	if err := json.Unmarshal(raw, &names); err != nil {
		return fmt.Errorf("failed to unmarshal labels: %w", err)
	}
	*l = Labels(names)
	return nil
}

package storage

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
)

func newTestDB(t *testing.T) *Database {
	t.Helper()
	db, err := NewDatabase(filepath.Join(t.TempDir(), "bot.db"))
	if err != nil {
		t.Fatalf("open database: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func newTestStores(t *testing.T, limits Limits) (*SubscriptionStore, *WatermarkStore) {
	t.Helper()
	db := newTestDB(t)
	return NewSubscriptionStore(db, limits), NewWatermarkStore(db)
}

var ignoreSubscriptionMeta = cmpopts.IgnoreFields(Subscription{}, "ID", "CreatedAt")

func TestSubscriptionAddAndList(t *testing.T) {
	ctx := context.Background()
	subs, _ := newTestStores(t, Limits{MaxReposPerUser: 5, MaxLabelsPerRepo: 3})

	if _, err := subs.Add(ctx, 42, "octo", "widgets", []string{"good first issue", " Bug ", "bug"}); err != nil {
		t.Fatalf("add: %v", err)
	}
	if _, err := subs.Add(ctx, 42, "acme", "rockets", nil); err != nil {
		t.Fatalf("add: %v", err)
	}

	got, err := subs.List(ctx, 42)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	want := []Subscription{
		{ChatID: 42, Owner: "acme", Name: "rockets", NameWithOwner: "acme/rockets", TrackedLabels: Labels{}},
		{ChatID: 42, Owner: "octo", Name: "widgets", NameWithOwner: "octo/widgets", TrackedLabels: Labels{"Bug", "good first issue"}},
	}
	if diff := cmp.Diff(want, got, ignoreSubscriptionMeta); diff != "" {
		t.Errorf("List() mismatch (-want +got):\n%s", diff)
	}
}

func TestSubscriptionAddErrors(t *testing.T) {
	ctx := context.Background()
	subs, _ := newTestStores(t, Limits{MaxReposPerUser: 2, MaxLabelsPerRepo: 2})

	if _, err := subs.Add(ctx, 1, "octo", "widgets", nil); err != nil {
		t.Fatalf("add: %v", err)
	}

	tests := []struct {
		name    string
		chatID  int64
		owner   string
		repo    string
		labels  []string
		wantErr error
	}{
		{name: "duplicate", chatID: 1, owner: "octo", repo: "widgets", wantErr: ErrAlreadyTracked},
		{name: "duplicate other case", chatID: 1, owner: "Octo", repo: "Widgets", wantErr: ErrAlreadyTracked},
		{name: "too many labels", chatID: 1, owner: "octo", repo: "gears", labels: []string{"a", "b", "c"}, wantErr: ErrLabelQuotaExceeded},
		{name: "same repo other chat", chatID: 2, owner: "octo", repo: "widgets"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := subs.Add(ctx, tt.chatID, tt.owner, tt.repo, tt.labels)
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("Add() error = %v, want %v", err, tt.wantErr)
			}
		})
	}

	if _, err := subs.Add(ctx, 1, "octo", "gears", nil); err != nil {
		t.Fatalf("add second repo: %v", err)
	}
	if _, err := subs.Add(ctx, 1, "octo", "sprockets", nil); !errors.Is(err, ErrQuotaExceeded) {
		t.Fatalf("Add() over quota error = %v, want %v", err, ErrQuotaExceeded)
	}
}

func TestSubscriptionRemoveDeletesWatermark(t *testing.T) {
	ctx := context.Background()
	subs, marks := newTestStores(t, Limits{MaxReposPerUser: 5, MaxLabelsPerRepo: 5})

	if _, err := subs.Add(ctx, 42, "octo", "widgets", []string{"bug"}); err != nil {
		t.Fatalf("add: %v", err)
	}
	if _, err := marks.Commit(ctx, 42, "octo/widgets", time.Unix(1000, 0)); err != nil {
		t.Fatalf("commit: %v", err)
	}

	removed, err := subs.Remove(ctx, 42, "octo/widgets")
	if err != nil {
		t.Fatalf("remove: %v", err)
	}
	if !removed {
		t.Errorf("Remove() = false, want true")
	}

	removed, err = subs.Remove(ctx, 42, "octo/widgets")
	if err != nil {
		t.Fatalf("second remove: %v", err)
	}
	if removed {
		t.Errorf("second Remove() = true, want false")
	}

	// Re-subscribing starts as never polled.
	if _, err := subs.Add(ctx, 42, "octo", "widgets", []string{"bug"}); err != nil {
		t.Fatalf("re-add: %v", err)
	}
	if _, ok, err := marks.Get(ctx, 42, "octo/widgets"); err != nil || ok {
		t.Errorf("Get() after re-add = ok %v, err %v; want no watermark", ok, err)
	}
}

func TestSubscriptionLabels(t *testing.T) {
	ctx := context.Background()
	subs, _ := newTestStores(t, Limits{MaxReposPerUser: 5, MaxLabelsPerRepo: 2})

	if _, err := subs.Add(ctx, 7, "octo", "widgets", []string{"bug"}); err != nil {
		t.Fatalf("add: %v", err)
	}

	selected, err := subs.ToggleLabel(ctx, 7, "octo/widgets", "help wanted")
	if err != nil || !selected {
		t.Fatalf("ToggleLabel(add) = %v, %v", selected, err)
	}
	if _, err := subs.ToggleLabel(ctx, 7, "octo/widgets", "docs"); !errors.Is(err, ErrLabelQuotaExceeded) {
		t.Fatalf("ToggleLabel over quota error = %v, want %v", err, ErrLabelQuotaExceeded)
	}
	selected, err = subs.ToggleLabel(ctx, 7, "octo/widgets", "BUG")
	if err != nil || selected {
		t.Fatalf("ToggleLabel(remove) = %v, %v", selected, err)
	}

	sub, err := subs.Get(ctx, 7, "octo/widgets")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if diff := cmp.Diff(Labels{"help wanted"}, sub.TrackedLabels); diff != "" {
		t.Errorf("labels mismatch (-want +got):\n%s", diff)
	}

	if err := subs.SetLabels(ctx, 7, "octo/widgets", []string{"a", "b", "c"}); !errors.Is(err, ErrLabelQuotaExceeded) {
		t.Errorf("SetLabels over quota error = %v, want %v", err, ErrLabelQuotaExceeded)
	}
	if err := subs.SetLabels(ctx, 7, "octo/missing", []string{"a"}); !errors.Is(err, ErrSubscriptionNotFound) {
		t.Errorf("SetLabels missing error = %v, want %v", err, ErrSubscriptionNotFound)
	}
	if _, err := subs.ToggleLabel(ctx, 7, "octo/missing", "a"); !errors.Is(err, ErrSubscriptionNotFound) {
		t.Errorf("ToggleLabel missing error = %v, want %v", err, ErrSubscriptionNotFound)
	}
}

func TestListDistinctRepositories(t *testing.T) {
	ctx := context.Background()
	subs, _ := newTestStores(t, Limits{MaxReposPerUser: 5, MaxLabelsPerRepo: 5})

	for _, chat := range []int64{1, 2, 3} {
		if _, err := subs.Add(ctx, chat, "octo", "widgets", []string{"bug"}); err != nil {
			t.Fatalf("add: %v", err)
		}
	}
	if _, err := subs.Add(ctx, 2, "acme", "rockets", nil); err != nil {
		t.Fatalf("add: %v", err)
	}

	got, err := subs.ListDistinctRepositories(ctx)
	if err != nil {
		t.Fatalf("list distinct: %v", err)
	}
	want := []Repository{
		{Owner: "acme", Name: "rockets", NameWithOwner: "acme/rockets"},
		{Owner: "octo", Name: "widgets", NameWithOwner: "octo/widgets"},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("ListDistinctRepositories() mismatch (-want +got):\n%s", diff)
	}

	byRepo, err := subs.ListByRepository(ctx, "octo/widgets")
	if err != nil {
		t.Fatalf("list by repository: %v", err)
	}
	if diff := cmp.Diff(3, len(byRepo)); diff != "" {
		t.Errorf("subscriber count mismatch (-want +got):\n%s", diff)
	}

	stats, err := subs.Stats(ctx)
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if diff := cmp.Diff(Stats{Subscriptions: 4, Repositories: 2, Chats: 3}, stats); diff != "" {
		t.Errorf("Stats() mismatch (-want +got):\n%s", diff)
	}
}

func TestWatermarkCommit(t *testing.T) {
	ctx := context.Background()
	subs, marks := newTestStores(t, Limits{MaxReposPerUser: 5, MaxLabelsPerRepo: 5})

	if _, err := subs.Add(ctx, 42, "octo", "widgets", nil); err != nil {
		t.Fatalf("add: %v", err)
	}

	if _, ok, err := marks.Get(ctx, 42, "octo/widgets"); err != nil || ok {
		t.Fatalf("Get() before commit = ok %v, err %v", ok, err)
	}

	t1 := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	t0 := t1.Add(-time.Hour)

	if _, err := marks.Commit(ctx, 42, "octo/widgets", t1); err != nil {
		t.Fatalf("commit: %v", err)
	}
	// Older commits never move the watermark back.
	if _, err := marks.Commit(ctx, 42, "octo/widgets", t0); err != nil {
		t.Fatalf("commit: %v", err)
	}

	got, ok, err := marks.Get(ctx, 42, "octo/widgets")
	if err != nil || !ok {
		t.Fatalf("Get() = ok %v, err %v", ok, err)
	}
	if diff := cmp.Diff(t1, got); diff != "" {
		t.Errorf("watermark mismatch (-want +got):\n%s", diff)
	}

	written, err := marks.Commit(ctx, 99, "octo/widgets", t1)
	if err != nil {
		t.Fatalf("commit unsubscribed: %v", err)
	}
	if written {
		t.Errorf("Commit() for unsubscribed chat wrote a row")
	}

	all, err := marks.ListByChat(ctx, 42)
	if err != nil {
		t.Fatalf("list by chat: %v", err)
	}
	if diff := cmp.Diff(map[string]time.Time{"octo/widgets": t1}, all); diff != "" {
		t.Errorf("ListByChat() mismatch (-want +got):\n%s", diff)
	}
}

func TestLabels(t *testing.T) {
	tests := []struct {
		name   string
		set    Labels
		issue  []string
		expect bool
	}{
		{name: "match", set: Labels{"bug"}, issue: []string{"docs", "bug"}, expect: true},
		{name: "case insensitive", set: Labels{"Good First Issue"}, issue: []string{"good first issue"}, expect: true},
		{name: "no overlap", set: Labels{"bug"}, issue: []string{"docs"}},
		{name: "empty set matches nothing", set: Labels{}, issue: []string{"bug"}},
		{name: "unlabeled issue", set: Labels{"bug"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.set.Intersects(tt.issue); got != tt.expect {
				t.Errorf("Intersects() = %v, want %v", got, tt.expect)
			}
		})
	}
}

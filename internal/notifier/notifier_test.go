package notifier

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/google/go-cmp/cmp"

	"github.com/user/issuebot/internal/github"
	"github.com/user/issuebot/internal/storage"
)

type fakeSender struct {
	sent []tgbotapi.MessageConfig
	err  error
}

func (f *fakeSender) Send(c tgbotapi.Chattable) (tgbotapi.Message, error) {
	if f.err != nil {
		return tgbotapi.Message{}, f.err
	}
	f.sent = append(f.sent, c.(tgbotapi.MessageConfig))
	return tgbotapi.Message{MessageID: len(f.sent)}, nil
}

var repo = storage.Repository{Owner: "octo", Name: "widgets", NameWithOwner: "octo/widgets"}

func TestNotify(t *testing.T) {
	sender := &fakeSender{}
	n := NewNotifier(sender, 10)

	issue := github.Issue{
		Number:    12,
		Title:     "Fix <script> handling",
		URL:       "https://github.com/octo/widgets/issues/12",
		State:     "OPEN",
		Labels:    []github.Label{{Name: "good first issue", Color: "7057ff"}},
		CreatedAt: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC),
	}
	if err := n.Notify(context.Background(), 42, repo, issue); err != nil {
		t.Fatalf("Notify: %v", err)
	}

	if len(sender.sent) != 1 {
		t.Fatalf("sent %d messages, want 1", len(sender.sent))
	}
	msg := sender.sent[0]
	if diff := cmp.Diff(int64(42), msg.ChatID); diff != "" {
		t.Errorf("chat mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff(tgbotapi.ModeHTML, msg.ParseMode); diff != "" {
		t.Errorf("parse mode mismatch (-want +got):\n%s", diff)
	}
	for _, want := range []string{
		`<a href="https://github.com/octo/widgets">octo/widgets</a>`,
		`#12 Fix &lt;script&gt; handling`,
		`🟣 good first issue`,
	} {
		if !strings.Contains(msg.Text, want) {
			t.Errorf("message %q does not contain %q", msg.Text, want)
		}
	}
}

func TestNotifyError(t *testing.T) {
	sendErr := &tgbotapi.Error{Code: 429, Message: "Too Many Requests", ResponseParameters: tgbotapi.ResponseParameters{RetryAfter: 3}}
	n := NewNotifier(&fakeSender{err: sendErr}, 10)

	err := n.Notify(context.Background(), 42, repo, github.Issue{Number: 1, Title: "x"})
	var tgErr *tgbotapi.Error
	if !errors.As(err, &tgErr) {
		t.Fatalf("Notify() error = %v, want wrapped *tgbotapi.Error", err)
	}
}

func TestNotifyCancelled(t *testing.T) {
	sender := &fakeSender{}
	n := NewNotifier(sender, 1)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := n.Notify(ctx, 42, repo, github.Issue{Number: 1}); err == nil {
		t.Fatal("Notify() with cancelled context succeeded")
	}
	if len(sender.sent) != 0 {
		t.Errorf("sent %d messages after cancellation", len(sender.sent))
	}
}

func TestNotifyPacesGroupChats(t *testing.T) {
	sender := &fakeSender{}
	n := NewNotifier(sender, 100)
	n.groupInterval = 50 * time.Millisecond

	start := time.Now()
	for i := 1; i <= 3; i++ {
		if err := n.Notify(context.Background(), -100, repo, github.Issue{Number: i}); err != nil {
			t.Fatalf("Notify(%d): %v", i, err)
		}
	}
	// The first message goes out at once, the next two wait one interval each.
	if elapsed := time.Since(start); elapsed < 90*time.Millisecond {
		t.Errorf("three group messages took %v, want at least two intervals", elapsed)
	}
	if diff := cmp.Diff(3, len(sender.sent)); diff != "" {
		t.Errorf("sent count mismatch (-want +got):\n%s", diff)
	}
}

func TestNotifyHoldsChatAfterFloodWait(t *testing.T) {
	sender := &fakeSender{err: &tgbotapi.Error{Code: 429, Message: "Too Many Requests", ResponseParameters: tgbotapi.ResponseParameters{RetryAfter: 30}}}
	n := NewNotifier(sender, 100)
	n.privateInterval = time.Millisecond

	if err := n.Notify(context.Background(), 42, repo, github.Issue{Number: 1}); err == nil {
		t.Fatal("Notify() succeeded, want flood error")
	}
	sender.err = nil

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	err := n.Notify(ctx, 42, repo, github.Issue{Number: 2})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Notify() to held chat error = %v, want deadline exceeded", err)
	}
	if len(sender.sent) != 0 {
		t.Fatalf("sent %d messages to held chat", len(sender.sent))
	}

	if err := n.Notify(context.Background(), 43, repo, github.Issue{Number: 3}); err != nil {
		t.Fatalf("Notify() to other chat: %v", err)
	}
	var chats []int64
	for _, m := range sender.sent {
		chats = append(chats, m.ChatID)
	}
	if diff := cmp.Diff([]int64{43}, chats); diff != "" {
		t.Errorf("sent chats mismatch (-want +got):\n%s", diff)
	}
}

func TestNotifyFloodWaitExpires(t *testing.T) {
	sender := &fakeSender{}
	n := NewNotifier(sender, 100)
	n.privateInterval = time.Millisecond
	now := time.Now()
	n.now = func() time.Time { return now }

	n.holdChat(42, 2*time.Second)
	now = now.Add(3 * time.Second)

	if err := n.Notify(context.Background(), 42, repo, github.Issue{Number: 1}); err != nil {
		t.Fatalf("Notify() after flood wait: %v", err)
	}
	if diff := cmp.Diff(1, len(sender.sent)); diff != "" {
		t.Errorf("sent count mismatch (-want +got):\n%s", diff)
	}
}

// Package notifier handles sending notifications to subscribers.
package notifier

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"golang.org/x/time/rate"

	"github.com/user/issuebot/internal/github"
	"github.com/user/issuebot/internal/storage"
	"github.com/user/issuebot/internal/telegram"
	"github.com/user/issuebot/pkg/logger"
)

// Telegram allows about one message per second in a private chat and
// twenty per minute in a group.
const (
	privateChatInterval = time.Second
	groupChatInterval   = 3 * time.Second
)

// Sender is the part of tgbotapi.BotAPI used to deliver messages.
type Sender interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
}

// chatPacer spaces out the messages of one chat.
type chatPacer struct {
	limiter *rate.Limiter
	until   time.Time // flood wait announced by Telegram
}

// Notifier sends issue notifications to Telegram chats.
type Notifier struct {
	sender     Sender
	limiter    *rate.Limiter
	msgBuilder *telegram.MessageBuilder

	privateInterval time.Duration
	groupInterval   time.Duration

	mu    sync.Mutex
	chats map[int64]*chatPacer
	now   func() time.Time
}

// NewNotifier creates a new notifier that sends at most ratePerSec
// messages per second across all chats.
func NewNotifier(sender Sender, ratePerSec int) *Notifier {
	if ratePerSec <= 0 {
		ratePerSec = 25
	}
	return &Notifier{
		sender:          sender,
		limiter:         rate.NewLimiter(rate.Limit(ratePerSec), ratePerSec),
		msgBuilder:      telegram.NewMessageBuilder(),
		privateInterval: privateChatInterval,
		groupInterval:   groupChatInterval,
		chats:           make(map[int64]*chatPacer),
		now:             time.Now,
	}
}

// Notify sends one issue notification. A nil error means Telegram accepted
// the message.
func (n *Notifier) Notify(ctx context.Context, chatID int64, repo storage.Repository, issue github.Issue) error {
	if err := n.waitChat(ctx, chatID); err != nil {
		return fmt.Errorf("wait for chat %d: %w", chatID, err)
	}
	if err := n.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("wait for send slot: %w", err)
	}

	msg := tgbotapi.NewMessage(chatID, n.msgBuilder.BuildIssueMessage(repo, issue))
	msg.ParseMode = tgbotapi.ModeHTML
	msg.DisableWebPagePreview = true

	if _, err := n.sender.Send(msg); err != nil {
		var tgErr *tgbotapi.Error
		if errors.As(err, &tgErr) && tgErr.RetryAfter > 0 {
			n.holdChat(chatID, time.Duration(tgErr.RetryAfter)*time.Second)
			logger.Warn().
				Int64("chat_id", chatID).
				Int("retry_after", tgErr.RetryAfter).
				Msg("Telegram flood limit hit")
		}
		return fmt.Errorf("send notification: %w", err)
	}

	logger.Debug().
		Int64("chat_id", chatID).
		Str("repo", repo.NameWithOwner).
		Int("issue", issue.Number).
		Msg("Notification sent")
	return nil
}

func (n *Notifier) pacer(chatID int64) *chatPacer {
	n.mu.Lock()
	defer n.mu.Unlock()
	p, ok := n.chats[chatID]
	if !ok {
		// Group and channel ids are negative.
		interval := n.privateInterval
		if chatID < 0 {
			interval = n.groupInterval
		}
		p = &chatPacer{limiter: rate.NewLimiter(rate.Every(interval), 1)}
		n.chats[chatID] = p
	}
	return p
}

// waitChat blocks until the chat may receive another message.
func (n *Notifier) waitChat(ctx context.Context, chatID int64) error {
	p := n.pacer(chatID)

	n.mu.Lock()
	hold := p.until.Sub(n.now())
	n.mu.Unlock()
	if hold > 0 {
		timer := time.NewTimer(hold)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
		}
	}
	return p.limiter.Wait(ctx)
}

func (n *Notifier) holdChat(chatID int64, d time.Duration) {
	p := n.pacer(chatID)
	n.mu.Lock()
	defer n.mu.Unlock()
	if until := n.now().Add(d); until.After(p.until) {
		p.until = until
	}
}

package telegram

import (
	"context"
	"errors"
	"fmt"
	"html"
	"strconv"
	"strings"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/user/issuebot/internal/github"
	"github.com/user/issuebot/internal/poller"
	"github.com/user/issuebot/internal/storage"
	"github.com/user/issuebot/pkg/logger"
)

const (
	labelsPerPage     = 10
	callbackRemove    = "rm:"
	maxCallbackData   = 64
	commandTimeout    = 20 * time.Second
	maxReposPerAddCmd = 10
)

// Sender is the part of tgbotapi.BotAPI the handlers use.
type Sender interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
	Request(c tgbotapi.Chattable) (*tgbotapi.APIResponse, error)
}

// SubscriptionStore is the subscription storage used by the commands.
type SubscriptionStore interface {
	Add(ctx context.Context, chatID int64, owner, name string, labels []string) (*storage.Subscription, error)
	Remove(ctx context.Context, chatID int64, nameWithOwner string) (bool, error)
	List(ctx context.Context, chatID int64) ([]storage.Subscription, error)
	Get(ctx context.Context, chatID int64, nameWithOwner string) (*storage.Subscription, error)
	ToggleLabel(ctx context.Context, chatID int64, nameWithOwner, label string) (bool, error)
	CountByChat(ctx context.Context, chatID int64) (int, error)
	Stats(ctx context.Context) (storage.Stats, error)
	Limits() storage.Limits
}

// WatermarkReader reads the per-chat poll positions.
type WatermarkReader interface {
	ListByChat(ctx context.Context, chatID int64) (map[string]time.Time, error)
}

// RepoSource answers repository questions for the commands.
type RepoSource interface {
	Repository(ctx context.Context, owner, name string) (*github.RepoInfo, error)
	Labels(ctx context.Context, owner, name string) ([]github.Label, error)
	RateLimit(ctx context.Context) (*github.RateStatus, error)
}

// PollerStatus reports the poll cycle state.
type PollerStatus interface {
	Status() poller.Status
}

// Handlers manages command handling for the bot.
type Handlers struct {
	api           Sender
	store         SubscriptionStore
	marks         WatermarkReader
	source        RepoSource
	poller        PollerStatus
	defaultLabels []string
	startTime     time.Time
}

// NewHandlers creates a new handlers instance.
func NewHandlers(api Sender, store SubscriptionStore, marks WatermarkReader, source RepoSource, defaultLabels []string) *Handlers {
	return &Handlers{
		api:           api,
		store:         store,
		marks:         marks,
		source:        source,
		defaultLabels: defaultLabels,
		startTime:     time.Now(),
	}
}

// SetPoller sets the poller reported by /status.
func (h *Handlers) SetPoller(p PollerStatus) {
	h.poller = p
}

// HandleCommand routes commands to appropriate handlers.
func (h *Handlers) HandleCommand(ctx context.Context, msg *tgbotapi.Message) {
	command := msg.Command()
	args := strings.TrimSpace(msg.CommandArguments())
	chatID := msg.Chat.ID

	logger.Debug().
		Str("command", command).
		Str("args", args).
		Int64("chat_id", chatID).
		Msg("Received command")

	ctx, cancel := context.WithTimeout(ctx, commandTimeout)
	defer cancel()

	switch command {
	case "start":
		h.handleStart(chatID)
	case "help":
		h.handleHelp(chatID)
	case "add":
		h.handleAdd(ctx, chatID, args)
	case "remove", "rm":
		h.handleRemove(ctx, chatID, args)
	case "list":
		h.handleList(ctx, chatID)
	case "labels":
		h.handleLabels(ctx, chatID, args)
	case "track":
		h.handleTrack(ctx, chatID, args, true)
	case "untrack":
		h.handleTrack(ctx, chatID, args, false)
	case "status":
		h.handleStatus(ctx, chatID)
	default:
		h.sendHTML(chatID, "未知命令。使用 /help 查看可用命令。")
	}
}

// HandleCallback handles inline keyboard callbacks.
func (h *Handlers) HandleCallback(ctx context.Context, callback *tgbotapi.CallbackQuery) {
	if _, err := h.api.Request(tgbotapi.NewCallback(callback.ID, "")); err != nil {
		logger.Warn().Err(err).Msg("Failed to answer callback")
	}
	if callback.Message == nil {
		return
	}

	ctx, cancel := context.WithTimeout(ctx, commandTimeout)
	defer cancel()

	if nwo, ok := strings.CutPrefix(callback.Data, callbackRemove); ok {
		h.removeAndReply(ctx, callback.Message.Chat.ID, nwo)
	}
}

func (h *Handlers) handleStart(chatID int64) {
	text := `🤖 <b>欢迎使用 GitHub Issue 提醒机器人！</b>

我会定期检查你关注的仓库，并在出现带有指定标签的新 Issue 时通知你。

<b>快速开始：</b>
<code>/add owner/repo</code>

默认关注标签：` + html.EscapeString(strings.Join(h.defaultLabels, ", ")) + `

使用 /help 查看所有命令。`
	h.sendHTML(chatID, text)
}

func (h *Handlers) handleHelp(chatID int64) {
	limits := h.store.Limits()
	text := fmt.Sprintf(`📚 <b>命令帮助</b>

<b>仓库管理：</b>
• <code>/add &lt;owner/repo&gt; [...]</code> - 关注一个或多个仓库
• <code>/remove &lt;owner/repo&gt;</code> - 取消关注
• <code>/list</code> - 查看关注的仓库

<b>标签管理：</b>
• <code>/labels &lt;owner/repo&gt; [页码]</code> - 查看仓库标签
• <code>/track &lt;owner/repo&gt; &lt;标签&gt;</code> - 关注标签
• <code>/untrack &lt;owner/repo&gt; &lt;标签&gt;</code> - 取消关注标签

<b>其他：</b>
• <code>/status</code> - 查看运行状态

💡 每个聊天最多关注 %d 个仓库，每个仓库最多 %d 个标签。`, limits.MaxReposPerUser, limits.MaxLabelsPerRepo)
	h.sendHTML(chatID, text)
}

// addResult groups the outcome of one /add command.
type addResult struct {
	added, tracked, notFound, invalid, failed, overQuota []string
}

func (h *Handlers) handleAdd(ctx context.Context, chatID int64, args string) {
	refs := strings.FieldsFunc(args, func(r rune) bool {
		return r == ' ' || r == ',' || r == '\n' || r == '\t'
	})
	if len(refs) == 0 {
		h.sendHTML(chatID, "❌ 请指定仓库，格式: <code>/add owner/repo</code>")
		return
	}
	if len(refs) > maxReposPerAddCmd {
		h.sendHTML(chatID, fmt.Sprintf("❌ 一次最多添加 %d 个仓库", maxReposPerAddCmd))
		return
	}

	var res addResult
	for i, ref := range refs {
		owner, name, err := github.ParseRepo(ref)
		if err != nil {
			res.invalid = append(res.invalid, ref)
			continue
		}

		info, err := h.source.Repository(ctx, owner, name)
		if err != nil {
			if errors.Is(err, github.ErrNotFound) {
				res.notFound = append(res.notFound, owner+"/"+name)
			} else {
				logger.Error().Err(err).Str("repo", owner+"/"+name).Msg("Failed to verify repository")
				res.failed = append(res.failed, owner+"/"+name)
			}
			continue
		}

		_, err = h.store.Add(ctx, chatID, info.Owner, info.Name, h.defaultLabels)
		switch {
		case err == nil:
			res.added = append(res.added, info.NameWithOwner)
		case errors.Is(err, storage.ErrAlreadyTracked):
			res.tracked = append(res.tracked, info.NameWithOwner)
		case errors.Is(err, storage.ErrQuotaExceeded):
			res.overQuota = append(res.overQuota, refs[i:]...)
		default:
			logger.Error().Err(err).Str("repo", info.NameWithOwner).Msg("Failed to add subscription")
			res.failed = append(res.failed, info.NameWithOwner)
		}
		if len(res.overQuota) > 0 {
			break
		}
	}

	h.sendHTML(chatID, formatAddResult(res, h.store.Limits().MaxReposPerUser, h.defaultLabels))
}

func formatAddResult(res addResult, maxRepos int, defaultLabels []string) string {
	var b strings.Builder
	section := func(title string, repos []string) {
		if len(repos) == 0 {
			return
		}
		fmt.Fprintf(&b, "%s\n", title)
		for _, r := range repos {
			fmt.Fprintf(&b, "• <code>%s</code>\n", html.EscapeString(r))
		}
		b.WriteString("\n")
	}

	section("✅ <b>已添加：</b>", res.added)
	section("ℹ️ <b>已在关注列表中：</b>", res.tracked)
	section("❌ <b>仓库不存在或不可访问：</b>", res.notFound)
	section("❌ <b>格式错误：</b>", res.invalid)
	section("⚠️ <b>添加失败，请稍后重试：</b>", res.failed)
	section(fmt.Sprintf("🚫 <b>超出数量上限 (%d)：</b>", maxRepos), res.overQuota)

	if len(res.added) > 0 && len(defaultLabels) > 0 {
		fmt.Fprintf(&b, "🏷️ 默认关注标签：%s", html.EscapeString(strings.Join(defaultLabels, ", ")))
	}
	return strings.TrimSpace(b.String())
}

func (h *Handlers) handleRemove(ctx context.Context, chatID int64, args string) {
	if args == "" {
		h.sendHTML(chatID, "❌ 请指定仓库，格式: <code>/remove owner/repo</code>")
		return
	}
	owner, name, err := github.ParseRepo(args)
	if err != nil {
		h.sendHTML(chatID, "❌ 仓库格式错误，请使用: <code>owner/repo</code>")
		return
	}
	h.removeAndReply(ctx, chatID, owner+"/"+name)
}

func (h *Handlers) removeAndReply(ctx context.Context, chatID int64, nwo string) {
	removed, err := h.store.Remove(ctx, chatID, nwo)
	if err != nil {
		logger.Error().Err(err).Str("repo", nwo).Msg("Failed to remove subscription")
		h.sendHTML(chatID, "❌ 取消关注失败，请稍后重试")
		return
	}
	if !removed {
		h.sendHTML(chatID, fmt.Sprintf("❌ 未关注 <code>%s</code>", html.EscapeString(nwo)))
		return
	}
	h.sendHTML(chatID, fmt.Sprintf("✅ 已取消关注 <code>%s</code>", html.EscapeString(nwo)))
}

func (h *Handlers) handleList(ctx context.Context, chatID int64) {
	subs, err := h.store.List(ctx, chatID)
	if err != nil {
		logger.Error().Err(err).Int64("chat_id", chatID).Msg("Failed to list subscriptions")
		h.sendHTML(chatID, "❌ 获取关注列表失败")
		return
	}
	if len(subs) == 0 {
		h.sendHTML(chatID, "📭 当前没有关注任何仓库\n\n使用 <code>/add owner/repo</code> 添加")
		return
	}

	polled, err := h.marks.ListByChat(ctx, chatID)
	if err != nil {
		logger.Warn().Err(err).Int64("chat_id", chatID).Msg("Failed to load watermarks")
	}

	var b strings.Builder
	fmt.Fprintf(&b, "📋 <b>关注的仓库 (%d/%d)</b>\n\n", len(subs), h.store.Limits().MaxReposPerUser)
	var rows [][]tgbotapi.InlineKeyboardButton
	for i, sub := range subs {
		fmt.Fprintf(&b, "%d. %s\n", i+1, FormatRepoLink(sub.Repository()))
		if len(sub.TrackedLabels) == 0 {
			b.WriteString("   🏷️ <i>无标签，不会收到通知</i>\n")
		} else {
			fmt.Fprintf(&b, "   🏷️ %s\n", html.EscapeString(strings.Join(sub.TrackedLabels, ", ")))
		}
		if t, ok := polled[sub.NameWithOwner]; ok {
			fmt.Fprintf(&b, "   🕒 上次检查: %s\n", t.Format("2006-01-02 15:04 UTC"))
		} else {
			b.WriteString("   🕒 尚未检查\n")
		}

		data := callbackRemove + sub.NameWithOwner
		if len(data) <= maxCallbackData {
			rows = append(rows, tgbotapi.NewInlineKeyboardRow(
				tgbotapi.NewInlineKeyboardButtonData("❌ "+sub.NameWithOwner, data),
			))
		}
	}

	msg := newHTMLMessage(chatID, strings.TrimSpace(b.String()))
	if len(rows) > 0 {
		msg.ReplyMarkup = tgbotapi.NewInlineKeyboardMarkup(rows...)
	}
	h.send(msg)
}

func (h *Handlers) handleLabels(ctx context.Context, chatID int64, args string) {
	fields := strings.Fields(args)
	if len(fields) == 0 {
		h.sendHTML(chatID, "❌ 请指定仓库，格式: <code>/labels owner/repo [页码]</code>")
		return
	}
	owner, name, err := github.ParseRepo(fields[0])
	if err != nil {
		h.sendHTML(chatID, "❌ 仓库格式错误，请使用: <code>owner/repo</code>")
		return
	}
	page := 1
	if len(fields) > 1 {
		if page, err = strconv.Atoi(fields[1]); err != nil || page < 1 {
			h.sendHTML(chatID, "❌ 页码必须是正整数")
			return
		}
	}

	sub, err := h.store.Get(ctx, chatID, owner+"/"+name)
	if errors.Is(err, storage.ErrSubscriptionNotFound) {
		h.sendHTML(chatID, fmt.Sprintf("❌ 未关注 <code>%s/%s</code>，请先使用 /add", html.EscapeString(owner), html.EscapeString(name)))
		return
	}
	if err != nil {
		logger.Error().Err(err).Msg("Failed to get subscription")
		h.sendHTML(chatID, "❌ 获取关注信息失败")
		return
	}

	labels, err := h.source.Labels(ctx, sub.Owner, sub.Name)
	if err != nil {
		logger.Error().Err(err).Str("repo", sub.NameWithOwner).Msg("Failed to fetch labels")
		h.sendHTML(chatID, "⚠️ 获取标签失败，请稍后重试")
		return
	}

	h.sendHTML(chatID, formatLabelsPage(sub, labels, page))
}

func formatLabelsPage(sub *storage.Subscription, labels []github.Label, page int) string {
	if len(labels) == 0 {
		return fmt.Sprintf("📭 %s 没有带开放 Issue 的标签", FormatRepoLink(sub.Repository()))
	}

	pages := (len(labels) + labelsPerPage - 1) / labelsPerPage
	if page > pages {
		page = pages
	}
	start := (page - 1) * labelsPerPage
	end := min(start+labelsPerPage, len(labels))

	var b strings.Builder
	fmt.Fprintf(&b, "🏷️ <b>%s 的标签</b> (%d/%d)\n\n", html.EscapeString(sub.NameWithOwner), page, pages)
	for _, l := range labels[start:end] {
		mark := "▫️"
		if sub.TrackedLabels.Contains(l.Name) {
			mark = "✅"
		}
		fmt.Fprintf(&b, "%s %s (%d)\n", mark, FormatLabel(l.Name, l.Color), l.OpenIssues)
	}
	b.WriteString("\n使用 <code>/track owner/repo 标签</code> 或 <code>/untrack owner/repo 标签</code> 修改")
	if page < pages {
		fmt.Fprintf(&b, "\n下一页: <code>/labels %s %d</code>", html.EscapeString(sub.NameWithOwner), page+1)
	}
	return b.String()
}

func (h *Handlers) handleTrack(ctx context.Context, chatID int64, args string, track bool) {
	cmd := "track"
	if !track {
		cmd = "untrack"
	}
	repoArg, label, _ := strings.Cut(args, " ")
	label = strings.TrimSpace(label)
	if repoArg == "" || label == "" {
		h.sendHTML(chatID, fmt.Sprintf("❌ 格式: <code>/%s owner/repo 标签</code>", cmd))
		return
	}
	owner, name, err := github.ParseRepo(repoArg)
	if err != nil {
		h.sendHTML(chatID, "❌ 仓库格式错误，请使用: <code>owner/repo</code>")
		return
	}
	nwo := owner + "/" + name

	sub, err := h.store.Get(ctx, chatID, nwo)
	if errors.Is(err, storage.ErrSubscriptionNotFound) {
		h.sendHTML(chatID, fmt.Sprintf("❌ 未关注 <code>%s</code>，请先使用 /add", html.EscapeString(nwo)))
		return
	}
	if err != nil {
		logger.Error().Err(err).Msg("Failed to get subscription")
		h.sendHTML(chatID, "❌ 获取关注信息失败")
		return
	}

	escaped := html.EscapeString(label)
	if sub.TrackedLabels.Contains(label) == track {
		if track {
			h.sendHTML(chatID, fmt.Sprintf("ℹ️ 已在关注标签 <b>%s</b>", escaped))
		} else {
			h.sendHTML(chatID, fmt.Sprintf("ℹ️ 未关注标签 <b>%s</b>", escaped))
		}
		return
	}

	_, err = h.store.ToggleLabel(ctx, chatID, sub.NameWithOwner, label)
	switch {
	case err == nil:
	case errors.Is(err, storage.ErrLabelQuotaExceeded):
		h.sendHTML(chatID, fmt.Sprintf("🚫 每个仓库最多关注 %d 个标签", h.store.Limits().MaxLabelsPerRepo))
		return
	case errors.Is(err, storage.ErrSubscriptionNotFound):
		h.sendHTML(chatID, fmt.Sprintf("❌ 未关注 <code>%s</code>", html.EscapeString(nwo)))
		return
	default:
		logger.Error().Err(err).Str("repo", nwo).Msg("Failed to toggle label")
		h.sendHTML(chatID, "❌ 修改标签失败，请稍后重试")
		return
	}

	if track {
		h.sendHTML(chatID, fmt.Sprintf("✅ 开始关注 <code>%s</code> 的标签 <b>%s</b>", html.EscapeString(sub.NameWithOwner), escaped))
	} else {
		h.sendHTML(chatID, fmt.Sprintf("✅ 不再关注 <code>%s</code> 的标签 <b>%s</b>", html.EscapeString(sub.NameWithOwner), escaped))
	}
}

func (h *Handlers) handleStatus(ctx context.Context, chatID int64) {
	uptime := formatDuration(time.Since(h.startTime))

	stats, err := h.store.Stats(ctx)
	if err != nil {
		logger.Warn().Err(err).Msg("Failed to load stats")
	}
	userRepos, err := h.store.CountByChat(ctx, chatID)
	if err != nil {
		logger.Warn().Err(err).Msg("Failed to count subscriptions")
	}

	pollerInfo := "未启动"
	if h.poller != nil {
		pollerInfo = formatPollerStatus(h.poller.Status())
	}

	rateLimitInfo := "未知"
	if limits, err := h.source.RateLimit(ctx); err == nil {
		rateLimitInfo = fmt.Sprintf("%d/%d (重置于 %s)",
			limits.Remaining, limits.Limit, formatDuration(time.Until(limits.Reset)))
	}

	text := fmt.Sprintf(`📊 <b>Bot 状态</b>

⏱️ <b>运行时间:</b> %s
📡 <b>轮询:</b> %s

📦 <b>全局统计:</b>
• 仓库数: %d
• 关注数: %d
• 聊天数: %d

👤 <b>本聊天:</b> %d 个仓库

🔗 <b>GitHub GraphQL 配额:</b> %s`,
		uptime, pollerInfo, stats.Repositories, stats.Subscriptions, stats.Chats,
		userRepos, rateLimitInfo)
	h.sendHTML(chatID, text)
}

func formatPollerStatus(st poller.Status) string {
	if st.Halted {
		return "⛔ 已暂停 (" + html.EscapeString(st.HaltErr) + ")"
	}
	s := st.Phase.String()
	if st.LastCycle != nil {
		s += fmt.Sprintf("，上次 %s 前，通知 %d 条",
			formatDuration(time.Since(st.LastCycle.StartedAt)), st.LastCycle.Notified)
	}
	return s
}

// formatDuration formats a duration to a human-readable string.
func formatDuration(d time.Duration) string {
	if d < 0 {
		d = 0
	}
	days := int(d.Hours() / 24)
	hours := int(d.Hours()) % 24
	minutes := int(d.Minutes()) % 60
	seconds := int(d.Seconds()) % 60

	if days > 0 {
		return fmt.Sprintf("%d天 %d小时 %d分钟", days, hours, minutes)
	} else if hours > 0 {
		return fmt.Sprintf("%d小时 %d分钟", hours, minutes)
	} else if minutes > 0 {
		return fmt.Sprintf("%d分钟 %d秒", minutes, seconds)
	}
	return fmt.Sprintf("%d秒", seconds)
}

func newHTMLMessage(chatID int64, text string) tgbotapi.MessageConfig {
	msg := tgbotapi.NewMessage(chatID, text)
	msg.ParseMode = tgbotapi.ModeHTML
	msg.DisableWebPagePreview = true
	return msg
}

// sendHTML sends an HTML-formatted message.
func (h *Handlers) sendHTML(chatID int64, text string) {
	h.send(newHTMLMessage(chatID, text))
}

func (h *Handlers) send(msg tgbotapi.MessageConfig) {
	if _, err := h.api.Send(msg); err != nil {
		logger.Error().Err(err).Int64("chat_id", msg.ChatID).Msg("Failed to send reply")
	}
}

package telegram

import (
	"fmt"
	"html"
	"math"
	"strconv"
	"strings"

	"github.com/user/issuebot/internal/github"
	"github.com/user/issuebot/internal/storage"
)

// MessageBuilder helps construct formatted notification messages.
type MessageBuilder struct{}

// NewMessageBuilder creates a new message builder.
func NewMessageBuilder() *MessageBuilder {
	return &MessageBuilder{}
}

// BuildIssueMessage creates the HTML notification for a new issue.
func (m *MessageBuilder) BuildIssueMessage(repo storage.Repository, issue github.Issue) string {
	var b strings.Builder
	fmt.Fprintf(&b, "🔔 %s\n\n", FormatRepoLink(repo))
	fmt.Fprintf(&b, "📝 <b>新 Issue</b> <a href=\"%s\">#%d %s</a>\n",
		html.EscapeString(issue.URL), issue.Number, html.EscapeString(issue.Title))

	if len(issue.Labels) > 0 {
		names := make([]string, 0, len(issue.Labels))
		for _, l := range issue.Labels {
			names = append(names, FormatLabel(l.Name, l.Color))
		}
		fmt.Fprintf(&b, "🏷️ %s\n", strings.Join(names, ", "))
	}

	if !issue.CreatedAt.IsZero() {
		fmt.Fprintf(&b, "🕒 %s", issue.CreatedAt.UTC().Format("2006-01-02 15:04 UTC"))
	}
	return strings.TrimRight(b.String(), "\n")
}

// FormatRepoLink creates an HTML link to a repository.
func FormatRepoLink(repo storage.Repository) string {
	return fmt.Sprintf("<a href=\"%s\">%s</a>", html.EscapeString(repo.URL()), html.EscapeString(repo.NameWithOwner))
}

// FormatLabel renders a label name prefixed with an emoji close to its color.
func FormatLabel(name, color string) string {
	if emoji := colorEmoji(color); emoji != "" {
		return emoji + " " + html.EscapeString(name)
	}
	return html.EscapeString(name)
}

var palette = []struct {
	emoji   string
	r, g, b float64
}{
	{"🔴", 0xd7, 0x3a, 0x4a},
	{"🟠", 0xf9, 0x8c, 0x1f},
	{"🟡", 0xfb, 0xe1, 0x4d},
	{"🟢", 0x0e, 0x8a, 0x16},
	{"🔵", 0x1d, 0x76, 0xdb},
	{"🟣", 0x70, 0x57, 0xff},
	{"🟤", 0x8b, 0x57, 0x2a},
	{"⚫", 0x20, 0x20, 0x20},
	{"⚪", 0xee, 0xee, 0xee},
}

// colorEmoji maps a GitHub label color (hex, no #) to the nearest colored
// circle. Unknown or malformed colors map to "".
func colorEmoji(color string) string {
	color = strings.TrimPrefix(strings.TrimSpace(color), "#")
	if len(color) != 6 {
		return ""
	}
	v, err := strconv.ParseUint(color, 16, 32)
	if err != nil {
		return ""
	}
	r, g, b := float64(v>>16&0xff), float64(v>>8&0xff), float64(v&0xff)

	best, bestDist := "", math.MaxFloat64
	for _, p := range palette {
		d := (r-p.r)*(r-p.r) + (g-p.g)*(g-p.g) + (b-p.b)*(b-p.b)
		if d < bestDist {
			best, bestDist = p.emoji, d
		}
	}
	return best
}

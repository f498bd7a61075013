// Package view turns engine records into display rows. It holds no engine
// logic: every function is a pure formatting of its inputs.
package view

import (
	"math"
	"strconv"
	"strings"
	"time"
	"unicode"
	"unicode/utf8"

	"github.com/dustin/go-humanize"

	"github.io/infrasutra/marketchat/internal/conversation"
	"github.io/infrasutra/marketchat/internal/store"
)

const previewRunes = 80

// shortRelTime renders "5m ago", "3h ago" and "2d ago".
var shortRelTime = []humanize.RelTimeMagnitude{
	{D: time.Minute, Format: "Just now", DivBy: time.Second},
	{D: time.Hour, Format: "%dm %s", DivBy: time.Minute},
	{D: 24 * time.Hour, Format: "%dh %s", DivBy: time.Hour},
	{D: math.MaxInt64, Format: "%dd %s", DivBy: 24 * time.Hour},
}

type ConversationRow struct {
	Avatar  string `json:"avatar"`
	Title   string `json:"title"`
	About   string `json:"about,omitempty"`
	Preview string `json:"preview"`
	When    string `json:"when"`
	Badge   string `json:"badge,omitempty"`
}

type Bubble struct {
	Text string `json:"text"`
	When string `json:"when"`
	Mine bool   `json:"mine"`
}

func Conversation(c conversation.Conversation, now time.Time) ConversationRow {
	row := ConversationRow{
		Avatar:  Initial(c.OtherUserName),
		Title:   c.OtherUserName,
		Preview: Preview(c.LastMessage),
		When:    ListTime(c.LastMessageTime, now),
	}
	if c.HasProduct() {
		row.About = "About: " + c.ProductTitle
	}
	if c.UnreadCount > 0 {
		row.Badge = strconv.Itoa(c.UnreadCount)
	}
	return row
}

func Message(m store.Message, viewer string, now time.Time) Bubble {
	return Bubble{
		Text: m.Text,
		When: ChatTime(m.Timestamp, now),
		Mine: m.SenderEmail == viewer,
	}
}

// Initial is the upper-cased first letter shown in the avatar.
func Initial(name string) string {
	for _, r := range strings.TrimSpace(name) {
		return string(unicode.ToUpper(r))
	}
	return "?"
}

func Preview(text string) string {
	text = strings.Join(strings.Fields(text), " ")
	if utf8.RuneCountInString(text) <= previewRunes {
		return text
	}
	runes := []rune(text)
	return strings.TrimSpace(string(runes[:previewRunes-1])) + "…"
}

// ListTime is relative up to a week, then a short date.
func ListTime(t, now time.Time) string {
	diff := now.Sub(t)
	switch {
	case diff < time.Minute:
		return "Just now"
	case diff < 7*24*time.Hour:
		return humanize.CustomRelTime(t, now, "ago", "from now", shortRelTime)
	default:
		return t.Format("Jan 02")
	}
}

// ChatTime is relative within a day, then date and time.
func ChatTime(t, now time.Time) string {
	diff := now.Sub(t)
	switch {
	case diff < time.Minute:
		return "Just now"
	case diff < 24*time.Hour:
		return humanize.CustomRelTime(t, now, "ago", "from now", shortRelTime)
	default:
		return t.Format("Jan 02, 15:04")
	}
}

// Package conversation folds the message log into per-counterpart threads.
//
// A thread is keyed by the counterpart and the product the messages are
// about; messages without a product form their own thread with the same
// counterpart. Nothing here is persisted: every call rebuilds the threads
// from the messages it is given.
package conversation

import (
	"slices"
	"time"

	"github.io/infrasutra/marketchat/internal/store"
)

type Key struct {
	Counterpart string
	ProductID   string
}

type Conversation struct {
	Key             Key
	OtherUserEmail  string
	OtherUserName   string
	ProductID       string
	ProductTitle    string
	LastMessage     string
	LastMessageTime time.Time
	LastSeq         int64
	UnreadCount     int
}

func (c Conversation) HasProduct() bool {
	return c.ProductID != ""
}

type group struct {
	last       store.Message
	lastFromCp *store.Message
	unread     int
}

// Fold groups every message involving user into conversations ordered by
// most recent activity. Messages that do not involve user are ignored.
func Fold(user string, msgs []store.Message) []Conversation {
	groups := make(map[Key]*group)
	for _, msg := range msgs {
		if !msg.Involves(user) {
			continue
		}
		key := Key{Counterpart: msg.Counterpart(user), ProductID: msg.ProductID}
		g, ok := groups[key]
		if !ok {
			g = &group{last: msg}
			groups[key] = g
		} else if msg.After(g.last) {
			g.last = msg
		}
		if msg.SenderEmail == key.Counterpart && (g.lastFromCp == nil || msg.After(*g.lastFromCp)) {
			m := msg
			g.lastFromCp = &m
		}
		if msg.UnreadFor(user) {
			g.unread++
		}
	}

	conversations := make([]Conversation, 0, len(groups))
	for key, g := range groups {
		c := Conversation{
			Key:             key,
			OtherUserEmail:  key.Counterpart,
			ProductID:       key.ProductID,
			ProductTitle:    g.last.ProductTitle,
			LastMessage:     g.last.Text,
			LastMessageTime: g.last.Timestamp,
			LastSeq:         g.last.Seq,
			UnreadCount:     g.unread,
		}
		if g.lastFromCp != nil {
			c.OtherUserName = g.lastFromCp.SenderName
		}
		conversations = append(conversations, c)
	}
	Sort(conversations)
	return conversations
}

// Sort orders by last activity, newest first. Equal times fall back to the
// append position of the last message, later appends first.
func Sort(conversations []Conversation) {
	slices.SortFunc(conversations, func(a, b Conversation) int {
		if c := b.LastMessageTime.Compare(a.LastMessageTime); c != 0 {
			return c
		}
		switch {
		case a.LastSeq > b.LastSeq:
			return -1
		case a.LastSeq < b.LastSeq:
			return 1
		}
		return 0
	})
}

// UnreadTotal sums unread counts across conversations.
func UnreadTotal(conversations []Conversation) int {
	total := 0
	for _, c := range conversations {
		total += c.UnreadCount
	}
	return total
}

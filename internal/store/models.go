package store

import "time"

type User struct {
	Email     string
	Name      string
	Phone     string
	CreatedAt time.Time
	LastLogin time.Time
}

// Message is one entry of the append-only log. Only Read ever changes after
// the message is stored, and only from false to true.
type Message struct {
	ID            string
	Seq           int64
	SenderEmail   string
	SenderName    string
	ReceiverEmail string
	ProductID     string
	ProductTitle  string
	Text          string
	Timestamp     time.Time
	Read          bool
}

func (m Message) HasProduct() bool {
	return m.ProductID != ""
}

func (m Message) Involves(email string) bool {
	return m.SenderEmail == email || m.ReceiverEmail == email
}

// Counterpart returns the other participant as seen from user.
func (m Message) Counterpart(user string) string {
	if m.SenderEmail == user {
		return m.ReceiverEmail
	}
	return m.SenderEmail
}

// UnreadFor is the unread predicate MarkRead clears: addressed to user and not yet read.
func (m Message) UnreadFor(user string) bool {
	return m.ReceiverEmail == user && !m.Read
}

// After reports whether m is more recent than other, falling back to append
// order when the timestamps are equal.
func (m Message) After(other Message) bool {
	if !m.Timestamp.Equal(other.Timestamp) {
		return m.Timestamp.After(other.Timestamp)
	}
	return m.Seq > other.Seq
}

package messaging

import (
	"time"

	"github.io/infrasutra/marketchat/internal/store"
)

type sampleSeller struct {
	email string
	name  string
}

var (
	sampleSarah = sampleSeller{email: "sarah.johnson@shopeflier.demo", name: "Sarah Johnson"}
	sampleMike  = sampleSeller{email: "mike.chen@shopeflier.demo", name: "Mike Chen"}
	sampleEmma  = sampleSeller{email: "emma.wilson@shopeflier.demo", name: "Emma Wilson"}
)

// SampleMessages is the demonstration inbox for user: three sellers, two
// product threads and one general thread, with the latest seller replies unread.
func SampleMessages(user, userName string, now time.Time) []store.Message {
	type line struct {
		from    sampleSeller
		toUser  bool
		product [2]string
		text    string
		ago     time.Duration
	}
	iphone := [2]string{"demo-iphone-13", "iPhone 13 Pro - Excellent condition"}
	bike := [2]string{"demo-mountain-bike", "Mountain Bike - Trek Marlin 7"}

	script := []line{
		{sampleSarah, false, iphone, "Hi! Is the iPhone still available?", 26 * time.Hour},
		{sampleSarah, true, iphone, "Yes it is! Battery health is 92%.", 25 * time.Hour},
		{sampleSarah, true, iphone, "I can meet downtown tomorrow if that works.", 3 * time.Hour},
		{sampleMike, true, bike, "Thanks for your interest in the bike. Want to see it this weekend?", 2 * time.Hour},
		{sampleMike, false, bike, "Saturday morning works for me.", 90 * time.Minute},
		{sampleEmma, true, [2]string{}, "Welcome to Shopeflier! Let me know if you have questions about selling.", 30 * time.Minute},
	}

	msgs := make([]store.Message, 0, len(script))
	for _, l := range script {
		msg := store.Message{
			ProductID:    l.product[0],
			ProductTitle: l.product[1],
			Text:         l.text,
			Timestamp:    now.Add(-l.ago),
		}
		if l.toUser {
			msg.SenderEmail, msg.SenderName, msg.ReceiverEmail = l.from.email, l.from.name, user
		} else {
			msg.SenderEmail, msg.SenderName, msg.ReceiverEmail = user, userName, l.from.email
		}
		msgs = append(msgs, msg)
	}
	return msgs
}

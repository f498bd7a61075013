package store

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.io/infrasutra/marketchat/internal/identity"
)

const (
	alice = "alice@market.dev"
	bob   = "bob@market.dev"
	carol = "carol@market.dev"
)

type stepClock struct {
	mu  sync.Mutex
	cur time.Time
}

func (c *stepClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cur = c.cur.Add(time.Second)
	return c.cur
}

func setupTestStore(t *testing.T, opts ...Option) *Store {
	t.Helper()
	ctx := context.Background()
	s, err := Open(ctx, "", opts...)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	require.NoError(t, s.EnsureSchema(ctx))
	return s
}

func send(t *testing.T, s *Store, from, to, text string) Message {
	t.Helper()
	msg, err := s.Append(context.Background(), Message{
		SenderEmail:   from,
		SenderName:    from[:1],
		ReceiverEmail: to,
		Text:          text,
	})
	require.NoError(t, err)
	return msg
}

func TestAppendAssignsIdentityAndOrder(t *testing.T) {
	clock := &stepClock{cur: time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)}
	s := setupTestStore(t, WithClock(clock.Now))

	first := send(t, s, alice, bob, "hi")
	second := send(t, s, bob, alice, "hello")

	assert.NotEmpty(t, first.ID)
	assert.NotEqual(t, first.ID, second.ID)
	assert.Less(t, first.Seq, second.Seq)
	assert.False(t, first.Read)
	assert.True(t, second.Timestamp.After(first.Timestamp))
}

func TestAppendNormalizesFields(t *testing.T) {
	s := setupTestStore(t)
	msg, err := s.Append(context.Background(), Message{
		SenderEmail:   " Alice@Market.dev ",
		ReceiverEmail: "BOB@market.dev",
		ProductID:     " p1 ",
		ProductTitle:  " Bike ",
		Text:          "  is it available?  ",
	})
	require.NoError(t, err)
	assert.Equal(t, alice, msg.SenderEmail)
	assert.Equal(t, bob, msg.ReceiverEmail)
	assert.Equal(t, "alice", msg.SenderName)
	assert.Equal(t, "p1", msg.ProductID)
	assert.Equal(t, "Bike", msg.ProductTitle)
	assert.Equal(t, "is it available?", msg.Text)
}

func TestAppendValidation(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	cases := []struct {
		name  string
		msg   Message
		field string
	}{
		{"empty text", Message{SenderEmail: alice, ReceiverEmail: bob, Text: "   "}, "text"},
		{"bad sender", Message{SenderEmail: "alice", ReceiverEmail: bob, Text: "x"}, "sender email"},
		{"missing receiver", Message{SenderEmail: alice, Text: "x"}, "receiver email"},
		{"self message", Message{SenderEmail: alice, ReceiverEmail: "ALICE@market.dev", Text: "x"}, "receiver email"},
		{"product id only", Message{SenderEmail: alice, ReceiverEmail: bob, ProductID: "p1", Text: "x"}, "product"},
		{"product title only", Message{SenderEmail: alice, ReceiverEmail: bob, ProductTitle: "Bike", Text: "x"}, "product"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := s.Append(ctx, tc.msg)
			require.ErrorIs(t, err, ErrValidation)
			var verr *ValidationError
			require.True(t, errors.As(err, &verr))
			assert.Equal(t, tc.field, verr.Field)
		})
	}

	count, err := s.CountFor(ctx, alice)
	require.NoError(t, err)
	assert.Zero(t, count, "validation failures must not write")
}

func TestBetweenBothDirectionsAllProducts(t *testing.T) {
	clock := &stepClock{cur: time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)}
	s := setupTestStore(t, WithClock(clock.Now))
	ctx := context.Background()

	send(t, s, alice, bob, "one")
	_, err := s.Append(ctx, Message{SenderEmail: bob, ReceiverEmail: alice, ProductID: "p1", ProductTitle: "Bike", Text: "two"})
	require.NoError(t, err)
	send(t, s, alice, carol, "not for bob")
	send(t, s, alice, bob, "three")

	msgs, err := s.Between(ctx, bob, alice)
	require.NoError(t, err)
	require.Len(t, msgs, 3)
	assert.Equal(t, []string{"one", "two", "three"}, []string{msgs[0].Text, msgs[1].Text, msgs[2].Text})
	assert.Equal(t, "p1", msgs[1].ProductID)
	assert.Equal(t, "Bike", msgs[1].ProductTitle)
}

func TestBetweenOrdersByTimestampThenAppendOrder(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()
	base := time.Date(2026, 2, 1, 9, 0, 0, 0, time.UTC)

	for _, m := range []struct {
		text string
		at   time.Time
	}{
		{"late", base.Add(time.Hour)},
		{"early", base},
		{"tie-first", base.Add(30 * time.Minute)},
		{"tie-second", base.Add(30 * time.Minute)},
	} {
		_, err := s.Append(ctx, Message{SenderEmail: alice, ReceiverEmail: bob, Text: m.text, Timestamp: m.at})
		require.NoError(t, err)
	}

	msgs, err := s.Between(ctx, alice, bob)
	require.NoError(t, err)
	texts := make([]string, 0, len(msgs))
	for _, m := range msgs {
		texts = append(texts, m.Text)
	}
	assert.Equal(t, []string{"early", "tie-first", "tie-second", "late"}, texts)
}

func TestSendThenBetweenShowsOneMoreUnreadMessage(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()
	send(t, s, alice, bob, "earlier")

	before, err := s.Between(ctx, alice, bob)
	require.NoError(t, err)
	send(t, s, alice, bob, "are you there")
	after, err := s.Between(ctx, alice, bob)
	require.NoError(t, err)

	require.Len(t, after, len(before)+1)
	last := after[len(after)-1]
	assert.Equal(t, "are you there", last.Text)
	assert.Equal(t, bob, last.ReceiverEmail)
	assert.False(t, last.Read)
}

func TestMarkReadScopedToCounterpartAndReceiver(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	_, err := s.Append(ctx, Message{SenderEmail: bob, ReceiverEmail: alice, ProductID: "p1", ProductTitle: "Bike", Text: "bike?"})
	require.NoError(t, err)
	send(t, s, bob, alice, "plain")
	_, err = s.Append(ctx, Message{SenderEmail: carol, ReceiverEmail: alice, ProductID: "p1", ProductTitle: "Bike", Text: "me too"})
	require.NoError(t, err)
	send(t, s, alice, bob, "reply")

	changed, err := s.MarkRead(ctx, alice, bob)
	require.NoError(t, err)
	assert.EqualValues(t, 2, changed)

	msgs, err := s.MessagesFor(ctx, alice)
	require.NoError(t, err)
	for _, m := range msgs {
		switch {
		case m.SenderEmail == bob:
			assert.True(t, m.Read, m.Text)
		case m.SenderEmail == carol:
			assert.False(t, m.Read, "other counterpart must stay unread")
		case m.SenderEmail == alice:
			assert.False(t, m.Read, "messages alice sent are never marked by her")
		}
	}
}

func TestMarkReadIdempotent(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()
	send(t, s, bob, alice, "one")
	send(t, s, bob, alice, "two")

	changed, err := s.MarkRead(ctx, alice, bob)
	require.NoError(t, err)
	assert.EqualValues(t, 2, changed)

	changed, err = s.MarkRead(ctx, alice, bob)
	require.NoError(t, err)
	assert.Zero(t, changed)

	changed, err = s.MarkRead(ctx, alice, carol)
	require.NoError(t, err, "no matching messages is a no-op")
	assert.Zero(t, changed)
}

func TestSchemaEnforcesLogInvariants(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()
	msg := send(t, s, bob, alice, "hello")
	_, err := s.MarkRead(ctx, alice, bob)
	require.NoError(t, err)

	_, err = s.db.ExecContext(ctx, `UPDATE messages SET is_read = 0 WHERE id = ?;`, msg.ID)
	assert.Error(t, err, "read must not revert")

	_, err = s.db.ExecContext(ctx, `UPDATE messages SET text = 'edited' WHERE id = ?;`, msg.ID)
	assert.Error(t, err, "text must not change")

	_, err = s.db.ExecContext(ctx, `DELETE FROM messages WHERE id = ?;`, msg.ID)
	assert.Error(t, err, "messages must not be deleted")
}

func TestSeedIfEmpty(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()
	demo := []Message{
		{SenderEmail: bob, SenderName: "Bob", ReceiverEmail: alice, Text: "welcome"},
		{SenderEmail: alice, ReceiverEmail: carol, ProductID: "p9", ProductTitle: "Lamp", Text: "lamp?"},
	}

	seeded, err := s.SeedIfEmpty(ctx, alice, demo)
	require.NoError(t, err)
	assert.True(t, seeded)

	seeded, err = s.SeedIfEmpty(ctx, alice, demo)
	require.NoError(t, err)
	assert.False(t, seeded)

	count, err := s.CountFor(ctx, alice)
	require.NoError(t, err)
	assert.EqualValues(t, 2, count)
}

func TestSeedIfEmptyValidatesBeforeWriting(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()
	_, err := s.SeedIfEmpty(ctx, alice, []Message{
		{SenderEmail: bob, ReceiverEmail: alice, Text: "ok"},
		{SenderEmail: bob, ReceiverEmail: alice, Text: ""},
	})
	require.ErrorIs(t, err, ErrValidation)

	count, err := s.CountFor(ctx, alice)
	require.NoError(t, err)
	assert.Zero(t, count)
}

func TestUsersUpsertKeepsKnownFields(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()
	now := time.Unix(1_700_000_000, 0)

	require.NoError(t, s.UpsertUser(ctx, identity.User{Email: "Alice@Market.dev", Name: "Alice", Phone: "5550001111"}, now))
	require.NoError(t, s.UpsertUser(ctx, identity.User{Email: alice}, now.Add(time.Hour)))

	user, err := s.GetUser(ctx, alice)
	require.NoError(t, err)
	assert.Equal(t, "Alice", user.Name)
	assert.Equal(t, "5550001111", user.Phone)
	assert.Equal(t, now.Add(time.Hour).Unix(), user.LastLogin.Unix())

	_, err = s.GetUser(ctx, bob)
	assert.ErrorIs(t, err, ErrNotFound)

	names, err := s.Names(ctx, []string{alice, bob})
	require.NoError(t, err)
	assert.Equal(t, map[string]string{alice: "Alice"}, names)
}

func TestOpenThreadMarksOnlyWhatItReturns(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()
	send(t, s, bob, alice, "one")
	send(t, s, alice, bob, "mine")
	send(t, s, carol, alice, "other thread")

	msgs, changed, err := s.OpenThread(ctx, alice, bob)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.False(t, msgs[0].Read)
	assert.Equal(t, int64(1), changed)

	send(t, s, bob, alice, "two")
	msgs, changed, err = s.OpenThread(ctx, alice, bob)
	require.NoError(t, err)
	require.Len(t, msgs, 3)
	assert.True(t, msgs[0].Read)
	assert.False(t, msgs[2].Read)
	assert.Equal(t, int64(1), changed)

	unread, err := s.MessagesFor(ctx, alice)
	require.NoError(t, err)
	for _, m := range unread {
		if m.SenderEmail == carol {
			assert.False(t, m.Read, "other counterparts are untouched")
		}
	}
}

func TestConcurrentOpenThreadSeesEverythingItMarks(t *testing.T) {
	ctx := context.Background()
	s, err := Open(ctx, filepath.Join(t.TempDir(), "chat.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	require.NoError(t, s.EnsureSchema(ctx))

	const total = 100
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < total; i++ {
			_, err := s.Append(ctx, Message{SenderEmail: bob, ReceiverEmail: alice, Text: fmt.Sprintf("m%d", i)})
			assert.NoError(t, err)
		}
	}()

	var marked, returnedUnread int64
	for i := 0; i < total; i++ {
		msgs, changed, err := s.OpenThread(ctx, alice, bob)
		require.NoError(t, err)
		marked += changed
		for _, m := range msgs {
			if !m.Read {
				returnedUnread++
			}
		}
	}
	wg.Wait()
	msgs, changed, err := s.OpenThread(ctx, alice, bob)
	require.NoError(t, err)
	marked += changed
	for _, m := range msgs {
		if !m.Read {
			returnedUnread++
		}
	}

	assert.Equal(t, int64(total), marked)
	assert.Equal(t, marked, returnedUnread)
}

func TestStorageErrorsAreTyped(t *testing.T) {
	s := setupTestStore(t)
	require.NoError(t, s.Close())

	_, err := s.Append(context.Background(), Message{SenderEmail: alice, ReceiverEmail: bob, Text: "x"})
	require.ErrorIs(t, err, ErrStorage)
	var serr *StorageError
	require.True(t, errors.As(err, &serr))
	assert.NotEmpty(t, serr.Op)

	_, err = s.MarkRead(context.Background(), alice, bob)
	assert.ErrorIs(t, err, ErrStorage)
}

func TestConcurrentWritersOnFileDatabase(t *testing.T) {
	ctx := context.Background()
	s, err := Open(ctx, filepath.Join(t.TempDir(), "chat.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	require.NoError(t, s.EnsureSchema(ctx))

	const perPair = 20
	pairs := [][2]string{{alice, bob}, {bob, alice}, {carol, alice}, {carol, bob}}
	var wg sync.WaitGroup
	errs := make(chan error, len(pairs)*perPair+perPair)
	for _, pair := range pairs {
		wg.Add(1)
		go func(from, to string) {
			defer wg.Done()
			for i := 0; i < perPair; i++ {
				_, err := s.Append(ctx, Message{SenderEmail: from, ReceiverEmail: to, Text: fmt.Sprintf("m%d", i)})
				errs <- err
			}
		}(pair[0], pair[1])
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < perPair; i++ {
			_, err := s.MarkRead(ctx, alice, bob)
			errs <- err
		}
	}()
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	msgs, err := s.MessagesFor(ctx, alice)
	require.NoError(t, err)
	assert.Len(t, msgs, 3*perPair)
	seen := map[int64]bool{}
	for _, m := range msgs {
		assert.False(t, seen[m.Seq], "append positions are unique")
		seen[m.Seq] = true
	}
}

// Package messaging is the entry point calling layers use: sending, reading
// threads, clearing unread state and listing conversations for a user.
package messaging

import (
	"context"
	"errors"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.io/infrasutra/marketchat/internal/conversation"
	"github.io/infrasutra/marketchat/internal/identity"
	"github.io/infrasutra/marketchat/internal/metrics"
	"github.io/infrasutra/marketchat/internal/store"
)

type Service struct {
	store   *store.Store
	logger  *zap.Logger
	metrics *metrics.Metrics
	now     func() time.Time
}

type Option func(*Service)

func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		s.now = now
	}
}

func NewService(st *store.Store, logger *zap.Logger, m *metrics.Metrics, opts ...Option) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	if m == nil {
		m = metrics.New()
	}
	s := &Service{store: st, logger: logger.Named("messaging"), metrics: m, now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

type SendRequest struct {
	SenderEmail   string
	SenderName    string
	ReceiverEmail string
	ProductID     string
	ProductTitle  string
	Text          string
}

// SendMessage appends a message from the sender to the receiver. The returned
// message is the stored record; any error means nothing was stored.
func (s *Service) SendMessage(ctx context.Context, req SendRequest) (msg store.Message, err error) {
	start := time.Now()
	defer func() { s.observe("send", start, err, zap.String("receiver", req.ReceiverEmail)) }()

	if strings.TrimSpace(req.SenderEmail) == "" {
		return store.Message{}, &PreconditionError{Op: "send message"}
	}
	msg, err = s.store.Append(ctx, store.Message{
		SenderEmail:   req.SenderEmail,
		SenderName:    req.SenderName,
		ReceiverEmail: req.ReceiverEmail,
		ProductID:     req.ProductID,
		ProductTitle:  req.ProductTitle,
		Text:          req.Text,
	})
	if err != nil {
		return store.Message{}, err
	}
	s.metrics.MessagesAppended.Inc()
	return msg, nil
}

// MessagesBetween returns the full exchange between the user and other, oldest first.
func (s *Service) MessagesBetween(ctx context.Context, userEmail, otherEmail string) (msgs []store.Message, err error) {
	start := time.Now()
	defer func() { s.observe("messages_between", start, err) }()

	user, err := s.requireUser("messages between", userEmail)
	if err != nil {
		return nil, err
	}
	return s.store.Between(ctx, user, otherEmail)
}

// MarkRead clears unread state for every message other sent to the user.
func (s *Service) MarkRead(ctx context.Context, userEmail, otherEmail string) (changed int64, err error) {
	start := time.Now()
	defer func() { s.observe("mark_read", start, err, zap.Int64("changed", changed)) }()

	user, err := s.requireUser("mark read", userEmail)
	if err != nil {
		return 0, err
	}
	changed, err = s.store.MarkRead(ctx, user, otherEmail)
	if err != nil {
		return 0, err
	}
	s.metrics.MessagesMarked.Add(float64(changed))
	return changed, nil
}

// OpenThread loads the exchange with other and marks it read, the way a chat
// screen does on open. Returned messages carry the read state from before the
// call, and a message other sends concurrently is never marked unseen.
func (s *Service) OpenThread(ctx context.Context, userEmail, otherEmail string) (msgs []store.Message, err error) {
	start := time.Now()
	var changed int64
	defer func() { s.observe("open_thread", start, err, zap.Int64("changed", changed)) }()

	user, err := s.requireUser("open thread", userEmail)
	if err != nil {
		return nil, err
	}
	msgs, changed, err = s.store.OpenThread(ctx, user, otherEmail)
	if err != nil {
		return nil, err
	}
	s.metrics.MessagesMarked.Add(float64(changed))
	return msgs, nil
}

// ConversationsFor folds the user's messages into conversations, most recent first.
func (s *Service) ConversationsFor(ctx context.Context, userEmail string) (convs []conversation.Conversation, err error) {
	start := time.Now()
	defer func() { s.observe("conversations_for", start, err, zap.Int("count", len(convs))) }()

	user, err := s.requireUser("conversations for", userEmail)
	if err != nil {
		return nil, err
	}
	msgs, err := s.store.MessagesFor(ctx, user)
	if err != nil {
		return nil, err
	}
	convs = conversation.Fold(user, msgs)
	if err := s.fillNames(ctx, convs); err != nil {
		return nil, err
	}
	return convs, nil
}

// fillNames names counterparts who never wrote in a thread, from the user
// directory or else from their email.
func (s *Service) fillNames(ctx context.Context, convs []conversation.Conversation) error {
	var missing []string
	for _, c := range convs {
		if c.OtherUserName == "" {
			missing = append(missing, c.OtherUserEmail)
		}
	}
	if len(missing) == 0 {
		return nil
	}
	names, err := s.store.Names(ctx, missing)
	if err != nil {
		return err
	}
	for i := range convs {
		if convs[i].OtherUserName != "" {
			continue
		}
		convs[i].OtherUserName = identity.DisplayName(names[convs[i].OtherUserEmail], convs[i].OtherUserEmail)
	}
	return nil
}

// SeedSampleData gives an account with no messages a demonstration inbox.
// It reports whether anything was inserted; later calls are no-ops.
func (s *Service) SeedSampleData(ctx context.Context, userEmail string) (seeded bool, err error) {
	start := time.Now()
	defer func() { s.observe("seed", start, err, zap.Bool("seeded", seeded)) }()

	user, err := s.requireUser("seed sample data", userEmail)
	if err != nil {
		return false, err
	}
	name := ""
	profile, err := s.store.GetUser(ctx, user)
	switch {
	case err == nil:
		name = profile.Name
	case !errors.Is(err, store.ErrNotFound):
		return false, err
	}

	seeded, err = s.store.SeedIfEmpty(ctx, user, SampleMessages(user, identity.DisplayName(name, user), s.now()))
	if err != nil {
		return false, err
	}
	if seeded {
		s.metrics.SamplesSeeded.Inc()
	}
	return seeded, nil
}

func (s *Service) requireUser(op, email string) (string, error) {
	if strings.TrimSpace(email) == "" {
		return "", &PreconditionError{Op: op}
	}
	user, err := identity.NormalizeEmail(email)
	if err != nil {
		return "", &store.ValidationError{Field: "user email", Reason: err.Error()}
	}
	return user, nil
}

func (s *Service) observe(op string, start time.Time, err error, fields ...zap.Field) {
	elapsed := time.Since(start)
	s.metrics.RecordOperation(op, elapsed, err)

	fields = append(fields, zap.String("op", op), zap.Duration("duration", elapsed))
	switch Kind(err) {
	case "ok":
		s.logger.Debug("operation completed", fields...)
	case "validation", "precondition":
		s.logger.Info("operation rejected", append(fields, zap.String("kind", Kind(err)), zap.Error(err))...)
	default:
		s.logger.Error("operation failed", append(fields, zap.String("kind", Kind(err)), zap.Error(err))...)
	}
}

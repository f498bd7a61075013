package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.io/infrasutra/marketchat/internal/identity"
)

const (
	fileConns        = 4
	busyTimeoutMilli = 5000
)

type Store struct {
	db    *sql.DB
	locks *lockset
	now   func() time.Time
}

type Option func(*Store)

// WithClock overrides the clock used to stamp messages appended without a timestamp.
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		s.now = now
	}
}

func Open(ctx context.Context, path string, opts ...Option) (*Store, error) {
	trimmed := strings.TrimSpace(path)
	inMemory := false
	if trimmed == "" {
		trimmed = ":memory:"
		inMemory = true
	}
	if strings.Contains(trimmed, "mode=memory") || trimmed == ":memory:" || trimmed == "file::memory:" {
		inMemory = true
	}

	dsn := trimmed
	if !inMemory {
		dsn = withPragmas(trimmed)
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	if inMemory {
		// Every connection to :memory: is a separate database.
		db.SetMaxOpenConns(1)
		db.SetMaxIdleConns(1)
	} else {
		db.SetMaxOpenConns(fileConns)
		db.SetMaxIdleConns(fileConns)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}

	s := &Store{db: db, locks: newLockset(), now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// withPragmas applies per-connection settings through the DSN so every pooled
// connection gets them. Transactions start IMMEDIATE because they all write.
func withPragmas(path string) string {
	sep := "?"
	if strings.Contains(path, "?") {
		sep = "&"
	}
	return path + sep + strings.Join([]string{
		fmt.Sprintf("_pragma=busy_timeout(%d)", busyTimeoutMilli),
		"_pragma=journal_mode(WAL)",
		"_pragma=synchronous(FULL)",
		"_txlock=immediate",
	}, "&")
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return storageErr("ping", err)
	}
	return nil
}

func (s *Store) EnsureSchema(ctx context.Context) error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS users (
            email TEXT PRIMARY KEY,
            name TEXT NOT NULL,
            phone TEXT NOT NULL DEFAULT '',
            created_at INTEGER NOT NULL,
            last_login INTEGER NOT NULL
        );`,
		`CREATE TABLE IF NOT EXISTS messages (
            seq INTEGER PRIMARY KEY AUTOINCREMENT,
            id TEXT NOT NULL UNIQUE,
            sender_email TEXT NOT NULL,
            sender_name TEXT NOT NULL,
            receiver_email TEXT NOT NULL,
            product_id TEXT,
            product_title TEXT,
            text TEXT NOT NULL,
            created_at INTEGER NOT NULL,
            is_read INTEGER NOT NULL DEFAULT 0,
            CHECK (sender_email <> receiver_email),
            CHECK ((product_id IS NULL) = (product_title IS NULL)),
            CHECK (length(text) > 0)
        );`,
		`CREATE INDEX IF NOT EXISTS idx_messages_sender ON messages(sender_email, receiver_email);`,
		`CREATE INDEX IF NOT EXISTS idx_messages_receiver_unread ON messages(receiver_email, sender_email, is_read);`,
		`CREATE INDEX IF NOT EXISTS idx_messages_created_seq ON messages(created_at, seq);`,
		`CREATE TRIGGER IF NOT EXISTS messages_append_only
            BEFORE DELETE ON messages
            BEGIN SELECT RAISE(ABORT, 'messages are append-only'); END;`,
		`CREATE TRIGGER IF NOT EXISTS messages_immutable
            BEFORE UPDATE OF id, seq, sender_email, sender_name, receiver_email, product_id, product_title, text, created_at ON messages
            BEGIN SELECT RAISE(ABORT, 'messages are immutable'); END;`,
		`CREATE TRIGGER IF NOT EXISTS messages_read_monotonic
            BEFORE UPDATE OF is_read ON messages
            WHEN OLD.is_read = 1 AND NEW.is_read = 0
            BEGIN SELECT RAISE(ABORT, 'read state cannot revert'); END;`,
	}

	for _, statement := range statements {
		if _, err := s.db.ExecContext(ctx, statement); err != nil {
			return storageErr("apply schema", err)
		}
	}
	return nil
}

func (s *Store) UpsertUser(ctx context.Context, user identity.User, now time.Time) error {
	email, err := identity.NormalizeEmail(user.Email)
	if err != nil {
		return &ValidationError{Field: "email", Reason: err.Error()}
	}
	query := `INSERT INTO users (email, name, phone, created_at, last_login)
        VALUES (?, ?, ?, ?, ?)
        ON CONFLICT(email) DO UPDATE SET
            name = CASE WHEN excluded.name <> '' THEN excluded.name ELSE users.name END,
            phone = CASE WHEN excluded.phone <> '' THEN excluded.phone ELSE users.phone END,
            last_login = excluded.last_login;`
	_, err = s.db.ExecContext(ctx, query,
		email,
		strings.TrimSpace(user.Name),
		strings.TrimSpace(user.Phone),
		now.Unix(),
		now.Unix(),
	)
	if err != nil {
		return storageErr("upsert user", err)
	}
	return nil
}

func (s *Store) GetUser(ctx context.Context, email string) (User, error) {
	var user User
	var createdAt, lastLogin int64
	row := s.db.QueryRowContext(ctx, `SELECT email, name, phone, created_at, last_login
        FROM users WHERE email = ?;`, strings.ToLower(strings.TrimSpace(email)))
	if err := row.Scan(&user.Email, &user.Name, &user.Phone, &createdAt, &lastLogin); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return User{}, ErrNotFound
		}
		return User{}, storageErr("get user", err)
	}
	user.CreatedAt = time.Unix(createdAt, 0)
	user.LastLogin = time.Unix(lastLogin, 0)
	return user, nil
}

// Names returns the registered display names for the given emails. Unknown
// emails are absent from the result.
func (s *Store) Names(ctx context.Context, emails []string) (map[string]string, error) {
	result := make(map[string]string)
	if len(emails) == 0 {
		return result, nil
	}
	placeholders := strings.Repeat("?,", len(emails))
	placeholders = strings.TrimSuffix(placeholders, ",")
	query := fmt.Sprintf(`SELECT email, name FROM users WHERE email IN (%s);`, placeholders)

	args := make([]any, len(emails))
	for i, email := range emails {
		args[i] = email
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, storageErr("list names", err)
	}
	defer rows.Close()

	for rows.Next() {
		var email, name string
		if err := rows.Scan(&email, &name); err != nil {
			return nil, storageErr("list names", err)
		}
		if name != "" {
			result[email] = name
		}
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr("list names", err)
	}
	return result, nil
}

// Append validates msg, stores it and returns the stored record with its id,
// append position and timestamp assigned.
func (s *Store) Append(ctx context.Context, msg Message) (Message, error) {
	msg, err := s.prepare(msg)
	if err != nil {
		return Message{}, err
	}

	unlock := s.locks.Lock(msg.SenderEmail, msg.ReceiverEmail)
	defer unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Message{}, storageErr("begin tx", err)
	}
	defer tx.Rollback()

	if err := insertMessage(ctx, tx, &msg); err != nil {
		return Message{}, err
	}
	if err := tx.Commit(); err != nil {
		return Message{}, storageErr("commit message", err)
	}
	return msg, nil
}

// SeedIfEmpty inserts msgs only when user has no messages yet. The check and
// the inserts run in one transaction while every participant is locked.
func (s *Store) SeedIfEmpty(ctx context.Context, user string, msgs []Message) (bool, error) {
	email, err := identity.NormalizeEmail(user)
	if err != nil {
		return false, &ValidationError{Field: "user email", Reason: err.Error()}
	}
	prepared := make([]Message, 0, len(msgs))
	participants := []string{email}
	for _, msg := range msgs {
		msg, err := s.prepare(msg)
		if err != nil {
			return false, err
		}
		prepared = append(prepared, msg)
		participants = append(participants, msg.SenderEmail, msg.ReceiverEmail)
	}

	unlock := s.locks.Lock(participants...)
	defer unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, storageErr("begin tx", err)
	}
	defer tx.Rollback()

	var count int64
	if err := tx.QueryRowContext(ctx, `SELECT COUNT(1) FROM messages WHERE sender_email = ? OR receiver_email = ?;`,
		email, email).Scan(&count); err != nil {
		return false, storageErr("count messages", err)
	}
	if count > 0 {
		return false, nil
	}
	for i := range prepared {
		if err := insertMessage(ctx, tx, &prepared[i]); err != nil {
			return false, err
		}
	}
	if err := tx.Commit(); err != nil {
		return false, storageErr("commit seed", err)
	}
	return true, nil
}

func (s *Store) prepare(msg Message) (Message, error) {
	msg, err := Validate(msg)
	if err != nil {
		return Message{}, err
	}
	msg.ID = uuid.NewString()
	msg.Read = false
	if msg.Timestamp.IsZero() {
		msg.Timestamp = s.now()
	}
	msg.Timestamp = time.Unix(0, msg.Timestamp.UnixNano()).UTC()
	return msg, nil
}

func insertMessage(ctx context.Context, tx *sql.Tx, msg *Message) error {
	result, err := tx.ExecContext(ctx, `INSERT INTO messages
        (id, sender_email, sender_name, receiver_email, product_id, product_title, text, created_at, is_read)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?, 0);`,
		msg.ID,
		msg.SenderEmail,
		msg.SenderName,
		msg.ReceiverEmail,
		nullString(msg.ProductID),
		nullString(msg.ProductTitle),
		msg.Text,
		msg.Timestamp.UnixNano(),
	)
	if err != nil {
		return storageErr("insert message", err)
	}
	seq, err := result.LastInsertId()
	if err != nil {
		return storageErr("insert message", err)
	}
	msg.Seq = seq
	return nil
}

// Between returns every message exchanged by userA and userB in either
// direction and for any product, oldest first.
func (s *Store) Between(ctx context.Context, userA, userB string) ([]Message, error) {
	a, b, err := normalizePair(userA, userB)
	if err != nil {
		return nil, err
	}
	unlock := s.locks.RLock(a, b)
	defer unlock()

	return queryMessages(ctx, s.db, "list conversation", betweenQuery, a, b, b, a)
}

const betweenQuery = `SELECT ` + messageColumns + `
        FROM messages
        WHERE (sender_email = ? AND receiver_email = ?) OR (sender_email = ? AND receiver_email = ?)
        ORDER BY created_at ASC, seq ASC;`

// OpenThread returns the exchange between user and counterpart and marks
// read what counterpart sent to user, in one transaction under both
// participants' locks. The returned messages carry their state from before
// the update, and only those messages are marked.
func (s *Store) OpenThread(ctx context.Context, user, counterpart string) ([]Message, int64, error) {
	receiver, sender, err := normalizePair(user, counterpart)
	if err != nil {
		return nil, 0, err
	}
	unlock := s.locks.Lock(receiver, sender)
	defer unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, 0, storageErr("begin tx", err)
	}
	defer tx.Rollback()

	msgs, err := queryMessages(ctx, tx, "open thread", betweenQuery, receiver, sender, sender, receiver)
	if err != nil {
		return nil, 0, err
	}
	var lastSeq int64
	for _, msg := range msgs {
		lastSeq = max(lastSeq, msg.Seq)
	}
	result, err := tx.ExecContext(ctx, `UPDATE messages SET is_read = 1
        WHERE receiver_email = ? AND sender_email = ? AND is_read = 0 AND seq <= ?;`, receiver, sender, lastSeq)
	if err != nil {
		return nil, 0, storageErr("open thread", err)
	}
	changed, err := result.RowsAffected()
	if err != nil {
		return nil, 0, storageErr("open thread", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, 0, storageErr("commit open thread", err)
	}
	return msgs, changed, nil
}

// MessagesFor returns every message user sent or received, in append order.
func (s *Store) MessagesFor(ctx context.Context, user string) ([]Message, error) {
	email, err := identity.NormalizeEmail(user)
	if err != nil {
		return nil, &ValidationError{Field: "user email", Reason: err.Error()}
	}
	unlock := s.locks.RLock(email)
	defer unlock()

	return queryMessages(ctx, s.db, "list messages", `SELECT `+messageColumns+`
        FROM messages
        WHERE sender_email = ? OR receiver_email = ?
        ORDER BY seq ASC;`, email, email)
}

func (s *Store) CountFor(ctx context.Context, user string) (int64, error) {
	email, err := identity.NormalizeEmail(user)
	if err != nil {
		return 0, &ValidationError{Field: "user email", Reason: err.Error()}
	}
	unlock := s.locks.RLock(email)
	defer unlock()

	var count int64
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(1) FROM messages WHERE sender_email = ? OR receiver_email = ?;`,
		email, email).Scan(&count); err != nil {
		return 0, storageErr("count messages", err)
	}
	return count, nil
}

// MarkRead flips every unread message counterpart sent to forUser, across all
// products, and returns how many changed. Messages forUser sent are untouched.
func (s *Store) MarkRead(ctx context.Context, forUser, counterpart string) (int64, error) {
	receiver, sender, err := normalizePair(forUser, counterpart)
	if err != nil {
		return 0, err
	}
	unlock := s.locks.Lock(receiver, sender)
	defer unlock()

	result, err := s.db.ExecContext(ctx, `UPDATE messages SET is_read = 1
        WHERE receiver_email = ? AND sender_email = ? AND is_read = 0;`, receiver, sender)
	if err != nil {
		return 0, storageErr("mark read", err)
	}
	changed, err := result.RowsAffected()
	if err != nil {
		return 0, storageErr("mark read", err)
	}
	return changed, nil
}

const messageColumns = `seq, id, sender_email, sender_name, receiver_email, product_id, product_title, text, created_at, is_read`

type queryer interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

func queryMessages(ctx context.Context, q queryer, op, query string, args ...any) ([]Message, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, storageErr(op, err)
	}
	defer rows.Close()

	messages := []Message{}
	for rows.Next() {
		var msg Message
		var productID, productTitle sql.NullString
		var createdAt int64
		if err := rows.Scan(
			&msg.Seq,
			&msg.ID,
			&msg.SenderEmail,
			&msg.SenderName,
			&msg.ReceiverEmail,
			&productID,
			&productTitle,
			&msg.Text,
			&createdAt,
			&msg.Read,
		); err != nil {
			return nil, storageErr(op, err)
		}
		msg.ProductID = productID.String
		msg.ProductTitle = productTitle.String
		msg.Timestamp = time.Unix(0, createdAt).UTC()
		messages = append(messages, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr(op, err)
	}
	return messages, nil
}

func nullString(value string) any {
	if value == "" {
		return nil
	}
	return value
}

package store

import (
	"errors"
	"fmt"
	"strings"

	"github.io/infrasutra/marketchat/internal/identity"
)

var (
	ErrValidation = errors.New("validation failed")
	ErrStorage    = errors.New("storage failure")
	ErrNotFound   = errors.New("not found")
)

// ValidationError reports a malformed field. It is returned before any write happens.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

func (e *ValidationError) Is(target error) bool {
	return target == ErrValidation
}

// StorageError wraps a durable read or write failure of the underlying database.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *StorageError) Unwrap() error {
	return e.Err
}

func (e *StorageError) Is(target error) bool {
	return target == ErrStorage
}

func storageErr(op string, err error) error {
	return &StorageError{Op: op, Err: err}
}

// Validate checks a message for append and returns its normalized form.
func Validate(msg Message) (Message, error) {
	sender, err := identity.NormalizeEmail(msg.SenderEmail)
	if err != nil {
		return Message{}, &ValidationError{Field: "sender email", Reason: err.Error()}
	}
	receiver, err := identity.NormalizeEmail(msg.ReceiverEmail)
	if err != nil {
		return Message{}, &ValidationError{Field: "receiver email", Reason: err.Error()}
	}
	if sender == receiver {
		return Message{}, &ValidationError{Field: "receiver email", Reason: "must differ from sender"}
	}
	msg.SenderEmail = sender
	msg.ReceiverEmail = receiver
	msg.SenderName = identity.DisplayName(msg.SenderName, sender)

	msg.Text = strings.TrimSpace(msg.Text)
	if msg.Text == "" {
		return Message{}, &ValidationError{Field: "text", Reason: "must not be empty"}
	}

	msg.ProductID = strings.TrimSpace(msg.ProductID)
	msg.ProductTitle = strings.TrimSpace(msg.ProductTitle)
	if msg.HasProduct() != (msg.ProductTitle != "") {
		return Message{}, &ValidationError{Field: "product", Reason: "id and title must be supplied together"}
	}
	return msg, nil
}

func normalizePair(a, b string) (string, string, error) {
	first, err := identity.NormalizeEmail(a)
	if err != nil {
		return "", "", &ValidationError{Field: "user email", Reason: err.Error()}
	}
	second, err := identity.NormalizeEmail(b)
	if err != nil {
		return "", "", &ValidationError{Field: "counterpart email", Reason: err.Error()}
	}
	return first, second, nil
}

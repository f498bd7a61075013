package messaging

import (
	"errors"
	"fmt"

	"github.io/infrasutra/marketchat/internal/store"
)

// ErrNoIdentity is matched by every PreconditionError.
var ErrNoIdentity = errors.New("no authenticated user")

// PreconditionError means an operation was called without a current user.
type PreconditionError struct {
	Op string
}

func (e *PreconditionError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, ErrNoIdentity)
}

func (e *PreconditionError) Is(target error) bool {
	return target == ErrNoIdentity
}

// Kind names the error class for logs and metrics labels.
func Kind(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrNoIdentity):
		return "precondition"
	case errors.Is(err, store.ErrValidation):
		return "validation"
	case errors.Is(err, store.ErrStorage):
		return "storage"
	default:
		return "internal"
	}
}

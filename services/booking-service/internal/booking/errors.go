package booking

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrNotFound          = errors.New("booking: not found")
	ErrPermissionDenied  = errors.New("booking: permission denied")
	ErrInvalidWindow     = errors.New("booking: invalid window")
	ErrConflict          = errors.New("booking: window conflicts with an existing booking")
	ErrStoreUnavailable  = errors.New("booking: store unavailable")
	ErrPartialWrite      = errors.New("booking: partial write")
	ErrInvalidTransition = errors.New("booking: invalid status transition")

	// ErrSerialization is returned by stores when the database aborted the
	// transaction to keep it serializable. The whole transaction is retried.
	ErrSerialization = errors.New("booking: serialization failure")
)

// ConflictError names the bookings that block a window. It matches ErrConflict.
type ConflictError struct {
	CarID      string
	BookingIDs []string
}

func (e *ConflictError) Error() string {
	if len(e.BookingIDs) == 0 {
		return fmt.Sprintf("%s (car %s)", ErrConflict, e.CarID)
	}
	return fmt.Sprintf("%s (car %s: %s)", ErrConflict, e.CarID, strings.Join(e.BookingIDs, ", "))
}

func (e *ConflictError) Unwrap() error { return ErrConflict }

// IsTransient reports whether the caller may retry the same request.
func IsTransient(err error) bool {
	return errors.Is(err, ErrStoreUnavailable) || errors.Is(err, ErrSerialization)
}

func isDomain(err error) bool {
	for _, target := range []error{ErrNotFound, ErrPermissionDenied, ErrInvalidWindow, ErrConflict, ErrStoreUnavailable, ErrPartialWrite, ErrInvalidTransition} {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}

package controller

import (
	"context"
	"errors"
	"fmt"

	"gorm.io/gorm"

	"github.com/arkchat/arkchat/internal/chat"
)

// The controller never lets one of these escape while leaving the in-memory
// state inconsistent; every failure path restores a renderable state first.
var (
	ErrValidation  = errors.New("validation failed")
	ErrNotFound    = errors.New("not found")
	ErrPermission  = errors.New("permission denied")
	ErrTransport   = errors.New("transport failed")
	ErrCancelled   = errors.New("generation cancelled")
	ErrPersistence = errors.New("persistence failed")
)

// classify maps collaborator errors onto the controller taxonomy. Anything
// unrecognized falls back to the given category.
func classify(err, fallback error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, gorm.ErrRecordNotFound):
		return fmt.Errorf("%w: %v", ErrNotFound, err)
	case errors.Is(err, chat.ErrForbidden):
		return fmt.Errorf("%w: %v", ErrPermission, err)
	case errors.Is(err, chat.ErrInvalidMessage):
		return fmt.Errorf("%w: %v", ErrValidation, err)
	case errors.Is(err, context.Canceled):
		return fmt.Errorf("%w: %v", ErrCancelled, err)
	default:
		return fmt.Errorf("%w: %v", fallback, err)
	}
}

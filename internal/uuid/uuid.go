// Package uuid provides identifier generation for queued requests and
// notifications.
package uuid

import (
	"fmt"
	"sync/atomic"

	"github.com/google/uuid"
)

// Generator produces a new unique identifier on every call.
type Generator func() string

// New generates a new UUID v4.
func New() string {
	return uuid.New().String()
}

// Sequential returns a Generator yielding prefix-1, prefix-2, ... It is
// used where stable, readable ids matter more than global uniqueness.
func Sequential(prefix string) Generator {
	var n atomic.Int64
	return func() string {
		return fmt.Sprintf("%s-%d", prefix, n.Add(1))
	}
}

// Validate returns an error if s is not a canonical UUID v4 string.
func Validate(s string) error {
	if len(s) != 36 {
		return fmt.Errorf("invalid UUID v4 format: %q", s)
	}
	id, err := uuid.Parse(s)
	if err != nil {
		return fmt.Errorf("invalid UUID v4 format: %q", s)
	}
	if id.Version() != 4 || id.Variant() != uuid.RFC4122 {
		return fmt.Errorf("expected UUID v4, got v%d", id.Version())
	}
	return nil
}

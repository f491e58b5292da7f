package context

import (
	"context"
	"time"
)

// Default timeouts for different operations
const (
	// DefaultTimeout bounds signaling writes and other mailbox round trips
	DefaultTimeout = 30 * time.Second

	// ShortTimeout is for quick lookups like presence reads
	ShortTimeout = 5 * time.Second

	// MediumTimeout is for archive queries
	MediumTimeout = 10 * time.Second
)

// WithDefaultTimeout creates a context with the default timeout
func WithDefaultTimeout(parent context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(parent, DefaultTimeout)
}

// WithShortTimeout creates a context with a short timeout
func WithShortTimeout(parent context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(parent, ShortTimeout)
}

// WithMediumTimeout creates a context with a medium timeout
func WithMediumTimeout(parent context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(parent, MediumTimeout)
}

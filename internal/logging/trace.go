package logging

import (
	"context"

	"github.com/google/uuid"
)

type contextKey string

const attemptIDKey contextKey = "attempt_id"

// NewAttemptID returns a unique id for one shard execution attempt.
func NewAttemptID() string {
	return uuid.NewString()
}

// WithAttemptID adds an attempt id to ctx. If id is empty, generates one.
func WithAttemptID(ctx context.Context, id string) context.Context {
	if id == "" {
		id = NewAttemptID()
	}
	return context.WithValue(ctx, attemptIDKey, id)
}

// AttemptID extracts the attempt id from ctx, or "" if not present.
func AttemptID(ctx context.Context) string {
	if v, ok := ctx.Value(attemptIDKey).(string); ok {
		return v
	}
	return ""
}

// FromContext returns l tagged with the attempt id carried by ctx, if any.
func (l *Logger) FromContext(ctx context.Context) *Logger {
	id := AttemptID(ctx)
	if id == "" {
		return l
	}
	c := *l
	c.attempt = id
	return &c
}

package logger

import (
	"context"

	"github.com/google/uuid"
)

// WithTraceID stores traceID in ctx, generating a UUID when it is empty.
func WithTraceID(ctx context.Context, traceID string) context.Context {
	if traceID == "" {
		traceID = NewTraceID()
	}
	return context.WithValue(ctx, TraceIDKey, traceID)
}

func GetTraceID(ctx context.Context) string {
	if traceID, ok := ctx.Value(TraceIDKey).(string); ok {
		return traceID
	}
	return ""
}

// WithReleaseID tags every log line of one release fan-out.
func WithReleaseID(ctx context.Context, releaseID string) context.Context {
	return context.WithValue(ctx, ReleaseIDKey, releaseID)
}

func GetReleaseID(ctx context.Context) string {
	if releaseID, ok := ctx.Value(ReleaseIDKey).(string); ok {
		return releaseID
	}
	return ""
}

func NewTraceID() string {
	return uuid.New().String()
}

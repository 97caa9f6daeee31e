package tracing

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// RequestIDHeader carries the request id in both directions.
const RequestIDHeader = "X-Request-ID"

const maxRequestIDLen = 128

type requestKey struct{}

type requestScope struct {
	id      string
	started time.Time
}

func scopeFrom(ctx context.Context) requestScope {
	scope, _ := ctx.Value(requestKey{}).(requestScope)
	return scope
}

func GenerateRequestID() string {
	return "req_" + uuid.NewString()
}

// WithRequestID replaces the request id carried by ctx, keeping its start time.
func WithRequestID(ctx context.Context, requestID string) context.Context {
	scope := scopeFrom(ctx)
	scope.id = requestID
	return context.WithValue(ctx, requestKey{}, scope)
}

// WithRequest starts a request scope. A client-supplied id is kept only when
// it is short and made of printable ASCII; otherwise a fresh one is generated.
func WithRequest(ctx context.Context, requestID string) context.Context {
	if !validRequestID(requestID) {
		requestID = GenerateRequestID()
	}
	return context.WithValue(ctx, requestKey{}, requestScope{id: requestID, started: time.Now()})
}

func validRequestID(id string) bool {
	if id == "" || len(id) > maxRequestIDLen {
		return false
	}
	for i := 0; i < len(id); i++ {
		if id[i] <= ' ' || id[i] > '~' {
			return false
		}
	}
	return true
}

func GetRequestID(ctx context.Context) string {
	return scopeFrom(ctx).id
}

func GetStartTime(ctx context.Context) time.Time {
	return scopeFrom(ctx).started
}

// Duration is the time elapsed since WithRequest, or zero outside a request.
func Duration(ctx context.Context) time.Duration {
	started := GetStartTime(ctx)
	if started.IsZero() {
		return 0
	}
	return time.Since(started)
}

// LogFields returns the correlation fields carried by ctx.
func LogFields(ctx context.Context) logrus.Fields {
	fields := logrus.Fields{}
	if id := GetRequestID(ctx); id != "" {
		fields["request_id"] = id
	}
	if id := GetOtelTraceID(ctx); id != "" {
		fields["trace_id"] = id
	}
	return fields
}

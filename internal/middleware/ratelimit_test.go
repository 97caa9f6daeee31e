package middleware

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	apperrors "chatsync/internal/errors"
	"chatsync/internal/metrics"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fixedClock(start time.Time) (func() time.Time, func(time.Duration)) {
	now := start
	return func() time.Time { return now }, func(d time.Duration) { now = now.Add(d) }
}

func TestRateLimiter_BurstThenRefill(t *testing.T) {
	rl := NewRateLimiter(1, 2)
	clock, advance := fixedClock(time.Unix(1700000000, 0))
	rl.now = clock

	for i := 0; i < 2; i++ {
		ok, wait := rl.Allow("10.0.0.1")
		require.True(t, ok, "request %d within burst", i)
		assert.Zero(t, wait)
	}

	ok, wait := rl.Allow("10.0.0.1")
	assert.False(t, ok)
	assert.InDelta(t, time.Second, wait, float64(10*time.Millisecond))

	ok, _ = rl.Allow("10.0.0.2")
	assert.True(t, ok, "buckets are per client")

	advance(time.Second)
	ok, _ = rl.Allow("10.0.0.1")
	assert.True(t, ok)
}

func TestRateLimiter_RejectedRequestsDoNotConsumeTokens(t *testing.T) {
	rl := NewRateLimiter(1, 1)
	clock, advance := fixedClock(time.Unix(1700000000, 0))
	rl.now = clock

	ok, _ := rl.Allow("client")
	require.True(t, ok)
	for i := 0; i < 5; i++ {
		ok, _ = rl.Allow("client")
		require.False(t, ok)
	}

	advance(time.Second)
	ok, _ = rl.Allow("client")
	assert.True(t, ok)
}

func TestRateLimiter_SweepsIdleClients(t *testing.T) {
	rl := NewRateLimiter(5, 5)
	clock, advance := fixedClock(time.Unix(1700000000, 0))
	rl.now = clock

	rl.Allow("a")
	rl.Allow("b")
	assert.Equal(t, 2, rl.Clients())

	advance(limiterIdleTTL + time.Minute)
	rl.Allow("c")
	assert.Equal(t, 1, rl.Clients())
}

func TestNewRateLimiter_MinimumBurst(t *testing.T) {
	rl := NewRateLimiter(1, 0)
	ok, _ := rl.Allow("client")
	assert.True(t, ok)
}

func TestRateLimitMiddleware(t *testing.T) {
	var logBuffer bytes.Buffer
	logger := logrus.New()
	logger.SetOutput(&logBuffer)

	rl := NewRateLimiter(0.5, 1)
	clock, _ := fixedClock(time.Unix(1700000000, 0))
	rl.now = clock

	router := mux.NewRouter()
	router.Use(RateLimitMiddleware(rl, logger))
	router.HandleFunc("/api/messages", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusAccepted)
	}).Methods(http.MethodPost)

	labels := map[string]string{"endpoint": "/api/messages"}
	before := metrics.GetRegistry().CounterValue("http_rate_limited_total", labels)

	send := func() *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, "/api/messages", nil)
		req.RemoteAddr = "192.168.1.7:5000"
		w := httptest.NewRecorder()
		router.ServeHTTP(w, req)
		return w
	}

	assert.Equal(t, http.StatusAccepted, send().Code)

	w := send()
	require.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Equal(t, "2", w.Header().Get("Retry-After"))

	var body apperrors.HTTPErrorResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, apperrors.ErrCodeRateLimit, body.Error.Code)
	details, ok := body.Error.Context.(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, float64(2), details["retry_after_sec"])

	assert.Equal(t, before+1, metrics.GetRegistry().CounterValue("http_rate_limited_total", labels))
	assert.Contains(t, logBuffer.String(), "Rate limit exceeded")
}

func TestRateLimitMiddleware_NilLimiter(t *testing.T) {
	logger := logrus.New()
	handler := RateLimitMiddleware(nil, logger)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	for i := 0; i < 100; i++ {
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/messages", nil))
		require.Equal(t, http.StatusOK, w.Code)
	}
}

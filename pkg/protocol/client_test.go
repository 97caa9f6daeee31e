package protocol

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"chatsync/pkg/circuitbreaker"
	"chatsync/pkg/constants"
	"chatsync/pkg/protocol/types"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

func quietLogger() *logrus.Logger {
	l := logrus.New()
	l.SetLevel(logrus.PanicLevel)
	return l
}

func newTestClient(t *testing.T, server *httptest.Server) *GatewayClient {
	t.Helper()
	c, err := NewClient(Config{
		BaseURL:                server.URL,
		AuthToken:              "tok",
		CircuitBreakerFailures: 2,
		CircuitBreakerReset:    time.Minute,
		ReconnectInitial:       10 * time.Millisecond,
		ReconnectMax:           20 * time.Millisecond,
	}, server.Client(), quietLogger())
	require.NoError(t, err)
	return c
}

func TestToWebSocketURL(t *testing.T) {
	tests := map[string]string{
		"http://gw:5280/v1/events": "ws://gw:5280/v1/events",
		"https://gw/v1/events":     "wss://gw/v1/events",
		"wss://already/v1/events":  "wss://already/v1/events",
	}
	for in, want := range tests {
		got, err := toWebSocketURL(in)
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}

	_, err := toWebSocketURL("ftp://gw")
	assert.Error(t, err)
}

func TestQueryArchive(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, constants.ArchiveQueryPath, r.URL.Path)
		assert.Equal(t, "Bearer tok", r.Header.Get("Authorization"))

		var q types.ArchiveQuery
		require.NoError(t, json.NewDecoder(r.Body).Decode(&q))
		assert.Equal(t, "bob@example.org", q.ConversationID)
		assert.Equal(t, types.Before, q.Direction)
		assert.Equal(t, 2, q.PageSize)

		body := "hi"
		_ = json.NewEncoder(w).Encode(types.ArchivePage{
			Items: []types.ArchiveItem{
				{ArchiveID: "a1", Stanza: types.Stanza{ID: "m1", From: "bob@example.org/phone", Body: &body}},
			},
			Complete: true,
		})
	}))
	defer server.Close()

	c := newTestClient(t, server)
	page, err := c.QueryArchive(context.Background(), types.ArchiveQuery{
		ConversationID: "bob@example.org", Direction: types.Before, PageSize: 2,
	})
	require.NoError(t, err)
	require.Len(t, page.Items, 1)
	assert.Equal(t, "a1", page.Items[0].ArchiveID)
	assert.Equal(t, "hi", *page.Items[0].Stanza.Body)
	assert.True(t, page.Complete)
}

func TestQueryArchive_ForwardsTraceContext(t *testing.T) {
	previous := otel.GetTextMapPropagator()
	otel.SetTextMapPropagator(propagation.TraceContext{})
	defer otel.SetTextMapPropagator(previous)

	provider := sdktrace.NewTracerProvider()
	defer func() { _ = provider.Shutdown(context.Background()) }()
	ctx, span := provider.Tracer("test").Start(context.Background(), "paging.older_page")
	defer span.End()

	var traceparent string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		traceparent = r.Header.Get("traceparent")
		_, _ = w.Write([]byte(`{"items":[],"complete":true}`))
	}))
	defer server.Close()

	c := newTestClient(t, server)
	_, err := c.QueryArchive(ctx, types.ArchiveQuery{ConversationID: "bob@example.org", Direction: types.Before, PageSize: 1})
	require.NoError(t, err)
	assert.Contains(t, traceparent, span.SpanContext().TraceID().String())
}

func TestSend(t *testing.T) {
	var echo atomic.Bool
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, constants.SendPath, r.URL.Path)
		if echo.Load() {
			_, _ = w.Write([]byte(`{}`))
			return
		}
		_, _ = w.Write([]byte(`{"id":"server-id"}`))
	}))
	defer server.Close()

	c := newTestClient(t, server)
	id, err := c.Send(context.Background(), types.Stanza{ID: "local-id", To: "bob@example.org"})
	require.NoError(t, err)
	assert.Equal(t, "server-id", id)

	echo.Store(true)
	id, err = c.Send(context.Background(), types.Stanza{ID: "local-id", To: "bob@example.org"})
	require.NoError(t, err)
	assert.Equal(t, "local-id", id)

	long := make([]byte, constants.MaxMessageIDLength+1)
	for i := range long {
		long[i] = 'x'
	}
	_, err = c.Send(context.Background(), types.Stanza{ID: string(long)})
	assert.Error(t, err)
}

func TestHTTPErrorsAndCircuitBreaker(t *testing.T) {
	var status atomic.Int32
	status.Store(http.StatusBadRequest)
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(int(status.Load()))
		_, _ = w.Write([]byte("nope"))
	}))
	defer server.Close()

	c := newTestClient(t, server)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := c.Send(ctx, types.Stanza{ID: "x"})
		var statusErr *StatusError
		require.ErrorAs(t, err, &statusErr)
		assert.False(t, statusErr.Temporary())
	}
	assert.Equal(t, circuitbreaker.StateClosed, c.BreakerState())

	status.Store(http.StatusServiceUnavailable)
	for i := 0; i < 2; i++ {
		_, err := c.QueryArchive(ctx, types.ArchiveQuery{Direction: types.Before, PageSize: 10})
		assert.Error(t, err)
	}
	assert.Equal(t, circuitbreaker.StateOpen, c.BreakerState())

	before := calls.Load()
	_, err := c.Send(ctx, types.Stanza{ID: "y"})
	assert.True(t, circuitbreaker.IsOpen(err))
	assert.Equal(t, before, calls.Load())
}

func TestSubscribe_UnknownClass(t *testing.T) {
	server := httptest.NewServer(http.NotFoundHandler())
	defer server.Close()

	c := newTestClient(t, server)
	_, err := c.Subscribe(context.Background(), types.ClassArchive)
	assert.Error(t, err)
}

func TestRun_DispatchesEventsAndSignalsReconnects(t *testing.T) {
	var connections atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer tok" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		defer conn.CloseNow()
		n := connections.Add(1)

		ctx := r.Context()
		body := "hello"
		_ = conn.Write(ctx, websocket.MessageText, []byte("{not json"))
		_ = wsjson.Write(ctx, conn, types.Event{
			Class:  types.ClassDirectMessage,
			Stanza: &types.Stanza{ID: "m1", From: "bob@example.org/phone", To: "alice@example.org", Body: &body},
		})
		_ = wsjson.Write(ctx, conn, types.Event{Class: types.ClassSendAck, Ack: &types.SendAck{ID: "out-1"}})

		if n == 1 {
			// drop the first connection to force a reconnect
			conn.Close(websocket.StatusGoingAway, "restart")
			return
		}
		<-ctx.Done()
	}))
	defer server.Close()

	c := newTestClient(t, server)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	direct, err := c.Subscribe(ctx, types.ClassDirectMessage)
	require.NoError(t, err)
	acks, err := c.Subscribe(ctx, types.ClassSendAck)
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()

	select {
	case <-c.Reconnects():
	case <-time.After(5 * time.Second):
		t.Fatal("expected a reconnect signal")
	}

	// both connections deliver the same two events
	for i := 0; i < 2; i++ {
		select {
		case ev := <-direct:
			require.NotNil(t, ev.Stanza)
			assert.Equal(t, "m1", ev.Stanza.ID)
			assert.False(t, ev.ReceivedAt.IsZero())
		case <-time.After(5 * time.Second):
			t.Fatal("expected a direct message event")
		}

		select {
		case ev := <-acks:
			require.NotNil(t, ev.Ack)
			assert.Equal(t, "out-1", ev.Ack.ID)
		case <-time.After(5 * time.Second):
			t.Fatal("expected a send ack event")
		}
	}
	assert.Equal(t, int32(2), connections.Load())

	cancel()
	require.NoError(t, <-done)

	_, open := <-direct
	assert.False(t, open, "subscriptions close when Run returns")
	assert.False(t, c.Connected())
}

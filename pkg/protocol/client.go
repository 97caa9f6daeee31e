package protocol

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"chatsync/internal/retry"
	"chatsync/internal/tracing"
	"chatsync/pkg/circuitbreaker"
	"chatsync/pkg/constants"
	"chatsync/pkg/protocol/types"

	"github.com/coder/websocket"
	"github.com/sirupsen/logrus"
)

// ErrNotConnected is returned by calls made while the event feed is down.
var ErrNotConnected = errors.New("gateway not connected")

// StatusError is a non-2xx answer from the gateway.
type StatusError struct {
	Operation  string
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("gateway %s: status %d, body: %s", e.Operation, e.StatusCode, e.Body)
}

// Temporary reports whether retrying the same request may succeed.
func (e *StatusError) Temporary() bool {
	return e.StatusCode >= 500 || e.StatusCode == http.StatusTooManyRequests
}

// Config configures a gateway client.
type Config struct {
	BaseURL                string
	AuthToken              string
	Timeout                time.Duration
	CircuitBreakerFailures uint32
	CircuitBreakerReset    time.Duration
	ReconnectInitial       time.Duration
	ReconnectMax           time.Duration
	// OnBreakerStateChange observes the HTTP circuit breaker.
	OnBreakerStateChange func(name string, from, to circuitbreaker.State)
}

// GatewayClient talks to a protocol gateway that owns the stanza session.
// Live events arrive over one WebSocket feed and are fanned out to
// per-class subscriptions; archive queries and sends are plain HTTP calls.
type GatewayClient struct {
	baseURL   string
	eventsURL string
	authToken string
	client    *http.Client
	breaker   *circuitbreaker.CircuitBreaker
	logger    *logrus.Logger

	reconnectInitial time.Duration
	reconnectMax     time.Duration

	mu         sync.Mutex
	subs       map[types.EventClass][]*subscription
	connected  bool
	reconnects chan struct{}
}

var _ types.Transport = (*GatewayClient)(nil)

func NewClient(cfg Config, httpClient *http.Client, logger *logrus.Logger) (*GatewayClient, error) {
	if logger == nil {
		logger = logrus.New()
		logger.SetLevel(logrus.WarnLevel)
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = constants.DefaultHTTPTimeoutSec * time.Second
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: cfg.Timeout}
	}
	if cfg.ReconnectInitial <= 0 {
		cfg.ReconnectInitial = constants.DefaultBackoffInitialMs * time.Millisecond
	}
	if cfg.ReconnectMax <= 0 {
		cfg.ReconnectMax = constants.DefaultBackoffMaxSec * time.Second
	}

	base := strings.TrimSuffix(cfg.BaseURL, "/")
	eventsURL, err := toWebSocketURL(base + constants.EventsPath)
	if err != nil {
		return nil, err
	}

	breaker := circuitbreaker.New("gateway", circuitbreaker.Config{
		MaxFailures:   cfg.CircuitBreakerFailures,
		OpenTimeout:   cfg.CircuitBreakerReset,
		IsFailure:     isBreakerFailure,
		OnStateChange: cfg.OnBreakerStateChange,
		Logger:        logger,
	})

	return &GatewayClient{
		baseURL:          base,
		eventsURL:        eventsURL,
		authToken:        cfg.AuthToken,
		client:           httpClient,
		breaker:          breaker,
		logger:           logger,
		reconnectInitial: cfg.ReconnectInitial,
		reconnectMax:     cfg.ReconnectMax,
		subs:             make(map[types.EventClass][]*subscription),
		reconnects:       make(chan struct{}, constants.ReconnectSignalBuffer),
	}, nil
}

func toWebSocketURL(raw string) (string, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("invalid gateway URL: %w", err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("unsupported gateway URL scheme %q", u.Scheme)
	}
	return u.String(), nil
}

// Client errors and 4xx answers say nothing about gateway health.
func isBreakerFailure(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var statusErr *StatusError
	if errors.As(err, &statusErr) {
		return statusErr.Temporary()
	}
	return true
}

// BreakerState exposes the HTTP circuit breaker state for health checks.
func (c *GatewayClient) BreakerState() circuitbreaker.State {
	return c.breaker.State()
}

// Connected reports whether the event feed is currently up.
func (c *GatewayClient) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

// Reconnects signals every successful (re)connect of the event feed.
// Signals coalesce while nobody is reading.
func (c *GatewayClient) Reconnects() <-chan struct{} {
	return c.reconnects
}

// QueryArchive fetches one page of server-side history.
func (c *GatewayClient) QueryArchive(ctx context.Context, q types.ArchiveQuery) (*types.ArchivePage, error) {
	var page types.ArchivePage
	if err := c.postJSON(ctx, "archive query", constants.ArchiveQueryPath, q, &page); err != nil {
		return nil, err
	}

	c.logger.WithFields(logrus.Fields{
		"direction": q.Direction,
		"page_size": q.PageSize,
		"items":     len(page.Items),
		"complete":  page.Complete,
	}).Debug("Archive page received")
	return &page, nil
}

type sendResponse struct {
	ID string `json:"id"`
}

// Send hands one stanza to the gateway and returns the id it went out with.
func (c *GatewayClient) Send(ctx context.Context, stanza types.Stanza) (string, error) {
	if len(stanza.ID) > constants.MaxMessageIDLength {
		return "", fmt.Errorf("stanza id exceeds %d characters", constants.MaxMessageIDLength)
	}

	var resp sendResponse
	if err := c.postJSON(ctx, "send", constants.SendPath, stanza, &resp); err != nil {
		return "", err
	}
	if resp.ID == "" {
		resp.ID = stanza.ID
	}
	return resp.ID, nil
}

func (c *GatewayClient) postJSON(ctx context.Context, operation, path string, payload, out interface{}) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal %s request: %w", operation, err)
	}

	return c.breaker.Execute(ctx, func(ctx context.Context) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
		if err != nil {
			return fmt.Errorf("failed to create request: %w", err)
		}
		req.Header.Set("Content-Type", "application/json")
		c.authorize(req.Header)
		tracing.InjectHTTP(ctx, req.Header)

		resp, err := c.client.Do(req)
		if err != nil {
			return fmt.Errorf("failed to send %s request: %w", operation, err)
		}
		defer resp.Body.Close()

		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			bodyBytes, _ := io.ReadAll(io.LimitReader(resp.Body, constants.DefaultMaxErrorBodyBytes))
			return &StatusError{Operation: operation, StatusCode: resp.StatusCode, Body: string(bodyBytes)}
		}

		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("failed to decode %s response: %w", operation, err)
		}
		return nil
	})
}

func (c *GatewayClient) authorize(h http.Header) {
	if c.authToken != "" {
		h.Set("Authorization", "Bearer "+c.authToken)
	}
}

// Run keeps the event feed connected until ctx ends, redialing with
// exponential backoff. All subscriptions are closed when Run returns.
func (c *GatewayClient) Run(ctx context.Context) error {
	defer c.closeAll()

	backoff := retry.NewBackoff(retry.BackoffConfig{
		InitialDelay: c.reconnectInitial,
		MaxDelay:     c.reconnectMax,
		Multiplier:   2,
		Jitter:       true,
	})
	failures := 0
	for {
		conn, err := c.dial(ctx)
		if err == nil {
			failures = 0
			c.setConnected(true)
			c.signalReconnect()
			err = c.readLoop(ctx, conn)
			c.setConnected(false)
		}

		if ctx.Err() != nil {
			return nil
		}

		failures++
		delay := backoff.Delay(failures)
		c.logger.WithError(err).WithFields(logrus.Fields{
			"retry_in": delay.String(),
			"failures": failures,
		}).Warn("Gateway event feed disconnected")

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil
		case <-timer.C:
		}
	}
}

func (c *GatewayClient) dial(ctx context.Context) (*websocket.Conn, error) {
	dialCtx, cancel := context.WithTimeout(ctx, constants.DefaultWebSocketDialSec*time.Second)
	defer cancel()

	header := http.Header{}
	c.authorize(header)

	conn, _, err := websocket.Dial(dialCtx, c.eventsURL, &websocket.DialOptions{ //nolint:bodyclose // websocket.Dial closes the response body internally
		HTTPHeader: header,
	})
	if err != nil {
		return nil, fmt.Errorf("dialing event feed: %w", err)
	}
	conn.SetReadLimit(constants.DefaultWebSocketReadLimit)

	c.logger.WithField("url", c.eventsURL).Info("Gateway event feed connected")
	return conn, nil
}

func (c *GatewayClient) readLoop(ctx context.Context, conn *websocket.Conn) error {
	defer conn.CloseNow()

	pingCtx, stopPing := context.WithCancel(ctx)
	defer stopPing()
	go c.keepAlive(pingCtx, conn)

	for {
		typ, data, err := conn.Read(ctx)
		if err != nil {
			return fmt.Errorf("reading event: %w", err)
		}
		if typ != websocket.MessageText {
			c.logger.WithField("bytes", len(data)).Debug("Ignoring binary frame on event feed")
			continue
		}

		var ev types.Event
		if err := json.Unmarshal(data, &ev); err != nil {
			c.logger.WithError(err).WithField("bytes", len(data)).Warn("Dropping unparseable event frame")
			continue
		}
		if ev.ReceivedAt.IsZero() {
			ev.ReceivedAt = time.Now()
		}
		c.dispatch(ctx, ev)
	}
}

func (c *GatewayClient) keepAlive(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(constants.DefaultWebSocketPingSec * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := conn.Ping(ctx); err != nil {
				c.logger.WithError(err).Debug("Event feed ping failed")
				return
			}
		}
	}
}

func (c *GatewayClient) setConnected(v bool) {
	c.mu.Lock()
	c.connected = v
	c.mu.Unlock()
}

func (c *GatewayClient) signalReconnect() {
	select {
	case c.reconnects <- struct{}{}:
	default:
	}
}

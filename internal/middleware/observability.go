package middleware

import (
	"bufio"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"chatsync/internal/httputil"
	"chatsync/internal/metrics"
	"chatsync/internal/service"
	"chatsync/internal/tracing"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

// ObservabilityMiddleware adds metrics collection and tracing to HTTP requests.
// Routes are labelled by their template so conversation addresses never end up
// in metric labels or logs.
func ObservabilityMiddleware(logger *logrus.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := tracing.ExtractHTTP(r.Context(), r.Header)
			ctx = tracing.WithRequest(ctx, r.Header.Get(tracing.RequestIDHeader))
			route := routeTemplate(r)
			ctx, span := tracing.StartSpan(ctx, "http "+r.Method+" "+route)
			defer span.End()

			r = r.WithContext(ctx)
			requestID := tracing.GetRequestID(ctx)
			w.Header().Set(tracing.RequestIDHeader, requestID)
			clientIP := httputil.ClientIP(r)

			tracing.AddSpanAttributes(ctx,
				attribute.String("http.method", r.Method),
				attribute.String("http.route", route),
				attribute.String("http.host", r.Host),
				attribute.String("user_agent.original", r.Header.Get("User-Agent")),
				attribute.String("client.address", clientIP),
			)

			wrapper := &responseWrapper{
				ResponseWriter: w,
				statusCode:     http.StatusOK,
			}

			logger.WithFields(logrus.Fields{
				service.LogFieldRequestID: requestID,
				service.LogFieldTraceID:   tracing.GetOtelTraceID(ctx),
				service.LogFieldMethod:    r.Method,
				service.LogFieldURL:       route,
				service.LogFieldRemoteIP:  clientIP,
				service.LogFieldUserAgent: r.Header.Get("User-Agent"),
				"content_length":          r.ContentLength,
			}).Debug("HTTP request started")

			metrics.IncrementCounter("http_requests_total", map[string]string{
				"method":   r.Method,
				"endpoint": route,
			}, "Total HTTP requests")

			metrics.AddToGauge("http_requests_active", 1, nil, "Currently active HTTP requests")
			defer func() {
				metrics.AddToGauge("http_requests_active", -1, nil, "Currently active HTTP requests")
			}()

			next.ServeHTTP(wrapper, r)

			duration := tracing.Duration(ctx)
			status := strconv.Itoa(wrapper.statusCode)

			tracing.AddSpanAttributes(ctx,
				attribute.Int("http.response.status_code", wrapper.statusCode),
				attribute.Int64("http.response.size", wrapper.responseSize),
				attribute.Int64("http.request.duration_ms", duration.Milliseconds()),
			)
			if wrapper.statusCode >= 400 {
				tracing.SetSpanStatus(ctx, codes.Error, fmt.Sprintf("HTTP %d", wrapper.statusCode))
			} else {
				tracing.SetSpanStatus(ctx, codes.Ok, "")
			}

			metrics.RecordTimer("http_request_duration", duration, map[string]string{
				"method":      r.Method,
				"endpoint":    route,
				"status_code": status,
			}, "HTTP request duration")

			metrics.IncrementCounter("http_responses_total", map[string]string{
				"method":      r.Method,
				"endpoint":    route,
				"status_code": status,
			}, "HTTP responses by status code")

			logLevel := logrus.InfoLevel
			if wrapper.statusCode >= 400 && wrapper.statusCode < 500 {
				logLevel = logrus.WarnLevel
			} else if wrapper.statusCode >= 500 {
				logLevel = logrus.ErrorLevel
			}

			logger.WithFields(logrus.Fields{
				service.LogFieldRequestID:  requestID,
				service.LogFieldTraceID:    tracing.GetOtelTraceID(ctx),
				service.LogFieldMethod:     r.Method,
				service.LogFieldURL:        route,
				service.LogFieldStatusCode: wrapper.statusCode,
				service.LogFieldDuration:   duration.Milliseconds(),
				service.LogFieldRemoteIP:   clientIP,
				"response_size":            wrapper.responseSize,
			}).Log(logLevel, "HTTP request completed")
		})
	}
}

// StreamObservabilityMiddleware tracks long lived watch streams. It must wrap
// the websocket handler itself so the active gauge spans the whole stream.
func StreamObservabilityMiddleware(logger *logrus.Logger, stream string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			startTime := time.Now()
			ctx := r.Context()

			tracing.AddSpanAttributes(ctx, attribute.String("stream.type", stream))
			metrics.IncrementCounter("ws_streams_total", map[string]string{"type": stream}, "Watch streams opened")
			metrics.AddToGauge("ws_streams_active", 1, map[string]string{"type": stream}, "Currently open watch streams")

			logger.WithFields(logrus.Fields{
				service.LogFieldRequestID: tracing.GetRequestID(ctx),
				service.LogFieldComponent: stream,
				service.LogFieldRemoteIP:  httputil.ClientIP(r),
			}).Info("Watch stream opened")

			next.ServeHTTP(w, r)

			metrics.AddToGauge("ws_streams_active", -1, map[string]string{"type": stream}, "Currently open watch streams")
			lifetime := time.Since(startTime)
			metrics.RecordTimer("ws_stream_lifetime", lifetime, map[string]string{"type": stream}, "Watch stream lifetime")

			logger.WithFields(logrus.Fields{
				service.LogFieldRequestID: tracing.GetRequestID(ctx),
				service.LogFieldComponent: stream,
				service.LogFieldDuration:  lifetime.Milliseconds(),
			}).Info("Watch stream closed")
		})
	}
}

func routeTemplate(r *http.Request) string {
	if route := mux.CurrentRoute(r); route != nil {
		if tpl, err := route.GetPathTemplate(); err == nil {
			return tpl
		}
	}
	return "unmatched"
}

// responseWrapper captures response metrics
type responseWrapper struct {
	http.ResponseWriter
	statusCode   int
	responseSize int64
}

func (rw *responseWrapper) WriteHeader(statusCode int) {
	rw.statusCode = statusCode
	rw.ResponseWriter.WriteHeader(statusCode)
}

func (rw *responseWrapper) Write(data []byte) (int, error) {
	n, err := rw.ResponseWriter.Write(data)
	rw.responseSize += int64(n)
	return n, err
}

// Unwrap lets http.ResponseController reach the underlying writer.
func (rw *responseWrapper) Unwrap() http.ResponseWriter {
	return rw.ResponseWriter
}

// Hijack hands the connection over for websocket upgrades.
func (rw *responseWrapper) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hj, ok := rw.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, fmt.Errorf("response writer does not support hijacking")
	}
	conn, buf, err := hj.Hijack()
	if err == nil {
		rw.statusCode = http.StatusSwitchingProtocols
	}
	return conn, buf, err
}

func (rw *responseWrapper) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

package middleware

import (
	"net/http"
	"strings"

	"chatsync/internal/httputil"
	"chatsync/internal/service"
	"chatsync/internal/tracing"

	"github.com/sirupsen/logrus"
)

// DetailedLoggingConfig controls what gets logged
type DetailedLoggingConfig struct {
	Verbose           bool
	LogRequestHeaders bool
	SensitiveHeaders  []string
	SkipEndpoints     []string
}

// DefaultDetailedLoggingConfig returns the settings used by the API server.
func DefaultDetailedLoggingConfig(verbose bool) DetailedLoggingConfig {
	return DetailedLoggingConfig{
		Verbose:           verbose,
		LogRequestHeaders: true,
		SensitiveHeaders: []string{
			"authorization", "cookie", "set-cookie", "x-auth-token",
			"sec-websocket-key",
		},
		SkipEndpoints: []string{"/metrics", "/health"},
	}
}

// DetailedLoggingMiddleware marks the request context as verbose when
// configured, so service code logs raw addresses and ids, and emits a debug
// record of the request. Message bodies are never logged.
func DetailedLoggingMiddleware(logger *logrus.Logger, config DetailedLoggingConfig) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if config.Verbose {
				r = r.WithContext(service.WithVerbose(r.Context(), true))
			}

			for _, skip := range config.SkipEndpoints {
				if strings.HasPrefix(r.URL.Path, skip) {
					next.ServeHTTP(w, r)
					return
				}
			}

			if logger.IsLevelEnabled(logrus.DebugLevel) {
				logRequestDetails(logger, r, config)
			}
			next.ServeHTTP(w, r)
		})
	}
}

func logRequestDetails(logger *logrus.Logger, r *http.Request, config DetailedLoggingConfig) {
	fields := tracing.LogFields(r.Context())
	fields[service.LogFieldMethod] = r.Method
	fields[service.LogFieldRemoteIP] = httputil.ClientIP(r)
	fields["protocol"] = r.Proto
	fields["content_length"] = r.ContentLength

	// paths and queries carry conversation addresses
	if config.Verbose {
		fields[service.LogFieldURL] = r.URL.String()
	} else {
		fields[service.LogFieldURL] = routeTemplate(r)
	}

	if config.LogRequestHeaders {
		headers := make(map[string]string, len(r.Header))
		for name, values := range r.Header {
			if isSensitiveHeader(name, config.SensitiveHeaders) {
				headers[name] = "***MASKED***"
			} else {
				headers[name] = strings.Join(values, ", ")
			}
		}
		fields["request_headers"] = headers
	}

	logger.WithFields(fields).Debug("Detailed request logging")
}

// isSensitiveHeader checks if a header should be masked
func isSensitiveHeader(headerName string, sensitiveHeaders []string) bool {
	for _, sensitive := range sensitiveHeaders {
		if strings.EqualFold(sensitive, headerName) {
			return true
		}
	}
	return false
}

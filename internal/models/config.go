package models

// Config holds the application configuration
type Config struct {
	Account  AccountConfig  `json:"account"`
	Gateway  GatewayConfig  `json:"gateway"`
	Database DatabaseConfig `json:"database"`
	Sync     SyncConfig     `json:"sync"`
	Server   ServerConfig   `json:"server"`
	Retry    RetryConfig    `json:"retry"`
	Tracing  TracingConfig  `json:"tracing"`
	LogLevel string         `json:"log_level"`
}

// AccountConfig identifies the local owner of every stored timeline
type AccountConfig struct {
	Address  string `json:"address"`
	Resource string `json:"resource"`
}

// GatewayConfig points at the transport gateway that decodes stanzas for us
type GatewayConfig struct {
	URL                    string `json:"url"`
	AuthToken              string `json:"auth_token"`
	TimeoutSec             int    `json:"timeoutSec"`
	CircuitBreakerFailures int    `json:"circuitBreakerFailures"`
	CircuitBreakerResetSec int    `json:"circuitBreakerResetSec"`
}

// DatabaseConfig holds database related configurations
type DatabaseConfig struct {
	Path string `json:"path"`
}

// SyncConfig tunes the synchronization engine
type SyncConfig struct {
	DefaultPageSize      int  `json:"defaultPageSize"`
	OrphanMarkerTTLSec   int  `json:"orphanMarkerTtlSec"`
	OrphanMarkerCapacity int  `json:"orphanMarkerCapacity"`
	OperationBuffer      int  `json:"operationBuffer"`
	StaleThresholdMin    int  `json:"staleThresholdMin"`
	MonitorIntervalSec   int  `json:"monitorIntervalSec"`
	SweepIntervalSec     int  `json:"sweepIntervalSec"`
	SendReadMarkers      bool `json:"sendReadMarkers"`
	KeepFailedOnConnect  bool `json:"keepFailedOnConnect"`
}

// ServerConfig configures the UI-facing HTTP API. A negative RateLimitPerSec
// disables per-client rate limiting.
type ServerConfig struct {
	Port            int     `json:"port"`
	ReadTimeoutSec  int     `json:"readTimeoutSec"`
	WriteTimeoutSec int     `json:"writeTimeoutSec"`
	IdleTimeoutSec  int     `json:"idleTimeoutSec"`
	APIToken        string  `json:"apiToken"`
	RateLimitPerSec float64 `json:"rateLimitPerSec"`
	RateLimitBurst  int     `json:"rateLimitBurst"`
}

// RetryConfig holds retry related configurations
type RetryConfig struct {
	InitialBackoffMs int `json:"initialBackoffMs"`
	MaxBackoffMs     int `json:"maxBackoffMs"`
	MaxAttempts      int `json:"maxAttempts"`
}

// TracingConfig mirrors tracing.TracingConfig for file based configuration
type TracingConfig struct {
	Enabled        bool    `json:"enabled"`
	ServiceName    string  `json:"service_name"`
	ServiceVersion string  `json:"service_version"`
	Environment    string  `json:"environment"`
	OTLPEndpoint   string  `json:"otlp_endpoint"`
	SampleRate     float64 `json:"sample_rate"`
	UseStdout      bool    `json:"use_stdout"`
}

type ConfigError struct {
	Message string
}

func (e ConfigError) Error() string {
	return e.Message
}

package config

import (
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"strings"

	"chatsync/internal/constants"
	"chatsync/internal/models"
	"chatsync/internal/security"
	"chatsync/internal/validation"
)

var (
	ErrMissingAccount    = models.ConfigError{Message: "missing account address"}
	ErrMissingGatewayURL = models.ConfigError{Message: "missing gateway URL"}
	ErrMissingDBPath     = models.ConfigError{Message: "missing database path"}
)

func LoadConfig(path string) (*models.Config, error) {
	if err := security.ValidateFilePath(path); err != nil {
		return nil, fmt.Errorf("invalid config path: %w", err)
	}

	file, err := os.ReadFile(path) // #nosec G304 - Path validated by security.ValidateFilePath above
	if err != nil {
		return nil, err
	}

	var config models.Config
	if err := json.Unmarshal(file, &config); err != nil {
		return nil, err
	}

	applyEnvironmentOverrides(&config)

	if err := validate(&config); err != nil {
		return nil, err
	}

	return &config, nil
}

func validate(c *models.Config) error {
	if c.Account.Address == "" {
		return ErrMissingAccount
	}
	if strings.Contains(c.Account.Address, "/") || !strings.Contains(c.Account.Address, "@") {
		return models.ConfigError{Message: fmt.Sprintf("account address must be a bare address: %s", c.Account.Address)}
	}
	if c.Gateway.URL == "" {
		return ErrMissingGatewayURL
	}
	u, err := url.Parse(c.Gateway.URL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return models.ConfigError{Message: fmt.Sprintf("invalid gateway URL: %s", c.Gateway.URL)}
	}
	if c.Database.Path == "" {
		return ErrMissingDBPath
	}
	if err := security.ValidateFilePath(c.Database.Path); err != nil {
		return models.ConfigError{Message: fmt.Sprintf("invalid database path: %v", err)}
	}

	applyDefaults(c)

	if err := validation.ValidatePageSize(c.Sync.DefaultPageSize); err != nil {
		return models.ConfigError{Message: fmt.Sprintf("invalid defaultPageSize: %v", err)}
	}
	if err := validation.ValidateTimeout(c.Gateway.TimeoutSec, "gateway timeoutSec"); err != nil {
		return models.ConfigError{Message: err.Error()}
	}
	if err := validation.ValidateNumericRange(c.Server.Port, "server port", 1, 65535); err != nil {
		return models.ConfigError{Message: err.Error()}
	}
	if c.Tracing.SampleRate < 0 || c.Tracing.SampleRate > 1 {
		return models.ConfigError{Message: "tracing sample_rate must be between 0 and 1"}
	}
	return nil
}

func applyDefaults(c *models.Config) {
	if c.Account.Resource == "" {
		c.Account.Resource = "chatsync"
	}

	if c.Gateway.TimeoutSec <= 0 {
		c.Gateway.TimeoutSec = constants.DefaultGatewayTimeoutSec
	}
	if c.Gateway.CircuitBreakerFailures <= 0 {
		c.Gateway.CircuitBreakerFailures = constants.DefaultCircuitBreakerFailures
	}
	if c.Gateway.CircuitBreakerResetSec <= 0 {
		c.Gateway.CircuitBreakerResetSec = constants.DefaultCircuitBreakerResetSec
	}

	if c.Sync.DefaultPageSize <= 0 {
		c.Sync.DefaultPageSize = constants.DefaultPageSize
	}
	if c.Sync.OrphanMarkerTTLSec <= 0 {
		c.Sync.OrphanMarkerTTLSec = constants.DefaultOrphanMarkerTTLSec
	}
	if c.Sync.OrphanMarkerCapacity <= 0 {
		c.Sync.OrphanMarkerCapacity = constants.DefaultOrphanMarkerCapacity
	}
	if c.Sync.OperationBuffer <= 0 {
		c.Sync.OperationBuffer = constants.DefaultOperationBuffer
	}
	if c.Sync.StaleThresholdMin <= 0 {
		c.Sync.StaleThresholdMin = constants.DefaultStaleThresholdMin
	}
	if c.Sync.MonitorIntervalSec <= 0 {
		c.Sync.MonitorIntervalSec = constants.DefaultMonitorIntervalSec
	}
	if c.Sync.SweepIntervalSec <= 0 {
		c.Sync.SweepIntervalSec = constants.DefaultSweepIntervalSec
	}

	if c.Server.Port <= 0 {
		c.Server.Port = constants.DefaultServerPort
	}
	if c.Server.ReadTimeoutSec <= 0 {
		c.Server.ReadTimeoutSec = constants.DefaultServerReadTimeoutSec
	}
	if c.Server.WriteTimeoutSec <= 0 {
		c.Server.WriteTimeoutSec = constants.DefaultServerWriteTimeoutSec
	}
	if c.Server.IdleTimeoutSec <= 0 {
		c.Server.IdleTimeoutSec = constants.DefaultServerIdleTimeoutSec
	}
	if c.Server.RateLimitPerSec == 0 {
		c.Server.RateLimitPerSec = constants.DefaultRateLimitPerSec
	}
	if c.Server.RateLimitBurst <= 0 {
		c.Server.RateLimitBurst = constants.DefaultRateLimitBurst
	}

	if c.Retry.InitialBackoffMs <= 0 {
		c.Retry.InitialBackoffMs = constants.DefaultRetryBackoffMs
	}
	if c.Retry.MaxBackoffMs <= 0 {
		c.Retry.MaxBackoffMs = constants.DefaultMaxBackoffMs
	}
	if c.Retry.MaxAttempts <= 0 {
		c.Retry.MaxAttempts = constants.DefaultMaxAttempts
	}

	if c.Tracing.ServiceName == "" {
		c.Tracing.ServiceName = "chatsync"
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
}

func applyEnvironmentOverrides(c *models.Config) {
	if url := os.Getenv("CHATSYNC_GATEWAY_URL"); url != "" {
		c.Gateway.URL = url
	}
	// Gateway tokens should be set via the environment rather than the file
	if token := os.Getenv("CHATSYNC_GATEWAY_TOKEN"); token != "" {
		c.Gateway.AuthToken = token
	}
	if token := os.Getenv("CHATSYNC_API_TOKEN"); token != "" {
		c.Server.APIToken = token
	}
	if path := os.Getenv("CHATSYNC_DB_PATH"); path != "" {
		c.Database.Path = path
	}
	if owner := os.Getenv("CHATSYNC_OWNER"); owner != "" {
		c.Account.Address = owner
	}
	if level := os.Getenv("CHATSYNC_LOG_LEVEL"); level != "" {
		c.LogLevel = level
	}
}

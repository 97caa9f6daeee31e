package constants

// Default sync engine values
const (
	DefaultPageSize             = 50
	MaxPageSize                 = 500
	DefaultOrphanMarkerTTLSec   = 120
	DefaultOrphanMarkerCapacity = 10000
	DefaultOperationBuffer      = 256
	DefaultStaleThresholdMin    = 10
	DefaultMonitorIntervalSec   = 60
	DefaultSweepIntervalSec     = 30
	DefaultWatchWindow          = 50
)

// Default retry values
const (
	DefaultRetryBackoffMs         = 1000
	DefaultMaxBackoffMs           = 60000
	DefaultMaxAttempts            = 5
	DefaultDatabaseRetryAttempts  = 3
	DefaultDatabaseRetryBackoffMs = 50
	DefaultDatabaseMaxBackoffMs   = 1000
)

// Default gateway and server values
const (
	DefaultGatewayTimeoutSec         = 30
	MaxTimeoutSec                    = 300
	DefaultCircuitBreakerFailures    = 5
	DefaultCircuitBreakerResetSec    = 30
	DefaultServerPort                = 8090
	DefaultServerReadTimeoutSec      = 15
	DefaultServerWriteTimeoutSec     = 15
	DefaultServerIdleTimeoutSec      = 60
	DefaultGracefulShutdownSec       = 30
	DefaultRateLimitPerSec           = 20
	DefaultRateLimitBurst            = 40
	DefaultWebSocketReadLimitBytes   = 1 << 20
	DefaultGatewayReconnectInitialMs = 500
	DefaultGatewayReconnectMaxSec    = 30
)

// Privacy settings
const (
	DefaultAddressMaskLength = 3
	DefaultMessageIDLength   = 8
	MaxMessageIDLength       = 256
	MaxBodyLength            = 64 * 1024
)

// Encryption salts for at-rest body encryption
const (
	EncryptionSalt = "chatsync-timeline-store-v1"
)

package constants

// Default timeout values used by client packages
const (
	DefaultHTTPTimeoutSec     = 30
	DefaultWebSocketDialSec   = 15
	DefaultWebSocketPingSec   = 30
	DefaultMaxErrorBodyBytes  = 4096
	DefaultWebSocketReadLimit = 1 << 20
)

// Gateway endpoints, relative to the configured base URL
const (
	EventsPath       = "/v1/events"
	ArchiveQueryPath = "/v1/archive/query"
	SendPath         = "/v1/messages"
)

// Channel and buffer size constants
const (
	DefaultSubscriptionBuffer = 64
	ReconnectSignalBuffer     = 1
)

// Timing constants used by packages
const (
	DefaultBackoffInitialMs = 500
	DefaultBackoffMaxSec    = 30
)

// Validation constants used by packages
const (
	MaxMessageIDLength = 256
)

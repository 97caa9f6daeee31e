package service

// Logging standards for chatsync
//
// Standard field names, log levels, and message patterns used across the
// sync engine.

// Standard Field Names
const (
	// Core identifiers
	LogFieldOwner          = "owner"
	LogFieldConversationID = "conversation_id"
	LogFieldRemoteID       = "remote_id"
	LogFieldArchiveID      = "archive_id"
	LogFieldParticipant    = "participant"
	LogFieldRequestID      = "request_id"
	LogFieldTraceID        = "trace_id"

	// Service and operation fields
	LogFieldComponent = "component"
	LogFieldOperation = "operation"
	LogFieldMethod    = "method"

	// Event and status fields
	LogFieldEventClass = "event_class"
	LogFieldOpKind     = "op_kind"
	LogFieldStatus     = "status"
	LogFieldMarkerKind = "marker_kind"
	LogFieldDirection  = "direction" // "before" or "after" for archive pages

	// Performance and metrics
	LogFieldDuration = "duration_ms"
	LogFieldCount    = "count"
	LogFieldPageSize = "page_size"

	// Network
	LogFieldURL        = "url"
	LogFieldStatusCode = "status_code"
	LogFieldRemoteIP   = "remote_ip"
	LogFieldUserAgent  = "user_agent"

	// Error and debugging
	LogFieldErrorCode = "error_code"
	LogFieldReason    = "reason"
	LogFieldAttempt   = "attempt"
)

// Log Level Usage Guidelines
//
// DEBUG: per-operation detail. Applied operations, ignored events, orphan replays.
//
// INFO: lifecycle. Engine start/stop, reconnect resend passes, completed pages.
//
// WARN: recoverable trouble. Dropped malformed events, transport errors on a
// page load, send failures that stay pending for the next reconnect.
//
// ERROR: failed store transactions and permanently failed sends.
//
// FATAL: startup only. Missing configuration or an unopenable database.

// Standard Log Message Patterns
//
// Starting operations: "Starting [operation]"
// Completed operations: "Completed [operation]"
// Failed operations: "Failed to [operation]"
// Skipping operations: "Skipping [operation]: [reason]"
//
// logger.WithFields(logrus.Fields{
//     LogFieldConversationID: SanitizeAddress(conv),
//     LogFieldRemoteID:       SanitizeMessageID(id),
//     LogFieldStatus:         models.StatusSeen,
// }).Debug("Escalated message status")

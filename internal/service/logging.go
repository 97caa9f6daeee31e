package service

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"chatsync/internal/constants"
	"chatsync/internal/models"
	"chatsync/internal/tracing"
	"chatsync/pkg/protocol/types"

	"github.com/sirupsen/logrus"
)

var (
	errEmptyID       = errors.New("must not be empty")
	errIDControlChar = errors.New("contains control characters")
	errNotBare       = errors.New("must be a bare address without resource")
)

type verboseKey struct{}

// WithVerbose switches off address and id masking for log lines written
// under ctx.
func WithVerbose(ctx context.Context, verbose bool) context.Context {
	return context.WithValue(ctx, verboseKey{}, verbose)
}

func IsVerboseLogging(ctx context.Context) bool {
	verbose, _ := ctx.Value(verboseKey{}).(bool)
	return verbose
}

// SanitizeAddress keeps the domain and the last few characters of the local
// part. Strings without '@', such as room nicknames, are masked the same way.
func SanitizeAddress(addr string) string {
	if addr == "" {
		return ""
	}
	if local, domain, ok := strings.Cut(addr, "@"); ok {
		return maskTail(local) + "@" + domain
	}
	return maskTail(addr)
}

func maskTail(s string) string {
	keep := constants.DefaultAddressMaskLength
	if len(s) <= keep {
		return "***"
	}
	return "***" + s[len(s)-keep:]
}

// SanitizeMessageID truncates long ids to a recognizable prefix.
func SanitizeMessageID(id string) string {
	if len(id) <= constants.DefaultMessageIDLength {
		return id
	}
	return id[:constants.DefaultMessageIDLength] + "..."
}

// LogWithContext starts an entry with the request and trace ids from ctx.
func LogWithContext(ctx context.Context, logger *logrus.Logger) *logrus.Entry {
	return logger.WithFields(tracing.LogFields(ctx)).WithField("verbose", IsVerboseLogging(ctx))
}

func refFields(ctx context.Context, ref models.MessageRef) logrus.Fields {
	conversation, remoteID := ref.ConversationID, ref.RemoteID
	if !IsVerboseLogging(ctx) {
		conversation, remoteID = SanitizeAddress(conversation), SanitizeMessageID(remoteID)
	}
	return logrus.Fields{
		LogFieldConversationID: conversation,
		LogFieldRemoteID:       remoteID,
	}
}

// LogOperation records an applied operation at debug level.
func LogOperation(ctx context.Context, logger *logrus.Logger, op Operation, msg string) {
	fields := refFields(ctx, op.Target())
	fields[LogFieldOpKind] = op.Kind()
	LogWithContext(ctx, logger).WithFields(fields).Debug(msg)
}

func ValidateMessageID(id string) error {
	switch {
	case id == "":
		return errEmptyID
	case len(id) > constants.MaxMessageIDLength:
		return fmt.Errorf("longer than %d characters", constants.MaxMessageIDLength)
	case strings.ContainsAny(id, "\x00\n\r\t"):
		return errIDControlChar
	}
	return nil
}

// ValidateConversationID accepts bare addresses only.
func ValidateConversationID(id string) error {
	if id == "" {
		return errEmptyID
	}
	jid, err := types.ParseJID(id)
	if err != nil {
		return err
	}
	if jid.Resource != "" {
		return errNotBare
	}
	return nil
}

package database

import (
	"context"
	"errors"
	"fmt"
	"time"

	"chatsync/internal/constants"
	"chatsync/internal/retry"

	"github.com/mattn/go-sqlite3"
)

var txBackoff = retry.BackoffConfig{
	InitialDelay: constants.DefaultDatabaseRetryBackoffMs * time.Millisecond,
	MaxDelay:     constants.DefaultDatabaseMaxBackoffMs * time.Millisecond,
	Multiplier:   2,
	MaxAttempts:  constants.DefaultDatabaseRetryAttempts,
	Jitter:       true,
}

// withLockRetry runs operation again while sqlite reports contention.
func withLockRetry(ctx context.Context, operationName string, operation func() error) error {
	attempts := 0
	err := retry.NewBackoff(txBackoff).RetryWithPredicate(ctx, func() error {
		attempts++
		return operation()
	}, isRetryableDBError)
	if err != nil && attempts > 1 && isRetryableDBError(err) {
		return fmt.Errorf("%s failed after %d attempts: %w", operationName, attempts, err)
	}
	return err
}

// isRetryableDBError reports sqlite busy, locked and I/O errors. Those clear
// once the competing writer commits; constraint and schema errors never do.
func isRetryableDBError(err error) bool {
	var sqliteErr sqlite3.Error
	if !errors.As(err, &sqliteErr) {
		return false
	}
	switch sqliteErr.Code {
	case sqlite3.ErrBusy, sqlite3.ErrLocked, sqlite3.ErrIoErr:
		return true
	default:
		return false
	}
}

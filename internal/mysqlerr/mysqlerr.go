// Package mysqlerr classifies MySQL server errors into the categories the
// rest of the codebase makes decisions on: deadlocks are retried or turned
// into an empty receive, duplicate keys become lock-acquire misses or
// concurrency conflicts, schema drift is fatal.
package mysqlerr

import (
	"context"
	"errors"
	"fmt"

	"github.com/go-sql-driver/mysql"
)

// MySQL server error numbers this codebase recognizes.
const (
	// NumDatabaseExists is returned by CREATE DATABASE for an existing database.
	NumDatabaseExists = 1007
	// NumBadTable is returned by DROP TABLE for a missing table.
	NumBadTable = 1051
	// NumDuplicateKey is returned on primary/unique key violation.
	NumDuplicateKey = 1062
	// NumMultiplePrimaryKey is returned when a second primary key is added.
	NumMultiplePrimaryKey = 1068
	// NumLockDeadlock is returned when InnoDB picks this transaction as the
	// deadlock victim.
	NumLockDeadlock = 1213
)

// ErrMalformedMessage indicates a message whose reserved headers cannot be
// interpreted (non-integer priority, deferral without a recipient). The
// message can never be sent; callers must not retry.
var ErrMalformedMessage = errors.New("malformed message")

// ErrConcurrency indicates an optimistic concurrency conflict: the row was
// changed by someone else between read and write.
var ErrConcurrency = errors.New("concurrency conflict")

// Malformedf wraps ErrMalformedMessage with detail.
func Malformedf(format string, args ...any) error {
	return fmt.Errorf("%w: "+format, append([]any{ErrMalformedMessage}, args...)...)
}

// Number extracts the MySQL server error number from err, or 0 if err is
// not a server error.
func Number(err error) uint16 {
	var me *mysql.MySQLError
	if errors.As(err, &me) {
		return me.Number
	}
	return 0
}

// IsDeadlock reports whether err is an InnoDB lock deadlock (1213).
func IsDeadlock(err error) bool {
	return Number(err) == NumLockDeadlock
}

// IsDuplicateKey reports whether err is a duplicate key violation (1062).
func IsDuplicateKey(err error) bool {
	return Number(err) == NumDuplicateKey
}

// IsDatabaseExists reports whether err is "database exists" (1007).
func IsDatabaseExists(err error) bool {
	return Number(err) == NumDatabaseExists
}

// IsBadTable reports whether err is "unknown table" (1051).
func IsBadTable(err error) bool {
	return Number(err) == NumBadTable
}

// IsCancellation reports whether err stems from context cancellation or
// deadline expiry, directly or wrapped by the driver.
func IsCancellation(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}

// WrapCancelled ties a DB error observed during cancellation to the
// context error so callers can match on context.Canceled while keeping
// the underlying driver detail.
func WrapCancelled(ctx context.Context, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil && err != nil && !IsCancellation(err) {
		return fmt.Errorf("%w: %w", ctxErr, err)
	}
	if err != nil {
		return err
	}
	return ctx.Err()
}

package sqlstore

import (
	"context"
	"database/sql/driver"
	"errors"
	"strings"

	"github.com/meridianhq/meridian/internal/storage"
)

// classify wraps a driver error with the failure kind the pipeline's
// recovery policy keys off: missing tables surface to the caller, conflicts
// and transient failures are retried, fatal failures stop the channel.
// Classification is by error text because the three backends surface
// different error types. Unclassifiable errors wrap as KindUnknown so the
// operation name still lands in the chain.
func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	return &storage.Error{Kind: kindOf(err), Op: op, Err: err}
}

func kindOf(err error) storage.Kind {
	switch {
	case errors.Is(err, storage.ErrClosed):
		return storage.KindFatal
	case isMissingTableError(err):
		return storage.KindMissingTables
	case isBusyError(err):
		return storage.KindConflict
	case isTransientError(err):
		return storage.KindTransient
	}
	return storage.KindUnknown
}

// isMissingTableError matches SQLite's "no such table" and the MySQL-dialect
// ER_NO_SUCH_TABLE (1146) that both the server and embedded Dolt report.
func isMissingTableError(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "no such table") ||
		strings.Contains(msg, "Error 1146") ||
		strings.Contains(msg, "table not found")
}

func isTransientError(err error) bool {
	if errors.Is(err, driver.ErrBadConn) ||
		errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "invalid connection") ||
		strings.Contains(msg, "connection refused") ||
		strings.Contains(msg, "broken pipe") ||
		strings.Contains(msg, "i/o timeout") ||
		// MySQL lock wait timeout (1205) and deadlock victim (1213).
		strings.Contains(msg, "Error 1205") ||
		strings.Contains(msg, "Error 1213")
}

package sqlite

import (
	"database/sql"
	"errors"
	"fmt"

	sqlite3 "github.com/ncruces/go-sqlite3"

	"github.com/gridline/gridline/internal/types"
)

// wrapDBError wraps a database error with operation context, converting
// sql.ErrNoRows into the not-found sentinel.
func wrapDBError(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%s: %w", op, types.ErrDataIdentifierNotFound)
	}
	return fmt.Errorf("%s: %w", op, err)
}

// constraintError maps driver constraint violations to the error taxonomy
// using typed result codes. This is the single place where integrity errors
// become business errors; callers pass the sentinels appropriate for the
// statement that failed (e.g. a unique violation on dids means the DID
// already exists, on did_associations it means the file is already attached).
func constraintError(err error, onUnique, onForeignKey error) error {
	if err == nil {
		return nil
	}
	var serr *sqlite3.Error
	if !errors.As(err, &serr) {
		return err
	}
	switch serr.ExtendedCode() {
	case sqlite3.CONSTRAINT_PRIMARYKEY, sqlite3.CONSTRAINT_UNIQUE:
		if onUnique != nil {
			return fmt.Errorf("%w: %v", onUnique, err)
		}
	case sqlite3.CONSTRAINT_FOREIGNKEY:
		if onForeignKey != nil {
			return fmt.Errorf("%w: %v", onForeignKey, err)
		}
	case sqlite3.CONSTRAINT_CHECK:
		return fmt.Errorf("%w: %v", types.ErrInvalidMetadata, err)
	}
	if serr.Code() == sqlite3.BUSY || serr.Code() == sqlite3.LOCKED {
		return fmt.Errorf("%w: %v", types.ErrDatabase, err)
	}
	return err
}

// isBusy reports whether err is a lock-contention error that a later tick
// may retry.
func isBusy(err error) bool {
	var serr *sqlite3.Error
	if !errors.As(err, &serr) {
		return false
	}
	return serr.Code() == sqlite3.BUSY || serr.Code() == sqlite3.LOCKED
}

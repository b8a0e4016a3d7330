package storage

import (
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/mattn/go-sqlite3"
	"gorm.io/gorm"

	"github.com/md-rashed-zaman/carshare/services/booking-service/internal/booking"
)

const (
	pgSerializationFailure = "40001"
	pgDeadlockDetected     = "40P01"
	pgExclusionViolation   = "23P01"
	pgForeignKeyViolation  = "23503"
	pgUniqueViolation      = "23505"
)

func IsNotFound(err error) bool {
	return errors.Is(err, pgx.ErrNoRows) || errors.Is(err, gorm.ErrRecordNotFound)
}

func pgCode(err error) string {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code
	}
	return ""
}

func IsConflict(err error) bool {
	return pgCode(err) == pgExclusionViolation
}

func IsUniqueViolation(err error) bool {
	if pgCode(err) == pgUniqueViolation {
		return true
	}
	var sqlErr sqlite3.Error
	if errors.As(err, &sqlErr) {
		return sqlErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey || sqlErr.ExtendedCode == sqlite3.ErrConstraintUnique
	}
	return false
}

// translate maps driver errors onto the booking sentinels. Errors that already
// carry a sentinel pass through.
func translate(err error) error {
	if err == nil {
		return nil
	}
	switch {
	case IsNotFound(err):
		return fmt.Errorf("%w: %w", booking.ErrNotFound, err)
	case IsConflict(err):
		return fmt.Errorf("%w: %w", booking.ErrConflict, err)
	}
	switch pgCode(err) {
	case pgSerializationFailure, pgDeadlockDetected:
		return fmt.Errorf("%w: %w", booking.ErrSerialization, err)
	case pgForeignKeyViolation:
		return fmt.Errorf("%w: %w", booking.ErrNotFound, err)
	}
	var sqlErr sqlite3.Error
	if errors.As(err, &sqlErr) && (sqlErr.Code == sqlite3.ErrBusy || sqlErr.Code == sqlite3.ErrLocked) {
		return fmt.Errorf("%w: %w", booking.ErrSerialization, err)
	}
	return err
}

func expectOne(table string, n int64) error {
	if n != 1 {
		return fmt.Errorf("%w: %s matched %d rows", booking.ErrPartialWrite, table, n)
	}
	return nil
}

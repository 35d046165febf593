package db

import (
	"errors"
	"strings"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/lib/pq"
	"gorm.io/gorm"
)

const uniqueViolationCode = "23505"

// IsUniqueViolation reports whether the provided error is a unique constraint
// violation. When constraintName is provided, the helper also requires the
// constraint (or, on sqlite, the column list) to appear in the error.
func IsUniqueViolation(err error, constraintName string) bool {
	if err == nil {
		return false
	}
	matched := false

	var pgErr *pgconn.PgError
	var pqErr *pq.Error
	switch {
	case errors.As(err, &pgErr):
		matched = pgErr.Code == uniqueViolationCode
	case errors.As(err, &pqErr):
		matched = string(pqErr.Code) == uniqueViolationCode
	case errors.Is(err, gorm.ErrDuplicatedKey):
		matched = true
	default:
		msg := err.Error()
		matched = strings.Contains(msg, "duplicate key value") || strings.Contains(msg, "UNIQUE constraint failed")
	}
	if !matched {
		return false
	}
	if constraintName != "" {
		return strings.Contains(err.Error(), constraintName)
	}
	return true
}

// IsNotFound reports whether err is gorm's record-not-found sentinel.
func IsNotFound(err error) bool {
	return errors.Is(err, gorm.ErrRecordNotFound)
}

package database

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"net"

	"ms-booking/internal/models"

	"github.com/lib/pq"
)

// ErrUniqueViolation marks an insert rejected by a unique constraint.
var ErrUniqueViolation = errors.New("unique constraint violation")

const (
	pqUniqueViolation = "23505"
	pqAdminShutdown   = "57P01"
	pqCannotConnect   = "57P03"
)

// IsUniqueViolation reports a PostgreSQL 23505 anywhere in err's chain.
func IsUniqueViolation(err error) bool {
	if errors.Is(err, ErrUniqueViolation) {
		return true
	}
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == pqUniqueViolation
}

// Translate maps driver failures onto the error kinds callers branch on.
// sql.ErrNoRows and context errors pass through untouched.
func Translate(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, sql.ErrNoRows) || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	if errors.Is(err, models.ErrStorageUnavailable) || errors.Is(err, ErrUniqueViolation) {
		return err
	}
	if IsUniqueViolation(err) {
		return fmt.Errorf("%w: %w", ErrUniqueViolation, err)
	}
	if isUnavailable(err) {
		return fmt.Errorf("%w: %w", models.ErrStorageUnavailable, err)
	}
	return err
}

func isUnavailable(err error) bool {
	if errors.Is(err, driver.ErrBadConn) || errors.Is(err, sql.ErrConnDone) {
		return true
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code.Class() == "08" || pqErr.Code == pqAdminShutdown || pqErr.Code == pqCannotConnect
	}
	var netErr net.Error
	return errors.As(err, &netErr)
}

package models

import (
	"errors"
	"fmt"
)

var (
	ErrInvalidRequest        = errors.New("invalid request")
	ErrCabinNotFound         = errors.New("cabin not found")
	ErrInsufficientInventory = errors.New("insufficient inventory")
	ErrHoldNotFound          = errors.New("hold not found")
	ErrHoldInvalid           = errors.New("hold invalid")
	ErrBookingNotFound       = errors.New("booking not found")
	ErrIdempotencyConflict   = errors.New("idempotency key reused with a different request")
	ErrIdempotencyInProgress = errors.New("idempotent request already in progress")
	ErrRecordNotFound        = errors.New("idempotency record not found")
	ErrStorageUnavailable    = errors.New("storage unavailable")
)

// InsufficientInventoryError reports how many seats were asked for and how
// many could actually be sold at the time of the check.
type InsufficientInventoryError struct {
	FlightID   int64
	CabinClass CabinClass
	Requested  int
	Available  int
}

func (e *InsufficientInventoryError) Error() string {
	return fmt.Sprintf("insufficient inventory: flight %d %s requested %d, available %d",
		e.FlightID, e.CabinClass, e.Requested, e.Available)
}

func (e *InsufficientInventoryError) Is(target error) bool {
	return target == ErrInsufficientInventory
}

package models

import (
	"time"

	"github.com/uptrace/bun"
)

type IdempotencyStatus string

const (
	IdempotencyStarted   IdempotencyStatus = "STARTED"
	IdempotencyCompleted IdempotencyStatus = "COMPLETED"
	IdempotencyFailed    IdempotencyStatus = "FAILED"
)

// NoUser is the owner id used for system and webhook calls.
const NoUser int64 = 0

// IdempotencyRecord tracks one logical execution per (scope, key, user).
// The composite primary key is the only mutual exclusion between callers.
type IdempotencyRecord struct {
	bun.BaseModel `bun:"table:idempotency_records"`

	Scope       string            `bun:"scope,pk" json:"scope"`
	Key         string            `bun:"idem_key,pk" json:"key"`
	UserID      int64             `bun:"user_id,pk" json:"user_id"`
	RequestHash string            `bun:"request_hash,notnull" json:"request_hash"`
	Status      IdempotencyStatus `bun:"status,notnull" json:"status"`
	Result      []byte            `bun:"result" json:"result,omitempty"`
	Error       string            `bun:"error,nullzero" json:"error,omitempty"`
	Attempt     int               `bun:"attempt,notnull" json:"attempt"`
	ExpiresAt   time.Time         `bun:"expires_at,notnull" json:"expires_at"`
	CreatedAt   time.Time         `bun:"created_at,notnull" json:"created_at"`
	UpdatedAt   time.Time         `bun:"updated_at,notnull" json:"updated_at"`
}

func (r IdempotencyRecord) Expired(now time.Time) bool {
	return !now.Before(r.ExpiresAt)
}

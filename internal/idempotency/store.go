package idempotency

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"ms-booking/internal/database"
	"ms-booking/internal/models"

	"github.com/uptrace/bun"
)

type recordKey struct {
	scope  string
	key    string
	userID int64
}

func (k recordKey) where(q *bun.UpdateQuery) *bun.UpdateQuery {
	return q.
		Where("scope = ?", k.scope).
		Where("idem_key = ?", k.key).
		Where("user_id = ?", k.userID)
}

// insertStarted tries to create the record. false means a row for the key
// already exists; the primary key is what decides the race.
func insertStarted(ctx context.Context, db bun.IDB, rec *models.IdempotencyRecord) (bool, error) {
	res, err := db.NewInsert().
		Model(rec).
		On("CONFLICT DO NOTHING").
		Exec(ctx)
	if database.IsUniqueViolation(err) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func getRecord(ctx context.Context, db bun.IDB, k recordKey) (*models.IdempotencyRecord, error) {
	var rec models.IdempotencyRecord
	err := db.NewSelect().
		Model(&rec).
		Where("scope = ?", k.scope).
		Where("idem_key = ?", k.key).
		Where("user_id = ?", k.userID).
		Limit(1).
		Scan(ctx)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, models.ErrRecordNotFound
	}
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

// takeover resets a stale, failed or unreadable record to STARTED for a new
// attempt. The compare on status and attempt lets exactly one of several
// concurrent callers win.
func takeover(ctx context.Context, db bun.IDB, k recordKey, seen *models.IdempotencyRecord, now time.Time, ttl time.Duration) (bool, error) {
	res, err := k.where(db.NewUpdate().Model((*models.IdempotencyRecord)(nil))).
		Set("status = ?", models.IdempotencyStarted).
		Set("attempt = ?", seen.Attempt+1).
		Set("result = NULL").
		Set("error = NULL").
		Set("expires_at = ?", now.Add(ttl)).
		Set("updated_at = ?", now).
		Where("status = ?", seen.Status).
		Where("attempt = ?", seen.Attempt).
		Exec(ctx)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// finish records the outcome of attempt. It only lands while the attempt
// still owns the row.
func finish(ctx context.Context, db bun.IDB, k recordKey, attempt int, status models.IdempotencyStatus, result []byte, errText string, now time.Time, ttl time.Duration) (bool, error) {
	q := k.where(db.NewUpdate().Model((*models.IdempotencyRecord)(nil))).
		Set("status = ?", status).
		Set("expires_at = ?", now.Add(ttl)).
		Set("updated_at = ?", now).
		Where("status = ?", models.IdempotencyStarted).
		Where("attempt = ?", attempt)
	if status == models.IdempotencyCompleted {
		q = q.Set("result = ?", result).Set("error = NULL")
	} else {
		q = q.Set("error = ?", errText).Set("result = NULL")
	}

	res, err := q.Exec(ctx)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func deleteExpired(ctx context.Context, db bun.IDB, now time.Time) (int, error) {
	res, err := db.NewDelete().
		Model((*models.IdempotencyRecord)(nil)).
		Where("expires_at <= ?", now).
		Exec(ctx)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

package idempotency

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"ms-booking/internal/clock"
	"ms-booking/internal/database"
	"ms-booking/internal/logger"
	"ms-booking/internal/metrics"
	"ms-booking/internal/models"

	"github.com/uptrace/bun"
)

const (
	defaultTTL = 24 * time.Hour
	// maxClaimRounds bounds how often a caller re-reads after losing a
	// takeover or seeing its row deleted underneath it.
	maxClaimRounds = 5
)

const (
	outcomeExecuted   = "executed"
	outcomeReplayed   = "replayed"
	outcomeConflict   = "conflict"
	outcomeInProgress = "in_progress"
	outcomeFailed     = "failed"
	outcomeError      = "error"
)

// Request identifies one logical execution. Payload is hashed to detect a key
// being reused for a different request.
type Request struct {
	Scope   string
	Key     string
	UserID  int64
	Payload any
	TTL     time.Duration
}

func (r Request) validate() error {
	if strings.TrimSpace(r.Scope) == "" {
		return fmt.Errorf("%w: idempotency scope is required", models.ErrInvalidRequest)
	}
	if strings.TrimSpace(r.Key) == "" {
		return fmt.Errorf("%w: idempotency key is required", models.ErrInvalidRequest)
	}
	return nil
}

func (r Request) key() recordKey {
	return recordKey{scope: r.Scope, key: r.Key, userID: r.UserID}
}

// Outcome describes how Do produced its value.
type Outcome struct {
	// Replayed is set when the value came from a stored COMPLETED record.
	Replayed bool
	// Attempt is the record's attempt counter for the execution that ran.
	Attempt int
	// Result holds the stored bytes: what every later replay returns.
	Result json.RawMessage
}

type Coordinator struct {
	db         bun.IDB
	clock      clock.Clock
	log        *logger.Logger
	metrics    *metrics.Metrics
	defaultTTL time.Duration
}

type Option func(*Coordinator)

func WithDefaultTTL(ttl time.Duration) Option {
	return func(c *Coordinator) {
		if ttl > 0 {
			c.defaultTTL = ttl
		}
	}
}

func WithClock(clk clock.Clock) Option {
	return func(c *Coordinator) { c.clock = clk }
}

func WithLogger(l *logger.Logger) Option {
	return func(c *Coordinator) { c.log = l }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(c *Coordinator) { c.metrics = m }
}

func NewCoordinator(db bun.IDB, opts ...Option) *Coordinator {
	c := &Coordinator{
		db:         db,
		clock:      clock.NewSystem(),
		log:        logger.Discard(),
		defaultTTL: defaultTTL,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.metrics == nil {
		c.metrics = metrics.NewUnregistered()
	}
	return c
}

// Do runs op at most once per (scope, key, user). See DoWithOutcome.
func Do[T any](ctx context.Context, c *Coordinator, req Request, op func(context.Context) (T, error)) (T, error) {
	v, _, err := DoWithOutcome(ctx, c, req, op)
	return v, err
}

// DoWithOutcome claims the record for req and runs op, or replays the stored
// result of an earlier successful run. It fails with ErrIdempotencyConflict
// when the key was used for a different payload and with
// ErrIdempotencyInProgress while another unexpired attempt owns the key.
// Errors and panics from op are recorded as FAILED and passed through
// unchanged; a later call with the same request may run op again.
func DoWithOutcome[T any](ctx context.Context, c *Coordinator, req Request, op func(context.Context) (T, error)) (T, Outcome, error) {
	var zero T
	if err := req.validate(); err != nil {
		return zero, Outcome{}, err
	}
	hash, err := HashPayload(req.Payload)
	if err != nil {
		return zero, Outcome{}, fmt.Errorf("%w: %v", models.ErrInvalidRequest, err)
	}
	ttl := req.TTL
	if ttl <= 0 {
		ttl = c.defaultTTL
	}

	var replayed T
	decode := func(raw []byte) error {
		if len(raw) == 0 {
			return errors.New("empty result")
		}
		replayed = zero
		return json.Unmarshal(raw, &replayed)
	}

	claim, err := c.claim(ctx, req, hash, ttl, decode)
	if err != nil {
		c.observe(req.Scope, outcomeOf(err))
		return zero, Outcome{}, err
	}
	if claim.replay != nil {
		c.observe(req.Scope, outcomeReplayed)
		c.log.LogIdempotency("REPLAY", req.Scope, req.Key, fmt.Sprintf("attempt %d", claim.attempt))
		return replayed, Outcome{Replayed: true, Attempt: claim.attempt, Result: claim.replay}, nil
	}

	v, result, err := execute(ctx, c, req, claim.attempt, ttl, op)
	if err != nil {
		return zero, Outcome{Attempt: claim.attempt}, err
	}
	return v, Outcome{Attempt: claim.attempt, Result: result}, nil
}

type claimed struct {
	attempt int
	replay  json.RawMessage
}

// claim either makes the caller the owner of a fresh attempt or returns the
// stored result to replay.
func (c *Coordinator) claim(ctx context.Context, req Request, hash string, ttl time.Duration, decode func([]byte) error) (claimed, error) {
	k := req.key()

	for round := 0; round < maxClaimRounds; round++ {
		now := c.clock.Now()
		inserted, err := insertStarted(ctx, c.db, &models.IdempotencyRecord{
			Scope:       req.Scope,
			Key:         req.Key,
			UserID:      req.UserID,
			RequestHash: hash,
			Status:      models.IdempotencyStarted,
			Attempt:     1,
			ExpiresAt:   now.Add(ttl),
			CreatedAt:   now,
			UpdatedAt:   now,
		})
		if err != nil {
			return claimed{}, database.Translate(err)
		}
		if inserted {
			return claimed{attempt: 1}, nil
		}

		existing, err := getRecord(ctx, c.db, k)
		if errors.Is(err, models.ErrRecordNotFound) {
			// Deleted by cleanup between our insert and read.
			continue
		}
		if err != nil {
			return claimed{}, database.Translate(err)
		}

		if existing.RequestHash != hash {
			return claimed{}, fmt.Errorf("%w: scope %s key %s", models.ErrIdempotencyConflict, req.Scope, req.Key)
		}

		switch existing.Status {
		case models.IdempotencyCompleted:
			decodeErr := decode(existing.Result)
			if decodeErr == nil {
				return claimed{attempt: existing.Attempt, replay: json.RawMessage(existing.Result)}, nil
			}
			c.log.Warn("IDEMPOTENCY", fmt.Sprintf("Stored result for %s/%s unreadable, re-executing: %v", req.Scope, req.Key, decodeErr))
		case models.IdempotencyStarted:
			if !existing.Expired(now) {
				return claimed{}, fmt.Errorf("%w: scope %s key %s", models.ErrIdempotencyInProgress, req.Scope, req.Key)
			}
			c.log.LogIdempotency("TAKEOVER", req.Scope, req.Key, fmt.Sprintf("attempt %d abandoned at %s", existing.Attempt, existing.ExpiresAt.Format(time.RFC3339)))
		case models.IdempotencyFailed:
			c.log.LogIdempotency("RETRY", req.Scope, req.Key, fmt.Sprintf("after failed attempt %d", existing.Attempt))
		}

		won, err := takeover(ctx, c.db, k, existing, now, ttl)
		if err != nil {
			return claimed{}, database.Translate(err)
		}
		if won {
			return claimed{attempt: existing.Attempt + 1}, nil
		}
		// Someone else moved the row first; look again.
	}

	return claimed{}, fmt.Errorf("%w: scope %s key %s still contended", models.ErrIdempotencyInProgress, req.Scope, req.Key)
}

func execute[T any](ctx context.Context, c *Coordinator, req Request, attempt int, ttl time.Duration, op func(context.Context) (T, error)) (v T, result []byte, err error) {
	k := req.key()

	defer func() {
		if p := recover(); p != nil {
			c.recordFailure(ctx, k, attempt, ttl, fmt.Sprintf("panic: %v", p))
			c.observe(req.Scope, outcomeFailed)
			panic(p)
		}
	}()

	v, err = op(ctx)
	if err != nil {
		c.recordFailure(ctx, k, attempt, ttl, err.Error())
		c.observe(req.Scope, outcomeFailed)
		return v, nil, err
	}

	result, err = json.Marshal(v)
	if err != nil {
		c.recordFailure(ctx, k, attempt, ttl, "encode result: "+err.Error())
		c.observe(req.Scope, outcomeError)
		return v, nil, fmt.Errorf("encode result for %s/%s: %w", req.Scope, req.Key, err)
	}

	owned, err := finish(ctx, c.db, k, attempt, models.IdempotencyCompleted, result, "", c.clock.Now(), ttl)
	if err != nil {
		c.observe(req.Scope, outcomeError)
		c.log.Error("IDEMPOTENCY", fmt.Sprintf("Completion of %s/%s not recorded: %v", req.Scope, req.Key, err))
		return v, nil, fmt.Errorf("record completion for %s/%s: %w", req.Scope, req.Key, database.Translate(err))
	}
	if !owned {
		c.log.Warn("IDEMPOTENCY", fmt.Sprintf("Attempt %d of %s/%s lost ownership before completing", attempt, req.Scope, req.Key))
	}

	c.observe(req.Scope, outcomeExecuted)
	c.log.LogIdempotency("COMPLETE", req.Scope, req.Key, fmt.Sprintf("attempt %d", attempt))
	return v, result, nil
}

func (c *Coordinator) recordFailure(ctx context.Context, k recordKey, attempt int, ttl time.Duration, reason string) {
	// The caller's context may already be cancelled; the record must still land.
	ctx = context.WithoutCancel(ctx)
	if _, err := finish(ctx, c.db, k, attempt, models.IdempotencyFailed, nil, reason, c.clock.Now(), ttl); err != nil {
		c.log.Error("IDEMPOTENCY", fmt.Sprintf("Failure of %s/%s not recorded: %v", k.scope, k.key, err))
		return
	}
	c.log.LogIdempotency("FAIL", k.scope, k.key, reason)
}

// GetRecord returns the stored record for inspection.
func (c *Coordinator) GetRecord(ctx context.Context, scope, key string, userID int64) (*models.IdempotencyRecord, error) {
	rec, err := getRecord(ctx, c.db, recordKey{scope: scope, key: key, userID: userID})
	if err != nil {
		return nil, database.Translate(err)
	}
	return rec, nil
}

// CleanupExpired deletes every record past its expiry and returns the count.
func (c *Coordinator) CleanupExpired(ctx context.Context) (int, error) {
	n, err := deleteExpired(ctx, c.db, c.clock.Now())
	if err != nil {
		c.metrics.ErrorsCount.WithLabelValues("idempotency_cleanup").Inc()
		return 0, database.Translate(err)
	}
	if n > 0 {
		c.metrics.IdempotencyCleaned.Add(float64(n))
		c.log.Info("IDEMPOTENCY", fmt.Sprintf("Deleted %d expired records", n))
	}
	return n, nil
}

func (c *Coordinator) observe(scope, outcome string) {
	c.metrics.IdempotencyOutcomes.WithLabelValues(scope, outcome).Inc()
}

func outcomeOf(err error) string {
	switch {
	case errors.Is(err, models.ErrIdempotencyConflict):
		return outcomeConflict
	case errors.Is(err, models.ErrIdempotencyInProgress):
		return outcomeInProgress
	default:
		return outcomeError
	}
}

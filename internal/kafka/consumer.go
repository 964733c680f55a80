package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"ms-booking/internal/logger"
	"ms-booking/internal/models"

	"github.com/segmentio/kafka-go"
)

// PaymentHandler applies a captured payment to its booking.
type PaymentHandler interface {
	CapturePayment(ctx context.Context, evt models.PaymentCaptured) (*models.Booking, error)
}

type messageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

const (
	defaultAlertEvery = 5
	defaultRetryDelay = time.Second
	maxRetryDelay     = 30 * time.Second
)

// PaymentConsumer feeds payments.captured into the booking service. Offsets
// are committed only after the handler has finished with a message, so a
// crash redelivers it and the idempotency record absorbs the repeat.
//
// Group offsets are per partition: committing a later message also commits
// every earlier one. A message that fails with a retryable error therefore
// blocks the partition until it goes through or the consumer stops.
type PaymentConsumer struct {
	reader     messageReader
	handler    PaymentHandler
	log        *logger.Logger
	alertEvery int
	retryDelay time.Duration
}

func NewPaymentConsumer(brokers []string, topic, groupID string, handler PaymentHandler, log *logger.Logger) *PaymentConsumer {
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:  brokers,
		Topic:    topic,
		GroupID:  groupID,
		MinBytes: 1,
		MaxBytes: 10e6, // 10MB
	})
	return newPaymentConsumer(reader, handler, log)
}

func newPaymentConsumer(r messageReader, handler PaymentHandler, log *logger.Logger) *PaymentConsumer {
	return &PaymentConsumer{
		reader:     r,
		handler:    handler,
		log:        log,
		alertEvery: defaultAlertEvery,
		retryDelay: defaultRetryDelay,
	}
}

// Run consumes until ctx is cancelled.
func (c *PaymentConsumer) Run(ctx context.Context) error {
	c.log.Info("KAFKA", "Payment consumer started")
	for {
		msg, err := c.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			c.log.Error("KAFKA", fmt.Sprintf("Fetch failed: %v", err))
			if !c.sleep(ctx, c.retryDelay) {
				return nil
			}
			continue
		}

		if !c.handle(ctx, msg) {
			// Stopped mid-retry; the uncommitted offset is redelivered on restart.
			return nil
		}
		if err := c.reader.CommitMessages(ctx, msg); err != nil && ctx.Err() == nil {
			c.log.Error("KAFKA", fmt.Sprintf("Commit of offset %d failed: %v", msg.Offset, err))
		}
	}
}

// handle reports whether msg is finished with and may be committed. It only
// returns false when ctx ends while a retryable failure is still pending.
func (c *PaymentConsumer) handle(ctx context.Context, msg kafka.Message) bool {
	var evt models.PaymentCaptured
	if err := json.Unmarshal(msg.Value, &evt); err != nil || evt.EventID == "" || evt.BookingID <= 0 {
		c.log.Warn("KAFKA", fmt.Sprintf("Skipping malformed payment event at offset %d", msg.Offset))
		return true
	}

	delay := c.retryDelay
	for attempt := 1; ; attempt++ {
		_, err := c.handler.CapturePayment(ctx, evt)
		if err == nil {
			c.log.LogKafka("CONSUME", msg.Topic, fmt.Sprintf("payment %s applied to booking %d", evt.EventID, evt.BookingID))
			return true
		}
		if !retryable(err) {
			c.log.Error("KAFKA", fmt.Sprintf("Payment %s for booking %d rejected: %v", evt.EventID, evt.BookingID, err))
			return true
		}

		if c.alertEvery > 0 && attempt%c.alertEvery == 0 {
			c.log.Error("KAFKA", fmt.Sprintf("Payment %s at offset %d still failing after %d attempts, partition blocked: %v", evt.EventID, msg.Offset, attempt, err))
		} else {
			c.log.Warn("KAFKA", fmt.Sprintf("Payment %s attempt %d failed: %v", evt.EventID, attempt, err))
		}
		if !c.sleep(ctx, delay) {
			return false
		}
		if delay *= 2; delay > maxRetryDelay {
			delay = maxRetryDelay
		}
	}
}

func retryable(err error) bool {
	return errors.Is(err, models.ErrIdempotencyInProgress) || errors.Is(err, models.ErrStorageUnavailable)
}

func (c *PaymentConsumer) sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

func (c *PaymentConsumer) Close() error {
	return c.reader.Close()
}

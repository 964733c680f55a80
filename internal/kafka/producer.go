package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"ms-booking/internal/config"
	"ms-booking/internal/logger"
	"ms-booking/internal/models"

	"github.com/google/uuid"
	"github.com/segmentio/kafka-go"
)

type BookingCreatedEvent struct {
	EventID    string            `json:"event_id"`
	BookingID  int64             `json:"booking_id"`
	HoldID     int64             `json:"hold_id"`
	FlightID   int64             `json:"flight_id"`
	CabinClass models.CabinClass `json:"cabin_class"`
	SeatCount  int               `json:"seat_count"`
	UserID     int64             `json:"user_id,omitempty"`
	OccurredAt time.Time         `json:"occurred_at"`
}

type HoldReleasedEvent struct {
	EventID    string            `json:"event_id"`
	HoldID     int64             `json:"hold_id"`
	FlightID   int64             `json:"flight_id"`
	CabinClass models.CabinClass `json:"cabin_class"`
	SeatCount  int               `json:"seat_count"`
	Reason     string            `json:"reason"`
	OccurredAt time.Time         `json:"occurred_at"`
}

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Producer publishes booking domain events. Topics are set per message so a
// single writer serves every event type.
type Producer struct {
	writer messageWriter
	topics config.TopicConfig
	log    *logger.Logger
	now    func() time.Time
}

func NewProducer(brokers []string, topics config.TopicConfig, log *logger.Logger) *Producer {
	writer := &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireAll,
		BatchTimeout: 10 * time.Millisecond,
	}
	return newProducer(writer, topics, log)
}

func newProducer(w messageWriter, topics config.TopicConfig, log *logger.Logger) *Producer {
	return &Producer{writer: w, topics: topics, log: log, now: time.Now}
}

// PublishBookingCreated announces a persisted booking, keyed by booking id.
func (p *Producer) PublishBookingCreated(ctx context.Context, b models.Booking) error {
	return p.publish(ctx, p.topics.BookingCreated, strconv.FormatInt(b.ID, 10), BookingCreatedEvent{
		EventID:    uuid.NewString(),
		BookingID:  b.ID,
		HoldID:     b.HoldID,
		FlightID:   b.FlightID,
		CabinClass: b.CabinClass,
		SeatCount:  b.SeatCount,
		UserID:     b.UserID,
		OccurredAt: p.now().UTC(),
	})
}

// PublishHoldReleased announces seats returned to the pool, keyed by hold id.
func (p *Producer) PublishHoldReleased(ctx context.Context, h models.ReservationHold, reason string) error {
	return p.publish(ctx, p.topics.HoldReleased, strconv.FormatInt(h.ID, 10), HoldReleasedEvent{
		EventID:    uuid.NewString(),
		HoldID:     h.ID,
		FlightID:   h.FlightID,
		CabinClass: h.CabinClass,
		SeatCount:  h.SeatCount,
		Reason:     reason,
		OccurredAt: p.now().UTC(),
	})
}

func (p *Producer) publish(ctx context.Context, topic, key string, event any) error {
	value, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("encode %s event: %w", topic, err)
	}

	if err := p.writer.WriteMessages(ctx, kafka.Message{
		Topic: topic,
		Key:   []byte(key),
		Value: value,
	}); err != nil {
		return fmt.Errorf("publish to %s: %w", topic, err)
	}

	p.log.LogKafka("PUBLISH", topic, fmt.Sprintf("key=%s", key))
	return nil
}

func (p *Producer) Close() error {
	return p.writer.Close()
}

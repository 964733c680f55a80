package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"ms-booking/internal/config"
	"ms-booking/internal/logger"
	"ms-booking/internal/models"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

var testTopics = config.TopicConfig{
	BookingCreated:  "booking.created",
	HoldReleased:    "booking.hold.released",
	PaymentCaptured: "payments.captured",
}

type fakeWriter struct {
	mu   sync.Mutex
	msgs []kafka.Message
	err  error
}

func (w *fakeWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.err != nil {
		return w.err
	}
	w.msgs = append(w.msgs, msgs...)
	return nil
}

func (w *fakeWriter) Close() error { return nil }

func TestProducer_PublishBookingCreated(t *testing.T) {
	w := &fakeWriter{}
	p := newProducer(w, testTopics, logger.Discard())

	err := p.PublishBookingCreated(context.Background(), models.Booking{
		ID: 42, HoldID: 7, FlightID: 501, CabinClass: models.CabinBusiness, SeatCount: 2, UserID: 9,
	})
	require.NoError(t, err)
	require.Len(t, w.msgs, 1)

	msg := w.msgs[0]
	assert.Equal(t, "booking.created", msg.Topic)
	assert.Equal(t, "42", string(msg.Key))

	var evt BookingCreatedEvent
	require.NoError(t, json.Unmarshal(msg.Value, &evt))
	assert.Equal(t, int64(42), evt.BookingID)
	assert.Equal(t, int64(7), evt.HoldID)
	assert.Equal(t, models.CabinBusiness, evt.CabinClass)
	assert.NotEmpty(t, evt.EventID)
}

func TestProducer_PublishHoldReleased(t *testing.T) {
	w := &fakeWriter{}
	p := newProducer(w, testTopics, logger.Discard())

	err := p.PublishHoldReleased(context.Background(), models.ReservationHold{ID: 3, FlightID: 1, SeatCount: 4}, "confirm_failed")
	require.NoError(t, err)
	require.Len(t, w.msgs, 1)
	assert.Equal(t, "booking.hold.released", w.msgs[0].Topic)

	var evt HoldReleasedEvent
	require.NoError(t, json.Unmarshal(w.msgs[0].Value, &evt))
	assert.Equal(t, "confirm_failed", evt.Reason)
	assert.Equal(t, 4, evt.SeatCount)
}

func TestProducer_WrapsWriterError(t *testing.T) {
	boom := errors.New("broker down")
	p := newProducer(&fakeWriter{err: boom}, testTopics, logger.Discard())

	err := p.PublishBookingCreated(context.Background(), models.Booking{ID: 1})
	assert.ErrorIs(t, err, boom)
}

type fakeReader struct {
	msgs      chan kafka.Message
	mu        sync.Mutex
	committed []int64
}

func newFakeReader(msgs ...kafka.Message) *fakeReader {
	r := &fakeReader{msgs: make(chan kafka.Message, len(msgs))}
	for _, m := range msgs {
		r.msgs <- m
	}
	return r
}

func (r *fakeReader) FetchMessage(ctx context.Context) (kafka.Message, error) {
	select {
	case m := <-r.msgs:
		return m, nil
	case <-ctx.Done():
		return kafka.Message{}, ctx.Err()
	}
}

func (r *fakeReader) CommitMessages(_ context.Context, msgs ...kafka.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, m := range msgs {
		r.committed = append(r.committed, m.Offset)
	}
	return nil
}

func (r *fakeReader) Close() error { return nil }

func (r *fakeReader) commits() []int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]int64(nil), r.committed...)
}

type mockHandler struct {
	mock.Mock
	calls atomic.Int32
}

func (m *mockHandler) CapturePayment(ctx context.Context, evt models.PaymentCaptured) (*models.Booking, error) {
	defer m.calls.Add(1)
	args := m.Called(ctx, evt)
	b, _ := args.Get(0).(*models.Booking)
	return b, args.Error(1)
}

func paymentMessage(t *testing.T, offset int64, evt models.PaymentCaptured) kafka.Message {
	t.Helper()
	raw, err := json.Marshal(evt)
	require.NoError(t, err)
	return kafka.Message{Topic: "payments.captured", Offset: offset, Value: raw}
}

func runConsumer(t *testing.T, c *PaymentConsumer, until func() bool) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()

	require.Eventually(t, until, 2*time.Second, 5*time.Millisecond)
	cancel()
	require.NoError(t, <-done)
}

func TestPaymentConsumer_CommitsAfterHandling(t *testing.T) {
	evt := models.PaymentCaptured{EventID: "evt-1", BookingID: 42, PaymentRef: "pi_1"}
	reader := newFakeReader(
		paymentMessage(t, 10, evt),
		kafka.Message{Topic: "payments.captured", Offset: 11, Value: []byte("garbage")},
	)
	handler := &mockHandler{}
	handler.On("CapturePayment", mock.Anything, evt).Return(&models.Booking{ID: 42, Status: models.BookingStatusPaid}, nil).Once()

	c := newPaymentConsumer(reader, handler, logger.Discard())
	runConsumer(t, c, func() bool { return len(reader.commits()) == 2 })

	assert.Equal(t, []int64{10, 11}, reader.commits())
	handler.AssertExpectations(t)
}

func TestPaymentConsumer_RetriesTransientFailures(t *testing.T) {
	evt := models.PaymentCaptured{EventID: "evt-2", BookingID: 5}
	reader := newFakeReader(paymentMessage(t, 3, evt))
	handler := &mockHandler{}
	handler.On("CapturePayment", mock.Anything, evt).Return(nil, models.ErrIdempotencyInProgress).Once()
	handler.On("CapturePayment", mock.Anything, evt).Return(&models.Booking{ID: 5}, nil).Once()

	c := newPaymentConsumer(reader, handler, logger.Discard())
	c.retryDelay = time.Millisecond
	runConsumer(t, c, func() bool { return len(reader.commits()) == 1 })

	handler.AssertNumberOfCalls(t, "CapturePayment", 2)
}

func TestPaymentConsumer_CommitsPermanentFailures(t *testing.T) {
	evt := models.PaymentCaptured{EventID: "evt-3", BookingID: 404}
	reader := newFakeReader(paymentMessage(t, 8, evt))
	handler := &mockHandler{}
	handler.On("CapturePayment", mock.Anything, evt).Return(nil, models.ErrBookingNotFound).Once()

	c := newPaymentConsumer(reader, handler, logger.Discard())
	runConsumer(t, c, func() bool { return len(reader.commits()) == 1 })

	handler.AssertNumberOfCalls(t, "CapturePayment", 1)
}

func TestPaymentConsumer_NeverCommitsPastFailingMessage(t *testing.T) {
	stuck := models.PaymentCaptured{EventID: "evt-4", BookingID: 6}
	next := models.PaymentCaptured{EventID: "evt-5", BookingID: 7}
	reader := newFakeReader(paymentMessage(t, 1, stuck), paymentMessage(t, 2, next))
	handler := &mockHandler{}
	handler.On("CapturePayment", mock.Anything, stuck).Return(nil, models.ErrStorageUnavailable)
	handler.On("CapturePayment", mock.Anything, next).Return(&models.Booking{ID: 7}, nil)

	c := newPaymentConsumer(reader, handler, logger.Discard())
	c.retryDelay = time.Millisecond
	c.alertEvery = 2
	runConsumer(t, c, func() bool { return handler.calls.Load() >= 5 })

	assert.Empty(t, reader.commits())
	handler.AssertNotCalled(t, "CapturePayment", mock.Anything, next)
}

func TestPaymentConsumer_ResumesInOrderOnceMessageSucceeds(t *testing.T) {
	stuck := models.PaymentCaptured{EventID: "evt-6", BookingID: 8}
	next := models.PaymentCaptured{EventID: "evt-7", BookingID: 9}
	reader := newFakeReader(paymentMessage(t, 1, stuck), paymentMessage(t, 2, next))
	handler := &mockHandler{}
	handler.On("CapturePayment", mock.Anything, stuck).Return(nil, models.ErrStorageUnavailable).Times(6)
	handler.On("CapturePayment", mock.Anything, stuck).Return(&models.Booking{ID: 8}, nil).Once()
	handler.On("CapturePayment", mock.Anything, next).Return(&models.Booking{ID: 9}, nil).Once()

	c := newPaymentConsumer(reader, handler, logger.Discard())
	c.retryDelay = time.Millisecond
	c.alertEvery = 3
	runConsumer(t, c, func() bool { return len(reader.commits()) == 2 })

	assert.Equal(t, []int64{1, 2}, reader.commits())
	handler.AssertExpectations(t)
}

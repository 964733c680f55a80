package sse

import (
	"context"
	"fmt"
	"sync"
	"time"

	"ms-booking/internal/models"
)

// Change tells subscribers that a cabin's seat counts moved.
type Change struct {
	FlightID   int64             `json:"flight_id"`
	CabinClass models.CabinClass `json:"cabin_class"`
	At         time.Time         `json:"at"`
}

// AvailabilityEmitter fans cabin changes out to SSE clients.
type AvailabilityEmitter struct {
	mu      sync.RWMutex
	clients map[string][]chan Change
}

func NewAvailabilityEmitter() *AvailabilityEmitter {
	return &AvailabilityEmitter{clients: make(map[string][]chan Change)}
}

func cabinKey(flightID int64, cabin models.CabinClass) string {
	return fmt.Sprintf("%d:%s", flightID, cabin)
}

// Subscribe registers a client for one cabin. The channel is closed once ctx
// is done.
func (e *AvailabilityEmitter) Subscribe(ctx context.Context, flightID int64, cabin models.CabinClass) <-chan Change {
	ch := make(chan Change, 10)
	key := cabinKey(flightID, cabin)

	e.mu.Lock()
	e.clients[key] = append(e.clients[key], ch)
	e.mu.Unlock()

	go func() {
		<-ctx.Done()
		e.remove(key, ch)
	}()
	return ch
}

// AvailabilityChanged notifies every subscriber of the cabin. Slow clients
// with a full buffer miss the change; the next one carries fresh counts.
func (e *AvailabilityEmitter) AvailabilityChanged(flightID int64, cabin models.CabinClass) {
	change := Change{FlightID: flightID, CabinClass: cabin, At: time.Now().UTC()}

	// Sends happen under the read lock so remove cannot close a channel mid-send.
	e.mu.RLock()
	defer e.mu.RUnlock()
	for _, ch := range e.clients[cabinKey(flightID, cabin)] {
		select {
		case ch <- change:
		default:
		}
	}
}

func (e *AvailabilityEmitter) remove(key string, ch chan Change) {
	e.mu.Lock()
	defer e.mu.Unlock()

	clients := e.clients[key]
	for i, c := range clients {
		if c == ch {
			e.clients[key] = append(clients[:i], clients[i+1:]...)
			close(ch)
			break
		}
	}
	if len(e.clients[key]) == 0 {
		delete(e.clients, key)
	}
}

func (e *AvailabilityEmitter) ClientCount(flightID int64, cabin models.CabinClass) int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.clients[cabinKey(flightID, cabin)])
}

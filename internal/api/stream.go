package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"ms-booking/internal/models"
)

// StreamAvailability pushes the cabin's counts to the client, once on connect
// and again after every change.
func (h *Handler) StreamAvailability(w http.ResponseWriter, r *http.Request) {
	flightID, ok := h.pathID(w, r, "flightId")
	if !ok {
		return
	}
	cabin, err := models.ParseCabinClass(r.URL.Query().Get("cabin"))
	if err != nil {
		h.fail(w, r, "StreamAvailability", err)
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeJSON(w, http.StatusInternalServerError, ErrorResponse(retryLater, ""))
		return
	}

	ctx := r.Context()
	// Subscribe before the first read so no change slips in between.
	changes := h.Events.Subscribe(ctx, flightID, cabin)

	if _, err := h.Holds.Availability(ctx, flightID, cabin); err != nil {
		h.fail(w, r, "StreamAvailability", err)
		return
	}

	// The server write timeout would otherwise cut the stream.
	_ = http.NewResponseController(w).SetWriteDeadline(time.Time{})

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	h.Logger.Info("SSE", fmt.Sprintf("Client subscribed to flight %d %s", flightID, cabin))
	if !h.sendAvailability(w, r, flightID, cabin) {
		return
	}
	flusher.Flush()

	for {
		select {
		case _, open := <-changes:
			if !open {
				return
			}
			if !h.sendAvailability(w, r, flightID, cabin) {
				return
			}
			flusher.Flush()
		case <-ctx.Done():
			h.Logger.Debug("SSE", fmt.Sprintf("Client left flight %d %s", flightID, cabin))
			return
		}
	}
}

func (h *Handler) sendAvailability(w http.ResponseWriter, r *http.Request, flightID int64, cabin models.CabinClass) bool {
	a, err := h.Holds.Availability(r.Context(), flightID, cabin)
	if err != nil {
		h.Logger.Error("SSE", fmt.Sprintf("Availability for flight %d %s: %v", flightID, cabin, err))
		return false
	}
	data, err := json.Marshal(a)
	if err != nil {
		h.Logger.Error("SSE", fmt.Sprintf("Failed to serialize availability: %v", err))
		return false
	}
	_, err = fmt.Fprintf(w, "event: availability\ndata: %s\n\n", data)
	return err == nil
}

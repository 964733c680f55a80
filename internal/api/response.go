package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"ms-booking/internal/models"
)

type APIResponse struct {
	Success   bool        `json:"success"`
	Message   string      `json:"message"`
	Data      interface{} `json:"data,omitempty"`
	Error     string      `json:"error,omitempty"`
	Timestamp time.Time   `json:"timestamp"`
}

func SuccessResponse(message string, data interface{}) APIResponse {
	return APIResponse{
		Success:   true,
		Message:   message,
		Data:      data,
		Timestamp: time.Now().UTC(),
	}
}

func ErrorResponse(message, err string) APIResponse {
	return APIResponse{
		Success:   false,
		Message:   message,
		Error:     err,
		Timestamp: time.Now().UTC(),
	}
}

func writeJSON(w http.ResponseWriter, status int, body APIResponse) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

const retryLater = "Something went wrong, please try again later"

// errorKind is how one error family is shown to clients.
type errorKind struct {
	status  int
	message string
	// internal kinds show the generic message only; the detail goes to the log.
	internal bool
}

func classify(err error) errorKind {
	switch {
	case errors.Is(err, models.ErrInvalidRequest):
		return errorKind{status: http.StatusBadRequest, message: "Invalid request"}
	case errors.Is(err, models.ErrCabinNotFound),
		errors.Is(err, models.ErrHoldNotFound),
		errors.Is(err, models.ErrBookingNotFound),
		errors.Is(err, models.ErrRecordNotFound):
		return errorKind{status: http.StatusNotFound, message: "Not found"}
	case errors.Is(err, models.ErrInsufficientInventory):
		return errorKind{status: http.StatusConflict, message: "Seats no longer available, please retry search"}
	case errors.Is(err, models.ErrHoldInvalid):
		return errorKind{status: http.StatusGone, message: "Seat hold is no longer valid, please retry search"}
	case errors.Is(err, models.ErrIdempotencyInProgress):
		return errorKind{status: http.StatusConflict, message: "Your request is still being processed, please wait"}
	case errors.Is(err, models.ErrIdempotencyConflict):
		return errorKind{status: http.StatusUnprocessableEntity, message: retryLater, internal: true}
	case errors.Is(err, models.ErrStorageUnavailable):
		return errorKind{status: http.StatusServiceUnavailable, message: retryLater, internal: true}
	default:
		return errorKind{status: http.StatusInternalServerError, message: retryLater, internal: true}
	}
}

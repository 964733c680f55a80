package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"ms-booking/internal/auth"
	"ms-booking/internal/booking"
	"ms-booking/internal/catalog"
	"ms-booking/internal/idempotency"
	"ms-booking/internal/inventory"
	"ms-booking/internal/logger"
	"ms-booking/internal/models"
	"ms-booking/internal/reaper"
	"ms-booking/internal/sse"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/uptrace/bun"
)

const IdempotencyKeyHeader = "Idempotency-Key"

type Handler struct {
	DB          *bun.DB
	Catalog     *catalog.Store
	Holds       *inventory.Manager
	Bookings    *booking.Service
	Idempotency *idempotency.Coordinator
	Reaper      *reaper.Reaper
	// Events backs the availability stream; nil leaves the route out.
	Events      *sse.AvailabilityEmitter
	Logger      *logger.Logger
}

type createHoldRequest struct {
	FlightID   int64             `json:"flight_id"`
	CabinClass models.CabinClass `json:"cabin_class"`
	SeatCount  int               `json:"seat_count"`
	SessionID  string            `json:"session_id"`
}

type holdResponse struct {
	HoldID    int64     `json:"hold_id"`
	SessionID string    `json:"session_id"`
	ExpiresAt time.Time `json:"expires_at"`
}

type sessionRequest struct {
	SessionID string `json:"session_id"`
}

type createBookingRequest struct {
	HoldID     int64             `json:"hold_id,omitempty"`
	SessionID  string            `json:"session_id"`
	FlightID   int64             `json:"flight_id,omitempty"`
	CabinClass models.CabinClass `json:"cabin_class,omitempty"`
	SeatCount  int               `json:"seat_count,omitempty"`
}

type cabinRequest struct {
	Capacity int `json:"capacity"`
}

func (h *Handler) CreateHold(w http.ResponseWriter, r *http.Request) {
	var req createHoldRequest
	if !h.decode(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.SessionID) == "" {
		req.SessionID = uuid.NewString()
	}

	hold, err := h.Bookings.Reserve(r.Context(), booking.ReserveRequest{
		FlightID:   req.FlightID,
		CabinClass: req.CabinClass,
		SeatCount:  req.SeatCount,
		SessionID:  req.SessionID,
		UserID:     auth.UserID(r.Context()),
	})
	if err != nil {
		h.fail(w, r, "CreateHold", err)
		return
	}

	writeJSON(w, http.StatusCreated, SuccessResponse("Seats held", holdResponse{
		HoldID:    hold.ID,
		SessionID: hold.SessionID,
		ExpiresAt: hold.ExpiresAt,
	}))
}

func (h *Handler) VerifyHold(w http.ResponseWriter, r *http.Request) {
	holdID, ok := h.pathID(w, r, "holdId")
	if !ok {
		return
	}
	sessionID := r.URL.Query().Get("session_id")
	if sessionID == "" {
		writeJSON(w, http.StatusBadRequest, ErrorResponse("Invalid request", "session_id is required"))
		return
	}

	valid, err := h.Holds.VerifyHold(r.Context(), holdID, sessionID)
	if err != nil {
		h.fail(w, r, "VerifyHold", err)
		return
	}
	writeJSON(w, http.StatusOK, SuccessResponse("Hold checked", map[string]bool{"valid": valid}))
}

func (h *Handler) ExtendHold(w http.ResponseWriter, r *http.Request) {
	holdID, ok := h.pathID(w, r, "holdId")
	if !ok {
		return
	}
	var req sessionRequest
	if !h.decode(w, r, &req) {
		return
	}

	expiresAt, err := h.Holds.ExtendHold(r.Context(), holdID, req.SessionID)
	if err != nil {
		h.fail(w, r, "ExtendHold", err)
		return
	}
	writeJSON(w, http.StatusOK, SuccessResponse("Hold extended", holdResponse{
		HoldID:    holdID,
		SessionID: req.SessionID,
		ExpiresAt: expiresAt,
	}))
}

func (h *Handler) ReleaseHold(w http.ResponseWriter, r *http.Request) {
	holdID, ok := h.pathID(w, r, "holdId")
	if !ok {
		return
	}
	sessionID := r.URL.Query().Get("session_id")

	if _, err := h.Bookings.Release(r.Context(), holdID, sessionID); err != nil {
		h.fail(w, r, "ReleaseHold", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) GetAvailability(w http.ResponseWriter, r *http.Request) {
	flightID, ok := h.pathID(w, r, "flightId")
	if !ok {
		return
	}
	cabin, err := models.ParseCabinClass(r.URL.Query().Get("cabin"))
	if err != nil {
		h.fail(w, r, "GetAvailability", err)
		return
	}

	a, err := h.Holds.Availability(r.Context(), flightID, cabin)
	if err != nil {
		h.fail(w, r, "GetAvailability", err)
		return
	}
	writeJSON(w, http.StatusOK, SuccessResponse("Availability", a))
}

func (h *Handler) ListCabins(w http.ResponseWriter, r *http.Request) {
	flightID, ok := h.pathID(w, r, "flightId")
	if !ok {
		return
	}
	cabins, err := h.Catalog.ListCabins(r.Context(), flightID)
	if err != nil {
		h.fail(w, r, "ListCabins", err)
		return
	}
	writeJSON(w, http.StatusOK, SuccessResponse("Cabins", cabins))
}

func (h *Handler) PutCabin(w http.ResponseWriter, r *http.Request) {
	flightID, ok := h.pathID(w, r, "flightId")
	if !ok {
		return
	}
	var req cabinRequest
	if !h.decode(w, r, &req) {
		return
	}

	cabin, err := models.ParseCabinClass(chi.URLParam(r, "cabin"))
	if err != nil {
		h.fail(w, r, "PutCabin", err)
		return
	}

	fc := models.FlightCabin{FlightID: flightID, CabinClass: cabin, Capacity: req.Capacity}
	if err := h.Holds.SetCapacity(r.Context(), fc); err != nil {
		h.fail(w, r, "PutCabin", err)
		return
	}
	writeJSON(w, http.StatusOK, SuccessResponse("Cabin saved", fc))
}

// CreateBooking confirms an existing hold when hold_id is given and
// otherwise holds and confirms in one step.
func (h *Handler) CreateBooking(w http.ResponseWriter, r *http.Request) {
	key := strings.TrimSpace(r.Header.Get(IdempotencyKeyHeader))
	if key == "" {
		writeJSON(w, http.StatusBadRequest, ErrorResponse("Invalid request", IdempotencyKeyHeader+" header is required"))
		return
	}
	var req createBookingRequest
	if !h.decode(w, r, &req) {
		return
	}
	userID := auth.UserID(r.Context())

	var conf *booking.Confirmation
	var err error
	if req.HoldID > 0 {
		conf, err = h.Bookings.Confirm(r.Context(), booking.ConfirmRequest{
			IdempotencyKey: key,
			HoldID:         req.HoldID,
			SessionID:      req.SessionID,
			UserID:         userID,
		})
	} else {
		conf, err = h.Bookings.Book(r.Context(), booking.BookRequest{
			IdempotencyKey: key,
			FlightID:       req.FlightID,
			CabinClass:     req.CabinClass,
			SeatCount:      req.SeatCount,
			SessionID:      req.SessionID,
			UserID:         userID,
		})
	}
	if err != nil {
		h.fail(w, r, "CreateBooking", err)
		return
	}

	if conf.Replayed {
		w.Header().Set("Idempotent-Replayed", "true")
		writeJSON(w, http.StatusOK, SuccessResponse("Booking confirmed", conf))
		return
	}
	writeJSON(w, http.StatusCreated, SuccessResponse("Booking confirmed", conf))
}

func (h *Handler) GetBooking(w http.ResponseWriter, r *http.Request) {
	bookingID, ok := h.pathID(w, r, "bookingId")
	if !ok {
		return
	}
	b, err := h.Bookings.GetBooking(r.Context(), bookingID)
	if err != nil {
		h.fail(w, r, "GetBooking", err)
		return
	}
	// Bookings of a known user are only shown to that user.
	if uid := auth.UserID(r.Context()); b.UserID != 0 && uid != b.UserID {
		h.fail(w, r, "GetBooking", fmt.Errorf("%w: %d", models.ErrBookingNotFound, bookingID))
		return
	}
	writeJSON(w, http.StatusOK, SuccessResponse("Booking", b))
}

func (h *Handler) GetIdempotencyRecord(w http.ResponseWriter, r *http.Request) {
	var userID int64
	if raw := r.URL.Query().Get("user_id"); raw != "" {
		var err error
		if userID, err = strconv.ParseInt(raw, 10, 64); err != nil || userID < 0 {
			writeJSON(w, http.StatusBadRequest, ErrorResponse("Invalid request", "user_id must be a non-negative integer"))
			return
		}
	}

	rec, err := h.Idempotency.GetRecord(r.Context(), chi.URLParam(r, "scope"), chi.URLParam(r, "key"), userID)
	if err != nil {
		h.fail(w, r, "GetIdempotencyRecord", err)
		return
	}
	writeJSON(w, http.StatusOK, SuccessResponse("Idempotency record", rec))
}

func (h *Handler) Reap(w http.ResponseWriter, r *http.Request) {
	res, err := h.Reaper.Sweep(r.Context())
	if err != nil {
		h.fail(w, r, "Reap", err)
		return
	}
	writeJSON(w, http.StatusOK, SuccessResponse("Sweep finished", res))
}

func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	if err := h.DB.PingContext(r.Context()); err != nil {
		h.Logger.Error("API", fmt.Sprintf("Health: database ping failed: %v", err))
		writeJSON(w, http.StatusServiceUnavailable, ErrorResponse("Unhealthy", "database unreachable"))
		return
	}
	writeJSON(w, http.StatusOK, SuccessResponse("OK", nil))
}

func (h *Handler) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		writeJSON(w, http.StatusBadRequest, ErrorResponse("Invalid request body", err.Error()))
		return false
	}
	return true
}

func (h *Handler) pathID(w http.ResponseWriter, r *http.Request, name string) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, name), 10, 64)
	if err != nil || id <= 0 {
		writeJSON(w, http.StatusBadRequest, ErrorResponse("Invalid request", name+" must be a positive integer"))
		return 0, false
	}
	return id, true
}

func (h *Handler) fail(w http.ResponseWriter, r *http.Request, op string, err error) {
	kind := classify(err)
	if kind.internal {
		h.Logger.Error("API", fmt.Sprintf("[%s] %s %s: %s: %v", RequestID(r.Context()), r.Method, r.URL.Path, op, err))
		writeJSON(w, kind.status, ErrorResponse(kind.message, ""))
		return
	}

	h.Logger.Debug("API", fmt.Sprintf("%s: %v", op, err))
	if errors.Is(err, models.ErrIdempotencyInProgress) {
		w.Header().Set("Retry-After", "1")
	}
	body := ErrorResponse(kind.message, err.Error())
	var short *models.InsufficientInventoryError
	if errors.As(err, &short) {
		body.Data = map[string]int{"requested": short.Requested, "available": short.Available}
	}
	writeJSON(w, kind.status, body)
}

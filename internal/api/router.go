package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"ms-booking/internal/auth"
	"ms-booking/internal/logger"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const RequestIDHeader = "X-Request-ID"

type requestIDKey struct{}

// RouterOptions carries what the routes need besides the handler itself.
type RouterOptions struct {
	JWTSecret string
	// Gatherer backs /metrics; nil leaves the endpoint out.
	Gatherer prometheus.Gatherer
}

func NewRouter(h *Handler, opts RouterOptions) http.Handler {
	r := chi.NewRouter()
	r.Use(requestID)
	r.Use(accessLog(h.Logger))
	r.Use(middleware.Recoverer)

	r.Get("/health", h.Health)
	if opts.Gatherer != nil {
		r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(opts.Gatherer, promhttp.HandlerOpts{}))
	}

	r.Group(func(r chi.Router) {
		r.Use(auth.Middleware(opts.JWTSecret, func(w http.ResponseWriter, r *http.Request, err error) {
			h.Logger.Warn("AUTH", fmt.Sprintf("Rejected token on %s %s: %v", r.Method, r.URL.Path, err))
			writeJSON(w, http.StatusUnauthorized, ErrorResponse("Unauthorized", "invalid bearer token"))
		}))

		r.Route("/api", func(r chi.Router) {
			r.Route("/holds", func(r chi.Router) {
				r.Post("/", h.CreateHold)
				r.Get("/{holdId}/verify", h.VerifyHold)
				r.Post("/{holdId}/extend", h.ExtendHold)
				r.Delete("/{holdId}", h.ReleaseHold)
			})

			r.Route("/flights/{flightId}", func(r chi.Router) {
				r.Get("/availability", h.GetAvailability)
				if h.Events != nil {
					r.Get("/availability/stream", h.StreamAvailability)
				}
				r.Get("/cabins", h.ListCabins)
			})

			r.Route("/bookings", func(r chi.Router) {
				r.Post("/", h.CreateBooking)
				r.Get("/{bookingId}", h.GetBooking)
			})

			r.Route("/admin", func(r chi.Router) {
				r.Use(auth.RequireAdmin(func(w http.ResponseWriter, r *http.Request, err error) {
					if errors.Is(err, auth.ErrForbidden) {
						h.Logger.Warn("AUTH", fmt.Sprintf("User %d denied %s %s", auth.UserID(r.Context()), r.Method, r.URL.Path))
						writeJSON(w, http.StatusForbidden, ErrorResponse("Forbidden", "admin role required"))
						return
					}
					writeJSON(w, http.StatusUnauthorized, ErrorResponse("Unauthorized", "bearer token required"))
				}))
				r.Get("/idempotency/{scope}/{key}", h.GetIdempotencyRecord)
				r.Post("/reap", h.Reap)
				r.Put("/flights/{flightId}/cabins/{cabin}", h.PutCabin)
			})
		})
	})

	return r
}

// requestID keeps a caller-supplied request id or assigns a new one.
func requestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(RequestIDHeader)
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set(RequestIDHeader, id)
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), requestIDKey{}, id)))
	})
}

func RequestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

func accessLog(log *logger.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)

			status := ww.Status()
			if status == 0 {
				status = http.StatusOK
			}
			log.LogAPI(r.Method, r.URL.Path, strconv.Itoa(status), time.Since(start).String())
		})
	}
}

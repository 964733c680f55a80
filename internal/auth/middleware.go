package auth

import (
	"context"
	"errors"
	"net/http"
)

type contextKey string

const identityKey contextKey = "identity"

var ErrForbidden = errors.New("admin role required")

// Middleware authenticates bearer tokens when present. Requests without an
// Authorization header pass through anonymously; a header carrying a bad
// token is rejected. onReject writes the 401 response.
func Middleware(secret string, onReject func(w http.ResponseWriter, r *http.Request, err error)) func(http.Handler) http.Handler {
	key := []byte(secret)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			raw, err := ExtractTokenFromRequest(r)
			if errors.Is(err, ErrMissingToken) {
				next.ServeHTTP(w, r)
				return
			}
			if err == nil {
				if len(key) == 0 {
					err = errors.New("token authentication is not configured")
				} else {
					var id Identity
					id, err = ParseToken(raw, key)
					if err == nil {
						next.ServeHTTP(w, r.WithContext(WithIdentity(r.Context(), id)))
						return
					}
				}
			}
			onReject(w, r, err)
		})
	}
}

// RequireAdmin lets through only requests Middleware authenticated with the
// admin role. onReject gets ErrMissingToken for anonymous callers and
// ErrForbidden for authenticated non-admins.
func RequireAdmin(onReject func(w http.ResponseWriter, r *http.Request, err error)) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id, ok := IdentityFrom(r.Context())
			switch {
			case !ok:
				onReject(w, r, ErrMissingToken)
			case !id.IsAdmin():
				onReject(w, r, ErrForbidden)
			default:
				next.ServeHTTP(w, r)
			}
		})
	}
}

func WithIdentity(ctx context.Context, id Identity) context.Context {
	return context.WithValue(ctx, identityKey, id)
}

func IdentityFrom(ctx context.Context) (Identity, bool) {
	id, ok := ctx.Value(identityKey).(Identity)
	return id, ok
}

// UserID returns the authenticated user, or 0 for anonymous requests.
func UserID(ctx context.Context) int64 {
	id, _ := IdentityFrom(ctx)
	return id.UserID
}

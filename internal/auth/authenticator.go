package auth

import (
	"context"
	"crypto/subtle"
	"net/http"
	"strconv"
	"strings"
)

type contextKey struct{}

// WithUser returns a context carrying the authenticated user id.
func WithUser(ctx context.Context, userID int64) context.Context {
	return context.WithValue(ctx, contextKey{}, userID)
}

// UserFrom returns the user id stored by the Authenticator, or 0.
func UserFrom(ctx context.Context) int64 {
	id, _ := ctx.Value(contextKey{}).(int64)
	return id
}

// Authenticator resolves the caller from a Bearer session token or, when
// TrustedHeader is set, from a header an upstream proxy has already
// validated.
type Authenticator struct {
	Manager *Manager
	// TrustedHeader names a header (e.g. X-User-ID) whose value is taken
	// as the user id without further checks. Empty disables it.
	TrustedHeader string
	// Disabled accepts DevUserID for every request. Local runs only.
	Disabled  bool
	DevUserID int64
}

// Authenticate returns the user id for r.
func (a *Authenticator) Authenticate(r *http.Request) (int64, error) {
	if a.Disabled {
		if a.DevUserID > 0 {
			return a.DevUserID, nil
		}
		return 1, nil
	}
	if a.TrustedHeader != "" {
		if v := strings.TrimSpace(r.Header.Get(a.TrustedHeader)); v != "" {
			id, err := strconv.ParseInt(v, 10, 64)
			if err != nil || id <= 0 {
				return 0, ErrUnauthenticated
			}
			return id, nil
		}
	}
	authz := strings.TrimSpace(r.Header.Get("Authorization"))
	if authz == "" || a.Manager == nil {
		return 0, ErrUnauthenticated
	}
	scheme, token, ok := strings.Cut(authz, " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return 0, ErrUnauthenticated
	}
	return a.Manager.ValidateToken(strings.TrimSpace(token))
}

// Middleware rejects unauthenticated requests through onError and stores the
// user id in the request context otherwise.
func (a *Authenticator) Middleware(onError func(http.ResponseWriter, *http.Request, error)) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			userID, err := a.Authenticate(r)
			if err != nil {
				onError(w, r, err)
				return
			}
			next.ServeHTTP(w, r.WithContext(WithUser(r.Context(), userID)))
		})
	}
}

// SharedSecret reports whether presented equals expected in constant time.
// An empty expected secret never matches.
func SharedSecret(expected, presented string) bool {
	if expected == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(expected), []byte(presented)) == 1
}

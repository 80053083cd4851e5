// Package identity provides anonymous per-device identity primitives.
package identity

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"net"
	"net/http"
	"regexp"
	"time"
)

const (
	AnonCookieName   = "evalstream_anon_id"
	IdentityHeader   = "X-Evalstream-Identity"
	anonCookieMaxAge = 30 * 24 * time.Hour
)

type contextKey int

const identityKey contextKey = iota

var anonIDPattern = regexp.MustCompile(`^anon_[a-f0-9]{32}$`)

// FromContext extracts the identity from the request context.
func FromContext(ctx context.Context) string {
	if v, ok := ctx.Value(identityKey).(string); ok {
		return v
	}
	return ""
}

// WithIdentity returns ctx carrying id.
func WithIdentity(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, identityKey, id)
}

// NewID returns a fresh anonymous identity.
func NewID() (string, error) {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate anonymous id: %w", err)
	}
	return "anon_" + hex.EncodeToString(buf), nil
}

// IsValid reports whether id has the anonymous identity shape.
func IsValid(id string) bool {
	return anonIDPattern.MatchString(id)
}

func setCookie(w http.ResponseWriter, id string, secure bool) {
	http.SetCookie(w, &http.Cookie{
		Name:     AnonCookieName,
		Value:    id,
		Path:     "/",
		MaxAge:   int(anonCookieMaxAge.Seconds()),
		Expires:  time.Now().Add(anonCookieMaxAge),
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
		Secure:   secure,
	})
}

// resolve picks the identity from the header, then the cookie, and mints
// one when neither is valid. The cookie is refreshed on every request.
func resolve(w http.ResponseWriter, r *http.Request, secure bool) (string, error) {
	if id := r.Header.Get(IdentityHeader); IsValid(id) {
		return id, nil
	}
	if c, err := r.Cookie(AnonCookieName); err == nil && IsValid(c.Value) {
		setCookie(w, c.Value, secure)
		return c.Value, nil
	}

	id, err := NewID()
	if err != nil {
		return "", err
	}
	setCookie(w, id, secure)
	return id, nil
}

// Middleware injects an anonymous per-device identity into the request context.
func Middleware(secure bool) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id, err := resolve(w, r, secure)
			if err != nil {
				http.Error(w, `{"error":"failed to establish anonymous identity"}`, http.StatusInternalServerError)
				return
			}
			next.ServeHTTP(w, r.WithContext(WithIdentity(r.Context(), id)))
		})
	}
}

// IPFromRequest returns a normalized remote IP for rate limiting and tracing.
func IPFromRequest(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// Package auth protects the MCP status endpoint with HTTP basic auth
// backed by bcrypt password hashes.
package auth

import (
	"context"
	"log/slog"
	"net"
	"net/http"

	"golang.org/x/crypto/bcrypt"
)

// UserCredentials maps usernames to bcrypt password hashes.
type UserCredentials map[string]string

type contextKey int

const ctxUserID contextKey = iota

// dummyHash is compared against when the username is unknown so the
// response time does not reveal which usernames exist.
var dummyHash = []byte("$2a$10$7EqJtq98hPqEX7fNZaFWoOa3i6tMlzj3lVJ3cE9o5p7i1YVhD0C9K")

// RequestUserID returns the authenticated user ID from the context, or "".
func RequestUserID(ctx context.Context) string {
	v, _ := ctx.Value(ctxUserID).(string)
	return v
}

// Verify reports whether password matches the stored hash for username.
func (u UserCredentials) Verify(username, password string) bool {
	hash, ok := u[username]
	if !ok {
		_ = bcrypt.CompareHashAndPassword(dummyHash, []byte(password))
		return false
	}

	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)) == nil
}

// HashPassword returns a bcrypt hash suitable for MCP_AUTH_USERS.
func HashPassword(password string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}

	return string(hash), nil
}

// Middleware returns HTTP middleware that requires basic auth
// credentials matching users.
func Middleware(users UserCredentials, logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ip, _, err := net.SplitHostPort(r.RemoteAddr)
			if err != nil {
				ip = r.RemoteAddr
			}

			username, password, ok := r.BasicAuth()
			if !ok || !users.Verify(username, password) {
				logger.Debug("middleware: rejected credentials",
					slog.String("ip", ip),
					slog.String("path", r.URL.Path),
				)
				w.Header().Set("WWW-Authenticate", `Basic realm="farm-sync"`)
				w.WriteHeader(http.StatusUnauthorized)

				return
			}

			ctx := context.WithValue(r.Context(), ctxUserID, username)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

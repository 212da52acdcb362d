// Package identity provides anonymous per-device candidate identity.
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
	CandidateCookieName = "interview_candidate_id"
	candidateCookieTTL  = 30 * 24 * time.Hour
)

type contextKey int

const (
	candidateIDKey contextKey = iota
)

var candidateIDPattern = regexp.MustCompile(`^cand_[a-f0-9]{32}$`)

// CandidateIDFromContext extracts the candidate ID from the request context.
func CandidateIDFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(candidateIDKey).(string); ok {
		return v
	}
	return ""
}

// WithCandidateID returns a context carrying id.
func WithCandidateID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, candidateIDKey, id)
}

func generateCandidateID() (string, error) {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate candidate id: %w", err)
	}
	return "cand_" + hex.EncodeToString(buf), nil
}

// IsValidCandidateID reports whether id has the cookie's format.
func IsValidCandidateID(id string) bool {
	return candidateIDPattern.MatchString(id)
}

func setCandidateCookie(w http.ResponseWriter, id string, isDev bool) {
	http.SetCookie(w, &http.Cookie{
		Name:     CandidateCookieName,
		Value:    id,
		Path:     "/",
		MaxAge:   int(candidateCookieTTL.Seconds()),
		Expires:  time.Now().Add(candidateCookieTTL),
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
		Secure:   !isDev,
	})
}

func getOrCreateCandidateID(w http.ResponseWriter, r *http.Request, isDev bool) (string, error) {
	if c, err := r.Cookie(CandidateCookieName); err == nil && IsValidCandidateID(c.Value) {
		setCandidateCookie(w, c.Value, isDev)
		return c.Value, nil
	}

	id, err := generateCandidateID()
	if err != nil {
		return "", err
	}
	setCandidateCookie(w, id, isDev)
	return id, nil
}

// Middleware stamps every request with an anonymous candidate ID, issuing
// a cookie on first visit. It performs no authentication.
func Middleware(isDev bool) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id, err := getOrCreateCandidateID(w, r, isDev)
			if err != nil {
				http.Error(w, `{"error":"failed to establish anonymous identity"}`, http.StatusInternalServerError)
				return
			}
			next.ServeHTTP(w, r.WithContext(WithCandidateID(r.Context(), id)))
		})
	}
}

// IPFromRequest returns a normalized remote IP for request logging.
func IPFromRequest(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

package httpapi

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"your.org/secretaria-backend/internal/auth"
	ilog "your.org/secretaria-backend/internal/log"
)

type ctxKey int

const userKey ctxKey = iota

// userFromContext returns the authenticated user injected by
// requireAuth.
func userFromContext(ctx context.Context) (*auth.User, bool) {
	u, ok := ctx.Value(userKey).(*auth.User)
	return u, ok
}

// bearerToken extracts the token from an "Authorization: Bearer ..."
// header, or "" when absent.
func bearerToken(r *http.Request) string {
	h := r.Header.Get("Authorization")
	if h == "" {
		return ""
	}
	parts := strings.SplitN(h, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}

// requireAuth validates the bearer token against the auth service and
// stores the resolved user in the request context.
func (s *Server) requireAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		token := bearerToken(r)
		if token == "" {
			writeFail(w, http.StatusUnauthorized, "missing bearer token")
			return
		}
		user, err := s.auth.GetUser(r.Context(), token)
		if err != nil {
			if errors.Is(err, auth.ErrInvalidToken) {
				writeFail(w, http.StatusUnauthorized, "invalid or expired token")
				return
			}
			ilog.Errorf("token verification: %v", err)
			writeFail(w, http.StatusInternalServerError, "authentication failed")
			return
		}
		next(w, r.WithContext(context.WithValue(r.Context(), userKey, user)))
	}
}

// requireWebhookSecret gates webhook routes behind the shared secret
// in X-API-Key.  When the caller also sends an X-Hub-Signature-256
// header the raw body must carry a matching HMAC.
func (s *Server) requireWebhookSecret(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.cfg.WebhookAPIKey == "" {
			writeFail(w, http.StatusUnauthorized, "webhook secret not configured")
			return
		}
		key := r.Header.Get("X-API-Key")
		if subtle.ConstantTimeCompare([]byte(key), []byte(s.cfg.WebhookAPIKey)) != 1 {
			writeFail(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		if sig := r.Header.Get("X-Hub-Signature-256"); sig != "" {
			body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
			if err != nil {
				writeFail(w, http.StatusBadRequest, "unreadable body")
				return
			}
			r.Body = io.NopCloser(strings.NewReader(string(body)))
			if !verifySignature(sig, body, s.cfg.WebhookAPIKey) {
				writeFail(w, http.StatusUnauthorized, "invalid webhook signature")
				return
			}
		}
		next(w, r)
	}
}

func verifySignature(header string, body []byte, secret string) bool {
	header = strings.TrimPrefix(header, "sha256=")
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	expected := hex.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(header), []byte(expected))
}

// logRequests emits one line per request with method, path, status and
// duration.
func logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(sw, r)
		ilog.Infof("%s %s status=%d duration=%s", r.Method, r.URL.Path, sw.status, time.Since(start))
	})
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

// recoverPanics converts an escaped panic into a generic 500 envelope
// instead of killing the connection.
func recoverPanics(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				ilog.Errorf("panic serving %s %s: %v", r.Method, r.URL.Path, rec)
				writeFail(w, http.StatusInternalServerError, "internal server error")
			}
		}()
		next.ServeHTTP(w, r)
	})
}

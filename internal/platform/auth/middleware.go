package auth

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/fave-labs/fave-go/internal/platform/requestid"
)

// DenyEvent describes one rejected request for the audit hook.
type DenyEvent struct {
	Time       time.Time
	RequestID  string
	Method     string
	Path       string
	RemoteAddr string
	UserAgent  string
	Status     int
	Reason     string
	Error      string
}

// Middleware rejects requests without a valid bearer token. Paths under
// SkipPrefixes pass through unauthenticated. Audit, when set, is called for
// every denial; its error is logged and does not change the response.
type Middleware struct {
	Logger       *slog.Logger
	Verifier     Verifier
	EnforceRoles bool
	SkipPrefixes []string
	Audit        func(ctx context.Context, event DenyEvent) error
}

func (m Middleware) Wrap(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		for _, prefix := range m.SkipPrefixes {
			if strings.HasPrefix(r.URL.Path, prefix) {
				next.ServeHTTP(w, r)
				return
			}
		}

		raw := tokenFromHeader(r)
		if raw == "" {
			m.deny(w, r, http.StatusUnauthorized, "unauthorized", ErrUnauthenticated)
			return
		}
		identity, err := m.Verifier.Verify(r.Context(), raw)
		if err != nil {
			m.deny(w, r, http.StatusUnauthorized, "invalid_token", err)
			return
		}
		if m.EnforceRoles {
			if required := RequiredRoleForRequest(r); !HasAtLeast(identity.Roles, required) {
				m.deny(w, r, http.StatusForbidden, "forbidden", errors.Join(ErrForbidden, errors.New("requires role "+required)))
				return
			}
		}
		next.ServeHTTP(w, r.WithContext(ContextWithIdentity(r.Context(), identity)))
	})
}

func (m Middleware) deny(w http.ResponseWriter, r *http.Request, status int, reason string, err error) {
	id := r.Header.Get(requestid.Header)
	if m.Logger != nil {
		m.Logger.Warn("auth denied",
			"reason", reason,
			"status", status,
			"http_request_id", id,
			"method", r.Method,
			"path", r.URL.Path,
			"error", err.Error(),
		)
	}
	if m.Audit != nil {
		event := DenyEvent{
			Time:       time.Now().UTC(),
			RequestID:  id,
			Method:     r.Method,
			Path:       r.URL.Path,
			RemoteAddr: r.RemoteAddr,
			UserAgent:  r.UserAgent(),
			Status:     status,
			Reason:     reason,
			Error:      err.Error(),
		}
		if auditErr := m.Audit(r.Context(), event); auditErr != nil && m.Logger != nil {
			m.Logger.Warn("auth deny audit failed", "http_request_id", id, "error", auditErr)
		}
	}
	if status == http.StatusUnauthorized {
		w.Header().Set("WWW-Authenticate", `Bearer realm="fave"`)
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"error":      reason,
		"request_id": id,
	})
}

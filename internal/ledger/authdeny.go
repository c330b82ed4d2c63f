package ledger

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"strings"

	"github.com/fave-labs/fave-go/internal/platform/auth"
)

const authDenySchema = `CREATE TABLE IF NOT EXISTS auth_denials (
	denial_id   BIGSERIAL PRIMARY KEY,
	occurred_at TIMESTAMPTZ NOT NULL,
	service     TEXT NOT NULL,
	action      TEXT NOT NULL,
	resource_id TEXT NOT NULL,
	request_id  TEXT,
	ip          TEXT,
	user_agent  TEXT,
	payload     JSONB NOT NULL
)`

// RecordAuthDeny stores one rejected ingress request. It is shaped to be
// used as auth.Middleware.Audit.
func RecordAuthDeny(ctx context.Context, db Execer, service string, event auth.DenyEvent) error {
	if db == nil {
		return errors.New("db is required")
	}
	if event.Time.IsZero() {
		return errors.New("deny time is required")
	}

	var ip sql.NullString
	if host, _, err := net.SplitHostPort(event.RemoteAddr); err == nil && net.ParseIP(host) != nil {
		ip = nullString(host)
	}

	payload, err := json.Marshal(map[string]any{
		"status": event.Status,
		"reason": event.Reason,
		"error":  event.Error,
	})
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}

	_, err = db.ExecContext(ctx,
		`INSERT INTO auth_denials (occurred_at, service, action, resource_id, request_id, ip, user_agent, payload)
		 VALUES ($1,$2,$3,$4,$5,$6,$7,$8)`,
		event.Time.UTC(),
		service,
		"auth."+strings.TrimSpace(event.Reason),
		event.Method+" "+event.Path,
		nullString(event.RequestID),
		ip,
		nullString(event.UserAgent),
		payload,
	)
	if err != nil {
		return fmt.Errorf("insert auth denial: %w", err)
	}
	return nil
}

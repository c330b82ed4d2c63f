// Package ledger keeps a queryable index of pipeline requests next to the
// authoritative state documents in the artifact store.
package ledger

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"

	"github.com/fave-labs/fave-go/internal/domain"
	"github.com/fave-labs/fave-go/internal/platform/env"
)

// ErrSchemaMissing is returned when the ledger tables have not been created.
var ErrSchemaMissing = errors.New("ledger schema missing")

type Mode string

const (
	ModeNone     Mode = "none"
	ModePostgres Mode = "postgres"
)

func ModeFromEnv() (Mode, error) {
	raw := strings.ToLower(env.String("ORCHESTRATOR_LEDGER", string(ModeNone)))
	switch Mode(raw) {
	case ModeNone, ModePostgres:
		return Mode(raw), nil
	default:
		return "", fmt.Errorf("ORCHESTRATOR_LEDGER must be one of: none, postgres (got %q)", raw)
	}
}

// Event is one status transition of a request.
type Event struct {
	OccurredAt time.Time
	RequestID  string
	Profile    string
	Status     domain.RequestStatus
	SourceURI  string
	InputURI   string
	Error      string
	StageCount int
	DurationMs int64
	CostUnit   float64
}

func (e Event) Validate() error {
	if e.OccurredAt.IsZero() {
		return errors.New("OccurredAt is required")
	}
	if strings.TrimSpace(e.RequestID) == "" {
		return errors.New("RequestID is required")
	}
	if strings.TrimSpace(string(e.Status)) == "" {
		return errors.New("Status is required")
	}
	return nil
}

type Recorder interface {
	Record(ctx context.Context, event Event) error
}

// Nop discards events.
type Nop struct{}

func (Nop) Record(context.Context, Event) error { return nil }

type Execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

const schema = `CREATE TABLE IF NOT EXISTS pipeline_requests (
	request_id       TEXT PRIMARY KEY,
	profile          TEXT NOT NULL,
	status           TEXT NOT NULL,
	source_uri       TEXT,
	input_uri        TEXT,
	error            TEXT,
	stage_count      INTEGER NOT NULL DEFAULT 0,
	duration_ms      BIGINT NOT NULL DEFAULT 0,
	cost_unit        DOUBLE PRECISION NOT NULL DEFAULT 0,
	integrity_sha256 TEXT NOT NULL,
	created_at       TIMESTAMPTZ NOT NULL,
	updated_at       TIMESTAMPTZ NOT NULL
)`

const upsert = `INSERT INTO pipeline_requests (
		request_id,
		profile,
		status,
		source_uri,
		input_uri,
		error,
		stage_count,
		duration_ms,
		cost_unit,
		integrity_sha256,
		created_at,
		updated_at
	) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$11)
	ON CONFLICT (request_id) DO UPDATE SET
		profile = EXCLUDED.profile,
		status = EXCLUDED.status,
		source_uri = COALESCE(EXCLUDED.source_uri, pipeline_requests.source_uri),
		input_uri = COALESCE(EXCLUDED.input_uri, pipeline_requests.input_uri),
		error = EXCLUDED.error,
		stage_count = EXCLUDED.stage_count,
		duration_ms = EXCLUDED.duration_ms,
		cost_unit = EXCLUDED.cost_unit,
		integrity_sha256 = EXCLUDED.integrity_sha256,
		updated_at = EXCLUDED.updated_at`

// Postgres upserts one row per request into pipeline_requests.
type Postgres struct {
	db  Execer
	now func() time.Time
}

func NewPostgres(db Execer) (*Postgres, error) {
	if db == nil {
		return nil, errors.New("db is required")
	}
	return &Postgres{db: db, now: time.Now}, nil
}

func EnsureSchema(ctx context.Context, db Execer) error {
	if _, err := db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("create pipeline_requests: %w", err)
	}
	if _, err := db.ExecContext(ctx, authDenySchema); err != nil {
		return fmt.Errorf("create auth_denials: %w", err)
	}
	return nil
}

func (p *Postgres) Record(ctx context.Context, event Event) error {
	if event.OccurredAt.IsZero() {
		event.OccurredAt = p.now()
	}
	event.OccurredAt = event.OccurredAt.UTC()
	if err := event.Validate(); err != nil {
		return err
	}
	profile := strings.TrimSpace(event.Profile)
	if profile == "" {
		profile = domain.DefaultProfile
	}
	integrity, err := IntegritySHA256(event)
	if err != nil {
		return err
	}

	_, err = p.db.ExecContext(ctx, upsert,
		strings.TrimSpace(event.RequestID),
		profile,
		string(event.Status),
		nullString(event.SourceURI),
		nullString(event.InputURI),
		nullString(event.Error),
		event.StageCount,
		event.DurationMs,
		event.CostUnit,
		integrity,
		event.OccurredAt,
	)
	if isUndefinedTable(err) {
		return fmt.Errorf("upsert pipeline request: %w: %w", ErrSchemaMissing, err)
	}
	if err != nil {
		return fmt.Errorf("upsert pipeline request: %w", err)
	}
	return nil
}

func isUndefinedTable(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "42P01"
	}
	return false
}

// IntegritySHA256 digests the row content so tampering with a ledger row can
// be detected against the state document.
func IntegritySHA256(event Event) (string, error) {
	type integrityInput struct {
		OccurredAt time.Time `json:"occurred_at"`
		RequestID  string    `json:"request_id"`
		Profile    string    `json:"profile,omitempty"`
		Status     string    `json:"status"`
		SourceURI  string    `json:"source_uri,omitempty"`
		InputURI   string    `json:"input_uri,omitempty"`
		Error      string    `json:"error,omitempty"`
		StageCount int       `json:"stage_count"`
		DurationMs int64     `json:"duration_ms"`
		CostUnit   float64   `json:"cost_unit"`
	}
	blob, err := json.Marshal(integrityInput{
		OccurredAt: event.OccurredAt.UTC(),
		RequestID:  strings.TrimSpace(event.RequestID),
		Profile:    strings.TrimSpace(event.Profile),
		Status:     string(event.Status),
		SourceURI:  strings.TrimSpace(event.SourceURI),
		InputURI:   strings.TrimSpace(event.InputURI),
		Error:      strings.TrimSpace(event.Error),
		StageCount: event.StageCount,
		DurationMs: event.DurationMs,
		CostUnit:   event.CostUnit,
	})
	if err != nil {
		return "", fmt.Errorf("marshal integrity: %w", err)
	}
	sum := sha256.Sum256(blob)
	return hex.EncodeToString(sum[:]), nil
}

func nullString(s string) sql.NullString {
	s = strings.TrimSpace(s)
	return sql.NullString{String: s, Valid: s != ""}
}

// FromState summarizes a state document as a ledger event.
func FromState(st domain.RequestState) Event {
	ev := Event{
		OccurredAt: st.UpdatedAt,
		RequestID:  st.RequestID,
		Profile:    st.Profile,
		Status:     st.Status,
		SourceURI:  st.SourceURI,
		InputURI:   st.InputURI,
		Error:      st.Error,
		StageCount: len(st.Stages),
	}
	if st.Metrics != nil {
		ev.DurationMs = st.Metrics.DurationMs
		ev.CostUnit = st.Metrics.CostUnit
	}
	return ev
}

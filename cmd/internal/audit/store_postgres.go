package audit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"entangle/cmd/internal/ids"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresSink is a Sink backed by PostgreSQL.
//
// Ownership model:
// - PostgresSink does NOT own the pgx pool. The caller must close the pool.
// - Close() is therefore a no-op.
type PostgresSink struct {
	pool   *pgxpool.Pool
	schema string
}

// PostgresOption configures PostgresSink behavior.
type PostgresOption func(*PostgresSink) error

// WithSchema sets the DB schema used by this sink (default: "entangle").
// The schema name is validated and safely quoted in queries.
func WithSchema(schema string) PostgresOption {
	return func(s *PostgresSink) error {
		schema = strings.TrimSpace(schema)
		if schema == "" {
			return errors.New("audit: empty schema")
		}
		if !isValidPGIdent(schema) {
			return errors.New("audit: invalid schema identifier")
		}
		s.schema = schema
		return nil
	}
}

// NewPostgresSink constructs a Postgres-backed Sink.
func NewPostgresSink(pool *pgxpool.Pool, opts ...PostgresOption) (*PostgresSink, error) {
	s := &PostgresSink{
		pool:   pool,
		schema: "entangle",
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt(s); err != nil {
			return nil, err
		}
	}
	if s.pool == nil {
		return nil, errors.New("audit: nil pool")
	}
	return s, nil
}

// Close is a no-op because the pool is owned by the caller.
func (s *PostgresSink) Close() error { return nil }

// EnsureSchema creates the schema and audit table when missing.
func (s *PostgresSink) EnsureSchema(ctx context.Context) error {
	if s == nil || s.pool == nil {
		return errors.New("audit: nil sink")
	}
	_, err := s.pool.Exec(ctx, schemaSQL(s.schema))
	return err
}

// Record inserts one audit row. Missing id and timestamp are filled in.
func (s *PostgresSink) Record(ctx context.Context, ev Event) error {
	if s == nil || s.pool == nil {
		return errors.New("audit: nil sink")
	}

	ev.Action = strings.TrimSpace(ev.Action)
	if ev.Action == "" {
		return errors.New("audit: empty action")
	}
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = time.Now().UTC()
	}
	if ev.ID == "" {
		id, err := ids.NewEventID(ev.CreatedAt)
		if err != nil {
			return err
		}
		ev.ID = id
	}

	var ipVal any
	if ev.IP != nil {
		ipVal = ev.IP.String()
	}

	var metaVal *string
	if len(ev.Meta) > 0 {
		b, err := json.Marshal(ev.Meta)
		if err != nil {
			return fmt.Errorf("audit: encode meta: %w", err)
		}
		m := string(b)
		metaVal = &m
	}

	_, err := s.pool.Exec(ctx, `
		INSERT INTO `+pgIdent(s.schema, "audit_log")+` (
			id, action, stage, code, session_hash, request_id, created_at, ip, user_agent, meta
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10::jsonb)
	`, ev.ID, ev.Action, ev.Stage, ev.Code, nilIfEmpty(ev.SessionHash), nilIfEmpty(ev.RequestID),
		ev.CreatedAt, ipVal, nilIfEmpty(ev.UserAgent), metaVal)
	return err
}

// CountByAction returns the number of rows for action since the given time.
func (s *PostgresSink) CountByAction(ctx context.Context, action string, since time.Time) (int, error) {
	if s == nil || s.pool == nil {
		return 0, errors.New("audit: nil sink")
	}
	var n int
	err := s.pool.QueryRow(ctx, `
		SELECT count(*)
		FROM `+pgIdent(s.schema, "audit_log")+`
		WHERE action = $1
		  AND created_at >= $2
	`, action, since).Scan(&n)
	return n, err
}

func schemaSQL(schema string) string {
	return fmt.Sprintf(`
CREATE SCHEMA IF NOT EXISTS %s;

CREATE TABLE IF NOT EXISTS %s (
  id           TEXT PRIMARY KEY,
  action       TEXT NOT NULL,
  stage        TEXT NOT NULL,
  code         TEXT NOT NULL,
  session_hash TEXT NULL,
  request_id   TEXT NULL,
  created_at   TIMESTAMPTZ NOT NULL DEFAULT now(),
  ip           TEXT NULL,
  user_agent   TEXT NULL,
  meta         JSONB NULL
);

CREATE INDEX IF NOT EXISTS audit_log_action_created_idx ON %s (action, created_at);
`, pgx.Identifier{schema}.Sanitize(), pgIdent(schema, "audit_log"), pgIdent(schema, "audit_log"))
}

func nilIfEmpty(s string) any {
	v := strings.TrimSpace(s)
	if v == "" {
		return nil
	}
	return v
}

var pgIdentRE = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

func isValidPGIdent(s string) bool {
	return pgIdentRE.MatchString(s)
}

func pgIdent(schema, table string) string {
	// pgx.Identifier safely quotes identifiers, preventing SQL injection.
	return pgx.Identifier{schema, table}.Sanitize()
}

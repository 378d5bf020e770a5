package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore writes notifications to the notifications table.
// It does NOT own the pgx pool.
type PostgresStore struct {
	pool   *pgxpool.Pool
	schema string
}

// PostgresOption configures PostgresStore behavior.
type PostgresOption func(*PostgresStore) error

// WithSchema sets the DB schema used by this store (default: "appocar").
func WithSchema(schema string) PostgresOption {
	return func(s *PostgresStore) error {
		schema = strings.TrimSpace(schema)
		if schema == "" {
			return errors.New("notify: empty schema")
		}
		if !pgIdentRE.MatchString(schema) {
			return errors.New("notify: invalid schema identifier")
		}
		s.schema = schema
		return nil
	}
}

// NewPostgresStore constructs a Postgres-backed notification sink.
func NewPostgresStore(pool *pgxpool.Pool, opts ...PostgresOption) (*PostgresStore, error) {
	st := &PostgresStore{pool: pool, schema: "appocar"}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt(st); err != nil {
			return nil, err
		}
	}
	if st.pool == nil {
		return nil, errors.New("notify: nil pool")
	}
	return st, nil
}

// Name implements Sink.
func (s *PostgresStore) Name() string { return "postgres" }

// Deliver implements Sink.
func (s *PostgresStore) Deliver(ctx context.Context, n Notification) error {
	meta, err := json.Marshal(n.Meta)
	if err != nil {
		return fmt.Errorf("encode meta: %w", err)
	}

	_, err = s.pool.Exec(ctx,
		`INSERT INTO `+pgx.Identifier{s.schema, "notifications"}.Sanitize()+` (
		     id, user_email, type, title, body, meta, created_at
		   ) VALUES ($1, $2, $3, $4, $5, $6::jsonb, $7)`,
		n.ID, n.UserEmail, n.Type, n.Title, n.Body, string(meta), n.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert notification: %w", err)
	}
	return nil
}

var pgIdentRE = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

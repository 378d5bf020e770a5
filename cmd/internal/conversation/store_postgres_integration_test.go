package conversation

import (
	"context"
	"fmt"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/appocareu/appocar-web/cmd/internal/ids"
)

// Integration tests are enabled when APPOCAR_DATABASE_URL is set.
// This keeps local "go test ./..." fast & deterministic without requiring Postgres.

func TestPostgresStore(t *testing.T) {
	pool := mustOpenTestPool(t)
	t.Cleanup(pool.Close)

	storeContract(t, func(t *testing.T) Store {
		schema := mustCreateTestSchema(t, pool)
		t.Cleanup(func() { mustDropSchema(t, pool, schema) })
		mustApplySchema(t, pool, schema)

		st, err := NewPostgresStore(pool, WithSchema(schema))
		if err != nil {
			t.Fatalf("new postgres store: %v", err)
		}
		return st
	})
}

func TestWithSchema_RejectsInvalidIdent(t *testing.T) {
	for _, s := range []string{"", "  ", "bad-schema", "x;drop", "1abc"} {
		if _, err := NewPostgresStore(&pgxpool.Pool{}, WithSchema(s)); err == nil {
			t.Fatalf("WithSchema(%q): expected error", s)
		}
	}
	if _, err := NewPostgresStore(nil); err == nil {
		t.Fatalf("expected error for nil pool")
	}
}

// ---- test helpers ----

func mustOpenTestPool(t *testing.T) *pgxpool.Pool {
	t.Helper()

	raw := strings.TrimSpace(os.Getenv("APPOCAR_DATABASE_URL"))
	if raw == "" {
		t.Skip("integration test skipped: APPOCAR_DATABASE_URL is not set")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	cfg, err := pgxpool.ParseConfig(raw)
	if err != nil {
		t.Fatalf("parse APPOCAR_DATABASE_URL: %v", err)
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		t.Fatalf("connect postgres: %v", err)
	}

	pingCtx, pingCancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer pingCancel()

	c, err := pool.Acquire(pingCtx)
	if err != nil {
		pool.Close()
		t.Fatalf("acquire: %v", err)
	}
	c.Release()

	return pool
}

func mustCreateTestSchema(t *testing.T, pool *pgxpool.Pool) string {
	t.Helper()

	schema := "appocar_it_" + strings.ToLower(ids.NewRandomHex(8))

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if _, err := pool.Exec(ctx, `CREATE SCHEMA `+pgx.Identifier{schema}.Sanitize()); err != nil {
		t.Fatalf("create schema: %v", err)
	}
	return schema
}

func mustDropSchema(t *testing.T, pool *pgxpool.Pool, schema string) {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	_, _ = pool.Exec(ctx, `DROP SCHEMA IF EXISTS `+pgx.Identifier{schema}.Sanitize()+` CASCADE`)
}

func mustApplySchema(t *testing.T, pool *pgxpool.Pool, schema string) {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 12*time.Second)
	defer cancel()

	conversations := pgIdent(schema, "conversations")
	messages := pgIdent(schema, "messages")

	// Must remain semantically aligned with db/schema.sql.
	schemaSQL := fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %s (
  id           UUID PRIMARY KEY,
  listing_id   TEXT NOT NULL,
  buyer_email  TEXT NOT NULL,
  seller_email TEXT NOT NULL,
  last_seq     BIGINT NOT NULL DEFAULT 0,
  created_at   TIMESTAMPTZ NOT NULL DEFAULT now(),
  updated_at   TIMESTAMPTZ NOT NULL DEFAULT now(),
  CONSTRAINT uq_conversations_participants UNIQUE (listing_id, buyer_email, seller_email)
);

CREATE TABLE IF NOT EXISTS %s (
  id              TEXT PRIMARY KEY,
  conversation_id UUID NOT NULL REFERENCES %s(id) ON DELETE CASCADE,
  seq             BIGINT NOT NULL,
  sender_email    TEXT NOT NULL,
  body            TEXT NOT NULL,
  sent_at         TIMESTAMPTZ NOT NULL,
  read_at         TIMESTAMPTZ,
  CONSTRAINT uq_messages_conversation_seq UNIQUE (conversation_id, seq)
);
`, conversations, messages, conversations)

	if _, err := pool.Exec(ctx, schemaSQL); err != nil {
		t.Fatalf("apply schema: %v", err)
	}
}

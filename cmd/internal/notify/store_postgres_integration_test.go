package notify

import (
	"context"
	"encoding/json"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/appocareu/appocar-web/cmd/internal/ids"
)

// Enabled when APPOCAR_DATABASE_URL is set.
func TestPostgresStore_Deliver(t *testing.T) {
	raw := strings.TrimSpace(os.Getenv("APPOCAR_DATABASE_URL"))
	if raw == "" {
		t.Skip("integration test skipped: APPOCAR_DATABASE_URL is not set")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	pool, err := pgxpool.New(ctx, raw)
	if err != nil {
		t.Fatalf("connect postgres: %v", err)
	}
	defer pool.Close()

	schema := "appocar_it_" + ids.NewRandomHex(8)
	if _, err := pool.Exec(ctx, `CREATE SCHEMA `+pgx.Identifier{schema}.Sanitize()); err != nil {
		t.Fatalf("create schema: %v", err)
	}
	t.Cleanup(func() {
		_, _ = pool.Exec(context.Background(), `DROP SCHEMA IF EXISTS `+pgx.Identifier{schema}.Sanitize()+` CASCADE`)
	})

	table := pgx.Identifier{schema, "notifications"}.Sanitize()
	if _, err := pool.Exec(ctx, `
CREATE TABLE `+table+` (
  id         UUID PRIMARY KEY,
  user_email TEXT NOT NULL,
  type       TEXT NOT NULL,
  title      TEXT NOT NULL,
  body       TEXT NOT NULL,
  meta       JSONB NOT NULL DEFAULT '{}'::jsonb,
  read_at    TIMESTAMPTZ,
  created_at TIMESTAMPTZ NOT NULL DEFAULT now()
)`); err != nil {
		t.Fatalf("apply schema: %v", err)
	}

	st, err := NewPostgresStore(pool, WithSchema(schema))
	if err != nil {
		t.Fatalf("new store: %v", err)
	}

	id, _ := ids.NewUUID()
	n := NewMessage("s@x.test", "hello", "c1", "l1", time.Now().UTC())
	n.ID = id
	if err := st.Deliver(ctx, n); err != nil {
		t.Fatalf("deliver: %v", err)
	}

	var (
		email, typ string
		metaRaw    []byte
		readAt     *time.Time
	)
	if err := pool.QueryRow(ctx,
		`SELECT user_email, type, meta::text, read_at FROM `+table+` WHERE id = $1`, id,
	).Scan(&email, &typ, &metaRaw, &readAt); err != nil {
		t.Fatalf("select: %v", err)
	}
	if email != "s@x.test" || typ != TypeMessage || readAt != nil {
		t.Fatalf("row: email=%q type=%q read_at=%v", email, typ, readAt)
	}
	var meta Meta
	if err := json.Unmarshal(metaRaw, &meta); err != nil {
		t.Fatalf("meta: %v", err)
	}
	if meta.ConversationID != "c1" || meta.ListingID != "l1" {
		t.Fatalf("meta=%+v", meta)
	}
}

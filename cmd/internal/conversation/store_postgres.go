package conversation

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/appocareu/appocar-web/cmd/internal/ids"
)

// PostgresStore is a Store backed by PostgreSQL.
//
// Ownership model:
// - PostgresStore does NOT own the pgx pool. The caller must close the pool.
// - Close() is therefore a no-op.
//
// Concurrency model:
//   - The UPDATE on the conversation row that allocates seq holds the row lock
//     until commit, so appends to one conversation are serialized.
//   - The unique (listing_id, buyer_email, seller_email) constraint makes
//     FindOrCreate race safe.
type PostgresStore struct {
	pool   *pgxpool.Pool
	schema string
}

// PostgresOption configures PostgresStore behavior.
type PostgresOption func(*PostgresStore) error

// WithSchema sets the DB schema used by this store (default: "appocar").
// The schema name is validated and safely quoted in queries.
func WithSchema(schema string) PostgresOption {
	return func(s *PostgresStore) error {
		schema = strings.TrimSpace(schema)
		if schema == "" {
			return errors.New("conversation: empty schema")
		}
		if !IsValidPGIdent(schema) {
			return errors.New("conversation: invalid schema identifier")
		}
		s.schema = schema
		return nil
	}
}

// NewPostgresStore constructs a Postgres-backed Store.
func NewPostgresStore(pool *pgxpool.Pool, opts ...PostgresOption) (*PostgresStore, error) {
	st := &PostgresStore{
		pool:   pool,
		schema: "appocar",
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt(st); err != nil {
			return nil, err
		}
	}
	if st.pool == nil {
		return nil, errors.New("conversation: nil pool")
	}
	return st, nil
}

// Close is a no-op because the pool is owned by the caller.
func (s *PostgresStore) Close() error { return nil }

const conversationCols = `id::text, listing_id, buyer_email, seller_email, created_at, updated_at, last_seq`

func scanConversation(row pgx.Row) (Conversation, error) {
	var c Conversation
	err := row.Scan(&c.ID, &c.ListingID, &c.BuyerEmail, &c.SellerEmail, &c.CreatedAt, &c.UpdatedAt, &c.LastSeq)
	return c, err
}

// FindOrCreate returns the conversation for (listing, buyer, seller), creating it if needed.
func (s *PostgresStore) FindOrCreate(ctx context.Context, listingID, buyerEmail, sellerEmail string) (Conversation, bool, error) {
	const op = "conversation.FindOrCreate"

	listingID = strings.TrimSpace(listingID)
	buyer := normalizeEmail(buyerEmail)
	seller := normalizeEmail(sellerEmail)
	if err := validateCreate(op, listingID, buyer, seller); err != nil {
		return Conversation{}, false, err
	}
	if err := ctx.Err(); err != nil {
		return Conversation{}, false, err
	}

	id, err := ids.NewUUID()
	if err != nil {
		return Conversation{}, false, err
	}

	conversations := pgIdent(s.schema, "conversations")

	c, err := scanConversation(s.pool.QueryRow(ctx,
		`INSERT INTO `+conversations+` (id, listing_id, buyer_email, seller_email)
		 VALUES ($1, $2, $3, $4)
		 ON CONFLICT (listing_id, buyer_email, seller_email) DO NOTHING
		 RETURNING `+conversationCols,
		id, listingID, buyer, seller,
	))
	if err == nil {
		return c, true, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return Conversation{}, false, fmt.Errorf("insert conversation: %w", err)
	}

	// Lost the race (or it already existed): the committed row is visible now.
	c, err = scanConversation(s.pool.QueryRow(ctx,
		`SELECT `+conversationCols+`
		   FROM `+conversations+`
		  WHERE listing_id = $1 AND buyer_email = $2 AND seller_email = $3`,
		listingID, buyer, seller,
	))
	if err != nil {
		return Conversation{}, false, fmt.Errorf("select conversation: %w", err)
	}
	return c, false, nil
}

// Get returns a conversation by id.
func (s *PostgresStore) Get(ctx context.Context, conversationID string) (Conversation, error) {
	const op = "conversation.Get"

	conversationID = strings.TrimSpace(conversationID)
	if !ids.IsUUID(conversationID) {
		return Conversation{}, notFound(op)
	}

	c, err := scanConversation(s.pool.QueryRow(ctx,
		`SELECT `+conversationCols+` FROM `+pgIdent(s.schema, "conversations")+` WHERE id = $1`,
		conversationID,
	))
	if errors.Is(err, pgx.ErrNoRows) {
		return Conversation{}, notFound(op)
	}
	if err != nil {
		return Conversation{}, err
	}
	return c, nil
}

// IsParticipant reports whether email is the buyer or seller of the conversation.
func (s *PostgresStore) IsParticipant(ctx context.Context, conversationID, email string) (bool, error) {
	conversationID = strings.TrimSpace(conversationID)
	email = normalizeEmail(email)
	if email == "" || !ids.IsUUID(conversationID) {
		return false, nil
	}

	var one int
	err := s.pool.QueryRow(ctx,
		`SELECT 1 FROM `+pgIdent(s.schema, "conversations")+`
		  WHERE id = $1 AND (buyer_email = $2 OR seller_email = $2)`,
		conversationID, email,
	).Scan(&one)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// ListForParticipant returns summaries of every conversation of email, newest activity first.
func (s *PostgresStore) ListForParticipant(ctx context.Context, email string) ([]Summary, error) {
	email = normalizeEmail(email)
	if email == "" {
		return nil, invalid("conversation.ListForParticipant", "missing email")
	}

	conversations := pgIdent(s.schema, "conversations")
	messages := pgIdent(s.schema, "messages")

	rows, err := s.pool.Query(ctx,
		`SELECT c.id::text, c.listing_id, c.buyer_email, c.seller_email, c.created_at, c.updated_at, c.last_seq,
		        lm.id, lm.sender_email, lm.body, lm.sent_at, lm.read_at, lm.seq,
		        (SELECT COUNT(*) FROM `+messages+` u
		          WHERE u.conversation_id = c.id AND u.sender_email <> $1 AND u.read_at IS NULL)
		   FROM `+conversations+` c
		   LEFT JOIN LATERAL (
		        SELECT m.id, m.sender_email, m.body, m.sent_at, m.read_at, m.seq
		          FROM `+messages+` m
		         WHERE m.conversation_id = c.id
		         ORDER BY m.seq DESC
		         LIMIT 1
		   ) lm ON true
		  WHERE c.buyer_email = $1 OR c.seller_email = $1
		  ORDER BY c.updated_at DESC, c.id`,
		email,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]Summary, 0, 8)
	for rows.Next() {
		var (
			sum    Summary
			mID    *string
			mFrom  *string
			mBody  *string
			mSent  *time.Time
			mRead  *time.Time
			mSeq   *int64
			unread int64
		)
		if err := rows.Scan(
			&sum.ID, &sum.ListingID, &sum.BuyerEmail, &sum.SellerEmail, &sum.CreatedAt, &sum.UpdatedAt, &sum.LastSeq,
			&mID, &mFrom, &mBody, &mSent, &mRead, &mSeq,
			&unread,
		); err != nil {
			return nil, err
		}
		if mID != nil {
			sum.LastMessage = &Message{
				ID:             *mID,
				ConversationID: sum.ID,
				SenderEmail:    deref(mFrom),
				Body:           deref(mBody),
				ReadAt:         mRead,
			}
			if mSent != nil {
				sum.LastMessage.SentAt = *mSent
			}
			if mSeq != nil {
				sum.LastMessage.Seq = *mSeq
			}
		}
		sum.UnreadCount = int(unread)
		out = append(out, sum)
	}
	return out, rows.Err()
}

// AppendMessage stores a message and bumps the conversation's updated_at.
// sent_at is max(now, previous updated_at) so it never decreases within a conversation.
func (s *PostgresStore) AppendMessage(ctx context.Context, in AppendMessageInput) (Message, error) {
	const op = "conversation.AppendMessage"

	convID := strings.TrimSpace(in.ConversationID)
	sender := normalizeEmail(in.SenderEmail)
	if convID == "" || sender == "" || in.Body == "" {
		return Message{}, invalid(op, "missing conversation, sender or body")
	}
	if !ids.IsUUID(convID) {
		return Message{}, notFound(op)
	}
	if err := ctx.Err(); err != nil {
		return Message{}, err
	}

	now := in.Now
	if now.IsZero() {
		now = time.Now().UTC()
	}

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{
		IsoLevel:   pgx.ReadCommitted,
		AccessMode: pgx.ReadWrite,
	})
	if err != nil {
		return Message{}, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	m := Message{ConversationID: convID, SenderEmail: sender, Body: in.Body}

	// Row lock on the conversation serializes seq allocation.
	err = tx.QueryRow(ctx,
		`UPDATE `+pgIdent(s.schema, "conversations")+`
		    SET last_seq = last_seq + 1,
		        updated_at = GREATEST(updated_at, $2)
		  WHERE id = $1
		RETURNING last_seq, updated_at`,
		convID, now,
	).Scan(&m.Seq, &m.SentAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return Message{}, notFound(op)
	}
	if err != nil {
		return Message{}, fmt.Errorf("allocate seq: %w", err)
	}

	m.ID, err = ids.NewULID(m.SentAt)
	if err != nil {
		return Message{}, err
	}

	if _, err := tx.Exec(ctx,
		`INSERT INTO `+pgIdent(s.schema, "messages")+` (
		     id, conversation_id, seq, sender_email, body, sent_at
		   ) VALUES ($1, $2, $3, $4, $5, $6)`,
		m.ID, convID, m.Seq, sender, in.Body, m.SentAt,
	); err != nil {
		return Message{}, fmt.Errorf("insert message: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return Message{}, err
	}
	return m, nil
}

// ListMessages returns the conversation's messages in send order.
func (s *PostgresStore) ListMessages(ctx context.Context, conversationID string) ([]Message, error) {
	conversationID = strings.TrimSpace(conversationID)
	if _, err := s.Get(ctx, conversationID); err != nil {
		return nil, err
	}

	rows, err := s.pool.Query(ctx,
		`SELECT id, conversation_id::text, sender_email, body, sent_at, read_at, seq
		   FROM `+pgIdent(s.schema, "messages")+`
		  WHERE conversation_id = $1
		  ORDER BY seq ASC`,
		conversationID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	msgs := make([]Message, 0, 64)
	for rows.Next() {
		var m Message
		if err := rows.Scan(&m.ID, &m.ConversationID, &m.SenderEmail, &m.Body, &m.SentAt, &m.ReadAt, &m.Seq); err != nil {
			return nil, err
		}
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}

// MarkRead sets read_at on every unread message not sent by reader.
// Only rows whose read_at was NULL are returned, ordered by seq.
func (s *PostgresStore) MarkRead(ctx context.Context, conversationID, readerEmail string, now time.Time) ([]ReadReceipt, error) {
	const op = "conversation.MarkRead"

	conversationID = strings.TrimSpace(conversationID)
	reader := normalizeEmail(readerEmail)
	if reader == "" {
		return nil, invalid(op, "missing reader")
	}
	if _, err := s.Get(ctx, conversationID); err != nil {
		return nil, err
	}
	if now.IsZero() {
		now = time.Now().UTC()
	}

	rows, err := s.pool.Query(ctx,
		`WITH upd AS (
		     UPDATE `+pgIdent(s.schema, "messages")+`
		        SET read_at = $3
		      WHERE conversation_id = $1
		        AND sender_email <> $2
		        AND read_at IS NULL
		  RETURNING id, seq, read_at
		 )
		 SELECT id, read_at FROM upd ORDER BY seq ASC`,
		conversationID, reader, now,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []ReadReceipt
	for rows.Next() {
		var r ReadReceipt
		if err := rows.Scan(&r.MessageID, &r.ReadAt); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

var pgIdentRE = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// IsValidPGIdent reports whether s is a plain, unquoted PostgreSQL identifier.
func IsValidPGIdent(s string) bool {
	return pgIdentRE.MatchString(s)
}

func pgIdent(schema, table string) string {
	// pgx.Identifier safely quotes identifiers, preventing SQL injection.
	return pgx.Identifier{schema, table}.Sanitize()
}

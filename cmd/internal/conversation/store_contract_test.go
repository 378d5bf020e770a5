package conversation

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"
)

// storeContract runs behavior every Store implementation must satisfy.
func storeContract(t *testing.T, newStore func(t *testing.T) Store) {
	t.Run("find or create is idempotent", func(t *testing.T) {
		st := newStore(t)
		ctx := testCtx(t)

		a, created, err := st.FindOrCreate(ctx, "listing-1", "Buyer@Example.com ", "seller@example.com")
		if err != nil {
			t.Fatalf("first: %v", err)
		}
		if !created {
			t.Fatalf("first: expected created=true")
		}
		if a.BuyerEmail != "buyer@example.com" {
			t.Fatalf("buyer not normalized: %q", a.BuyerEmail)
		}

		b, created, err := st.FindOrCreate(ctx, "listing-1", "buyer@example.com", "SELLER@example.com")
		if err != nil {
			t.Fatalf("second: %v", err)
		}
		if created {
			t.Fatalf("second: expected created=false")
		}
		if a.ID != b.ID {
			t.Fatalf("ids differ: %s vs %s", a.ID, b.ID)
		}
	})

	t.Run("concurrent find or create yields one conversation", func(t *testing.T) {
		st := newStore(t)
		ctx := testCtx(t)

		const n = 16
		var (
			wg      sync.WaitGroup
			mu      sync.Mutex
			idSet   = map[string]struct{}{}
			created int
		)
		errCh := make(chan error, n)
		wg.Add(n)
		for i := 0; i < n; i++ {
			go func() {
				defer wg.Done()
				c, ok, err := st.FindOrCreate(ctx, "listing-race", "b@x.test", "s@x.test")
				if err != nil {
					errCh <- err
					return
				}
				mu.Lock()
				idSet[c.ID] = struct{}{}
				if ok {
					created++
				}
				mu.Unlock()
			}()
		}
		wg.Wait()
		close(errCh)
		for err := range errCh {
			t.Fatalf("find or create: %v", err)
		}
		if len(idSet) != 1 {
			t.Fatalf("expected 1 conversation id, got %d", len(idSet))
		}
		if created != 1 {
			t.Fatalf("expected exactly one created=true, got %d", created)
		}
	})

	t.Run("invalid create input", func(t *testing.T) {
		st := newStore(t)
		ctx := testCtx(t)

		cases := [][3]string{
			{"", "b@x.test", "s@x.test"},
			{"l", "", "s@x.test"},
			{"l", "b@x.test", ""},
			{"l", "same@x.test", "SAME@x.test"},
		}
		for _, c := range cases {
			if _, _, err := st.FindOrCreate(ctx, c[0], c[1], c[2]); !IsInvalidInput(err) {
				t.Fatalf("FindOrCreate(%q,%q,%q) err=%v, want ErrInvalidInput", c[0], c[1], c[2], err)
			}
		}
	})

	t.Run("participants and counterpart", func(t *testing.T) {
		st := newStore(t)
		ctx := testCtx(t)
		c := mustConversation(t, st, "l-p", "b@x.test", "s@x.test")

		for email, want := range map[string]bool{
			"b@x.test":   true,
			"S@X.TEST":   true,
			"eve@x.test": false,
			"":           false,
		} {
			got, err := st.IsParticipant(ctx, c.ID, email)
			if err != nil {
				t.Fatalf("IsParticipant(%q): %v", email, err)
			}
			if got != want {
				t.Fatalf("IsParticipant(%q)=%v want %v", email, got, want)
			}
		}

		ok, err := st.IsParticipant(ctx, "00000000-0000-4000-8000-000000000000", "b@x.test")
		if err != nil || ok {
			t.Fatalf("unknown conversation: ok=%v err=%v", ok, err)
		}

		if got := c.Counterpart("b@x.test"); got != "s@x.test" {
			t.Fatalf("counterpart of buyer=%q", got)
		}
		if got := c.Counterpart("eve@x.test"); got != "" {
			t.Fatalf("counterpart of outsider=%q", got)
		}
	})

	t.Run("append orders messages and bumps updated_at", func(t *testing.T) {
		st := newStore(t)
		ctx := testCtx(t)
		c := mustConversation(t, st, "l-o", "b@x.test", "s@x.test")

		base := time.Now().UTC()
		var ids []string
		for i := 0; i < 5; i++ {
			from := "b@x.test"
			if i%2 == 1 {
				from = "s@x.test"
			}
			m, err := st.AppendMessage(ctx, AppendMessageInput{
				ConversationID: c.ID,
				SenderEmail:    from,
				Body:           fmt.Sprintf("m%d", i),
				// Clock runs backwards here; sent_at must still not decrease.
				Now: base.Add(time.Duration(5-i) * time.Millisecond),
			})
			if err != nil {
				t.Fatalf("append %d: %v", i, err)
			}
			if m.ReadAt != nil {
				t.Fatalf("append %d: new message already read", i)
			}
			ids = append(ids, m.ID)
		}

		msgs, err := st.ListMessages(ctx, c.ID)
		if err != nil {
			t.Fatalf("list: %v", err)
		}
		if len(msgs) != 5 {
			t.Fatalf("expected 5 messages, got %d", len(msgs))
		}
		for i, m := range msgs {
			if m.ID != ids[i] || m.Body != fmt.Sprintf("m%d", i) {
				t.Fatalf("position %d: got %s/%q", i, m.ID, m.Body)
			}
			if i > 0 && m.SentAt.Before(msgs[i-1].SentAt) {
				t.Fatalf("sent_at decreased at %d", i)
			}
			if i > 0 && m.Seq <= msgs[i-1].Seq {
				t.Fatalf("seq not increasing at %d", i)
			}
		}

		got, err := st.Get(ctx, c.ID)
		if err != nil {
			t.Fatalf("get: %v", err)
		}
		if got.UpdatedAt.Before(msgs[4].SentAt) {
			t.Fatalf("updated_at=%v older than last message %v", got.UpdatedAt, msgs[4].SentAt)
		}
	})

	t.Run("concurrent appends keep strict seq", func(t *testing.T) {
		st := newStore(t)
		ctx := testCtx(t)
		c := mustConversation(t, st, "l-c", "b@x.test", "s@x.test")

		const n = 24
		var wg sync.WaitGroup
		errCh := make(chan error, n)
		wg.Add(n)
		for i := 0; i < n; i++ {
			i := i
			go func() {
				defer wg.Done()
				_, err := st.AppendMessage(ctx, AppendMessageInput{
					ConversationID: c.ID,
					SenderEmail:    "b@x.test",
					Body:           fmt.Sprintf("m%d", i),
				})
				if err != nil {
					errCh <- err
				}
			}()
		}
		wg.Wait()
		close(errCh)
		for err := range errCh {
			t.Fatalf("append: %v", err)
		}

		msgs, err := st.ListMessages(ctx, c.ID)
		if err != nil {
			t.Fatalf("list: %v", err)
		}
		if len(msgs) != n {
			t.Fatalf("expected %d messages, got %d", n, len(msgs))
		}
		for i, m := range msgs {
			if m.Seq != int64(i+1) {
				t.Fatalf("position %d has seq %d", i, m.Seq)
			}
		}
	})

	t.Run("unknown conversation", func(t *testing.T) {
		st := newStore(t)
		ctx := testCtx(t)
		unknown := "00000000-0000-4000-8000-000000000000"

		if _, err := st.Get(ctx, unknown); !IsNotFound(err) {
			t.Fatalf("Get err=%v want ErrNotFound", err)
		}
		if _, err := st.ListMessages(ctx, unknown); !IsNotFound(err) {
			t.Fatalf("ListMessages err=%v want ErrNotFound", err)
		}
		_, err := st.AppendMessage(ctx, AppendMessageInput{ConversationID: unknown, SenderEmail: "b@x.test", Body: "x"})
		if !errors.Is(err, ErrNotFound) {
			t.Fatalf("AppendMessage err=%v want ErrNotFound", err)
		}
		if _, err := st.MarkRead(ctx, unknown, "b@x.test", time.Now()); !IsNotFound(err) {
			t.Fatalf("MarkRead err=%v want ErrNotFound", err)
		}
	})

	t.Run("mark read touches only counterpart unread messages", func(t *testing.T) {
		st := newStore(t)
		ctx := testCtx(t)
		c := mustConversation(t, st, "l-r", "b@x.test", "s@x.test")

		m1 := mustAppend(t, st, c.ID, "b@x.test", "hi")
		m2 := mustAppend(t, st, c.ID, "b@x.test", "still there?")
		own := mustAppend(t, st, c.ID, "s@x.test", "yes")

		t1 := time.Now().UTC().Truncate(time.Millisecond)
		got, err := st.MarkRead(ctx, c.ID, "S@x.test", t1)
		if err != nil {
			t.Fatalf("mark read: %v", err)
		}
		if len(got) != 2 || got[0].MessageID != m1.ID || got[1].MessageID != m2.ID {
			t.Fatalf("unexpected receipts: %+v", got)
		}

		again, err := st.MarkRead(ctx, c.ID, "s@x.test", t1.Add(time.Minute))
		if err != nil {
			t.Fatalf("mark read again: %v", err)
		}
		if len(again) != 0 {
			t.Fatalf("second mark read changed %d rows", len(again))
		}

		msgs, err := st.ListMessages(ctx, c.ID)
		if err != nil {
			t.Fatalf("list: %v", err)
		}
		for _, m := range msgs {
			switch m.ID {
			case own.ID:
				if m.ReadAt != nil {
					t.Fatalf("reader's own message was marked read")
				}
			default:
				if m.ReadAt == nil || !m.ReadAt.Equal(t1) {
					t.Fatalf("message %s read_at=%v want %v", m.ID, m.ReadAt, t1)
				}
			}
		}
	})

	t.Run("summaries", func(t *testing.T) {
		st := newStore(t)
		ctx := testCtx(t)
		older := mustConversation(t, st, "l-s1", "b@x.test", "s@x.test")
		newer := mustConversation(t, st, "l-s2", "b@x.test", "other@x.test")
		_ = mustConversation(t, st, "l-s3", "eve@x.test", "s@x.test")

		mustAppend(t, st, older.ID, "s@x.test", "offer")
		time.Sleep(5 * time.Millisecond)
		mustAppend(t, st, newer.ID, "other@x.test", "a")
		last := mustAppend(t, st, newer.ID, "other@x.test", "b")

		sums, err := st.ListForParticipant(ctx, "B@x.test")
		if err != nil {
			t.Fatalf("list: %v", err)
		}
		if len(sums) != 2 {
			t.Fatalf("expected 2 summaries, got %d", len(sums))
		}
		if sums[0].ID != newer.ID || sums[1].ID != older.ID {
			t.Fatalf("unexpected order: %s, %s", sums[0].ID, sums[1].ID)
		}
		if sums[0].LastMessage == nil || sums[0].LastMessage.ID != last.ID {
			t.Fatalf("unexpected last message: %+v", sums[0].LastMessage)
		}
		if sums[0].UnreadCount != 2 || sums[1].UnreadCount != 1 {
			t.Fatalf("unread counts = %d, %d", sums[0].UnreadCount, sums[1].UnreadCount)
		}
	})
}

func testCtx(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func mustConversation(t *testing.T, st Store, listing, buyer, seller string) Conversation {
	t.Helper()
	c, _, err := st.FindOrCreate(testCtx(t), listing, buyer, seller)
	if err != nil {
		t.Fatalf("find or create: %v", err)
	}
	return c
}

func mustAppend(t *testing.T, st Store, convID, from, body string) Message {
	t.Helper()
	m, err := st.AppendMessage(testCtx(t), AppendMessageInput{ConversationID: convID, SenderEmail: from, Body: body})
	if err != nil {
		t.Fatalf("append: %v", err)
	}
	return m
}

package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"
)

func openTest(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func seedGuildChannelUser(t *testing.T, s *Store) {
	t.Helper()
	ctx := context.Background()
	if err := s.UpsertGuild(ctx, Guild{ID: "g1", Name: "Test Guild"}); err != nil {
		t.Fatalf("upsert guild: %v", err)
	}
	if err := s.UpsertChannel(ctx, Channel{ID: "c1", GuildID: "g1", Name: "general"}); err != nil {
		t.Fatalf("upsert channel: %v", err)
	}
	if err := s.UpsertUser(ctx, User{ID: "u1", Username: "alice", Discriminator: "0"}); err != nil {
		t.Fatalf("upsert user: %v", err)
	}
}

func TestMigrationIdempotent(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "test.db")

	s1, err := Open(path)
	if err != nil {
		t.Fatalf("first open: %v", err)
	}
	s1.Close()

	// Reopen: migrations already recorded, must be a no-op.
	s2, err := Open(path)
	if err != nil {
		t.Fatalf("second open: %v", err)
	}
	defer s2.Close()

	var n int
	if err := s2.DB().QueryRow(`SELECT COUNT(*) FROM _migrations`).Scan(&n); err != nil {
		t.Fatalf("count migrations: %v", err)
	}
	if n != 3 {
		t.Fatalf("applied migrations = %d, want 3", n)
	}
}

func TestUpsertMessageIdempotent(t *testing.T) {
	s := openTest(t)
	ctx := context.Background()
	seedGuildChannelUser(t, s)

	ts := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	msg := Message{ID: "m1", ChannelID: "c1", AuthorID: "u1", Content: "hello", Timestamp: ts}

	for i := 0; i < 3; i++ {
		if err := s.UpsertMessage(ctx, msg); err != nil {
			t.Fatalf("upsert %d: %v", i, err)
		}
	}

	var count int
	if err := s.DB().QueryRow(`SELECT COUNT(*) FROM messages`).Scan(&count); err != nil {
		t.Fatal(err)
	}
	if count != 1 {
		t.Fatalf("messages = %d, want 1", count)
	}
}

func TestUpsertMessagePreservesTimestamp(t *testing.T) {
	s := openTest(t)
	ctx := context.Background()
	seedGuildChannelUser(t, s)

	orig := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	if err := s.UpsertMessage(ctx, Message{ID: "m1", ChannelID: "c1", AuthorID: "u1", Content: "v1", Timestamp: orig}); err != nil {
		t.Fatal(err)
	}

	// Re-encounter with an edit: content changes, timestamp must not.
	edited := orig.Add(time.Hour)
	if err := s.UpsertMessage(ctx, Message{
		ID: "m1", ChannelID: "c1", AuthorID: "u1", Content: "v2",
		Timestamp: orig.Add(5 * time.Minute), EditedTimestamp: &edited,
	}); err != nil {
		t.Fatal(err)
	}

	var content, ts string
	if err := s.DB().QueryRow(`SELECT content, timestamp FROM messages WHERE id = 'm1'`).Scan(&content, &ts); err != nil {
		t.Fatal(err)
	}
	if content != "v2" {
		t.Errorf("content = %q, want v2", content)
	}
	if got := parseTime(ts); !got.Equal(orig) {
		t.Errorf("timestamp = %v, want original %v", got, orig)
	}
}

func TestCascadeDelete(t *testing.T) {
	s := openTest(t)
	ctx := context.Background()
	seedGuildChannelUser(t, s)

	if err := s.UpsertMessage(ctx, Message{ID: "m1", ChannelID: "c1", AuthorID: "u1", Content: "x", Timestamp: time.Now()}); err != nil {
		t.Fatal(err)
	}
	if err := s.ReplaceEmbeds(ctx, "m1", []Embed{{MessageID: "m1", Title: "t"}}); err != nil {
		t.Fatal(err)
	}
	if err := s.UpsertAttachment(ctx, Attachment{ID: "a1", MessageID: "m1", Filename: "f.png", URL: "u"}); err != nil {
		t.Fatal(err)
	}
	if err := s.UpsertReaction(ctx, Reaction{MessageID: "m1", Emoji: "👍", Count: 2}); err != nil {
		t.Fatal(err)
	}

	if err := s.DeleteChannel(ctx, "c1"); err != nil {
		t.Fatal(err)
	}

	for _, table := range []string{"messages", "embeds", "attachments", "reactions"} {
		var n int
		if err := s.DB().QueryRow("SELECT COUNT(*) FROM " + table).Scan(&n); err != nil {
			t.Fatal(err)
		}
		if n != 0 {
			t.Errorf("%s rows after cascade = %d, want 0", table, n)
		}
	}
}

func TestChannelCursor(t *testing.T) {
	s := openTest(t)
	ctx := context.Background()
	seedGuildChannelUser(t, s)

	ts := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	for _, id := range []string{"900000000000000001", "900000000000000002"} {
		if err := s.UpsertMessage(ctx, Message{ID: id, ChannelID: "c1", AuthorID: "u1", Content: "x", Timestamp: ts}); err != nil {
			t.Fatal(err)
		}
	}

	if err := s.UpdateChannelLastScraped(ctx, "c1", "900000000000000002"); err != nil {
		t.Fatal(err)
	}
	c, err := s.GetChannel(ctx, "c1")
	if err != nil {
		t.Fatal(err)
	}
	if c == nil {
		t.Fatal("channel not found")
	}
	if c.LastScrapedMessageID != "900000000000000002" {
		t.Errorf("cursor = %q", c.LastScrapedMessageID)
	}
	if c.MessageCount != 2 {
		t.Errorf("message_count = %d, want 2", c.MessageCount)
	}
	if c.LastScrapedAt.IsZero() {
		t.Error("last_scraped_at not set")
	}
}

func TestChannelMessageCountReplaySafe(t *testing.T) {
	s := openTest(t)
	ctx := context.Background()
	seedGuildChannelUser(t, s)

	ts := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	if err := s.UpsertMessage(ctx, Message{ID: "m1", ChannelID: "c1", AuthorID: "u1", Content: "x", Timestamp: ts}); err != nil {
		t.Fatal(err)
	}

	// A re-fetch replays the same upserts and advances the cursor
	// again; the count must stay the number of distinct messages.
	for i := 0; i < 2; i++ {
		if err := s.UpsertMessage(ctx, Message{ID: "m1", ChannelID: "c1", AuthorID: "u1", Content: "x", Timestamp: ts}); err != nil {
			t.Fatal(err)
		}
		if err := s.UpdateChannelLastScraped(ctx, "c1", "m1"); err != nil {
			t.Fatal(err)
		}
	}

	c, err := s.GetChannel(ctx, "c1")
	if err != nil {
		t.Fatal(err)
	}
	if c.MessageCount != 1 {
		t.Errorf("message_count = %d after replay, want 1", c.MessageCount)
	}
}

func TestSyncLifecycleTerminal(t *testing.T) {
	s := openTest(t)
	ctx := context.Background()
	seedGuildChannelUser(t, s)

	id, err := s.BeginSync(ctx, "run-1", SyncTypeFull, "g1", "")
	if err != nil {
		t.Fatal(err)
	}
	st, err := s.GetSyncState(ctx, id)
	if err != nil {
		t.Fatal(err)
	}
	if st.Status != SyncInProgress {
		t.Fatalf("status = %s, want in_progress", st.Status)
	}

	if err := s.CompleteSync(ctx, id, 120); err != nil {
		t.Fatal(err)
	}
	// Terminal: failing a completed row must not rewrite it.
	if err := s.FailSync(ctx, id, "late failure", 0); err != nil {
		t.Fatal(err)
	}

	st, err = s.GetSyncState(ctx, id)
	if err != nil {
		t.Fatal(err)
	}
	if st.Status != SyncCompleted {
		t.Errorf("status = %s, want completed", st.Status)
	}
	if st.MessagesProcessed != 120 {
		t.Errorf("messages_processed = %d, want 120", st.MessagesProcessed)
	}
	if st.CompletedAt == nil {
		t.Error("completed_at not set")
	}
}

package export

import (
	"bytes"
	"context"
	"encoding/csv"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/scribeworks/guildscribe/internal/store"
	"github.com/scribeworks/guildscribe/internal/testutil"
)

func seed(t *testing.T, st *store.Store) {
	t.Helper()
	ctx := context.Background()
	if err := st.UpsertGuild(ctx, store.Guild{ID: "g1", Name: "Guild"}); err != nil {
		t.Fatal(err)
	}
	if err := st.UpsertChannel(ctx, store.Channel{ID: "c1", GuildID: "g1", Name: "general"}); err != nil {
		t.Fatal(err)
	}
	if err := st.UpsertUser(ctx, store.User{ID: "u1", Username: "alice", Discriminator: "0"}); err != nil {
		t.Fatal(err)
	}
	base := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	for i, id := range []string{"m1", "m2", "m3"} {
		err := st.UpsertMessage(ctx, store.Message{
			ID: id, ChannelID: "c1", AuthorID: "u1",
			Content:   "content " + id,
			Timestamp: base.AddDate(0, 0, i),
		})
		if err != nil {
			t.Fatal(err)
		}
	}
	if err := st.UpsertReaction(ctx, store.Reaction{MessageID: "m1", Emoji: "🔥", Count: 3}); err != nil {
		t.Fatal(err)
	}
}

func TestMessagesJSONWindow(t *testing.T) {
	st := testutil.OpenTestStore(t)
	seed(t, st)

	var buf bytes.Buffer
	err := Messages(context.Background(), st, &buf, Options{
		Format: "json",
		Since:  time.Date(2025, 3, 2, 0, 0, 0, 0, time.UTC),
	})
	if err != nil {
		t.Fatal(err)
	}

	var msgs []Message
	if err := json.Unmarshal(buf.Bytes(), &msgs); err != nil {
		t.Fatalf("invalid JSON: %v", err)
	}
	if len(msgs) != 2 {
		t.Fatalf("messages = %d, want 2 (window excludes m1)", len(msgs))
	}
	if msgs[0].ID != "m2" || msgs[1].ID != "m3" {
		t.Errorf("order = %s, %s", msgs[0].ID, msgs[1].ID)
	}
	if msgs[0].ChannelName != "general" || msgs[0].Username != "alice" {
		t.Errorf("join fields missing: %+v", msgs[0])
	}
}

func TestMessagesCSV(t *testing.T) {
	st := testutil.OpenTestStore(t)
	seed(t, st)

	var buf bytes.Buffer
	if err := Messages(context.Background(), st, &buf, Options{Format: "csv"}); err != nil {
		t.Fatal(err)
	}

	records, err := csv.NewReader(&buf).ReadAll()
	if err != nil {
		t.Fatal(err)
	}
	if len(records) != 4 { // header + 3 rows
		t.Fatalf("records = %d, want 4", len(records))
	}
	if records[0][0] != "id" {
		t.Errorf("header = %v", records[0])
	}
}

func TestMessagesIncludeReactions(t *testing.T) {
	st := testutil.OpenTestStore(t)
	seed(t, st)

	var buf bytes.Buffer
	err := Messages(context.Background(), st, &buf, Options{Format: "json", IncludeReactions: true})
	if err != nil {
		t.Fatal(err)
	}
	var msgs []Message
	if err := json.Unmarshal(buf.Bytes(), &msgs); err != nil {
		t.Fatal(err)
	}
	if len(msgs[0].Reactions) != 1 || msgs[0].Reactions[0].Emoji != "🔥" {
		t.Errorf("reactions = %+v", msgs[0].Reactions)
	}
}

func TestChannels(t *testing.T) {
	st := testutil.OpenTestStore(t)
	seed(t, st)

	var buf bytes.Buffer
	if err := Channels(context.Background(), st, &buf, Options{Format: "json", Pretty: true}); err != nil {
		t.Fatal(err)
	}
	var channels []Channel
	if err := json.Unmarshal(buf.Bytes(), &channels); err != nil {
		t.Fatal(err)
	}
	if len(channels) != 1 || channels[0].Name != "general" {
		t.Errorf("channels = %+v", channels)
	}
	if !strings.Contains(buf.String(), "\n  ") {
		t.Error("pretty output not indented")
	}
}

func TestSummaries(t *testing.T) {
	st := testutil.OpenTestStore(t)
	ctx := context.Background()
	err := st.SaveStageResult(ctx, store.StageResult{
		EntityType: store.EntityDailySummary, EntityID: "c1:2025-03-01", Stage: "summarize",
		ResultJSON: `{"summary": {"headline": "day one"}}`,
		GuildID:    "g1", ChannelID: "c1", SummaryDate: "2025-03-01",
	})
	if err != nil {
		t.Fatal(err)
	}

	var buf bytes.Buffer
	if err := Summaries(ctx, st, &buf, Options{Format: "json"}); err != nil {
		t.Fatal(err)
	}
	var sums []Summary
	if err := json.Unmarshal(buf.Bytes(), &sums); err != nil {
		t.Fatal(err)
	}
	if len(sums) != 1 || sums[0].EntityID != "c1:2025-03-01" {
		t.Errorf("summaries = %+v", sums)
	}
	if !strings.Contains(string(sums[0].Summary), "day one") {
		t.Errorf("summary payload = %s", sums[0].Summary)
	}
}

package store

import (
	"context"
	"fmt"
	"os"
	"time"
)

// Stats is a point-in-time snapshot of the database contents.
type Stats struct {
	Guilds      int   `json:"guilds"`
	Channels    int   `json:"channels"`
	Users       int   `json:"users"`
	Messages    int   `json:"messages"`
	Embeds      int   `json:"embeds"`
	Attachments int   `json:"attachments"`
	Reactions   int   `json:"reactions"`
	Extracts    int   `json:"extracts"`
	FileSize    int64 `json:"file_size_bytes"`

	OldestMessage time.Time `json:"oldest_message,omitempty"`
	NewestMessage time.Time `json:"newest_message,omitempty"`

	StageCounts map[string]int `json:"stage_counts,omitempty"`
}

// Stats computes table counts, the message time range, the per-stage
// memoization counts and the database file size.
func (s *Store) Stats(ctx context.Context) (*Stats, error) {
	st := &Stats{}

	counts := []struct {
		table string
		dst   *int
	}{
		{"guilds", &st.Guilds},
		{"channels", &st.Channels},
		{"users", &st.Users},
		{"messages", &st.Messages},
		{"embeds", &st.Embeds},
		{"attachments", &st.Attachments},
		{"reactions", &st.Reactions},
		{"marketing_extracts", &st.Extracts},
	}
	for _, c := range counts {
		if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM "+c.table).Scan(c.dst); err != nil {
			return nil, fmt.Errorf("count %s: %w", c.table, err)
		}
	}

	var minTS, maxTS string
	err := s.db.QueryRowContext(ctx, `
		SELECT COALESCE(MIN(timestamp), ''), COALESCE(MAX(timestamp), '') FROM messages
	`).Scan(&minTS, &maxTS)
	if err != nil {
		return nil, fmt.Errorf("message time range: %w", err)
	}
	if minTS != "" {
		st.OldestMessage = parseTime(minTS)
		st.NewestMessage = parseTime(maxTS)
	}

	st.StageCounts, err = s.StageCounts(ctx)
	if err != nil {
		return nil, err
	}

	if info, err := os.Stat(s.path); err == nil {
		st.FileSize = info.Size()
	}

	return st, nil
}

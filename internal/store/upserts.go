package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// TimeLayout is the ISO-8601 UTC layout used for every timestamp
// column. Millisecond precision matches SQLite's strftime('%f') so
// string comparison orders correctly.
const TimeLayout = "2006-01-02T15:04:05.000Z"

func formatTime(t time.Time) string {
	return t.UTC().Format(TimeLayout)
}

func parseTime(s string) time.Time {
	t, err := time.Parse(TimeLayout, s)
	if err != nil {
		// Fall back for rows written by other tools.
		t, _ = time.Parse(time.RFC3339, s)
	}
	return t
}

// UpsertGuild inserts or refreshes a guild row.
func (s *Store) UpsertGuild(ctx context.Context, g Guild) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO guilds (id, name, icon_url, member_count)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			icon_url = excluded.icon_url,
			member_count = excluded.member_count,
			updated_at = strftime('%Y-%m-%dT%H:%M:%fZ', 'now')
	`, g.ID, g.Name, nullStr(g.IconURL), nullInt(g.MemberCount))
	if err != nil {
		return fmt.Errorf("upsert guild %s: %w", g.ID, err)
	}
	return nil
}

// GetGuild reads one guild row, or nil when absent.
func (s *Store) GetGuild(ctx context.Context, id string) (*Guild, error) {
	var g Guild
	var iconURL sql.NullString
	var memberCount sql.NullInt64
	err := s.db.QueryRowContext(ctx, `
		SELECT id, name, icon_url, member_count FROM guilds WHERE id = ?
	`, id).Scan(&g.ID, &g.Name, &iconURL, &memberCount)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get guild %s: %w", id, err)
	}
	g.IconURL = iconURL.String
	g.MemberCount = int(memberCount.Int64)
	return &g, nil
}

// UpsertChannel inserts or refreshes a channel row. The resume cursor
// columns are not touched here; see UpdateChannelLastScraped.
func (s *Store) UpsertChannel(ctx context.Context, c Channel) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO channels (id, guild_id, name, type, parent_id, position, topic)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			type = excluded.type,
			parent_id = excluded.parent_id,
			position = excluded.position,
			topic = excluded.topic,
			updated_at = strftime('%Y-%m-%dT%H:%M:%fZ', 'now')
	`, c.ID, c.GuildID, c.Name, c.Type, nullStr(c.ParentID), c.Position, nullStr(c.Topic))
	if err != nil {
		return fmt.Errorf("upsert channel %s: %w", c.ID, err)
	}
	return nil
}

// UpsertUser inserts or refreshes a user row.
func (s *Store) UpsertUser(ctx context.Context, u User) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO users (id, username, global_name, discriminator, avatar_url, is_bot)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			username = excluded.username,
			global_name = excluded.global_name,
			discriminator = excluded.discriminator,
			avatar_url = excluded.avatar_url,
			is_bot = excluded.is_bot,
			updated_at = strftime('%Y-%m-%dT%H:%M:%fZ', 'now')
	`, u.ID, u.Username, nullStr(u.GlobalName), u.Discriminator, nullStr(u.AvatarURL), boolInt(u.IsBot))
	if err != nil {
		return fmt.Errorf("upsert user %s: %w", u.ID, err)
	}
	return nil
}

// UpsertMessage inserts a message or, on re-encounter, updates the
// mutable fields. The original timestamp is never rewritten.
func (s *Store) UpsertMessage(ctx context.Context, m Message) error {
	var edited any
	if m.EditedTimestamp != nil {
		edited = formatTime(*m.EditedTimestamp)
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO messages (
			id, channel_id, author_id, content, clean_content, timestamp,
			edited_timestamp, message_type, reference_id, thread_id,
			has_embeds, has_attachments, reaction_count
		)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			content = excluded.content,
			clean_content = excluded.clean_content,
			edited_timestamp = excluded.edited_timestamp,
			has_embeds = excluded.has_embeds,
			has_attachments = excluded.has_attachments,
			reaction_count = excluded.reaction_count
	`, m.ID, m.ChannelID, m.AuthorID, m.Content, m.CleanContent, formatTime(m.Timestamp),
		edited, m.MessageType, nullStr(m.ReferenceID), nullStr(m.ThreadID),
		boolInt(m.HasEmbeds), boolInt(m.HasAttachments), m.ReactionCount)
	if err != nil {
		return fmt.Errorf("upsert message %s: %w", m.ID, err)
	}
	return nil
}

// ReplaceEmbeds swaps the embed child rows of a message.
func (s *Store) ReplaceEmbeds(ctx context.Context, messageID string, embeds []Embed) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM embeds WHERE message_id = ?`, messageID); err != nil {
		return fmt.Errorf("clear embeds for %s: %w", messageID, err)
	}
	for _, e := range embeds {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO embeds (message_id, title, description, url)
			VALUES (?, ?, ?, ?)
		`, messageID, nullStr(e.Title), nullStr(e.Description), nullStr(e.URL))
		if err != nil {
			return fmt.Errorf("insert embed for %s: %w", messageID, err)
		}
	}
	return nil
}

// UpsertAttachment inserts or refreshes an attachment row.
func (s *Store) UpsertAttachment(ctx context.Context, a Attachment) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO attachments (id, message_id, filename, url, size, content_type)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			filename = excluded.filename,
			url = excluded.url,
			size = excluded.size,
			content_type = excluded.content_type
	`, a.ID, a.MessageID, a.Filename, a.URL, a.Size, nullStr(a.ContentType))
	if err != nil {
		return fmt.Errorf("upsert attachment %s: %w", a.ID, err)
	}
	return nil
}

// UpsertReaction inserts or refreshes a reaction count, unique per
// (message_id, emoji).
func (s *Store) UpsertReaction(ctx context.Context, r Reaction) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO reactions (message_id, emoji, count)
		VALUES (?, ?, ?)
		ON CONFLICT(message_id, emoji) DO UPDATE SET
			count = excluded.count
	`, r.MessageID, r.Emoji, r.Count)
	if err != nil {
		return fmt.Errorf("upsert reaction %s/%s: %w", r.MessageID, r.Emoji, err)
	}
	return nil
}

// UpdateChannelLastScraped advances the resume cursor after a channel
// completes successfully. The message count is recomputed from the
// messages table so at-least-once re-fetches cannot inflate it.
func (s *Store) UpdateChannelLastScraped(ctx context.Context, channelID, lastMessageID string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE channels
		SET last_scraped_message_id = ?,
			last_scraped_at = strftime('%Y-%m-%dT%H:%M:%fZ', 'now'),
			message_count = (SELECT COUNT(*) FROM messages WHERE channel_id = channels.id)
		WHERE id = ?
	`, lastMessageID, channelID)
	if err != nil {
		return fmt.Errorf("update channel cursor %s: %w", channelID, err)
	}
	return nil
}

// GetChannel reads one channel row.
func (s *Store) GetChannel(ctx context.Context, id string) (*Channel, error) {
	var c Channel
	var parentID, topic, cursor, scrapedAt sql.NullString
	var position sql.NullInt64
	err := s.db.QueryRowContext(ctx, `
		SELECT id, guild_id, name, type, parent_id, position, topic,
			last_scraped_message_id, last_scraped_at, message_count
		FROM channels WHERE id = ?
	`, id).Scan(&c.ID, &c.GuildID, &c.Name, &c.Type, &parentID, &position,
		&topic, &cursor, &scrapedAt, &c.MessageCount)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get channel %s: %w", id, err)
	}
	c.ParentID = parentID.String
	c.Position = int(position.Int64)
	c.Topic = topic.String
	c.LastScrapedMessageID = cursor.String
	if scrapedAt.Valid {
		c.LastScrapedAt = parseTime(scrapedAt.String)
	}
	return &c, nil
}

// DeleteChannel removes a channel; messages and their children cascade.
func (s *Store) DeleteChannel(ctx context.Context, id string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM channels WHERE id = ?`, id); err != nil {
		return fmt.Errorf("delete channel %s: %w", id, err)
	}
	return nil
}

// BeginSync opens a SyncState row in state in_progress and returns its id.
func (s *Store) BeginSync(ctx context.Context, runID, syncType, guildID, channelID string) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO sync_state (run_id, sync_type, guild_id, channel_id)
		VALUES (?, ?, ?, ?)
	`, runID, syncType, nullStr(guildID), nullStr(channelID))
	if err != nil {
		return 0, fmt.Errorf("begin sync: %w", err)
	}
	return res.LastInsertId()
}

// CompleteSync marks a sync row completed with its message total.
// Terminal: an already-finished row is not rewritten.
func (s *Store) CompleteSync(ctx context.Context, id int64, messagesProcessed int) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE sync_state
		SET status = 'completed',
			completed_at = strftime('%Y-%m-%dT%H:%M:%fZ', 'now'),
			messages_processed = ?
		WHERE id = ? AND status = 'in_progress'
	`, messagesProcessed, id)
	if err != nil {
		return fmt.Errorf("complete sync %d: %w", id, err)
	}
	return nil
}

// FailSync marks a sync row failed with an error message. Terminal.
func (s *Store) FailSync(ctx context.Context, id int64, errMsg string, messagesProcessed int) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE sync_state
		SET status = 'failed',
			completed_at = strftime('%Y-%m-%dT%H:%M:%fZ', 'now'),
			error_message = ?,
			messages_processed = ?
		WHERE id = ? AND status = 'in_progress'
	`, errMsg, messagesProcessed, id)
	if err != nil {
		return fmt.Errorf("fail sync %d: %w", id, err)
	}
	return nil
}

// GetSyncState reads one sync row.
func (s *Store) GetSyncState(ctx context.Context, id int64) (*SyncState, error) {
	var st SyncState
	var guildID, channelID, completedAt, errMsg sql.NullString
	var startedAt string
	err := s.db.QueryRowContext(ctx, `
		SELECT id, run_id, sync_type, guild_id, channel_id, started_at,
			completed_at, messages_processed, status, error_message
		FROM sync_state WHERE id = ?
	`, id).Scan(&st.ID, &st.RunID, &st.SyncType, &guildID, &channelID,
		&startedAt, &completedAt, &st.MessagesProcessed, &st.Status, &errMsg)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get sync state %d: %w", id, err)
	}
	st.GuildID = guildID.String
	st.ChannelID = channelID.String
	st.StartedAt = parseTime(startedAt)
	if completedAt.Valid {
		t := parseTime(completedAt.String)
		st.CompletedAt = &t
	}
	st.ErrorMessage = errMsg.String
	return &st, nil
}

func nullStr(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullInt(n int) any {
	if n == 0 {
		return nil
	}
	return n
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// Package export writes store contents to JSON or CSV for downstream
// tools.
package export

import (
	"context"
	"database/sql"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/scribeworks/guildscribe/internal/store"
)

// Options shape one export.
type Options struct {
	Format string // "json" or "csv"
	Since  time.Time
	Until  time.Time
	Pretty bool

	IncludeEmbeds      bool
	IncludeAttachments bool
	IncludeReactions   bool
}

// Message is the exported message shape.
type Message struct {
	ID            string    `json:"id"`
	ChannelID     string    `json:"channel_id"`
	ChannelName   string    `json:"channel_name"`
	AuthorID      string    `json:"author_id"`
	Username      string    `json:"username"`
	Content       string    `json:"content"`
	Timestamp     time.Time `json:"timestamp"`
	ReactionCount int       `json:"reaction_count"`

	Embeds      []store.Embed      `json:"embeds,omitempty"`
	Attachments []store.Attachment `json:"attachments,omitempty"`
	Reactions   []store.Reaction   `json:"reactions,omitempty"`
}

// Channel is the exported channel shape.
type Channel struct {
	ID                   string `json:"id"`
	GuildID              string `json:"guild_id"`
	Name                 string `json:"name"`
	Topic                string `json:"topic,omitempty"`
	MessageCount         int    `json:"message_count"`
	LastScrapedMessageID string `json:"last_scraped_message_id,omitempty"`
}

// Summary is the exported summary shape (daily and weekly rows).
type Summary struct {
	EntityType string          `json:"entity_type"`
	EntityID   string          `json:"entity_id"`
	GuildID    string          `json:"guild_id,omitempty"`
	ChannelID  string          `json:"channel_id,omitempty"`
	Date       string          `json:"date,omitempty"`
	Summary    json.RawMessage `json:"summary"`
}

// Messages streams messages in the time window to w.
func Messages(ctx context.Context, st *store.Store, w io.Writer, opts Options) error {
	msgs, err := queryMessages(ctx, st, opts)
	if err != nil {
		return err
	}

	if opts.Format == "csv" {
		return writeMessagesCSV(w, msgs)
	}
	return writeJSON(w, msgs, opts.Pretty)
}

func queryMessages(ctx context.Context, st *store.Store, opts Options) ([]Message, error) {
	query := `
		SELECT m.id, m.channel_id, c.name, m.author_id, u.username,
			m.content, m.timestamp, m.reaction_count
		FROM messages m
		JOIN channels c ON c.id = m.channel_id
		JOIN users u ON u.id = m.author_id
		WHERE 1 = 1`
	var args []any
	if !opts.Since.IsZero() {
		query += " AND m.timestamp >= ?"
		args = append(args, opts.Since.UTC().Format(store.TimeLayout))
	}
	if !opts.Until.IsZero() {
		query += " AND m.timestamp <= ?"
		args = append(args, opts.Until.UTC().Format(store.TimeLayout))
	}
	query += " ORDER BY m.timestamp ASC"

	rows, err := st.DB().QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("export messages: %w", err)
	}
	defer rows.Close()

	var out []Message
	for rows.Next() {
		var m Message
		var ts string
		if err := rows.Scan(&m.ID, &m.ChannelID, &m.ChannelName, &m.AuthorID,
			&m.Username, &m.Content, &ts, &m.ReactionCount); err != nil {
			return nil, err
		}
		m.Timestamp, _ = time.Parse(store.TimeLayout, ts)
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for i := range out {
		if opts.IncludeEmbeds {
			if out[i].Embeds, err = messageEmbeds(ctx, st.DB(), out[i].ID); err != nil {
				return nil, err
			}
		}
		if opts.IncludeAttachments {
			if out[i].Attachments, err = messageAttachments(ctx, st.DB(), out[i].ID); err != nil {
				return nil, err
			}
		}
		if opts.IncludeReactions {
			if out[i].Reactions, err = messageReactions(ctx, st.DB(), out[i].ID); err != nil {
				return nil, err
			}
		}
	}
	return out, nil
}

func messageEmbeds(ctx context.Context, db *sql.DB, messageID string) ([]store.Embed, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT message_id, COALESCE(title, ''), COALESCE(description, ''), COALESCE(url, '')
		FROM embeds WHERE message_id = ?`, messageID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []store.Embed
	for rows.Next() {
		var e store.Embed
		if err := rows.Scan(&e.MessageID, &e.Title, &e.Description, &e.URL); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func messageAttachments(ctx context.Context, db *sql.DB, messageID string) ([]store.Attachment, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT id, message_id, filename, url, size, COALESCE(content_type, '')
		FROM attachments WHERE message_id = ?`, messageID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []store.Attachment
	for rows.Next() {
		var a store.Attachment
		if err := rows.Scan(&a.ID, &a.MessageID, &a.Filename, &a.URL, &a.Size, &a.ContentType); err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func messageReactions(ctx context.Context, db *sql.DB, messageID string) ([]store.Reaction, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT message_id, emoji, count FROM reactions WHERE message_id = ?`, messageID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []store.Reaction
	for rows.Next() {
		var r store.Reaction
		if err := rows.Scan(&r.MessageID, &r.Emoji, &r.Count); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// Channels exports channel rows.
func Channels(ctx context.Context, st *store.Store, w io.Writer, opts Options) error {
	rows, err := st.DB().QueryContext(ctx, `
		SELECT id, guild_id, name, COALESCE(topic, ''), message_count,
			COALESCE(last_scraped_message_id, '')
		FROM channels ORDER BY position, id`)
	if err != nil {
		return fmt.Errorf("export channels: %w", err)
	}
	defer rows.Close()

	var out []Channel
	for rows.Next() {
		var c Channel
		if err := rows.Scan(&c.ID, &c.GuildID, &c.Name, &c.Topic, &c.MessageCount, &c.LastScrapedMessageID); err != nil {
			return err
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return err
	}

	if opts.Format == "csv" {
		return writeChannelsCSV(w, out)
	}
	return writeJSON(w, out, opts.Pretty)
}

// Summaries exports daily and weekly summary rows in the window.
func Summaries(ctx context.Context, st *store.Store, w io.Writer, opts Options) error {
	query := `
		SELECT entity_type, entity_id, COALESCE(guild_id, ''),
			COALESCE(channel_id, ''), COALESCE(summary_date, ''), result_json
		FROM ai_processing
		WHERE entity_type IN ('daily_summary', 'weekly_summary')`
	var args []any
	if !opts.Since.IsZero() {
		query += " AND summary_date >= ?"
		args = append(args, opts.Since.UTC().Format("2006-01-02"))
	}
	if !opts.Until.IsZero() {
		query += " AND summary_date <= ?"
		args = append(args, opts.Until.UTC().Format("2006-01-02"))
	}
	query += " ORDER BY summary_date, entity_id"

	rows, err := st.DB().QueryContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("export summaries: %w", err)
	}
	defer rows.Close()

	var out []Summary
	for rows.Next() {
		var s Summary
		var raw string
		if err := rows.Scan(&s.EntityType, &s.EntityID, &s.GuildID, &s.ChannelID, &s.Date, &raw); err != nil {
			return err
		}
		s.Summary = json.RawMessage(raw)
		out = append(out, s)
	}
	if err := rows.Err(); err != nil {
		return err
	}

	if opts.Format == "csv" {
		return writeSummariesCSV(w, out)
	}
	return writeJSON(w, out, opts.Pretty)
}

func writeJSON(w io.Writer, v any, pretty bool) error {
	enc := json.NewEncoder(w)
	if pretty {
		enc.SetIndent("", "  ")
	}
	return enc.Encode(v)
}

func writeMessagesCSV(w io.Writer, msgs []Message) error {
	cw := csv.NewWriter(w)
	if err := cw.Write([]string{"id", "channel_id", "channel_name", "author_id", "username", "content", "timestamp", "reaction_count"}); err != nil {
		return err
	}
	for _, m := range msgs {
		record := []string{
			m.ID, m.ChannelID, m.ChannelName, m.AuthorID, m.Username,
			m.Content, m.Timestamp.UTC().Format(store.TimeLayout),
			strconv.Itoa(m.ReactionCount),
		}
		if err := cw.Write(record); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

func writeChannelsCSV(w io.Writer, channels []Channel) error {
	cw := csv.NewWriter(w)
	if err := cw.Write([]string{"id", "guild_id", "name", "topic", "message_count", "last_scraped_message_id"}); err != nil {
		return err
	}
	for _, c := range channels {
		record := []string{c.ID, c.GuildID, c.Name, c.Topic, strconv.Itoa(c.MessageCount), c.LastScrapedMessageID}
		if err := cw.Write(record); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

func writeSummariesCSV(w io.Writer, summaries []Summary) error {
	cw := csv.NewWriter(w)
	if err := cw.Write([]string{"entity_type", "entity_id", "guild_id", "channel_id", "date", "summary_json"}); err != nil {
		return err
	}
	for _, s := range summaries {
		record := []string{s.EntityType, s.EntityID, s.GuildID, s.ChannelID, s.Date, string(s.Summary)}
		if err := cw.Write(record); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

// Package discord connects to the Discord gateway and streams guild
// history into the store.
package discord

import (
	"context"
	"fmt"
	"time"

	"github.com/bwmarrin/discordgo"

	"github.com/scribeworks/guildscribe/internal/store"
)

// Bundle is one message with everything the store needs to persist
// it: author first (FK ordering), then children.
type Bundle struct {
	Message     store.Message
	Author      store.User
	Embeds      []store.Embed
	Attachments []store.Attachment
	Reactions   []store.Reaction
}

// Session is the slice of the chat service the scraper depends on.
// The production implementation wraps a discordgo gateway session;
// tests substitute a fixture.
type Session interface {
	// Guild fetches guild metadata.
	Guild(ctx context.Context, guildID string) (*store.Guild, error)
	// TextChannels returns the channels the bot can both view and
	// read history in, excluding non-text kinds.
	TextChannels(ctx context.Context, guildID string) ([]store.Channel, error)
	// Messages fetches up to limit (max 100) messages. With after set
	// the page moves forward from that id; with before set it moves
	// backward. Results come newest-first within the page.
	Messages(ctx context.Context, channelID string, limit int, before, after string) ([]Bundle, error)
	// Close tears down the session.
	Close() error
}

// readyTimeout bounds how long Connect waits for the gateway Ready
// event before giving up.
const readyTimeout = 30 * time.Second

// gatewaySession implements Session over discordgo.
type gatewaySession struct {
	dg *discordgo.Session
}

// Connect opens a gateway session with the bot token and waits for
// readiness.
func Connect(ctx context.Context, token string) (Session, error) {
	dg, err := discordgo.New("Bot " + token)
	if err != nil {
		return nil, fmt.Errorf("create session: %w", err)
	}
	dg.Identify.Intents = discordgo.IntentsGuilds | discordgo.IntentsGuildMessages | discordgo.IntentMessageContent

	ready := make(chan struct{})
	remove := dg.AddHandler(func(_ *discordgo.Session, _ *discordgo.Ready) {
		close(ready)
	})
	defer remove()

	if err := dg.Open(); err != nil {
		return nil, fmt.Errorf("open gateway: %w", err)
	}

	select {
	case <-ready:
	case <-time.After(readyTimeout):
		dg.Close()
		return nil, fmt.Errorf("gateway not ready after %s", readyTimeout)
	case <-ctx.Done():
		dg.Close()
		return nil, ctx.Err()
	}

	return &gatewaySession{dg: dg}, nil
}

func (g *gatewaySession) Close() error {
	return g.dg.Close()
}

func (g *gatewaySession) Guild(_ context.Context, guildID string) (*store.Guild, error) {
	guild, err := g.dg.Guild(guildID)
	if err != nil {
		return nil, fmt.Errorf("fetch guild %s: %w", guildID, err)
	}
	return &store.Guild{
		ID:          guild.ID,
		Name:        guild.Name,
		IconURL:     guild.IconURL("256"),
		MemberCount: guild.ApproximateMemberCount,
	}, nil
}

func (g *gatewaySession) TextChannels(_ context.Context, guildID string) ([]store.Channel, error) {
	channels, err := g.dg.GuildChannels(guildID)
	if err != nil {
		return nil, fmt.Errorf("list channels for %s: %w", guildID, err)
	}

	var out []store.Channel
	for _, ch := range channels {
		if excludedChannelType(ch.Type) {
			continue
		}
		perms, err := g.dg.UserChannelPermissions(g.dg.State.User.ID, ch.ID)
		if err != nil {
			continue
		}
		const needed = discordgo.PermissionViewChannel | discordgo.PermissionReadMessageHistory
		if perms&needed != needed {
			continue
		}
		out = append(out, store.Channel{
			ID:       ch.ID,
			GuildID:  guildID,
			Name:     ch.Name,
			Type:     int(ch.Type),
			ParentID: ch.ParentID,
			Position: ch.Position,
			Topic:    ch.Topic,
		})
	}
	return out, nil
}

func excludedChannelType(t discordgo.ChannelType) bool {
	switch t {
	case discordgo.ChannelTypeGuildVoice,
		discordgo.ChannelTypeGuildCategory,
		discordgo.ChannelTypeGuildStageVoice,
		discordgo.ChannelTypeGuildDirectory,
		discordgo.ChannelTypeGuildMedia:
		return true
	}
	return false
}

func (g *gatewaySession) Messages(_ context.Context, channelID string, limit int, before, after string) ([]Bundle, error) {
	if limit <= 0 || limit > 100 {
		limit = 100
	}
	msgs, err := g.dg.ChannelMessages(channelID, limit, before, after, "")
	if err != nil {
		return nil, fmt.Errorf("fetch messages for %s: %w", channelID, err)
	}

	// Every raw message stays in the page, authorless ones included
	// (webhooks, system messages). Pagination terminates on the raw
	// page size; the scraper decides what is persistable.
	out := make([]Bundle, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, toBundle(channelID, m))
	}
	return out, nil
}

func toBundle(channelID string, m *discordgo.Message) Bundle {
	b := Bundle{
		Message: store.Message{
			ID:             m.ID,
			ChannelID:      channelID,
			Content:        m.Content,
			CleanContent:   m.ContentWithMentionsReplaced(),
			Timestamp:      m.Timestamp,
			MessageType:    int(m.Type),
			HasEmbeds:      len(m.Embeds) > 0,
			HasAttachments: len(m.Attachments) > 0,
		},
	}
	if m.Author != nil {
		b.Message.AuthorID = m.Author.ID
		b.Author = store.User{
			ID:            m.Author.ID,
			Username:      m.Author.Username,
			GlobalName:    m.Author.GlobalName,
			Discriminator: m.Author.Discriminator,
			AvatarURL:     m.Author.AvatarURL("128"),
			IsBot:         m.Author.Bot,
		}
	}
	if m.EditedTimestamp != nil {
		t := *m.EditedTimestamp
		b.Message.EditedTimestamp = &t
	}
	if m.MessageReference != nil {
		b.Message.ReferenceID = m.MessageReference.MessageID
	}
	if m.Thread != nil {
		b.Message.ThreadID = m.Thread.ID
	}
	for _, e := range m.Embeds {
		b.Embeds = append(b.Embeds, store.Embed{
			MessageID:   m.ID,
			Title:       e.Title,
			Description: e.Description,
			URL:         e.URL,
		})
	}
	for _, a := range m.Attachments {
		b.Attachments = append(b.Attachments, store.Attachment{
			ID:          a.ID,
			MessageID:   m.ID,
			Filename:    a.Filename,
			URL:         a.URL,
			Size:        int64(a.Size),
			ContentType: a.ContentType,
		})
	}
	for _, r := range m.Reactions {
		b.Reactions = append(b.Reactions, store.Reaction{
			MessageID: m.ID,
			Emoji:     r.Emoji.Name,
			Count:     r.Count,
		})
	}
	for i := range b.Reactions {
		b.Message.ReactionCount += b.Reactions[i].Count
	}
	return b
}

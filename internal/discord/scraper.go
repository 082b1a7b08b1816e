package discord

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"

	"github.com/scribeworks/guildscribe/internal/store"
)

const pageSize = 100

// ScrapeOptions configures one scrape pass.
type ScrapeOptions struct {
	GuildID  string
	RunID    string
	Full     bool     // ignore resume cursors and re-walk history
	Channels []string // channel name filter; empty means all
	Limit    int      // per-channel message cap; 0 means unlimited
	DelayMS  int      // sleep between page requests
	DryRun   bool     // fetch and count, persist nothing
}

// ScrapeResult summarizes one pass.
type ScrapeResult struct {
	SyncID          int64
	ChannelsScraped int
	ChannelsSkipped int
	NewMessages     int
	ChannelErrors   []ChannelError
	Duration        time.Duration
}

// ChannelError records a per-channel failure that did not abort the pass.
type ChannelError struct {
	ChannelID string
	Name      string
	Err       error
}

// Scraper walks a guild's channels and persists message history.
type Scraper struct {
	session Session
	store   *store.Store
	log     zerolog.Logger
}

// NewScraper wires a session and store together.
func NewScraper(session Session, st *store.Store, log zerolog.Logger) *Scraper {
	return &Scraper{session: session, store: st, log: log.With().Str("component", "scraper").Logger()}
}

// Run drives one scrape pass: guild upsert, SyncState lifecycle,
// channel enumeration, per-channel streaming with error isolation.
// The resume cursor moves only after a channel completes.
func (sc *Scraper) Run(ctx context.Context, opts ScrapeOptions) (*ScrapeResult, error) {
	start := time.Now()
	res := &ScrapeResult{}

	guild, err := sc.session.Guild(ctx, opts.GuildID)
	if err != nil {
		return nil, err
	}
	if !opts.DryRun {
		if err := sc.store.UpsertGuild(ctx, *guild); err != nil {
			return nil, err
		}
	}

	syncType := store.SyncTypeIncremental
	if opts.Full {
		syncType = store.SyncTypeFull
	}
	if len(opts.Channels) > 0 {
		syncType = store.SyncTypeChannel
	}

	var syncID int64
	if !opts.DryRun {
		syncID, err = sc.store.BeginSync(ctx, opts.RunID, syncType, opts.GuildID, "")
		if err != nil {
			return nil, err
		}
		res.SyncID = syncID
	}

	channels, err := sc.session.TextChannels(ctx, opts.GuildID)
	if err != nil {
		sc.finish(ctx, syncID, res, opts.DryRun, err)
		return res, err
	}

	wanted := nameSet(opts.Channels)

	for _, ch := range channels {
		if len(wanted) > 0 && !wanted[ch.Name] {
			res.ChannelsSkipped++
			continue
		}
		if err := ctx.Err(); err != nil {
			sc.finish(ctx, syncID, res, opts.DryRun, errors.New("cancelled"))
			return res, err
		}

		n, err := sc.scrapeChannel(ctx, ch, opts)
		res.NewMessages += n
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				sc.finish(ctx, syncID, res, opts.DryRun, errors.New("cancelled"))
				return res, err
			}
			sc.log.Error().Err(err).Str("channel", ch.Name).Msg("channel scrape failed, continuing")
			res.ChannelErrors = append(res.ChannelErrors, ChannelError{ChannelID: ch.ID, Name: ch.Name, Err: err})
			continue
		}
		res.ChannelsScraped++
	}

	res.Duration = time.Since(start)
	sc.finish(ctx, syncID, res, opts.DryRun, nil)
	sc.log.Info().
		Int("channels", res.ChannelsScraped).
		Int("messages", res.NewMessages).
		Int("errors", len(res.ChannelErrors)).
		Dur("duration", res.Duration).
		Msg("scrape pass finished")
	return res, nil
}

func (sc *Scraper) finish(ctx context.Context, syncID int64, res *ScrapeResult, dryRun bool, failure error) {
	if dryRun || syncID == 0 {
		return
	}
	// Use a fresh context so bookkeeping survives cancellation.
	bg, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if failure != nil {
		if err := sc.store.FailSync(bg, syncID, failure.Error(), res.NewMessages); err != nil {
			sc.log.Error().Err(err).Msg("mark sync failed")
		}
		return
	}
	if err := sc.store.CompleteSync(bg, syncID, res.NewMessages); err != nil {
		sc.log.Error().Err(err).Msg("mark sync completed")
	}
}

// scrapeChannel streams one channel's pages into the store and
// returns the number of new messages persisted. The cursor is
// written only on success, so failures re-fetch next run.
func (sc *Scraper) scrapeChannel(ctx context.Context, ch store.Channel, opts ScrapeOptions) (int, error) {
	if !opts.DryRun {
		if err := sc.store.UpsertChannel(ctx, ch); err != nil {
			return 0, err
		}
	}

	// Dry runs still resume from the cursor so they preview the
	// incremental delta rather than the full history.
	after := ""
	if !opts.Full {
		existing, err := sc.store.GetChannel(ctx, ch.ID)
		if err != nil {
			return 0, err
		}
		if existing != nil {
			after = existing.LastScrapedMessageID
		}
	}

	delay := time.Duration(opts.DelayMS) * time.Millisecond
	before := ""
	count := 0
	maxID := ""

	for {
		limit := pageSize
		if opts.Limit > 0 && opts.Limit-count < limit {
			limit = opts.Limit - count
		}
		if limit <= 0 {
			break
		}

		bundles, err := sc.session.Messages(ctx, ch.ID, limit, before, after)
		if err != nil {
			return count, err
		}
		if len(bundles) == 0 {
			break
		}

		for _, b := range bundles {
			if err := ctx.Err(); err != nil {
				return count, err
			}
			// Authorless messages (webhooks, system events) still
			// advance the cursor and the page walk but have nothing
			// to persist.
			if b.Message.ID > maxID {
				maxID = b.Message.ID
			}
			if b.Author.ID == "" {
				continue
			}
			if !opts.DryRun {
				if err := sc.persistBundle(ctx, b); err != nil {
					return count, err
				}
			}
			count++
		}

		// Forward (after) paging resumes from the newest id seen;
		// backward paging steps before the oldest id of the page,
		// which arrives last in the newest-first ordering.
		if after != "" {
			after = maxID
		} else {
			before = bundles[len(bundles)-1].Message.ID
		}

		if len(bundles) < limit {
			break
		}
		if opts.Limit > 0 && count >= opts.Limit {
			break
		}
		if delay > 0 {
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return count, ctx.Err()
			}
		}
	}

	if !opts.DryRun && maxID != "" {
		if err := sc.store.UpdateChannelLastScraped(ctx, ch.ID, maxID); err != nil {
			return count, err
		}
	}
	sc.log.Debug().Str("channel", ch.Name).Int("messages", count).Msg("channel done")
	return count, nil
}

// persistBundle writes one message and its children. User goes first
// because messages carry an author FK.
func (sc *Scraper) persistBundle(ctx context.Context, b Bundle) error {
	if err := sc.store.UpsertUser(ctx, b.Author); err != nil {
		return err
	}
	if err := sc.store.UpsertMessage(ctx, b.Message); err != nil {
		return err
	}
	if len(b.Embeds) > 0 {
		if err := sc.store.ReplaceEmbeds(ctx, b.Message.ID, b.Embeds); err != nil {
			return err
		}
	}
	for _, a := range b.Attachments {
		if err := sc.store.UpsertAttachment(ctx, a); err != nil {
			return err
		}
	}
	for _, r := range b.Reactions {
		if err := sc.store.UpsertReaction(ctx, r); err != nil {
			return err
		}
	}
	return nil
}

func nameSet(names []string) map[string]bool {
	if len(names) == 0 {
		return nil
	}
	set := make(map[string]bool, len(names))
	for _, n := range names {
		set[n] = true
	}
	return set
}

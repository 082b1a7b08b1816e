package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/scribeworks/guildscribe/internal/store"
	"github.com/scribeworks/guildscribe/internal/validate"
)

// RunDailySummaries writes one daily summary per channel that had
// kept messages on the given date. Each summary row is keyed
// "<channelID>:<YYYY-MM-DD>" and memoized.
func (e *Engine) RunDailySummaries(ctx context.Context, day time.Time, opts RunOptions) (*Result, error) {
	start := time.Now()
	before, _ := e.usage.Snapshot()
	res := e.newResult("summarize")
	date := day.UTC().Format("2006-01-02")

	channels, err := e.store.ChannelsWithKeptMessagesOn(ctx, day)
	if err != nil {
		return nil, err
	}

	for _, ch := range channels {
		if opts.ChannelID != "" && ch.ID != opts.ChannelID {
			continue
		}
		res.Candidates++

		key := ch.ID + ":" + date
		ok, err := e.store.ShouldProcess(ctx, store.EntityDailySummary, key, "summarize", e.shouldOpts(opts.Force))
		if err != nil {
			return nil, err
		}
		if !ok {
			res.Skipped++
			continue
		}
		if opts.DryRun {
			continue
		}

		if err := e.summarizeChannelDay(ctx, ch, date, key, day); err != nil {
			e.log.Error().Err(err).Str("channel", ch.Name).Str("date", date).Msg("daily summary failed")
			res.Errors = append(res.Errors, BatchError{BatchIndex: res.Candidates - 1, Message: err.Error(), IDs: []string{key}})
			continue
		}
		res.Summaries++
		res.Processed++
	}

	e.finalize(res, before, start)
	e.log.Info().
		Str("date", date).
		Int("channels", res.Candidates).
		Int("summaries", res.Summaries).
		Int("skipped", res.Skipped).
		Msg("daily summarize finished")
	return res, nil
}

func (e *Engine) summarizeChannelDay(ctx context.Context, ch store.Channel, date, key string, day time.Time) error {
	msgs, err := e.store.KeptMessagesForDay(ctx, ch.ID, day)
	if err != nil {
		return err
	}
	if len(msgs) == 0 {
		return fmt.Errorf("no kept messages for %s on %s", ch.ID, date)
	}

	prompt, err := e.prompts.Render("summarize_daily", map[string]any{
		"CHANNEL_NAME": ch.Name,
		"DATE":         date,
		"MESSAGES":     e.toPromptMessages(msgs),
	})
	if err != nil {
		return err
	}

	raw, err := e.client.ProcessWithAI(ctx, prompt, e.callOptions())
	if err != nil {
		return err
	}
	if _, err := validate.Response("summarize", raw); err != nil {
		return err
	}

	return e.store.SaveStageResult(ctx, store.StageResult{
		EntityType:  store.EntityDailySummary,
		EntityID:    key,
		Stage:       "summarize",
		ResultJSON:  string(raw),
		ModelUsed:   e.cfg.AI.Model,
		GuildID:     ch.GuildID,
		ChannelID:   ch.ID,
		SummaryDate: date,
	})
}

// RunWeeklySummary aggregates the daily summaries of one guild week
// (Monday start) into a single row keyed "<guildID>:week:<YYYY-MM-DD>".
// Selection uses the dedicated summary_date column, so channel ids
// containing ':' cannot skew the range.
func (e *Engine) RunWeeklySummary(ctx context.Context, guildID, guildName string, weekStart time.Time, opts RunOptions) (*Result, error) {
	start := time.Now()
	before, _ := e.usage.Snapshot()
	res := e.newResult("summarize")

	monday := startOfWeek(weekStart)
	weekKey := monday.Format("2006-01-02")
	key := guildID + ":week:" + weekKey

	ok, err := e.store.ShouldProcess(ctx, store.EntityWeeklySummary, key, "summarize", e.shouldOpts(opts.Force))
	if err != nil {
		return nil, err
	}
	if !ok {
		res.Skipped = 1
		e.finalize(res, before, start)
		return res, nil
	}

	dailies, err := e.store.DailySummariesInRange(ctx, guildID, monday, monday.AddDate(0, 0, 6))
	if err != nil {
		return nil, err
	}
	res.Candidates = len(dailies)
	if len(dailies) == 0 {
		e.finalize(res, before, start)
		return res, nil
	}
	if opts.DryRun {
		e.finalize(res, before, start)
		return res, nil
	}

	type dailyInput struct {
		ChannelID string          `json:"channel_id"`
		Date      string          `json:"date"`
		Summary   json.RawMessage `json:"summary"`
	}
	inputs := make([]dailyInput, len(dailies))
	for i, d := range dailies {
		inputs[i] = dailyInput{ChannelID: d.ChannelID, Date: d.SummaryDate, Summary: json.RawMessage(d.ResultJSON)}
	}

	prompt, err := e.prompts.Render("summarize_weekly", map[string]any{
		"GUILD_NAME":      guildName,
		"WEEK_START":      weekKey,
		"DAILY_SUMMARIES": inputs,
	})
	if err != nil {
		return nil, err
	}

	raw, err := e.client.ProcessWithAI(ctx, prompt, e.callOptions())
	if err != nil {
		res.Errors = append(res.Errors, BatchError{Message: err.Error(), IDs: []string{key}})
		e.finalize(res, before, start)
		return res, nil
	}
	if _, err := validate.Response("summarize", raw); err != nil {
		res.Errors = append(res.Errors, BatchError{Message: err.Error(), IDs: []string{key}})
		e.finalize(res, before, start)
		return res, nil
	}

	if err := e.store.SaveStageResult(ctx, store.StageResult{
		EntityType:  store.EntityWeeklySummary,
		EntityID:    key,
		Stage:       "summarize",
		ResultJSON:  string(raw),
		ModelUsed:   e.cfg.AI.Model,
		GuildID:     guildID,
		SummaryDate: weekKey,
	}); err != nil {
		return nil, err
	}

	res.Summaries = 1
	res.Processed = 1
	e.finalize(res, before, start)
	e.log.Info().Str("week", weekKey).Int("dailies", res.Candidates).Msg("weekly summarize finished")
	return res, nil
}

// startOfWeek truncates to the Monday 00:00 UTC of t's week.
func startOfWeek(t time.Time) time.Time {
	t = t.UTC()
	day := time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
	offset := (int(day.Weekday()) + 6) % 7 // Monday=0 ... Sunday=6
	return day.AddDate(0, 0, -offset)
}

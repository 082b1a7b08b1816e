package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/scribeworks/guildscribe/internal/store"
	"github.com/scribeworks/guildscribe/internal/validate"
)

type filterDecision struct {
	ID           string   `json:"id"`
	Keep         bool     `json:"keep"`
	Reason       string   `json:"reason,omitempty"`
	QualityScore *float64 `json:"quality_score,omitempty"`
}

type filterResponse struct {
	Decisions []filterDecision `json:"decisions"`
}

// RunFilter decides keep/discard for every message that has no filter
// row yet. Decisions are memoized per message; a discarded message is
// persisted as keep=false, never silently dropped.
func (e *Engine) RunFilter(ctx context.Context, opts RunOptions) (*Result, error) {
	start := time.Now()
	before, _ := e.usage.Snapshot()
	res := e.newResult("filter")

	q := store.QueryOpts{ChannelID: opts.ChannelID, Start: opts.Start, End: opts.End, Limit: opts.Limit}
	var msgs []store.MessageWithAuthor
	var err error
	if opts.Force || e.cfg.AI.ReprocessAfterDays > 0 {
		msgs, err = e.store.Messages(ctx, q)
		if err == nil {
			msgs, err = e.filterByShould(ctx, msgs, "filter", opts.Force)
		}
	} else {
		msgs, err = e.store.UnprocessedMessages(ctx, "filter", q)
	}
	if err != nil {
		return nil, err
	}

	res.Candidates = len(msgs)
	if len(msgs) == 0 {
		e.finalize(res, before, start)
		return res, nil
	}

	batches := e.batchMessages(msgs)
	res.Batches = len(batches)

	if opts.DryRun {
		e.log.Info().Int("candidates", res.Candidates).Int("batches", res.Batches).Msg("filter dry run")
		e.finalize(res, before, start)
		return res, nil
	}

	counts := newStageCounters()
	res.Errors = e.dispatchBatches(ctx, batches, func(ctx context.Context, _ int, batchMsgs []store.MessageWithAuthor) error {
		prompt, err := e.prompts.Render("filter", map[string]any{
			"MESSAGES": e.toPromptMessages(batchMsgs),
		})
		if err != nil {
			return err
		}

		raw, err := e.client.ProcessWithAI(ctx, prompt, e.callOptions())
		if err != nil {
			return err
		}
		if _, err := validate.Response("filter", raw); err != nil {
			return err
		}

		var parsed filterResponse
		if err := json.Unmarshal(raw, &parsed); err != nil {
			return fmt.Errorf("decode filter response: %w", err)
		}

		decided := make(map[string]bool, len(parsed.Decisions))
		for _, d := range parsed.Decisions {
			resultJSON, err := json.Marshal(d)
			if err != nil {
				return err
			}
			if err := e.store.SaveStageResult(ctx, store.StageResult{
				EntityType: store.EntityMessage,
				EntityID:   d.ID,
				Stage:      "filter",
				ResultJSON: string(resultJSON),
				ModelUsed:  e.cfg.AI.Model,
			}); err != nil {
				return err
			}
			decided[d.ID] = true
			if d.Keep {
				counts.add("kept", 1)
			} else {
				counts.add("discarded", 1)
			}
			counts.add("processed", 1)
		}

		for _, m := range batchMsgs {
			if !decided[m.ID] {
				e.log.Warn().Str("message", m.ID).Msg("filter response missing decision")
				counts.add("skipped", 1)
			}
		}
		return nil
	})

	res.Processed = counts.get("processed")
	res.Kept = counts.get("kept")
	res.Discarded = counts.get("discarded")
	res.Skipped = counts.get("skipped")
	e.finalize(res, before, start)

	e.log.Info().
		Int("candidates", res.Candidates).
		Int("kept", res.Kept).
		Int("discarded", res.Discarded).
		Int("errors", len(res.Errors)).
		Msg("filter stage finished")
	return res, nil
}

// filterByShould keeps only the messages the memoization policy says
// to (re)process.
func (e *Engine) filterByShould(ctx context.Context, msgs []store.MessageWithAuthor, stage string, force bool) ([]store.MessageWithAuthor, error) {
	out := msgs[:0]
	for _, m := range msgs {
		ok, err := e.store.ShouldProcess(ctx, store.EntityMessage, m.ID, stage, e.shouldOpts(force))
		if err != nil {
			return nil, err
		}
		if ok {
			out = append(out, m)
		}
	}
	return out, nil
}

package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/scribeworks/guildscribe/internal/store"
	"github.com/scribeworks/guildscribe/internal/validate"
)

type categorization struct {
	ID                 string   `json:"id"`
	PrimaryTopic       string   `json:"primary_topic"`
	SecondaryTopics    []string `json:"secondary_topics,omitempty"`
	Sentiment          string   `json:"sentiment"`
	Urgency            string   `json:"urgency"`
	MarketingRelevance string   `json:"marketing_relevance"`
}

type categorizeResponse struct {
	Categorizations []categorization `json:"categorizations"`
}

// RunCategorize labels filter-kept messages with topic, sentiment,
// urgency and marketing relevance. Source: keep=true messages with no
// categorize row.
func (e *Engine) RunCategorize(ctx context.Context, opts RunOptions) (*Result, error) {
	start := time.Now()
	before, _ := e.usage.Snapshot()
	res := e.newResult("categorize")

	q := store.QueryOpts{ChannelID: opts.ChannelID, Start: opts.Start, End: opts.End, Limit: opts.Limit}
	msgs, err := e.store.CategorizeCandidates(ctx, q)
	if err != nil {
		return nil, err
	}
	if opts.Force || e.cfg.AI.ReprocessAfterDays > 0 {
		// Forced runs revisit already-categorized kept messages too,
		// within the same channel/time window as first runs.
		kept, err := e.store.ProcessedMessages(ctx, "filter", store.ProcessedOpts{
			KeepOnly:  true,
			ChannelID: opts.ChannelID,
			Start:     opts.Start,
			End:       opts.End,
			Limit:     opts.Limit,
		})
		if err != nil {
			return nil, err
		}
		msgs, err = e.filterByShould(ctx, kept, "categorize", opts.Force)
		if err != nil {
			return nil, err
		}
	}

	res.Candidates = len(msgs)
	if len(msgs) == 0 {
		e.finalize(res, before, start)
		return res, nil
	}

	batches := e.batchMessages(msgs)
	res.Batches = len(batches)

	if opts.DryRun {
		e.finalize(res, before, start)
		return res, nil
	}

	counts := newStageCounters()
	res.Errors = e.dispatchBatches(ctx, batches, func(ctx context.Context, _ int, batchMsgs []store.MessageWithAuthor) error {
		prompt, err := e.prompts.Render("categorize", map[string]any{
			"MESSAGES": e.toPromptMessages(batchMsgs),
		})
		if err != nil {
			return err
		}

		raw, err := e.client.ProcessWithAI(ctx, prompt, e.callOptions())
		if err != nil {
			return err
		}
		if _, err := validate.Response("categorize", raw); err != nil {
			return err
		}

		var parsed categorizeResponse
		if err := json.Unmarshal(raw, &parsed); err != nil {
			return fmt.Errorf("decode categorize response: %w", err)
		}

		for _, c := range parsed.Categorizations {
			resultJSON, err := json.Marshal(c)
			if err != nil {
				return err
			}
			if err := e.store.SaveStageResult(ctx, store.StageResult{
				EntityType: store.EntityMessage,
				EntityID:   c.ID,
				Stage:      "categorize",
				ResultJSON: string(resultJSON),
				ModelUsed:  e.cfg.AI.Model,
			}); err != nil {
				return err
			}
			counts.add("processed", 1)
			counts.add("topic:"+c.PrimaryTopic, 1)
			counts.add("sentiment:"+c.Sentiment, 1)
			counts.add("relevance:"+c.MarketingRelevance, 1)
		}
		return nil
	})

	res.Processed = counts.get("processed")
	res.Topics = counts.histogram("topic:")
	res.Sentiments = counts.histogram("sentiment:")
	res.Relevance = counts.histogram("relevance:")
	e.finalize(res, before, start)

	e.log.Info().
		Int("candidates", res.Candidates).
		Int("processed", res.Processed).
		Int("errors", len(res.Errors)).
		Msg("categorize stage finished")
	return res, nil
}

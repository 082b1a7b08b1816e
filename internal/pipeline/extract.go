package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/scribeworks/guildscribe/internal/store"
	"github.com/scribeworks/guildscribe/internal/validate"
)

// ExtractTypes are the sub-extractors, in "all" mode run order.
var ExtractTypes = []string{"quote", "announcement", "faq"}

type extractItem struct {
	ID                 string   `json:"id"`
	SourceMessageID    string   `json:"source_message_id,omitempty"`
	Type               string   `json:"type"`
	Title              string   `json:"title,omitempty"`
	Content            string   `json:"content"`
	Context            string   `json:"context,omitempty"`
	RelevanceScore     *float64 `json:"relevance_score,omitempty"`
	RequiresPermission *bool    `json:"requires_permission,omitempty"`
	Topics             []string `json:"topics,omitempty"`
}

type extractResponse struct {
	Extracts []extractItem `json:"extracts"`
}

// extractMemo is the per-message memoization payload for the extract
// stage: which sub-extractors have already seen the message.
type extractMemo struct {
	Extractors map[string]bool `json:"extractors"`
}

// RunExtract mines marketing artifacts from high-relevance messages.
// extractType is one of ExtractTypes or "all"; in all mode the three
// run in sequence and a failure in one does not stop the others.
func (e *Engine) RunExtract(ctx context.Context, extractType string, opts RunOptions) (*Result, error) {
	start := time.Now()
	before, _ := e.usage.Snapshot()
	res := e.newResult("extract")
	res.Extracts = make(map[string]int)

	types := []string{extractType}
	if extractType == "all" || extractType == "" {
		types = ExtractTypes
	} else if !validExtractType(extractType) {
		return nil, fmt.Errorf("unknown extract type %q", extractType)
	}

	limit := opts.Limit
	if limit == 0 {
		limit = 200
	}
	candidates, err := e.store.ExtractCandidates(ctx, store.QueryOpts{ChannelID: opts.ChannelID, Start: opts.Start, End: opts.End, Limit: limit})
	if err != nil {
		return nil, err
	}
	res.Candidates = len(candidates)
	if len(candidates) == 0 {
		e.finalize(res, before, start)
		return res, nil
	}

	counts := newStageCounters()
	for _, typ := range types {
		msgs, err := e.unextracted(ctx, candidates, typ, opts.Force)
		if err != nil {
			return nil, err
		}
		if len(msgs) == 0 {
			continue
		}

		batches := e.batchMessages(msgs)
		res.Batches += len(batches)
		if opts.DryRun {
			continue
		}

		failures := e.dispatchBatches(ctx, batches, func(ctx context.Context, _ int, batchMsgs []store.MessageWithAuthor) error {
			return e.extractBatch(ctx, typ, batchMsgs, counts)
		})
		res.Errors = append(res.Errors, failures...)
	}

	res.Processed = counts.get("processed")
	for k, v := range counts.histogram("type:") {
		res.Extracts[k] = v
	}
	e.finalize(res, before, start)

	e.log.Info().
		Int("candidates", res.Candidates).
		Interface("extracts", res.Extracts).
		Int("errors", len(res.Errors)).
		Msg("extract stage finished")
	return res, nil
}

// unextracted drops messages the given sub-extractor already covered,
// unless forced.
func (e *Engine) unextracted(ctx context.Context, msgs []store.MessageWithAuthor, typ string, force bool) ([]store.MessageWithAuthor, error) {
	if force {
		return msgs, nil
	}
	var out []store.MessageWithAuthor
	for _, m := range msgs {
		prior, err := e.store.GetStageResult(ctx, store.EntityMessage, m.ID, "extract")
		if err != nil {
			return nil, err
		}
		if prior != nil {
			var memo extractMemo
			if json.Unmarshal([]byte(prior.ResultJSON), &memo) == nil && memo.Extractors[typ] {
				continue
			}
		}
		out = append(out, m)
	}
	return out, nil
}

func (e *Engine) extractBatch(ctx context.Context, typ string, batchMsgs []store.MessageWithAuthor, counts *stageCounters) error {
	prompt, err := e.prompts.Render("extract_"+typ, map[string]any{
		"MESSAGES": e.toPromptMessages(batchMsgs),
	})
	if err != nil {
		return err
	}

	raw, err := e.client.ProcessWithAI(ctx, prompt, e.callOptions())
	if err != nil {
		return err
	}
	if _, err := validate.Response("extract", raw); err != nil {
		return err
	}

	var parsed extractResponse
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return fmt.Errorf("decode extract response: %w", err)
	}

	for _, item := range parsed.Extracts {
		ext := applyExtractDefaults(typ, item)
		if _, err := e.store.InsertExtract(ctx, ext); err != nil {
			return err
		}
		counts.add("type:"+typ, 1)
	}

	// Memoize coverage per message so re-runs skip this sub-extractor.
	for _, m := range batchMsgs {
		if err := e.markExtracted(ctx, m.ID, typ); err != nil {
			return err
		}
		counts.add("processed", 1)
	}
	return nil
}

// applyExtractDefaults maps a response item onto a store row with the
// type-specific defaults: quotes read as positive and may require
// permission to publish; announcements and FAQ entries are neutral
// and free to reuse.
func applyExtractDefaults(typ string, item extractItem) store.Extract {
	ext := store.Extract{
		SourceType:  store.EntityMessage,
		SourceID:    item.SourceMessageID,
		ExtractType: typ,
		Title:       item.Title,
		Content:     item.Content,
		Topics:      item.Topics,
	}
	if item.RelevanceScore != nil {
		ext.RelevanceScore = *item.RelevanceScore
	}

	switch typ {
	case "quote":
		ext.Sentiment = "positive"
		ext.RequiresPermission = true
		if item.RequiresPermission != nil {
			ext.RequiresPermission = *item.RequiresPermission
		}
	case "announcement":
		ext.Sentiment = "neutral"
		ext.RequiresPermission = false
	case "faq":
		ext.Sentiment = "neutral"
	default:
		ext.Sentiment = "neutral"
	}
	return ext
}

func (e *Engine) markExtracted(ctx context.Context, messageID, typ string) error {
	memo := extractMemo{Extractors: map[string]bool{typ: true}}
	prior, err := e.store.GetStageResult(ctx, store.EntityMessage, messageID, "extract")
	if err != nil {
		return err
	}
	if prior != nil {
		var existing extractMemo
		if json.Unmarshal([]byte(prior.ResultJSON), &existing) == nil && existing.Extractors != nil {
			existing.Extractors[typ] = true
			memo = existing
		}
	}
	data, err := json.Marshal(memo)
	if err != nil {
		return err
	}
	return e.store.SaveStageResult(ctx, store.StageResult{
		EntityType: store.EntityMessage,
		EntityID:   messageID,
		Stage:      "extract",
		ResultJSON: string(data),
		ModelUsed:  e.cfg.AI.Model,
	})
}

func validExtractType(typ string) bool {
	for _, t := range ExtractTypes {
		if t == typ {
			return true
		}
	}
	return false
}

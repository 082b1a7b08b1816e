package pipeline

import (
	"context"
	"encoding/json"
	"strconv"
	"strings"
	"time"

	"github.com/scribeworks/guildscribe/internal/store"
	"github.com/scribeworks/guildscribe/internal/validate"
)

type formatResponse struct {
	Formatted struct {
		Title    string   `json:"title"`
		Body     string   `json:"body"`
		Hashtags []string `json:"hashtags,omitempty"`
	} `json:"formatted"`
}

// RunFormat turns raw extracts into polished copy. One LLM call per
// extract; the formatted text lands back on the extract row and the
// call is memoized per extract id.
func (e *Engine) RunFormat(ctx context.Context, opts RunOptions) (*Result, error) {
	start := time.Now()
	before, _ := e.usage.Snapshot()
	res := e.newResult("format")

	pending, err := e.store.ExtractsNeedingFormat(ctx, opts.Limit)
	if err != nil {
		return nil, err
	}
	res.Candidates = len(pending)
	if len(pending) == 0 || opts.DryRun {
		e.finalize(res, before, start)
		return res, nil
	}

	for i, ext := range pending {
		id := strconv.FormatInt(ext.ID, 10)

		prompt, err := e.prompts.Render("format", map[string]any{
			"EXTRACT_TYPE": ext.ExtractType,
			"TITLE":        ext.Title,
			"CONTENT":      ext.Content,
		})
		if err != nil {
			return nil, err
		}

		raw, callErr := e.client.ProcessWithAI(ctx, prompt, e.callOptions())
		if callErr == nil {
			_, callErr = validate.Response("format", raw)
		}
		var parsed formatResponse
		if callErr == nil {
			callErr = json.Unmarshal(raw, &parsed)
		}
		if callErr != nil {
			e.log.Error().Err(callErr).Int64("extract", ext.ID).Msg("format failed")
			res.Errors = append(res.Errors, BatchError{BatchIndex: i, Message: callErr.Error(), IDs: []string{id}})
			continue
		}

		formatted := renderFormatted(parsed)
		if err := e.store.UpdateExtractFormatted(ctx, ext.ID, formatted); err != nil {
			return nil, err
		}
		if err := e.store.SaveStageResult(ctx, store.StageResult{
			EntityType: store.EntityExtract,
			EntityID:   id,
			Stage:      "format",
			ResultJSON: string(raw),
			ModelUsed:  e.cfg.AI.Model,
		}); err != nil {
			return nil, err
		}
		res.Processed++
	}

	e.finalize(res, before, start)
	e.log.Info().
		Int("candidates", res.Candidates).
		Int("formatted", res.Processed).
		Int("errors", len(res.Errors)).
		Msg("format stage finished")
	return res, nil
}

// renderFormatted flattens the formatted response into one publishable
// text block.
func renderFormatted(r formatResponse) string {
	var b strings.Builder
	if r.Formatted.Title != "" {
		b.WriteString(r.Formatted.Title)
		b.WriteString("\n\n")
	}
	b.WriteString(r.Formatted.Body)
	if len(r.Formatted.Hashtags) > 0 {
		b.WriteString("\n\n")
		for i, tag := range r.Formatted.Hashtags {
			if i > 0 {
				b.WriteString(" ")
			}
			if !strings.HasPrefix(tag, "#") {
				b.WriteString("#")
			}
			b.WriteString(tag)
		}
	}
	return b.String()
}

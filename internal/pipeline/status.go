package pipeline

import (
	"context"
	"fmt"

	"github.com/scribeworks/guildscribe/internal/store"
)

// Status is the per-stage processing snapshot.
type Status struct {
	Stages   map[string]int `json:"stages"`
	Extracts map[string]int `json:"extracts"`
	Pending  map[string]int `json:"pending"`
}

// Status reports how many rows each stage has written, extract counts
// by type, and how many candidates each message stage still has.
func (e *Engine) Status(ctx context.Context) (*Status, error) {
	stages, err := e.store.StageCounts(ctx)
	if err != nil {
		return nil, err
	}
	extracts, err := e.store.ExtractCounts(ctx)
	if err != nil {
		return nil, err
	}

	pending := make(map[string]int)
	unfiltered, err := e.store.UnprocessedMessages(ctx, "filter", store.QueryOpts{})
	if err != nil {
		return nil, err
	}
	pending["filter"] = len(unfiltered)

	uncategorized, err := e.store.CategorizeCandidates(ctx, store.QueryOpts{})
	if err != nil {
		return nil, err
	}
	pending["categorize"] = len(uncategorized)

	unformatted, err := e.store.ExtractsNeedingFormat(ctx, 0)
	if err != nil {
		return nil, err
	}
	pending["format"] = len(unformatted)

	return &Status{Stages: stages, Extracts: extracts, Pending: pending}, nil
}

// Reset deletes every memoization row for one stage so it runs fresh.
func (e *Engine) Reset(ctx context.Context, stage string) (int64, error) {
	if !knownStage(stage) {
		return 0, fmt.Errorf("unknown stage %q", stage)
	}
	n, err := e.store.ResetStage(ctx, stage)
	if err != nil {
		return 0, err
	}
	e.log.Warn().Str("stage", stage).Int64("rows", n).Msg("stage reset")
	return n, nil
}

func knownStage(stage string) bool {
	for _, s := range StageOrder {
		if s == stage {
			return true
		}
	}
	return false
}

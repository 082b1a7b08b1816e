package llm

import (
	"sync"

	"github.com/scribeworks/guildscribe/internal/batch"
)

// UsageTracker accumulates token usage across concurrent batch calls.
type UsageTracker struct {
	mu    sync.Mutex
	usage batch.Usage
	model string
}

// NewUsageTracker returns an empty tracker.
func NewUsageTracker() *UsageTracker {
	return &UsageTracker{}
}

// Record adds one call's token counts. Safe for concurrent use.
func (t *UsageTracker) Record(inputTokens, outputTokens int, model string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.usage.InputTokens += int64(inputTokens)
	t.usage.OutputTokens += int64(outputTokens)
	t.usage.Calls++
	if model != "" {
		t.model = model
	}
}

// Snapshot returns the accumulated usage and the last model seen.
func (t *UsageTracker) Snapshot() (batch.Usage, string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.usage, t.model
}

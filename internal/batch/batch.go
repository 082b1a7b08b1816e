// Package batch packs pipeline payloads into token- and count-bounded
// batches for single LLM calls.
package batch

import (
	"encoding/json"
)

// Options bounds a single batch. A zero value for either cap means
// "no cap" on that dimension.
type Options struct {
	MaxTokensPerBatch   int
	MaxMessagesPerBatch int
}

// EstimateTokens returns the token estimate for a string: ceil(len/4).
func EstimateTokens(s string) int {
	return (len(s) + 3) / 4
}

// EstimateValueTokens estimates tokens for an arbitrary value. Strings
// are estimated directly; everything else is estimated from the length
// of its JSON encoding.
func EstimateValueTokens(v any) int {
	if s, ok := v.(string); ok {
		return EstimateTokens(s)
	}
	data, err := json.Marshal(v)
	if err != nil {
		return 0
	}
	return EstimateTokens(string(data))
}

// CreateBatches walks items in order and greedily packs them into
// batches. A batch is emitted when adding the next item would push it
// past either cap and the batch is non-empty, so a single oversized
// item always rides alone. The concatenation of all batches equals the
// input in order.
func CreateBatches[T any](items []T, estimate func(T) int, opts Options) [][]T {
	if len(items) == 0 {
		return nil
	}

	var batches [][]T
	var current []T
	currentTokens := 0

	for _, item := range items {
		tokens := estimate(item)

		overTokens := opts.MaxTokensPerBatch > 0 && currentTokens+tokens > opts.MaxTokensPerBatch
		overCount := opts.MaxMessagesPerBatch > 0 && len(current) >= opts.MaxMessagesPerBatch

		if len(current) > 0 && (overTokens || overCount) {
			batches = append(batches, current)
			current = nil
			currentTokens = 0
		}

		current = append(current, item)
		currentTokens += tokens
	}

	if len(current) > 0 {
		batches = append(batches, current)
	}

	return batches
}

// Usage accumulates token counts across LLM calls.
type Usage struct {
	InputTokens  int64
	OutputTokens int64
	Calls        int64
}

// Prices are per-million-token prices in USD, supplied from config.
type Prices struct {
	InputPerMTok  float64
	OutputPerMTok float64
}

// EstimateCost returns the estimated USD cost of the accumulated usage.
func EstimateCost(u Usage, p Prices) float64 {
	inputCost := float64(u.InputTokens) * p.InputPerMTok / 1_000_000
	outputCost := float64(u.OutputTokens) * p.OutputPerMTok / 1_000_000
	return inputCost + outputCost
}

// Package pipeline runs the staged LLM processing over scraped
// messages: filter, categorize, summarize, extract, format. Every
// stage memoizes per entity in the store and fails at batch
// granularity.
package pipeline

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/scribeworks/guildscribe/internal/anonymize"
	"github.com/scribeworks/guildscribe/internal/batch"
	"github.com/scribeworks/guildscribe/internal/config"
	"github.com/scribeworks/guildscribe/internal/llm"
	"github.com/scribeworks/guildscribe/internal/prompt"
	"github.com/scribeworks/guildscribe/internal/store"
)

// StageOrder is the fixed pipeline order for "all" mode.
var StageOrder = []string{"filter", "categorize", "summarize", "extract", "format"}

// Engine drives the stages. All dependencies are explicit so tests
// can instantiate parallel engines.
type Engine struct {
	store   *store.Store
	client  *llm.Client
	prompts *prompt.Builder
	cfg     *config.Config
	log     zerolog.Logger
	usage   *llm.UsageTracker
}

// New wires an engine.
func New(st *store.Store, client *llm.Client, prompts *prompt.Builder, cfg *config.Config, log zerolog.Logger) *Engine {
	return &Engine{
		store:   st,
		client:  client,
		prompts: prompts,
		cfg:     cfg,
		log:     log.With().Str("component", "pipeline").Logger(),
		usage:   llm.NewUsageTracker(),
	}
}

// Store exposes the engine's store for callers that need lookups
// around stage runs.
func (e *Engine) Store() *store.Store {
	return e.store
}

// RunOptions narrows and shapes a stage run.
type RunOptions struct {
	ChannelID string
	Start     time.Time
	End       time.Time
	Limit     int
	Force     bool
	DryRun    bool
}

// BatchError records one failed batch without poisoning the run.
type BatchError struct {
	BatchIndex int      `json:"batch_index"`
	Message    string   `json:"error"`
	IDs        []string `json:"ids,omitempty"`
}

// Result aggregates one stage run.
type Result struct {
	Stage      string         `json:"stage"`
	Candidates int            `json:"candidates"`
	Batches    int            `json:"batches"`
	Processed  int            `json:"processed"`
	Kept       int            `json:"kept,omitempty"`
	Discarded  int            `json:"discarded,omitempty"`
	Skipped    int            `json:"skipped,omitempty"`
	Topics     map[string]int `json:"topics,omitempty"`
	Sentiments map[string]int `json:"sentiments,omitempty"`
	Relevance  map[string]int `json:"relevance,omitempty"`
	Extracts   map[string]int `json:"extracts,omitempty"`
	Summaries  int            `json:"summaries,omitempty"`
	Errors     []BatchError   `json:"errors,omitempty"`

	InputTokens   int64         `json:"input_tokens"`
	OutputTokens  int64         `json:"output_tokens"`
	Calls         int64         `json:"calls"`
	EstimatedCost float64       `json:"estimated_cost_usd"`
	Model         string        `json:"model,omitempty"`
	Duration      time.Duration `json:"-"`
	DurationMS    int64         `json:"duration_ms"`
}

func (e *Engine) newResult(stage string) *Result {
	return &Result{Stage: stage}
}

// finalize stamps usage, cost and duration onto the result. The usage
// tracker is shared across stages of one engine, so the delta is
// computed against the snapshot taken at stage start.
func (e *Engine) finalize(res *Result, before batch.Usage, start time.Time) {
	after, model := e.usage.Snapshot()
	res.InputTokens = after.InputTokens - before.InputTokens
	res.OutputTokens = after.OutputTokens - before.OutputTokens
	res.Calls = after.Calls - before.Calls
	res.Model = model
	res.EstimatedCost = batch.EstimateCost(
		batch.Usage{InputTokens: res.InputTokens, OutputTokens: res.OutputTokens},
		batch.Prices{InputPerMTok: e.cfg.AI.InputPricePerMTok, OutputPerMTok: e.cfg.AI.OutputPricePerMTok},
	)
	res.Duration = time.Since(start)
	res.DurationMS = res.Duration.Milliseconds()
}

// promptMessage is the message shape serialized into prompts.
type promptMessage struct {
	ID            string `json:"id"`
	AuthorID      string `json:"author_id"`
	Username      string `json:"username"`
	GlobalName    string `json:"global_name,omitempty"`
	Content       string `json:"content"`
	Timestamp     string `json:"timestamp,omitempty"`
	ReactionCount int    `json:"reaction_count,omitempty"`
	HasEmbeds     bool   `json:"has_embeds,omitempty"`
	HasAttachment bool   `json:"has_attachments,omitempty"`
}

// toPromptMessages converts store rows into the prompt shape,
// anonymizing per batch when configured. Aliases are prompt-local;
// the message ids are always the originals.
func (e *Engine) toPromptMessages(msgs []store.MessageWithAuthor) []promptMessage {
	anon := make([]anonymize.Message, len(msgs))
	for i, m := range msgs {
		content := m.CleanContent
		if content == "" {
			content = m.Content
		}
		anon[i] = anonymize.Message{
			ID:           m.ID,
			AuthorID:     m.AuthorID,
			Username:     m.Username,
			GlobalName:   m.GlobalName,
			Content:      m.Content,
			CleanContent: content,
		}
	}
	if e.cfg.Privacy.AnonymizeInPrompts {
		anon = anonymize.AnonymizeMessages(anon, anonymize.Options{AnonymizeContent: true})
	}

	out := make([]promptMessage, len(msgs))
	for i, m := range msgs {
		out[i] = promptMessage{
			ID:            anon[i].ID,
			AuthorID:      anon[i].AuthorID,
			Username:      anon[i].Username,
			GlobalName:    anon[i].GlobalName,
			Content:       anon[i].CleanContent,
			Timestamp:     m.Timestamp.UTC().Format(store.TimeLayout),
			ReactionCount: m.ReactionCount,
			HasEmbeds:     m.HasEmbeds,
			HasAttachment: m.HasAttachments,
		}
	}
	return out
}

func (e *Engine) batchMessages(msgs []store.MessageWithAuthor) [][]store.MessageWithAuthor {
	return batch.CreateBatches(msgs, func(m store.MessageWithAuthor) int {
		return batch.EstimateValueTokens(promptMessage{
			ID: m.ID, AuthorID: m.AuthorID, Username: m.Username,
			Content: m.CleanContent + m.Content,
		})
	}, batch.Options{
		MaxTokensPerBatch:   e.cfg.AI.MaxTokensPerBatch,
		MaxMessagesPerBatch: e.cfg.AI.BatchSize,
	})
}

// dispatchBatches runs handle over every batch with bounded
// concurrency. A batch failure is recorded, not propagated, so later
// batches still run.
func (e *Engine) dispatchBatches(ctx context.Context, batches [][]store.MessageWithAuthor, handle func(ctx context.Context, index int, msgs []store.MessageWithAuthor) error) []BatchError {
	workers := e.cfg.AI.Workers
	if workers <= 0 {
		workers = 1
	}

	var mu sync.Mutex
	var failures []BatchError

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)

	for i, b := range batches {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return nil
			}
			if err := handle(gctx, i, b); err != nil {
				e.log.Error().Err(err).Int("batch", i).Msg("batch failed")
				mu.Lock()
				failures = append(failures, BatchError{
					BatchIndex: i,
					Message:    err.Error(),
					IDs:        messageIDs(b),
				})
				mu.Unlock()
			}
			return nil
		})
	}
	g.Wait()

	return failures
}

// stageCounters aggregates per-item counters across concurrent
// batches.
type stageCounters struct {
	mu sync.Mutex
	m  map[string]int
}

func newStageCounters() *stageCounters {
	return &stageCounters{m: make(map[string]int)}
}

func (c *stageCounters) add(key string, n int) {
	c.mu.Lock()
	c.m[key] += n
	c.mu.Unlock()
}

func (c *stageCounters) get(key string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.m[key]
}

// histogram snapshots every counter with the given prefix stripped.
func (c *stageCounters) histogram(prefix string) map[string]int {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[string]int)
	for k, v := range c.m {
		if len(k) > len(prefix) && k[:len(prefix)] == prefix {
			out[k[len(prefix):]] = v
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

func messageIDs(msgs []store.MessageWithAuthor) []string {
	ids := make([]string, len(msgs))
	for i, m := range msgs {
		ids[i] = m.ID
	}
	return ids
}

func (e *Engine) callOptions() llm.CallOptions {
	return llm.CallOptions{
		Model:     e.cfg.AI.Model,
		MaxTokens: e.cfg.AI.MaxTokens,
		OnUsage:   e.usage.Record,
	}
}

func (e *Engine) shouldOpts(force bool) store.ShouldProcessOpts {
	return store.ShouldProcessOpts{
		Force:              force,
		ReprocessAfterDays: e.cfg.AI.ReprocessAfterDays,
	}
}

package llm

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"
)

// chatStub is a chat-completions endpoint stub that records request
// arrival times and serves scripted responses.
type chatStub struct {
	mu      sync.Mutex
	arrived []time.Time
	handler func(n int, w http.ResponseWriter)
}

func (s *chatStub) serve(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	s.arrived = append(s.arrived, time.Now())
	n := len(s.arrived)
	s.mu.Unlock()
	s.handler(n, w)
}

func (s *chatStub) calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.arrived)
}

func contentResponse(content string) []byte {
	resp := map[string]any{
		"model": "stub-model-1",
		"choices": []map[string]any{
			{"message": map[string]any{"content": content}},
		},
		"usage": map[string]any{"prompt_tokens": 12, "completion_tokens": 7},
	}
	data, _ := json.Marshal(resp)
	return data
}

func newTestClient(url string, retry RetryPolicy) *Client {
	return NewClient("test-key", url, retry)
}

func TestProcessWithAI_Success(t *testing.T) {
	stub := &chatStub{handler: func(n int, w http.ResponseWriter) {
		w.Write(contentResponse(`{"decisions":[{"id":"1","keep":true}]}`))
	}}
	server := httptest.NewServer(http.HandlerFunc(stub.serve))
	defer server.Close()

	var gotIn, gotOut int
	var gotModel string
	client := newTestClient(server.URL, RetryPolicy{MaxAttempts: 3, BaseDelay: time.Millisecond, Multiplier: 2})
	raw, err := client.ProcessWithAI(context.Background(), "prompt", CallOptions{
		Model: "requested-model",
		OnUsage: func(in, out int, model string) {
			gotIn, gotOut, gotModel = in, out, model
		},
	})
	if err != nil {
		t.Fatalf("ProcessWithAI: %v", err)
	}

	var decoded struct {
		Decisions []struct {
			ID   string `json:"id"`
			Keep bool   `json:"keep"`
		} `json:"decisions"`
	}
	if err := json.Unmarshal(raw, &decoded); err != nil {
		t.Fatalf("decode result: %v", err)
	}
	if len(decoded.Decisions) != 1 || !decoded.Decisions[0].Keep {
		t.Errorf("unexpected decoded result: %+v", decoded)
	}

	if gotIn != 12 || gotOut != 7 {
		t.Errorf("usage callback got (%d,%d), want (12,7)", gotIn, gotOut)
	}
	if gotModel != "stub-model-1" {
		t.Errorf("usage callback model = %q, want served model", gotModel)
	}
	if stub.calls() != 1 {
		t.Errorf("made %d requests, want 1", stub.calls())
	}
}

func TestProcessWithAI_RetryExhaustion(t *testing.T) {
	stub := &chatStub{handler: func(n int, w http.ResponseWriter) {
		http.Error(w, "rate limited", http.StatusTooManyRequests)
	}}
	server := httptest.NewServer(http.HandlerFunc(stub.serve))
	defer server.Close()

	base := 10 * time.Millisecond
	client := newTestClient(server.URL, RetryPolicy{MaxAttempts: 3, BaseDelay: base, Multiplier: 2})

	_, err := client.ProcessWithAI(context.Background(), "p", CallOptions{Model: "m"})
	if err == nil {
		t.Fatal("expected error after exhausting retries")
	}

	var apiErr *APIError
	if !errors.As(err, &apiErr) || apiErr.Status != http.StatusTooManyRequests {
		t.Errorf("final error should carry the 429, got %v", err)
	}

	// Exactly MaxAttempts requests.
	if stub.calls() != 3 {
		t.Fatalf("made %d requests, want 3", stub.calls())
	}

	// ith inter-attempt delay is at least base*mult^(i-1); the upper
	// bound is base*mult^(i-1)*1.1 plus scheduling slop, so allow 3x.
	stub.mu.Lock()
	gaps := []time.Duration{
		stub.arrived[1].Sub(stub.arrived[0]),
		stub.arrived[2].Sub(stub.arrived[1]),
	}
	stub.mu.Unlock()

	wantMin := []time.Duration{base, 2 * base}
	for i, gap := range gaps {
		if gap < wantMin[i] {
			t.Errorf("delay %d = %v, want >= %v", i+1, gap, wantMin[i])
		}
		if gap > 3*wantMin[i] {
			t.Errorf("delay %d = %v, suspiciously above %v", i+1, gap, wantMin[i])
		}
	}
}

func TestProcessWithAI_RecoversMidRetry(t *testing.T) {
	stub := &chatStub{handler: func(n int, w http.ResponseWriter) {
		if n < 3 {
			http.Error(w, "unavailable", http.StatusServiceUnavailable)
			return
		}
		w.Write(contentResponse(`{"ok":true}`))
	}}
	server := httptest.NewServer(http.HandlerFunc(stub.serve))
	defer server.Close()

	client := newTestClient(server.URL, RetryPolicy{MaxAttempts: 5, BaseDelay: time.Millisecond, Multiplier: 2})
	raw, err := client.ProcessWithAI(context.Background(), "p", CallOptions{Model: "m"})
	if err != nil {
		t.Fatalf("ProcessWithAI: %v", err)
	}
	if string(raw) != `{"ok":true}` {
		t.Errorf("raw = %s", raw)
	}
	if stub.calls() != 3 {
		t.Errorf("made %d requests, want 3", stub.calls())
	}
}

func TestProcessWithAI_NonRetryableStatusPropagates(t *testing.T) {
	stub := &chatStub{handler: func(n int, w http.ResponseWriter) {
		http.Error(w, "bad request", http.StatusBadRequest)
	}}
	server := httptest.NewServer(http.HandlerFunc(stub.serve))
	defer server.Close()

	client := newTestClient(server.URL, RetryPolicy{MaxAttempts: 4, BaseDelay: time.Millisecond, Multiplier: 2})
	_, err := client.ProcessWithAI(context.Background(), "p", CallOptions{Model: "m"})
	if err == nil {
		t.Fatal("expected error")
	}
	if stub.calls() != 1 {
		t.Errorf("400 should not be retried, made %d requests", stub.calls())
	}
}

func TestProcessWithAI_BadResponse(t *testing.T) {
	stub := &chatStub{handler: func(n int, w http.ResponseWriter) {
		w.Write(contentResponse("Sure! Here are the decisions you asked for."))
	}}
	server := httptest.NewServer(http.HandlerFunc(stub.serve))
	defer server.Close()

	client := newTestClient(server.URL, RetryPolicy{MaxAttempts: 3, BaseDelay: time.Millisecond, Multiplier: 2})
	_, err := client.ProcessWithAI(context.Background(), "p", CallOptions{Model: "m"})

	var badResp *BadResponseError
	if !errors.As(err, &badResp) {
		t.Fatalf("expected BadResponseError, got %v", err)
	}
	if badResp.Excerpt == "" {
		t.Error("excerpt should carry the offending text")
	}
	if stub.calls() != 1 {
		t.Errorf("parse failures should not be retried, made %d requests", stub.calls())
	}
}

func TestUsageTracker(t *testing.T) {
	tr := NewUsageTracker()

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			tr.Record(100, 10, "m1")
		}()
	}
	wg.Wait()

	usage, model := tr.Snapshot()
	if usage.InputTokens != 1000 || usage.OutputTokens != 100 || usage.Calls != 10 {
		t.Errorf("usage = %+v", usage)
	}
	if model != "m1" {
		t.Errorf("model = %q", model)
	}
}

func TestExcerptTruncates(t *testing.T) {
	long := make([]byte, excerptLimit*2)
	for i := range long {
		long[i] = 'x'
	}
	got := excerpt(string(long))
	if len(got) != excerptLimit+3 {
		t.Errorf("excerpt length = %d", len(got))
	}
}

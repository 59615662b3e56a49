package handler

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/NikkeTryHard/ag-cl-sub001/internal/accountpool"
	"github.com/NikkeTryHard/ag-cl-sub001/internal/anthropic"
	"github.com/NikkeTryHard/ag-cl-sub001/internal/domain"
	"github.com/NikkeTryHard/ag-cl-sub001/internal/poolerrors"
)

type scriptedStreamResponse struct {
	body []byte
	err  error
}

type scriptedStreamCaller struct {
	responses []scriptedStreamResponse
	calls     int
}

func (s *scriptedStreamCaller) StreamGenerateContent(context.Context, string, []byte) (*http.Response, error) {
	r := s.responses[s.calls]
	s.calls++
	if r.err != nil {
		return nil, r.err
	}
	return &http.Response{StatusCode: 200, Body: ioNopCloser{bytes.NewReader(r.body)}}, nil
}

type ioNopCloser struct{ *bytes.Reader }

func (ioNopCloser) Close() error { return nil }

func streamChunk(text, finish string) []byte {
	return []byte(`{"candidates":[{"content":{"parts":[{"text":"` + text + `"}]},"finishReason":"` + finish + `"}]}`)
}

func TestStreamingHandler_SuccessEmitsFullEventSequence(t *testing.T) {
	pool := &fakePool{plans: []domain.RequestPlan{plan("a@example.com")}}
	caller := &scriptedStreamCaller{responses: []scriptedStreamResponse{
		{body: streamChunk("hello", "STOP")},
	}}
	h := NewStreamingHandler(pool, caller, domain.Config{MaxAttempts: 4})

	rec := httptest.NewRecorder()
	err := h.Handle(context.Background(), &anthropic.MessagesRequest{Model: "claude-opus-4-5", MaxTokens: 100}, "req-1", rec)
	if err != nil {
		t.Fatalf("Handle returned error: %v", err)
	}
	out := rec.Body.String()
	for _, marker := range []string{"event: message_start", "event: content_block_start", "event: content_block_delta", "event: content_block_stop", "event: message_delta", "event: message_stop"} {
		if !bytes.Contains([]byte(out), []byte(marker)) {
			t.Fatalf("missing %s in output: %s", marker, out)
		}
	}
	if len(pool.outcomes) != 1 {
		t.Fatalf("outcomes = %+v, want 1 success", pool.outcomes)
	}
}

func TestStreamingHandler_PreFirstByteFailureFallsBack(t *testing.T) {
	pool := &fakePool{plans: []domain.RequestPlan{plan("a@example.com")}}
	caller := &scriptedStreamCaller{responses: []scriptedStreamResponse{
		{err: poolerrors.New(poolerrors.Upstream5xx, "500", true)},
		{err: poolerrors.New(poolerrors.Upstream5xx, "500", true)},
		{err: poolerrors.New(poolerrors.Upstream5xx, "500", true)},
		{body: streamChunk("fallback", "STOP")},
	}}
	h := NewStreamingHandler(pool, caller, domain.Config{MaxAttempts: 4, FallbackEnabled: true, FallbackModel: "gemini-2.5-flash"})

	rec := httptest.NewRecorder()
	err := h.Handle(context.Background(), &anthropic.MessagesRequest{Model: "claude-opus-4-5", MaxTokens: 100}, "req-1", rec)
	if err != nil {
		t.Fatalf("Handle returned error: %v", err)
	}
	if pool.nextPlanCalls != 2 {
		t.Fatalf("nextPlanCalls = %d, want 2 (original + fallback)", pool.nextPlanCalls)
	}
	if !bytes.Contains(rec.Body.Bytes(), []byte("fallback")) {
		t.Fatalf("expected fallback content in body: %s", rec.Body.String())
	}
}

func TestStreamingHandler_MidStreamFailureAfterBytesSentDoesNotRetry(t *testing.T) {
	pool := &fakePool{plans: []domain.RequestPlan{plan("a@example.com"), plan("b@example.com")}}
	// A body that is not valid JSON mid-stream triggers a decode error after
	// zero chunks have actually been parsed; simulate "bytes already sent"
	// by emitting one good chunk but then a response whose body is invalid.
	caller := &scriptedStreamCaller{responses: []scriptedStreamResponse{
		{body: append(streamChunk("partial", ""), []byte("{not-json")...)},
	}}
	h := NewStreamingHandler(pool, caller, domain.Config{MaxAttempts: 4})

	rec := httptest.NewRecorder()
	err := h.Handle(context.Background(), &anthropic.MessagesRequest{Model: "claude-opus-4-5", MaxTokens: 100}, "req-1", rec)
	if err != nil {
		t.Fatalf("Handle returned error: %v", err)
	}
	// Only the first plan should have been attempted; no retry/fallback once
	// bytes reached the client.
	if pool.nextPlanCalls != 1 {
		t.Fatalf("nextPlanCalls = %d, want 1 (no retry after first byte sent)", pool.nextPlanCalls)
	}
	if !bytes.Contains(rec.Body.Bytes(), []byte(`"stop_reason":"error"`)) {
		t.Fatalf("expected synthetic error terminus in body: %s", rec.Body.String())
	}
}

func TestStreamingHandler_AllPlansFailBeforeFirstByteEndsWithSyntheticError(t *testing.T) {
	pool := &fakePool{plans: []domain.RequestPlan{plan("a@example.com")}}
	caller := &scriptedStreamCaller{responses: []scriptedStreamResponse{
		{err: poolerrors.New(poolerrors.Forbidden, "403", false)},
		{err: poolerrors.New(poolerrors.Forbidden, "403", false)},
	}}
	h := NewStreamingHandler(pool, caller, domain.Config{MaxAttempts: 4})

	rec := httptest.NewRecorder()
	err := h.Handle(context.Background(), &anthropic.MessagesRequest{Model: "claude-opus-4-5", MaxTokens: 100}, "req-1", rec)
	if err != nil {
		t.Fatalf("Handle returned error: %v", err)
	}
	if !bytes.Contains(rec.Body.Bytes(), []byte("event: message_stop")) {
		t.Fatalf("expected a well-formed terminus even on total failure: %s", rec.Body.String())
	}
	if pool.refreshCalls != 1 {
		t.Fatalf("refreshCalls = %d, want 1 (one retry before giving up)", pool.refreshCalls)
	}
	if len(pool.outcomes) != 1 {
		t.Fatalf("outcomes = %+v, want 1 (forbidden recorded only after the retry also failed)", pool.outcomes)
	}
}

func TestStreamingHandler_MultiChunkTextAccumulatesIntoOneBlock(t *testing.T) {
	pool := &fakePool{plans: []domain.RequestPlan{plan("a@example.com")}}
	body := append(append([]byte{}, streamChunk("Hello, ", "")...), streamChunk("world", "STOP")...)
	caller := &scriptedStreamCaller{responses: []scriptedStreamResponse{{body: body}}}
	h := NewStreamingHandler(pool, caller, domain.Config{MaxAttempts: 4})

	rec := httptest.NewRecorder()
	err := h.Handle(context.Background(), &anthropic.MessagesRequest{Model: "claude-opus-4-5", MaxTokens: 100}, "req-1", rec)
	if err != nil {
		t.Fatalf("Handle returned error: %v", err)
	}
	out := rec.Body.String()
	if n := bytes.Count([]byte(out), []byte("event: content_block_start")); n != 1 {
		t.Fatalf("content_block_start count = %d, want 1 (both chunks continue the same text block): %s", n, out)
	}
	if n := bytes.Count([]byte(out), []byte("event: content_block_delta")); n != 2 {
		t.Fatalf("content_block_delta count = %d, want 2 (one per chunk): %s", n, out)
	}
	if n := bytes.Count([]byte(out), []byte("event: content_block_stop")); n != 1 {
		t.Fatalf("content_block_stop count = %d, want 1 (only at stream end): %s", n, out)
	}
}

func TestStreamingHandler_MidBlockAbortLeavesBlockGenuinelyOpenUntilAborted(t *testing.T) {
	pool := &fakePool{plans: []domain.RequestPlan{plan("a@example.com"), plan("b@example.com")}}
	body := append(append([]byte{}, streamChunk("thinking out loud", "")...), []byte("{not-json")...)
	caller := &scriptedStreamCaller{responses: []scriptedStreamResponse{{body: body}}}
	h := NewStreamingHandler(pool, caller, domain.Config{MaxAttempts: 4})

	rec := httptest.NewRecorder()
	err := h.Handle(context.Background(), &anthropic.MessagesRequest{Model: "claude-opus-4-5", MaxTokens: 100}, "req-1", rec)
	if err != nil {
		t.Fatalf("Handle returned error: %v", err)
	}
	out := rec.Body.String()
	if n := bytes.Count([]byte(out), []byte("event: content_block_start")); n != 1 {
		t.Fatalf("content_block_start count = %d, want exactly 1: %s", n, out)
	}
	// The block must still be open (no content_block_stop) right up until the
	// decode error forces Abort to close it as part of the synthetic error
	// terminus — not pre-closed within the same loop iteration that opened it.
	stopIdx := bytes.Index([]byte(out), []byte("event: content_block_stop"))
	errIdx := bytes.Index([]byte(out), []byte(`"stop_reason":"error"`))
	if stopIdx == -1 || errIdx == -1 || stopIdx > errIdx {
		t.Fatalf("expected content_block_stop to appear as part of the abort sequence, before the error message_delta: %s", out)
	}
	if pool.nextPlanCalls != 1 {
		t.Fatalf("nextPlanCalls = %d, want 1 (bytes already sent, no retry)", pool.nextPlanCalls)
	}
}

func TestStreamingHandler_AuthFailureRefreshesAndRetriesSameAccount(t *testing.T) {
	pool := &fakePool{plans: []domain.RequestPlan{plan("a@example.com")}}
	caller := &scriptedStreamCaller{responses: []scriptedStreamResponse{
		{err: poolerrors.New(poolerrors.AuthTransient, "401", true)},
		{body: streamChunk("recovered", "STOP")},
	}}
	h := NewStreamingHandler(pool, caller, domain.Config{MaxAttempts: 4})

	rec := httptest.NewRecorder()
	err := h.Handle(context.Background(), &anthropic.MessagesRequest{Model: "claude-opus-4-5", MaxTokens: 100}, "req-1", rec)
	if err != nil {
		t.Fatalf("Handle returned error: %v", err)
	}
	if pool.refreshCalls != 1 {
		t.Fatalf("refreshCalls = %d, want 1", pool.refreshCalls)
	}
	if len(pool.outcomes) != 1 || pool.outcomes[0].outcome != accountpool.OutcomeSuccess {
		t.Fatalf("outcomes = %+v, want 1 success (same account, no forbidden recorded)", pool.outcomes)
	}
	if !bytes.Contains(rec.Body.Bytes(), []byte("recovered")) {
		t.Fatalf("expected recovered content in body: %s", rec.Body.String())
	}
}

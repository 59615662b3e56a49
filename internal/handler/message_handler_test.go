package handler

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/NikkeTryHard/ag-cl-sub001/internal/accountpool"
	"github.com/NikkeTryHard/ag-cl-sub001/internal/anthropic"
	"github.com/NikkeTryHard/ag-cl-sub001/internal/domain"
	"github.com/NikkeTryHard/ag-cl-sub001/internal/poolerrors"
)

type outcomeCall struct {
	plan    domain.RequestPlan
	outcome accountpool.Outcome
}

type fakePool struct {
	plans         []domain.RequestPlan
	planErr       error
	outcomes      []outcomeCall
	nextPlanCalls int
	refreshCalls  int
	refreshErr    error
}

func (f *fakePool) NextPlan(context.Context, string) ([]domain.RequestPlan, error) {
	f.nextPlanCalls++
	return f.plans, f.planErr
}
func (f *fakePool) RecordOutcome(plan domain.RequestPlan, outcome accountpool.Outcome, _ *time.Time) {
	f.outcomes = append(f.outcomes, outcomeCall{plan, outcome})
}
func (f *fakePool) RefreshToken(_ context.Context, plan domain.RequestPlan) (domain.RequestPlan, error) {
	f.refreshCalls++
	if f.refreshErr != nil {
		return plan, f.refreshErr
	}
	plan.Token = "refreshed-tok"
	return plan, nil
}

type scriptedCaller struct {
	responses []scriptedResponse
	calls     int
}

type scriptedResponse struct {
	body []byte
	err  error
}

func (s *scriptedCaller) GenerateContent(context.Context, string, []byte) ([]byte, error) {
	r := s.responses[s.calls]
	s.calls++
	return r.body, r.err
}

func plan(email string) domain.RequestPlan {
	return domain.RequestPlan{Account: &domain.Account{Email: email}, Token: "tok", ProjectID: "proj", ModelID: "claude-opus-4-5"}
}

func successBody(text string) []byte {
	b, _ := json.Marshal(map[string]any{
		"candidates": []map[string]any{{
			"content":      map[string]any{"parts": []map[string]any{{"text": text}}},
			"finishReason": "STOP",
		}},
	})
	return b
}

func TestHandle_SuccessOnFirstPlan(t *testing.T) {
	pool := &fakePool{plans: []domain.RequestPlan{plan("a@example.com")}}
	caller := &scriptedCaller{responses: []scriptedResponse{{body: successBody("hi")}}}
	h := NewMessageHandler(pool, caller, domain.Config{MaxAttempts: 4})

	resp, status := h.Handle(context.Background(), &anthropic.MessagesRequest{Model: "claude-opus-4-5", MaxTokens: 100}, "req-1")
	if status != 200 {
		t.Fatalf("status = %d, want 200", status)
	}
	msg, ok := resp.(anthropic.MessagesResponse)
	if !ok || len(msg.Content) == 0 {
		t.Fatalf("resp = %+v", resp)
	}
	if len(pool.outcomes) != 1 || pool.outcomes[0].outcome != accountpool.OutcomeSuccess {
		t.Fatalf("outcomes = %+v, want 1 success", pool.outcomes)
	}
}

func TestHandle_RateLimitAdvancesToNextPlan(t *testing.T) {
	pool := &fakePool{plans: []domain.RequestPlan{plan("a@example.com"), plan("b@example.com")}}
	caller := &scriptedCaller{responses: []scriptedResponse{
		{err: poolerrors.New(poolerrors.QuotaExhausted, "429", true)},
		{body: successBody("hi")},
	}}
	h := NewMessageHandler(pool, caller, domain.Config{MaxAttempts: 4})

	_, status := h.Handle(context.Background(), &anthropic.MessagesRequest{Model: "claude-opus-4-5", MaxTokens: 100}, "req-1")
	if status != 200 {
		t.Fatalf("status = %d, want 200", status)
	}
	if len(pool.outcomes) != 2 || pool.outcomes[0].outcome != accountpool.OutcomeRateLimited {
		t.Fatalf("outcomes = %+v", pool.outcomes)
	}
}

func TestHandle_AllAttemptsForbiddenReturnsError(t *testing.T) {
	pool := &fakePool{plans: []domain.RequestPlan{plan("a@example.com")}}
	caller := &scriptedCaller{responses: []scriptedResponse{
		{err: poolerrors.New(poolerrors.Forbidden, "403", false)},
		{err: poolerrors.New(poolerrors.Forbidden, "403", false)},
	}}
	h := NewMessageHandler(pool, caller, domain.Config{MaxAttempts: 4})

	resp, status := h.Handle(context.Background(), &anthropic.MessagesRequest{Model: "claude-opus-4-5", MaxTokens: 100}, "req-1")
	if status != 403 {
		t.Fatalf("status = %d, want 403", status)
	}
	errBody, ok := resp.(anthropic.ErrorBody)
	if !ok || errBody.Type != "error" {
		t.Fatalf("resp = %+v, want ErrorBody", resp)
	}
	if pool.refreshCalls != 1 {
		t.Fatalf("refreshCalls = %d, want 1 (one retry before giving up)", pool.refreshCalls)
	}
	if len(pool.outcomes) != 1 || pool.outcomes[0].outcome != accountpool.OutcomeForbidden {
		t.Fatalf("outcomes = %+v, want 1 forbidden (only after the retry also failed)", pool.outcomes)
	}
}

func TestHandle_AuthFailureRefreshesAndRetriesSameAccount(t *testing.T) {
	pool := &fakePool{plans: []domain.RequestPlan{plan("a@example.com")}}
	caller := &scriptedCaller{responses: []scriptedResponse{
		{err: poolerrors.New(poolerrors.AuthTransient, "401", true)},
		{body: successBody("recovered")},
	}}
	h := NewMessageHandler(pool, caller, domain.Config{MaxAttempts: 4})

	resp, status := h.Handle(context.Background(), &anthropic.MessagesRequest{Model: "claude-opus-4-5", MaxTokens: 100}, "req-1")
	if status != 200 {
		t.Fatalf("status = %d, want 200 after successful retry", status)
	}
	if _, ok := resp.(anthropic.MessagesResponse); !ok {
		t.Fatalf("resp = %+v, want MessagesResponse", resp)
	}
	if pool.refreshCalls != 1 {
		t.Fatalf("refreshCalls = %d, want 1", pool.refreshCalls)
	}
	if len(pool.outcomes) != 1 || pool.outcomes[0].outcome != accountpool.OutcomeSuccess {
		t.Fatalf("outcomes = %+v, want 1 success (same account, no forbidden recorded)", pool.outcomes)
	}
}

func TestHandle_AuthFailureRefreshErrorSkipsRetryAndMarksForbidden(t *testing.T) {
	pool := &fakePool{
		plans:      []domain.RequestPlan{plan("a@example.com")},
		refreshErr: poolerrors.New(poolerrors.AuthInvalidGrant, "refresh token exchange failed", false),
	}
	caller := &scriptedCaller{responses: []scriptedResponse{
		{err: poolerrors.New(poolerrors.AuthInvalidGrant, "invalid_grant", false)},
	}}
	h := NewMessageHandler(pool, caller, domain.Config{MaxAttempts: 4})

	_, status := h.Handle(context.Background(), &anthropic.MessagesRequest{Model: "claude-opus-4-5", MaxTokens: 100}, "req-1")
	if status != 403 {
		t.Fatalf("status = %d, want 403", status)
	}
	if pool.refreshCalls != 1 {
		t.Fatalf("refreshCalls = %d, want 1", pool.refreshCalls)
	}
	if caller.calls != 1 {
		t.Fatalf("calls = %d, want 1 (no retry once the refresh itself fails)", caller.calls)
	}
	if len(pool.outcomes) != 1 || pool.outcomes[0].outcome != accountpool.OutcomeForbidden {
		t.Fatalf("outcomes = %+v, want 1 forbidden", pool.outcomes)
	}
}

func TestHandle_All5xxFallsBackToConfiguredModel(t *testing.T) {
	pool := &fakePool{plans: []domain.RequestPlan{plan("a@example.com")}}
	caller := &scriptedCaller{responses: []scriptedResponse{
		{err: poolerrors.New(poolerrors.Upstream5xx, "500", true)},
		{err: poolerrors.New(poolerrors.Upstream5xx, "500", true)},
		{err: poolerrors.New(poolerrors.Upstream5xx, "500", true)},
		{body: successBody("fallback response")},
	}}
	h := NewMessageHandler(pool, caller, domain.Config{MaxAttempts: 4, FallbackEnabled: true, FallbackModel: "gemini-2.5-flash"})

	resp, status := h.Handle(context.Background(), &anthropic.MessagesRequest{Model: "claude-opus-4-5", MaxTokens: 100}, "req-1")
	if status != 200 {
		t.Fatalf("status = %d, want 200 after fallback", status)
	}
	msg, ok := resp.(anthropic.MessagesResponse)
	if !ok || len(msg.Content) == 0 {
		t.Fatalf("resp = %+v", resp)
	}
	if pool.nextPlanCalls != 2 {
		t.Fatalf("nextPlanCalls = %d, want 2 (original + fallback model)", pool.nextPlanCalls)
	}
}

func TestHandle_EmptyResponseRetriesThenFails(t *testing.T) {
	pool := &fakePool{plans: []domain.RequestPlan{plan("a@example.com")}}
	empty := successBody("")
	emptyNoBlocks, _ := json.Marshal(map[string]any{
		"candidates": []map[string]any{{"content": map[string]any{"parts": []map[string]any{}}, "finishReason": "STOP"}},
	})
	_ = empty
	caller := &scriptedCaller{responses: []scriptedResponse{
		{body: emptyNoBlocks}, {body: emptyNoBlocks}, {body: emptyNoBlocks},
	}}
	h := NewMessageHandler(pool, caller, domain.Config{MaxAttempts: 4, MaxEmptyRetries: 2})

	resp, status := h.Handle(context.Background(), &anthropic.MessagesRequest{Model: "claude-opus-4-5", MaxTokens: 100}, "req-1")
	if status != 502 {
		t.Fatalf("status = %d, want 502 (empty response exhausted)", status)
	}
	errBody, ok := resp.(anthropic.ErrorBody)
	if !ok {
		t.Fatalf("resp = %+v, want ErrorBody", resp)
	}
	if errBody.Error.Type != string(poolerrors.EmptyResponse) {
		t.Fatalf("error type = %q, want EMPTY_RESPONSE", errBody.Error.Type)
	}
	if caller.calls != 3 {
		t.Fatalf("calls = %d, want 3 (1 + MaxEmptyRetries=2)", caller.calls)
	}
}

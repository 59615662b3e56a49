package token

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/NikkeTryHard/ag-cl-sub001/internal/clock"
	"github.com/NikkeTryHard/ag-cl-sub001/internal/domain"
	"github.com/NikkeTryHard/ag-cl-sub001/internal/poolerrors"
)

type fakeExchanger struct {
	calls     int32
	err       error
	tokenFunc func() domain.AccessToken
}

func (f *fakeExchanger) Exchange(ctx context.Context, refreshToken string) (domain.AccessToken, error) {
	atomic.AddInt32(&f.calls, 1)
	if f.err != nil {
		return domain.AccessToken{}, f.err
	}
	return f.tokenFunc(), nil
}

func TestTokenFor_CachesUntilExpiry(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	c := clock.NewFixed(now)
	ex := &fakeExchanger{tokenFunc: func() domain.AccessToken {
		return domain.AccessToken{Value: "at-1", ExpiresAt: now.Add(time.Hour)}
	}}
	b, err := New(c, ex, 60*time.Second)
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}

	tok, err := b.TokenFor(context.Background(), "rt-1")
	if err != nil {
		t.Fatalf("TokenFor() error: %v", err)
	}
	if tok.Value != "at-1" {
		t.Fatalf("token value = %q, want at-1", tok.Value)
	}

	tok2, err := b.TokenFor(context.Background(), "rt-1")
	if err != nil {
		t.Fatalf("TokenFor() second call error: %v", err)
	}
	if tok2.Value != "at-1" {
		t.Fatalf("expected cached token returned")
	}
	if calls := atomic.LoadInt32(&ex.calls); calls != 1 {
		t.Fatalf("exchanger called %d times, want 1 (cache hit expected)", calls)
	}
}

func TestTokenFor_InvalidGrantInvalidatesCache(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	c := clock.NewFixed(now)
	ex := &fakeExchanger{err: poolerrors.New(poolerrors.AuthInvalidGrant, "invalid_grant", false)}
	b, err := New(c, ex, 60*time.Second)
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}

	_, err = b.TokenFor(context.Background(), "rt-bad")
	if err == nil {
		t.Fatalf("expected error")
	}
	pe, ok := poolerrors.As(err)
	if !ok || pe.Kind != poolerrors.AuthInvalidGrant {
		t.Fatalf("expected AUTH_INVALID_GRANT, got %v", err)
	}
}

func TestTokenFor_SingleflightCollapsesConcurrentExchanges(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	c := clock.NewFixed(now)
	block := make(chan struct{})
	ex := &fakeExchanger{tokenFunc: func() domain.AccessToken {
		<-block
		return domain.AccessToken{Value: "at-2", ExpiresAt: now.Add(time.Hour)}
	}}
	b, err := New(c, ex, 60*time.Second)
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}

	results := make(chan domain.AccessToken, 5)
	for i := 0; i < 5; i++ {
		go func() {
			tok, _ := b.TokenFor(context.Background(), "rt-shared")
			results <- tok
		}()
	}
	time.Sleep(20 * time.Millisecond)
	close(block)

	for i := 0; i < 5; i++ {
		tok := <-results
		if tok.Value != "at-2" {
			t.Fatalf("unexpected token value: %q", tok.Value)
		}
	}
	if calls := atomic.LoadInt32(&ex.calls); calls != 1 {
		t.Fatalf("exchanger called %d times, want 1 (singleflight expected)", calls)
	}
}

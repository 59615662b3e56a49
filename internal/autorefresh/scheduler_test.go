package autorefresh

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/NikkeTryHard/ag-cl-sub001/internal/domain"
	"github.com/NikkeTryHard/ag-cl-sub001/internal/ledger"
	"github.com/NikkeTryHard/ag-cl-sub001/internal/resettrigger"
)

type fakeAccounts struct{ accounts []domain.Account }

func (f fakeAccounts) Accounts() []domain.Account { return f.accounts }

type fakePool struct{}

func (fakePool) TokenForAccount(context.Context, domain.Account) (domain.AccessToken, error) {
	return domain.AccessToken{Value: "tok", ExpiresAt: time.Now().Add(time.Hour)}, nil
}
func (fakePool) ProjectForAccount(context.Context, domain.Account, domain.AccessToken) (string, error) {
	return "proj-1", nil
}

type countingTrigger struct{ fires int32 }

func (c *countingTrigger) Fire(context.Context, string, string, []domain.PoolKey) resettrigger.Result {
	atomic.AddInt32(&c.fires, 1)
	return resettrigger.Result{SuccessCount: 3}
}

func TestStart_IsIdempotent(t *testing.T) {
	trig := &countingTrigger{}
	s := New(fakeAccounts{accounts: []domain.Account{{Email: "a@example.com", Source: domain.SourceOAuth, RefreshToken: "rt"}}},
		fakePool{}, trig, ledger.New(), time.Hour)

	s.Start()
	s.Start()
	s.Start()

	s.mu.Lock()
	timer := s.timer
	s.mu.Unlock()
	if timer == nil {
		t.Fatal("expected a single armed timer after repeated Start calls")
	}
	s.Stop()
}

func TestStop_CancelsPendingTimerAndPreventsRun(t *testing.T) {
	trig := &countingTrigger{}
	s := New(fakeAccounts{accounts: []domain.Account{{Email: "a@example.com", Source: domain.SourceOAuth, RefreshToken: "rt"}}},
		fakePool{}, trig, ledger.New(), 20*time.Millisecond)

	s.Start()
	s.Stop()
	time.Sleep(60 * time.Millisecond)

	if atomic.LoadInt32(&trig.fires) != 0 {
		t.Fatalf("fires = %d, want 0 after Stop", trig.fires)
	}
}

func TestRun_ClearsLedgerAndFiresTrigger(t *testing.T) {
	trig := &countingTrigger{}
	ledg := ledger.New()
	ledg.MarkRateLimited("a@example.com", "claude-opus-4-5", nil)

	s := New(fakeAccounts{accounts: []domain.Account{{Email: "a@example.com", Source: domain.SourceOAuth, RefreshToken: "rt"}}},
		fakePool{}, trig, ledg, time.Hour)

	s.run()

	if atomic.LoadInt32(&trig.fires) != 1 {
		t.Fatalf("fires = %d, want 1", trig.fires)
	}
	if ledg.IsRateLimited("a@example.com", "claude-opus-4-5", time.Now()) {
		t.Fatal("expected ledger to be cleared after run()")
	}
}

func TestRun_NoEligibleAccountSkipsSafely(t *testing.T) {
	trig := &countingTrigger{}
	s := New(fakeAccounts{accounts: []domain.Account{{Email: "b@example.com", Source: domain.SourceRefreshToken, RefreshToken: "rt"}}},
		fakePool{}, trig, ledger.New(), time.Hour)

	s.run()

	if atomic.LoadInt32(&trig.fires) != 0 {
		t.Fatalf("fires = %d, want 0 when no OAuth account is eligible", trig.fires)
	}
}

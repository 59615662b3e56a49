// Package autorefresh implements the Auto-Refresh Scheduler: a singleton,
// process-wide timer that periodically re-arms every quota group's reset
// window before it would otherwise go stale, so the first real request
// after a long idle period doesn't pay for quota bookkeeping.
package autorefresh

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/NikkeTryHard/ag-cl-sub001/internal/domain"
	"github.com/NikkeTryHard/ag-cl-sub001/internal/ledger"
	"github.com/NikkeTryHard/ag-cl-sub001/internal/logging"
	"github.com/NikkeTryHard/ag-cl-sub001/internal/resettrigger"
)

// AccountSource supplies the current account table; satisfied by
// *accountpool.Pool.
type AccountSource interface {
	Accounts() []domain.Account
}

// ResetTrigger fires the minimal upstream probe; satisfied by
// *resettrigger.Trigger.
type ResetTrigger interface {
	Fire(ctx context.Context, accessToken, projectID string, groups []domain.PoolKey) resettrigger.Result
}

// TokenProjectSource resolves the credentials the probe needs for the
// chosen account; satisfied by *accountpool.Pool.
type TokenProjectSource interface {
	TokenForAccount(ctx context.Context, account domain.Account) (domain.AccessToken, error)
	ProjectForAccount(ctx context.Context, account domain.Account, token domain.AccessToken) (string, error)
}

// Scheduler is the Auto-Refresh Scheduler. It owns exactly one pending
// timer; Start is idempotent and Stop cancels that timer.
type Scheduler struct {
	mu       sync.Mutex
	timer    *time.Timer
	interval time.Duration

	accounts AccountSource
	pool     TokenProjectSource
	trigger  ResetTrigger
	ledger   *ledger.Ledger
	log      *zap.Logger
}

func New(accounts AccountSource, pool TokenProjectSource, trigger ResetTrigger, ledg *ledger.Ledger, interval time.Duration) *Scheduler {
	return &Scheduler{
		accounts: accounts,
		pool:     pool,
		trigger:  trigger,
		ledger:   ledg,
		interval: interval,
		log:      logging.Named("auto-refresh"),
	}
}

// Start arms the recurring timer. Calling Start again while already running
// is a no-op.
func (s *Scheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.timer != nil {
		return
	}
	s.arm()
	s.log.Info("auto-refresh started", zap.Duration("interval", s.interval), zap.Time("next_run", time.Now().Add(s.interval)))
}

// arm must be called with mu held.
func (s *Scheduler) arm() {
	s.timer = time.AfterFunc(s.interval, s.runAndRearm)
}

func (s *Scheduler) runAndRearm() {
	s.run()
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.timer == nil {
		// Stop() ran concurrently with this tick; don't re-arm.
		return
	}
	s.arm()
	s.log.Info("auto-refresh re-armed", zap.Time("next_run", time.Now().Add(s.interval)))
}

func (s *Scheduler) run() {
	account, ok := firstOAuthAccount(s.accounts.Accounts())
	if !ok {
		s.log.Warn("auto-refresh skipped: no OAuth account available")
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	token, err := s.pool.TokenForAccount(ctx, account)
	if err != nil {
		s.log.Warn("auto-refresh: token exchange failed", zap.String("account", account.Email), zap.Error(err))
		return
	}
	projectID, err := s.pool.ProjectForAccount(ctx, account, token)
	if err != nil {
		s.log.Warn("auto-refresh: project probe failed", zap.String("account", account.Email), zap.Error(err))
		return
	}

	result := s.trigger.Fire(ctx, token.Value, projectID, nil)
	accountsAffected, limitsCleared := s.ledger.ClearGroup(ledger.AllGroups)

	s.log.Info("auto-refresh complete",
		zap.String("account", account.Email),
		zap.Int("success_count", result.SuccessCount),
		zap.Int("failure_count", result.FailureCount),
		zap.Int("accounts_affected", accountsAffected),
		zap.Int("limits_cleared", limitsCleared),
	)
}

func firstOAuthAccount(accounts []domain.Account) (domain.Account, bool) {
	for _, a := range accounts {
		if a.Eligible() {
			return a, true
		}
	}
	return domain.Account{}, false
}

// Stop cancels the pending timer. Safe to call even if Start was never
// called or was already stopped.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.timer == nil {
		return
	}
	s.timer.Stop()
	s.timer = nil
	s.log.Info("auto-refresh stopped")
}

// Package accountpool implements the Account Pool: the single
// serialization point for account mutation. It composes the Token Broker,
// Rate-Limit Ledger, Scheduler, Quota API Client, and Quota Snapshot Store
// behind one mutex-guarded surface.
package accountpool

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/NikkeTryHard/ag-cl-sub001/internal/burnrate"
	"github.com/NikkeTryHard/ag-cl-sub001/internal/clock"
	"github.com/NikkeTryHard/ag-cl-sub001/internal/domain"
	"github.com/NikkeTryHard/ag-cl-sub001/internal/ledger"
	"github.com/NikkeTryHard/ag-cl-sub001/internal/logging"
	"github.com/NikkeTryHard/ag-cl-sub001/internal/poolerrors"
	"github.com/NikkeTryHard/ag-cl-sub001/internal/scheduler"
	"github.com/NikkeTryHard/ag-cl-sub001/internal/snapshot"
)

// TokenSource exchanges a refresh token for an access token. Satisfied by
// *token.Broker; an interface here keeps the Pool testable without pulling
// in Broker's L1/L2 cache machinery.
type TokenSource interface {
	TokenFor(ctx context.Context, refreshToken string) (domain.AccessToken, error)
	Invalidate(ctx context.Context, refreshToken string)
}

// QuotaProbe is the subset of quotaclient.Client the Pool needs.
type QuotaProbe interface {
	LoadCodeAssist(ctx context.Context, accessToken string) (domain.Tier, string, error)
	FetchAvailableModels(ctx context.Context, accessToken, projectID string) ([]domain.ModelQuotaInfo, error)
}

// Outcome classifies how an attempt against an upstream account ended, for
// recordOutcome to decide what ledger/account mutation follows.
type Outcome int

const (
	OutcomeSuccess Outcome = iota
	OutcomeEmpty
	OutcomeRateLimited
	OutcomeServerError
	OutcomeForbidden
)

// Pool is the Account Pool. All exported methods acquire mu; critical
// sections never hold network I/O.
type Pool struct {
	mu         sync.Mutex
	accounts   []domain.Account
	capacities map[string]domain.AccountCapacity
	projectIDs map[string]string // per-session memoized project ID, keyed by account email

	ledger    *ledger.Ledger
	scheduler *scheduler.Scheduler
	broker    TokenSource
	quota     QuotaProbe
	store     *snapshot.Store
	clock     clock.Clock
	cfg       domain.Config
	log       *zap.Logger
}

func New(snap domain.PoolSnapshot, ledg *ledger.Ledger, sched *scheduler.Scheduler, broker TokenSource, quota QuotaProbe, store *snapshot.Store, c clock.Clock) *Pool {
	return &Pool{
		accounts:   append([]domain.Account(nil), snap.Accounts...),
		capacities: make(map[string]domain.AccountCapacity),
		projectIDs: make(map[string]string),
		ledger:     ledg,
		scheduler:  sched,
		broker:     broker,
		quota:      quota,
		store:      store,
		clock:      c,
		cfg:        snap.Settings,
		log:        logging.Named("account-pool"),
	}
}

// TokenForAccount delegates to the Token Broker.
func (p *Pool) TokenForAccount(ctx context.Context, account domain.Account) (domain.AccessToken, error) {
	return p.broker.TokenFor(ctx, account.RefreshToken)
}

// ProjectForAccount performs a one-shot loadCodeAssist probe per account and
// memoizes the result for the lifetime of the process.
func (p *Pool) ProjectForAccount(ctx context.Context, account domain.Account, token domain.AccessToken) (string, error) {
	p.mu.Lock()
	if projectID, ok := p.projectIDs[account.Email]; ok {
		p.mu.Unlock()
		return projectID, nil
	}
	p.mu.Unlock()

	tier, projectID, err := p.quota.LoadCodeAssist(ctx, token.Value)
	if err != nil {
		return "", err
	}

	p.mu.Lock()
	p.projectIDs[account.Email] = projectID
	rec := p.capacities[account.Email]
	rec.Email = account.Email
	rec.Tier = tier
	rec.ProjectID = projectID
	rec.LastUpdated = p.clock.Now()
	p.capacities[account.Email] = rec
	p.mu.Unlock()
	return projectID, nil
}

// RefreshToken discards the Token Broker's cached token for plan.Account and
// exchanges a fresh one, returning an updated plan. Used by the handlers to
// retry a live 401/403 once against the same account before giving up on it.
func (p *Pool) RefreshToken(ctx context.Context, plan domain.RequestPlan) (domain.RequestPlan, error) {
	if plan.Account == nil {
		return plan, poolerrors.New(poolerrors.Internal, "refresh token: plan has no account", false)
	}
	p.broker.Invalidate(ctx, plan.Account.RefreshToken)
	tok, err := p.broker.TokenFor(ctx, plan.Account.RefreshToken)
	if err != nil {
		return plan, err
	}
	plan.Token = tok.Value
	return plan, nil
}

// NextPlan builds up to maxAttempts candidate plans for modelID, ordered by
// the configured Scheduling policy, each carrying a resolved token and
// project ID. Accounts whose token exchange fails are skipped and logged;
// they do not consume an attempt slot.
func (p *Pool) NextPlan(ctx context.Context, modelID string) ([]domain.RequestPlan, error) {
	maxAttempts := p.cfg.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 4
	}

	ordered := p.orderedAccounts(modelID)
	plans := make([]domain.RequestPlan, 0, maxAttempts)

	for i := range ordered {
		if len(plans) >= maxAttempts {
			break
		}
		account := ordered[i]
		tok, err := p.TokenForAccount(ctx, account)
		if err != nil {
			p.log.Warn("skipping account: token exchange failed",
				zap.String("account", account.Email), zap.Error(err))
			continue
		}
		projectID, err := p.ProjectForAccount(ctx, account, tok)
		if err != nil {
			p.log.Warn("skipping account: project probe failed",
				zap.String("account", account.Email), zap.Error(err))
			continue
		}
		plans = append(plans, domain.RequestPlan{
			Account:   &ordered[i],
			Token:     tok.Value,
			ProjectID: projectID,
			ModelID:   modelID,
			Attempt:   len(plans) + 1,
		})
	}
	if len(plans) == 0 {
		return nil, poolerrors.New(poolerrors.Internal, "no eligible accounts available for "+modelID, false)
	}
	return plans, nil
}

func (p *Pool) orderedAccounts(modelID string) []domain.Account {
	p.mu.Lock()
	defer p.mu.Unlock()

	state := scheduler.State{
		Accounts:   append([]domain.Account(nil), p.accounts...),
		Capacities: p.capacities,
		Ledger:     p.ledger,
		Now:        p.clock.Now(),
	}
	return p.scheduler.Order(p.cfg.SchedulingMode, state, modelID)
}

// RecordOutcome applies the ledger/account-table mutation implied by how an
// attempt ended.
func (p *Pool) RecordOutcome(plan domain.RequestPlan, outcome Outcome, resetAt *time.Time) {
	if plan.Account == nil {
		return
	}
	email := plan.Account.Email

	switch outcome {
	case OutcomeSuccess:
		p.mu.Lock()
		for i := range p.accounts {
			if p.accounts[i].Email == email {
				p.accounts[i].LastUsed = p.clock.Now()
				break
			}
		}
		p.mu.Unlock()
	case OutcomeRateLimited:
		p.ledger.MarkRateLimited(email, plan.ModelID, resetAt)
	case OutcomeForbidden:
		p.mu.Lock()
		rec := p.capacities[email]
		rec.IsForbidden = true
		p.capacities[email] = rec
		p.mu.Unlock()
	case OutcomeServerError, OutcomeEmpty:
		// No ledger change: 5xx and empty-response outcomes are transient
		// per-request signals, not account-level state.
	}
}

// TriggerQuotaReset sweeps the Ledger for group (or ledger.AllGroups).
func (p *Pool) TriggerQuotaReset(group string) (accountsAffected, limitsCleared int) {
	return p.ledger.ClearGroup(group)
}

// RefreshCapacity re-probes an account's per-pool remaining quota and
// records a snapshot for burn-rate history.
func (p *Pool) RefreshCapacity(ctx context.Context, account domain.Account, token domain.AccessToken, projectID string) (domain.AccountCapacity, error) {
	models, err := p.quota.FetchAvailableModels(ctx, token.Value, projectID)
	if err != nil {
		if pe, ok := poolerrors.As(err); ok && pe.Kind == poolerrors.Forbidden {
			p.mu.Lock()
			rec := p.capacities[account.Email]
			rec.IsForbidden = true
			p.capacities[account.Email] = rec
			p.mu.Unlock()
		}
		return domain.AccountCapacity{}, fmt.Errorf("refresh capacity for %s: %w", account.Email, err)
	}

	now := p.clock.Now()
	p.mu.Lock()
	rec := p.capacities[account.Email]
	rec.Email = account.Email
	rec.ProjectID = projectID
	rec.LastUpdated = now
	for _, m := range models {
		pool := domain.ClassifyModel(m.Name)
		switch pool {
		case domain.PoolClaude:
			rec.ClaudePool = m.Percentage
		case domain.PoolGeminiPro:
			rec.GeminiProPool = m.Percentage
		case domain.PoolGeminiFlash:
			rec.GeminiFlashPool = m.Percentage
		}
	}
	p.capacities[account.Email] = rec
	p.mu.Unlock()

	for _, m := range models {
		p.store.Record(ctx, account.Email, domain.FamilyOf(m.Name), m.Percentage, now)
	}
	return rec, nil
}

// BurnRateFor derives the current burn rate for account/modelID from the
// Snapshot Store's history plus the last-observed percentage, per the
// Burn-Rate Calculator.
func (p *Pool) BurnRateFor(ctx context.Context, account domain.Account, modelID string) domain.BurnRate {
	family := domain.FamilyOf(modelID)
	poolKey := domain.ClassifyModel(modelID)

	now := p.clock.Now()
	var resetAt *time.Time
	if rt, ok := p.ledger.ResetTimeFor(account.Email, modelID); ok {
		resetAt = rt
	}
	window := burnrate.SnapshotWindow(now, resetAt)
	snapshots := p.store.SnapshotsSince(ctx, account.Email, family, now.Add(-window))

	p.mu.Lock()
	currentPct := poolPercentageFor(p.capacities[account.Email], poolKey)
	p.mu.Unlock()

	return burnrate.Calculate(snapshots, currentPct, now)
}

func poolPercentageFor(rec domain.AccountCapacity, pool domain.PoolKey) float64 {
	switch pool {
	case domain.PoolClaude:
		return rec.ClaudePool
	case domain.PoolGeminiPro:
		return rec.GeminiProPool
	case domain.PoolGeminiFlash:
		return rec.GeminiFlashPool
	default:
		return 0
	}
}

// Accounts returns a defensive copy of the current account table, used by
// the Auto-Refresh Scheduler to pick the first OAuth account.
func (p *Pool) Accounts() []domain.Account {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]domain.Account(nil), p.accounts...)
}

// Package scheduler selects the next (account, model) pair to serve a
// request under one of four named policies. It never performs I/O: it
// consumes a pre-fetched pool state view (accounts, capacities, ledger)
// and returns an ordering.
package scheduler

import (
	"sort"
	"sync"
	"time"

	"github.com/NikkeTryHard/ag-cl-sub001/internal/domain"
)

// RateLimitView is the read-only slice of the Rate-Limit Ledger the
// Scheduler needs: whether a model is currently limited for an account,
// and that entry's reset time for refresh-priority ordering.
type RateLimitView interface {
	IsRateLimited(account string, modelID string, now time.Time) bool
	ResetTimeFor(account string, modelID string) (*time.Time, bool)
}

// State is the pool snapshot the Scheduler orders against.
type State struct {
	Accounts   []domain.Account
	Capacities map[string]domain.AccountCapacity // keyed by Account.Email
	Ledger     RateLimitView
	Now        time.Time
}

// Scheduler holds the cross-request cursors that `sticky` and
// `round-robin` need (the round-robin cursor, the sticky active account).
// One Scheduler is shared by the whole pool; callers serialize access to
// it the same way they serialize the rest of Pool state.
type Scheduler struct {
	mu             sync.Mutex
	stickyActive   string
	roundRobinNext int
}

func New() *Scheduler {
	return &Scheduler{}
}

// Order returns eligible accounts for modelID under policy, most-preferred
// first. The caller turns this into RequestPlan attempts (1-based),
// resolving token/project for each as it walks the list.
func (s *Scheduler) Order(policy domain.SchedulingPolicy, state State, modelID string) []domain.Account {
	eligible := filterEligible(state, modelID)
	if len(eligible) == 0 {
		return nil
	}

	switch policy {
	case domain.PolicyRefreshPriority:
		return s.orderRefreshPriority(eligible, state, modelID)
	case domain.PolicyDrainHighest:
		return s.orderDrainHighest(eligible, state, modelID)
	case domain.PolicyRoundRobin:
		return s.orderRoundRobin(eligible)
	case domain.PolicySticky:
		fallthrough
	default:
		return s.orderSticky(eligible)
	}
}

func filterEligible(state State, modelID string) []domain.Account {
	out := make([]domain.Account, 0, len(state.Accounts))
	for _, acct := range state.Accounts {
		if !acct.Eligible() {
			continue
		}
		if cap, ok := state.Capacities[acct.Email]; ok && cap.IsForbidden {
			continue
		}
		if state.Ledger != nil && state.Ledger.IsRateLimited(acct.Email, modelID, state.Now) {
			continue
		}
		out = append(out, acct)
	}
	return out
}

// orderSticky keeps the previously active account first as long as it is
// still eligible, falling back to the rest in stable insertion order; once
// the active account drops out of eligibility, the next call promotes the
// first eligible account to active.
func (s *Scheduler) orderSticky(eligible []domain.Account) []domain.Account {
	s.mu.Lock()
	defer s.mu.Unlock()

	activeIdx := -1
	for i, acct := range eligible {
		if acct.Email == s.stickyActive {
			activeIdx = i
			break
		}
	}
	if activeIdx < 0 {
		s.stickyActive = eligible[0].Email
		activeIdx = 0
	}

	ordered := make([]domain.Account, 0, len(eligible))
	ordered = append(ordered, eligible[activeIdx])
	for i, acct := range eligible {
		if i != activeIdx {
			ordered = append(ordered, acct)
		}
	}
	return ordered
}

// orderRoundRobin rotates through eligible accounts starting at the
// pool-level cursor, which advances by one on every call regardless of how
// many attempts the caller actually consumes.
func (s *Scheduler) orderRoundRobin(eligible []domain.Account) []domain.Account {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := len(eligible)
	start := s.roundRobinNext % n
	s.roundRobinNext = (s.roundRobinNext + 1) % n

	ordered := make([]domain.Account, 0, n)
	for i := 0; i < n; i++ {
		ordered = append(ordered, eligible[(start+i)%n])
	}
	return ordered
}

// orderRefreshPriority prefers the account whose earliest applicable reset
// for modelID is soonest; accounts with no known reset sort last.
func (s *Scheduler) orderRefreshPriority(eligible []domain.Account, state State, modelID string) []domain.Account {
	ordered := append([]domain.Account(nil), eligible...)
	sort.SliceStable(ordered, func(i, j int) bool {
		ri, iHas := resetFor(state, ordered[i].Email, modelID)
		rj, jHas := resetFor(state, ordered[j].Email, modelID)
		if !iHas && !jHas {
			return false
		}
		if iHas != jHas {
			return iHas
		}
		return ri.Before(rj)
	})
	return ordered
}

func resetFor(state State, account, modelID string) (time.Time, bool) {
	if state.Ledger == nil {
		return time.Time{}, false
	}
	rt, ok := state.Ledger.ResetTimeFor(account, modelID)
	if !ok || rt == nil {
		return time.Time{}, false
	}
	return *rt, true
}

// orderDrainHighest prefers the account with the highest remaining quota
// in modelID's pool, descending; 100% is a strict preference over anything
// less, which falls out naturally from the descending sort.
func (s *Scheduler) orderDrainHighest(eligible []domain.Account, state State, modelID string) []domain.Account {
	pool := domain.ClassifyModel(modelID)
	ordered := append([]domain.Account(nil), eligible...)
	sort.SliceStable(ordered, func(i, j int) bool {
		return poolPercentage(state, ordered[i].Email, pool) > poolPercentage(state, ordered[j].Email, pool)
	})
	return ordered
}

func poolPercentage(state State, account string, pool domain.PoolKey) float64 {
	cap, ok := state.Capacities[account]
	if !ok {
		return 0
	}
	switch pool {
	case domain.PoolClaude:
		return cap.ClaudePool
	case domain.PoolGeminiPro:
		return cap.GeminiProPool
	case domain.PoolGeminiFlash:
		return cap.GeminiFlashPool
	default:
		return 0
	}
}

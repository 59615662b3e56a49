// Package ledger implements the Rate-Limit Ledger: the in-memory,
// per-account per-model map of rate-limit flags the Scheduler consults.
package ledger

import (
	"sync"
	"time"

	"github.com/NikkeTryHard/ag-cl-sub001/internal/domain"
)

// Ledger is safe for concurrent use; it is the Pool's single source of
// truth for per-account per-model rate-limit state.
type Ledger struct {
	mu      sync.Mutex
	entries map[string]map[string]domain.RateLimitEntry // accountEmail -> modelID -> entry
}

func New() *Ledger {
	return &Ledger{entries: make(map[string]map[string]domain.RateLimitEntry)}
}

// IsRateLimited reports whether modelID is currently rate-limited for
// account, lazily clearing the entry if its reset time has passed.
func (l *Ledger) IsRateLimited(account string, modelID string, now time.Time) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	models, ok := l.entries[account]
	if !ok {
		return false
	}
	entry, ok := models[modelID]
	if !ok {
		return false
	}
	if entry.Cleared(now) {
		delete(models, modelID)
		return false
	}
	return true
}

// MarkRateLimited records that modelID is rate-limited for account until
// resetAt (nil meaning unknown reset time).
func (l *Ledger) MarkRateLimited(account string, modelID string, resetAt *time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()
	models, ok := l.entries[account]
	if !ok {
		models = make(map[string]domain.RateLimitEntry)
		l.entries[account] = models
	}
	models[modelID] = domain.RateLimitEntry{IsRateLimited: true, ResetTime: resetAt}
}

// AllGroups is the sentinel passed to ClearGroup to sweep every quota
// group across every account, as the Auto-Refresh Scheduler and a
// triggerQuotaReset("all") call do.
const AllGroups = "all"

// ClearGroup sweeps every account's ledger, clearing rate-limit entries
// for models in the named group (or every entry when group == AllGroups).
// It returns the number of distinct accounts touched and the number of
// entries actually flipped from limited to clear — idempotent: calling it
// again immediately afterward with nothing left to clear returns
// limitsCleared == 0.
func (l *Ledger) ClearGroup(group string) (accountsAffected int, limitsCleared int) {
	l.mu.Lock()
	defer l.mu.Unlock()

	modelSet := groupModelSet(group)
	for acct, models := range l.entries {
		cleared := 0
		for modelID, entry := range models {
			if modelSet != nil {
				if _, inGroup := modelSet[modelID]; !inGroup {
					continue
				}
			}
			if entry.IsRateLimited {
				delete(models, modelID)
				cleared++
			}
		}
		if cleared > 0 {
			accountsAffected++
			limitsCleared += cleared
		}
	}
	return accountsAffected, limitsCleared
}

func groupModelSet(group string) map[string]struct{} {
	if group == "" || group == AllGroups {
		return nil
	}
	g, ok := domain.GroupByKey(domain.PoolKey(group))
	if !ok {
		return map[string]struct{}{}
	}
	set := make(map[string]struct{}, len(g.ModelIDs))
	for _, m := range g.ModelIDs {
		set[m] = struct{}{}
	}
	return set
}

// ResetTimeFor returns the recorded reset time for (account, modelID), if
// any entry exists for it.
func (l *Ledger) ResetTimeFor(account string, modelID string) (*time.Time, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	models, ok := l.entries[account]
	if !ok {
		return nil, false
	}
	entry, ok := models[modelID]
	if !ok {
		return nil, false
	}
	return entry.ResetTime, true
}

// AvailableModels filters candidates down to the ones not currently
// rate-limited for account, lazily clearing expired entries along the way.
func (l *Ledger) AvailableModels(account string, candidates []string, now time.Time) []string {
	available := make([]string, 0, len(candidates))
	for _, modelID := range candidates {
		if !l.IsRateLimited(account, modelID, now) {
			available = append(available, modelID)
		}
	}
	return available
}

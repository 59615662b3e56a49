package domain

import "time"

// RateLimitEntry is the ledger's per-model rate-limit flag for one account.
// A nil ResetTime means "rate-limited with unknown reset" rather than
// "not rate-limited" — callers must check IsRateLimited.
type RateLimitEntry struct {
	IsRateLimited bool
	ResetTime     *time.Time
}

// Cleared reports whether this entry should be treated as available at now,
// lazily clearing entries whose reset time has passed. It never mutates the
// receiver; callers that observe Cleared()==true are expected to drop or
// overwrite the entry.
func (e RateLimitEntry) Cleared(now time.Time) bool {
	if !e.IsRateLimited {
		return true
	}
	if e.ResetTime == nil {
		return false
	}
	return !now.Before(*e.ResetTime)
}

// Account is one OAuth identity usable against Cloud Code. The Pool is the
// only component that mutates an Account after onboarding.
type Account struct {
	Email           string
	Source          AccountSource
	RefreshToken    string
	AddedAt         time.Time
	LastUsed        time.Time
	ModelRateLimits map[string]RateLimitEntry
}

// Eligible reports whether this account can be used for API calls at all,
// independent of per-model rate-limit state: it must be an OAuth account
// with a non-empty refresh token.
func (a *Account) Eligible() bool {
	return a.Source == SourceOAuth && a.RefreshToken != ""
}

// RateLimitFor returns the account's current entry for modelID and whether
// one was recorded. It does not lazily clear; callers needing the cleared
// view should combine this with RateLimitEntry.Cleared.
func (a *Account) RateLimitFor(modelID string) (RateLimitEntry, bool) {
	if a.ModelRateLimits == nil {
		return RateLimitEntry{}, false
	}
	entry, ok := a.ModelRateLimits[modelID]
	return entry, ok
}

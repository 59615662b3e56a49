// Package burnrate implements the Burn-Rate Calculator: a pure function
// from an account's quota snapshot history to a rate, ETA, and status.
package burnrate

import (
	"time"

	"github.com/NikkeTryHard/ag-cl-sub001/internal/domain"
)

// maxReasonableRatePerHour caps the computed rate; anything beyond this is
// treated as noise rather than a real burn rate.
const maxReasonableRatePerHour = 100.0

// resetJumpThreshold is the minimum upward jump (newer - older, in
// percentage points) between adjacent snapshots that is treated as a
// quota reset rather than genuine recovery.
const resetJumpThreshold = 30.0

// minSnapshotAge is the minimum age the oldest-kept snapshot must have
// before a rate is computed; younger than this, the calculator reports
// "calculating" rather than a noisy instantaneous rate.
const minSnapshotAge = 60 * time.Second

// SnapshotWindow selects the lookback window for a burn-rate calculation:
// if resetTime is known and within 24h, it bounds the window tightly so
// the rate reflects only the current reset cycle; otherwise a flat 24h.
func SnapshotWindow(now time.Time, resetTime *time.Time) time.Duration {
	if resetTime != nil {
		if until := resetTime.Sub(now); until > 0 && until <= 24*time.Hour {
			return until + time.Millisecond
		}
	}
	return 24 * time.Hour
}

// Calculate computes a BurnRate from snapshots (must be ordered newest to
// oldest, as returned by the Quota Snapshot Store) and the current
// percentage, at time now.
func Calculate(snapshots []domain.QuotaSnapshot, currentPct float64, now time.Time) domain.BurnRate {
	filtered := filterResetJumps(snapshots)
	if len(filtered) == 0 {
		return calculating()
	}

	oldest := filtered[len(filtered)-1]
	if now.Sub(oldest.RecordedAt) <= minSnapshotAge {
		return calculating()
	}

	hours := now.Sub(oldest.RecordedAt).Hours()
	if hours <= 0 {
		return calculating()
	}
	rate := (oldest.Percentage - currentPct) / hours

	if rate > maxReasonableRatePerHour || rate < -maxReasonableRatePerHour {
		return calculating()
	}

	result := classify(rate, currentPct)
	if currentPct == 0 {
		result.Status = domain.BurnExhausted
		result.HoursToExhaustion = nil
	}
	return result
}

func classify(rate float64, currentPct float64) domain.BurnRate {
	r := rate
	switch {
	case r > 0:
		eta := currentPct / r
		return domain.BurnRate{RatePerHour: &r, HoursToExhaustion: &eta, Status: domain.BurnBurning}
	case r < 0:
		return domain.BurnRate{RatePerHour: &r, HoursToExhaustion: nil, Status: domain.BurnRecovering}
	default:
		zero := 0.0
		return domain.BurnRate{RatePerHour: &zero, HoursToExhaustion: nil, Status: domain.BurnStable}
	}
}

func calculating() domain.BurnRate {
	return domain.BurnRate{RatePerHour: nil, HoursToExhaustion: nil, Status: domain.BurnCalculating}
}

// filterResetJumps walks snapshots newest -> oldest and truncates as soon
// as an older snapshot's percentage exceeds the newer one by at least
// resetJumpThreshold points — a jump that large between adjacent readings
// means the older reading belongs to a previous reset cycle, so it (and
// everything before it) is dropped.
func filterResetJumps(snapshots []domain.QuotaSnapshot) []domain.QuotaSnapshot {
	for i := 0; i < len(snapshots)-1; i++ {
		newer := snapshots[i]
		older := snapshots[i+1]
		if older.Percentage-newer.Percentage >= resetJumpThreshold {
			return snapshots[:i+1]
		}
	}
	return snapshots
}

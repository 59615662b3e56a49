package burnrate

import (
	"testing"
	"time"

	"github.com/NikkeTryHard/ag-cl-sub001/internal/domain"
)

func snap(pct float64, at time.Time) domain.QuotaSnapshot {
	return domain.QuotaSnapshot{AccountID: "acc-1", Family: domain.FamilyClaude, Percentage: pct, RecordedAt: at}
}

func TestCalculate_Burning(t *testing.T) {
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	snapshots := []domain.QuotaSnapshot{snap(60, now.Add(-3600*time.Second))}

	got := Calculate(snapshots, 45, now)
	if got.Status != domain.BurnBurning {
		t.Fatalf("Status = %q, want burning", got.Status)
	}
	if got.RatePerHour == nil || *got.RatePerHour != 15 {
		t.Fatalf("RatePerHour = %v, want 15", got.RatePerHour)
	}
	if got.HoursToExhaustion == nil || *got.HoursToExhaustion != 3.0 {
		t.Fatalf("HoursToExhaustion = %v, want 3.0", got.HoursToExhaustion)
	}
}

func TestCalculate_ResetJumpFilter(t *testing.T) {
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	snapshots := []domain.QuotaSnapshot{
		snap(10, now),
		snap(5, now.Add(-time.Hour)),
		snap(80, now.Add(-2*time.Hour)),
	}

	filtered := filterResetJumps(snapshots)
	if len(filtered) != 1 || filtered[0].Percentage != 5 {
		t.Fatalf("filterResetJumps = %+v, want single 5%% snapshot at t-1h", filtered)
	}
}

func TestCalculate_WindowBoundary(t *testing.T) {
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)

	exactly60 := Calculate([]domain.QuotaSnapshot{snap(50, now.Add(-60*time.Second))}, 50, now)
	if exactly60.Status != domain.BurnCalculating {
		t.Fatalf("60s-old snapshot status = %q, want calculating", exactly60.Status)
	}

	past61 := Calculate([]domain.QuotaSnapshot{snap(50, now.Add(-61*time.Second))}, 45, now)
	if past61.Status == domain.BurnCalculating {
		t.Fatalf("61s-old snapshot should produce a numeric rate, got calculating")
	}
	if past61.RatePerHour == nil {
		t.Fatalf("expected a rate for 61s-old snapshot")
	}
}

func TestCalculate_NoSnapshots(t *testing.T) {
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	got := Calculate(nil, 50, now)
	if got.Status != domain.BurnCalculating {
		t.Fatalf("Status = %q, want calculating", got.Status)
	}
	if got.RatePerHour != nil || got.HoursToExhaustion != nil {
		t.Fatalf("expected nil rate/ETA when calculating")
	}
}

func TestCalculate_NoiseCap(t *testing.T) {
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	// 200 points dropped in 6 minutes implies a rate far beyond the 100%/h cap.
	snapshots := []domain.QuotaSnapshot{snap(90, now.Add(-6*time.Minute))}
	got := Calculate(snapshots, 10, now)
	if got.Status != domain.BurnCalculating {
		t.Fatalf("Status = %q, want calculating (noise cap)", got.Status)
	}
}

func TestCalculate_Stable(t *testing.T) {
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	snapshots := []domain.QuotaSnapshot{snap(50, now.Add(-2*time.Hour))}
	got := Calculate(snapshots, 50, now)
	if got.Status != domain.BurnStable {
		t.Fatalf("Status = %q, want stable", got.Status)
	}
}

func TestCalculate_Recovering(t *testing.T) {
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	snapshots := []domain.QuotaSnapshot{snap(20, now.Add(-2*time.Hour))}
	got := Calculate(snapshots, 40, now)
	if got.Status != domain.BurnRecovering {
		t.Fatalf("Status = %q, want recovering", got.Status)
	}
	if got.HoursToExhaustion != nil {
		t.Fatalf("expected nil ETA while recovering")
	}
}

func TestCalculate_ExhaustedOverridesStatus(t *testing.T) {
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	snapshots := []domain.QuotaSnapshot{snap(20, now.Add(-2*time.Hour))}
	got := Calculate(snapshots, 0, now)
	if got.Status != domain.BurnExhausted {
		t.Fatalf("Status = %q, want exhausted", got.Status)
	}
	if got.HoursToExhaustion != nil {
		t.Fatalf("expected nil ETA when exhausted")
	}
	if got.RatePerHour == nil {
		t.Fatalf("expected rate to still be computed when exhausted")
	}
}

func TestSnapshotWindow(t *testing.T) {
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)

	soon := now.Add(2 * time.Hour)
	if w := SnapshotWindow(now, &soon); w != 2*time.Hour+time.Millisecond {
		t.Errorf("SnapshotWindow(soon reset) = %v, want ~2h", w)
	}

	far := now.Add(48 * time.Hour)
	if w := SnapshotWindow(now, &far); w != 24*time.Hour {
		t.Errorf("SnapshotWindow(far reset) = %v, want 24h", w)
	}

	if w := SnapshotWindow(now, nil); w != 24*time.Hour {
		t.Errorf("SnapshotWindow(no reset) = %v, want 24h", w)
	}
}

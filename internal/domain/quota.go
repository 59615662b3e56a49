package domain

import "time"

// QuotaSnapshot is one append-only time-series point: the remaining
// percentage for an account's family at a given instant.
type QuotaSnapshot struct {
	AccountID   string
	Family      Family
	Percentage  float64
	RecordedAt  time.Time
}

// ModelQuotaInfo is a single model's quota reading as returned by
// fetchAvailableModels.
type ModelQuotaInfo struct {
	Name       string
	Percentage float64
	ResetTime  *time.Time
}

// AccountCapacity is a point-in-time snapshot of one account's tier and
// per-pool remaining quota, as last observed by refreshCapacity.
type AccountCapacity struct {
	Email           string
	Tier            Tier
	ClaudePool      float64
	GeminiProPool   float64
	GeminiFlashPool float64
	ProjectID       string
	LastUpdated     time.Time
	IsForbidden     bool
}

// RequestPlan is one concrete attempt to serve a request: a chosen account,
// an already-resolved access token and project, the model to call, and the
// 1-based attempt number within the caller-visible request.
type RequestPlan struct {
	Account   *Account
	Token     string
	ProjectID string
	ModelID   string
	Attempt   int
}

// BurnRate is a pure, never-persisted readout of quota consumption.
type BurnRate struct {
	RatePerHour       *float64
	HoursToExhaustion *float64
	Status            BurnStatus
}

// QuotaGroup is a static table entry mapping a pool key to the set of
// model IDs that share one reset timer upstream, plus the model used to
// send the group's minimal trigger request.
type QuotaGroup struct {
	Key          PoolKey
	ModelIDs     []string
	TriggerModel string
}

// QuotaGroups is the fixed set of quota groups recognized by the runtime.
// Order is stable and used wherever groups are enumerated (e.g. "all").
var QuotaGroups = []QuotaGroup{
	{
		Key:          PoolClaude,
		ModelIDs:     []string{"claude-opus-4-5", "claude-sonnet-4-5", "claude-haiku-4-5"},
		TriggerModel: "claude-haiku-4-5",
	},
	{
		Key:          PoolGeminiPro,
		ModelIDs:     []string{"gemini-2.5-pro", "gemini-3-pro"},
		TriggerModel: "gemini-2.5-pro",
	},
	{
		Key:          PoolGeminiFlash,
		ModelIDs:     []string{"gemini-2.5-flash", "gemini-3-flash"},
		TriggerModel: "gemini-2.5-flash",
	},
}

// GroupByKey returns the QuotaGroup for key, or ok=false if key names no
// known group.
func GroupByKey(key PoolKey) (QuotaGroup, bool) {
	for _, g := range QuotaGroups {
		if g.Key == key {
			return g, true
		}
	}
	return QuotaGroup{}, false
}

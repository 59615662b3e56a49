// Package domain holds the account-pool runtime's core data types: the
// shapes every other package (ledger, scheduler, pool, handlers) operates
// on. Nothing in here performs I/O.
package domain

import "strings"

// AccountSource identifies how an account's refresh token was obtained.
type AccountSource string

const (
	SourceOAuth        AccountSource = "oauth"
	SourceRefreshToken AccountSource = "refresh-token"
)

// Family partitions models into the two upstream accounting families.
type Family string

const (
	FamilyClaude Family = "claude"
	FamilyGemini Family = "gemini"
)

// PoolKey names one of the three quota pools a model belongs to.
type PoolKey string

const (
	PoolClaude       PoolKey = "claude"
	PoolGeminiPro    PoolKey = "geminiPro"
	PoolGeminiFlash  PoolKey = "geminiFlash"
	PoolUnclassified PoolKey = ""
)

// Tier is the Cloud Code account tier as reported by loadCodeAssist.
type Tier string

const (
	TierFree    Tier = "FREE"
	TierPro     Tier = "PRO"
	TierUltra   Tier = "ULTRA"
	TierUnknown Tier = "UNKNOWN"
)

// SchedulingPolicy names one of the pluggable account-selection policies.
type SchedulingPolicy string

const (
	PolicySticky          SchedulingPolicy = "sticky"
	PolicyRefreshPriority SchedulingPolicy = "refresh-priority"
	PolicyDrainHighest    SchedulingPolicy = "drain-highest"
	PolicyRoundRobin      SchedulingPolicy = "round-robin"
)

// BurnStatus is the qualitative read-out of a BurnRate calculation.
type BurnStatus string

const (
	BurnBurning     BurnStatus = "burning"
	BurnStable      BurnStatus = "stable"
	BurnRecovering  BurnStatus = "recovering"
	BurnExhausted   BurnStatus = "exhausted"
	BurnCalculating BurnStatus = "calculating"
)

// ClassifyModel partitions a model ID into exactly one pool by substring
// rule: Anthropic-family models go to claude; Gemini models are split on
// whether the name contains "pro" or "flash".
func ClassifyModel(modelID string) PoolKey {
	lower := strings.ToLower(modelID)
	switch {
	case strings.Contains(lower, "claude"):
		return PoolClaude
	case strings.Contains(lower, "gemini"):
		switch {
		case strings.Contains(lower, "pro"):
			return PoolGeminiPro
		case strings.Contains(lower, "flash"):
			return PoolGeminiFlash
		}
	}
	return PoolUnclassified
}

// FamilyOf returns the accounting family a model belongs to, for snapshot
// recording purposes (claude models aggregate differently than gemini).
func FamilyOf(modelID string) Family {
	if ClassifyModel(modelID) == PoolClaude {
		return FamilyClaude
	}
	return FamilyGemini
}

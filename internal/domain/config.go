package domain

import "time"

// AccessToken is the Token Broker's cached unit: an exchanged bearer token
// and the instant it stops being usable.
type AccessToken struct {
	Value     string
	ExpiresAt time.Time
}

// Valid reports whether the token is still usable at now, after the
// broker's safety margin has already been subtracted from ExpiresAt.
func (t AccessToken) Valid(now time.Time) bool {
	return t.Value != "" && now.Before(t.ExpiresAt)
}

// Config is the frozen, env-driven configuration snapshot the core consumes.
// It is built once at bootstrap and never mutated afterward.
type Config struct {
	SchedulingMode        SchedulingPolicy
	MaxEmptyRetries       int
	MaxAttempts           int
	FallbackEnabled       bool
	FallbackModel         string
	AutoRefresh           bool
	AutoRefreshInterval   time.Duration
	TriggerResetOnStart   bool
	TokenSafetyMargin     time.Duration
	NonStreamTimeout      time.Duration
	StreamIdleTimeout     time.Duration
	TokenExchangeTimeout  time.Duration
	ResetTriggerTimeout   time.Duration
	SnapshotStorePath     string
	SnapshotRetention     time.Duration
	CloudCodeBaseURLs     []string
	RedisL2DSN            string
	LogLevel              string
	LogToFile             bool
	LogFilePath           string
}

// ToolUseID is an opaque, stable identifier for a tool_use content block.
// The Format Translator synthesizes one whenever upstream omits it.
type ToolUseID string

// PoolSnapshot is what an external account-config loader hands the Account
// Pool at construction: the account list, the frozen settings, and which
// account index was last active.
type PoolSnapshot struct {
	Accounts    []Account
	Settings    Config
	ActiveIndex int
}

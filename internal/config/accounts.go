package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/NikkeTryHard/ag-cl-sub001/internal/domain"
)

// accountRecord mirrors one entry of the ACCOUNTS_FILE JSON array. This is
// the env-driven stand-in for the external account-config loader the core
// itself never opens (spec's on-disk config parsing is out of scope) — it
// exists only so cmd/ccpoold has something to hand the Account Pool.
type accountRecord struct {
	Email        string `json:"email"`
	Source       string `json:"source"`
	RefreshToken string `json:"refresh_token"`
	AddedAt      string `json:"added_at"`
}

// LoadSnapshot reads the account table from the file named by ACCOUNTS_FILE
// and combines it with the already-loaded Config into a domain.PoolSnapshot.
// A missing or empty ACCOUNTS_FILE yields an empty account list rather than
// an error, so the process can still start (and simply serve no accounts)
// in a degraded environment.
func LoadSnapshot(cfg domain.Config) (domain.PoolSnapshot, error) {
	path := strings.TrimSpace(os.Getenv("ACCOUNTS_FILE"))
	if path == "" {
		return domain.PoolSnapshot{Settings: cfg}, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return domain.PoolSnapshot{}, fmt.Errorf("config: read accounts file %s: %w", path, err)
	}

	var records []accountRecord
	if err := json.Unmarshal(data, &records); err != nil {
		return domain.PoolSnapshot{}, fmt.Errorf("config: parse accounts file %s: %w", path, err)
	}

	accounts := make([]domain.Account, 0, len(records))
	for _, rec := range records {
		addedAt := time.Now()
		if rec.AddedAt != "" {
			if parsed, err := time.Parse(time.RFC3339, rec.AddedAt); err == nil {
				addedAt = parsed
			}
		}
		source := domain.AccountSource(rec.Source)
		if source == "" {
			source = domain.SourceOAuth
		}
		accounts = append(accounts, domain.Account{
			Email:           rec.Email,
			Source:          source,
			RefreshToken:    rec.RefreshToken,
			AddedAt:         addedAt,
			ModelRateLimits: make(map[string]domain.RateLimitEntry),
		})
	}

	return domain.PoolSnapshot{Accounts: accounts, Settings: cfg}, nil
}

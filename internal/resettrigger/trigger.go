// Package resettrigger implements the Quota-Reset Trigger: a minimal probe
// request per quota group, sent on the group's designated trigger model,
// whose only purpose is to start that group's reset window ticking again.
package resettrigger

import (
	"context"
	"time"

	"github.com/imroc/req/v3"
	"go.uber.org/zap"

	"github.com/NikkeTryHard/ag-cl-sub001/internal/cloudcode"
	"github.com/NikkeTryHard/ag-cl-sub001/internal/domain"
	"github.com/NikkeTryHard/ag-cl-sub001/internal/logging"
)

// minimalMaxOutputTokens keeps the probe request as cheap as possible; the
// response content is never inspected, only whether one arrived.
const minimalMaxOutputTokens = 1

// Result is what a single Trigger call reports back to the caller.
type Result struct {
	SuccessCount    int
	FailureCount    int
	GroupsTriggered []domain.PoolKey
}

// Trigger sends one minimal probe per requested group.
type Trigger struct {
	http *req.Client
	log  *zap.Logger
}

func New(timeout time.Duration) *Trigger {
	return &Trigger{
		http: req.C().SetTimeout(timeout).ImpersonateChrome(),
		log:  logging.Named("quota-reset-trigger"),
	}
}

// Fire probes each group in groups (or all QuotaGroups if groups is empty)
// using accessToken/projectID. Any response, including 429, counts as
// success — the group's reset timer is already ticking by the time a
// response comes back at all. 401/403 rotates to the next fallback
// endpoint; if every endpoint fails that way, the group counts as a
// failure.
func (t *Trigger) Fire(ctx context.Context, accessToken, projectID string, groups []domain.PoolKey) Result {
	targets := groups
	if len(targets) == 0 {
		targets = make([]domain.PoolKey, 0, len(domain.QuotaGroups))
		for _, g := range domain.QuotaGroups {
			targets = append(targets, g.Key)
		}
	}

	var result Result
	for _, key := range targets {
		group, ok := domain.GroupByKey(key)
		if !ok {
			t.log.Warn("unknown quota group requested", zap.String("group", string(key)))
			result.FailureCount++
			continue
		}
		if t.fireOne(ctx, accessToken, projectID, group) {
			result.SuccessCount++
			result.GroupsTriggered = append(result.GroupsTriggered, key)
		} else {
			result.FailureCount++
		}
	}
	return result
}

func (t *Trigger) fireOne(ctx context.Context, accessToken, projectID string, group domain.QuotaGroup) bool {
	body := probeBody(projectID, group.TriggerModel)

	for _, base := range cloudcode.EndpointFallbacks {
		resp, err := t.http.R().
			SetContext(ctx).
			SetHeaders(cloudcode.Headers(accessToken)).
			SetBody(body).
			Post(cloudcode.GenerateContentURL(base))

		if err != nil {
			t.log.Warn("reset trigger network error",
				zap.String("group", string(group.Key)), zap.String("base", base), zap.Error(err))
			continue
		}
		switch resp.StatusCode {
		case 401, 403:
			t.log.Info("reset trigger auth rejected, rotating endpoint",
				zap.String("group", string(group.Key)), zap.Int("status", resp.StatusCode))
			continue
		default:
			// Any other status, 429 included, means the request landed.
			return true
		}
	}
	return false
}

func probeBody(projectID, model string) map[string]any {
	return map[string]any{
		"project": projectID,
		"model":   model,
		"request": map[string]any{
			"contents": []map[string]any{
				{"role": "user", "parts": []map[string]string{{"text": "Hi"}}},
			},
			"generationConfig": map[string]any{"maxOutputTokens": minimalMaxOutputTokens},
		},
	}
}

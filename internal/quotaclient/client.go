// Package quotaclient implements the Quota API Client: the two read-only
// Cloud Code calls the Account Pool needs to learn an account's tier and
// per-model remaining quota — loadCodeAssist and fetchAvailableModels.
package quotaclient

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/imroc/req/v3"

	"github.com/NikkeTryHard/ag-cl-sub001/internal/cloudcode"
	"github.com/NikkeTryHard/ag-cl-sub001/internal/domain"
	"github.com/NikkeTryHard/ag-cl-sub001/internal/logging"
	"github.com/NikkeTryHard/ag-cl-sub001/internal/poolerrors"
	"go.uber.org/zap"
)

// Client probes Cloud Code for tier and quota information. It performs no
// caching or retry policy of its own beyond the endpoint fallback list —
// that belongs to the Account Pool.
type Client struct {
	http       *req.Client
	streamHTTP *http.Client
	log        *zap.Logger
}

func New(timeout time.Duration) *Client {
	c := req.C().SetTimeout(timeout).ImpersonateChrome()
	return &Client{
		http:       c,
		streamHTTP: &http.Client{}, // no timeout: streaming calls are bounded by an idle timer, not a deadline
		log:        logging.Named("quota-client"),
	}
}

// LoadCodeAssist onboards/probes the account, returning its tier and
// assigned project. It walks LoadCodeAssistEndpoints in order, falling
// through on network errors and 5xx; a 401/403 is returned immediately so
// the Pool can classify it.
func (c *Client) LoadCodeAssist(ctx context.Context, accessToken string) (tier domain.Tier, projectID string, err error) {
	body := cloudcode.LoadCodeAssistRequest{Metadata: cloudcode.LoadCodeAssistMetadata{IdeType: "ANTIGRAVITY"}}

	var lastErr error
	for _, base := range cloudcode.LoadCodeAssistEndpoints {
		var out cloudcode.LoadCodeAssistResponse
		resp, reqErr := c.http.R().
			SetContext(ctx).
			SetHeaders(cloudcode.Headers(accessToken)).
			SetBody(body).
			SetSuccessResult(&out).
			Post(cloudcode.LoadCodeAssistURL(base))

		if reqErr != nil {
			lastErr = reqErr
			c.log.Warn("loadCodeAssist network error", zap.String("base", base), zap.Error(reqErr))
			continue
		}
		if !resp.IsSuccessState() {
			pe := classifyStatus(resp.StatusCode, resp.String())
			if pe.Kind == poolerrors.AuthInvalidGrant || pe.Kind == poolerrors.Forbidden {
				return domain.TierUnknown, "", pe
			}
			lastErr = pe
			continue
		}

		projectID = out.CloudAICompanionProject
		if projectID == "" {
			projectID = cloudcode.DefaultProjectID
		}
		return tierFrom(out), projectID, nil
	}
	if lastErr == nil {
		lastErr = poolerrors.New(poolerrors.Internal, "loadCodeAssist: no endpoints configured", false)
	}
	return domain.TierUnknown, "", lastErr
}

func tierFrom(resp cloudcode.LoadCodeAssistResponse) domain.Tier {
	if resp.PaidTier != nil && resp.PaidTier.ID != "" {
		return mapTier(resp.PaidTier.ID)
	}
	if resp.CurrentTier != nil && resp.CurrentTier.ID != "" {
		return mapTier(resp.CurrentTier.ID)
	}
	return domain.TierUnknown
}

func mapTier(id string) domain.Tier {
	switch strings.ToUpper(id) {
	case "FREE", "LEGACY_TIER", "STANDARD_TIER_FREE":
		return domain.TierFree
	case "PRO", "STANDARD_TIER_PRO":
		return domain.TierPro
	case "ULTRA", "STANDARD_TIER_ULTRA":
		return domain.TierUltra
	default:
		return domain.TierUnknown
	}
}

// FetchAvailableModels returns remaining quota per model. A 403 is
// classified as poolerrors.Forbidden so the Pool flags the account and
// the Scheduler stops selecting it.
func (c *Client) FetchAvailableModels(ctx context.Context, accessToken, projectID string) ([]domain.ModelQuotaInfo, error) {
	body := cloudcode.FetchAvailableModelsRequest{Project: projectID}

	var lastErr error
	for _, base := range cloudcode.EndpointFallbacks {
		var out cloudcode.FetchAvailableModelsResponse
		resp, reqErr := c.http.R().
			SetContext(ctx).
			SetHeaders(cloudcode.Headers(accessToken)).
			SetBody(body).
			SetSuccessResult(&out).
			Post(cloudcode.FetchAvailableModelsURL(base))

		if reqErr != nil {
			lastErr = reqErr
			c.log.Warn("fetchAvailableModels network error", zap.String("base", base), zap.Error(reqErr))
			continue
		}
		if !resp.IsSuccessState() {
			pe := classifyStatus(resp.StatusCode, resp.String())
			if pe.Kind == poolerrors.Forbidden || pe.Kind == poolerrors.AuthInvalidGrant {
				return nil, pe
			}
			lastErr = pe
			continue
		}
		return modelsFrom(out), nil
	}
	if lastErr == nil {
		lastErr = poolerrors.New(poolerrors.Internal, "fetchAvailableModels: no endpoints configured", false)
	}
	return nil, lastErr
}

func modelsFrom(resp cloudcode.FetchAvailableModelsResponse) []domain.ModelQuotaInfo {
	out := make([]domain.ModelQuotaInfo, 0, len(resp.Models))
	for name, entry := range resp.Models {
		info := domain.ModelQuotaInfo{Name: name}
		if entry.QuotaInfo != nil {
			if entry.QuotaInfo.RemainingFraction != nil {
				info.Percentage = *entry.QuotaInfo.RemainingFraction * 100
			}
			if entry.QuotaInfo.ResetTime != "" {
				if t, err := time.Parse(time.RFC3339, entry.QuotaInfo.ResetTime); err == nil {
					info.ResetTime = &t
				}
			}
		}
		out = append(out, info)
	}
	return out
}

// GenerateContent performs one non-streaming generateContent call against a
// single account/project/token. It walks EndpointFallbacks; 401/403 return
// immediately so the caller can decide whether to refresh the token or
// advance to the next account.
func (c *Client) GenerateContent(ctx context.Context, accessToken string, body []byte) ([]byte, error) {
	var lastErr error
	for _, base := range cloudcode.EndpointFallbacks {
		resp, reqErr := c.http.R().
			SetContext(ctx).
			SetHeaders(cloudcode.Headers(accessToken)).
			SetBodyBytes(body).
			Post(cloudcode.GenerateContentURL(base))

		if reqErr != nil {
			lastErr = reqErr
			c.log.Warn("generateContent network error", zap.String("base", base), zap.Error(reqErr))
			continue
		}
		if !resp.IsSuccessState() {
			pe := classifyStatus(resp.StatusCode, resp.String())
			if pe.Kind == poolerrors.AuthInvalidGrant || pe.Kind == poolerrors.Forbidden ||
				pe.Kind == poolerrors.AuthTransient || pe.Kind == poolerrors.QuotaExhausted {
				return nil, pe
			}
			lastErr = pe
			continue
		}
		return resp.Bytes(), nil
	}
	if lastErr == nil {
		lastErr = poolerrors.New(poolerrors.Internal, "generateContent: no endpoints configured", false)
	}
	return nil, lastErr
}

// StreamGenerateContent opens a streaming generateContent call against the
// first fallback endpoint and returns the raw response body reader. The
// caller (Streaming Handler) owns closing the reader and deciding fallback
// policy, since a stream failure's classification depends on whether any
// bytes already reached the downstream client. A plain *http.Client is used
// here, not the req/v3 client, so the body is never buffered in full before
// the caller gets a chance to stream it.
func (c *Client) StreamGenerateContent(ctx context.Context, accessToken string, body []byte) (*http.Response, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost,
		cloudcode.StreamGenerateContentURL(cloudcode.EndpointFallbacks[0]), bytes.NewReader(body))
	if err != nil {
		return nil, poolerrors.Wrap(poolerrors.Internal, false, err)
	}
	for k, v := range cloudcode.Headers(accessToken) {
		httpReq.Header.Set(k, v)
	}
	httpReq.Header.Set("Accept", "text/event-stream")

	resp, err := c.streamHTTP.Do(httpReq)
	if err != nil {
		return nil, poolerrors.Wrap(poolerrors.Upstream5xx, true, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		defer resp.Body.Close()
		bodyBytes, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
		return nil, classifyStatus(resp.StatusCode, string(bodyBytes))
	}
	return resp, nil
}

func classifyStatus(status int, body string) *poolerrors.PoolError {
	msg := fmt.Sprintf("status %d: %.300s", status, body)
	switch {
	case status == 401:
		if strings.Contains(strings.ToLower(body), "invalid_grant") {
			return poolerrors.New(poolerrors.AuthInvalidGrant, msg, false)
		}
		return poolerrors.New(poolerrors.AuthTransient, msg, true)
	case status == 403:
		return poolerrors.New(poolerrors.Forbidden, msg, false)
	case status == 429:
		return poolerrors.New(poolerrors.QuotaExhausted, msg, true)
	case status >= 500:
		return poolerrors.New(poolerrors.Upstream5xx, msg, true)
	case status >= 400:
		return poolerrors.New(poolerrors.Upstream4xxClient, msg, false)
	default:
		return poolerrors.New(poolerrors.Internal, msg, false)
	}
}

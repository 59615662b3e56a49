// Package handler implements the Message Handler (non-streaming) and the
// Streaming Handler: the two orchestration layers that turn an Anthropic
// request into one or more upstream attempts against the Account Pool,
// classify failures, and decide when to retry, advance, or fall back.
package handler

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/NikkeTryHard/ag-cl-sub001/internal/accountpool"
	"github.com/NikkeTryHard/ag-cl-sub001/internal/anthropic"
	"github.com/NikkeTryHard/ag-cl-sub001/internal/domain"
	"github.com/NikkeTryHard/ag-cl-sub001/internal/logging"
	"github.com/NikkeTryHard/ag-cl-sub001/internal/poolerrors"
	"github.com/NikkeTryHard/ag-cl-sub001/internal/translator"
)

// defaultMaxServerErrorRetries bounds how many times the Message Handler
// retries the same account on consecutive 5xx before advancing to the next
// plan.
const defaultMaxServerErrorRetries = 2

// Pool is the subset of accountpool.Pool the handlers depend on.
type Pool interface {
	NextPlan(ctx context.Context, modelID string) ([]domain.RequestPlan, error)
	RecordOutcome(plan domain.RequestPlan, outcome accountpool.Outcome, resetAt *time.Time)
	RefreshToken(ctx context.Context, plan domain.RequestPlan) (domain.RequestPlan, error)
}

// GenerateCaller is the subset of quotaclient.Client the non-streaming
// handler depends on.
type GenerateCaller interface {
	GenerateContent(ctx context.Context, accessToken string, body []byte) ([]byte, error)
}

// MessageHandler turns a non-streaming Anthropic request into one or more
// attempts against the Account Pool, retrying and falling back as needed.
type MessageHandler struct {
	pool   Pool
	client GenerateCaller
	cfg    domain.Config
	log    *zap.Logger
}

func NewMessageHandler(pool Pool, client GenerateCaller, cfg domain.Config) *MessageHandler {
	return &MessageHandler{pool: pool, client: client, cfg: cfg, log: logging.Named("message-handler")}
}

// Handle runs the full non-stream algorithm and always returns a valid
// Anthropic-shaped payload: either a MessagesResponse on success or an
// ErrorBody on exhaustion.
func (h *MessageHandler) Handle(ctx context.Context, req *anthropic.MessagesRequest, requestID string) (any, int) {
	resp, status, allFailuresWere5xx := h.attemptModel(ctx, req, req.Model, requestID)
	if status == 200 {
		return resp, status
	}

	if h.cfg.FallbackEnabled && allFailuresWere5xx && h.cfg.FallbackModel != "" && h.cfg.FallbackModel != req.Model {
		h.log.Info("falling back to configured fallback model after all-5xx exhaustion",
			zap.String("original_model", req.Model), zap.String("fallback_model", h.cfg.FallbackModel))
		fallbackResp, fallbackStatus, _ := h.attemptModel(ctx, req, h.cfg.FallbackModel, requestID)
		return fallbackResp, fallbackStatus
	}
	return resp, status
}

// attemptModel runs the plan-iteration loop for one model ID. allFailuresWere5xx
// is true only if every attempted plan's terminal classification was Upstream5xx
// (the precondition for falling back to the configured fallback model).
func (h *MessageHandler) attemptModel(ctx context.Context, req *anthropic.MessagesRequest, modelID, requestID string) (any, int, bool) {
	plans, err := h.pool.NextPlan(ctx, modelID)
	if err != nil {
		return errorBody(poolerrors.Internal, "no accounts available: "+err.Error()), 503, false
	}

	emptyRetries := 0
	maxEmptyRetries := h.cfg.MaxEmptyRetries
	if maxEmptyRetries <= 0 {
		maxEmptyRetries = 2
	}

	allWere5xx := true
	var lastErr error

planLoop:
	for _, plan := range plans {
		body, err := translator.ToCloudCode(req, plan.ProjectID, requestID)
		if err != nil {
			return errorBody(poolerrors.Internal, "translate request: "+err.Error()), 500, false
		}

		serverErrorRetries := 0
		authRetried := false
		for {
			raw, callErr := h.client.GenerateContent(ctx, plan.Token, body)
			if callErr == nil {
				resp := translator.FromCloudCode(raw, modelID, requestID)
				if len(resp.Content) == 0 {
					allWere5xx = false
					emptyRetries++
					if emptyRetries > maxEmptyRetries {
						continue planLoop
					}
					continue
				}
				h.pool.RecordOutcome(plan, accountpool.OutcomeSuccess, nil)
				return resp, 200, false
			}

			pe, ok := poolerrors.As(callErr)
			if !ok {
				allWere5xx = false
				lastErr = callErr
				continue planLoop
			}
			lastErr = pe

			switch pe.Kind {
			case poolerrors.QuotaExhausted:
				allWere5xx = false
				h.pool.RecordOutcome(plan, accountpool.OutcomeRateLimited, nil)
				continue planLoop
			case poolerrors.Upstream5xx:
				serverErrorRetries++
				if serverErrorRetries <= defaultMaxServerErrorRetries {
					continue
				}
				continue planLoop
			case poolerrors.AuthInvalidGrant, poolerrors.Forbidden, poolerrors.AuthTransient:
				allWere5xx = false
				if !authRetried {
					authRetried = true
					if refreshed, refreshErr := h.pool.RefreshToken(ctx, plan); refreshErr == nil {
						plan = refreshed
						continue
					}
				}
				h.pool.RecordOutcome(plan, accountpool.OutcomeForbidden, nil)
				continue planLoop
			default:
				allWere5xx = false
				continue planLoop
			}
		}
	}

	if lastErr == nil {
		lastErr = poolerrors.New(poolerrors.EmptyResponse, "all attempts returned empty content", false)
	}
	return errorFromPoolError(lastErr), statusFromPoolError(lastErr), allWere5xx
}

func errorBody(kind poolerrors.ErrorKind, message string) anthropic.ErrorBody {
	return anthropic.ErrorBody{Type: "error", Error: anthropic.ErrorDetail{Type: string(kind), Message: message}}
}

func errorFromPoolError(err error) anthropic.ErrorBody {
	if pe, ok := poolerrors.As(err); ok {
		return errorBody(pe.Kind, pe.Error())
	}
	return errorBody(poolerrors.Internal, err.Error())
}

func statusFromPoolError(err error) int {
	pe, ok := poolerrors.As(err)
	if !ok {
		return 500
	}
	switch pe.Kind {
	case poolerrors.QuotaExhausted:
		return 429
	case poolerrors.AuthInvalidGrant, poolerrors.Forbidden:
		return 403
	case poolerrors.Upstream5xx:
		return 502
	case poolerrors.Upstream4xxClient:
		return 400
	case poolerrors.EmptyResponse:
		return 502
	default:
		return 500
	}
}

// Package googleoauth implements the Token Broker's Exchanger: trading a
// Google OAuth refresh token for a short-lived Cloud Code access token.
package googleoauth

import (
	"context"
	"fmt"
	"time"

	"github.com/imroc/req/v3"
	"go.uber.org/zap"

	"github.com/NikkeTryHard/ag-cl-sub001/internal/clock"
	"github.com/NikkeTryHard/ag-cl-sub001/internal/domain"
	"github.com/NikkeTryHard/ag-cl-sub001/internal/logging"
	"github.com/NikkeTryHard/ag-cl-sub001/internal/poolerrors"
)

const (
	clientID     = "1071006060591-tmhssin2h21lcre235vtolojh4g403ep.apps.googleusercontent.com"
	clientSecret = "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"
)

// tokenURLOverride lets tests point Exchange at a local httptest.Server
// instead of Google's real OAuth endpoint.
var tokenURLOverride = "https://oauth2.googleapis.com/token"

type tokenResponse struct {
	AccessToken string `json:"access_token"`
	ExpiresIn   int64  `json:"expires_in"`
	TokenType   string `json:"token_type"`
}

// Exchanger performs the refresh_token grant against Google's OAuth token
// endpoint.
type Exchanger struct {
	http  *req.Client
	clock clock.Clock
	log   *zap.Logger
}

func New(timeout time.Duration, c clock.Clock) *Exchanger {
	return &Exchanger{
		http:  req.C().SetTimeout(timeout).ImpersonateChrome(),
		clock: c,
		log:   logging.Named("google-oauth-exchanger"),
	}
}

// Exchange trades refreshToken for a fresh access token. An invalid_grant
// response is classified AuthInvalidGrant so the Account Pool can flag the
// account rather than retry; any other failure is AuthTransient.
func (e *Exchanger) Exchange(ctx context.Context, refreshToken string) (domain.AccessToken, error) {
	reqBody := map[string]any{
		"grant_type":    "refresh_token",
		"refresh_token": refreshToken,
		"client_id":     clientID,
		"client_secret": clientSecret,
	}

	var out tokenResponse
	resp, err := e.http.R().
		SetContext(ctx).
		SetHeader("Content-Type", "application/json").
		SetBody(reqBody).
		SetSuccessResult(&out).
		Post(tokenURLOverride)

	if err != nil {
		e.log.Warn("token exchange network error", zap.Error(err))
		return domain.AccessToken{}, poolerrors.Wrap(poolerrors.AuthTransient, true, err)
	}
	if !resp.IsSuccessState() {
		body := resp.String()
		if resp.StatusCode == 400 || resp.StatusCode == 401 {
			return domain.AccessToken{}, poolerrors.New(poolerrors.AuthInvalidGrant,
				fmt.Sprintf("token exchange rejected: status %d: %.300s", resp.StatusCode, body), false)
		}
		return domain.AccessToken{}, poolerrors.New(poolerrors.AuthTransient,
			fmt.Sprintf("token exchange failed: status %d: %.300s", resp.StatusCode, body), true)
	}

	return domain.AccessToken{
		Value:     out.AccessToken,
		ExpiresAt: e.clock.Now().Add(time.Duration(out.ExpiresIn) * time.Second),
	}, nil
}

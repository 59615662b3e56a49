// Package cloudcode holds the wire-level constants and request/response
// shapes for talking to the Cloud Code backend: endpoint fallback lists,
// required headers, and the loadCodeAssist/fetchAvailableModels/
// generateContent/streamGenerateContent payloads.
package cloudcode

import (
	"fmt"
	"runtime"
)

const (
	EndpointDaily = "https://daily-cloudcode-pa.googleapis.com"
	EndpointProd  = "https://cloudcode-pa.googleapis.com"
)

// EndpointFallbacks is the order used for generateContent/streamGenerateContent
// and fetchAvailableModels: daily first, prod as fallback.
var EndpointFallbacks = []string{EndpointDaily, EndpointProd}

// LoadCodeAssistEndpoints is the order used for loadCodeAssist: prod first,
// since it behaves better for freshly onboarded accounts.
var LoadCodeAssistEndpoints = []string{EndpointProd, EndpointDaily}

const DefaultProjectID = "rising-fact-p41fc"

const (
	pathLoadCodeAssist       = "/v1internal:loadCodeAssist"
	pathFetchAvailableModels = "/v1internal:fetchAvailableModels"
	pathGenerateContent      = "/v1internal:generateContent"
	pathStreamGenerateContent = "/v1internal:streamGenerateContent?alt=sse"
)

func LoadCodeAssistURL(base string) string       { return base + pathLoadCodeAssist }
func FetchAvailableModelsURL(base string) string { return base + pathFetchAvailableModels }
func GenerateContentURL(base string) string      { return base + pathGenerateContent }
func StreamGenerateContentURL(base string) string { return base + pathStreamGenerateContent }

// Headers returns the fixed headers every Cloud Code request sends, plus
// the bearer token. Content-Type is added by the caller per request kind
// (JSON body vs SSE accept).
func Headers(accessToken string) map[string]string {
	return map[string]string{
		"Authorization":     "Bearer " + accessToken,
		"User-Agent":        userAgent(),
		"X-Goog-Api-Client": "google-cloud-sdk vscode_cloudshelleditor/0.1",
		"Content-Type":      "application/json",
	}
}

func userAgent() string {
	return fmt.Sprintf("antigravity/1.16.5 %s/%s", runtime.GOOS, runtime.GOARCH)
}

// LoadCodeAssistRequest is the minimal body loadCodeAssist needs.
type LoadCodeAssistRequest struct {
	Metadata LoadCodeAssistMetadata `json:"metadata"`
}

type LoadCodeAssistMetadata struct {
	IdeType string `json:"ideType"`
}

// LoadCodeAssistResponse carries only the fields the Quota API Client
// consumes: the onboarded project and the account's tier.
type LoadCodeAssistResponse struct {
	CloudAICompanionProject string `json:"cloudaicompanionProject"`
	CurrentTier             *Tier  `json:"currentTier"`
	PaidTier                *Tier  `json:"paidTier"`
}

type Tier struct {
	ID string `json:"id"`
}

// FetchAvailableModelsRequest is the minimal body fetchAvailableModels
// needs; ProjectID is optional (omitted when not yet onboarded).
type FetchAvailableModelsRequest struct {
	Project string `json:"project,omitempty"`
}

type FetchAvailableModelsResponse struct {
	Models map[string]ModelEntry `json:"models"`
}

type ModelEntry struct {
	QuotaInfo *ModelQuotaInfo `json:"quotaInfo,omitempty"`
}

type ModelQuotaInfo struct {
	RemainingFraction *float64 `json:"remainingFraction,omitempty"`
	ResetTime         string   `json:"resetTime,omitempty"`
}

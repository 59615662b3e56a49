package poolerrors

// AnthropicErrorBody is the user-visible JSON shape for a terminal failure,
// matching Anthropic's own error envelope so downstream clients parse it
// the same way they parse a real Anthropic API error.
type AnthropicErrorBody struct {
	Type  string           `json:"type"`
	Error AnthropicErrorDetail `json:"error"`
}

type AnthropicErrorDetail struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// ToAnthropicBody renders a PoolError into the Anthropic-shaped error JSON
// body returned to the caller.
func (e *PoolError) ToAnthropicBody() AnthropicErrorBody {
	return AnthropicErrorBody{
		Type: "error",
		Error: AnthropicErrorDetail{
			Type:    string(e.Kind),
			Message: e.Message,
		},
	}
}

// HTTPStatus maps an ErrorKind to the HTTP status code used when rendering
// the synthesized Anthropic error response.
func (e *PoolError) HTTPStatus() int {
	switch e.Kind {
	case QuotaExhausted:
		return 429
	case Upstream4xxClient:
		return 400
	case Forbidden:
		return 403
	case AuthInvalidGrant, AuthTransient:
		return 401
	case Canceled:
		return 499
	case Upstream5xx, Internal, EmptyResponse:
		return 502
	default:
		return 500
	}
}

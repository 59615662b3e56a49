package logging

import "strings"

var sensitiveFieldKeys = map[string]struct{}{
	"refresh_token": {},
	"refreshtoken":  {},
	"access_token":  {},
	"accesstoken":   {},
	"authorization": {},
	"token":         {},
}

// RedactField masks the value of a log field whose key names something
// token-bearing, so a refresh or access token never reaches a log sink
// even if a caller passes it in by mistake.
func RedactField(key string, value string) string {
	if _, sensitive := sensitiveFieldKeys[strings.ToLower(strings.TrimSpace(key))]; sensitive {
		return MaskToken(value)
	}
	return value
}

// MaskToken keeps a short prefix/suffix of a bearer-style token and blanks
// the rest, enough to recognize an account in a log line without being
// able to replay it.
func MaskToken(token string) string {
	if token == "" {
		return ""
	}
	const keep = 4
	if len(token) <= keep*2 {
		return "***"
	}
	return token[:keep] + "..." + token[len(token)-keep:]
}

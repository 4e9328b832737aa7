package logging

import (
	"net/url"
	"regexp"
	"strings"
)

const redacted = "***REDACTED***"

// sensitiveParams are query parameters masked before a URL is logged.
var sensitiveParams = map[string]struct{}{
	"secret":        {},
	"appsecret":     {},
	"client_secret": {},
	"access_token":  {},
	"refresh_token": {},
	"code":          {},
	"key":           {},
	"sign":          {},
}

var (
	// SecretPattern matches secret-like key/value pairs in free text.
	SecretPattern = regexp.MustCompile(`(?i)((?:app)?secret|access_token|refresh_token)([=:]\s*"?)([^\s"&,}]+)`)

	// BearerPattern matches bearer tokens.
	BearerPattern = regexp.MustCompile(`(?i)(Bearer\s+)([A-Za-z0-9\-_.]{8,})`)
)

// RedactURL masks credential-carrying query parameters in raw.
// Unparseable input is passed through RedactString instead.
func RedactURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return RedactString(raw)
	}
	query := u.Query()
	changed := false
	for name := range query {
		if _, ok := sensitiveParams[strings.ToLower(name)]; ok {
			query.Set(name, redacted)
			changed = true
		}
	}
	if !changed {
		return raw
	}
	u.RawQuery = query.Encode()
	return u.String()
}

// RedactString masks secrets and bearer tokens in free-form text.
func RedactString(s string) string {
	if s == "" {
		return s
	}
	s = SecretPattern.ReplaceAllString(s, "${1}${2}"+redacted)
	return BearerPattern.ReplaceAllString(s, "${1}"+redacted)
}

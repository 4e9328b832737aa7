package authority

import "strings"

// BuiltinIgnore lists the routes that never require authorization.
var BuiltinIgnore = []string{
	"index:index:index",
	"index:index",
	"portal:*",
	"captcha:*",
	"favicon.ico:*",
	"robots.txt:*",
	"error:404",
	"error:502",
	"404.html:*",
	"502.html:*",
}

// MatchPattern reports whether identifier matches pattern. A trailing "*"
// makes the pattern a prefix match; otherwise the match is exact. Both sides
// compare case-insensitively.
func MatchPattern(pattern, identifier string) bool {
	pattern = strings.ToLower(strings.TrimSpace(pattern))
	if pattern == "" {
		return false
	}
	identifier = strings.ToLower(identifier)
	if prefix, ok := strings.CutSuffix(pattern, "*"); ok {
		return strings.HasPrefix(identifier, prefix)
	}
	return pattern == identifier
}

// HasExclude is the default exclusion predicate.
func HasExclude(identifier string, patterns []string) bool {
	for _, p := range patterns {
		if MatchPattern(p, identifier) {
			return true
		}
	}
	return false
}

// excludedURI implements the request_uri pre-exclusion: captcha routes, the
// site root, and custom patterns appearing anywhere in the trimmed URI.
func excludedURI(requestURI string, custom []string) bool {
	if requestURI == "/" || strings.Contains(strings.ToLower(requestURI), "captcha") {
		return true
	}
	trimmed := strings.ToLower(strings.TrimRight(requestURI, "/"))
	if trimmed == "" {
		return false
	}
	for _, item := range custom {
		item = strings.ToLower(strings.TrimSpace(item))
		if item == "" || strings.HasSuffix(item, "*") {
			continue
		}
		if strings.Contains(trimmed, item) {
			return true
		}
	}
	return false
}

func mergeIgnore(custom []string) []string {
	out := make([]string, 0, len(BuiltinIgnore)+len(custom))
	out = append(out, BuiltinIgnore...)
	return append(out, custom...)
}

package api

import (
	"context"
	"strings"
	"time"

	"github.com/otherjamesbrown/ai-aas/services/auth-gateway/internal/authority"
	"github.com/otherjamesbrown/ai-aas/services/auth-gateway/internal/session"
	"github.com/otherjamesbrown/ai-aas/services/auth-gateway/internal/sso"
)

// PatternSource supplies exclusion patterns that may change at runtime.
// *config.Loader satisfies it.
type PatternSource interface {
	Patterns() []string
}

// secretFields are never copied from provider user info into the session.
var secretFields = map[string]struct{}{
	"password":      {},
	"access_token":  {},
	"refresh_token": {},
	"secret":        {},
}

// RouteApplication derives identifiers from the request path: the first
// segment is the resource and the second the action ("index" when absent).
type RouteApplication struct {
	static  []string
	dynamic PatternSource
	expire  time.Duration
	now     func() time.Time
}

var (
	_ authority.Application = (*RouteApplication)(nil)
	_ authority.Excluder    = (*RouteApplication)(nil)
)

// NewRouteApplication creates the default application. dynamic may be nil.
func NewRouteApplication(static []string, dynamic PatternSource, expire time.Duration) *RouteApplication {
	return &RouteApplication{
		static:  static,
		dynamic: dynamic,
		expire:  expire,
		now:     time.Now,
	}
}

// Identifier maps /blog/view/12 to blog:view and /blog to blog:index.
func (a *RouteApplication) Identifier(req authority.RequestContext) string {
	path := strings.Trim(req.Server("document_uri"), "/")
	if path == "" {
		return ""
	}
	segments := strings.Split(path, "/")
	if len(segments) == 1 {
		return segments[0] + ":index"
	}
	return segments[0] + ":" + segments[1]
}

// Ignore merges the static patterns with the current dynamic ones.
func (a *RouteApplication) Ignore() []string {
	out := append([]string(nil), a.static...)
	if a.dynamic != nil {
		out = append(out, a.dynamic.Patterns()...)
	}
	return out
}

// HasExclude additionally excludes captcha routes and identifiers that still
// carry a path separator.
func (a *RouteApplication) HasExclude(identifier string, patterns []string) bool {
	if strings.Contains(identifier, "captcha") || strings.Contains(identifier, "/") {
		return true
	}
	return authority.HasExclude(identifier, patterns)
}

// OnAuthorized copies the provider identity into the session. A base login
// sets the login flags and expiry; a union login stores the union grant,
// taken from the "union" field when the provider nests it.
func (a *RouteApplication) OnAuthorized(_ context.Context, _ authority.RequestContext, sess session.Session, scope string, info sso.UserInfo) error {
	if scope == sso.ScopeUnion {
		union, ok := info["union"].(map[string]any)
		if !ok {
			union = map[string]any(info)
		}
		sess.Set(session.FieldUnion, withoutSecrets(union))
		return nil
	}

	for k, v := range withoutSecrets(info) {
		if k == session.FieldUnion {
			continue
		}
		sess.Set(k, v)
	}
	sess.Set(session.FieldLogin, 1)
	sess.Set(session.FieldIsLogin, 1)
	sess.Set(session.FieldExpireTime, a.now().Add(a.expire).Unix())
	sess.Delete("password")
	return nil
}

func withoutSecrets(in map[string]any) map[string]any {
	out := make(map[string]any, len(in))
	for k, v := range in {
		if _, secret := secretFields[strings.ToLower(k)]; secret {
			continue
		}
		out[k] = v
	}
	return out
}

// Package authority implements the per-request authorization decision.
//
// Purpose:
//   Sequence channel resolution, login, union grant and method-level access
//   checks into one Verdict for the current request. The engine is
//   parameterized by an Application supplied by the host integration and
//   never renders responses itself.
//
// Dependencies:
//   - internal/channel: channel and access grant resolution
//   - internal/sso: delegated login when a session is not authenticated
//   - internal/session: identity predicates over the requester's session
//   - go.uber.org/zap, go.opentelemetry.io/otel: step logging and tracing
//
// Key Responsibilities:
//   - Exclusion of captcha, root, built-in and custom routes
//   - Visibility classification (public, default, everything else)
//   - Login and union enforcement with SSO redirect propagation
//   - Method-level grant enforcement with the admin/tester bypass
//   - Mapping data-access faults to 500 verdicts
//
package authority

import (
	"context"

	"github.com/otherjamesbrown/ai-aas/services/auth-gateway/internal/channel"
	"github.com/otherjamesbrown/ai-aas/services/auth-gateway/internal/session"
	"github.com/otherjamesbrown/ai-aas/services/auth-gateway/internal/sso"
)

// RequestContext is the engine's view of the inbound request.
type RequestContext interface {
	Method() string
	IsAjax() bool
	IsPjax() bool
	IsGet() bool
	// URL returns the request URL, including scheme and host when absolute is set.
	URL(absolute bool) string
	// Server returns a server variable: request_uri, document_uri,
	// remote_addr or http_user_agent.
	Server(key string) string
	HasQuery(name string) bool
	Query(name string) string
	// SessionID identifies the requester's session; it partitions the SSO token cache.
	SessionID() string
}

// Application supplies the route-specific pieces of a decision.
type Application interface {
	// Identifier returns the resource:action name of the current route.
	Identifier(req RequestContext) string
	// Ignore returns custom exclusion patterns, merged with the built-ins.
	Ignore() []string
	// OnAuthorized persists a freshly obtained identity into the session.
	// scope is sso.ScopeBase for login and sso.ScopeUnion for union grants.
	OnAuthorized(ctx context.Context, req RequestContext, sess session.Session, scope string, info sso.UserInfo) error
}

// Excluder overrides the default exclusion predicate.
type Excluder interface {
	HasExclude(identifier string, patterns []string) bool
}

// OpenIDHook sees every openid before OnAuthorized. Returning false rejects the login.
type OpenIDHook interface {
	OnOpenID(ctx context.Context, openid string) bool
}

// Initializer runs before the decision sequence.
type Initializer interface {
	Initialize(ctx context.Context, req RequestContext) error
}

// Finalizer observes every verdict the engine returns.
type Finalizer interface {
	Finalize(ctx context.Context, req RequestContext, v Verdict)
}

// Resolver is the subset of channel.Resolver the engine uses.
type Resolver interface {
	ResolveChannelByIdentifier(ctx context.Context, appID, poolID int64, identifier string, useCache bool) (*channel.Channel, error)
	ResolveChannelByURL(ctx context.Context, appID int64, url string, useCache bool) (*channel.Channel, error)
	ResolveAccess(ctx context.Context, appID, poolID, channelID, roleID int64, useCache bool) (*channel.AccessGrant, error)
	ReportUnresolved(ctx context.Context, identifier, url string, err error)
}

// Authenticator runs one step of the SSO exchange. *sso.Registry satisfies it.
type Authenticator interface {
	Authorize(ctx context.Context, userAgent string, req sso.AuthorizeRequest) sso.Result
}

var (
	_ Resolver      = (*channel.Resolver)(nil)
	_ Authenticator = (*sso.Registry)(nil)
)

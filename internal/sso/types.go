// Package sso implements delegated login against OAuth2-style identity providers.
//
// Purpose:
//   Drive the redirect-based exchange get-code -> access-token -> user-info
//   (-> optional verify) against a generic SSO host, WeChat, Alipay or
//   DingTalk. Exchange state lives in the request's query parameters, so the
//   same Client handles every step of every login.
//
// Dependencies:
//   - internal/cache: access token cache
//   - golang.org/x/oauth2: DingTalk authorization URLs and token conversion
//   - github.com/google/uuid: state nonces
//   - go.uber.org/zap: logging with credential redaction
//
// Key Responsibilities:
//   - Compose the exchange into a single Authorize call
//   - Distinguish provider-reported errors from transport failures
//   - Restart at get-code when a provider rejects a code as invalid or used
//   - Select a provider driver from the client user agent and enable flags
//
package sso

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"golang.org/x/oauth2"
)

// Scopes understood by every driver. Drivers translate them to provider scopes.
const (
	ScopeBase     = "auth_base"
	ScopeUserInfo = "auth_userinfo"
	ScopeUnion    = "auth_union"
)

var (
	// ErrInvalidCode means the provider rejected the authorization code; restart at get-code.
	ErrInvalidCode = errors.New("sso: invalid or used authorization code")
	// ErrIncomplete means a provider response lacked a required field.
	ErrIncomplete = errors.New("sso: incomplete provider response")
	// ErrMissingCredentials means appid/secret or the code were not supplied.
	ErrMissingCredentials = errors.New("sso: missing credentials")
)

// ProviderError is an explicit error reported by the identity provider, as
// opposed to a transport failure.
type ProviderError struct {
	Provider Provider
	Code     string
	Message  string
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("%s: provider error %s: %s", e.Provider, e.Code, e.Message)
}

// Credentials identify the relying application at a provider. Secret holds
// the RSA private key for Alipay.
type Credentials struct {
	AppID     string
	Secret    string
	PublicKey string
}

// Token is the access token issued by a provider.
type Token struct {
	AccessToken  string `json:"access_token"`
	OpenID       string `json:"openid"`
	RefreshToken string `json:"refresh_token,omitempty"`
	ExpiresIn    int64  `json:"expires_in,omitempty"`
	Scope        string `json:"scope,omitempty"`
	UnionID      string `json:"unionid,omitempty"`
	// Extra holds provider fields outside the standard set, such as the
	// generic host's local identity (uid, gid).
	Extra map[string]any `json:"extra,omitempty"`
}

// Valid reports whether both the access token and openid are present.
func (t *Token) Valid() bool {
	return t != nil && t.AccessToken != "" && t.OpenID != ""
}

// TTL is how long the token may be cached. Unknown lifetimes default to two hours.
func (t *Token) TTL() time.Duration {
	if t == nil || t.ExpiresIn <= 0 {
		return 2 * time.Hour
	}
	ttl := time.Duration(t.ExpiresIn) * time.Second
	// leave headroom so a cached token is not handed out as it expires
	if ttl > time.Minute {
		ttl -= time.Minute
	}
	return ttl
}

// OAuth2 converts the token for use with golang.org/x/oauth2 transports.
func (t *Token) OAuth2(issued time.Time) *oauth2.Token {
	tok := &oauth2.Token{
		AccessToken:  t.AccessToken,
		TokenType:    "Bearer",
		RefreshToken: t.RefreshToken,
	}
	if t.ExpiresIn > 0 {
		tok.Expiry = issued.Add(time.Duration(t.ExpiresIn) * time.Second)
	}
	return tok.WithExtra(map[string]any{"openid": t.OpenID, "scope": t.Scope})
}

// UserInfo converts the token into the identity map returned for base-scope logins.
func (t *Token) UserInfo() UserInfo {
	info := make(UserInfo, len(t.Extra)+6)
	for k, v := range t.Extra {
		info[k] = v
	}
	info["openid"] = t.OpenID
	info["access_token"] = t.AccessToken
	if t.RefreshToken != "" {
		info["refresh_token"] = t.RefreshToken
	}
	if t.ExpiresIn > 0 {
		info["expires_in"] = t.ExpiresIn
	}
	if t.Scope != "" {
		info["scope"] = t.Scope
	}
	if t.UnionID != "" {
		info["unionid"] = t.UnionID
	}
	return info
}

// UserInfo is the identity payload returned by a provider.
type UserInfo map[string]any

// String returns the field as a string, or "".
func (u UserInfo) String(key string) string {
	switch v := u[key].(type) {
	case string:
		return v
	case nil:
		return ""
	default:
		return strings.TrimSpace(fmt.Sprint(v))
	}
}

// OpenID returns the provider user id.
func (u UserInfo) OpenID() string {
	return u.String("openid")
}

// Params exposes the inbound request's query parameters.
type Params interface {
	HasQuery(name string) bool
	Query(name string) string
}

// AuthorizeRequest carries everything one Authorize step needs. Empty AppID
// and Secret fall back to the client's configured credentials.
type AuthorizeRequest struct {
	AppID        string
	Secret       string
	RedirectURI  string
	ResponseType string
	Scope        string
	State        string
	Lang         string
	// Partition scopes the token cache to one requester, usually the session id.
	Partition string
	Params    Params
}

// Outcome classifies an Authorize result.
type Outcome int

const (
	// OutcomeFailed means no identity was obtained.
	OutcomeFailed Outcome = iota
	// OutcomeRedirect means the caller must redirect to RedirectURL.
	OutcomeRedirect
	// OutcomeIdentity means UserInfo is populated.
	OutcomeIdentity
)

func (o Outcome) String() string {
	switch o {
	case OutcomeRedirect:
		return "redirect"
	case OutcomeIdentity:
		return "identity"
	default:
		return "failed"
	}
}

// Result is the outcome of one Authorize call.
type Result struct {
	Outcome      Outcome
	RedirectURL  string
	RedirectCode int
	Token        *Token
	UserInfo     UserInfo
	Err          error
}

package sso

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"net/url"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"

	"github.com/otherjamesbrown/ai-aas/services/auth-gateway/internal/cache"
	"github.com/otherjamesbrown/ai-aas/services/auth-gateway/internal/telemetry"
)

// Driver speaks one provider's wire protocol.
type Driver interface {
	Provider() Provider
	// CodeParam is the query parameter carrying the authorization code on callback.
	CodeParam() string
	AuthCodeURL(creds Credentials, redirectURI, responseType, scope, state string) string
	ExchangeCode(ctx context.Context, creds Credentials, code string) (*Token, error)
	RefreshToken(ctx context.Context, creds Credentials, refreshToken string) (*Token, error)
	UserInfo(ctx context.Context, creds Credentials, token *Token, lang string) (UserInfo, error)
	VerifyToken(ctx context.Context, creds Credentials, token *Token) (bool, error)
}

// Client runs the exchange against one driver. It is immutable after
// construction and safe for concurrent use.
type Client struct {
	driver Driver
	creds  Credentials
	cache  cache.Cache
	logger *zap.Logger
}

// NewClient creates a client. c may be nil to disable token caching.
func NewClient(driver Driver, creds Credentials, c cache.Cache, logger *zap.Logger) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		driver: driver,
		creds:  creds,
		cache:  c,
		logger: logger.With(zap.String("provider", string(driver.Provider()))),
	}
}

// Provider returns the driver's provider.
func (c *Client) Provider() Provider {
	return c.driver.Provider()
}

// CodeParam returns the callback query parameter that carries the code.
func (c *Client) CodeParam() string {
	return c.driver.CodeParam()
}

// NewState returns a random CSRF nonce.
func NewState() string {
	return uuid.NewString()
}

func (c *Client) credentials(appID, secret string) Credentials {
	creds := c.creds
	if appID != "" {
		creds.AppID = appID
	}
	if secret != "" {
		creds.Secret = secret
	}
	return creds
}

// GetCode builds the provider authorization URL and returns it as a redirect.
func (c *Client) GetCode(appID, redirectURI, responseType, scope, state string) Result {
	if responseType == "" {
		responseType = "code"
	}
	if scope == "" {
		scope = ScopeBase
	}
	if state == "" {
		state = NewState()
	}
	target := c.driver.AuthCodeURL(c.credentials(appID, ""), redirectURI, responseType, scope, state)
	c.logger.Debug("redirecting to provider for authorization code", zap.String("scope", scope))
	telemetry.RecordSSOStep(string(c.Provider()), "code", true)
	return Result{Outcome: OutcomeRedirect, RedirectURL: target, RedirectCode: http.StatusSeeOther}
}

// TokenCacheKey partitions cached tokens by provider, application, secret and requester.
func TokenCacheKey(p Provider, appID, secret, partition string) string {
	sum := sha256.Sum256([]byte(secret))
	key := fmt.Sprintf("sso:access_token:%s:appid:%s:secret:%s", p, appID, hex.EncodeToString(sum[:8]))
	if partition != "" {
		key += ":session:" + partition
	}
	return key
}

// GetAccessToken exchanges code for a token, serving a cached token first when useCache is set.
func (c *Client) GetAccessToken(ctx context.Context, appID, secret, code string, useCache bool, partition string) (*Token, error) {
	creds := c.credentials(appID, secret)
	if creds.AppID == "" || creds.Secret == "" {
		return nil, ErrMissingCredentials
	}

	key := TokenCacheKey(c.Provider(), creds.AppID, creds.Secret, partition)
	if useCache && c.cache != nil {
		var cached Token
		found, err := c.cache.Get(ctx, key, &cached)
		if err != nil {
			c.logger.Warn("token cache read failed", zap.Error(err))
		} else if found && cached.Valid() {
			return &cached, nil
		}
	}

	if code == "" {
		return nil, fmt.Errorf("%w: empty authorization code", ErrMissingCredentials)
	}

	ctx, span := otel.Tracer(telemetry.TracerName).Start(ctx, "sso.exchange_code")
	span.SetAttributes(attribute.String("sso.provider", string(c.Provider())))
	defer span.End()

	token, err := c.driver.ExchangeCode(ctx, creds, code)
	if err == nil && !token.Valid() {
		err = fmt.Errorf("%w: token missing access_token or openid", ErrIncomplete)
	}
	telemetry.RecordSSOStep(string(c.Provider()), "token", err == nil)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "exchange failed")
		c.logger.Error("access token exchange failed", zap.Error(err))
		return nil, err
	}

	if c.cache != nil {
		if err := c.cache.Set(ctx, key, token, token.TTL()); err != nil {
			c.logger.Warn("token cache write failed", zap.Error(err))
		}
	}
	return token, nil
}

// RefreshToken renews an access token.
func (c *Client) RefreshToken(ctx context.Context, appID, refreshToken string) (*Token, error) {
	creds := c.credentials(appID, "")
	if creds.AppID == "" || refreshToken == "" {
		return nil, ErrMissingCredentials
	}
	token, err := c.driver.RefreshToken(ctx, creds, refreshToken)
	if err == nil && (token == nil || token.AccessToken == "") {
		err = fmt.Errorf("%w: refreshed token missing access_token", ErrIncomplete)
	}
	telemetry.RecordSSOStep(string(c.Provider()), "refresh", err == nil)
	if err != nil {
		c.logger.Error("token refresh failed", zap.Error(err))
		return nil, err
	}
	return token, nil
}

// ambientToken re-derives credentials from the inbound request when a caller
// supplied none. This hides caller mistakes, so it always logs a warning.
func (c *Client) ambientToken(ctx context.Context, accessToken, openID string, ambient Params, op string) (string, string) {
	if accessToken != "" && openID != "" {
		return accessToken, openID
	}
	c.logger.Warn("missing credentials, re-deriving from request parameters",
		zap.String("operation", op),
		zap.Bool("access_token_missing", accessToken == ""),
		zap.Bool("openid_missing", openID == ""),
	)
	if ambient == nil {
		return accessToken, openID
	}
	token, err := c.GetAccessToken(ctx, "", "", ambient.Query(c.CodeParam()), true, "")
	if err != nil {
		return accessToken, openID
	}
	if accessToken == "" {
		accessToken = token.AccessToken
	}
	if openID == "" {
		openID = token.OpenID
	}
	return accessToken, openID
}

// GetUserInfo fetches the identity behind a token.
func (c *Client) GetUserInfo(ctx context.Context, accessToken, openID, lang string, ambient Params) (UserInfo, error) {
	accessToken, openID = c.ambientToken(ctx, accessToken, openID, ambient, "userinfo")
	if accessToken == "" || openID == "" {
		telemetry.RecordSSOStep(string(c.Provider()), "userinfo", false)
		return nil, ErrMissingCredentials
	}

	ctx, span := otel.Tracer(telemetry.TracerName).Start(ctx, "sso.userinfo")
	span.SetAttributes(attribute.String("sso.provider", string(c.Provider())))
	defer span.End()

	info, err := c.driver.UserInfo(ctx, c.creds, &Token{AccessToken: accessToken, OpenID: openID}, lang)
	if err == nil && info.OpenID() == "" {
		err = fmt.Errorf("%w: user info missing openid", ErrIncomplete)
	}
	telemetry.RecordSSOStep(string(c.Provider()), "userinfo", err == nil)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "userinfo failed")
		c.logger.Error("user info fetch failed", zap.Error(err))
		return nil, err
	}
	return info, nil
}

// VerifyToken reports whether a token is still live at the provider.
func (c *Client) VerifyToken(ctx context.Context, accessToken, openID string, ambient Params) bool {
	accessToken, openID = c.ambientToken(ctx, accessToken, openID, ambient, "verify")
	if accessToken == "" || openID == "" {
		telemetry.RecordSSOStep(string(c.Provider()), "verify", false)
		return false
	}
	ok, err := c.driver.VerifyToken(ctx, c.creds, &Token{AccessToken: accessToken, OpenID: openID})
	telemetry.RecordSSOStep(string(c.Provider()), "verify", err == nil && ok)
	if err != nil {
		c.logger.Warn("token verification failed", zap.Error(err))
		return false
	}
	return ok
}

// Authorize is the composed entry point: it redirects for a code when none is
// present, otherwise exchanges the code and, unless scope is ScopeBase,
// fetches user info.
func (c *Client) Authorize(ctx context.Context, req AuthorizeRequest) Result {
	scope := req.Scope
	if scope == "" {
		scope = ScopeBase
	}

	if req.Params == nil || !req.Params.HasQuery(c.CodeParam()) {
		return c.GetCode(req.AppID, req.RedirectURI, req.ResponseType, scope, req.State)
	}

	token, err := c.GetAccessToken(ctx, req.AppID, req.Secret, req.Params.Query(c.CodeParam()), true, req.Partition)
	if err != nil {
		if errors.Is(err, ErrInvalidCode) {
			c.logger.Info("provider rejected authorization code, requesting a new one")
			return c.GetCode(req.AppID, StripCallbackParams(req.RedirectURI), req.ResponseType, scope, "")
		}
		return Result{Outcome: OutcomeFailed, Err: err}
	}

	if scope == ScopeBase {
		return Result{Outcome: OutcomeIdentity, Token: token, UserInfo: token.UserInfo()}
	}

	info, err := c.GetUserInfo(ctx, token.AccessToken, token.OpenID, req.Lang, req.Params)
	if err != nil {
		return Result{Outcome: OutcomeFailed, Token: token, Err: err}
	}
	return Result{Outcome: OutcomeIdentity, Token: token, UserInfo: info}
}

// callbackParams are the query parameters providers append on callback.
var callbackParams = []string{"code", "state", "auth_code", "authCode"}

// StripCallbackParams removes provider callback parameters from rawURL so a
// restarted exchange does not replay a rejected code.
func StripCallbackParams(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return rawURL
	}
	q := u.Query()
	for _, p := range callbackParams {
		q.Del(p)
	}
	u.RawQuery = q.Encode()
	return u.String()
}

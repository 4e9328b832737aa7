package sso

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
)

// Host error codes that mean the code cannot be redeemed.
var hostInvalidCodes = map[string]bool{
	"40029": true, // invalid code
	"40163": true, // code been used
}

// HostDriver talks to the organization's own SSO host.
//
//	{host}{path}/authorize | access_token | refresh_token | userinfo | verify_token
//
// Responses use the {code, data, msg} envelope with code 200 for success.
type HostDriver struct {
	base string
	http transport
}

// NewHostDriver creates the generic host driver. path defaults to /auth/oauth2.
func NewHostDriver(host, path string, timeout time.Duration, logger *zap.Logger) *HostDriver {
	if path == "" {
		path = "/auth/oauth2"
	}
	return &HostDriver{
		base: strings.TrimRight(host, "/") + "/" + strings.Trim(path, "/"),
		http: newTransport(timeout, logger),
	}
}

type hostEnvelope struct {
	Code   json.Number     `json:"code"`
	Status string          `json:"status"`
	Msg    string          `json:"msg"`
	Data   json.RawMessage `json:"data"`
}

func (e *hostEnvelope) ok() bool {
	return e.Code.String() == "200"
}

func (e *hostEnvelope) err() error {
	perr := &ProviderError{Provider: Generic, Code: e.Code.String(), Message: e.Msg}
	if hostInvalidCodes[e.Code.String()] {
		return fmt.Errorf("%w: %w", ErrInvalidCode, perr)
	}
	return perr
}

func (d *HostDriver) Provider() Provider { return Generic }

func (d *HostDriver) CodeParam() string { return "code" }

func (d *HostDriver) AuthCodeURL(creds Credentials, redirectURI, responseType, scope, state string) string {
	params := url.Values{}
	params.Set("appid", creds.AppID)
	params.Set("redirect_uri", redirectURI)
	params.Set("response_type", responseType)
	params.Set("scope", scope)
	params.Set("access_type", "offline")
	params.Set("view", "authorize")
	params.Set("state", state)
	return withQuery(d.base+"/authorize", params) + "#auth_redirect"
}

func (d *HostDriver) ExchangeCode(ctx context.Context, creds Credentials, code string) (*Token, error) {
	params := url.Values{}
	params.Set("appid", creds.AppID)
	params.Set("secret", creds.Secret)
	params.Set("code", code)
	params.Set("grant_type", "authorization_code")

	var env hostEnvelope
	if err := d.http.getJSON(ctx, withQuery(d.base+"/access_token", params), nil, &env); err != nil {
		return nil, fmt.Errorf("exchange code: %w", err)
	}
	if !env.ok() {
		return nil, env.err()
	}
	return decodeHostToken(env.Data)
}

func (d *HostDriver) RefreshToken(ctx context.Context, creds Credentials, refreshToken string) (*Token, error) {
	params := url.Values{}
	params.Set("appid", creds.AppID)
	params.Set("grant_type", "refresh_token")
	params.Set("refresh_token", refreshToken)

	var raw json.RawMessage
	if err := d.http.getJSON(ctx, withQuery(d.base+"/refresh_token", params), nil, &raw); err != nil {
		return nil, fmt.Errorf("refresh token: %w", err)
	}
	// The host answers either with the envelope or with a bare token.
	var env hostEnvelope
	if err := json.Unmarshal(raw, &env); err == nil && env.Code != "" {
		if !env.ok() {
			return nil, &ProviderError{Provider: Generic, Code: env.Code.String(), Message: env.Msg}
		}
		raw = env.Data
	}
	token, err := decodeHostToken(raw)
	if err != nil {
		return nil, err
	}
	if token.RefreshToken == "" {
		return nil, fmt.Errorf("%w: refresh response missing refresh_token", ErrIncomplete)
	}
	return token, nil
}

func (d *HostDriver) UserInfo(ctx context.Context, _ Credentials, token *Token, lang string) (UserInfo, error) {
	if lang == "" {
		lang = "zh_CN"
	}
	params := url.Values{}
	params.Set("access_token", token.AccessToken)
	params.Set("openid", token.OpenID)
	params.Set("lang", lang)

	var env hostEnvelope
	if err := d.http.getJSON(ctx, withQuery(d.base+"/userinfo", params), nil, &env); err != nil {
		return nil, fmt.Errorf("fetch userinfo: %w", err)
	}
	if !env.ok() {
		return nil, &ProviderError{Provider: Generic, Code: env.Code.String(), Message: env.Msg}
	}
	var info UserInfo
	if err := json.Unmarshal(env.Data, &info); err != nil || len(info) == 0 {
		return nil, fmt.Errorf("%w: empty userinfo", ErrIncomplete)
	}
	for _, field := range []string{"openid", "nickname"} {
		if info.String(field) == "" {
			return nil, fmt.Errorf("%w: userinfo missing %s", ErrIncomplete, field)
		}
	}
	return info, nil
}

func (d *HostDriver) VerifyToken(ctx context.Context, _ Credentials, token *Token) (bool, error) {
	params := url.Values{}
	params.Set("access_token", token.AccessToken)
	params.Set("openid", token.OpenID)

	var resp struct {
		ErrCode *int        `json:"errcode"`
		Code    json.Number `json:"code"`
	}
	if err := d.http.getJSON(ctx, withQuery(d.base+"/verify_token", params), nil, &resp); err != nil {
		return false, fmt.Errorf("verify token: %w", err)
	}
	if resp.ErrCode != nil {
		return *resp.ErrCode == 0, nil
	}
	return resp.Code.String() == "200", nil
}

// hostTokenFields are decoded into Token; anything else the host sends is
// kept in Token.Extra.
var hostTokenFields = []string{"access_token", "openid", "refresh_token", "expires_in", "scope", "unionid"}

// hostToken tolerates numeric or string expires_in.
type hostToken struct {
	AccessToken  string      `json:"access_token"`
	OpenID       string      `json:"openid"`
	RefreshToken string      `json:"refresh_token"`
	ExpiresIn    json.Number `json:"expires_in"`
	Scope        string      `json:"scope"`
	UnionID      string      `json:"unionid"`
}

func decodeHostToken(raw json.RawMessage) (*Token, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return nil, fmt.Errorf("%w: empty token", ErrIncomplete)
	}
	var ht hostToken
	if err := json.Unmarshal(raw, &ht); err != nil {
		return nil, fmt.Errorf("decode token: %w", err)
	}
	var extra map[string]any
	if err := json.Unmarshal(raw, &extra); err != nil {
		return nil, fmt.Errorf("decode token: %w", err)
	}
	for _, field := range hostTokenFields {
		delete(extra, field)
	}
	if len(extra) == 0 {
		extra = nil
	}
	expires, _ := strconv.ParseInt(ht.ExpiresIn.String(), 10, 64)
	return &Token{
		AccessToken:  ht.AccessToken,
		OpenID:       ht.OpenID,
		RefreshToken: ht.RefreshToken,
		ExpiresIn:    expires,
		Scope:        ht.Scope,
		UnionID:      ht.UnionID,
		Extra:        extra,
	}, nil
}

package sso

import (
	"context"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
)

const (
	wechatAuthorizeURL = "https://open.weixin.qq.com/connect/oauth2/authorize"
	wechatAPIURL       = "https://api.weixin.qq.com"
)

// WeChat error codes that mean the code cannot be redeemed.
var wechatInvalidCodes = map[int]bool{
	40029: true, // invalid code
	40163: true, // code been used
}

// WeChatDriver implements the WeChat official-account web authorization flow.
type WeChatDriver struct {
	authorizeURL string
	apiURL       string
	http         transport
}

// NewWeChatDriver creates a WeChat driver. Empty URLs use the public endpoints.
func NewWeChatDriver(authorizeURL, apiURL string, timeout time.Duration, logger *zap.Logger) *WeChatDriver {
	if authorizeURL == "" {
		authorizeURL = wechatAuthorizeURL
	}
	if apiURL == "" {
		apiURL = wechatAPIURL
	}
	return &WeChatDriver{
		authorizeURL: authorizeURL,
		apiURL:       strings.TrimRight(apiURL, "/"),
		http:         newTransport(timeout, logger),
	}
}

type wechatError struct {
	ErrCode int    `json:"errcode"`
	ErrMsg  string `json:"errmsg"`
}

func (e wechatError) err() error {
	if e.ErrCode == 0 {
		return nil
	}
	perr := &ProviderError{Provider: WeChat, Code: strconv.Itoa(e.ErrCode), Message: e.ErrMsg}
	if wechatInvalidCodes[e.ErrCode] {
		return fmt.Errorf("%w: %w", ErrInvalidCode, perr)
	}
	return perr
}

type wechatToken struct {
	wechatError
	AccessToken  string `json:"access_token"`
	ExpiresIn    int64  `json:"expires_in"`
	RefreshToken string `json:"refresh_token"`
	OpenID       string `json:"openid"`
	Scope        string `json:"scope"`
	UnionID      string `json:"unionid"`
}

func (t wechatToken) token() *Token {
	return &Token{
		AccessToken:  t.AccessToken,
		OpenID:       t.OpenID,
		RefreshToken: t.RefreshToken,
		ExpiresIn:    t.ExpiresIn,
		Scope:        t.Scope,
		UnionID:      t.UnionID,
	}
}

func (d *WeChatDriver) Provider() Provider { return WeChat }

func (d *WeChatDriver) CodeParam() string { return "code" }

// wechatScope maps gateway scopes to snsapi scopes.
func wechatScope(scope string) string {
	if scope == ScopeBase || scope == "snsapi_base" {
		return "snsapi_base"
	}
	return "snsapi_userinfo"
}

func (d *WeChatDriver) AuthCodeURL(creds Credentials, redirectURI, responseType, scope, state string) string {
	// WeChat requires this exact parameter order.
	var b strings.Builder
	b.WriteString(d.authorizeURL)
	b.WriteString("?appid=" + url.QueryEscape(creds.AppID))
	b.WriteString("&redirect_uri=" + url.QueryEscape(redirectURI))
	b.WriteString("&response_type=" + url.QueryEscape(responseType))
	b.WriteString("&scope=" + wechatScope(scope))
	b.WriteString("&state=" + url.QueryEscape(state))
	b.WriteString("#wechat_redirect")
	return b.String()
}

func (d *WeChatDriver) ExchangeCode(ctx context.Context, creds Credentials, code string) (*Token, error) {
	params := url.Values{}
	params.Set("appid", creds.AppID)
	params.Set("secret", creds.Secret)
	params.Set("code", code)
	params.Set("grant_type", "authorization_code")

	var resp wechatToken
	if err := d.http.getJSON(ctx, withQuery(d.apiURL+"/sns/oauth2/access_token", params), nil, &resp); err != nil {
		return nil, fmt.Errorf("exchange code: %w", err)
	}
	if err := resp.err(); err != nil {
		return nil, err
	}
	return resp.token(), nil
}

func (d *WeChatDriver) RefreshToken(ctx context.Context, creds Credentials, refreshToken string) (*Token, error) {
	params := url.Values{}
	params.Set("appid", creds.AppID)
	params.Set("grant_type", "refresh_token")
	params.Set("refresh_token", refreshToken)

	var resp wechatToken
	if err := d.http.getJSON(ctx, withQuery(d.apiURL+"/sns/oauth2/refresh_token", params), nil, &resp); err != nil {
		return nil, fmt.Errorf("refresh token: %w", err)
	}
	if err := resp.err(); err != nil {
		return nil, err
	}
	if resp.AccessToken == "" || resp.RefreshToken == "" {
		return nil, fmt.Errorf("%w: refresh response missing tokens", ErrIncomplete)
	}
	return resp.token(), nil
}

func (d *WeChatDriver) UserInfo(ctx context.Context, _ Credentials, token *Token, lang string) (UserInfo, error) {
	params := url.Values{}
	params.Set("access_token", token.AccessToken)
	params.Set("openid", token.OpenID)
	params.Set("lang", wechatLang(lang))

	var info UserInfo
	if err := d.http.getJSON(ctx, withQuery(d.apiURL+"/sns/userinfo", params), nil, &info); err != nil {
		return nil, fmt.Errorf("fetch userinfo: %w", err)
	}
	if code, ok := info["errcode"]; ok {
		n, _ := strconv.Atoi(fmt.Sprint(code))
		if n != 0 {
			return nil, &ProviderError{Provider: WeChat, Code: strconv.Itoa(n), Message: info.String("errmsg")}
		}
	}
	if info.OpenID() == "" || info.String("nickname") == "" {
		return nil, fmt.Errorf("%w: userinfo missing openid or nickname", ErrIncomplete)
	}
	if _, ok := info["sex"]; !ok {
		return nil, fmt.Errorf("%w: userinfo missing sex", ErrIncomplete)
	}
	if avatar := info.String("headimgurl"); avatar != "" {
		info["avatar"] = avatar
	}
	return info, nil
}

func (d *WeChatDriver) VerifyToken(ctx context.Context, _ Credentials, token *Token) (bool, error) {
	params := url.Values{}
	params.Set("access_token", token.AccessToken)
	params.Set("openid", token.OpenID)

	var resp wechatError
	if err := d.http.getJSON(ctx, withQuery(d.apiURL+"/sns/auth", params), nil, &resp); err != nil {
		return false, fmt.Errorf("verify token: %w", err)
	}
	return resp.ErrCode == 0, nil
}

// wechatLang maps gateway languages to the zh_CN / zh_TW / en values WeChat accepts.
func wechatLang(lang string) string {
	switch strings.ToLower(strings.ReplaceAll(lang, "-", "_")) {
	case "en", "en_us":
		return "en"
	case "zh_tw", "zh_hk":
		return "zh_TW"
	default:
		return "zh_CN"
	}
}

package sso

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/oauth2"
)

const (
	dingtalkAuthorizeURL = "https://login.dingtalk.com/oauth2/auth"
	dingtalkAPIURL       = "https://api.dingtalk.com"
)

// DingTalkDriver implements the DingTalk third-party login flow on the v1.0 API.
type DingTalkDriver struct {
	authorizeURL string
	apiURL       string
	http         transport
}

// NewDingTalkDriver creates a DingTalk driver. Empty URLs use the public endpoints.
func NewDingTalkDriver(authorizeURL, apiURL string, timeout time.Duration, logger *zap.Logger) *DingTalkDriver {
	if authorizeURL == "" {
		authorizeURL = dingtalkAuthorizeURL
	}
	if apiURL == "" {
		apiURL = dingtalkAPIURL
	}
	return &DingTalkDriver{
		authorizeURL: authorizeURL,
		apiURL:       strings.TrimRight(apiURL, "/"),
		http:         newTransport(timeout, logger),
	}
}

type dingtalkError struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	RequestID string `json:"requestid"`
}

type dingtalkToken struct {
	dingtalkError
	AccessToken  string `json:"accessToken"`
	RefreshToken string `json:"refreshToken"`
	ExpireIn     int64  `json:"expireIn"`
	CorpID       string `json:"corpId"`
}

type dingtalkUser struct {
	dingtalkError
	Nick      string `json:"nick"`
	AvatarURL string `json:"avatarUrl"`
	Mobile    string `json:"mobile"`
	OpenID    string `json:"openId"`
	UnionID   string `json:"unionId"`
	Email     string `json:"email"`
	StateCode string `json:"stateCode"`
}

func (d *DingTalkDriver) Provider() Provider { return DingTalk }

func (d *DingTalkDriver) CodeParam() string { return "authCode" }

func (d *DingTalkDriver) oauthConfig(creds Credentials, redirectURI string) *oauth2.Config {
	return &oauth2.Config{
		ClientID:     creds.AppID,
		ClientSecret: creds.Secret,
		Endpoint: oauth2.Endpoint{
			AuthURL:  d.authorizeURL,
			TokenURL: d.apiURL + "/v1.0/oauth2/userAccessToken",
		},
		RedirectURL: redirectURI,
		Scopes:      []string{"openid"},
	}
}

func (d *DingTalkDriver) AuthCodeURL(creds Credentials, redirectURI, _ string, _ string, state string) string {
	return d.oauthConfig(creds, redirectURI).AuthCodeURL(state, oauth2.SetAuthURLParam("prompt", "consent"))
}

// translate maps DingTalk's HTTP 400 error bodies onto the package errors.
func (d *DingTalkDriver) translate(err error, body dingtalkError) error {
	var status *StatusError
	if !errors.As(err, &status) {
		return err
	}
	perr := &ProviderError{Provider: DingTalk, Code: body.Code, Message: body.Message}
	if perr.Code == "" {
		perr.Code = fmt.Sprint(status.StatusCode)
	}
	lower := strings.ToLower(body.Code + " " + body.Message)
	if status.StatusCode == http.StatusBadRequest && strings.Contains(lower, "code") {
		return fmt.Errorf("%w: %w", ErrInvalidCode, perr)
	}
	return perr
}

func (d *DingTalkDriver) exchange(ctx context.Context, creds Credentials, body map[string]string) (*dingtalkToken, error) {
	var resp dingtalkToken
	if err := d.http.postJSON(ctx, d.apiURL+"/v1.0/oauth2/userAccessToken", body, nil, &resp); err != nil {
		return nil, d.translate(err, resp.dingtalkError)
	}
	if resp.AccessToken == "" {
		return nil, fmt.Errorf("%w: token response missing accessToken", ErrIncomplete)
	}
	return &resp, nil
}

func (d *DingTalkDriver) me(ctx context.Context, accessToken string) (*dingtalkUser, error) {
	var user dingtalkUser
	headers := map[string]string{"x-acs-dingtalk-access-token": accessToken}
	if err := d.http.getJSON(ctx, d.apiURL+"/v1.0/contact/users/me", headers, &user); err != nil {
		return nil, d.translate(err, user.dingtalkError)
	}
	return &user, nil
}

// ExchangeCode redeems authCode and resolves the openId, which the token
// endpoint does not return.
func (d *DingTalkDriver) ExchangeCode(ctx context.Context, creds Credentials, code string) (*Token, error) {
	resp, err := d.exchange(ctx, creds, map[string]string{
		"clientId":     creds.AppID,
		"clientSecret": creds.Secret,
		"code":         code,
		"grantType":    "authorization_code",
	})
	if err != nil {
		return nil, err
	}
	user, err := d.me(ctx, resp.AccessToken)
	if err != nil {
		return nil, fmt.Errorf("resolve openId: %w", err)
	}
	return &Token{
		AccessToken:  resp.AccessToken,
		OpenID:       user.OpenID,
		RefreshToken: resp.RefreshToken,
		ExpiresIn:    resp.ExpireIn,
		UnionID:      user.UnionID,
	}, nil
}

func (d *DingTalkDriver) RefreshToken(ctx context.Context, creds Credentials, refreshToken string) (*Token, error) {
	resp, err := d.exchange(ctx, creds, map[string]string{
		"clientId":     creds.AppID,
		"clientSecret": creds.Secret,
		"refreshToken": refreshToken,
		"grantType":    "refresh_token",
	})
	if err != nil {
		return nil, err
	}
	return &Token{
		AccessToken:  resp.AccessToken,
		RefreshToken: resp.RefreshToken,
		ExpiresIn:    resp.ExpireIn,
	}, nil
}

func (d *DingTalkDriver) UserInfo(ctx context.Context, _ Credentials, token *Token, _ string) (UserInfo, error) {
	user, err := d.me(ctx, token.AccessToken)
	if err != nil {
		return nil, fmt.Errorf("fetch userinfo: %w", err)
	}
	if user.OpenID == "" || user.Nick == "" {
		return nil, fmt.Errorf("%w: userinfo missing openId or nick", ErrIncomplete)
	}
	return UserInfo{
		"openid":   user.OpenID,
		"unionid":  user.UnionID,
		"nickname": user.Nick,
		"avatar":   user.AvatarURL,
		"mobile":   user.Mobile,
		"email":    user.Email,
		"sex":      0,
	}, nil
}

func (d *DingTalkDriver) VerifyToken(ctx context.Context, _ Credentials, token *Token) (bool, error) {
	user, err := d.me(ctx, token.AccessToken)
	if err != nil {
		var perr *ProviderError
		if errors.As(err, &perr) {
			return false, nil
		}
		return false, err
	}
	return token.OpenID == "" || user.OpenID == token.OpenID, nil
}

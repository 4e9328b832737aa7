package sso

import (
	"context"
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/json"
	"encoding/pem"
	"errors"
	"fmt"
	"net/url"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"
)

const (
	alipayAuthorizeURL = "https://openauth.alipay.com/oauth2/publicAppAuthorize.htm"
	alipayGatewayURL   = "https://openapi.alipay.com/gateway.do"
	alipayTimeLayout   = "2006-01-02 15:04:05"
)

// AliPayDriver implements Alipay web authorization over the signed open API gateway.
type AliPayDriver struct {
	authorizeURL string
	gatewayURL   string
	http         transport
	now          func() time.Time
}

// NewAliPayDriver creates an Alipay driver. Empty URLs use the public endpoints.
func NewAliPayDriver(authorizeURL, gatewayURL string, timeout time.Duration, logger *zap.Logger) *AliPayDriver {
	if authorizeURL == "" {
		authorizeURL = alipayAuthorizeURL
	}
	if gatewayURL == "" {
		gatewayURL = alipayGatewayURL
	}
	return &AliPayDriver{
		authorizeURL: authorizeURL,
		gatewayURL:   gatewayURL,
		http:         newTransport(timeout, logger),
		now:          time.Now,
	}
}

type alipayErrorResponse struct {
	Code    string `json:"code"`
	Msg     string `json:"msg"`
	SubCode string `json:"sub_code"`
	SubMsg  string `json:"sub_msg"`
}

func (e *alipayErrorResponse) err() error {
	if e == nil || e.Code == "" || e.Code == "10000" {
		return nil
	}
	perr := &ProviderError{Provider: AliPay, Code: e.SubCode, Message: e.SubMsg}
	if perr.Code == "" {
		perr.Code, perr.Message = e.Code, e.Msg
	}
	if strings.Contains(e.SubCode, "code-invalid") || strings.Contains(e.SubCode, "auth-code") {
		return fmt.Errorf("%w: %w", ErrInvalidCode, perr)
	}
	return perr
}

type alipayTokenResponse struct {
	Token *struct {
		UserID       string      `json:"user_id"`
		OpenID       string      `json:"open_id"`
		AccessToken  string      `json:"access_token"`
		ExpiresIn    json.Number `json:"expires_in"`
		RefreshToken string      `json:"refresh_token"`
	} `json:"alipay_system_oauth_token_response"`
	Error *alipayErrorResponse `json:"error_response"`
}

func (d *AliPayDriver) Provider() Provider { return AliPay }

// CodeParam is auth_code: Alipay does not use the standard code parameter.
func (d *AliPayDriver) CodeParam() string { return "auth_code" }

func alipayScope(scope string) string {
	if scope == ScopeBase || scope == "auth_base" {
		return "auth_base"
	}
	return "auth_user"
}

func (d *AliPayDriver) AuthCodeURL(creds Credentials, redirectURI, _ string, scope, state string) string {
	params := url.Values{}
	params.Set("app_id", creds.AppID)
	params.Set("scope", alipayScope(scope))
	params.Set("redirect_uri", redirectURI)
	params.Set("state", state)
	return withQuery(d.authorizeURL, params)
}

func (d *AliPayDriver) ExchangeCode(ctx context.Context, creds Credentials, code string) (*Token, error) {
	return d.token(ctx, creds, map[string]string{"grant_type": "authorization_code", "code": code})
}

func (d *AliPayDriver) RefreshToken(ctx context.Context, creds Credentials, refreshToken string) (*Token, error) {
	return d.token(ctx, creds, map[string]string{"grant_type": "refresh_token", "refresh_token": refreshToken})
}

func (d *AliPayDriver) token(ctx context.Context, creds Credentials, extra map[string]string) (*Token, error) {
	form, err := d.signedRequest(creds, "alipay.system.oauth.token", extra)
	if err != nil {
		return nil, err
	}
	var resp alipayTokenResponse
	if err := d.http.postForm(ctx, d.gatewayURL, form, &resp); err != nil {
		return nil, fmt.Errorf("alipay token: %w", err)
	}
	if err := resp.Error.err(); err != nil {
		return nil, err
	}
	if resp.Token == nil {
		return nil, fmt.Errorf("%w: empty token response", ErrIncomplete)
	}
	openID := resp.Token.OpenID
	if openID == "" {
		openID = resp.Token.UserID
	}
	expires, _ := resp.Token.ExpiresIn.Int64()
	return &Token{
		AccessToken:  resp.Token.AccessToken,
		OpenID:       openID,
		RefreshToken: resp.Token.RefreshToken,
		ExpiresIn:    expires,
	}, nil
}

func (d *AliPayDriver) userInfo(ctx context.Context, creds Credentials, token *Token) (map[string]any, error) {
	form, err := d.signedRequest(creds, "alipay.user.info.share", map[string]string{"auth_token": token.AccessToken})
	if err != nil {
		return nil, err
	}
	var resp struct {
		Share map[string]any       `json:"alipay_user_info_share_response"`
		Error *alipayErrorResponse `json:"error_response"`
	}
	if err := d.http.postForm(ctx, d.gatewayURL, form, &resp); err != nil {
		return nil, fmt.Errorf("alipay userinfo: %w", err)
	}
	if err := resp.Error.err(); err != nil {
		return nil, err
	}
	if resp.Share == nil {
		return nil, fmt.Errorf("%w: empty userinfo response", ErrIncomplete)
	}
	share := UserInfo(resp.Share)
	if code := share.String("code"); code != "" && code != "10000" {
		return nil, &ProviderError{Provider: AliPay, Code: share.String("sub_code"), Message: share.String("sub_msg")}
	}
	return resp.Share, nil
}

func (d *AliPayDriver) UserInfo(ctx context.Context, creds Credentials, token *Token, _ string) (UserInfo, error) {
	share, err := d.userInfo(ctx, creds, token)
	if err != nil {
		return nil, err
	}
	info := UserInfo(share)
	openID := info.String("open_id")
	if openID == "" {
		openID = info.String("user_id")
	}
	if openID == "" {
		openID = token.OpenID
	}
	info["openid"] = openID
	info["nickname"] = info.String("nick_name")
	switch info.String("gender") {
	case "M", "m":
		info["sex"] = 1
	case "F", "f":
		info["sex"] = 2
	default:
		info["sex"] = 0
	}
	return info, nil
}

func (d *AliPayDriver) VerifyToken(ctx context.Context, creds Credentials, token *Token) (bool, error) {
	if _, err := d.userInfo(ctx, creds, token); err != nil {
		var perr *ProviderError
		if errors.As(err, &perr) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// signedRequest builds the common gateway parameters and signs them with RSA2.
func (d *AliPayDriver) signedRequest(creds Credentials, method string, extra map[string]string) (url.Values, error) {
	params := map[string]string{
		"app_id":    creds.AppID,
		"method":    method,
		"format":    "JSON",
		"charset":   "utf-8",
		"sign_type": "RSA2",
		"timestamp": d.now().Format(alipayTimeLayout),
		"version":   "1.0",
	}
	for k, v := range extra {
		params[k] = v
	}
	sign, err := signRSA2(params, creds.Secret)
	if err != nil {
		return nil, fmt.Errorf("sign alipay request: %w", err)
	}
	form := url.Values{}
	for k, v := range params {
		form.Set(k, v)
	}
	form.Set("sign", sign)
	return form, nil
}

// signingString is the sorted k=v&k=v form Alipay signs, excluding sign and empty values.
func signingString(params map[string]string) string {
	keys := make([]string, 0, len(params))
	for k, v := range params {
		if k == "sign" || v == "" {
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, k+"="+params[k])
	}
	return strings.Join(parts, "&")
}

func signRSA2(params map[string]string, privateKey string) (string, error) {
	key, err := parsePrivateKey(privateKey)
	if err != nil {
		return "", err
	}
	digest := sha256.Sum256([]byte(signingString(params)))
	sig, err := rsa.SignPKCS1v15(rand.Reader, key, crypto.SHA256, digest[:])
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(sig), nil
}

// parsePrivateKey accepts PEM or the bare base64 DER Alipay's console exports,
// in PKCS#1 or PKCS#8 form.
func parsePrivateKey(raw string) (*rsa.PrivateKey, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, ErrMissingCredentials
	}
	var der []byte
	if block, _ := pem.Decode([]byte(raw)); block != nil {
		der = block.Bytes
	} else {
		decoded, err := base64.StdEncoding.DecodeString(raw)
		if err != nil {
			return nil, fmt.Errorf("decode private key: %w", err)
		}
		der = decoded
	}
	if key, err := x509.ParsePKCS1PrivateKey(der); err == nil {
		return key, nil
	}
	parsed, err := x509.ParsePKCS8PrivateKey(der)
	if err != nil {
		return nil, fmt.Errorf("parse private key: %w", err)
	}
	key, ok := parsed.(*rsa.PrivateKey)
	if !ok {
		return nil, errors.New("private key is not RSA")
	}
	return key, nil
}

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
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func TestDetect(t *testing.T) {
	tests := []struct {
		ua   string
		want Provider
	}{
		{"Mozilla/5.0 (iPhone) MicroMessenger/8.0.40", WeChat},
		{"Mozilla/5.0 AlipayClient/10.5.0", AliPay},
		{"Mozilla/5.0 DingTalk/7.0.10", DingTalk},
		{"Mozilla/5.0 (Macintosh) Safari/605.1.15", Generic},
		{"", Generic},
	}
	for _, tt := range tests {
		t.Run(tt.ua, func(t *testing.T) {
			assert.Equal(t, tt.want, Detect(tt.ua))
		})
	}
}

func TestRegistry_FallsBackToGeneric(t *testing.T) {
	logger := zaptest.NewLogger(t)
	generic := NewClient(NewHostDriver("http://sso.test", "", time.Second, logger), Credentials{AppID: "g"}, nil, logger)
	wechat := NewClient(NewWeChatDriver("", "", time.Second, logger), Credentials{AppID: "w"}, nil, logger)

	reg := NewRegistry(generic)
	reg.Register(wechat)

	assert.Same(t, wechat, reg.ForUserAgent("MicroMessenger/8.0"))
	assert.Same(t, generic, reg.ForUserAgent("AlipayClient/10.0"), "disabled providers use the host client")
	assert.ElementsMatch(t, []Provider{Generic, WeChat}, reg.Enabled())

	res := reg.Authorize(context.Background(), "MicroMessenger/8.0", AuthorizeRequest{RedirectURI: "https://app.test/"})
	require.Equal(t, OutcomeRedirect, res.Outcome)
	assert.True(t, strings.HasPrefix(res.RedirectURL, wechatAuthorizeURL+"?appid=w&redirect_uri="))
}

func TestWeChat_AuthCodeURLOrder(t *testing.T) {
	d := NewWeChatDriver("", "", time.Second, nil)
	got := d.AuthCodeURL(Credentials{AppID: "wx1"}, "https://a.test/cb", "code", ScopeUserInfo, "st")
	assert.Equal(t, wechatAuthorizeURL+
		"?appid=wx1&redirect_uri=https%3A%2F%2Fa.test%2Fcb&response_type=code&scope=snsapi_userinfo&state=st#wechat_redirect", got)

	base := d.AuthCodeURL(Credentials{AppID: "wx1"}, "https://a.test/cb", "code", ScopeBase, "st")
	assert.Contains(t, base, "scope=snsapi_base")
}

func TestWeChat_Exchange(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/sns/oauth2/access_token", func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Query().Get("code") {
		case "used":
			writeJSON(w, http.StatusOK, map[string]any{"errcode": 40163, "errmsg": "code been used"})
		case "bad-secret":
			writeJSON(w, http.StatusOK, map[string]any{"errcode": 40125, "errmsg": "invalid appsecret"})
		default:
			writeJSON(w, http.StatusOK, map[string]any{"access_token": "wat", "openid": "wo", "expires_in": 7200, "refresh_token": "wrt", "scope": "snsapi_userinfo"})
		}
	})
	mux.HandleFunc("/sns/userinfo", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "en", r.URL.Query().Get("lang"))
		writeJSON(w, http.StatusOK, map[string]any{"openid": "wo", "nickname": "wei", "sex": 1, "headimgurl": "https://img.test/a.png"})
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	logger := zaptest.NewLogger(t)
	client := NewClient(NewWeChatDriver("", srv.URL, time.Second, logger), Credentials{AppID: "wx", Secret: "s"}, nil, logger)
	ctx := context.Background()

	res := client.Authorize(ctx, AuthorizeRequest{Scope: ScopeUserInfo, Lang: "en-us", Params: query{"code": {"ok"}}})
	require.Equal(t, OutcomeIdentity, res.Outcome, "err: %v", res.Err)
	assert.Equal(t, "wei", res.UserInfo.String("nickname"))
	assert.Equal(t, "https://img.test/a.png", res.UserInfo.String("avatar"))

	_, err := client.GetAccessToken(ctx, "", "", "used", false, "")
	require.ErrorIs(t, err, ErrInvalidCode)

	_, err = client.GetAccessToken(ctx, "", "", "bad-secret", false, "")
	var perr *ProviderError
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, "40125", perr.Code)
	assert.NotErrorIs(t, err, ErrInvalidCode)
}

func testRSAKey(t *testing.T) *rsa.PrivateKey {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	return key
}

func TestParsePrivateKey_Formats(t *testing.T) {
	key := testRSAKey(t)
	pkcs1 := x509.MarshalPKCS1PrivateKey(key)
	pkcs8, err := x509.MarshalPKCS8PrivateKey(key)
	require.NoError(t, err)

	inputs := map[string]string{
		"pkcs1 pem":  string(pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: pkcs1})),
		"pkcs8 pem":  string(pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: pkcs8})),
		"bare pkcs1": base64.StdEncoding.EncodeToString(pkcs1),
		"bare pkcs8": base64.StdEncoding.EncodeToString(pkcs8),
	}
	for name, raw := range inputs {
		t.Run(name, func(t *testing.T) {
			got, err := parsePrivateKey(raw)
			require.NoError(t, err)
			assert.True(t, key.Equal(got))
		})
	}

	_, err = parsePrivateKey("")
	require.ErrorIs(t, err, ErrMissingCredentials)
	_, err = parsePrivateKey("not a key")
	require.Error(t, err)
}

func TestSigningString(t *testing.T) {
	got := signingString(map[string]string{"b": "2", "a": "1", "sign": "x", "empty": "", "c": "3"})
	assert.Equal(t, "a=1&b=2&c=3", got)
}

func TestAliPay_Exchange(t *testing.T) {
	key := testRSAKey(t)
	secret := base64.StdEncoding.EncodeToString(x509.MarshalPKCS1PrivateKey(key))

	verify := func(t *testing.T, form url.Values) {
		params := map[string]string{}
		for k := range form {
			params[k] = form.Get(k)
		}
		sig, err := base64.StdEncoding.DecodeString(form.Get("sign"))
		require.NoError(t, err)
		digest := sha256.Sum256([]byte(signingString(params)))
		require.NoError(t, rsa.VerifyPKCS1v15(&key.PublicKey, crypto.SHA256, digest[:], sig))
		assert.Equal(t, "RSA2", form.Get("sign_type"))
		assert.Equal(t, "2024-03-01 08:00:00", form.Get("timestamp"))
	}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		verify(t, r.PostForm)
		switch r.PostForm.Get("method") {
		case "alipay.system.oauth.token":
			if r.PostForm.Get("code") == "used" {
				writeJSON(w, http.StatusOK, map[string]any{"error_response": map[string]any{
					"code": "40002", "msg": "Invalid Arguments", "sub_code": "isv.code-invalid", "sub_msg": "授权码code无效",
				}})
				return
			}
			writeJSON(w, http.StatusOK, map[string]any{"alipay_system_oauth_token_response": map[string]any{
				"user_id": "2088", "access_token": "aat", "expires_in": 1296000, "refresh_token": "art",
			}})
		case "alipay.user.info.share":
			assert.Equal(t, "aat", r.PostForm.Get("auth_token"))
			writeJSON(w, http.StatusOK, map[string]any{"alipay_user_info_share_response": map[string]any{
				"code": "10000", "msg": "Success", "user_id": "2088", "nick_name": "ali", "gender": "F",
			}})
		default:
			t.Errorf("unexpected method %q", r.PostForm.Get("method"))
		}
	}))
	defer srv.Close()

	logger := zaptest.NewLogger(t)
	driver := NewAliPayDriver("", srv.URL, time.Second, logger)
	driver.now = func() time.Time { return time.Date(2024, 3, 1, 8, 0, 0, 0, time.UTC) }
	client := NewClient(driver, Credentials{AppID: "2021", Secret: secret}, nil, logger)
	ctx := context.Background()

	assert.Equal(t, "auth_code", client.CodeParam())
	res := client.Authorize(ctx, AuthorizeRequest{Scope: ScopeUserInfo, Params: query{"auth_code": {"ok"}}})
	require.Equal(t, OutcomeIdentity, res.Outcome, "err: %v", res.Err)
	assert.Equal(t, "2088", res.UserInfo.OpenID())
	assert.Equal(t, "ali", res.UserInfo.String("nickname"))
	assert.Equal(t, 2, res.UserInfo["sex"])

	_, err := client.GetAccessToken(ctx, "", "", "used", false, "")
	require.ErrorIs(t, err, ErrInvalidCode)

	assert.True(t, client.VerifyToken(ctx, "aat", "2088", nil))
}

func TestAliPay_AuthCodeURL(t *testing.T) {
	d := NewAliPayDriver("", "", time.Second, nil)
	got, err := url.Parse(d.AuthCodeURL(Credentials{AppID: "2021"}, "https://a.test/cb", "code", ScopeBase, "st"))
	require.NoError(t, err)
	assert.Equal(t, "openauth.alipay.com", got.Host)
	assert.Equal(t, "2021", got.Query().Get("app_id"))
	assert.Equal(t, "auth_base", got.Query().Get("scope"))
	assert.Equal(t, "st", got.Query().Get("state"))
}

func TestDingTalk_Exchange(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/v1.0/oauth2/userAccessToken", func(w http.ResponseWriter, r *http.Request) {
		var body map[string]string
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		if body["code"] == "used" {
			writeJSON(w, http.StatusBadRequest, map[string]any{"code": "invalidAuthCode", "message": "authCode is invalid"})
			return
		}
		assert.Equal(t, "ding", body["clientId"])
		writeJSON(w, http.StatusOK, map[string]any{"accessToken": "dat", "refreshToken": "drt", "expireIn": 7200})
	})
	mux.HandleFunc("/v1.0/contact/users/me", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("x-acs-dingtalk-access-token") != "dat" {
			writeJSON(w, http.StatusUnauthorized, map[string]any{"code": "InvalidAuthentication", "message": "token invalid"})
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"nick": "ding", "openId": "do", "unionId": "du", "avatarUrl": "https://img.test/d.png"})
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	logger := zaptest.NewLogger(t)
	client := NewClient(NewDingTalkDriver("", srv.URL, time.Second, logger), Credentials{AppID: "ding", Secret: "s"}, nil, logger)
	ctx := context.Background()

	res := client.Authorize(ctx, AuthorizeRequest{Scope: ScopeUserInfo, Params: query{"authCode": {"ok"}}})
	require.Equal(t, OutcomeIdentity, res.Outcome, "err: %v", res.Err)
	assert.Equal(t, "do", res.UserInfo.OpenID())
	assert.Equal(t, "ding", res.UserInfo.String("nickname"))

	_, err := client.GetAccessToken(ctx, "", "", "used", false, "")
	require.ErrorIs(t, err, ErrInvalidCode)

	assert.True(t, client.VerifyToken(ctx, "dat", "do", nil))
	assert.False(t, client.VerifyToken(ctx, "stale", "do", nil))
}

func TestDingTalk_AuthCodeURL(t *testing.T) {
	d := NewDingTalkDriver("", "", time.Second, nil)
	got, err := url.Parse(d.AuthCodeURL(Credentials{AppID: "ding"}, "https://a.test/cb", "code", ScopeUserInfo, "st"))
	require.NoError(t, err)
	assert.Equal(t, "login.dingtalk.com", got.Host)
	q := got.Query()
	assert.Equal(t, "ding", q.Get("client_id"))
	assert.Equal(t, "code", q.Get("response_type"))
	assert.Equal(t, "openid", q.Get("scope"))
	assert.Equal(t, "consent", q.Get("prompt"))
	assert.Equal(t, "st", q.Get("state"))
}

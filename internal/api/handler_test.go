package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/otherjamesbrown/ai-aas/services/auth-gateway/internal/authority"
	"github.com/otherjamesbrown/ai-aas/services/auth-gateway/internal/cache"
	"github.com/otherjamesbrown/ai-aas/services/auth-gateway/internal/channel"
	"github.com/otherjamesbrown/ai-aas/services/auth-gateway/internal/session"
	"github.com/otherjamesbrown/ai-aas/services/auth-gateway/internal/sso"
)

type memorySource struct {
	channels map[string]*channel.Channel
	grants   map[int64]*channel.AccessGrant
}

func (s *memorySource) Name() string { return "memory" }

func (s *memorySource) ChannelByIdentifier(_ context.Context, _, _ int64, identifier string) (*channel.Channel, error) {
	if ch, ok := s.channels[identifier]; ok {
		return ch, nil
	}
	return nil, channel.ErrNotFound
}

func (s *memorySource) ChannelByURL(context.Context, int64, string) (*channel.Channel, error) {
	return nil, channel.ErrNotFound
}

func (s *memorySource) Access(_ context.Context, _, _, channelID, _ int64) (*channel.AccessGrant, error) {
	if g, ok := s.grants[channelID]; ok {
		return g, nil
	}
	return nil, channel.ErrNotFound
}

func (s *memorySource) Workspace(context.Context, int64, int64, int64) ([]channel.Channel, error) {
	var out []channel.Channel
	for _, ch := range s.channels {
		if _, ok := s.grants[ch.ChannelID]; ok {
			out = append(out, *ch)
		}
	}
	if len(out) == 0 {
		return nil, channel.ErrNotFound
	}
	return out, nil
}

type stubAuth struct {
	result sso.Result
}

func (a *stubAuth) Authorize(context.Context, string, sso.AuthorizeRequest) sso.Result {
	return a.result
}

type gateway struct {
	server *httptest.Server
	store  *session.Store
}

func newGateway(t *testing.T, auth authority.Authenticator) *gateway {
	t.Helper()
	logger := zaptest.NewLogger(t)

	source := &memorySource{
		channels: map[string]*channel.Channel{
			"blog:index":       {ChannelID: 1, Identifier: "blog:index", Status: 1, Modifier: channel.ModifierPublic},
			"account:settings": {ChannelID: 2, Identifier: "account:settings", Status: 1, Modifier: channel.ModifierDefault},
			"admin:delete":     {ChannelID: 3, Identifier: "admin:delete", Status: 1, Modifier: channel.ModifierPrivate},
		},
		grants: map[int64]*channel.AccessGrant{
			3: {ChannelID: 3, RoleID: 120, Status: 1, Allow: 1, Method: "post"},
		},
	}
	resolver := channel.NewResolver(source, cache.NewMemoryCache(), time.Hour, nil, logger)
	app := NewRouteApplication([]string{"assets:*"}, nil, time.Hour)
	engine := authority.NewEngine(authority.Config{AppID: 1, PoolID: 2, Lang: "en", Expire: time.Hour}, app, resolver, auth, logger)
	handler := NewHandler(engine, resolver, logger)
	store := session.NewStore(cache.NewMemoryCache(), time.Hour)

	upstream := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, "upstream "+r.URL.Path)
	})

	router := chi.NewRouter()
	router.Use(middleware.RequestID)
	router.Use(SessionMiddleware(store, CookieConfig{Name: "sid"}, logger))
	handler.RegisterRoutes(router)
	router.With(handler.Protect).Handle("/*", upstream)

	srv := httptest.NewServer(router)
	t.Cleanup(srv.Close)
	return &gateway{server: srv, store: store}
}

func noRedirect() *http.Client {
	return &http.Client{CheckRedirect: func(*http.Request, []*http.Request) error { return http.ErrUseLastResponse }}
}

func (g *gateway) seed(t *testing.T, id string, values map[string]any) *http.Cookie {
	t.Helper()
	require.NoError(t, g.store.Save(context.Background(), id, session.FromMap(values)))
	return &http.Cookie{Name: "sid", Value: id}
}

func unionSession() map[string]any {
	return map[string]any{
		"login": 1, "isLogin": 1, "uid": 100, "gid": 200,
		"expiretime": time.Now().Add(time.Hour).Unix(),
		"union": map[string]any{"unionid": 9, "uid": 100, "roleid": 120, "status": 1, "poolid": 2},
	}
}

func TestProtect_PublicChannelReachesUpstream(t *testing.T) {
	g := newGateway(t, &stubAuth{})

	resp, err := http.Get(g.server.URL + "/blog")
	require.NoError(t, err)
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "upstream /blog", string(body))
	require.NotEmpty(t, resp.Cookies(), "new session cookie issued")
}

func TestProtect_AnonymousGetRedirectsToSSO(t *testing.T) {
	g := newGateway(t, &stubAuth{result: sso.Result{
		Outcome:      sso.OutcomeRedirect,
		RedirectURL:  "https://sso.test/auth/oauth2/authorize?state=abc",
		RedirectCode: http.StatusSeeOther,
	}})

	resp, err := noRedirect().Get(g.server.URL + "/account/settings")
	require.NoError(t, err)
	defer resp.Body.Close()

	require.Equal(t, http.StatusSeeOther, resp.StatusCode)
	require.Equal(t, "https://sso.test/auth/oauth2/authorize?state=abc", resp.Header.Get("Location"))
}

func TestProtect_AjaxUnauthorizedBody(t *testing.T) {
	g := newGateway(t, &stubAuth{})

	req, _ := http.NewRequest(http.MethodGet, g.server.URL+"/account/settings", nil)
	req.Header.Set("X-Requested-With", "XMLHttpRequest")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	require.Equal(t, "application/json", resp.Header.Get("Content-Type"))

	var body ErrorResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	require.Equal(t, http.StatusUnauthorized, body.Code)
	require.Equal(t, ErrCodeUnauthorized, body.ErrorCode)
	require.Equal(t, "Unauthorized", body.Status)
	require.NotEmpty(t, body.RequestID)
	require.NotEmpty(t, body.Timestamp)
}

func TestProtect_LoginPersistsSession(t *testing.T) {
	g := newGateway(t, &stubAuth{result: sso.Result{
		Outcome:  sso.OutcomeIdentity,
		UserInfo: sso.UserInfo{"openid": "o-1", "uid": 100, "gid": 200, "nickname": "neo", "password": "hunter2"},
	}})

	resp, err := http.Get(g.server.URL + "/account/settings")
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var sid string
	for _, c := range resp.Cookies() {
		if c.Name == "sid" {
			sid = c.Value
		}
	}
	require.NotEmpty(t, sid)

	values, err := g.store.Load(context.Background(), sid)
	require.NoError(t, err)
	require.True(t, session.IsLogin(values, time.Now()))
	require.False(t, values.Has("password"))
	require.Equal(t, "neo", session.String(values, "nickname", ""))
}

func TestProtect_BaseLoginThroughHost(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/auth/oauth2/access_token", func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "c1", r.URL.Query().Get("code"))
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{"code":200,"data":{"access_token":"at","openid":"o-9","expires_in":7200,"uid":7,"gid":3,"nickname":"trinity"}}`)
	})
	host := httptest.NewServer(mux)
	t.Cleanup(host.Close)

	logger := zaptest.NewLogger(t)
	driver := sso.NewHostDriver(host.URL, "", time.Second, logger)
	registry := sso.NewRegistry(sso.NewClient(driver, sso.Credentials{AppID: "1", Secret: "secret"}, nil, logger))
	g := newGateway(t, registry)

	resp, err := noRedirect().Get(g.server.URL + "/account/settings?code=c1&state=s")
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var sid string
	for _, c := range resp.Cookies() {
		if c.Name == "sid" {
			sid = c.Value
		}
	}
	require.NotEmpty(t, sid)

	values, err := g.store.Load(context.Background(), sid)
	require.NoError(t, err)
	require.True(t, session.IsLogin(values, time.Now()))
	require.Equal(t, int64(7), session.Int64(values, session.FieldUID, 0))
	require.Equal(t, int64(3), session.Int64(values, session.FieldGID, 0))
	require.Equal(t, "o-9", session.String(values, "openid", ""))
}

func TestProtect_MethodGrant(t *testing.T) {
	g := newGateway(t, &stubAuth{})
	cookie := g.seed(t, "union-user", unionSession())

	post, _ := http.NewRequest(http.MethodPost, g.server.URL+"/admin/delete", strings.NewReader("{}"))
	post.AddCookie(cookie)
	resp, err := http.DefaultClient.Do(post)
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	del, _ := http.NewRequest(http.MethodDelete, g.server.URL+"/admin/delete", nil)
	del.AddCookie(cookie)
	resp, err = http.DefaultClient.Do(del)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)

	var body ErrorResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	require.Equal(t, ErrCodeMethodNotAllowed, body.ErrorCode)
	require.Equal(t, "DELETE Method Not Allowed", body.Status)
}

func TestDecide_ForwardAuth(t *testing.T) {
	g := newGateway(t, &stubAuth{})
	cookie := g.seed(t, "union-user", unionSession())

	req, _ := http.NewRequest(http.MethodGet, g.server.URL+"/v1/authority/decide", nil)
	req.Header.Set("X-Forwarded-Method", "post")
	req.Header.Set("X-Forwarded-Uri", "/admin/delete?id=4")
	req.Header.Set("X-Forwarded-Host", "app.test")
	req.AddCookie(cookie)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "100", resp.Header.Get("X-Auth-Uid"))
	require.Equal(t, "120", resp.Header.Get("X-Auth-Role"))

	req.Header.Set("X-Forwarded-Uri", "/missing/page")
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestWorkspace(t *testing.T) {
	g := newGateway(t, &stubAuth{})

	resp, err := http.Get(g.server.URL + "/v1/authority/workspace")
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	req, _ := http.NewRequest(http.MethodGet, g.server.URL+"/v1/authority/workspace", nil)
	req.AddCookie(g.seed(t, "union-user", unionSession()))
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body struct {
		Code int               `json:"code"`
		Data []channel.Channel `json:"data"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	require.Len(t, body.Data, 1)
	require.Equal(t, "admin:delete", body.Data[0].Identifier)
}

func TestRouteApplication(t *testing.T) {
	app := NewRouteApplication([]string{"static:*"}, staticPatterns{"reports:*"}, time.Hour)

	tests := []struct {
		path string
		want string
	}{
		{"/", ""},
		{"/blog", "blog:index"},
		{"/blog/view/12", "blog:view"},
		{"/Blog/View/", "Blog:View"},
	}
	for _, tt := range tests {
		r := httptest.NewRequest(http.MethodGet, tt.path, nil)
		require.Equal(t, tt.want, app.Identifier(NewRequest(r, "")), tt.path)
	}

	require.Equal(t, []string{"static:*", "reports:*"}, app.Ignore())
	require.True(t, app.HasExclude("login:captcha", nil))
	require.True(t, app.HasExclude("reports:daily", app.Ignore()))
	require.False(t, app.HasExclude("blog:index", app.Ignore()))
}

type staticPatterns []string

func (s staticPatterns) Patterns() []string { return s }

func TestRouteApplication_OnAuthorizedUnion(t *testing.T) {
	app := NewRouteApplication(nil, nil, time.Hour)
	sess := session.NewValues()

	err := app.OnAuthorized(context.Background(), nil, sess, sso.ScopeUnion, sso.UserInfo{
		"union": map[string]any{"unionid": 9, "roleid": 120, "access_token": "t"},
	})
	require.NoError(t, err)
	require.Equal(t, int64(120), session.Int64(sess, "union.roleid", 0))
	require.False(t, sess.Has("union.access_token"))
	require.False(t, sess.Has("login"))
}

func TestRequestAdapter(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/v1/authority/decide", nil)
	r.RemoteAddr = "10.1.2.3:5555"
	r.Header.Set("User-Agent", "MicroMessenger/8.0")
	r.Header.Set("X-Forwarded-Method", "delete")
	r.Header.Set("X-Forwarded-Uri", "/admin/delete?cache=0")
	r.Header.Set("X-Forwarded-Host", "app.test")
	r.Header.Set("X-Forwarded-Proto", "https")
	r.Header.Set("X-PJAX", "true")

	req := NewForwardedRequest(r, "sid-1")
	require.Equal(t, http.MethodDelete, req.Method())
	require.False(t, req.IsGet())
	require.True(t, req.IsPjax())
	require.False(t, req.IsAjax())
	require.Equal(t, "https://app.test/admin/delete?cache=0", req.URL(true))
	require.Equal(t, "/admin/delete", req.Server("document_uri"))
	require.Equal(t, "/admin/delete?cache=0", req.Server("request_uri"))
	require.Equal(t, "10.1.2.3", req.Server("remote_addr"))
	require.Equal(t, "MicroMessenger/8.0", req.Server("http_user_agent"))
	require.True(t, req.HasQuery("cache"))
	require.Equal(t, "0", req.Query("cache"))
	require.Equal(t, "sid-1", req.SessionID())
}

func TestStatusHandlers(t *testing.T) {
	h := NewStatusHandlers(BuildMetadata{Version: "1.0.0"}, zaptest.NewLogger(t))
	h.Register("redis", true, func(context.Context) error { return nil })
	h.Register("etcd", false, func(context.Context) error { return errors.New("unreachable") })

	rec := httptest.NewRecorder()
	h.Readyz(rec, httptest.NewRequest(http.MethodGet, "/v1/status/readyz", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var ready ReadinessResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &ready))
	require.Equal(t, "degraded", ready.Components["etcd"])
	require.Equal(t, "1.0.0", ready.Build.Version)

	h.Register("postgres", true, func(context.Context) error { return errors.New("down") })
	rec = httptest.NewRecorder()
	h.Readyz(rec, httptest.NewRequest(http.MethodGet, "/v1/status/readyz", nil))
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)

	rec = httptest.NewRecorder()
	h.Healthz(rec, httptest.NewRequest(http.MethodGet, "/v1/status/healthz", nil))
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestUpstreamProxy(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, r.Header.Get("X-Forwarded-Host")+" "+r.URL.Path)
	}))
	defer upstream.Close()

	proxy, err := NewUpstreamProxy(upstream.URL, zaptest.NewLogger(t))
	require.NoError(t, err)

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "http://app.test/blog", nil)
	proxy.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "app.test /blog", rec.Body.String())

	_, err = NewUpstreamProxy("/relative", nil)
	require.Error(t, err)

	dead, err := NewUpstreamProxy("http://127.0.0.1:1", zaptest.NewLogger(t))
	require.NoError(t, err)
	rec = httptest.NewRecorder()
	dead.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "http://app.test/blog", nil))
	require.Equal(t, http.StatusBadGateway, rec.Code)
}

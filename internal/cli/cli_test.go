package cli

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/otherjamesbrown/ai-aas/services/auth-gateway/internal/channel"
)

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	cmd := NewRootCommand("test")
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func authority(t *testing.T) string {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/api/channel/identifier", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("identifier") != "blog:index" {
			_, _ = w.Write([]byte(`{"code":404,"status":"Failure","msg":"invalid channel","data":[]}`))
			return
		}
		_, _ = w.Write([]byte(`{"code":200,"status":"OK","data":{"channelid":7,"appid":1,"poolid":2,"identifier":"blog:index","url":"/blog","status":1,"modifier":"public","displayorder":3}}`))
	})
	mux.HandleFunc("/api/channel/access", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"code":200,"status":"OK","data":{"channelid":"7","roleid":"120","status":"1","allow":"1","method":"get,post"}}`))
	})
	mux.HandleFunc("/api/channel/workspace", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"code":200,"status":"OK","data":[{"channelid":7,"identifier":"blog:index","url":"/blog","status":1,"modifier":"public"}]}`))
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv.URL + "/api/channel"
}

func TestApplyDefaults(t *testing.T) {
	v := viper.New()
	ApplyDefaults(v)

	assert.Equal(t, "table", v.GetString("defaults.output-format"))
	assert.Equal(t, "/auth/oauth2", v.GetString("sso.path"))
	assert.Equal(t, "migrations/sql", v.GetString("migrations.dir"))
}

func TestLoadSettings_Precedence(t *testing.T) {
	path := filepath.Join(t.TempDir(), "authctl.yaml")
	require.NoError(t, os.WriteFile(path, []byte("app:\n  id: 5\n  pool-id: 6\ndefaults:\n  output-format: json\n"), 0o600))
	t.Setenv("AUTHCTL_APP_ID", "9")

	v := viper.New()
	ApplyDefaults(v)
	s, err := LoadSettings(v, path)
	require.NoError(t, err)

	assert.Equal(t, int64(9), s.AppID, "env overrides file")
	assert.Equal(t, int64(6), s.PoolID)
	assert.Equal(t, "json", s.OutputFormat)
	assert.Equal(t, path, s.ConfigFile)
}

func TestLoadSettings_Invalid(t *testing.T) {
	v := viper.New()
	ApplyDefaults(v)
	v.Set("defaults.output-format", "csv")
	_, err := LoadSettings(v, "")
	require.Error(t, err)

	v = viper.New()
	ApplyDefaults(v)
	_, err = LoadSettings(v, filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err, "an explicit config file must exist")
}

func TestChannelGet(t *testing.T) {
	base := authority(t)

	out, err := run(t, "channel", "get", "--identifier", "Blog:Index",
		"--authority-url", base, "--appid", "1", "--poolid", "2", "--format", "json")
	require.NoError(t, err)

	var channels []channel.Channel
	require.NoError(t, json.Unmarshal([]byte(out), &channels))
	require.Len(t, channels, 1)
	assert.Equal(t, int64(7), channels[0].ChannelID)
	assert.Equal(t, channel.ModifierPublic, channels[0].Modifier)

	_, err = run(t, "channel", "get", "--identifier", "missing:page",
		"--authority-url", base, "--appid", "1", "--poolid", "2")
	require.ErrorIs(t, err, channel.ErrNotFound)
}

func TestChannelGet_Validation(t *testing.T) {
	_, err := run(t, "channel", "get", "--appid", "1", "--poolid", "2", "--authority-url", "http://127.0.0.1:1")
	require.ErrorContains(t, err, "exactly one of")

	_, err = run(t, "channel", "get", "--identifier", "a:b", "--appid", "1", "--poolid", "2")
	require.ErrorIs(t, err, ErrNoSource)

	_, err = run(t, "channel", "get", "--identifier", "a:b", "--appid", "1", "--authority-url", "http://127.0.0.1:1")
	require.ErrorContains(t, err, "pool id is required")
}

func TestChannelPut_RequiresDatabase(t *testing.T) {
	_, err := run(t, "channel", "put", "--identifier", "a:b", "--appid", "1", "--poolid", "2")
	require.ErrorContains(t, err, "--database-url")
}

func TestAccessGet(t *testing.T) {
	out, err := run(t, "access", "get", "--channel", "7", "--role", "120",
		"--authority-url", authority(t), "--appid", "1", "--poolid", "2")
	require.NoError(t, err)

	lines := strings.Split(strings.TrimSpace(out), "\n")
	require.Len(t, lines, 2)
	assert.Contains(t, lines[0], "METHOD")
	assert.Equal(t, []string{"7", "120", "1", "1", "get,post"}, strings.Fields(lines[1]))
}

func TestWorkspace(t *testing.T) {
	out, err := run(t, "workspace", "--role", "120",
		"--authority-url", authority(t), "--appid", "1", "--poolid", "2")
	require.NoError(t, err)
	assert.Contains(t, out, "IDENTIFIER")
	assert.Contains(t, out, "blog:index")
}

func TestSSOURL(t *testing.T) {
	out, err := run(t, "sso", "url", "--redirect", "https://app.example.com/cb",
		"--appid", "1", "--state", "abc")
	require.NoError(t, err)

	target := strings.TrimSpace(out)
	assert.Contains(t, target, "/auth/oauth2/authorize?")
	assert.Contains(t, target, "appid=1")
	assert.Contains(t, target, "state=abc")
	assert.Contains(t, target, "scope=auth_base")

	_, err = run(t, "sso", "url", "--redirect", "https://app.example.com/cb", "--provider", "wechat")
	require.ErrorContains(t, err, "--client-id")

	out, err = run(t, "sso", "url", "--redirect", "https://app.example.com/cb", "--provider", "wechat", "--client-id", "wx123")
	require.NoError(t, err)
	assert.Contains(t, out, "appid=wx123")

	_, err = run(t, "sso", "url", "--redirect", "https://app.example.com/cb", "--provider", "line")
	require.ErrorContains(t, err, "unknown provider")
}

func TestSSODetect(t *testing.T) {
	out, err := run(t, "sso", "detect", "Mozilla/5.0 (iPhone) MicroMessenger/8.0.1")
	require.NoError(t, err)
	assert.Equal(t, "wechat", strings.TrimSpace(out))

	out, err = run(t, "sso", "detect", "curl/8.0")
	require.NoError(t, err)
	assert.Equal(t, "generic", strings.TrimSpace(out))
}

func TestMigrate_RequiresDatabase(t *testing.T) {
	_, err := run(t, "migrate", "status")
	require.ErrorContains(t, err, "--database-url")
}

func TestStatus(t *testing.T) {
	ready := true
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v1/status/readyz", r.URL.Path)
		if ready {
			_, _ = w.Write([]byte(`{"status":"ready","components":{"redis":"healthy","authority":"degraded"}}`))
			return
		}
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte(`{"status":"not_ready","components":{"redis":"unhealthy"}}`))
	}))
	defer srv.Close()

	out, err := run(t, "status", "--gateway-url", srv.URL, "--format", "json")
	require.NoError(t, err)

	var status StatusOutput
	require.NoError(t, json.Unmarshal([]byte(out), &status))
	assert.Equal(t, "partial", status.Overall)
	require.Len(t, status.Components, 2)
	assert.Equal(t, "authority", status.Components[0].Name)

	ready = false
	out, err = run(t, "status", "--gateway-url", srv.URL)
	require.ErrorIs(t, err, ErrNotReady)
	assert.Contains(t, out, "unhealthy")
}

package server

import (
	"context"
	"io"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"regexp"
	"strings"
	"testing"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Tyrowin/ezchat/internal/config"
)

// browser is an HTTP client that keeps cookies like a browser would.
type browser struct {
	t      *testing.T
	env    *testEnv
	client *http.Client
}

func newBrowser(t *testing.T, env *testEnv) *browser {
	jar, err := cookiejar.New(nil)
	require.NoError(t, err)
	return &browser{t: t, env: env, client: &http.Client{Jar: jar}}
}

func (b *browser) do(method, path, contentType, body string) (int, string) {
	b.t.Helper()
	req, err := http.NewRequest(method, b.env.http.URL+path, strings.NewReader(body))
	require.NoError(b.t, err)
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}

	resp, err := b.client.Do(req)
	require.NoError(b.t, err)
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	require.NoError(b.t, err)
	return resp.StatusCode, string(raw)
}

func (b *browser) postJSON(path, body string) (int, string) {
	return b.do(http.MethodPost, path, "application/json", body)
}

func (b *browser) postForm(path string, values url.Values) (int, string) {
	return b.do(http.MethodPost, path, "application/x-www-form-urlencoded", values.Encode())
}

// dial opens the chat socket with whatever session cookie the browser holds.
func (b *browser) dial() *websocket.Conn {
	b.t.Helper()
	u, err := url.Parse(b.env.http.URL)
	require.NoError(b.t, err)

	header := http.Header{}
	header.Set("Origin", b.env.http.URL)
	for _, c := range b.client.Jar.Cookies(u) {
		header.Add("Cookie", c.String())
	}

	conn, resp, err := websocket.DefaultDialer.Dial(b.env.wsURL(), header)
	if resp != nil {
		_ = resp.Body.Close()
	}
	require.NoError(b.t, err)
	b.t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func createUser(t *testing.T, env *testEnv, username, email, password string) {
	t.Helper()
	_, err := env.auth.CreateUser(context.Background(), username, email, password)
	require.NoError(t, err)
}

// TestLoginSessionGatesChat walks the full flow: a logged-in browser is
// admitted to the chat, and after logout the same browser is refused.
func TestLoginSessionGatesChat(t *testing.T) {
	env := newTestEnv(t, nil)
	createUser(t, env, "alice", "alice@example.com", "correct horse")
	b := newBrowser(t, env)

	status, body := b.do(http.MethodGet, "/auth", "", "")
	assert.Equal(t, http.StatusOK, status)
	assert.JSONEq(t, `{"authenticated":false}`, body)

	status, body = b.postJSON("/login", `{"username":"alice","password":"correct horse"}`)
	require.Equal(t, http.StatusOK, status, body)
	assert.JSONEq(t, `{"success":true}`, body)

	_, body = b.do(http.MethodGet, "/auth", "", "")
	assert.JSONEq(t, `{"authenticated":true,"user":"alice"}`, body)

	conn := b.dial()
	readHistory(t, conn)
	sendChat(t, conn, "hello from alice")
	assert.Equal(t, "alice", readChat(t, conn).User)

	status, _ = b.postJSON("/logout", "")
	assert.Equal(t, http.StatusOK, status)

	_, body = b.do(http.MethodGet, "/auth", "", "")
	assert.JSONEq(t, `{"authenticated":false}`, body)
	assert.Equal(t, EventUnauthorized, readEvent(t, b.dial()).Event)
}

func TestLoginAcceptsFormBody(t *testing.T) {
	env := newTestEnv(t, nil)
	createUser(t, env, "alice", "alice@example.com", "correct horse")
	b := newBrowser(t, env)

	status, body := b.postForm("/login", url.Values{"username": {"alice"}, "password": {"correct horse"}})
	require.Equal(t, http.StatusOK, status, body)

	_, body = b.do(http.MethodGet, "/auth", "", "")
	assert.JSONEq(t, `{"authenticated":true,"user":"alice"}`, body)
}

func TestLoginFailures(t *testing.T) {
	env := newTestEnv(t, nil)
	createUser(t, env, "alice", "alice@example.com", "correct horse")

	tests := []struct {
		name   string
		body   string
		status int
		want   string
	}{
		{"wrong password", `{"username":"alice","password":"battery staple"}`, http.StatusUnauthorized, `{"success":false,"message":"invalid credentials"}`},
		{"unknown user", `{"username":"bob","password":"whatever"}`, http.StatusUnauthorized, `{"success":false,"message":"user does not exist"}`},
		{"missing password", `{"username":"alice"}`, http.StatusBadRequest, `{"success":false,"message":"username and password are required"}`},
		{"not json", `username=alice`, http.StatusBadRequest, `{"success":false,"message":"username and password are required"}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := newBrowser(t, env)
			status, body := b.postJSON("/login", tt.body)
			assert.Equal(t, tt.status, status)
			assert.JSONEq(t, tt.want, body)

			_, body = b.do(http.MethodGet, "/auth", "", "")
			assert.JSONEq(t, `{"authenticated":false}`, body)
		})
	}
}

func TestLoginIsThrottledPerHost(t *testing.T) {
	env := newTestEnv(t, func(cfg *config.Config) { cfg.Auth.LoginRateBurst = 2 })
	createUser(t, env, "alice", "alice@example.com", "correct horse")
	b := newBrowser(t, env)

	for i := 0; i < 2; i++ {
		status, _ := b.postJSON("/login", `{"username":"alice","password":"nope"}`)
		assert.Equal(t, http.StatusUnauthorized, status)
	}

	status, body := b.postJSON("/login", `{"username":"alice","password":"correct horse"}`)
	assert.Equal(t, http.StatusTooManyRequests, status)
	assert.Contains(t, body, `"success":false`)
}

var tokenPattern = regexp.MustCompile(`token=([0-9a-f]{64})`)

func TestPasswordResetFlow(t *testing.T) {
	env := newTestEnv(t, func(cfg *config.Config) { cfg.App.BaseURL = "https://chat.example/" })
	createUser(t, env, "alice", "alice@example.com", "correct horse")
	b := newBrowser(t, env)

	status, body := b.postJSON("/forgot-password", `{"email":"nobody@example.com"}`)
	assert.Equal(t, http.StatusNotFound, status)
	assert.JSONEq(t, `{"success":false,"message":"email not registered"}`, body)
	assert.Equal(t, 0, env.mailer.count())

	status, body = b.postForm("/forgot-password", url.Values{"email": {"Alice@Example.com"}})
	require.Equal(t, http.StatusOK, status, body)
	require.Equal(t, 1, env.mailer.count())

	sent := env.mailer.last()
	assert.Equal(t, "alice@example.com", sent.To)
	assert.Contains(t, sent.HTML, "https://chat.example/reset-password.html?")
	match := tokenPattern.FindStringSubmatch(sent.HTML)
	require.Len(t, match, 2, "mail should carry the reset token")
	token := match[1]

	status, _ = b.postJSON("/reset-password",
		`{"email":"alice@example.com","token":"`+strings.Repeat("0", 64)+`","new_password":"new password"}`)
	assert.Equal(t, http.StatusBadRequest, status)

	status, body = b.postJSON("/reset-password",
		`{"email":"alice@example.com","token":"`+token+`","new_password":"short"}`)
	assert.Equal(t, http.StatusBadRequest, status, body)

	status, body = b.postJSON("/reset-password",
		`{"email":"alice@example.com","token":"`+token+`","new_password":"new password"}`)
	require.Equal(t, http.StatusOK, status, body)

	status, body = b.postJSON("/reset-password",
		`{"email":"alice@example.com","token":"`+token+`","new_password":"another one"}`)
	assert.Equal(t, http.StatusBadRequest, status)
	assert.JSONEq(t, `{"success":false,"message":"invalid or expired token"}`, body)

	status, _ = b.postJSON("/login", `{"username":"alice","password":"correct horse"}`)
	assert.Equal(t, http.StatusUnauthorized, status)
	status, _ = b.postJSON("/login", `{"username":"alice","password":"new password"}`)
	assert.Equal(t, http.StatusOK, status)
}

func TestForgotPasswordRequiresEmail(t *testing.T) {
	env := newTestEnv(t, nil)
	b := newBrowser(t, env)

	status, body := b.postJSON("/forgot-password", `{"email":"not an email"}`)
	assert.Equal(t, http.StatusBadRequest, status)
	assert.JSONEq(t, `{"success":false,"message":"a valid email is required"}`, body)
}

func TestStaticRoutes(t *testing.T) {
	env := newTestEnv(t, nil)
	b := newBrowser(t, env)

	status, body := b.do(http.MethodGet, "/health", "", "")
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, "ezchat server is running!", body)

	status, body = b.do(http.MethodGet, "/test", "", "")
	assert.Equal(t, http.StatusOK, status)
	assert.Contains(t, body, "new WebSocket(")

	status, _ = b.do(http.MethodGet, "/login", "", "")
	assert.Equal(t, http.StatusMethodNotAllowed, status)
}

// TestPasswordLimitIsInBytes sends passwords that fit 72 runes but not 72
// bytes; they are refused as bad requests and the reset token survives.
func TestPasswordLimitIsInBytes(t *testing.T) {
	env := newTestEnv(t, nil)
	createUser(t, env, "alice", "alice@example.com", "correct horse")
	b := newBrowser(t, env)

	overlong := strings.Repeat("é", 72)

	status, _ := b.postJSON("/login", `{"username":"alice","password":"`+overlong+`"}`)
	assert.Equal(t, http.StatusBadRequest, status)

	status, body := b.postJSON("/forgot-password", `{"email":"alice@example.com"}`)
	require.Equal(t, http.StatusOK, status, body)
	match := tokenPattern.FindStringSubmatch(env.mailer.last().HTML)
	require.Len(t, match, 2)
	token := match[1]

	status, body = b.postJSON("/reset-password",
		`{"email":"alice@example.com","token":"`+token+`","new_password":"`+overlong+`"}`)
	assert.Equal(t, http.StatusBadRequest, status, body)
	assert.Contains(t, body, `"success":false`)

	fits := strings.Repeat("é", 36)
	status, body = b.postJSON("/reset-password",
		`{"email":"alice@example.com","token":"`+token+`","new_password":"`+fits+`"}`)
	require.Equal(t, http.StatusOK, status, body)

	status, _ = b.postJSON("/login", `{"username":"alice","password":"`+fits+`"}`)
	assert.Equal(t, http.StatusOK, status)
}

func TestHealthReportsStoreOutage(t *testing.T) {
	env := newTestEnv(t, nil)
	b := newBrowser(t, env)

	status, _ := b.do(http.MethodGet, "/health", "", "")
	assert.Equal(t, http.StatusOK, status)

	require.NoError(t, env.store.Store.Close())

	status, body := b.do(http.MethodGet, "/health", "", "")
	assert.Equal(t, http.StatusServiceUnavailable, status)
	assert.Equal(t, "database unavailable", body)
}

func preflight(t *testing.T, env *testEnv, origin string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(http.MethodOptions, env.http.URL+"/login", nil)
	require.NoError(t, err)
	req.Header.Set("Origin", origin)
	req.Header.Set("Access-Control-Request-Method", http.MethodPost)

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	_ = resp.Body.Close()
	return resp
}

// TestCORSNamesOriginWithCredentials checks that credentialed CORS answers
// echo the caller's origin instead of "*", for both wildcard and explicit
// allow-lists.
func TestCORSNamesOriginWithCredentials(t *testing.T) {
	wildcard := newTestEnv(t, nil)
	resp := preflight(t, wildcard, "https://site.example")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "https://site.example", resp.Header.Get("Access-Control-Allow-Origin"))
	assert.Equal(t, "true", resp.Header.Get("Access-Control-Allow-Credentials"))

	explicit := newTestEnv(t, func(cfg *config.Config) {
		cfg.Server.AllowedOrigins = []string{"https://site.example"}
	})
	resp = preflight(t, explicit, "https://site.example")
	assert.Equal(t, "https://site.example", resp.Header.Get("Access-Control-Allow-Origin"))
	assert.Equal(t, "true", resp.Header.Get("Access-Control-Allow-Credentials"))

	resp = preflight(t, explicit, "https://evil.example")
	assert.Empty(t, resp.Header.Get("Access-Control-Allow-Origin"))
}

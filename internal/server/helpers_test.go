package server

import (
	"context"
	"net"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/Tyrowin/ezchat/internal/auth"
	"github.com/Tyrowin/ezchat/internal/config"
	"github.com/Tyrowin/ezchat/internal/mail"
	"github.com/Tyrowin/ezchat/internal/session"
	"github.com/Tyrowin/ezchat/internal/store"
)

// flakyStore wraps the SQLite store and can be told to fail.
type flakyStore struct {
	*store.Store

	mu          sync.Mutex
	failText    string
	failHistory bool
}

func (f *flakyStore) Append(ctx context.Context, user, text string) (store.Message, error) {
	f.mu.Lock()
	fail := f.failText != "" && f.failText == text
	f.mu.Unlock()
	if fail {
		return store.Message{}, &store.StorageError{Op: "append message", Err: errors.New("connection lost")}
	}
	return f.Store.Append(ctx, user, text)
}

func (f *flakyStore) History(ctx context.Context, limit int) ([]store.Message, error) {
	f.mu.Lock()
	fail := f.failHistory
	f.mu.Unlock()
	if fail {
		return nil, &store.StorageError{Op: "history", Err: errors.New("connection lost")}
	}
	return f.Store.History(ctx, limit)
}

type recordingMailer struct {
	mu   sync.Mutex
	sent []mail.Message
}

func (m *recordingMailer) Send(_ context.Context, msg mail.Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sent = append(m.sent, msg)
	return nil
}

func (m *recordingMailer) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sent)
}

func (m *recordingMailer) last() mail.Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sent[len(m.sent)-1]
}

type testEnv struct {
	cfg      config.Config
	srv      *Server
	http     *httptest.Server
	store    *flakyStore
	sessions *session.MemoryStore
	auth     *auth.Service
	mailer   *recordingMailer
	logs     *test.Hook
}

func newTestEnv(t *testing.T, customize func(cfg *config.Config)) *testEnv {
	t.Helper()

	cfg := config.Default()
	cfg.Server.AllowedOrigins = []string{"*"}
	cfg.Auth.BcryptCost = bcrypt.MinCost
	cfg.App.StoreTimeout = 2 * time.Second
	if customize != nil {
		customize(&cfg)
	}
	cfg = config.Sanitize(cfg)

	db, err := store.Open(context.Background(), filepath.Join(t.TempDir(), "chat.db"))
	require.NoError(t, err)

	logger, hook := test.NewNullLogger()
	logger.SetLevel(logrus.DebugLevel)

	env := &testEnv{
		cfg:      cfg,
		store:    &flakyStore{Store: db},
		sessions: session.NewMemoryStore(cfg.Session.TTL),
		mailer:   &recordingMailer{},
		logs:     hook,
	}
	env.auth = auth.NewService(db, env.mailer, auth.Options{
		BcryptCost: cfg.Auth.BcryptCost,
		ResetTTL:   cfg.Auth.ResetTTL,
		MailFrom:   cfg.SMTP.From,
	}, logger)

	env.srv = New(cfg, Deps{
		Messages: env.store,
		Sessions: &session.Resolver{
			Store:      env.sessions,
			CookieName: cfg.Session.CookieName,
			TTL:        cfg.Session.TTL,
		},
		Auth:   env.auth,
		Logger: logger,
	})
	env.srv.Start()
	env.http = httptest.NewServer(env.srv.SetupRoutes())

	t.Cleanup(func() {
		_ = env.srv.Shutdown(2 * time.Second)
		env.http.Close()
		_ = db.Close()
	})
	return env
}

// sessionCookie creates a live session for username and returns its cookie.
func (e *testEnv) sessionCookie(t *testing.T, username string) *http.Cookie {
	t.Helper()
	s, err := e.sessions.Create(context.Background(), username)
	require.NoError(t, err)
	return &http.Cookie{Name: e.cfg.Session.CookieName, Value: s.ID}
}

func (e *testEnv) wsURL() string {
	return "ws" + strings.TrimPrefix(e.http.URL, "http") + "/ws"
}

// dial opens a WebSocket carrying cookie (nil for none).
func (e *testEnv) dial(t *testing.T, cookie *http.Cookie) *websocket.Conn {
	t.Helper()
	header := http.Header{}
	header.Set("Origin", e.http.URL)
	if cookie != nil {
		header.Set("Cookie", cookie.String())
	}

	dialer := websocket.Dialer{HandshakeTimeout: 5 * time.Second}
	conn, resp, err := dialer.Dial(e.wsURL(), header)
	if resp != nil {
		_ = resp.Body.Close()
	}
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

// admit dials as username and consumes the history catch-up.
func (e *testEnv) admit(t *testing.T, username string) (*websocket.Conn, []store.Message) {
	t.Helper()
	conn := e.dial(t, e.sessionCookie(t, username))
	return conn, readHistory(t, conn)
}

func readEvent(t *testing.T, conn *websocket.Conn) Envelope {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(3*time.Second)))
	_, raw, err := conn.ReadMessage()
	require.NoError(t, err)

	var env Envelope
	require.NoError(t, json.Unmarshal(raw, &env), "frame %s", raw)
	return env
}

func readHistory(t *testing.T, conn *websocket.Conn) []store.Message {
	t.Helper()
	env := readEvent(t, conn)
	require.Equal(t, EventChatHistory, env.Event)

	var messages []store.Message
	require.NoError(t, json.Unmarshal(env.Data, &messages))
	return messages
}

func readChat(t *testing.T, conn *websocket.Conn) store.Message {
	t.Helper()
	env := readEvent(t, conn)
	require.Equal(t, EventChatMessage, env.Event, "data %s", env.Data)

	var msg store.Message
	require.NoError(t, json.Unmarshal(env.Data, &msg))
	return msg
}

func sendChat(t *testing.T, conn *websocket.Conn, text string) {
	t.Helper()
	payload, err := encodeEvent(EventChatMessage, text)
	require.NoError(t, err)
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, payload))
}

func sendRaw(t *testing.T, conn *websocket.Conn, raw string) {
	t.Helper()
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(raw)))
}

// expectNoMessage asserts nothing arrives within timeout. The connection
// cannot be read again afterwards.
func expectNoMessage(t *testing.T, conn *websocket.Conn, timeout time.Duration) {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(timeout)))
	_, raw, err := conn.ReadMessage()
	if err == nil {
		t.Fatalf("Expected no message, but received %s", raw)
	}
	if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
		return
	}
	if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
		return
	}
	t.Fatalf("Unexpected error while waiting for absence of message: %v", err)
}

func (e *testEnv) history(t *testing.T) []store.Message {
	t.Helper()
	messages, err := e.store.Store.History(context.Background(), 0)
	require.NoError(t, err)
	return messages
}

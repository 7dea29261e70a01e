// Package server assembles the chat hub, session gate and auth service into
// one Server and controls its lifecycle.
package server

import (
	"context"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/Tyrowin/ezchat/internal/auth"
	"github.com/Tyrowin/ezchat/internal/config"
	"github.com/Tyrowin/ezchat/internal/session"
	"github.com/Tyrowin/ezchat/internal/store"
)

// MessageStore is the persistence the chat room needs.
type MessageStore interface {
	MessageAppender
	HistorySource
}

// Deps are the collaborators injected into a Server.
type Deps struct {
	Messages MessageStore
	Sessions *session.Resolver
	Auth     *auth.Service
	Logger   logrus.FieldLogger
	// AccessLog receives combined-format HTTP access lines; nil disables them.
	AccessLog io.Writer
}

// Server serves the chat WebSocket and the login endpoints.
type Server struct {
	cfg      config.Config
	hub      *Hub
	gate     *Gate
	sessions *session.Resolver
	auth     *auth.Service
	messages MessageStore
	origins  *originPolicy
	throttle *loginThrottle
	validate *validator.Validate
	upgrader websocket.Upgrader
	log      logrus.FieldLogger
	access   io.Writer

	inertMu sync.Mutex
	inert   map[*websocket.Conn]struct{}
	inertWG sync.WaitGroup
	closing bool
}

// New creates a Server. Call Start before serving requests.
func New(cfg config.Config, deps Deps) *Server {
	log := deps.Logger
	if log == nil {
		log = logrus.StandardLogger()
	}

	s := &Server{
		cfg:      cfg,
		sessions: deps.Sessions,
		auth:     deps.Auth,
		messages: deps.Messages,
		origins:  newOriginPolicy(cfg.Server.AllowedOrigins, log),
		throttle: newLoginThrottle(cfg.Auth.LoginRateBurst, cfg.Auth.LoginRateInterval),
		validate: newValidator(),
		log:      log,
		access:   deps.AccessLog,
		inert:    make(map[*websocket.Conn]struct{}),
	}
	s.gate = NewGate(deps.Sessions, log.WithField("component", "gate"))
	s.hub = NewHub(deps.Messages, HubOptions{
		HistoryLimit: cfg.App.HistoryLimit,
		StoreTimeout: cfg.App.StoreTimeout,
	}, log.WithField("component", "hub"))
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     s.origins.checkOrigin,
	}
	return s
}

// Hub returns the chat hub for shutdown coordination and inspection.
func (s *Server) Hub() *Hub {
	return s.hub
}

// Start runs the hub loop in its own goroutine.
func (s *Server) Start() {
	go s.hub.Run()
	s.log.Info("Hub started and ready to manage WebSocket connections")
}

// Shutdown closes inert connections and stops the hub, waiting up to timeout.
func (s *Server) Shutdown(timeout time.Duration) error {
	s.inertMu.Lock()
	s.closing = true
	for conn := range s.inert {
		_ = conn.Close()
	}
	s.inertMu.Unlock()
	s.inertWG.Wait()

	return s.hub.Shutdown(timeout)
}

func (s *Server) clientOptions() ClientOptions {
	return ClientOptions{
		MaxMessageSize: s.cfg.Server.MaxMessageSize,
		MaxTextLength:  s.cfg.App.MaxTextLength,
		StoreTimeout:   s.cfg.App.StoreTimeout,
	}
}

// rejectConnection sends the single "unauthorized" event and then keeps the
// connection open but inert: inbound frames are read and discarded until the
// peer goes away.
func (s *Server) rejectConnection(conn *websocket.Conn, addr string) {
	payload, err := encodeEvent(EventUnauthorized, nil)
	if err == nil {
		_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
		err = conn.WriteMessage(websocket.TextMessage, payload)
	}
	if err != nil {
		s.log.WithError(err).WithField("remote_addr", addr).Debug("Could not signal unauthorized connection")
		_ = conn.Close()
		return
	}

	s.inertMu.Lock()
	if s.closing {
		s.inertMu.Unlock()
		_ = conn.Close()
		return
	}
	s.inert[conn] = struct{}{}
	s.inertWG.Add(1)
	s.inertMu.Unlock()

	go func() {
		defer s.inertWG.Done()
		defer func() {
			s.inertMu.Lock()
			delete(s.inert, conn)
			s.inertMu.Unlock()
			_ = conn.Close()
		}()

		for {
			if _, _, err := conn.NextReader(); err != nil {
				return
			}
		}
	}()
}

// isExpectedCloseError checks if an error is expected during connection closure.
func isExpectedCloseError(err error) bool {
	if err == nil {
		return true
	}
	errStr := err.Error()
	return strings.Contains(errStr, "use of closed network connection") ||
		strings.Contains(errStr, "websocket: close sent") ||
		strings.Contains(errStr, "broken pipe")
}

var _ MessageStore = (*store.Store)(nil)

// storeContext bounds a store call made on behalf of an HTTP request.
func (s *Server) storeContext(parent context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(parent, s.cfg.App.StoreTimeout)
}

// Package server admits WebSocket connections only when the handshake
// carries a live login session.
package server

import (
	"net/http"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/Tyrowin/ezchat/internal/session"
)

// Gate decides whether a WebSocket handshake belongs to a logged-in user.
type Gate struct {
	sessions *session.Resolver
	log      logrus.FieldLogger
}

// NewGate creates a Gate backed by resolver.
func NewGate(resolver *session.Resolver, log logrus.FieldLogger) *Gate {
	return &Gate{sessions: resolver, log: log}
}

// Admit returns the username bound to the request's session. A missing or
// expired session is a normal outcome and is only logged at debug level.
func (g *Gate) Admit(r *http.Request) (string, bool) {
	s, err := g.sessions.Resolve(r)
	if err != nil {
		if !errors.Is(err, session.ErrNotFound) {
			g.log.WithError(err).WithField("remote_addr", r.RemoteAddr).Warn("session lookup failed")
		} else {
			g.log.WithField("remote_addr", r.RemoteAddr).Debug("connection without session")
		}
		return "", false
	}
	if s.Username == "" {
		return "", false
	}
	return s.Username, true
}

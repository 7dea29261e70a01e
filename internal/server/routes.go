// Package server wires HTTP handlers into a gorilla/mux router wrapped with
// CORS, panic recovery and access logging.
package server

import (
	"net/http"

	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
)

// SetupRoutes returns the application handler with all routes.
func (s *Server) SetupRoutes() http.Handler {
	r := mux.NewRouter()
	r.HandleFunc("/ws", s.WebSocketHandler)
	r.HandleFunc("/login", s.LoginHandler).Methods(http.MethodPost)
	r.HandleFunc("/logout", s.LogoutHandler).Methods(http.MethodPost)
	r.HandleFunc("/auth", s.AuthStatusHandler).Methods(http.MethodGet)
	r.HandleFunc("/forgot-password", s.ForgotPasswordHandler).Methods(http.MethodPost)
	r.HandleFunc("/reset-password", s.ResetPasswordHandler).Methods(http.MethodPost)
	r.HandleFunc("/health", s.HealthHandler).Methods(http.MethodGet, http.MethodHead)
	r.HandleFunc("/test", s.TestPageHandler).Methods(http.MethodGet)

	if dir := s.cfg.Server.StaticDir; dir != "" {
		r.PathPrefix("/").Handler(http.FileServer(http.Dir(dir)))
	} else {
		r.HandleFunc("/", s.HealthHandler)
	}

	var h http.Handler = r
	// an empty origin list would make the CORS handler allow everyone
	if origins := s.origins.origins(); len(origins) > 0 {
		allow := handlers.AllowedOrigins(origins)
		if s.origins.allowAll {
			// credentialed responses must name the origin, never "*"
			allow = handlers.AllowedOriginValidator(func(origin string) bool {
				_, ok := normalizeOrigin(origin)
				return ok
			})
		}
		h = handlers.CORS(
			allow,
			handlers.AllowedMethods([]string{http.MethodGet, http.MethodHead, http.MethodPost, http.MethodOptions}),
			handlers.AllowedHeaders([]string{"Content-Type"}),
			handlers.AllowCredentials(),
		)(h)
	}
	h = handlers.RecoveryHandler(handlers.RecoveryLogger(s.log), handlers.PrintRecoveryStack(true))(h)
	if s.access != nil {
		h = handlers.CombinedLoggingHandler(s.access, h)
	}
	return h
}

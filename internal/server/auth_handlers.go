// Package server implements the session endpoints that establish and destroy
// the login session read by the WebSocket gate, plus the password reset flow.
package server

import (
	"mime"
	"net/http"
	"net/url"

	"github.com/go-playground/validator/v10"
	"github.com/pkg/errors"

	"github.com/Tyrowin/ezchat/internal/auth"
	"github.com/Tyrowin/ezchat/internal/session"
)

type result struct {
	Success bool   `json:"success"`
	Message string `json:"message,omitempty"`
}

type authStatus struct {
	Authenticated bool   `json:"authenticated"`
	User          string `json:"user,omitempty"`
}

// formRequest is implemented by request bodies that may also arrive
// urlencoded.
type formRequest interface {
	fromForm(values url.Values)
}

type loginRequest struct {
	Username string `json:"username" validate:"required,max=64"`
	Password string `json:"password" validate:"required,bcryptmax"`
}

func (r *loginRequest) fromForm(v url.Values) {
	r.Username = v.Get("username")
	r.Password = v.Get("password")
}

type forgotPasswordRequest struct {
	Email string `json:"email" validate:"required,email"`
}

func (r *forgotPasswordRequest) fromForm(v url.Values) {
	r.Email = v.Get("email")
}

type resetPasswordRequest struct {
	Email       string `json:"email" validate:"required,email"`
	Token       string `json:"token" validate:"required,hexadecimal,len=64"`
	NewPassword string `json:"new_password" validate:"required,min=8,bcryptmax"`
}

func (r *resetPasswordRequest) fromForm(v url.Values) {
	r.Email = v.Get("email")
	r.Token = v.Get("token")
	r.NewPassword = v.Get("new_password")
}

// newValidator returns a validator with the bcryptmax tag, which bounds a
// password by bytes rather than runes.
func newValidator() *validator.Validate {
	v := validator.New()
	_ = v.RegisterValidation("bcryptmax", func(fl validator.FieldLevel) bool {
		return len(fl.Field().String()) <= auth.MaxPasswordBytes
	})
	return v
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeResult(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, result{Success: status == http.StatusOK, Message: message})
}

// decodeRequest fills dst from a JSON or urlencoded body and validates it.
func (s *Server) decodeRequest(w http.ResponseWriter, r *http.Request, dst formRequest) error {
	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if mediaType == "application/x-www-form-urlencoded" {
		if err := r.ParseForm(); err != nil {
			return errors.Wrap(err, "parse form")
		}
		dst.fromForm(r.PostForm)
	} else if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<16)).Decode(dst); err != nil {
		return errors.Wrap(err, "decode body")
	}
	return s.validate.Struct(dst)
}

// LoginHandler checks credentials and starts a session.
func (s *Server) LoginHandler(w http.ResponseWriter, r *http.Request) {
	if !s.throttle.allow(r.RemoteAddr) {
		s.log.WithField("remote_addr", r.RemoteAddr).Warn("Login rate limit exceeded")
		writeResult(w, http.StatusTooManyRequests, "too many login attempts, try again later")
		return
	}

	var req loginRequest
	if err := s.decodeRequest(w, r, &req); err != nil {
		writeResult(w, http.StatusBadRequest, "username and password are required")
		return
	}

	ctx, cancel := s.storeContext(r.Context())
	defer cancel()

	user, err := s.auth.Login(ctx, req.Username, req.Password)
	switch {
	case errors.Is(err, auth.ErrUnknownUser):
		writeResult(w, http.StatusUnauthorized, "user does not exist")
		return
	case errors.Is(err, auth.ErrInvalidCredentials):
		writeResult(w, http.StatusUnauthorized, "invalid credentials")
		return
	case err != nil:
		s.log.WithError(err).Error("Login failed")
		writeResult(w, http.StatusInternalServerError, "internal error")
		return
	}

	if _, err := s.sessions.Issue(ctx, w, user); err != nil {
		s.log.WithError(err).Error("Could not create session")
		writeResult(w, http.StatusInternalServerError, "internal error")
		return
	}

	s.log.WithField("user", user).Info("User logged in")
	writeResult(w, http.StatusOK, "")
}

// LogoutHandler destroys the caller's session.
func (s *Server) LogoutHandler(w http.ResponseWriter, r *http.Request) {
	if err := s.sessions.Revoke(w, r); err != nil {
		s.log.WithError(err).Error("Could not destroy session")
		writeResult(w, http.StatusInternalServerError, "internal error")
		return
	}
	writeResult(w, http.StatusOK, "")
}

// AuthStatusHandler reports whether the caller is logged in.
func (s *Server) AuthStatusHandler(w http.ResponseWriter, r *http.Request) {
	sess, err := s.sessions.Resolve(r)
	if err != nil {
		if !errors.Is(err, session.ErrNotFound) {
			s.log.WithError(err).Warn("Session lookup failed")
		}
		writeJSON(w, http.StatusOK, authStatus{})
		return
	}
	writeJSON(w, http.StatusOK, authStatus{Authenticated: true, User: sess.Username})
}

// ForgotPasswordHandler mails a reset link to a registered address.
func (s *Server) ForgotPasswordHandler(w http.ResponseWriter, r *http.Request) {
	var req forgotPasswordRequest
	if err := s.decodeRequest(w, r, &req); err != nil {
		writeResult(w, http.StatusBadRequest, "a valid email is required")
		return
	}

	ctx, cancel := s.storeContext(r.Context())
	defer cancel()

	err := s.auth.RequestReset(ctx, req.Email, s.baseURL(r))
	switch {
	case errors.Is(err, auth.ErrUnknownUser):
		writeResult(w, http.StatusNotFound, "email not registered")
	case errors.Is(err, auth.ErrDelivery):
		writeResult(w, http.StatusBadGateway, "could not send the email")
	case err != nil:
		s.log.WithError(err).Error("Password reset request failed")
		writeResult(w, http.StatusInternalServerError, "internal error")
	default:
		writeResult(w, http.StatusOK, "")
	}
}

// ResetPasswordHandler sets a new password using a mailed token.
func (s *Server) ResetPasswordHandler(w http.ResponseWriter, r *http.Request) {
	var req resetPasswordRequest
	if err := s.decodeRequest(w, r, &req); err != nil {
		writeResult(w, http.StatusBadRequest, "email, token and a new password of 8 characters to 72 bytes are required")
		return
	}

	ctx, cancel := s.storeContext(r.Context())
	defer cancel()

	err := s.auth.ResetPassword(ctx, req.Email, req.Token, req.NewPassword)
	switch {
	case errors.Is(err, auth.ErrInvalidToken):
		writeResult(w, http.StatusBadRequest, "invalid or expired token")
	case errors.Is(err, auth.ErrPasswordTooLong):
		writeResult(w, http.StatusBadRequest, "password longer than 72 bytes")
	case err != nil:
		s.log.WithError(err).Error("Password reset failed")
		writeResult(w, http.StatusInternalServerError, "internal error")
	default:
		writeResult(w, http.StatusOK, "")
	}
}

// baseURL roots reset links at the configured site URL, falling back to the
// request host.
func (s *Server) baseURL(r *http.Request) string {
	if s.cfg.App.BaseURL != "" {
		return s.cfg.App.BaseURL
	}
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	return scheme + "://" + r.Host
}

package session

import (
	"context"
	"net/http"
	"time"

	"github.com/pkg/errors"
)

// Resolver maps requests to sessions through a cookie.
type Resolver struct {
	Store      Store
	CookieName string
	TTL        time.Duration
	Secure     bool
}

// Resolve returns the session referenced by the request cookie. It returns
// ErrNotFound when the cookie is missing or the session is gone.
func (r *Resolver) Resolve(req *http.Request) (Session, error) {
	cookie, err := req.Cookie(r.CookieName)
	if err != nil || cookie.Value == "" {
		return Session{}, ErrNotFound
	}
	return r.Store.Get(req.Context(), cookie.Value)
}

// Issue creates a session for username and sets its cookie on w.
func (r *Resolver) Issue(ctx context.Context, w http.ResponseWriter, username string) (Session, error) {
	s, err := r.Store.Create(ctx, username)
	if err != nil {
		return Session{}, errors.Wrap(err, "create session")
	}

	http.SetCookie(w, &http.Cookie{
		Name:     r.CookieName,
		Value:    s.ID,
		Path:     "/",
		Expires:  s.ExpiresAt,
		MaxAge:   int(r.TTL.Seconds()),
		HttpOnly: true,
		Secure:   r.Secure,
		SameSite: http.SameSiteLaxMode,
	})
	return s, nil
}

// Revoke destroys the request's session, if any, and clears the cookie.
func (r *Resolver) Revoke(w http.ResponseWriter, req *http.Request) error {
	if cookie, err := req.Cookie(r.CookieName); err == nil && cookie.Value != "" {
		if err := r.Store.Delete(req.Context(), cookie.Value); err != nil {
			return errors.Wrap(err, "delete session")
		}
	}

	http.SetCookie(w, &http.Cookie{
		Name:     r.CookieName,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   r.Secure,
		SameSite: http.SameSiteLaxMode,
	})
	return nil
}

// Package auth verifies site credentials and runs the password reset flow.
// Session handling lives in package session; this package only decides who
// a user is.
package auth

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"html"
	"net/url"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"golang.org/x/crypto/bcrypt"

	"github.com/Tyrowin/ezchat/internal/mail"
	"github.com/Tyrowin/ezchat/internal/store"
)

var (
	// ErrUnknownUser is returned when no account matches the username or email.
	ErrUnknownUser = errors.New("unknown user")
	// ErrInvalidCredentials is returned for a wrong password.
	ErrInvalidCredentials = errors.New("invalid credentials")
	// ErrInvalidToken is returned for a wrong or expired reset token.
	ErrInvalidToken = errors.New("invalid or expired token")
	// ErrDelivery is returned when the reset mail could not be sent.
	ErrDelivery = errors.New("mail delivery failed")
	// ErrPasswordTooLong is returned for passwords bcrypt cannot hash.
	ErrPasswordTooLong = errors.New("password longer than 72 bytes")
)

// MaxPasswordBytes is the bcrypt input limit.
const MaxPasswordBytes = 72

// UserStore is the persistence the service needs.
type UserStore interface {
	CreateUser(ctx context.Context, username, email, passwordHash string) (store.User, error)
	UserByUsername(ctx context.Context, username string) (store.User, error)
	UserByEmail(ctx context.Context, email string) (store.User, error)
	SetResetToken(ctx context.Context, email, token string, expires time.Time) error
	ResetPassword(ctx context.Context, email, token, passwordHash string, now time.Time) error
}

// Options tunes the service.
type Options struct {
	BcryptCost int
	ResetTTL   time.Duration
	MailFrom   string
}

// Service authenticates users.
type Service struct {
	users  UserStore
	mailer mail.Mailer
	opts   Options
	log    logrus.FieldLogger
	now    func() time.Time
}

// NewService creates a Service.
func NewService(users UserStore, mailer mail.Mailer, opts Options, log logrus.FieldLogger) *Service {
	if opts.BcryptCost == 0 {
		opts.BcryptCost = bcrypt.DefaultCost
	}
	if opts.ResetTTL <= 0 {
		opts.ResetTTL = time.Hour
	}
	return &Service{
		users:  users,
		mailer: mailer,
		opts:   opts,
		log:    log,
		now:    time.Now,
	}
}

// CreateUser registers an account with a bcrypt-hashed password.
func (s *Service) CreateUser(ctx context.Context, username, email, password string) (store.User, error) {
	hash, err := s.hash(password)
	if err != nil {
		return store.User{}, err
	}
	return s.users.CreateUser(ctx, strings.TrimSpace(username), normalizeEmail(email), string(hash))
}

// Login checks username and password and returns the canonical username.
func (s *Service) Login(ctx context.Context, username, password string) (string, error) {
	user, err := s.users.UserByUsername(ctx, strings.TrimSpace(username))
	if errors.Is(err, store.ErrNotFound) {
		return "", ErrUnknownUser
	}
	if err != nil {
		return "", errors.Wrap(err, "load user")
	}

	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(password)); err != nil {
		return "", ErrInvalidCredentials
	}
	return user.Username, nil
}

// RequestReset stores a fresh reset token for email and mails a reset link
// rooted at baseURL.
func (s *Service) RequestReset(ctx context.Context, email, baseURL string) error {
	email = normalizeEmail(email)

	if _, err := s.users.UserByEmail(ctx, email); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return ErrUnknownUser
		}
		return errors.Wrap(err, "load user")
	}

	token, err := newToken()
	if err != nil {
		return errors.Wrap(err, "generate token")
	}
	expires := s.now().UTC().Add(s.opts.ResetTTL).Truncate(time.Second)

	if err := s.users.SetResetToken(ctx, email, token, expires); err != nil {
		return errors.Wrap(err, "store reset token")
	}

	link := ResetLink(baseURL, token, email)
	msg := mail.Message{
		From:    fmt.Sprintf("EZ Way Mortgage <%s>", s.opts.MailFrom),
		To:      email,
		Subject: "Restablece tu contraseña / Reset Your Password",
		HTML:    resetBody(link, s.opts.ResetTTL),
	}
	if err := s.mailer.Send(ctx, msg); err != nil {
		s.log.WithError(err).WithField("to", email).Error("failed to send reset mail")
		return ErrDelivery
	}
	return nil
}

// ResetPassword sets a new password when token is the live reset token for email.
func (s *Service) ResetPassword(ctx context.Context, email, token, newPassword string) error {
	hash, err := s.hash(newPassword)
	if err != nil {
		return err
	}

	err = s.users.ResetPassword(ctx, normalizeEmail(email), token, string(hash), s.now())
	if errors.Is(err, store.ErrNotFound) {
		return ErrInvalidToken
	}
	return errors.Wrap(err, "reset password")
}

func (s *Service) hash(password string) ([]byte, error) {
	if len(password) > MaxPasswordBytes {
		return nil, ErrPasswordTooLong
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), s.opts.BcryptCost)
	if err != nil {
		return nil, errors.Wrap(err, "hash password")
	}
	return hash, nil
}

// ResetLink builds the reset page URL carrying token and email.
func ResetLink(baseURL, token, email string) string {
	q := url.Values{}
	q.Set("token", token)
	q.Set("email", email)
	return strings.TrimRight(baseURL, "/") + "/reset-password.html?" + q.Encode()
}

func resetBody(link string, ttl time.Duration) string {
	escaped := html.EscapeString(link)
	validity := ttl.Round(time.Minute).String()
	return fmt.Sprintf(`<p>Haz clic en el siguiente enlace para restablecer tu contraseña (válido %[2]s):</p>
<a href="%[1]s">%[1]s</a>
<hr/>
<p>Click the link above to reset your password (valid %[2]s).</p>`, escaped, validity)
}

func newToken() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

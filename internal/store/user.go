package store

import (
	"context"
	"database/sql"
	"strings"
	"time"

	"github.com/pkg/errors"
)

// User is a site account allowed to log in and chat.
type User struct {
	ID           int64
	Username     string
	Email        string
	PasswordHash string
	ResetToken   string
	ResetExpires time.Time
}

const userColumns = `id, username, email, password_hash, reset_token, reset_expires`

// CreateUser inserts a new user. It returns ErrConflict when the username or
// email is taken.
func (s *Store) CreateUser(ctx context.Context, username, email, passwordHash string) (User, error) {
	res, err := s.db.ExecContext(ctx, `INSERT INTO users (username, email, password_hash) VALUES (?, ?, ?);`, username, email, passwordHash)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed") {
			return User{}, errors.Wrapf(ErrConflict, "user %q", username)
		}
		return User{}, storageError("create user", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return User{}, storageError("create user", err)
	}
	return User{ID: id, Username: username, Email: email, PasswordHash: passwordHash}, nil
}

// UserByUsername looks a user up by exact username.
func (s *Store) UserByUsername(ctx context.Context, username string) (User, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE username = ?;`, username)
	return scanUser(row, "user by username")
}

// UserByEmail looks a user up by email.
func (s *Store) UserByEmail(ctx context.Context, email string) (User, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE email = ?;`, email)
	return scanUser(row, "user by email")
}

func scanUser(row *sql.Row, op string) (User, error) {
	var (
		u       User
		token   sql.NullString
		expires sql.NullTime
	)
	err := row.Scan(&u.ID, &u.Username, &u.Email, &u.PasswordHash, &token, &expires)
	if errors.Is(err, sql.ErrNoRows) {
		return User{}, errors.Wrap(ErrNotFound, op)
	}
	if err != nil {
		return User{}, storageError(op, err)
	}
	u.ResetToken = token.String
	if expires.Valid {
		u.ResetExpires = expires.Time.UTC()
	}
	return u, nil
}

// SetResetToken records a password reset token for the user with email.
func (s *Store) SetResetToken(ctx context.Context, email, token string, expires time.Time) error {
	res, err := s.db.ExecContext(ctx, `UPDATE users SET reset_token = ?, reset_expires = ? WHERE email = ?;`, token, expires.UTC(), email)
	if err != nil {
		return storageError("set reset token", err)
	}
	return requireRow(res, "set reset token")
}

// ResetPassword replaces the password hash and clears the reset token, but
// only if token matches the stored one and has not expired at now.
func (s *Store) ResetPassword(ctx context.Context, email, token, passwordHash string, now time.Time) error {
	res, err := s.db.ExecContext(ctx, `UPDATE users SET password_hash = ?, reset_token = NULL, reset_expires = NULL
		WHERE email = ? AND reset_token = ? AND reset_expires > ?;`, passwordHash, email, token, now.UTC())
	if err != nil {
		return storageError("reset password", err)
	}
	return requireRow(res, "reset password")
}

func requireRow(res sql.Result, op string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return storageError(op, err)
	}
	if n == 0 {
		return errors.Wrap(ErrNotFound, op)
	}
	return nil
}

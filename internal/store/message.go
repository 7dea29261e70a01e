package store

import (
	"context"
	"database/sql"
	"time"

	"github.com/pkg/errors"
)

// Message is a persisted chat message.
type Message struct {
	ID   int64     `json:"id"`
	User string    `json:"user"`
	Text string    `json:"text"`
	Date time.Time `json:"date"`
}

// Append stores a message for user and returns the persisted record with
// its server-assigned id and date.
func (s *Store) Append(ctx context.Context, user, text string) (Message, error) {
	msg := Message{
		User: user,
		Text: text,
		Date: time.Now().UTC().Truncate(time.Microsecond),
	}

	res, err := s.db.ExecContext(ctx, `INSERT INTO messages (user, text, date) VALUES (?, ?, ?);`, msg.User, msg.Text, msg.Date)
	if err != nil {
		return Message{}, storageError("append message", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return Message{}, storageError("append message", err)
	}
	msg.ID = id
	return msg, nil
}

// Latest returns the most recently inserted message.
func (s *Store) Latest(ctx context.Context) (Message, error) {
	var m Message
	err := s.db.QueryRowContext(ctx, `SELECT id, user, text, date FROM messages ORDER BY id DESC LIMIT 1;`).
		Scan(&m.ID, &m.User, &m.Text, &m.Date)
	if errors.Is(err, sql.ErrNoRows) {
		return Message{}, errors.Wrap(ErrNotFound, "latest message")
	}
	if err != nil {
		return Message{}, storageError("latest message", err)
	}
	m.Date = m.Date.UTC()
	return m, nil
}

// History returns messages in ascending date order, ties broken by
// insertion order. A positive limit keeps only the most recent limit
// messages, still in ascending order.
func (s *Store) History(ctx context.Context, limit int) ([]Message, error) {
	query := `SELECT id, user, text, date FROM messages ORDER BY date ASC, id ASC;`
	args := []interface{}{}
	if limit > 0 {
		query = `SELECT id, user, text, date FROM messages ORDER BY date DESC, id DESC LIMIT ?;`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, storageError("history", err)
	}
	defer rows.Close()

	out := []Message{}
	for rows.Next() {
		var m Message
		if err := rows.Scan(&m.ID, &m.User, &m.Text, &m.Date); err != nil {
			return nil, storageError("history", err)
		}
		m.Date = m.Date.UTC()
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, storageError("history", err)
	}

	if limit > 0 {
		for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
			out[i], out[j] = out[j], out[i]
		}
	}
	return out, nil
}

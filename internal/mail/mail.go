// Package mail delivers password reset messages over SMTP, or to the log
// when no SMTP server is configured.
package mail

import (
	"bytes"
	"context"
	"crypto/tls"
	"fmt"
	"mime"
	"net"
	"net/smtp"
	"strconv"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/Tyrowin/ezchat/internal/config"
)

// Message is an HTML email.
type Message struct {
	From    string
	To      string
	Subject string
	HTML    string
}

// Mailer sends messages.
type Mailer interface {
	Send(ctx context.Context, msg Message) error
}

// New returns an SMTP mailer, or a LogMailer when cfg.Host is empty.
func New(cfg config.SMTPConfig, log logrus.FieldLogger) Mailer {
	if cfg.Host == "" {
		log.Warn("smtp host not configured; reset mail will be logged instead of sent")
		return &LogMailer{Log: log}
	}
	return &SMTPMailer{cfg: cfg}
}

// LogMailer writes messages to the log.
type LogMailer struct {
	Log logrus.FieldLogger
}

// Send logs msg.
func (m *LogMailer) Send(_ context.Context, msg Message) error {
	m.Log.WithFields(logrus.Fields{
		"to":      msg.To,
		"subject": msg.Subject,
	}).Info(msg.HTML)
	return nil
}

// SMTPMailer sends over implicit TLS (port 465) or STARTTLS when the server
// offers it on other ports.
type SMTPMailer struct {
	cfg config.SMTPConfig
}

// Send delivers msg. The context deadline bounds the whole exchange.
func (m *SMTPMailer) Send(ctx context.Context, msg Message) error {
	addr := net.JoinHostPort(m.cfg.Host, strconv.Itoa(m.cfg.Port))

	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(30 * time.Second)
	}
	dialer := &net.Dialer{Deadline: deadline}

	var (
		conn net.Conn
		err  error
	)
	tlsConfig := &tls.Config{ServerName: m.cfg.Host, MinVersion: tls.VersionTLS12}
	if m.cfg.Port == 465 {
		conn, err = tls.DialWithDialer(dialer, "tcp", addr, tlsConfig)
	} else {
		conn, err = dialer.DialContext(ctx, "tcp", addr)
	}
	if err != nil {
		return errors.Wrap(err, "dial smtp")
	}
	_ = conn.SetDeadline(deadline)

	client, err := smtp.NewClient(conn, m.cfg.Host)
	if err != nil {
		_ = conn.Close()
		return errors.Wrap(err, "smtp handshake")
	}
	defer client.Close()

	if m.cfg.Port != 465 {
		if ok, _ := client.Extension("STARTTLS"); ok {
			if err := client.StartTLS(tlsConfig); err != nil {
				return errors.Wrap(err, "starttls")
			}
		}
	}

	if m.cfg.User != "" {
		if err := client.Auth(smtp.PlainAuth("", m.cfg.User, m.cfg.Pass, m.cfg.Host)); err != nil {
			return errors.Wrap(err, "smtp auth")
		}
	}

	if err := client.Mail(m.cfg.From); err != nil {
		return errors.Wrap(err, "smtp mail from")
	}
	if err := client.Rcpt(msg.To); err != nil {
		return errors.Wrap(err, "smtp rcpt to")
	}

	w, err := client.Data()
	if err != nil {
		return errors.Wrap(err, "smtp data")
	}
	if _, err := w.Write(Compose(msg)); err != nil {
		return errors.Wrap(err, "write message")
	}
	if err := w.Close(); err != nil {
		return errors.Wrap(err, "close message")
	}
	return client.Quit()
}

// Compose renders msg as an RFC 5322 message with an HTML body.
func Compose(msg Message) []byte {
	var buf bytes.Buffer
	fmt.Fprintf(&buf, "From: %s\r\n", msg.From)
	fmt.Fprintf(&buf, "To: %s\r\n", msg.To)
	fmt.Fprintf(&buf, "Subject: %s\r\n", mime.QEncoding.Encode("utf-8", msg.Subject))
	fmt.Fprintf(&buf, "Date: %s\r\n", time.Now().Format(time.RFC1123Z))
	buf.WriteString("MIME-Version: 1.0\r\n")
	buf.WriteString("Content-Type: text/html; charset=\"utf-8\"\r\n")
	buf.WriteString("\r\n")
	buf.WriteString(msg.HTML)
	buf.WriteString("\r\n")
	return buf.Bytes()
}

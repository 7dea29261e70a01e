// Package server manages individual admitted WebSocket clients, handling
// read/write pumps, message persistence, and lifecycle control for each
// connection.
package server

import (
	"context"
	"errors"
	"io"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/Tyrowin/ezchat/internal/store"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 54 * time.Second
	sendBuffer = 256
)

// MessageAppender persists chat messages and returns the stored record.
type MessageAppender interface {
	Append(ctx context.Context, user, text string) (store.Message, error)
}

// ClientOptions carries the per-connection limits.
type ClientOptions struct {
	MaxMessageSize int64
	MaxTextLength  int
	StoreTimeout   time.Duration
}

// Client is an admitted WebSocket connection. Its username is bound at
// admission and used for every message it sends.
type Client struct {
	conn        *websocket.Conn
	send        chan []byte
	hub         *Hub
	addr        string
	user        string
	closed      bool
	historyMark int64
	messages    MessageAppender
	opts        ClientOptions
	log         logrus.FieldLogger
}

// NewClient creates a Client for user on conn. The client's send channel is
// buffered to handle message queuing.
func NewClient(conn *websocket.Conn, hub *Hub, addr, user string, messages MessageAppender, opts ClientOptions, log logrus.FieldLogger) *Client {
	if conn != nil && opts.MaxMessageSize > 0 {
		conn.SetReadLimit(opts.MaxMessageSize)
	}
	if opts.StoreTimeout <= 0 {
		opts.StoreTimeout = 5 * time.Second
	}

	return &Client{
		conn:     conn,
		send:     make(chan []byte, sendBuffer),
		hub:      hub,
		addr:     addr,
		user:     user,
		messages: messages,
		opts:     opts,
		log: log.WithFields(logrus.Fields{
			"remote_addr": addr,
			"user":        user,
		}),
	}
}

// User returns the username bound to the connection.
func (c *Client) User() string {
	return c.user
}

// setupReadConnection configures read deadlines and pong handler for the WebSocket connection
func (c *Client) setupReadConnection() {
	if err := c.conn.SetReadDeadline(time.Now().Add(pongWait)); err != nil {
		c.log.WithError(err).Warn("Error setting initial read deadline")
	}
	c.conn.SetPongHandler(func(string) error {
		if err := c.conn.SetReadDeadline(time.Now().Add(pongWait)); err != nil {
			c.log.WithError(err).Warn("Error setting read deadline in pong handler")
		}
		return nil
	})
}

// logReadError logs why the read loop ended at a level matching the cause.
func (c *Client) logReadError(err error) {
	switch {
	case errors.Is(err, websocket.ErrReadLimit):
		c.log.Warnf("Message exceeded maximum size of %d bytes", c.opts.MaxMessageSize)
	case websocket.IsCloseError(err,
		websocket.CloseNormalClosure,
		websocket.CloseGoingAway,
		websocket.CloseAbnormalClosure):
		c.log.Debugf("Client disconnected: %v", err)
	case errors.Is(err, io.EOF) || isExpectedCloseError(err):
		c.log.Debugf("Client connection closed: %v", err)
	case websocket.IsUnexpectedCloseError(err,
		websocket.CloseGoingAway,
		websocket.CloseAbnormalClosure,
		websocket.CloseMessageTooBig):
		c.log.WithError(err).Warn("Unexpected WebSocket error")
	default:
		c.log.WithError(err).Warn("WebSocket read error")
	}
}

// processMessage validates, persists and broadcasts one inbound frame. It
// returns true when the message reached the hub.
func (c *Client) processMessage(raw []byte) bool {
	text, err := decodeChatMessage(raw, c.opts.MaxTextLength)
	if err != nil {
		c.log.WithError(err).Debug("Rejected inbound message")
		c.reject(rejectionReason(err))
		return false
	}

	ctx, cancel := context.WithTimeout(c.hub.ctx, c.opts.StoreTimeout)
	msg, err := c.messages.Append(ctx, c.user, text)
	cancel()
	if err != nil {
		c.log.WithError(err).Error("Failed to persist chat message; dropping broadcast")
		return false
	}

	return c.hub.Broadcast(msg)
}

// reject tells only this client why its frame was refused.
func (c *Client) reject(reason string) {
	payload, err := encodeEvent(EventInvalidMessage, reason)
	if err != nil {
		c.log.WithError(err).Error("Failed to encode rejection")
		return
	}
	c.hub.safeSend(c, payload)
}

func (c *Client) readPump() {
	defer func() {
		c.hub.Unregister(c)
		if err := c.conn.Close(); err != nil && !isExpectedCloseError(err) {
			c.log.WithError(err).Warn("Error closing connection in readPump")
		}
	}()

	c.setupReadConnection()

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			c.logReadError(err)
			return
		}
		c.processMessage(raw)
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.closeConnection()
	}()

	for c.processWriteEvent(ticker) {
	}
}

// processWriteEvent waits for the next write event and returns false when the
// pump should stop processing.
func (c *Client) processWriteEvent(ticker *time.Ticker) bool {
	select {
	case message, ok := <-c.send:
		return c.handleMessage(message, ok)
	case <-ticker.C:
		return c.handlePing()
	}
}

// closeConnection safely closes the WebSocket connection with proper error handling
func (c *Client) closeConnection() {
	if err := c.conn.Close(); err != nil && !isExpectedCloseError(err) {
		c.log.WithError(err).Warn("Error closing connection in writePump")
	}
}

// handleMessage writes one event per frame and returns false if the connection should be closed
func (c *Client) handleMessage(message []byte, ok bool) bool {
	if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		c.log.WithError(err).Warn("Error setting write deadline")
		return false
	}

	if !ok {
		return c.writeCloseMessage()
	}

	if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
		if !isExpectedCloseError(err) {
			c.log.WithError(err).Warn("Error writing message")
		}
		return false
	}
	return true
}

// writeCloseMessage sends a close message to the client
func (c *Client) writeCloseMessage() bool {
	if err := c.conn.WriteMessage(websocket.CloseMessage, []byte{}); err != nil && !isExpectedCloseError(err) {
		c.log.WithError(err).Debug("Error writing close message")
	}
	return false
}

// handlePing sends a ping message to keep the connection alive
func (c *Client) handlePing() bool {
	if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		c.log.WithError(err).Warn("Error setting write deadline for ping")
		return false
	}
	if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
		c.log.WithError(err).Debug("Error writing ping message")
		return false
	}
	return true
}

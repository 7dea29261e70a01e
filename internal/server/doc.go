// Package server implements the HTTP and WebSocket surface of ezchat.
//
// The implementation is organized into specialized files for the chat hub,
// per-connection clients, the session gate, the wire events, the auth
// handlers and routing so each concern can be tested on its own.
package server

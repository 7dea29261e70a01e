// Package server exposes HTTP handlers, including WebSocket upgrades, health
// checks, and the built-in chat test page.
package server

import (
	"context"
	"fmt"
	"net/http"
)

// WebSocketHandler upgrades the request and either admits the connection to
// the chat room or, when the handshake carries no live session, signals
// "unauthorized" once and leaves it inert.
func (s *Server) WebSocketHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed. WebSocket endpoint only accepts GET requests.", http.StatusMethodNotAllowed)
		return
	}

	user, admitted := s.gate.Admit(r)

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.WithError(err).WithField("remote_addr", r.RemoteAddr).Debug("WebSocket upgrade failed")
		return
	}
	conn.SetReadLimit(s.cfg.Server.MaxMessageSize)

	if !admitted {
		s.rejectConnection(conn, r.RemoteAddr)
		return
	}

	client := NewClient(conn, s.hub, r.RemoteAddr, user, s.messages, s.clientOptions(), s.log)

	// The hub queues the history catch-up and launches the pump goroutines.
	if !s.hub.Register(client) {
		_ = conn.Close()
	}
}

// pinger is implemented by stores that can report their reachability.
type pinger interface {
	Ping(ctx context.Context) error
}

// HealthHandler reports server status, answering 503 when the message store
// is unreachable.
func (s *Server) HealthHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain")

	if p, ok := s.messages.(pinger); ok {
		ctx, cancel := s.storeContext(r.Context())
		defer cancel()
		if err := p.Ping(ctx); err != nil {
			s.log.WithError(err).Error("Health check failed")
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = fmt.Fprintf(w, "database unavailable")
			return
		}
	}
	_, _ = fmt.Fprintf(w, "ezchat server is running!")
}

// TestPageHandler serves an HTML page for trying the login and chat flow
// against a running server.
func (s *Server) TestPageHandler(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if _, err := fmt.Fprint(w, testPageHTML); err != nil {
		s.log.WithError(err).Warn("Error writing HTML response")
	}
}

const testPageHTML = `<!DOCTYPE html>
<html>
<head>
    <meta charset="utf-8">
    <title>ezchat Test</title>
    <style>
        body { font-family: Arial, sans-serif; margin: 20px; }
        #messages {
            border: 1px solid #ccc;
            height: 300px;
            padding: 10px;
            overflow-y: scroll;
            margin: 10px 0;
            background-color: #f9f9f9;
        }
        input[type="text"], input[type="password"] { width: 200px; padding: 5px; margin-right: 10px; }
        button { padding: 5px 15px; background-color: #007cba; color: white; border: none; cursor: pointer; }
        button:hover { background-color: #005a87; }
        .status { margin: 10px 0; padding: 5px; border-radius: 3px; }
        .connected { background-color: #d4edda; color: #155724; }
        .disconnected { background-color: #f8d7da; color: #721c24; }
    </style>
</head>
<body>
    <h1>ezchat Test</h1>

    <div>
        <input type="text" id="username" placeholder="Username">
        <input type="password" id="password" placeholder="Password">
        <button onclick="login()">Log in</button>
        <button onclick="logout()">Log out</button>
    </div>

    <div id="status" class="status disconnected">Disconnected</div>

    <div>
        <input type="text" id="messageInput" placeholder="Type a message..." disabled>
        <button id="sendButton" onclick="sendMessage()" disabled>Send</button>
        <button id="connectButton" onclick="toggleConnection()">Connect</button>
    </div>

    <div id="messages"></div>

    <script>
        let ws = null;
        const messagesDiv = document.getElementById('messages');
        const messageInput = document.getElementById('messageInput');
        const sendButton = document.getElementById('sendButton');
        const connectButton = document.getElementById('connectButton');
        const statusDiv = document.getElementById('status');

        function addLine(text, color) {
            const el = document.createElement('div');
            el.style.margin = '5px 0';
            el.style.color = color || 'gray';
            el.textContent = text;
            messagesDiv.appendChild(el);
            messagesDiv.scrollTop = messagesDiv.scrollHeight;
        }

        function addChat(m) {
            addLine('[' + new Date(m.date).toLocaleTimeString() + '] ' + m.user + ': ' + m.text, 'black');
        }

        function updateStatus(connected) {
            statusDiv.textContent = connected ? 'Connected' : 'Disconnected';
            statusDiv.className = 'status ' + (connected ? 'connected' : 'disconnected');
            messageInput.disabled = !connected;
            sendButton.disabled = !connected;
            connectButton.textContent = connected ? 'Disconnect' : 'Connect';
        }

        async function login() {
            const res = await fetch('/login', {
                method: 'POST',
                headers: {'Content-Type': 'application/json'},
                body: JSON.stringify({
                    username: document.getElementById('username').value,
                    password: document.getElementById('password').value
                })
            });
            const body = await res.json();
            addLine(body.success ? 'Logged in' : 'Login failed: ' + body.message);
        }

        async function logout() {
            await fetch('/logout', {method: 'POST'});
            addLine('Logged out');
            if (ws) { ws.close(); }
        }

        function connect() {
            const scheme = location.protocol === 'https:' ? 'wss://' : 'ws://';
            ws = new WebSocket(scheme + location.host + '/ws');

            ws.onopen = function() {
                addLine('Connected to ezchat server');
                updateStatus(true);
            };

            ws.onmessage = function(event) {
                const env = JSON.parse(event.data);
                switch (env.event) {
                case 'chat history':
                    env.data.forEach(addChat);
                    break;
                case 'chat message':
                    addChat(env.data);
                    break;
                case 'unauthorized':
                    addLine('Unauthorized: log in first', 'red');
                    break;
                case 'invalid message':
                    addLine('Rejected: ' + env.data, 'red');
                    break;
                }
            };

            ws.onclose = function() {
                addLine('Connection closed');
                updateStatus(false);
                ws = null;
            };
        }

        function toggleConnection() {
            if (ws && ws.readyState === WebSocket.OPEN) {
                ws.close();
            } else {
                connect();
            }
        }

        function sendMessage() {
            const text = messageInput.value.trim();
            if (text && ws && ws.readyState === WebSocket.OPEN) {
                ws.send(JSON.stringify({event: 'chat message', data: text}));
                messageInput.value = '';
            }
        }

        messageInput.addEventListener('keypress', function(e) {
            if (e.key === 'Enter') {
                sendMessage();
            }
        });
    </script>
</body>
</html>`

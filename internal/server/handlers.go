package server

import (
	"context"
	"fmt"
	"net/http"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"chatbroker/internal/broker"
	"chatbroker/internal/session"
)

// Server exposes the chat broker over HTTP: the websocket endpoint, the
// visitor reporting endpoint, a health check, and the built-in chat page.
type Server struct {
	cfg      Config
	broker   *broker.Broker
	log      *zap.SugaredLogger
	upgrader websocket.Upgrader

	// baseCtx bounds the lifetime of every session; canceling it tears
	// down all live connections during shutdown.
	baseCtx context.Context
}

// New builds the HTTP surface around an already-running broker. Sessions
// started by the websocket endpoint stop when ctx is canceled.
func New(ctx context.Context, cfg Config, b *broker.Broker, log *zap.SugaredLogger) *Server {
	origins := newOriginChecker(log, cfg.AllowedOrigins)
	return &Server{
		cfg:    cfg,
		broker: b,
		log:    log,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     origins.check,
		},
		baseCtx: ctx,
	}
}

// Routes returns the ServeMux with all application routes.
func (s *Server) Routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/", s.handleIndex)
	mux.HandleFunc("/ws", s.handleWebSocket)
	mux.HandleFunc("/count", s.handleCount)
	mux.HandleFunc("/health", s.handleHealth)
	return mux
}

// handleWebSocket upgrades the request and runs the session to completion.
// The handler blocks for the lifetime of the connection.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "websocket endpoint only accepts GET requests", http.StatusMethodNotAllowed)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warnw("websocket upgrade failed", "remote", r.RemoteAddr, "err", err)
		return
	}

	sess := session.New(s.broker, conn, s.log, session.Options{
		HeartbeatInterval: s.cfg.HeartbeatInterval,
		ClientTimeout:     s.cfg.ClientTimeout,
		MaxMessageSize:    s.cfg.MaxMessageSize,
		RateLimitBurst:    s.cfg.RateLimitBurst,
		RateLimitInterval: s.cfg.RateLimitInterval,
	})
	if err := sess.Run(s.baseCtx); err != nil {
		s.log.Warnw("session ended early", "remote", r.RemoteAddr, "err", err)
	}
}

// handleCount reports the process-wide visitor counter as plain text.
func (s *Server) handleCount(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain")
	_, _ = fmt.Fprintf(w, "Visitors: %d", s.broker.Visitors())
}

// handleHealth is a plain liveness probe.
func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain")
	_, _ = fmt.Fprint(w, "chat server is running")
}

// handleIndex serves the built-in chat page for trying the protocol from a
// browser.
func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}
	w.Header().Set("Content-Type", "text/html")
	if _, err := fmt.Fprint(w, indexHTML); err != nil {
		s.log.Warnw("error writing chat page", "err", err)
	}
}

const indexHTML = `<!DOCTYPE html>
<html>
<head>
    <title>Chat</title>
    <style>
        body { font-family: monospace; margin: 20px; }
        #log { border: 1px solid #ccc; height: 300px; padding: 10px; overflow-y: scroll; margin: 10px 0; }
        #input { width: 400px; padding: 5px; }
    </style>
</head>
<body>
    <h1>Chat</h1>
    <p>Commands: /list, /join &lt;room&gt;, /name &lt;name&gt;</p>
    <div id="log"></div>
    <input type="text" id="input" placeholder="Say something..." autofocus>
    <script>
        const log = document.getElementById('log');
        const input = document.getElementById('input');
        const ws = new WebSocket('ws://' + location.host + '/ws');
        function append(line) {
            const div = document.createElement('div');
            div.textContent = line;
            log.appendChild(div);
            log.scrollTop = log.scrollHeight;
        }
        ws.onopen = () => append('* connected');
        ws.onclose = () => append('* disconnected');
        ws.onmessage = (ev) => append(ev.data);
        input.addEventListener('keypress', (ev) => {
            if (ev.key === 'Enter' && input.value.trim() !== '') {
                ws.send(input.value);
                append('> ' + input.value);
                input.value = '';
            }
        });
    </script>
</body>
</html>`

// Package session runs the per-connection protocol state machine: it
// registers with the broker, shuttles text between the websocket and the
// broker, parses the slash-command grammar, and watches connection liveness.
package session

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/juju/ratelimit"
	"go.uber.org/zap"

	"chatbroker/internal/broker"
)

// writeWait bounds every write to the peer.
const writeWait = 10 * time.Second

// State describes where a session is in its lifecycle.
type State int32

// Session lifecycle: Connecting until the broker has answered the
// registration, Active while the duplex loops run, Closing once teardown
// has started, Closed when the connection is released.
const (
	StateConnecting State = iota
	StateActive
	StateClosing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateActive:
		return "active"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Conn is the slice of a websocket connection the session needs. A
// *websocket.Conn satisfies it; tests substitute a scripted fake.
type Conn interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	WriteControl(messageType int, data []byte, deadline time.Time) error
	SetWriteDeadline(t time.Time) error
	SetReadLimit(limit int64)
	SetPingHandler(h func(appData string) error)
	SetPongHandler(h func(appData string) error)
	Close() error
}

// Options tune a session's protocol timing and input limits. Zero values
// fall back to the source defaults.
type Options struct {
	// HeartbeatInterval is how often the liveness check runs and a probe
	// is sent to the peer.
	HeartbeatInterval time.Duration
	// ClientTimeout is how long the peer may stay silent before the
	// connection is declared dead. Two missed probes by default.
	ClientTimeout time.Duration
	// MaxMessageSize caps inbound frames, in bytes.
	MaxMessageSize int64
	// RateLimitBurst inbound messages are allowed per RateLimitInterval.
	RateLimitBurst    int64
	RateLimitInterval time.Duration
}

func (o Options) withDefaults() Options {
	if o.HeartbeatInterval <= 0 {
		o.HeartbeatInterval = 5 * time.Second
	}
	if o.ClientTimeout <= 0 {
		o.ClientTimeout = 10 * time.Second
	}
	if o.MaxMessageSize <= 0 {
		o.MaxMessageSize = 512
	}
	if o.RateLimitBurst <= 0 {
		o.RateLimitBurst = 5
	}
	if o.RateLimitInterval <= 0 {
		o.RateLimitInterval = time.Second
	}
	return o
}

// Session owns the protocol state for one connected client. All of its
// fields are private to the connection; the broker only ever sees the
// delivery handle.
type Session struct {
	broker *broker.Broker
	conn   Conn
	log    *zap.SugaredLogger
	opts   Options

	id   broker.SessionID
	room string
	name string

	// inbox doubles as the broker delivery handle and the channel for
	// locally generated reply lines. The write loop drains it.
	inbox    chan string
	limiter  *ratelimit.Bucket
	lastSeen atomic.Int64
	state    atomic.Int32

	done      chan struct{}
	closeOnce sync.Once
}

// New wraps an accepted connection. The session does nothing until Run is
// called.
func New(b *broker.Broker, conn Conn, log *zap.SugaredLogger, opts Options) *Session {
	opts = opts.withDefaults()
	return &Session{
		broker:  b,
		conn:    conn,
		log:     log,
		opts:    opts,
		room:    broker.DefaultRoom,
		inbox:   make(chan string, 256),
		limiter: ratelimit.NewBucketWithQuantum(opts.RateLimitInterval, opts.RateLimitBurst, opts.RateLimitBurst),
		done:    make(chan struct{}),
	}
}

// State reports the session's current lifecycle state.
func (s *Session) State() State {
	return State(s.state.Load())
}

// Run registers with the broker and then drives the duplex loops until the
// peer disconnects, the heartbeat times out, or ctx is canceled. It blocks
// until the session is fully closed.
func (s *Session) Run(ctx context.Context) error {
	defer s.close()

	s.conn.SetReadLimit(s.opts.MaxMessageSize)
	s.touch()
	s.conn.SetPingHandler(func(appData string) error {
		s.touch()
		return s.conn.WriteControl(websocket.PongMessage, []byte(appData), time.Now().Add(writeWait))
	})
	s.conn.SetPongHandler(func(string) error {
		s.touch()
		return nil
	})

	// Registration gates everything else: no frame is processed before the
	// broker has answered with an id.
	id, err := s.broker.Connect(ctx, s.inbox)
	if err != nil {
		return fmt.Errorf("session: register: %w", err)
	}
	s.id = id
	s.state.Store(int32(StateActive))
	s.log.Debugw("session active", "id", id)

	go s.writeLoop(ctx)
	s.readLoop(ctx)
	return nil
}

// readLoop processes inbound frames one at a time until the connection
// errors out. A close frame surfaces here as a read error after gorilla has
// already echoed the close acknowledgment.
func (s *Session) readLoop(ctx context.Context) {
	for {
		messageType, payload, err := s.conn.ReadMessage()
		if err != nil {
			if isExpectedCloseError(err) {
				s.log.Debugw("connection closed", "id", s.id, "err", err)
			} else {
				s.log.Warnw("read failed", "id", s.id, "err", err)
			}
			return
		}

		switch messageType {
		case websocket.TextMessage:
			if s.limiter.TakeAvailable(1) == 0 {
				s.log.Infow("rate limit exceeded, discarding message", "id", s.id)
				continue
			}
			s.handleText(ctx, string(payload))
		case websocket.BinaryMessage:
			s.log.Infow("unexpected binary frame dropped", "id", s.id, "bytes", len(payload))
		}
	}
}

// writeLoop serializes everything going to the peer: broker-delivered
// lines, local command replies, and liveness probes.
func (s *Session) writeLoop(ctx context.Context) {
	ticker := time.NewTicker(s.opts.HeartbeatInterval)
	defer ticker.Stop()
	defer s.close()

	for {
		select {
		case line := <-s.inbox:
			if !s.writeText(line) {
				return
			}
		case <-ticker.C:
			if s.expired() {
				s.log.Infow("client heartbeat failed, disconnecting", "id", s.id)
				return
			}
			if !s.writePing() {
				return
			}
		case <-ctx.Done():
			return
		case <-s.done:
			return
		}
	}
}

// handleText implements the plain-text mini-protocol. Lines starting with
// "/" are commands; everything else is a chat line for the current room.
func (s *Session) handleText(ctx context.Context, raw string) {
	m := strings.TrimSpace(raw)
	if strings.HasPrefix(m, "/") {
		s.handleCommand(ctx, m)
		return
	}

	text := m
	if s.name != "" {
		text = s.name + ": " + m
	}
	s.broker.Broadcast(s.id, s.room, text)
}

func (s *Session) handleCommand(ctx context.Context, m string) {
	parts := strings.SplitN(m, " ", 2)
	switch parts[0] {
	case "/list":
		// Blocks the read loop on purpose: no new client input is
		// processed until the list has been answered, so the reply cannot
		// interleave with frames the client sent afterwards.
		rooms, err := s.broker.ListRooms(ctx)
		if err != nil {
			s.log.Warnw("room list unavailable", "id", s.id, "err", err)
			return
		}
		for _, room := range rooms {
			s.reply(room)
		}
	case "/join":
		if len(parts) < 2 {
			s.reply("!!! room name is required")
			return
		}
		s.room = parts[1]
		s.broker.Join(s.id, s.room)
		s.reply("joined")
	case "/name":
		if len(parts) < 2 {
			s.reply("!!! name is required")
			return
		}
		s.name = parts[1]
	default:
		s.reply(fmt.Sprintf("!!! unknown command: %q", m))
	}
}

// reply queues a line for the peer without blocking the read loop.
func (s *Session) reply(line string) {
	select {
	case s.inbox <- line:
	default:
		s.log.Debugw("outbound buffer full, dropping line", "id", s.id)
	}
}

func (s *Session) touch() {
	s.lastSeen.Store(time.Now().UnixNano())
}

func (s *Session) expired() bool {
	last := time.Unix(0, s.lastSeen.Load())
	return time.Since(last) > s.opts.ClientTimeout
}

func (s *Session) writeText(line string) bool {
	if err := s.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		return false
	}
	if err := s.conn.WriteMessage(websocket.TextMessage, []byte(line)); err != nil {
		if !isExpectedCloseError(err) {
			s.log.Warnw("write failed", "id", s.id, "err", err)
		}
		return false
	}
	return true
}

func (s *Session) writePing() bool {
	if err := s.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		return false
	}
	if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
		if !isExpectedCloseError(err) {
			s.log.Warnw("ping failed", "id", s.id, "err", err)
		}
		return false
	}
	return true
}

// close tears the session down exactly once: the broker is notified
// (fire-and-forget) before the connection is released. Safe to reach from
// either loop, or from both racing each other.
func (s *Session) close() {
	s.closeOnce.Do(func() {
		s.state.Store(int32(StateClosing))
		if s.id != "" {
			s.broker.Disconnect(s.id)
		}
		close(s.done)
		_ = s.conn.Close()
		s.state.Store(int32(StateClosed))
	})
}

// isExpectedCloseError reports whether err is part of a normal connection
// teardown rather than a fault worth surfacing.
func isExpectedCloseError(err error) bool {
	if err == nil {
		return true
	}
	if websocket.IsCloseError(err,
		websocket.CloseNormalClosure,
		websocket.CloseGoingAway,
		websocket.CloseAbnormalClosure) {
		return true
	}
	errStr := err.Error()
	return strings.Contains(errStr, "use of closed network connection") ||
		strings.Contains(errStr, "websocket: close sent") ||
		strings.Contains(errStr, "broken pipe")
}

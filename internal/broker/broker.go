// Package broker implements the central chat broker that owns the session
// registry and the named rooms, and fans broadcast text out to the sessions
// that should receive it.
package broker

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/samber/lo"
	"go.uber.org/zap"
)

// DefaultRoom is created at startup and never deleted, even when empty.
const DefaultRoom = "main"

// ErrStopped is returned by awaiting operations when the broker is no
// longer accepting requests.
var ErrStopped = errors.New("broker: stopped")

// SessionID uniquely identifies a registered session. IDs are opaque to
// callers and may be reused after a session is fully removed.
type SessionID string

// Handle is the broker's only means of delivering a text line to a session.
// It is a capability, not a reference to session state: the broker writes
// to it and never reads session internals. Delivery is best-effort; a full
// or torn-down handle is skipped.
type Handle chan<- string

// Requests are processed strictly one at a time, in arrival order, by the
// run loop. That serialization is the whole concurrency story: no mutation
// of sessions or rooms ever interleaves with another.
type request interface{}

type connectRequest struct {
	handle Handle
	reply  chan SessionID
}

type disconnectRequest struct {
	id SessionID
}

type joinRequest struct {
	id   SessionID
	room string
}

type broadcastRequest struct {
	id   SessionID
	room string
	text string
}

type listRoomsRequest struct {
	reply chan []string
}

// Broker is the single source of truth for which sessions are connected and
// which room each one belongs to. Start it with Run; stop it with Shutdown.
type Broker struct {
	log *zap.SugaredLogger

	requests chan request
	sessions map[SessionID]Handle
	rooms    map[string]map[SessionID]struct{}
	visitors atomic.Uint64

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

// New creates a Broker with the default room already present.
func New(log *zap.SugaredLogger) *Broker {
	ctx, cancel := context.WithCancel(context.Background())
	return &Broker{
		log:      log,
		requests: make(chan request, 256),
		sessions: make(map[SessionID]Handle),
		rooms: map[string]map[SessionID]struct{}{
			DefaultRoom: {},
		},
		ctx:    ctx,
		cancel: cancel,
		done:   make(chan struct{}),
	}
}

// Run consumes the request queue until Shutdown is called. It should be
// started in its own goroutine before any session connects.
func (b *Broker) Run() {
	defer close(b.done)

	for {
		select {
		case <-b.ctx.Done():
			b.log.Info("broker stopped")
			return
		case req := <-b.requests:
			b.dispatch(req)
		}
	}
}

// Shutdown stops the run loop and waits for it to drain, or gives up after
// the timeout.
func (b *Broker) Shutdown(timeout time.Duration) error {
	b.cancel()
	select {
	case <-b.done:
		return nil
	case <-time.After(timeout):
		return context.DeadlineExceeded
	}
}

// Visitors reports how many successful connects the broker has seen. It is
// safe to call from any goroutine; the reporting endpoint reads it.
func (b *Broker) Visitors() uint64 {
	return b.visitors.Load()
}

// Connect registers a delivery handle, places the new session in the
// default room, and returns its freshly allocated id. It blocks the caller
// until the broker answers, so a session processes no input before it is
// registered.
func (b *Broker) Connect(ctx context.Context, handle Handle) (SessionID, error) {
	reply := make(chan SessionID, 1)
	if err := b.enqueue(ctx, connectRequest{handle: handle, reply: reply}); err != nil {
		return "", err
	}
	select {
	case id := <-reply:
		return id, nil
	case <-ctx.Done():
		return "", ctx.Err()
	case <-b.ctx.Done():
		return "", ErrStopped
	}
}

// Disconnect removes the session from the registry and from every room it
// belongs to. Fire-and-forget and idempotent: an explicit close racing a
// heartbeat timeout delivers it twice, and the second is a no-op.
func (b *Broker) Disconnect(id SessionID) {
	_ = b.enqueue(context.Background(), disconnectRequest{id: id})
}

// Join moves the session into room, leaving any room it previously
// belonged to and creating the destination if it does not exist yet.
// Fire-and-forget.
func (b *Broker) Join(id SessionID, room string) {
	_ = b.enqueue(context.Background(), joinRequest{id: id, room: room})
}

// Broadcast delivers text to every member of room except id. An unknown
// room is a no-op, not an error. Fire-and-forget.
func (b *Broker) Broadcast(id SessionID, room, text string) {
	_ = b.enqueue(context.Background(), broadcastRequest{id: id, room: room, text: text})
}

// ListRooms returns a snapshot of every known room name, unordered. It
// blocks the caller until the broker answers.
func (b *Broker) ListRooms(ctx context.Context) ([]string, error) {
	reply := make(chan []string, 1)
	if err := b.enqueue(ctx, listRoomsRequest{reply: reply}); err != nil {
		return nil, err
	}
	select {
	case rooms := <-reply:
		return rooms, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-b.ctx.Done():
		return nil, ErrStopped
	}
}

func (b *Broker) enqueue(ctx context.Context, req request) error {
	select {
	case b.requests <- req:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-b.ctx.Done():
		return ErrStopped
	}
}

func (b *Broker) dispatch(req request) {
	switch r := req.(type) {
	case connectRequest:
		r.reply <- b.connect(r.handle)
	case disconnectRequest:
		b.disconnect(r.id)
	case joinRequest:
		b.join(r.id, r.room)
	case broadcastRequest:
		b.sendToRoom(r.room, r.text, r.id)
	case listRoomsRequest:
		r.reply <- lo.Keys(b.rooms)
	default:
		b.log.Warnw("unknown broker request", "type", fmt.Sprintf("%T", req))
	}
}

func (b *Broker) connect(handle Handle) SessionID {
	// Notify the default room first, so the newcomer does not receive its
	// own join notice.
	b.sendToRoom(DefaultRoom, "Someone joined", "")

	id := SessionID(uuid.NewString())
	b.sessions[id] = handle
	b.roomMembers(DefaultRoom)[id] = struct{}{}

	count := b.visitors.Add(1)
	b.sendToRoom(DefaultRoom, fmt.Sprintf("Total visitors %d", count), "")

	b.log.Infow("session connected", "id", id, "sessions", len(b.sessions))
	return id
}

func (b *Broker) disconnect(id SessionID) {
	if _, ok := b.sessions[id]; !ok {
		return
	}
	delete(b.sessions, id)

	for _, room := range b.leaveAll(id) {
		b.sendToRoom(room, "Someone disconnected", "")
	}
	b.log.Infow("session disconnected", "id", id, "sessions", len(b.sessions))
}

func (b *Broker) join(id SessionID, room string) {
	if _, ok := b.sessions[id]; !ok {
		return
	}

	for _, vacated := range b.leaveAll(id) {
		b.sendToRoom(vacated, "Someone disconnected", "")
	}

	b.roomMembers(room)[id] = struct{}{}
	b.sendToRoom(room, "Someone connected", id)
}

// leaveAll removes id from every room and returns the names of the rooms it
// actually left. Rooms are never deleted, so an emptied room stays listed.
func (b *Broker) leaveAll(id SessionID) []string {
	var vacated []string
	for name, members := range b.rooms {
		if _, ok := members[id]; ok {
			delete(members, id)
			vacated = append(vacated, name)
		}
	}
	return vacated
}

func (b *Broker) roomMembers(name string) map[SessionID]struct{} {
	members, ok := b.rooms[name]
	if !ok {
		members = make(map[SessionID]struct{})
		b.rooms[name] = members
	}
	return members
}

// sendToRoom delivers text to every member of room except skip. A missing
// room is a no-op. One unreachable recipient never aborts delivery to the
// rest of the room.
func (b *Broker) sendToRoom(room, text string, skip SessionID) {
	members, ok := b.rooms[room]
	if !ok {
		return
	}
	for id := range members {
		if id == skip {
			continue
		}
		handle, ok := b.sessions[id]
		if !ok {
			continue
		}
		if !deliver(handle, text) {
			b.log.Debugw("dropped line for unreachable session", "id", id, "room", room)
		}
	}
}

// deliver writes to a handle without ever blocking the run loop. The
// recover guard tolerates a handle whose session tore down concurrently.
func deliver(handle Handle, text string) (ok bool) {
	defer func() {
		if r := recover(); r != nil {
			ok = false
		}
	}()

	select {
	case handle <- text:
		return true
	default:
		return false
	}
}

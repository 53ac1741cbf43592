// Package room tracks the live distribution sessions subscribed to each room.
//
// A subscriber is represented by a Handle. Producers (the broadcast
// dispatcher) never write to a subscriber's stream directly: they enqueue
// chunks on the handle's bounded outbox, and the goroutine that owns the
// stream drains it with Run. A subscriber that stops reading therefore only
// fills its own outbox; once that overflows, or a single write stalls past
// the write timeout, the handle is closed and the registry forgets it.
package room

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/dharsanguruparan/RoomDrop/internal/metrics"
	"github.com/dharsanguruparan/RoomDrop/internal/model"
)

// DefaultOutbox is the number of chunks a subscriber may lag behind before it
// is dropped. At the default limits that is more than two maximum-size files.
const DefaultOutbox = 64

var (
	// ErrHandleClosed is returned when enqueueing to a handle that is no
	// longer live.
	ErrHandleClosed = errors.New("subscriber handle closed")
	// ErrOutboxFull means the subscriber fell too far behind.
	ErrOutboxFull = errors.New("subscriber outbox full")
	// ErrWriteTimeout means a single write to the subscriber stalled.
	ErrWriteTimeout = errors.New("subscriber write timed out")
	// ErrReplaced means the same user opened a newer session in the room.
	ErrReplaced = errors.New("subscriber replaced by a newer session")
)

// Sender is the writable half of an output stream. Implementations need not
// be safe for concurrent use; only Run calls Send.
type Sender interface {
	Send(*model.FileChunk) error
}

// Handle is one subscriber's output channel.
type Handle struct {
	RoomID   string
	UserID   string
	Username string

	sender Sender
	outbox chan *model.FileChunk

	once sync.Once
	done chan struct{}
	err  error // written once, before done is closed
}

// NewHandle wraps sender as a subscriber of roomID. outbox <= 0 uses
// DefaultOutbox.
func NewHandle(roomID, userID, username string, sender Sender, outbox int) *Handle {
	if outbox <= 0 {
		outbox = DefaultOutbox
	}
	return &Handle{
		RoomID:   roomID,
		UserID:   userID,
		Username: username,
		sender:   sender,
		outbox:   make(chan *model.FileChunk, outbox),
		done:     make(chan struct{}),
	}
}

// Send enqueues one chunk without blocking. A full outbox closes the handle.
func (h *Handle) Send(chunk *model.FileChunk) error {
	select {
	case <-h.done:
		return ErrHandleClosed
	default:
	}
	select {
	case h.outbox <- chunk:
		return nil
	default:
		h.closeWith(ErrOutboxFull)
		return ErrOutboxFull
	}
}

// Run writes queued chunks to the sender until the handle closes or ctx
// ends. A write error, or a write that takes longer than writeTimeout,
// closes the handle. The caller owns the stream and must end it once Done
// fires; that is what unblocks a write stuck on flow control.
func (h *Handle) Run(ctx context.Context, writeTimeout time.Duration) error {
	for {
		select {
		case <-ctx.Done():
			h.Close()
			return ctx.Err()
		case <-h.done:
			return h.err
		case chunk := <-h.outbox:
			if err := h.write(chunk, writeTimeout); err != nil {
				h.closeWith(err)
				return err
			}
		}
	}
}

func (h *Handle) write(chunk *model.FileChunk, timeout time.Duration) error {
	if timeout > 0 {
		timer := time.AfterFunc(timeout, func() { h.closeWith(ErrWriteTimeout) })
		defer timer.Stop()
	}
	return h.sender.Send(chunk)
}

// Close marks the handle dead. Later sends return ErrHandleClosed.
func (h *Handle) Close() { h.closeWith(ErrHandleClosed) }

func (h *Handle) closeWith(err error) {
	h.once.Do(func() {
		h.err = err
		close(h.done)
	})
}

// Done is closed when the handle stops accepting chunks.
func (h *Handle) Done() <-chan struct{} { return h.done }

// Err reports why the handle closed, or nil while it is live.
func (h *Handle) Err() error {
	select {
	case <-h.done:
		return h.err
	default:
		return nil
	}
}

// Alive reports whether the handle still accepts chunks.
func (h *Handle) Alive() bool { return h.Err() == nil }

// Registry maps room id to user id to handle.
type Registry struct {
	mu    sync.RWMutex
	rooms map[string]map[string]*Handle
	count int
}

// NewRegistry constructs an empty Registry.
func NewRegistry() *Registry {
	return &Registry{rooms: make(map[string]map[string]*Handle)}
}

// Register inserts h, replacing any handle the same user already holds in
// the room. The replaced handle is closed and returned. Once h closes, for
// whatever reason, it is removed again.
func (r *Registry) Register(h *Handle) (replaced *Handle) {
	r.mu.Lock()
	users, ok := r.rooms[h.RoomID]
	if !ok {
		users = make(map[string]*Handle)
		r.rooms[h.RoomID] = users
	}
	prev, ok := users[h.UserID]
	if ok && prev == h {
		r.mu.Unlock()
		return nil
	}
	if ok {
		prev.closeWith(ErrReplaced)
		replaced = prev
	} else {
		r.count++
	}
	users[h.UserID] = h
	metrics.Subscribers.Set(float64(r.count))
	r.mu.Unlock()

	go func() {
		<-h.Done()
		r.Drop(h)
	}()
	return replaced
}

// Unregister removes whatever handle userID holds in roomID. It is a no-op
// when there is none.
func (r *Registry) Unregister(roomID, userID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.removeLocked(roomID, userID)
}

// Drop removes h only if it is still the current handle for its user, so a
// session that was replaced cannot evict its successor.
func (r *Registry) Drop(h *Handle) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cur, ok := r.rooms[h.RoomID][h.UserID]; !ok || cur != h {
		return false
	}
	r.removeLocked(h.RoomID, h.UserID)
	return true
}

func (r *Registry) removeLocked(roomID, userID string) {
	users, ok := r.rooms[roomID]
	if !ok {
		return
	}
	if _, ok := users[userID]; !ok {
		return
	}
	delete(users, userID)
	r.count--
	if len(users) == 0 {
		delete(r.rooms, roomID)
	}
	metrics.Subscribers.Set(float64(r.count))
}

// Others returns a snapshot of the live handles in roomID, excluding
// excludeUser. Callers iterate the snapshot without holding the lock, so a
// handle in it may close before it is used; Send then reports that.
func (r *Registry) Others(roomID, excludeUser string) []*Handle {
	r.mu.RLock()
	defer r.mu.RUnlock()
	users := r.rooms[roomID]
	out := make([]*Handle, 0, len(users))
	for uid, h := range users {
		if uid == excludeUser || !h.Alive() {
			continue
		}
		out = append(out, h)
	}
	return out
}

// ForEachOther calls fn for every other live subscriber of roomID. fn may
// unregister handles, including the one it was given.
func (r *Registry) ForEachOther(roomID, excludeUser string, fn func(userID string, h *Handle)) {
	for _, h := range r.Others(roomID, excludeUser) {
		fn(h.UserID, h)
	}
}

// Lookup returns the handle userID holds in roomID.
func (r *Registry) Lookup(roomID, userID string) (*Handle, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.rooms[roomID][userID]
	return h, ok
}

// RoomSize returns the number of subscribers in roomID.
func (r *Registry) RoomSize(roomID string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.rooms[roomID])
}

// Len returns the number of subscribers across all rooms.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.count
}

// Package room tracks live subscribers per chat and is the single path
// through which messages enter a chat log. Each chat gets a room on first
// use; the room is dropped again once it has no subscribers and no post in
// flight.
package room

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/cortexuvula/chatrelay/internal/metrics"
	"github.com/cortexuvula/chatrelay/internal/store"
)

// ErrSubscriberGone is returned by Subscriber.Deliver when the subscriber
// can no longer receive events. The room prunes it.
var ErrSubscriberGone = errors.New("subscriber gone")

// Subscriber is a live connection registered to receive broadcasts.
// Deliver must not block for long; slow consumers should fail fast.
type Subscriber interface {
	ID() string
	Deliver(ctx context.Context, rec Record) error
}

// BacklogSubscriber is a Subscriber that takes a join backlog as one
// batch, which may exceed what it buffers for live broadcasts.
type BacklogSubscriber interface {
	Subscriber
	DeliverBacklog(ctx context.Context, recs []Record) error
}

// Record is a persisted message annotated for delivery.
type Record struct {
	ChatID string
	store.Message
	SenderUsername string
}

// Handle identifies one subscription.
type Handle struct {
	ChatID       string
	SubscriberID string
}

type room struct {
	chatID string
	refs   int // subscribers + in-flight operations, guarded by Registry.mu

	mu          sync.Mutex
	subscribers map[string]Subscriber

	session
}

// add reports whether sub was newly added.
func (rm *room) add(sub Subscriber) bool {
	rm.mu.Lock()
	defer rm.mu.Unlock()
	if _, ok := rm.subscribers[sub.ID()]; ok {
		return false
	}
	rm.subscribers[sub.ID()] = sub
	return true
}

// remove reports whether id was present.
func (rm *room) remove(id string) bool {
	rm.mu.Lock()
	defer rm.mu.Unlock()
	if _, ok := rm.subscribers[id]; !ok {
		return false
	}
	delete(rm.subscribers, id)
	return true
}

func (rm *room) has(id string) bool {
	rm.mu.Lock()
	defer rm.mu.Unlock()
	_, ok := rm.subscribers[id]
	return ok
}

func (rm *room) snapshot() []Subscriber {
	rm.mu.Lock()
	defer rm.mu.Unlock()
	out := make([]Subscriber, 0, len(rm.subscribers))
	for _, sub := range rm.subscribers {
		out = append(out, sub)
	}
	return out
}

// Registry maps chat ids to rooms. The registry lock only covers the map
// and reference counts; subscriber sets are guarded per room.
type Registry struct {
	chats   store.ChatStore
	metrics *metrics.Metrics // optional

	mu    sync.Mutex
	rooms map[string]*room
}

// NewRegistry creates an empty registry. m may be nil.
func NewRegistry(chats store.ChatStore, m *metrics.Metrics) *Registry {
	return &Registry{
		chats:   chats,
		metrics: m,
		rooms:   make(map[string]*room),
	}
}

// acquire returns the room for chatID, creating it if needed, and takes a
// reference that must be dropped with release.
func (r *Registry) acquire(chatID string) *room {
	r.mu.Lock()
	defer r.mu.Unlock()
	rm, ok := r.rooms[chatID]
	if !ok {
		rm = &room{
			chatID:      chatID,
			subscribers: make(map[string]Subscriber),
		}
		rm.session.init()
		r.rooms[chatID] = rm
		if r.metrics != nil {
			r.metrics.ActiveRooms.Inc()
		}
	}
	rm.refs++
	return rm
}

func (r *Registry) release(rm *room) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rm.refs--
	if rm.refs > 0 {
		return
	}
	if r.rooms[rm.chatID] == rm {
		delete(r.rooms, rm.chatID)
		if r.metrics != nil {
			r.metrics.ActiveRooms.Dec()
		}
		slog.Debug("room evicted", "chat_id", rm.chatID)
	}
}

func (r *Registry) lookup(chatID string) *room {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.rooms[chatID]
}

// Subscribe registers sub under chatID after checking the chat exists.
// Subscribing the same subscriber twice returns the existing handle.
//
// Subscribe does not wait for broadcasts in flight; Service.Join does, and
// both add the subscriber through attach.
func (r *Registry) Subscribe(ctx context.Context, chatID string, sub Subscriber) (Handle, error) {
	if _, err := r.chats.GetChat(ctx, chatID); err != nil {
		return Handle{}, err
	}
	rm := r.acquire(chatID)
	r.attach(rm, sub)
	return Handle{ChatID: chatID, SubscriberID: sub.ID()}, nil
}

// attach adds sub to rm, which the caller has acquired. The subscriber
// keeps that reference; a repeat subscription gives it back. It reports
// whether sub was newly added.
func (r *Registry) attach(rm *room, sub Subscriber) bool {
	if !rm.add(sub) {
		r.release(rm)
		return false
	}
	slog.Debug("subscribed", "chat_id", rm.chatID, "subscriber", sub.ID())
	return true
}

// Unsubscribe removes the subscription. It is a no-op if already removed.
func (r *Registry) Unsubscribe(h Handle) {
	rm := r.lookup(h.ChatID)
	if rm == nil {
		return
	}
	if rm.remove(h.SubscriberID) {
		r.release(rm)
		slog.Debug("unsubscribed", "chat_id", h.ChatID, "subscriber", h.SubscriberID)
	}
}

// BroadcastTargets returns a snapshot of the current subscribers of chatID.
func (r *Registry) BroadcastTargets(chatID string) []Subscriber {
	rm := r.lookup(chatID)
	if rm == nil {
		return nil
	}
	return rm.snapshot()
}

// SubscriberCount returns the number of subscribers of chatID.
func (r *Registry) SubscriberCount(chatID string) int {
	rm := r.lookup(chatID)
	if rm == nil {
		return 0
	}
	rm.mu.Lock()
	defer rm.mu.Unlock()
	return len(rm.subscribers)
}

// RoomCount returns the number of active rooms.
func (r *Registry) RoomCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.rooms)
}

// Close drops every room. Subscribers are not notified; the gateway closes
// its connections separately.
func (r *Registry) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.metrics != nil {
		r.metrics.ActiveRooms.Sub(float64(len(r.rooms)))
	}
	r.rooms = make(map[string]*room)
}

package room

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/cortexuvula/chatrelay/internal/apperr"
	"github.com/cortexuvula/chatrelay/internal/metrics"
	"github.com/cortexuvula/chatrelay/internal/store"
)

// UnknownSender is shown for messages whose sender no longer exists.
const UnknownSender = "Unknown"

// session is the per-chat serialization state embedded in a room.
//
// token is held across validation and append. Before releasing it a post
// takes a ticket; broadcasts then run strictly in ticket order, so every
// subscriber sees the log order while slow delivery never holds the token.
type session struct {
	token        sync.Mutex
	loaded       bool
	participants []string
	cursor       int64 // seq of the last message appended through this session
	nextTicket   uint64

	turnMu  sync.Mutex
	turn    *sync.Cond
	serving uint64
}

func (s *session) init() {
	s.turn = sync.NewCond(&s.turnMu)
}

// takeTicket must be called with token held.
func (s *session) takeTicket() uint64 {
	t := s.nextTicket
	s.nextTicket++
	return t
}

func (s *session) waitTurn(ticket uint64) {
	s.turnMu.Lock()
	for s.serving != ticket {
		s.turn.Wait()
	}
	s.turnMu.Unlock()
}

func (s *session) finishTurn() {
	s.turnMu.Lock()
	s.serving++
	s.turn.Broadcast()
	s.turnMu.Unlock()
}

// Post is a request to append a message.
type Post struct {
	ChatID         string
	SenderID       string
	Content        string
	IdempotencyKey string
}

// Service posts messages, reads logs and joins subscribers to rooms.
type Service struct {
	registry *Registry
	chats    store.ChatStore
	users    store.UserDirectory
	metrics  *metrics.Metrics // optional

	appendTimeout  time.Duration
	deliverTimeout time.Duration
	now            func() time.Time
}

// NewService creates a Service. m may be nil.
func NewService(reg *Registry, chats store.ChatStore, users store.UserDirectory, m *metrics.Metrics) *Service {
	return &Service{
		registry:       reg,
		chats:          chats,
		users:          users,
		metrics:        m,
		appendTimeout:  10 * time.Second,
		deliverTimeout: 5 * time.Second,
		now:            time.Now,
	}
}

// Registry returns the registry the service broadcasts through.
func (s *Service) Registry() *Registry {
	return s.registry
}

// load fills the session from the chat store. Must be called with token held.
func (s *Service) load(ctx context.Context, rm *room) error {
	if rm.loaded {
		return nil
	}
	chat, err := s.chats.GetChat(ctx, rm.chatID)
	if err != nil {
		return err
	}
	rm.participants = slices.Clone(chat.Participants)
	rm.cursor = chat.MessageCount
	rm.loaded = true
	return nil
}

// PostMessage validates p, appends it to the chat log and broadcasts the
// stored record to the room. duplicate is set when p.IdempotencyKey was
// already used; the original record is returned and nothing is broadcast.
//
// A store failure returns an error wrapping apperr.ErrPersistence and
// nothing is broadcast. Cancelling ctx does not abort an append in progress.
func (s *Service) PostMessage(ctx context.Context, p Post) (rec Record, duplicate bool, err error) {
	if strings.TrimSpace(p.Content) == "" {
		return Record{}, false, fmt.Errorf("%w: message content is empty", apperr.ErrInvalidMessage)
	}
	if p.SenderID == "" {
		return Record{}, false, fmt.Errorf("%w: sender_id is required", apperr.ErrInvalidMessage)
	}

	rm := s.registry.acquire(p.ChatID)
	defer s.registry.release(rm)

	rm.token.Lock()
	if err := s.load(ctx, rm); err != nil {
		rm.token.Unlock()
		return Record{}, false, err
	}
	if !slices.Contains(rm.participants, p.SenderID) {
		rm.token.Unlock()
		return Record{}, false, fmt.Errorf("%w: %s", apperr.ErrNotAParticipant, p.SenderID)
	}

	appendCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.appendTimeout)
	stored, duplicate, err := s.chats.AppendMessage(appendCtx, p.ChatID, store.Message{
		SenderID:       p.SenderID,
		Content:        p.Content,
		Timestamp:      s.now().UTC(),
		IdempotencyKey: p.IdempotencyKey,
	})
	cancel()
	if err != nil {
		rm.token.Unlock()
		s.countError(err)
		return Record{}, false, asPersistence(err)
	}
	if duplicate {
		rm.token.Unlock()
		slog.Debug("duplicate post ignored", "chat_id", p.ChatID, "seq", stored.Seq, "idempotency_key", p.IdempotencyKey)
		return s.annotate(ctx, p.ChatID, stored), true, nil
	}
	if stored.Seq != rm.cursor+1 {
		slog.Warn("chat log advanced outside this process", "chat_id", p.ChatID, "expected_seq", rm.cursor+1, "seq", stored.Seq)
	}
	rm.cursor = stored.Seq
	ticket := rm.takeTicket()
	rm.token.Unlock()

	rec = s.annotate(ctx, p.ChatID, stored)

	rm.waitTurn(ticket)
	defer rm.finishTurn()
	s.broadcast(ctx, rec, rm.snapshot())
	return rec, false, nil
}

// Join subscribes sub to chatID. When userID is set it must be a
// participant. With backlog the current log is delivered to sub before any
// message appended after the join, with no gaps or repeats. Joining again
// with a subscriber already in the room returns its handle and delivers
// nothing.
func (s *Service) Join(ctx context.Context, chatID, userID string, sub Subscriber, backlog bool) (Handle, error) {
	h := Handle{ChatID: chatID, SubscriberID: sub.ID()}
	rm := s.registry.acquire(chatID)

	rm.token.Lock()
	if err := s.load(ctx, rm); err != nil {
		rm.token.Unlock()
		s.registry.release(rm)
		return Handle{}, err
	}
	if userID != "" && !slices.Contains(rm.participants, userID) {
		rm.token.Unlock()
		s.registry.release(rm)
		return Handle{}, fmt.Errorf("%w: %s", apperr.ErrNotAParticipant, userID)
	}
	if rm.has(sub.ID()) {
		rm.token.Unlock()
		s.registry.release(rm)
		return h, nil
	}
	var history []store.Message
	if backlog {
		var err error
		history, err = s.chats.Messages(ctx, chatID)
		if err != nil {
			rm.token.Unlock()
			s.registry.release(rm)
			return Handle{}, asPersistence(err)
		}
	}
	ticket := rm.takeTicket()
	rm.token.Unlock()

	records, err := s.annotateAll(ctx, chatID, history)
	if err != nil {
		// The ticket must still be served.
		rm.waitTurn(ticket)
		rm.finishTurn()
		s.registry.release(rm)
		return Handle{}, err
	}

	// Joining in turn means every earlier broadcast is covered by history
	// and every later one reaches sub.
	rm.waitTurn(ticket)
	added := s.registry.attach(rm, sub)
	if added && len(records) > 0 {
		s.deliverBacklog(ctx, records, sub)
	}
	rm.finishTurn()

	slog.Debug("joined room", "chat_id", chatID, "subscriber", sub.ID(), "backlog", len(records), "added", added)
	return h, nil
}

// Leave removes a subscription.
func (s *Service) Leave(h Handle) {
	s.registry.Unsubscribe(h)
}

// ReadLog returns the chat log annotated with sender usernames.
func (s *Service) ReadLog(ctx context.Context, chatID string) ([]Record, error) {
	msgs, err := s.chats.Messages(ctx, chatID)
	if err != nil {
		return nil, asPersistence(err)
	}
	return s.annotateAll(ctx, chatID, msgs)
}

func (s *Service) annotateAll(ctx context.Context, chatID string, msgs []store.Message) ([]Record, error) {
	names := make(map[string]string)
	out := make([]Record, 0, len(msgs))
	for _, m := range msgs {
		name, ok := names[m.SenderID]
		if !ok {
			u, err := s.users.FindByID(ctx, m.SenderID)
			switch {
			case errors.Is(err, apperr.ErrUserNotFound):
				name = UnknownSender
			case err != nil:
				return nil, asPersistence(err)
			default:
				name = u.Username
			}
			names[m.SenderID] = name
		}
		out = append(out, Record{ChatID: chatID, Message: m, SenderUsername: name})
	}
	return out, nil
}

// annotate never fails: the message is already stored.
func (s *Service) annotate(ctx context.Context, chatID string, m store.Message) Record {
	rec := Record{ChatID: chatID, Message: m, SenderUsername: UnknownSender}
	u, err := s.users.FindByID(context.WithoutCancel(ctx), m.SenderID)
	if err != nil {
		if !errors.Is(err, apperr.ErrUserNotFound) {
			slog.Debug("sender lookup failed", "chat_id", chatID, "sender_id", m.SenderID, "error", err)
		}
		return rec
	}
	rec.SenderUsername = u.Username
	return rec
}

func (s *Service) broadcast(ctx context.Context, rec Record, targets []Subscriber) {
	for _, sub := range targets {
		s.deliver(ctx, rec, sub)
	}
}

// deliver hands rec to one subscriber. Failures are logged and counted
// and never affect other subscribers.
func (s *Service) deliver(ctx context.Context, rec Record, sub Subscriber) error {
	dctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.deliverTimeout)
	err := sub.Deliver(dctx, rec)
	cancel()
	if err != nil {
		return s.deliveryFailed(rec.ChatID, rec.Seq, sub, err)
	}
	if s.metrics != nil {
		s.metrics.Deliveries.Inc()
	}
	return nil
}

// deliverBacklog hands a joining subscriber the log it asked for.
func (s *Service) deliverBacklog(ctx context.Context, records []Record, sub Subscriber) {
	bs, ok := sub.(BacklogSubscriber)
	if !ok {
		for _, rec := range records {
			if s.deliver(ctx, rec, sub) != nil {
				return
			}
		}
		return
	}

	dctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.deliverTimeout)
	err := bs.DeliverBacklog(dctx, records)
	cancel()
	if err != nil {
		s.deliveryFailed(records[0].ChatID, records[0].Seq, sub, err)
		return
	}
	if s.metrics != nil {
		s.metrics.Deliveries.Add(float64(len(records)))
	}
}

func (s *Service) deliveryFailed(chatID string, seq int64, sub Subscriber, err error) error {
	err = fmt.Errorf("%w: %w", apperr.ErrDelivery, err)
	if s.metrics != nil {
		s.metrics.DeliveryFailures.Inc()
	}
	gone := errors.Is(err, ErrSubscriberGone)
	slog.Warn("delivery failed", "chat_id", chatID, "subscriber", sub.ID(), "seq", seq, "pruned", gone, "error", err)
	if gone {
		s.registry.Unsubscribe(Handle{ChatID: chatID, SubscriberID: sub.ID()})
	}
	return err
}

func (s *Service) countError(err error) {
	if s.metrics != nil {
		s.metrics.ErrorsTotal.WithLabelValues(apperr.Category(asPersistence(err))).Inc()
	}
}

// asPersistence wraps store errors that are not already part of the
// taxonomy as persistence failures.
func asPersistence(err error) error {
	if err == nil {
		return nil
	}
	switch apperr.Category(err) {
	case "internal":
		return fmt.Errorf("%w: %v", apperr.ErrPersistence, err)
	default:
		return err
	}
}

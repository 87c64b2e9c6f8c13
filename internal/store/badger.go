package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/cortexuvula/chatrelay/internal/apperr"
	"github.com/dgraph-io/badger/v4"
	"github.com/google/uuid"
)

// Key layout:
//
//	user:<id>                  userDoc
//	username:<name>            user id
//	chat:<id>                  chatDoc
//	member:<user>:<chat>       empty, participant index
//	msg:<chat>:<seq %020d>     messageDoc
//	idem:<chat>:<key>          seq of the message stored under key
const (
	prefixUser     = "user:"
	prefixUsername = "username:"
	prefixChat     = "chat:"
	prefixMember   = "member:"
	prefixMsg      = "msg:"
	prefixIdem     = "idem:"

	// Writers to one chat are serialized above the store, so conflicts
	// only come from unrelated writers racing on shared keys.
	maxTxnRetries = 100
)

type userDoc struct {
	ID           string    `json:"id"`
	Username     string    `json:"username"`
	PasswordHash string    `json:"password_hash"`
	CreatedAt    time.Time `json:"created_at"`
}

type chatDoc struct {
	ID           string    `json:"id"`
	Participants []string  `json:"participants"`
	MessageCount int64     `json:"message_count"`
	CreatedAt    time.Time `json:"created_at"`
}

type messageDoc struct {
	Seq            int64     `json:"seq"`
	SenderID       string    `json:"sender_id"`
	Content        string    `json:"content"`
	Timestamp      time.Time `json:"timestamp"`
	IdempotencyKey string    `json:"idempotency_key,omitempty"`
}

// Badger is a Backend on an embedded badger database.
type Badger struct {
	db *badger.DB
}

// OpenBadger opens (or creates) a database in dir. An empty dir opens an
// in-memory database.
func OpenBadger(dir string) (*Badger, error) {
	opts := badger.DefaultOptions(dir).
		WithLogger(badgerLogger{}).
		WithLoggingLevel(badger.WARNING)
	if dir == "" {
		opts = opts.WithInMemory(true)
	}
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("opening badger at %q: %w", dir, err)
	}
	return &Badger{db: db}, nil
}

func msgKey(chatID string, seq int64) []byte {
	return []byte(fmt.Sprintf("%s%s:%020d", prefixMsg, chatID, seq))
}

func idemKey(chatID, key string) []byte {
	return []byte(prefixIdem + chatID + ":" + key)
}

func getJSON(txn *badger.Txn, key []byte, v any) error {
	item, err := txn.Get(key)
	if err != nil {
		return err
	}
	return item.Value(func(val []byte) error {
		return json.Unmarshal(val, v)
	})
}

func setJSON(txn *badger.Txn, key []byte, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return txn.Set(key, data)
}

// update runs fn in a read-write transaction, retrying on conflicts.
func (b *Badger) update(ctx context.Context, fn func(txn *badger.Txn) error) error {
	var err error
	for attempt := 0; attempt < maxTxnRetries; attempt++ {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		err = b.db.Update(fn)
		if !errors.Is(err, badger.ErrConflict) {
			return err
		}
	}
	return err
}

// CreateUser stores a new user, rejecting taken usernames.
func (b *Badger) CreateUser(ctx context.Context, username, passwordHash string) (string, error) {
	doc := userDoc{
		ID:           uuid.NewString(),
		Username:     username,
		PasswordHash: passwordHash,
		CreatedAt:    time.Now().UTC(),
	}
	err := b.update(ctx, func(txn *badger.Txn) error {
		nameKey := []byte(prefixUsername + username)
		if _, err := txn.Get(nameKey); err == nil {
			return apperr.ErrDuplicateUsername
		} else if !errors.Is(err, badger.ErrKeyNotFound) {
			return err
		}
		if err := txn.Set(nameKey, []byte(doc.ID)); err != nil {
			return err
		}
		return setJSON(txn, []byte(prefixUser+doc.ID), doc)
	})
	switch {
	case errors.Is(err, apperr.ErrDuplicateUsername):
		return "", err
	case err != nil:
		return "", persistenceErr("create user", err)
	}
	return doc.ID, nil
}

// FindByID looks a user up by id.
func (b *Badger) FindByID(_ context.Context, userID string) (User, error) {
	var doc userDoc
	err := b.db.View(func(txn *badger.Txn) error {
		return getJSON(txn, []byte(prefixUser+userID), &doc)
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return User{}, apperr.ErrUserNotFound
	}
	if err != nil {
		return User{}, persistenceErr("find user", err)
	}
	return doc.toUser(), nil
}

// FindByUsername looks a user up through the username index.
func (b *Badger) FindByUsername(_ context.Context, username string) (User, error) {
	var doc userDoc
	err := b.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(prefixUsername + username))
		if err != nil {
			return err
		}
		id, err := item.ValueCopy(nil)
		if err != nil {
			return err
		}
		return getJSON(txn, []byte(prefixUser+string(id)), &doc)
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return User{}, apperr.ErrUserNotFound
	}
	if err != nil {
		return User{}, persistenceErr("find user by name", err)
	}
	return doc.toUser(), nil
}

// ListUsers returns every user ordered by username.
func (b *Badger) ListUsers(_ context.Context) ([]User, error) {
	var users []User
	err := b.db.View(func(txn *badger.Txn) error {
		return scanPrefix(txn, []byte(prefixUser), func(val []byte) error {
			var doc userDoc
			if err := json.Unmarshal(val, &doc); err != nil {
				return err
			}
			users = append(users, doc.toUser())
			return nil
		})
	})
	if err != nil {
		return nil, persistenceErr("list users", err)
	}
	slices.SortFunc(users, func(a, b User) int { return strings.Compare(a.Username, b.Username) })
	return users, nil
}

// CreateChat stores a chat and indexes it under each participant.
func (b *Badger) CreateChat(ctx context.Context, participants []string) (string, error) {
	doc := chatDoc{
		ID:           uuid.NewString(),
		Participants: slices.Clone(participants),
		CreatedAt:    time.Now().UTC(),
	}
	err := b.update(ctx, func(txn *badger.Txn) error {
		if err := setJSON(txn, []byte(prefixChat+doc.ID), doc); err != nil {
			return err
		}
		for _, p := range doc.Participants {
			if err := txn.Set([]byte(prefixMember+p+":"+doc.ID), []byte{}); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return "", persistenceErr("create chat", err)
	}
	return doc.ID, nil
}

// GetChat loads chat metadata.
func (b *Badger) GetChat(_ context.Context, chatID string) (Chat, error) {
	var doc chatDoc
	err := b.db.View(func(txn *badger.Txn) error {
		return getJSON(txn, []byte(prefixChat+chatID), &doc)
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return Chat{}, apperr.ErrChatNotFound
	}
	if err != nil {
		return Chat{}, persistenceErr("get chat", err)
	}
	return doc.toChat(), nil
}

// FindChatsByParticipant returns the user's chats, oldest first.
func (b *Badger) FindChatsByParticipant(_ context.Context, userID string) ([]Chat, error) {
	var chats []Chat
	prefix := []byte(prefixMember + userID + ":")
	err := b.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			chatID := strings.TrimPrefix(string(it.Item().Key()), string(prefix))
			var doc chatDoc
			if err := getJSON(txn, []byte(prefixChat+chatID), &doc); err != nil {
				return err
			}
			chats = append(chats, doc.toChat())
		}
		return nil
	})
	if err != nil {
		return nil, persistenceErr("find chats", err)
	}
	slices.SortFunc(chats, func(a, b Chat) int { return a.CreatedAt.Compare(b.CreatedAt) })
	return chats, nil
}

// AppendMessage writes msg at position MessageCount+1 and bumps the count
// in the same transaction.
func (b *Badger) AppendMessage(ctx context.Context, chatID string, msg Message) (Message, bool, error) {
	var stored Message
	var duplicate bool
	err := b.update(ctx, func(txn *badger.Txn) error {
		duplicate = false
		var chat chatDoc
		if err := getJSON(txn, []byte(prefixChat+chatID), &chat); err != nil {
			if errors.Is(err, badger.ErrKeyNotFound) {
				return apperr.ErrChatNotFound
			}
			return err
		}

		if msg.IdempotencyKey != "" {
			item, err := txn.Get(idemKey(chatID, msg.IdempotencyKey))
			if err == nil {
				raw, err := item.ValueCopy(nil)
				if err != nil {
					return err
				}
				seq, err := strconv.ParseInt(string(raw), 10, 64)
				if err != nil {
					return err
				}
				var doc messageDoc
				if err := getJSON(txn, msgKey(chatID, seq), &doc); err != nil {
					return err
				}
				stored, duplicate = doc.toMessage(), true
				return nil
			} else if !errors.Is(err, badger.ErrKeyNotFound) {
				return err
			}
		}

		chat.MessageCount++
		doc := messageDoc{
			Seq:            chat.MessageCount,
			SenderID:       msg.SenderID,
			Content:        msg.Content,
			Timestamp:      msg.Timestamp,
			IdempotencyKey: msg.IdempotencyKey,
		}
		if doc.Timestamp.IsZero() {
			doc.Timestamp = time.Now().UTC()
		}
		if err := setJSON(txn, msgKey(chatID, doc.Seq), doc); err != nil {
			return err
		}
		if doc.IdempotencyKey != "" {
			if err := txn.Set(idemKey(chatID, doc.IdempotencyKey), []byte(strconv.FormatInt(doc.Seq, 10))); err != nil {
				return err
			}
		}
		if err := setJSON(txn, []byte(prefixChat+chatID), chat); err != nil {
			return err
		}
		stored = doc.toMessage()
		return nil
	})
	switch {
	case errors.Is(err, apperr.ErrChatNotFound):
		return Message{}, false, err
	case err != nil:
		return Message{}, false, persistenceErr("append message", err)
	}
	return stored, duplicate, nil
}

// Messages returns the chat log in sequence order.
func (b *Badger) Messages(_ context.Context, chatID string) ([]Message, error) {
	var msgs []Message
	err := b.db.View(func(txn *badger.Txn) error {
		if _, err := txn.Get([]byte(prefixChat + chatID)); err != nil {
			if errors.Is(err, badger.ErrKeyNotFound) {
				return apperr.ErrChatNotFound
			}
			return err
		}
		return scanPrefix(txn, []byte(prefixMsg+chatID+":"), func(val []byte) error {
			var doc messageDoc
			if err := json.Unmarshal(val, &doc); err != nil {
				return err
			}
			msgs = append(msgs, doc.toMessage())
			return nil
		})
	})
	switch {
	case errors.Is(err, apperr.ErrChatNotFound):
		return nil, err
	case err != nil:
		return nil, persistenceErr("read messages", err)
	}
	return msgs, nil
}

// Ping reports whether the database is open.
func (b *Badger) Ping(_ context.Context) error {
	if b.db.IsClosed() {
		return persistenceErr("ping", errors.New("database closed"))
	}
	return nil
}

// Close flushes and closes the database.
func (b *Badger) Close() error {
	return b.db.Close()
}

func scanPrefix(txn *badger.Txn, prefix []byte, fn func(val []byte) error) error {
	it := txn.NewIterator(badger.DefaultIteratorOptions)
	defer it.Close()
	for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
		if err := it.Item().Value(fn); err != nil {
			return err
		}
	}
	return nil
}

func (d userDoc) toUser() User {
	return User{ID: d.ID, Username: d.Username, PasswordHash: d.PasswordHash, CreatedAt: d.CreatedAt}
}

func (d chatDoc) toChat() Chat {
	return Chat{ID: d.ID, Participants: d.Participants, MessageCount: d.MessageCount, CreatedAt: d.CreatedAt}
}

func (d messageDoc) toMessage() Message {
	return Message{
		Seq:            d.Seq,
		SenderID:       d.SenderID,
		Content:        d.Content,
		Timestamp:      d.Timestamp,
		IdempotencyKey: d.IdempotencyKey,
	}
}

// badgerLogger routes badger's internal logging through slog.
type badgerLogger struct{}

func (badgerLogger) Errorf(f string, args ...any) {
	slog.Error(strings.TrimSpace(fmt.Sprintf(f, args...)), "component", "badger")
}

func (badgerLogger) Warningf(f string, args ...any) {
	slog.Warn(strings.TrimSpace(fmt.Sprintf(f, args...)), "component", "badger")
}

func (badgerLogger) Infof(f string, args ...any) {
	slog.Info(strings.TrimSpace(fmt.Sprintf(f, args...)), "component", "badger")
}

func (badgerLogger) Debugf(f string, args ...any) {
	slog.Debug(strings.TrimSpace(fmt.Sprintf(f, args...)), "component", "badger")
}

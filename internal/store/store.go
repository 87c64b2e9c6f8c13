//go:generate go run go.uber.org/mock/mockgen -source=store.go -destination=mocks/mock_store.go -package=mocks

// Package store holds the durable side of chatrelay: the chat store (chat
// participants plus an ordered message log) and the user directory. Two
// backends implement it, an embedded badger database and MongoDB.
package store

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"time"

	"github.com/cortexuvula/chatrelay/internal/apperr"
	"github.com/cortexuvula/chatrelay/internal/config"
)

// User is a registered account.
type User struct {
	ID           string
	Username     string
	PasswordHash string
	CreatedAt    time.Time
}

// Chat is a conversation between a fixed set of participants.
// MessageCount equals the Seq of the last appended message.
type Chat struct {
	ID           string
	Participants []string
	MessageCount int64
	CreatedAt    time.Time
}

// HasParticipant reports whether userID belongs to the chat.
func (c Chat) HasParticipant(userID string) bool {
	for _, p := range c.Participants {
		if p == userID {
			return true
		}
	}
	return false
}

// Message is an immutable entry in a chat log. Seq starts at 1 and is
// assigned by the store on append.
type Message struct {
	Seq            int64
	SenderID       string
	Content        string
	Timestamp      time.Time
	IdempotencyKey string
}

// ChatStore persists chats and their message logs.
type ChatStore interface {
	FindChatsByParticipant(ctx context.Context, userID string) ([]Chat, error)
	// GetChat returns apperr.ErrChatNotFound for unknown ids.
	GetChat(ctx context.Context, chatID string) (Chat, error)
	CreateChat(ctx context.Context, participants []string) (string, error)
	// AppendMessage atomically appends msg at the next sequence position.
	// When msg.IdempotencyKey was already used in this chat the stored
	// message is returned with duplicate set and nothing is written.
	AppendMessage(ctx context.Context, chatID string, msg Message) (stored Message, duplicate bool, err error)
	// Messages returns the full log in sequence order.
	Messages(ctx context.Context, chatID string) ([]Message, error)
}

// UserDirectory persists user accounts.
type UserDirectory interface {
	FindByUsername(ctx context.Context, username string) (User, error)
	FindByID(ctx context.Context, userID string) (User, error)
	// CreateUser returns apperr.ErrDuplicateUsername when the name is taken.
	CreateUser(ctx context.Context, username, passwordHash string) (string, error)
	ListUsers(ctx context.Context) ([]User, error)
}

// Backend is a complete storage implementation.
type Backend interface {
	ChatStore
	UserDirectory
	Ping(ctx context.Context) error
	Close() error
}

// Open connects to the backend selected by cfg.URI:
//
//	badger://<dir>              embedded database in dir
//	memory://                   embedded in-memory database
//	mongodb://, mongodb+srv://  MongoDB, using cfg.Database
func Open(ctx context.Context, cfg config.StoreConfig) (Backend, error) {
	u, err := url.Parse(cfg.URI)
	if err != nil {
		return nil, fmt.Errorf("parsing store uri: %w", err)
	}
	switch u.Scheme {
	case "badger":
		dir := u.Host + u.Path
		if dir == "" {
			return nil, fmt.Errorf("badger store uri needs a directory")
		}
		return OpenBadger(dir)
	case "memory":
		return OpenBadger("")
	case "mongodb", "mongodb+srv":
		connectCtx, cancel := context.WithTimeout(ctx, cfg.ConnectTimeout)
		defer cancel()
		return OpenMongo(connectCtx, cfg.URI, cfg.Database)
	default:
		return nil, fmt.Errorf("unsupported store scheme %q", u.Scheme)
	}
}

// Redact strips credentials from a store uri for logging.
func Redact(uri string) string {
	u, err := url.Parse(uri)
	if err != nil {
		return "<invalid>"
	}
	return u.Redacted()
}

func persistenceErr(op string, err error) error {
	slog.Debug("store operation failed", "op", op, "error", err)
	return fmt.Errorf("%w: %s: %v", apperr.ErrPersistence, op, err)
}

// Package apperr defines the error taxonomy shared by the store, room and
// gateway layers, and maps it onto wire categories and HTTP status codes.
package apperr

import (
	"errors"
	"net/http"
)

var (
	ErrChatNotFound       = errors.New("chat not found")
	ErrUserNotFound       = errors.New("user not found")
	ErrDuplicateUsername  = errors.New("username already exists")
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrInvalidMessage     = errors.New("invalid message")
	ErrNotAParticipant    = errors.New("sender is not a participant of this chat")
	ErrPersistence        = errors.New("persistence failure")
	ErrDelivery           = errors.New("delivery failure")
	ErrInvalidRequest     = errors.New("invalid request")
	ErrUnauthorized       = errors.New("unauthorized")
	ErrRateLimited        = errors.New("rate limit exceeded")
)

type kind struct {
	err      error
	category string
	status   int
}

// Order matters: the first sentinel found in the chain wins.
var kinds = []kind{
	{ErrChatNotFound, "chat_not_found", http.StatusNotFound},
	{ErrUserNotFound, "user_not_found", http.StatusNotFound},
	{ErrDuplicateUsername, "duplicate_username", http.StatusConflict},
	{ErrInvalidCredentials, "invalid_credentials", http.StatusUnauthorized},
	{ErrInvalidMessage, "invalid_message", http.StatusBadRequest},
	{ErrNotAParticipant, "not_a_participant", http.StatusForbidden},
	{ErrPersistence, "persistence_failure", http.StatusServiceUnavailable},
	{ErrDelivery, "delivery_failure", http.StatusInternalServerError},
	{ErrInvalidRequest, "invalid_request", http.StatusBadRequest},
	{ErrUnauthorized, "unauthorized", http.StatusUnauthorized},
	{ErrRateLimited, "rate_limited", http.StatusTooManyRequests},
}

func lookup(err error) (kind, bool) {
	for _, k := range kinds {
		if errors.Is(err, k.err) {
			return k, true
		}
	}
	return kind{}, false
}

// Category returns the stable snake_case category for err, or "internal"
// when err does not wrap a known sentinel.
func Category(err error) string {
	if k, ok := lookup(err); ok {
		return k.category
	}
	return "internal"
}

// HTTPStatus maps err onto the status code returned to request/response callers.
func HTTPStatus(err error) int {
	if k, ok := lookup(err); ok {
		return k.status
	}
	return http.StatusInternalServerError
}

// Message returns the text shown to clients. Storage and unknown errors are
// reduced to their sentinel so driver details do not leak.
func Message(err error) string {
	k, ok := lookup(err)
	switch {
	case !ok:
		return "internal error"
	case k.err == ErrPersistence:
		return k.err.Error()
	default:
		return err.Error()
	}
}

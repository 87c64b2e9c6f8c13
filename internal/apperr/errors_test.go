package apperr

import (
	"errors"
	"fmt"
	"net/http"
	"testing"
)

func TestCategoryAndStatus(t *testing.T) {
	tests := []struct {
		err      error
		category string
		status   int
	}{
		{ErrChatNotFound, "chat_not_found", http.StatusNotFound},
		{fmt.Errorf("%w: abc", ErrUserNotFound), "user_not_found", http.StatusNotFound},
		{ErrDuplicateUsername, "duplicate_username", http.StatusConflict},
		{ErrInvalidCredentials, "invalid_credentials", http.StatusUnauthorized},
		{fmt.Errorf("%w: content is empty", ErrInvalidMessage), "invalid_message", http.StatusBadRequest},
		{ErrNotAParticipant, "not_a_participant", http.StatusForbidden},
		{fmt.Errorf("%w: disk full", ErrPersistence), "persistence_failure", http.StatusServiceUnavailable},
		{ErrDelivery, "delivery_failure", http.StatusInternalServerError},
		{ErrInvalidRequest, "invalid_request", http.StatusBadRequest},
		{ErrUnauthorized, "unauthorized", http.StatusUnauthorized},
		{ErrRateLimited, "rate_limited", http.StatusTooManyRequests},
		{errors.New("boom"), "internal", http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.err.Error(), func(t *testing.T) {
			if got := Category(tt.err); got != tt.category {
				t.Errorf("Category() = %q, want %q", got, tt.category)
			}
			if got := HTTPStatus(tt.err); got != tt.status {
				t.Errorf("HTTPStatus() = %d, want %d", got, tt.status)
			}
		})
	}
}

func TestMessageHidesStorageDetails(t *testing.T) {
	err := fmt.Errorf("%w: mongo: connection refused", ErrPersistence)
	if got := Message(err); got != "persistence failure" {
		t.Errorf("Message() = %q, want %q", got, "persistence failure")
	}
	if got := Message(errors.New("secret detail")); got != "internal error" {
		t.Errorf("Message() = %q, want %q", got, "internal error")
	}
	err = fmt.Errorf("%w: content is empty", ErrInvalidMessage)
	if got := Message(err); got != "invalid message: content is empty" {
		t.Errorf("Message() = %q", got)
	}
}

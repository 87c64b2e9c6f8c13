package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/samber/lo"

	"github.com/cortexuvula/chatrelay/internal/apperr"
	"github.com/cortexuvula/chatrelay/internal/room"
	"github.com/cortexuvula/chatrelay/internal/security"
	"github.com/cortexuvula/chatrelay/internal/store"
)

type credentialsRequest struct {
	Username string `json:"username" validate:"required,max=64"`
	Password string `json:"password" validate:"required,max=1024"`
}

type registerResponse struct {
	Message string `json:"message"`
	UserID  string `json:"user_id"`
}

type loginResponse struct {
	Message   string     `json:"message"`
	UserID    string     `json:"user_id"`
	Token     string     `json:"token,omitempty"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
}

type userView struct {
	ID       string `json:"id"`
	Username string `json:"username"`
}

type chatView struct {
	ChatID       string     `json:"chat_id"`
	Participants []userView `json:"participants"`
}

type startChatRequest struct {
	UserID      string `json:"user_id" validate:"required"`
	RecipientID string `json:"recipient_id" validate:"required"`
}

type startChatResponse struct {
	ChatID string `json:"chat_id"`
}

type sendMessageRequest struct {
	SenderID    string `json:"sender_id"`
	Message     string `json:"message"`
	ClientMsgID string `json:"client_msg_id" validate:"max=128"`
}

type sendMessageResponse struct {
	Message   string    `json:"message"`
	Seq       int64     `json:"seq"`
	SenderID  string    `json:"sender_id"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
	Duplicate bool      `json:"duplicate"`
}

type messageView struct {
	Seq            int64     `json:"seq"`
	SenderID       string    `json:"sender_id"`
	SenderUsername string    `json:"sender_username"`
	Content        string    `json:"content"`
	Timestamp      time.Time `json:"timestamp"`
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req credentialsRequest
	if !s.decode(w, r, &req) {
		return
	}

	hash, err := security.HashPassword(req.Password)
	if err != nil {
		s.writeError(w, err)
		return
	}
	id, err := s.Store.CreateUser(r.Context(), req.Username, hash)
	if err != nil {
		s.writeError(w, err)
		return
	}

	slog.Info("user registered", "user_id", id, "username", req.Username)
	writeJSON(w, http.StatusCreated, registerResponse{Message: "User registered successfully!", UserID: id})
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req credentialsRequest
	if !s.decode(w, r, &req) {
		return
	}

	user, err := s.Store.FindByUsername(r.Context(), req.Username)
	if errors.Is(err, apperr.ErrUserNotFound) {
		s.writeError(w, apperr.ErrInvalidCredentials)
		return
	}
	if err != nil {
		s.writeError(w, err)
		return
	}
	ok, err := security.ComparePassword(req.Password, user.PasswordHash)
	if err != nil {
		slog.Warn("stored password hash unreadable", "user_id", user.ID, "error", err)
	}
	if !ok {
		slog.Info("login failed", "username", req.Username, "client_ip", security.ExtractClientIP(r.RemoteAddr))
		s.writeError(w, apperr.ErrInvalidCredentials)
		return
	}

	resp := loginResponse{Message: "Login successful!", UserID: user.ID}
	if s.Tokens != nil {
		token, expires, err := s.Tokens.Issue(user.ID)
		if err != nil {
			s.writeError(w, err)
			return
		}
		resp.Token = token
		resp.ExpiresAt = &expires
	}
	slog.Info("user logged in", "user_id", user.ID)
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleListUsers(w http.ResponseWriter, r *http.Request) {
	users, err := s.Store.ListUsers(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, lo.Map(users, func(u store.User, _ int) userView {
		return userView{ID: u.ID, Username: u.Username}
	}))
}

func (s *Server) handleListChats(w http.ResponseWriter, r *http.Request) {
	userID := r.URL.Query().Get("user_id")
	if userID == "" {
		s.writeError(w, fmt.Errorf("%w: user_id query parameter is required", apperr.ErrInvalidRequest))
		return
	}

	chats, err := s.Store.FindChatsByParticipant(r.Context(), userID)
	if err != nil {
		s.writeError(w, err)
		return
	}

	names := newNameCache(s.Store)
	out := make([]chatView, 0, len(chats))
	for _, c := range chats {
		participants := make([]userView, 0, len(c.Participants))
		for _, id := range c.Participants {
			name, err := names.lookup(r.Context(), id)
			if err != nil {
				s.writeError(w, err)
				return
			}
			participants = append(participants, userView{ID: id, Username: name})
		}
		out = append(out, chatView{ChatID: c.ID, Participants: participants})
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleStartChat(w http.ResponseWriter, r *http.Request) {
	var req startChatRequest
	if !s.decode(w, r, &req) {
		return
	}
	if req.UserID == req.RecipientID {
		s.writeError(w, fmt.Errorf("%w: cannot start a chat with yourself", apperr.ErrInvalidRequest))
		return
	}
	for _, id := range []string{req.UserID, req.RecipientID} {
		if _, err := s.Store.FindByID(r.Context(), id); err != nil {
			s.writeError(w, err)
			return
		}
	}

	chatID, err := s.Store.CreateChat(r.Context(), []string{req.UserID, req.RecipientID})
	if err != nil {
		s.writeError(w, err)
		return
	}
	slog.Info("chat started", "chat_id", chatID, "user_id", req.UserID, "recipient_id", req.RecipientID)
	writeJSON(w, http.StatusCreated, startChatResponse{ChatID: chatID})
}

func (s *Server) handleSendMessage(w http.ResponseWriter, r *http.Request) {
	chatID := chi.URLParam(r, "chatID")
	var req sendMessageRequest
	if !s.decode(w, r, &req) {
		return
	}

	senderID, err := s.resolveSender(r, req.SenderID)
	if err != nil {
		s.writeError(w, err)
		return
	}

	rec, duplicate, err := s.Rooms.PostMessage(r.Context(), room.Post{
		ChatID:         chatID,
		SenderID:       senderID,
		Content:        req.Message,
		IdempotencyKey: req.ClientMsgID,
	})
	if err != nil {
		s.writeError(w, err)
		return
	}
	if !duplicate {
		s.countPost("http")
	}

	writeJSON(w, http.StatusOK, sendMessageResponse{
		Message:   "Message sent successfully!",
		Seq:       rec.Seq,
		SenderID:  rec.SenderID,
		Content:   rec.Content,
		Timestamp: rec.Timestamp,
		Duplicate: duplicate,
	})
}

func (s *Server) handleFetchMessages(w http.ResponseWriter, r *http.Request) {
	records, err := s.Rooms.ReadLog(r.Context(), chi.URLParam(r, "chatID"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, lo.Map(records, func(rec room.Record, _ int) messageView {
		return messageView{
			Seq:            rec.Seq,
			SenderID:       rec.SenderID,
			SenderUsername: rec.SenderUsername,
			Content:        rec.Content,
			Timestamp:      rec.Timestamp,
		}
	}))
}

// handleParticipants lists the chat's participants; ids with no user
// record are left out.
func (s *Server) handleParticipants(w http.ResponseWriter, r *http.Request) {
	chat, err := s.Store.GetChat(r.Context(), chi.URLParam(r, "chatID"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	out := make([]userView, 0, len(chat.Participants))
	for _, id := range chat.Participants {
		u, err := s.Store.FindByID(r.Context(), id)
		if errors.Is(err, apperr.ErrUserNotFound) {
			continue
		}
		if err != nil {
			s.writeError(w, err)
			return
		}
		out = append(out, userView{ID: u.ID, Username: u.Username})
	}
	writeJSON(w, http.StatusOK, out)
}

// resolveSender picks the sender of an HTTP post. With require_token the
// bearer token names the sender and a conflicting sender_id is rejected.
func (s *Server) resolveSender(r *http.Request, claimed string) (string, error) {
	if !s.GetConfig().Auth.RequireToken {
		return claimed, nil
	}
	userID, err := s.authenticate(security.ExtractBearerToken(r.Header.Get("Authorization")))
	if err != nil {
		return "", err
	}
	if claimed != "" && claimed != userID {
		return "", fmt.Errorf("%w: sender_id does not match token", apperr.ErrUnauthorized)
	}
	return userID, nil
}

func (s *Server) authenticate(token string) (string, error) {
	if s.Tokens == nil {
		return "", fmt.Errorf("%w: token auth is not configured", apperr.ErrUnauthorized)
	}
	claims, err := s.Tokens.Verify(token)
	if err != nil {
		return "", err
	}
	return claims.UserID, nil
}

func (s *Server) countPost(transport string) {
	s.Tracker.IncrementMessages()
	if s.Metrics != nil {
		s.Metrics.MessagesPosted.WithLabelValues(transport).Inc()
	}
}

// nameCache resolves user ids to usernames once per request.
type nameCache struct {
	users store.UserDirectory
	names map[string]string
}

func newNameCache(users store.UserDirectory) *nameCache {
	return &nameCache{users: users, names: make(map[string]string)}
}

func (c *nameCache) lookup(ctx context.Context, id string) (string, error) {
	if name, ok := c.names[id]; ok {
		return name, nil
	}
	u, err := c.users.FindByID(ctx, id)
	switch {
	case errors.Is(err, apperr.ErrUserNotFound):
		c.names[id] = room.UnknownSender
	case err != nil:
		return "", err
	default:
		c.names[id] = u.Username
	}
	return c.names[id], nil
}

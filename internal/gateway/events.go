package gateway

import (
	"time"

	"github.com/cortexuvula/chatrelay/internal/apperr"
	"github.com/cortexuvula/chatrelay/internal/room"
)

// Client event types.
const (
	eventJoin    = "join"
	eventLeave   = "leave"
	eventMessage = "message"
	eventPing    = "ping"
)

// Server event types. A backlog requested on join is queued as message
// events before the joined event. Live messages broadcast after the join
// may be queued on either side of joined; their seq places them.
const (
	eventJoined = "joined"
	eventLeft   = "left"
	eventAck    = "ack"
	eventError  = "error"
	eventPong   = "pong"
)

// clientEvent is a frame received on a live connection.
type clientEvent struct {
	Type        string `json:"type" validate:"required,oneof=join leave message ping"`
	ChatID      string `json:"chat_id" validate:"required_unless=Type ping"`
	Message     string `json:"message"`
	SenderID    string `json:"sender_id"`
	ClientMsgID string `json:"client_msg_id" validate:"max=128"`
	Backlog     bool   `json:"backlog"`
}

// serverEvent is a frame sent on a live connection.
type serverEvent struct {
	Type           string     `json:"type"`
	ChatID         string     `json:"chat_id,omitempty"`
	Seq            int64      `json:"seq,omitempty"`
	SenderID       string     `json:"sender_id,omitempty"`
	SenderUsername string     `json:"sender_username,omitempty"`
	Message        string     `json:"message,omitempty"`
	Timestamp      *time.Time `json:"timestamp,omitempty"`
	ClientMsgID    string     `json:"client_msg_id,omitempty"`
	Duplicate      bool       `json:"duplicate,omitempty"`
	Category       string     `json:"category,omitempty"`
	Error          string     `json:"error,omitempty"`
}

func messageEvent(rec room.Record) serverEvent {
	ts := rec.Timestamp
	return serverEvent{
		Type:           eventMessage,
		ChatID:         rec.ChatID,
		Seq:            rec.Seq,
		SenderID:       rec.SenderID,
		SenderUsername: rec.SenderUsername,
		Message:        rec.Content,
		Timestamp:      &ts,
	}
}

func errorEvent(chatID string, err error) serverEvent {
	return serverEvent{
		Type:     eventError,
		ChatID:   chatID,
		Category: apperr.Category(err),
		Error:    apperr.Message(err),
	}
}

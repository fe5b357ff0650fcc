package signaling

import (
	"encoding/json"
	"fmt"
	"time"
)

type messageType string

// Inbound envelope types.
const (
	messageTypeJoin       messageType = "join"
	messageTypeSignal     messageType = "signal"
	messageTypeChat       messageType = "chat"
	messageTypeUserAction messageType = "user-action"
	messageTypeLeave      messageType = "leave"
	messageTypePing       messageType = "ping"
)

// Outbound envelope types. signal, chat and user-action keep their inbound
// names on the way out.
const (
	messageTypeRoomJoined messageType = "room_joined"
	messageTypeUserJoined messageType = "user_joined"
	messageTypeUserLeft   messageType = "user_left"
	messageTypePong       messageType = "pong"
	messageTypeError      messageType = "error"
)

// Error codes carried in error envelopes.
const (
	errCodeDuplicateUser = "duplicate_user"
	errCodeAlreadyJoined = "already_joined"
)

// clientMessage is the inbound envelope. Browsers send one JSON object per
// text frame; validate enforces the per-type required fields. Unknown extra
// fields are tolerated so older servers keep working with newer clients.
type clientMessage struct {
	Type messageType `json:"type"`

	// join
	RoomID string `json:"roomId,omitempty"`
	UserID string `json:"userId,omitempty"`
	Nick   string `json:"nick,omitempty"`
	Avatar string `json:"avatar,omitempty"`

	// signal; the payload (SDP or ICE candidate) is relayed verbatim.
	To     string          `json:"to,omitempty"`
	Signal json.RawMessage `json:"signal,omitempty"`

	// chat
	Message string `json:"message,omitempty"`

	// user-action
	Action string          `json:"action,omitempty"`
	Value  json.RawMessage `json:"value,omitempty"`
}

func parseClientMessage(data []byte) (clientMessage, error) {
	var msg clientMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return clientMessage{}, err
	}
	if err := msg.validate(); err != nil {
		return clientMessage{}, err
	}
	return msg, nil
}

func (m clientMessage) validate() error {
	switch m.Type {
	case messageTypeJoin:
		if m.RoomID == "" {
			return fmt.Errorf("join message missing roomId")
		}
		if m.UserID == "" {
			return fmt.Errorf("join message missing userId")
		}
	case messageTypeSignal:
		if m.To == "" {
			return fmt.Errorf("signal message missing to")
		}
		if len(m.Signal) == 0 {
			return fmt.Errorf("signal message missing signal")
		}
	case messageTypeChat:
		if m.Message == "" {
			return fmt.Errorf("chat message missing message")
		}
	case messageTypeUserAction:
		if m.Action == "" {
			return fmt.Errorf("user-action message missing action")
		}
	case messageTypeLeave, messageTypePing:
	case "":
		return fmt.Errorf("envelope missing type")
	default:
		return fmt.Errorf("unsupported message type %q", m.Type)
	}
	return nil
}

// roomUser is the member summary relayed in room_joined lists.
type roomUser struct {
	UserID string `json:"userId"`
	Nick   string `json:"nick"`
	Avatar string `json:"avatar,omitempty"`
}

// serverMessage is the outbound envelope. Timestamp is epoch milliseconds
// and set on every message.
type serverMessage struct {
	Type      messageType `json:"type"`
	Timestamp int64       `json:"timestamp"`

	// room_joined
	Users  []roomUser `json:"users,omitempty"`
	YourID string     `json:"yourId,omitempty"`

	// user_joined / user_left
	UserID string `json:"userId,omitempty"`
	Nick   string `json:"nick,omitempty"`
	Avatar string `json:"avatar,omitempty"`

	// signal / chat / user-action
	From     string          `json:"from,omitempty"`
	FromNick string          `json:"fromNick,omitempty"`
	Signal   json.RawMessage `json:"signal,omitempty"`

	// chat; Message doubles as the human-readable text of error envelopes.
	Message   string `json:"message,omitempty"`
	MessageID string `json:"messageId,omitempty"`
	Self      bool   `json:"self,omitempty"`

	// user-action
	Action string          `json:"action,omitempty"`
	Value  json.RawMessage `json:"value,omitempty"`

	// error
	Code string `json:"code,omitempty"`
}

func newServerMessage(t messageType) serverMessage {
	return serverMessage{Type: t, Timestamp: time.Now().UnixMilli()}
}

func errorMessage(code, text string) serverMessage {
	msg := newServerMessage(messageTypeError)
	msg.Code = code
	msg.Message = text
	return msg
}

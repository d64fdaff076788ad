package bus

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/mqy/minichat/chatstore"
	"github.com/mqy/minichat/wire"
)

type Kind string

const (
	KindChatMessage   Kind = "chat.message"
	KindAdminKick     Kind = "admin.kick"
	KindChatDelivered Kind = "chat.delivered"
)

type KickAction string

const (
	KickBan       KickAction = "BAN"
	KickRevokeAll KickAction = "REVOKE_ALL"
	KickRevokeOne KickAction = "REVOKE_ONE"
)

// ChatMessage asks the instance holding RecipientID to deliver Payload.
type ChatMessage struct {
	Type             Kind            `json:"type"`
	OriginInstanceID string          `json:"originInstanceId"`
	MessageID        string          `json:"messageId"`
	RecipientID      string          `json:"recipientId"`
	SenderID         string          `json:"senderId,omitempty"`
	ConversationID   string          `json:"conversationId,omitempty"`
	Payload          *wire.ServerMsg `json:"payload"`
}

// IsRoom reports whether the event carries a room message. Rooms are fanned out by their members'
// instances, never over this path.
func (e *ChatMessage) IsRoom() bool {
	if chatstore.IsRoomConversation(e.ConversationID) {
		return true
	}
	m := e.Payload.Message
	return m != nil && (m.ChatType == chatstore.ChatRoom || chatstore.IsRoomConversation(m.ConversationID))
}

type AdminKick struct {
	Type             Kind       `json:"type"`
	OriginInstanceID string     `json:"originInstanceId"`
	TargetUserID     string     `json:"targetUserId"`
	Action           KickAction `json:"action"`
	TargetSessionID  string     `json:"targetSessionId,omitempty"`
	Ts               int64      `json:"ts"`
}

// ChatDelivered reports that the instance holding RecipientID delivered MessageID.
type ChatDelivered struct {
	Type             Kind   `json:"type"`
	OriginInstanceID string `json:"originInstanceId"`
	MessageID        string `json:"messageId"`
	RecipientID      string `json:"recipientId"`
	SenderID         string `json:"senderId"`
	ConversationID   string `json:"conversationId,omitempty"`
	Ts               int64  `json:"ts"`
}

// MalformedEventError is returned by Decode for an event that must be dropped.
type MalformedEventError struct {
	Kind   Kind
	Reason string
}

func (e *MalformedEventError) Error() string {
	if e.Kind == "" {
		return "malformed bus event: " + e.Reason
	}
	return fmt.Sprintf("malformed %s event: %s", e.Kind, e.Reason)
}

func malformed(kind Kind, format string, args ...interface{}) *MalformedEventError {
	return &MalformedEventError{Kind: kind, Reason: fmt.Sprintf(format, args...)}
}

// Event is a decoded and validated bus event. Exactly one of the pointers is set, matching Kind.
type Event struct {
	Kind      Kind
	Message   *ChatMessage
	Kick      *AdminKick
	Delivered *ChatDelivered
}

// OriginInstanceID returns the instance that published the event.
func (e *Event) OriginInstanceID() string {
	switch e.Kind {
	case KindChatMessage:
		return e.Message.OriginInstanceID
	case KindAdminKick:
		return e.Kick.OriginInstanceID
	case KindChatDelivered:
		return e.Delivered.OriginInstanceID
	}
	return ""
}

func blank(s string) bool {
	return strings.TrimSpace(s) == ""
}

// Decode parses and validates one payload read from the transport. Handlers only ever see events that
// passed Decode.
func Decode(b []byte) (*Event, error) {
	var head struct {
		Type Kind `json:"type"`
	}
	if err := json.Unmarshal(b, &head); err != nil {
		return nil, malformed("", "%v", err)
	}

	switch head.Type {
	case KindChatMessage:
		var ev ChatMessage
		if err := json.Unmarshal(b, &ev); err != nil {
			return nil, malformed(head.Type, "%v", err)
		}
		if err := ev.validate(); err != nil {
			return nil, err
		}
		return &Event{Kind: head.Type, Message: &ev}, nil
	case KindAdminKick:
		var ev AdminKick
		if err := json.Unmarshal(b, &ev); err != nil {
			return nil, malformed(head.Type, "%v", err)
		}
		if err := ev.validate(); err != nil {
			return nil, err
		}
		return &Event{Kind: head.Type, Kick: &ev}, nil
	case KindChatDelivered:
		var ev ChatDelivered
		if err := json.Unmarshal(b, &ev); err != nil {
			return nil, malformed(head.Type, "%v", err)
		}
		if err := ev.validate(); err != nil {
			return nil, err
		}
		return &Event{Kind: head.Type, Delivered: &ev}, nil
	}
	return nil, malformed("", "unknown type %q", head.Type)
}

func (e *ChatMessage) validate() error {
	switch {
	case blank(e.OriginInstanceID):
		return malformed(KindChatMessage, "originInstanceId is required")
	case blank(e.MessageID):
		return malformed(KindChatMessage, "messageId is required")
	case blank(e.RecipientID):
		return malformed(KindChatMessage, "recipientId is required")
	case e.Payload == nil:
		return malformed(KindChatMessage, "payload is required")
	case e.Payload.Type != wire.TypeMessageReceive:
		return malformed(KindChatMessage, "payload type %q is not %s", e.Payload.Type, wire.TypeMessageReceive)
	}
	return nil
}

func (e *AdminKick) validate() error {
	switch {
	case blank(e.OriginInstanceID):
		return malformed(KindAdminKick, "originInstanceId is required")
	case blank(e.TargetUserID):
		return malformed(KindAdminKick, "targetUserId is required")
	case e.Ts <= 0:
		return malformed(KindAdminKick, "ts is required")
	}
	switch e.Action {
	case KickBan, KickRevokeAll:
	case KickRevokeOne:
		if blank(e.TargetSessionID) {
			return malformed(KindAdminKick, "targetSessionId is required for %s", e.Action)
		}
	default:
		return malformed(KindAdminKick, "unknown action %q", e.Action)
	}
	return nil
}

func (e *ChatDelivered) validate() error {
	switch {
	case blank(e.OriginInstanceID):
		return malformed(KindChatDelivered, "originInstanceId is required")
	case blank(e.MessageID):
		return malformed(KindChatDelivered, "messageId is required")
	case blank(e.RecipientID):
		return malformed(KindChatDelivered, "recipientId is required")
	case blank(e.SenderID):
		return malformed(KindChatDelivered, "senderId is required")
	}
	return nil
}

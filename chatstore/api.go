package chatstore

//go:generate mockgen -destination=mock/chatstore.go -package=mock github.com/mqy/minichat/chatstore IMessageStore

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/mqy/minichat/delivery"
)

var ErrNotFound = errors.New("message not found")

type ChatType string

const (
	ChatDirect ChatType = "direct" // one-on-one
	ChatRoom   ChatType = "room"   // members are managed outside this service
)

func (t ChatType) Valid() bool {
	return t == ChatDirect || t == ChatRoom
}

// DirectConversationID returns the conversation id shared by the two parties, independent of order.
func DirectConversationID(a, b string) string {
	if b < a {
		a, b = b, a
	}
	return "dm:" + a + ":" + b
}

func RoomConversationID(roomID string) string {
	return "room:" + roomID
}

// ConversationID resolves the conversation the caller addresses with (chatType, chatID). For direct
// chats chatID is the peer's user id.
func ConversationID(t ChatType, chatID, userID string) (string, error) {
	if chatID == "" {
		return "", errors.New("chat id is required")
	}
	switch t {
	case ChatDirect:
		if userID == "" {
			return "", errors.New("user id is required for direct chats")
		}
		return DirectConversationID(userID, chatID), nil
	case ChatRoom:
		return RoomConversationID(chatID), nil
	}
	return "", fmt.Errorf("unknown chat type %q", t)
}

// IsRoomConversation reports whether id names a room conversation.
func IsRoomConversation(id string) bool {
	return strings.HasPrefix(id, "room:")
}

// Participates reports whether userID may read conversationID. Room membership is owned elsewhere, so
// every room is readable here.
func Participates(conversationID, userID string) bool {
	if IsRoomConversation(conversationID) {
		return len(conversationID) > len("room:")
	}
	parts := strings.Split(conversationID, ":")
	if len(parts) != 3 || parts[0] != "dm" || userID == "" {
		return false
	}
	return parts[1] == userID || parts[2] == userID
}

// Message is a persisted chat message. SequenceNumber is assigned on save, starts at 1 per conversation
// and is never reused; expired messages leave gaps.
type Message struct {
	MessageID      string         `json:"messageId"`
	SenderID       string         `json:"senderId"`
	RecipientID    string         `json:"recipientId"` // peer user for direct chats, room id for rooms
	ConversationID string         `json:"conversationId"`
	ChatType       ChatType       `json:"chatType"`
	Content        string         `json:"content"`
	SequenceNumber int64          `json:"sequenceNumber"`
	State          delivery.State `json:"state"`
	CreatedAt      time.Time      `json:"createdAt"`
	UpdatedAt      time.Time      `json:"updatedAt"`
	ExpiresAt      *time.Time     `json:"expiresAt,omitempty"`
	Attempts       int32          `json:"attempts,omitempty"`
	Failures       int32          `json:"failures,omitempty"`
}

func (m *Message) Expired(now time.Time) bool {
	return m.ExpiresAt != nil && !m.ExpiresAt.After(now)
}

// Cursor selects how Fetch walks a conversation.
type Cursor int

const (
	CursorNone       Cursor = iota // newest rows, seq DESC
	CursorBeforeSeq                // seq < Seq, seq DESC
	CursorAfterSeq                 // seq > Seq, seq ASC
	CursorBeforeTime               // created_at < Time, seq DESC
)

type Range struct {
	ConversationID string
	Cursor         Cursor
	Seq            int64
	Time           time.Time
	Limit          int
}

// Descending reports whether Fetch returns the range newest first.
func (r *Range) Descending() bool {
	return r.Cursor != CursorAfterSeq
}

type IMessageStore interface {
	// Save assigns MessageID, SequenceNumber, CreatedAt and UpdatedAt and persists m. The returned
	// message is a copy with those fields set.
	Save(ctx context.Context, m *Message) (*Message, error)

	// Get returns ErrNotFound when the message does not exist or has expired.
	Get(ctx context.Context, messageID string) (*Message, error)

	// GetAllHistory returns every unexpired message of a conversation, ascending by sequence.
	GetAllHistory(ctx context.Context, conversationID string) ([]*Message, error)

	// GetContextWindow returns up to `before` messages preceding seq, the message at seq if any, and up
	// to `after` messages following it, ascending.
	GetContextWindow(ctx context.Context, conversationID string, seq int64, before, after int) ([]*Message, error)

	// Fetch returns at most r.Limit messages in the order given by r.Descending.
	Fetch(ctx context.Context, r Range) ([]*Message, error)

	// UpdateState advances the lifecycle state of a message. Backward updates are ignored.
	UpdateState(ctx context.Context, messageID string, state delivery.State) error

	// RecordAttempt counts a delivery attempt, and a failure when failed is set.
	RecordAttempt(ctx context.Context, messageID string, failed bool) error

	// DeleteExpired deletes messages whose ExpiresAt is not after now.
	DeleteExpired(ctx context.Context, now time.Time) (int64, error)

	Close() error
}

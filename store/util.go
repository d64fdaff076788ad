package store

import (
	"errors"
	"fmt"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/mqy/minichat/chatstore"
)

// newMessageID returns a ULID: lexically sortable by creation time and unique across instances.
func newMessageID(now time.Time) string {
	return ulid.MustNew(ulid.Timestamp(now), ulid.DefaultEntropy()).String()
}

// ExpiryAfter returns now+ttl, or nil when ttl is not positive (messages never expire).
func ExpiryAfter(now time.Time, ttl time.Duration) *time.Time {
	if ttl <= 0 {
		return nil
	}
	t := now.Add(ttl).UTC()
	return &t
}

func validateNew(m *chatstore.Message) error {
	if m == nil {
		return errors.New("nil message")
	}
	if m.ConversationID == "" {
		return errors.New("conversation id is required")
	}
	if m.SenderID == "" {
		return errors.New("sender id is required")
	}
	if !m.ChatType.Valid() {
		return fmt.Errorf("invalid chat type %q", m.ChatType)
	}
	return nil
}

// reversed returns a new slice with the elements of msgs in reverse order.
func reversed(msgs []*chatstore.Message) []*chatstore.Message {
	out := make([]*chatstore.Message, len(msgs))
	for i, m := range msgs {
		out[len(msgs)-1-i] = m
	}
	return out
}

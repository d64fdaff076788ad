package delivery

import (
	"fmt"
	"strings"
	"time"
)

// State is the lifecycle state of one delivery record.
type State int

const (
	StatePersisted State = iota
	StateSent
	StateDelivered
	StateRead
)

var stateNames = [...]string{
	StatePersisted: "PERSISTED",
	StateSent:      "SENT",
	StateDelivered: "DELIVERED",
	StateRead:      "READ",
}

func (s State) Valid() bool {
	return s >= StatePersisted && s <= StateRead
}

func (s State) String() string {
	if !s.Valid() {
		return fmt.Sprintf("State(%d)", int(s))
	}
	return stateNames[s]
}

// ParseState parses the wire name of a state, case-insensitively.
func ParseState(v string) (State, error) {
	v = strings.ToUpper(strings.TrimSpace(v))
	for i, name := range stateNames {
		if name == v {
			return State(i), nil
		}
	}
	return 0, fmt.Errorf("unknown delivery state %q", v)
}

func (s State) MarshalText() ([]byte, error) {
	if !s.Valid() {
		return nil, fmt.Errorf("invalid delivery state %d", int(s))
	}
	return []byte(stateNames[s]), nil
}

func (s *State) UnmarshalText(b []byte) error {
	v, err := ParseState(string(b))
	if err != nil {
		return err
	}
	*s = v
	return nil
}

// transitions is the forward-only table. PERSISTED may jump straight to DELIVERED (replay to a
// recipient that was offline), READ is only reachable from DELIVERED.
var transitions = map[State][]State{
	StatePersisted: {StateSent, StateDelivered},
	StateSent:      {StateDelivered},
	StateDelivered: {StateRead},
	StateRead:      {},
}

// CanTransition reports whether from -> to is a legal single transition.
func CanTransition(from, to State) bool {
	for _, v := range transitions[from] {
		if v == to {
			return true
		}
	}
	return false
}

// Key identifies a delivery record.
type Key struct {
	MessageID   string
	RecipientID string
}

func (k Key) Valid() bool {
	return k.MessageID != "" && k.RecipientID != ""
}

func (k Key) String() string {
	return k.MessageID + "/" + k.RecipientID
}

// Record tracks delivery of one message to one recipient.
type Record struct {
	MessageID      string    `json:"messageId"`
	RecipientID    string    `json:"recipientId"`
	ConversationID string    `json:"conversationId"`
	SenderID       string    `json:"senderId,omitempty"`
	State          State     `json:"state"`
	PersistedAt    time.Time `json:"persistedAt"`
	SentAt         time.Time `json:"sentAt"`
	DeliveredAt    time.Time `json:"deliveredAt"`
	ReadAt         time.Time `json:"readAt"`
}

func (r *Record) Key() Key {
	return Key{MessageID: r.MessageID, RecipientID: r.RecipientID}
}

func (r *Record) wellFormed() bool {
	return r != nil && r.Key().Valid() && r.State.Valid()
}

// stamp sets the timestamp belonging to state s.
func (r *Record) stamp(s State, at time.Time) {
	switch s {
	case StatePersisted:
		r.PersistedAt = at
	case StateSent:
		r.SentAt = at
	case StateDelivered:
		r.DeliveredAt = at
	case StateRead:
		r.ReadAt = at
	}
}

// CanDeliverMessage reports whether a record may be pushed to its recipient right now: the recipient
// must be online and the record must not have been sent yet.
func CanDeliverMessage(rec *Record, receiverOnline bool) bool {
	if !receiverOnline || !rec.wellFormed() {
		return false
	}
	return rec.State == StatePersisted
}

// DeliverMessage moves a PERSISTED or SENT record to DELIVERED. Records already at or past DELIVERED
// are returned unchanged.
func DeliverMessage(rec Record, at time.Time) (Record, error) {
	switch rec.State {
	case StateDelivered, StateRead:
		return rec, nil
	case StatePersisted, StateSent:
		rec.State = StateDelivered
		rec.DeliveredAt = at
		return rec, nil
	}
	return rec, &DeliveryNotAllowedError{From: rec.State, To: StateDelivered, Reason: "unknown state"}
}

// MarkMessageRead moves a DELIVERED record to READ. It never skips DELIVERED.
func MarkMessageRead(rec Record, at time.Time) (Record, error) {
	switch rec.State {
	case StateRead:
		return rec, nil
	case StateDelivered:
		rec.State = StateRead
		rec.ReadAt = at
		return rec, nil
	}
	return rec, &DeliveryNotAllowedError{From: rec.State, To: StateRead, Reason: "read requires delivered"}
}

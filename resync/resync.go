// Package resync computes what a reconnecting client is missing. Every function is pure: inputs are
// never modified, results are fresh copies, and malformed entries are skipped rather than reported.
//
// The sequence number is the only ordering key. Timestamps are for display and never decide a gap,
// and gaps left by expired messages are kept as they are.
package resync

import (
	"sort"

	"github.com/mqy/minichat/chatstore"
	"github.com/mqy/minichat/delivery"
)

func valid(m *chatstore.Message) bool {
	return m != nil && m.MessageID != "" && m.State.Valid()
}

func copyOf(m *chatstore.Message) *chatstore.Message {
	c := *m
	if m.ExpiresAt != nil {
		t := *m.ExpiresAt
		c.ExpiresAt = &t
	}
	return &c
}

// sortBySeq orders msgs by ascending sequence. Invalid sequences (<= 0) sort last, ties keep their
// input order.
func sortBySeq(msgs []*chatstore.Message) {
	sort.SliceStable(msgs, func(i, j int) bool {
		a, b := msgs[i].SequenceNumber, msgs[j].SequenceNumber
		if a <= 0 || b <= 0 {
			return a > 0 && b <= 0
		}
		return a < b
	})
}

// dedupe keeps the first occurrence of every message id, copying the kept messages.
func dedupe(msgs []*chatstore.Message, keep func(*chatstore.Message) bool) []*chatstore.Message {
	seen := make(map[string]struct{}, len(msgs))
	out := make([]*chatstore.Message, 0)
	for _, m := range msgs {
		if !valid(m) || !keep(m) {
			continue
		}
		if _, ok := seen[m.MessageID]; ok {
			continue
		}
		seen[m.MessageID] = struct{}{}
		out = append(out, copyOf(m))
	}
	return out
}

// CollectOfflineMessages returns the SENT messages of msgs, deduplicated by id, in input order.
func CollectOfflineMessages(msgs []*chatstore.Message) []*chatstore.Message {
	return dedupe(msgs, func(m *chatstore.Message) bool {
		return m.State == delivery.StateSent
	})
}

// CollectOfflineMessagesByConversation is CollectOfflineMessages restricted to one conversation (all
// conversations when conversationID is empty), ordered by sequence.
func CollectOfflineMessagesByConversation(msgs []*chatstore.Message, conversationID string) []*chatstore.Message {
	out := dedupe(msgs, func(m *chatstore.Message) bool {
		return m.State == delivery.StateSent && (conversationID == "" || m.ConversationID == conversationID)
	})
	sortBySeq(out)
	return out
}

// ComputeMissingMessages returns the messages of the conversation with a sequence above
// lastKnownSequence, deduplicated and ascending.
func ComputeMissingMessages(all []*chatstore.Message, conversationID string, lastKnownSequence int64) []*chatstore.Message {
	if conversationID == "" {
		return []*chatstore.Message{}
	}
	if lastKnownSequence < 0 {
		lastKnownSequence = 0
	}
	out := dedupe(all, func(m *chatstore.Message) bool {
		return m.ConversationID == conversationID && m.SequenceNumber > lastKnownSequence
	})
	sortBySeq(out)
	return out
}

// Result is the outcome of ResyncConversation. Missing must be resent; NeedsReconciliation were seen by
// the client already and only need a state patch.
type Result struct {
	Missing             []*chatstore.Message `json:"missing"`
	NeedsReconciliation []*chatstore.Message `json:"needsReconciliation"`
}

func ResyncConversation(all []*chatstore.Message, conversationID string, lastKnownSequence int64) Result {
	res := Result{
		Missing:             ComputeMissingMessages(all, conversationID, lastKnownSequence),
		NeedsReconciliation: []*chatstore.Message{},
	}
	if conversationID == "" {
		return res
	}
	res.NeedsReconciliation = dedupe(all, func(m *chatstore.Message) bool {
		return m.ConversationID == conversationID &&
			m.SequenceNumber > 0 && m.SequenceNumber <= lastKnownSequence &&
			(m.State == delivery.StateDelivered || m.State == delivery.StateRead)
	})
	sortBySeq(res.NeedsReconciliation)
	return res
}

// ClientState is the state a client believes a message is in.
type ClientState struct {
	MessageID string         `json:"messageId"`
	State     delivery.State `json:"state"`
}

type Update struct {
	MessageID    string         `json:"messageId"`
	CurrentState delivery.State `json:"currentState"`
	TargetState  delivery.State `json:"targetState"`
}

type Reconciliation struct {
	Updates []Update `json:"updates"`
}

// rank orders the states a client can observe. PERSISTED is never shown to a client.
func rank(s delivery.State) (int, bool) {
	switch s {
	case delivery.StateSent:
		return 0, true
	case delivery.StateDelivered:
		return 1, true
	case delivery.StateRead:
		return 2, true
	}
	return 0, false
}

// ReconcileDeliveryState returns, per message id known to both sides, an update for every client state
// that is strictly behind the server state. Equal or backward differences are never reported. Updates
// follow the client order.
func ReconcileDeliveryState(server []*chatstore.Message, client []ClientState) Reconciliation {
	serverState := make(map[string]delivery.State, len(server))
	for _, m := range server {
		if !valid(m) {
			continue
		}
		if _, ok := serverState[m.MessageID]; !ok {
			serverState[m.MessageID] = m.State
		}
	}

	out := Reconciliation{Updates: []Update{}}
	seen := make(map[string]struct{}, len(client))
	for _, c := range client {
		if c.MessageID == "" {
			continue
		}
		if _, ok := seen[c.MessageID]; ok {
			continue
		}
		seen[c.MessageID] = struct{}{}

		target, ok := serverState[c.MessageID]
		if !ok {
			continue
		}
		cr, ok1 := rank(c.State)
		sr, ok2 := rank(target)
		if !ok1 || !ok2 || sr <= cr {
			continue
		}
		out.Updates = append(out.Updates, Update{MessageID: c.MessageID, CurrentState: c.State, TargetState: target})
	}
	return out
}

// FetchMissedMessages returns what receiverID has to be sent on reconnect: the missing messages of the
// conversation plus its offline (SENT) messages, addressed to receiverID, deduplicated and ascending.
// When both sets hold an id the missing copy wins.
func FetchMissedMessages(all []*chatstore.Message, receiverID, conversationID string, lastKnownSequence int64) []*chatstore.Message {
	if receiverID == "" {
		return []*chatstore.Message{}
	}
	addressed := func(m *chatstore.Message) bool {
		return m.RecipientID == receiverID || (m.ChatType == chatstore.ChatRoom && m.SenderID != receiverID)
	}

	var union []*chatstore.Message
	for _, m := range ComputeMissingMessages(all, conversationID, lastKnownSequence) {
		if addressed(m) {
			union = append(union, m)
		}
	}
	for _, m := range CollectOfflineMessagesByConversation(all, conversationID) {
		if addressed(m) {
			union = append(union, m)
		}
	}

	out := dedupe(union, func(*chatstore.Message) bool { return true })
	sortBySeq(out)
	return out
}

type Action string

const (
	ActionDeliver Action = "deliver"
	ActionHold    Action = "hold"
	ActionNone    Action = "none"
)

type Decision struct {
	Action Action `json:"action"`
	Reason string `json:"reason,omitempty"`
}

// HandleOutgoingMessage decides what to do with a freshly persisted message. It never mutates msg.
func HandleOutgoingMessage(msg *chatstore.Message, receiverOnline bool) Decision {
	if !valid(msg) || msg.RecipientID == "" {
		return Decision{Action: ActionNone, Reason: "malformed message"}
	}
	switch msg.State {
	case delivery.StateDelivered, delivery.StateRead:
		return Decision{Action: ActionNone, Reason: "already delivered"}
	}
	if receiverOnline {
		return Decision{Action: ActionDeliver}
	}
	return Decision{Action: ActionHold, Reason: "recipient offline"}
}

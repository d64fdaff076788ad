package delivery

import (
	"fmt"
	"time"
)

type AckType string

const (
	AckDelivered AckType = "DELIVERED_ACK"
	AckRead      AckType = "READ_ACK"
)

func (t AckType) Valid() bool {
	return t == AckDelivered || t == AckRead
}

// Ack is a client acknowledgement. It drives at most one transition and is never stored.
type Ack struct {
	Type           AckType `json:"type"`
	MessageID      string  `json:"messageId"`
	ConversationID string  `json:"conversationId"`
	// Timestamp is the client clock in unix milliseconds, informational only.
	Timestamp int64 `json:"timestamp"`
}

// Validate checks the shape of an ACK.
func (a *Ack) Validate() error {
	if !a.Type.Valid() {
		return &InvalidAckError{Reason: fmt.Sprintf("unknown ack type %q", a.Type)}
	}
	if a.MessageID == "" {
		return &InvalidAckError{Reason: "messageId is required"}
	}
	if a.ConversationID == "" {
		return &InvalidAckError{Reason: "conversationId is required"}
	}
	return nil
}

// AckResult reports whether an ACK moved the record. Processed is false for late or duplicate ACKs.
type AckResult struct {
	Processed bool   `json:"processed"`
	State     State  `json:"state"`
	Record    Record `json:"-"`
}

func newAck(t AckType, messageID, conversationID string, at time.Time) (Ack, error) {
	ack := Ack{
		Type:           t,
		MessageID:      messageID,
		ConversationID: conversationID,
		Timestamp:      at.UnixMilli(),
	}
	if err := ack.Validate(); err != nil {
		return Ack{}, err
	}
	return ack, nil
}

func CreateDeliveredAck(messageID, conversationID string, at time.Time) (Ack, error) {
	return newAck(AckDelivered, messageID, conversationID, at)
}

func CreateReadAck(messageID, conversationID string, at time.Time) (Ack, error) {
	return newAck(AckRead, messageID, conversationID, at)
}

// checkAck validates ack against the record it claims to acknowledge.
func checkAck(rec *Record, ack *Ack, want AckType) error {
	if err := ack.Validate(); err != nil {
		return err
	}
	if ack.Type != want {
		return &InvalidAckError{Reason: fmt.Sprintf("expected %s, got %s", want, ack.Type)}
	}
	if !rec.wellFormed() {
		return &InvalidAckError{Reason: "malformed delivery record"}
	}
	if ack.MessageID != rec.MessageID {
		return &InvalidAckError{Reason: "messageId does not match"}
	}
	// Records created by the mark-read path carry no conversation id.
	if rec.ConversationID != "" && ack.ConversationID != rec.ConversationID {
		return &InvalidAckError{Reason: "conversationId does not match"}
	}
	return nil
}

// ProcessDeliveredAck applies a DELIVERED_ACK to rec and returns the resulting record.
func ProcessDeliveredAck(rec Record, ack Ack, at time.Time) (Record, AckResult, error) {
	if err := checkAck(&rec, &ack, AckDelivered); err != nil {
		return rec, AckResult{State: rec.State}, err
	}
	if rec.State >= StateDelivered {
		return rec, AckResult{State: rec.State, Record: rec}, nil
	}
	next, err := DeliverMessage(rec, at)
	if err != nil {
		return rec, AckResult{State: rec.State}, err
	}
	return next, AckResult{Processed: true, State: next.State, Record: next}, nil
}

// ProcessReadAck applies a READ_ACK to rec. A record that has not been delivered yet is rejected
// with a *DeliveryNotAllowedError.
func ProcessReadAck(rec Record, ack Ack, at time.Time) (Record, AckResult, error) {
	if err := checkAck(&rec, &ack, AckRead); err != nil {
		return rec, AckResult{State: rec.State}, err
	}
	if rec.State == StateRead {
		return rec, AckResult{State: rec.State, Record: rec}, nil
	}
	next, err := MarkMessageRead(rec, at)
	if err != nil {
		return rec, AckResult{State: rec.State}, err
	}
	return next, AckResult{Processed: true, State: next.State, Record: next}, nil
}

// ProcessAck dispatches on the ACK type.
func ProcessAck(rec Record, ack Ack, at time.Time) (Record, AckResult, error) {
	switch ack.Type {
	case AckDelivered:
		return ProcessDeliveredAck(rec, ack, at)
	case AckRead:
		return ProcessReadAck(rec, ack, at)
	}
	return rec, AckResult{State: rec.State}, &InvalidAckError{Reason: fmt.Sprintf("unknown ack type %q", ack.Type)}
}

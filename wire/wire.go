// Package wire defines the JSON frames exchanged over the websocket. Every frame carries a type and
// exactly one payload field named after it.
package wire

import (
	"encoding/json"
	"fmt"

	"github.com/mqy/minichat/chatstore"
	"github.com/mqy/minichat/delivery"
	"github.com/mqy/minichat/history"
	"github.com/mqy/minichat/resync"
)

type FrameType string

// client frames
const (
	TypeSend     FrameType = "SEND"
	TypeAck      FrameType = "ACK"
	TypeResync   FrameType = "RESYNC"
	TypeHistory  FrameType = "HISTORY"
	TypeMarkRead FrameType = "MARK_READ"
)

// server frames, RESYNC and HISTORY are shared with the client side.
const (
	TypeAccepted       FrameType = "ACCEPTED"
	TypeMessageReceive FrameType = "MESSAGE_RECEIVE"
	TypeDeliveryStatus FrameType = "DELIVERY_STATUS"
	TypeError          FrameType = "ERROR"
)

type ErrorCode string

const (
	CodeInvalidArgument    ErrorCode = "INVALID_ARGUMENT"
	CodeInternal           ErrorCode = "INTERNAL"
	CodeInvalidAck         ErrorCode = "INVALID_ACK"
	CodeDeliveryNotAllowed ErrorCode = "DELIVERY_NOT_ALLOWED"
	CodeNotFound           ErrorCode = "NOT_FOUND"
	CodeUnsupported        ErrorCode = "UNSUPPORTED"
	CodeAccountSuspended   ErrorCode = "ACCOUNT_SUSPENDED"
	CodeSessionRevoked     ErrorCode = "SESSION_REVOKED"
)

// websocket close codes in the private range.
const (
	CloseAccountSuspended = 4001
	CloseSessionRevoked   = 4002
)

type SendReq struct {
	RecipientID string `json:"recipientId"`
	Content     string `json:"content"`
	ClientMsgID string `json:"clientMsgId,omitempty"`
}

type ResyncReq struct {
	ConversationID    string               `json:"conversationId"`
	LastKnownSequence int64                `json:"lastKnownSequence"`
	States            []resync.ClientState `json:"states,omitempty"`
}

type MarkReadReq struct {
	ConversationID string `json:"conversationId"`
	UptoSequence   int64  `json:"uptoSequence"`
}

type ClientMsg struct {
	Type     FrameType       `json:"type"`
	Send     *SendReq        `json:"send,omitempty"`
	Ack      *delivery.Ack   `json:"ack,omitempty"`
	Resync   *ResyncReq      `json:"resync,omitempty"`
	History  *history.Params `json:"history,omitempty"`
	MarkRead *MarkReadReq    `json:"markRead,omitempty"`
}

type Accepted struct {
	MessageID      string `json:"messageId"`
	ConversationID string `json:"conversationId"`
	SequenceNumber int64  `json:"sequenceNumber"`
	ClientMsgID    string `json:"clientMsgId,omitempty"`
}

type DeliveryStatus struct {
	MessageID   string         `json:"messageId"`
	RecipientID string         `json:"recipientId"`
	Status      delivery.State `json:"status"`
	Ts          int64          `json:"ts"`
}

type ResyncResp struct {
	ConversationID string               `json:"conversationId"`
	Missing        []*chatstore.Message `json:"missing"`
	Reconcile      []*chatstore.Message `json:"reconcile"`
	Updates        []resync.Update      `json:"updates"`
}

type MarkReadResp struct {
	ConversationID string `json:"conversationId"`
	UptoSequence   int64  `json:"uptoSequence"`
	Marked         int    `json:"marked"`
}

type Error struct {
	Code   ErrorCode  `json:"code"`
	Params []string   `json:"params,omitempty"`
	Req    *ClientMsg `json:"req,omitempty"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %v", e.Code, e.Params)
}

type ServerMsg struct {
	Type           FrameType          `json:"type"`
	Accepted       *Accepted          `json:"accepted,omitempty"`
	Message        *chatstore.Message `json:"message,omitempty"`
	DeliveryStatus *DeliveryStatus    `json:"deliveryStatus,omitempty"`
	Resync         *ResyncResp        `json:"resync,omitempty"`
	History        *history.Page      `json:"history,omitempty"`
	MarkRead       *MarkReadResp      `json:"markRead,omitempty"`
	Error          *Error             `json:"error,omitempty"`
}

// DecodeClientMsg parses a client frame and checks that its payload matches its type.
func DecodeClientMsg(b []byte) (*ClientMsg, error) {
	var m ClientMsg
	if err := json.Unmarshal(b, &m); err != nil {
		return nil, fmt.Errorf("malformed frame: %w", err)
	}

	var ok bool
	switch m.Type {
	case TypeSend:
		ok = m.Send != nil
	case TypeAck:
		ok = m.Ack != nil
	case TypeResync:
		ok = m.Resync != nil
	case TypeHistory:
		ok = m.History != nil
	case TypeMarkRead:
		ok = m.MarkRead != nil
	default:
		return &m, fmt.Errorf("unsupported frame type %q", m.Type)
	}
	if !ok {
		return &m, fmt.Errorf("frame %s has no payload", m.Type)
	}
	return &m, nil
}

func NewMessageReceive(m *chatstore.Message) *ServerMsg {
	return &ServerMsg{Type: TypeMessageReceive, Message: m}
}

func NewDeliveryStatus(messageID, recipientID string, status delivery.State, ts int64) *ServerMsg {
	return &ServerMsg{Type: TypeDeliveryStatus, DeliveryStatus: &DeliveryStatus{
		MessageID:   messageID,
		RecipientID: recipientID,
		Status:      status,
		Ts:          ts,
	}}
}

func NewError(code ErrorCode, req *ClientMsg, params ...string) *ServerMsg {
	return &ServerMsg{Type: TypeError, Error: &Error{Code: code, Params: params, Req: req}}
}

package ws

import (
	"context"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/golang/glog"

	"github.com/mqy/minichat/chatstore"
	"github.com/mqy/minichat/delivery"
	"github.com/mqy/minichat/history"
	"github.com/mqy/minichat/resync"
	"github.com/mqy/minichat/store"
	"github.com/mqy/minichat/wire"
)

const MaxContentBytes = 2048

// ChatApi serves websocket client requests.
type ChatApi struct {
	store      chatstore.IMessageStore
	machine    *delivery.Machine
	history    *history.Service
	dispatcher *Dispatcher
	messageTTL time.Duration
	now        func() time.Time
	// dispatch runs Dispatcher.Dispatch off the request path.
	dispatch func(m *chatstore.Message)
}

func NewChatApi(store chatstore.IMessageStore, machine *delivery.Machine, history *history.Service,
	dispatcher *Dispatcher, messageTTL time.Duration) *ChatApi {
	a := &ChatApi{
		store:      store,
		machine:    machine,
		history:    history,
		dispatcher: dispatcher,
		messageTTL: messageTTL,
		now:        time.Now,
	}
	a.dispatch = func(m *chatstore.Message) {
		go dispatcher.Dispatch(context.Background(), m)
	}
	return a
}

// Send persists a direct message, creates its delivery record and returns once both are stored.
// Delivery continues asynchronously.
func (a *ChatApi) Send(ctx context.Context, uid string, req *wire.SendReq) (*wire.Accepted, *wire.Error) {
	cm := &wire.ClientMsg{Type: wire.TypeSend, Send: req}

	var errs []string
	rid := strings.TrimSpace(req.RecipientID)
	if rid == "" {
		errs = append(errs, "recipientId: is required")
	} else if rid == uid {
		errs = append(errs, "recipientId: cannot send to yourself")
	}
	if strings.TrimSpace(req.Content) == "" {
		errs = append(errs, "content: is required")
	} else if len(req.Content) > MaxContentBytes || !utf8.ValidString(req.Content) {
		errs = append(errs, fmt.Sprintf("content: must be valid utf-8 of at most %d bytes", MaxContentBytes))
	}
	if len(errs) > 0 {
		return nil, newInvalidArgumentError(cm, errs...)
	}

	now := a.now()
	saved, err := a.store.Save(ctx, &chatstore.Message{
		SenderID:       uid,
		RecipientID:    rid,
		ConversationID: chatstore.DirectConversationID(uid, rid),
		ChatType:       chatstore.ChatDirect,
		Content:        req.Content,
		State:          delivery.StatePersisted,
		ExpiresAt:      store.ExpiryAfter(now, a.messageTTL),
	})
	if err != nil {
		return nil, toWireError(cm, err)
	}

	seed := delivery.RecordSeed{
		MessageID:      saved.MessageID,
		ConversationID: saved.ConversationID,
		SenderID:       uid,
		PersistedAt:    saved.CreatedAt,
	}
	if _, err := a.machine.CreateRecords(seed, []string{rid}); err != nil {
		return nil, toWireError(cm, err)
	}
	glog.V(5).Infof("send: %s persisted %s seq %d", uid, saved.MessageID, saved.SequenceNumber)

	a.dispatch(saved)
	return &wire.Accepted{
		MessageID:      saved.MessageID,
		ConversationID: saved.ConversationID,
		SequenceNumber: saved.SequenceNumber,
		ClientMsgID:    req.ClientMsgID,
	}, nil
}

// Ack applies a client ACK and reports the new state to the sender.
func (a *ChatApi) Ack(ctx context.Context, uid string, ack *delivery.Ack) *wire.Error {
	res, err := a.machine.ApplyAck(uid, *ack)
	if err != nil {
		return toWireError(&wire.ClientMsg{Type: wire.TypeAck, Ack: ack}, err)
	}
	if !res.Processed {
		return nil
	}
	if err := a.store.UpdateState(ctx, ack.MessageID, res.State); err != nil {
		glog.Errorf("ack: update message %s state error: %v", ack.MessageID, err)
	}
	a.dispatcher.NotifyStatus(ctx, res.Record, res.State)
	return nil
}

// Resync computes what a reconnecting client misses in one conversation.
func (a *ChatApi) Resync(ctx context.Context, uid string, req *wire.ResyncReq) (*wire.ResyncResp, *wire.Error) {
	cm := &wire.ClientMsg{Type: wire.TypeResync, Resync: req}
	if !chatstore.Participates(req.ConversationID, uid) {
		return nil, newInvalidArgumentError(cm, "conversationId: unknown conversation")
	}

	all, err := a.store.GetAllHistory(ctx, req.ConversationID)
	if err != nil {
		return nil, toWireError(cm, err)
	}

	k := req.LastKnownSequence
	if k < 0 {
		k = 0
	}
	missing := resync.FetchMissedMessages(all, uid, req.ConversationID, k)
	res := resync.ResyncConversation(all, req.ConversationID, k)
	rec := resync.ReconcileDeliveryState(all, req.States)
	glog.V(5).Infof("resync: %s %s after %d: %d missing, %d to reconcile, %d updates",
		uid, req.ConversationID, k, len(missing), len(res.NeedsReconciliation), len(rec.Updates))

	return &wire.ResyncResp{
		ConversationID: req.ConversationID,
		Missing:        missing,
		Reconcile:      res.NeedsReconciliation,
		Updates:        rec.Updates,
	}, nil
}

func (a *ChatApi) History(ctx context.Context, uid string, p *history.Params) (*history.Page, *wire.Error) {
	page, err := a.history.Fetch(ctx, uid, *p)
	if err != nil {
		return nil, toWireError(&wire.ClientMsg{Type: wire.TypeHistory, History: p}, err)
	}
	return page, nil
}

// MarkRead forces every message addressed to uid up to UptoSequence to READ.
func (a *ChatApi) MarkRead(ctx context.Context, uid string, req *wire.MarkReadReq) (*wire.MarkReadResp, *wire.Error) {
	cm := &wire.ClientMsg{Type: wire.TypeMarkRead, MarkRead: req}
	if !chatstore.Participates(req.ConversationID, uid) {
		return nil, newInvalidArgumentError(cm, "conversationId: unknown conversation")
	}
	if req.UptoSequence <= 0 {
		return nil, newInvalidArgumentError(cm, "uptoSequence: should be positive integer")
	}

	all, err := a.store.GetAllHistory(ctx, req.ConversationID)
	if err != nil {
		return nil, toWireError(cm, err)
	}

	marked := 0
	for _, m := range all {
		if m.SequenceNumber > req.UptoSequence || m.SenderID == uid {
			continue
		}
		if m.ChatType == chatstore.ChatDirect && m.RecipientID != uid {
			continue
		}

		seed := delivery.RecordSeed{
			MessageID:      m.MessageID,
			ConversationID: m.ConversationID,
			SenderID:       m.SenderID,
			PersistedAt:    m.CreatedAt,
		}
		if _, err := a.machine.CreateRecords(seed, []string{uid}); err != nil {
			return nil, toWireError(cm, err)
		}
		prev, _ := a.machine.Get(m.MessageID, uid)
		rec, err := a.machine.ForceMarkAsRead(m.MessageID, uid)
		if err != nil {
			return nil, toWireError(cm, err)
		}
		if prev.State == delivery.StateRead {
			continue
		}
		marked++
		if m.ChatType == chatstore.ChatDirect {
			if err := a.store.UpdateState(ctx, m.MessageID, delivery.StateRead); err != nil {
				glog.Errorf("mark read: update message %s state error: %v", m.MessageID, err)
			}
		}
		a.dispatcher.NotifyStatus(ctx, rec, delivery.StateRead)
	}

	return &wire.MarkReadResp{
		ConversationID: req.ConversationID,
		UptoSequence:   req.UptoSequence,
		Marked:         marked,
	}, nil
}

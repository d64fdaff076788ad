package ws

import (
	"context"
	"errors"
	"time"

	"github.com/golang/glog"

	"github.com/mqy/minichat/bus"
	"github.com/mqy/minichat/chatstore"
	"github.com/mqy/minichat/delivery"
	"github.com/mqy/minichat/resync"
	"github.com/mqy/minichat/wire"
)

// Dispatcher moves persisted messages towards their recipients: straight to local sockets, or over
// the bus to the instance holding the recipient. It also applies deliveries reported by other
// instances.
type Dispatcher struct {
	conns     bus.IConnManager
	machine   *delivery.Machine
	store     chatstore.IMessageStore
	publisher *bus.Publisher
	now       func() time.Time
}

// NewDispatcher creates a Dispatcher. publisher may be nil when the instance runs without a bus.
func NewDispatcher(conns bus.IConnManager, machine *delivery.Machine, store chatstore.IMessageStore,
	publisher *bus.Publisher) *Dispatcher {
	return &Dispatcher{
		conns:     conns,
		machine:   machine,
		store:     store,
		publisher: publisher,
		now:       time.Now,
	}
}

// Dispatch delivers a freshly persisted direct message. It runs after the sender got ACCEPTED and
// never reports back to the sender except through DELIVERY_STATUS.
func (d *Dispatcher) Dispatch(ctx context.Context, m *chatstore.Message) {
	local := d.conns.IsUserConnected(m.RecipientID)
	decision := resync.HandleOutgoingMessage(m, local)
	glog.V(5).Infof("dispatch %s to %s: %s %s", m.MessageID, m.RecipientID, decision.Action, decision.Reason)

	switch decision.Action {
	case resync.ActionDeliver:
		d.deliverLocal(ctx, m)
	case resync.ActionHold:
		if d.publisher != nil {
			if err := d.publisher.PublishChatMessage(ctx, m); err == nil {
				return
			}
		}
		d.fail(ctx, m.MessageID, m.RecipientID, delivery.FailureRecipientOffline)
	}
}

// deliverLocal writes the message to every local socket of the recipient and moves the record to
// SENT once at least one socket accepted it. It reports whether the message went out.
func (d *Dispatcher) deliverLocal(ctx context.Context, m *chatstore.Message) bool {
	sockets := d.conns.GetSockets(m.RecipientID)
	if !d.machine.CanDeliver(m.MessageID, m.RecipientID, len(sockets) > 0) {
		rec, ok := d.machine.Get(m.MessageID, m.RecipientID)
		if ok && rec.State == delivery.StatePersisted {
			d.fail(ctx, m.MessageID, m.RecipientID, delivery.FailureRecipientOffline)
		} else {
			glog.V(5).Infof("dispatch %s to %s: not deliverable, record found: %v state: %s",
				m.MessageID, m.RecipientID, ok, rec.State)
		}
		return false
	}

	out := *m
	out.State = delivery.StateSent
	msg := wire.NewMessageReceive(&out)

	sent := 0
	reason := delivery.FailureSendError
	for _, s := range sockets {
		if err := s.Send(msg); err != nil {
			if errors.Is(err, ErrBackpressure) {
				reason = delivery.FailureBackpressure
			}
			glog.Warningf("dispatch %s to session %s error: %v", m.MessageID, s.SessionID(), err)
			continue
		}
		sent++
	}
	if sent == 0 {
		d.fail(ctx, m.MessageID, m.RecipientID, reason)
		return false
	}

	// an ACK may already have moved the record to DELIVERED.
	if res := d.machine.TransitionState(m.MessageID, m.RecipientID, delivery.StateSent); res.OK {
		d.updateState(ctx, m.MessageID, delivery.StateSent)
	} else {
		glog.V(5).Infof("dispatch %s to %s: %s: %v", m.MessageID, m.RecipientID, res.Code, res.Err)
	}
	if err := d.store.RecordAttempt(ctx, m.MessageID, false); err != nil {
		glog.V(5).Infof("record attempt %s error: %v", m.MessageID, err)
	}
	return true
}

func (d *Dispatcher) fail(ctx context.Context, messageID, recipientID string, reason delivery.FailureReason) {
	d.machine.RecordDeliveryFailure(messageID, recipientID, reason)
	if err := d.store.RecordAttempt(ctx, messageID, true); err != nil {
		glog.V(5).Infof("record attempt %s error: %v", messageID, err)
	}
}

func (d *Dispatcher) updateState(ctx context.Context, messageID string, state delivery.State) {
	if err := d.store.UpdateState(ctx, messageID, state); err != nil {
		glog.Errorf("update message %s state to %s error: %v", messageID, state, err)
	}
}

// DeliverRemote implements bus.IDeliverer. The instance holding the recipient keeps its own record
// of the message, so ACKs from the recipient can be applied here.
func (d *Dispatcher) DeliverRemote(ctx context.Context, ev *bus.ChatMessage) bool {
	m := ev.Payload.Message
	if m == nil {
		m = &chatstore.Message{
			MessageID:      ev.MessageID,
			SenderID:       ev.SenderID,
			RecipientID:    ev.RecipientID,
			ConversationID: ev.ConversationID,
			ChatType:       chatstore.ChatDirect,
		}
	}
	seed := delivery.RecordSeed{
		MessageID:      ev.MessageID,
		ConversationID: m.ConversationID,
		SenderID:       m.SenderID,
		PersistedAt:    m.CreatedAt,
	}
	if _, err := d.machine.CreateRecords(seed, []string{ev.RecipientID}); err != nil {
		glog.Errorf("remote message %s: create record error: %v", ev.MessageID, err)
		return false
	}
	return d.deliverLocal(ctx, m)
}

// ApplyRemoteDelivered implements bus.IDeliverer.
func (d *Dispatcher) ApplyRemoteDelivered(ctx context.Context, ev *bus.ChatDelivered) {
	rec, ok := d.machine.Get(ev.MessageID, ev.RecipientID)
	if !ok {
		return
	}
	switch rec.State {
	case delivery.StatePersisted, delivery.StateSent:
		if res := d.machine.TransitionState(ev.MessageID, ev.RecipientID, delivery.StateDelivered); !res.OK {
			glog.V(5).Infof("remote delivered %s/%s: %s: %v", ev.MessageID, ev.RecipientID, res.Code, res.Err)
			return
		}
		d.updateState(ctx, ev.MessageID, delivery.StateDelivered)
	}
}

// NotifyStatus tells the sender of rec that it reached state. DELIVERED is also published on the bus
// for sender sessions held by other instances.
func (d *Dispatcher) NotifyStatus(ctx context.Context, rec delivery.Record, state delivery.State) {
	if rec.SenderID == "" {
		return
	}
	at := d.now()
	msg := wire.NewDeliveryStatus(rec.MessageID, rec.RecipientID, state, at.UnixMilli())
	for _, s := range d.conns.GetSockets(rec.SenderID) {
		if err := s.Send(msg); err != nil {
			glog.V(5).Infof("delivery status to session %s error: %v", s.SessionID(), err)
		}
	}
	if state == delivery.StateDelivered && d.publisher != nil {
		_ = d.publisher.PublishDelivered(ctx, rec.MessageID, rec.RecipientID, rec.SenderID, rec.ConversationID, at)
	}
}

package bus

import (
	"context"
	"errors"
	"time"

	"github.com/golang/glog"

	"github.com/mqy/minichat/delivery"
	"github.com/mqy/minichat/wire"
)

// Outcome is what a handler did with one event.
type Outcome string

const (
	OutcomeApplied        Outcome = "applied"
	OutcomeMalformed      Outcome = "malformed"
	OutcomeSelfOrigin     Outcome = "self_origin"
	OutcomeRoom           Outcome = "room"
	OutcomeNotLocal       Outcome = "not_local"
	OutcomeDuplicate      Outcome = "duplicate"
	OutcomeUndelivered    Outcome = "undelivered"
	OutcomeSessionUnknown Outcome = "session_unknown"
)

type HandlerCfg struct {
	InstanceID string
	Conns      IConnManager
	Deliverer  IDeliverer
	Dedupe     *Dedupe
	// Publisher, if set, reports cross-instance deliveries back with chat.delivered.
	Publisher *Publisher
	Now       func() time.Time
}

// Handler applies bus events to this instance.
type Handler struct {
	instanceID string
	conns      IConnManager
	deliverer  IDeliverer
	dedupe     *Dedupe
	publisher  *Publisher
	now        func() time.Time
}

func NewHandler(cfg HandlerCfg) *Handler {
	h := &Handler{
		instanceID: cfg.InstanceID,
		conns:      cfg.Conns,
		deliverer:  cfg.Deliverer,
		dedupe:     cfg.Dedupe,
		publisher:  cfg.Publisher,
		now:        cfg.Now,
	}
	if h.dedupe == nil {
		h.dedupe = NewDedupe(DefaultDedupeTTL, DefaultDedupeMaxEntries)
	}
	if h.now == nil {
		h.now = time.Now
	}
	return h
}

// HandlePayload decodes and applies one raw transport payload. Malformed payloads are logged and
// dropped.
func (h *Handler) HandlePayload(ctx context.Context, b []byte) Outcome {
	ev, err := Decode(b)
	if err != nil {
		var me *MalformedEventError
		kind := "unknown"
		if errors.As(err, &me) && me.Kind != "" {
			kind = string(me.Kind)
		}
		eventsTotal.WithLabelValues(kind, string(OutcomeMalformed)).Inc()
		glog.Warningf("bus: drop event: %v, payload: %.256s", err, b)
		return OutcomeMalformed
	}
	return h.Handle(ctx, ev)
}

// Handle applies a decoded event.
func (h *Handler) Handle(ctx context.Context, ev *Event) Outcome {
	var out Outcome
	if ev.OriginInstanceID() == h.instanceID {
		out = OutcomeSelfOrigin
	} else {
		switch ev.Kind {
		case KindChatMessage:
			out = h.handleChatMessage(ctx, ev.Message)
		case KindAdminKick:
			out = h.handleKick(ev.Kick)
		case KindChatDelivered:
			out = h.handleDelivered(ctx, ev.Delivered)
		}
	}
	eventsTotal.WithLabelValues(string(ev.Kind), string(out)).Inc()
	glog.V(5).Infof("bus: %s from %s: %s", ev.Kind, ev.OriginInstanceID(), out)
	return out
}

func (h *Handler) handleChatMessage(ctx context.Context, ev *ChatMessage) Outcome {
	if ev.IsRoom() {
		return OutcomeRoom
	}
	if !h.conns.IsUserConnected(ev.RecipientID) {
		return OutcomeNotLocal
	}
	if h.dedupe.CheckAndMark(ev.MessageID) {
		return OutcomeDuplicate
	}
	if !h.deliverer.DeliverRemote(ctx, ev) {
		h.dedupe.Forget(ev.MessageID)
		return OutcomeUndelivered
	}

	now := h.now()
	if ev.SenderID != "" {
		h.notifySender(ev.SenderID, ev.MessageID, ev.RecipientID, now.UnixMilli())
		if h.publisher != nil {
			_ = h.publisher.PublishDelivered(ctx, ev.MessageID, ev.RecipientID, ev.SenderID, ev.ConversationID, now)
		}
	}
	return OutcomeApplied
}

func (h *Handler) handleKick(ev *AdminKick) Outcome {
	switch ev.Action {
	case KickBan:
		sockets := h.conns.GetSockets(ev.TargetUserID)
		suspended := wire.NewError(wire.CodeAccountSuspended, nil)
		for _, s := range sockets {
			if err := s.Send(suspended); err != nil {
				glog.Warningf("bus: ban %s: send to session %s error: %v", ev.TargetUserID, s.SessionID(), err)
			}
			s.Close(wire.CloseAccountSuspended, string(wire.CodeAccountSuspended))
		}
		n := h.conns.Remove(ev.TargetUserID)
		glog.Infof("bus: banned %s, closed %d sockets, removed %d sessions", ev.TargetUserID, len(sockets), n)
	case KickRevokeAll:
		n := h.conns.Remove(ev.TargetUserID)
		glog.Infof("bus: revoked all sessions of %s: %d", ev.TargetUserID, n)
	case KickRevokeOne:
		for _, s := range h.conns.GetSockets(ev.TargetUserID) {
			if s.SessionID() == ev.TargetSessionID {
				h.conns.RemoveSession(ev.TargetSessionID)
				glog.Infof("bus: revoked session %s of %s", ev.TargetSessionID, ev.TargetUserID)
				return OutcomeApplied
			}
		}
		return OutcomeSessionUnknown
	}
	return OutcomeApplied
}

func (h *Handler) handleDelivered(ctx context.Context, ev *ChatDelivered) Outcome {
	if h.dedupe.CheckAndMark("delivered:" + ev.MessageID + ":" + ev.RecipientID) {
		return OutcomeDuplicate
	}
	if h.deliverer != nil {
		h.deliverer.ApplyRemoteDelivered(ctx, ev)
	}
	ts := ev.Ts
	if ts <= 0 {
		ts = h.now().UnixMilli()
	}
	h.notifySender(ev.SenderID, ev.MessageID, ev.RecipientID, ts)
	return OutcomeApplied
}

// notifySender sends DELIVERY_STATUS DELIVERED to every local socket of senderID.
func (h *Handler) notifySender(senderID, messageID, recipientID string, ts int64) {
	msg := wire.NewDeliveryStatus(messageID, recipientID, delivery.StateDelivered, ts)
	for _, s := range h.conns.GetSockets(senderID) {
		if err := s.Send(msg); err != nil {
			glog.V(5).Infof("bus: delivery status to session %s error: %v", s.SessionID(), err)
		}
	}
}

package bus

import (
	"context"
	"encoding/json"
	"time"

	"github.com/golang/glog"

	"github.com/mqy/minichat/chatstore"
	"github.com/mqy/minichat/wire"
)

// Publisher stamps events with this instance's id and writes them to the transport.
type Publisher struct {
	transport  ITransport
	instanceID string
}

func NewPublisher(transport ITransport, instanceID string) *Publisher {
	return &Publisher{transport: transport, instanceID: instanceID}
}

func (p *Publisher) InstanceID() string {
	return p.instanceID
}

func (p *Publisher) publish(ctx context.Context, kind Kind, ev interface{}) error {
	b, err := json.Marshal(ev)
	if err != nil {
		publishedTotal.WithLabelValues(string(kind), "error").Inc()
		return err
	}
	if err := p.transport.Publish(ctx, b); err != nil {
		publishedTotal.WithLabelValues(string(kind), "error").Inc()
		glog.Errorf("bus: publish %s error: %v", kind, err)
		return err
	}
	publishedTotal.WithLabelValues(string(kind), "ok").Inc()
	glog.V(5).Infof("bus: published %s", b)
	return nil
}

// PublishChatMessage asks whichever instance holds m.RecipientID to deliver m.
func (p *Publisher) PublishChatMessage(ctx context.Context, m *chatstore.Message) error {
	return p.publish(ctx, KindChatMessage, &ChatMessage{
		Type:             KindChatMessage,
		OriginInstanceID: p.instanceID,
		MessageID:        m.MessageID,
		RecipientID:      m.RecipientID,
		SenderID:         m.SenderID,
		ConversationID:   m.ConversationID,
		Payload:          wire.NewMessageReceive(m),
	})
}

func (p *Publisher) PublishDelivered(ctx context.Context, messageID, recipientID, senderID, conversationID string, at time.Time) error {
	return p.publish(ctx, KindChatDelivered, &ChatDelivered{
		Type:             KindChatDelivered,
		OriginInstanceID: p.instanceID,
		MessageID:        messageID,
		RecipientID:      recipientID,
		SenderID:         senderID,
		ConversationID:   conversationID,
		Ts:               at.UnixMilli(),
	})
}

// PublishKick revokes sessions of userID on every other instance. sessionID is only used by
// KickRevokeOne.
func (p *Publisher) PublishKick(ctx context.Context, userID string, action KickAction, sessionID string) error {
	ev := &AdminKick{
		Type:             KindAdminKick,
		OriginInstanceID: p.instanceID,
		TargetUserID:     userID,
		Action:           action,
		TargetSessionID:  sessionID,
		Ts:               time.Now().UnixMilli(),
	}
	if err := ev.validate(); err != nil {
		return err
	}
	return p.publish(ctx, KindAdminKick, ev)
}

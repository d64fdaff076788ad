package bus_test

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/golang/mock/gomock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mqy/minichat/bus"
	bus_mock "github.com/mqy/minichat/bus/mock"
	"github.com/mqy/minichat/chatstore"
	"github.com/mqy/minichat/delivery"
	"github.com/mqy/minichat/wire"
)

var fixedNow = time.UnixMilli(1700000000123)

func chatMessage(origin, messageID string) []byte {
	m := &chatstore.Message{
		MessageID:      messageID,
		SenderID:       "u1",
		RecipientID:    "u2",
		ConversationID: chatstore.DirectConversationID("u1", "u2"),
		ChatType:       chatstore.ChatDirect,
		Content:        "hi",
		SequenceNumber: 5,
	}
	b, _ := json.Marshal(&bus.ChatMessage{
		Type:             bus.KindChatMessage,
		OriginInstanceID: origin,
		MessageID:        messageID,
		RecipientID:      "u2",
		SenderID:         "u1",
		ConversationID:   m.ConversationID,
		Payload:          wire.NewMessageReceive(m),
	})
	return b
}

func newHandler(conns bus.IConnManager, deliverer bus.IDeliverer) *bus.Handler {
	return bus.NewHandler(bus.HandlerCfg{
		InstanceID: "B",
		Conns:      conns,
		Deliverer:  deliverer,
		Dedupe:     bus.NewDedupe(time.Minute, 100),
		Now:        func() time.Time { return fixedNow },
	})
}

func TestSelfOriginIgnored(t *testing.T) {
	mockCtrl := gomock.NewController(t)
	defer mockCtrl.Finish()

	conns := bus_mock.NewMockIConnManager(mockCtrl)
	deliverer := bus_mock.NewMockIDeliverer(mockCtrl)
	deliverer.EXPECT().DeliverRemote(gomock.Any(), gomock.Any()).Times(0)
	conns.EXPECT().IsUserConnected(gomock.Any()).Times(0)

	h := newHandler(conns, deliverer)
	assert.Equal(t, bus.OutcomeSelfOrigin, h.HandlePayload(context.Background(), chatMessage("B", "m1")))

	kick := []byte(`{"type":"admin.kick","originInstanceId":"B","targetUserId":"u1","action":"BAN","ts":1}`)
	conns.EXPECT().GetSockets(gomock.Any()).Times(0)
	assert.Equal(t, bus.OutcomeSelfOrigin, h.HandlePayload(context.Background(), kick))
}

func TestChatMessageDeliveredOnceAndReported(t *testing.T) {
	mockCtrl := gomock.NewController(t)
	defer mockCtrl.Finish()

	conns := bus_mock.NewMockIConnManager(mockCtrl)
	deliverer := bus_mock.NewMockIDeliverer(mockCtrl)
	senderSocket := bus_mock.NewMockISocket(mockCtrl)

	conns.EXPECT().IsUserConnected("u2").Return(true).Times(2)
	deliverer.EXPECT().DeliverRemote(gomock.Any(), gomock.Any()).DoAndReturn(func(_ context.Context, ev *bus.ChatMessage) bool {
		assert.Equal(t, "m1", ev.MessageID)
		assert.Equal(t, int64(5), ev.Payload.Message.SequenceNumber)
		return true
	}).Times(1)
	conns.EXPECT().GetSockets("u1").Return([]bus.ISocket{senderSocket})
	senderSocket.EXPECT().Send(wire.NewDeliveryStatus("m1", "u2", delivery.StateDelivered, fixedNow.UnixMilli())).Return(nil)

	h := newHandler(conns, deliverer)
	assert.Equal(t, bus.OutcomeApplied, h.HandlePayload(context.Background(), chatMessage("A", "m1")))
	assert.Equal(t, bus.OutcomeDuplicate, h.HandlePayload(context.Background(), chatMessage("A", "m1")))
}

func TestChatMessageSkippedWhenNotLocal(t *testing.T) {
	mockCtrl := gomock.NewController(t)
	defer mockCtrl.Finish()

	conns := bus_mock.NewMockIConnManager(mockCtrl)
	deliverer := bus_mock.NewMockIDeliverer(mockCtrl)
	conns.EXPECT().IsUserConnected("u2").Return(false)
	deliverer.EXPECT().DeliverRemote(gomock.Any(), gomock.Any()).Times(0)

	h := newHandler(conns, deliverer)
	assert.Equal(t, bus.OutcomeNotLocal, h.HandlePayload(context.Background(), chatMessage("A", "m1")))
}

func TestUndeliveredMessageIsRetried(t *testing.T) {
	mockCtrl := gomock.NewController(t)
	defer mockCtrl.Finish()

	conns := bus_mock.NewMockIConnManager(mockCtrl)
	deliverer := bus_mock.NewMockIDeliverer(mockCtrl)
	conns.EXPECT().IsUserConnected("u2").Return(true).Times(2)
	gomock.InOrder(
		deliverer.EXPECT().DeliverRemote(gomock.Any(), gomock.Any()).Return(false),
		deliverer.EXPECT().DeliverRemote(gomock.Any(), gomock.Any()).Return(true),
	)
	conns.EXPECT().GetSockets("u1").Return(nil)

	h := newHandler(conns, deliverer)
	assert.Equal(t, bus.OutcomeUndelivered, h.HandlePayload(context.Background(), chatMessage("A", "m1")))
	assert.Equal(t, bus.OutcomeApplied, h.HandlePayload(context.Background(), chatMessage("A", "m1")))
}

func TestMalformedAndRoomEventsDropped(t *testing.T) {
	mockCtrl := gomock.NewController(t)
	defer mockCtrl.Finish()

	conns := bus_mock.NewMockIConnManager(mockCtrl)
	deliverer := bus_mock.NewMockIDeliverer(mockCtrl)
	deliverer.EXPECT().DeliverRemote(gomock.Any(), gomock.Any()).Times(0)

	h := newHandler(conns, deliverer)
	assert.Equal(t, bus.OutcomeMalformed, h.HandlePayload(context.Background(), []byte(`{"type":"chat.message"}`)))
	assert.Equal(t, bus.OutcomeMalformed, h.HandlePayload(context.Background(), []byte(`{`)))

	room := []byte(`{"type":"chat.message","originInstanceId":"A","messageId":"m1","recipientId":"r1",
		"conversationId":"room:r1","payload":{"type":"MESSAGE_RECEIVE"}}`)
	assert.Equal(t, bus.OutcomeRoom, h.HandlePayload(context.Background(), room))
}

func TestBanClosesEverySocket(t *testing.T) {
	mockCtrl := gomock.NewController(t)
	defer mockCtrl.Finish()

	conns := bus_mock.NewMockIConnManager(mockCtrl)
	s1 := bus_mock.NewMockISocket(mockCtrl)
	s2 := bus_mock.NewMockISocket(mockCtrl)

	suspended := wire.NewError(wire.CodeAccountSuspended, nil)
	conns.EXPECT().GetSockets("u1").Return([]bus.ISocket{s1, s2})
	for _, s := range []*bus_mock.MockISocket{s1, s2} {
		gomock.InOrder(
			s.EXPECT().Send(suspended).Return(nil),
			s.EXPECT().Close(wire.CloseAccountSuspended, gomock.Any()),
		)
	}
	conns.EXPECT().Remove("u1").Return(2)

	h := newHandler(conns, nil)
	kick := []byte(`{"type":"admin.kick","originInstanceId":"A","targetUserId":"u1","action":"BAN","ts":1700000000000}`)
	assert.Equal(t, bus.OutcomeApplied, h.HandlePayload(context.Background(), kick))
}

func TestRevoke(t *testing.T) {
	mockCtrl := gomock.NewController(t)
	defer mockCtrl.Finish()

	conns := bus_mock.NewMockIConnManager(mockCtrl)
	s1 := bus_mock.NewMockISocket(mockCtrl)
	s1.EXPECT().SessionID().Return("s1").AnyTimes()
	s1.EXPECT().Send(gomock.Any()).Times(0)

	conns.EXPECT().Remove("u1").Return(1)
	conns.EXPECT().GetSockets("u1").Return([]bus.ISocket{s1}).Times(2)
	conns.EXPECT().RemoveSession("s1").Return(true)

	h := newHandler(conns, nil)
	ctx := context.Background()
	assert.Equal(t, bus.OutcomeApplied, h.HandlePayload(ctx,
		[]byte(`{"type":"admin.kick","originInstanceId":"A","targetUserId":"u1","action":"REVOKE_ALL","ts":1}`)))
	assert.Equal(t, bus.OutcomeApplied, h.HandlePayload(ctx,
		[]byte(`{"type":"admin.kick","originInstanceId":"A","targetUserId":"u1","action":"REVOKE_ONE","targetSessionId":"s1","ts":1}`)))
	assert.Equal(t, bus.OutcomeSessionUnknown, h.HandlePayload(ctx,
		[]byte(`{"type":"admin.kick","originInstanceId":"A","targetUserId":"u1","action":"REVOKE_ONE","targetSessionId":"s9","ts":1}`)))
}

func TestChatDelivered(t *testing.T) {
	mockCtrl := gomock.NewController(t)
	defer mockCtrl.Finish()

	conns := bus_mock.NewMockIConnManager(mockCtrl)
	deliverer := bus_mock.NewMockIDeliverer(mockCtrl)
	sender := bus_mock.NewMockISocket(mockCtrl)

	deliverer.EXPECT().ApplyRemoteDelivered(gomock.Any(), gomock.Any()).Times(1)
	conns.EXPECT().GetSockets("u1").Return([]bus.ISocket{sender})
	sender.EXPECT().Send(wire.NewDeliveryStatus("m1", "u2", delivery.StateDelivered, 42)).Return(nil)

	h := newHandler(conns, deliverer)
	ev := []byte(`{"type":"chat.delivered","originInstanceId":"A","messageId":"m1","recipientId":"u2","senderId":"u1","ts":42}`)
	assert.Equal(t, bus.OutcomeApplied, h.HandlePayload(context.Background(), ev))
	assert.Equal(t, bus.OutcomeDuplicate, h.HandlePayload(context.Background(), ev))
}

func TestPublisherRoundTrip(t *testing.T) {
	tr := bus.NewMemoryTransport()
	defer tr.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	got := make(chan *bus.Event, 4)
	go func() {
		_ = tr.Subscribe(ctx, func(b []byte) {
			ev, err := bus.Decode(b)
			if err == nil {
				got <- ev
			}
		})
	}()
	require.Eventually(t, func() bool { return tr.Subscribers() == 1 }, time.Second, 10*time.Millisecond)

	p := bus.NewPublisher(tr, "A")
	require.NoError(t, p.PublishChatMessage(ctx, &chatstore.Message{
		MessageID:      "m1",
		SenderID:       "u1",
		RecipientID:    "u2",
		ConversationID: "dm:u1:u2",
		ChatType:       chatstore.ChatDirect,
		SequenceNumber: 1,
	}))
	require.NoError(t, p.PublishKick(ctx, "u2", bus.KickBan, ""))
	require.Error(t, p.PublishKick(ctx, "u2", bus.KickRevokeOne, ""))

	ev := <-got
	assert.Equal(t, bus.KindChatMessage, ev.Kind)
	assert.Equal(t, "A", ev.OriginInstanceID())
	assert.Equal(t, "u2", ev.Message.RecipientID)
	ev = <-got
	assert.Equal(t, bus.KindAdminKick, ev.Kind)
	assert.Equal(t, bus.KickBan, ev.Kick.Action)
}

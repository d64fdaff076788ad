package ws

import (
	"context"
	"errors"
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

func (env *testEnv) persisted(t *testing.T, from, to string) *chatstore.Message {
	acc := env.send(t, from, to, "hi")
	m, err := env.store.Get(context.Background(), acc.MessageID)
	require.NoError(t, err)
	return m
}

func TestDispatchLocal(t *testing.T) {
	mockCtrl := gomock.NewController(t)
	defer mockCtrl.Finish()
	env := newTestEnv(t, mockCtrl, nil)
	m := env.persisted(t, "u1", "u2")

	s1 := bus_mock.NewMockISocket(mockCtrl)
	s2 := bus_mock.NewMockISocket(mockCtrl)
	env.conns.EXPECT().IsUserConnected("u2").Return(true)
	env.conns.EXPECT().GetSockets("u2").Return([]bus.ISocket{s1, s2})
	for _, s := range []*bus_mock.MockISocket{s1, s2} {
		s.EXPECT().Send(gomock.Any()).DoAndReturn(func(msg *wire.ServerMsg) error {
			assert.Equal(t, wire.TypeMessageReceive, msg.Type)
			assert.Equal(t, m.MessageID, msg.Message.MessageID)
			assert.Equal(t, delivery.StateSent, msg.Message.State)
			return nil
		})
	}

	env.dispatcher.Dispatch(context.Background(), m)

	rec, ok := env.machine.Get(m.MessageID, "u2")
	require.True(t, ok)
	assert.Equal(t, delivery.StateSent, rec.State)
	assert.Equal(t, 1, env.machine.PendingTimers())

	stored, err := env.store.Get(context.Background(), m.MessageID)
	require.NoError(t, err)
	assert.Equal(t, delivery.StateSent, stored.State)
	assert.Equal(t, int32(1), stored.Attempts)
	assert.Equal(t, int32(0), stored.Failures)
}

func TestDispatchBackpressureFails(t *testing.T) {
	mockCtrl := gomock.NewController(t)
	defer mockCtrl.Finish()
	env := newTestEnv(t, mockCtrl, nil)
	m := env.persisted(t, "u1", "u2")

	s := bus_mock.NewMockISocket(mockCtrl)
	env.conns.EXPECT().IsUserConnected("u2").Return(true)
	env.conns.EXPECT().GetSockets("u2").Return([]bus.ISocket{s})
	s.EXPECT().Send(gomock.Any()).Return(ErrBackpressure)
	s.EXPECT().SessionID().Return("s1").AnyTimes()

	env.dispatcher.Dispatch(context.Background(), m)

	select {
	case f := <-env.failures:
		assert.Equal(t, delivery.FailureBackpressure, f.Reason)
		assert.Equal(t, "u2", f.Key.RecipientID)
	case <-time.After(time.Second):
		t.Fatal("no failure recorded")
	}

	// nothing was written: the record stays PERSISTED without a timer and can be retried.
	rec, ok := env.machine.Get(m.MessageID, "u2")
	require.True(t, ok)
	assert.Equal(t, delivery.StatePersisted, rec.State)
	assert.Equal(t, 0, env.machine.PendingTimers())
	assert.True(t, env.machine.CanDeliver(m.MessageID, "u2", true))

	stored, err := env.store.Get(context.Background(), m.MessageID)
	require.NoError(t, err)
	assert.Equal(t, delivery.StatePersisted, stored.State)
	assert.Equal(t, int32(1), stored.Failures)
	assert.Empty(t, env.failures)
}

func TestDispatchSendErrorThenRetry(t *testing.T) {
	mockCtrl := gomock.NewController(t)
	defer mockCtrl.Finish()
	env := newTestEnv(t, mockCtrl, nil)
	m := env.persisted(t, "u1", "u2")

	s := bus_mock.NewMockISocket(mockCtrl)
	s.EXPECT().SessionID().Return("s1").AnyTimes()
	env.conns.EXPECT().IsUserConnected("u2").Return(true).Times(2)
	env.conns.EXPECT().GetSockets("u2").Return([]bus.ISocket{s}).Times(2)
	gomock.InOrder(
		s.EXPECT().Send(gomock.Any()).Return(errors.New("broken pipe")),
		s.EXPECT().Send(gomock.Any()).Return(nil),
	)

	env.dispatcher.Dispatch(context.Background(), m)
	assert.Equal(t, delivery.FailureSendError, (<-env.failures).Reason)

	env.dispatcher.Dispatch(context.Background(), m)
	rec, _ := env.machine.Get(m.MessageID, "u2")
	assert.Equal(t, delivery.StateSent, rec.State)
	assert.Equal(t, 1, env.machine.PendingTimers())
	assert.Empty(t, env.failures)
}

func TestDispatchNoSocketsLeft(t *testing.T) {
	mockCtrl := gomock.NewController(t)
	defer mockCtrl.Finish()
	env := newTestEnv(t, mockCtrl, nil)
	m := env.persisted(t, "u1", "u2")

	// the last session went away between the lookup and the write.
	env.conns.EXPECT().IsUserConnected("u2").Return(true)
	env.conns.EXPECT().GetSockets("u2").Return(nil)

	env.dispatcher.Dispatch(context.Background(), m)

	assert.Equal(t, delivery.FailureRecipientOffline, (<-env.failures).Reason)
	rec, _ := env.machine.Get(m.MessageID, "u2")
	assert.Equal(t, delivery.StatePersisted, rec.State)
	assert.Equal(t, 0, env.machine.PendingTimers())
}

func TestDispatchOfflineWithoutBus(t *testing.T) {
	mockCtrl := gomock.NewController(t)
	defer mockCtrl.Finish()
	env := newTestEnv(t, mockCtrl, nil)
	m := env.persisted(t, "u1", "u2")

	env.conns.EXPECT().IsUserConnected("u2").Return(false)
	env.dispatcher.Dispatch(context.Background(), m)

	f := <-env.failures
	assert.Equal(t, delivery.FailureRecipientOffline, f.Reason)
	rec, _ := env.machine.Get(m.MessageID, "u2")
	assert.Equal(t, delivery.StatePersisted, rec.State)
}

func TestDispatchOfflinePublishesToBus(t *testing.T) {
	mockCtrl := gomock.NewController(t)
	defer mockCtrl.Finish()

	tr := bus.NewMemoryTransport()
	defer tr.Close()
	env := newTestEnv(t, mockCtrl, bus.NewPublisher(tr, "node-a"))
	m := env.persisted(t, "u1", "u2")

	got := make(chan []byte, 1)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = tr.Subscribe(ctx, func(b []byte) { got <- b }) }()
	require.Eventually(t, func() bool { return tr.Subscribers() == 1 }, time.Second, 5*time.Millisecond)

	env.conns.EXPECT().IsUserConnected("u2").Return(false)
	env.dispatcher.Dispatch(context.Background(), m)

	ev, err := bus.Decode(<-got)
	require.NoError(t, err)
	require.Equal(t, bus.KindChatMessage, ev.Kind)
	assert.Equal(t, "node-a", ev.Message.OriginInstanceID)
	assert.Equal(t, m.MessageID, ev.Message.MessageID)
	assert.Equal(t, "u2", ev.Message.RecipientID)
	assert.Empty(t, env.failures)
}

func TestDeliverRemoteCreatesLocalRecord(t *testing.T) {
	mockCtrl := gomock.NewController(t)
	defer mockCtrl.Finish()
	env := newTestEnv(t, mockCtrl, nil)

	m := &chatstore.Message{
		MessageID:      "m-remote",
		SenderID:       "u1",
		RecipientID:    "u2",
		ConversationID: "dm:u1:u2",
		ChatType:       chatstore.ChatDirect,
		Content:        "hi",
		SequenceNumber: 7,
		State:          delivery.StatePersisted,
		CreatedAt:      time.Now(),
	}
	ev := &bus.ChatMessage{
		Type:             bus.KindChatMessage,
		OriginInstanceID: "node-b",
		MessageID:        m.MessageID,
		RecipientID:      "u2",
		SenderID:         "u1",
		ConversationID:   m.ConversationID,
		Payload:          wire.NewMessageReceive(m),
	}

	s := bus_mock.NewMockISocket(mockCtrl)
	env.conns.EXPECT().GetSockets("u2").Return([]bus.ISocket{s}).Times(2)
	s.EXPECT().Send(gomock.Any()).Return(nil)

	require.True(t, env.dispatcher.DeliverRemote(context.Background(), ev))
	rec, ok := env.machine.Get("m-remote", "u2")
	require.True(t, ok)
	assert.Equal(t, delivery.StateSent, rec.State)
	assert.Equal(t, "u1", rec.SenderID)

	// the recipient acks on this instance.
	env.conns.EXPECT().GetSockets("u1").Return(nil)
	werr := env.api.Ack(context.Background(), "u2", &delivery.Ack{
		Type: delivery.AckDelivered, MessageID: "m-remote", ConversationID: "dm:u1:u2", Timestamp: 1,
	})
	require.Nil(t, werr)
	rec, _ = env.machine.Get("m-remote", "u2")
	assert.Equal(t, delivery.StateDelivered, rec.State)

	// a replay is refused by the machine, not redelivered.
	assert.False(t, env.dispatcher.DeliverRemote(context.Background(), ev))
	assert.Empty(t, env.failures)
}

func TestApplyRemoteDelivered(t *testing.T) {
	mockCtrl := gomock.NewController(t)
	defer mockCtrl.Finish()
	env := newTestEnv(t, mockCtrl, nil)
	m := env.persisted(t, "u1", "u2")

	ev := &bus.ChatDelivered{
		Type:             bus.KindChatDelivered,
		OriginInstanceID: "node-b",
		MessageID:        m.MessageID,
		RecipientID:      "u2",
		SenderID:         "u1",
		Ts:               time.Now().UnixMilli(),
	}
	env.dispatcher.ApplyRemoteDelivered(context.Background(), ev)
	rec, _ := env.machine.Get(m.MessageID, "u2")
	assert.Equal(t, delivery.StateDelivered, rec.State)

	stored, err := env.store.Get(context.Background(), m.MessageID)
	require.NoError(t, err)
	assert.Equal(t, delivery.StateDelivered, stored.State)

	// unknown records are ignored.
	ev.MessageID = "missing"
	env.dispatcher.ApplyRemoteDelivered(context.Background(), ev)
}

func TestNotifyStatusIgnoresSendErrors(t *testing.T) {
	mockCtrl := gomock.NewController(t)
	defer mockCtrl.Finish()
	env := newTestEnv(t, mockCtrl, nil)

	s1 := bus_mock.NewMockISocket(mockCtrl)
	s2 := bus_mock.NewMockISocket(mockCtrl)
	env.conns.EXPECT().GetSockets("u1").Return([]bus.ISocket{s1, s2})
	s1.EXPECT().Send(gomock.Any()).Return(errors.New("closed"))
	s1.EXPECT().SessionID().Return("s1")
	s2.EXPECT().Send(gomock.Any()).Return(nil)

	rec := delivery.Record{MessageID: "m1", RecipientID: "u2", SenderID: "u1", State: delivery.StateRead}
	env.dispatcher.NotifyStatus(context.Background(), rec, delivery.StateRead)

	// records without a sender have nobody to notify.
	env.dispatcher.NotifyStatus(context.Background(), delivery.Record{MessageID: "m2", RecipientID: "u2"}, delivery.StateRead)
}

package bus_test

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mqy/minichat/bus"
)

func TestDecodeChatMessage(t *testing.T) {
	ev, err := bus.Decode([]byte(`{"type":"chat.message","originInstanceId":"a","messageId":"m1",
		"recipientId":"u2","senderId":"u1","conversationId":"dm:u1:u2",
		"payload":{"type":"MESSAGE_RECEIVE","message":{"messageId":"m1","sequenceNumber":5,"state":"PERSISTED"}}}`))
	require.NoError(t, err)
	assert.Equal(t, bus.KindChatMessage, ev.Kind)
	assert.Equal(t, "a", ev.OriginInstanceID())
	require.NotNil(t, ev.Message)
	assert.Equal(t, int64(5), ev.Message.Payload.Message.SequenceNumber)
	assert.False(t, ev.Message.IsRoom())
}

func TestDecodeMalformed(t *testing.T) {
	for _, raw := range []string{
		`not json`,
		`{"type":"chat.unknown"}`,
		`{"type":"chat.message","messageId":"m1","recipientId":"u2","payload":{"type":"MESSAGE_RECEIVE"}}`,
		`{"type":"chat.message","originInstanceId":"a","recipientId":"u2","payload":{"type":"MESSAGE_RECEIVE"}}`,
		`{"type":"chat.message","originInstanceId":"a","messageId":"m1","payload":{"type":"MESSAGE_RECEIVE"}}`,
		`{"type":"chat.message","originInstanceId":"a","messageId":"m1","recipientId":"u2"}`,
		`{"type":"chat.message","originInstanceId":"a","messageId":"m1","recipientId":"u2","payload":{"type":"ERROR"}}`,
		`{"type":"chat.message","originInstanceId":"a","messageId":"m1","recipientId":"u2","payload":{"type":"MESSAGE_RECEIVE","message":{"state":"GONE"}}}`,
		`{"type":"admin.kick","originInstanceId":"a","targetUserId":"u1","action":"BAN"}`,
		`{"type":"admin.kick","originInstanceId":"a","targetUserId":"u1","action":"MUTE","ts":1}`,
		`{"type":"admin.kick","originInstanceId":"a","action":"BAN","ts":1}`,
		`{"type":"admin.kick","originInstanceId":"a","targetUserId":"u1","action":"REVOKE_ONE","ts":1}`,
		`{"type":"chat.delivered","originInstanceId":"a","messageId":"m1","recipientId":"u2","ts":1}`,
	} {
		_, err := bus.Decode([]byte(raw))
		var me *bus.MalformedEventError
		assert.True(t, errors.As(err, &me), raw)
	}
}

func TestDecodeKick(t *testing.T) {
	b, err := json.Marshal(&bus.AdminKick{
		Type:             bus.KindAdminKick,
		OriginInstanceID: "a",
		TargetUserID:     "u1",
		Action:           bus.KickRevokeOne,
		TargetSessionID:  "s1",
		Ts:               1,
	})
	require.NoError(t, err)
	ev, err := bus.Decode(b)
	require.NoError(t, err)
	assert.Equal(t, "s1", ev.Kick.TargetSessionID)
}

func TestRoomMessageDetected(t *testing.T) {
	ev, err := bus.Decode([]byte(`{"type":"chat.message","originInstanceId":"a","messageId":"m1","recipientId":"u2",
		"payload":{"type":"MESSAGE_RECEIVE","message":{"messageId":"m1","chatType":"room","conversationId":"room:r1","state":"PERSISTED"}}}`))
	require.NoError(t, err)
	assert.True(t, ev.Message.IsRoom())
}

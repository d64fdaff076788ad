// Package bus keeps several minichat instances consistent. Instances exchange JSON events over a
// pub/sub transport that may drop or duplicate them; the handlers validate each event once, drop
// self-origin and duplicate events, and apply the rest to local connections.
package bus

//go:generate mockgen -destination mock/bus.go -package mock github.com/mqy/minichat/bus ISocket,IConnManager,IDeliverer,IKafkaReader,IKafkaWriter

import (
	"context"

	"github.com/segmentio/kafka-go"

	"github.com/mqy/minichat/wire"
)

// ISocket is one live client session.
type ISocket interface {
	SessionID() string
	UserID() string
	// Send queues msg for writing. It never blocks on the network.
	Send(msg *wire.ServerMsg) error
	Close(code int, reason string)
}

// IConnManager is the local connection registry.
type IConnManager interface {
	GetSockets(userID string) []ISocket
	IsUserConnected(userID string) bool
	// Remove drops every session of userID and returns how many were removed.
	Remove(userID string) int
	RemoveSession(sessionID string) bool
}

// IDeliverer applies remote events to local delivery state.
type IDeliverer interface {
	// DeliverRemote hands a message published by another instance to the local recipient. It reports
	// whether the message reached at least one local socket.
	DeliverRemote(ctx context.Context, ev *ChatMessage) bool
	// ApplyRemoteDelivered advances the local record of a message that another instance delivered.
	ApplyRemoteDelivered(ctx context.Context, ev *ChatDelivered)
}

// ITransport is a fan-out channel: every subscribed instance sees every published payload.
type ITransport interface {
	Publish(ctx context.Context, payload []byte) error
	// Subscribe blocks, calling handle for every payload, until ctx is done or the subscription fails.
	Subscribe(ctx context.Context, handle func([]byte)) error
	Close() error
}

type IKafkaReader interface {
	FetchMessage(context.Context) (kafka.Message, error)
	CommitMessages(context.Context, ...kafka.Message) error
	Close() error
}

type IKafkaWriter interface {
	WriteMessages(context.Context, ...kafka.Message) error
	Close() error
}

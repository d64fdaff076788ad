package cluster

import (
	"context"
	"net/http"
	"time"

	"github.com/mqy/minichat/bus"
)

// IHub provides interfaces of local Hub.
type IHub interface {
	http.Handler
	Run(ctx context.Context, stopDoneNotifyC chan<- struct{})
	IsOnline() bool
	SessionCount() int
}

// IEventHandler applies raw bus payloads to this node.
type IEventHandler interface {
	HandlePayload(ctx context.Context, b []byte) bus.Outcome
}

// IExpirer deletes messages whose TTL passed.
type IExpirer interface {
	DeleteExpired(ctx context.Context, now time.Time) (int64, error)
}

// IPinger is a dependency reported by /healthz.
type IPinger interface {
	Ping(ctx context.Context) error
}

// PingFunc adapts a func to IPinger.
type PingFunc func(ctx context.Context) error

func (f PingFunc) Ping(ctx context.Context) error {
	return f(ctx)
}

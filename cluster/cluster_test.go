package cluster

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/mqy/minichat/bus"
)

type fakeHub struct {
	online atomic.Bool
	served atomic.Int32
}

func (h *fakeHub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.served.Add(1)
	w.WriteHeader(http.StatusTeapot)
}

func (h *fakeHub) Run(ctx context.Context, stopDoneNotifyC chan<- struct{}) {
	h.online.Store(true)
	<-ctx.Done()
	h.online.Store(false)
	stopDoneNotifyC <- struct{}{}
}

func (h *fakeHub) IsOnline() bool    { return h.online.Load() }
func (h *fakeHub) SessionCount() int { return 3 }

type eventsFunc func(b []byte)

func (f eventsFunc) HandlePayload(ctx context.Context, b []byte) bus.Outcome {
	f(b)
	return bus.OutcomeApplied
}

type expirerFunc func() (int64, error)

func (f expirerFunc) DeleteExpired(ctx context.Context, now time.Time) (int64, error) {
	return f()
}

// flakyTransport fails the first subscription.
type flakyTransport struct {
	*bus.MemoryTransport
	calls atomic.Int32
}

func (t *flakyTransport) Subscribe(ctx context.Context, handle func([]byte)) error {
	if t.calls.Add(1) == 1 {
		return errors.New("connection reset")
	}
	return t.MemoryTransport.Subscribe(ctx, handle)
}

func TestHealthzAndRoutes(t *testing.T) {
	hub := &fakeHub{}
	hub.online.Store(true)
	history := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusAccepted)
	})

	n := NewNode(&NodeCfg{
		InstanceID:  "node-a",
		Hub:         hub,
		History:     history,
		EnablePprof: true,
		Checks: map[string]IPinger{
			"store": PingFunc(func(ctx context.Context) error { return nil }),
			"bus":   PingFunc(func(ctx context.Context) error { return errors.New("redis down") }),
		},
	})

	get := func(path string) *httptest.ResponseRecorder {
		w := httptest.NewRecorder()
		n.ServeHTTP(w, httptest.NewRequest(http.MethodGet, path, nil))
		return w
	}

	w := get("/healthz")
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	var resp healthz
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "degraded", resp.Status)
	assert.Equal(t, "node-a", resp.InstanceID)
	assert.Equal(t, 3, resp.Sessions)
	assert.Equal(t, "ok", resp.Checks["store"])
	assert.Equal(t, "redis down", resp.Checks["bus"])

	assert.Equal(t, http.StatusTeapot, get("/ws").Code)
	assert.Equal(t, int32(1), hub.served.Load())
	assert.Equal(t, http.StatusAccepted, get("/history/").Code)
	assert.Equal(t, http.StatusOK, get("/metrics").Code)
	assert.Equal(t, http.StatusOK, get("/debug/pprof/").Code)
	assert.Equal(t, http.StatusNotFound, get("/nope").Code)

	delete(n.conf.Checks, "bus")
	assert.Equal(t, http.StatusOK, get("/healthz").Code)
	hub.online.Store(false)
	assert.Equal(t, http.StatusServiceUnavailable, get("/healthz").Code)
}

func TestNodeLifecycle(t *testing.T) {
	lis, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	tr := &flakyTransport{MemoryTransport: bus.NewMemoryTransport()}
	events := make(chan []byte, 1)
	swept := make(chan struct{}, 1)

	n := NewNode(&NodeCfg{
		InstanceID:     "node-a",
		Hub:            &fakeHub{},
		DisableMetrics: true,
		Transport:      tr,
		Events:         eventsFunc(func(b []byte) { events <- b }),
		Expirer: expirerFunc(func() (int64, error) {
			select {
			case swept <- struct{}{}:
			default:
			}
			return 1, nil
		}),
		SweepInterval: 10 * time.Millisecond,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	stopC := make(chan struct{}, 1)
	go n.serve(ctx, lis, stopC)

	select {
	case <-swept:
	case <-time.After(2 * time.Second):
		t.Fatal("expired messages never swept")
	}

	// the first subscription fails, the loop resubscribes after backoff.
	require.Eventually(t, func() bool { return tr.Subscribers() == 1 }, 3*time.Second, 10*time.Millisecond)
	assert.Equal(t, int32(2), tr.calls.Load())
	require.NoError(t, tr.Publish(ctx, []byte(`{"type":"admin.kick"}`)))
	select {
	case b := <-events:
		assert.JSONEq(t, `{"type":"admin.kick"}`, string(b))
	case <-time.After(2 * time.Second):
		t.Fatal("bus payload not handled")
	}

	conn, err := grpc.Dial(lis.Addr().String(), grpc.WithInsecure())
	require.NoError(t, err)
	client := healthpb.NewHealthClient(conn)
	require.Eventually(t, func() bool {
		cctx, ccancel := context.WithTimeout(ctx, time.Second)
		defer ccancel()
		resp, err := client.Check(cctx, &healthpb.HealthCheckRequest{Service: HealthService})
		return err == nil && resp.Status == healthpb.HealthCheckResponse_SERVING
	}, 3*time.Second, 20*time.Millisecond)
	require.NoError(t, conn.Close())

	cancel()
	select {
	case <-stopC:
	case <-time.After(5 * time.Second):
		t.Fatal("node did not stop")
	}
	assert.Equal(t, 0, tr.Subscribers())
}

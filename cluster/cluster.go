package cluster

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/golang/glog"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/mqy/minichat/bus"
)

const (
	DefaultSweepInterval = time.Hour

	// grpc health service name of a node, "" is the overall server status.
	HealthService = "minichat.Node"

	pingTimeout = 2 * time.Second
)

type NodeCfg struct {
	Addr       string
	InstanceID string
	Hub        IHub

	// History, if set, is mounted at /history.
	History        http.Handler
	DisableMetrics bool
	EnablePprof    bool

	// Transport and Events are both set when the node joins a bus.
	Transport bus.ITransport
	Events    IEventHandler

	// Expirer, if set, is swept every SweepInterval.
	Expirer       IExpirer
	SweepInterval time.Duration

	// Checks are reported by /healthz, keyed by name.
	Checks map[string]IPinger
}

// Node serves the websocket hub, the http api and grpc health on one listener, and feeds bus events to
// the local hub.
type Node struct {
	conf *NodeCfg

	router     chi.Router
	grpcServer *grpc.Server
	health     *health.Server
	httpServer *http.Server

	wg sync.WaitGroup
}

func NewNode(conf *NodeCfg) *Node {
	if conf.SweepInterval <= 0 {
		conf.SweepInterval = DefaultSweepInterval
	}

	n := &Node{
		conf:       conf,
		grpcServer: grpc.NewServer(),
		health:     health.NewServer(),
	}
	healthpb.RegisterHealthServer(n.grpcServer, n.health)
	n.health.SetServingStatus(HealthService, healthpb.HealthCheckResponse_NOT_SERVING)

	r := chi.NewRouter()
	r.Handle("/ws", conf.Hub)
	if conf.History != nil {
		r.Mount("/history", conf.History)
	}
	r.Get("/healthz", n.serveHealthz)
	if !conf.DisableMetrics {
		r.Handle("/metrics", promhttp.HandlerFor(
			prometheus.DefaultGatherer,
			promhttp.HandlerOpts{},
		))
	}
	if conf.EnablePprof {
		r.Mount("/debug", middleware.Profiler())
	}
	n.router = r

	n.httpServer = &http.Server{Handler: h2c.NewHandler(n, &http2.Server{})}
	return n
}

// Run listens on the configured address and serves until ctx is done.
func (n *Node) Run(ctx context.Context, stopNotifyCh chan<- struct{}) {
	lis, err := net.Listen("tcp", n.conf.Addr)
	if err != nil {
		err := fmt.Errorf("listen %s error: %v", n.conf.Addr, err)
		glog.Error(err)
		panic(err)
	}
	n.serve(ctx, lis, stopNotifyCh)
}

func (n *Node) serve(ctx context.Context, lis net.Listener, stopNotifyCh chan<- struct{}) {
	glog.Infof("node %s is starting", n.conf.InstanceID)

	go func() {
		glog.Infof("http server is listening %v", lis.Addr())
		if err := n.httpServer.Serve(lis); errors.Is(err, http.ErrServerClosed) {
			glog.Infof("http server closed")
		} else if err != nil {
			err := fmt.Errorf("error serve http server: %v", err)
			glog.Error(err)
			panic(err)
		}
	}()

	hubStopDoneC := make(chan struct{})
	go n.conf.Hub.Run(ctx, hubStopDoneC)

	if n.conf.Transport != nil && n.conf.Events != nil {
		n.wg.Add(1)
		go n.subscribeLoop(ctx)
	}
	if n.conf.Expirer != nil {
		n.wg.Add(1)
		go n.sweepLoop(ctx)
	}

	n.health.SetServingStatus(HealthService, healthpb.HealthCheckResponse_SERVING)
	glog.Infof("node %s is ready", n.conf.InstanceID)

	<-ctx.Done()

	glog.Infof("node: stopping")
	n.health.Shutdown()

	<-hubStopDoneC
	close(hubStopDoneC)
	glog.Infof("node: hub stopped")

	if n.conf.Transport != nil {
		if err := n.conf.Transport.Close(); err != nil {
			glog.Errorf("node: close bus transport error: %v", err)
		}
	}
	n.wg.Wait()

	n.httpServer.Shutdown(context.Background())
	glog.Infof("node: http server stopped")

	func() {
		defer func() {
			// GracefulStop panics for a server that only serves through ServeHTTP.
			if err := recover(); err != nil {
				glog.Errorf("grpc server GracefulStop panic: %v, recovered", err)
			}
		}()
		n.grpcServer.GracefulStop()
	}()

	glog.Infof("node: stopped")
	stopNotifyCh <- struct{}{}
}

// subscribeLoop keeps the node subscribed to the bus, resubscribing with backoff when the transport
// drops the subscription.
func (n *Node) subscribeLoop(ctx context.Context) {
	glog.Info("node: subscribe loop enter")
	defer func() {
		glog.Info("node: subscribe loop exit")
		n.wg.Done()
	}()

	var sleep time.Duration
	for {
		err := n.conf.Transport.Subscribe(ctx, func(b []byte) {
			n.conf.Events.HandlePayload(ctx, b)
		})
		if ctx.Err() != nil || errors.Is(err, bus.ErrTransportClosed) {
			return
		}

		bus.Backoff(&sleep)
		glog.Errorf("node: bus subscription ended: %v, resubscribe in %s", err, sleep)
		if !bus.Sleep(ctx, sleep) {
			return
		}
	}
}

// sweepLoop deletes expired messages. Sequence numbers of deleted messages are never reused.
func (n *Node) sweepLoop(ctx context.Context) {
	glog.Info("node: sweep loop enter")

	ticker := time.NewTicker(n.conf.SweepInterval)
	defer func() {
		ticker.Stop()
		glog.Info("node: sweep loop exit")
		n.wg.Done()
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			start := time.Now()
			num, err := n.conf.Expirer.DeleteExpired(ctx, start)
			if err == nil {
				glog.Infof("node: deleted %d expired messages, took %s", num, time.Since(start))
			} else {
				glog.Errorf("node: delete expired messages error: %v", err)
			}
		}
	}
}

type healthz struct {
	Status     string            `json:"status"`
	InstanceID string            `json:"instanceId"`
	Online     bool              `json:"online"`
	Sessions   int               `json:"sessions"`
	Checks     map[string]string `json:"checks,omitempty"`
}

func (n *Node) serveHealthz(w http.ResponseWriter, r *http.Request) {
	resp := healthz{
		Status:     "ok",
		InstanceID: n.conf.InstanceID,
		Online:     n.conf.Hub.IsOnline(),
		Sessions:   n.conf.Hub.SessionCount(),
	}

	if len(n.conf.Checks) > 0 {
		resp.Checks = make(map[string]string, len(n.conf.Checks))
		ctx, cancel := context.WithTimeout(r.Context(), pingTimeout)
		defer cancel()
		for name, check := range n.conf.Checks {
			if err := check.Ping(ctx); err != nil {
				resp.Checks[name] = err.Error()
				resp.Status = "degraded"
				continue
			}
			resp.Checks[name] = "ok"
		}
	}

	code := http.StatusOK
	if resp.Status != "ok" || !resp.Online {
		code = http.StatusServiceUnavailable
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(resp)
}

func (n *Node) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.ProtoMajor == 2 && strings.HasPrefix(r.Header.Get("content-type"), "application/grpc") {
		n.grpcServer.ServeHTTP(w, r)
	} else {
		n.router.ServeHTTP(w, r)
	}
}

package ws

import (
	"context"
	"net"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/golang/glog"
	"github.com/pborman/uuid"

	"github.com/mqy/minichat/auth"
	"github.com/mqy/minichat/bus"
	"github.com/mqy/minichat/delivery"
	"github.com/mqy/minichat/wire"
)

// Hub works as a hub that manages and serves local sessions. It is the connection manager the bus
// handlers act on.
type Hub struct {
	authClient   auth.Client
	api          *ChatApi
	machine      *delivery.Machine
	hstore       *HandlerStore
	sessionQuota int
	online       atomic.Bool
}

var _ bus.IConnManager = (*Hub)(nil)

// NewHub creates a `Hub`. A positive sessionQuota caps the sessions of one user; the oldest sessions
// are revoked first.
func NewHub(authClient auth.Client, machine *delivery.Machine, sessionQuota int) *Hub {
	return &Hub{
		authClient:   authClient,
		machine:      machine,
		hstore:       newHandlerStore(),
		sessionQuota: sessionQuota,
	}
}

// SetChatApi binds the request api. It must be called before serving.
func (h *Hub) SetChatApi(api *ChatApi) {
	h.api = api
}

// Run accepts sessions until ctx is done, then closes every local session.
func (h *Hub) Run(ctx context.Context, stopDoneNotifyC chan<- struct{}) {
	h.Online()
	<-ctx.Done()
	h.Offline()

	glog.Infof("close connections ...")
	h.hstore.close()
	glog.Infof("close connections done")
	stopDoneNotifyC <- struct{}{}
}

func (h *Hub) Online() {
	glog.Infof("Online()")
	h.online.Store(true)
}

func (h *Hub) Offline() {
	glog.Infof("Offline()")
	h.online.Store(false)
}

func (h *Hub) IsOnline() bool {
	return h.online.Load()
}

// ServeHTTP handles websocket requests from the peer.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if !h.IsOnline() {
		http.Error(w, "This node is not accepting sessions", http.StatusServiceUnavailable)
		return
	}

	uid, err := h.authClient.Auth(r)
	if err != nil {
		glog.Errorf("ServeHTTP(): authenticate error: %v", err)
		http.Error(w, "Authenticate error", http.StatusForbidden)
		return
	}

	sess := Session{
		UserID:     uid,
		SessionID:  strings.ReplaceAll(uuid.New(), "-", ""),
		CreateTime: time.Now(),
		IP:         getRemoteIP(r),
	}

	// If the upgrade fails, then Upgrade replies to the client with an HTTP error response.
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		glog.Errorf("ServeHTTP(): upgrader.Upgrade error, uid: %s, err: %s", uid, err)
		return
	}

	// NOTE:  after upgrade, `w.WriteHeader(...)`` causes error `response.Write on hijacked connection`.

	handler := newHandler(h, conn, sess)
	conn.SetCloseHandler(func(code int, text string) error {
		glog.Infof("session closed by peer, session: %s, code: %d, text: %s", handler, code, text)
		handler.close(ReadError, code, "")
		return nil
	})

	h.addHandler(handler)

	go handler.recvLoop()
	go handler.sendLoop()
}

func (h *Hub) addHandler(handler *Handler) {
	h.hstore.add(handler)
	glog.V(5).Infof("session online: %s", handler)

	if h.sessionQuota <= 0 {
		return
	}
	sessions := h.hstore.getByUid(handler.session.UserID)
	for i := 0; i < len(sessions)-h.sessionQuota; i++ {
		s := sessions[i]
		glog.V(5).Infof("kickoff session over quota %d: %s", h.sessionQuota, s)
		_ = s.Send(wire.NewError(wire.CodeSessionRevoked, nil, "session quota exceeded"))
		s.Close(wire.CloseSessionRevoked, "session quota exceeded")
		h.hstore.del(s.session.SessionID)
	}
}

// delHandler forgets a closed session. When it was the user's last session on this instance, the
// user's unacknowledged deliveries are recorded as SOCKET_CLOSED.
func (h *Hub) delHandler(sid string) {
	if handler := h.hstore.del(sid); handler != nil {
		h.userGone(handler.session.UserID)
	}
}

func (h *Hub) userGone(uid string) {
	if !h.hstore.hasUser(uid) {
		h.machine.RecordFailuresForDisconnectedUser(uid)
	}
}

// GetSockets implements bus.IConnManager.
func (h *Hub) GetSockets(userID string) []bus.ISocket {
	handlers := h.hstore.getByUid(userID)
	out := make([]bus.ISocket, 0, len(handlers))
	for _, s := range handlers {
		out = append(out, s)
	}
	return out
}

// IsUserConnected implements bus.IConnManager.
func (h *Hub) IsUserConnected(userID string) bool {
	return h.hstore.hasUser(userID)
}

// Remove implements bus.IConnManager.
func (h *Hub) Remove(userID string) int {
	n := 0
	for _, s := range h.hstore.getByUid(userID) {
		s.Close(wire.CloseSessionRevoked, "session revoked")
		if h.hstore.del(s.session.SessionID) != nil {
			n++
		}
	}
	if n > 0 {
		h.userGone(userID)
	}
	return n
}

// RemoveSession implements bus.IConnManager.
func (h *Hub) RemoveSession(sessionID string) bool {
	s := h.hstore.get(sessionID)
	if s == nil {
		return false
	}
	s.Close(wire.CloseSessionRevoked, "session revoked")
	if h.hstore.del(sessionID) == nil {
		return false
	}
	h.userGone(s.session.UserID)
	return true
}

// SessionCount returns the number of local sessions.
func (h *Hub) SessionCount() int {
	return h.hstore.len()
}

func getRemoteIP(r *http.Request) string {
	ip := r.Header.Get("X-REAL-IP")
	if ip == "" {
		if ips := r.Header.Get("X-FORWARDED-FOR"); ips != "" {
			slice := strings.Split(ips, ",")
			for _, x := range slice {
				if x = strings.TrimSpace(x); x != "" {
					ip = x
				}
			}
		}
	}
	if ip == "" {
		ip, _, _ = net.SplitHostPort(r.RemoteAddr)
	}

	return ip
}

package ws

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/golang/glog"
	"github.com/gorilla/websocket"

	"github.com/mqy/minichat/history"
	"github.com/mqy/minichat/wire"
)

type SessionError int

const (
	ReadError  SessionError = 1
	WriteError SessionError = 2
	PingError  SessionError = 3
	BadRequest SessionError = 4
	ServerStop SessionError = 5
	KickedOff  SessionError = 6
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 3 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	// Recommend configure nginx with `keep-alive_timeout` >= 65s.
	pingPeriod = 20 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 25 * time.Second

	// websocket max message size to read.
	readLimit = 4096

	// frames queued for one session before Send reports backpressure.
	sendQueueSize = 64
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	// Fix error: request origin not allowed by Upgrader.CheckOrigin
	CheckOrigin: func(r *http.Request) bool {
		// When the node is behind nginx: host=ws-backend.
		// TODO: check Origin against a configured allow list.
		return true
	},
}

type Session struct {
	UserID     string    `json:"uid"`
	SessionID  string    `json:"sid"`
	CreateTime time.Time `json:"createTime"`
	IP         string    `json:"ip,omitempty"`
}

// Handler managers an active connection to end user.
// Every new websocket connection creates a new session.
type Handler struct {
	sync.Mutex

	api *ChatApi
	hub *Hub

	session Session
	conn    *websocket.Conn

	ctx    context.Context
	cancel context.CancelFunc

	dataChan chan *SessionData
	closing  bool
}

// SessionData is the data structure for `dataChan`.
type SessionData struct {
	Error       SessionError    `json:"error,omitempty"`
	CloseCode   int             `json:"closeCode,omitempty"`
	CloseReason string          `json:"closeReason,omitempty"`
	ServerMsg   *wire.ServerMsg `json:"resp,omitempty"`
}

func newHandler(hub *Hub, conn *websocket.Conn, sess Session) *Handler {
	ctx, cancel := context.WithCancel(context.Background())
	return &Handler{
		api:      hub.api,
		hub:      hub,
		session:  sess,
		conn:     conn,
		ctx:      ctx,
		cancel:   cancel,
		dataChan: make(chan *SessionData, sendQueueSize),
	}
}

func (h *Handler) String() string {
	return fmt.Sprintf("%s/%s@%s", h.session.UserID, h.session.SessionID, h.session.IP)
}

// SessionID implements bus.ISocket.
func (h *Handler) SessionID() string {
	return h.session.SessionID
}

// UserID implements bus.ISocket.
func (h *Handler) UserID() string {
	return h.session.UserID
}

// Send implements bus.ISocket. The frame is written by sendLoop.
func (h *Handler) Send(msg *wire.ServerMsg) error {
	return h.push(&SessionData{ServerMsg: msg})
}

// Close implements bus.ISocket. Frames queued before Close are written first.
func (h *Handler) Close(code int, reason string) {
	if err := h.push(&SessionData{Error: KickedOff, CloseCode: code, CloseReason: reason}); err == ErrBackpressure {
		h.close(KickedOff, code, reason)
	}
}

func (h *Handler) isClosing() bool {
	h.Lock()
	defer h.Unlock()
	return h.closing
}

func (h *Handler) push(v *SessionData) error {
	h.Lock()
	defer h.Unlock()
	if h.closing {
		return ErrSessionClosed
	}
	select {
	case h.dataChan <- v:
		return nil
	default:
		return ErrBackpressure
	}
}

// stop asks sendLoop to close the session, or closes it directly when the queue is full.
func (h *Handler) stop(cause SessionError) {
	if err := h.push(&SessionData{Error: cause}); err == ErrBackpressure {
		h.close(cause, 0, "")
	}
}

func (h *Handler) close(cause SessionError, code int, reason string) {
	h.Lock()
	if h.closing {
		h.Unlock()
		return
	}
	h.closing = true

	if code == 0 {
		code = websocket.CloseNormalClosure
		if cause == ServerStop {
			code = websocket.CloseGoingAway
		}
	}
	_ = h.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), time.Now().Add(writeWait))
	h.conn.Close()

	close(h.dataChan)
	h.cancel()
	h.Unlock()

	if cause != ServerStop {
		glog.V(5).Infof("session closed, cause: %d, %s", cause, h)
		// Ask for hub to remove this handler.
		h.hub.delHandler(h.session.SessionID)
	}
}

func (h *Handler) reply(msg *wire.ServerMsg) {
	if err := h.Send(msg); err != nil {
		glog.Errorf("reply %s to %s error: %v", msg.Type, h, err)
	}
}

func (h *Handler) replyError(err *wire.Error) {
	interceptError(err)
	h.reply(&wire.ServerMsg{Type: wire.TypeError, Error: err})
}

func sendServerMsg(conn *websocket.Conn, msg *wire.ServerMsg) error {
	out, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	conn.SetWriteDeadline(time.Now().Add(writeWait))
	return conn.WriteMessage(websocket.TextMessage, out)
}

func (h *Handler) recvLoop() {
	defer func() { glog.V(5).Infof("recvLoop(): exited, session: %s", h) }()

	h.conn.SetReadLimit(readLimit)
	h.conn.SetReadDeadline(time.Now().Add(pongWait))
	h.conn.SetPongHandler(func(s string) error {
		h.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for !h.isClosing() {
		msgType, msg, err := h.conn.ReadMessage()
		if err != nil {
			if !h.isClosing() {
				glog.V(5).Infof("recvLoop(): read error: %v, session: %s", err, h)
				h.stop(ReadError)
			}
			return
		}

		glog.V(5).Infof("recvLoop(): incoming client message: %s", msg)

		if msgType != websocket.TextMessage {
			glog.Errorf("recvLoop(): unexpected message type: %d", msgType)
			h.replyError(newInvalidArgumentError(nil, "websocket only supports TextMessage"))
			h.stop(BadRequest)
			return
		}

		req, err := wire.DecodeClientMsg(msg)
		if err != nil {
			glog.Errorf("recvLoop(): message error: msg: %s, err: %v", msg, err)
			framesTotal.WithLabelValues("unknown", "bad_request").Inc()
			h.replyError(newInvalidArgumentError(req, err.Error()))
			h.stop(BadRequest)
			return
		}

		h.serve(req)
	}
}

// serve handles one decoded client frame.
func (h *Handler) serve(req *wire.ClientMsg) {
	uid := h.session.UserID
	ctx := h.ctx
	var werr *wire.Error

	switch req.Type {
	case wire.TypeSend:
		var resp *wire.Accepted
		if resp, werr = h.api.Send(ctx, uid, req.Send); werr == nil {
			h.reply(&wire.ServerMsg{Type: wire.TypeAccepted, Accepted: resp})
		}
	case wire.TypeAck:
		werr = h.api.Ack(ctx, uid, req.Ack)
	case wire.TypeResync:
		var resp *wire.ResyncResp
		if resp, werr = h.api.Resync(ctx, uid, req.Resync); werr == nil {
			h.reply(&wire.ServerMsg{Type: wire.TypeResync, Resync: resp})
		}
	case wire.TypeHistory:
		var page *history.Page
		if page, werr = h.api.History(ctx, uid, req.History); werr == nil {
			h.reply(&wire.ServerMsg{Type: wire.TypeHistory, History: page})
		}
	case wire.TypeMarkRead:
		var resp *wire.MarkReadResp
		if resp, werr = h.api.MarkRead(ctx, uid, req.MarkRead); werr == nil {
			h.reply(&wire.ServerMsg{Type: wire.TypeMarkRead, MarkRead: resp})
		}
	}

	if werr != nil {
		glog.Errorf("recvLoop(): %s error: %v, session: %s", req.Type, werr, h)
		framesTotal.WithLabelValues(string(req.Type), string(werr.Code)).Inc()
		h.replyError(werr)
		return
	}
	framesTotal.WithLabelValues(string(req.Type), "ok").Inc()
}

func (h *Handler) sendLoop() {
	pingTicker := time.NewTicker(pingPeriod)
	defer func() {
		pingTicker.Stop()
		glog.V(5).Infof("sendLoop(): exited, session: %s", h)
	}()

	for {
		select {
		case v, ok := <-h.dataChan:
			if !ok { // chan was closed
				return
			}

			if v.Error > 0 {
				h.close(v.Error, v.CloseCode, v.CloseReason)
				return
			} else if v.ServerMsg == nil {
				glog.Errorf("sendLoop(), empty data from dataChan, session: %s", h)
				continue
			}

			if glog.V(7) {
				out, _ := json.Marshal(v.ServerMsg)
				glog.Infof("sendLoop(), get from data chan, value: %.100s, session: %s", out, h)
			}

			if err := sendServerMsg(h.conn, v.ServerMsg); err != nil {
				glog.Errorf("sendLoop(), error write message. session: %s, type: %s, err: %v", h, v.ServerMsg.Type, err)
				h.close(WriteError, websocket.CloseInternalServerErr, "")
				return
			}
		case <-pingTicker.C:
			h.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := h.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				glog.Errorf("sendLoop(), error write ping message. session: %s, err: %v", h, err)
				h.close(PingError, 0, "")
				return
			}
		}
	}
}

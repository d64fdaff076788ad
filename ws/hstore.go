package ws

import (
	"sort"
	"sync"
)

// memory handler store for local sessions, indexed by session id and by user.
type HandlerStore struct {
	sync.RWMutex
	handlers map[string]*Handler
	byUser   map[string]map[string]*Handler
}

func newHandlerStore() *HandlerStore {
	return &HandlerStore{
		handlers: make(map[string]*Handler),
		byUser:   make(map[string]map[string]*Handler),
	}
}

func (hs *HandlerStore) get(sid string) *Handler {
	hs.RLock()
	h := hs.handlers[sid]
	hs.RUnlock()
	return h
}

// del removes sid and returns the removed handler, or nil.
func (hs *HandlerStore) del(sid string) *Handler {
	hs.Lock()
	defer hs.Unlock()
	h, ok := hs.handlers[sid]
	if !ok {
		return nil
	}
	delete(hs.handlers, sid)
	uid := h.session.UserID
	if v := hs.byUser[uid]; v != nil {
		delete(v, sid)
		if len(v) == 0 {
			delete(hs.byUser, uid)
		}
	}
	sessionsGauge.Dec()
	return h
}

func (hs *HandlerStore) add(handler *Handler) {
	hs.Lock()
	sid, uid := handler.session.SessionID, handler.session.UserID
	hs.handlers[sid] = handler
	v, ok := hs.byUser[uid]
	if !ok {
		v = make(map[string]*Handler)
		hs.byUser[uid] = v
	}
	v[sid] = handler
	hs.Unlock()
	sessionsGauge.Inc()
}

// getByUid returns the sessions of uid, oldest first.
func (hs *HandlerStore) getByUid(uid string) []*Handler {
	hs.RLock()
	out := make([]*Handler, 0, len(hs.byUser[uid]))
	for _, h := range hs.byUser[uid] {
		out = append(out, h)
	}
	hs.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		a, b := out[i].session, out[j].session
		if !a.CreateTime.Equal(b.CreateTime) {
			return a.CreateTime.Before(b.CreateTime)
		}
		return a.SessionID < b.SessionID
	})
	return out
}

func (hs *HandlerStore) hasUser(uid string) bool {
	hs.RLock()
	defer hs.RUnlock()
	return len(hs.byUser[uid]) > 0
}

func (hs *HandlerStore) len() int {
	hs.RLock()
	defer hs.RUnlock()
	return len(hs.handlers)
}

func (hs *HandlerStore) close() {
	hs.RLock()
	handlers := make([]*Handler, 0, len(hs.handlers))
	for _, h := range hs.handlers {
		handlers = append(handlers, h)
	}
	hs.RUnlock()
	for _, h := range handlers {
		h.close(ServerStop, 0, "")
	}
}

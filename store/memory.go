package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/golang/glog"

	"github.com/mqy/minichat/chatstore"
	"github.com/mqy/minichat/delivery"
)

// memoryStore implements chatstore.IMessageStore in process memory. It backs single-node runs without
// MySQL and tests.
type memoryStore struct {
	sync.RWMutex
	now func() time.Time

	seqs  map[string]int64                // conversation id -> last seq
	convs map[string][]*chatstore.Message // conversation id -> messages, ascending seq
	byID  map[string]*chatstore.Message
}

func NewMemoryStore() *memoryStore {
	return &memoryStore{
		now:   func() time.Time { return time.Now().UTC() },
		seqs:  make(map[string]int64),
		convs: make(map[string][]*chatstore.Message),
		byID:  make(map[string]*chatstore.Message),
	}
}

func clone(m *chatstore.Message) *chatstore.Message {
	c := *m
	if m.ExpiresAt != nil {
		t := *m.ExpiresAt
		c.ExpiresAt = &t
	}
	return &c
}

func (s *memoryStore) Save(ctx context.Context, m *chatstore.Message) (*chatstore.Message, error) {
	if err := validateNew(m); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.Lock()
	defer s.Unlock()

	now := s.now()
	out := clone(m)
	out.MessageID = newMessageID(now)
	out.State = delivery.StatePersisted
	out.CreatedAt = now
	out.UpdatedAt = now

	s.seqs[out.ConversationID]++
	out.SequenceNumber = s.seqs[out.ConversationID]

	s.convs[out.ConversationID] = append(s.convs[out.ConversationID], out)
	s.byID[out.MessageID] = out

	glog.V(5).Infof("message saved: %s conversation: %s seq: %d", out.MessageID, out.ConversationID, out.SequenceNumber)
	return clone(out), nil
}

func (s *memoryStore) Get(ctx context.Context, messageID string) (*chatstore.Message, error) {
	s.RLock()
	defer s.RUnlock()
	m, ok := s.byID[messageID]
	if !ok || m.Expired(s.now()) {
		return nil, chatstore.ErrNotFound
	}
	return clone(m), nil
}

// live returns unexpired messages of a conversation in ascending seq. Caller holds the lock.
func (s *memoryStore) live(conversationID string, keep func(m *chatstore.Message) bool) []*chatstore.Message {
	now := s.now()
	var out []*chatstore.Message
	for _, m := range s.convs[conversationID] {
		if m.Expired(now) || (keep != nil && !keep(m)) {
			continue
		}
		out = append(out, clone(m))
	}
	return out
}

func (s *memoryStore) GetAllHistory(ctx context.Context, conversationID string) ([]*chatstore.Message, error) {
	s.RLock()
	defer s.RUnlock()
	return s.live(conversationID, nil), nil
}

func (s *memoryStore) GetContextWindow(ctx context.Context, conversationID string, seq int64, before, after int) ([]*chatstore.Message, error) {
	s.RLock()
	defer s.RUnlock()

	all := s.live(conversationID, nil)
	// index of the first message with seq >= pivot
	i := sort.Search(len(all), func(i int) bool { return all[i].SequenceNumber >= seq })

	start := i - before
	if start < 0 {
		start = 0
	}
	end := i
	if end < len(all) && all[end].SequenceNumber == seq {
		end++
	}
	end += after
	if end > len(all) {
		end = len(all)
	}
	return all[start:end], nil
}

func (s *memoryStore) Fetch(ctx context.Context, r chatstore.Range) ([]*chatstore.Message, error) {
	if r.Limit <= 0 {
		return nil, nil
	}

	s.RLock()
	var rows []*chatstore.Message
	switch r.Cursor {
	case chatstore.CursorBeforeSeq:
		rows = s.live(r.ConversationID, func(m *chatstore.Message) bool { return m.SequenceNumber < r.Seq })
	case chatstore.CursorAfterSeq:
		rows = s.live(r.ConversationID, func(m *chatstore.Message) bool { return m.SequenceNumber > r.Seq })
	case chatstore.CursorBeforeTime:
		rows = s.live(r.ConversationID, func(m *chatstore.Message) bool { return m.CreatedAt.Before(r.Time) })
	default:
		rows = s.live(r.ConversationID, nil)
	}
	s.RUnlock()

	if r.Descending() {
		rows = reversed(rows)
	}
	if len(rows) > r.Limit {
		rows = rows[:r.Limit]
	}
	return rows, nil
}

func (s *memoryStore) UpdateState(ctx context.Context, messageID string, state delivery.State) error {
	s.Lock()
	defer s.Unlock()
	if m, ok := s.byID[messageID]; ok && state > m.State {
		m.State = state
		m.UpdatedAt = s.now()
	}
	return nil
}

func (s *memoryStore) RecordAttempt(ctx context.Context, messageID string, failed bool) error {
	s.Lock()
	defer s.Unlock()
	if m, ok := s.byID[messageID]; ok {
		m.Attempts++
		if failed {
			m.Failures++
		}
		m.UpdatedAt = s.now()
	}
	return nil
}

func (s *memoryStore) DeleteExpired(ctx context.Context, now time.Time) (int64, error) {
	s.Lock()
	defer s.Unlock()

	var n int64
	for cid, msgs := range s.convs {
		kept := msgs[:0]
		for _, m := range msgs {
			if m.Expired(now) {
				delete(s.byID, m.MessageID)
				n++
				continue
			}
			kept = append(kept, m)
		}
		s.convs[cid] = kept
	}
	return n, nil
}

func (s *memoryStore) Close() error {
	return nil
}

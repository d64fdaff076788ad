package delivery

import (
	"sort"
	"sync"
)

// IRecordStore persists delivery records. Implementations must be safe for concurrent use; atomic
// read-validate-write per key is provided by Machine, not by the store.
type IRecordStore interface {
	// Get returns the record for key, ok is false when it does not exist.
	Get(key Key) (rec Record, ok bool, err error)

	// Put inserts or replaces a record.
	Put(rec Record) error

	// ListByRecipient returns the records of a recipient in the given state, ordered by message id.
	ListByRecipient(recipientID string, state State) ([]Record, error)

	Close() error
}

// MemoryStore is a process-local IRecordStore.
type MemoryStore struct {
	sync.RWMutex
	// recipientId -> messageId -> record
	kv map[string]map[string]Record
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		kv: make(map[string]map[string]Record),
	}
}

func (s *MemoryStore) Get(key Key) (Record, bool, error) {
	s.RLock()
	defer s.RUnlock()
	rec, ok := s.kv[key.RecipientID][key.MessageID]
	return rec, ok, nil
}

func (s *MemoryStore) Put(rec Record) error {
	if !rec.Key().Valid() {
		return ErrInvalidKey
	}
	s.Lock()
	v, ok := s.kv[rec.RecipientID]
	if !ok {
		v = make(map[string]Record)
		s.kv[rec.RecipientID] = v
	}
	v[rec.MessageID] = rec
	s.Unlock()
	return nil
}

func (s *MemoryStore) ListByRecipient(recipientID string, state State) ([]Record, error) {
	s.RLock()
	var out []Record
	for _, rec := range s.kv[recipientID] {
		if rec.State == state {
			out = append(out, rec)
		}
	}
	s.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		return out[i].MessageID < out[j].MessageID
	})
	return out, nil
}

func (s *MemoryStore) Len() int {
	s.RLock()
	defer s.RUnlock()
	n := 0
	for _, v := range s.kv {
		n += len(v)
	}
	return n
}

func (s *MemoryStore) Close() error {
	return nil
}

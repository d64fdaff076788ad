package delivery

import (
	"fmt"
	"hash/fnv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/golang/glog"
)

const (
	DefaultAckTimeout = 30 * time.Second
	MinAckTimeout     = time.Second

	lockStripes = 64
)

// ClampAckTimeout applies the default and the floor to a configured ACK timeout.
func ClampAckTimeout(d time.Duration) time.Duration {
	if d <= 0 {
		return DefaultAckTimeout
	}
	if d < MinAckTimeout {
		return MinAckTimeout
	}
	return d
}

// Failure is the diagnostic event emitted for every recorded delivery failure.
type Failure struct {
	Key    Key
	Reason FailureReason
	At     time.Time
}

type MachineCfg struct {
	AckTimeout time.Duration
	// OnFailure, if set, receives every recorded failure. It is never called with a key lock held.
	OnFailure func(Failure)
	Now       func() time.Time
}

// RecordSeed carries the message fields copied into every record of a fan-out.
type RecordSeed struct {
	MessageID      string
	ConversationID string
	SenderID       string
	PersistedAt    time.Time
}

type ackTimer struct {
	t *time.Timer
}

// Machine owns the delivery records: it validates and applies transitions, serializes all work on a
// key, and schedules the per-record ACK timeout.
type Machine struct {
	store      IRecordStore
	ackTimeout time.Duration
	onFailure  func(Failure)
	now        func() time.Time

	locks [lockStripes]sync.Mutex

	timersMu sync.Mutex
	timers   map[Key]*ackTimer
	closed   bool

	delivered atomic.Int64
}

func NewMachine(store IRecordStore, cfg MachineCfg) *Machine {
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &Machine{
		store:      store,
		ackTimeout: ClampAckTimeout(cfg.AckTimeout),
		onFailure:  cfg.OnFailure,
		now:        now,
		timers:     make(map[Key]*ackTimer),
	}
}

func (m *Machine) AckTimeout() time.Duration {
	return m.ackTimeout
}

// lock acquires the stripe guarding key and returns its unlock func.
func (m *Machine) lock(key Key) func() {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key.MessageID))
	_, _ = h.Write([]byte{0})
	_, _ = h.Write([]byte(key.RecipientID))
	mu := &m.locks[h.Sum32()%lockStripes]
	mu.Lock()
	return mu.Unlock
}

// Get returns the current record of (messageID, recipientID).
func (m *Machine) Get(messageID, recipientID string) (Record, bool) {
	rec, ok, err := m.store.Get(Key{MessageID: messageID, RecipientID: recipientID})
	if err != nil {
		glog.Errorf("delivery: get %s/%s error: %v", messageID, recipientID, err)
		return Record{}, false
	}
	return rec, ok
}

// CanDeliver reports whether the record exists, is PERSISTED and the recipient is online.
func (m *Machine) CanDeliver(messageID, recipientID string, receiverOnline bool) bool {
	rec, ok := m.Get(messageID, recipientID)
	if !ok {
		return false
	}
	return CanDeliverMessage(&rec, receiverOnline)
}

// CreateRecords creates one PERSISTED record per recipient. Existing records are left untouched, so
// calling it again for the same message is harmless.
func (m *Machine) CreateRecords(seed RecordSeed, recipients []string) ([]Record, error) {
	if seed.MessageID == "" {
		return nil, ErrInvalidKey
	}
	at := seed.PersistedAt
	if at.IsZero() {
		at = m.now()
	}

	out := make([]Record, 0, len(recipients))
	for _, rid := range recipients {
		if rid == "" {
			continue
		}
		key := Key{MessageID: seed.MessageID, RecipientID: rid}
		rec, err := func() (Record, error) {
			unlock := m.lock(key)
			defer unlock()

			if cur, ok, err := m.store.Get(key); err != nil {
				return Record{}, err
			} else if ok {
				return cur, nil
			}

			rec := Record{
				MessageID:      seed.MessageID,
				RecipientID:    rid,
				ConversationID: seed.ConversationID,
				SenderID:       seed.SenderID,
				State:          StatePersisted,
				PersistedAt:    at,
			}
			if err := m.store.Put(rec); err != nil {
				return Record{}, err
			}
			transitionsTotal.WithLabelValues(StatePersisted.String()).Inc()
			return rec, nil
		}()
		if err != nil {
			return out, fmt.Errorf("create record %s: %w", key, err)
		}
		out = append(out, rec)
	}
	return out, nil
}

// TransitionState moves a record one step along the transition table. It never panics; every
// failure is reported through Result.
func (m *Machine) TransitionState(messageID, recipientID string, to State) Result {
	key := Key{MessageID: messageID, RecipientID: recipientID}
	if !key.Valid() {
		return failResult(CodeInvalidArgument, ErrInvalidKey)
	}
	if !to.Valid() {
		return failResult(CodeInvalidArgument, fmt.Errorf("invalid target state %d", int(to)))
	}

	unlock := m.lock(key)
	defer unlock()

	rec, ok, err := m.store.Get(key)
	if err != nil {
		return failResult(CodeStoreError, err)
	}
	if !ok {
		return failResult(CodeRecordNotFound, ErrRecordNotFound)
	}
	if !CanTransition(rec.State, to) {
		return failResult(CodeInvalidTransition, &DeliveryNotAllowedError{From: rec.State, To: to})
	}

	next := rec
	next.State = to
	next.stamp(to, m.now())
	if err := m.commitLocked(rec.State, next); err != nil {
		return failResult(CodeStoreError, err)
	}
	glog.V(5).Infof("delivery: %s %s -> %s", key, rec.State, to)
	return okResult(next)
}

// ApplyAck applies a client ACK to the recipient's record.
func (m *Machine) ApplyAck(recipientID string, ack Ack) (AckResult, error) {
	if err := ack.Validate(); err != nil {
		acksTotal.WithLabelValues(string(ack.Type), "invalid").Inc()
		return AckResult{}, err
	}
	if recipientID == "" {
		acksTotal.WithLabelValues(string(ack.Type), "invalid").Inc()
		return AckResult{}, &InvalidAckError{Reason: "recipient id is required"}
	}

	key := Key{MessageID: ack.MessageID, RecipientID: recipientID}
	unlock := m.lock(key)
	defer unlock()

	rec, ok, err := m.store.Get(key)
	if err != nil {
		return AckResult{}, err
	}
	if !ok {
		acksTotal.WithLabelValues(string(ack.Type), "unknown").Inc()
		return AckResult{}, ErrRecordNotFound
	}

	next, res, err := ProcessAck(rec, ack, m.now())
	if err != nil {
		acksTotal.WithLabelValues(string(ack.Type), "rejected").Inc()
		return res, err
	}
	if !res.Processed {
		acksTotal.WithLabelValues(string(ack.Type), "duplicate").Inc()
		return res, nil
	}
	if err := m.commitLocked(rec.State, next); err != nil {
		return AckResult{}, err
	}
	acksTotal.WithLabelValues(string(ack.Type), "processed").Inc()
	res.Record = next
	return res, nil
}

// ForceMarkAsRead sets a record to READ regardless of its current state, creating it first when it
// does not exist. It backfills DeliveredAt. Only the mark-read-by-cursor path uses it.
func (m *Machine) ForceMarkAsRead(messageID, recipientID string) (Record, error) {
	key := Key{MessageID: messageID, RecipientID: recipientID}
	if !key.Valid() {
		return Record{}, ErrInvalidKey
	}

	unlock := m.lock(key)
	defer unlock()

	now := m.now()
	rec, ok, err := m.store.Get(key)
	if err != nil {
		return Record{}, err
	}
	if !ok {
		rec = Record{
			MessageID:   messageID,
			RecipientID: recipientID,
			State:       StatePersisted,
			PersistedAt: now,
		}
	}
	if rec.State == StateRead {
		return rec, nil
	}

	prev := rec.State
	if rec.DeliveredAt.IsZero() {
		rec.DeliveredAt = now
	}
	rec.State = StateRead
	rec.ReadAt = now
	if err := m.commitLocked(prev, rec); err != nil {
		return Record{}, err
	}
	return rec, nil
}

// RecordDeliveryFailure records a failed attempt. The record keeps its state so that it stays
// eligible for retry or replay. A failed write cancels the pending ACK timer of the record, so one
// attempt never also times out.
func (m *Machine) RecordDeliveryFailure(messageID, recipientID string, reason FailureReason) {
	if !reason.Valid() {
		glog.Errorf("delivery: unknown failure reason %q for %s/%s", reason, messageID, recipientID)
		return
	}
	if reason == FailureSendError || reason == FailureBackpressure {
		key := Key{MessageID: messageID, RecipientID: recipientID}
		unlock := m.lock(key)
		m.cancelTimer(key)
		unlock()
	}
	failuresTotal.WithLabelValues(string(reason)).Inc()
	glog.V(5).Infof("delivery: failure %s for %s/%s", reason, messageID, recipientID)

	if m.onFailure != nil {
		m.onFailure(Failure{
			Key:    Key{MessageID: messageID, RecipientID: recipientID},
			Reason: reason,
			At:     m.now(),
		})
	}
}

// RecordFailuresForDisconnectedUser cancels the ACK timers of every SENT record of userID and
// records SOCKET_CLOSED for each. It returns the number of records affected.
func (m *Machine) RecordFailuresForDisconnectedUser(userID string) int {
	if userID == "" {
		return 0
	}
	recs, err := m.store.ListByRecipient(userID, StateSent)
	if err != nil {
		glog.Errorf("delivery: list sent records of %s error: %v", userID, err)
		return 0
	}

	n := 0
	for _, rec := range recs {
		key := rec.Key()
		unlock := m.lock(key)
		cur, ok, err := m.store.Get(key)
		stillSent := err == nil && ok && cur.State == StateSent
		if stillSent {
			m.cancelTimer(key)
		}
		unlock()

		if stillSent {
			n++
			m.RecordDeliveryFailure(key.MessageID, key.RecipientID, FailureSocketClosed)
		}
	}
	if n > 0 {
		glog.Infof("delivery: user %s disconnected with %d unacknowledged messages", userID, n)
	}
	return n
}

// DeliveredCount returns the number of records this machine moved into DELIVERED.
func (m *Machine) DeliveredCount() int64 {
	return m.delivered.Load()
}

// PendingTimers returns the number of armed ACK timers.
func (m *Machine) PendingTimers() int {
	m.timersMu.Lock()
	defer m.timersMu.Unlock()
	return len(m.timers)
}

// Close stops all ACK timers. Records are left as they are.
func (m *Machine) Close() {
	m.timersMu.Lock()
	defer m.timersMu.Unlock()
	for key, at := range m.timers {
		at.t.Stop()
		delete(m.timers, key)
	}
	ackTimersArmed.Set(0)
	m.closed = true
}

// commitLocked persists next and runs the side effects of leaving prev. Caller holds the key lock.
func (m *Machine) commitLocked(prev State, next Record) error {
	if err := m.store.Put(next); err != nil {
		return err
	}

	key := next.Key()
	if prev == StateSent && next.State != StateSent {
		m.cancelTimer(key)
	}
	if next.State == StateSent && prev != StateSent {
		m.armTimer(key)
	}
	if next.State == StateDelivered && prev != StateDelivered {
		m.delivered.Add(1)
		deliveredTotal.Inc()
	}
	if prev != next.State {
		transitionsTotal.WithLabelValues(next.State.String()).Inc()
	}
	return nil
}

func (m *Machine) armTimer(key Key) {
	m.timersMu.Lock()
	defer m.timersMu.Unlock()
	if m.closed {
		return
	}
	if old, ok := m.timers[key]; ok {
		old.t.Stop()
		ackTimersArmed.Dec()
	}
	at := &ackTimer{}
	at.t = time.AfterFunc(m.ackTimeout, func() { m.ackTimedOut(key, at) })
	m.timers[key] = at
	ackTimersArmed.Inc()
}

func (m *Machine) cancelTimer(key Key) {
	m.timersMu.Lock()
	defer m.timersMu.Unlock()
	if at, ok := m.timers[key]; ok {
		at.t.Stop()
		delete(m.timers, key)
		ackTimersArmed.Dec()
	}
}

// ackTimedOut runs on the timer goroutine. A timer that was cancelled or replaced after it fired is
// no longer the registered one and does nothing.
func (m *Machine) ackTimedOut(key Key, at *ackTimer) {
	unlock := m.lock(key)

	m.timersMu.Lock()
	if m.timers[key] != at {
		m.timersMu.Unlock()
		unlock()
		return
	}
	delete(m.timers, key)
	ackTimersArmed.Dec()
	m.timersMu.Unlock()

	rec, ok, err := m.store.Get(key)
	stillSent := err == nil && ok && rec.State == StateSent
	unlock()

	if stillSent {
		glog.Warningf("delivery: ack timeout after %s for %s", m.ackTimeout, key)
		m.RecordDeliveryFailure(key.MessageID, key.RecipientID, FailureAckTimeout)
	}
}

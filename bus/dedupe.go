package bus

import (
	"sync"
	"time"
)

const (
	DefaultDedupeTTL        = 120 * time.Second
	DefaultDedupeMaxEntries = 5000
)

// Dedupe remembers recently applied event keys. It holds at most max keys; on overflow expired keys
// are pruned first, then the keys closest to expiry are evicted.
type Dedupe struct {
	mu      sync.Mutex
	ttl     time.Duration
	max     int
	entries map[string]time.Time
	now     func() time.Time
}

func NewDedupe(ttl time.Duration, max int) *Dedupe {
	if ttl <= 0 {
		ttl = DefaultDedupeTTL
	}
	if max <= 0 {
		max = DefaultDedupeMaxEntries
	}
	return &Dedupe{
		ttl:     ttl,
		max:     max,
		entries: make(map[string]time.Time),
		now:     time.Now,
	}
}

// CheckAndMark returns true if key was seen within the TTL. Otherwise it records key and returns
// false.
func (d *Dedupe) CheckAndMark(key string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	now := d.now()
	if exp, ok := d.entries[key]; ok && now.Before(exp) {
		return true
	}
	d.entries[key] = now.Add(d.ttl)
	if len(d.entries) > d.max {
		d.shrink(now)
	}
	dedupeEntries.Set(float64(len(d.entries)))
	return false
}

// Forget drops key so a redelivery of the same event is applied again.
func (d *Dedupe) Forget(key string) {
	d.mu.Lock()
	delete(d.entries, key)
	dedupeEntries.Set(float64(len(d.entries)))
	d.mu.Unlock()
}

func (d *Dedupe) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.entries)
}

func (d *Dedupe) shrink(now time.Time) {
	for k, exp := range d.entries {
		if !now.Before(exp) {
			delete(d.entries, k)
		}
	}
	for len(d.entries) > d.max {
		var oldest string
		var oldestExp time.Time
		for k, exp := range d.entries {
			if oldest == "" || exp.Before(oldestExp) {
				oldest, oldestExp = k, exp
			}
		}
		delete(d.entries, oldest)
	}
}

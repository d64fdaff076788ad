package bus

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func newTestDedupe(ttl time.Duration, max int) (*Dedupe, *time.Time) {
	clock := time.Unix(1700000000, 0)
	d := NewDedupe(ttl, max)
	d.now = func() time.Time { return clock }
	return d, &clock
}

func TestDedupeCheckAndMark(t *testing.T) {
	d, clock := newTestDedupe(10*time.Second, 100)

	assert.False(t, d.CheckAndMark("m1"))
	assert.True(t, d.CheckAndMark("m1"))
	assert.False(t, d.CheckAndMark("m2"))

	*clock = clock.Add(10 * time.Second)
	assert.False(t, d.CheckAndMark("m1"), "expired keys are applied again")
	assert.True(t, d.CheckAndMark("m1"))

	d.Forget("m1")
	assert.False(t, d.CheckAndMark("m1"))
}

func TestDedupeBound(t *testing.T) {
	d, clock := newTestDedupe(time.Minute, 5)

	for i := 0; i < 50; i++ {
		*clock = clock.Add(time.Second)
		d.CheckAndMark(fmt.Sprintf("m%d", i))
		assert.LessOrEqual(t, d.Len(), 5)
	}
	assert.Equal(t, 5, d.Len())

	// the newest keys survive, the oldest were evicted.
	assert.True(t, d.CheckAndMark("m49"))
	assert.True(t, d.CheckAndMark("m45"))
	assert.False(t, d.CheckAndMark("m0"))
}

func TestDedupePrunesExpiredBeforeEvicting(t *testing.T) {
	d, clock := newTestDedupe(10*time.Second, 3)

	d.CheckAndMark("old1")
	d.CheckAndMark("old2")
	*clock = clock.Add(5 * time.Second)
	d.CheckAndMark("fresh")
	*clock = clock.Add(6 * time.Second)

	// old1 and old2 have expired, fresh has not: overflow prunes the expired pair only.
	d.CheckAndMark("new1")
	d.CheckAndMark("new2")
	assert.Equal(t, 3, d.Len())
	assert.True(t, d.CheckAndMark("fresh"))
	assert.True(t, d.CheckAndMark("new1"))
	assert.True(t, d.CheckAndMark("new2"))
}

func TestBackoff(t *testing.T) {
	var d time.Duration
	Backoff(&d)
	assert.Equal(t, BackoffMinInterval, d)
	Backoff(&d)
	assert.Equal(t, 1500*time.Millisecond, d)
	for i := 0; i < 20; i++ {
		Backoff(&d)
		assert.True(t, d >= BackoffMinInterval && d < BackoffMaxInterval, "%s", d)
	}
}

package timingwheel

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestScheduleFiresAfterDeadline(t *testing.T) {
	w := New(10*time.Millisecond, 64)
	w.Start()
	defer w.Stop()

	var fired atomic.Bool
	w.Schedule(time.Now().Add(30*time.Millisecond), func() { fired.Store(true) })

	require.Eventually(t, fired.Load, time.Second, 5*time.Millisecond)
}

func TestCancelPreventsFiring(t *testing.T) {
	w := New(10*time.Millisecond, 64)
	w.Start()
	defer w.Stop()

	var fired atomic.Bool
	id := w.Schedule(time.Now().Add(30*time.Millisecond), func() { fired.Store(true) })
	require.True(t, w.Cancel(id))

	time.Sleep(100 * time.Millisecond)
	require.False(t, fired.Load())
}

func TestCancelAfterFireReturnsFalse(t *testing.T) {
	w := New(10*time.Millisecond, 64)
	w.Start()
	defer w.Stop()

	var fired atomic.Bool
	id := w.Schedule(time.Now().Add(20*time.Millisecond), func() { fired.Store(true) })
	require.Eventually(t, fired.Load, time.Second, 5*time.Millisecond)

	require.False(t, w.Cancel(id))
}

func TestOverflowEntriesMigrateIntoRing(t *testing.T) {
	// revolution span = 5 * 10ms = 50ms; schedule well beyond it.
	w := New(10*time.Millisecond, 5)
	w.Start()
	defer w.Stop()

	var fired atomic.Bool
	w.Schedule(time.Now().Add(150*time.Millisecond), func() { fired.Store(true) })

	require.Never(t, fired.Load, 80*time.Millisecond, 10*time.Millisecond)
	require.Eventually(t, fired.Load, time.Second, 5*time.Millisecond)
}

func TestMultipleTimersFireIndependently(t *testing.T) {
	w := New(5*time.Millisecond, 64)
	w.Start()
	defer w.Stop()

	var count atomic.Int64
	for i := 0; i < 20; i++ {
		w.Schedule(time.Now().Add(time.Duration(i+1)*5*time.Millisecond), func() {
			count.Add(1)
		})
	}

	require.Eventually(t, func() bool { return count.Load() == 20 }, time.Second, 10*time.Millisecond)
}

package vacuum

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStatus_NewStatusStartsClear(t *testing.T) {
	t.Parallel()

	s := NewStatus()

	assert.False(t, s.Modified())
	assert.False(t, s.Done())
	assert.False(t, s.WatchRunning())
}

func TestStatus_FlagRoundTrip(t *testing.T) {
	t.Parallel()

	s := NewStatus()

	s.SetModified(true)
	assert.True(t, s.Modified())
	s.SetModified(false)
	assert.False(t, s.Modified())

	s.SetDone(true)
	assert.True(t, s.Done())

	s.SetWatchRunning(true)
	assert.True(t, s.WatchRunning())
	s.SetWatchRunning(false)
	assert.False(t, s.WatchRunning())
}

func TestStatus_SignalStartWatchWakesWaiter(t *testing.T) {
	t.Parallel()

	s := NewStatus()

	woke := make(chan struct{})

	go func() {
		s.WaitStartWatch()
		close(woke)
	}()

	// Give the waiter a chance to actually reach Wait before signalling;
	// this is a timing aid, not a correctness requirement, since a missed
	// window would just make the test slower, never wrong.
	time.Sleep(10 * time.Millisecond)
	s.SignalStartWatch()

	select {
	case <-woke:
	case <-time.After(time.Second):
		t.Fatal("WaitStartWatch did not wake within 1s of SignalStartWatch")
	}
}

func TestStatus_SignalStartWatchWakesAllWaiters(t *testing.T) {
	t.Parallel()

	s := NewStatus()

	const waiters = 3
	woke := make(chan struct{}, waiters)

	for i := 0; i < waiters; i++ {
		go func() {
			s.WaitStartWatch()
			woke <- struct{}{}
		}()
	}

	time.Sleep(10 * time.Millisecond)
	s.SignalStartWatch()

	for i := 0; i < waiters; i++ {
		select {
		case <-woke:
		case <-time.After(time.Second):
			require.Fail(t, "not all waiters woke within 1s of SignalStartWatch")
		}
	}
}

// Package vacuum implements the store's background compaction engine: a
// copy task that rebuilds the live set into a fresh file, a watch task that
// detects concurrent external activity on the source, and a quit task that
// reacts to shutdown signals. The three are coordinated purely through
// Status, matching the original implementation's cooperating-threads design
// (original_source/lib/core/vacuum_intf.cpp and include/pstore/vacuum/status.hpp).
package vacuum

import "sync"

// Status is the cross-goroutine coordination block shared by the copy,
// watch, and quit tasks. modified is set by watch whenever it observes
// external activity on the source during a copy cycle; done is set once by
// whichever task decides the whole run is over (a completed cycle, or a
// shutdown signal); watchRunning tracks whether the watch task is currently
// between its start-of-copy release and the done check that ends it.
type Status struct {
	mu           sync.Mutex
	modified     bool
	done         bool
	watchRunning bool

	startWatchCV *sync.Cond
}

// NewStatus creates a Status with all flags clear.
func NewStatus() *Status {
	s := &Status{}
	s.startWatchCV = sync.NewCond(&s.mu)

	return s
}

// Modified reports whether the watch task has observed external activity
// since the last time it was cleared.
func (s *Status) Modified() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.modified
}

// SetModified updates the modified flag.
func (s *Status) SetModified(v bool) {
	s.mu.Lock()
	s.modified = v
	s.mu.Unlock()
}

// Done reports whether the vacuum run as a whole should stop.
func (s *Status) Done() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.done
}

// SetDone marks the run finished; it does not itself wake the watch task,
// since a shutdown signal and a normal completion wake it differently (see
// SignalStartWatch).
func (s *Status) SetDone(v bool) {
	s.mu.Lock()
	s.done = v
	s.mu.Unlock()
}

// WatchRunning reports whether the watch task is currently active.
func (s *Status) WatchRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.watchRunning
}

// SetWatchRunning updates the watch-running flag.
func (s *Status) SetWatchRunning(v bool) {
	s.mu.Lock()
	s.watchRunning = v
	s.mu.Unlock()
}

// SignalStartWatch wakes any task blocked in WaitStartWatch: the copy task
// calls it once the source has been synced to head at the start of a cycle,
// and the quit task calls it on a shutdown signal so a watch task still
// waiting for its first cycle does not block forever.
func (s *Status) SignalStartWatch() {
	s.mu.Lock()
	s.startWatchCV.Broadcast()
	s.mu.Unlock()
}

// WaitStartWatch blocks until SignalStartWatch is called.
func (s *Status) WaitStartWatch() {
	s.mu.Lock()
	s.startWatchCV.Wait()
	s.mu.Unlock()
}

package indexer

import (
	"sync"

	"go.uber.org/atomic"
)

// LifecycleState is the coarse execution phase of a worker, observable by
// supervisors. Legal transitions are:
//
//	Created -> Initialized -> Started -> InProgress <-> InProgress
//	                                          |
//	                                   Stopped | Failed (terminal)
type LifecycleState int

const (
	StateCreated LifecycleState = iota
	StateInitialized
	StateStarted
	StateInProgress
	StateStopped
	StateFailed
)

func (s LifecycleState) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateInitialized:
		return "initialized"
	case StateStarted:
		return "started"
	case StateInProgress:
		return "in_progress"
	case StateStopped:
		return "stopped"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// IsTerminal reports whether s is one from which no further transition is
// legal.
func (s LifecycleState) IsTerminal() bool {
	return s == StateStopped || s == StateFailed
}

// JobStatus is an immutable snapshot of a worker's lifecycle state and
// offset progress, safe to read from any goroutine.
type JobStatus struct {
	Partition           int32
	State               LifecycleState
	LastCommittedOffset int64
}

// statusTracker is the mutable, concurrently-observed backing store for
// JobStatus. lastCommittedOffset is split into its own atomic, following the
// teacher's pattern (fetcher.go's bufferedFetchedRecords/bufferedFetchedBytes)
// of using go.uber.org/atomic for hot scalars instead of locking every read;
// state still needs the mutex because transitions must be validated together
// with being read as a whole.
type statusTracker struct {
	partition int32

	mu    sync.Mutex
	state LifecycleState

	lastCommittedOffset *atomic.Int64
}

func newStatusTracker(partition int32) *statusTracker {
	return &statusTracker{
		partition:           partition,
		state:               StateCreated,
		lastCommittedOffset: atomic.NewInt64(0),
	}
}

func (t *statusTracker) setState(s LifecycleState) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state.IsTerminal() {
		// No transition leaves a terminal state.
		return
	}
	t.state = s
}

func (t *statusTracker) setLastCommittedOffset(offset int64) {
	t.lastCommittedOffset.Store(offset)
}

func (t *statusTracker) snapshot() JobStatus {
	t.mu.Lock()
	state := t.state
	t.mu.Unlock()

	return JobStatus{
		Partition:           t.partition,
		State:               state,
		LastCommittedOffset: t.lastCommittedOffset.Load(),
	}
}

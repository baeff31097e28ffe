package service

import (
	"context"
	"sync"
	"time"
)

// inflight tracks runs executing in this process so Kill can stop them and
// so the final write of a run never lands on top of a kill. It also lets
// shutdown wait until every started run has published its terminal event.
type inflight struct {
	mu      sync.Mutex
	entries map[string]*flight

	// active counts started runs whose caller has not called release yet;
	// it outlives the entry, which finish removes before the last publish.
	active  int
	closing bool
	idle    chan struct{} // closed once closing and active reaches zero
}

type flight struct {
	mu      sync.Mutex
	cancel  context.CancelCauseFunc
	started time.Time
	killed  bool
}

func newInflight() *inflight {
	return &inflight{
		entries: make(map[string]*flight),
		idle:    make(chan struct{}),
	}
}

// start registers id and returns the context its run must use. The context
// is detached from parent's cancellation: a client hanging up does not abort
// a run, only kill and shutdown do. It fails with ErrInFlight if id is
// already running and with ErrShuttingDown once shutdown began. Every
// successful start must be paired with release.
func (f *inflight) start(parent context.Context, id string, now time.Time) (ctx context.Context, fl *flight, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closing {
		return nil, nil, ErrShuttingDown
	}
	if _, busy := f.entries[id]; busy {
		return nil, nil, ErrInFlight
	}
	ctx, cancel := context.WithCancelCause(context.WithoutCancel(parent))
	fl = &flight{cancel: cancel, started: now}
	f.entries[id] = fl
	f.active++
	return ctx, fl, nil
}

// release marks a started run as fully reported.
func (f *inflight) release() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.active--
	if f.closing && f.active == 0 {
		close(f.idle)
	}
}

// guard runs write unless the flight was killed. It reports whether write ran.
func (f *inflight) guard(fl *flight, write func() error) (wrote bool, err error) {
	fl.mu.Lock()
	defer fl.mu.Unlock()
	if fl.killed {
		return false, nil
	}
	return true, write()
}

// finish runs write unless the flight was killed, then forgets id. It
// reports whether write ran.
func (f *inflight) finish(id string, fl *flight, write func() error) (wrote bool, err error) {
	fl.mu.Lock()
	if !fl.killed {
		err = write()
		wrote = true
	}
	fl.mu.Unlock()

	f.mu.Lock()
	if f.entries[id] == fl {
		delete(f.entries, id)
	}
	f.mu.Unlock()
	fl.cancel(nil)
	return wrote, err
}

// kill cancels id's run if it is in flight, then runs write while holding
// the flight so the run's own write cannot interleave. started is the run's
// start time, zero if id was not in flight.
func (f *inflight) kill(id string, write func(started time.Time) error) error {
	f.mu.Lock()
	fl := f.entries[id]
	f.mu.Unlock()

	if fl == nil {
		return write(time.Time{})
	}

	fl.mu.Lock()
	defer fl.mu.Unlock()
	fl.killed = true
	fl.cancel(ErrKilled)
	return write(fl.started)
}

func (f *inflight) len() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.entries)
}

// shutdown refuses new runs, stops every running one with cause and returns
// a channel closed once all of them are released.
func (f *inflight) shutdown(cause error) <-chan struct{} {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closing {
		return f.idle
	}
	f.closing = true
	for _, fl := range f.entries {
		fl.cancel(cause)
	}
	if f.active == 0 {
		close(f.idle)
	}
	return f.idle
}

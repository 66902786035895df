package timer

import (
	"sync"
	"time"
)

// State is the lifecycle position of a Timer.
type State int

const (
	// Scheduled timers are armed and will fire unless cancelled.
	Scheduled State = iota
	// Fired timers have run their callback. Terminal.
	Fired
	// Cancelled timers were stopped before firing. Terminal.
	Cancelled
)

func (s State) String() string {
	switch s {
	case Scheduled:
		return "scheduled"
	case Fired:
		return "fired"
	case Cancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// Func is the body of a timer. A returned error is logged by the registry
// and does not affect other timers.
type Func func(t *Timer) error

// When describes how far in the future a timer fires. It is re-evaluated
// every time the timer is armed, so Computed durations see current state.
type When struct {
	d  time.Duration
	at time.Time
	fn func() time.Duration
}

// In fires after d.
func In(d time.Duration) When { return When{d: d} }

// At fires at t. Times in the past fire immediately.
func At(t time.Time) When { return When{at: t} }

// Computed asks fn for the delay each time the timer is armed. fn must not
// call methods on the timer it belongs to.
func Computed(fn func() time.Duration) When { return When{fn: fn} }

func (w When) delay(now time.Time) time.Duration {
	var d time.Duration
	switch {
	case w.fn != nil:
		d = w.fn()
	case !w.at.IsZero():
		d = w.at.Sub(now)
	default:
		d = w.d
	}
	if d < 0 {
		return 0
	}
	return d
}

// Timer is a single scheduled callback owned by a Registry.
//
// Thread Safety:
//   - All methods are safe for concurrent use.
type Timer struct {
	registry *Registry
	id       string
	site     string // non-empty for reentrant timers
	created  time.Time

	mu        sync.Mutex
	fn        Func
	when      When
	state     State
	executeAt time.Time
	handle    Handle
	gen       uint64 // bumped on every arm; stale callbacks compare against it
}

// Info is a read-only snapshot of a timer, used by the API.
type Info struct {
	ID        string    `json:"id,omitempty"`
	Scope     string    `json:"scope"`
	State     string    `json:"state"`
	ExecuteAt time.Time `json:"execute_at"`
	CreatedAt time.Time `json:"created_at"`
	Reentrant bool      `json:"reentrant"`
	Site      string    `json:"site,omitempty"`
}

// ID returns the timer's id, or "" for anonymous timers.
func (t *Timer) ID() string { return t.id }

// State returns the current lifecycle state.
func (t *Timer) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// IsActive reports whether the timer is still scheduled.
func (t *Timer) IsActive() bool { return t.State() == Scheduled }

// ExecutionTime returns when the timer is due, as of its last arming.
func (t *Timer) ExecutionTime() time.Time {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.executeAt
}

// Cancel stops the timer. It returns false if the timer had already fired
// or been cancelled.
func (t *Timer) Cancel() bool {
	r := t.registry
	r.mu.Lock()
	ok := t.stop()
	if ok {
		r.forget(t)
	}
	r.mu.Unlock()

	if ok {
		r.notify(EventCancelled, t)
	}
	return ok
}

// Reschedule re-arms a scheduled timer for d from now. A non-positive d
// reuses the timer's original When. It returns false for terminal timers.
func (t *Timer) Reschedule(d time.Duration) bool {
	t.mu.Lock()
	if t.state != Scheduled {
		t.mu.Unlock()
		return false
	}
	t.handle.Stop()
	when := t.when
	if d > 0 {
		when = In(d)
	}
	t.arm(when)
	t.mu.Unlock()

	t.registry.notify(EventRescheduled, t)
	return true
}

// Info returns a snapshot of the timer.
func (t *Timer) Info() Info {
	t.mu.Lock()
	defer t.mu.Unlock()
	return Info{
		ID:        t.id,
		Scope:     t.registry.scope,
		State:     t.state.String(),
		ExecuteAt: t.executeAt,
		CreatedAt: t.created,
		Reentrant: t.site != "",
		Site:      t.site,
	}
}

// arm schedules the physical callback for when. Caller holds t.mu.
func (t *Timer) arm(when When) {
	clock := t.registry.clock
	now := clock.Now()
	d := when.delay(now)

	t.gen++
	gen := t.gen
	t.executeAt = now.Add(d)
	t.handle = clock.AfterFunc(d, func() { t.registry.fire(t, gen) })
}

// stop moves a scheduled timer to Cancelled. Caller holds the registry lock.
func (t *Timer) stop() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state != Scheduled {
		return false
	}
	t.state = Cancelled
	t.handle.Stop()
	return true
}

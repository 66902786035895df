package timer

import (
	"fmt"
	"path/filepath"
	"runtime"
	"sort"
	"sync"
	"time"
)

// Logger defines the logging interface used by the registry.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

// EventType identifies a timer lifecycle transition reported to observers.
type EventType string

const (
	EventScheduled   EventType = "timer.scheduled"
	EventRescheduled EventType = "timer.rescheduled"
	EventFired       EventType = "timer.fired"
	EventCancelled   EventType = "timer.cancelled"
	EventFailed      EventType = "timer.failed"
)

// Event is delivered to observers after the transition has happened.
type Event struct {
	Type  EventType
	Timer Info
	Err   error // set for EventFailed
}

// ReentrantKey identifies a reentrant timer: the user-visible id plus the
// call site that declared it.
type ReentrantKey struct {
	ID   string
	Site string
}

// CallSite returns "file:line" of the caller skip frames above CallSite.
// CallSite(0) identifies the line that called CallSite.
func CallSite(skip int) string {
	_, file, line, ok := runtime.Caller(skip + 1)
	if !ok {
		return "unknown"
	}
	return fmt.Sprintf("%s:%d", filepath.ToSlash(file), line)
}

// Option configures Schedule.
type Option func(*scheduleOptions)

type scheduleOptions struct {
	id    string
	reuse bool
}

// WithID registers the timer under id. Scheduling again with the same id
// cancels and replaces the previous timer.
func WithID(id string) Option {
	return func(o *scheduleOptions) { o.id = id }
}

// Reuse makes Schedule return the existing scheduled timer for the id
// unchanged instead of replacing it.
func Reuse() Option {
	return func(o *scheduleOptions) { o.reuse = true }
}

// Registry owns a set of timers sharing one Clock. Rule sets each own a
// Registry so unloading a set can cancel everything it scheduled.
//
// Thread Safety:
//   - All methods are safe for concurrent use, including from timer callbacks.
//   - Callbacks run without any registry lock held.
type Registry struct {
	scope  string
	clock  Clock
	logger Logger

	mu        sync.Mutex
	active    map[*Timer]struct{}
	byID      map[string]*Timer
	sites     map[string]string // reentrant id -> declaring call site
	observers []func(Event)
}

// NewRegistry creates a registry. A nil clock uses the wall clock and a nil
// logger discards output.
func NewRegistry(scope string, clock Clock, logger Logger) *Registry {
	if clock == nil {
		clock = System()
	}
	if logger == nil {
		logger = noopLogger{}
	}
	return &Registry{
		scope:  scope,
		clock:  clock,
		logger: logger,
		active: make(map[*Timer]struct{}),
		byID:   make(map[string]*Timer),
		sites:  make(map[string]string),
	}
}

// Scope returns the name the registry was created with.
func (r *Registry) Scope() string { return r.scope }

// Clock returns the registry's time source.
func (r *Registry) Clock() Clock { return r.clock }

// Observe registers fn to receive lifecycle events. Observers are called
// synchronously and must not block.
func (r *Registry) Observe(fn func(Event)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.observers = append(r.observers, fn)
}

// After is shorthand for Schedule(In(d), fn, opts...).
func (r *Registry) After(d time.Duration, fn Func, opts ...Option) *Timer {
	return r.Schedule(In(d), fn, opts...)
}

// Schedule arms a new timer. With WithID, an existing scheduled timer under
// the same id is cancelled and replaced, or returned untouched when Reuse
// is also given.
func (r *Registry) Schedule(when When, fn Func, opts ...Option) *Timer {
	var o scheduleOptions
	for _, opt := range opts {
		opt(&o)
	}

	var replaced *Timer

	r.mu.Lock()
	if o.id != "" {
		if existing := r.byID[o.id]; existing != nil {
			if o.reuse && existing.IsActive() {
				r.mu.Unlock()
				return existing
			}
			if existing.stop() {
				replaced = existing
			}
			r.forget(existing)
		}
	}
	t := r.newTimer(o.id, "", when, fn)
	r.mu.Unlock()

	if replaced != nil {
		r.logger.Debug("timer replaced", "scope", r.scope, "timer", o.id)
		r.notify(EventCancelled, replaced)
	}
	r.notify(EventScheduled, t)
	return t
}

// Reentrant schedules or restarts the timer identified by key. Calling it
// again from the same site while the timer is scheduled restarts the
// countdown with the new when and fn. Using key.ID from a different site
// fails with ErrInvalidReentrantUsage.
func (r *Registry) Reentrant(key ReentrantKey, when When, fn Func) (*Timer, error) {
	if key.ID == "" || key.Site == "" {
		return nil, fmt.Errorf("%w: id and site are required", ErrInvalidReentrantUsage)
	}

	r.mu.Lock()
	if site, ok := r.sites[key.ID]; ok && site != key.Site {
		r.mu.Unlock()
		return nil, fmt.Errorf("%w: %q declared at %s, used at %s", ErrInvalidReentrantUsage, key.ID, site, key.Site)
	}
	r.sites[key.ID] = key.Site

	existing := r.byID[key.ID]
	if existing != nil && existing.site == key.Site {
		existing.mu.Lock()
		if existing.state == Scheduled {
			existing.handle.Stop()
			existing.fn = fn
			existing.when = when
			existing.arm(when)
			existing.mu.Unlock()
			r.mu.Unlock()
			r.notify(EventRescheduled, existing)
			return existing, nil
		}
		existing.mu.Unlock()
	}

	var replaced *Timer
	if existing != nil {
		if existing.stop() {
			replaced = existing
		}
		r.forget(existing)
	}
	t := r.newTimer(key.ID, key.Site, when, fn)
	r.mu.Unlock()

	if replaced != nil {
		r.notify(EventCancelled, replaced)
	}
	r.notify(EventScheduled, t)
	return t, nil
}

// Get returns the scheduled timer registered under id.
func (r *Registry) Get(id string) (*Timer, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.byID[id]
	return t, ok
}

// Cancel cancels the timer registered under id. It returns false when no
// scheduled timer has that id; cancelling twice is not an error.
func (r *Registry) Cancel(id string) bool {
	r.mu.Lock()
	t := r.byID[id]
	if t == nil {
		r.mu.Unlock()
		return false
	}
	ok := t.stop()
	r.forget(t)
	r.mu.Unlock()

	if ok {
		r.notify(EventCancelled, t)
	}
	return ok
}

// Reschedule restarts the timer registered under id with d, or with its
// original When if d is not positive. It returns nil when no scheduled timer
// has that id.
func (r *Registry) Reschedule(id string, d time.Duration) *Timer {
	t, ok := r.Get(id)
	if !ok || !t.Reschedule(d) {
		return nil
	}
	return t
}

// CancelAll cancels every scheduled timer, including ones scheduled by
// callbacks while the sweep is running, and forgets reentrant call sites.
// It returns the number of timers cancelled.
func (r *Registry) CancelAll() int {
	n := 0
	for {
		r.mu.Lock()
		var next *Timer
		for t := range r.active {
			next = t
			break
		}
		if next == nil {
			clear(r.sites)
			r.mu.Unlock()
			if n > 0 {
				r.logger.Info("timers cancelled", "scope", r.scope, "count", n)
			}
			return n
		}
		ok := next.stop()
		r.forget(next)
		r.mu.Unlock()

		if ok {
			n++
			r.notify(EventCancelled, next)
		}
	}
}

// Count returns the number of scheduled timers.
func (r *Registry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.active)
}

// Active returns snapshots of all scheduled timers ordered by due time.
func (r *Registry) Active() []Info {
	r.mu.Lock()
	timers := make([]*Timer, 0, len(r.active))
	for t := range r.active {
		timers = append(timers, t)
	}
	r.mu.Unlock()

	infos := make([]Info, 0, len(timers))
	for _, t := range timers {
		infos = append(infos, t.Info())
	}
	sort.Slice(infos, func(i, j int) bool {
		return infos[i].ExecuteAt.Before(infos[j].ExecuteAt)
	})
	return infos
}

// newTimer creates, registers and arms a timer. Caller holds r.mu.
func (r *Registry) newTimer(id, site string, when When, fn Func) *Timer {
	t := &Timer{
		registry: r,
		id:       id,
		site:     site,
		created:  r.clock.Now(),
		fn:       fn,
		when:     when,
	}
	r.active[t] = struct{}{}
	if id != "" {
		r.byID[id] = t
	}
	t.mu.Lock()
	t.arm(when)
	t.mu.Unlock()
	return t
}

// forget drops t from the registry maps. The id entry is only removed if it
// still points at t. Caller holds r.mu.
func (r *Registry) forget(t *Timer) {
	delete(r.active, t)
	if t.id != "" && r.byID[t.id] == t {
		delete(r.byID, t.id)
	}
}

// fire is the physical callback. gen guards against a callback that was
// already in flight when the timer was rescheduled or cancelled.
func (r *Registry) fire(t *Timer, gen uint64) {
	t.mu.Lock()
	if t.state != Scheduled || t.gen != gen {
		t.mu.Unlock()
		return
	}
	t.state = Fired
	fn := t.fn
	t.mu.Unlock()

	r.mu.Lock()
	r.forget(t)
	r.mu.Unlock()

	r.notify(EventFired, t)
	if err := r.run(t, fn); err != nil {
		r.logger.Error("timer callback failed", "scope", r.scope, "timer", t.id, "error", err)
		r.notifyErr(EventFailed, t, err)
	}
}

// run invokes fn, converting a panic into an error.
func (r *Registry) run(t *Timer, fn Func) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("timer callback panicked: %v", rec)
		}
	}()
	if fn == nil {
		return nil
	}
	return fn(t)
}

func (r *Registry) notify(typ EventType, t *Timer) {
	r.notifyErr(typ, t, nil)
}

func (r *Registry) notifyErr(typ EventType, t *Timer, err error) {
	r.mu.Lock()
	observers := r.observers
	r.mu.Unlock()
	if len(observers) == 0 {
		return
	}
	ev := Event{Type: typ, Timer: t.Info(), Err: err}
	for _, fn := range observers {
		fn(ev)
	}
}

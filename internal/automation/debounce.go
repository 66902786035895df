package automation

import (
	"sync"

	"github.com/nerrad567/gray-logic-rules/internal/item"
	"github.com/nerrad567/gray-logic-rules/internal/timer"
)

// delayState tracks one held trigger. holding is true while a hold timer
// is pending for tracked.
type delayState struct {
	mu      sync.Mutex
	timer   *timer.Timer
	tracked item.State
	holding bool
}

// Debouncer implements "changed ... for" triggers: a matching transition
// must persist for the hold duration before the rule fires.
//
// Each distinct value has to earn its own hold window. A repeat of the
// tracked value is ignored; any other value cancels the pending hold and
// is then judged as if nothing were pending.
//
// Thread Safety:
//   - State is kept per trigger spec, each entry with its own mutex.
//     Independent triggers never contend.
type Debouncer struct {
	timers *timer.Registry
	logger Logger
	states sync.Map // spec ID -> *delayState
}

// NewDebouncer creates a debouncer that schedules hold timers on timers.
func NewDebouncer(timers *timer.Registry, logger Logger) *Debouncer {
	if logger == nil {
		logger = noopLogger{}
	}
	return &Debouncer{timers: timers, logger: logger}
}

// Process feeds one delivered event for a held spec. fire is called from the
// hold timer with the event that started the hold. A predicate failure is
// returned after any pending hold has been cancelled.
func (d *Debouncer) Process(spec *TriggerSpec, ev *Event, fire func(*Event)) error {
	v, _ := d.states.LoadOrStore(spec.ID, &delayState{})
	st := v.(*delayState)

	value := spec.observed(ev)

	st.mu.Lock()
	defer st.mu.Unlock()

	if st.holding && st.timer.IsActive() {
		if value.Kind() == st.tracked.Kind() && value.Equal(st.tracked) {
			trace(d.logger, "hold unchanged", "trigger", spec.ID, "value", value.String())
			return nil
		}
		st.timer.Cancel()
		d.logger.Debug("hold cancelled", "trigger", spec.ID, "tracked", st.tracked.String(), "value", value.String())
	}
	st.holding = false
	st.timer = nil

	matched, err := spec.Matches(ev)
	if err != nil {
		return err
	}
	if !matched {
		trace(d.logger, "hold not started", "trigger", spec.ID, "value", value.String())
		return nil
	}

	st.holding = true
	st.tracked = value
	st.timer = d.timers.After(spec.Hold, func(t *timer.Timer) error {
		st.mu.Lock()
		if st.timer != t {
			st.mu.Unlock()
			return nil
		}
		st.holding = false
		st.timer = nil
		st.mu.Unlock()

		fire(ev)
		return nil
	}, timer.WithID("hold:"+spec.ID))

	d.logger.Debug("hold started", "trigger", spec.ID, "value", value.String(), "for", spec.Hold)
	return nil
}

// Holding reports whether a hold timer is pending for spec ID.
func (d *Debouncer) Holding(specID string) bool {
	v, ok := d.states.Load(specID)
	if !ok {
		return false
	}
	st := v.(*delayState)
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.holding && st.timer.IsActive()
}

// Reset cancels every pending hold and forgets all state.
func (d *Debouncer) Reset() {
	d.states.Range(func(key, v any) bool {
		st := v.(*delayState)
		st.mu.Lock()
		if st.timer != nil {
			st.timer.Cancel()
		}
		st.holding = false
		st.timer = nil
		st.mu.Unlock()
		d.states.Delete(key)
		return true
	})
}

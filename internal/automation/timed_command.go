package automation

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/nerrad567/gray-logic-rules/internal/item"
	"github.com/nerrad567/gray-logic-rules/internal/timer"
)

// ItemCommander is what rules need from the platform's item side.
type ItemCommander interface {
	// GetItem returns a copy of the named item.
	GetItem(name string) (*item.Item, error)

	// SendCommand sends a command to an item.
	SendCommand(ctx context.Context, name string, value item.State) error

	// PostUpdate sets an item's state without commanding the device.
	PostUpdate(ctx context.Context, name string, value item.State) error
}

// ExpireStatus says how a timed command ended.
type ExpireStatus int

// Expire statuses.
const (
	Expired ExpireStatus = iota
	Cancelled
)

func (s ExpireStatus) String() string {
	if s == Cancelled {
		return "cancelled"
	}
	return "expired"
}

// ExpireResult is passed to an expiry block.
type ExpireResult struct {
	Item   string
	Value  item.State // the commanded value
	Status ExpireStatus
	Cause  *Event // the interrupting event when Cancelled
}

// ExpireOptions choose what happens when a timed command's hold elapses.
// Block takes precedence over Value. With neither, binary items are
// inverted and other items return to their state before the command.
type ExpireOptions struct {
	Value *item.State
	Block func(ExpireResult)
}

// TimedCommandID returns the timer ID used for item's expiry.
func TimedCommandID(name string) string { return "timed-command:" + name }

type timedState struct {
	mu       sync.Mutex
	value    item.State
	previous item.State
	binary   bool
	opts     ExpireOptions
	timer    *timer.Timer
}

// TimedCommands issues commands that revert automatically.
//
// A new timed command for the same item replaces the pending expiry.
// Any other value reported for the item, by update or command, cancels it
// without applying the fallback; Observe must be fed the item's events for
// that to work.
//
// Thread Safety:
//   - State is kept per item, each entry with its own mutex.
type TimedCommands struct {
	items  ItemCommander
	timers *timer.Registry
	logger Logger

	states sync.Map // item name -> *timedState

	watchMu sync.Mutex
	watched map[string]bool
	watch   func(name string) error
}

// NewTimedCommands creates a controller scheduling expiries on timers.
func NewTimedCommands(items ItemCommander, timers *timer.Registry, logger Logger) *TimedCommands {
	if logger == nil {
		logger = noopLogger{}
	}
	return &TimedCommands{
		items:   items,
		timers:  timers,
		logger:  logger,
		watched: make(map[string]bool),
	}
}

// SetWatcher registers fn, called once per item before its first timed
// command, to subscribe Observe to that item's events.
func (c *TimedCommands) SetWatcher(fn func(name string) error) {
	c.watchMu.Lock()
	defer c.watchMu.Unlock()
	c.watch = fn
}

// Command sends value to the item now and schedules the fallback after hold.
func (c *TimedCommands) Command(ctx context.Context, name string, value item.State, hold time.Duration, opts ExpireOptions) error {
	if hold <= 0 {
		return fmt.Errorf("%w: timed command on %s needs a positive duration", ErrInvalidConfiguration, name)
	}
	it, err := c.items.GetItem(name)
	if err != nil {
		return err
	}
	if err := c.ensureWatched(name); err != nil {
		return err
	}

	v, _ := c.states.LoadOrStore(name, &timedState{})
	st := v.(*timedState)

	st.mu.Lock()
	if st.timer == nil || !st.timer.IsActive() {
		st.previous = it.State
	}
	st.value = value
	st.binary = it.IsBinary()
	st.opts = opts
	st.timer = c.timers.After(hold, func(t *timer.Timer) error {
		return c.expire(name, st, t)
	}, timer.WithID(TimedCommandID(name)))
	t := st.timer
	st.mu.Unlock()

	c.logger.Debug("timed command", "item", name, "value", value.String(), "for", hold)

	if err := c.apply(ctx, it, value); err != nil {
		st.mu.Lock()
		if st.timer == t {
			t.Cancel()
			st.timer = nil
		}
		st.mu.Unlock()
		return err
	}
	return nil
}

// Observe cancels the pending expiry of ev.Item when ev reports a value
// other than the commanded one. Repeats of the commanded value are ignored.
func (c *TimedCommands) Observe(ev *Event) {
	if !ev.IsItemEvent() {
		return
	}
	v, ok := c.states.Load(ev.Item)
	if !ok {
		return
	}
	st := v.(*timedState)
	value := ev.Value()

	st.mu.Lock()
	if st.timer == nil || !st.timer.IsActive() || value.Equal(st.value) {
		st.mu.Unlock()
		return
	}
	st.timer.Cancel()
	st.timer = nil
	block := st.opts.Block
	commanded := st.value
	st.mu.Unlock()

	c.logger.Info("timed command interrupted", "item", ev.Item, "commanded", commanded.String(), "value", value.String())
	if block != nil {
		block(ExpireResult{Item: ev.Item, Value: commanded, Status: Cancelled, Cause: ev})
	}
}

// Pending returns the expiry timer of item, if one is scheduled.
func (c *TimedCommands) Pending(name string) (*timer.Timer, bool) {
	v, ok := c.states.Load(name)
	if !ok {
		return nil, false
	}
	st := v.(*timedState)
	st.mu.Lock()
	defer st.mu.Unlock()
	if st.timer == nil || !st.timer.IsActive() {
		return nil, false
	}
	return st.timer, true
}

func (c *TimedCommands) expire(name string, st *timedState, t *timer.Timer) error {
	st.mu.Lock()
	if st.timer != t {
		st.mu.Unlock()
		return nil
	}
	st.timer = nil
	value, previous, binary, opts := st.value, st.previous, st.binary, st.opts
	st.mu.Unlock()

	if opts.Block != nil {
		opts.Block(ExpireResult{Item: name, Value: value, Status: Expired})
		return nil
	}

	target := previous
	switch {
	case opts.Value != nil:
		target = *opts.Value
	case binary:
		if inv, ok := value.Inverse(); ok {
			target = inv
		}
	}

	it, err := c.items.GetItem(name)
	if err != nil {
		return err
	}
	c.logger.Debug("timed command expired", "item", name, "value", target.String())
	return c.apply(context.Background(), it, target)
}

// apply commands items that accept commands and updates the rest.
func (c *TimedCommands) apply(ctx context.Context, it *item.Item, value item.State) error {
	if it.AcceptsCommands() {
		return c.items.SendCommand(ctx, it.Name, value)
	}
	return c.items.PostUpdate(ctx, it.Name, value)
}

func (c *TimedCommands) ensureWatched(name string) error {
	c.watchMu.Lock()
	defer c.watchMu.Unlock()
	if c.watch == nil || c.watched[name] {
		return nil
	}
	if err := c.watch(name); err != nil {
		return fmt.Errorf("watching %s: %w", name, err)
	}
	c.watched[name] = true
	return nil
}

// Forget drops the watch bookkeeping so the next command subscribes again.
func (c *TimedCommands) Forget() {
	c.watchMu.Lock()
	defer c.watchMu.Unlock()
	clear(c.watched)
}

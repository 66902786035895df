package automation

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/nerrad567/gray-logic-rules/internal/item"
	"github.com/nerrad567/gray-logic-rules/internal/timer"
)

// TaskKind identifies a run queue task variant.
type TaskKind int

// Task kinds.
const (
	TaskRun TaskKind = iota
	TaskEachMember
	TaskDelay
	TaskOtherwise
)

func (k TaskKind) String() string {
	switch k {
	case TaskRun:
		return "run"
	case TaskEachMember:
		return "each_member"
	case TaskDelay:
		return "delay"
	case TaskOtherwise:
		return "otherwise"
	}
	return fmt.Sprintf("TaskKind(%d)", int(k))
}

// Action is the body of a Run or Otherwise task.
type Action func(ctx context.Context, fc *FiringContext) error

// MemberAction is the body of an EachMember task. member is the group
// member that fired the trigger.
type MemberAction func(ctx context.Context, member string, fc *FiringContext) error

// Task is one step of a run queue.
type Task struct {
	Kind  TaskKind
	Name  string
	Delay time.Duration

	action Action
	member MemberAction
}

// Run runs fn with the firing context.
func Run(fn Action) Task { return Task{Kind: TaskRun, action: fn} }

// EachMember runs fn with the member that fired a group trigger. Firings
// without a member skip the task.
func EachMember(fn MemberAction) Task { return Task{Kind: TaskEachMember, member: fn} }

// Delay suspends the rest of the queue for d.
func Delay(d time.Duration) Task { return Task{Kind: TaskDelay, Delay: d} }

// Otherwise runs fn only when the guard blocked the firing.
func Otherwise(fn Action) Task { return Task{Kind: TaskOtherwise, action: fn} }

// Named returns a copy of t labelled for logs and the API.
func (t Task) Named(name string) Task {
	t.Name = name
	return t
}

func (t Task) String() string {
	switch {
	case t.Kind == TaskDelay:
		return "delay " + t.Delay.String()
	case t.Name != "":
		return t.Kind.String() + " " + t.Name
	}
	return t.Kind.String()
}

// RunQueue is the ordered task list of a rule. It is never modified after
// the rule is built; continuations hold sub-slices of it.
type RunQueue []Task

// forFiring returns the tasks a firing executes: Otherwise tasks when the
// guard blocked, everything else when it passed.
func (q RunQueue) forFiring(guardPassed bool) RunQueue {
	out := make(RunQueue, 0, len(q))
	for _, t := range q {
		if (t.Kind == TaskOtherwise) != guardPassed {
			out = append(out, t)
		}
	}
	return out
}

// FiringContext is the per-firing state threaded through guards and tasks.
// It replaces any ambient state: everything a task may need is reached
// through it.
type FiringContext struct {
	ID          string
	RuleUID     string
	RuleName    string
	RuleSet     string
	Event       *Event
	Trigger     *TriggerSpec
	GuardPassed bool
	Started     time.Time

	items  ItemCommander
	timed  *TimedCommands
	timers *timer.Registry
	logger Logger

	mu        sync.Mutex
	ran       int
	failed    int
	errs      []error
	suspended *timer.Timer

	recMu  sync.Mutex // serialises firing log updates
	record *Firing
}

// Member returns the group member that fired, or "" for other triggers.
func (fc *FiringContext) Member() string {
	if fc.Event == nil || fc.Event.Group == "" {
		return ""
	}
	return fc.Event.Item
}

// Attachment returns the value attached to the firing trigger.
func (fc *FiringContext) Attachment() any {
	if fc.Event == nil {
		return nil
	}
	return fc.Event.Attachment
}

// Logger returns a logger annotated with the rule and firing.
func (fc *FiringContext) Logger() Logger {
	if fc.logger == nil {
		return noopLogger{}
	}
	return fc.logger
}

// Items returns the item command sink.
func (fc *FiringContext) Items() ItemCommander { return fc.items }

// State returns the current state of an item.
func (fc *FiringContext) State(name string) (item.State, error) {
	if fc.items == nil {
		return item.State{}, fmt.Errorf("no item registry: %w", item.ErrItemNotFound)
	}
	it, err := fc.items.GetItem(name)
	if err != nil {
		return item.State{}, err
	}
	return it.State, nil
}

// SendCommand sends value to an item.
func (fc *FiringContext) SendCommand(ctx context.Context, name string, value item.State) error {
	if fc.items == nil {
		return fmt.Errorf("no item registry: %w", item.ErrItemNotFound)
	}
	return fc.items.SendCommand(ctx, name, value)
}

// PostUpdate sets an item's state without a command.
func (fc *FiringContext) PostUpdate(ctx context.Context, name string, value item.State) error {
	if fc.items == nil {
		return fmt.Errorf("no item registry: %w", item.ErrItemNotFound)
	}
	return fc.items.PostUpdate(ctx, name, value)
}

// TimedCommand commands an item and reverts it after hold.
func (fc *FiringContext) TimedCommand(ctx context.Context, name string, value item.State, hold time.Duration, opts ExpireOptions) error {
	if fc.timed == nil {
		return fmt.Errorf("timed commands unavailable")
	}
	return fc.timed.Command(ctx, name, value, hold, opts)
}

// After schedules fn on the rule set's timer registry.
func (fc *FiringContext) After(d time.Duration, fn timer.Func, opts ...timer.Option) *timer.Timer {
	return fc.timers.After(d, fn, opts...)
}

// Reentrant schedules or restarts a timer identified by id and the caller's
// source location.
func (fc *FiringContext) Reentrant(id string, d time.Duration, fn timer.Func) (*timer.Timer, error) {
	return fc.timers.Reentrant(timer.ReentrantKey{ID: id, Site: timer.CallSite(1)}, timer.In(d), fn)
}

// CancelTimer cancels a timer of the rule set by id.
func (fc *FiringContext) CancelTimer(id string) bool { return fc.timers.Cancel(id) }

// Errors returns the action errors collected so far.
func (fc *FiringContext) Errors() []error {
	fc.mu.Lock()
	defer fc.mu.Unlock()
	return append([]error(nil), fc.errs...)
}

// Suspended returns the timer holding the rest of the queue, if any.
func (fc *FiringContext) Suspended() *timer.Timer {
	fc.mu.Lock()
	defer fc.mu.Unlock()
	if fc.suspended != nil && !fc.suspended.IsActive() {
		return nil
	}
	return fc.suspended
}

// Counts returns how many tasks ran and how many of them failed.
func (fc *FiringContext) Counts() (ran, failed int) {
	fc.mu.Lock()
	defer fc.mu.Unlock()
	return fc.ran, fc.failed
}

// Segment summarises one synchronous stretch of a queue, from the start or
// a resumed delay up to the end or the next delay.
type Segment struct {
	Ran      int
	Failed   int
	Errs     []error
	Resumed  bool
	ResumeAt time.Time // zero unless the segment ended in a delay
}

// Suspended reports whether the segment ended in a delay.
func (s Segment) Suspended() bool { return !s.ResumeAt.IsZero() }

// Executor runs queues. It never blocks on a delay: the remainder of the
// queue is scheduled on the timer registry and Execute returns.
type Executor struct {
	timers *timer.Registry
	logger Logger

	// OnSegment, when set, is called after every segment, including ones
	// resumed by a delay timer.
	OnSegment func(fc *FiringContext, seg Segment)
}

// NewExecutor creates an executor scheduling delays on timers.
func NewExecutor(timers *timer.Registry, logger Logger) *Executor {
	if logger == nil {
		logger = noopLogger{}
	}
	return &Executor{timers: timers, logger: logger}
}

// Start runs the part of queue selected by fc.GuardPassed.
func (x *Executor) Start(ctx context.Context, queue RunQueue, fc *FiringContext) Segment {
	return x.execute(ctx, queue.forFiring(fc.GuardPassed), 0, fc, false)
}

// Execute runs an already filtered queue from the start.
func (x *Executor) Execute(ctx context.Context, queue RunQueue, fc *FiringContext) Segment {
	return x.execute(ctx, queue, 0, fc, false)
}

// execute runs queue in order until it ends or reaches a delay. offset is
// the position of queue[0] within the firing's filtered queue.
func (x *Executor) execute(ctx context.Context, queue RunQueue, offset int, fc *FiringContext, resumed bool) Segment {
	seg := Segment{Resumed: resumed}

	for i, task := range queue {
		pos := offset + i
		if task.Kind == TaskDelay {
			rest := queue[i+1:]
			next := pos + 1
			detached := context.WithoutCancel(ctx)
			t := x.timers.After(task.Delay, func(*timer.Timer) error {
				x.execute(detached, rest, next, fc, true)
				return nil
			}, timer.WithID(fmt.Sprintf("delay:%s:%d", fc.ID, pos)))

			fc.mu.Lock()
			fc.suspended = t
			fc.mu.Unlock()

			seg.ResumeAt = t.ExecutionTime()
			x.logger.Debug("run queue suspended",
				"rule", fc.RuleUID, "firing", fc.ID, "delay", task.Delay, "remaining", len(rest))
			break
		}

		err := x.runTask(ctx, task, fc)
		if errors.Is(err, errSkipped) {
			continue
		}
		seg.Ran++
		if err != nil {
			ae := &ActionError{RuleUID: fc.RuleUID, Task: pos, Kind: task.Kind, Name: task.Name, Item: eventItem(fc.Event), Err: err}
			seg.Failed++
			seg.Errs = append(seg.Errs, ae)
			x.logger.Error("rule action failed",
				"rule", fc.RuleUID, "name", fc.RuleName, "item", eventItem(fc.Event),
				"task", pos, "kind", task.Kind.String(), "error", err)
		}
	}

	fc.mu.Lock()
	fc.ran += seg.Ran
	fc.failed += seg.Failed
	fc.errs = append(fc.errs, seg.Errs...)
	if !seg.Suspended() {
		fc.suspended = nil
	}
	fc.mu.Unlock()

	if x.OnSegment != nil {
		x.OnSegment(fc, seg)
	}
	return seg
}

// errSkipped marks a member task without a member.
var errSkipped = errors.New("skipped")

func (x *Executor) runTask(ctx context.Context, task Task, fc *FiringContext) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("panic: %v", rec)
		}
	}()

	switch task.Kind {
	case TaskRun, TaskOtherwise:
		if task.action == nil {
			return nil
		}
		return task.action(ctx, fc)
	case TaskEachMember:
		member := fc.Member()
		if member == "" || task.member == nil {
			return errSkipped
		}
		return task.member(ctx, member, fc)
	}
	return nil
}

func eventItem(ev *Event) string {
	if ev == nil {
		return ""
	}
	if ev.Item != "" {
		return ev.Item
	}
	return ev.Thing
}

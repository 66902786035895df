package automation

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/nerrad567/gray-logic-rules/internal/item"
	"github.com/nerrad567/gray-logic-rules/internal/timer"
)

func newTestFiring(timers *timer.Registry, items ItemCommander, ev *Event) *FiringContext {
	return &FiringContext{
		ID:          GenerateID(),
		RuleUID:     "test-rule",
		RuleName:    "Test rule",
		Event:       ev,
		GuardPassed: true,
		items:       items,
		timers:      timers,
	}
}

// step returns a Run task appending name to log.
func step(log *[]string, name string) Task {
	return Run(func(context.Context, *FiringContext) error {
		*log = append(*log, name)
		return nil
	}).Named(name)
}

func TestRunQueue_ForFiring(t *testing.T) {
	var log []string
	q := RunQueue{
		step(&log, "a"),
		Otherwise(func(context.Context, *FiringContext) error { return nil }).Named("o"),
		Delay(time.Second),
		step(&log, "b"),
	}

	passed := q.forFiring(true)
	if len(passed) != 3 {
		t.Fatalf("forFiring(true) len = %d, want 3", len(passed))
	}
	for _, task := range passed {
		if task.Kind == TaskOtherwise {
			t.Error("forFiring(true) kept an otherwise task")
		}
	}

	blocked := q.forFiring(false)
	if len(blocked) != 1 || blocked[0].Kind != TaskOtherwise {
		t.Errorf("forFiring(false) = %v, want the otherwise task only", blocked)
	}
}

func TestExecutor_RunsInOrder(t *testing.T) {
	timers, _ := newTestTimers(t)
	x := NewExecutor(timers, nil)
	var log []string

	q := RunQueue{step(&log, "a"), step(&log, "b"), step(&log, "c")}
	seg := x.Start(context.Background(), q, newTestFiring(timers, nil, nil))

	if got := strings.Join(log, ","); got != "a,b,c" {
		t.Errorf("order = %s, want a,b,c", got)
	}
	if seg.Ran != 3 || seg.Failed != 0 || seg.Suspended() {
		t.Errorf("segment = %+v, want 3 ran, none failed, not suspended", seg)
	}
}

func TestExecutor_GuardBlockedRunsOtherwise(t *testing.T) {
	timers, _ := newTestTimers(t)
	x := NewExecutor(timers, nil)
	var log []string

	q := RunQueue{
		step(&log, "main"),
		Otherwise(func(context.Context, *FiringContext) error {
			log = append(log, "otherwise")
			return nil
		}),
	}
	fc := newTestFiring(timers, nil, nil)
	fc.GuardPassed = false
	x.Start(context.Background(), q, fc)

	if got := strings.Join(log, ","); got != "otherwise" {
		t.Errorf("ran %s, want otherwise", got)
	}
}

func TestExecutor_DelaySuspends(t *testing.T) {
	timers, clock := newTestTimers(t)
	x := NewExecutor(timers, nil)
	var log []string
	var segments []Segment
	x.OnSegment = func(_ *FiringContext, seg Segment) { segments = append(segments, seg) }

	q := RunQueue{
		step(&log, "a"),
		Delay(30 * time.Second),
		step(&log, "b"),
		Delay(10 * time.Second),
		step(&log, "c"),
	}
	fc := newTestFiring(timers, nil, nil)
	seg := x.Start(context.Background(), q, fc)

	if !seg.Suspended() {
		t.Fatal("first segment not suspended")
	}
	if want := epoch.Add(30 * time.Second); !seg.ResumeAt.Equal(want) {
		t.Errorf("ResumeAt = %v, want %v", seg.ResumeAt, want)
	}
	if fc.Suspended() == nil {
		t.Error("Suspended() = nil while waiting")
	}
	if got := strings.Join(log, ","); got != "a" {
		t.Fatalf("ran %s before delay, want a", got)
	}

	clock.Advance(30 * time.Second)
	if got := strings.Join(log, ","); got != "a,b" {
		t.Fatalf("ran %s after first delay, want a,b", got)
	}

	clock.Advance(10 * time.Second)
	if got := strings.Join(log, ","); got != "a,b,c" {
		t.Fatalf("ran %s after second delay, want a,b,c", got)
	}

	if len(segments) != 3 {
		t.Fatalf("OnSegment called %d times, want 3", len(segments))
	}
	if segments[0].Resumed || !segments[1].Resumed || !segments[2].Resumed {
		t.Errorf("Resumed flags = %v %v %v, want false true true",
			segments[0].Resumed, segments[1].Resumed, segments[2].Resumed)
	}
	if segments[2].Suspended() {
		t.Error("last segment reported suspended")
	}
	if ran, _ := fc.Counts(); ran != 3 {
		t.Errorf("Counts() ran = %d, want 3", ran)
	}
	if fc.Suspended() != nil {
		t.Error("Suspended() != nil after completion")
	}
}

func TestExecutor_CancelledDelayDropsRest(t *testing.T) {
	timers, clock := newTestTimers(t)
	x := NewExecutor(timers, nil)
	var log []string

	q := RunQueue{step(&log, "a"), Delay(time.Minute), step(&log, "b")}
	x.Start(context.Background(), q, newTestFiring(timers, nil, nil))

	if n := timers.CancelAll(); n != 1 {
		t.Fatalf("CancelAll() = %d, want 1", n)
	}
	clock.Advance(time.Hour)
	if got := strings.Join(log, ","); got != "a" {
		t.Errorf("ran %s, want a", got)
	}
}

func TestExecutor_ErrorsDoNotStopQueue(t *testing.T) {
	timers, _ := newTestTimers(t)
	logger := &recordingLogger{}
	x := NewExecutor(timers, logger)
	var log []string
	boom := errors.New("boom")

	q := RunQueue{
		Run(func(context.Context, *FiringContext) error { return boom }).Named("failing"),
		Run(func(context.Context, *FiringContext) error { panic("kaboom") }),
		step(&log, "after"),
	}
	fc := newTestFiring(timers, nil, &Event{Item: "Hall_Light"})
	seg := x.Start(context.Background(), q, fc)

	if got := strings.Join(log, ","); got != "after" {
		t.Errorf("ran %s, want after", got)
	}
	if seg.Ran != 3 || seg.Failed != 2 {
		t.Errorf("segment ran/failed = %d/%d, want 3/2", seg.Ran, seg.Failed)
	}

	errs := fc.Errors()
	if len(errs) != 2 {
		t.Fatalf("Errors() len = %d, want 2", len(errs))
	}
	if !errors.Is(errs[0], ErrAction) || !errors.Is(errs[0], boom) {
		t.Errorf("errs[0] = %v, want ErrAction wrapping boom", errs[0])
	}
	var ae *ActionError
	if !errors.As(errs[1], &ae) {
		t.Fatalf("errs[1] is %T, want *ActionError", errs[1])
	}
	if ae.Task != 1 || ae.Item != "Hall_Light" || ae.RuleUID != "test-rule" {
		t.Errorf("ActionError = %+v", ae)
	}
	if !logger.has("error: rule action failed") {
		t.Error("action failure not logged")
	}
}

func TestExecutor_EachMember(t *testing.T) {
	timers, _ := newTestTimers(t)
	x := NewExecutor(timers, nil)
	var members []string
	q := RunQueue{EachMember(func(_ context.Context, member string, _ *FiringContext) error {
		members = append(members, member)
		return nil
	})}

	ev := &Event{Type: EventItemStateChanged, Group: "gMotion", Item: "Hall_Motion", State: item.ON}
	seg := x.Start(context.Background(), q, newTestFiring(timers, nil, ev))
	if len(members) != 1 || members[0] != "Hall_Motion" || seg.Ran != 1 {
		t.Errorf("members = %v, ran = %d, want [Hall_Motion], 1", members, seg.Ran)
	}

	members = nil
	seg = x.Start(context.Background(), q, newTestFiring(timers, nil, &Event{Item: "Hall_Motion"}))
	if len(members) != 0 || seg.Ran != 0 {
		t.Errorf("member task ran without a group trigger: %v", members)
	}
}

func TestFiringContext_Items(t *testing.T) {
	timers, _ := newTestTimers(t)
	items := newMockItems(
		item.Item{Name: "Hall_Light", Type: item.TypeSwitch, State: item.OFF},
	)
	fc := newTestFiring(timers, items, nil)
	ctx := context.Background()

	if err := fc.SendCommand(ctx, "Hall_Light", item.ON); err != nil {
		t.Fatalf("SendCommand() error = %v", err)
	}
	st, err := fc.State("Hall_Light")
	if err != nil || !st.Equal(item.ON) {
		t.Errorf("State() = %s, %v, want ON", st, err)
	}
	if _, err := fc.State("Missing"); !errors.Is(err, item.ErrItemNotFound) {
		t.Errorf("State(Missing) error = %v, want ErrItemNotFound", err)
	}

	bare := newTestFiring(timers, nil, nil)
	if err := bare.SendCommand(ctx, "Hall_Light", item.ON); err == nil {
		t.Error("SendCommand() without items: error = nil")
	}
}

func TestFiringContext_Reentrant(t *testing.T) {
	timers, clock := newTestTimers(t)
	fc := newTestFiring(timers, nil, nil)
	var fired int

	restart := func() error {
		_, err := fc.Reentrant("lights-off", 10*time.Second, func(*timer.Timer) error {
			fired++
			return nil
		})
		return err
	}

	if err := restart(); err != nil {
		t.Fatalf("Reentrant() error = %v", err)
	}
	clock.Advance(8 * time.Second)
	if err := restart(); err != nil {
		t.Fatalf("Reentrant() restart error = %v", err)
	}
	clock.Advance(8 * time.Second)
	if fired != 0 {
		t.Fatal("fired before restarted countdown elapsed")
	}
	clock.Advance(2 * time.Second)
	if fired != 1 {
		t.Errorf("fired = %d, want 1", fired)
	}

	_, err := fc.Reentrant("lights-off", time.Second, func(*timer.Timer) error { return nil })
	if !errors.Is(err, timer.ErrInvalidReentrantUsage) {
		t.Errorf("Reentrant() from another site error = %v, want ErrInvalidReentrantUsage", err)
	}
}

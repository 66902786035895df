// Package timer schedules named, anonymous and reentrant callbacks against
// an injectable Clock.
//
// A Registry owns the timers of one rule set. Timers move from Scheduled to
// either Fired or Cancelled; both are terminal. Scheduling with an id that is
// already in use replaces the previous timer unless Reuse is given, and
// reentrant timers restart their countdown when declared again from the same
// call site.
//
// Usage:
//
//	reg := timer.NewRegistry("hallway.yaml", timer.System(), logger)
//	reg.After(5*time.Minute, func(*timer.Timer) error {
//	    return lights.Off(ctx)
//	}, timer.WithID("hall-off"))
//
//	reg.Cancel("hall-off") // false if it already fired
//
// Tests drive time with FakeClock, which runs due callbacks synchronously
// inside Advance.
package timer

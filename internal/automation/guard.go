package automation

import (
	"fmt"
)

type termKind int

const (
	termBool termKind = iota
	termCheck
	termCheckEvent
)

// GuardTerm is one entry of an only_if or not_if list. Its kind is fixed
// when it is constructed.
type GuardTerm struct {
	kind       termKind
	value      bool
	check      func() bool
	checkEvent func(ev *Event) (bool, error)
	desc       string
}

// Bool is a constant guard term.
func Bool(b bool) GuardTerm { return GuardTerm{kind: termBool, value: b} }

// Check is a guard term evaluated without the event.
func Check(desc string, fn func() bool) GuardTerm {
	return GuardTerm{kind: termCheck, check: fn, desc: desc}
}

// CheckEvent is a guard term that receives the triggering event. ev is nil
// for manual and cron firings.
func CheckEvent(desc string, fn func(ev *Event) (bool, error)) GuardTerm {
	return GuardTerm{kind: termCheckEvent, checkEvent: fn, desc: desc}
}

// IsPredicate reports whether the term is evaluated per firing.
func (t GuardTerm) IsPredicate() bool { return t.kind != termBool }

func (t GuardTerm) String() string {
	if t.kind == termBool {
		return fmt.Sprint(t.value)
	}
	if t.desc != "" {
		return t.desc
	}
	return "<predicate>"
}

func (t GuardTerm) eval(ev *Event) (ok bool, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			ok, err = false, fmt.Errorf("panic: %v", rec)
		}
	}()
	switch t.kind {
	case termCheck:
		if t.check == nil {
			return false, nil
		}
		return t.check(), nil
	case termCheckEvent:
		if t.checkEvent == nil {
			return false, nil
		}
		return t.checkEvent(ev)
	}
	return t.value, nil
}

// Guard gates a firing. A firing passes when every only_if term is true and
// no not_if term is true.
type Guard struct {
	OnlyIf []GuardTerm
	NotIf  []GuardTerm
}

// IsEmpty reports whether the guard has no terms.
func (g Guard) IsEmpty() bool { return len(g.OnlyIf) == 0 && len(g.NotIf) == 0 }

// ShouldRun evaluates the guard against ev. A failing predicate returns
// false together with a *GuardEvaluationError.
func (g Guard) ShouldRun(ev *Event) (bool, error) {
	return g.shouldRun(ev, nil)
}

// shouldRun checks constant terms before predicates in each list and stops
// at the first decisive term.
func (g Guard) shouldRun(ev *Event, logger Logger) (bool, error) {
	if g.IsEmpty() {
		return true, nil
	}

	pass, err := evalList("only_if", g.OnlyIf, ev, true, logger)
	if err != nil || !pass {
		return false, err
	}
	pass, err = evalList("not_if", g.NotIf, ev, false, logger)
	if err != nil || !pass {
		return false, err
	}
	trace(logger, "guard passed")
	return true, nil
}

// evalList returns true when every term evaluates to want.
func evalList(clause string, terms []GuardTerm, ev *Event, want bool, logger Logger) (bool, error) {
	for _, predicates := range []bool{false, true} {
		for i, t := range terms {
			if t.IsPredicate() != predicates {
				continue
			}
			got, err := t.eval(ev)
			if err != nil {
				return false, &GuardEvaluationError{Clause: clause, Index: i, Err: err}
			}
			if got != want {
				trace(logger, "guard blocked", "clause", clause, "index", i, "term", t.String())
				return false, nil
			}
		}
	}
	return true, nil
}

package automation

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/nerrad567/gray-logic-rules/internal/item"
)

type conditionKind int

const (
	condAny conditionKind = iota
	condExact
	condSet
	condRange
	condPredicate
)

// Condition restricts the value a trigger accepts. The zero value matches
// anything. Conditions are immutable and safe to share between goroutines.
type Condition struct {
	kind  conditionKind
	exact item.State
	set   []item.State
	rng   Range
	pred  func(item.State) bool
	desc  string
}

// Any matches every value.
func Any() Condition { return Condition{} }

// Is matches values equal to s. Is(item.Null()) matches both NULL and UNDEF.
func Is(s item.State) Condition { return Condition{kind: condExact, exact: s} }

// OneOf matches values equal to any of states. A single state behaves like
// Is and an empty list like Any.
func OneOf(states ...item.State) Condition {
	switch len(states) {
	case 0:
		return Any()
	case 1:
		return Is(states[0])
	}
	return Condition{kind: condSet, set: append([]item.State(nil), states...)}
}

// InRange matches numeric-like values covered by r.
func InRange(r Range) Condition { return Condition{kind: condRange, rng: r} }

// Where matches values for which pred returns true. desc is used in logs
// and the API.
func Where(desc string, pred func(item.State) bool) Condition {
	if pred == nil {
		return Any()
	}
	return Condition{kind: condPredicate, pred: pred, desc: desc}
}

// IsAny reports whether c places no restriction.
func (c Condition) IsAny() bool { return c.kind == condAny }

// IsPredicate reports whether c is a custom predicate.
func (c Condition) IsPredicate() bool { return c.kind == condPredicate }

// Exact returns the value of an Is condition.
func (c Condition) Exact() (item.State, bool) {
	if c.kind != condExact {
		return item.State{}, false
	}
	return c.exact, true
}

// Values returns the members of a OneOf condition, or the single value of
// an Is condition.
func (c Condition) Values() []item.State {
	switch c.kind {
	case condExact:
		return []item.State{c.exact}
	case condSet:
		return append([]item.State(nil), c.set...)
	}
	return nil
}

// Matches reports whether v satisfies c. A panicking predicate does not match.
func (c Condition) Matches(v item.State) bool {
	ok, err := c.Evaluate(v)
	return err == nil && ok
}

// Evaluate is Matches with predicate panics reported as errors.
func (c Condition) Evaluate(v item.State) (ok bool, err error) {
	switch c.kind {
	case condAny:
		return true, nil
	case condExact:
		return stateMatches(c.exact, v), nil
	case condSet:
		for _, s := range c.set {
			if stateMatches(s, v) {
				return true, nil
			}
		}
		return false, nil
	case condRange:
		return c.rng.Covers(v), nil
	case condPredicate:
		defer func() {
			if rec := recover(); rec != nil {
				ok, err = false, fmt.Errorf("condition %s panicked: %v", c, rec)
			}
		}()
		return c.pred(v), nil
	}
	return false, nil
}

func (c Condition) String() string {
	switch c.kind {
	case condExact:
		return c.exact.String()
	case condSet:
		parts := make([]string, len(c.set))
		for i, s := range c.set {
			parts[i] = s.String()
		}
		return "[" + strings.Join(parts, ", ") + "]"
	case condRange:
		return c.rng.String()
	case condPredicate:
		if c.desc != "" {
			return c.desc
		}
		return "<predicate>"
	}
	return "*"
}

// stateMatches compares a configured value with an observed one. A NULL
// expectation accepts any null-like value.
func stateMatches(want, got item.State) bool {
	if want.IsNull() {
		return got.IsNull()
	}
	return want.Equal(got)
}

// Range is a numeric interval with optional open ends. Max is inclusive
// unless ExcludeEnd is set.
type Range struct {
	Min        *float64
	Max        *float64
	ExcludeEnd bool
}

// Between is the inclusive range [lo, hi].
func Between(lo, hi float64) Range { return Range{Min: &lo, Max: &hi} }

// AtLeast is the range [lo, ∞).
func AtLeast(lo float64) Range { return Range{Min: &lo} }

// Below is the range (-∞, hi).
func Below(hi float64) Range { return Range{Max: &hi, ExcludeEnd: true} }

// Exclusive returns r with an exclusive upper bound.
func (r Range) Exclusive() Range {
	r.ExcludeEnd = true
	return r
}

// Covers reports whether v, coerced to a number, falls inside r. Values
// that cannot be coerced are never covered.
func (r Range) Covers(v item.State) bool {
	f, ok := v.Float()
	if !ok {
		return false
	}
	if r.Min != nil && f < *r.Min {
		return false
	}
	if r.Max != nil {
		if r.ExcludeEnd && f >= *r.Max {
			return false
		}
		if f > *r.Max {
			return false
		}
	}
	return true
}

func (r Range) String() string {
	var b strings.Builder
	if r.Min != nil {
		b.WriteString(strconv.FormatFloat(*r.Min, 'f', -1, 64))
	}
	if r.ExcludeEnd {
		b.WriteString("...")
	} else {
		b.WriteString("..")
	}
	if r.Max != nil {
		b.WriteString(strconv.FormatFloat(*r.Max, 'f', -1, 64))
	}
	return b.String()
}

// Transition is a from/to restriction on a state change.
//
// When either side is a predicate the other side is ignored entirely: it is
// neither pushed to the platform nor checked at dispatch.
type Transition struct {
	From Condition
	To   Condition
}

func (t Transition) effective() Transition {
	if !t.From.IsPredicate() && !t.To.IsPredicate() {
		return t
	}
	eff := Transition{}
	if t.From.IsPredicate() {
		eff.From = t.From
	}
	if t.To.IsPredicate() {
		eff.To = t.To
	}
	return eff
}

// IsAny reports whether neither side restricts anything.
func (t Transition) IsAny() bool { return t.From.IsAny() && t.To.IsAny() }

// Matches reports whether the change prev -> next satisfies t.
func (t Transition) Matches(prev, next item.State) bool {
	ok, err := t.Evaluate(prev, next)
	return err == nil && ok
}

// Evaluate is Matches with predicate panics reported as errors.
func (t Transition) Evaluate(prev, next item.State) (bool, error) {
	eff := t.effective()
	ok, err := eff.From.Evaluate(prev)
	if err != nil || !ok {
		return false, err
	}
	return eff.To.Evaluate(next)
}

// PlatformRestrictions returns the exact values that can be filtered by the
// platform trigger itself. Sets, ranges, predicates and null expectations
// are checked at dispatch instead.
func (t Transition) PlatformRestrictions() (from, to *item.State) {
	eff := t.effective()
	return pushable(eff.From), pushable(eff.To)
}

func pushable(c Condition) *item.State {
	v, ok := c.Exact()
	if !ok || v.IsNull() {
		return nil
	}
	return &v
}

func (t Transition) String() string {
	return t.From.String() + " -> " + t.To.String()
}

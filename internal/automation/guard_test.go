package automation

import (
	"errors"
	"testing"

	"github.com/nerrad567/gray-logic-rules/internal/item"
)

func TestGuard_ShouldRun(t *testing.T) {
	yes := Check("yes", func() bool { return true })
	no := Check("no", func() bool { return false })

	tests := []struct {
		name  string
		guard Guard
		want  bool
	}{
		{"empty", Guard{}, true},
		{"only_if true", Guard{OnlyIf: []GuardTerm{Bool(true), yes}}, true},
		{"only_if one false", Guard{OnlyIf: []GuardTerm{yes, no}}, false},
		{"not_if false", Guard{NotIf: []GuardTerm{Bool(false), no}}, true},
		{"not_if one true", Guard{NotIf: []GuardTerm{no, yes}}, false},
		{"both pass", Guard{OnlyIf: []GuardTerm{yes}, NotIf: []GuardTerm{no}}, true},
		{"not_if blocks passing only_if", Guard{OnlyIf: []GuardTerm{yes}, NotIf: []GuardTerm{Bool(true)}}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := tt.guard.ShouldRun(nil)
			if err != nil {
				t.Fatalf("ShouldRun() error = %v", err)
			}
			if got != tt.want {
				t.Errorf("ShouldRun() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestGuard_ConstantsBeforePredicates(t *testing.T) {
	called := false
	spy := Check("spy", func() bool { called = true; return true })

	g := Guard{OnlyIf: []GuardTerm{spy, Bool(false)}}
	ok, err := g.ShouldRun(nil)
	if err != nil || ok {
		t.Fatalf("ShouldRun() = %v, %v, want false, nil", ok, err)
	}
	if called {
		t.Error("predicate evaluated although a constant term already blocked")
	}
}

func TestGuard_SeesEvent(t *testing.T) {
	isOn := CheckEvent("event is ON", func(ev *Event) (bool, error) {
		return ev != nil && ev.State.Equal(item.ON), nil
	})
	g := Guard{OnlyIf: []GuardTerm{isOn}}

	if ok, _ := g.ShouldRun(&Event{State: item.ON}); !ok {
		t.Error("ShouldRun(ON) = false, want true")
	}
	if ok, _ := g.ShouldRun(&Event{State: item.OFF}); ok {
		t.Error("ShouldRun(OFF) = true, want false")
	}
}

func TestGuard_FailsClosed(t *testing.T) {
	sentinel := errors.New("state unavailable")

	tests := []struct {
		name  string
		guard Guard
	}{
		{"predicate error", Guard{OnlyIf: []GuardTerm{CheckEvent("lookup", func(*Event) (bool, error) { return true, sentinel })}}},
		{"predicate panic", Guard{NotIf: []GuardTerm{Check("boom", func() bool { panic("boom") })}}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ok, err := tt.guard.ShouldRun(nil)
			if ok {
				t.Error("ShouldRun() = true, want false")
			}
			if !errors.Is(err, ErrGuardEvaluation) {
				t.Fatalf("error = %v, want ErrGuardEvaluation", err)
			}
			var gerr *GuardEvaluationError
			if !errors.As(err, &gerr) {
				t.Fatalf("error is %T, want *GuardEvaluationError", err)
			}
			if gerr.Index != 0 {
				t.Errorf("Index = %d, want 0", gerr.Index)
			}
		})
	}

	_, err := tests[0].guard.ShouldRun(nil)
	if !errors.Is(err, sentinel) {
		t.Errorf("error = %v, want wrapped predicate error", err)
	}
}

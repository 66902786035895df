package automation

import (
	"errors"
	"fmt"
)

// Domain errors for the automation package.
//
// These errors can be checked using errors.Is() for error handling:
//
//	if errors.Is(err, automation.ErrInvalidConfiguration) {
//	    // the rule file is malformed; the rule set was not loaded
//	}
var (
	// ErrInvalidConfiguration is returned at rule-compile time when a trigger
	// target, condition or task is malformed, or when the platform rejects a
	// trigger registration. It is never returned from the event path.
	ErrInvalidConfiguration = errors.New("rule: invalid configuration")

	// ErrGuardEvaluation is wrapped by GuardEvaluationError.
	ErrGuardEvaluation = errors.New("rule: guard evaluation failed")

	// ErrAction is wrapped by ActionError.
	ErrAction = errors.New("rule: action failed")

	// ErrRuleNotFound is returned when a rule UID does not exist.
	ErrRuleNotFound = errors.New("rule: not found")

	// ErrRuleExists is returned when loading a rule whose UID is already loaded.
	ErrRuleExists = errors.New("rule: already exists")

	// ErrRuleDisabled is returned when running a disabled rule manually.
	ErrRuleDisabled = errors.New("rule: disabled")

	// ErrInvalidRule is returned when rule validation fails.
	ErrInvalidRule = errors.New("rule: invalid")

	// ErrRuleSetNotFound is returned when unloading an unknown rule set.
	ErrRuleSetNotFound = errors.New("rule: rule set not found")

	// ErrRuleSetExists is returned when loading a rule set name twice.
	ErrRuleSetExists = errors.New("rule: rule set already loaded")

	// ErrFiringNotFound is returned when a firing ID does not exist.
	ErrFiringNotFound = errors.New("rule: firing not found")

	// ErrEngineClosed is returned by Load after Close.
	ErrEngineClosed = errors.New("rule: engine closed")
)

// GuardEvaluationError reports a guard predicate that failed or panicked.
// The firing it belongs to is treated as guard-failed.
type GuardEvaluationError struct {
	Clause string // "only_if" or "not_if"
	Index  int
	Err    error
}

func (e *GuardEvaluationError) Error() string {
	return fmt.Sprintf("guard %s[%d]: %v", e.Clause, e.Index, e.Err)
}

// Unwrap exposes both ErrGuardEvaluation and the predicate's own error.
func (e *GuardEvaluationError) Unwrap() []error {
	return []error{ErrGuardEvaluation, e.Err}
}

// ActionError reports a failed Run, EachMember or Otherwise task.
type ActionError struct {
	RuleUID string
	Task    int
	Kind    TaskKind
	Name    string
	Item    string
	Err     error
}

func (e *ActionError) Error() string {
	label := e.Kind.String()
	if e.Name != "" {
		label += " " + e.Name
	}
	if e.Item != "" {
		return fmt.Sprintf("rule %s task %d (%s) on %s: %v", e.RuleUID, e.Task, label, e.Item, e.Err)
	}
	return fmt.Sprintf("rule %s task %d (%s): %v", e.RuleUID, e.Task, label, e.Err)
}

// Unwrap exposes both ErrAction and the task's own error.
func (e *ActionError) Unwrap() []error {
	return []error{ErrAction, e.Err}
}

// configError wraps a formatted message in ErrInvalidConfiguration.
func configError(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidConfiguration, fmt.Sprintf(format, args...))
}

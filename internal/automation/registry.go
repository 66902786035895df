package automation

import (
	"fmt"
	"slices"
	"sort"
	"sync"
	"time"
)

// Logger defines the logging interface used by the Registry and Engine.
// This allows different logging implementations to be used.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

// noopLogger is a logger that does nothing.
type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

// tracer is implemented by loggers with a level below debug.
type tracer interface {
	Trace(msg string, args ...any)
}

// trace logs at trace level when the logger supports it.
func trace(l Logger, msg string, args ...any) {
	if t, ok := l.(tracer); ok {
		t.Trace(msg, args...)
	}
}

// entry is one loaded rule.
type entry struct {
	rule    *Rule
	set     *RuleSet
	enabled bool
	fired   int64
	last    time.Time
}

// Registry is the catalog of loaded rules, keyed by UID.
//
// All public methods are thread-safe.
type Registry struct {
	mu     sync.RWMutex
	rules  map[string]*entry
	logger Logger
}

// NewRegistry creates an empty rule registry.
func NewRegistry() *Registry {
	return &Registry{
		rules:  make(map[string]*entry),
		logger: noopLogger{},
	}
}

// SetLogger sets the logger for the registry.
func (r *Registry) SetLogger(logger Logger) {
	r.logger = logger
}

// Add registers all rules of set. Nothing is added when any UID is already
// loaded or repeated within the set.
func (r *Registry) Add(set *RuleSet) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	seen := make(map[string]bool, len(set.Rules))
	for _, rule := range set.Rules {
		if e, ok := r.rules[rule.UID]; ok {
			return fmt.Errorf("%w: %s (loaded from %s)", ErrRuleExists, rule.UID, e.set.Name)
		}
		if seen[rule.UID] {
			return fmt.Errorf("%w: %s declared twice in %s", ErrRuleExists, rule.UID, set.Name)
		}
		seen[rule.UID] = true
	}
	for _, rule := range set.Rules {
		r.rules[rule.UID] = &entry{rule: rule, set: set, enabled: rule.Enabled}
	}
	r.logger.Debug("rules registered", "rule_set", set.Name, "count", len(set.Rules))
	return nil
}

// Replace swaps the rules of the set named set.Name for those of set. UIDs
// may move freely within the set but must not clash with another set; on
// a clash the registry is unchanged.
func (r *Registry) Replace(set *RuleSet) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	seen := make(map[string]bool, len(set.Rules))
	for _, rule := range set.Rules {
		if e, ok := r.rules[rule.UID]; ok && e.set.Name != set.Name {
			return fmt.Errorf("%w: %s (loaded from %s)", ErrRuleExists, rule.UID, e.set.Name)
		}
		if seen[rule.UID] {
			return fmt.Errorf("%w: %s declared twice in %s", ErrRuleExists, rule.UID, set.Name)
		}
		seen[rule.UID] = true
	}
	for uid, e := range r.rules {
		if e.set.Name == set.Name {
			delete(r.rules, uid)
		}
	}
	for _, rule := range set.Rules {
		r.rules[rule.UID] = &entry{rule: rule, set: set, enabled: rule.Enabled}
	}
	r.logger.Debug("rules replaced", "rule_set", set.Name, "count", len(set.Rules))
	return nil
}

// RemoveSet unregisters every rule of the named set and returns their UIDs.
func (r *Registry) RemoveSet(name string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	var removed []string
	for uid, e := range r.rules {
		if e.set.Name == name {
			delete(r.rules, uid)
			removed = append(removed, uid)
		}
	}
	sort.Strings(removed)
	return removed
}

// Rule returns the compiled rule with uid.
func (r *Registry) Rule(uid string) (*Rule, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.rules[uid]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrRuleNotFound, uid)
	}
	return e.rule, nil
}

// Get returns a snapshot of the rule with uid.
func (r *Registry) Get(uid string) (RuleInfo, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.rules[uid]
	if !ok {
		return RuleInfo{}, fmt.Errorf("%w: %s", ErrRuleNotFound, uid)
	}
	return e.info(), nil
}

// List returns snapshots of all rules ordered by UID.
func (r *Registry) List() []RuleInfo {
	r.mu.RLock()
	infos := make([]RuleInfo, 0, len(r.rules))
	for _, e := range r.rules {
		infos = append(infos, e.info())
	}
	r.mu.RUnlock()

	sort.Slice(infos, func(i, j int) bool { return infos[i].UID < infos[j].UID })
	return infos
}

// ListByTag returns snapshots of rules carrying tag, ordered by UID.
func (r *Registry) ListByTag(tag string) []RuleInfo {
	var out []RuleInfo
	for _, info := range r.List() {
		if slices.Contains(info.Tags, tag) {
			out = append(out, info)
		}
	}
	return out
}

// ListBySet returns snapshots of the rules of one rule set.
func (r *Registry) ListBySet(name string) []RuleInfo {
	var out []RuleInfo
	for _, info := range r.List() {
		if info.RuleSet == name {
			out = append(out, info)
		}
	}
	return out
}

// SetEnabled enables or disables a rule. Disabled rules stay armed but
// ignore their triggers.
func (r *Registry) SetEnabled(uid string, enabled bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.rules[uid]
	if !ok {
		return fmt.Errorf("%w: %s", ErrRuleNotFound, uid)
	}
	e.enabled = enabled
	return nil
}

// IsEnabled reports whether uid is loaded and enabled.
func (r *Registry) IsEnabled(uid string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.rules[uid]
	return ok && e.enabled
}

// MarkFired records a firing of uid.
func (r *Registry) MarkFired(uid string, at time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.rules[uid]; ok {
		e.fired++
		e.last = at
	}
}

// Count returns the number of loaded rules.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.rules)
}

// info builds a snapshot. Caller holds r.mu.
func (e *entry) info() RuleInfo {
	info := newRuleInfo(e.rule, e.set)
	info.Enabled = e.enabled
	info.Firings = e.fired
	if !e.last.IsZero() {
		last := e.last
		info.LastFiredAt = &last
	}
	return info
}

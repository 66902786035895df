package automation

import (
	"context"
	"errors"
	"time"

	"github.com/nerrad567/gray-logic-rules/internal/item"
)

// Rule is a compiled rule: triggers, a guard and a run queue.
type Rule struct {
	// Identity
	UID         string   `json:"uid"`
	Name        string   `json:"name"`
	Description string   `json:"description,omitempty"`
	Tags        []string `json:"tags,omitempty"`

	// Compiled behaviour
	Triggers []*TriggerSpec `json:"-"`
	Guard    Guard          `json:"-"`
	Queue    RunQueue       `json:"-"`

	// Enabled is the state the rule starts in when loaded.
	Enabled bool `json:"enabled"`
}

// RuleSet is a group of rules loaded and unloaded together, typically one
// rule file. Each loaded set owns its own timers.
type RuleSet struct {
	Name   string
	Source string
	Rules  []*Rule
}

// RuleInfo is a read-only view of a loaded rule for the API.
type RuleInfo struct {
	UID         string        `json:"uid"`
	Name        string        `json:"name"`
	Description string        `json:"description,omitempty"`
	Tags        []string      `json:"tags,omitempty"`
	RuleSet     string        `json:"rule_set"`
	Source      string        `json:"source,omitempty"`
	Enabled     bool          `json:"enabled"`
	Triggers    []TriggerInfo `json:"triggers"`
	Tasks       []string      `json:"tasks"`
	Guarded     bool          `json:"guarded"`
	LastFiredAt *time.Time    `json:"last_fired_at,omitempty"`
	Firings     int64         `json:"firings"`
}

// TriggerInfo describes one compiled trigger.
type TriggerInfo struct {
	ID          string `json:"id"`
	Kind        string `json:"kind"`
	Description string `json:"description"`
	Type        string `json:"platform_type"`
	Hold        string `json:"hold,omitempty"`
}

func newRuleInfo(r *Rule, set *RuleSet) RuleInfo {
	info := RuleInfo{
		UID:         r.UID,
		Name:        r.Name,
		Description: r.Description,
		Tags:        append([]string(nil), r.Tags...),
		RuleSet:     set.Name,
		Source:      set.Source,
		Enabled:     r.Enabled,
		Guarded:     !r.Guard.IsEmpty(),
	}
	for _, t := range r.Triggers {
		ti := TriggerInfo{ID: t.ID, Kind: string(t.Kind), Description: t.String(), Type: t.Platform.Type}
		if t.Hold > 0 {
			ti.Hold = t.Hold.String()
		}
		info.Triggers = append(info.Triggers, ti)
	}
	for _, task := range r.Queue {
		info.Tasks = append(info.Tasks, task.String())
	}
	return info
}

// RuleBuilder declares a rule in Go:
//
//	rule, err := automation.NewRule("Hall light off").
//	    Changed(automation.ItemTarget("Hall_Motion"), automation.TriggerOptions{
//	        To: automation.Is(item.OFF), For: 5 * time.Minute,
//	    }).
//	    NotIf(automation.Bool(vacation)).
//	    Run(func(ctx context.Context, fc *automation.FiringContext) error {
//	        return fc.SendCommand(ctx, "Hall_Light", item.OFF)
//	    }).
//	    Build()
//
// Declaration errors are collected and returned together by Build.
type RuleBuilder struct {
	rule Rule
	errs []error
}

// NewRule starts a rule. The UID defaults to a slug of name.
func NewRule(name string) *RuleBuilder {
	return &RuleBuilder{rule: Rule{Name: name, Enabled: true}}
}

// UID sets the rule UID.
func (b *RuleBuilder) UID(uid string) *RuleBuilder {
	b.rule.UID = uid
	return b
}

// Describe sets the description.
func (b *RuleBuilder) Describe(desc string) *RuleBuilder {
	b.rule.Description = desc
	return b
}

// Tag adds tags.
func (b *RuleBuilder) Tag(tags ...string) *RuleBuilder {
	b.rule.Tags = append(b.rule.Tags, tags...)
	return b
}

// Disabled makes the rule start disabled.
func (b *RuleBuilder) Disabled() *RuleBuilder {
	b.rule.Enabled = false
	return b
}

// Trigger adds the specs built from one trigger declaration.
func (b *RuleBuilder) Trigger(kind TriggerKind, target Target, opts TriggerOptions) *RuleBuilder {
	specs, err := BuildTriggers(kind, target, opts)
	if err != nil {
		b.errs = append(b.errs, err)
		return b
	}
	b.rule.Triggers = append(b.rule.Triggers, specs...)
	return b
}

// Changed fires when the target's state changes.
func (b *RuleBuilder) Changed(target Target, opts TriggerOptions) *RuleBuilder {
	return b.Trigger(KindChanged, target, opts)
}

// Updated fires on every state update of the target.
func (b *RuleBuilder) Updated(target Target, opts TriggerOptions) *RuleBuilder {
	return b.Trigger(KindUpdated, target, opts)
}

// ReceivedCommand fires when the target receives a command.
func (b *RuleBuilder) ReceivedCommand(target Target, opts TriggerOptions) *RuleBuilder {
	return b.Trigger(KindCommand, target, opts)
}

// ThingChanged fires when a thing's status changes.
func (b *RuleBuilder) ThingChanged(uid string, opts TriggerOptions) *RuleBuilder {
	return b.Trigger(KindThingChanged, ThingTarget(uid), opts)
}

// Channel fires on a trigger channel event. An empty event matches all.
func (b *RuleBuilder) Channel(uid, event string) *RuleBuilder {
	return b.Trigger(KindChannel, ChannelTarget(uid), TriggerOptions{Event: event})
}

// Cron fires on a cron schedule.
func (b *RuleBuilder) Cron(expr string) *RuleBuilder {
	return b.Trigger(KindCron, CronTarget(expr), TriggerOptions{})
}

// Watch fires on file events in dir matching pattern.
func (b *RuleBuilder) Watch(dir, pattern string, events ...string) *RuleBuilder {
	return b.Trigger(KindWatch, PathTarget(dir, pattern), TriggerOptions{FileEvents: events})
}

// OnlyIf adds only_if guard terms.
func (b *RuleBuilder) OnlyIf(terms ...GuardTerm) *RuleBuilder {
	b.rule.Guard.OnlyIf = append(b.rule.Guard.OnlyIf, terms...)
	return b
}

// NotIf adds not_if guard terms.
func (b *RuleBuilder) NotIf(terms ...GuardTerm) *RuleBuilder {
	b.rule.Guard.NotIf = append(b.rule.Guard.NotIf, terms...)
	return b
}

// Task appends a task.
func (b *RuleBuilder) Task(t Task) *RuleBuilder {
	b.rule.Queue = append(b.rule.Queue, t)
	return b
}

// Run appends a Run task.
func (b *RuleBuilder) Run(fn Action) *RuleBuilder { return b.Task(Run(fn)) }

// EachMember appends an EachMember task.
func (b *RuleBuilder) EachMember(fn MemberAction) *RuleBuilder { return b.Task(EachMember(fn)) }

// Delay appends a Delay task.
func (b *RuleBuilder) Delay(d time.Duration) *RuleBuilder { return b.Task(Delay(d)) }

// Otherwise appends an Otherwise task.
func (b *RuleBuilder) Otherwise(fn Action) *RuleBuilder { return b.Task(Otherwise(fn)) }

// Command appends a Run task sending value to an item.
func (b *RuleBuilder) Command(name string, value item.State) *RuleBuilder {
	return b.Task(Run(func(ctx context.Context, fc *FiringContext) error {
		return fc.SendCommand(ctx, name, value)
	}).Named("command " + name + " " + value.String()))
}

// Build validates and returns the rule.
func (b *RuleBuilder) Build() (*Rule, error) {
	r := b.rule
	if r.UID == "" {
		r.UID = GenerateSlug(r.Name)
	}
	errs := append([]error(nil), b.errs...)
	if err := ValidateRule(&r); err != nil {
		errs = append(errs, err)
	}
	if err := errors.Join(errs...); err != nil {
		return nil, err
	}
	r.Tags = append([]string(nil), r.Tags...)
	r.Queue = append(RunQueue(nil), r.Queue...)
	return &r, nil
}

package automation

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/nerrad567/gray-logic-rules/internal/item"
)

// ruleFile is the top level of a YAML rule file.
type ruleFile struct {
	Rules []ruleDoc `yaml:"rules"`
}

type ruleDoc struct {
	UID         string       `yaml:"uid"`
	Name        string       `yaml:"name"`
	Description string       `yaml:"description"`
	Tags        []string     `yaml:"tags"`
	Enabled     *bool        `yaml:"enabled"`
	Triggers    []triggerDoc `yaml:"triggers"`
	OnlyIf      []guardDoc   `yaml:"only_if"`
	NotIf       []guardDoc   `yaml:"not_if"`
	Run         []taskDoc    `yaml:"run"`
	Otherwise   []taskDoc    `yaml:"otherwise"`
}

// triggerDoc holds exactly one trigger kind.
type triggerDoc struct {
	Changed         *triggerArgs `yaml:"changed"`
	Updated         *triggerArgs `yaml:"updated"`
	ReceivedCommand *triggerArgs `yaml:"received_command"`
	ThingChanged    *triggerArgs `yaml:"thing_changed"`
	ThingUpdated    *triggerArgs `yaml:"thing_updated"`
	Channel         *triggerArgs `yaml:"channel"`
	Watch           *triggerArgs `yaml:"watch"`
	Generic         *triggerArgs `yaml:"generic"`
	Cron            *string      `yaml:"cron"`
}

type triggerArgs struct {
	Item      string        `yaml:"item"`
	MembersOf string        `yaml:"members_of"`
	Thing     string        `yaml:"thing"`
	Channel   string        `yaml:"channel"`
	Topic     string        `yaml:"topic"`
	Path      string        `yaml:"path"`
	Glob      string        `yaml:"glob"`
	Events    []string      `yaml:"events"`
	Event     string        `yaml:"event"`
	From      *conditionDoc `yaml:"from"`
	To        *conditionDoc `yaml:"to"`
	Command   *conditionDoc `yaml:"command"`
	For       duration      `yaml:"for"`
	Attach    any           `yaml:"attach"`
}

type guardDoc struct {
	Item  string        `yaml:"item"`
	State *conditionDoc `yaml:"state"`
}

// taskDoc holds exactly one task.
type taskDoc struct {
	Command       *valueArgs  `yaml:"command"`
	Update        *valueArgs  `yaml:"update"`
	Delay         *duration   `yaml:"delay"`
	TimedCommand  *timedArgs  `yaml:"timed_command"`
	CommandMember *memberArgs `yaml:"command_member"`
	Log           *string     `yaml:"log"`
}

type valueArgs struct {
	Item  string      `yaml:"item"`
	Value *item.State `yaml:"value"`
}

type timedArgs struct {
	Item     string      `yaml:"item"`
	Value    *item.State `yaml:"value"`
	For      duration    `yaml:"for"`
	OnExpire *item.State `yaml:"on_expire"`
}

type memberArgs struct {
	Value *item.State `yaml:"value"`
}

// duration accepts Go duration strings ("5m", "1h30m") or whole seconds.
type duration time.Duration

func (d *duration) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind != yaml.ScalarNode {
		return fmt.Errorf("line %d: duration must be a scalar", node.Line)
	}
	if node.Tag == "!!int" {
		var secs int64
		if err := node.Decode(&secs); err != nil {
			return err
		}
		*d = duration(time.Duration(secs) * time.Second)
		return nil
	}
	v, err := time.ParseDuration(node.Value)
	if err != nil {
		return fmt.Errorf("line %d: invalid duration %q", node.Line, node.Value)
	}
	*d = duration(v)
	return nil
}

// conditionDoc decodes a condition: a scalar is an exact value, a sequence
// is a list of values and a mapping with min, max and exclusive is a range.
type conditionDoc struct {
	cond Condition
}

func (c *conditionDoc) UnmarshalYAML(node *yaml.Node) error {
	switch node.Kind {
	case yaml.ScalarNode:
		var s item.State
		if err := node.Decode(&s); err != nil {
			return err
		}
		c.cond = Is(s)
	case yaml.SequenceNode:
		var states []item.State
		if err := node.Decode(&states); err != nil {
			return err
		}
		if len(states) == 0 {
			return fmt.Errorf("line %d: empty value list", node.Line)
		}
		c.cond = OneOf(states...)
	case yaml.MappingNode:
		var r Range
		for i := 0; i+1 < len(node.Content); i += 2 {
			key, val := node.Content[i], node.Content[i+1]
			switch key.Value {
			case "min":
				var f float64
				if err := val.Decode(&f); err != nil {
					return fmt.Errorf("line %d: min: %w", val.Line, err)
				}
				r.Min = &f
			case "max":
				var f float64
				if err := val.Decode(&f); err != nil {
					return fmt.Errorf("line %d: max: %w", val.Line, err)
				}
				r.Max = &f
			case "exclusive":
				if err := val.Decode(&r.ExcludeEnd); err != nil {
					return fmt.Errorf("line %d: exclusive: %w", val.Line, err)
				}
			default:
				return fmt.Errorf("line %d: field %s not found in range", key.Line, key.Value)
			}
		}
		if r.Min == nil && r.Max == nil {
			return fmt.Errorf("line %d: range needs min or max", node.Line)
		}
		c.cond = InRange(r)
	default:
		return fmt.Errorf("line %d: unsupported condition", node.Line)
	}
	return nil
}

func (c *conditionDoc) condition() Condition {
	if c == nil {
		return Any()
	}
	return c.cond
}

// LoadRuleFile reads a YAML rule file into a rule set named after the file.
// Guards read item state through items.
func LoadRuleFile(path string, items ItemCommander) (*RuleSet, error) {
	data, err := os.ReadFile(path) //nolint:gosec // path comes from configured rules directory
	if err != nil {
		return nil, fmt.Errorf("reading rule file: %w", err)
	}
	set, err := ParseRules(RuleSetName(path), data, items)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	set.Source = path
	return set, nil
}

// LoadRuleDir loads every .yaml and .yml file in dir, in name order. Files
// that fail to load are reported together; the others are returned.
func LoadRuleDir(dir string, items ItemCommander) ([]*RuleSet, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("reading rules directory: %w", err)
	}

	var paths []string
	for _, e := range entries {
		if !e.IsDir() && IsRuleFile(e.Name()) {
			paths = append(paths, filepath.Join(dir, e.Name()))
		}
	}
	sort.Strings(paths)

	var sets []*RuleSet
	var errs []error
	for _, p := range paths {
		set, err := LoadRuleFile(p, items)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		sets = append(sets, set)
	}
	return sets, errors.Join(errs...)
}

// IsRuleFile reports whether name has a rule file extension.
func IsRuleFile(name string) bool {
	ext := strings.ToLower(filepath.Ext(name))
	return (ext == ".yaml" || ext == ".yml") && !strings.HasPrefix(filepath.Base(name), ".")
}

// RuleSetName returns the rule set name for a rule file path.
func RuleSetName(path string) string {
	base := filepath.Base(path)
	return strings.TrimSuffix(base, filepath.Ext(base))
}

// ParseRules compiles YAML rule declarations into a rule set. Unknown keys
// and invalid values fail with ErrInvalidConfiguration.
func ParseRules(name string, data []byte, items ItemCommander) (*RuleSet, error) {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)

	var doc ruleFile
	if err := dec.Decode(&doc); err != nil && !errors.Is(err, io.EOF) {
		return nil, configError("parsing rules: %v", err)
	}

	set := &RuleSet{Name: name}
	for i, rd := range doc.Rules {
		r, err := compileRule(rd, items)
		if err != nil {
			label := rd.UID
			if label == "" {
				label = fmt.Sprintf("#%d", i+1)
			}
			return nil, fmt.Errorf("rule %s: %w", label, err)
		}
		set.Rules = append(set.Rules, r)
	}
	return set, nil
}

func compileRule(rd ruleDoc, items ItemCommander) (*Rule, error) {
	b := NewRule(rd.Name).UID(rd.UID).Describe(rd.Description).Tag(rd.Tags...)
	if rd.Enabled != nil && !*rd.Enabled {
		b.Disabled()
	}

	for i, td := range rd.Triggers {
		kind, target, opts, err := td.compile()
		if err != nil {
			return nil, configError("trigger %d: %v", i+1, err)
		}
		b.Trigger(kind, target, opts)
	}

	for _, g := range rd.OnlyIf {
		term, err := g.compile(items)
		if err != nil {
			return nil, err
		}
		b.OnlyIf(term)
	}
	for _, g := range rd.NotIf {
		term, err := g.compile(items)
		if err != nil {
			return nil, err
		}
		b.NotIf(term)
	}

	for i, td := range rd.Run {
		task, err := td.compile(false)
		if err != nil {
			return nil, configError("run task %d: %v", i+1, err)
		}
		b.Task(task)
	}
	for i, td := range rd.Otherwise {
		task, err := td.compile(true)
		if err != nil {
			return nil, configError("otherwise task %d: %v", i+1, err)
		}
		b.Task(task)
	}

	r, err := b.Build()
	if err != nil {
		if errors.Is(err, ErrInvalidConfiguration) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %w", ErrInvalidConfiguration, err)
	}
	return r, nil
}

func (td triggerDoc) compile() (TriggerKind, Target, TriggerOptions, error) {
	var (
		kinds []TriggerKind
		args  *triggerArgs
	)
	add := func(k TriggerKind, a *triggerArgs) {
		if a != nil {
			kinds = append(kinds, k)
			args = a
		}
	}
	add(KindChanged, td.Changed)
	add(KindUpdated, td.Updated)
	add(KindCommand, td.ReceivedCommand)
	add(KindThingChanged, td.ThingChanged)
	add(KindThingUpdated, td.ThingUpdated)
	add(KindChannel, td.Channel)
	add(KindWatch, td.Watch)
	add(KindGeneric, td.Generic)
	if td.Cron != nil {
		kinds = append(kinds, KindCron)
	}

	switch len(kinds) {
	case 0:
		return "", Target{}, TriggerOptions{}, errors.New("no trigger kind given")
	case 1:
	default:
		return "", Target{}, TriggerOptions{}, fmt.Errorf("one trigger kind per entry, got %v", kinds)
	}

	kind := kinds[0]
	if kind == KindCron {
		return kind, CronTarget(*td.Cron), TriggerOptions{}, nil
	}

	target, err := args.target()
	if err != nil {
		return "", Target{}, TriggerOptions{}, err
	}
	opts := TriggerOptions{
		From:       args.From.condition(),
		To:         args.To.condition(),
		Command:    args.Command.condition(),
		Event:      args.Event,
		FileEvents: args.Events,
		For:        time.Duration(args.For),
		Attach:     args.Attach,
	}
	return kind, target, opts, nil
}

// target resolves the single target field of a trigger.
func (a *triggerArgs) target() (Target, error) {
	var targets []Target
	if a.Item != "" {
		targets = append(targets, ItemTarget(a.Item))
	}
	if a.MembersOf != "" {
		targets = append(targets, MembersOf(a.MembersOf))
	}
	if a.Thing != "" {
		targets = append(targets, ThingTarget(a.Thing))
	}
	if a.Channel != "" {
		targets = append(targets, ChannelTarget(a.Channel))
	}
	if a.Topic != "" {
		targets = append(targets, TopicTarget(a.Topic))
	}
	if a.Path != "" {
		targets = append(targets, PathTarget(a.Path, a.Glob))
	}

	switch len(targets) {
	case 0:
		return Target{}, errors.New("no target given")
	case 1:
		return targets[0], nil
	default:
		return Target{}, errors.New("more than one target given")
	}
}

func (g guardDoc) compile(items ItemCommander) (GuardTerm, error) {
	if g.Item == "" {
		return GuardTerm{}, configError("guard needs an item")
	}
	if g.State == nil {
		return GuardTerm{}, configError("guard on %s needs a state", g.Item)
	}
	if items == nil {
		return GuardTerm{}, configError("guard on %s: no item source", g.Item)
	}
	name, cond := g.Item, g.State.cond
	return CheckEvent(name+" is "+cond.String(), func(*Event) (bool, error) {
		it, err := items.GetItem(name)
		if err != nil {
			return false, err
		}
		return cond.Evaluate(it.State)
	}), nil
}

func (td taskDoc) compile(otherwise bool) (Task, error) {
	var tasks []Task

	if a := td.Command; a != nil {
		if a.Item == "" || a.Value == nil {
			return Task{}, errors.New("command needs item and value")
		}
		name, value := a.Item, *a.Value
		tasks = append(tasks, Run(func(ctx context.Context, fc *FiringContext) error {
			return fc.SendCommand(ctx, name, value)
		}).Named("command "+name+" "+value.String()))
	}
	if a := td.Update; a != nil {
		if a.Item == "" || a.Value == nil {
			return Task{}, errors.New("update needs item and value")
		}
		name, value := a.Item, *a.Value
		tasks = append(tasks, Run(func(ctx context.Context, fc *FiringContext) error {
			return fc.PostUpdate(ctx, name, value)
		}).Named("update "+name+" "+value.String()))
	}
	if td.Delay != nil {
		if otherwise {
			return Task{}, errors.New("delay is not allowed in otherwise")
		}
		tasks = append(tasks, Delay(time.Duration(*td.Delay)))
	}
	if a := td.TimedCommand; a != nil {
		if a.Item == "" || a.Value == nil {
			return Task{}, errors.New("timed_command needs item and value")
		}
		if a.For <= 0 {
			return Task{}, errors.New("timed_command needs a positive for")
		}
		name, value, hold := a.Item, *a.Value, time.Duration(a.For)
		opts := ExpireOptions{Value: a.OnExpire}
		tasks = append(tasks, Run(func(ctx context.Context, fc *FiringContext) error {
			return fc.TimedCommand(ctx, name, value, hold, opts)
		}).Named(fmt.Sprintf("timed_command %s %s for %s", name, value, hold)))
	}
	if a := td.CommandMember; a != nil {
		if a.Value == nil {
			return Task{}, errors.New("command_member needs a value")
		}
		value := *a.Value
		tasks = append(tasks, EachMember(func(ctx context.Context, member string, fc *FiringContext) error {
			return fc.SendCommand(ctx, member, value)
		}).Named("command_member "+value.String()))
	}
	if td.Log != nil {
		msg := *td.Log
		tasks = append(tasks, Run(func(_ context.Context, fc *FiringContext) error {
			fc.Logger().Info(msg, "item", eventItem(fc.Event))
			return nil
		}).Named("log"))
	}

	switch len(tasks) {
	case 0:
		return Task{}, errors.New("no task given")
	case 1:
	default:
		return Task{}, errors.New("one task per entry")
	}

	task := tasks[0]
	if otherwise {
		if task.Kind != TaskRun {
			return Task{}, fmt.Errorf("%s is not allowed in otherwise", task.Kind)
		}
		task.Kind = TaskOtherwise
	}
	return task, nil
}

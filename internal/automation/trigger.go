package automation

import (
	"fmt"
	"path/filepath"
	"time"

	"github.com/gobwas/glob"
	"github.com/robfig/cron/v3"

	"github.com/nerrad567/gray-logic-rules/internal/item"
)

// TriggerKind is the kind of event a trigger subscribes to.
type TriggerKind string

// Trigger kinds.
const (
	KindChanged      TriggerKind = "changed"
	KindUpdated      TriggerKind = "updated"
	KindCommand      TriggerKind = "received_command"
	KindChannel      TriggerKind = "channel"
	KindCron         TriggerKind = "cron"
	KindWatch        TriggerKind = "watch"
	KindThingChanged TriggerKind = "thing_changed"
	KindThingUpdated TriggerKind = "thing_updated"
	KindGeneric      TriggerKind = "generic"
)

// Platform trigger types.
const (
	TypeItemStateChange   = "core.ItemStateChangeTrigger"
	TypeItemStateUpdate   = "core.ItemStateUpdateTrigger"
	TypeItemCommand       = "core.ItemCommandTrigger"
	TypeGroupStateChange  = "core.GroupStateChangeTrigger"
	TypeGroupStateUpdate  = "core.GroupStateUpdateTrigger"
	TypeGroupCommand      = "core.GroupCommandTrigger"
	TypeThingStatusChange = "core.ThingStatusChangeTrigger"
	TypeThingStatusUpdate = "core.ThingStatusUpdateTrigger"
	TypeChannelEvent      = "core.ChannelEventTrigger"
	TypeCron              = "timer.GenericCronTrigger"
	TypeFileWatch         = "core.FileWatchTrigger"
	TypeGenericEvent      = "core.GenericEventTrigger"
)

// File watch event names.
const (
	FileCreated  = "created"
	FileModified = "modified"
	FileDeleted  = "deleted"
)

// CronParser accepts five or six field expressions and descriptors such as
// @daily. The platform schedules cron triggers with the same parser.
var CronParser = cron.NewParser(
	cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

// TargetKind identifies what a trigger is attached to.
type TargetKind int

// Target kinds.
const (
	TargetItem TargetKind = iota
	TargetMembers
	TargetThing
	TargetChannel
	TargetPath
	TargetCron
	TargetTopic
)

// Target is the subject of a trigger.
type Target struct {
	Kind TargetKind
	Name string
	Glob string // path targets only
}

// ItemTarget targets a single item.
func ItemTarget(name string) Target { return Target{Kind: TargetItem, Name: name} }

// MembersOf targets every member of a group. The firing member, not the
// group, is reported as the event item.
func MembersOf(group string) Target { return Target{Kind: TargetMembers, Name: group} }

// ThingTarget targets a thing by UID.
func ThingTarget(uid string) Target { return Target{Kind: TargetThing, Name: uid} }

// ChannelTarget targets a trigger channel by UID.
func ChannelTarget(uid string) Target { return Target{Kind: TargetChannel, Name: uid} }

// PathTarget targets files in dir whose base name matches pattern. An empty
// pattern matches every file.
func PathTarget(dir, pattern string) Target {
	return Target{Kind: TargetPath, Name: dir, Glob: pattern}
}

// CronTarget targets a cron schedule.
func CronTarget(expr string) Target { return Target{Kind: TargetCron, Name: expr} }

// TopicTarget targets a generic event topic.
func TopicTarget(topic string) Target { return Target{Kind: TargetTopic, Name: topic} }

func (t Target) String() string {
	switch t.Kind {
	case TargetMembers:
		return "members of " + t.Name
	case TargetThing:
		return "thing " + t.Name
	case TargetChannel:
		return "channel " + t.Name
	case TargetPath:
		if t.Glob != "" {
			return filepath.Join(t.Name, t.Glob)
		}
		return t.Name
	case TargetCron:
		return "cron " + t.Name
	case TargetTopic:
		return "topic " + t.Name
	}
	return t.Name
}

// TriggerOptions are the optional restrictions of a trigger declaration.
// A OneOf condition in From, To or Command expands into one trigger per
// value.
type TriggerOptions struct {
	From    Condition
	To      Condition
	Command Condition

	// Event restricts channel triggers to one event name.
	Event string

	// FileEvents restricts watch triggers. Empty means all events.
	FileEvents []string

	// For is the hold duration of a changed trigger.
	For time.Duration

	// Attach is echoed back as Event.Attachment.
	Attach any
}

// PlatformTrigger is the registration sent to the platform.
type PlatformTrigger struct {
	Type   string
	Config map[string]any
}

// TriggerSpec is one compiled trigger. Specs are immutable once built and
// owned by the rule that declared them.
type TriggerSpec struct {
	ID         string
	Kind       TriggerKind
	Target     Target
	Transition Transition
	Command    Condition
	Event      string
	FileEvents []string
	Hold       time.Duration
	Attach     any
	Platform   PlatformTrigger
}

// Held reports whether the spec is handled by the debouncer.
func (s *TriggerSpec) Held() bool { return s.Hold > 0 }

// Matches re-checks the spec's restriction against a delivered event. The
// platform already filtered exact values; this covers sets, ranges and
// predicates.
func (s *TriggerSpec) Matches(ev *Event) (bool, error) {
	if ev == nil {
		return false, nil
	}
	switch s.Kind {
	case KindChanged:
		return s.Transition.Evaluate(ev.OldState, ev.State)
	case KindUpdated:
		return s.Transition.To.Evaluate(ev.State)
	case KindCommand:
		return s.Command.Evaluate(ev.Command)
	case KindThingChanged:
		return s.Transition.Evaluate(item.Text(string(ev.OldStatus)), item.Text(string(ev.Status)))
	case KindThingUpdated:
		return s.Transition.To.Evaluate(item.Text(string(ev.Status)))
	case KindChannel:
		return s.Event == "" || s.Event == ev.ChannelEvent, nil
	}
	return true, nil
}

// observed is the value a held trigger tracks.
func (s *TriggerSpec) observed(ev *Event) item.State {
	if s.Kind == KindThingChanged {
		return item.Text(string(ev.Status))
	}
	return ev.State
}

func (s *TriggerSpec) String() string {
	out := string(s.Kind) + " " + s.Target.String()
	switch s.Kind {
	case KindChanged, KindThingChanged:
		if !s.Transition.IsAny() {
			out += " " + s.Transition.String()
		}
	case KindUpdated, KindThingUpdated:
		if !s.Transition.To.IsAny() {
			out += " to " + s.Transition.To.String()
		}
	case KindCommand:
		if !s.Command.IsAny() {
			out += " " + s.Command.String()
		}
	}
	if s.Hold > 0 {
		out += " for " + s.Hold.String()
	}
	return out
}

// BuildTriggers compiles one trigger declaration into specs, one per
// combination of listed values. It fails with ErrInvalidConfiguration when
// the kind and target do not fit together or an option is malformed.
func BuildTriggers(kind TriggerKind, target Target, opts TriggerOptions) ([]*TriggerSpec, error) {
	if err := checkTarget(kind, target); err != nil {
		return nil, err
	}
	if opts.For < 0 {
		return nil, configError("%s: negative hold duration %s", kind, opts.For)
	}
	if opts.For > 0 && kind != KindChanged && kind != KindThingChanged {
		return nil, configError("%s: a hold duration is only supported on changed triggers", kind)
	}

	switch kind {
	case KindChanged, KindThingChanged:
		return buildTransitions(kind, target, opts)
	case KindUpdated, KindThingUpdated:
		if !opts.From.IsAny() {
			return nil, configError("%s: from is not supported", kind)
		}
		return buildTransitions(kind, target, opts)
	case KindCommand:
		if !opts.From.IsAny() || !opts.To.IsAny() {
			return nil, configError("%s: use command, not from/to", kind)
		}
		var specs []*TriggerSpec
		for _, c := range expand(opts.Command) {
			spec := newSpec(kind, target, opts)
			spec.Command = c
			spec.Platform = platformTrigger(spec)
			specs = append(specs, spec)
		}
		return specs, nil
	case KindCron:
		if _, err := CronParser.Parse(target.Name); err != nil {
			return nil, configError("cron %q: %v", target.Name, err)
		}
	case KindWatch:
		if target.Glob != "" {
			if _, err := glob.Compile(target.Glob); err != nil {
				return nil, configError("watch glob %q: %v", target.Glob, err)
			}
		}
		for _, e := range opts.FileEvents {
			if e != FileCreated && e != FileModified && e != FileDeleted {
				return nil, configError("watch: unknown file event %q", e)
			}
		}
	}

	if !opts.From.IsAny() || !opts.To.IsAny() || !opts.Command.IsAny() {
		return nil, configError("%s: value restrictions are not supported", kind)
	}
	spec := newSpec(kind, target, opts)
	spec.Platform = platformTrigger(spec)
	return []*TriggerSpec{spec}, nil
}

func checkTarget(kind TriggerKind, target Target) error {
	if target.Name == "" {
		return configError("%s: target is required", kind)
	}
	var ok bool
	switch kind {
	case KindChanged, KindUpdated, KindCommand:
		ok = target.Kind == TargetItem || target.Kind == TargetMembers
	case KindThingChanged, KindThingUpdated:
		ok = target.Kind == TargetThing
	case KindChannel:
		ok = target.Kind == TargetChannel
	case KindCron:
		ok = target.Kind == TargetCron
	case KindWatch:
		ok = target.Kind == TargetPath
	case KindGeneric:
		ok = target.Kind == TargetTopic
	default:
		return configError("unknown trigger kind %q", kind)
	}
	if !ok {
		return configError("%s trigger cannot target %s", kind, target)
	}
	return nil
}

func buildTransitions(kind TriggerKind, target Target, opts TriggerOptions) ([]*TriggerSpec, error) {
	from, to := opts.From, opts.To
	if target.Kind == TargetThing {
		var err error
		if from, err = thingCondition(from); err != nil {
			return nil, err
		}
		if to, err = thingCondition(to); err != nil {
			return nil, err
		}
	}

	var specs []*TriggerSpec
	for _, t := range expand(to) {
		for _, f := range expand(from) {
			spec := newSpec(kind, target, opts)
			spec.Transition = Transition{From: f, To: t}
			spec.Platform = platformTrigger(spec)
			specs = append(specs, spec)
		}
	}
	return specs, nil
}

// expand splits a OneOf condition into Is conditions.
func expand(c Condition) []Condition {
	if c.kind != condSet {
		return []Condition{c}
	}
	out := make([]Condition, len(c.set))
	for i, s := range c.set {
		out[i] = Is(s)
	}
	return out
}

// thingCondition rewrites symbolic statuses such as "online" or ":online"
// into the platform's tokens.
func thingCondition(c Condition) (Condition, error) {
	switch c.kind {
	case condExact:
		s, err := thingState(c.exact)
		if err != nil {
			return Condition{}, err
		}
		return Is(s), nil
	case condSet:
		states := make([]item.State, len(c.set))
		for i, v := range c.set {
			s, err := thingState(v)
			if err != nil {
				return Condition{}, err
			}
			states[i] = s
		}
		return OneOf(states...), nil
	case condRange:
		return Condition{}, configError("thing status cannot be a range")
	}
	return c, nil
}

func thingState(v item.State) (item.State, error) {
	status, err := item.ParseThingStatus(v.String())
	if err != nil {
		return item.State{}, fmt.Errorf("%w: %v", ErrInvalidConfiguration, err)
	}
	return item.Text(string(status)), nil
}

func newSpec(kind TriggerKind, target Target, opts TriggerOptions) *TriggerSpec {
	return &TriggerSpec{
		ID:         GenerateID(),
		Kind:       kind,
		Target:     target,
		Event:      opts.Event,
		FileEvents: append([]string(nil), opts.FileEvents...),
		Hold:       opts.For,
		Attach:     opts.Attach,
	}
}

// platformTrigger derives the platform registration for spec. Held specs
// register without from/to so the debouncer sees every transition.
func platformTrigger(spec *TriggerSpec) PlatformTrigger {
	cfg := make(map[string]any)
	var typ string

	group := spec.Target.Kind == TargetMembers
	from, to := spec.Transition.PlatformRestrictions()
	if spec.Held() {
		from, to = nil, nil
	}

	switch spec.Kind {
	case KindChanged:
		typ = pick(group, TypeGroupStateChange, TypeItemStateChange)
		setState(cfg, "previousState", from)
		setState(cfg, "state", to)
	case KindUpdated:
		typ = pick(group, TypeGroupStateUpdate, TypeItemStateUpdate)
		setState(cfg, "state", to)
	case KindCommand:
		typ = pick(group, TypeGroupCommand, TypeItemCommand)
		setState(cfg, "command", pushable(spec.Command))
	case KindThingChanged:
		typ = TypeThingStatusChange
		cfg["thingUID"] = spec.Target.Name
		setState(cfg, "previousStatus", from)
		setState(cfg, "status", to)
	case KindThingUpdated:
		typ = TypeThingStatusUpdate
		cfg["thingUID"] = spec.Target.Name
		setState(cfg, "status", to)
	case KindChannel:
		typ = TypeChannelEvent
		cfg["channelUID"] = spec.Target.Name
		if spec.Event != "" {
			cfg["event"] = spec.Event
		}
	case KindCron:
		typ = TypeCron
		cfg["cronExpression"] = spec.Target.Name
	case KindWatch:
		typ = TypeFileWatch
		cfg["path"] = spec.Target.Name
		if spec.Target.Glob != "" {
			cfg["glob"] = spec.Target.Glob
		}
		if len(spec.FileEvents) > 0 {
			cfg["events"] = append([]string(nil), spec.FileEvents...)
		}
	case KindGeneric:
		typ = TypeGenericEvent
		cfg["topic"] = spec.Target.Name
	}

	switch spec.Kind {
	case KindChanged, KindUpdated, KindCommand:
		if group {
			cfg["groupName"] = spec.Target.Name
		} else {
			cfg["itemName"] = spec.Target.Name
		}
	}
	return PlatformTrigger{Type: typ, Config: cfg}
}

func pick(cond bool, a, b string) string {
	if cond {
		return a
	}
	return b
}

func setState(cfg map[string]any, key string, s *item.State) {
	if s != nil {
		cfg[key] = s.String()
	}
}

// copyConfig returns a shallow copy so the platform cannot mutate a spec.
func copyConfig(cfg map[string]any) map[string]any {
	out := make(map[string]any, len(cfg))
	for k, v := range cfg {
		out[k] = v
	}
	return out
}

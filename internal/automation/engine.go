package automation

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/nerrad567/gray-logic-rules/internal/item"
	"github.com/nerrad567/gray-logic-rules/internal/timer"
)

// Platform is the trigger registration API of the automation platform.
type Platform interface {
	// RegisterTrigger subscribes deliver to platform events of typ filtered
	// by config and returns the registration ID. Invalid registrations
	// (unknown item, command trigger on a passive sensor) fail here.
	RegisterTrigger(typ string, config map[string]any, deliver func(payload map[string]any)) (string, error)

	// UnregisterTrigger removes a registration.
	UnregisterTrigger(id string) error
}

// WSHub is the interface for broadcasting WebSocket events.
type WSHub interface {
	// Broadcast sends an event to all clients subscribed to the given channel.
	Broadcast(channel string, payload any)
}

// Telemetry receives time-series points for firings and timers.
type Telemetry interface {
	WriteRuleFiring(ruleUID, ruleSet, status string, tasks, failed int, duration time.Duration, at time.Time)
	WriteTimerEvent(scope, event string, active int, at time.Time)
}

// EngineConfig holds the engine's collaborators. Platform and Items are
// required; everything else is optional.
type EngineConfig struct {
	Platform  Platform
	Items     ItemCommander
	Registry  *Registry
	Repo      Repository // firing log; nil disables it
	Hub       WSHub
	Metrics   *Metrics
	Telemetry Telemetry
	Clock     timer.Clock
	Logger    Logger

	// MaxTasks bounds run queue length; 0 means DefaultMaxTasks.
	MaxTasks int

	// FiringLogLimit is the number of firings kept per rule; 0 keeps all.
	FiringLogLimit int
}

// loadedSet is the runtime of one rule set.
type loadedSet struct {
	set        *RuleSet
	timers     *timer.Registry
	debouncer  *Debouncer
	executor   *Executor
	triggerIDs []string
}

// Engine compiles rule sets into platform registrations and supervises
// their firings.
//
// Event path: platform payload -> Event -> trigger re-check or debouncer
// -> guard -> run queue. Errors on this path are logged with the rule and
// item and never disarm a rule.
//
// Thread Safety: all methods are safe for concurrent use. Platform
// callbacks may arrive on any goroutine.
type Engine struct {
	platform  Platform
	items     ItemCommander
	registry  *Registry
	repo      Repository
	hub       WSHub
	metrics   *Metrics
	telemetry Telemetry
	clock     timer.Clock
	logger    Logger
	maxTasks  int
	logLimit  int

	timedTimers *timer.Registry
	timed       *TimedCommands

	mu       sync.Mutex
	sets     map[string]*loadedSet
	watchIDs []string
	closed   bool
}

// NewEngine creates an engine.
func NewEngine(cfg EngineConfig) (*Engine, error) {
	if cfg.Platform == nil {
		return nil, errors.New("automation: platform is required")
	}
	if cfg.Items == nil {
		return nil, errors.New("automation: item commander is required")
	}
	if cfg.Logger == nil {
		cfg.Logger = noopLogger{}
	}
	if cfg.Clock == nil {
		cfg.Clock = timer.System()
	}
	if cfg.Registry == nil {
		cfg.Registry = NewRegistry()
	}
	if cfg.MaxTasks <= 0 {
		cfg.MaxTasks = DefaultMaxTasks
	}

	e := &Engine{
		platform:  cfg.Platform,
		items:     cfg.Items,
		registry:  cfg.Registry,
		repo:      cfg.Repo,
		hub:       cfg.Hub,
		metrics:   cfg.Metrics,
		telemetry: cfg.Telemetry,
		clock:     cfg.Clock,
		logger:    cfg.Logger,
		maxTasks:  cfg.MaxTasks,
		logLimit:  cfg.FiringLogLimit,
		sets:      make(map[string]*loadedSet),
	}
	e.timedTimers = e.newTimerRegistry("timed-commands")
	e.timed = NewTimedCommands(cfg.Items, e.timedTimers, cfg.Logger)
	e.timed.SetWatcher(e.watchItem)
	return e, nil
}

// Registry returns the rule catalog.
func (e *Engine) Registry() *Registry { return e.registry }

// TimedCommands returns the timed command controller.
func (e *Engine) TimedCommands() *TimedCommands { return e.timed }

// Load validates a rule set, registers its triggers and arms its rules.
// A platform registration failure unloads whatever was registered and is
// returned wrapped in ErrInvalidConfiguration.
func (e *Engine) Load(ctx context.Context, set *RuleSet) error {
	if err := e.validateSet(set); err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return ErrEngineClosed
	}
	if _, ok := e.sets[set.Name]; ok {
		return fmt.Errorf("%w: %s", ErrRuleSetExists, set.Name)
	}
	return e.loadLocked(ctx, set)
}

// loadLocked arms a set that is not loaded yet. e.mu must be held.
func (e *Engine) loadLocked(ctx context.Context, set *RuleSet) error {
	if err := e.registry.Add(set); err != nil {
		return err
	}
	ls := e.newLoadedSet(set)
	if err := e.arm(ctx, ls); err != nil {
		e.registry.RemoveSet(set.Name)
		e.metrics.ForgetScope(set.Name)
		return err
	}
	e.sets[set.Name] = ls

	e.metrics.SetRulesLoaded(e.registry.Count())
	e.logger.Info("rule set loaded", "rule_set", set.Name, "source", set.Source,
		"rules", len(set.Rules), "triggers", len(ls.triggerIDs))
	return nil
}

// Unload cancels every timer of the named rule set and removes its rules.
func (e *Engine) Unload(_ context.Context, name string) error {
	e.mu.Lock()
	ls, ok := e.sets[name]
	if ok {
		delete(e.sets, name)
	}
	e.mu.Unlock()

	if !ok {
		return fmt.Errorf("%w: %s", ErrRuleSetNotFound, name)
	}
	e.teardown(ls)
	e.logger.Info("rule set unloaded", "rule_set", name)
	return nil
}

// Reload replaces a rule set. The new version is armed before the loaded
// one is torn down; when it is rejected the loaded version stays armed.
func (e *Engine) Reload(ctx context.Context, set *RuleSet) error {
	if err := e.validateSet(set); err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return ErrEngineClosed
	}
	old, ok := e.sets[set.Name]
	if !ok {
		return e.loadLocked(ctx, set)
	}

	ls := e.newLoadedSet(set)
	if err := e.arm(ctx, ls); err != nil {
		return err
	}
	// Until Replace, deliveries to the new triggers find no enabled rule
	// and are dropped.
	if err := e.registry.Replace(set); err != nil {
		e.release(ls)
		return err
	}
	e.sets[set.Name] = ls
	cancelled := e.release(old)

	e.metrics.SetRulesLoaded(e.registry.Count())
	e.logger.Info("rule set reloaded", "rule_set", set.Name, "source", set.Source,
		"rules", len(set.Rules), "triggers", len(ls.triggerIDs), "timers_cancelled", cancelled)
	return nil
}

func (e *Engine) validateSet(set *RuleSet) error {
	if set == nil || set.Name == "" {
		return fmt.Errorf("%w: rule set needs a name", ErrInvalidRule)
	}
	for _, r := range set.Rules {
		if err := ValidateRuleWithLimit(r, e.maxTasks); err != nil {
			return fmt.Errorf("rule set %s: %w", set.Name, err)
		}
	}
	return nil
}

// arm registers every trigger of ls with the platform. On failure the
// registrations made so far are released.
func (e *Engine) arm(ctx context.Context, ls *loadedSet) error {
	for _, r := range ls.set.Rules {
		for _, spec := range r.Triggers {
			if err := ctx.Err(); err != nil {
				e.release(ls)
				return err
			}
			id, err := e.platform.RegisterTrigger(spec.Platform.Type, copyConfig(spec.Platform.Config), e.deliverer(ls, r, spec))
			if err != nil {
				e.release(ls)
				return fmt.Errorf("%w: rule %s trigger %q: %v", ErrInvalidConfiguration, r.UID, spec.String(), err)
			}
			ls.triggerIDs = append(ls.triggerIDs, id)
		}
	}
	return nil
}

// RuleSets returns the names of loaded rule sets, sorted.
func (e *Engine) RuleSets() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	names := make([]string, 0, len(e.sets))
	for name := range e.sets {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// RunRule fires a rule manually, with a nil event. It returns the firing ID.
func (e *Engine) RunRule(ctx context.Context, uid string) (string, error) {
	r, ls, err := e.lookup(uid)
	if err != nil {
		return "", err
	}
	if !e.registry.IsEnabled(uid) {
		return "", fmt.Errorf("%w: %s", ErrRuleDisabled, uid)
	}
	fc := e.fire(ctx, ls, r, nil, nil)
	return fc.ID, nil
}

// SetEnabled enables or disables a loaded rule.
func (e *Engine) SetEnabled(uid string, enabled bool) error {
	if err := e.registry.SetEnabled(uid, enabled); err != nil {
		return err
	}
	e.logger.Info("rule enabled state changed", "rule", uid, "enabled", enabled)
	return nil
}

// ListRules returns snapshots of all loaded rules.
func (e *Engine) ListRules() []RuleInfo { return e.registry.List() }

// Rule returns a snapshot of one rule.
func (e *Engine) Rule(uid string) (RuleInfo, error) { return e.registry.Get(uid) }

// Firings returns recent firings of a rule from the firing log.
func (e *Engine) Firings(ctx context.Context, uid string, limit int) ([]Firing, error) {
	if e.repo == nil {
		return nil, nil
	}
	return e.repo.ListFirings(ctx, uid, limit)
}

// Timers returns all scheduled timers of every rule set and of timed
// commands, ordered by due time.
func (e *Engine) Timers() []timer.Info {
	var infos []timer.Info
	for _, reg := range e.timerRegistries() {
		infos = append(infos, reg.Active()...)
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].ExecuteAt.Before(infos[j].ExecuteAt) })
	return infos
}

// CancelTimer cancels the first scheduled timer registered under id.
func (e *Engine) CancelTimer(id string) bool {
	for _, reg := range e.timerRegistries() {
		if reg.Cancel(id) {
			return true
		}
	}
	return false
}

// TimedCommand commands an item and reverts it after hold.
func (e *Engine) TimedCommand(ctx context.Context, name string, value item.State, hold time.Duration, opts ExpireOptions) error {
	return e.timed.Command(ctx, name, value, hold, opts)
}

// Close unloads every rule set and cancels all timers. The engine cannot be
// reused afterwards.
func (e *Engine) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	sets := make([]*loadedSet, 0, len(e.sets))
	for _, ls := range e.sets {
		sets = append(sets, ls)
	}
	clear(e.sets)
	watchIDs := e.watchIDs
	e.watchIDs = nil
	e.mu.Unlock()

	for _, ls := range sets {
		e.teardown(ls)
	}
	var errs []error
	for _, id := range watchIDs {
		if err := e.platform.UnregisterTrigger(id); err != nil {
			errs = append(errs, err)
		}
	}
	e.timedTimers.CancelAll()
	e.timed.Forget()
	e.logger.Info("rule engine closed", "rule_sets", len(sets))
	return errors.Join(errs...)
}

// ─── Event path ────────────────────────────────────────────────────────────

func (e *Engine) deliverer(ls *loadedSet, r *Rule, spec *TriggerSpec) func(map[string]any) {
	return func(payload map[string]any) {
		e.dispatch(ls, r, spec, payload)
	}
}

func (e *Engine) dispatch(ls *loadedSet, r *Rule, spec *TriggerSpec, payload map[string]any) {
	ev, err := eventFromPayload(payload, e.clock.Now())
	if err != nil {
		e.metrics.DroppedEvent()
		e.logger.Warn("undecodable trigger payload", "rule", r.UID, "trigger", spec.ID, "error", err)
		return
	}
	ev.Attachment = spec.Attach

	if !e.registry.IsEnabled(r.UID) {
		trace(e.logger, "rule disabled, event ignored", "rule", r.UID)
		return
	}

	ctx := context.Background()
	if spec.Held() {
		err := ls.debouncer.Process(spec, ev, func(held *Event) {
			if e.registry.IsEnabled(r.UID) {
				e.fire(ctx, ls, r, spec, held)
			}
		})
		if err != nil {
			e.logger.Warn("trigger condition failed", "rule", r.UID, "name", r.Name, "item", eventItem(ev), "error", err)
		}
		return
	}

	ok, err := spec.Matches(ev)
	if err != nil {
		e.logger.Warn("trigger condition failed", "rule", r.UID, "name", r.Name, "item", eventItem(ev), "error", err)
		return
	}
	if !ok {
		trace(e.logger, "trigger condition not met", "rule", r.UID, "trigger", spec.String(), "value", ev.Value().String())
		return
	}
	e.fire(ctx, ls, r, spec, ev)
}

// fire evaluates the guard and starts the run queue. spec and ev are nil
// for manual runs.
func (e *Engine) fire(ctx context.Context, ls *loadedSet, r *Rule, spec *TriggerSpec, ev *Event) *FiringContext {
	now := e.clock.Now()
	id := GenerateID()
	fc := &FiringContext{
		ID:       id,
		RuleUID:  r.UID,
		RuleName: r.Name,
		RuleSet:  ls.set.Name,
		Event:    ev,
		Trigger:  spec,
		Started:  now,
		items:    e.items,
		timed:    e.timed,
		timers:   ls.timers,
		logger:   withAttrs(e.logger, "rule", r.UID, "firing", id),
	}

	passed, err := r.Guard.shouldRun(ev, e.logger)
	if err != nil {
		e.metrics.GuardFailed(r.UID)
		e.logger.Warn("guard evaluation failed", "rule", r.UID, "name", r.Name, "item", eventItem(ev), "error", err)
	}
	fc.GuardPassed = passed
	e.registry.MarkFired(r.UID, now)

	rec := &Firing{
		ID:      id,
		RuleUID: r.UID,
		RuleSet: ls.set.Name,
		Item:    eventItem(ev),
		Status:  FiringSuspended,
		FiredAt: now,
	}
	if spec != nil {
		rec.TriggerID = spec.ID
	}
	if ev != nil {
		rec.State = ev.Value().String()
	}
	fc.record = rec

	queue := r.Queue.forFiring(passed)
	if len(queue) == 0 {
		rec.Status = FiringSkipped
		rec.FinishedAt = &now
		e.storeFiring(ctx, rec, true)
		e.metrics.RecordFiring(r.UID, FiringSkipped, 0)
		e.logger.Debug("rule skipped by guard", "rule", r.UID, "item", rec.Item)
		return fc
	}

	e.logger.Debug("rule fired", "rule", r.UID, "name", r.Name, "item", rec.Item,
		"trigger", triggerLabel(spec), "guard", passed)
	e.storeFiring(ctx, rec, true)
	ls.executor.Execute(ctx, queue, fc)
	return fc
}

// onSegment updates the firing record after each synchronous stretch of a
// run queue. Segments of one firing may report out of order; a finished
// record and a later count are never overwritten by an older report.
func (e *Engine) onSegment(fc *FiringContext, seg Segment) {
	if fc.record == nil {
		return
	}
	ran, failed := fc.Counts()
	errs := fc.Errors()
	e.metrics.ActionFailed(fc.RuleUID, seg.Failed)

	fc.recMu.Lock()
	defer fc.recMu.Unlock()
	rec := fc.record
	if rec.FinishedAt != nil || ran < rec.TasksTotal {
		return
	}
	now := e.clock.Now()

	rec.TasksTotal = ran
	rec.TasksFailed = failed
	if len(errs) > 0 {
		rec.Error = truncate(errors.Join(errs...).Error(), 1000)
	}

	if seg.Suspended() {
		rec.Status = FiringSuspended
	} else {
		switch {
		case failed == 0:
			rec.Status = FiringCompleted
		case failed >= ran:
			rec.Status = FiringFailed
		default:
			rec.Status = FiringPartial
		}
		rec.FinishedAt = &now
		rec.DurationMS = now.Sub(rec.FiredAt).Milliseconds()
		e.metrics.RecordFiring(fc.RuleUID, rec.Status, now.Sub(rec.FiredAt))
		if e.telemetry != nil {
			e.telemetry.WriteRuleFiring(rec.RuleUID, rec.RuleSet, string(rec.Status), ran, failed, now.Sub(rec.FiredAt), now)
		}
	}
	e.storeFiring(context.Background(), rec, false)
}

// storeFiring writes the record to the firing log and broadcasts it.
func (e *Engine) storeFiring(ctx context.Context, rec *Firing, create bool) {
	snapshot := *rec
	if e.hub != nil {
		e.hub.Broadcast("rule.fired", snapshot)
	}
	if e.repo == nil {
		return
	}

	var err error
	if create {
		err = e.repo.CreateFiring(ctx, &snapshot)
	} else {
		err = e.repo.UpdateFiring(ctx, &snapshot)
	}
	if err != nil {
		e.logger.Warn("firing log write failed", "rule", rec.RuleUID, "firing", rec.ID, "error", err)
		return
	}
	if create && e.logLimit > 0 {
		if _, err := e.repo.PruneFirings(ctx, rec.RuleUID, e.logLimit); err != nil {
			e.logger.Warn("firing log prune failed", "rule", rec.RuleUID, "error", err)
		}
	}
}

// ─── Helpers ───────────────────────────────────────────────────────────────

func (e *Engine) newLoadedSet(set *RuleSet) *loadedSet {
	timers := e.newTimerRegistry(set.Name)
	ls := &loadedSet{
		set:       set,
		timers:    timers,
		debouncer: NewDebouncer(timers, e.logger),
		executor:  NewExecutor(timers, e.logger),
	}
	ls.executor.OnSegment = e.onSegment
	return ls
}

func (e *Engine) newTimerRegistry(scope string) *timer.Registry {
	reg := timer.NewRegistry(scope, e.clock, e.logger)
	reg.Observe(func(ev timer.Event) {
		active := reg.Count()
		e.metrics.TimerEvent(scope, string(ev.Type), active)
		if e.hub != nil {
			e.hub.Broadcast(string(ev.Type), ev.Timer)
		}
		if e.telemetry != nil {
			e.telemetry.WriteTimerEvent(scope, string(ev.Type), active, e.clock.Now())
		}
	})
	return reg
}

// teardown releases a set and removes its rules from the registry.
func (e *Engine) teardown(ls *loadedSet) {
	cancelled := e.release(ls)
	e.registry.RemoveSet(ls.set.Name)
	e.metrics.ForgetScope(ls.set.Name)
	e.metrics.SetRulesLoaded(e.registry.Count())
	e.logger.Debug("rule set torn down", "rule_set", ls.set.Name, "timers_cancelled", cancelled)
}

// release unregisters a set's triggers and cancels its timers. It returns
// the number of timers cancelled. The rule registry is left alone.
func (e *Engine) release(ls *loadedSet) int {
	for _, id := range ls.triggerIDs {
		if err := e.platform.UnregisterTrigger(id); err != nil {
			e.logger.Warn("unregistering trigger failed", "rule_set", ls.set.Name, "trigger", id, "error", err)
		}
	}
	ls.triggerIDs = nil
	ls.debouncer.Reset()
	return ls.timers.CancelAll()
}

func (e *Engine) lookup(uid string) (*Rule, *loadedSet, error) {
	info, err := e.registry.Get(uid)
	if err != nil {
		return nil, nil, err
	}
	r, err := e.registry.Rule(uid)
	if err != nil {
		return nil, nil, err
	}
	e.mu.Lock()
	ls, ok := e.sets[info.RuleSet]
	e.mu.Unlock()
	if !ok {
		return nil, nil, fmt.Errorf("%w: %s", ErrRuleSetNotFound, info.RuleSet)
	}
	return r, ls, nil
}

func (e *Engine) timerRegistries() []*timer.Registry {
	e.mu.Lock()
	regs := make([]*timer.Registry, 0, len(e.sets)+1)
	for _, ls := range e.sets {
		regs = append(regs, ls.timers)
	}
	e.mu.Unlock()
	return append(regs, e.timedTimers)
}

// watchItem subscribes the timed command controller to an item's updates
// and commands.
func (e *Engine) watchItem(name string) error {
	deliver := func(payload map[string]any) {
		ev, err := eventFromPayload(payload, e.clock.Now())
		if err != nil {
			e.metrics.DroppedEvent()
			return
		}
		e.timed.Observe(ev)
	}

	var ids []string
	for _, typ := range []string{TypeItemStateUpdate, TypeItemCommand} {
		id, err := e.platform.RegisterTrigger(typ, map[string]any{"itemName": name}, deliver)
		if err != nil {
			for _, registered := range ids {
				_ = e.platform.UnregisterTrigger(registered) //nolint:errcheck // best-effort rollback
			}
			return err
		}
		ids = append(ids, id)
	}

	e.mu.Lock()
	e.watchIDs = append(e.watchIDs, ids...)
	e.mu.Unlock()
	return nil
}

func triggerLabel(spec *TriggerSpec) string {
	if spec == nil {
		return "manual"
	}
	return spec.String()
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

// annotatedLogger prefixes every call with fixed attributes.
type annotatedLogger struct {
	base  Logger
	attrs []any
}

func withAttrs(base Logger, attrs ...any) Logger {
	return annotatedLogger{base: base, attrs: attrs}
}

func (l annotatedLogger) with(args []any) []any {
	out := make([]any, 0, len(l.attrs)+len(args))
	return append(append(out, l.attrs...), args...)
}

func (l annotatedLogger) Debug(msg string, args ...any) { l.base.Debug(msg, l.with(args)...) }
func (l annotatedLogger) Info(msg string, args ...any)  { l.base.Info(msg, l.with(args)...) }
func (l annotatedLogger) Warn(msg string, args ...any)  { l.base.Warn(msg, l.with(args)...) }
func (l annotatedLogger) Error(msg string, args ...any) { l.base.Error(msg, l.with(args)...) }
func (l annotatedLogger) Trace(msg string, args ...any) { trace(l.base, msg, l.with(args)...) }

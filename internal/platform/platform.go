package platform

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"github.com/nerrad567/gray-logic-rules/internal/automation"
	"github.com/nerrad567/gray-logic-rules/internal/infrastructure/mqtt"
	"github.com/nerrad567/gray-logic-rules/internal/item"
)

// cronStopTimeout bounds how long Close waits for running cron jobs.
const cronStopTimeout = 5 * time.Second

// commandSource is recorded on every command forwarded to a bridge.
const commandSource = "automation"

// Logger defines the logging interface used by the platform.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

// Bus is the message bus the platform listens and publishes on.
// *mqtt.Client satisfies it.
type Bus interface {
	Publish(topic string, payload []byte, qos byte, retained bool) error
	Subscribe(topic string, qos byte, handler mqtt.MessageHandler) error
	Unsubscribe(topic string) error
}

// ItemTelemetry records item states as time-series points.
type ItemTelemetry interface {
	WriteItemState(name string, numeric bool, value float64, text string, at time.Time)
}

// Deps holds the platform's collaborators. Items is required; without a Bus
// the platform only sees local updates and commands.
type Deps struct {
	Items     *item.Registry
	Bus       Bus
	QoS       byte
	Hub       automation.WSHub
	Telemetry ItemTelemetry
	Location  *time.Location // cron time zone; nil means time.Local
	Logger    Logger
}

// Platform is the automation platform the rule engine registers triggers
// with. It turns bus messages, cron ticks and file events into trigger
// payloads and carries rule commands out to the bridges.
//
// Thread Safety: all methods are safe for concurrent use. Deliver callbacks
// run without any platform lock held.
type Platform struct {
	items     *item.Registry
	bus       Bus
	qos       byte
	hub       automation.WSHub
	telemetry ItemTelemetry
	logger    Logger
	topics    mqtt.Topics
	cron      *cron.Cron

	mu        sync.RWMutex
	regs      map[string]*registration
	seq       uint64
	topicRefs map[string]int
	dirRefs   map[string]int
	watcher   *fsnotify.Watcher
	started   bool
	closed    bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a platform. Call Start to begin receiving bus events and
// cron ticks.
func New(deps Deps) (*Platform, error) {
	if deps.Items == nil {
		return nil, errors.New("platform: item registry is required")
	}
	if deps.Logger == nil {
		deps.Logger = noopLogger{}
	}
	if deps.Location == nil {
		deps.Location = time.Local
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Platform{
		items:     deps.Items,
		bus:       deps.Bus,
		qos:       deps.QoS,
		hub:       deps.Hub,
		telemetry: deps.Telemetry,
		logger:    deps.Logger,
		cron: cron.New(
			cron.WithLocation(deps.Location),
			cron.WithParser(automation.CronParser),
			cron.WithChain(cron.Recover(cronLogger{deps.Logger})),
		),
		regs:      make(map[string]*registration),
		topicRefs: make(map[string]int),
		dirRefs:   make(map[string]int),
		ctx:       ctx,
		cancel:    cancel,
	}, nil
}

// Start subscribes to the platform's bus topics and starts the cron
// scheduler.
func (p *Platform) Start(_ context.Context) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return ErrClosed
	}
	if p.started {
		p.mu.Unlock()
		return nil
	}
	p.started = true
	p.mu.Unlock()

	p.cron.Start()

	if p.bus == nil {
		p.logger.Warn("platform running without a message bus")
		return nil
	}
	for _, topic := range p.coreTopics() {
		if err := p.bus.Subscribe(topic, p.qos, p.handleMessage); err != nil {
			return fmt.Errorf("subscribing to %s: %w", topic, err)
		}
	}
	p.logger.Info("platform started", "topics", len(p.coreTopics()))
	return nil
}

func (p *Platform) coreTopics() []string {
	return []string{
		p.topics.AllItemStates(),
		p.topics.AllItemCommands(),
		p.topics.AllThingStatuses(),
		p.topics.ChannelEvents(),
	}
}

// Close stops cron and file watching, drops the bus subscriptions and
// forgets every registration.
func (p *Platform) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	started := p.started
	watcher := p.watcher
	p.watcher = nil
	topics := slices.Collect(maps.Keys(p.topicRefs))
	clear(p.topicRefs)
	clear(p.dirRefs)
	clear(p.regs)
	p.mu.Unlock()

	p.cancel()

	var errs []error
	if started {
		select {
		case <-p.cron.Stop().Done():
		case <-time.After(cronStopTimeout):
			errs = append(errs, errors.New("platform: cron jobs still running"))
		}
		if p.bus != nil {
			topics = append(topics, p.coreTopics()...)
		}
	}
	if watcher != nil {
		if err := watcher.Close(); err != nil {
			errs = append(errs, fmt.Errorf("closing file watcher: %w", err))
		}
	}
	p.wg.Wait()

	if p.bus != nil {
		for _, topic := range topics {
			if err := p.bus.Unsubscribe(topic); err != nil && !errors.Is(err, mqtt.ErrNotConnected) {
				errs = append(errs, err)
			}
		}
	}
	return errors.Join(errs...)
}

// ─── Trigger registration ──────────────────────────────────────────────────

// RegisterTrigger validates a trigger and starts delivering matching events
// to deliver. It implements automation.Platform.
func (p *Platform) RegisterTrigger(typ string, config map[string]any, deliver func(map[string]any)) (string, error) {
	if deliver == nil {
		return "", fmt.Errorf("%w: deliver callback is required", ErrInvalidTrigger)
	}
	reg, err := newRegistration(typ, config)
	if err != nil {
		return "", err
	}
	if err := p.validateTarget(reg); err != nil {
		return "", err
	}
	reg.id = uuid.NewString()
	reg.deliver = deliver

	switch typ {
	case automation.TypeCron:
		id := reg.id
		entry, err := p.cron.AddFunc(reg.target, func() { p.fireCron(id) })
		if err != nil {
			return "", fmt.Errorf("%w: cron %q: %v", ErrInvalidTrigger, reg.target, err)
		}
		reg.entry = entry
	case automation.TypeFileWatch:
		if err := p.watchDir(reg.dir); err != nil {
			return "", err
		}
	case automation.TypeGenericEvent:
		if err := p.subscribeTopic(reg.target); err != nil {
			return "", err
		}
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		p.release(reg)
		return "", ErrClosed
	}
	p.seq++
	reg.seq = p.seq
	p.regs[reg.id] = reg
	p.mu.Unlock()

	p.logger.Debug("trigger registered", "id", reg.id, "type", typ, "target", reg.target)
	return reg.id, nil
}

// UnregisterTrigger removes a registration. It implements
// automation.Platform.
func (p *Platform) UnregisterTrigger(id string) error {
	p.mu.Lock()
	reg, ok := p.regs[id]
	if ok {
		delete(p.regs, id)
	}
	p.mu.Unlock()

	if !ok {
		return fmt.Errorf("%w: %s", ErrTriggerNotFound, id)
	}
	p.release(reg)
	p.logger.Debug("trigger unregistered", "id", id, "type", reg.typ)
	return nil
}

// Triggers returns the number of active registrations.
func (p *Platform) Triggers() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.regs)
}

// validateTarget checks item and group targets against the registry.
func (p *Platform) validateTarget(reg *registration) error {
	switch reg.typ {
	case automation.TypeItemStateChange, automation.TypeItemStateUpdate, automation.TypeItemCommand:
		it, err := p.items.GetItem(reg.target)
		if err != nil {
			return fmt.Errorf("%w: %w", ErrInvalidTrigger, err)
		}
		if reg.typ == automation.TypeItemCommand && !it.AcceptsCommands() {
			return fmt.Errorf("%w: %s is a %s", ErrCommandRejected, it.Name, it.Type)
		}
	case automation.TypeGroupStateChange, automation.TypeGroupStateUpdate, automation.TypeGroupCommand:
		it, err := p.items.GetItem(reg.target)
		if err != nil {
			return fmt.Errorf("%w: %w", ErrInvalidTrigger, err)
		}
		if !it.IsGroup() {
			return fmt.Errorf("%w: %s is not a group", ErrInvalidTrigger, it.Name)
		}
	}
	return nil
}

// release frees the scheduler, watch and bus resources of reg.
func (p *Platform) release(reg *registration) {
	switch reg.typ {
	case automation.TypeCron:
		p.cron.Remove(reg.entry)
	case automation.TypeFileWatch:
		p.unwatchDir(reg.dir)
	case automation.TypeGenericEvent:
		p.unsubscribeTopic(reg.target)
	}
}

// ─── Dispatch ──────────────────────────────────────────────────────────────

// collect returns the registrations of the given types accepted by match,
// in registration order.
func (p *Platform) collect(match func(*registration) bool, types ...string) []*registration {
	p.mu.RLock()
	var out []*registration
	for _, r := range p.regs {
		if slices.Contains(types, r.typ) && match(r) {
			out = append(out, r)
		}
	}
	p.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].seq < out[j].seq })
	return out
}

// deliverAll hands each registration its own copy of payload.
func deliverAll(regs []*registration, payload map[string]any) {
	for _, r := range regs {
		out := maps.Clone(payload)
		out[automation.KeyTriggerID] = r.id
		r.deliver(out)
	}
}

func (p *Platform) fireCron(id string) {
	p.mu.RLock()
	reg, ok := p.regs[id]
	p.mu.RUnlock()
	if !ok {
		return
	}
	deliverAll([]*registration{reg}, map[string]any{
		automation.KeyType: string(automation.EventTimer),
	})
}

// dispatchState delivers update and change events for an item and the
// groups it belongs to.
func (p *Platform) dispatchState(it *item.Item, prev, state item.State) {
	changed := !prev.Equal(state)

	targets := func(r *registration) bool {
		return r.target == it.Name && r.matchState("state", state) &&
			(r.typ != automation.TypeItemStateChange || r.matchState("previousState", prev))
	}
	types := []string{automation.TypeItemStateUpdate}
	if changed {
		types = append(types, automation.TypeItemStateChange)
	}
	for _, r := range p.collect(targets, types...) {
		deliverAll([]*registration{r}, statePayload(r.typ, it.Name, "", prev, state))
	}

	groupTypes := []string{automation.TypeGroupStateUpdate}
	if changed {
		groupTypes = append(groupTypes, automation.TypeGroupStateChange)
	}
	for _, group := range it.Groups {
		members := func(r *registration) bool {
			return r.target == group && r.matchState("state", state) &&
				(r.typ != automation.TypeGroupStateChange || r.matchState("previousState", prev))
		}
		for _, r := range p.collect(members, groupTypes...) {
			deliverAll([]*registration{r}, statePayload(r.typ, group, it.Name, prev, state))
		}
	}
}

func statePayload(typ, name, member string, prev, state item.State) map[string]any {
	payload := map[string]any{
		automation.KeyItem:  name,
		automation.KeyState: state,
		automation.KeyType:  string(automation.EventItemState),
	}
	if member != "" {
		payload[automation.KeyMember] = member
	}
	if typ == automation.TypeItemStateChange || typ == automation.TypeGroupStateChange {
		payload[automation.KeyType] = string(automation.EventItemStateChanged)
		payload[automation.KeyOldState] = prev
	}
	return payload
}

// dispatchCommand delivers a command event for an item and its groups.
func (p *Platform) dispatchCommand(it *item.Item, cmd item.State) {
	direct := p.collect(func(r *registration) bool {
		return r.target == it.Name && r.matchState("command", cmd)
	}, automation.TypeItemCommand)
	deliverAll(direct, map[string]any{
		automation.KeyType:    string(automation.EventItemCommand),
		automation.KeyItem:    it.Name,
		automation.KeyCommand: cmd,
	})

	for _, group := range it.Groups {
		regs := p.collect(func(r *registration) bool {
			return r.target == group && r.matchState("command", cmd)
		}, automation.TypeGroupCommand)
		deliverAll(regs, map[string]any{
			automation.KeyType:    string(automation.EventItemCommand),
			automation.KeyItem:    group,
			automation.KeyMember:  it.Name,
			automation.KeyCommand: cmd,
		})
	}
}

// ─── Items ─────────────────────────────────────────────────────────────────

// GetItem returns a copy of the named item.
func (p *Platform) GetItem(name string) (*item.Item, error) {
	return p.items.GetItem(name)
}

// ListItems returns every item with its current state, sorted by name.
func (p *Platform) ListItems() []item.Item {
	return p.items.ListItems()
}

// ItemState returns the current state of the named item.
func (p *Platform) ItemState(name string) (item.State, error) {
	return p.items.State(name)
}

// PostUpdate sets an item's state and dispatches the update. The bridge
// is not told.
func (p *Platform) PostUpdate(ctx context.Context, name string, value item.State) error {
	if p.isClosed() {
		return ErrClosed
	}
	it, err := p.items.GetItem(name)
	if err != nil {
		return err
	}
	p.applyState(ctx, it, value)
	return nil
}

// SendCommand forwards a command to the item's bridge and dispatches the
// command event. Items without a protocol are virtual and take the
// commanded value as their state. Commands to a group go to every member
// that accepts commands.
func (p *Platform) SendCommand(ctx context.Context, name string, value item.State) error {
	if p.isClosed() {
		return ErrClosed
	}
	return p.sendCommand(ctx, name, value, make(map[string]bool))
}

func (p *Platform) sendCommand(ctx context.Context, name string, value item.State, seen map[string]bool) error {
	if seen[name] {
		return nil
	}
	seen[name] = true

	it, err := p.items.GetItem(name)
	if err != nil {
		return err
	}
	if !it.AcceptsCommands() {
		return fmt.Errorf("%w: %s is a %s", ErrCommandRejected, name, it.Type)
	}

	if it.IsGroup() {
		p.dispatchCommand(it, value)
		members, err := p.items.Members(name)
		if err != nil {
			return err
		}
		var errs []error
		for _, m := range members {
			if !m.AcceptsCommands() {
				continue
			}
			if err := p.sendCommand(ctx, m.Name, value, seen); err != nil {
				errs = append(errs, err)
			}
		}
		return errors.Join(errs...)
	}

	if err := p.forward(it, value); err != nil {
		return err
	}
	p.dispatchCommand(it, value)
	if it.Protocol == "" {
		p.applyState(ctx, it, value)
	}
	return nil
}

// forward publishes a command to the bridge owning the item.
func (p *Platform) forward(it *item.Item, value item.State) error {
	if it.Protocol == "" {
		return nil
	}
	if p.bus == nil {
		p.logger.Debug("no message bus, command not forwarded", "item", it.Name, "command", value.String())
		return nil
	}

	data, err := json.Marshal(CommandMessage{
		ID:        uuid.NewString(),
		Timestamp: time.Now().UTC(),
		Item:      it.Name,
		Command:   value.String(),
		Source:    commandSource,
	})
	if err != nil {
		return fmt.Errorf("encoding command for %s: %w", it.Name, err)
	}
	if err := p.bus.Publish(p.topics.BridgeCommand(it.Protocol, it.Name), data, p.qos, false); err != nil {
		return fmt.Errorf("forwarding command to %s: %w", it.Name, err)
	}
	return nil
}

// applyState stores a state and dispatches it. A persistence failure is
// logged; the cached state is already updated.
func (p *Platform) applyState(ctx context.Context, it *item.Item, state item.State) {
	prev, err := p.items.SetState(ctx, it.Name, state)
	if err != nil {
		p.logger.Warn("item state not persisted", "item", it.Name, "error", err)
	}

	if !prev.Equal(state) {
		if p.hub != nil {
			p.hub.Broadcast("item.state_changed", map[string]any{
				"item":     it.Name,
				"state":    state,
				"previous": prev,
			})
		}
		p.logger.Debug("item state changed", "item", it.Name, "from", prev.String(), "to", state.String())
	}
	if p.telemetry != nil {
		v, _ := state.Float()
		p.telemetry.WriteItemState(it.Name, state.Kind() == item.KindNumber, v, state.String(), time.Now())
	}

	p.dispatchState(it, prev, state)
}

// ─── Things, channels and generic events ──────────────────────────────────

// UpdateThingStatus records a thing's status and dispatches the status
// events.
func (p *Platform) UpdateThingStatus(ctx context.Context, uid string, status item.ThingStatus) error {
	if p.isClosed() {
		return ErrClosed
	}
	prev, err := p.items.SetThingStatus(ctx, uid, status)
	if err != nil {
		p.logger.Warn("thing status not persisted", "thing", uid, "error", err)
	}

	types := []string{automation.TypeThingStatusUpdate}
	if prev != status {
		types = append(types, automation.TypeThingStatusChange)
		if p.hub != nil {
			p.hub.Broadcast("thing.status_changed", map[string]any{
				"thing":    uid,
				"status":   status,
				"previous": prev,
			})
		}
	}
	regs := p.collect(func(r *registration) bool {
		return r.target == uid && r.matchString("status", string(status)) &&
			(r.typ != automation.TypeThingStatusChange || r.matchString("previousStatus", string(prev)))
	}, types...)

	for _, r := range regs {
		payload := map[string]any{
			automation.KeyType:   string(automation.EventThingStatus),
			automation.KeyThing:  uid,
			automation.KeyStatus: string(status),
		}
		if r.typ == automation.TypeThingStatusChange {
			payload[automation.KeyType] = string(automation.EventThingStatusChanged)
			payload[automation.KeyOldStatus] = string(prev)
		}
		deliverAll([]*registration{r}, payload)
	}
	return nil
}

// TriggerChannel dispatches a trigger channel event.
func (p *Platform) TriggerChannel(uid, event string) {
	regs := p.collect(func(r *registration) bool {
		return r.target == uid && r.matchString("event", event)
	}, automation.TypeChannelEvent)
	deliverAll(regs, map[string]any{
		automation.KeyType:    string(automation.EventChannelTriggered),
		automation.KeyChannel: uid,
		automation.KeyEvent:   event,
	})
}

// PostEvent publishes a generic event. Without a bus the event is routed
// to matching generic triggers directly.
func (p *Platform) PostEvent(topic string, payload []byte) error {
	if p.isClosed() {
		return ErrClosed
	}
	if p.bus != nil {
		return p.bus.Publish(topic, payload, p.qos, false)
	}
	regs := p.collect(func(r *registration) bool {
		return mqtt.Match(r.target, topic)
	}, automation.TypeGenericEvent)
	deliverAll(regs, genericPayload(topic, payload))
	return nil
}

func genericPayload(topic string, payload []byte) map[string]any {
	return map[string]any{
		automation.KeyType:    string(automation.EventGeneric),
		automation.KeyTopic:   topic,
		automation.KeyPayload: string(payload),
	}
}

func (p *Platform) isClosed() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.closed
}

// cronLogger adapts Logger to cron's logger for job panic recovery.
type cronLogger struct {
	logger Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...any) {
	l.logger.Debug(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...any) {
	l.logger.Error(msg, append(keysAndValues, "error", err)...)
}

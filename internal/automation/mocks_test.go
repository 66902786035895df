package automation

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/nerrad567/gray-logic-rules/internal/item"
)

// ─── Mock Dependencies ──────────────────────────────────────────────────────

// sentValue is one command or update received by mockItems.
type sentValue struct {
	Item   string
	Value  item.State
	Update bool
}

// mockItems is an in-memory ItemCommander. Commands and updates change the
// stored state and are reported to loopback, when set, after the lock is
// released.
type mockItems struct {
	mu       sync.Mutex
	items    map[string]*item.Item
	sent     []sentValue
	failOn   string
	loopback func(name string, prev, value item.State, command bool)
}

func newMockItems(items ...item.Item) *mockItems {
	m := &mockItems{items: make(map[string]*item.Item)}
	for i := range items {
		m.items[items[i].Name] = items[i].DeepCopy()
	}
	return m
}

func (m *mockItems) GetItem(name string) (*item.Item, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	it, ok := m.items[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", item.ErrItemNotFound, name)
	}
	return it.DeepCopy(), nil
}

func (m *mockItems) SendCommand(_ context.Context, name string, value item.State) error {
	return m.apply(name, value, true)
}

func (m *mockItems) PostUpdate(_ context.Context, name string, value item.State) error {
	return m.apply(name, value, false)
}

func (m *mockItems) apply(name string, value item.State, command bool) error {
	m.mu.Lock()
	if m.failOn != "" && name == m.failOn {
		m.mu.Unlock()
		return errors.New("bridge unavailable")
	}
	it, ok := m.items[name]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", item.ErrItemNotFound, name)
	}
	prev := it.State
	it.State = value
	m.sent = append(m.sent, sentValue{Item: name, Value: value, Update: !command})
	loopback := m.loopback
	m.mu.Unlock()

	if loopback != nil {
		loopback(name, prev, value, command)
	}
	return nil
}

func (m *mockItems) setState(name string, value item.State) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.items[name].State = value
}

func (m *mockItems) state(name string) item.State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.items[name].State
}

func (m *mockItems) getSent() []sentValue {
	m.mu.Lock()
	defer m.mu.Unlock()
	cpy := make([]sentValue, len(m.sent))
	copy(cpy, m.sent)
	return cpy
}

// registration is one trigger registered with mockPlatform.
type registration struct {
	Type    string
	Config  map[string]any
	deliver func(map[string]any)
}

// mockPlatform records trigger registrations and delivers payloads to the
// ones whose config matches, applying the exact-value filters a real
// platform would.
type mockPlatform struct {
	mu       sync.Mutex
	seq      int
	regs     map[string]registration
	failType string
}

func newMockPlatform() *mockPlatform {
	return &mockPlatform{regs: make(map[string]registration)}
}

func (p *mockPlatform) RegisterTrigger(typ string, config map[string]any, deliver func(map[string]any)) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.failType != "" && typ == p.failType {
		return "", errors.New("trigger type not supported")
	}
	p.seq++
	id := fmt.Sprintf("reg-%d", p.seq)
	p.regs[id] = registration{Type: typ, Config: config, deliver: deliver}
	return id, nil
}

func (p *mockPlatform) UnregisterTrigger(id string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.regs[id]; !ok {
		return errors.New("unknown registration")
	}
	delete(p.regs, id)
	return nil
}

func (p *mockPlatform) count(typ string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, r := range p.regs {
		if typ == "" || r.Type == typ {
			n++
		}
	}
	return n
}

// filterKeys maps platform config filters to payload keys.
var filterKeys = map[string]string{
	"previousState":  KeyOldState,
	"state":          KeyState,
	"command":        KeyCommand,
	"previousStatus": KeyOldStatus,
	"status":         KeyStatus,
	"event":          KeyEvent,
}

// emit delivers payload to every registration of typ targeting name and
// returns how many received it.
func (p *mockPlatform) emit(typ, name string, payload map[string]any) int {
	p.mu.Lock()
	ids := make([]string, 0, len(p.regs))
	for id := range p.regs {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	var targets []registration
	for _, id := range ids {
		r := p.regs[id]
		if r.Type != typ || !addressedTo(r.Config, name) || !filtersMatch(r.Config, payload) {
			continue
		}
		targets = append(targets, r)
	}
	p.mu.Unlock()

	for _, r := range targets {
		out := make(map[string]any, len(payload)+1)
		for k, v := range payload {
			out[k] = v
		}
		r.deliver(out)
	}
	return len(targets)
}

func addressedTo(cfg map[string]any, name string) bool {
	for _, key := range []string{"itemName", "groupName", "thingUID", "channelUID", "cronExpression", "path", "topic"} {
		if v, ok := cfg[key]; ok {
			return v == name
		}
	}
	return false
}

func filtersMatch(cfg, payload map[string]any) bool {
	for cfgKey, payloadKey := range filterKeys {
		want, ok := cfg[cfgKey]
		if !ok {
			continue
		}
		if fmt.Sprint(payload[payloadKey]) != fmt.Sprint(want) {
			return false
		}
	}
	return true
}

// changed emits an item state change.
func (p *mockPlatform) changed(name string, prev, next item.State) int {
	return p.emit(TypeItemStateChange, name, map[string]any{
		KeyType:     string(EventItemStateChanged),
		KeyItem:     name,
		KeyOldState: prev.String(),
		KeyState:    next.String(),
	})
}

// mockWSHub captures all broadcasts.
type mockWSHub struct {
	broadcasts []wsBroadcast
	mu         sync.Mutex
}

type wsBroadcast struct {
	Channel string
	Payload any
}

func (m *mockWSHub) Broadcast(channel string, payload any) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.broadcasts = append(m.broadcasts, wsBroadcast{Channel: channel, Payload: payload})
}

func (m *mockWSHub) count(channel string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, b := range m.broadcasts {
		if b.Channel == channel {
			n++
		}
	}
	return n
}

// mockRepository is an in-memory firing log.
type mockRepository struct {
	mu      sync.Mutex
	firings map[string]Firing
	order   []string
}

func newMockRepository() *mockRepository {
	return &mockRepository{firings: make(map[string]Firing)}
}

func (m *mockRepository) CreateFiring(_ context.Context, f *Firing) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.firings[f.ID] = *f
	m.order = append(m.order, f.ID)
	return nil
}

func (m *mockRepository) UpdateFiring(_ context.Context, f *Firing) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.firings[f.ID]; !ok {
		return ErrFiringNotFound
	}
	m.firings[f.ID] = *f
	return nil
}

func (m *mockRepository) GetFiring(_ context.Context, id string) (*Firing, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	f, ok := m.firings[id]
	if !ok {
		return nil, ErrFiringNotFound
	}
	return &f, nil
}

func (m *mockRepository) ListFirings(_ context.Context, ruleUID string, limit int) ([]Firing, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Firing
	for i := len(m.order) - 1; i >= 0; i-- {
		f, ok := m.firings[m.order[i]]
		if ok && f.RuleUID == ruleUID {
			out = append(out, f)
		}
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

func (m *mockRepository) PruneFirings(context.Context, string, int) (int64, error) {
	return 0, nil
}

// recordingLogger keeps every message for assertions.
type recordingLogger struct {
	mu   sync.Mutex
	msgs []string
}

func (l *recordingLogger) record(level, msg string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.msgs = append(l.msgs, level+": "+msg)
}

func (l *recordingLogger) Debug(msg string, _ ...any) { l.record("debug", msg) }
func (l *recordingLogger) Info(msg string, _ ...any)  { l.record("info", msg) }
func (l *recordingLogger) Warn(msg string, _ ...any)  { l.record("warn", msg) }
func (l *recordingLogger) Error(msg string, _ ...any) { l.record("error", msg) }

func (l *recordingLogger) has(entry string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, m := range l.msgs {
		if m == entry {
			return true
		}
	}
	return false
}

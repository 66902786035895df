package api

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/nerrad567/gray-logic-rules/internal/automation"
	"github.com/nerrad567/gray-logic-rules/internal/item"
	"github.com/nerrad567/gray-logic-rules/internal/platform"
	"github.com/nerrad567/gray-logic-rules/internal/timer"
)

// ─── Mock Rule Engine ───────────────────────────────────────────────────────

type mockEngine struct {
	mu         sync.Mutex
	rules      map[string]automation.RuleInfo
	firings    map[string][]automation.Firing
	timers     []timer.Info
	runs       []string
	runCtxErr  error
	lastLimit  int
	firingsErr error
}

func newMockEngine(rules ...automation.RuleInfo) *mockEngine {
	m := &mockEngine{
		rules:   make(map[string]automation.RuleInfo),
		firings: make(map[string][]automation.Firing),
	}
	for _, r := range rules {
		m.rules[r.UID] = r
	}
	return m
}

func (m *mockEngine) RuleSets() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	seen := make(map[string]bool)
	var sets []string
	for _, r := range m.rules {
		if !seen[r.RuleSet] {
			seen[r.RuleSet] = true
			sets = append(sets, r.RuleSet)
		}
	}
	sort.Strings(sets)
	return sets
}

func (m *mockEngine) ListRules() []automation.RuleInfo {
	m.mu.Lock()
	defer m.mu.Unlock()
	rules := make([]automation.RuleInfo, 0, len(m.rules))
	for _, r := range m.rules {
		rules = append(rules, r)
	}
	sort.Slice(rules, func(i, j int) bool { return rules[i].UID < rules[j].UID })
	return rules
}

func (m *mockEngine) Rule(uid string) (automation.RuleInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.rules[uid]
	if !ok {
		return automation.RuleInfo{}, fmt.Errorf("%w: %s", automation.ErrRuleNotFound, uid)
	}
	return r, nil
}

func (m *mockEngine) RunRule(ctx context.Context, uid string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.runCtxErr = ctx.Err()
	r, ok := m.rules[uid]
	if !ok {
		return "", fmt.Errorf("%w: %s", automation.ErrRuleNotFound, uid)
	}
	if !r.Enabled {
		return "", fmt.Errorf("%w: %s", automation.ErrRuleDisabled, uid)
	}
	m.runs = append(m.runs, uid)
	return "firing-" + uid, nil
}

func (m *mockEngine) SetEnabled(uid string, enabled bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.rules[uid]
	if !ok {
		return fmt.Errorf("%w: %s", automation.ErrRuleNotFound, uid)
	}
	r.Enabled = enabled
	m.rules[uid] = r
	return nil
}

func (m *mockEngine) Firings(_ context.Context, uid string, limit int) ([]automation.Firing, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lastLimit = limit
	if m.firingsErr != nil {
		return nil, m.firingsErr
	}
	f := m.firings[uid]
	if len(f) > limit {
		f = f[:limit]
	}
	return f, nil
}

func (m *mockEngine) Timers() []timer.Info {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]timer.Info(nil), m.timers...)
}

func (m *mockEngine) CancelTimer(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, t := range m.timers {
		if t.ID != "" && t.ID == id {
			m.timers = append(m.timers[:i], m.timers[i+1:]...)
			return true
		}
	}
	return false
}

// ─── Mock Item Service ──────────────────────────────────────────────────────

type itemCall struct {
	Name  string
	Value item.State
}

type mockItems struct {
	mu         sync.Mutex
	items      map[string]*item.Item
	commands   []itemCall
	updates    []itemCall
	commandErr error
}

func newMockItems(items ...item.Item) *mockItems {
	m := &mockItems{items: make(map[string]*item.Item)}
	for i := range items {
		it := items[i]
		m.items[it.Name] = &it
	}
	return m
}

func (m *mockItems) ListItems() []item.Item {
	m.mu.Lock()
	defer m.mu.Unlock()
	items := make([]item.Item, 0, len(m.items))
	for _, it := range m.items {
		items = append(items, *it)
	}
	sort.Slice(items, func(i, j int) bool { return items[i].Name < items[j].Name })
	return items
}

func (m *mockItems) GetItem(name string) (*item.Item, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	it, ok := m.items[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", item.ErrItemNotFound, name)
	}
	cp := *it
	return &cp, nil
}

func (m *mockItems) SendCommand(_ context.Context, name string, value item.State) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.commandErr != nil {
		return m.commandErr
	}
	it, ok := m.items[name]
	if !ok {
		return fmt.Errorf("%w: %s", item.ErrItemNotFound, name)
	}
	if !it.AcceptsCommands() {
		return fmt.Errorf("%w: %s", platform.ErrCommandRejected, name)
	}
	m.commands = append(m.commands, itemCall{Name: name, Value: value})
	return nil
}

func (m *mockItems) PostUpdate(_ context.Context, name string, value item.State) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	it, ok := m.items[name]
	if !ok {
		return fmt.Errorf("%w: %s", item.ErrItemNotFound, name)
	}
	it.State = value
	m.updates = append(m.updates, itemCall{Name: name, Value: value})
	return nil
}

type mockBus struct{ connected bool }

func (b mockBus) IsConnected() bool { return b.connected }

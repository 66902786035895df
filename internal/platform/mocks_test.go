package platform

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/nerrad567/gray-logic-rules/internal/infrastructure/database"
	"github.com/nerrad567/gray-logic-rules/internal/infrastructure/mqtt"
	"github.com/nerrad567/gray-logic-rules/internal/item"
	"github.com/nerrad567/gray-logic-rules/migrations"
)

// ─── Mock Dependencies ──────────────────────────────────────────────────────

type publishedMsg struct {
	Topic   string
	Payload []byte
}

// mockBus routes injected messages to subscribed handlers like a broker.
type mockBus struct {
	mu           sync.Mutex
	handlers     map[string]mqtt.MessageHandler
	published    []publishedMsg
	unsubscribed []string
	publishErr   error
}

func newMockBus() *mockBus {
	return &mockBus{handlers: make(map[string]mqtt.MessageHandler)}
}

func (b *mockBus) Publish(topic string, payload []byte, _ byte, _ bool) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.publishErr != nil {
		return b.publishErr
	}
	b.published = append(b.published, publishedMsg{Topic: topic, Payload: payload})
	return nil
}

func (b *mockBus) Subscribe(topic string, _ byte, handler mqtt.MessageHandler) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[topic] = handler
	return nil
}

func (b *mockBus) Unsubscribe(topic string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.handlers, topic)
	b.unsubscribed = append(b.unsubscribed, topic)
	return nil
}

// inject delivers a message to every matching subscription.
func (b *mockBus) inject(topic, payload string) error {
	b.mu.Lock()
	var matched []mqtt.MessageHandler
	for filter, h := range b.handlers {
		if mqtt.Match(filter, topic) {
			matched = append(matched, h)
		}
	}
	b.mu.Unlock()

	var errs []error
	for _, h := range matched {
		errs = append(errs, h(topic, []byte(payload)))
	}
	return errors.Join(errs...)
}

func (b *mockBus) subscribed(topic string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.handlers[topic]
	return ok
}

func (b *mockBus) messages() []publishedMsg {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]publishedMsg(nil), b.published...)
}

type broadcast struct {
	Channel string
	Payload any
}

type mockHub struct {
	mu     sync.Mutex
	events []broadcast
}

func (h *mockHub) Broadcast(channel string, payload any) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.events = append(h.events, broadcast{Channel: channel, Payload: payload})
}

func (h *mockHub) count(channel string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	n := 0
	for _, e := range h.events {
		if e.Channel == channel {
			n++
		}
	}
	return n
}

type itemPoint struct {
	Name    string
	Numeric bool
	Value   float64
	Text    string
}

type mockTelemetry struct {
	mu     sync.Mutex
	points []itemPoint
}

func (m *mockTelemetry) WriteItemState(name string, numeric bool, value float64, text string, _ time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.points = append(m.points, itemPoint{Name: name, Numeric: numeric, Value: value, Text: text})
}

// recorder collects delivered payloads.
type recorder struct {
	mu       sync.Mutex
	payloads []map[string]any
	notify   chan map[string]any
}

func newRecorder() *recorder {
	return &recorder{notify: make(chan map[string]any, 16)}
}

func (r *recorder) deliver(payload map[string]any) {
	r.mu.Lock()
	r.payloads = append(r.payloads, payload)
	r.mu.Unlock()
	select {
	case r.notify <- payload:
	default:
	}
}

func (r *recorder) all() []map[string]any {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]map[string]any(nil), r.payloads...)
}

func (r *recorder) wait(t *testing.T) map[string]any {
	t.Helper()
	select {
	case p := <-r.notify:
		return p
	case <-time.After(5 * time.Second):
		t.Fatal("no payload delivered within 5s")
		return nil
	}
}

// ─── Fixture ────────────────────────────────────────────────────────────────

type fixture struct {
	platform  *Platform
	items     *item.Registry
	bus       *mockBus
	hub       *mockHub
	telemetry *mockTelemetry
}

func testItems() []item.Item {
	return []item.Item{
		{Name: "Lights", Type: item.TypeGroup},
		{Name: "Hall_Light", Type: item.TypeSwitch, Protocol: "knx", Groups: []string{"Lights"}},
		{Name: "Lamp", Type: item.TypeSwitch, Groups: []string{"Lights"}},
		{Name: "Hall_Motion", Type: item.TypeSwitch},
		{Name: "Door", Type: item.TypeContact},
		{Name: "Temp", Type: item.TypeNumber},
	}
}

func setupRegistry(t *testing.T) *item.Registry {
	t.Helper()
	ctx := context.Background()

	db, err := database.Open(ctx, database.Config{Path: ":memory:"})
	if err != nil {
		t.Fatalf("failed to open test database: %v", err)
	}
	t.Cleanup(func() { db.Close() }) //nolint:errcheck // Test cleanup
	if err := db.Migrate(ctx, migrations.FS); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}

	reg := item.NewRegistry(item.NewSQLiteRepository(db.DB))
	for _, it := range testItems() {
		if err := reg.UpsertItem(ctx, &it); err != nil {
			t.Fatalf("UpsertItem(%s) error = %v", it.Name, err)
		}
	}
	return reg
}

// setupPlatform starts a platform on a mock bus. Pass withBus=false to run
// it without one.
func setupPlatform(t *testing.T, withBus bool) *fixture {
	t.Helper()
	f := &fixture{
		items:     setupRegistry(t),
		hub:       &mockHub{},
		telemetry: &mockTelemetry{},
	}
	deps := Deps{
		Items:     f.items,
		Hub:       f.hub,
		Telemetry: f.telemetry,
		Location:  time.UTC,
	}
	if withBus {
		f.bus = newMockBus()
		deps.Bus = f.bus
	}

	p, err := New(deps)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if err := p.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	t.Cleanup(func() { p.Close() }) //nolint:errcheck // Test cleanup
	f.platform = p
	return f
}

func (f *fixture) register(t *testing.T, typ string, config map[string]any) (string, *recorder) {
	t.Helper()
	rec := newRecorder()
	id, err := f.platform.RegisterTrigger(typ, config, rec.deliver)
	if err != nil {
		t.Fatalf("RegisterTrigger(%s) error = %v", typ, err)
	}
	return id, rec
}

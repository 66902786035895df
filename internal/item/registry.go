package item

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// Logger defines the logging interface used by the Registry.
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

// Registry is the in-memory view of items and things backed by a Repository.
//
// The cache is populated on startup via RefreshCache and kept in sync by
// every write. State reads never touch the repository, so guards evaluated
// on the event path stay cheap.
//
// All public methods are thread-safe.
type Registry struct {
	repo   Repository
	logger Logger
	now    func() time.Time

	mu     sync.RWMutex
	items  map[string]*Item
	things map[string]*Thing
}

// NewRegistry creates a new item registry.
func NewRegistry(repo Repository) *Registry {
	return &Registry{
		repo:   repo,
		logger: noopLogger{},
		now:    time.Now,
		items:  make(map[string]*Item),
		things: make(map[string]*Thing),
	}
}

// SetLogger sets the logger for the registry.
func (r *Registry) SetLogger(logger Logger) {
	r.logger = logger
}

// RefreshCache reloads all items and things from the repository.
func (r *Registry) RefreshCache(ctx context.Context) error {
	items, err := r.repo.List(ctx)
	if err != nil {
		return fmt.Errorf("loading items: %w", err)
	}
	things, err := r.repo.ListThings(ctx)
	if err != nil {
		return fmt.Errorf("loading things: %w", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	r.items = make(map[string]*Item, len(items))
	for i := range items {
		r.items[items[i].Name] = items[i].DeepCopy()
	}
	r.things = make(map[string]*Thing, len(things))
	for i := range things {
		th := things[i]
		r.things[th.UID] = &th
	}

	r.logger.Info("item cache refreshed", "items", len(items), "things", len(things))
	return nil
}

// GetItem returns a copy of the named item.
func (r *Registry) GetItem(name string) (*Item, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	it, ok := r.items[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrItemNotFound, name)
	}
	return it.DeepCopy(), nil
}

// State returns the current state of the named item.
func (r *Registry) State(name string) (State, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	it, ok := r.items[name]
	if !ok {
		return State{}, fmt.Errorf("%w: %s", ErrItemNotFound, name)
	}
	return it.State, nil
}

// ListItems returns copies of all items ordered by name.
func (r *Registry) ListItems() []Item {
	r.mu.RLock()
	items := make([]Item, 0, len(r.items))
	for _, it := range r.items {
		items = append(items, *it.DeepCopy())
	}
	r.mu.RUnlock()

	sort.Slice(items, func(i, j int) bool { return items[i].Name < items[j].Name })
	return items
}

// Members returns the items belonging to group, ordered by name.
func (r *Registry) Members(group string) ([]Item, error) {
	r.mu.RLock()
	g, ok := r.items[group]
	if !ok {
		r.mu.RUnlock()
		return nil, fmt.Errorf("%w: %s", ErrItemNotFound, group)
	}
	if !g.IsGroup() {
		r.mu.RUnlock()
		return nil, fmt.Errorf("%w: %s is not a group", ErrInvalidItem, group)
	}
	var members []Item
	for _, it := range r.items {
		if it.MemberOf(group) {
			members = append(members, *it.DeepCopy())
		}
	}
	r.mu.RUnlock()

	sort.Slice(members, func(i, j int) bool { return members[i].Name < members[j].Name })
	return members, nil
}

// UpsertItem validates and stores an item definition.
func (r *Registry) UpsertItem(ctx context.Context, it *Item) error {
	if err := it.Validate(); err != nil {
		return err
	}
	stored := it.DeepCopy()
	if err := r.repo.Upsert(ctx, stored); err != nil {
		return err
	}

	r.mu.Lock()
	r.items[stored.Name] = stored
	r.mu.Unlock()
	return nil
}

// SetState records a new state for an item and returns the previous one.
// The cache is updated before persisting so concurrent readers observe the
// new value immediately; a persistence failure is returned but not undone.
func (r *Registry) SetState(ctx context.Context, name string, state State) (State, error) {
	now := r.now()

	r.mu.Lock()
	it, ok := r.items[name]
	if !ok {
		r.mu.Unlock()
		return State{}, fmt.Errorf("%w: %s", ErrItemNotFound, name)
	}
	prev := it.State
	it.State = state
	it.UpdatedAt = now
	r.mu.Unlock()

	if err := r.repo.UpdateState(ctx, name, state, now); err != nil {
		r.logger.Warn("persisting item state failed", "item", name, "error", err)
		return prev, fmt.Errorf("persisting state of %s: %w", name, err)
	}
	return prev, nil
}

// GetThing returns a copy of the thing with uid.
func (r *Registry) GetThing(uid string) (*Thing, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	th, ok := r.things[uid]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrThingNotFound, uid)
	}
	c := *th
	return &c, nil
}

// ListThings returns all things ordered by UID.
func (r *Registry) ListThings() []Thing {
	r.mu.RLock()
	things := make([]Thing, 0, len(r.things))
	for _, th := range r.things {
		things = append(things, *th)
	}
	r.mu.RUnlock()

	sort.Slice(things, func(i, j int) bool { return things[i].UID < things[j].UID })
	return things
}

// SetThingStatus records a thing's status, creating the thing on first
// report, and returns the previous status.
func (r *Registry) SetThingStatus(ctx context.Context, uid string, status ThingStatus) (ThingStatus, error) {
	now := r.now()

	r.mu.Lock()
	th, ok := r.things[uid]
	if !ok {
		th = &Thing{UID: uid, Status: StatusUninitialized}
		r.things[uid] = th
	}
	prev := th.Status
	th.Status = status
	th.UpdatedAt = now
	snapshot := *th
	r.mu.Unlock()

	if err := r.repo.UpsertThing(ctx, &snapshot); err != nil {
		return prev, fmt.Errorf("persisting thing %s: %w", uid, err)
	}
	return prev, nil
}

package item

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Repository defines item and thing persistence.
type Repository interface {
	// List returns all items ordered by name.
	List(ctx context.Context) ([]Item, error)

	// GetByName returns ErrItemNotFound if the item does not exist.
	GetByName(ctx context.Context, name string) (*Item, error)

	// Upsert inserts or replaces an item definition including its state.
	Upsert(ctx context.Context, item *Item) error

	// UpdateState writes only the state column. Returns ErrItemNotFound if
	// the item does not exist.
	UpdateState(ctx context.Context, name string, state State, at time.Time) error

	// ListThings returns all things ordered by UID.
	ListThings(ctx context.Context) ([]Thing, error)

	// UpsertThing inserts or replaces a thing.
	UpsertThing(ctx context.Context, thing *Thing) error
}

// SQLiteRepository implements Repository using SQLite.
type SQLiteRepository struct {
	db *sql.DB
}

// NewSQLiteRepository creates a new SQLite-backed repository.
func NewSQLiteRepository(db *sql.DB) *SQLiteRepository {
	return &SQLiteRepository{db: db}
}

const itemColumns = `name, label, type, groups, tags, protocol, state, created_at, updated_at`

// List returns all items ordered by name.
func (r *SQLiteRepository) List(ctx context.Context) ([]Item, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT `+itemColumns+` FROM items ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("querying items: %w", err)
	}
	defer rows.Close()

	var items []Item
	for rows.Next() {
		it, err := scanItem(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, *it)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating items: %w", err)
	}
	return items, nil
}

// GetByName returns a single item.
func (r *SQLiteRepository) GetByName(ctx context.Context, name string) (*Item, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+itemColumns+` FROM items WHERE name = ?`, name)
	it, err := scanItem(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrItemNotFound
		}
		return nil, err
	}
	return it, nil
}

// Upsert inserts or replaces an item. created_at is preserved on update.
func (r *SQLiteRepository) Upsert(ctx context.Context, it *Item) error {
	groups, err := json.Marshal(nonNil(it.Groups))
	if err != nil {
		return fmt.Errorf("marshalling groups: %w", err)
	}
	tags, err := json.Marshal(nonNil(it.Tags))
	if err != nil {
		return fmt.Errorf("marshalling tags: %w", err)
	}

	now := time.Now().UTC()
	if it.CreatedAt.IsZero() {
		it.CreatedAt = now
	}
	it.UpdatedAt = now

	_, err = r.db.ExecContext(ctx, `
		INSERT INTO items (`+itemColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(name) DO UPDATE SET
			label = excluded.label,
			type = excluded.type,
			groups = excluded.groups,
			tags = excluded.tags,
			protocol = excluded.protocol,
			state = excluded.state,
			updated_at = excluded.updated_at`,
		it.Name, it.Label, string(it.Type), string(groups), string(tags), it.Protocol,
		it.State.String(), it.CreatedAt.Format(time.RFC3339Nano), it.UpdatedAt.Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("upserting item %s: %w", it.Name, err)
	}
	return nil
}

// UpdateState writes only the state of an item.
func (r *SQLiteRepository) UpdateState(ctx context.Context, name string, state State, at time.Time) error {
	res, err := r.db.ExecContext(ctx,
		`UPDATE items SET state = ?, updated_at = ? WHERE name = ?`,
		state.String(), at.UTC().Format(time.RFC3339Nano), name,
	)
	if err != nil {
		return fmt.Errorf("updating state of %s: %w", name, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking rows affected: %w", err)
	}
	if n == 0 {
		return ErrItemNotFound
	}
	return nil
}

// ListThings returns all things ordered by UID.
func (r *SQLiteRepository) ListThings(ctx context.Context) ([]Thing, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT uid, label, status, updated_at FROM things ORDER BY uid`)
	if err != nil {
		return nil, fmt.Errorf("querying things: %w", err)
	}
	defer rows.Close()

	var things []Thing
	for rows.Next() {
		var th Thing
		var status, updated string
		if err := rows.Scan(&th.UID, &th.Label, &status, &updated); err != nil {
			return nil, fmt.Errorf("scanning thing: %w", err)
		}
		th.Status = ThingStatus(status)
		th.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updated) //nolint:errcheck // written by UpsertThing
		things = append(things, th)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating things: %w", err)
	}
	return things, nil
}

// UpsertThing inserts or replaces a thing.
func (r *SQLiteRepository) UpsertThing(ctx context.Context, th *Thing) error {
	if th.UpdatedAt.IsZero() {
		th.UpdatedAt = time.Now().UTC()
	}
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO things (uid, label, status, updated_at) VALUES (?, ?, ?, ?)
		ON CONFLICT(uid) DO UPDATE SET
			label = excluded.label,
			status = excluded.status,
			updated_at = excluded.updated_at`,
		th.UID, th.Label, string(th.Status), th.UpdatedAt.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("upserting thing %s: %w", th.UID, err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanItem(row rowScanner) (*Item, error) {
	var it Item
	var typ, groups, tags, state, created, updated string
	if err := row.Scan(&it.Name, &it.Label, &typ, &groups, &tags, &it.Protocol, &state, &created, &updated); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scanning item: %w", err)
	}
	it.Type = Type(typ)
	if err := json.Unmarshal([]byte(groups), &it.Groups); err != nil {
		return nil, fmt.Errorf("decoding groups of %s: %w", it.Name, err)
	}
	if err := json.Unmarshal([]byte(tags), &it.Tags); err != nil {
		return nil, fmt.Errorf("decoding tags of %s: %w", it.Name, err)
	}
	it.State = ParseState(state)
	it.CreatedAt, _ = time.Parse(time.RFC3339Nano, created) //nolint:errcheck // written by Upsert
	it.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updated) //nolint:errcheck // written by Upsert
	if len(it.Groups) == 0 {
		it.Groups = nil
	}
	if len(it.Tags) == 0 {
		it.Tags = nil
	}
	return &it, nil
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

package item

import (
	"fmt"
	"slices"
	"strings"
	"time"
)

// Type is the item type. It decides which states and commands are valid.
type Type string

const (
	TypeSwitch        Type = "Switch"
	TypeContact       Type = "Contact"
	TypeDimmer        Type = "Dimmer"
	TypeNumber        Type = "Number"
	TypeString        Type = "String"
	TypeRollershutter Type = "Rollershutter"
	TypeGroup         Type = "Group"
)

// ValidTypes lists every supported item type.
var ValidTypes = []Type{
	TypeSwitch, TypeContact, TypeDimmer, TypeNumber,
	TypeString, TypeRollershutter, TypeGroup,
}

// Item is a named platform value holder.
type Item struct {
	Name      string    `json:"name"`
	Label     string    `json:"label,omitempty"`
	Type      Type      `json:"type"`
	Groups    []string  `json:"groups,omitempty"`
	Tags      []string  `json:"tags,omitempty"`
	Protocol  string    `json:"protocol,omitempty"` // bridge that owns the item, used for command topics
	State     State     `json:"state"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// IsBinary reports whether the item holds a two-valued state.
func (i *Item) IsBinary() bool {
	return i.Type == TypeSwitch || i.Type == TypeContact
}

// IsGroup reports whether the item is a group.
func (i *Item) IsGroup() bool { return i.Type == TypeGroup }

// AcceptsCommands reports whether commands can be sent to the item.
// Contacts are read-only sensors.
func (i *Item) AcceptsCommands() bool {
	return i.Type != TypeContact
}

// MemberOf reports whether the item belongs to group.
func (i *Item) MemberOf(group string) bool {
	return slices.Contains(i.Groups, group)
}

// DeepCopy returns a copy that shares no slices with i.
func (i *Item) DeepCopy() *Item {
	if i == nil {
		return nil
	}
	c := *i
	c.Groups = slices.Clone(i.Groups)
	c.Tags = slices.Clone(i.Tags)
	return &c
}

// Validate checks the item's name, type and group references.
func (i *Item) Validate() error {
	if err := ValidateName(i.Name); err != nil {
		return err
	}
	if !slices.Contains(ValidTypes, i.Type) {
		return fmt.Errorf("%w: unknown type %q", ErrInvalidItem, i.Type)
	}
	for _, g := range i.Groups {
		if err := ValidateName(g); err != nil {
			return fmt.Errorf("group %q: %w", g, err)
		}
		if g == i.Name {
			return fmt.Errorf("%w: %s cannot be a member of itself", ErrInvalidItem, i.Name)
		}
	}
	return nil
}

// ValidateName checks the platform's item naming rule: a letter followed by
// letters, digits or underscores.
func ValidateName(name string) error {
	if name == "" {
		return fmt.Errorf("%w: name is required", ErrInvalidItem)
	}
	for idx, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z':
		case idx > 0 && (r == '_' || (r >= '0' && r <= '9')):
		default:
			return fmt.Errorf("%w: invalid name %q", ErrInvalidItem, name)
		}
	}
	return nil
}

// ThingStatus is the platform's connectivity status for a thing.
type ThingStatus string

const (
	StatusUninitialized ThingStatus = "UNINITIALIZED"
	StatusInitializing  ThingStatus = "INITIALIZING"
	StatusUnknown       ThingStatus = "UNKNOWN"
	StatusOnline        ThingStatus = "ONLINE"
	StatusOffline       ThingStatus = "OFFLINE"
	StatusRemoving      ThingStatus = "REMOVING"
	StatusRemoved       ThingStatus = "REMOVED"
)

var thingStatuses = []ThingStatus{
	StatusUninitialized, StatusInitializing, StatusUnknown,
	StatusOnline, StatusOffline, StatusRemoving, StatusRemoved,
}

// ParseThingStatus translates symbolic forms such as "online", ":online" or
// "Online" into the platform's uppercase token.
func ParseThingStatus(symbol string) (ThingStatus, error) {
	token := ThingStatus(strings.ToUpper(strings.TrimPrefix(strings.TrimSpace(symbol), ":")))
	if !slices.Contains(thingStatuses, token) {
		return "", fmt.Errorf("%w: %q", ErrInvalidThingStatus, symbol)
	}
	return token, nil
}

// Thing is a physical or logical device whose connectivity is tracked.
type Thing struct {
	UID       string      `json:"uid"`
	Label     string      `json:"label,omitempty"`
	Status    ThingStatus `json:"status"`
	UpdatedAt time.Time   `json:"updated_at"`
}

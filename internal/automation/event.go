package automation

import (
	"fmt"
	"time"

	"github.com/nerrad567/gray-logic-rules/internal/item"
)

// Payload keys delivered by the platform with every trigger callback.
const (
	KeyTriggerID = "triggerId"
	KeyType      = "type"
	KeyItem      = "item"
	KeyMember    = "member"
	KeyOldState  = "oldState"
	KeyState     = "state"
	KeyCommand   = "command"
	KeyThing     = "thing"
	KeyOldStatus = "oldStatus"
	KeyStatus    = "status"
	KeyChannel   = "channel"
	KeyEvent     = "event"
	KeyPath      = "path"
	KeyFileEvent = "fileEvent"
	KeyTopic     = "topic"
	KeyPayload   = "payload"
)

// EventType names the kind of platform event that fired a trigger.
type EventType string

// Event types emitted by the platform.
const (
	EventItemStateChanged   EventType = "ItemStateChangedEvent"
	EventItemState          EventType = "ItemStateEvent"
	EventItemCommand        EventType = "ItemCommandEvent"
	EventThingStatusChanged EventType = "ThingStatusChangedEvent"
	EventThingStatus        EventType = "ThingStatusInfoEvent"
	EventChannelTriggered   EventType = "ChannelTriggeredEvent"
	EventTimer              EventType = "TimerEvent"
	EventFileWatch          EventType = "FileWatchEvent"
	EventGeneric            EventType = "GenericEvent"
)

// Event is the typed view of a platform trigger payload.
//
// For group triggers Item is the member that changed and Group is the
// group the trigger was declared on.
type Event struct {
	Type      EventType
	TriggerID string
	Time      time.Time

	Item     string
	Group    string
	OldState item.State
	State    item.State
	Command  item.State

	Thing     string
	OldStatus item.ThingStatus
	Status    item.ThingStatus

	Channel      string
	ChannelEvent string

	Path      string
	FileEvent string

	Topic   string
	Payload string

	// Attachment is the opaque value declared with the trigger.
	Attachment any
}

// IsItemEvent reports whether the event carries an item state or command.
func (e *Event) IsItemEvent() bool {
	if e == nil {
		return false
	}
	switch e.Type {
	case EventItemStateChanged, EventItemState, EventItemCommand:
		return true
	}
	return false
}

// Value returns the value an item or thing event delivered: the command for
// command events, the status for thing events and the new state otherwise.
func (e *Event) Value() item.State {
	if e == nil {
		return item.Null()
	}
	switch e.Type {
	case EventItemCommand:
		return e.Command
	case EventThingStatusChanged, EventThingStatus:
		return item.Text(string(e.Status))
	case EventChannelTriggered:
		return item.Text(e.ChannelEvent)
	default:
		return e.State
	}
}

// eventFromPayload adapts a platform payload map into an Event. Values
// already decoded as item.State pass through; strings, numbers and bools are
// converted with item.FromAny.
func eventFromPayload(payload map[string]any, now time.Time) (*Event, error) {
	ev := &Event{Time: now}

	ev.Type = EventType(stringValue(payload, KeyType))
	ev.TriggerID = stringValue(payload, KeyTriggerID)
	ev.Item = stringValue(payload, KeyItem)
	if member := stringValue(payload, KeyMember); member != "" {
		ev.Group = ev.Item
		ev.Item = member
	}

	var err error
	if ev.OldState, err = stateValue(payload, KeyOldState); err != nil {
		return nil, err
	}
	if ev.State, err = stateValue(payload, KeyState); err != nil {
		return nil, err
	}
	if ev.Command, err = stateValue(payload, KeyCommand); err != nil {
		return nil, err
	}

	ev.Thing = stringValue(payload, KeyThing)
	if s := stringValue(payload, KeyOldStatus); s != "" {
		ev.OldStatus = item.ThingStatus(s)
	}
	if s := stringValue(payload, KeyStatus); s != "" {
		ev.Status = item.ThingStatus(s)
	}

	ev.Channel = stringValue(payload, KeyChannel)
	ev.ChannelEvent = stringValue(payload, KeyEvent)
	ev.Path = stringValue(payload, KeyPath)
	ev.FileEvent = stringValue(payload, KeyFileEvent)
	ev.Topic = stringValue(payload, KeyTopic)
	ev.Payload = stringValue(payload, KeyPayload)

	if ev.Type == "" {
		return nil, fmt.Errorf("payload for trigger %q has no %s", ev.TriggerID, KeyType)
	}
	return ev, nil
}

func stringValue(payload map[string]any, key string) string {
	switch v := payload[key].(type) {
	case nil:
		return ""
	case string:
		return v
	case item.ThingStatus:
		return string(v)
	case fmt.Stringer:
		return v.String()
	default:
		return fmt.Sprint(v)
	}
}

func stateValue(payload map[string]any, key string) (item.State, error) {
	v, ok := payload[key]
	if !ok {
		return item.Null(), nil
	}
	s, err := item.FromAny(v)
	if err != nil {
		return item.State{}, fmt.Errorf("payload key %s: %w", key, err)
	}
	return s, nil
}

package mqtt

import (
	"fmt"
	"strings"
)

// Topic roots.
//
// Bridges use the flat scheme graylogic/{category}/{protocol}/{address}.
// The platform's own events live under graylogic/core.
const (
	TopicPrefixBridge = "graylogic"
	TopicPrefixCore   = "graylogic/core"
	TopicPrefixSystem = "graylogic/system"
)

// Topics builds bus topics.
//
//	topics := mqtt.Topics{}
//	topics.ItemState("Hall_Light")        // graylogic/core/item/Hall_Light/state
//	topics.BridgeCommand("knx", "1/2/3")  // graylogic/command/knx/1/2/3
type Topics struct{}

// ─── Bridge topics ─────────────────────────────────────────────────────────

// BridgeState is where a bridge reports a device state.
func (Topics) BridgeState(protocol, address string) string {
	return fmt.Sprintf("%s/state/%s/%s", TopicPrefixBridge, protocol, address)
}

// BridgeCommand is where commands for a bridge device are published.
func (Topics) BridgeCommand(protocol, address string) string {
	return fmt.Sprintf("%s/command/%s/%s", TopicPrefixBridge, protocol, address)
}

// AllBridgeStates matches every bridge state topic.
func (Topics) AllBridgeStates() string {
	return TopicPrefixBridge + "/state/+/+"
}

// ─── Platform event topics ─────────────────────────────────────────────────

// ItemState carries state updates of an item.
func (Topics) ItemState(name string) string {
	return fmt.Sprintf("%s/item/%s/state", TopicPrefixCore, name)
}

// ItemCommand carries commands sent to an item.
func (Topics) ItemCommand(name string) string {
	return fmt.Sprintf("%s/item/%s/command", TopicPrefixCore, name)
}

// ThingStatus carries status reports of a thing.
func (Topics) ThingStatus(uid string) string {
	return fmt.Sprintf("%s/thing/%s/status", TopicPrefixCore, uid)
}

// ChannelEvents carries trigger channel events. Channel UIDs contain '#',
// which is not allowed in a topic name, so the UID travels in the payload.
func (Topics) ChannelEvents() string {
	return TopicPrefixCore + "/channel/event"
}

// RuleFired announces a rule firing.
func (Topics) RuleFired(uid string) string {
	return fmt.Sprintf("%s/rule/%s/fired", TopicPrefixCore, uid)
}

// AllItemStates matches every item state topic.
func (Topics) AllItemStates() string { return TopicPrefixCore + "/item/+/state" }

// AllItemCommands matches every item command topic.
func (Topics) AllItemCommands() string { return TopicPrefixCore + "/item/+/command" }

// AllThingStatuses matches every thing status topic.
func (Topics) AllThingStatuses() string { return TopicPrefixCore + "/thing/+/status" }

// ─── System topics ─────────────────────────────────────────────────────────

// SystemStatus carries the retained online/offline status of the service.
func (Topics) SystemStatus() string {
	return TopicPrefixSystem + "/status"
}

// ─── Parsing ───────────────────────────────────────────────────────────────

// ParseCoreTopic splits a graylogic/core/{kind}/{id}/{suffix} topic.
// Item names and thing UIDs never contain slashes.
func ParseCoreTopic(topic string) (kind, id, suffix string, ok bool) {
	rest, found := strings.CutPrefix(topic, TopicPrefixCore+"/")
	if !found {
		return "", "", "", false
	}
	parts := strings.Split(rest, "/")
	if len(parts) != 3 || parts[0] == "" || parts[1] == "" || parts[2] == "" {
		return "", "", "", false
	}
	return parts[0], parts[1], parts[2], true
}

// Match reports whether topic matches filter, honouring the + and #
// wildcards. Several triggers may share one broker subscription, so the
// receiver must route messages itself.
func Match(filter, topic string) bool {
	fp := strings.Split(filter, "/")
	tp := strings.Split(topic, "/")
	for i, f := range fp {
		if f == "#" {
			return i == len(fp)-1
		}
		if i >= len(tp) {
			return false
		}
		if f != "+" && f != tp[i] {
			return false
		}
	}
	return len(fp) == len(tp)
}

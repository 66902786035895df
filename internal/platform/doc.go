// Package platform is the automation platform behind the rule engine.
//
// It implements automation.Platform and the engine's item commander on top
// of the item registry, the MQTT bus, a cron scheduler and a file watcher:
//
//	graylogic/core/item/{name}/state     plain token (ON, 21.5, "21.5 °C")
//	graylogic/core/item/{name}/command   plain token, forwarded to the bridge
//	graylogic/core/thing/{uid}/status    thing status (ONLINE, OFFLINE, ...)
//	graylogic/core/channel/event         {"channel": "...", "event": "..."}
//	graylogic/command/{protocol}/{item}  outbound CommandMessage
//
// Commands sent by rules are published to the owning bridge and looped back
// as command events. Items without a protocol are virtual: a command sets
// their state directly.
//
// Exact state, command and status values in a trigger's config are checked
// here before delivery; everything else is re-checked by the engine.
//
// Usage:
//
//	plat, err := platform.New(platform.Deps{Items: items, Bus: mqttClient})
//	if err := plat.Start(ctx); err != nil { ... }
//	defer plat.Close()
package platform

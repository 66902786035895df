// Package mqtt connects the rule service to the internal message bus.
//
// Bridges and the platform publish item states, item commands, thing
// statuses and channel events on the bus; the rule platform subscribes to
// them and publishes the commands rules send. The client wraps
// paho.mqtt.golang with:
//   - auto-reconnect with exponential backoff and subscription restore
//   - a retained online/offline status with a last will
//   - panic-safe message handlers
//   - topic builders and wildcard matching for the graylogic topic scheme
//
// # Topics
//
//	graylogic/core/item/{name}/state      item state updates (retained)
//	graylogic/core/item/{name}/command    item commands
//	graylogic/core/thing/{uid}/status     thing status reports
//	graylogic/core/channel/event          channel trigger events
//	graylogic/command/{protocol}/{addr}   commands to a bridge device
//	graylogic/system/status               service status (retained)
//
// # Usage
//
//	client, err := mqtt.Connect(cfg.MQTT)
//	if err != nil {
//	    return err
//	}
//	defer client.Close()
//
//	err = client.Subscribe(mqtt.Topics{}.AllItemStates(), 1,
//	    func(topic string, payload []byte) error {
//	        _, name, _, _ := mqtt.ParseCoreTopic(topic)
//	        return handleState(name, payload)
//	    })
package mqtt

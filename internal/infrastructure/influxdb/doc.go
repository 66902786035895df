// Package influxdb writes rule telemetry to InfluxDB 2.x.
//
// It wraps influxdb-client-go v2 with the service's connection handling and
// three measurements:
//
//	rule_firing  one point per finished firing (rule, rule_set, status tags)
//	rule_timer   one point per timer event (scope, event tags)
//	item_state   item states seen by the platform (item tag)
//
// Client satisfies the automation engine's Telemetry interface. Writes are
// batched and non-blocking; a disabled or unreachable server never slows
// rule execution down.
//
// Usage:
//
//	client, err := influxdb.Connect(cfg.InfluxDB)
//	if errors.Is(err, influxdb.ErrDisabled) {
//	    // run without telemetry
//	}
//	defer client.Close()
package influxdb

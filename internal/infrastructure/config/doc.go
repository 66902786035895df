// Package config loads the service configuration.
//
// Load starts from built-in defaults, applies the YAML file on top, then
// GRAYLOGIC_* environment variables, and finally validates the result.
// Validate reports every problem at once rather than stopping at the first.
//
// Secrets belong in the environment, not the file:
//
//	GRAYLOGIC_JWT_SECRET       API token signing key (32+ characters, required)
//	GRAYLOGIC_MQTT_PASSWORD    broker password
//	GRAYLOGIC_INFLUXDB_TOKEN   InfluxDB API token
//
// Paths and directories can be overridden the same way, e.g.
// GRAYLOGIC_RULES_DIRECTORY and GRAYLOGIC_ITEMS_FILE.
//
// Cron triggers run in RulesTimezone: rules.timezone when set, otherwise
// site.timezone, otherwise UTC.
package config

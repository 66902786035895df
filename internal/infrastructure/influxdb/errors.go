package influxdb

import "errors"

var (
	// ErrDisabled is returned by Connect when influxdb.enabled is false.
	// Callers run without telemetry.
	ErrDisabled = errors.New("influxdb: disabled in configuration")

	// ErrConnectionFailed wraps a failed ping at Connect or HealthCheck.
	// Point writes are asynchronous; their failures go to SetOnError.
	ErrConnectionFailed = errors.New("influxdb: connection failed")

	ErrNotConnected = errors.New("influxdb: not connected")
)

package influxdb

import "errors"

var (
	// ErrDisabled means telemetry is switched off in config; callers run
	// without the InfluxDB sink.
	ErrDisabled = errors.New("influxdb: telemetry disabled in configuration")

	// ErrInvalidConfig means the telemetry target (url, org or bucket)
	// is incomplete.
	ErrInvalidConfig = errors.New("influxdb: invalid telemetry config")

	ErrConnectionFailed = errors.New("influxdb: connection failed")

	// ErrNotConnected is returned by HealthCheck after Close.
	ErrNotConnected = errors.New("influxdb: not connected")
)

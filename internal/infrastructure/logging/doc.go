// Package logging builds the service's log/slog logger.
//
// Every entry carries service=graylogic-rules and the build version.
// logging.format selects JSON (the default, for log shippers) or text, and
// logging.output picks stdout or stderr.
//
// Levels, lowest first: trace, debug, info, warn, error. Trace is below
// slog's debug and prints as TRACE. The rule engine uses it for guard
// results and hold-timer decisions, which are too chatty for debug on a
// busy site:
//
//	logging:
//	  level: trace
//
// *Logger satisfies the small Logger interfaces declared by the item,
// automation, platform and mqtt packages, so those packages never import
// this one.
//
// Tokens, MQTT passwords and the JWT secret must never be logged. Log the
// token subject instead.
package logging

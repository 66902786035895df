// Package item models the platform objects rules react to: items with a
// typed State, groups of items, and things with a connectivity status.
//
// State is the only value type rule code handles. Payloads from MQTT, JSON,
// YAML rule files and Go maps are converted at the boundary with ParseState,
// FromAny and the codec methods, so equality and numeric coercion behave the
// same regardless of where a value came from.
//
// Registry keeps an RWMutex-protected cache in front of a Repository
// (SQLite in production). Reads on the event path never hit the database.
package item

// Package metrics provides operational metrics collection.
//
// Collectors are registered on an explicit prometheus.Registerer so each
// session (and each test) owns its own set. A nil *Metrics is valid and
// records nothing.
//
// # Metric Categories
//
//   - Sends: outbound messages by transport (hub or fallback) and outcome
//   - Dispatch: inbound events delivered to listeners, by kind
//   - Connection: hub link state and reconnect attempts
//   - Hub: connections and frames served by the development hub
package metrics

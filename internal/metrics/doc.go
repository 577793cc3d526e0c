// Package metrics exposes gateway counters in the Prometheus format.
//
// A Metrics value owns its own prometheus.Registry. The gateway increments
// the collectors directly and mounts Handler at metrics.path when
// metrics.enabled is set. ObserveSave plugs into the identity store's
// SaveHook so snapshot writes are counted and timed.
package metrics

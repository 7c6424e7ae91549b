// Package metrics exposes the Prometheus series jsclaw's components
// update at their own mutation points, plus a Collector that
// periodically samples queue-shaped state that isn't naturally kept in
// sync from any single call site (active_count, per-group depth).
package metrics

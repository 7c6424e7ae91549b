// Package events is an in-process pub/sub broker for orchestrator
// lifecycle notifications (container spawned/exited, queue retries and
// failures, mount rejections, quarantined IPC entries). It carries no
// authority over behavior. It exists for observability and for tests
// that need to assert ordering without reaching into package internals.
package events

// Package queue implements the per-group work queue and scheduler: a
// bounded-concurrency dispatcher that serializes message checks and
// task directives onto one container slot per group, retries failed
// work items with exponential backoff, and relays outbound prompts into
// a live container's input mailbox.
package queue

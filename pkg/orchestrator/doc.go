// Package orchestrator is the facade that wires the container runner
// and the group queue together: it runs one container invocation,
// registers the live process with the queue as soon as it spawns, and
// returns the container's final output while the queue's SendMessage
// remains usable for the rest of the call to push more input into the
// same running container.
package orchestrator

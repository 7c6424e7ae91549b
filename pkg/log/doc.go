/*
Package log provides structured logging for the orchestrator using
zerolog: JSON or console output, a configurable level, and per-component
child loggers (WithComponent, WithGroup, WithContainer) that tag every
line with the identifier a reader needs to follow one group or one
container's lifecycle across the log stream.
*/
package log

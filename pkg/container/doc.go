// Package container spawns and supervises the short-lived subprocess
// that runs one agent turn for a group: building its CLI argv, piping
// the JSON input to its stdin, parsing sentinel-framed JSON results off
// its stdout, and enforcing the idle-timeout and output-size ceilings
// that keep a runaway agent from monopolizing a slot.
package container

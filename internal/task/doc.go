// Package task runs one join scheduler per owner and exposes per-owner
// control (start, pause, resume, stop, status) through a Registry.
//
// State machine:
//
//	INIT -> RUNNING <-> PAUSED -> STOPPED | COMPLETED
//
// Every suspension (waiting for an account, a throttle wait, the jitter
// between joins) is a cancellable timed wait that re-checks pause and stop
// when it wakes. Stop is cooperative: an attempt already on the wire
// finishes, but no new one starts.
package task

// Package notify carries scheduler progress to the owner.
//
// The scheduler emits Events to a Sink; the default BusSink publishes them on
// the in-memory event bus, and a Forwarder delivers them as chat messages at
// a bounded rate. Delivery is fire-and-forget: nothing here can block or fail
// a running task.
package notify

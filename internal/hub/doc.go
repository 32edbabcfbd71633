// Package hub holds the pattern-independent parts of a relay.
//
// A Hub owns a Registry of live connections keyed by (role, identity), a
// Broadcaster that is the only write path to peers, a liveness Monitor, and
// the reconciler that removes closed channels and runs departure rules.
//
// Every event (a connection attaching, an inbound frame, a pong, a closure,
// a heartbeat tick, a sweep, a timer) runs on the goroutine that called Run.
// Registry mutations therefore never race, and a handler sees a consistent
// snapshot while it routes one message. Other goroutines read hub state
// through Do.
//
// Relay patterns plug in as a Handler: signaling and tracking are the two
// implementations.
package hub

// Package correlator makes a multi-turn workflow durable across arbitrary
// delays and process restarts. It correlates inbound callbacks from
// long-running external tools to the task that issued the call, handles
// live-user interruption and resumption, and serializes all task mutation
// behind an exclusive per-thread lease so that the same task can never be
// resumed twice concurrently.
//
// Delivery is at-least-once: a callback whose correlation key is unknown or
// already consumed is rejected as a no-op, so redeliveries and stale
// duplicates never change state twice.
package correlator

// Package ctrl implements the coordination service shared by every worker of
// a job: barriers, one-shot named latches, a write-once key-value rendezvous
// store and atomic counters.
//
// All named state lives in a [Registry] owned by a single dispatch goroutine
// of the [Server]. Calls are processed one at a time, so the registry needs
// no locking. A call whose condition does not hold yet (a barrier that is not
// full, a latch still in progress, a key not pushed yet) is parked and
// answered later from the handler of the call that satisfies it. The
// dispatch goroutine never waits for such a condition.
//
// The service assumes a cooperating population of callers: protocol
// violations (a barrier count mismatch, a double notify, pushing the same key
// twice...) panic with an error wrapping one of the package sentinels.
//
// Remote callers reach the [Server] through a [Caller], typically the QUIC
// network of the root package, and use the typed [Client].
package ctrl

// Package transport moves raw byte ranges between the machines of a job.
//
// A transfer is identified by a [Token] chosen by the caller. The source
// machine calls [Transport.Send] and the destination machine calls
// [Transport.Receive] with the same token, in any order. Once both sides are
// known the destination reads the bytes from the source through the
// [CommNet], fires its completion callback, and acknowledges the transfer so
// the source can fire its own. Completion callbacks of remote transfers run
// on the message poller of their transport, one at a time.
//
//	source                               destination
//	Send(tok) ── MsgKindSend{size,mem} ──▶ Receive(tok) (before or after)
//	                                       Read(mem) ◀── bytes
//	onDone() ◀────── MsgKindAck ───────── onDone()
//
// When source and destination are the same machine the transfer never
// reaches the CommNet: the pair is matched in a separate table and the bytes
// are copied by whichever call completes it.
//
// Misuse (reusing a token, receiving into a buffer smaller than what the
// sender announced) panics with an error wrapping one of the package
// sentinels.
package transport

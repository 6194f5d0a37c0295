// Package relay filters a document change feed per viewer.
//
// A relay session sits between the unfiltered change feed of a document
// store and one authenticated viewer's open connection. It re-emits only
// the change records the viewer is permitted to observe, preserving the
// source sequence order and the feed's heartbeat semantics, and keeps a
// durable per-viewer cursor so a reconnect resumes where the viewer
// actually left off.
//
// Logging convention in the `relay` package:
// Info:
//     essential events for abnormal behavior. This level should be silent on
//     normal operation, with the exception of one time (infrequent) session
//     lifecycle data that is useful for monitoring
//     this includes:
//     - backpressure and connectivity timeouts
//     - degraded-fidelity skips (records dropped on lookup failure)
//     - abnormal exits
// Warning/Error:
//     unrecoverable crash details
//     this includes:
//     - unexpected panics even if handled and suppressed for partial operation
// V(1), V(2):
//     key events for trace debugging and statistics
//     this includes:
//     - per-record events - e.g. pull, lookup, decide, forward, skip -
//       with session ids that can be used to filter
package relay

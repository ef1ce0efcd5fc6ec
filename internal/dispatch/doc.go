// Package dispatch serializes every delivery job through one ordered queue.
//
// Both watchers hand their messages to the same Service, which owns a single
// worker. The worker resolves targets fresh for each job, waits for the
// minimum interval between jobs and runs the delivery engine. Because only
// one job ever runs at a time, clipboard and keystroke injection from the
// feed and live sources can never interleave.
//
// # Dedup
//
// Identical messages from the same source within DedupWindow are suppressed.
// The suppression state can be persisted through storage so it survives
// restarts.
//
// # History
//
// For operator visibility, the service keeps a small in-memory history of
// recent job reports.
package dispatch

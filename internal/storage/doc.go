// Package storage persists the relay's state.
//
// It currently supports:
//   - Snapshot pairs per source (previous/current raw payload, atomic rotate)
//   - Delivery audit appends
//   - Optional dispatcher dedup state (to survive restarts)
package storage

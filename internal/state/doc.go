// Package state persists everything the agent must remember across restarts
// in a single SQLite database.
//
// The store holds provisioning settings (device id, endpoint pair, active
// desired configuration and its revision), the capability table, installed
// file records, the persisted work queues, per-revision skip records, and
// the fault log read by the crash-loop guard. Writes happen only from the
// flow goroutine after an operation has fully completed; multi-row updates
// run inside a transaction so a killed process never observes partial
// state.
package state

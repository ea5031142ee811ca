// Package daemon coordinates the long-running fleetagent process and its
// system integration points.
//
// It ties configuration, the state store, and the workflow manager into a
// single lifecycle with flock-based locking to prevent multiple instances.
// The daemon serves the local control API on a unix socket and listens for
// kernel network events so a reconnecting device refreshes promptly.
//
// Keep orchestration logic here: reconciliation steps live in their own
// packages while the daemon focuses on startup, shutdown, and wiring.
package daemon

// Package workflow drives the reconciliation flow.
//
// A single Manager goroutine owns the flow: it walks the capability gate,
// fetches the desired configuration, resolves endpoint migration, drains the
// files queue and then the applications queue, runs escalation once per
// configuration revision, and finishes with post-sync side effects and the
// steady-state posture. Slow work (fetching, probing, hashing, executing an
// operation, escalating) runs on worker goroutines that post events back to
// the manager; only the manager mutates the work queues and writes records.
//
// Operator commands (refresh, resume, retry/skip decisions, device id,
// reset, capability declines) are delivered through the same event channel,
// so they are serialized with worker results. Status and Queue read a
// snapshot that the manager republishes after every change.
package workflow

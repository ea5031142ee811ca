// Package notifications pushes operator-facing events to ntfy.
//
// Events cover the moments an unattended device needs a human: skipped
// work items, paused decisions, pending capability grants, escalation
// outcomes and crash-loop suspension. When no topic is configured the
// service degrades to a no-op, so flow code calls it unconditionally.
package notifications

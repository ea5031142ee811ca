// Package main hosts the fleetagent CLI entrypoint and command graph.
//
// The Cobra command tree runs the daemon in the foreground and translates
// operator commands into calls against the local control API on the
// agent's unix socket. Configuration resolution and socket discovery live
// here so subcommands only format results.
package main

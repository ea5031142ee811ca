// Package ipc holds the wire types of the local control API and the client
// the CLI uses to reach a running agent over its unix socket.
//
// The daemon serves these types from its chi router; keep request and
// response shapes here so both sides agree on one definition. Client calls
// carry a short timeout so commands fail fast when the agent is offline.
package ipc

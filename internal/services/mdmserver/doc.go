// Package mdmserver is the HTTP client for the management authority.
//
// Every call takes an explicit Endpoint so the caller decides whether a
// request goes to the primary, the secondary, or a migration target.
// Errors are classified with the services markers: ErrAuth when the
// authority rejects the device identity and ErrNetwork for everything that
// may succeed on another endpoint or a later attempt.
package mdmserver

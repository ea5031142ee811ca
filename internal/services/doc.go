// Package services defines shared utilities consumed by the reconciliation
// flow and its external integrations.
//
// Key responsibilities:
//   - Context helpers that stamp cycle IDs, flow phases, and correlation
//     identifiers for logging.
//   - Structured error markers plus the Wrap helper, so every component
//     reports failures that the flow can classify with errors.Is.
//
// Clients for external systems live in subpackages (mdmserver).
package services

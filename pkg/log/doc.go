// Package log provides structured logging for parafile using zerolog.
//
// All parafile processes - the coordinator, the mapper and reducer
// worker subcommands, and the local/remote backends - share one global
// logger configured once via Init. Call sites attach context with the
// With* helpers (WithComponent, WithJobID, WithURI) rather than
// building ad-hoc zerolog.Context chains, so every log line from a
// given subsystem carries the same field names.
package log

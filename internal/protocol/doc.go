// Package protocol owns the tool meister wire contract.
//
// Ownership boundary:
// - broker channel and key naming
//
// - phase command, ready announcement, client status and roster payloads
//
// - coordinator and sink parameter blocks
//
// - the start -> stop -> send phase state machine shared by coordinators and
// the sink
//
// Payloads are plain JSON objects. Decoders are strict: a payload whose key set
// differs from the documented one is rejected, never defaulted.
package protocol

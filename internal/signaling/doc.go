// Package signaling implements the relay's WebSocket surface: envelope
// parsing, the message router, per-connection read/write loops and the
// liveness monitor. All room state lives in the room.Registry; this package
// only interprets envelopes and moves them between connections.
package signaling

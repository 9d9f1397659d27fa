// Package transport abstracts the physical serial link OKBOOT runs over,
// per spec.md §4.13 ("the serial transport driver itself ... is an external
// collaborator"). The reactor only ever sees this interface, never a
// concrete port, so the same reactor loop drives a real UART
// (SerialTransport, go.bug.st/serial) or an in-memory pipe (Pipe, used by
// the reactor and host upload tests).
//
// Grounded in idiom on a one-byte-at-a-time, non-blocking serial read loop,
// generalized from its goroutine-plus-channel design to the single-threaded
// cooperative polling spec.md's reactor loop requires.
package transport

// Transport is the byte-level link the frame layer rides on. Every method
// is non-blocking: a Transport that currently has nothing to read or no
// room to write reports that via its return value rather than blocking the
// reactor tick.
type Transport interface {
	// ReadByte returns the next available byte. ok is false when nothing
	// was available to read this tick.
	ReadByte() (b byte, ok bool, err error)
	// WriteByte attempts to write one byte. ok is false when the
	// transport's own buffer is currently full and the byte was not
	// accepted (the caller should retry it next tick).
	WriteByte(b byte) (ok bool, err error)
	// SetBaud reconfigures the link's baud rate, used once the handshake
	// negotiates a rate faster than the legacy default.
	SetBaud(baud uint32) error
	// Overrun reports (and clears) whether bytes were dropped since the
	// last call because the caller wasn't reading fast enough.
	Overrun() bool
	Close() error
}

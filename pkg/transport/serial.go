package transport

import (
	"fmt"
	"time"

	"go.bug.st/serial"
)

// SerialTransport drives a real UART via go.bug.st/serial.
type SerialTransport struct {
	port serial.Port

	readBuf    [1]byte
	overrun    bool
	lastStatus serial.ModemStatusBits
}

// pollReadTimeout is short enough that ReadByte never meaningfully blocks
// the reactor tick, but long enough to avoid spinning the CPU between
// bytes at realistic baud rates.
const pollReadTimeout = time.Millisecond

// Open opens devicePath at the given baud rate, 8 data bits, no parity, one
// stop bit (the framing spec.md's rate-relative timeouts assume).
func Open(devicePath string, baud int) (*SerialTransport, error) {
	mode := &serial.Mode{
		BaudRate: baud,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}
	port, err := serial.Open(devicePath, mode)
	if err != nil {
		return nil, fmt.Errorf("transport: open %s: %w", devicePath, err)
	}
	if err := port.SetReadTimeout(pollReadTimeout); err != nil {
		_ = port.Close()
		return nil, fmt.Errorf("transport: set read timeout: %w", err)
	}
	return &SerialTransport{port: port}, nil
}

// ReadByte reads at most one byte, returning ok=false on timeout (nothing
// arrived within pollReadTimeout) rather than blocking indefinitely.
func (t *SerialTransport) ReadByte() (byte, bool, error) {
	n, err := t.port.Read(t.readBuf[:])
	if err != nil {
		return 0, false, fmt.Errorf("transport: read: %w", err)
	}
	if n == 0 {
		return 0, false, nil
	}
	return t.readBuf[0], true, nil
}

// WriteByte writes one byte. go.bug.st/serial's Write is itself blocking
// at the OS level, so this always either succeeds or returns an error —
// there is no partial-acceptance case to report via ok=false.
func (t *SerialTransport) WriteByte(b byte) (bool, error) {
	n, err := t.port.Write([]byte{b})
	if err != nil {
		return false, fmt.Errorf("transport: write: %w", err)
	}
	return n == 1, nil
}

// SetBaud reopens the port's mode at the new baud rate.
func (t *SerialTransport) SetBaud(baud uint32) error {
	mode := &serial.Mode{
		BaudRate: int(baud),
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}
	if err := t.port.SetMode(mode); err != nil {
		return fmt.Errorf("transport: set baud %d: %w", baud, err)
	}
	return nil
}

// Overrun is always false for SerialTransport: go.bug.st/serial itself
// buffers at the OS level and reports read errors rather than silent
// drops, so there is nothing for this layer to additionally detect.
func (t *SerialTransport) Overrun() bool { return false }

// Close releases the underlying port.
func (t *SerialTransport) Close() error {
	return t.port.Close()
}

// Package timeouts converts byte counts into wall-clock durations relative
// to a baud rate, and holds the named timeout budgets used across the
// handshake, transfer, and reactor state machines.
package timeouts

import "time"

// RateRelativeTimeout is a byte count that gets converted to a duration once
// a baud rate is known. At 8-N-1 framing, 10 bit-times are spent per byte.
type RateRelativeTimeout uint32

// FromBytes constructs a RateRelativeTimeout from a raw byte count.
func FromBytes(n uint32) RateRelativeTimeout {
	return RateRelativeTimeout(n)
}

// AtBaud8N1 converts the byte count to a duration at the given baud rate,
// assuming 8-N-1 framing (10 bit-times per byte). baud == 0 is treated as an
// infinite-speed transport and returns a small fixed constant instead of
// dividing by zero.
func (r RateRelativeTimeout) AtBaud8N1(baud uint32) time.Duration {
	if baud == 0 {
		return infiniteSpeedConstant
	}
	// ceil(bytes * 10 * 1e6 / baud) microseconds
	numerator := uint64(r) * 10 * 1_000_000
	micros := (numerator + uint64(baud) - 1) / uint64(baud)
	return time.Duration(micros) * time.Microsecond
}

// infiniteSpeedConstant is used for transports with no meaningful baud rate
// (e.g. a local pipe in tests).
const infiniteSpeedConstant = 5 * time.Millisecond

// Named byte budgets, shared by the handshake, transfer, and reactor layers.
const (
	ErrorRecoveryBytes   = RateRelativeTimeout(12)
	ByteReadBytes        = RateRelativeTimeout(2)
	SessionExpiresBytes  = RateRelativeTimeout(12 * 1024)
	HeartbeatResendBytes = RateRelativeTimeout(0x300) // ~768 B
	BufferRetryBytes     = RateRelativeTimeout(128)
)

// HostProbeInterval is a fixed wall-clock interval (not rate-relative): the
// host never drives timing off the baud rate for its own probe cadence.
const HostProbeInterval = 300 * time.Millisecond

// ChunkWaitSessionExpiry scales a per-byte timeout up to the long variant used
// while waiting on chunk-sized transfers (spec: chunk_size * 16 * 2 for
// session expiry, chunk_size * 16 for heartbeat resend).
func ChunkWaitSessionExpiry(chunkSize uint32, baud uint32) time.Duration {
	return FromBytes(chunkSize * 16 * 2).AtBaud8N1(baud)
}

// ChunkWaitHeartbeat is the heartbeat resend timeout while waiting for a
// chunk, which is much longer than the steady-state resend timeout because
// chunks are large and infrequent.
func ChunkWaitHeartbeat(chunkSize uint32, baud uint32) time.Duration {
	return FromBytes(chunkSize * 16).AtBaud8N1(baud)
}

// Timeouts bundles the reactor-level timeout durations recomputed whenever
// the baud rate changes (at initial boot and after a successful reclock).
type Timeouts struct {
	ErrorRecovery  time.Duration
	ByteRead       time.Duration
	SessionExpires time.Duration
}

// New8N1 recomputes a Timeouts bundle for the given baud rate.
func New8N1(baud uint32) Timeouts {
	return Timeouts{
		ErrorRecovery:  ErrorRecoveryBytes.AtBaud8N1(baud),
		ByteRead:       ByteReadBytes.AtBaud8N1(baud),
		SessionExpires: SessionExpiresBytes.AtBaud8N1(baud),
	}
}

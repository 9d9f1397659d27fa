// Package hostupload implements the host side of the OKBOOT upload
// protocol (spec.md §4.10): the mirror image of pkg/reactor's device-side
// automata, reused in idiom rather than literally. Grounded on
// original_source/artefacts/theseus-upload/src/theseus/v1.rs's dispatch
// loop for the overall reactive shape (a resend-driven handshake followed
// by request/reply transfer phases) and
// original_source/host/okdude/src/v2.rs for the v2 metadata/chunk exchange
// — neither file's wire format is carried over, since pkg/frame/pkg/message
// already implement the one true wire format both protocol versions share
// with the device.
//
// Unlike the device, the host never resends during the transfer phase: the
// device's own transfer automaton resends its current request on its own
// heartbeat (pkg/transfer), so the host only has to answer once per
// request. The handshake is the one phase the host must drive, since
// nothing on the device resends the initial Probe.
package hostupload

import (
	"bytes"
	"compress/flate"
	"errors"
	"fmt"
	"hash/crc32"
	"time"

	"github.com/librescoot/okboot/pkg/clock"
	"github.com/librescoot/okboot/pkg/frame"
	"github.com/librescoot/okboot/pkg/message"
	"github.com/librescoot/okboot/pkg/progress"
	"github.com/librescoot/okboot/pkg/ring"
	"github.com/librescoot/okboot/pkg/timeouts"
	"github.com/librescoot/okboot/pkg/transport"
)

// ErrAbend is returned by Run when the device rejected the handshake or a
// transfer message (bad CRC sanity check, unsupported version/baud).
var ErrAbend = errors.New("hostupload: device abended the session")

// ErrSilence is returned by Run when the device stops responding for
// longer than SilenceWatchdog, the "short overall watchdog for total
// silence" spec.md §4.10 calls for.
var ErrSilence = errors.New("hostupload: device went silent")

// SilenceWatchdog bounds how long Run waits for any sign of life from the
// device (a single decoded frame) before giving up. It's expressed as a
// multiple of the host's own probe cadence rather than a bare constant, so
// both numbers move together if the cadence is ever retuned.
const SilenceWatchdog = 20 * timeouts.HostProbeInterval

// xorMask is fixed by spec.md §6 ("mask every byte inside COBS with
// 0x55"); unlike the legacy detector's byte, this one is never configurable.
const xorMask = 0x55

const rxBufferSize = 0x10000

// reclockSettle is how long the host waits after writing UseVersion and
// reconfiguring its own transport's baud rate before trusting bytes at the
// new rate, matching handshake.ReclockDelay on the device side.
const reclockSettle = 50 * time.Millisecond

// Config carries the upload parameters the CLI collects.
type Config struct {
	// Version requests a specific protocol version; 0 picks the highest
	// the device advertises.
	Version uint32
	// Baud requests a specific baud rate; 0 picks the highest the device
	// advertises.
	Baud uint32
	// LoadAt is the flat load address used by v1, or by v2 when Format is
	// message.FormatFlat.
	LoadAt uint32
	// Format selects the v2 image format. Ignored when the negotiated
	// version is 1 (always flat).
	Format message.Format
}

type sessionPhase int

const (
	phaseHandshake sessionPhase = iota
	phaseTransferV1
	phaseTransferV2
	phaseDone
	phaseFailed
)

// Session drives one upload from probe to boot dispatch (or failure) over
// a transport.Transport, polling it the same non-blocking way pkg/reactor
// polls the device's.
type Session struct {
	transport transport.Transport
	clk       clock.Clock
	cfg       Config
	raw       []byte
	reporter  progress.Reporter

	tx      *ring.Buffer
	decoder *frame.Decoder

	phase sessionPhase
	hs    *handshakeClient
	v1    *v1Responder
	v2    *v2Responder

	lastFrame clock.Instant
	err       error
}

// NewSession creates a Session ready to upload raw (the image file's exact
// bytes, uncompressed) over t.
func NewSession(t transport.Transport, clk clock.Clock, cfg Config, raw []byte, reporter progress.Reporter) *Session {
	return &Session{
		transport: t,
		clk:       clk,
		cfg:       cfg,
		raw:       raw,
		reporter:  reporter,
		tx:        ring.New(rxBufferSize),
		decoder:   frame.NewDecoder(xorMask, rxBufferSize),
		phase:     phaseHandshake,
		hs:        newHandshakeClient(clk, cfg),
		lastFrame: clk.Now(),
	}
}

// Run drives the session to completion, blocking the calling goroutine.
// It returns nil once the device reports Booting, or one of ErrAbend /
// ErrSilence / a transport error otherwise.
func (s *Session) Run() error {
	for {
		done, err := s.tick()
		if err != nil {
			s.reporter.Error(err)
			return err
		}
		if done {
			s.reporter.Done()
			return nil
		}
	}
}

func (s *Session) tick() (bool, error) {
	if err := s.drainTx(); err != nil {
		return false, fmt.Errorf("hostupload: write: %w", err)
	}

	b, ok, err := s.transport.ReadByte()
	if err != nil {
		return false, fmt.Errorf("hostupload: read: %w", err)
	}
	if ok {
		f, ferr := s.decoder.Poll(b)
		if ferr != nil {
			// A malformed frame during an upload is dropped without
			// ending the session; the watchdog below is what decides
			// whether the link has actually died.
			return false, nil
		}
		if f != nil {
			s.lastFrame = s.clk.Now()
			return s.dispatch(f)
		}
	}

	// Heartbeat runs after receive, mirroring the device reactor's own
	// ordering, so a handshake completed by this same tick's dispatch
	// doesn't get a spurious extra Probe queued behind it.
	if s.phase == phaseHandshake {
		s.hs.Heartbeat(s.tx, xorMask)
	}

	if s.lastFrame.Elapsed(s.clk.Now()) > SilenceWatchdog {
		return false, ErrSilence
	}
	return false, nil
}

func (s *Session) drainTx() error {
	for {
		b, ok := s.tx.FrontByte()
		if !ok {
			return nil
		}
		wrote, err := s.transport.WriteByte(b)
		if err != nil {
			return err
		}
		if !wrote {
			return nil
		}
		s.tx.ShiftByte()
	}
}

func (s *Session) dispatch(f *frame.Frame) (bool, error) {
	msg, err := message.Decode(f.Header.Type, f.Payload)
	if err != nil {
		return false, nil
	}

	switch s.phase {
	case phaseHandshake:
		res := s.hs.HandlePacket(msg, s.tx, xorMask)
		switch res.Outcome {
		case handshakeAbend:
			return false, ErrAbend
		case handshakeSwitchToTransfer:
			return s.switchToTransfer(res.Version, res.Baud)
		}
		return false, nil

	case phaseTransferV1:
		ev := s.v1.HandlePacket(msg, s.tx, xorMask)
		if ev.Failed {
			return false, ErrAbend
		}
		if ev.ChunkSent {
			s.reporter.ChunkSent(ev.ChunkNo, ev.Total)
		}
		return ev.Booting, nil

	case phaseTransferV2:
		ev := s.v2.HandlePacket(msg, s.tx, xorMask)
		if ev.Failed {
			return false, ErrAbend
		}
		if ev.ChunkSent {
			s.reporter.ChunkSent(ev.ChunkNo, ev.Total)
		}
		return ev.Booting, nil
	}
	return false, nil
}

func (s *Session) switchToTransfer(version, baud uint32) (bool, error) {
	if err := s.drainTx(); err != nil {
		return false, err
	}
	if err := s.transport.SetBaud(baud); err != nil {
		return false, fmt.Errorf("hostupload: set baud %d: %w", baud, err)
	}
	time.Sleep(reclockSettle)

	if version == 1 {
		crc := crc32.ChecksumIEEE(s.raw)
		s.v1 = newV1Responder(ProgramInfo{LoadAt: s.cfg.LoadAt, Data: s.raw, CRC: crc})
		s.phase = phaseTransferV1
		return false, nil
	}

	compressed, err := deflate(s.raw)
	if err != nil {
		return false, fmt.Errorf("hostupload: compress image: %w", err)
	}
	s.v2 = newV2Responder(Metadata{
		Format:          s.cfg.Format,
		LoadAt:          s.cfg.LoadAt,
		Compressed:      compressed,
		CompressedCRC:   crc32.ChecksumIEEE(compressed),
		DecompressedLen: uint32(len(s.raw)),
		DecompressedCRC: crc32.ChecksumIEEE(s.raw),
	})
	s.phase = phaseTransferV2
	return false, nil
}

// deflate compresses data with the standard library's raw DEFLATE writer,
// matching both device loaders' pkg/inflate counterpart and the original
// host's miniz_oxide::deflate::compress_to_vec call.
func deflate(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	w, err := flate.NewWriter(&buf, flate.BestCompression)
	if err != nil {
		return nil, err
	}
	if _, err := w.Write(data); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Package inflate incrementally decompresses the deflate stream used by
// OKBOOT protocol v2 (spec.md §4.9), adapting compress/flate's one-shot
// io.Reader interface to the chunk-at-a-time arrival pattern the transfer
// automaton receives compressed bytes in.
//
// Grounded on the device v2 protocol's streaming inflate loop
// (original_source/device/okboot/src/protocol/v2.rs's recv_chunk, which
// feeds miniz_oxide's inflate::stream API with whatever bytes a chunk
// brought and drains whatever decompressed bytes came out, synchronously,
// within the same call). Go's standard library has no equivalent
// synchronous incremental inflate entry point, so this package gets the
// same synchronous behavior a different way: it keeps every compressed
// byte seen so far and re-runs compress/flate's Reader over the whole
// thing on each Drain, returning only the suffix not already delivered.
// That costs more CPU than a true incremental decoder, but it stays
// single-threaded and deterministic — no background goroutine, no
// partially-delivered-output races — which matters more for a transfer
// this size (a firmware image, chunked in the tens to low hundreds of
// pieces) than the redundant work does.
package inflate

import (
	"bytes"
	"compress/flate"
	"errors"
	"io"
)

// Decompressor incrementally inflates a raw DEFLATE stream. Feed bytes as
// they arrive (e.g. one protocol chunk at a time); call Drain after each
// Feed to collect whatever new output that chunk made decodable.
type Decompressor struct {
	compressed []byte
	delivered  int
	finished   bool
}

// New creates a Decompressor ready to receive raw DEFLATE bytes via Feed.
func New() *Decompressor {
	return &Decompressor{}
}

// Feed appends the next run of raw DEFLATE bytes.
func (d *Decompressor) Feed(data []byte) error {
	if d.finished {
		return errors.New("inflate: feed after stream finished")
	}
	d.compressed = append(d.compressed, data...)
	return nil
}

// Drain decompresses as much of the bytes fed so far as the stream
// currently allows, returning only the portion not yet returned by a
// previous call. It returns io.EOF once the deflate stream has reached
// its logical end (no more output will ever arrive); any other non-nil
// error means the compressed data itself is corrupt.
func (d *Decompressor) Drain() ([]byte, error) {
	if d.finished {
		return nil, io.EOF
	}
	fr := flate.NewReader(bytes.NewReader(d.compressed))
	out, err := io.ReadAll(fr)
	fr.Close()

	fresh := out[d.delivered:]
	d.delivered = len(out)

	switch {
	case err == nil:
		// io.ReadAll only returns a nil error once the underlying reader
		// hit a clean io.EOF, which for flate.Reader means the stream's
		// logical end (its own trailer), not just "ran out of bytes".
		d.finished = true
		return fresh, io.EOF
	case errors.Is(err, io.ErrUnexpectedEOF):
		// The stream isn't finished yet; we just haven't fed enough
		// compressed bytes to reach its end.
		return fresh, nil
	default:
		return fresh, err
	}
}

package inflate

import (
	"bytes"
	"compress/flate"
	"io"
	"testing"

	"github.com/stretchr/testify/require"
)

func deflate(t *testing.T, data []byte) []byte {
	t.Helper()
	var buf bytes.Buffer
	w, err := flate.NewWriter(&buf, flate.BestCompression)
	require.NoError(t, err)
	_, err = w.Write(data)
	require.NoError(t, err)
	require.NoError(t, w.Close())
	return buf.Bytes()
}

func TestDecompressorFedInOneShot(t *testing.T) {
	original := bytes.Repeat([]byte("okboot-transfer-payload"), 500)
	compressed := deflate(t, original)

	d := New()
	require.NoError(t, d.Feed(compressed))
	got, err := d.Drain()
	require.ErrorIs(t, err, io.EOF)
	require.Equal(t, original, got)
}

func TestDecompressorFedInChunks(t *testing.T) {
	original := bytes.Repeat([]byte("the quick brown fox jumps"), 800)
	compressed := deflate(t, original)

	d := New()
	const chunkSize = 37 // deliberately not aligned to anything
	var out []byte
	var doneErr error
	for i := 0; i < len(compressed); i += chunkSize {
		end := i + chunkSize
		if end > len(compressed) {
			end = len(compressed)
		}
		require.NoError(t, d.Feed(compressed[i:end]))
		chunk, err := d.Drain()
		out = append(out, chunk...)
		if err != nil {
			require.ErrorIs(t, err, io.EOF)
			doneErr = err
		}
	}
	require.ErrorIs(t, doneErr, io.EOF)
	require.Equal(t, original, out)
}

func TestDecompressorRejectsCorruption(t *testing.T) {
	original := bytes.Repeat([]byte("payload"), 200)
	compressed := deflate(t, original)
	corrupted := append([]byte(nil), compressed...)
	for i := 4; i < 12 && i < len(corrupted); i++ {
		corrupted[i] ^= 0xff
	}

	d := New()
	require.NoError(t, d.Feed(corrupted))
	_, err := d.Drain()
	require.Error(t, err)
}

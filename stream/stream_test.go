package stream

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	w := NewWriter(&buf)

	w.PutUint16(0xBEEF)
	w.PutUint32(0xDEADBEEF)
	w.PutUint64(0x0123456789ABCDEF)
	w.PutString("ring0")
	w.Write([]byte{1, 2, 3})
	require.NoError(t, w.Err())

	r := NewReader(&buf)
	require.Equal(t, uint16(0xBEEF), r.GetUint16())
	require.Equal(t, uint32(0xDEADBEEF), r.GetUint32())
	require.Equal(t, uint64(0x0123456789ABCDEF), r.GetUint64())
	require.Equal(t, "ring0", r.GetString())

	raw := make([]byte, 3)
	r.Read(raw)
	require.Equal(t, []byte{1, 2, 3}, raw)
	require.NoError(t, r.Err())
}

func TestFieldsAreBigEndian(t *testing.T) {
	var buf bytes.Buffer
	w := NewWriter(&buf)
	w.PutUint32(0x01020304)
	require.NoError(t, w.Err())
	require.Equal(t, []byte{1, 2, 3, 4}, buf.Bytes())
}

func TestReaderErrorIsSticky(t *testing.T) {
	r := NewReader(bytes.NewReader([]byte{0, 0}))

	require.Equal(t, uint32(0), r.GetUint32())
	firstErr := r.Err()
	require.Error(t, firstErr)

	// Later reads stay no-ops and keep the first error.
	require.Equal(t, uint64(0), r.GetUint64())
	require.Equal(t, "", r.GetString())
	require.Equal(t, firstErr, r.Err())
}

func TestGetStringRejectsOversizedLength(t *testing.T) {
	var buf bytes.Buffer
	w := NewWriter(&buf)
	w.PutUint32(1 << 30)
	require.NoError(t, w.Err())

	r := NewReader(&buf)
	require.Equal(t, "", r.GetString())
	require.Error(t, r.Err())
}

func TestEmptyString(t *testing.T) {
	var buf bytes.Buffer
	w := NewWriter(&buf)
	w.PutString("")
	require.NoError(t, w.Err())

	r := NewReader(&buf)
	require.Equal(t, "", r.GetString())
	require.NoError(t, r.Err())
}

package rpcio

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFrameRoundTrip(t *testing.T) {
	cases := [][]byte{
		[]byte(`{}`),
		[]byte(`{"id":1,"command":"ping","params":{}}`),
		bytes.Repeat([]byte("x"), 4096),
	}
	for _, body := range cases {
		var buf bytes.Buffer
		require.NoError(t, NewWriter(&buf).WriteFrame(body))
		got, err := NewReader(&buf).ReadFrame()
		require.NoError(t, err)
		assert.Equal(t, body, got)
	}
}

func TestReadFrameTooLarge(t *testing.T) {
	var buf bytes.Buffer
	lenBuf := make([]byte, 4)
	// Declare a length of 2 MiB, well over the 1 MiB cap, without writing a body.
	for i := range lenBuf {
		lenBuf[i] = 0
	}
	lenBuf[0] = 0x00
	lenBuf[1] = 0x00
	lenBuf[2] = 0x20
	lenBuf[3] = 0x00
	buf.Write(lenBuf)
	_, err := NewReader(&buf).ReadFrame()
	require.ErrorIs(t, err, ErrFrameTooLarge)
}

func TestReadFrameZeroLength(t *testing.T) {
	var buf bytes.Buffer
	buf.Write([]byte{0, 0, 0, 0})
	_, err := NewReader(&buf).ReadFrame()
	require.ErrorIs(t, err, ErrFrameTooLarge)
}

func TestReadFrameEOF(t *testing.T) {
	var buf bytes.Buffer
	_, err := NewReader(&buf).ReadFrame()
	require.Error(t, err)
}

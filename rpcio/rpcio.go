// Package rpcio implements the browser native-messaging frame format used
// on the agent's standard input and output: a 4-byte little-endian length
// prefix followed by that many bytes of UTF-8 JSON.
package rpcio

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// MaxFrameLength is the largest accepted frame body, per spec: 1 MiB.
const MaxFrameLength = 1 << 20

// ErrFrameTooLarge is returned by ReadFrame when the declared length is
// zero or exceeds MaxFrameLength. The caller treats this as fatal.
var ErrFrameTooLarge = errors.New("rpcio: frame exceeds maximum length")

// Reader reads length-prefixed frames from an underlying stream.
type Reader struct {
	r *bufio.Reader
}

// NewReader wraps r for framed reads.
func NewReader(r io.Reader) *Reader {
	return &Reader{r: bufio.NewReader(r)}
}

// ReadFrame reads one frame's body. io.EOF is returned verbatim when the
// stream is closed cleanly between frames (no bytes of a length prefix
// have been read yet).
func (fr *Reader) ReadFrame() ([]byte, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(fr.r, lenBuf[:]); err != nil {
		if errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, fmt.Errorf("rpcio: truncated length prefix: %w", err)
		}
		return nil, err
	}
	length := binary.LittleEndian.Uint32(lenBuf[:])
	if length == 0 || length > MaxFrameLength {
		return nil, ErrFrameTooLarge
	}
	body := make([]byte, length)
	if _, err := io.ReadFull(fr.r, body); err != nil {
		return nil, fmt.Errorf("rpcio: truncated frame body: %w", err)
	}
	return body, nil
}

// Writer writes length-prefixed frames to an underlying stream.
type Writer struct {
	w io.Writer
}

// NewWriter wraps w for framed writes.
func NewWriter(w io.Writer) *Writer {
	return &Writer{w: w}
}

// WriteFrame writes one frame body, prefixed with its little-endian length.
func (fw *Writer) WriteFrame(body []byte) error {
	if len(body) > MaxFrameLength {
		return ErrFrameTooLarge
	}
	var lenBuf [4]byte
	binary.LittleEndian.PutUint32(lenBuf[:], uint32(len(body)))
	if _, err := fw.w.Write(lenBuf[:]); err != nil {
		return err
	}
	_, err := fw.w.Write(body)
	return err
}

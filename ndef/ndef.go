// Package ndef implements the NFC Forum NDEF tag application: selecting
// the NDEF application and its NDEF message file (E104), and
// reading/writing that length-prefixed file.
package ndef

import (
	"encoding/binary"

	"github.com/feitiansk/agent/agenterr"
	"github.com/feitiansk/agent/iso7816"
	"github.com/feitiansk/agent/scard"
)

// AID is the NDEF application identifier.
var AID = scard.AidNDEF

// ndefFileID is the standard NDEF message file id used by Type 4 tags.
var ndefFileID = []byte{0xE1, 0x04}

const maxChunk = 0xF0 // conservative short-APDU chunk size for UPDATE BINARY

// Engine wraps an open NDEF application session on a connected card.
type Engine struct {
	card *scard.Card
}

// Open selects the NDEF application and its message file.
func Open(card *scard.Card) (*Engine, error) {
	e := &Engine{card: card}
	if err := card.Select(AID); err != nil {
		return nil, agenterr.Wrap(agenterr.CodeAPDUError, "select ndef application", err)
	}
	if err := e.selectFile(ndefFileID); err != nil {
		return nil, err
	}
	return e, nil
}

func (e *Engine) selectFile(fileID []byte) error {
	apdu := scard.APDU{Cla: 0x00, Ins: iso7816.InsSelect, P1: 0x00, P2: 0x0C, Data: fileID}
	if _, err := e.card.TransmitChained(apdu); err != nil {
		return agenterr.Wrap(agenterr.CodeAPDUError, "select ndef file", err)
	}
	return nil
}

// Read returns the current NDEF message: a 2-byte big-endian length
// prefix followed by that many bytes, both read off the card.
func (e *Engine) Read() ([]byte, error) {
	header, err := e.card.TransmitChained(iso7816.ReadBinary(0, 2))
	if err != nil {
		return nil, agenterr.Wrap(agenterr.CodeAPDUError, "read ndef length", err)
	}
	if len(header) < 2 {
		return nil, agenterr.New(agenterr.CodeFormatError, "ndef length prefix truncated")
	}
	length := binary.BigEndian.Uint16(header)
	if length == 0 {
		return nil, nil
	}

	msg := make([]byte, 0, length)
	offset := uint16(2)
	for uint16(len(msg)) < length {
		remaining := length - uint16(len(msg))
		chunk := remaining
		if chunk > maxChunk {
			chunk = maxChunk
		}
		data, err := e.card.TransmitChained(iso7816.ReadBinary(offset, byte(chunk)))
		if err != nil {
			return nil, agenterr.Wrap(agenterr.CodeAPDUError, "read ndef message", err)
		}
		msg = append(msg, data...)
		offset += uint16(len(data))
		if len(data) == 0 {
			break
		}
	}
	return msg, nil
}

// Write stores message as the NDEF content: first zeroes the length
// prefix, writes the body in chunks, then writes the final length so a
// reader never observes a length claiming more data than is present.
func (e *Engine) Write(message []byte) error {
	if len(message) > 0xFFFF {
		return agenterr.New(agenterr.CodeInvalidParams, "ndef message too large for 2-byte length prefix")
	}
	if _, err := e.card.TransmitChained(iso7816.UpdateBinary(0, []byte{0x00, 0x00})); err != nil {
		return agenterr.Wrap(agenterr.CodeAPDUError, "clear ndef length", err)
	}

	offset := uint16(2)
	for len(message) > 0 {
		n := len(message)
		if n > maxChunk {
			n = maxChunk
		}
		if _, err := e.card.TransmitChained(iso7816.UpdateBinary(offset, message[:n])); err != nil {
			return agenterr.Wrap(agenterr.CodeAPDUError, "write ndef message", err)
		}
		offset += uint16(n)
		message = message[n:]
	}

	length := offset - 2
	lengthBytes := []byte{byte(length >> 8), byte(length)}
	if _, err := e.card.TransmitChained(iso7816.UpdateBinary(0, lengthBytes)); err != nil {
		return agenterr.Wrap(agenterr.CodeAPDUError, "write ndef length", err)
	}
	return nil
}

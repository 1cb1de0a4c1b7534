// Package iso7816 holds the APDU and TLV primitives shared by the
// smart-card engines (piv, opgp, ndef): SELECT, VERIFY, CHANGE REFERENCE
// DATA, GET/PUT DATA, and READ/UPDATE BINARY builders, plus BER-TLV and
// SIMPLE-TLV encode/decode.
package iso7816

import "github.com/feitiansk/agent/scard"

// Standard ISO 7816-4 instruction bytes used across more than one engine.
// Engine-specific instructions (PIV's vendor GENERATE, OpenPGP's PSO) live
// in their own packages.
const (
	InsSelect            = 0xA4
	InsVerify            = 0x20
	InsChangeReference   = 0x24
	InsResetRetryCounter = 0x2C
	InsGetData           = 0xCB
	InsPutData           = 0xDB
	InsReadBinary        = 0xB0
	InsUpdateBinary      = 0xD6
	InsGetResponse       = 0xC0
)

// Select builds a SELECT BY NAME command for aid.
func Select(aid []byte) scard.APDU {
	return scard.APDU{Cla: 0x00, Ins: InsSelect, P1: 0x04, P2: 0x00, Data: aid}
}

// Verify builds a VERIFY command presenting pin for the reference data in
// slot p2. An empty pin queries the remaining retry counter without
// consuming an attempt.
func Verify(p2 byte, pin []byte) scard.APDU {
	return scard.APDU{Cla: 0x00, Ins: InsVerify, P1: 0x00, P2: p2, Data: pin}
}

// ChangeReferenceData builds a CHANGE REFERENCE DATA command replacing
// the reference data in slot p2, old concatenated with new.
func ChangeReferenceData(p2 byte, oldValue, newValue []byte) scard.APDU {
	return scard.APDU{Cla: 0x00, Ins: InsChangeReference, P1: 0x00, P2: p2,
		Data: append(append([]byte{}, oldValue...), newValue...)}
}

// ResetRetryCounter builds a RESET RETRY COUNTER command unblocking the
// reference data in slot p2 using unblockingCode, setting newValue.
func ResetRetryCounter(p2 byte, unblockingCode, newValue []byte) scard.APDU {
	return scard.APDU{Cla: 0x00, Ins: InsResetRetryCounter, P1: 0x00, P2: p2,
		Data: append(append([]byte{}, unblockingCode...), newValue...)}
}

// GetData builds a GET DATA command for BER-TLV tag tag (e.g. 0x5FC102),
// encoded in the standard '5C <len> <tag bytes>' request payload.
func GetData(tag uint32) scard.APDU {
	return scard.APDU{Cla: 0x00, Ins: InsGetData, P1: 0x3F, P2: 0xFF, Data: encodeTagList(tag), Len: 0}
}

// PutData builds a PUT DATA command storing value under tag.
func PutData(tag uint32, value []byte) scard.APDU {
	body := append(encodeTagList(tag), EncodeBER(0x53, value)...)
	return scard.APDU{Cla: 0x00, Ins: InsPutData, P1: 0x3F, P2: 0xFF, Data: body}
}

// ReadBinary builds a READ BINARY command reading up to le bytes
// starting at offset.
func ReadBinary(offset uint16, le byte) scard.APDU {
	return scard.APDU{Cla: 0x00, Ins: InsReadBinary, P1: byte(offset >> 8), P2: byte(offset), Len: le}
}

// UpdateBinary builds an UPDATE BINARY command writing data at offset.
func UpdateBinary(offset uint16, data []byte) scard.APDU {
	return scard.APDU{Cla: 0x00, Ins: InsUpdateBinary, P1: byte(offset >> 8), P2: byte(offset), Data: data}
}

func encodeTagList(tag uint32) []byte {
	tagBytes := tagToBytes(tag)
	return append([]byte{0x5C, byte(len(tagBytes))}, tagBytes...)
}

func tagToBytes(tag uint32) []byte {
	switch {
	case tag <= 0xFF:
		return []byte{byte(tag)}
	case tag <= 0xFFFF:
		return []byte{byte(tag >> 8), byte(tag)}
	case tag <= 0xFFFFFF:
		return []byte{byte(tag >> 16), byte(tag >> 8), byte(tag)}
	default:
		return []byte{byte(tag >> 24), byte(tag >> 16), byte(tag >> 8), byte(tag)}
	}
}

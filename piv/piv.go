// Package piv implements the PIV (NIST SP 800-73-4) engine: application
// selection, CHUID/discovery reads, slot enumeration, PIN/PUK management,
// and asymmetric key generation.
package piv

import (
	"fmt"

	"github.com/feitiansk/agent/agenterr"
	"github.com/feitiansk/agent/iso7816"
	"github.com/feitiansk/agent/scard"
)

// AID is the PIV application identifier (NIST RID + PIV application).
var AID = scard.AidPIV

// Slot key reference bytes, NIST SP 800-73-4 Table 4b.
const (
	SlotAuthentication     = 0x9A
	SlotSignature          = 0x9C
	SlotKeyManagement      = 0x9D
	SlotCardAuthentication = 0x9E
	SlotAttestation        = 0xF9
)

// RetiredSlots lists the 20 retired key-management slots, 0x82..0x95.
func RetiredSlots() []byte {
	slots := make([]byte, 0, 20)
	for s := byte(0x82); s <= 0x95; s++ {
		slots = append(slots, s)
	}
	return slots
}

// Algorithm identifiers for GENERATE ASYMMETRIC KEY PAIR, NIST SP
// 800-73-4 Table 5.
const (
	AlgRSA1024 byte = 0x05
	AlgRSA2048 byte = 0x07
	AlgECCP256 byte = 0x11
	AlgECCP384 byte = 0x14
)

// PINPolicy and TouchPolicy extend the GENERATE command's template with
// Yubico's vendor-specific tags 0xAA/0xAB, widely implemented by PIV
// cards beyond Yubico's own.
type PINPolicy byte
type TouchPolicy byte

const (
	PINPolicyDefault PINPolicy = 0
	PINPolicyNever   PINPolicy = 1
	PINPolicyOnce    PINPolicy = 2
	PINPolicyAlways  PINPolicy = 3

	TouchPolicyDefault TouchPolicy = 0
	TouchPolicyNever   TouchPolicy = 1
	TouchPolicyAlways  TouchPolicy = 2
	TouchPolicyCached  TouchPolicy = 3
)

const (
	insGenerateAsymmetric = 0x47
	tagPINPolicy          = 0xAA
	tagTouchPolicy        = 0xAB

	tagCHUID     = 0x5FC102
	tagDiscovery = 0x7E
)

// ActivityEntry records one APDU exchanged during a session, for the
// agent's per-request activity log (spec's audit trail requirement).
type ActivityEntry struct {
	Instruction byte
	StatusWord  uint16
}

// Engine wraps an open PIV application session on a connected card.
type Engine struct {
	card *scard.Card
	Log  []ActivityEntry
}

// Open selects the PIV application on card.
func Open(card *scard.Card) (*Engine, error) {
	e := &Engine{card: card}
	if err := card.Select(AID); err != nil {
		return nil, agenterr.Wrap(agenterr.CodeAPDUError, "select piv application", err)
	}
	return e, nil
}

func (e *Engine) record(ins byte, sw uint16) {
	e.Log = append(e.Log, ActivityEntry{Instruction: ins, StatusWord: sw})
}

// GetData reads the BER-TLV object for tag and returns its '53'-wrapped
// payload.
func (e *Engine) GetData(tag uint32) ([]byte, error) {
	resp, err := e.card.TransmitChained(iso7816.GetData(tag))
	e.record(iso7816.InsGetData, logSW(err))
	if err != nil {
		return nil, agenterr.Wrap(agenterr.CodeAPDUError, fmt.Sprintf("get data %#x", tag), err)
	}
	tags, err := iso7816.ParseBER(resp)
	if err != nil {
		return nil, agenterr.Wrap(agenterr.CodeFormatError, "parse get data response", err)
	}
	if v, ok := iso7816.Find(tags, 0x53); ok {
		return v, nil
	}
	return resp, nil
}

// CHUID returns the raw Card Holder Unique Identifier object.
func (e *Engine) CHUID() ([]byte, error) { return e.GetData(tagCHUID) }

// Discovery returns the raw discovery object (AID + PIN policy).
func (e *Engine) Discovery() ([]byte, error) { return e.GetData(tagDiscovery) }

// VerifyPIN presents pin for the application PIN reference (0x80).
// Returns PIN_INVALID when the card rejects it and PIN_BLOCKED once
// retries reach zero; the caller can follow up with PINRetries to learn
// the remaining attempt count after a PIN_INVALID.
func (e *Engine) VerifyPIN(pin string) error {
	_, sw1, sw2, err := e.card.TransmitRaw(iso7816.Verify(0x80, []byte(pin)))
	e.record(iso7816.InsVerify, sw(sw1, sw2))
	if err != nil {
		return agenterr.Wrap(agenterr.CodeAPDUError, "piv verify pin", err)
	}
	return classifyStatusWord(sw1, sw2)
}

// PINRetries queries the remaining PIN attempts without consuming one.
// Returns -1 if the PIN is not currently required (already verified).
func (e *Engine) PINRetries() (int, error) {
	_, sw1, sw2, err := e.card.TransmitRaw(iso7816.Verify(0x80, nil))
	e.record(iso7816.InsVerify, sw(sw1, sw2))
	if err != nil {
		return 0, agenterr.Wrap(agenterr.CodeAPDUError, "piv pin retries", err)
	}
	switch {
	case sw1 == 0x63:
		return int(sw2 & 0x0F), nil
	case sw1 == 0x90 && sw2 == 0x00:
		return -1, nil
	default:
		return 0, classifyStatusWord(sw1, sw2)
	}
}

// ChangePIN replaces the application PIN.
func (e *Engine) ChangePIN(oldPIN, newPIN string) error {
	_, sw1, sw2, err := e.card.TransmitRaw(iso7816.ChangeReferenceData(0x80, []byte(oldPIN), []byte(newPIN)))
	e.record(iso7816.InsChangeReference, sw(sw1, sw2))
	if err != nil {
		return agenterr.Wrap(agenterr.CodeAPDUError, "piv change pin", err)
	}
	return classifyStatusWord(sw1, sw2)
}

// ChangePUK replaces the PIN Unblocking Key (reference 0x81).
func (e *Engine) ChangePUK(oldPUK, newPUK string) error {
	_, sw1, sw2, err := e.card.TransmitRaw(iso7816.ChangeReferenceData(0x81, []byte(oldPUK), []byte(newPUK)))
	e.record(iso7816.InsChangeReference, sw(sw1, sw2))
	if err != nil {
		return agenterr.Wrap(agenterr.CodeAPDUError, "piv change puk", err)
	}
	return classifyStatusWord(sw1, sw2)
}

// ResetPINWithPUK unblocks the PIN using the PUK, setting newPIN.
func (e *Engine) ResetPINWithPUK(puk, newPIN string) error {
	_, sw1, sw2, err := e.card.TransmitRaw(iso7816.ResetRetryCounter(0x80, []byte(puk), []byte(newPIN)))
	e.record(iso7816.InsResetRetryCounter, sw(sw1, sw2))
	if err != nil {
		return agenterr.Wrap(agenterr.CodeAPDUError, "piv reset pin with puk", err)
	}
	return classifyStatusWord(sw1, sw2)
}

// GenerateKey generates an asymmetric key pair in slot, returning the
// DER-encoded public key from the '7F49' response template.
func (e *Engine) GenerateKey(slot byte, alg Algorithm, pin PINPolicy, touch TouchPolicy) ([]byte, error) {
	body := iso7816.EncodeBER(0xAC, buildGenerateTemplateBody(alg, pin, touch))
	apdu := scard.APDU{Cla: 0x00, Ins: insGenerateAsymmetric, P1: 0x00, P2: slot, Data: body}
	resp, err := e.card.TransmitChained(apdu)
	e.record(insGenerateAsymmetric, logSW(err))
	if err != nil {
		return nil, agenterr.Wrap(agenterr.CodeAPDUError, "generate asymmetric key pair", err)
	}
	tags, err := iso7816.ParseBER(resp)
	if err != nil {
		return nil, agenterr.Wrap(agenterr.CodeFormatError, "parse generate key response", err)
	}
	if v, ok := iso7816.Find(tags, 0x7F49); ok {
		return v, nil
	}
	return resp, nil
}

// Algorithm is one of the AlgRSA1024/AlgRSA2048/AlgECCP256/AlgECCP384
// constants.
type Algorithm = byte

func buildGenerateTemplateBody(alg Algorithm, pin PINPolicy, touch TouchPolicy) []byte {
	body := iso7816.EncodeBER(0x80, []byte{alg})
	if pin != PINPolicyDefault {
		body = append(body, iso7816.EncodeBER(tagPINPolicy, []byte{byte(pin)})...)
	}
	if touch != TouchPolicyDefault {
		body = append(body, iso7816.EncodeBER(tagTouchPolicy, []byte{byte(touch)})...)
	}
	return body
}

// ImportCertificate stores certDER under slot's certificate object,
// tagged uncompressed (cert info byte 0x00).
func (e *Engine) ImportCertificate(slot byte, certDER []byte) error {
	tag, err := certTagForSlot(slot)
	if err != nil {
		return err
	}
	body := append(iso7816.EncodeBER(0x70, certDER), iso7816.EncodeBER(0x71, []byte{0x00})...)
	body = append(body, iso7816.EncodeBER(0xFE, nil)...)
	_, err = e.card.TransmitChained(iso7816.PutData(tag, body))
	e.record(iso7816.InsPutData, logSW(err))
	if err != nil {
		return agenterr.Wrap(agenterr.CodeAPDUError, "import certificate", err)
	}
	return nil
}

// ReadCertificate returns the DER certificate stored in slot.
func (e *Engine) ReadCertificate(slot byte) ([]byte, error) {
	tag, err := certTagForSlot(slot)
	if err != nil {
		return nil, err
	}
	raw, err := e.GetData(tag)
	if err != nil {
		return nil, err
	}
	tags, err := iso7816.ParseBER(raw)
	if err != nil {
		return nil, agenterr.Wrap(agenterr.CodeFormatError, "parse certificate object", err)
	}
	if v, ok := iso7816.Find(tags, 0x70); ok {
		return v, nil
	}
	return nil, agenterr.New(agenterr.CodeNotFound, "no certificate in slot")
}

// DeleteCertificate clears the certificate object in slot by writing an
// empty value.
func (e *Engine) DeleteCertificate(slot byte) error {
	tag, err := certTagForSlot(slot)
	if err != nil {
		return err
	}
	_, err = e.card.TransmitChained(iso7816.PutData(tag, nil))
	e.record(iso7816.InsPutData, logSW(err))
	if err != nil {
		return agenterr.Wrap(agenterr.CodeAPDUError, "delete certificate", err)
	}
	return nil
}

// certTagForSlot maps a key slot to its paired certificate data object
// tag, NIST SP 800-73-4 Table 3.
func certTagForSlot(slot byte) (uint32, error) {
	switch slot {
	case SlotAuthentication:
		return 0x5FC105, nil
	case SlotSignature:
		return 0x5FC10A, nil
	case SlotKeyManagement:
		return 0x5FC10B, nil
	case SlotCardAuthentication:
		return 0x5FC101, nil
	default:
		if slot >= 0x82 && slot <= 0x95 {
			return 0x5FC10D + uint32(slot-0x82), nil
		}
		return 0, agenterr.Newf(agenterr.CodeInvalidParams, "unsupported piv slot %#02x", slot)
	}
}

func sw(sw1, sw2 byte) uint16 { return uint16(sw1)<<8 | uint16(sw2) }

// logSW returns the status word to record for an operation that went
// through TransmitChained, which classifies the status word into an
// error rather than returning it. The exact code is not recoverable once
// classified; the activity log only needs to distinguish success from
// failure.
func logSW(err error) uint16 {
	if err == nil {
		return 0x9000
	}
	return 0x0000
}

// classifyStatusWord maps a status word from a PIN/PUK operation onto the
// agent's error taxonomy. 0x63CX (X retries left) counts as PIN_INVALID
// rather than success; 0x69 83 is the counter reaching zero.
func classifyStatusWord(sw1, sw2 byte) error {
	switch {
	case sw1 == 0x90 && sw2 == 0x00:
		return nil
	case sw1 == 0x63:
		return agenterr.Newf(agenterr.CodePinInvalid, "piv pin rejected, %d attempts remaining", sw2&0x0F)
	case sw1 == 0x69 && sw2 == 0x83:
		return agenterr.New(agenterr.CodePinBlocked, "piv pin blocked")
	default:
		return agenterr.Newf(agenterr.CodeAPDUError, "piv card returned sw=%02x%02x", sw1, sw2)
	}
}

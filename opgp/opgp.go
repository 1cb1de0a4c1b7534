// Package opgp implements the OpenPGP card application (OpenPGP Card
// Specification v3.4.1): application selection, data object reads,
// PW1/PW3 verification and management, and asymmetric key generation.
package opgp

import (
	"github.com/feitiansk/agent/agenterr"
	"github.com/feitiansk/agent/iso7816"
	"github.com/feitiansk/agent/scard"
)

// AID is the OpenPGP application identifier.
var AID = scard.AidOpenPGP

const (
	insGetData  = 0xCA
	insGenerate = 0x47
)

// PW identifies which reference data (PW1 for sign, PW1 for
// decrypt/auth, or PW3/admin) an operation verifies or changes.
type PW byte

const (
	PW1Sign   PW = 0x81
	PW1Other  PW = 0x82
	PW3Admin  PW = 0x83
)

// KeySlot identifies one of the three OpenPGP key roles.
type KeySlot byte

const (
	KeySign   KeySlot = 0xB6
	KeyDecrypt KeySlot = 0xB8
	KeyAuth   KeySlot = 0xA4
)

// Engine wraps an open OpenPGP application session on a connected card.
type Engine struct {
	card *scard.Card
}

// Open selects the OpenPGP application on card.
func Open(card *scard.Card) (*Engine, error) {
	e := &Engine{card: card}
	if err := card.Select(AID); err != nil {
		return nil, agenterr.Wrap(agenterr.CodeAPDUError, "select openpgp application", err)
	}
	return e, nil
}

// getDataObject reads do via GET DATA, addressed by its tag's P1/P2 split.
func (e *Engine) getDataObject(do scard.DataObject) ([]byte, error) {
	apdu := scard.APDU{Cla: 0x00, Ins: insGetData, P1: do.TagP1(), P2: do.TagP2()}
	resp, err := e.card.TransmitChained(apdu)
	if err != nil {
		return nil, agenterr.Wrap(agenterr.CodeAPDUError, "openpgp get data", err)
	}
	return resp, nil
}

// ApplicationRelatedData returns the Application Related Data object
// ('006E'), the card's capability/algorithm discovery template.
func (e *Engine) ApplicationRelatedData() ([]byte, error) { return e.getDataObject(scard.DoAppRelData) }

// URL returns the card's configured public-key URL ('5F50').
func (e *Engine) URL() (string, error) {
	v, err := e.getDataObject(scard.DoURL)
	if err != nil {
		return "", err
	}
	return string(v), nil
}

// Fingerprints returns the three 20-byte key fingerprints (sign,
// decrypt, auth, in that order) from the Fingerprints object ('C5'),
// which sits nested inside Application Related Data's Discretionary
// Data Objects ('73') rather than at its top level.
func (e *Engine) Fingerprints() (sign, decrypt, auth [20]byte, err error) {
	ard, err := e.ApplicationRelatedData()
	if err != nil {
		return sign, decrypt, auth, err
	}
	raw := scard.FindTLV(ard, scard.DoFingerprints.Tag())
	if len(raw) < 60 {
		return sign, decrypt, auth, agenterr.New(agenterr.CodeNotFound, "fingerprints not present")
	}
	copy(sign[:], raw[0:20])
	copy(decrypt[:], raw[20:40])
	copy(auth[:], raw[40:60])
	return sign, decrypt, auth, nil
}

// Verify presents pin for reference pw. A blocked counter yields
// PIN_BLOCKED; a wrong value yields PIN_INVALID.
func (e *Engine) Verify(pw PW, pin string) error {
	_, sw1, sw2, err := e.card.TransmitRaw(iso7816.Verify(byte(pw), []byte(pin)))
	if err != nil {
		return agenterr.Wrap(agenterr.CodeAPDUError, "openpgp verify", err)
	}
	return classifyStatusWord(sw1, sw2)
}

// ChangePW replaces the reference data for pw (PW1 or PW3), old
// concatenated with new per OpenPGP's CHANGE REFERENCE DATA encoding.
func (e *Engine) ChangePW(pw PW, oldPIN, newPIN string) error {
	_, sw1, sw2, err := e.card.TransmitRaw(iso7816.ChangeReferenceData(byte(pw), []byte(oldPIN), []byte(newPIN)))
	if err != nil {
		return agenterr.Wrap(agenterr.CodeAPDUError, "openpgp change pw", err)
	}
	return classifyStatusWord(sw1, sw2)
}

// ResetPW1WithPW3 resets PW1 using an already-verified PW3 (admin)
// session, per OpenPGP's RESET RETRY COUNTER with P1=2 (resetting code
// absent, replaced by PW3 authority already established by VERIFY).
func (e *Engine) ResetPW1WithPW3(newPIN string) error {
	apdu := scard.APDU{Cla: 0x00, Ins: iso7816.InsResetRetryCounter, P1: 0x02, P2: byte(PW1Sign), Data: []byte(newPIN)}
	_, sw1, sw2, err := e.card.TransmitRaw(apdu)
	if err != nil {
		return agenterr.Wrap(agenterr.CodeAPDUError, "openpgp reset pw1", err)
	}
	return classifyStatusWord(sw1, sw2)
}

// GenerateKey issues GENERATE ASYMMETRIC KEY PAIR for slot, returning
// the public key template ('7F49').
func (e *Engine) GenerateKey(slot KeySlot) ([]byte, error) {
	body := iso7816.EncodeBER(uint32(slot), nil)
	apdu := scard.APDU{Cla: 0x00, Ins: insGenerate, P1: 0x80, P2: 0x00, Data: body}
	resp, err := e.card.TransmitChained(apdu)
	if err != nil {
		return nil, agenterr.Wrap(agenterr.CodeAPDUError, "openpgp generate key", err)
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

// PublicKey retrieves the already-generated public key template for
// slot without generating a new key pair (P1=0x81).
func (e *Engine) PublicKey(slot KeySlot) ([]byte, error) {
	body := iso7816.EncodeBER(uint32(slot), nil)
	apdu := scard.APDU{Cla: 0x00, Ins: insGenerate, P1: 0x81, P2: 0x00, Data: body}
	resp, err := e.card.TransmitChained(apdu)
	if err != nil {
		return nil, agenterr.Wrap(agenterr.CodeAPDUError, "openpgp read public key", err)
	}
	tags, err := iso7816.ParseBER(resp)
	if err != nil {
		return nil, agenterr.Wrap(agenterr.CodeFormatError, "parse public key response", err)
	}
	if v, ok := iso7816.Find(tags, 0x7F49); ok {
		return v, nil
	}
	return resp, nil
}

func classifyStatusWord(sw1, sw2 byte) error {
	switch {
	case sw1 == 0x90 && sw2 == 0x00:
		return nil
	case sw1 == 0x63:
		return agenterr.Newf(agenterr.CodePinInvalid, "openpgp pin rejected, %d attempts remaining", sw2&0x0F)
	case sw1 == 0x69 && sw2 == 0x83:
		return agenterr.New(agenterr.CodePinBlocked, "openpgp pin blocked")
	default:
		return agenterr.Newf(agenterr.CodeAPDUError, "openpgp card returned sw=%02x%02x", sw1, sw2)
	}
}

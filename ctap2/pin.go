package ctap2

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/ecdh"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"fmt"

	"github.com/fxamacker/cbor/v2"

	"github.com/feitiansk/agent/agenterr"
)

// clientPIN subcommands.
const (
	pinSubGetRetries      = 0x01
	pinSubGetKeyAgreement = 0x02
	pinSubSetPIN          = 0x03
	pinSubChangePIN       = 0x04
	pinSubGetPinToken     = 0x05
)

type coseKey struct {
	Kty int    `cbor:"1,keyasint"`
	Alg int    `cbor:"3,keyasint"`
	Crv int    `cbor:"-1,keyasint"`
	X   []byte `cbor:"-2,keyasint"`
	Y   []byte `cbor:"-3,keyasint"`
}

type clientPINRequest struct {
	PinProtocol  uint     `cbor:"1,keyasint"`
	SubCommand   uint     `cbor:"2,keyasint"`
	KeyAgreement *coseKey `cbor:"3,keyasint,omitempty"`
	PinAuth      []byte   `cbor:"4,keyasint,omitempty"`
	NewPinEnc    []byte   `cbor:"5,keyasint,omitempty"`
	PinHashEnc   []byte   `cbor:"6,keyasint,omitempty"`
}

type clientPINResponse struct {
	KeyAgreement *coseKey `cbor:"1,keyasint,omitempty"`
	PinToken     []byte   `cbor:"2,keyasint,omitempty"`
	Retries      int      `cbor:"3,keyasint,omitempty"`
}

// PinSession implements CTAP2 PIN protocol 1: ephemeral P-256 ECDH key
// agreement, AES-256-CBC (zero IV) PIN encryption, and an HMAC-SHA-256
// pinAuth truncated to 16 bytes.
type PinSession struct {
	d          *Device
	privateKey *ecdh.PrivateKey
	sharedKey  [32]byte // SHA-256 of the ECDH shared X coordinate
	havePeer   bool
}

// NewPinSession generates this session's ephemeral key pair. No network
// or device I/O happens until a subsequent call.
func NewPinSession(d *Device) (*PinSession, error) {
	priv, err := ecdh.P256().GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("ctap2: generate ephemeral key: %w", err)
	}
	return &PinSession{d: d, privateKey: priv}, nil
}

func (s *PinSession) agree(ctx context.Context) error {
	if s.havePeer {
		return nil
	}
	body, err := s.d.call(ctx, cmdClientPIN, clientPINRequest{PinProtocol: 1, SubCommand: pinSubGetKeyAgreement})
	if err != nil {
		return err
	}
	var resp clientPINResponse
	if err := cbor.Unmarshal(body, &resp); err != nil {
		return agenterr.Wrap(agenterr.CodeCTAP2Error, "decode key agreement", err)
	}
	if resp.KeyAgreement == nil {
		return agenterr.New(agenterr.CodeCTAP2Error, "authenticator returned no key agreement key")
	}

	peerPub, err := ecdh.P256().NewPublicKey(append([]byte{0x04}, append(resp.KeyAgreement.X, resp.KeyAgreement.Y...)...))
	if err != nil {
		return agenterr.Wrap(agenterr.CodeCTAP2Error, "decode authenticator public key", err)
	}
	secret, err := s.privateKey.ECDH(peerPub)
	if err != nil {
		return agenterr.Wrap(agenterr.CodeCTAP2Error, "ecdh key agreement", err)
	}
	s.sharedKey = sha256.Sum256(secret)
	s.havePeer = true
	return nil
}

func (s *PinSession) platformCOSEKey() *coseKey {
	pub := s.privateKey.PublicKey().Bytes() // uncompressed: 0x04 || X || Y
	return &coseKey{Kty: 2, Alg: -25, Crv: 1, X: pub[1:33], Y: pub[33:65]}
}

func aesCBCNoIV(key []byte, data []byte, encrypt bool) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	iv := make([]byte, aes.BlockSize)
	out := make([]byte, len(data))
	if encrypt {
		cipher.NewCBCEncrypter(block, iv).CryptBlocks(out, data)
	} else {
		cipher.NewCBCDecrypter(block, iv).CryptBlocks(out, data)
	}
	return out, nil
}

// minPinEncLength is CTAP2's floor on the padded newPinEnc buffer for
// setPIN/changePIN: 64 bytes even though a 16-byte multiple would
// otherwise suffice for short PINs.
const minPinEncLength = 64

func padPin(pin string) []byte {
	b := []byte(pin)
	size := ((len(b) / 16) + 1) * 16
	if size < minPinEncLength {
		size = minPinEncLength
	}
	padded := make([]byte, size)
	copy(padded, b)
	return padded
}

// SetPIN sets the device PIN for the first time. Returns PIN_TOO_SHORT
// for a PIN under 4 bytes (CTAP2's minimum). It does not itself check
// whether a PIN is already configured.
func (s *PinSession) SetPIN(ctx context.Context, pin string) error {
	if len(pin) < 4 {
		return agenterr.New(agenterr.CodePinTooShort, "pin must be at least 4 bytes")
	}
	if err := s.agree(ctx); err != nil {
		return err
	}
	newPinEnc, err := aesCBCNoIV(s.sharedKey[:], padPin(pin), true)
	if err != nil {
		return agenterr.Wrap(agenterr.CodeCTAP2Error, "encrypt new pin", err)
	}
	mac := hmac.New(sha256.New, s.sharedKey[:])
	mac.Write(newPinEnc)
	pinAuth := mac.Sum(nil)[:16]

	_, err = s.d.call(ctx, cmdClientPIN, clientPINRequest{
		PinProtocol:  1,
		SubCommand:   pinSubSetPIN,
		KeyAgreement: s.platformCOSEKey(),
		NewPinEnc:    newPinEnc,
		PinAuth:      pinAuth,
	})
	return err
}

// ChangePIN replaces the current PIN, authenticating with the old one.
func (s *PinSession) ChangePIN(ctx context.Context, oldPin, newPin string) error {
	if len(newPin) < 4 {
		return agenterr.New(agenterr.CodePinTooShort, "pin must be at least 4 bytes")
	}
	if err := s.agree(ctx); err != nil {
		return err
	}
	oldHash := sha256.Sum256([]byte(oldPin))
	pinHashEnc, err := aesCBCNoIV(s.sharedKey[:], oldHash[:16], true)
	if err != nil {
		return agenterr.Wrap(agenterr.CodeCTAP2Error, "encrypt old pin hash", err)
	}
	newPinEnc, err := aesCBCNoIV(s.sharedKey[:], padPin(newPin), true)
	if err != nil {
		return agenterr.Wrap(agenterr.CodeCTAP2Error, "encrypt new pin", err)
	}
	mac := hmac.New(sha256.New, s.sharedKey[:])
	mac.Write(append(newPinEnc, pinHashEnc...))
	pinAuth := mac.Sum(nil)[:16]

	_, err = s.d.call(ctx, cmdClientPIN, clientPINRequest{
		PinProtocol:  1,
		SubCommand:   pinSubChangePIN,
		KeyAgreement: s.platformCOSEKey(),
		NewPinEnc:    newPinEnc,
		PinHashEnc:   pinHashEnc,
		PinAuth:      pinAuth,
	})
	return err
}

// GetRetries returns the number of PIN attempts remaining before the PIN
// is blocked.
func (s *PinSession) GetRetries(ctx context.Context) (int, error) {
	body, err := s.d.call(ctx, cmdClientPIN, clientPINRequest{PinProtocol: 1, SubCommand: pinSubGetRetries})
	if err != nil {
		return 0, err
	}
	var resp clientPINResponse
	if err := cbor.Unmarshal(body, &resp); err != nil {
		return 0, agenterr.Wrap(agenterr.CodeCTAP2Error, "decode retries response", err)
	}
	return resp.Retries, nil
}

// GetPinToken authenticates with pin and returns the PIN token, already
// decrypted with the shared key, usable as pinAuth input for subsequent
// credential management calls.
func (s *PinSession) GetPinToken(ctx context.Context, pin string) ([]byte, error) {
	if err := s.agree(ctx); err != nil {
		return nil, err
	}
	pinHash := sha256.Sum256([]byte(pin))
	pinHashEnc, err := aesCBCNoIV(s.sharedKey[:], pinHash[:16], true)
	if err != nil {
		return nil, agenterr.Wrap(agenterr.CodeCTAP2Error, "encrypt pin hash", err)
	}
	body, err := s.d.call(ctx, cmdClientPIN, clientPINRequest{
		PinProtocol:  1,
		SubCommand:   pinSubGetPinToken,
		KeyAgreement: s.platformCOSEKey(),
		PinHashEnc:   pinHashEnc,
	})
	if err != nil {
		return nil, err
	}
	var resp clientPINResponse
	if err := cbor.Unmarshal(body, &resp); err != nil {
		return nil, agenterr.Wrap(agenterr.CodeCTAP2Error, "decode pin token response", err)
	}
	token, err := aesCBCNoIV(s.sharedKey[:], resp.PinToken, false)
	if err != nil {
		return nil, agenterr.Wrap(agenterr.CodeCTAP2Error, "decrypt pin token", err)
	}
	return token, nil
}

// PinAuth computes the pinAuth value for an arbitrary client-data blob
// under an already-decrypted pinToken, per CTAP2's
// authenticate(pinToken, clientDataHash) = HMAC-SHA-256(pinToken, clientDataHash)[0:16].
func PinAuth(pinToken, clientDataHash []byte) []byte {
	mac := hmac.New(sha256.New, pinToken)
	mac.Write(clientDataHash)
	return mac.Sum(nil)[:16]
}

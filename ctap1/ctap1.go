// Package ctap1 implements the U2F/CTAP1 register and authenticate
// commands, framed as ISO 7816-4 APDUs carried over a ctaphid channel's
// CTAPHID_MSG command.
package ctap1

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/feitiansk/agent/agenterr"
	"github.com/feitiansk/agent/ctaphid"
)

const (
	insRegister     = 0x01
	insAuthenticate = 0x02
	insVersion      = 0x03

	authEnforceUserPresence = 0x03
	authCheckOnly           = 0x07

	swSuccess                = 0x9000
	swConditionsNotSatisfied = 0x6985
	swWrongData              = 0x6A80
)

// ErrPresenceRequired is returned by Authenticate/Register when the
// authenticator is waiting for a touch. Callers that want the bounded
// retry-until-touch behavior should use AuthenticateWithPresence or
// RegisterWithPresence instead. It carries agenterr.CodeUserPresenceReq
// so a caller that propagates it unwrapped still gets classified
// correctly at the dispatcher.
var ErrPresenceRequired = agenterr.New(agenterr.CodeUserPresenceReq, "user presence required")

// Device wraps a ctaphid.Device to run U2F APDUs over CTAPHID_MSG.
type Device struct {
	hid *ctaphid.Device
}

func New(hidDevice *ctaphid.Device) *Device {
	return &Device{hid: hidDevice}
}

func encodeAPDU(ins byte, p1 byte, data []byte) []byte {
	apdu := []byte{0x00, ins, p1, 0x00}
	apdu = append(apdu, 0x00) // Lc high byte, extended length encoding
	lc := len(data)
	apdu = append(apdu, byte(lc>>8), byte(lc))
	apdu = append(apdu, data...)
	apdu = append(apdu, 0x00, 0x00) // Le, extended
	return apdu
}

func (d *Device) transmit(ctx context.Context, ins, p1 byte, data []byte) ([]byte, uint16, error) {
	resp, err := d.hid.Transact(ctx, ctaphid.CmdMsg, encodeAPDU(ins, p1, data))
	if err != nil {
		return nil, 0, agenterr.Wrap(agenterr.CodeCTAPHIDError, "u2f transaction", err)
	}
	if len(resp) < 2 {
		return nil, 0, agenterr.New(agenterr.CodeCTAP1Error, "u2f response too short")
	}
	sw := uint16(resp[len(resp)-2])<<8 | uint16(resp[len(resp)-1])
	return resp[:len(resp)-2], sw, nil
}

// Version returns the U2F protocol version string, normally "U2F_V2".
func (d *Device) Version(ctx context.Context) (string, error) {
	body, sw, err := d.transmit(ctx, insVersion, 0, nil)
	if err != nil {
		return "", err
	}
	if sw != swSuccess {
		return "", agenterr.Newf(agenterr.CodeCTAP1Error, "u2f version: sw=%#04x", sw)
	}
	return string(body), nil
}

// RegisterResponse is the decoded U2F_REGISTER response.
type RegisterResponse struct {
	UserPublicKey          []byte
	KeyHandle              []byte
	AttestationCertificate []byte
	Signature              []byte
}

// Register performs U2F_REGISTER with the given application and
// challenge parameters (each 32 bytes, already hashed by the caller).
func (d *Device) Register(ctx context.Context, challenge, application [32]byte) (*RegisterResponse, error) {
	data := append(append([]byte{}, challenge[:]...), application[:]...)
	body, sw, err := d.transmit(ctx, insRegister, authEnforceUserPresence, data)
	if err != nil {
		return nil, err
	}
	if sw == swConditionsNotSatisfied {
		return nil, ErrPresenceRequired
	}
	if sw != swSuccess {
		return nil, agenterr.Newf(agenterr.CodeCTAP1Error, "u2f register: sw=%#04x", sw)
	}
	return parseRegisterResponse(body)
}

// RegisterWithPresence retries Register on ErrPresenceRequired until the
// user touches the key or totalTimeout elapses, the same bounded wait
// AuthenticateWithPresence gives U2F_AUTHENTICATE.
func RegisterWithPresence(ctx context.Context, d *Device, challenge, application [32]byte, totalTimeout time.Duration) (*RegisterResponse, error) {
	deadline := time.Now().Add(totalTimeout)
	for {
		resp, err := d.Register(ctx, challenge, application)
		if err == nil {
			return resp, nil
		}
		if !errors.Is(err, ErrPresenceRequired) {
			return nil, err
		}
		if time.Now().After(deadline) {
			return nil, agenterr.New(agenterr.CodeUserActionTimeout, "timed out waiting for user presence")
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(200 * time.Millisecond):
		}
	}
}

func parseRegisterResponse(body []byte) (*RegisterResponse, error) {
	if len(body) < 1+65+1 {
		return nil, agenterr.New(agenterr.CodeCTAP1Error, "u2f register response truncated")
	}
	if body[0] != 0x05 {
		return nil, agenterr.New(agenterr.CodeCTAP1Error, "u2f register response missing reserved byte 0x05")
	}
	pub := body[1:66]
	khLen := int(body[66])
	if len(body) < 67+khLen {
		return nil, agenterr.New(agenterr.CodeCTAP1Error, "u2f register response truncated key handle")
	}
	kh := body[67 : 67+khLen]
	rest := body[67+khLen:]
	certLen, certEnd, err := derSequenceLength(rest)
	if err != nil {
		return nil, agenterr.Wrap(agenterr.CodeCTAP1Error, "parse attestation certificate", err)
	}
	cert := rest[:certEnd]
	sig := rest[certEnd:]
	_ = certLen
	return &RegisterResponse{UserPublicKey: pub, KeyHandle: kh, AttestationCertificate: cert, Signature: sig}, nil
}

// derSequenceLength returns the total byte length of the leading DER
// SEQUENCE in data (tag + length + content), needed to split the
// concatenated certificate and signature in a register response.
func derSequenceLength(data []byte) (int, int, error) {
	if len(data) < 2 || data[0] != 0x30 {
		return 0, 0, fmt.Errorf("not a DER sequence")
	}
	if data[1]&0x80 == 0 {
		n := int(data[1])
		return n, 2 + n, nil
	}
	nbytes := int(data[1] & 0x7F)
	if len(data) < 2+nbytes {
		return 0, 0, fmt.Errorf("truncated DER length")
	}
	n := 0
	for i := 0; i < nbytes; i++ {
		n = n<<8 | int(data[2+i])
	}
	return n, 2 + nbytes + n, nil
}

// AuthenticateResponse is the decoded U2F_AUTHENTICATE response.
type AuthenticateResponse struct {
	UserPresence uint8
	Counter      uint32
	Signature    []byte
}

// Authenticate performs one U2F_AUTHENTICATE attempt. It returns
// ErrPresenceRequired immediately on a touch timeout rather than
// retrying; callers wanting a bounded wait use AuthenticateWithPresence.
func (d *Device) Authenticate(ctx context.Context, challenge, application [32]byte, keyHandle []byte, checkOnly bool) (*AuthenticateResponse, error) {
	data := append(append([]byte{}, challenge[:]...), application[:]...)
	data = append(data, byte(len(keyHandle)))
	data = append(data, keyHandle...)
	p1 := byte(authEnforceUserPresence)
	if checkOnly {
		p1 = authCheckOnly
	}
	body, sw, err := d.transmit(ctx, insAuthenticate, p1, data)
	if err != nil {
		return nil, err
	}
	if sw == swConditionsNotSatisfied {
		return nil, ErrPresenceRequired
	}
	if sw == swWrongData {
		return nil, agenterr.New(agenterr.CodeNotFound, "key handle not recognized by this device")
	}
	if sw != swSuccess {
		return nil, agenterr.Newf(agenterr.CodeCTAP1Error, "u2f authenticate: sw=%#04x", sw)
	}
	if len(body) < 5 {
		return nil, agenterr.New(agenterr.CodeCTAP1Error, "u2f authenticate response truncated")
	}
	counter := uint32(body[1])<<24 | uint32(body[2])<<16 | uint32(body[3])<<8 | uint32(body[4])
	return &AuthenticateResponse{UserPresence: body[0], Counter: counter, Signature: body[5:]}, nil
}

// AuthenticateWithPresence retries Authenticate on ErrPresenceRequired
// until the user touches the key or totalTimeout elapses, matching the
// protocol's expectation that the browser polls rather than the
// authenticator blocking.
func AuthenticateWithPresence(ctx context.Context, d *Device, challenge, application [32]byte, keyHandle []byte, totalTimeout time.Duration) (*AuthenticateResponse, error) {
	deadline := time.Now().Add(totalTimeout)
	for {
		resp, err := d.Authenticate(ctx, challenge, application, keyHandle, false)
		if err == nil {
			return resp, nil
		}
		if !errors.Is(err, ErrPresenceRequired) {
			return nil, err
		}
		if time.Now().After(deadline) {
			return nil, agenterr.New(agenterr.CodeUserActionTimeout, "timed out waiting for user presence")
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(200 * time.Millisecond):
		}
	}
}

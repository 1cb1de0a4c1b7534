// Package ctap2 implements the CTAP2 CBOR command layer over a ctaphid
// channel: authenticatorGetInfo, clientPIN (PIN protocol 1), and
// credentialManagement.
package ctap2

import (
	"context"
	"fmt"

	"github.com/fxamacker/cbor/v2"

	"github.com/feitiansk/agent/agenterr"
	"github.com/feitiansk/agent/ctaphid"
)

// Status is the single-byte CTAP2 status code prefixing every response.
type Status byte

const (
	StatusOK                 Status = 0x00
	StatusInvalidCommand     Status = 0x01
	StatusInvalidParameter   Status = 0x02
	StatusInvalidLength      Status = 0x03
	StatusInvalidCBOR        Status = 0x12
	StatusMissingParameter   Status = 0x14
	StatusCredentialExcluded Status = 0x19
	StatusOperationDenied    Status = 0x27
	StatusKeyStoreFull       Status = 0x28
	StatusNoCredentials      Status = 0x2E
	StatusUserActionTimeout  Status = 0x2F
	StatusNotAllowed         Status = 0x30
	StatusPinInvalid         Status = 0x31
	StatusPinBlocked         Status = 0x32
	StatusPinAuthInvalid     Status = 0x33
	StatusPinAuthBlocked     Status = 0x34
	StatusPinNotSet          Status = 0x35
	StatusPinPolicyViolation Status = 0x37
	StatusPinTokenExpired    Status = 0x38
	StatusUserActionRequired Status = 0x2C
	StatusOther              Status = 0x7F
)

func (s Status) code() agenterr.Code {
	switch s {
	case StatusPinInvalid, StatusPinAuthInvalid:
		return agenterr.CodePinInvalid
	case StatusPinBlocked, StatusPinAuthBlocked:
		return agenterr.CodePinBlocked
	case StatusUserActionTimeout, StatusPinTokenExpired:
		return agenterr.CodeUserActionTimeout
	case StatusUserActionRequired:
		return agenterr.CodeUserPresenceReq
	default:
		return agenterr.CodeCTAP2Error
	}
}

// Command bytes, dispatched via CTAPHID_CBOR.
const (
	cmdMakeCredential       = 0x01
	cmdGetAssertion         = 0x02
	cmdGetInfo              = 0x04
	cmdClientPIN            = 0x06
	cmdReset                = 0x07
	cmdCredentialManagement = 0x0A
)

var ctap2EncOpts = cbor.CTAP2EncOptions()

// Device wraps a ctaphid.Device to run CBOR commands over it.
type Device struct {
	hid *ctaphid.Device
}

func New(hidDevice *ctaphid.Device) *Device {
	return &Device{hid: hidDevice}
}

func (d *Device) call(ctx context.Context, cmd byte, params any) ([]byte, error) {
	mode, err := ctap2EncOpts.EncMode()
	if err != nil {
		return nil, err
	}
	payload := []byte{cmd}
	if params != nil {
		body, err := mode.Marshal(params)
		if err != nil {
			return nil, fmt.Errorf("ctap2: encode request: %w", err)
		}
		payload = append(payload, body...)
	}
	resp, err := d.hid.Transact(ctx, ctaphid.CmdCBOR, payload)
	if err != nil {
		return nil, agenterr.Wrap(agenterr.CodeCTAPHIDError, "ctap2 transaction", err)
	}
	if len(resp) == 0 {
		return nil, agenterr.New(agenterr.CodeCTAP2Error, "empty ctap2 response")
	}
	status := Status(resp[0])
	if status != StatusOK {
		return nil, agenterr.Newf(status.code(), "ctap2 status %#02x", byte(status))
	}
	return resp[1:], nil
}

// GetInfo is the decoded authenticatorGetInfo response (a subset of the
// full response map; fields the agent has no use for are dropped rather
// than modeled).
type GetInfo struct {
	Versions   []string        `cbor:"1,keyasint"`
	Extensions []string        `cbor:"2,keyasint,omitempty"`
	AAGUID     []byte          `cbor:"3,keyasint"`
	Options    map[string]bool `cbor:"4,keyasint,omitempty"`
	MaxMsgSize uint            `cbor:"5,keyasint,omitempty"`
	PinProtocols []uint        `cbor:"6,keyasint,omitempty"`
}

func (d *Device) GetInfo(ctx context.Context) (*GetInfo, error) {
	body, err := d.call(ctx, cmdGetInfo, nil)
	if err != nil {
		return nil, err
	}
	var info GetInfo
	if err := cbor.Unmarshal(body, &info); err != nil {
		return nil, agenterr.Wrap(agenterr.CodeCTAP2Error, "decode getInfo response", err)
	}
	return &info, nil
}

// Reset issues authenticatorReset, which erases all credentials and the
// PIN. It must be sent within a short window of the authenticator being
// plugged in; the authenticator itself enforces that constraint.
func (d *Device) Reset(ctx context.Context) error {
	_, err := d.call(ctx, cmdReset, nil)
	return err
}

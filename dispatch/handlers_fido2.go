package dispatch

import (
	"context"
	"encoding/json"
	"time"

	"github.com/feitiansk/agent/agenterr"
	"github.com/feitiansk/agent/ctap1"
	"github.com/feitiansk/agent/ctap2"
	"github.com/feitiansk/agent/ctaphid"
)

// fido2Timeout bounds a FIDO2 end-to-end command, long enough to cover
// waiting for user presence.
const fido2Timeout = 30 * time.Second

func init() {
	registerHandler(CmdFido2GetInfo, fido2GetInfoHandler)
	registerHandler(CmdFido2SetPin, fido2SetPinHandler)
	registerHandler(CmdFido2ChangePin, fido2ChangePinHandler)
	registerHandler(CmdFido2GetPinRetries, fido2GetPinRetriesHandler)
	registerHandler(CmdFido2ListCredentials, fido2ListCredentialsHandler)
	registerHandler(CmdFido2DeleteCredential, fido2DeleteCredentialHandler)
	registerHandler(CmdFido2ResetDevice, fido2ResetDeviceHandler)

	registerHandler(CmdU2FVersion, u2fVersionHandler)
	registerHandler(CmdU2FRegister, u2fRegisterHandler)
	registerHandler(CmdU2FAuthenticate, u2fAuthenticateHandler)
}

// openCTAP opens the HID device and allocates a fresh CTAPHID channel for
// one command. A new channel per request is simpler than caching one for
// the life of the open handle and costs one INIT round trip; nothing in
// the protocol requires the channel to outlive a single command.
func (s *Server) openCTAP(deviceID string, timeout time.Duration) (*ctaphid.Device, context.Context, context.CancelFunc, error) {
	conn, err := s.Registry.OpenHID(deviceID)
	if err != nil {
		return nil, nil, nil, err
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	dev, err := ctaphid.Open(ctx, conn)
	if err != nil {
		cancel()
		return nil, nil, nil, agenterr.Wrap(agenterr.CodeCTAPHIDError, "open ctaphid channel", err)
	}
	return dev, ctx, cancel, nil
}

func fido2GetInfoHandler(s *Server, raw json.RawMessage) (any, error) {
	var p deviceIDParams
	if err := decodeParams(raw, &p); err != nil {
		return nil, err
	}
	ch, ctx, cancel, err := s.openCTAP(p.DeviceID, fido2Timeout)
	if err != nil {
		return nil, err
	}
	defer cancel()
	info, err := ctap2.New(ch).GetInfo(ctx)
	if err != nil {
		return nil, err
	}
	return info, nil
}

type fido2SetPinParams struct {
	DeviceID string `json:"deviceId"`
	NewPin   string `json:"newPin"`
}

func fido2SetPinHandler(s *Server, raw json.RawMessage) (any, error) {
	var p fido2SetPinParams
	if err := decodeParams(raw, &p); err != nil {
		return nil, err
	}
	ch, ctx, cancel, err := s.openCTAP(p.DeviceID, fido2Timeout)
	if err != nil {
		return nil, err
	}
	defer cancel()
	dev := ctap2.New(ch)
	info, err := dev.GetInfo(ctx)
	if err != nil {
		return nil, err
	}
	if info.Options["clientPin"] {
		return nil, agenterr.New(agenterr.CodePinAlreadySet, "a pin is already configured")
	}
	session, err := ctap2.NewPinSession(dev)
	if err != nil {
		return nil, err
	}
	if err := session.SetPIN(ctx, p.NewPin); err != nil {
		return nil, err
	}
	return map[string]bool{"success": true}, nil
}

type fido2ChangePinParams struct {
	DeviceID   string `json:"deviceId"`
	CurrentPin string `json:"currentPin"`
	NewPin     string `json:"newPin"`
}

func fido2ChangePinHandler(s *Server, raw json.RawMessage) (any, error) {
	var p fido2ChangePinParams
	if err := decodeParams(raw, &p); err != nil {
		return nil, err
	}
	ch, ctx, cancel, err := s.openCTAP(p.DeviceID, fido2Timeout)
	if err != nil {
		return nil, err
	}
	defer cancel()
	session, err := ctap2.NewPinSession(ctap2.New(ch))
	if err != nil {
		return nil, err
	}
	if err := session.ChangePIN(ctx, p.CurrentPin, p.NewPin); err != nil {
		return nil, err
	}
	return map[string]bool{"success": true}, nil
}

func fido2GetPinRetriesHandler(s *Server, raw json.RawMessage) (any, error) {
	var p deviceIDParams
	if err := decodeParams(raw, &p); err != nil {
		return nil, err
	}
	ch, ctx, cancel, err := s.openCTAP(p.DeviceID, fido2Timeout)
	if err != nil {
		return nil, err
	}
	defer cancel()
	session, err := ctap2.NewPinSession(ctap2.New(ch))
	if err != nil {
		return nil, err
	}
	retries, err := session.GetRetries(ctx)
	if err != nil {
		return nil, err
	}
	return map[string]int{"retries": retries}, nil
}

type fido2PinParams struct {
	DeviceID string `json:"deviceId"`
	Pin      string `json:"pin"`
}

func fido2ListCredentialsHandler(s *Server, raw json.RawMessage) (any, error) {
	var p fido2PinParams
	if err := decodeParams(raw, &p); err != nil {
		return nil, err
	}
	ch, ctx, cancel, err := s.openCTAP(p.DeviceID, fido2Timeout)
	if err != nil {
		return nil, err
	}
	defer cancel()
	dev := ctap2.New(ch)
	session, err := ctap2.NewPinSession(dev)
	if err != nil {
		return nil, err
	}
	token, err := session.GetPinToken(ctx, p.Pin)
	if err != nil {
		return nil, err
	}
	creds, err := dev.ListCredentials(ctx, token)
	if err != nil {
		return nil, err
	}
	return map[string]any{"credentials": creds}, nil
}

type fido2DeleteCredentialParams struct {
	DeviceID     string    `json:"deviceId"`
	CredentialID byteArray `json:"credentialId"`
	Pin          string    `json:"pin"`
}

func fido2DeleteCredentialHandler(s *Server, raw json.RawMessage) (any, error) {
	var p fido2DeleteCredentialParams
	if err := decodeParams(raw, &p); err != nil {
		return nil, err
	}
	ch, ctx, cancel, err := s.openCTAP(p.DeviceID, fido2Timeout)
	if err != nil {
		return nil, err
	}
	defer cancel()
	dev := ctap2.New(ch)
	session, err := ctap2.NewPinSession(dev)
	if err != nil {
		return nil, err
	}
	token, err := session.GetPinToken(ctx, p.Pin)
	if err != nil {
		return nil, err
	}
	if err := dev.DeleteCredential(ctx, p.CredentialID, token); err != nil {
		return nil, err
	}
	return map[string]bool{"success": true}, nil
}

func fido2ResetDeviceHandler(s *Server, raw json.RawMessage) (any, error) {
	var p deviceIDParams
	if err := decodeParams(raw, &p); err != nil {
		return nil, err
	}
	ch, ctx, cancel, err := s.openCTAP(p.DeviceID, 10*time.Second)
	if err != nil {
		return nil, err
	}
	defer cancel()
	if err := ctap2.New(ch).Reset(ctx); err != nil {
		return nil, err
	}
	return map[string]bool{"success": true}, nil
}

func u2fVersionHandler(s *Server, raw json.RawMessage) (any, error) {
	var p deviceIDParams
	if err := decodeParams(raw, &p); err != nil {
		return nil, err
	}
	ch, ctx, cancel, err := s.openCTAP(p.DeviceID, fido2Timeout)
	if err != nil {
		return nil, err
	}
	defer cancel()
	version, err := ctap1.New(ch).Version(ctx)
	if err != nil {
		return nil, err
	}
	return map[string]string{"version": version}, nil
}

type u2fRegisterParams struct {
	DeviceID    string    `json:"deviceId"`
	Challenge   byteArray `json:"challenge"`
	Application byteArray `json:"application"`
}

func u2fRegisterHandler(s *Server, raw json.RawMessage) (any, error) {
	var p u2fRegisterParams
	if err := decodeParams(raw, &p); err != nil {
		return nil, err
	}
	var challenge, application [32]byte
	if len(p.Challenge) != 32 || len(p.Application) != 32 {
		return nil, agenterr.New(agenterr.CodeInvalidParams, "challenge and application must be 32 bytes")
	}
	copy(challenge[:], p.Challenge)
	copy(application[:], p.Application)

	ch, ctx, cancel, err := s.openCTAP(p.DeviceID, fido2Timeout)
	if err != nil {
		return nil, err
	}
	defer cancel()
	resp, err := ctap1.RegisterWithPresence(ctx, ctap1.New(ch), challenge, application, 30*time.Second)
	if err != nil {
		return nil, err
	}
	return map[string]byteArray{
		"userPublicKey":          resp.UserPublicKey,
		"keyHandle":              resp.KeyHandle,
		"attestationCertificate": resp.AttestationCertificate,
		"signature":              resp.Signature,
	}, nil
}

type u2fAuthenticateParams struct {
	DeviceID    string    `json:"deviceId"`
	Challenge   byteArray `json:"challenge"`
	Application byteArray `json:"application"`
	KeyHandle   byteArray `json:"keyHandle"`
	CheckOnly   bool      `json:"checkOnly"`
}

func u2fAuthenticateHandler(s *Server, raw json.RawMessage) (any, error) {
	var p u2fAuthenticateParams
	if err := decodeParams(raw, &p); err != nil {
		return nil, err
	}
	var challenge, application [32]byte
	if len(p.Challenge) != 32 || len(p.Application) != 32 {
		return nil, agenterr.New(agenterr.CodeInvalidParams, "challenge and application must be 32 bytes")
	}
	copy(challenge[:], p.Challenge)
	copy(application[:], p.Application)

	ch, ctx, cancel, err := s.openCTAP(p.DeviceID, fido2Timeout)
	if err != nil {
		return nil, err
	}
	defer cancel()
	dev := ctap1.New(ch)
	if p.CheckOnly {
		resp, err := dev.Authenticate(ctx, challenge, application, p.KeyHandle, true)
		if err != nil {
			return nil, err
		}
		return map[string]any{"userPresence": resp.UserPresence, "counter": resp.Counter}, nil
	}
	resp, err := ctap1.AuthenticateWithPresence(ctx, dev, challenge, application, p.KeyHandle, 30*time.Second)
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"userPresence": resp.UserPresence,
		"counter":      resp.Counter,
		"signature":    byteArray(resp.Signature),
	}, nil
}

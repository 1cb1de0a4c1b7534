package dispatch

import (
	"encoding/json"

	"github.com/feitiansk/agent/agenterr"
	"github.com/feitiansk/agent/opgp"
)

func init() {
	registerHandler(CmdOpenPGPSelect, openpgpSelectHandler)
	registerHandler(CmdOpenPGPReadData, openpgpReadDataHandler)
	registerHandler(CmdOpenPGPChangePin, openpgpChangePinHandler)
	registerHandler(CmdOpenPGPChangeAdminPin, openpgpChangeAdminPinHandler)
	registerHandler(CmdOpenPGPImportKey, openpgpImportKeyHandler)
	registerHandler(CmdOpenPGPExportPublicKey, openpgpExportPublicKeyHandler)
}

func (s *Server) openOpenPGP(deviceID string) (*opgp.Engine, error) {
	card, err := s.Registry.OpenCCID(deviceID)
	if err != nil {
		return nil, err
	}
	return opgp.Open(card)
}

func openpgpSelectHandler(s *Server, raw json.RawMessage) (any, error) {
	var p deviceIDParams
	if err := decodeParams(raw, &p); err != nil {
		return nil, err
	}
	if _, err := s.openOpenPGP(p.DeviceID); err != nil {
		return nil, err
	}
	return map[string]bool{"success": true}, nil
}

func openpgpReadDataHandler(s *Server, raw json.RawMessage) (any, error) {
	var p deviceIDParams
	if err := decodeParams(raw, &p); err != nil {
		return nil, err
	}
	engine, err := s.openOpenPGP(p.DeviceID)
	if err != nil {
		return nil, err
	}
	ard, err := engine.ApplicationRelatedData()
	if err != nil {
		return nil, err
	}
	url, err := engine.URL()
	if err != nil {
		return nil, err
	}
	sign, decrypt, auth, err := engine.Fingerprints()
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"applicationRelatedData": byteArray(ard),
		"url":                    url,
		"fingerprints": map[string]byteArray{
			"sign":    sign[:],
			"decrypt": decrypt[:],
			"auth":    auth[:],
		},
	}, nil
}

type openpgpChangePinParams struct {
	DeviceID string `json:"deviceId"`
	OldPin   string `json:"oldPin"`
	NewPin   string `json:"newPin"`
}

func openpgpChangePinHandler(s *Server, raw json.RawMessage) (any, error) {
	var p openpgpChangePinParams
	if err := decodeParams(raw, &p); err != nil {
		return nil, err
	}
	engine, err := s.openOpenPGP(p.DeviceID)
	if err != nil {
		return nil, err
	}
	if err := engine.ChangePW(opgp.PW1Other, p.OldPin, p.NewPin); err != nil {
		return nil, err
	}
	return map[string]bool{"success": true}, nil
}

func openpgpChangeAdminPinHandler(s *Server, raw json.RawMessage) (any, error) {
	var p openpgpChangePinParams
	if err := decodeParams(raw, &p); err != nil {
		return nil, err
	}
	engine, err := s.openOpenPGP(p.DeviceID)
	if err != nil {
		return nil, err
	}
	if err := engine.ChangePW(opgp.PW3Admin, p.OldPin, p.NewPin); err != nil {
		return nil, err
	}
	return map[string]bool{"success": true}, nil
}

type openpgpKeySlotParams struct {
	DeviceID string `json:"deviceId"`
	Slot     string `json:"slot"`
}

func openpgpKeySlotByName(name string) (opgp.KeySlot, error) {
	switch name {
	case "sign":
		return opgp.KeySign, nil
	case "decrypt":
		return opgp.KeyDecrypt, nil
	case "auth":
		return opgp.KeyAuth, nil
	default:
		return 0, agenterr.Newf(agenterr.CodeInvalidParams, "unknown openpgp key slot %q", name)
	}
}

// openpgpImportKeyHandler maps the wire's "import" concept onto the
// engine's on-card GENERATE ASYMMETRIC KEY PAIR: the card never accepts
// externally-generated key material into these slots, only generates its
// own and returns the public half.
func openpgpImportKeyHandler(s *Server, raw json.RawMessage) (any, error) {
	var p openpgpKeySlotParams
	if err := decodeParams(raw, &p); err != nil {
		return nil, err
	}
	slot, err := openpgpKeySlotByName(p.Slot)
	if err != nil {
		return nil, err
	}
	engine, err := s.openOpenPGP(p.DeviceID)
	if err != nil {
		return nil, err
	}
	pubKey, err := engine.GenerateKey(slot)
	if err != nil {
		return nil, err
	}
	return map[string]byteArray{"publicKey": pubKey}, nil
}

func openpgpExportPublicKeyHandler(s *Server, raw json.RawMessage) (any, error) {
	var p openpgpKeySlotParams
	if err := decodeParams(raw, &p); err != nil {
		return nil, err
	}
	slot, err := openpgpKeySlotByName(p.Slot)
	if err != nil {
		return nil, err
	}
	engine, err := s.openOpenPGP(p.DeviceID)
	if err != nil {
		return nil, err
	}
	pubKey, err := engine.PublicKey(slot)
	if err != nil {
		return nil, err
	}
	return map[string]byteArray{"publicKey": pubKey}, nil
}

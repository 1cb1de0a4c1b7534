package dispatch

import (
	"encoding/json"

	"github.com/feitiansk/agent/agenterr"
	"github.com/feitiansk/agent/piv"
)

func init() {
	registerHandler(CmdPIVGetData, pivGetDataHandler)
	registerHandler(CmdPIVVerifyPin, pivVerifyPinHandler)
	registerHandler(CmdPIVChangePin, pivChangePinHandler)
	registerHandler(CmdPIVChangePuk, pivChangePukHandler)
	registerHandler(CmdPIVGenerateKey, pivGenerateKeyHandler)
	registerHandler(CmdPIVImportCertificate, pivImportCertificateHandler)
	registerHandler(CmdPIVReadCertificate, pivReadCertificateHandler)
	registerHandler(CmdPIVDeleteCertificate, pivDeleteCertificateHandler)
}

// openPIV connects to deviceID's card and selects the PIV application. A
// fresh engine per request is cheap (one SELECT) and carries no state that
// needs to survive across requests, unlike the OTP engine.
func (s *Server) openPIV(deviceID string) (*piv.Engine, error) {
	card, err := s.Registry.OpenCCID(deviceID)
	if err != nil {
		return nil, err
	}
	return piv.Open(card)
}

func pivGetDataHandler(s *Server, raw json.RawMessage) (any, error) {
	var p deviceIDParams
	if err := decodeParams(raw, &p); err != nil {
		return nil, err
	}
	engine, err := s.openPIV(p.DeviceID)
	if err != nil {
		return nil, err
	}
	chuid, err := engine.CHUID()
	if err != nil {
		return nil, err
	}
	discovery, err := engine.Discovery()
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"chuid":     byteArray(chuid),
		"discovery": byteArray(discovery),
		"activity":  engine.Log,
	}, nil
}

type pivPinParams struct {
	DeviceID string `json:"deviceId"`
	Pin      string `json:"pin"`
}

func pivVerifyPinHandler(s *Server, raw json.RawMessage) (any, error) {
	var p pivPinParams
	if err := decodeParams(raw, &p); err != nil {
		return nil, err
	}
	engine, err := s.openPIV(p.DeviceID)
	if err != nil {
		return nil, err
	}
	if err := engine.VerifyPIN(p.Pin); err != nil {
		return nil, err
	}
	return map[string]bool{"success": true}, nil
}

type pivChangePinParams struct {
	DeviceID string `json:"deviceId"`
	OldPin   string `json:"oldPin"`
	NewPin   string `json:"newPin"`
}

func pivChangePinHandler(s *Server, raw json.RawMessage) (any, error) {
	var p pivChangePinParams
	if err := decodeParams(raw, &p); err != nil {
		return nil, err
	}
	engine, err := s.openPIV(p.DeviceID)
	if err != nil {
		return nil, err
	}
	if err := engine.ChangePIN(p.OldPin, p.NewPin); err != nil {
		return nil, err
	}
	return map[string]bool{"success": true}, nil
}

type pivChangePukParams struct {
	DeviceID string `json:"deviceId"`
	OldPuk   string `json:"oldPuk"`
	NewPuk   string `json:"newPuk"`
}

func pivChangePukHandler(s *Server, raw json.RawMessage) (any, error) {
	var p pivChangePukParams
	if err := decodeParams(raw, &p); err != nil {
		return nil, err
	}
	engine, err := s.openPIV(p.DeviceID)
	if err != nil {
		return nil, err
	}
	if err := engine.ChangePUK(p.OldPuk, p.NewPuk); err != nil {
		return nil, err
	}
	return map[string]bool{"success": true}, nil
}

type pivGenerateKeyParams struct {
	DeviceID    string `json:"deviceId"`
	Slot        int    `json:"slot"`
	Algorithm   string `json:"algorithm"`
	PinPolicy   int    `json:"pinPolicy"`
	TouchPolicy int    `json:"touchPolicy"`
}

func pivAlgorithmByName(name string) (piv.Algorithm, error) {
	switch name {
	case "RSA1024":
		return piv.AlgRSA1024, nil
	case "RSA2048":
		return piv.AlgRSA2048, nil
	case "ECCP256":
		return piv.AlgECCP256, nil
	case "ECCP384":
		return piv.AlgECCP384, nil
	default:
		return 0, agenterr.Newf(agenterr.CodeInvalidParams, "unknown piv algorithm %q", name)
	}
}

func pivGenerateKeyHandler(s *Server, raw json.RawMessage) (any, error) {
	var p pivGenerateKeyParams
	if err := decodeParams(raw, &p); err != nil {
		return nil, err
	}
	alg, err := pivAlgorithmByName(p.Algorithm)
	if err != nil {
		return nil, err
	}
	engine, err := s.openPIV(p.DeviceID)
	if err != nil {
		return nil, err
	}
	pubKey, err := engine.GenerateKey(byte(p.Slot), alg, piv.PINPolicy(p.PinPolicy), piv.TouchPolicy(p.TouchPolicy))
	if err != nil {
		return nil, err
	}
	return map[string]byteArray{"publicKey": pubKey}, nil
}

type pivSlotCertParams struct {
	DeviceID    string    `json:"deviceId"`
	Slot        int       `json:"slot"`
	Certificate byteArray `json:"certificate"`
}

func pivImportCertificateHandler(s *Server, raw json.RawMessage) (any, error) {
	var p pivSlotCertParams
	if err := decodeParams(raw, &p); err != nil {
		return nil, err
	}
	engine, err := s.openPIV(p.DeviceID)
	if err != nil {
		return nil, err
	}
	if err := engine.ImportCertificate(byte(p.Slot), p.Certificate); err != nil {
		return nil, err
	}
	return map[string]bool{"success": true}, nil
}

type pivSlotParams struct {
	DeviceID string `json:"deviceId"`
	Slot     int    `json:"slot"`
}

func pivReadCertificateHandler(s *Server, raw json.RawMessage) (any, error) {
	var p pivSlotParams
	if err := decodeParams(raw, &p); err != nil {
		return nil, err
	}
	engine, err := s.openPIV(p.DeviceID)
	if err != nil {
		return nil, err
	}
	certDER, err := engine.ReadCertificate(byte(p.Slot))
	if err != nil {
		return nil, err
	}
	return map[string]byteArray{"certificate": certDER}, nil
}

func pivDeleteCertificateHandler(s *Server, raw json.RawMessage) (any, error) {
	var p pivSlotParams
	if err := decodeParams(raw, &p); err != nil {
		return nil, err
	}
	engine, err := s.openPIV(p.DeviceID)
	if err != nil {
		return nil, err
	}
	if err := engine.DeleteCertificate(byte(p.Slot)); err != nil {
		return nil, err
	}
	return map[string]bool{"success": true}, nil
}

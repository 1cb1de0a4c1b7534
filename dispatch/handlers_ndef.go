package dispatch

import (
	"encoding/json"

	"github.com/feitiansk/agent/ndef"
)

func init() {
	registerHandler(CmdNDEFRead, ndefReadHandler)
	registerHandler(CmdNDEFWrite, ndefWriteHandler)
	registerHandler(CmdNDEFFormat, ndefFormatHandler)
}

func (s *Server) openNDEF(deviceID string) (*ndef.Engine, error) {
	card, err := s.Registry.OpenCCID(deviceID)
	if err != nil {
		return nil, err
	}
	return ndef.Open(card)
}

func ndefReadHandler(s *Server, raw json.RawMessage) (any, error) {
	var p deviceIDParams
	if err := decodeParams(raw, &p); err != nil {
		return nil, err
	}
	engine, err := s.openNDEF(p.DeviceID)
	if err != nil {
		return nil, err
	}
	msg, err := engine.Read()
	if err != nil {
		return nil, err
	}
	return map[string]byteArray{"message": msg}, nil
}

type ndefWriteParams struct {
	DeviceID string    `json:"deviceId"`
	Message  byteArray `json:"message"`
}

func ndefWriteHandler(s *Server, raw json.RawMessage) (any, error) {
	var p ndefWriteParams
	if err := decodeParams(raw, &p); err != nil {
		return nil, err
	}
	engine, err := s.openNDEF(p.DeviceID)
	if err != nil {
		return nil, err
	}
	if err := engine.Write(p.Message); err != nil {
		return nil, err
	}
	return map[string]bool{"success": true}, nil
}

// ndefFormatHandler clears the tag to an empty NDEF message; the engine
// has no separate format command, so formatting is writing zero bytes.
func ndefFormatHandler(s *Server, raw json.RawMessage) (any, error) {
	var p deviceIDParams
	if err := decodeParams(raw, &p); err != nil {
		return nil, err
	}
	engine, err := s.openNDEF(p.DeviceID)
	if err != nil {
		return nil, err
	}
	if err := engine.Write(nil); err != nil {
		return nil, err
	}
	return map[string]bool{"success": true}, nil
}

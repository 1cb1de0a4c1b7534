package dispatch

import (
	"context"
	"encoding/json"

	"github.com/feitiansk/agent/agenterr"
	"github.com/feitiansk/agent/otp"
)

func init() {
	registerHandler(CmdOTPReadSlot, otpReadSlotHandler)
	registerHandler(CmdOTPWriteSlot, otpWriteSlotHandler)
	registerHandler(CmdOTPDeleteSlot, otpDeleteSlotHandler)
	registerHandler(CmdOTPSwapSlots, otpSwapSlotsHandler)
	registerHandler(CmdOTPGenerateSeed, otpGenerateSeedHandler)
}

// otpSlot decodes the wire "slot" field, which names one of the two
// physical slots by number rather than by the engine's named constants.
func otpSlot(n int) (otp.Slot, error) {
	switch n {
	case 1:
		return otp.Slot1, nil
	case 2:
		return otp.Slot2, nil
	default:
		return 0, agenterr.Newf(agenterr.CodeInvalidParams, "slot must be 1 or 2, got %d", n)
	}
}

// engineForOTP opens deviceID's HID handle and returns its (possibly
// cached) OTP engine.
func (s *Server) engineForOTP(deviceID string) (*otp.Engine, error) {
	if _, err := s.Registry.OpenHID(deviceID); err != nil {
		return nil, err
	}
	return s.otpEngineFor(deviceID)
}

type otpReadSlotParams struct {
	DeviceID string `json:"deviceId"`
	Slot     int    `json:"slot"`
}

// otpReadSlotHandler never returns slot key material: the firmware cannot
// read a secret back, and the cache that makes this query possible at all
// exists only to support otpSwapSlots, not to re-expose secrets to the
// bridge.
func otpReadSlotHandler(s *Server, raw json.RawMessage) (any, error) {
	var p otpReadSlotParams
	if err := decodeParams(raw, &p); err != nil {
		return nil, err
	}
	slot, err := otpSlot(p.Slot)
	if err != nil {
		return nil, err
	}
	engine, err := s.engineForOTP(p.DeviceID)
	if err != nil {
		return nil, err
	}
	cfg, ok := engine.LastConfig(slot)
	if !ok {
		return map[string]any{"configured": false}, nil
	}
	return map[string]any{
		"configured": true,
		"label":      string(cfg.Fixed),
		"digits":     cfg.Digits,
	}, nil
}

type otpWriteSlotParams struct {
	DeviceID string `json:"deviceId"`
	Slot     int    `json:"slot"`
	Seed     string `json:"seed"`
	Format   string `json:"format"`
	Digits   int    `json:"digits"`
	Label    string `json:"label"`
}

func otpWriteSlotHandler(s *Server, raw json.RawMessage) (any, error) {
	var p otpWriteSlotParams
	if err := decodeParams(raw, &p); err != nil {
		return nil, err
	}
	slot, err := otpSlot(p.Slot)
	if err != nil {
		return nil, err
	}
	key, err := otp.NormalizeSeed(p.Seed, otp.SeedFormat(p.Format))
	if err != nil {
		return nil, err
	}
	if len(key) > 16 {
		return nil, agenterr.New(agenterr.CodeInvalidParams, "seed decodes to more than 16 bytes")
	}
	digits := p.Digits
	if digits == 0 {
		digits = 6
	}
	if digits != 6 && digits != 8 {
		return nil, agenterr.New(agenterr.CodeInvalidParams, "digits must be 6 or 8")
	}

	cfg := otp.SlotConfig{
		Fixed:    []byte(p.Label),
		TktFlags: otp.TktFlagOATHHOTP,
		Digits:   digits,
	}
	copy(cfg.Key[:], key)

	engine, err := s.engineForOTP(p.DeviceID)
	if err != nil {
		return nil, err
	}
	if err := engine.WriteSlot(context.Background(), slot, cfg); err != nil {
		return nil, err
	}
	return map[string]bool{"success": true}, nil
}

type otpDeleteSlotParams struct {
	DeviceID string `json:"deviceId"`
	Slot     int    `json:"slot"`
}

func otpDeleteSlotHandler(s *Server, raw json.RawMessage) (any, error) {
	var p otpDeleteSlotParams
	if err := decodeParams(raw, &p); err != nil {
		return nil, err
	}
	slot, err := otpSlot(p.Slot)
	if err != nil {
		return nil, err
	}
	engine, err := s.engineForOTP(p.DeviceID)
	if err != nil {
		return nil, err
	}
	if err := engine.DeleteSlot(context.Background(), slot); err != nil {
		return nil, err
	}
	return map[string]bool{"success": true}, nil
}

func otpSwapSlotsHandler(s *Server, raw json.RawMessage) (any, error) {
	var p deviceIDParams
	if err := decodeParams(raw, &p); err != nil {
		return nil, err
	}
	engine, err := s.engineForOTP(p.DeviceID)
	if err != nil {
		return nil, err
	}
	if err := engine.Swap(context.Background()); err != nil {
		return nil, err
	}
	return map[string]bool{"success": true}, nil
}

type otpGenerateSeedParams struct {
	Length int `json:"length"`
}

// otpGenerateSeedHandler needs no open device: it is pure random
// generation, offered as a convenience so the bridge does not need its
// own CSPRNG wiring.
func otpGenerateSeedHandler(_ *Server, raw json.RawMessage) (any, error) {
	var p otpGenerateSeedParams
	if err := decodeParams(raw, &p); err != nil {
		return nil, err
	}
	length := p.Length
	if length == 0 {
		length = 20
	}
	seed, err := otp.GenerateSeed(length)
	if err != nil {
		return nil, err
	}
	return map[string]string{"seed": seed}, nil
}

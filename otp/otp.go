// Package otp implements the vendor HID slot-configuration protocol:
// reading device status, writing/deleting/swapping the two OTP slot
// configurations, and normalizing caller-supplied seed material.
package otp

import (
	"context"

	"github.com/feitiansk/agent/agenterr"
	"github.com/feitiansk/agent/hid"
)

// Slot command bytes, one pair per physical slot (config write, update
// without reprogramming the secret).
const (
	cmdConfig1 = 0x01
	cmdConfig2 = 0x03
	cmdUpdate1 = 0x04
	cmdUpdate2 = 0x05
	cmdSwap    = 0x06

	fixedSize = 16
	uidSize   = 6
	keySize   = 16
	accSize   = 6
	configLen = fixedSize + uidSize + keySize + accSize + 1 + 1 + 1 + 1 + 2 // + crc below

	extFlagSerialAPIVisible = 0x01
	tktFlagOATHHOTP         = 0x40
	cfgFlagOATHHOTP8        = 0x02
)

// TktFlagOATHHOTP is the ticket-flag bit selecting OATH-HOTP slot mode,
// the only mode this engine programs.
const TktFlagOATHHOTP = tktFlagOATHHOTP

// Slot is one of the two configurable OTP slots.
type Slot int

const (
	Slot1 Slot = 1
	Slot2 Slot = 2
)

func (s Slot) configCmd() byte {
	if s == Slot1 {
		return cmdConfig1
	}
	return cmdConfig2
}

// SlotConfig is the vendor slot-write structure: secret key material,
// fixed public-id prefix, device access code, and the configuration
// flag bytes the firmware uses to select OTP vs. OATH-HOTP behavior.
type SlotConfig struct {
	Fixed    []byte // public identity prefix, up to 16 bytes, modhex on output
	UID      [6]byte
	Key      [16]byte
	AccCode  [6]byte
	ExtFlags byte
	TktFlags byte
	CfgFlags byte
	Digits   int // HOTP digit count, 6 or 8; 0 leaves firmware default
}

// Engine wraps an open vendor OTP protocol session on a HID device. It
// remembers the configuration it last wrote to each slot, since the
// firmware's write-only slots give no way to read a secret back; that
// cache is what makes Swap's read-both/write-both algorithm possible.
type Engine struct {
	proto *hid.Protocol
	last  map[Slot]SlotConfig
}

// Open wraps an already-derived OTP protocol handle (see
// registry.Registry.OTP).
func Open(proto *hid.Protocol) *Engine {
	return &Engine{proto: proto, last: make(map[Slot]SlotConfig)}
}

// LastConfig returns the configuration last written to slot during this
// engine's lifetime, and whether one has been written yet. The firmware
// cannot be asked to read a slot back, so this is the only source for
// otpReadSlot-style queries.
func (e *Engine) LastConfig(slot Slot) (SlotConfig, bool) {
	cfg, ok := e.last[slot]
	return cfg, ok
}

// Status returns the 6 raw status bytes (firmware version plus
// programming sequence/touch-level bytes) reported by the device.
func (e *Engine) Status(ctx context.Context) ([]byte, error) {
	status, err := e.proto.ReadStatus()
	if err != nil {
		return nil, agenterr.Wrap(agenterr.CodeIOError, "read otp status", err)
	}
	return status, nil
}

func encodeConfig(cfg SlotConfig) []byte {
	buf := make([]byte, fixedSize+uidSize+keySize+accSize+4)
	fixed := cfg.Fixed
	if len(fixed) > fixedSize {
		fixed = fixed[:fixedSize]
	}
	copy(buf[0:fixedSize], fixed)
	copy(buf[fixedSize:fixedSize+uidSize], cfg.UID[:])
	copy(buf[fixedSize+uidSize:fixedSize+uidSize+keySize], cfg.Key[:])
	copy(buf[fixedSize+uidSize+keySize:fixedSize+uidSize+keySize+accSize], cfg.AccCode[:])
	off := fixedSize + uidSize + keySize + accSize
	buf[off] = byte(len(fixed))
	buf[off+1] = cfg.ExtFlags
	buf[off+2] = cfg.TktFlags
	buf[off+3] = cfg.CfgFlags
	if cfg.Digits == 8 {
		buf[off+3] |= cfgFlagOATHHOTP8
	}
	return buf
}

// WriteSlot programs slot with cfg, overwriting any existing
// configuration and secret.
func (e *Engine) WriteSlot(ctx context.Context, slot Slot, cfg SlotConfig) error {
	frame := encodeConfig(cfg)
	_, err := e.proto.SendAndReceive(ctx, slot.configCmd(), frame, nil)
	if err != nil {
		return agenterr.Wrap(agenterr.CodeIOError, "write otp slot", err)
	}
	e.last[slot] = cfg
	return nil
}

// DeleteSlot clears slot's configuration by writing an all-zero
// structure, the device's documented way to erase a slot.
func (e *Engine) DeleteSlot(ctx context.Context, slot Slot) error {
	return e.WriteSlot(ctx, slot, SlotConfig{})
}

// Swap exchanges the configurations of slot 1 and slot 2: it reads both
// cached configurations and writes each into the other slot. If the
// second write fails, it attempts to restore slot 1 to its original
// configuration before reporting SWAP_FAILED, since the device has no
// native atomic swap in this protocol.
func (e *Engine) Swap(ctx context.Context) error {
	cfg1 := e.last[Slot1]
	cfg2 := e.last[Slot2]

	if err := e.WriteSlot(ctx, Slot1, cfg2); err != nil {
		return agenterr.Wrap(agenterr.CodeIOError, "SWAP_FAILED", err)
	}
	if err := e.WriteSlot(ctx, Slot2, cfg1); err != nil {
		if restoreErr := e.WriteSlot(ctx, Slot1, cfg1); restoreErr != nil {
			return agenterr.Wrap(agenterr.CodeIOError, "SWAP_FAILED and could not restore slot 1", restoreErr)
		}
		return agenterr.Wrap(agenterr.CodeIOError, "SWAP_FAILED", err)
	}
	return nil
}

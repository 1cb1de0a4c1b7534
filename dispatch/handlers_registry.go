package dispatch

import (
	"encoding/json"
	"time"

	"github.com/feitiansk/agent/agenterr"
	"github.com/feitiansk/agent/detect"
	"github.com/feitiansk/agent/registry"
	"github.com/feitiansk/agent/scard"
)

func init() {
	registerHandler(CmdListDevices, listDevicesHandler)
	registerHandler(CmdOpenDevice, openDeviceHandler)
	registerHandler(CmdCloseDevice, closeDeviceHandler)
	registerHandler(CmdSendHID, sendHIDHandler)
	registerHandler(CmdReceiveHID, receiveHIDHandler)
	registerHandler(CmdTransmitAPDU, transmitAPDUHandler)
	registerHandler(CmdDetectProtocols, detectProtocolsHandler)
}

// deviceInfo is the wire shape of one listDevices entry: complete enough
// for the UI to identify the physical product without opening it.
type deviceInfo struct {
	ID           string `json:"id"`
	DeviceType   string `json:"device_type"`
	VendorID     uint16 `json:"vendor_id"`
	ProductID    uint16 `json:"product_id"`
	Manufacturer string `json:"manufacturer,omitempty"`
	Product      string `json:"product,omitempty"`
	Serial       string `json:"serial,omitempty"`
	Recognized   bool   `json:"recognized"`
}

func displayTransport(t registry.Transport) string {
	if t == registry.TransportCCID {
		return "Ccid"
	}
	return "Hid"
}

func toDeviceInfo(d registry.Descriptor) deviceInfo {
	return deviceInfo{
		ID:           d.ID,
		DeviceType:   displayTransport(d.Transport),
		VendorID:     d.VendorID,
		ProductID:    d.ProductID,
		Manufacturer: d.Manufacturer,
		Product:      d.Product,
		Serial:       d.Serial,
		Recognized:   d.Recognized,
	}
}

func listDevicesHandler(s *Server, _ json.RawMessage) (any, error) {
	if err := s.Registry.Refresh(); err != nil {
		return nil, agenterr.Wrap(agenterr.CodeIOError, "refresh device list", err)
	}
	descs := s.Registry.List()
	out := make([]deviceInfo, len(descs))
	for i, d := range descs {
		out[i] = toDeviceInfo(d)
	}
	return map[string]any{"devices": out}, nil
}

type deviceIDParams struct {
	DeviceID string `json:"deviceId"`
}

func openDeviceHandler(s *Server, raw json.RawMessage) (any, error) {
	var p deviceIDParams
	if err := decodeParams(raw, &p); err != nil {
		return nil, err
	}
	desc, err := s.Registry.Get(p.DeviceID)
	if err != nil {
		return nil, err
	}
	if desc.Transport == registry.TransportCCID {
		if _, err := s.Registry.OpenCCID(p.DeviceID); err != nil {
			return nil, err
		}
	} else {
		if _, err := s.Registry.OpenHID(p.DeviceID); err != nil {
			return nil, err
		}
	}
	return map[string]bool{"success": true}, nil
}

func closeDeviceHandler(s *Server, raw json.RawMessage) (any, error) {
	var p deviceIDParams
	if err := decodeParams(raw, &p); err != nil {
		return nil, err
	}
	openID, ok := s.Registry.OpenID()
	if !ok || openID != p.DeviceID {
		return nil, agenterr.New(agenterr.CodeNotOpen, "device is not open: "+p.DeviceID)
	}
	if err := s.Registry.Close(); err != nil {
		return nil, err
	}
	s.forgetOTPEngine(p.DeviceID)
	return map[string]bool{"success": true}, nil
}

type sendHIDParams struct {
	DeviceID string    `json:"deviceId"`
	Data     byteArray `json:"data"`
}

func sendHIDHandler(s *Server, raw json.RawMessage) (any, error) {
	var p sendHIDParams
	if err := decodeParams(raw, &p); err != nil {
		return nil, err
	}
	if len(p.Data) > 64 {
		return nil, agenterr.New(agenterr.CodeInvalidParams, "hid report data exceeds 64 bytes")
	}
	conn, err := s.Registry.OpenHID(p.DeviceID)
	if err != nil {
		return nil, err
	}
	var report [64]byte
	copy(report[:], p.Data)
	if err := conn.Send(report); err != nil {
		return nil, agenterr.Wrap(agenterr.CodeIOError, "send hid report", err)
	}
	return map[string]int{"bytesWritten": len(report)}, nil
}

type receiveHIDParams struct {
	DeviceID  string `json:"deviceId"`
	TimeoutMs int    `json:"timeout"`
}

const defaultHIDReadTimeout = 5 * time.Second

func receiveHIDHandler(s *Server, raw json.RawMessage) (any, error) {
	var p receiveHIDParams
	if err := decodeParams(raw, &p); err != nil {
		return nil, err
	}
	conn, err := s.Registry.OpenHID(p.DeviceID)
	if err != nil {
		return nil, err
	}
	timeout := defaultHIDReadTimeout
	if p.TimeoutMs > 0 {
		timeout = time.Duration(p.TimeoutMs) * time.Millisecond
	}
	report, err := conn.Receive(timeout)
	if err != nil {
		return nil, agenterr.Wrap(agenterr.CodeTimeout, "receive hid report", err)
	}
	return map[string]byteArray{"data": report[:]}, nil
}

type transmitAPDUParams struct {
	DeviceID string    `json:"deviceId"`
	APDU     byteArray `json:"apdu"`
}

func transmitAPDUHandler(s *Server, raw json.RawMessage) (any, error) {
	var p transmitAPDUParams
	if err := decodeParams(raw, &p); err != nil {
		return nil, err
	}
	apdu, err := parseRawAPDU(p.APDU)
	if err != nil {
		return nil, err
	}
	card, err := s.Registry.OpenCCID(p.DeviceID)
	if err != nil {
		return nil, err
	}
	data, sw1, sw2, err := card.TransmitRaw(apdu)
	if err != nil {
		return nil, agenterr.Wrap(agenterr.CodeIOError, "transmit apdu", err)
	}
	resp := append(append([]byte{}, data...), sw1, sw2)
	return map[string]byteArray{"response": resp}, nil
}

// parseRawAPDU splits a short-form (non-extended-length) command APDU
// into its header/data fields, the encoding transmitApdu's callers send.
func parseRawAPDU(raw []byte) (scard.APDU, error) {
	if len(raw) < 4 {
		return scard.APDU{}, agenterr.New(agenterr.CodeInvalidParams, "apdu shorter than 4-byte header")
	}
	apdu := scard.APDU{Cla: raw[0], Ins: raw[1], P1: raw[2], P2: raw[3]}
	rest := raw[4:]
	switch len(rest) {
	case 0:
		return apdu, nil
	case 1:
		apdu.Len = rest[0]
	default:
		lc := int(rest[0])
		if len(rest) < 1+lc {
			return scard.APDU{}, agenterr.New(agenterr.CodeInvalidParams, "apdu declares more data than present")
		}
		apdu.Data = rest[1 : 1+lc]
		if len(rest) > 1+lc {
			apdu.Len = rest[1+lc]
		}
	}
	return apdu, nil
}

func detectProtocolsHandler(s *Server, raw json.RawMessage) (any, error) {
	var p deviceIDParams
	if err := decodeParams(raw, &p); err != nil {
		return nil, err
	}
	desc, err := s.Registry.Get(p.DeviceID)
	if err != nil {
		return nil, err
	}
	var result detect.Result
	if desc.Transport == registry.TransportCCID {
		card, err := s.Registry.OpenCCID(p.DeviceID)
		if err != nil {
			return nil, err
		}
		result = detect.CCID(card)
	} else {
		conn, err := s.Registry.OpenHID(p.DeviceID)
		if err != nil {
			return nil, err
		}
		result = detect.HID(conn)
	}
	return map[string]any{"protocols": result}, nil
}

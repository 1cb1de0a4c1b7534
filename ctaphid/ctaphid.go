// Package ctaphid implements the CTAPHID framing layer used by FIDO2 and
// U2F security keys: 64-byte USB HID reports carrying INIT/continuation
// packets, channel allocation, and KEEPALIVE/ERROR handling.
package ctaphid

import (
	"context"
	"encoding/binary"
	"fmt"
	"time"

)

// ReportConn is the 64-byte report transport a Device runs over. It is
// satisfied by *hid.ReportConn; tests substitute an in-memory fake.
type ReportConn interface {
	Send(report [64]byte) error
	Receive(timeout time.Duration) ([64]byte, error)
}

// Command identifies a CTAPHID command byte (without the packet-type high
// bit, which Device adds when framing an init packet).
type Command byte

const (
	CmdPing      Command = 0x01
	CmdMsg       Command = 0x03
	CmdLock      Command = 0x04
	CmdInit      Command = 0x06
	CmdWink      Command = 0x08
	CmdCBOR      Command = 0x10
	CmdCancel    Command = 0x11
	CmdKeepalive Command = 0x3B
	CmdError     Command = 0x3F
)

// StatusCode is the single byte carried in an ERROR response.
type StatusCode byte

const (
	ErrInvalidCmd     StatusCode = 0x01
	ErrInvalidPar     StatusCode = 0x02
	ErrInvalidLen     StatusCode = 0x03
	ErrInvalidSeq     StatusCode = 0x04
	ErrMsgTimeout     StatusCode = 0x05
	ErrChannelBusy    StatusCode = 0x06
	ErrLockRequired   StatusCode = 0x0A
	ErrInvalidChannel StatusCode = 0x0B
	ErrOther          StatusCode = 0x7F
)

func (s StatusCode) String() string {
	switch s {
	case ErrInvalidCmd:
		return "invalid command"
	case ErrInvalidPar:
		return "invalid parameter"
	case ErrInvalidLen:
		return "invalid length"
	case ErrInvalidSeq:
		return "invalid sequence"
	case ErrMsgTimeout:
		return "message timeout"
	case ErrChannelBusy:
		return "channel busy"
	case ErrLockRequired:
		return "command requires channel lock"
	case ErrInvalidChannel:
		return "invalid channel"
	default:
		return "other error"
	}
}

// BroadcastChannel is the well-known channel used before a channel has
// been allocated with INIT.
const BroadcastChannel uint32 = 0xFFFFFFFF

const (
	reportSize     = 64
	initPayloadLen = reportSize - 7 // channel(4) + cmd(1) + len(2)
	contPayloadLen = reportSize - 5 // channel(4) + seq(1)
)

// ErrDevice reports a CTAPHID-level ERROR frame from the authenticator.
type ErrDevice struct{ Code StatusCode }

func (e *ErrDevice) Error() string { return fmt.Sprintf("ctaphid: %s", e.Code) }

// Device is a CTAPHID transport bound to one allocated channel.
type Device struct {
	conn    ReportConn
	channel uint32
}

// Open allocates a channel on conn via the INIT command.
func Open(ctx context.Context, conn ReportConn) (*Device, error) {
	d := &Device{conn: conn, channel: BroadcastChannel}
	var nonce [8]byte
	for i := range nonce {
		nonce[i] = byte(i + 1) // any value works; the response must echo it back
	}
	resp, err := d.Transact(ctx, CmdInit, nonce[:])
	if err != nil {
		return nil, err
	}
	if len(resp) < 17 {
		return nil, fmt.Errorf("ctaphid: short INIT response (%d bytes)", len(resp))
	}
	for i := range nonce {
		if resp[i] != nonce[i] {
			return nil, fmt.Errorf("ctaphid: INIT nonce mismatch")
		}
	}
	d.channel = binary.BigEndian.Uint32(resp[8:12])
	return d, nil
}

// Channel returns the allocated channel ID.
func (d *Device) Channel() uint32 { return d.channel }

// Transact sends one request and returns its reassembled response
// payload. KEEPALIVE frames are consumed silently; an ERROR frame aborts
// with ErrDevice.
func (d *Device) Transact(ctx context.Context, cmd Command, payload []byte) ([]byte, error) {
	if err := d.send(cmd, payload); err != nil {
		return nil, err
	}
	return d.receive(ctx)
}

func (d *Device) send(cmd Command, payload []byte) error {
	seq := byte(0)
	first := true
	for first || len(payload) > 0 {
		var report [reportSize]byte
		binary.BigEndian.PutUint32(report[0:4], d.channel)
		if first {
			report[4] = byte(cmd) | 0x80
			binary.BigEndian.PutUint16(report[5:7], uint16(len(payload)))
			n := copy(report[7:], payload)
			payload = payload[n:]
			first = false
		} else {
			report[4] = seq & 0x7F
			seq++
			n := copy(report[5:], payload)
			payload = payload[n:]
		}
		if err := d.conn.Send(report); err != nil {
			return fmt.Errorf("ctaphid: send report: %w", err)
		}
	}
	return nil
}

func (d *Device) receive(ctx context.Context) ([]byte, error) {
	var payload []byte
	var total int
	var cmd Command
	expectSeq := byte(0)
	first := true

	for {
		deadline := 3 * time.Second
		if dl, ok := ctx.Deadline(); ok {
			if remaining := time.Until(dl); remaining < deadline {
				deadline = remaining
			}
		}
		report, err := d.conn.Receive(deadline)
		if err != nil {
			return nil, fmt.Errorf("ctaphid: receive report: %w", err)
		}
		if binary.BigEndian.Uint32(report[0:4]) != d.channel {
			continue // traffic for another channel sharing the bus
		}

		if first {
			if report[4]&0x80 == 0 {
				return nil, fmt.Errorf("ctaphid: expected init packet, got continuation")
			}
			cmd = Command(report[4] &^ 0x80)
			total = int(binary.BigEndian.Uint16(report[5:7]))
			n := total
			if n > initPayloadLen {
				n = initPayloadLen
			}
			payload = append(payload, report[7:7+n]...)
			first = false
		} else {
			if report[4]&0x80 != 0 {
				// A new init packet on our channel while we're mid-message
				// means the previous transaction was abandoned; restart.
				cmd = Command(report[4] &^ 0x80)
				total = int(binary.BigEndian.Uint16(report[5:7]))
				payload = nil
				n := total
				if n > initPayloadLen {
					n = initPayloadLen
				}
				payload = append(payload, report[7:7+n]...)
				expectSeq = 0
				continue
			}
			if report[4] != expectSeq {
				return nil, fmt.Errorf("ctaphid: sequence error: got %d, want %d", report[4], expectSeq)
			}
			expectSeq++
			remaining := total - len(payload)
			n := remaining
			if n > contPayloadLen {
				n = contPayloadLen
			}
			payload = append(payload, report[5:5+n]...)
		}

		if len(payload) >= total {
			switch cmd {
			case CmdKeepalive:
				first = true
				expectSeq = 0
				payload = nil
				continue
			case CmdError:
				if len(payload) == 0 {
					return nil, &ErrDevice{Code: ErrOther}
				}
				return nil, &ErrDevice{Code: StatusCode(payload[0])}
			default:
				return payload[:total], nil
			}
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}
	}
}

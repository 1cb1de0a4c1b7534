package scard

import (
	"bytes"
	"fmt"
)

// TransmitChained sends apdu and follows the two response-chaining status
// word families a card may return instead of 0x9000:
//
//   - 61XX: more response data is available; issue GET RESPONSE (INS C0)
//     for XX bytes and append it to the accumulated data.
//   - 6CXX: the requested Le was wrong; resend the same command with Le
//     corrected to XX.
//
// It returns the fully assembled response body with the trailing status
// word stripped, or the mapped APDU error for a final non-success status.
func (c *Card) TransmitChained(apdu APDU) ([]byte, error) {
	var out bytes.Buffer

	data, sw1, sw2, err := c.transmitRaw(apdu)
	if err != nil {
		return nil, err
	}
	out.Write(data)

	for sw1 == 0x61 {
		getResp := APDU{Cla: 0x00, Ins: 0xC0, P1: 0, P2: 0, Len: sw2}
		data, sw1, sw2, err = c.transmitRaw(getResp)
		if err != nil {
			return nil, err
		}
		out.Write(data)
	}

	if sw1 == 0x6C {
		apdu.Len = sw2
		data, sw1, sw2, err = c.transmitRaw(apdu)
		if err != nil {
			return nil, err
		}
		out.Reset()
		out.Write(data)
		for sw1 == 0x61 {
			getResp := APDU{Cla: 0x00, Ins: 0xC0, P1: 0, P2: 0, Len: sw2}
			data, sw1, sw2, err = c.transmitRaw(getResp)
			if err != nil {
				return nil, err
			}
			out.Write(data)
		}
	}

	if err := statusWordError(sw1, sw2); err != nil {
		return nil, err
	}
	return out.Bytes(), nil
}

// TransmitRaw performs one APDU exchange without collapsing the status
// word into an error, for callers that need to inspect SW1/SW2 directly
// (e.g. 63CX retry-counter responses that TransmitChained's error
// classification would otherwise obscure).
func (c *Card) TransmitRaw(apdu APDU) (data []byte, sw1, sw2 byte, err error) {
	return c.transmitRaw(apdu)
}

// transmitRaw performs one APDU exchange without collapsing the status
// word into an error, so chaining logic can inspect SW1/SW2 directly.
func (c *Card) transmitRaw(apdu APDU) (data []byte, sw1, sw2 byte, err error) {
	cmd := encodeAPDU(apdu)
	resp := make([]byte, 258)
	n, err := c.context.client.Transmit(c.cardID, c.protocol, cmd, resp)
	if err != nil {
		return nil, 0, 0, err
	}
	resp = resp[:n]
	if len(resp) < 2 {
		return nil, 0, 0, ErrRespTooShort
	}
	sw1, sw2 = resp[len(resp)-2], resp[len(resp)-1]
	return resp[:len(resp)-2], sw1, sw2, nil
}

func statusWordError(sw1, sw2 byte) error {
	if sw1 == 0x90 && sw2 == 0x00 {
		return nil
	}
	if err, ok := errorCodes[[2]byte{sw1, sw2}]; ok {
		return err
	}
	return fmt.Errorf("card returned status word %02x%02x", sw1, sw2)
}

package ctap1

import (
	"context"
	"encoding/binary"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/feitiansk/agent/agenterr"
	"github.com/feitiansk/agent/ctaphid"
)

// scriptedConn replies to CTAPHID_MSG transactions with pre-recorded APDU
// responses, one per call, framed as a single init packet.
type scriptedConn struct {
	channel  uint32
	initDone bool
	replies  [][]byte
	sent     [][]byte
}

func (c *scriptedConn) Send(report [64]byte) error {
	cmd := report[4] &^ 0x80
	if !c.initDone {
		c.initDone = true
		return nil
	}
	if ctaphid.Command(cmd) == ctaphid.CmdMsg {
		length := int(binary.BigEndian.Uint16(report[5:7]))
		body := append([]byte{}, report[7:]...)
		if length < len(body) {
			body = body[:length]
		}
		c.sent = append(c.sent, body)
	}
	return nil
}

func (c *scriptedConn) Receive(timeout time.Duration) ([64]byte, error) {
	var f [64]byte
	if len(c.replies) == 0 {
		return f, assertNoReplyLeft{}
	}
	payload := c.replies[0]
	c.replies = c.replies[1:]
	binary.BigEndian.PutUint32(f[0:4], c.channel)
	f[4] = byte(ctaphid.CmdMsg) | 0x80
	binary.BigEndian.PutUint16(f[5:7], uint16(len(payload)))
	copy(f[7:], payload)
	return f, nil
}

type assertNoReplyLeft struct{}

func (assertNoReplyLeft) Error() string { return "no scripted reply left" }

func openTestDevice(t *testing.T, replies ...[]byte) (*ctaphid.Device, *scriptedConn) {
	conn := &scriptedConn{channel: 42}
	// Prime the INIT handshake reply before Open reads it.
	var initResp [64]byte
	binary.BigEndian.PutUint32(initResp[0:4], ctaphid.BroadcastChannel)
	initResp[4] = byte(ctaphid.CmdInit) | 0x80
	binary.BigEndian.PutUint16(initResp[5:7], 17)
	for i := 0; i < 8; i++ {
		initResp[7+i] = byte(i + 1)
	}
	binary.BigEndian.PutUint32(initResp[15:19], conn.channel)
	conn.replies = append([][]byte{}, replies...)
	conn.initDone = false

	// Open drives Send/Receive itself; feed the init response via a tiny
	// wrapper that special-cases the very first Receive call.
	d, err := ctaphid.Open(context.Background(), &initThenScripted{conn: conn, initResp: initResp})
	require.NoError(t, err)
	return d, conn
}

type initThenScripted struct {
	conn     *scriptedConn
	initResp [64]byte
	sentInit bool
}

func (w *initThenScripted) Send(report [64]byte) error {
	w.sentInit = true
	return w.conn.Send(report)
}

func (w *initThenScripted) Receive(timeout time.Duration) ([64]byte, error) {
	if w.sentInit {
		w.sentInit = false
		return w.initResp, nil
	}
	return w.conn.Receive(timeout)
}

func TestVersion(t *testing.T) {
	d, _ := openTestDevice(t, []byte("U2F_V2\x90\x00"))
	dev := New(d)
	v, err := dev.Version(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "U2F_V2", v)
}

func TestRegisterPresenceRequired(t *testing.T) {
	d, _ := openTestDevice(t, []byte{0x69, 0x85})
	dev := New(d)
	_, err := dev.Register(context.Background(), [32]byte{}, [32]byte{})
	require.ErrorIs(t, err, ErrPresenceRequired)

	var agentErr *agenterr.Error
	require.ErrorAs(t, err, &agentErr)
	assert.Equal(t, agenterr.CodeUserPresenceReq, agentErr.Code)
}

func TestRegisterWithPresenceTimesOutWithoutTouch(t *testing.T) {
	d, _ := openTestDevice(t, []byte{0x69, 0x85}, []byte{0x69, 0x85})
	dev := New(d)
	_, err := RegisterWithPresence(context.Background(), dev, [32]byte{}, [32]byte{}, 50*time.Millisecond)
	require.Error(t, err)

	var agentErr *agenterr.Error
	require.ErrorAs(t, err, &agentErr)
	assert.Equal(t, agenterr.CodeUserActionTimeout, agentErr.Code)
}

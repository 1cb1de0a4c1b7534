package ctaphid

import (
	"context"
	"encoding/binary"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeConn is an in-memory authenticator: it answers the first INIT
// request itself, echoing its nonce and assigning f.channel. It sends no
// reply to any other command; tests queue those replies in toRecv.
type fakeConn struct {
	sent    [][64]byte
	toRecv  [][64]byte
	channel uint32
}

func (f *fakeConn) Send(report [64]byte) error {
	f.sent = append(f.sent, report)
	cmd := report[4] &^ 0x80
	if len(f.sent) == 1 && Command(cmd) == CmdInit {
		var resp [64]byte
		binary.BigEndian.PutUint32(resp[0:4], BroadcastChannel)
		resp[4] = byte(CmdInit) | 0x80
		binary.BigEndian.PutUint16(resp[5:7], 17)
		copy(resp[7:15], report[7:15]) // echo nonce
		binary.BigEndian.PutUint32(resp[15:19], f.channel)
		f.toRecv = append(f.toRecv, resp)
	}
	return nil
}

func (f *fakeConn) Receive(timeout time.Duration) ([64]byte, error) {
	if len(f.toRecv) == 0 {
		return [64]byte{}, &TimeoutError{}
	}
	r := f.toRecv[0]
	f.toRecv = f.toRecv[1:]
	return r, nil
}

type TimeoutError struct{}

func (e *TimeoutError) Error() string { return "timeout" }

func TestOpenAllocatesChannel(t *testing.T) {
	conn := &fakeConn{channel: 0x01020304}
	d, err := Open(context.Background(), conn)
	require.NoError(t, err)
	assert.Equal(t, uint32(0x01020304), d.Channel())
}

func TestTransactEchoSingleFrame(t *testing.T) {
	conn := &fakeConn{channel: 7}
	d, err := Open(context.Background(), conn)
	require.NoError(t, err)

	conn.toRecv = append(conn.toRecv, echoFrame(d.Channel(), CmdPing, []byte("hi")))
	resp, err := d.Transact(context.Background(), CmdPing, []byte("hi"))
	require.NoError(t, err)
	assert.Equal(t, []byte("hi"), resp)
}

func TestReceiveErrorFrame(t *testing.T) {
	conn := &fakeConn{channel: 7}
	d, err := Open(context.Background(), conn)
	require.NoError(t, err)

	var errFrame [64]byte
	binary.BigEndian.PutUint32(errFrame[0:4], d.Channel())
	errFrame[4] = byte(CmdError) | 0x80
	binary.BigEndian.PutUint16(errFrame[5:7], 1)
	errFrame[7] = byte(ErrInvalidCmd)
	conn.toRecv = append(conn.toRecv, errFrame)

	_, err = d.Transact(context.Background(), CmdPing, []byte("x"))
	require.Error(t, err)
	var devErr *ErrDevice
	require.ErrorAs(t, err, &devErr)
	assert.Equal(t, ErrInvalidCmd, devErr.Code)
}

func echoFrame(channel uint32, cmd Command, payload []byte) [64]byte {
	var f [64]byte
	binary.BigEndian.PutUint32(f[0:4], channel)
	f[4] = byte(cmd) | 0x80
	binary.BigEndian.PutUint16(f[5:7], uint16(len(payload)))
	copy(f[7:], payload)
	return f
}

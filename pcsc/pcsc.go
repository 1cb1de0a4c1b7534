// Package pcsc is a pure-Go client for the pcsc-lite daemon's local IPC
// protocol (winscard_msg). It speaks directly to pcscd over its Unix
// domain socket instead of linking libpcsclite, so the agent has no cgo
// dependency on Linux.
package pcsc

import (
	"encoding/binary"
	"errors"
	"fmt"
	"net"
	"os"
	"sync"
	"time"
)

// Scope values for EstablishContext, mirroring SCARD_SCOPE_*.
const (
	CARD_SCOPE_USER     = 0
	CARD_SCOPE_TERMINAL = 1
	CARD_SCOPE_SYSTEM   = 2
)

// Message kinds exchanged on the control socket, from pcsc-lite's
// winscard_msg.h ordering.
const (
	msgEstablishContext uint32 = 0x01
	msgReleaseContext   uint32 = 0x02
	msgListReaders      uint32 = 0x03
	msgConnect          uint32 = 0x04
	msgReconnect        uint32 = 0x05
	msgDisconnect       uint32 = 0x06
	msgBeginTx          uint32 = 0x07
	msgEndTx            uint32 = 0x08
	msgTransmit         uint32 = 0x09
	msgControl          uint32 = 0x0A
	msgStatus           uint32 = 0x0B
	msgGetStatusChange  uint32 = 0x0C
	msgCancel           uint32 = 0x0D
	msgCancelTx         uint32 = 0x0E
	msgGetAttrib        uint32 = 0x0F
	msgSetAttrib        uint32 = 0x10
	msgVersion          uint32 = 0x11
	msgGetReadersState  uint32 = 0x12
)

const (
	maxReaderNameLen = 128
	maxAtrLen        = 33
	maxBufferLen     = 264
	protocolMajor    = 4
	protocolMinor    = 4
	defaultSocket    = "/run/pcscd/pcscd.comm"
)

var ErrNoReaders = errors.New("pcsc: no readers available")

// header precedes every request and response on the control socket.
type header struct {
	Size uint32
	Kind uint32
}

// PCSCLiteClient is a connection to the pcscd daemon.
type PCSCLiteClient struct {
	conn    net.Conn
	mu      sync.Mutex
	readers []Reader
}

// Reader mirrors one slot of pcscd's shared reader state table.
type Reader struct {
	NameBuf       [maxReaderNameLen]byte
	EventCounter  uint32
	State         uint32
	CardAtrLength uint32
	CardAtr       [maxAtrLen]byte
	CardProtocol  uint32
}

func (r Reader) Name() string {
	n := 0
	for n < len(r.NameBuf) && r.NameBuf[n] != 0 {
		n++
	}
	return string(r.NameBuf[:n])
}

func (r Reader) IsCardPresent() bool {
	const scardStatePresent = 0x0020
	return r.State&scardStatePresent != 0
}

// PCSCLiteConnect dials the daemon's well-known control socket.
func PCSCLiteConnect() (*PCSCLiteClient, error) {
	path := os.Getenv("PCSCLITE_CSOCK_NAME")
	if path == "" {
		path = defaultSocket
	}
	conn, err := net.DialTimeout("unix", path, 5*time.Second)
	if err != nil {
		return nil, fmt.Errorf("pcsc: connect to pcscd: %w", err)
	}
	c := &PCSCLiteClient{conn: conn}
	if err := c.negotiateVersion(); err != nil {
		_ = conn.Close()
		return nil, err
	}
	return c, nil
}

func (c *PCSCLiteClient) negotiateVersion() error {
	body := make([]byte, 12)
	binary.LittleEndian.PutUint32(body[0:4], protocolMajor)
	binary.LittleEndian.PutUint32(body[4:8], protocolMinor)
	// rv left zero; pcscd fills it in and echoes the struct back.
	resp, err := c.roundTrip(msgVersion, body)
	if err != nil {
		return fmt.Errorf("pcsc: version handshake: %w", err)
	}
	if len(resp) < 12 {
		return errors.New("pcsc: short version response")
	}
	rv := int32(binary.LittleEndian.Uint32(resp[8:12]))
	if rv != 0 {
		return fmt.Errorf("pcsc: daemon rejected protocol version: rv=%d", rv)
	}
	return nil
}

func (c *PCSCLiteClient) roundTrip(kind uint32, body []byte) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	hdr := header{Size: uint32(len(body)), Kind: kind}
	buf := make([]byte, 8+len(body))
	binary.LittleEndian.PutUint32(buf[0:4], hdr.Size)
	binary.LittleEndian.PutUint32(buf[4:8], hdr.Kind)
	copy(buf[8:], body)
	if _, err := c.conn.Write(buf); err != nil {
		return nil, err
	}

	var respHdr [8]byte
	if _, err := readFull(c.conn, respHdr[:]); err != nil {
		return nil, err
	}
	size := binary.LittleEndian.Uint32(respHdr[0:4])
	respKind := binary.LittleEndian.Uint32(respHdr[4:8])
	if respKind != kind {
		return nil, fmt.Errorf("pcsc: reply kind %#x does not match request %#x", respKind, kind)
	}
	resp := make([]byte, size)
	if _, err := readFull(c.conn, resp); err != nil {
		return nil, err
	}
	return resp, nil
}

func readFull(r net.Conn, buf []byte) (int, error) {
	total := 0
	for total < len(buf) {
		n, err := r.Read(buf[total:])
		if err != nil {
			return total, err
		}
		total += n
	}
	return total, nil
}

// EstablishContext opens an SCardEstablishContext scope with pcscd and
// returns the daemon-assigned context handle.
func (c *PCSCLiteClient) EstablishContext(scope uint32) (uint32, error) {
	body := make([]byte, 12)
	binary.LittleEndian.PutUint32(body[0:4], scope)
	resp, err := c.roundTrip(msgEstablishContext, body)
	if err != nil {
		return 0, err
	}
	if len(resp) < 12 {
		return 0, errors.New("pcsc: short establish-context response")
	}
	hContext := binary.LittleEndian.Uint32(resp[4:8])
	rv := int32(binary.LittleEndian.Uint32(resp[8:12]))
	if rv != 0 {
		return 0, fmt.Errorf("pcsc: establish context failed: rv=%d", rv)
	}
	return hContext, nil
}

func (c *PCSCLiteClient) ReleaseContext(hContext uint32) error {
	body := make([]byte, 8)
	binary.LittleEndian.PutUint32(body[0:4], hContext)
	resp, err := c.roundTrip(msgReleaseContext, body)
	if err != nil {
		return err
	}
	if len(resp) >= 8 {
		if rv := int32(binary.LittleEndian.Uint32(resp[4:8])); rv != 0 {
			return fmt.Errorf("pcsc: release context failed: rv=%d", rv)
		}
	}
	return nil
}

// ListReaders refreshes the reader table with SyncReaders and returns
// pointers into the refreshed table.
func (c *PCSCLiteClient) ListReaders() ([]*Reader, error) {
	if _, err := c.SyncReaders(); err != nil {
		return nil, err
	}
	out := make([]*Reader, len(c.readers))
	for i := range c.readers {
		out[i] = &c.readers[i]
	}
	return out, nil
}

// SyncReaders asks pcscd for the current reader state table and caches it.
// Real pcscd exposes this table via a shared memory mapping; we fetch the
// equivalent snapshot over the control socket with CMD_GET_READERS_STATE.
func (c *PCSCLiteClient) SyncReaders() (uint32, error) {
	resp, err := c.roundTrip(msgGetReadersState, nil)
	if err != nil {
		return 0, err
	}
	const recLen = maxReaderNameLen + 4 + 4 + 4 + maxAtrLen + 4
	count := len(resp) / recLen
	readers := make([]Reader, 0, count)
	for i := 0; i < count; i++ {
		rec := resp[i*recLen : (i+1)*recLen]
		var r Reader
		copy(r.NameBuf[:], rec[0:maxReaderNameLen])
		off := maxReaderNameLen
		r.EventCounter = binary.LittleEndian.Uint32(rec[off : off+4])
		off += 4
		r.State = binary.LittleEndian.Uint32(rec[off : off+4])
		off += 4
		r.CardAtrLength = binary.LittleEndian.Uint32(rec[off : off+4])
		off += 4
		copy(r.CardAtr[:], rec[off:off+maxAtrLen])
		off += maxAtrLen
		r.CardProtocol = binary.LittleEndian.Uint32(rec[off : off+4])
		if r.Name() != "" {
			readers = append(readers, r)
		}
	}
	c.readers = readers
	return uint32(len(readers)), nil
}

// Readers returns the reader table cached by the last SyncReaders call.
func (c *PCSCLiteClient) Readers() []Reader {
	return c.readers
}

// CardConnect opens a connection to the named reader's card and returns an
// opaque card handle together with the negotiated protocol.
func (c *PCSCLiteClient) CardConnect(hContext uint32, readerName string) (int32, uint32, error) {
	const shareShared = 2
	const protoAny = 0x0003 // SCARD_PROTOCOL_T0 | SCARD_PROTOCOL_T1

	body := make([]byte, 4+maxReaderNameLen+4+4+4+4)
	binary.LittleEndian.PutUint32(body[0:4], hContext)
	copy(body[4:4+maxReaderNameLen], readerName)
	off := 4 + maxReaderNameLen
	binary.LittleEndian.PutUint32(body[off:off+4], shareShared)
	off += 4
	binary.LittleEndian.PutUint32(body[off:off+4], protoAny)
	off += 4
	// hCard, dwActiveProtocol are echoed back by the daemon; left zero here.

	resp, err := c.roundTrip(msgConnect, body)
	if err != nil {
		return 0, 0, err
	}
	if len(resp) < len(body)+8 {
		return 0, 0, ErrNoReaders
	}
	tail := resp[len(body):]
	hCard := int32(binary.LittleEndian.Uint32(tail[0:4]))
	proto := binary.LittleEndian.Uint32(tail[4:8])
	rv := int32(binary.LittleEndian.Uint32(tail[8:12]))
	if rv != 0 {
		return 0, 0, fmt.Errorf("pcsc: connect failed: rv=%d", rv)
	}
	return hCard, proto, nil
}

func (c *PCSCLiteClient) CardDisconnect(hCard int32) error {
	const dispositionLeave = 0
	body := make([]byte, 12)
	binary.LittleEndian.PutUint32(body[0:4], uint32(hCard))
	binary.LittleEndian.PutUint32(body[4:8], dispositionLeave)
	resp, err := c.roundTrip(msgDisconnect, body)
	if err != nil {
		return err
	}
	if len(resp) >= 12 {
		if rv := int32(binary.LittleEndian.Uint32(resp[8:12])); rv != 0 {
			return fmt.Errorf("pcsc: disconnect failed: rv=%d", rv)
		}
	}
	return nil
}

// Transmit sends cmd as the APDU payload and copies the card's reply into
// resp, returning the number of bytes written.
func (c *PCSCLiteClient) Transmit(hCard int32, protocol uint32, cmd []byte, resp []byte) (int, error) {
	body := make([]byte, 4+4+4+len(cmd)+4)
	binary.LittleEndian.PutUint32(body[0:4], uint32(hCard))
	binary.LittleEndian.PutUint32(body[4:8], protocol)
	binary.LittleEndian.PutUint32(body[8:12], uint32(len(cmd)))
	copy(body[12:12+len(cmd)], cmd)
	binary.LittleEndian.PutUint32(body[12+len(cmd):], uint32(len(resp)))

	out, err := c.roundTrip(msgTransmit, body)
	if err != nil {
		return 0, err
	}
	if len(out) < 8 {
		return 0, errors.New("pcsc: short transmit response")
	}
	recvLen := binary.LittleEndian.Uint32(out[0:4])
	rv := int32(binary.LittleEndian.Uint32(out[4:8]))
	if rv != 0 {
		return 0, fmt.Errorf("pcsc: transmit failed: rv=%d", rv)
	}
	n := copy(resp, out[8:8+recvLen])
	return n, nil
}

// Close releases the underlying socket.
func (c *PCSCLiteClient) Close() error {
	return c.conn.Close()
}

//go:build linux

package hid

import (
	"fmt"
	"os"
	"time"
	"unsafe"

	"golang.org/x/sys/unix"
)

// ReportConn is a raw 64-byte HID report connection used for CTAPHID
// traffic and the generic sendHid/receiveHid operations. Unlike Conn,
// which issues feature-report ioctls for the OTP protocol, ReportConn
// reads and writes plain input/output reports on the same device node.
type ReportConn struct {
	f *os.File
}

// OpenRaw opens the device node for plain report I/O.
func (dev *Device) OpenRaw() (*ReportConn, error) {
	f, err := os.OpenFile(dev.Path, os.O_RDWR, 0)
	if err != nil {
		return nil, err
	}
	return &ReportConn{f: f}, nil
}

func (c *ReportConn) Close() error { return c.f.Close() }

// Send writes a single 64-byte output report, report ID 0.
func (c *ReportConn) Send(report [64]byte) error {
	buf := append([]byte{0x00}, report[:]...)
	n, err := c.f.Write(buf)
	if err != nil {
		return err
	}
	if n != len(buf) {
		return fmt.Errorf("hid: short write: wrote %d of %d bytes", n, len(buf))
	}
	return nil
}

// Receive reads a single 64-byte input report, waiting at most timeout.
func (c *ReportConn) Receive(timeout time.Duration) ([64]byte, error) {
	var out [64]byte
	deadlineErr := c.f.SetReadDeadline(time.Now().Add(timeout))
	buf := make([]byte, 64)
	n, err := c.f.Read(buf)
	if err != nil {
		if deadlineErr == nil && os.IsTimeout(err) {
			return out, &TimeoutError{"receive report"}
		}
		return out, err
	}
	copy(out[:], buf[:n])
	return out, nil
}

// SendFeature writes an 8-byte feature report payload (without the report
// ID), the same ioctl the OTP protocol uses, over this handle's fd.
func (c *ReportConn) SendFeature(data []byte) error {
	if len(data) != FEATURE_RPT_SIZE {
		return fmt.Errorf("hid: send expects %d bytes, got %d", FEATURE_RPT_SIZE, len(data))
	}
	buf := make([]byte, 1+FEATURE_RPT_SIZE)
	copy(buf[1:], data)
	req := hidIOC(_IOC_READ|_IOC_WRITE, 'H', 0x06, uintptr(len(buf))) // HIDIOCSFEATURE(len)
	return reportIOCtl(c.f.Fd(), req, buf)
}

// ReceiveFeature reads an 8-byte feature report payload (without the
// report ID).
func (c *ReportConn) ReceiveFeature() ([]byte, error) {
	buf := make([]byte, 1+FEATURE_RPT_SIZE)
	req := hidIOC(_IOC_READ|_IOC_WRITE, 'H', 0x07, uintptr(len(buf))) // HIDIOCGFEATURE(len)
	if err := reportIOCtl(c.f.Fd(), req, buf); err != nil {
		return nil, err
	}
	return append([]byte(nil), buf[1:1+FEATURE_RPT_SIZE]...), nil
}

func reportIOCtl(fd uintptr, req uintptr, buf []byte) error {
	if len(buf) == 0 {
		return fmt.Errorf("hid: ioctl buffer must not be empty")
	}
	_, _, errno := unix.Syscall(unix.SYS_IOCTL, fd, req, uintptr(unsafe.Pointer(&buf[0])))
	if errno != 0 {
		return errno
	}
	return nil
}

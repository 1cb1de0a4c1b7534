//go:build windows

package hid

import (
	"fmt"
	"sync"
	"time"

	"golang.org/x/sys/windows"
)

// featureReportLens caches each device's feature report length, queried on
// first use since SendFeature/ReceiveFeature need it for the HidD_*
// buffer size and ReportConn doesn't otherwise open with HID caps.
var featureReportLens sync.Map // windows.Handle -> uint32

// ReportConn is a raw 64-byte HID report connection used for CTAPHID
// traffic and the generic sendHid/receiveHid operations. Unlike Conn,
// which issues HidD_{Get,Set}Feature calls for the OTP protocol,
// ReportConn issues plain ReadFile/WriteFile against the device handle.
type ReportConn struct {
	h windows.Handle
}

// OpenRaw opens the device path for plain report I/O.
func (dev *Device) OpenRaw() (*ReportConn, error) {
	devPath := windows.StringToUTF16Ptr(dev.Path)
	h, err := windows.CreateFile(
		devPath,
		windows.GENERIC_READ|windows.GENERIC_WRITE,
		windows.FILE_SHARE_READ|windows.FILE_SHARE_WRITE,
		nil,
		windows.OPEN_EXISTING,
		0,
		0,
	)
	if err != nil {
		return nil, err
	}
	return &ReportConn{h: h}, nil
}

func (c *ReportConn) Close() error { return windows.Close(c.h) }

// Send writes a single 64-byte output report, report ID 0.
func (c *ReportConn) Send(report [64]byte) error {
	buf := append([]byte{0x00}, report[:]...)
	var written uint32
	if err := windows.WriteFile(c.h, buf, &written, nil); err != nil {
		return err
	}
	if int(written) != len(buf) {
		return fmt.Errorf("hid: short write: wrote %d of %d bytes", written, len(buf))
	}
	return nil
}

// Receive reads a single 64-byte input report, waiting at most timeout.
// ReadFile has no per-call deadline on a synchronous handle, so the read
// runs in a goroutine and the call returns TimeoutError if it outlives
// timeout; the goroutine is abandoned in that case and completes (or
// blocks forever) independently of the caller.
func (c *ReportConn) Receive(timeout time.Duration) ([64]byte, error) {
	type result struct {
		out [64]byte
		err error
	}
	ch := make(chan result, 1)
	go func() {
		buf := make([]byte, 65)
		var read uint32
		err := windows.ReadFile(c.h, buf, &read, nil)
		var r result
		if err == nil {
			copy(r.out[:], buf[:read])
		}
		r.err = err
		ch <- r
	}()
	select {
	case r := <-ch:
		return r.out, r.err
	case <-time.After(timeout):
		var out [64]byte
		return out, &TimeoutError{"receive report"}
	}
}

func (c *ReportConn) featureLen() (uint32, error) {
	if v, ok := featureReportLens.Load(c.h); ok {
		return v.(uint32), nil
	}
	n, err := queryFeatureReportLength(c.h)
	if err != nil {
		return 0, err
	}
	featureReportLens.Store(c.h, n)
	return n, nil
}

// SendFeature writes an 8-byte feature report payload (without the report
// ID), the same HidD_SetFeature call the OTP protocol uses.
func (c *ReportConn) SendFeature(data []byte) error {
	if len(data) != FEATURE_RPT_SIZE {
		return fmt.Errorf("hid: send expects %d bytes, got %d", FEATURE_RPT_SIZE, len(data))
	}
	n, err := c.featureLen()
	if err != nil {
		return err
	}
	buf := make([]byte, n)
	copy(buf[1:], data)
	return hidDSetFeature(c.h, buf)
}

// ReceiveFeature reads an 8-byte feature report payload (without the
// report ID).
func (c *ReportConn) ReceiveFeature() ([]byte, error) {
	n, err := c.featureLen()
	if err != nil {
		return nil, err
	}
	buf := make([]byte, n)
	if err := hidDGetFeature(c.h, buf); err != nil {
		return nil, err
	}
	return append([]byte(nil), buf[1:1+FEATURE_RPT_SIZE]...), nil
}

// Package registry enumerates HID and PC/SC smart-card devices and is the
// only place in the agent allowed to hold an open transport handle. At
// most one device may be open at a time; opening a second device while
// one is already open fails rather than silently closing the first.
package registry

import (
	"fmt"
	"sort"
	"sync"

	"github.com/feitiansk/agent/agenterr"
	"github.com/feitiansk/agent/hid"
	"github.com/feitiansk/agent/scard"
)

// FeitianVendorID is the USB vendor ID used to recognize Feitian HID
// interfaces during enumeration.
const FeitianVendorID = 0x096e

// recognizedProductIDs lists the Feitian-vendor product ids this agent
// has been validated against. A device from an unrecognized product still
// enumerates and opens normally; Recognized only tells a caller whether
// the product has been specifically tested.
var recognizedProductIDs = map[uint16]bool{
	0x0850: true,
	0x0852: true,
	0x0853: true,
	0x0854: true,
	0x0856: true,
}

func isRecognizedProduct(productID uint16) bool {
	return recognizedProductIDs[productID]
}

// Transport names the physical channel a Descriptor was discovered on.
type Transport string

const (
	TransportHID  Transport = "hid"
	TransportCCID Transport = "ccid"
)

// Descriptor identifies one enumerated device without implying it is open.
type Descriptor struct {
	ID           string
	Transport    Transport
	VendorID     uint16
	ProductID    uint16
	Manufacturer string
	Product      string
	Serial       string
	Path         string // hidraw device node or PC/SC reader name
	Recognized   bool   // true if ProductID is among the tested Feitian products
}

// isKeyboardOrMouse filters out non-Feitian-relevant HID interfaces:
// even a Feitian-vendor composite device exposes a boot keyboard/mouse
// interface alongside its security-key interface, and that interface must
// never be opened as a security key.
func isKeyboardOrMouse(usagePage, usage uint16) bool {
	return usagePage == 0x01 && (usage == 0x02 || usage == 0x06)
}

// Registry owns device enumeration and the single open transport handle.
type Registry struct {
	mu sync.Mutex

	pcscCtx *scard.Context // established lazily, kept for process lifetime

	descriptors map[string]Descriptor
	order       []string

	open     *openHandle
	openDesc Descriptor
}

type openHandle struct {
	hidRaw  *hid.ReportConn
	hidFeat *hid.Protocol
	card    *scard.Card
}

// New returns an empty registry. Call Refresh before the first List/Open.
func New() *Registry {
	return &Registry{descriptors: make(map[string]Descriptor)}
}

// Refresh re-enumerates HID and PC/SC devices, replacing the previous
// descriptor table. It does not disturb an already-open handle.
func (r *Registry) Refresh() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	next := make(map[string]Descriptor)
	var order []string

	hidCount := 0
	for dev, err := range hid.Enumerate() {
		if err != nil {
			continue // a single unreadable sysfs entry must not abort enumeration
		}
		if dev.VendorID != FeitianVendorID {
			continue
		}
		if isKeyboardOrMouse(dev.UsagePage, dev.Usage) {
			continue
		}
		id := fmt.Sprintf("hid_%d", hidCount)
		hidCount++
		d := Descriptor{
			ID:           id,
			Transport:    TransportHID,
			VendorID:     dev.VendorID,
			ProductID:    dev.ProductID,
			Manufacturer: dev.MfrStr,
			Product:      dev.ProductStr,
			Serial:       dev.SerialNbr,
			Path:         dev.Path,
			Recognized:   isRecognizedProduct(dev.ProductID),
		}
		next[id] = d
		order = append(order, id)
	}

	if r.pcscCtx == nil {
		if ctx, err := scard.EstablishContext(); err == nil {
			r.pcscCtx = ctx
		}
		// A missing pcscd is not fatal: HID-only devices still work. Leave
		// pcscCtx nil and retry on the next Refresh.
	}
	if r.pcscCtx != nil {
		if readers, err := r.pcscCtx.ListReaders(); err == nil {
			for i, rd := range readers {
				id := fmt.Sprintf("ccid_%d", i)
				d := Descriptor{
					ID:        id,
					Transport: TransportCCID,
					Path:      rd.Name(),
				}
				next[id] = d
				order = append(order, id)
			}
		}
	}

	sort.Strings(order)
	r.descriptors = next
	r.order = order
	return nil
}

// List returns the current descriptor table in stable order.
func (r *Registry) List() []Descriptor {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Descriptor, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.descriptors[id])
	}
	return out
}

// Get returns the descriptor for id, or NOT_FOUND.
func (r *Registry) Get(id string) (Descriptor, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	d, ok := r.descriptors[id]
	if !ok {
		return Descriptor{}, agenterr.New(agenterr.CodeNotFound, "no such device: "+id)
	}
	return d, nil
}

// IsOpen reports whether any device is currently open.
func (r *Registry) IsOpen() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.open != nil
}

// OpenID returns the id of the currently open device, if any.
func (r *Registry) OpenID() (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.open == nil {
		return "", false
	}
	return r.openDesc.ID, true
}

// OpenHID opens id's raw 64-byte report channel, used for CTAPHID and the
// generic sendHid/receiveHid operations. Opening the id that is already
// open succeeds idempotently and returns the existing handle.
func (r *Registry) OpenHID(id string) (*hid.ReportConn, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	d, alreadyOpen, err := r.beginOpen(id, TransportHID)
	if err != nil {
		return nil, err
	}
	if alreadyOpen {
		return r.open.hidRaw, nil
	}
	rawDev := &hid.Device{Path: d.Path, VendorID: d.VendorID, ProductID: d.ProductID}
	raw, err := rawDev.OpenRaw()
	if err != nil {
		r.open = nil
		r.openDesc = Descriptor{}
		return nil, agenterr.Wrap(agenterr.CodeIOError, "open hid device", err)
	}
	r.open = &openHandle{hidRaw: raw}
	return raw, nil
}

// OTP returns the vendor OTP protocol wrapper for the currently open HID
// device, probing it on first use and caching the result for the life of
// the open handle.
func (r *Registry) OTP() (*hid.Protocol, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.open == nil || r.open.hidRaw == nil {
		return nil, agenterr.New(agenterr.CodeNotOpen, "no hid device is open")
	}
	if r.open.hidFeat != nil {
		return r.open.hidFeat, nil
	}
	proto, err := hid.NewOTP(r.open.hidRaw)
	if err != nil {
		return nil, agenterr.Wrap(agenterr.CodeIOError, "probe otp protocol", err)
	}
	r.open.hidFeat = proto
	return proto, nil
}

// OpenCCID connects to id's smart card. Opening the id that is already
// open succeeds idempotently and returns the existing handle.
func (r *Registry) OpenCCID(id string) (*scard.Card, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	d, alreadyOpen, err := r.beginOpen(id, TransportCCID)
	if err != nil {
		return nil, err
	}
	if alreadyOpen {
		return r.open.card, nil
	}
	if r.pcscCtx == nil {
		r.open = nil
		r.openDesc = Descriptor{}
		return nil, agenterr.New(agenterr.CodeIOError, "pcsc subsystem unavailable")
	}
	readers, err := r.pcscCtx.ListReaders()
	if err != nil {
		r.open = nil
		r.openDesc = Descriptor{}
		return nil, agenterr.Wrap(agenterr.CodeIOError, "list readers", err)
	}
	for _, rd := range readers {
		if rd.Name() != d.Path {
			continue
		}
		card, err := rd.Connect()
		if err != nil {
			r.open = nil
			r.openDesc = Descriptor{}
			return nil, agenterr.Wrap(agenterr.CodeIOError, "connect card", err)
		}
		r.open = &openHandle{card: card}
		return card, nil
	}
	r.open = nil
	r.openDesc = Descriptor{}
	return nil, agenterr.New(agenterr.CodeNotFound, "reader no longer present: "+d.Path)
}

// beginOpen validates the transport and reserves the single open slot.
// If id is already the open device, it reports that via the second
// return value instead of an error, so the caller can return the
// existing handle idempotently rather than opening a second one.
// Caller must hold r.mu.
func (r *Registry) beginOpen(id string, want Transport) (Descriptor, bool, error) {
	d, ok := r.descriptors[id]
	if !ok {
		return Descriptor{}, false, agenterr.New(agenterr.CodeNotFound, "no such device: "+id)
	}
	if d.Transport != want {
		return Descriptor{}, false, agenterr.New(agenterr.CodeDeviceTypeMismatch,
			fmt.Sprintf("device %s is %s, not %s", id, d.Transport, want))
	}
	if r.open != nil {
		if r.openDesc.ID == id {
			return d, true, nil
		}
		return Descriptor{}, false, agenterr.New(agenterr.CodeBusy, "another device is already open")
	}
	r.openDesc = d
	return d, false, nil
}

// Close releases whatever is currently open. Calling Close with nothing
// open is a NOT_OPEN error, matching the wire protocol's idempotent-close
// rule: a double close is rejected, not silently accepted.
func (r *Registry) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.open == nil {
		return agenterr.New(agenterr.CodeNotOpen, "no device is open")
	}
	h := r.open
	r.open = nil
	r.openDesc = Descriptor{}
	switch {
	case h.hidRaw != nil:
		// hidFeat, if derived, wraps the same fd; closing hidRaw is enough.
		return h.hidRaw.Close()
	case h.card != nil:
		return h.card.Disconnect()
	}
	return nil
}

// Shutdown releases any open handle and the PC/SC context. It never
// returns an error for an already-closed registry; it is meant to be
// called once as the process exits.
func (r *Registry) Shutdown() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.open != nil {
		switch {
		case r.open.hidRaw != nil:
			_ = r.open.hidRaw.Close()
		case r.open.card != nil:
			_ = r.open.card.Disconnect()
		}
		r.open = nil
	}
	if r.pcscCtx != nil {
		_ = r.pcscCtx.Release()
		r.pcscCtx = nil
	}
}

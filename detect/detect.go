// Package detect implements the capability probe engine: for a single
// open device handle, try each protocol once with the minimum traffic
// needed to tell support from absence, treating a hard transport error
// the same as "not supported" rather than surfacing it as an error.
package detect

import (
	"context"
	"time"

	"github.com/feitiansk/agent/ctap1"
	"github.com/feitiansk/agent/ctap2"
	"github.com/feitiansk/agent/ctaphid"
	"github.com/feitiansk/agent/hid"
	"github.com/feitiansk/agent/ndef"
	"github.com/feitiansk/agent/opgp"
	"github.com/feitiansk/agent/piv"
	"github.com/feitiansk/agent/scard"
)

// probeTimeout bounds each FIDO2 and U2F probe. The OTP, PIV, OpenPGP and
// NDEF probes run without a timeout.
const probeTimeout = 3 * time.Second

// Result reports which protocols an open device answered to.
type Result struct {
	FIDO2   bool `json:"fido2"`
	U2F     bool `json:"u2f"`
	PIV     bool `json:"piv"`
	OpenPGP bool `json:"openpgp"`
	OTP     bool `json:"otp"`
	NDEF    bool `json:"ndef"`
}

// HID probes FIDO2, U2F, and OTP over an already-open raw HID handle.
func HID(raw *hid.ReportConn) Result {
	var res Result
	res.FIDO2 = probeFIDO2(raw)
	res.U2F = probeU2F(raw)
	res.OTP = probeOTP(raw)
	return res
}

// CCID probes PIV, OpenPGP, and NDEF over an already-connected card.
func CCID(card *scard.Card) Result {
	var res Result
	res.PIV = probePIV(card)
	res.OpenPGP = probeOpenPGP(card)
	res.NDEF = probeNDEF(card)
	return res
}

func probeFIDO2(raw *hid.ReportConn) bool {
	ctx, cancel := context.WithTimeout(context.Background(), probeTimeout)
	defer cancel()
	ch, err := ctaphid.Open(ctx, raw)
	if err != nil {
		return false
	}
	dev := ctap2.New(ch)
	info, err := dev.GetInfo(ctx)
	return err == nil && len(info.Versions) > 0
}

func probeU2F(raw *hid.ReportConn) bool {
	ctx, cancel := context.WithTimeout(context.Background(), probeTimeout)
	defer cancel()
	ch, err := ctaphid.Open(ctx, raw)
	if err != nil {
		return false
	}
	dev := ctap1.New(ch)
	version, err := dev.Version(ctx)
	return err == nil && version == "U2F_V2"
}

func probeOTP(raw *hid.ReportConn) bool {
	proto, err := hid.NewOTP(raw)
	if err != nil {
		return false
	}
	status, err := proto.ReadStatus()
	return err == nil && len(status) > 0
}

func probePIV(card *scard.Card) bool {
	_, err := piv.Open(card)
	return err == nil
}

func probeOpenPGP(card *scard.Card) bool {
	_, err := opgp.Open(card)
	return err == nil
}

func probeNDEF(card *scard.Card) bool {
	_, err := ndef.Open(card)
	return err == nil
}

package ctap2

import (
	"context"
	"crypto/sha256"

	"github.com/fxamacker/cbor/v2"

	"github.com/feitiansk/agent/agenterr"
)

// credentialManagement subcommands (CTAP 2.1 §6.8).
const (
	credSubGetCredsMetadata    = 0x01
	credSubEnumerateRPsBegin   = 0x02
	credSubEnumerateRPsNext    = 0x03
	credSubEnumerateCredsBegin = 0x04
	credSubEnumerateCredsNext  = 0x05
	credSubDeleteCredential    = 0x06
)

type rpEntity struct {
	ID   string `cbor:"id"`
	Name string `cbor:"name,omitempty"`
}

type userEntity struct {
	ID          []byte `cbor:"id"`
	Name        string `cbor:"name,omitempty"`
	DisplayName string `cbor:"displayName,omitempty"`
}

type credentialDescriptor struct {
	Type string `cbor:"type"`
	ID   []byte `cbor:"id"`
}

type credMgmtRequest struct {
	SubCommand       uint        `cbor:"1,keyasint"`
	SubCommandParams map[int]any `cbor:"2,keyasint,omitempty"`
	PinProtocol      uint        `cbor:"3,keyasint,omitempty"`
	PinAuth          []byte      `cbor:"4,keyasint,omitempty"`
}

type credMgmtResponse struct {
	ExistingResidentCredentialsCount      int                   `cbor:"1,keyasint,omitempty"`
	MaxPossibleRemainingResidentCredCount int                   `cbor:"2,keyasint,omitempty"`
	RP                                     *rpEntity             `cbor:"3,keyasint,omitempty"`
	RPIDHash                               []byte                `cbor:"4,keyasint,omitempty"`
	TotalRPs                               int                   `cbor:"5,keyasint,omitempty"`
	User                                   *userEntity           `cbor:"6,keyasint,omitempty"`
	CredentialID                           *credentialDescriptor `cbor:"7,keyasint,omitempty"`
	TotalCredentials                       int                   `cbor:"9,keyasint,omitempty"`
}

// CredentialSummary describes one resident credential as surfaced to the
// agent's caller.
type CredentialSummary struct {
	RPID         string
	RPName       string
	UserID       []byte
	UserName     string
	DisplayName  string
	CredentialID []byte
}

// credMgmtCall runs one credentialManagement subcommand, authenticated
// with the HMAC of the subcommand byte plus params under pinToken, per
// CTAP 2.1's pinUvAuthParam rule for this command.
func (d *Device) credMgmtCall(ctx context.Context, sub uint, params map[int]any, pinToken []byte) (*credMgmtResponse, error) {
	req := credMgmtRequest{SubCommand: sub, SubCommandParams: params}
	if pinToken != nil {
		mode, err := ctap2EncOpts.EncMode()
		if err != nil {
			return nil, err
		}
		msg := []byte{byte(sub)}
		if params != nil {
			paramsBytes, err := mode.Marshal(params)
			if err != nil {
				return nil, err
			}
			msg = append(msg, paramsBytes...)
		}
		req.PinProtocol = 1
		req.PinAuth = PinAuth(pinToken, msg)
	}
	body, err := d.call(ctx, cmdCredentialManagement, req)
	if err != nil {
		return nil, err
	}
	var resp credMgmtResponse
	if err := cbor.Unmarshal(body, &resp); err != nil {
		return nil, agenterr.Wrap(agenterr.CodeCTAP2Error, "decode credential management response", err)
	}
	return &resp, nil
}

// ListCredentials enumerates every resident credential across every
// relying party registered on the authenticator.
func (d *Device) ListCredentials(ctx context.Context, pinToken []byte) ([]CredentialSummary, error) {
	meta, err := d.credMgmtCall(ctx, credSubGetCredsMetadata, nil, pinToken)
	if err != nil {
		return nil, err
	}
	if meta.ExistingResidentCredentialsCount == 0 {
		return nil, nil
	}

	first, err := d.credMgmtCall(ctx, credSubEnumerateRPsBegin, nil, pinToken)
	if err != nil {
		return nil, err
	}
	var out []CredentialSummary
	rps := []*rpEntity{first.RP}
	for i := 1; i < first.TotalRPs; i++ {
		next, err := d.credMgmtCall(ctx, credSubEnumerateRPsNext, nil, nil)
		if err != nil {
			return nil, err
		}
		rps = append(rps, next.RP)
	}

	for _, rp := range rps {
		if rp == nil {
			continue
		}
		params := map[int]any{1: rpIDHashParam(rp.ID)}
		firstCred, err := d.credMgmtCall(ctx, credSubEnumerateCredsBegin, params, pinToken)
		if err != nil {
			return nil, err
		}
		creds := []*credMgmtResponse{firstCred}
		for i := 1; i < firstCred.TotalCredentials; i++ {
			next, err := d.credMgmtCall(ctx, credSubEnumerateCredsNext, nil, nil)
			if err != nil {
				return nil, err
			}
			creds = append(creds, next)
		}
		for _, c := range creds {
			summary := CredentialSummary{RPID: rp.ID, RPName: rp.Name}
			if c.User != nil {
				summary.UserID = c.User.ID
				summary.UserName = c.User.Name
				summary.DisplayName = c.User.DisplayName
			}
			if c.CredentialID != nil {
				summary.CredentialID = c.CredentialID.ID
			}
			out = append(out, summary)
		}
	}
	return out, nil
}

// DeleteCredential removes one resident credential by its credential ID.
func (d *Device) DeleteCredential(ctx context.Context, credentialID []byte, pinToken []byte) error {
	params := map[int]any{2: credentialDescriptor{Type: "public-key", ID: credentialID}}
	_, err := d.credMgmtCall(ctx, credSubDeleteCredential, params, pinToken)
	return err
}

// rpIDHashParam returns the subCommandParams rpIDHash entry that
// enumerateCredsBegin is keyed by (SHA-256 of the RP ID), computed here
// rather than trusting a caller-supplied hash.
func rpIDHashParam(rpID string) []byte {
	sum := sha256.Sum256([]byte(rpID))
	return sum[:]
}

package opgp

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/feitiansk/agent/agenterr"
	"github.com/feitiansk/agent/scard"
)

func TestDataObjectTagSplitsIntoP1P2(t *testing.T) {
	assert.Equal(t, byte(0x5F), scard.DoURL.TagP1())
	assert.Equal(t, byte(0x50), scard.DoURL.TagP2())
}

func TestFingerprintsFindsTagNestedInsideDiscretionaryDataObjects(t *testing.T) {
	sign := bytes20(0x11)
	decrypt := bytes20(0x22)
	auth := bytes20(0x33)
	fingerprints := append(append(append([]byte{}, sign...), decrypt...), auth...)

	// Fingerprints ('C5') sits inside Discretionary Data Objects ('73'),
	// itself nested inside Application Related Data, matching a real card's
	// response shape rather than a flat top-level tag list.
	discretionary := append([]byte{0xC5, byte(len(fingerprints))}, fingerprints...)
	ard := append([]byte{0x73, byte(len(discretionary))}, discretionary...)

	raw := scard.FindTLV(ard, scard.DoFingerprints.Tag())
	require.Len(t, raw, 60)
	assert.Equal(t, sign, raw[0:20])
	assert.Equal(t, decrypt, raw[20:40])
	assert.Equal(t, auth, raw[40:60])
}

func bytes20(b byte) []byte {
	out := make([]byte, 20)
	for i := range out {
		out[i] = b
	}
	return out
}

func TestClassifyStatusWord(t *testing.T) {
	assert.NoError(t, classifyStatusWord(0x90, 0x00))

	var agentErr *agenterr.Error
	err := classifyStatusWord(0x63, 0xC2)
	require.ErrorAs(t, err, &agentErr)
	assert.Equal(t, agenterr.CodePinInvalid, agentErr.Code)

	err = classifyStatusWord(0x69, 0x83)
	require.ErrorAs(t, err, &agentErr)
	assert.Equal(t, agenterr.CodePinBlocked, agentErr.Code)
}

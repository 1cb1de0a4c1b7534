package ctap2

import (
	"testing"

	"github.com/fxamacker/cbor/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/feitiansk/agent/agenterr"
)

func TestStatusCodeMapping(t *testing.T) {
	cases := map[Status]agenterr.Code{
		StatusPinInvalid:        agenterr.CodePinInvalid,
		StatusPinAuthInvalid:    agenterr.CodePinInvalid,
		StatusPinBlocked:        agenterr.CodePinBlocked,
		StatusUserActionTimeout: agenterr.CodeUserActionTimeout,
		StatusUserActionRequired: agenterr.CodeUserPresenceReq,
		StatusInvalidCBOR:       agenterr.CodeCTAP2Error,
	}
	for status, want := range cases {
		assert.Equal(t, want, status.code())
	}
}

func TestGetInfoDecode(t *testing.T) {
	mode, err := ctap2EncOpts.EncMode()
	require.NoError(t, err)
	encoded, err := mode.Marshal(GetInfo{
		Versions: []string{"FIDO_2_0"},
		AAGUID:   make([]byte, 16),
		Options:  map[string]bool{"clientPin": true, "rk": true},
	})
	require.NoError(t, err)

	var decoded GetInfo
	require.NoError(t, cbor.Unmarshal(encoded, &decoded))
	assert.Equal(t, []string{"FIDO_2_0"}, decoded.Versions)
	assert.True(t, decoded.Options["clientPin"])
}

func TestPadPinEnforcesMinimumSixtyFourBytes(t *testing.T) {
	short := padPin("1234")
	assert.Len(t, short, 64)
	assert.Equal(t, []byte("1234"), short[:4])
	for _, b := range short[4:] {
		assert.Equal(t, byte(0), b)
	}

	long := padPin("this pin is longer than sixty-four bytes once you pad it out")
	assert.Zero(t, len(long)%16)
	assert.True(t, len(long) >= minPinEncLength)
}

func TestPinAuthIsDeterministic(t *testing.T) {
	token := []byte("0123456789abcdef")
	hash := []byte("client-data-hash-32-bytes-long!!")
	a := PinAuth(token, hash)
	b := PinAuth(token, hash)
	assert.Equal(t, a, b)
	assert.Len(t, a, 16)
}

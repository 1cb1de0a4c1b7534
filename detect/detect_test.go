package detect

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResultMarshalsExpectedFieldNames(t *testing.T) {
	res := Result{FIDO2: true, OTP: true}
	b, err := json.Marshal(res)
	require.NoError(t, err)

	var decoded map[string]bool
	require.NoError(t, json.Unmarshal(b, &decoded))
	assert.Equal(t, map[string]bool{
		"fido2":   true,
		"u2f":     false,
		"piv":     false,
		"openpgp": false,
		"otp":     true,
		"ndef":    false,
	}, decoded)
}

func TestProbeTimeoutIsBounded(t *testing.T) {
	assert.Greater(t, probeTimeout.Seconds(), 0.0)
	assert.LessOrEqual(t, probeTimeout.Seconds(), 10.0)
}

package dispatch

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/feitiansk/agent/piv"
)

func TestPIVAlgorithmByName(t *testing.T) {
	cases := map[string]piv.Algorithm{
		"RSA1024": piv.AlgRSA1024,
		"RSA2048": piv.AlgRSA2048,
		"ECCP256": piv.AlgECCP256,
		"ECCP384": piv.AlgECCP384,
	}
	for name, want := range cases {
		alg, err := pivAlgorithmByName(name)
		require.NoError(t, err)
		assert.Equal(t, want, alg)
	}

	_, err := pivAlgorithmByName("RSA4096")
	assert.Error(t, err)
}

package ndef

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/feitiansk/agent/scard"
)

func TestAIDMatchesNDEFApplication(t *testing.T) {
	assert.Equal(t, scard.AidNDEF, AID)
}

func TestNDEFFileIDIsStandardType4(t *testing.T) {
	assert.Equal(t, []byte{0xE1, 0x04}, ndefFileID)
}

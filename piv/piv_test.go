package piv

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/feitiansk/agent/agenterr"
	"github.com/feitiansk/agent/iso7816"
)

func TestRetiredSlotsRange(t *testing.T) {
	slots := RetiredSlots()
	require.Len(t, slots, 20)
	assert.Equal(t, byte(0x82), slots[0])
	assert.Equal(t, byte(0x95), slots[len(slots)-1])
}

func TestCertTagForSlot(t *testing.T) {
	cases := map[byte]uint32{
		SlotAuthentication:     0x5FC105,
		SlotSignature:          0x5FC10A,
		SlotKeyManagement:      0x5FC10B,
		SlotCardAuthentication: 0x5FC101,
		0x82:                   0x5FC10D,
		0x95:                   0x5FC10D + 19,
	}
	for slot, want := range cases {
		got, err := certTagForSlot(slot)
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}

	_, err := certTagForSlot(0xFF)
	var agentErr *agenterr.Error
	require.ErrorAs(t, err, &agentErr)
	assert.Equal(t, agenterr.CodeInvalidParams, agentErr.Code)
}

func TestClassifyStatusWord(t *testing.T) {
	assert.NoError(t, classifyStatusWord(0x90, 0x00))

	err := classifyStatusWord(0x63, 0xC3)
	var agentErr *agenterr.Error
	require.ErrorAs(t, err, &agentErr)
	assert.Equal(t, agenterr.CodePinInvalid, agentErr.Code)

	err = classifyStatusWord(0x69, 0x83)
	require.ErrorAs(t, err, &agentErr)
	assert.Equal(t, agenterr.CodePinBlocked, agentErr.Code)

	err = classifyStatusWord(0x6A, 0x80)
	require.ErrorAs(t, err, &agentErr)
	assert.Equal(t, agenterr.CodeAPDUError, agentErr.Code)
}

func TestBuildGenerateTemplateBody(t *testing.T) {
	body := buildGenerateTemplateBody(AlgECCP256, PINPolicyAlways, TouchPolicyCached)
	tags, err := iso7816.ParseBER(body)
	require.NoError(t, err)

	alg, ok := iso7816.Find(tags, 0x80)
	require.True(t, ok)
	assert.Equal(t, []byte{AlgECCP256}, alg)

	pin, ok := iso7816.Find(tags, tagPINPolicy)
	require.True(t, ok)
	assert.Equal(t, []byte{byte(PINPolicyAlways)}, pin)

	touch, ok := iso7816.Find(tags, tagTouchPolicy)
	require.True(t, ok)
	assert.Equal(t, []byte{byte(TouchPolicyCached)}, touch)
}

func TestBuildGenerateTemplateBodyOmitsDefaults(t *testing.T) {
	body := buildGenerateTemplateBody(AlgRSA2048, PINPolicyDefault, TouchPolicyDefault)
	tags, err := iso7816.ParseBER(body)
	require.NoError(t, err)
	assert.Len(t, tags, 1)
	assert.Equal(t, uint32(0x80), tags[0].Tag)
}

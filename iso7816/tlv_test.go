package iso7816

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBERRoundTrip(t *testing.T) {
	encoded := EncodeBER(0x5FC102, []byte{0x01, 0x02, 0x03})
	tags, err := ParseBER(encoded)
	require.NoError(t, err)
	require.Len(t, tags, 1)
	assert.Equal(t, uint32(0x5FC102), tags[0].Tag)
	assert.Equal(t, []byte{0x01, 0x02, 0x03}, tags[0].Value)
}

func TestBERLongForm(t *testing.T) {
	value := make([]byte, 200)
	for i := range value {
		value[i] = byte(i)
	}
	encoded := EncodeBER(0x53, value)
	tags, err := ParseBER(encoded)
	require.NoError(t, err)
	require.Len(t, tags, 1)
	assert.Equal(t, value, tags[0].Value)
}

func TestParseBERMultipleTags(t *testing.T) {
	data := append(EncodeBER(0x5A, []byte{0xAA}), EncodeBER(0x70, []byte{0xBB, 0xCC})...)
	tags, err := ParseBER(data)
	require.NoError(t, err)
	require.Len(t, tags, 2)
	v, ok := Find(tags, 0x70)
	require.True(t, ok)
	assert.Equal(t, []byte{0xBB, 0xCC}, v)
}

func TestSimpleTLVRoundTrip(t *testing.T) {
	encoded := EncodeSimple(0x01, []byte("feitian"))
	tags, err := DecodeSimple(encoded)
	require.NoError(t, err)
	require.Len(t, tags, 1)
	assert.Equal(t, byte(0x01), tags[0].Tag)
	assert.Equal(t, []byte("feitian"), tags[0].Value)
}

func TestSimpleTLVExtendedLength(t *testing.T) {
	value := make([]byte, 300)
	encoded := EncodeSimple(0x02, value)
	tags, err := DecodeSimple(encoded)
	require.NoError(t, err)
	require.Len(t, tags, 1)
	assert.Len(t, tags[0].Value, 300)
}

func TestGetDataBuildsTagList(t *testing.T) {
	apdu := GetData(0x5FC102)
	assert.Equal(t, []byte{0x5C, 0x03, 0x5F, 0xC1, 0x02}, apdu.Data)
}

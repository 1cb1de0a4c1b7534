package registry

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/feitiansk/agent/agenterr"
)

func TestGetUnknownDeviceIsNotFound(t *testing.T) {
	r := New()
	_, err := r.Get("hid_0")
	require.Error(t, err)
}

func TestBeginOpenRejectsWrongTransport(t *testing.T) {
	r := New()
	r.descriptors["ccid_0"] = Descriptor{ID: "ccid_0", Transport: TransportCCID, Path: "reader 0"}
	r.order = []string{"ccid_0"}

	_, _, err := r.beginOpen("ccid_0", TransportHID)
	require.Error(t, err)
	assert.False(t, r.IsOpen())
}

func TestBeginOpenRejectsSecondOpenOfDifferentDevice(t *testing.T) {
	r := New()
	r.descriptors["hid_0"] = Descriptor{ID: "hid_0", Transport: TransportHID}
	r.descriptors["hid_1"] = Descriptor{ID: "hid_1", Transport: TransportHID}
	r.order = []string{"hid_0", "hid_1"}
	r.open = &openHandle{}
	r.openDesc = Descriptor{ID: "hid_0", Transport: TransportHID}

	_, _, err := r.beginOpen("hid_1", TransportHID)
	require.Error(t, err)
	var agentErr *agenterr.Error
	require.ErrorAs(t, err, &agentErr)
	assert.Equal(t, agenterr.CodeBusy, agentErr.Code)
}

func TestBeginOpenSameIDIsIdempotent(t *testing.T) {
	r := New()
	r.descriptors["hid_0"] = Descriptor{ID: "hid_0", Transport: TransportHID}
	r.order = []string{"hid_0"}
	r.open = &openHandle{}
	r.openDesc = Descriptor{ID: "hid_0", Transport: TransportHID}

	d, alreadyOpen, err := r.beginOpen("hid_0", TransportHID)
	require.NoError(t, err)
	assert.True(t, alreadyOpen)
	assert.Equal(t, "hid_0", d.ID)
}

func TestCloseWithNothingOpenIsNotOpen(t *testing.T) {
	r := New()
	err := r.Close()
	require.Error(t, err)
}

func TestIsRecognizedProduct(t *testing.T) {
	assert.True(t, isRecognizedProduct(0x0850))
	assert.True(t, isRecognizedProduct(0x0856))
	assert.False(t, isRecognizedProduct(0x0851))
	assert.False(t, isRecognizedProduct(0x0000))
}

func TestIsKeyboardOrMouse(t *testing.T) {
	assert.True(t, isKeyboardOrMouse(0x01, 0x02))
	assert.True(t, isKeyboardOrMouse(0x01, 0x06))
	assert.False(t, isKeyboardOrMouse(0xF1D0, 0x01)) // FIDO usage page
	assert.False(t, isKeyboardOrMouse(0x01, 0x80))
}

func TestListIsStableOrder(t *testing.T) {
	r := New()
	r.descriptors = map[string]Descriptor{
		"hid_1": {ID: "hid_1", Transport: TransportHID},
		"hid_0": {ID: "hid_0", Transport: TransportHID},
	}
	r.order = []string{"hid_0", "hid_1"}

	list := r.List()
	require.Len(t, list, 2)
	assert.Equal(t, "hid_0", list[0].ID)
	assert.Equal(t, "hid_1", list[1].ID)
}

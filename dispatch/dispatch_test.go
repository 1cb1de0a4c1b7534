package dispatch

import (
	"encoding/base32"
	"encoding/json"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/feitiansk/agent/agenterr"
	"github.com/feitiansk/agent/registry"
)

func newTestServer() *Server {
	return NewServer(registry.New())
}

func TestPingRoundTrip(t *testing.T) {
	s := newTestServer()
	body := s.Handle([]byte(`{"id":1,"command":"ping","params":{}}`))

	var resp Response
	require.NoError(t, json.Unmarshal(body, &resp))
	assert.Equal(t, "ok", resp.Status)
	assert.JSONEq(t, `{"message":"pong"}`, mustMarshal(t, resp.Result))
	assert.Equal(t, json.RawMessage("1"), resp.ID)
}

func TestEchoedIDSurvivesStringForm(t *testing.T) {
	s := newTestServer()
	body := s.Handle([]byte(`{"id":"req-42","command":"ping","params":{}}`))

	var resp Response
	require.NoError(t, json.Unmarshal(body, &resp))
	assert.Equal(t, json.RawMessage(`"req-42"`), resp.ID)
}

func TestUnknownCommandIsError(t *testing.T) {
	s := newTestServer()
	body := s.Handle([]byte(`{"id":7,"command":"doSomethingFictional","params":{}}`))

	var resp Response
	require.NoError(t, json.Unmarshal(body, &resp))
	assert.Equal(t, "error", resp.Status)
	require.NotNil(t, resp.Error)
	assert.Equal(t, string(agenterr.CodeUnknownCommand), resp.Error.Code)
	assert.Equal(t, json.RawMessage("7"), resp.ID)
}

func TestMalformedRequestRecoversIDWhenPossible(t *testing.T) {
	s := newTestServer()
	body := s.Handle([]byte(`{"id":3,"command":123,"params":{}}`))

	var resp Response
	require.NoError(t, json.Unmarshal(body, &resp))
	assert.Equal(t, "error", resp.Status)
	assert.Equal(t, json.RawMessage("3"), resp.ID)
}

func TestCompletelyMalformedRequestReportsNullID(t *testing.T) {
	s := newTestServer()
	body := s.Handle([]byte(`not json at all`))

	var resp Response
	require.NoError(t, json.Unmarshal(body, &resp))
	assert.Equal(t, "error", resp.Status)
	assert.Equal(t, json.RawMessage("null"), resp.ID)
}

func TestGetVersionReportsAFixedString(t *testing.T) {
	s := newTestServer()
	body := s.Handle([]byte(`{"id":1,"command":"getVersion","params":{}}`))

	var resp Response
	require.NoError(t, json.Unmarshal(body, &resp))
	assert.Equal(t, "ok", resp.Status)
	assert.JSONEq(t, `{"version":"`+Version+`"}`, mustMarshal(t, resp.Result))
}

func TestOTPGenerateSeedProducesRequestedByteLength(t *testing.T) {
	s := newTestServer()
	body := s.Handle([]byte(`{"id":1,"command":"otpGenerateSeed","params":{"length":20}}`))

	var resp Response
	require.NoError(t, json.Unmarshal(body, &resp))
	require.Equal(t, "ok", resp.Status)

	var result struct {
		Seed string `json:"seed"`
	}
	require.NoError(t, json.Unmarshal(mustMarshalBytes(t, resp.Result), &result))
	assert.Len(t, result.Seed, 32)

	decoded, err := base32.StdEncoding.DecodeString(result.Seed)
	require.NoError(t, err)
	assert.Len(t, decoded, 20)
}

func TestByteArrayRoundTripsAsJSONIntegerArray(t *testing.T) {
	b := byteArray{0x01, 0xFF, 0x00}
	data, err := json.Marshal(b)
	require.NoError(t, err)
	assert.JSONEq(t, `[1,255,0]`, string(data))

	var decoded byteArray
	require.NoError(t, json.Unmarshal([]byte(`[1,255,0]`), &decoded))
	assert.Equal(t, b, decoded)
}

func TestListDevicesOnEmptyRegistryReturnsEmptyList(t *testing.T) {
	s := newTestServer()
	body := s.Handle([]byte(`{"id":1,"command":"listDevices","params":{}}`))

	var resp Response
	require.NoError(t, json.Unmarshal(body, &resp))
	require.Equal(t, "ok", resp.Status)

	var result struct {
		Devices []deviceInfo `json:"devices"`
	}
	require.NoError(t, json.Unmarshal(mustMarshalBytes(t, resp.Result), &result))
	if diff := cmp.Diff([]deviceInfo{}, result.Devices); diff != "" {
		t.Errorf("unexpected devices (-want +got):\n%s", diff)
	}
}

func TestCloseDeviceThatIsNotOpenIsNotOpenError(t *testing.T) {
	s := newTestServer()
	body := s.Handle([]byte(`{"id":1,"command":"closeDevice","params":{"deviceId":"hid_0"}}`))

	var resp Response
	require.NoError(t, json.Unmarshal(body, &resp))
	assert.Equal(t, "error", resp.Status)
	require.NotNil(t, resp.Error)
	assert.Equal(t, string(agenterr.CodeNotOpen), resp.Error.Code)
}

func mustMarshal(t *testing.T, v any) string {
	t.Helper()
	return string(mustMarshalBytes(t, v))
}

func mustMarshalBytes(t *testing.T, v any) []byte {
	t.Helper()
	data, err := json.Marshal(v)
	require.NoError(t, err)
	return data
}

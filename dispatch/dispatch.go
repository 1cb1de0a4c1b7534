// Package dispatch implements the request/response envelope and command
// table that sits between the framed native-messaging stream and the
// protocol engines: decode one request, resolve it to a handler by
// command name, run it against the device registry, and encode the
// result or error envelope.
package dispatch

import (
	"encoding/json"
	"errors"
	"sync"

	"github.com/feitiansk/agent/agenterr"
	"github.com/feitiansk/agent/otp"
	"github.com/feitiansk/agent/registry"
)

// Request is one decoded wire request. ID is kept as raw JSON so it is
// echoed back exactly as received, whether the bridge sent a number or a
// string.
type Request struct {
	ID      json.RawMessage `json:"id"`
	Command Command         `json:"command"`
	Params  json.RawMessage `json:"params"`
}

// Response is the wire envelope for one reply.
type Response struct {
	ID     json.RawMessage `json:"id"`
	Status string          `json:"status"`
	Result any             `json:"result,omitempty"`
	Error  *ErrorInfo      `json:"error,omitempty"`
}

// ErrorInfo is the error envelope's contents. Message is always a
// human-readable English sentence and never contains secret material.
type ErrorInfo struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Server holds the one device registry the dispatch loop is allowed to
// mutate, plus the small amount of per-open-device state (the OTP engine)
// that must survive across requests for otpSwapSlots to see what
// otpWriteSlot wrote earlier.
type Server struct {
	Registry *registry.Registry

	mu          sync.Mutex
	otpEngine   *otp.Engine
	otpDeviceID string
}

// NewServer wraps reg for dispatch. reg is expected to already have had
// Refresh called at least once.
func NewServer(reg *registry.Registry) *Server {
	return &Server{Registry: reg}
}

// otpEngineFor returns the OTP engine for deviceID, reusing the cached one
// if it is for the same device, since otpSwapSlots depends on the write
// cache an engine accumulates across requests and a freshly constructed
// engine would have forgotten it.
func (s *Server) otpEngineFor(deviceID string) (*otp.Engine, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.otpDeviceID == deviceID && s.otpEngine != nil {
		return s.otpEngine, nil
	}
	proto, err := s.Registry.OTP()
	if err != nil {
		return nil, err
	}
	s.otpEngine = otp.Open(proto)
	s.otpDeviceID = deviceID
	return s.otpEngine, nil
}

// forgetOTPEngine drops the cached engine when deviceID is closed, so a
// later open of the same id starts from a clean write cache.
func (s *Server) forgetOTPEngine(deviceID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.otpDeviceID == deviceID {
		s.otpEngine = nil
		s.otpDeviceID = ""
	}
}

// Handle decodes one request body, runs its handler, and returns the
// encoded response body. It never returns an error itself: every failure
// becomes an error envelope, except a request body so malformed that not
// even its id can be recovered, in which case id is reported as null.
func (s *Server) Handle(body []byte) []byte {
	var idProbe struct {
		ID json.RawMessage `json:"id"`
	}
	_ = json.Unmarshal(body, &idProbe)

	var req Request
	if err := json.Unmarshal(body, &req); err != nil {
		return encodeError(idProbe.ID, classifyDecodeError(err))
	}

	handler := handlers[req.Command]
	if handler == nil {
		// Command passed UnmarshalJSON's membership check yet has no
		// registered handler: a table/enum mismatch, not a user error.
		return encodeError(req.ID, agenterr.New(agenterr.CodeUnknownCommand, "unknown command: "+string(req.Command)))
	}

	result, err := handler(s, req.Params)
	if err != nil {
		return encodeError(req.ID, err)
	}
	return encodeResult(req.ID, result)
}

func classifyDecodeError(err error) error {
	var aerr *agenterr.Error
	if errors.As(err, &aerr) {
		return aerr
	}
	return agenterr.Wrap(agenterr.CodeInvalidRequest, "malformed request", err)
}

func encodeResult(id json.RawMessage, result any) []byte {
	resp := Response{ID: id, Status: "ok", Result: result}
	body, err := json.Marshal(resp)
	if err != nil {
		return encodeError(id, agenterr.Wrap(agenterr.CodeInvalidRequest, "encode response", err))
	}
	return body
}

func encodeError(id json.RawMessage, err error) []byte {
	info := &ErrorInfo{Code: string(agenterr.CodeInvalidRequest), Message: err.Error()}
	var aerr *agenterr.Error
	if errors.As(err, &aerr) {
		info = &ErrorInfo{Code: string(aerr.Code), Message: aerr.Message}
	}
	if id == nil {
		id = json.RawMessage("null")
	}
	resp := Response{ID: id, Status: "error", Error: info}
	body, _ := json.Marshal(resp)
	return body
}

// decodeParams unmarshals raw into out, treating an absent/empty params
// field as "use zero-value defaults" rather than an error.
func decodeParams[T any](raw json.RawMessage, out *T) error {
	if len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return agenterr.Wrap(agenterr.CodeInvalidParams, "decode params", err)
	}
	return nil
}

// byteArray carries uint8[] wire fields: JSON arrays of small integers,
// the shape a browser's Uint8Array serializes to, rather than the base64
// string encoding/json's []byte would otherwise produce.
type byteArray []byte

func (b *byteArray) UnmarshalJSON(data []byte) error {
	var nums []int
	if err := json.Unmarshal(data, &nums); err != nil {
		return err
	}
	out := make([]byte, len(nums))
	for i, n := range nums {
		out[i] = byte(n)
	}
	*b = out
	return nil
}

func (b byteArray) MarshalJSON() ([]byte, error) {
	nums := make([]int, len(b))
	for i, v := range b {
		nums[i] = int(v)
	}
	return json.Marshal(nums)
}

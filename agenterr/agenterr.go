// Package agenterr defines the error taxonomy carried in the RPC error
// envelope's code field. Every layer below the dispatcher returns a plain
// Go error; the dispatcher classifies it into one of these codes with As.
package agenterr

import "fmt"

// Code identifies a stable RPC error category. The same failure condition
// always produces the same code, independent of platform.
type Code string

const (
	CodeUnknownCommand     Code = "UNKNOWN_COMMAND"
	CodeInvalidParams      Code = "INVALID_PARAMS"
	CodeInvalidRequest     Code = "INVALID_REQUEST"
	CodeNotFound           Code = "NOT_FOUND"
	CodeBusy               Code = "BUSY"
	CodeNotOpen            Code = "NOT_OPEN"
	CodeAlreadyOpen        Code = "ALREADY_OPEN"
	CodeTimeout            Code = "TIMEOUT"
	CodeIOError            Code = "IO_ERROR"
	CodeDeviceTypeMismatch Code = "DEVICE_TYPE_MISMATCH"
	CodeCTAPHIDError       Code = "CTAPHID_ERROR"
	CodeCTAP2Error         Code = "CTAP2_ERROR"
	CodeCTAP1Error         Code = "CTAP1_ERROR"
	CodeAPDUError          Code = "APDU_ERROR"
	CodePinInvalid         Code = "PIN_INVALID"
	CodePinBlocked         Code = "PIN_BLOCKED"
	CodePinTooShort        Code = "PIN_TOO_SHORT"
	CodePinAlreadySet      Code = "PIN_ALREADY_SET"
	CodeUserActionTimeout  Code = "USER_ACTION_TIMEOUT"
	CodeUserPresenceReq    Code = "USER_PRESENCE_REQUIRED"
	CodeFormatError        Code = "FORMAT_ERROR"
)

// Error is a classified RPC-level error. Message must never contain secret
// material (PINs, PUKs, seeds, key bytes); callers are responsible for
// scrubbing before wrapping.
type Error struct {
	Code    Code
	Message string
	cause   error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.cause }

// New builds a classified error with no underlying cause.
func New(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// Wrap classifies an underlying error under code, keeping it as the cause
// for %w-style unwrapping while presenting message to the RPC caller.
func Wrap(code Code, message string, cause error) *Error {
	return &Error{Code: code, Message: message, cause: cause}
}

// Newf is New with a formatted message.
func Newf(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

package transport

import "fmt"

// ErrorCode identifies the class of a core error, per spec.md §7.
type ErrorCode int

// Error kinds. BufferTooShort and NothingToDo are benign flow-control
// signals; Again signals a pending async TLS operation; all others are
// terminal from the core's perspective.
const (
	WrongForm ErrorCode = iota
	UnknownVersion
	UnknownPacket
	UnknownFrame
	UnknownStream
	BufferTooShort
	InvalidPacket
	InvalidState
	CryptoFail
	TlsFail
	Again
	NothingToDo
	FlowControl
)

func (c ErrorCode) String() string {
	switch c {
	case WrongForm:
		return "wrong_form"
	case UnknownVersion:
		return "unknown_version"
	case UnknownPacket:
		return "unknown_packet"
	case UnknownFrame:
		return "unknown_frame"
	case UnknownStream:
		return "unknown_stream"
	case BufferTooShort:
		return "buffer_too_short"
	case InvalidPacket:
		return "invalid_packet"
	case InvalidState:
		return "invalid_state"
	case CryptoFail:
		return "crypto_fail"
	case TlsFail:
		return "tls_fail"
	case Again:
		return "again"
	case NothingToDo:
		return "nothing_to_do"
	case FlowControl:
		return "flow_control"
	default:
		return "unknown"
	}
}

// Error is the error type returned by every core entry point.
type Error struct {
	Code  ErrorCode
	Msg   string
	Cause error
}

func newError(code ErrorCode, msg string) *Error {
	return &Error{Code: code, Msg: msg}
}

func wrapError(code ErrorCode, cause error) *Error {
	return &Error{Code: code, Cause: cause}
}

func (e *Error) Error() string {
	if e.Msg != "" {
		return fmt.Sprintf("transport: %s: %s", e.Code, e.Msg)
	}
	if e.Cause != nil {
		return fmt.Sprintf("transport: %s: %v", e.Code, e.Cause)
	}
	return fmt.Sprintf("transport: %s", e.Code)
}

func (e *Error) Unwrap() error { return e.Cause }

// Is supports errors.Is against a bare ErrorCode-tagged sentinel created
// with newError(code, "").
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Code == t.Code
}

var errBufferTooShort = newError(BufferTooShort, "")
var errShortBuffer = newError(BufferTooShort, "short buffer")
var errNothingToDo = newError(NothingToDo, "")

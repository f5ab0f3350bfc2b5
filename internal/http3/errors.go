package http3

import "fmt"

// ErrorCode represents an HTTP/3 application error code. These codes are
// carried in RESET_STREAM and STOP_SENDING frames and in the application
// error field of CONNECTION_CLOSE.
type ErrorCode uint64

// HTTP/3 error codes from RFC 9114 Section 8.1.
const (
	// ErrCodeNoError (0x100): No error, graceful shutdown of a stream or connection.
	ErrCodeNoError ErrorCode = 0x100
	// ErrCodeGeneralProtocolError (0x101): Peer violated a protocol requirement
	// in a way that does not match a more specific code.
	ErrCodeGeneralProtocolError ErrorCode = 0x101
	// ErrCodeInternalError (0x102): An internal fault in the HTTP stack.
	ErrCodeInternalError ErrorCode = 0x102
	// ErrCodeStreamCreationError (0x103): The endpoint detected that its peer
	// created a stream that it will not accept.
	ErrCodeStreamCreationError ErrorCode = 0x103
	// ErrCodeClosedCriticalStream (0x104): A stream required by the connection
	// was closed or reset.
	ErrCodeClosedCriticalStream ErrorCode = 0x104
	// ErrCodeFrameUnexpected (0x105): A frame was received that was not
	// permitted in the current state or on the current stream.
	ErrCodeFrameUnexpected ErrorCode = 0x105
	// ErrCodeFrameError (0x106): A frame violated layout or size rules.
	ErrCodeFrameError ErrorCode = 0x106
	// ErrCodeExcessiveLoad (0x107): The endpoint or its peer is exhibiting
	// behavior that might be generating excessive load.
	ErrCodeExcessiveLoad ErrorCode = 0x107
	// ErrCodeIDError (0x108): A stream ID or push ID was used incorrectly.
	ErrCodeIDError ErrorCode = 0x108
	// ErrCodeSettingsError (0x109): An endpoint detected an error in the
	// payload of a SETTINGS frame.
	ErrCodeSettingsError ErrorCode = 0x109
	// ErrCodeMissingSettings (0x10a): No SETTINGS frame was received at the
	// beginning of the control stream.
	ErrCodeMissingSettings ErrorCode = 0x10a
	// ErrCodeRequestRejected (0x10b): A request was rejected without any
	// application processing; the client may retry it elsewhere.
	ErrCodeRequestRejected ErrorCode = 0x10b
	// ErrCodeRequestCancelled (0x10c): The request or its response is
	// cancelled.
	ErrCodeRequestCancelled ErrorCode = 0x10c
	// ErrCodeRequestIncomplete (0x10d): The client's stream terminated without
	// containing a fully formed request.
	ErrCodeRequestIncomplete ErrorCode = 0x10d
	// ErrCodeMessageError (0x10e): An HTTP message was malformed and cannot be
	// processed.
	ErrCodeMessageError ErrorCode = 0x10e
	// ErrCodeConnectError (0x10f): The TCP connection established in response
	// to a CONNECT request was reset or abnormally closed.
	ErrCodeConnectError ErrorCode = 0x10f
	// ErrCodeVersionFallback (0x110): The requested operation cannot be served
	// over HTTP/3; the peer should retry over HTTP/1.1.
	ErrCodeVersionFallback ErrorCode = 0x110
)

// String returns the string representation of the ErrorCode.
func (e ErrorCode) String() string {
	switch e {
	case ErrCodeNoError:
		return "H3_NO_ERROR"
	case ErrCodeGeneralProtocolError:
		return "H3_GENERAL_PROTOCOL_ERROR"
	case ErrCodeInternalError:
		return "H3_INTERNAL_ERROR"
	case ErrCodeStreamCreationError:
		return "H3_STREAM_CREATION_ERROR"
	case ErrCodeClosedCriticalStream:
		return "H3_CLOSED_CRITICAL_STREAM"
	case ErrCodeFrameUnexpected:
		return "H3_FRAME_UNEXPECTED"
	case ErrCodeFrameError:
		return "H3_FRAME_ERROR"
	case ErrCodeExcessiveLoad:
		return "H3_EXCESSIVE_LOAD"
	case ErrCodeIDError:
		return "H3_ID_ERROR"
	case ErrCodeSettingsError:
		return "H3_SETTINGS_ERROR"
	case ErrCodeMissingSettings:
		return "H3_MISSING_SETTINGS"
	case ErrCodeRequestRejected:
		return "H3_REQUEST_REJECTED"
	case ErrCodeRequestCancelled:
		return "H3_REQUEST_CANCELLED"
	case ErrCodeRequestIncomplete:
		return "H3_REQUEST_INCOMPLETE"
	case ErrCodeMessageError:
		return "H3_MESSAGE_ERROR"
	case ErrCodeConnectError:
		return "H3_CONNECT_ERROR"
	case ErrCodeVersionFallback:
		return "H3_VERSION_FALLBACK"
	default:
		return fmt.Sprintf("UNKNOWN_ERROR_CODE_0x%x", uint64(e))
	}
}

// Response detail strings recorded on the stream when an error path is
// taken. The first detail recorded on a stream wins; later errors on the
// same stream do not overwrite it.
const (
	DetailInvalidHeaderField      = "http3.invalid_header_field"
	DetailHeadersTooLarge         = "http3.headers_too_large"
	DetailUnexpectedUnderscore    = "http3.unexpected_underscore"
	DetailPayloadMismatch         = "http3.payload_mismatch"
	DetailExtendedConnectDisabled = "http3.extended_connect_disabled"
	DetailMissingRequiredHeaders  = "http3.missing_required_headers"
	DetailSendBufferRejectedBytes = "http3.send_buffer_rejected_bytes"
	DetailFlushTimeout            = "http3.flush_timeout"
	DetailRemoteReset             = "http3.remote_reset"
)

// StreamError represents an error scoped to a single HTTP/3 request stream.
// It implements the standard Go error interface.
type StreamError struct {
	StreamID uint64
	Code     ErrorCode
	Msg      string
	Cause    error // Optional underlying cause
}

// Error returns a string representation of the StreamError.
func (e *StreamError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("stream error on stream %d: %s (code %s, 0x%x): %s", e.StreamID, e.Msg, e.Code.String(), uint64(e.Code), e.Cause)
	}
	return fmt.Sprintf("stream error on stream %d: %s (code %s, 0x%x)", e.StreamID, e.Msg, e.Code.String(), uint64(e.Code))
}

// Unwrap returns the underlying cause of the error, if any.
func (e *StreamError) Unwrap() error {
	return e.Cause
}

// NewStreamError creates a new StreamError.
func NewStreamError(streamID uint64, code ErrorCode, msg string) *StreamError {
	return &StreamError{StreamID: streamID, Code: code, Msg: msg}
}

// NewStreamErrorWithCause creates a new StreamError with an underlying cause.
func NewStreamErrorWithCause(streamID uint64, code ErrorCode, msg string, cause error) *StreamError {
	return &StreamError{StreamID: streamID, Code: code, Msg: msg, Cause: cause}
}

// ConnectionError represents an error that affects the entire HTTP/3
// connection. It implements the standard Go error interface.
type ConnectionError struct {
	Code  ErrorCode
	Msg   string
	Cause error // Optional underlying cause
}

// Error returns a string representation of the ConnectionError.
func (e *ConnectionError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("connection error: %s (code %s, 0x%x): %s", e.Msg, e.Code.String(), uint64(e.Code), e.Cause)
	}
	return fmt.Sprintf("connection error: %s (code %s, 0x%x)", e.Msg, e.Code.String(), uint64(e.Code))
}

// Unwrap returns the underlying cause of the error, if any.
func (e *ConnectionError) Unwrap() error {
	return e.Cause
}

// NewConnectionError creates a new ConnectionError.
func NewConnectionError(code ErrorCode, msg string) *ConnectionError {
	return &ConnectionError{Code: code, Msg: msg}
}

// NewConnectionErrorWithCause creates a new ConnectionError with an underlying cause.
func NewConnectionErrorWithCause(code ErrorCode, msg string, cause error) *ConnectionError {
	return &ConnectionError{Code: code, Msg: msg, Cause: cause}
}

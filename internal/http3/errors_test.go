package http3

import (
	"errors"
	"strings"
	"testing"
)

func TestErrorCodeString(t *testing.T) {
	tests := []struct {
		code ErrorCode
		want string
	}{
		{ErrCodeNoError, "H3_NO_ERROR"},
		{ErrCodeGeneralProtocolError, "H3_GENERAL_PROTOCOL_ERROR"},
		{ErrCodeInternalError, "H3_INTERNAL_ERROR"},
		{ErrCodeExcessiveLoad, "H3_EXCESSIVE_LOAD"},
		{ErrCodeRequestRejected, "H3_REQUEST_REJECTED"},
		{ErrCodeRequestCancelled, "H3_REQUEST_CANCELLED"},
		{ErrCodeMessageError, "H3_MESSAGE_ERROR"},
	}
	for _, tc := range tests {
		if got := tc.code.String(); got != tc.want {
			t.Errorf("ErrorCode(%#x).String() = %q, want %q", uint64(tc.code), got, tc.want)
		}
	}

	if got := ErrorCode(0x42).String(); !strings.Contains(got, "0x42") {
		t.Errorf("unknown code String() = %q, want the hex value in it", got)
	}
}

func TestStreamErrorFormatting(t *testing.T) {
	err := NewStreamError(7, ErrCodeRequestCancelled, "flush deadline exceeded")
	for _, want := range []string{"stream 7", "flush deadline exceeded", "H3_REQUEST_CANCELLED"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("Error() = %q, want substring %q", err.Error(), want)
		}
	}
	if err.Unwrap() != nil {
		t.Error("Unwrap() != nil without a cause")
	}
}

func TestStreamErrorUnwrapsCause(t *testing.T) {
	cause := errors.New("transport gone")
	err := NewStreamErrorWithCause(3, ErrCodeInternalError, "write failed", cause)

	if !errors.Is(err, cause) {
		t.Error("errors.Is(err, cause) = false")
	}
	var se *StreamError
	if !errors.As(err, &se) {
		t.Fatal("errors.As(*StreamError) = false")
	}
	if se.Code != ErrCodeInternalError || se.StreamID != 3 {
		t.Errorf("unexpected fields: code %s, stream %d", se.Code, se.StreamID)
	}
	if !strings.Contains(err.Error(), "transport gone") {
		t.Errorf("Error() = %q, want the cause in it", err.Error())
	}
}

func TestConnectionErrorFormatting(t *testing.T) {
	cause := errors.New("tls torn down")
	err := NewConnectionErrorWithCause(ErrCodeMessageError, "invalid request", cause)

	if !errors.Is(err, cause) {
		t.Error("errors.Is(err, cause) = false")
	}
	for _, want := range []string{"connection error", "invalid request", "H3_MESSAGE_ERROR", "tls torn down"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("Error() = %q, want substring %q", err.Error(), want)
		}
	}

	plain := NewConnectionError(ErrCodeNoError, "shutdown")
	if plain.Unwrap() != nil {
		t.Error("Unwrap() != nil without a cause")
	}
}

package wire

import (
	"errors"
	"fmt"
)

// ErrNotCompressed reports that an envelope carries no compressed field and
// its payload must be used as-is.
var ErrNotCompressed = errors.New("wire: payload not compressed")

// DecompressionError wraps a base64 or gzip failure on a compressed field.
// It is fatal to the call that produced it, never to the session.
type DecompressionError struct {
	Field string
	Err   error
}

func (e *DecompressionError) Error() string {
	return fmt.Sprintf("wire: decompress %s: %v", e.Field, e.Err)
}

func (e *DecompressionError) Unwrap() error { return e.Err }

// InvalidResponseError reports a structurally malformed response batch.
// Index is the offending handler position, or -1 when the batch itself is bad.
type InvalidResponseError struct {
	Index  int
	Reason string
	Err    error
}

func (e *InvalidResponseError) Error() string {
	msg := "wire: invalid response"
	if e.Index >= 0 {
		msg = fmt.Sprintf("%s: handler[%d]", msg, e.Index)
	}
	msg += ": " + e.Reason
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *InvalidResponseError) Unwrap() error { return e.Err }

// RPCError is a server-reported failure for one specific call.
type RPCError struct {
	Code    int
	Message string
	Data    string
}

func (e *RPCError) Error() string {
	if e.Data != "" {
		return fmt.Sprintf("wire: rpc error %d: %s (%s)", e.Code, e.Message, e.Data)
	}
	return fmt.Sprintf("wire: rpc error %d: %s", e.Code, e.Message)
}

// FormUnavailableError means the server explicitly refused to show a page and
// raised a dialog instead (missing setup, permissions). It is not a protocol
// failure; the dialog text is preserved for the caller.
type FormUnavailableError struct {
	Caption string
	Message string
}

func (e *FormUnavailableError) Error() string {
	switch {
	case e.Caption != "" && e.Message != "":
		return fmt.Sprintf("wire: form unavailable: %s: %s", e.Caption, e.Message)
	case e.Message != "":
		return "wire: form unavailable: " + e.Message
	default:
		return "wire: form unavailable: " + e.Caption
	}
}

func invalid(index int, format string, args ...any) *InvalidResponseError {
	return &InvalidResponseError{Index: index, Reason: fmt.Sprintf(format, args...)}
}

package h3

import (
	"fmt"

	"github.com/quic-go/quic-go"
)

// ErrCode is an HTTP/3 application error code, sent on the wire as a QUIC
// application error code (RFC 9114 Section 8).
type ErrCode quic.ApplicationErrorCode

const (
	ErrCodeNoError             ErrCode = 0x100
	ErrCodeGeneralProtocolError ErrCode = 0x101
	ErrCodeInternalError        ErrCode = 0x102
	ErrCodeStreamCreationError  ErrCode = 0x103
	ErrCodeClosedCriticalStream ErrCode = 0x104
	ErrCodeFrameUnexpected      ErrCode = 0x105
	ErrCodeFrameError           ErrCode = 0x106
	ErrCodeExcessiveLoad        ErrCode = 0x107
	ErrCodeIDError              ErrCode = 0x108
	ErrCodeSettingsError        ErrCode = 0x109
	ErrCodeMissingSettings      ErrCode = 0x10a
	ErrCodeRequestRejected      ErrCode = 0x10b
	ErrCodeRequestCanceled      ErrCode = 0x10c
	ErrCodeRequestIncomplete    ErrCode = 0x10d
	ErrCodeMessageError         ErrCode = 0x10e
	ErrCodeConnectError         ErrCode = 0x10f
	ErrCodeVersionFallback      ErrCode = 0x110

	// https://www.ietf.org/archive/id/draft-ietf-webtrans-http3-01.html#section-7.5
	ErrCodeWebTransportBufferedStreamRejected ErrCode = 0x3994bd84
)

func (e ErrCode) String() string {
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
	case ErrCodeRequestCanceled:
		return "H3_REQUEST_CANCELLED"
	case ErrCodeRequestIncomplete:
		return "H3_INCOMPLETE_REQUEST"
	case ErrCodeMessageError:
		return "H3_MESSAGE_ERROR"
	case ErrCodeConnectError:
		return "H3_CONNECT_ERROR"
	case ErrCodeVersionFallback:
		return "H3_VERSION_FALLBACK"
	case ErrCodeWebTransportBufferedStreamRejected:
		return "H3_WEBTRANSPORT_BUFFERED_STREAM_REJECTED"
	default:
		return fmt.Sprintf("unknown H3 error code: %#x", uint64(e))
	}
}

// FrameLengthError is returned when a frame payload length (Len) exceeds an
// enforced maximum (Max), e.g. a HEADERS frame larger than the peer's
// advertised max_field_section_size.
type FrameLengthError struct {
	Type FrameType
	Len  uint64
	Max  uint64
}

func (err *FrameLengthError) Error() string {
	return fmt.Sprintf("%s frame too large: %d bytes (max: %d)", err.Type, err.Len, err.Max)
}

var _ error = &FrameLengthError{}

// connError is an internal fault that is connection-scoped: it is latched
// into sharedState (first writer wins) and causes the driver to close the
// transport with Code.
type connError struct {
	Code   ErrCode
	Reason string
	Err    error
}

func (err *connError) Error() string {
	if err.Err != nil {
		return fmt.Sprintf("connection error %s: %s", err.Code, err.Err)
	}
	return fmt.Sprintf("connection error %s: %s", err.Code, err.Reason)
}

func (err *connError) Unwrap() error { return err.Err }

func newConnError(code ErrCode, reason string) *connError {
	return &connError{Code: code, Reason: reason}
}

func wrapConnError(code ErrCode, err error) *connError {
	return &connError{Code: code, Reason: err.Error(), Err: err}
}

// streamError is an internal fault scoped to a single request stream. It is
// never latched in sharedState and does not by itself close the connection.
type streamError struct {
	Code   ErrCode
	Reason string
	Err    error
}

func (err *streamError) Error() string {
	if err.Err != nil {
		return fmt.Sprintf("stream error %s: %s", err.Code, err.Err)
	}
	return fmt.Sprintf("stream error %s: %s", err.Code, err.Reason)
}

func (err *streamError) Unwrap() error { return err.Err }

func newStreamError(code ErrCode, reason string) *streamError {
	return &streamError{Code: code, Reason: reason}
}

func wrapStreamError(code ErrCode, err error) *streamError {
	return &streamError{Code: code, Reason: err.Error(), Err: err}
}

package h3

import (
	"fmt"
	"io"

	"github.com/quic-go/quic-go/quicvarint"
)

// FrameType identifies an HTTP/3 frame, per RFC 9114 Section 7.2.
type FrameType uint64

const (
	FrameTypeData        FrameType = 0x0
	FrameTypeHeaders     FrameType = 0x1
	FrameTypeCancelPush  FrameType = 0x3
	FrameTypeSettings    FrameType = 0x4
	FrameTypePushPromise FrameType = 0x5
	FrameTypeGoAway      FrameType = 0x7
	FrameTypeMaxPushID   FrameType = 0xd
)

func (t FrameType) String() string {
	switch t {
	case FrameTypeData:
		return "DATA"
	case FrameTypeHeaders:
		return "HEADERS"
	case FrameTypeCancelPush:
		return "CANCEL_PUSH"
	case FrameTypeSettings:
		return "SETTINGS"
	case FrameTypePushPromise:
		return "PUSH_PROMISE"
	case FrameTypeGoAway:
		return "GOAWAY"
	case FrameTypeMaxPushID:
		return "MAX_PUSH_ID"
	default:
		if isGrease(uint64(t)) {
			return "grease"
		}
		return fmt.Sprintf("unknown frame type %#x", uint64(t))
	}
}

// isGrease reports whether v follows the HTTP/3 grease pattern
// 0x1f*N + 0x21 for some non-negative N (RFC 9114 Section 7.2.8).
func isGrease(v uint64) bool {
	if v < 0x21 {
		return false
	}
	return (v-0x21)%0x1f == 0
}

// greaseFrameType returns a deterministic, implementation-chosen grease
// frame type. N is fixed at 0, i.e. the smallest grease value (0x21): there
// is no requirement to vary it, and a fixed value keeps the grease stream
// state machine simple to reason about.
const greaseFrameType FrameType = 0x21

// writeFrameHeader writes a frame's type and length varints.
func writeFrameHeader(w io.Writer, t FrameType, length uint64) error {
	b := make([]byte, 0, 16)
	b = quicvarint.Append(b, uint64(t))
	b = quicvarint.Append(b, length)
	_, err := w.Write(b)
	return err
}

// writeFrame writes a complete frame (header + payload).
func writeFrame(w io.Writer, t FrameType, payload []byte) error {
	if err := writeFrameHeader(w, t, uint64(len(payload))); err != nil {
		return err
	}
	if len(payload) == 0 {
		return nil
	}
	_, err := w.Write(payload)
	return err
}

// writeGreaseFrame writes a single grease frame with an empty payload,
// following RFC 9114's "grease types and frames follow the 0x1f*N + 0x21
// pattern" wire-format invariant.
func writeGreaseFrame(w io.Writer) error {
	return writeFrame(w, greaseFrameType, nil)
}

// writeDataFrameHeader writes a DATA frame header; callers write the
// payload to w themselves.
func writeDataFrameHeader(w io.Writer, length uint64) error {
	return writeFrameHeader(w, FrameTypeData, length)
}

func writeHeadersFrame(w io.Writer, headerBlock []byte) error {
	return writeFrame(w, FrameTypeHeaders, headerBlock)
}

// writeGoAwayFrame writes a GOAWAY frame carrying id.
func writeGoAwayFrame(w io.Writer, id uint64) error {
	b := quicvarint.Append(nil, id)
	return writeFrame(w, FrameTypeGoAway, b)
}

func writeCancelPushFrame(w io.Writer, id uint64) error {
	b := quicvarint.Append(nil, id)
	return writeFrame(w, FrameTypeCancelPush, b)
}

func writeMaxPushIDFrame(w io.Writer, id uint64) error {
	b := quicvarint.Append(nil, id)
	return writeFrame(w, FrameTypeMaxPushID, b)
}

// decodeVarintPayload decodes a single-varint frame payload (used by
// GOAWAY, CANCEL_PUSH and MAX_PUSH_ID).
func decodeVarintPayload(b []byte) (uint64, error) {
	id, n, err := quicvarint.Parse(b)
	if err != nil {
		return 0, err
	}
	if n != len(b) {
		return 0, fmt.Errorf("trailing bytes after varint payload")
	}
	return id, nil
}

package h3

import "fmt"

// StreamType identifies the role of a unidirectional HTTP/3 stream, per
// RFC 9114 Section 6.2 and the WebTransport (draft) extension.
type StreamType uint64

const (
	StreamTypeControl      StreamType = 0x00
	StreamTypePush         StreamType = 0x01
	StreamTypeQPACKEncoder StreamType = 0x02
	StreamTypeQPACKDecoder StreamType = 0x03

	// https://www.ietf.org/archive/id/draft-ietf-webtrans-http3-07.html#section-4.3
	StreamTypeWebTransportUni StreamType = 0x54
)

func (t StreamType) String() string {
	switch t {
	case StreamTypeControl:
		return "control stream"
	case StreamTypePush:
		return "push stream"
	case StreamTypeQPACKEncoder:
		return "QPACK encoder stream"
	case StreamTypeQPACKDecoder:
		return "QPACK decoder stream"
	case StreamTypeWebTransportUni:
		return "WebTransport unidirectional stream"
	default:
		if isGrease(uint64(t)) {
			return "grease stream"
		}
		return fmt.Sprintf("unknown stream type %#x", uint64(t))
	}
}

// critical reports whether closure or reset of a bound stream of this type
// is a fatal, connection-closing event (RFC 9114 Section 6.2.1).
func (t StreamType) critical() bool {
	switch t {
	case StreamTypeControl, StreamTypeQPACKEncoder, StreamTypeQPACKDecoder:
		return true
	default:
		return false
	}
}

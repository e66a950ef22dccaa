package h3

import (
	"bytes"
	"fmt"
	"sort"

	"github.com/quic-go/quic-go/quicvarint"
)

// Setting identifies an HTTP/3 SETTINGS parameter, per RFC 9114 Section 7.2.4
// and the extensions layered on top of it.
type Setting uint64

const (
	SettingQPACKMaxTableCapacity Setting = 0x1
	SettingMaxFieldSectionSize   Setting = 0x6
	SettingQPACKBlockedStreams   Setting = 0x7

	// https://www.ietf.org/archive/id/draft-ietf-masque-h3-datagram-02.html#name-http-settings-parameter
	SettingDatagram Setting = 0x33
	// https://datatracker.ietf.org/doc/draft-ietf-masque-h3-datagram/00/
	SettingDatagramDraft00 Setting = 0x276

	// https://www.ietf.org/archive/id/draft-ietf-webtrans-http3-07.html#section-8.2
	SettingEnableConnectProtocol Setting = 0x8
	SettingEnableWebTransport    Setting = 0x2b603742
)

func (s Setting) String() string {
	switch s {
	case SettingQPACKMaxTableCapacity:
		return "QPACK_MAX_TABLE_CAPACITY"
	case SettingMaxFieldSectionSize:
		return "MAX_FIELD_SECTION_SIZE"
	case SettingQPACKBlockedStreams:
		return "QPACK_BLOCKED_STREAMS"
	case SettingDatagram, SettingDatagramDraft00:
		return "H3_DATAGRAM"
	case SettingEnableConnectProtocol:
		return "ENABLE_CONNECT_PROTOCOL"
	case SettingEnableWebTransport:
		return "ENABLE_WEBTRANSPORT"
	default:
		return fmt.Sprintf("H3 SETTING %#x", uint64(s))
	}
}

// booleanSettings are SETTINGS whose only valid values are 0 and 1;
// values outside {0,1} are a connection error.
var booleanSettings = map[Setting]bool{
	SettingDatagram:              true,
	SettingDatagramDraft00:       true,
	SettingEnableConnectProtocol: true,
	SettingEnableWebTransport:    true,
}

// Settings is the decoded id -> value map of a SETTINGS frame.
type Settings map[Setting]uint64

// frameLength returns the encoded payload length of the SETTINGS frame.
func (s Settings) frameLength() uint64 {
	var n uint64
	for id, val := range s {
		n += uint64(quicvarint.Len(uint64(id))) + uint64(quicvarint.Len(val))
	}
	return n
}

// writeFrame writes the full SETTINGS frame (header + payload). Ids are
// written in ascending order for determinism.
func (s Settings) writeFrame(w *bytes.Buffer) error {
	ids := make([]Setting, 0, len(s))
	for id := range s {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	payload := make([]byte, 0, s.frameLength())
	for _, id := range ids {
		payload = quicvarint.Append(payload, uint64(id))
		payload = quicvarint.Append(payload, s[id])
	}
	return writeFrame(w, FrameTypeSettings, payload)
}

// maxSettingsFrameSize bounds how much memory a single SETTINGS frame may
// occupy while being decoded, guarding against a malicious peer announcing
// an enormous frame length.
const maxSettingsFrameSize = 8 << 10

// parseSettings decodes a SETTINGS frame payload. A duplicate identifier is
// a connection error (H3_SETTINGS_ERROR), as is an out-of-range boolean
// setting; both map to *connError here so the caller can forward verbatim.
func parseSettings(payload []byte) (Settings, error) {
	if len(payload) > maxSettingsFrameSize {
		return nil, wrapConnError(ErrCodeSettingsError, fmt.Errorf("SETTINGS frame too large: %d bytes", len(payload)))
	}
	s := Settings{}
	r := bytes.NewReader(payload)
	for r.Len() > 0 {
		id, err := quicvarint.Read(r)
		if err != nil {
			return nil, wrapConnError(ErrCodeFrameError, err)
		}
		val, err := quicvarint.Read(r)
		if err != nil {
			return nil, wrapConnError(ErrCodeFrameError, err)
		}
		setting := Setting(id)
		if _, ok := s[setting]; ok {
			return nil, wrapConnError(ErrCodeSettingsError, fmt.Errorf("duplicate setting %s", setting))
		}
		if booleanSettings[setting] && val > 1 {
			return nil, wrapConnError(ErrCodeSettingsError, fmt.Errorf("invalid value %d for boolean setting %s", val, setting))
		}
		s[setting] = val
	}
	return s, nil
}

// EnableDatagrams marks HTTP Datagrams (RFC 9297) as supported locally.
func (s Settings) EnableDatagrams() {
	s[SettingDatagram] = 1
}

// DatagramsEnabled reports whether these settings advertise HTTP Datagram
// support.
func (s Settings) DatagramsEnabled() bool {
	return s[SettingDatagram] == 1 || s[SettingDatagramDraft00] == 1
}

// EnableWebTransport marks the WebTransport (draft) extension as supported
// locally. WebTransport requires extended CONNECT and datagrams.
func (s Settings) EnableWebTransport() {
	s[SettingEnableConnectProtocol] = 1
	s[SettingEnableWebTransport] = 1
	s.EnableDatagrams()
}

// WebTransportEnabled reports whether these settings advertise WebTransport
// support.
func (s Settings) WebTransportEnabled() bool {
	return s[SettingEnableConnectProtocol] == 1 && s[SettingEnableWebTransport] == 1
}

// MaxFieldSectionSize returns the advertised maximum decompressed field
// section size, or defaultMaxFieldSectionSize if unset.
func (s Settings) MaxFieldSectionSize() uint64 {
	if max, ok := s[SettingMaxFieldSectionSize]; ok && max > 0 {
		return max
	}
	return defaultMaxFieldSectionSize
}

// defaultMaxFieldSectionSize mirrors net/http2's default MAX_HEADER_LIST_SIZE.
const defaultMaxFieldSectionSize = 16 << 20

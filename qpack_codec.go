package h3

import (
	"bytes"
	"sync"

	"github.com/quic-go/qpack"
)

// fieldCodec is the stateless QPACK field-section coding capability a
// request stream needs. It wraps github.com/quic-go/qpack. One fieldCodec
// is shared by every RequestStream on a connection (server.go handles
// each accepted request stream on its own goroutine), so decodeMu guards
// the single *qpack.Decoder against concurrent DecodeFull calls.
type fieldCodec struct {
	decodeMu sync.Mutex
	decoder  *qpack.Decoder
}

func newFieldCodec() *fieldCodec {
	return &fieldCodec{decoder: qpack.NewDecoder(nil)}
}

// encodeFields QPACK-encodes fields using the static table only (no
// dynamic table state is kept across calls: only the stateless path is
// required here).
func (c *fieldCodec) encodeFields(fields []qpack.HeaderField) ([]byte, error) {
	var buf bytes.Buffer
	enc := qpack.NewEncoder(&buf)
	for _, f := range fields {
		if err := enc.WriteField(f); err != nil {
			return nil, err
		}
	}
	return buf.Bytes(), nil
}

// decodeFields decodes a complete QPACK field section, rejecting it if it
// exceeds maxFieldSectionSize. The encoded size is checked before decoding;
// the decoded size (name and value lengths plus 32 bytes of overhead per
// field, RFC 9114 Section 4.2.2) is checked after decoding.
func (c *fieldCodec) decodeFields(b []byte, maxFieldSectionSize uint64) ([]qpack.HeaderField, error) {
	if uint64(len(b)) > maxFieldSectionSize {
		return nil, &FrameLengthError{Type: FrameTypeHeaders, Len: uint64(len(b)), Max: maxFieldSectionSize}
	}
	c.decodeMu.Lock()
	fields, err := c.decoder.DecodeFull(b)
	c.decodeMu.Unlock()
	if err != nil {
		return nil, err
	}
	var size uint64
	for _, f := range fields {
		size += uint64(len(f.Name)) + uint64(len(f.Value)) + 32
	}
	if size > maxFieldSectionSize {
		return nil, &FrameLengthError{Type: FrameTypeHeaders, Len: size, Max: maxFieldSectionSize}
	}
	return fields, nil
}

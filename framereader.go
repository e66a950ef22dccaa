package h3

import (
	"errors"
	"io"

	"github.com/quic-go/quic-go"
	"github.com/quic-go/quic-go/quicvarint"
)

// frameHeader is the type+length prefix of an HTTP/3 frame.
type frameHeader struct {
	Type   FrameType
	Length uint64
}

// frameReader produces a lazy sequence of frame headers from a QUIC receive
// stream. Payloads are read separately via ReadPayload
// (buffered, for small control-stream frames and HEADERS) or PayloadReader
// (streamed, for DATA), so the reader never has to buffer an entire DATA
// frame in memory.
type frameReader struct {
	stream  ReceiveStream
	byteR   quicvarint.Reader
	pending uint64 // bytes of the current frame's payload not yet consumed
}

func newFrameReader(s ReceiveStream) *frameReader {
	return &frameReader{stream: s, byteR: quicvarint.NewReader(s)}
}

// transportStreamReset reports whether err is a QUIC stream reset, and if
// so, with which application error code.
func transportStreamReset(err error) (quic.StreamErrorCode, bool) {
	var se *quic.StreamError
	if errors.As(err, &se) {
		return se.ErrorCode, true
	}
	return 0, false
}

// transportConnectionError reports whether err indicates the underlying
// QUIC connection itself is gone (closed locally or remotely, idle
// timeout, handshake failure, ...) rather than a single stream.
func transportConnectionError(err error) bool {
	var ae *quic.ApplicationError
	var te *quic.TransportError
	var ite *quic.IdleTimeoutError
	var hte *quic.HandshakeTimeoutError
	return errors.As(err, &ae) || errors.As(err, &te) || errors.As(err, &ite) || errors.As(err, &hte)
}

// classifyReadErr turns a raw read error from the QUIC transport into one
// of a small set of error kinds. truncated indicates the error occurred
// mid-frame (header or payload partially read), in which
// case a clean io.EOF is itself a protocol violation (UnexpectedEnd)
// instead of the normal "no more frames" signal.
func classifyReadErr(err error, truncated bool) error {
	if err == nil {
		return nil
	}
	if err == io.EOF || err == io.ErrUnexpectedEOF {
		if truncated {
			return errUnexpectedEnd
		}
		return io.EOF
	}
	if code, ok := transportStreamReset(err); ok {
		return &streamResetError{Code: code}
	}
	if transportConnectionError(err) {
		return &connectionClosedError{Err: err}
	}
	return err
}

// errUnexpectedEnd signals a frame header or payload was truncated at a
// clean end of stream.
var errUnexpectedEnd = errors.New("h3: frame truncated at end of stream")

// streamResetError signals the peer reset the stream being read (QUIC
// RESET_STREAM).
type streamResetError struct {
	Code quic.StreamErrorCode
}

func (e *streamResetError) Error() string { return "h3: stream reset by peer" }

// connectionClosedError signals the underlying QUIC connection is gone.
type connectionClosedError struct {
	Err error
}

func (e *connectionClosedError) Error() string { return e.Err.Error() }
func (e *connectionClosedError) Unwrap() error { return e.Err }

// Next reads the next frame header. It returns io.EOF (unwrapped) when the
// stream ends cleanly between frames — the normal termination condition for
// a request stream's recv half.
func (fr *frameReader) Next() (frameHeader, error) {
	if fr.pending > 0 {
		if _, err := io.CopyN(io.Discard, fr.stream, int64(fr.pending)); err != nil {
			return frameHeader{}, classifyReadErr(err, true)
		}
		fr.pending = 0
	}

	t, err := quicvarint.Read(fr.byteR)
	if err != nil {
		return frameHeader{}, classifyReadErr(err, false)
	}
	l, err := quicvarint.Read(fr.byteR)
	if err != nil {
		return frameHeader{}, classifyReadErr(err, true)
	}
	fr.pending = l
	return frameHeader{Type: FrameType(t), Length: l}, nil
}

// ReadPayload reads and returns the frame's full payload. Use only for
// frames that are always small and must be fully buffered to be decoded
// (SETTINGS, GOAWAY, CANCEL_PUSH, MAX_PUSH_ID, HEADERS).
func (fr *frameReader) ReadPayload(h frameHeader) ([]byte, error) {
	buf := make([]byte, h.Length)
	if _, err := io.ReadFull(fr.stream, buf); err != nil {
		return nil, classifyReadErr(err, true)
	}
	fr.pending = 0
	return buf, nil
}

// PayloadReader returns a reader bounded to the frame's declared payload
// length, for frames whose payload is streamed to the caller rather than
// buffered (DATA). The returned reader marks the frame consumed on fr as
// it hits the limit, so a caller that drains it fully need not also call
// ReadPayload or markConsumed: the next Next() won't re-discard these
// bytes.
func (fr *frameReader) PayloadReader(h frameHeader) io.Reader {
	return &framePayloadReader{fr: fr, lr: &io.LimitedReader{R: fr.stream, N: int64(h.Length)}}
}

// framePayloadReader wraps an io.LimitedReader over a frame's payload and
// keeps frameReader.pending equal to the payload bytes not yet read,
// clearing it once the limit is reached, so Next() doesn't re-discard bytes
// the caller already streamed out via PayloadReader.
type framePayloadReader struct {
	fr *frameReader
	lr *io.LimitedReader
}

func (r *framePayloadReader) Read(p []byte) (int, error) {
	n, err := r.lr.Read(p)
	if r.lr.N <= 0 {
		r.fr.markConsumed()
	} else {
		r.fr.pending = uint64(r.lr.N)
	}
	return n, err
}

// markConsumed tells the frameReader the caller has already drained
// exactly h.Length bytes (e.g. via PayloadReader) so Next doesn't discard
// them again.
func (fr *frameReader) markConsumed() {
	fr.pending = 0
}

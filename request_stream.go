package h3

import (
	"errors"
	"io"
	"sync"

	"github.com/quic-go/qpack"
	"github.com/quic-go/quic-go"
)

// requestStreamState is the frame-sequencing state machine for a single
// request stream's receive half: a HEADERS frame,
// then zero or more DATA frames optionally followed by one HEADERS frame
// (trailers), then nothing.
type requestStreamState int

const (
	reqIdle requestStreamState = iota
	reqBodyOrTrailers
	reqTrailersStashed
	reqDone
	reqReset
)

// RequestStream is one HTTP/3 request/response exchange: a
// bidirectional QUIC stream plus the frame-sequencing state needed to
// enforce RFC 9114 Section 4.1's "HEADERS, then DATA*, then an optional
// trailing HEADERS" shape.
type RequestStream struct {
	conn   *Conn
	stream Stream
	fr     *frameReader
	codec  *fieldCodec

	mu                    sync.Mutex
	state                 requestStreamState
	curDataReader         io.Reader
	stashedTrailerPayload []byte

	peerMaxFieldSectionSize uint64
	finishOnce              sync.Once
}

func newRequestStream(conn *Conn, stream Stream) *RequestStream {
	max := conn.shared.peerSettingsSnapshot().MaxFieldSectionSize()
	return &RequestStream{
		conn:                    conn,
		stream:                  stream,
		fr:                      newFrameReader(stream),
		codec:                   conn.codec,
		state:                   reqIdle,
		peerMaxFieldSectionSize: max,
	}
}

// StreamID returns the underlying QUIC stream id.
func (r *RequestStream) StreamID() quic.StreamID { return r.stream.StreamID() }

// checkTerminal returns the connection's latched terminal error, if any.
// Every public method that does I/O checks this first, so a terminal
// error is observed by all subsequent public calls on any stream, per
// spec.
func (r *RequestStream) checkTerminal() error {
	if ce := r.conn.shared.terminalError(); ce != nil {
		return ce
	}
	return nil
}

// reportFrameFault handles a frame-sequencing or parse fault on this
// stream. Any frame type violation here
// (anything but DATA/HEADERS in the right place, or a truncated frame) is
// connection-scoped and is funneled to the driver; it also resets this
// stream's own send/receive halves so the local application observes
// termination promptly.
func (r *RequestStream) reportFrameFault(code ErrCode, reason string) error {
	r.mu.Lock()
	r.state = reqReset
	r.mu.Unlock()
	streamScopedLogger(r.conn.log, int64(r.stream.StreamID())).
		WithField("code", code.String()).Debug(reason)
	r.conn.reportFatal(code, reason)
	r.stream.CancelRead(quic.StreamErrorCode(code))
	r.stream.CancelWrite(quic.StreamErrorCode(code))
	return newStreamError(code, reason)
}

// classifyFrameErr turns a frameReader error into the right outcome for a
// request stream: a clean EOF or a peer reset end this stream alone, while
// a parse failure is a connection-scoped fault.
func (r *RequestStream) classifyFrameErr(err error) error {
	if err == io.EOF {
		r.mu.Lock()
		r.state = reqDone
		r.mu.Unlock()
		return io.EOF
	}
	var se *streamResetError
	if errors.As(err, &se) {
		r.mu.Lock()
		r.state = reqReset
		r.mu.Unlock()
		return newStreamError(ErrCodeRequestCanceled, "stream reset by peer")
	}
	var cce *connectionClosedError
	if errors.As(err, &cce) {
		return err
	}
	return r.reportFrameFault(ErrCodeFrameError, "truncated frame on request stream")
}

// ReadHeaders reads the stream's first frame, which must be HEADERS, and
// QPACK-decodes it. It is the request-building layer's entry point;
// anything else received first is a connection-scoped H3_FRAME_UNEXPECTED
// fault.
func (r *RequestStream) ReadHeaders() ([]qpack.HeaderField, error) {
	if err := r.checkTerminal(); err != nil {
		return nil, err
	}
	r.mu.Lock()
	if r.state != reqIdle {
		r.mu.Unlock()
		return nil, errors.New("h3: ReadHeaders called out of sequence")
	}
	r.mu.Unlock()

	h, err := r.fr.Next()
	if err != nil {
		return nil, r.classifyFrameErr(err)
	}
	if h.Type != FrameTypeHeaders {
		return nil, r.reportFrameFault(ErrCodeFrameUnexpected, "request stream did not open with HEADERS")
	}
	payload, err := r.fr.ReadPayload(h)
	if err != nil {
		return nil, r.classifyFrameErr(err)
	}
	fields, err := r.codec.decodeFields(payload, r.peerMaxFieldSectionSize)
	if err != nil {
		var fle *FrameLengthError
		if errors.As(err, &fle) {
			// Header block too big is local to this stream: it abandons
			// the request without closing the connection.
			r.mu.Lock()
			r.state = reqReset
			r.mu.Unlock()
			se := wrapStreamError(ErrCodeExcessiveLoad, err)
			r.stream.CancelRead(quic.StreamErrorCode(se.Code))
			r.stream.CancelWrite(quic.StreamErrorCode(se.Code))
			return nil, se
		}
		return nil, r.reportFrameFault(ErrCodeFrameError, "malformed HEADERS payload")
	}
	r.mu.Lock()
	r.state = reqBodyOrTrailers
	r.mu.Unlock()
	return fields, nil
}

// WriteHeaders QPACK-encodes and writes fields as a HEADERS frame, the
// first frame an outbound request or response must send.
func (r *RequestStream) WriteHeaders(fields []qpack.HeaderField) error {
	if err := r.checkTerminal(); err != nil {
		return err
	}
	b, err := r.codec.encodeFields(fields)
	if err != nil {
		return err
	}
	return writeHeadersFrame(r.stream, b)
}

// nextFrame advances past the next body/trailer frame, populating either
// curDataReader (DATA) or stashedTrailerPayload (HEADERS), or moving to
// reqDone (clean end of stream). It returns io.EOF in both of the latter
// two cases: callers distinguish them by checking state afterwards.
func (r *RequestStream) nextFrame() error {
	for {
		h, err := r.fr.Next()
		if err != nil {
			return r.classifyFrameErr(err)
		}

		switch h.Type {
		case FrameTypeData:
			r.mu.Lock()
			ok := r.state == reqBodyOrTrailers
			r.mu.Unlock()
			if !ok {
				return r.reportFrameFault(ErrCodeFrameUnexpected, "DATA frame out of sequence")
			}
			r.mu.Lock()
			r.curDataReader = r.fr.PayloadReader(h)
			r.mu.Unlock()
			return nil

		case FrameTypeHeaders:
			r.mu.Lock()
			ok := r.state == reqBodyOrTrailers
			r.mu.Unlock()
			if !ok {
				return r.reportFrameFault(ErrCodeFrameUnexpected, "HEADERS frame out of sequence")
			}
			payload, err := r.fr.ReadPayload(h)
			if err != nil {
				return r.classifyFrameErr(err)
			}
			r.mu.Lock()
			r.stashedTrailerPayload = payload
			r.state = reqTrailersStashed
			r.mu.Unlock()
			return io.EOF

		default:
			if isGrease(uint64(h.Type)) {
				continue // discarded by the next fr.Next() call
			}
			return r.reportFrameFault(ErrCodeFrameUnexpected, "unsupported frame type on request stream")
		}
	}
}

// Read implements io.Reader over the request/response body: it yields DATA
// frame payloads in order and returns io.EOF once the stream ends or a
// trailing HEADERS frame has been stashed for ReadTrailers.
func (r *RequestStream) Read(p []byte) (int, error) {
	if err := r.checkTerminal(); err != nil {
		return 0, err
	}
	for {
		r.mu.Lock()
		cur := r.curDataReader
		state := r.state
		r.mu.Unlock()

		if cur != nil {
			n, err := cur.Read(p)
			if n > 0 {
				return n, nil
			}
			if err == io.EOF {
				r.mu.Lock()
				r.curDataReader = nil
				r.mu.Unlock()
				continue
			}
			return 0, err
		}

		if state == reqTrailersStashed || state == reqDone || state == reqReset {
			return 0, io.EOF
		}

		if err := r.nextFrame(); err != nil && err != io.EOF {
			return 0, err
		}
	}
}

// ReadTrailers returns the stashed trailing HEADERS block, reading ahead
// through any remaining body frames if the caller has not fully drained
// Read yet. It returns (nil, nil) if the stream ended with no trailers.
func (r *RequestStream) ReadTrailers() ([]qpack.HeaderField, error) {
	if err := r.checkTerminal(); err != nil {
		return nil, err
	}
	for {
		r.mu.Lock()
		state := r.state
		r.mu.Unlock()
		if state == reqTrailersStashed || state == reqDone || state == reqReset {
			break
		}
		if err := r.nextFrame(); err != nil && err != io.EOF {
			return nil, err
		}
	}

	r.mu.Lock()
	payload := r.stashedTrailerPayload
	r.stashedTrailerPayload = nil
	r.mu.Unlock()
	if payload == nil {
		return nil, nil
	}

	// RFC 9114 Section 4.1: nothing may follow trailers.
	if _, err := r.fr.Next(); err != io.EOF {
		if err == nil {
			return nil, r.reportFrameFault(ErrCodeFrameUnexpected, "frame received after trailers")
		}
		return nil, r.classifyFrameErr(err)
	}
	r.mu.Lock()
	r.state = reqDone
	r.mu.Unlock()

	fields, err := r.codec.decodeFields(payload, r.peerMaxFieldSectionSize)
	if err != nil {
		var fle *FrameLengthError
		if errors.As(err, &fle) {
			se := wrapStreamError(ErrCodeExcessiveLoad, err)
			r.stream.CancelRead(quic.StreamErrorCode(se.Code))
			return nil, se
		}
		return nil, r.reportFrameFault(ErrCodeFrameError, "malformed trailing HEADERS payload")
	}
	return fields, nil
}

// dataWriter frames every Write call as a single DATA frame, an
// io.Writer adapter over the send half of a request stream.
type dataWriter struct{ rs *RequestStream }

func (w dataWriter) Write(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	if err := writeDataFrameHeader(w.rs.stream, uint64(len(p))); err != nil {
		return 0, err
	}
	return w.rs.stream.Write(p)
}

// DataWriter returns an io.Writer that frames each Write as a DATA frame.
func (r *RequestStream) DataWriter() io.Writer { return dataWriter{r} }

// WriteTrailers QPACK-encodes and writes fields as a trailing HEADERS
// frame. It is rejected locally, without writing anything, if the encoded
// block exceeds the peer's advertised max_field_section_size.
func (r *RequestStream) WriteTrailers(fields []qpack.HeaderField) error {
	if err := r.checkTerminal(); err != nil {
		return err
	}
	b, err := r.codec.encodeFields(fields)
	if err != nil {
		return err
	}
	if uint64(len(b)) > r.peerMaxFieldSectionSize {
		return &FrameLengthError{Type: FrameTypeHeaders, Len: uint64(len(b)), Max: r.peerMaxFieldSectionSize}
	}
	return writeHeadersFrame(r.stream, b)
}

// Finish completes the send half, first emitting the connection-wide
// grease frame if no other request stream has done so yet.
func (r *RequestStream) Finish() error {
	var err error
	r.finishOnce.Do(func() {
		r.conn.maybeSendGreaseFrame(r.stream)
		err = r.stream.Close()
	})
	return err
}

// StopSending abandons the receive half with code, per RFC 9114 Section
// 4.1's guidance for a request the application declines to read further.
func (r *RequestStream) StopSending(code ErrCode) {
	r.stream.CancelRead(quic.StreamErrorCode(code))
}

// StopStream abandons both halves of the stream with code.
func (r *RequestStream) StopStream(code ErrCode) {
	r.stream.CancelRead(quic.StreamErrorCode(code))
	r.stream.CancelWrite(quic.StreamErrorCode(code))
	r.mu.Lock()
	r.state = reqReset
	r.mu.Unlock()
}

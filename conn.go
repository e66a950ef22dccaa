package h3

import (
	"bytes"
	"context"
	"errors"
	"io"
	"sync"
	"sync/atomic"

	"github.com/quic-go/quic-go"
	"github.com/quic-go/quic-go/quicvarint"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// ControlFrame is a control-stream frame forwarded to the layer above the
// driver.
type ControlFrame interface{ isControlFrame() }

// GoAwayFrame is a received GOAWAY, forwarded after the driver has applied
// its own monotonicity check.
type GoAwayFrame struct{ ID uint64 }

// CancelPushFrame is a received CANCEL_PUSH, forwarded unmodified.
type CancelPushFrame struct{ ID uint64 }

// MaxPushIDFrame is a received MAX_PUSH_ID, forwarded unmodified.
type MaxPushIDFrame struct{ ID uint64 }

func (GoAwayFrame) isControlFrame()     {}
func (CancelPushFrame) isControlFrame() {}
func (MaxPushIDFrame) isControlFrame()  {}

// goAwayBookkeeping tracks the monotonicity invariant RFC 9114 requires on
// GOAWAY ids in each direction independently.
type goAwayBookkeeping struct {
	mu       sync.Mutex
	sent     *uint64
	received *uint64
}

func (g *goAwayBookkeeping) tryReceive(id uint64) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.received != nil && id > *g.received {
		return newConnError(ErrCodeIDError, "GOAWAY id increased")
	}
	g.received = &id
	return nil
}

// trySend reports whether id should actually be written to the wire: the
// first GOAWAY is always sent; subsequent calls with an id no greater than
// the last one sent are re-sent; calls with a greater id are no-ops.
func (g *goAwayBookkeeping) trySend(id uint64) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.sent != nil && id > *g.sent {
		return false
	}
	g.sent = &id
	return true
}

// Conn is the connection driver (C6): it owns one QUIC connection and its
// critical unidirectional streams, classifies every inbound unidirectional
// stream, enforces control-stream frame ordering, multiplexes request
// streams, and drives graceful and fatal closure.
type Conn struct {
	transport Connection
	cfg       *Config
	log       logrus.FieldLogger
	shared    *sharedState
	codec     *fieldCodec
	isServer  bool

	controlWriteMu sync.Mutex
	controlSend    SendStream

	encoderSend SendStream // nil if best-effort open failed
	decoderSend SendStream

	peerMu      sync.Mutex
	peerControl bool
	peerEncoder bool
	peerDecoder bool

	goaway goAwayBookkeeping

	grease *greasePump
	// greaseFrameFlag gates the single, connection-wide grease frame
	// emitted by whichever request stream finishes first once grease is
	// enabled.
	greaseFrameFlag atomic.Bool

	push *pushState
	wt   *webTransportBuffer
	dg   *datagramMux

	bidiCh    chan *RequestStream
	controlCh chan ControlFrame

	errReports chan *connError

	done     chan struct{}
	closeErr atomic.Pointer[connError]

	// bg tracks the driver's background loops so Wait can block until they
	// have all unwound after a close, giving callers an observable clean
	// shutdown.
	bg *errgroup.Group
}

// Dial builds a driver over an already-established QUIC connection and
// performs the HTTP/3 startup handshake: opening the three critical send
// streams and writing the local SETTINGS frame before anything else goes
// out on the control stream.
func Dial(transport Connection, cfg *Config, isServer bool) (*Conn, error) {
	if cfg == nil {
		cfg = NewConfig()
	}
	c := &Conn{
		transport:  transport,
		cfg:        cfg,
		log:        connScopedLogger(cfg.logger, isServer),
		shared:     newSharedState(),
		codec:      newFieldCodec(),
		isServer:   isServer,
		grease:     newGreasePump(cfg.sendGrease),
		push:       newPushState(),
		wt:         newWebTransportBuffer(cfg.maxBufferedWebTransportStreams),
		dg:         newDatagramMux(transport, cfg.maxBufferedDatagrams),
		bidiCh:     make(chan *RequestStream, 8),
		controlCh:  make(chan ControlFrame, 16),
		errReports: make(chan *connError, 256),
		done:       make(chan struct{}),
	}
	c.greaseFrameFlag.Store(cfg.sendGrease)

	str, err := transport.OpenUniStream()
	if err != nil {
		return nil, err
	}
	c.controlSend = str
	if err := c.writeControlHeaderAndSettings(); err != nil {
		return nil, err
	}

	// QPACK encoder/decoder streams are best-effort: failure to open them
	// does not fail startup.
	if s, err := transport.OpenUniStream(); err == nil {
		if _, err := s.Write(quicvarint.Append(nil, uint64(StreamTypeQPACKEncoder))); err == nil {
			c.encoderSend = s
		}
	}
	if s, err := transport.OpenUniStream(); err == nil {
		if _, err := s.Write(quicvarint.Append(nil, uint64(StreamTypeQPACKDecoder))); err == nil {
			c.decoderSend = s
		}
	}

	c.bg = &errgroup.Group{}
	c.bg.Go(func() error { c.acceptUniLoop(); return nil })
	c.bg.Go(func() error { c.acceptBidiLoop(); return nil })
	c.bg.Go(func() error { c.drainErrorReports(); return nil })
	c.bg.Go(func() error { c.runGrease(); return nil })
	c.bg.Go(func() error { c.dg.run(); return nil })

	return c, nil
}

// Wait blocks until every background loop the driver started in Dial has
// exited, which happens once the underlying transport is closed. It is
// meant for tests and graceful-shutdown paths that need to know the driver
// has fully unwound, not for steady-state operation.
func (c *Conn) Wait() { c.bg.Wait() }

func (c *Conn) writeControlHeaderAndSettings() error {
	b := quicvarint.Append(nil, uint64(StreamTypeControl))
	if _, err := c.controlSend.Write(b); err != nil {
		return err
	}
	var buf bytes.Buffer
	if err := c.cfg.settings.writeFrame(&buf); err != nil {
		return err
	}
	_, err := c.controlSend.Write(buf.Bytes())
	return err
}

// Settings returns the settings this endpoint advertised.
func (c *Conn) Settings() Settings { return c.cfg.settings }

// PeerSettings returns the peer's settings, or nil if not yet received.
func (c *Conn) PeerSettings() Settings { return c.shared.peerSettingsSnapshot() }

// ---- inbound unidirectional stream classification ----

func (c *Conn) acceptUniLoop() {
	for {
		str, err := c.transport.AcceptUniStream(context.Background())
		if err != nil {
			return
		}
		go c.handleUniStream(str)
	}
}

func (c *Conn) handleUniStream(str ReceiveStream) {
	r := quicvarint.NewReader(str)
	t, err := quicvarint.Read(r)
	if err != nil {
		// RFC 9114 Section 6.2 tolerance rule: a stream closed before its
		// type byte arrives is silently dropped, never a connection error.
		return
	}

	switch StreamType(t) {
	case StreamTypeControl:
		if !c.bindPeerControl() {
			c.closeConnection(ErrCodeStreamCreationError, "more than one control stream opened")
			return
		}
		c.handleControlStream(str)

	case StreamTypeQPACKEncoder:
		if !c.bindPeerEncoder() {
			c.closeConnection(ErrCodeStreamCreationError, "more than one QPACK encoder stream opened")
			return
		}
		// No dynamic table support; there is nothing to decode off this
		// stream, but RFC 9114 Section 6.2.1 still makes its closure fatal.
		c.watchCriticalStream(str, "QPACK encoder")

	case StreamTypeQPACKDecoder:
		if !c.bindPeerDecoder() {
			c.closeConnection(ErrCodeStreamCreationError, "more than one QPACK decoder stream opened")
			return
		}
		c.watchCriticalStream(str, "QPACK decoder")

	case StreamTypePush:
		c.handlePushStream(str, r)

	case StreamTypeWebTransportUni:
		sessionID, err := quicvarint.Read(r)
		if err != nil {
			return
		}
		if !c.wt.addUni(sessionID, str) {
			str.CancelRead(quic.StreamErrorCode(ErrCodeWebTransportBufferedStreamRejected))
		}

	default:
		str.CancelRead(quic.StreamErrorCode(ErrCodeStreamCreationError))
	}
}

func (c *Conn) bindPeerControl() bool {
	c.peerMu.Lock()
	defer c.peerMu.Unlock()
	if c.peerControl {
		return false
	}
	c.peerControl = true
	return true
}

func (c *Conn) bindPeerEncoder() bool {
	c.peerMu.Lock()
	defer c.peerMu.Unlock()
	if c.peerEncoder {
		return false
	}
	c.peerEncoder = true
	return true
}

func (c *Conn) bindPeerDecoder() bool {
	c.peerMu.Lock()
	defer c.peerMu.Unlock()
	if c.peerDecoder {
		return false
	}
	c.peerDecoder = true
	return true
}

// watchCriticalStream consumes a critical receive stream this endpoint has
// no content to decode from (QPACK encoder/decoder, absent dynamic table
// support) but whose closure or reset is still a fatal connection error
// under RFC 9114 Section 6.2.1. It blocks in a dedicated goroutine for the
// life of the connection.
func (c *Conn) watchCriticalStream(str ReceiveStream, name string) {
	go func() {
		_, err := io.Copy(io.Discard, str)
		if err == nil {
			err = io.EOF
		}
		c.handleControlReadErr(err, name)
	}()
}

func (c *Conn) handlePushStream(str ReceiveStream, r quicvarint.Reader) {
	pushID, err := quicvarint.Read(r)
	if err != nil {
		return
	}
	if !c.push.bufferIfAdvertised(pushID, str) {
		str.CancelRead(quic.StreamErrorCode(ErrCodeIDError))
	}
}

// ---- control stream state machine ----

func (c *Conn) handleControlStream(str ReceiveStream) {
	fr := newFrameReader(str)
	first := true

	for {
		h, err := fr.Next()
		if err != nil {
			c.handleControlReadErr(err, "control stream")
			return
		}

		if first {
			if h.Type != FrameTypeSettings {
				c.closeConnection(ErrCodeMissingSettings, "first control-stream frame was not SETTINGS")
				return
			}
			if h.Length > maxSettingsFrameSize {
				c.closeConnection(ErrCodeSettingsError, "SETTINGS frame too large")
				return
			}
			payload, err := fr.ReadPayload(h)
			if err != nil {
				c.handleControlReadErr(err, "control stream")
				return
			}
			settings, err := parseSettings(payload)
			if err != nil {
				var ce *connError
				if errors.As(err, &ce) {
					c.closeConnection(ce.Code, ce.Reason)
				} else {
					c.closeConnection(ErrCodeSettingsError, err.Error())
				}
				return
			}
			if settings.DatagramsEnabled() && !c.transport.ConnectionState().SupportsDatagrams {
				c.closeConnection(ErrCodeSettingsError, "missing QUIC Datagram support")
				return
			}
			c.shared.publishPeerSettings(settings)
			first = false
			continue
		}

		switch h.Type {
		case FrameTypeSettings:
			c.closeConnection(ErrCodeFrameUnexpected, "second SETTINGS frame on control stream")
			return

		case FrameTypeGoAway:
			payload, err := fr.ReadPayload(h)
			if err != nil {
				c.handleControlReadErr(err, "control stream")
				return
			}
			id, err := decodeVarintPayload(payload)
			if err != nil {
				c.closeConnection(ErrCodeFrameError, "malformed GOAWAY payload")
				return
			}
			if err := c.goaway.tryReceive(id); err != nil {
				var ce *connError
				errors.As(err, &ce)
				c.closeConnection(ce.Code, ce.Reason)
				return
			}
			c.shared.setClosing()
			c.forwardControlFrame(GoAwayFrame{ID: id})

		case FrameTypeCancelPush:
			payload, err := fr.ReadPayload(h)
			if err != nil {
				c.handleControlReadErr(err, "control stream")
				return
			}
			id, err := decodeVarintPayload(payload)
			if err != nil {
				c.closeConnection(ErrCodeFrameError, "malformed CANCEL_PUSH payload")
				return
			}
			c.forwardControlFrame(CancelPushFrame{ID: id})

		case FrameTypeMaxPushID:
			payload, err := fr.ReadPayload(h)
			if err != nil {
				c.handleControlReadErr(err, "control stream")
				return
			}
			id, err := decodeVarintPayload(payload)
			if err != nil {
				c.closeConnection(ErrCodeFrameError, "malformed MAX_PUSH_ID payload")
				return
			}
			c.push.setPeerMaxPushID(id)
			c.forwardControlFrame(MaxPushIDFrame{ID: id})

		case FrameTypeData, FrameTypeHeaders, FrameTypePushPromise:
			c.closeConnection(ErrCodeFrameUnexpected, "DATA/HEADERS/PUSH_PROMISE on control stream")
			return

		default:
			// Unknown (including grease) frame types are ignored on the
			// control stream; fr.Next() discards the payload on the next
			// call.
		}
	}
}

func (c *Conn) handleControlReadErr(err error, name string) {
	if err == io.EOF {
		c.closeConnection(ErrCodeClosedCriticalStream, name+" closed")
		return
	}
	var se *streamResetError
	if errors.As(err, &se) {
		c.closeConnection(ErrCodeClosedCriticalStream, name+" reset")
		return
	}
	var cce *connectionClosedError
	if errors.As(err, &cce) {
		// The transport is already gone; no further action needed.
		return
	}
	// errUnexpectedEnd or any other parse failure.
	c.closeConnection(ErrCodeFrameError, "truncated frame on "+name)
}

func (c *Conn) forwardControlFrame(f ControlFrame) {
	select {
	case c.controlCh <- f:
	case <-c.done:
	}
}

// PollControl yields the next forwarded control frame (GOAWAY, CANCEL_PUSH,
// MAX_PUSH_ID), or the latched terminal error once the connection closes.
func (c *Conn) PollControl(ctx context.Context) (ControlFrame, error) {
	select {
	case f := <-c.controlCh:
		return f, nil
	case <-c.done:
		return nil, c.TerminalError()
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// ---- inbound bidirectional (request) streams ----

func (c *Conn) acceptBidiLoop() {
	for {
		str, err := c.transport.AcceptStream(context.Background())
		if err != nil {
			return
		}
		rs := newRequestStream(c, str)
		select {
		case c.bidiCh <- rs:
		case <-c.done:
			return
		}
	}
}

// AcceptRequestStream yields the next inbound request/response stream.
func (c *Conn) AcceptRequestStream(ctx context.Context) (*RequestStream, error) {
	select {
	case rs := <-c.bidiCh:
		return rs, nil
	case <-c.done:
		return nil, c.TerminalError()
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// OpenRequestStream opens a new outbound request/response stream.
func (c *Conn) OpenRequestStream(ctx context.Context) (*RequestStream, error) {
	if err := c.TerminalError(); err != nil {
		return nil, err
	}
	str, err := c.transport.OpenStreamSync(ctx)
	if err != nil {
		return nil, err
	}
	return newRequestStream(c, str), nil
}

// ---- GOAWAY / graceful shutdown ----

// Shutdown sends GOAWAY with the given max id, subject to the monotonicity
// rule in goAwayBookkeeping.trySend. It always sets the closing flag.
func (c *Conn) Shutdown(maxID uint64) error {
	c.shared.setClosing()
	if !c.goaway.trySend(maxID) {
		return nil
	}
	c.controlWriteMu.Lock()
	defer c.controlWriteMu.Unlock()
	var buf bytes.Buffer
	if err := writeGoAwayFrame(&buf, maxID); err != nil {
		return err
	}
	_, err := c.controlSend.Write(buf.Bytes())
	return err
}

// ---- fatal-close pathway ----

func (c *Conn) closeConnection(code ErrCode, reason string) {
	ce := newConnError(code, reason)
	if !c.shared.latchError(ce) {
		return
	}
	c.closeErr.Store(ce)
	c.log.WithFields(logrus.Fields{"code": code.String(), "reason": reason}).Debug("closing HTTP/3 connection")
	c.transport.CloseWithError(quic.ApplicationErrorCode(code), reason)
	close(c.done)
}

// Close closes the connection with ErrCodeNoError.
func (c *Conn) Close() error {
	c.closeConnection(ErrCodeNoError, "")
	return nil
}

// CloseWithError closes the connection with an application-chosen code and
// reason.
func (c *Conn) CloseWithError(code ErrCode, reason string) error {
	c.closeConnection(code, reason)
	return nil
}

// TerminalError returns the latched terminal error, or nil.
func (c *Conn) TerminalError() error {
	if ce := c.closeErr.Load(); ce != nil {
		return ce
	}
	return nil
}

// reportFatal is the one-way channel request streams use to force the
// driver to close the connection.
func (c *Conn) reportFatal(code ErrCode, reason string) {
	select {
	case c.errReports <- newConnError(code, reason):
	case <-c.done:
	default:
		// Channel momentarily full under concurrent failure; the
		// connection is already going down via whichever report landed.
	}
}

func (c *Conn) drainErrorReports() {
	for {
		select {
		case ce := <-c.errReports:
			c.closeConnection(ce.Code, ce.Reason)
		case <-c.done:
			return
		}
	}
}

// ---- grease stream ----

func (c *Conn) runGrease() {
	for {
		s := c.grease.currentState()
		if s == greaseFinished || s == greaseAbandoned {
			return
		}
		c.grease.step(c.transport)
	}
}

// maybeSendGreaseFrame emits the single, connection-wide grease frame on
// finish of whichever request stream gets there first. Errors are
// ignored: grease is always best-effort.
func (c *Conn) maybeSendGreaseFrame(w io.Writer) {
	if c.greaseFrameFlag.CompareAndSwap(true, false) {
		_ = writeGreaseFrame(w)
	}
}

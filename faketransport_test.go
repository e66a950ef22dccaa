package h3

import (
	"bytes"
	"context"
	"io"
	"sync"
	"sync/atomic"

	"github.com/quic-go/quic-go"
	"github.com/quic-go/quic-go/quicvarint"
)

// fakeSendStream records every byte written to it so a test can assert on
// what the driver put on the wire, and remembers whether CancelWrite was
// called.
type fakeSendStream struct {
	id quic.StreamID

	mu         sync.Mutex
	buf        bytes.Buffer
	closed     bool
	canceled   bool
	cancelCode quic.StreamErrorCode
}

func (s *fakeSendStream) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.canceled {
		return 0, &quic.StreamError{ErrorCode: s.cancelCode}
	}
	return s.buf.Write(p)
}

func (s *fakeSendStream) CancelWrite(code quic.StreamErrorCode) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.canceled = true
	s.cancelCode = code
}

func (s *fakeSendStream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *fakeSendStream) StreamID() quic.StreamID { return s.id }

func (s *fakeSendStream) Bytes() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]byte(nil), s.buf.Bytes()...)
}

func (s *fakeSendStream) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *fakeSendStream) CancelCode() (quic.StreamErrorCode, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cancelCode, s.canceled
}

// fakeReceiveStream is fed by the test (standing in for a peer) through an
// io.Pipe: writes to the *io.PipeWriter returned by newFakeReceiveStream
// arrive as Reads on the stream, and its Close/CloseWithError simulate a
// clean end or a peer reset.
type fakeReceiveStream struct {
	id         quic.StreamID
	pr         *io.PipeReader
	pw         *io.PipeWriter
	canceled   atomic.Bool
	cancelCode atomic.Uint64
}

func newFakeReceiveStream(id quic.StreamID) (*fakeReceiveStream, *io.PipeWriter) {
	pr, pw := io.Pipe()
	return &fakeReceiveStream{id: id, pr: pr, pw: pw}, pw
}

func (s *fakeReceiveStream) Read(p []byte) (int, error) { return s.pr.Read(p) }

func (s *fakeReceiveStream) CancelRead(code quic.StreamErrorCode) {
	s.canceled.Store(true)
	s.cancelCode.Store(uint64(code))
	s.pr.CloseWithError(&quic.StreamError{ErrorCode: code})
}

func (s *fakeReceiveStream) StreamID() quic.StreamID { return s.id }

func (s *fakeReceiveStream) Canceled() (quic.StreamErrorCode, bool) {
	return quic.StreamErrorCode(s.cancelCode.Load()), s.canceled.Load()
}

// fakeStream is a bidirectional stream built from a send and a receive
// half, used for request/response streams in tests.
type fakeStream struct {
	id   quic.StreamID
	send *fakeSendStream
	recv *fakeReceiveStream
}

func (s *fakeStream) Write(p []byte) (int, error)         { return s.send.Write(p) }
func (s *fakeStream) CancelWrite(c quic.StreamErrorCode)  { s.send.CancelWrite(c) }
func (s *fakeStream) Close() error                        { return s.send.Close() }
func (s *fakeStream) Read(p []byte) (int, error)          { return s.recv.Read(p) }
func (s *fakeStream) CancelRead(c quic.StreamErrorCode)   { s.recv.CancelRead(c) }
func (s *fakeStream) StreamID() quic.StreamID             { return s.id }

var (
	_ SendStream    = &fakeSendStream{}
	_ ReceiveStream = &fakeReceiveStream{}
	_ Stream        = &fakeStream{}
)

// fakeConnection is a one-sided test double for Connection: it records
// every stream the driver opens and lets the test queue up streams (and
// datagrams) for the driver to accept, standing in for a peer without
// actually running a second driver instance.
type fakeConnection struct {
	idCounter atomic.Int64

	uniToAccept  chan ReceiveStream
	bidiToAccept chan Stream

	mu          sync.Mutex
	openedUni   []*fakeSendStream
	openedBidi  []*fakeStream
	closed      bool
	closeCode   quic.ApplicationErrorCode
	closeReason string

	state quic.ConnectionState

	datagramsOut chan []byte
	datagramsIn  chan []byte
}

func newFakeConnection() *fakeConnection {
	return &fakeConnection{
		uniToAccept:  make(chan ReceiveStream, 16),
		bidiToAccept: make(chan Stream, 16),
		datagramsOut: make(chan []byte, 16),
		datagramsIn:  make(chan []byte, 16),
	}
}

func (c *fakeConnection) nextID() quic.StreamID {
	return quic.StreamID(c.idCounter.Add(1))
}

func (c *fakeConnection) OpenStream() (Stream, error) {
	s := &fakeStream{id: c.nextID(), send: &fakeSendStream{id: c.nextID()}}
	s.recv, _ = newFakeReceiveStream(s.id)
	c.mu.Lock()
	c.openedBidi = append(c.openedBidi, s)
	c.mu.Unlock()
	return s, nil
}

func (c *fakeConnection) OpenStreamSync(ctx context.Context) (Stream, error) { return c.OpenStream() }

func (c *fakeConnection) OpenUniStream() (SendStream, error) {
	s := &fakeSendStream{id: c.nextID()}
	c.mu.Lock()
	c.openedUni = append(c.openedUni, s)
	c.mu.Unlock()
	return s, nil
}

func (c *fakeConnection) OpenUniStreamSync(ctx context.Context) (SendStream, error) {
	return c.OpenUniStream()
}

func (c *fakeConnection) AcceptStream(ctx context.Context) (Stream, error) {
	select {
	case s := <-c.bidiToAccept:
		return s, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *fakeConnection) AcceptUniStream(ctx context.Context) (ReceiveStream, error) {
	select {
	case s := <-c.uniToAccept:
		return s, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *fakeConnection) CloseWithError(code quic.ApplicationErrorCode, reason string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	c.closeCode = code
	c.closeReason = reason
	return nil
}

func (c *fakeConnection) Context() context.Context { return context.Background() }

func (c *fakeConnection) ConnectionState() quic.ConnectionState { return c.state }

func (c *fakeConnection) SendDatagram(b []byte) error {
	select {
	case c.datagramsOut <- append([]byte(nil), b...):
	default:
	}
	return nil
}

func (c *fakeConnection) ReceiveDatagram(ctx context.Context) ([]byte, error) {
	select {
	case b := <-c.datagramsIn:
		return b, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *fakeConnection) CloseInfo() (quic.ApplicationErrorCode, string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closeCode, c.closeReason, c.closed
}

// queueInboundUniStream makes a new unidirectional stream available to the
// driver's AcceptUniStream loop and writes typ as its leading varint (the
// way a real QUIC stream's first bytes identify it), blocking until the
// driver's accept loop has read it. The returned writer feeds whatever
// comes after the type byte; callers must write to it from the goroutine
// that called this function, since io.Pipe only guarantees ordering
// against its own prior Write calls.
func (c *fakeConnection) queueInboundUniStream(typ StreamType) *io.PipeWriter {
	str, pw := newFakeReceiveStream(c.nextID())
	c.uniToAccept <- str
	_, _ = pw.Write(quicvarint.Append(nil, uint64(typ)))
	return pw
}

// queueInboundBidiStream makes a new bidirectional stream available to the
// driver's AcceptStream loop. The returned writer feeds the stream's
// inbound (peer-to-driver) bytes; the returned fakeStream's send half
// records whatever the driver writes back.
func (c *fakeConnection) queueInboundBidiStream() (*fakeStream, *io.PipeWriter) {
	id := c.nextID()
	recv, pw := newFakeReceiveStream(id)
	s := &fakeStream{id: id, send: &fakeSendStream{id: id}, recv: recv}
	c.bidiToAccept <- s
	return s, pw
}

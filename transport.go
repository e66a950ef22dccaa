package h3

import (
	"context"
	"io"

	"github.com/quic-go/quic-go"
)

// SendStream is the capability contract the driver needs from a QUIC send
// stream. It is satisfied structurally by quic-go's quic.SendStream.
type SendStream interface {
	io.Writer
	CancelWrite(quic.StreamErrorCode)
	Close() error
	StreamID() quic.StreamID
}

// ReceiveStream is the capability contract the driver needs from a QUIC
// receive stream. It is satisfied structurally by quic-go's
// quic.ReceiveStream.
type ReceiveStream interface {
	io.Reader
	CancelRead(quic.StreamErrorCode)
	StreamID() quic.StreamID
}

// Stream is a bidirectional QUIC stream.
type Stream interface {
	SendStream
	ReceiveStream
}

// Connection is the pluggable QUIC transport capability the connection
// driver (Conn) is built against. Any type satisfying it — quic-go's quic.Connection via
// NewConnection, or a test fake — can back a driver.
type Connection interface {
	OpenStream() (Stream, error)
	OpenStreamSync(ctx context.Context) (Stream, error)
	OpenUniStream() (SendStream, error)
	OpenUniStreamSync(ctx context.Context) (SendStream, error)
	AcceptStream(ctx context.Context) (Stream, error)
	AcceptUniStream(ctx context.Context) (ReceiveStream, error)
	CloseWithError(code quic.ApplicationErrorCode, reason string) error
	Context() context.Context
	ConnectionState() quic.ConnectionState
	SendDatagram(b []byte) error
	ReceiveDatagram(ctx context.Context) ([]byte, error)
}

// quicConnAdapter adapts a quic-go quic.Connection to the Connection
// contract above. The only reason this exists rather than using
// quic.Connection directly is that Go requires identical method signatures
// for interface satisfaction, and quic-go's OpenStream et al. return its
// own quic.Stream / quic.SendStream / quic.ReceiveStream types rather than
// this package's.
type quicConnAdapter struct {
	quic.Connection
}

// NewConnection wraps a quic-go QUIC connection (as returned by
// (*quic.Transport).DialEarly, quic.Dial, or a *quic.Listener's Accept) so
// it satisfies Connection.
func NewConnection(qc quic.Connection) Connection {
	return quicConnAdapter{qc}
}

func (c quicConnAdapter) OpenStream() (Stream, error) {
	return c.Connection.OpenStream()
}

func (c quicConnAdapter) OpenStreamSync(ctx context.Context) (Stream, error) {
	return c.Connection.OpenStreamSync(ctx)
}

func (c quicConnAdapter) OpenUniStream() (SendStream, error) {
	return c.Connection.OpenUniStream()
}

func (c quicConnAdapter) OpenUniStreamSync(ctx context.Context) (SendStream, error) {
	return c.Connection.OpenUniStreamSync(ctx)
}

func (c quicConnAdapter) AcceptStream(ctx context.Context) (Stream, error) {
	return c.Connection.AcceptStream(ctx)
}

func (c quicConnAdapter) AcceptUniStream(ctx context.Context) (ReceiveStream, error) {
	return c.Connection.AcceptUniStream(ctx)
}

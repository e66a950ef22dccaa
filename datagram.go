package h3

import (
	"context"
	"fmt"
	"sync"

	"github.com/quic-go/quic-go/quicvarint"
)

// datagramMux demultiplexes HTTP Datagrams (RFC 9297) by their leading
// quarter-stream-id flow identifier, grounded in the original source's
// SendDatagramExt/RecvDatagramExt traits (h3-datagram/src/quic_traits.rs)
// and a per-flow channel demux pattern.
type datagramMux struct {
	transport Connection
	max       int

	mu       sync.Mutex
	perFlow  map[uint64]chan []byte
	done     chan struct{}
	closeErr error
}

func newDatagramMux(transport Connection, max int) *datagramMux {
	if max <= 0 {
		max = defaultMaxBufferedDatagrams
	}
	return &datagramMux{
		transport: transport,
		max:       max,
		perFlow:   make(map[uint64]chan []byte),
		done:      make(chan struct{}),
	}
}

// run pumps inbound datagrams off the transport until it errors, typically
// because the connection closed.
func (m *datagramMux) run() {
	for {
		b, err := m.transport.ReceiveDatagram(context.Background())
		if err != nil {
			m.mu.Lock()
			m.closeErr = err
			close(m.done)
			m.mu.Unlock()
			return
		}
		flowID, n, err := quicvarint.Parse(b)
		if err != nil {
			continue // malformed datagram; RFC 9297 has no connection-error path for this
		}
		m.deliver(flowID, b[n:])
	}
}

func (m *datagramMux) channelFor(flowID uint64) chan []byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	ch, ok := m.perFlow[flowID]
	if !ok {
		ch = make(chan []byte, m.max)
		m.perFlow[flowID] = ch
	}
	return ch
}

func (m *datagramMux) deliver(flowID uint64, payload []byte) {
	ch := m.channelFor(flowID)
	cp := make([]byte, len(payload))
	copy(cp, payload)
	select {
	case ch <- cp:
	default:
		// Buffer full for this flow: drop, matching datagrams' unreliable,
		// unordered delivery contract.
	}
}

// send writes payload as an HTTP Datagram on flowID.
func (m *datagramMux) send(flowID uint64, payload []byte) error {
	b := quicvarint.Append(make([]byte, 0, quicvarint.Len(flowID)+len(payload)), flowID)
	b = append(b, payload...)
	return m.transport.SendDatagram(b)
}

// receive blocks until a datagram arrives for flowID, ctx is done, or the
// mux has stopped because the transport closed.
func (m *datagramMux) receive(ctx context.Context, flowID uint64) ([]byte, error) {
	ch := m.channelFor(flowID)
	select {
	case b := <-ch:
		return b, nil
	case <-m.done:
		m.mu.Lock()
		err := m.closeErr
		m.mu.Unlock()
		if err == nil {
			err = fmt.Errorf("h3: datagram channel closed")
		}
		return nil, err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// SendDatagram sends an HTTP Datagram associated with flowID (typically a
// request stream's quarter stream id, per RFC 9297 Section 5).
func (c *Conn) SendDatagram(flowID uint64, payload []byte) error {
	return c.dg.send(flowID, payload)
}

// ReceiveDatagram blocks until a datagram for flowID arrives.
func (c *Conn) ReceiveDatagram(ctx context.Context, flowID uint64) ([]byte, error) {
	return c.dg.receive(ctx, flowID)
}

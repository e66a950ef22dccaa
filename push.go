package h3

import (
	"bytes"
	"sync"
)

// pushState tracks the minimal server-push bookkeeping this driver
// implements: advertising and observing MAX_PUSH_ID, and deciding whether
// an inbound push stream should be buffered or rejected, buffering once a
// MAX_PUSH_ID has been sent, and resetting with H3_ID_ERROR otherwise).
// Actually emitting pushes is out of scope; see DESIGN.md.
type pushState struct {
	mu               sync.Mutex
	localMaxPushID   *uint64 // highest MAX_PUSH_ID this endpoint has sent
	peerMaxPushID    *uint64 // highest MAX_PUSH_ID observed from the peer
	pending          map[uint64]ReceiveStream
	maxBufferedPushes int
}

func newPushState() *pushState {
	return &pushState{pending: make(map[uint64]ReceiveStream), maxBufferedPushes: 16}
}

// AdvertiseMaxPushID records that maxID has been sent to the peer on the
// control stream. Callers are responsible for actually writing the
// MAX_PUSH_ID frame (see writeMaxPushIDFrame).
func (p *pushState) advertiseMaxPushID(maxID uint64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.localMaxPushID = &maxID
}

func (p *pushState) setPeerMaxPushID(id uint64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.peerMaxPushID = &id
}

// bufferIfAdvertised buffers an inbound push stream keyed by its push id,
// provided this endpoint has advertised a MAX_PUSH_ID and the buffer is not
// already full. It reports false when the caller should instead reset the
// stream with H3_ID_ERROR.
func (p *pushState) bufferIfAdvertised(pushID uint64, str ReceiveStream) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.localMaxPushID == nil || pushID > *p.localMaxPushID {
		return false
	}
	if len(p.pending) >= p.maxBufferedPushes {
		return false
	}
	p.pending[pushID] = str
	return true
}

// Take returns and forgets the buffered push stream for pushID, if any.
func (p *pushState) take(pushID uint64) (ReceiveStream, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	str, ok := p.pending[pushID]
	if ok {
		delete(p.pending, pushID)
	}
	return str, ok
}

// AdvertiseMaxPushID sends a MAX_PUSH_ID frame on the control stream and
// records it, enabling buffering of push streams up to maxID.
func (c *Conn) AdvertiseMaxPushID(maxID uint64) error {
	c.controlWriteMu.Lock()
	defer c.controlWriteMu.Unlock()
	var buf bytes.Buffer
	if err := writeMaxPushIDFrame(&buf, maxID); err != nil {
		return err
	}
	if _, err := c.controlSend.Write(buf.Bytes()); err != nil {
		return err
	}
	c.push.advertiseMaxPushID(maxID)
	return nil
}

// CancelPush sends a CANCEL_PUSH frame for pushID and discards any
// already-buffered push stream for it.
func (c *Conn) CancelPush(pushID uint64) error {
	c.controlWriteMu.Lock()
	defer c.controlWriteMu.Unlock()
	var buf bytes.Buffer
	if err := writeCancelPushFrame(&buf, pushID); err != nil {
		return err
	}
	if _, err := c.controlSend.Write(buf.Bytes()); err != nil {
		return err
	}
	if str, ok := c.push.take(pushID); ok {
		str.CancelRead(0)
	}
	return nil
}

// AcceptPushStream returns and forgets the buffered push stream for pushID,
// if one has arrived. The stream's leading HEADERS frame is not read or
// decoded; the caller receives the stream positioned after the push id.
func (c *Conn) AcceptPushStream(pushID uint64) (ReceiveStream, bool) {
	return c.push.take(pushID)
}

package h3

import (
	"sync"

	"github.com/quic-go/quic-go/quicvarint"
)

// greaseState is the explicit state machine for the at-most-once-per-
// connection grease stream. It is named directly after the
// GreaseStatus enum in the original source (h3/src/connection.rs): keeping
// it as an explicit enum rather than a handful of booleans is what makes
// "any transition failure goes to Abandoned and never retries" easy to get
// right.
type greaseState int

const (
	greaseNotStarted greaseState = iota
	greaseStarted
	greaseDataPrepared
	greaseDataSent
	greaseFinished
	greaseAbandoned
)

// greasePump drives the grease stream state machine one step per call. The
// driver steps it only from its runGrease goroutine, so the state is
// written by one goroutine; mu guards it against concurrent reads through
// currentState.
type greasePump struct {
	mu    sync.Mutex
	state greaseState
	str   SendStream
}

func newGreasePump(enabled bool) *greasePump {
	if !enabled {
		return &greasePump{state: greaseAbandoned}
	}
	return &greasePump{state: greaseNotStarted}
}

func (g *greasePump) currentState() greaseState {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.state
}

func (g *greasePump) setState(s greaseState) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.state = s
}

// step advances the grease stream by exactly one state transition. It is
// best-effort: any transport failure abandons the grease stream forever
// and it is never retried.
func (g *greasePump) step(conn Connection) {
	switch g.currentState() {
	case greaseNotStarted:
		str, err := conn.OpenUniStream()
		if err != nil {
			g.setState(greaseAbandoned)
			return
		}
		b := quicvarint.Append(nil, uint64(greaseStreamType))
		if _, err := str.Write(b); err != nil {
			g.setState(greaseAbandoned)
			return
		}
		g.mu.Lock()
		g.str = str
		g.state = greaseStarted
		g.mu.Unlock()

	case greaseStarted:
		if err := writeGreaseFrame(g.str); err != nil {
			g.setState(greaseAbandoned)
			return
		}
		g.setState(greaseDataPrepared)

	case greaseDataPrepared:
		// Data has already been handed to the transport by the Started
		// step's Write call; this step exists so progress is observable
		// one transition at a time, matching the original's explicit
		// DataPrepared -> DataSent split (which corresponds to a
		// poll_ready boundary that Go's synchronous Write already
		// resolves for us).
		g.setState(greaseDataSent)

	case greaseDataSent:
		if err := g.str.Close(); err != nil {
			g.setState(greaseAbandoned)
			return
		}
		g.setState(greaseFinished)

	case greaseFinished, greaseAbandoned:
		// terminal; nothing to do.
	}
}

// greaseStreamType is the unidirectional stream-type varint used for the
// grease stream, following the 0x1f*N + 0x21 pattern with N = 0.
const greaseStreamType StreamType = 0x21

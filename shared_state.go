package h3

import "sync"

// sharedState is the process-local, per-connection record shared by the
// driver and every live request stream.
// It is guarded by a reader-writer lock: request streams only ever read
// peerSettings/closing/err, the driver is the only writer outside of the
// one-way error-report channel described in conn.go.
type sharedState struct {
	mu sync.RWMutex

	peerSettings Settings // nil until the AwaitingSettings -> Open transition
	closing      bool
	err          *connError // terminal error; first write wins, never overwritten
}

func newSharedState() *sharedState {
	return &sharedState{}
}

// publishPeerSettings makes settings visible to readers. Called exactly
// once, on the control stream's AwaitingSettings -> Open transition.
func (s *sharedState) publishPeerSettings(settings Settings) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.peerSettings = settings
}

// peerSettingsSnapshot returns the most recently published peer settings,
// or nil if none have been received yet.
func (s *sharedState) peerSettingsSnapshot() Settings {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.peerSettings
}

// setClosing transitions closing from false to true. Repeated calls are a
// no-op; the transition never reverses.
func (s *sharedState) setClosing() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closing = true
}

func (s *sharedState) isClosing() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.closing
}

// latchError sets the terminal error if none is set yet. It reports
// whether this call was the one that set it (first-writer-wins).
func (s *sharedState) latchError(err *connError) (won bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return false
	}
	s.err = err
	s.closing = true
	return true
}

// terminalError returns the latched terminal error, or nil if the
// connection has not yet failed.
func (s *sharedState) terminalError() *connError {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.err
}

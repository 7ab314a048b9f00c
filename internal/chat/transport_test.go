package chat

import (
	"sync"
	"time"
)

// fakeTransport records frames in memory. An optional gate makes WriteFrame
// block, standing in for a stalled peer.
type fakeTransport struct {
	mu      sync.Mutex
	frames  []Frame
	writes  int
	closed  int
	reason  string
	gate    chan struct{}
	gateSet bool
}

func newFakeTransport() *fakeTransport { return &fakeTransport{} }

func newStalledTransport() *fakeTransport {
	return &fakeTransport{gate: make(chan struct{}), gateSet: true}
}

func (t *fakeTransport) WriteFrame(f Frame) error {
	t.mu.Lock()
	t.writes++
	gate := t.gate
	t.mu.Unlock()

	if gate != nil {
		<-gate
	}

	t.mu.Lock()
	t.frames = append(t.frames, f)
	t.mu.Unlock()
	return nil
}

func (t *fakeTransport) Close(reason string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closed++
	t.reason = reason
	return nil
}

func (t *fakeTransport) release() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.gateSet {
		close(t.gate)
		t.gateSet = false
		t.gate = nil
	}
}

func (t *fakeTransport) writeAttempts() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.writes
}

func (t *fakeTransport) closeCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closed
}

func (t *fakeTransport) closeReason() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.reason
}

func (t *fakeTransport) snapshot() []Frame {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]Frame, len(t.frames))
	copy(out, t.frames)
	return out
}

// messages filters the delivered rooms/message frames.
func (t *fakeTransport) messages() []*Message {
	var msgs []*Message
	for _, f := range t.snapshot() {
		if f.Event == EventMessage {
			msgs = append(msgs, f.Body.(*Message))
		}
	}
	return msgs
}

// waitMessages polls until n rooms/message frames arrived or the deadline
// passed.
func (t *fakeTransport) waitMessages(n int) bool {
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if len(t.messages()) >= n {
			return true
		}
		time.Sleep(2 * time.Millisecond)
	}
	return false
}

func (t *fakeTransport) waitEvent(event string) bool {
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		for _, f := range t.snapshot() {
			if f.Event == event {
				return true
			}
		}
		time.Sleep(2 * time.Millisecond)
	}
	return false
}

func waitFor(cond func() bool) bool {
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return true
		}
		time.Sleep(2 * time.Millisecond)
	}
	return false
}

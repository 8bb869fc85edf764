package transport

import (
	"sync"
	"testing"
	"time"

	"github.com/backkem/datachannel/pkg/message"
)

// fakeLower is an in-memory terminal layer for testing stacked layers.
type fakeLower struct {
	layer

	mu   sync.Mutex
	sent [][]byte
}

func newFakeLower() *fakeLower {
	return &fakeLower{layer: newLayer(nil, nil)}
}

func (f *fakeLower) Start() error {
	f.changeState(StateConnected)
	return nil
}

func (f *fakeLower) Stop() error {
	f.changeState(StateDisconnected)
	return nil
}

func (f *fakeLower) Send(m *message.Message) error {
	f.mu.Lock()
	f.sent = append(f.sent, m.Payload)
	f.mu.Unlock()
	return nil
}

// inject delivers bytes upward as if read from the wire.
func (f *fakeLower) inject(p []byte) {
	f.deliver(message.NewBinary(p))
}

func (f *fakeLower) sentData() [][]byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([][]byte, len(f.sent))
	copy(out, f.sent)
	return out
}

var _ Transport = (*fakeLower)(nil)

// waitState waits for the observer channel to deliver the wanted state.
func waitState(t *testing.T, ch <-chan State, want State) {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		select {
		case got := <-ch:
			if got == want {
				return
			}
		case <-deadline:
			t.Fatalf("timed out waiting for state %s", want)
		}
	}
}

// observeStates registers a buffered state observer on the transport.
func observeStates(tr Transport) <-chan State {
	ch := make(chan State, 16)
	tr.OnStateChange(func(s State) { ch <- s })
	return ch
}

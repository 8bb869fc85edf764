// Package transport implements the layered transport stack used by the
// WebSocket client: a terminal TCP layer, an optional TLS layer, and a
// WebSocket framing layer stacked on top.
//
// Each layer implements the Transport contract. Outgoing messages descend
// through Send; incoming data ascends through the receive callback; state
// transitions are reported upward through the state-change callback. A
// layer holds its lower layer strongly and stops it on teardown.
package transport

import (
	"sync"

	"github.com/backkem/datachannel/pkg/message"
	"github.com/pion/logging"
)

// Transport is the contract implemented by every protocol layer.
type Transport interface {
	// Start runs the layer's opening action in the background. The
	// outcome is reported through the state-change callback as
	// StateConnected or StateFailed.
	Start() error

	// Stop tears the layer down, stopping its lower layer as well.
	// It is idempotent and safe to call from any goroutine except one
	// running a callback of this same layer.
	Stop() error

	// Send passes a message down the stack. It fails cleanly with
	// ErrStopped or ErrNotConnected when the layer cannot accept it.
	Send(m *message.Message) error

	// OnRecv installs the upward delivery callback.
	OnRecv(fn func(*message.Message))

	// OnStateChange installs the state observer. Callbacks are invoked
	// exactly once per transition, in transition order.
	OnStateChange(fn func(State))

	// State returns the current state.
	State() State

	// Err returns the error that drove the layer to StateFailed,
	// or nil.
	Err() error
}

// layer carries the state machine and callback registration shared by all
// transport layers.
type layer struct {
	lower Transport
	log   logging.LeveledLogger

	mu      sync.Mutex
	state   State
	err     error
	recv    func(*message.Message)
	observe func(State)

	// notifyMu serializes state-change callbacks so observers see
	// transitions in order.
	notifyMu sync.Mutex
}

func newLayer(lower Transport, log logging.LeveledLogger) layer {
	return layer{lower: lower, log: log, state: StateConnecting}
}

// OnRecv installs the upward delivery callback.
func (l *layer) OnRecv(fn func(*message.Message)) {
	l.mu.Lock()
	l.recv = fn
	l.mu.Unlock()
}

// OnStateChange installs the state observer.
func (l *layer) OnStateChange(fn func(State)) {
	l.mu.Lock()
	l.observe = fn
	l.mu.Unlock()
}

// State returns the current state.
func (l *layer) State() State {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

// Err returns the error that drove the layer to StateFailed, if any.
func (l *layer) Err() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.err
}

// fail records the cause and transitions to StateFailed.
func (l *layer) fail(err error) {
	l.mu.Lock()
	if l.err == nil {
		l.err = err
	}
	l.mu.Unlock()
	if l.log != nil {
		l.log.Errorf("%v", err)
	}
	l.changeState(StateFailed)
}

// deliver passes a message to the upper layer, if one is listening.
func (l *layer) deliver(m *message.Message) {
	l.mu.Lock()
	fn := l.recv
	l.mu.Unlock()
	if fn != nil {
		fn(m)
	}
}

// changeState transitions the state machine and notifies the observer.
// Duplicate transitions and transitions to StateConnected after a
// terminal state are rejected. Returns whether the transition happened.
func (l *layer) changeState(s State) bool {
	l.notifyMu.Lock()
	defer l.notifyMu.Unlock()

	l.mu.Lock()
	if l.state == s {
		l.mu.Unlock()
		return false
	}
	if s == StateConnected && (l.state == StateFailed || l.state == StateDisconnected) {
		l.mu.Unlock()
		return false
	}
	l.state = s
	fn := l.observe
	l.mu.Unlock()

	if l.log != nil {
		l.log.Debugf("state changed to %s", s)
	}
	if fn != nil {
		fn(s)
	}
	return true
}

func scopedLogger(factory logging.LoggerFactory, scope string) logging.LeveledLogger {
	if factory == nil {
		return nil
	}
	return factory.NewLogger(scope)
}

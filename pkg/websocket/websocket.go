// Package websocket implements a standalone WebSocket client on top of
// the layered transport stack: TCP, then TLS for the wss scheme, then
// the WebSocket framing layer.
//
// The client owns the stack, sequences layer initialization from state
// callbacks, buffers received messages in a queue, and drives the
// user-visible state machine (Closed, Connecting, Open, Closing).
package websocket

import (
	"sync"
	"sync/atomic"

	"github.com/backkem/datachannel/pkg/description"
	"github.com/backkem/datachannel/pkg/message"
	"github.com/backkem/datachannel/pkg/transport"
	"github.com/backkem/datachannel/pkg/worker"
	"github.com/pion/logging"
)

// State is the user-visible connection state.
type State int32

const (
	// StateClosed means the client is idle and may be opened.
	StateClosed State = iota
	// StateConnecting means the transport stack is being established.
	StateConnecting
	// StateOpen means messages can be sent and received.
	StateOpen
	// StateClosing means a local or remote close is in progress.
	StateClosing
)

// String returns a human-readable name for the state.
func (s State) String() string {
	switch s {
	case StateClosed:
		return "Closed"
	case StateConnecting:
		return "Connecting"
	case StateOpen:
		return "Open"
	case StateClosing:
		return "Closing"
	default:
		return "Unknown"
	}
}

// Configuration carries the recognized client options.
type Configuration struct {
	// DisableTLSVerification selects the unverified TLS layer for wss
	// connections.
	DisableTLSVerification bool

	// LoggerFactory is the factory for creating loggers.
	// If nil, logging is disabled.
	LoggerFactory logging.LoggerFactory
}

// Teardown runs on a shared pool so a transport is never joined from a
// callback dispatched by itself.
var (
	poolOnce     sync.Once
	teardownPool *worker.Pool
)

func sharedPool() *worker.Pool {
	poolOnce.Do(func() { teardownPool = worker.NewPool(worker.DefaultSize) })
	return teardownPool
}

// WebSocket is a client-side WebSocket connection.
type WebSocket struct {
	config Configuration
	log    logging.LeveledLogger

	state atomic.Int32

	// gen invalidates transport callbacks installed before a teardown:
	// a callback whose generation no longer matches returns without
	// effect.
	gen atomic.Uint64

	recvQueue *message.Queue

	// initMu serializes layer construction so a race between Open and
	// Close cannot produce orphan transports.
	initMu sync.Mutex

	// handleMu guards the three layer slots.
	handleMu sync.Mutex
	tcp      *transport.TCP
	tls      *transport.TLS
	ws       *transport.WS

	remote wsURL

	cbMu        sync.Mutex
	onOpen      func()
	onClosed    func()
	onError     func(error)
	onAvailable func(count int)
}

// New creates a WebSocket client. Use Open to connect.
func New(config Configuration) *WebSocket {
	w := &WebSocket{
		config:    config,
		recvQueue: message.NewQueue(),
	}
	if config.LoggerFactory != nil {
		w.log = config.LoggerFactory.NewLogger("websocket")
	}
	return w
}

// OnOpen installs the callback invoked when the connection opens.
func (w *WebSocket) OnOpen(fn func()) {
	w.cbMu.Lock()
	w.onOpen = fn
	w.cbMu.Unlock()
}

// OnClosed installs the callback invoked when the connection closes.
func (w *WebSocket) OnClosed(fn func()) {
	w.cbMu.Lock()
	w.onClosed = fn
	w.cbMu.Unlock()
}

// OnError installs the callback invoked on connection errors.
func (w *WebSocket) OnError(fn func(error)) {
	w.cbMu.Lock()
	w.onError = fn
	w.cbMu.Unlock()
}

// OnMessageAvailable installs the callback invoked with the queue length
// after a message is enqueued.
func (w *WebSocket) OnMessageAvailable(fn func(count int)) {
	w.cbMu.Lock()
	w.onAvailable = fn
	w.cbMu.Unlock()
}

// ReadyState returns the current state.
func (w *WebSocket) ReadyState() State {
	return State(w.state.Load())
}

// IsOpen reports whether messages can currently be sent.
func (w *WebSocket) IsOpen() bool { return w.ReadyState() == StateOpen }

// IsClosed reports whether the client is idle.
func (w *WebSocket) IsClosed() bool { return w.ReadyState() == StateClosed }

// MaxMessageSize returns the maximum size of an outgoing message.
func (w *WebSocket) MaxMessageSize() int {
	return description.DefaultMaxMessageSize
}

// Open parses the URL and starts connecting. The outcome is reported
// through OnOpen or OnError. A malformed URL leaves the state unchanged;
// opening a client that is not closed fails with ErrInvalidState.
func (w *WebSocket) Open(rawURL string) error {
	u, err := parseURL(rawURL)
	if err != nil {
		return err
	}

	if !w.state.CompareAndSwap(int32(StateClosed), int32(StateConnecting)) {
		return ErrInvalidState
	}
	if w.log != nil {
		w.log.Infof("connecting to %s", rawURL)
	}

	w.remote = u
	w.initTCPTransport()
	return nil
}

// Close initiates the closing handshake. It is idempotent and safe from
// any goroutine.
func (w *WebSocket) Close() {
	for {
		s := w.ReadyState()
		if s == StateClosed || s == StateClosing {
			return
		}
		if w.state.CompareAndSwap(int32(s), int32(StateClosing)) {
			break
		}
	}

	if w.log != nil {
		w.log.Debugf("closing")
	}

	w.handleMu.Lock()
	ws := w.ws
	w.handleMu.Unlock()

	if ws == nil || ws.Close(1000) != nil {
		// No WebSocket layer to run the closing handshake with.
		w.closeTransports()
	}
}

// remoteClose tears the connection down after a remote close or a
// failure.
func (w *WebSocket) remoteClose() {
	if w.ReadyState() != StateClosed {
		w.Close()
		w.closeTransports()
	}
}

// Send sends a text or binary message. The client must be open.
func (w *WebSocket) Send(m *message.Message) error {
	if w.ReadyState() != StateOpen {
		return ErrNotOpen
	}
	if m.Size() > w.MaxMessageSize() {
		return ErrTooLarge
	}

	w.handleMu.Lock()
	ws := w.ws
	w.handleMu.Unlock()
	if ws == nil {
		return ErrNotOpen
	}
	return ws.Send(m)
}

// SendText sends a text message.
func (w *WebSocket) SendText(s string) error {
	return w.Send(message.NewText(s))
}

// SendBinary sends a binary message.
func (w *WebSocket) SendBinary(p []byte) error {
	return w.Send(message.NewBinary(p))
}

// Receive pops the oldest buffered message. The second return value is
// false when no message is buffered.
func (w *WebSocket) Receive() (*message.Message, bool) {
	return w.recvQueue.Pop()
}

// AvailableAmount returns the buffered payload bytes, for backpressure.
func (w *WebSocket) AvailableAmount() int {
	return w.recvQueue.Amount()
}

// incoming buffers data messages delivered by the WebSocket layer.
func (w *WebSocket) incoming(m *message.Message) {
	if m.Kind != message.KindText && m.Kind != message.KindBinary {
		return
	}
	w.recvQueue.Push(m)
	w.triggerAvailable(w.recvQueue.Len())
}

// initTCPTransport constructs and starts the terminal TCP layer.
func (w *WebSocket) initTCPTransport() *transport.TCP {
	w.initMu.Lock()
	defer w.initMu.Unlock()

	w.handleMu.Lock()
	existing := w.tcp
	w.handleMu.Unlock()
	if existing != nil {
		return existing
	}

	gen := w.gen.Load()
	t := transport.NewTCP(transport.TCPConfig{
		Host:          w.remote.hostname,
		Service:       w.remote.service,
		LoggerFactory: w.config.LoggerFactory,
	})
	t.OnStateChange(func(s transport.State) {
		if w.gen.Load() != gen {
			return
		}
		switch s {
		case transport.StateConnected:
			if w.remote.scheme == "ws" {
				w.initWSTransport()
			} else {
				w.initTLSTransport()
			}
		case transport.StateFailed:
			w.triggerError(&NetworkError{Cause: "TCP connection failed", Err: t.Err()})
			w.remoteClose()
		case transport.StateDisconnected:
			w.remoteClose()
		}
	})

	if !w.adopt(func() { w.tcp = t }) {
		return nil
	}
	if err := t.Start(); err != nil {
		w.remoteClose()
		return nil
	}
	return t
}

// initTLSTransport stacks the TLS layer on TCP for wss connections.
func (w *WebSocket) initTLSTransport() *transport.TLS {
	w.initMu.Lock()
	defer w.initMu.Unlock()

	w.handleMu.Lock()
	existing := w.tls
	lower := w.tcp
	w.handleMu.Unlock()
	if existing != nil {
		return existing
	}
	if lower == nil {
		return nil
	}

	gen := w.gen.Load()
	config := transport.TLSConfig{
		Lower:         lower,
		Host:          w.remote.host,
		LoggerFactory: w.config.LoggerFactory,
	}
	var t *transport.TLS
	if w.config.DisableTLSVerification {
		if w.log != nil {
			w.log.Warnf("TLS certificate verification is disabled")
		}
		t = transport.NewTLS(config)
	} else {
		t = transport.NewVerifiedTLS(config)
	}
	t.OnStateChange(func(s transport.State) {
		if w.gen.Load() != gen {
			return
		}
		switch s {
		case transport.StateConnected:
			w.initWSTransport()
		case transport.StateFailed:
			w.triggerError(&NetworkError{Cause: "TLS handshake failed", Err: t.Err()})
			w.remoteClose()
		case transport.StateDisconnected:
			w.remoteClose()
		}
	})

	if !w.adopt(func() { w.tls = t }) {
		return nil
	}
	if err := t.Start(); err != nil {
		w.remoteClose()
		return nil
	}
	return t
}

// initWSTransport stacks the framing layer on TCP or TLS.
func (w *WebSocket) initWSTransport() *transport.WS {
	w.initMu.Lock()
	defer w.initMu.Unlock()

	w.handleMu.Lock()
	existing := w.ws
	var lower transport.Transport
	if w.tls != nil {
		lower = w.tls
	} else if w.tcp != nil {
		lower = w.tcp
	}
	w.handleMu.Unlock()
	if existing != nil {
		return existing
	}
	if lower == nil {
		return nil
	}

	gen := w.gen.Load()
	t := transport.NewWS(transport.WSConfig{
		Lower:         lower,
		Host:          w.remote.host,
		Path:          w.remote.path,
		LoggerFactory: w.config.LoggerFactory,
	})
	t.OnRecv(func(m *message.Message) {
		if w.gen.Load() != gen {
			return
		}
		w.incoming(m)
	})
	t.OnStateChange(func(s transport.State) {
		if w.gen.Load() != gen {
			return
		}
		switch s {
		case transport.StateConnected:
			if w.state.CompareAndSwap(int32(StateConnecting), int32(StateOpen)) {
				if w.log != nil {
					w.log.Infof("open")
				}
				w.triggerOpen()
			}
		case transport.StateFailed:
			w.triggerError(&NetworkError{Cause: "WebSocket connection failed", Err: t.Err()})
			w.remoteClose()
		case transport.StateDisconnected:
			if code, ok := t.RemoteCloseCode(); ok && code != 1000 && code != 1005 {
				w.triggerError(&CloseError{Code: code})
			}
			w.remoteClose()
		}
	})

	if !w.adopt(func() { w.ws = t }) {
		return nil
	}
	if err := t.Start(); err != nil {
		w.remoteClose()
		return nil
	}
	return t
}

// adopt stores a layer handle unless the client closed while the layer
// was being constructed; a layer adopted after close would leak its
// goroutines and deliver callbacks into a dead client.
func (w *WebSocket) adopt(store func()) bool {
	w.handleMu.Lock()
	if w.ReadyState() == StateClosed {
		w.handleMu.Unlock()
		return false
	}
	store()
	w.handleMu.Unlock()
	return true
}

// closeTransports finishes the state machine and tears the stack down.
// The layer stops run on the shared pool so that the callback that
// triggered the teardown can unwind first.
func (w *WebSocket) closeTransports() {
	prior := State(w.state.Swap(int32(StateClosed)))
	if prior != StateClosed {
		if w.log != nil {
			w.log.Infof("closed")
		}
		w.triggerClosed()
	}

	// Invalidate pending callbacks before the layers go away.
	w.gen.Add(1)
	w.resetCallbacks()

	w.handleMu.Lock()
	ws, tls, tcp := w.ws, w.tls, w.tcp
	w.ws, w.tls, w.tcp = nil, nil, nil
	w.handleMu.Unlock()

	if ws == nil && tls == nil && tcp == nil {
		return
	}
	sharedPool().Submit(func() {
		if ws != nil {
			ws.Stop()
		}
		if tls != nil {
			tls.Stop()
		}
		if tcp != nil {
			tcp.Stop()
		}
	})
}

func (w *WebSocket) resetCallbacks() {
	w.cbMu.Lock()
	w.onOpen = nil
	w.onClosed = nil
	w.onError = nil
	w.onAvailable = nil
	w.cbMu.Unlock()
}

func (w *WebSocket) triggerOpen() {
	w.cbMu.Lock()
	fn := w.onOpen
	w.cbMu.Unlock()
	if fn != nil {
		fn()
	}
}

func (w *WebSocket) triggerClosed() {
	w.cbMu.Lock()
	fn := w.onClosed
	w.cbMu.Unlock()
	if fn != nil {
		fn()
	}
}

func (w *WebSocket) triggerError(err error) {
	if w.log != nil {
		w.log.Errorf("%v", err)
	}
	w.cbMu.Lock()
	fn := w.onError
	w.cbMu.Unlock()
	if fn != nil {
		fn(err)
	}
}

func (w *WebSocket) triggerAvailable(count int) {
	w.cbMu.Lock()
	fn := w.onAvailable
	w.cbMu.Unlock()
	if fn != nil {
		fn(count)
	}
}

package transport

import (
	"bufio"
	"crypto/rand"
	"crypto/sha1" //nolint:gosec // SHA-1 is mandated by RFC 6455 for the accept token
	"encoding/base64"
	"encoding/binary"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/backkem/datachannel/pkg/message"
	"github.com/pion/logging"
	"github.com/pion/randutil"
)

// websocketGUID is the fixed GUID of the WebSocket protocol (RFC 6455).
const websocketGUID = "258EAFA5-E914-47DA-95CA-C5AB0DC85B11"

// WSConfig configures the WebSocket transport.
type WSConfig struct {
	// Lower is the byte transport to wrap (TCP or TLS). Required.
	Lower Transport

	// Host is the authority to place in the Host header.
	Host string

	// Path is the request target, including any query.
	Path string

	// LoggerFactory is the factory for creating loggers.
	// If nil, logging is disabled.
	LoggerFactory logging.LoggerFactory
}

// WS performs the WebSocket opening handshake on its lower byte
// transport and then speaks the RFC 6455 frame protocol: outgoing
// messages become masked frames, incoming frames are reassembled into
// messages and delivered upward.
type WS struct {
	layer

	host string
	path string

	stream *streamConn
	br     *bufio.Reader

	writeMu sync.Mutex
	mask    randutil.MathRandomGenerator

	closeMu     sync.Mutex
	closeSent   bool
	remoteCode  uint16
	remoteKnown bool

	stopMu  sync.Mutex
	stopped bool
	done    chan struct{}
	wg      sync.WaitGroup
}

// NewWS creates a WebSocket transport over the given lower layer.
func NewWS(config WSConfig) *WS {
	return &WS{
		layer: newLayer(config.Lower, scopedLogger(config.LoggerFactory, "transport-ws")),
		host:  config.Host,
		path:  config.Path,
		mask:  randutil.NewMathRandomGenerator(),
		done:  make(chan struct{}),
	}
}

// Start performs the opening handshake in the background.
func (w *WS) Start() error {
	w.stopMu.Lock()
	if w.stopped {
		w.stopMu.Unlock()
		return ErrStopped
	}
	w.stopMu.Unlock()

	w.stream = newStreamConn(w.lower)
	w.br = bufio.NewReader(w.stream)

	w.wg.Add(1)
	go w.handshake()
	return nil
}

func (w *WS) handshake() {
	defer w.wg.Done()

	if err := w.doHandshake(); err != nil {
		if !w.isStopped() {
			w.fail(err)
			w.stream.Close()
			w.lower.Stop()
		}
		return
	}

	if w.log != nil {
		w.log.Infof("WebSocket open with %s", w.host)
	}
	if !w.changeState(StateConnected) {
		return
	}

	w.wg.Add(1)
	go w.readLoop()
}

// doHandshake sends the HTTP/1.1 upgrade request and validates the
// 101 response.
func (w *WS) doHandshake() error {
	var keyBytes [16]byte
	if _, err := rand.Read(keyBytes[:]); err != nil {
		return fmt.Errorf("%w: %v", ErrHandshakeFailed, err)
	}
	key := base64.StdEncoding.EncodeToString(keyBytes[:])

	var req strings.Builder
	req.WriteString("GET " + w.path + " HTTP/1.1\r\n")
	req.WriteString("Host: " + w.host + "\r\n")
	req.WriteString("Connection: Upgrade\r\n")
	req.WriteString("Upgrade: websocket\r\n")
	req.WriteString("Sec-WebSocket-Version: 13\r\n")
	req.WriteString("Sec-WebSocket-Key: " + key + "\r\n")
	req.WriteString("\r\n")

	if err := w.lower.Send(message.NewBinary([]byte(req.String()))); err != nil {
		return fmt.Errorf("%w: %v", ErrHandshakeFailed, err)
	}

	w.stream.SetReadDeadline(time.Now().Add(handshakeTimeout))
	defer w.stream.SetReadDeadline(time.Time{})

	resp, err := http.ReadResponse(w.br, nil)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrHandshakeFailed, err)
	}
	resp.Body.Close()

	if resp.StatusCode != http.StatusSwitchingProtocols {
		return fmt.Errorf("%w: unexpected status %s", ErrHandshakeFailed, resp.Status)
	}
	if !strings.EqualFold(resp.Header.Get("Upgrade"), "websocket") {
		return fmt.Errorf("%w: missing upgrade header", ErrHandshakeFailed)
	}
	if accept := resp.Header.Get("Sec-WebSocket-Accept"); accept != computeAccept(key) {
		return fmt.Errorf("%w: bad Sec-WebSocket-Accept", ErrHandshakeFailed)
	}
	return nil
}

// computeAccept derives the expected Sec-WebSocket-Accept token for a
// handshake key.
func computeAccept(key string) string {
	h := sha1.Sum([]byte(key + websocketGUID)) //nolint:gosec
	return base64.StdEncoding.EncodeToString(h[:])
}

func (w *WS) readLoop() {
	defer w.wg.Done()

	var fragOpcode byte
	var fragBuf []byte
	fragment := false

	for {
		f, err := readFrame(w.br)
		if err != nil {
			if w.isStopped() {
				w.changeState(StateDisconnected)
				return
			}
			switch {
			case errors.Is(err, ErrMessageTooLarge):
				w.failClose(closeMessageTooLarge, err)
			case errors.Is(err, ErrProtocol):
				w.protocolFailure(err)
			default:
				// The connection went away without a closing handshake.
				w.fail(fmt.Errorf("%w: %v", ErrReset, err))
			}
			return
		}

		if f.isControl() {
			if done := w.handleControl(f); done {
				return
			}
			continue
		}

		switch f.opcode {
		case opText, opBinary:
			if fragment {
				w.protocolFailure(fmt.Errorf("%w: new data frame inside fragmented message", ErrProtocol))
				return
			}
			if f.final {
				w.dispatch(f.opcode, f.payload)
				continue
			}
			fragment = true
			fragOpcode = f.opcode
			fragBuf = append([]byte(nil), f.payload...)

		case opContinuation:
			if !fragment {
				w.protocolFailure(fmt.Errorf("%w: continuation without initial frame", ErrProtocol))
				return
			}
			if len(fragBuf)+len(f.payload) > LocalMaxMessageSize {
				w.failClose(closeMessageTooLarge,
					fmt.Errorf("%w: fragmented message too large", ErrMessageTooLarge))
				return
			}
			fragBuf = append(fragBuf, f.payload...)
			if f.final {
				w.dispatch(fragOpcode, fragBuf)
				fragment = false
				fragBuf = nil
			}

		default:
			w.protocolFailure(fmt.Errorf("%w: unknown opcode %#x", ErrProtocol, f.opcode))
			return
		}
	}
}

// dispatch validates and delivers an assembled data message.
func (w *WS) dispatch(opcode byte, payload []byte) {
	if opcode == opText {
		m := &message.Message{Kind: message.KindText, Payload: payload}
		if !m.ValidText() {
			w.failClose(closeInvalidPayload,
				fmt.Errorf("%w: invalid UTF-8 in text message", ErrProtocol))
			return
		}
		w.deliver(m)
		return
	}
	w.deliver(message.NewBinary(payload))
}

// handleControl processes a control frame. Returns true when the read
// loop should exit.
func (w *WS) handleControl(f *wsFrame) bool {
	switch f.opcode {
	case opPing:
		if w.log != nil {
			w.log.Debugf("answering ping with pong")
		}
		w.writeFrame(opPong, f.payload)
		w.deliver(message.NewControl(message.KindPing, f.payload))
		return false

	case opPong:
		w.deliver(message.NewControl(message.KindPong, f.payload))
		return false

	case opClose:
		code := uint16(closeNoStatus)
		if len(f.payload) >= 2 {
			code = binary.BigEndian.Uint16(f.payload[:2])
		}
		w.closeMu.Lock()
		w.remoteCode = code
		w.remoteKnown = true
		alreadySent := w.closeSent
		w.closeSent = true
		w.closeMu.Unlock()

		if w.log != nil {
			w.log.Infof("received close with code %d", code)
		}
		if !alreadySent {
			// Echo the close code; an absent code is answered with an
			// empty close frame, since 1005 is never sent on the wire.
			var payload []byte
			if len(f.payload) >= 2 {
				payload = binary.BigEndian.AppendUint16(nil, code)
			}
			w.writeFrame(opClose, payload)
		}
		w.deliver(message.NewControl(message.KindClose, f.payload))
		w.changeState(StateDisconnected)
		return true

	default:
		w.protocolFailure(fmt.Errorf("%w: unknown control opcode %#x", ErrProtocol, f.opcode))
		return true
	}
}

// protocolFailure answers a violation with close code 1002 and fails the
// transport.
func (w *WS) protocolFailure(err error) {
	w.failClose(closeProtocolError, err)
}

func (w *WS) failClose(code uint16, err error) {
	if w.isStopped() {
		w.changeState(StateDisconnected)
		return
	}
	w.sendClose(code)
	w.fail(err)
}

// sendClose sends a close frame once.
func (w *WS) sendClose(code uint16) {
	w.closeMu.Lock()
	alreadySent := w.closeSent
	w.closeSent = true
	w.closeMu.Unlock()
	if alreadySent {
		return
	}
	w.writeFrame(opClose, binary.BigEndian.AppendUint16(nil, code))
}

// Close initiates the closing handshake with the given code. The remote
// echo completes it and moves the transport to StateDisconnected.
func (w *WS) Close(code uint16) error {
	if w.isStopped() {
		return ErrStopped
	}
	if w.State() != StateConnected {
		return ErrNotConnected
	}
	w.sendClose(code)
	return nil
}

// RemoteCloseCode returns the close code received from the peer, if any.
func (w *WS) RemoteCloseCode() (uint16, bool) {
	w.closeMu.Lock()
	defer w.closeMu.Unlock()
	return w.remoteCode, w.remoteKnown
}

// Send frames and writes a text or binary message.
func (w *WS) Send(m *message.Message) error {
	if w.isStopped() {
		return ErrStopped
	}
	if w.State() != StateConnected {
		return ErrNotConnected
	}
	if m.Size() > LocalMaxMessageSize {
		return fmt.Errorf("%w: %d bytes", ErrMessageTooLarge, m.Size())
	}

	var opcode byte
	switch m.Kind {
	case message.KindText:
		opcode = opText
	case message.KindBinary:
		opcode = opBinary
	case message.KindPing:
		opcode = opPing
	case message.KindPong:
		opcode = opPong
	case message.KindClose:
		w.sendClose(closeNormal)
		return nil
	}
	return w.writeFrame(opcode, m.Payload)
}

// writeFrame masks and writes a single final frame. Writes are
// serialized.
func (w *WS) writeFrame(opcode byte, payload []byte) error {
	w.writeMu.Lock()
	defer w.writeMu.Unlock()

	var maskKey [4]byte
	binary.BigEndian.PutUint32(maskKey[:], w.mask.Uint32())

	buf := appendFrame(make([]byte, 0, len(payload)+14), &wsFrame{
		final:   true,
		opcode:  opcode,
		payload: payload,
	}, maskKey)
	return w.lower.Send(message.NewBinary(buf))
}

// Stop tears the transport down and stops the lower layer. Idempotent.
func (w *WS) Stop() error {
	w.stopMu.Lock()
	if w.stopped {
		w.stopMu.Unlock()
		return nil
	}
	w.stopped = true
	close(w.done)
	w.stopMu.Unlock()

	if w.stream != nil {
		w.stream.Close()
	}
	if w.lower != nil {
		w.lower.Stop()
	}
	w.wg.Wait()
	w.changeState(StateDisconnected)
	return nil
}

func (w *WS) isStopped() bool {
	select {
	case <-w.done:
		return true
	default:
		return false
	}
}

var _ Transport = (*WS)(nil)

package transport

import (
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/backkem/datachannel/pkg/message"
	"github.com/pion/logging"
)

// handshakeTimeout bounds the TLS and WebSocket opening handshakes.
const handshakeTimeout = 10 * time.Second

// TLSConfig configures the TLS transport.
type TLSConfig struct {
	// Lower is the byte transport to wrap. Required.
	Lower Transport

	// Host is the authority from the URL, with or without a port.
	// The server name for SNI and verification is derived from it.
	Host string

	// LoggerFactory is the factory for creating loggers.
	// If nil, logging is disabled.
	LoggerFactory logging.LoggerFactory
}

// TLS wraps a lower byte transport as an encrypted duplex stream.
// The plain TLS variant skips certificate verification; use
// NewVerifiedTLS to validate the peer chain against the system trust
// store and match the server name.
type TLS struct {
	layer

	serverName string
	verify     bool

	stream *streamConn
	tconn  *tls.Conn

	writeMu sync.Mutex

	stopMu  sync.Mutex
	stopped bool
	done    chan struct{}
	wg      sync.WaitGroup
}

// NewTLS creates a TLS transport without certificate verification.
func NewTLS(config TLSConfig) *TLS {
	return newTLS(config, false)
}

// NewVerifiedTLS creates a TLS transport that verifies the peer
// certificate chain against the system trust store and matches the
// server name with standard wildcard rules.
func NewVerifiedTLS(config TLSConfig) *TLS {
	return newTLS(config, true)
}

func newTLS(config TLSConfig, verify bool) *TLS {
	serverName := config.Host
	if host, _, err := net.SplitHostPort(config.Host); err == nil {
		serverName = host
	}
	return &TLS{
		layer:      newLayer(config.Lower, scopedLogger(config.LoggerFactory, "transport-tls")),
		serverName: serverName,
		verify:     verify,
		done:       make(chan struct{}),
	}
}

// Start performs the TLS handshake in the background.
func (t *TLS) Start() error {
	t.stopMu.Lock()
	if t.stopped {
		t.stopMu.Unlock()
		return ErrStopped
	}
	t.stopMu.Unlock()

	t.stream = newStreamConn(t.lower)
	t.tconn = tls.Client(t.stream, &tls.Config{
		ServerName:         t.serverName,
		InsecureSkipVerify: !t.verify, //nolint:gosec // the unverified variant is an explicit configuration choice
		MinVersion:         tls.VersionTLS12,
	})

	t.wg.Add(1)
	go t.handshake()
	return nil
}

func (t *TLS) handshake() {
	defer t.wg.Done()

	t.stream.SetReadDeadline(time.Now().Add(handshakeTimeout))
	err := t.tconn.Handshake()
	t.stream.SetReadDeadline(time.Time{})

	if err != nil {
		if !t.isStopped() {
			t.fail(classifyHandshakeError(err))
			t.stream.Close()
			t.lower.Stop()
		}
		return
	}

	if t.log != nil {
		t.log.Infof("TLS handshake finished with %s", t.serverName)
	}
	if !t.changeState(StateConnected) {
		return
	}

	t.wg.Add(1)
	go t.readLoop()
}

// classifyHandshakeError maps a TLS handshake error onto the transport
// error set.
func classifyHandshakeError(err error) error {
	var unknownAuthority x509.UnknownAuthorityError
	if errors.As(err, &unknownAuthority) {
		return fmt.Errorf("%w: %v", ErrCertificateUntrusted, err)
	}
	var hostname x509.HostnameError
	if errors.As(err, &hostname) {
		return fmt.Errorf("%w: %v", ErrNameMismatch, err)
	}
	var invalid x509.CertificateInvalidError
	if errors.As(err, &invalid) {
		return fmt.Errorf("%w: %v", ErrCertificateUntrusted, err)
	}
	return fmt.Errorf("%w: %v", ErrHandshakeFailed, err)
}

func (t *TLS) readLoop() {
	defer t.wg.Done()

	buf := make([]byte, readChunkSize)
	for {
		n, err := t.tconn.Read(buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			t.deliver(message.NewBinary(chunk))
		}
		if err != nil {
			if t.isStopped() || err == io.EOF || errors.Is(err, net.ErrClosed) {
				t.changeState(StateDisconnected)
			} else {
				t.fail(fmt.Errorf("%w: %v", ErrReset, err))
			}
			return
		}
	}
}

// Send encrypts and writes the message payload. Writes are serialized.
func (t *TLS) Send(m *message.Message) error {
	if t.isStopped() {
		return ErrStopped
	}
	if t.State() != StateConnected {
		return ErrNotConnected
	}

	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	if _, err := t.tconn.Write(m.Payload); err != nil {
		return fmt.Errorf("%w: %v", ErrReset, err)
	}
	return nil
}

// Stop shuts the TLS session down and stops the lower layer. Idempotent.
func (t *TLS) Stop() error {
	t.stopMu.Lock()
	if t.stopped {
		t.stopMu.Unlock()
		return nil
	}
	t.stopped = true
	close(t.done)
	t.stopMu.Unlock()

	if t.stream != nil {
		t.stream.Close()
	}
	if t.lower != nil {
		t.lower.Stop()
	}
	t.wg.Wait()
	t.changeState(StateDisconnected)
	return nil
}

func (t *TLS) isStopped() bool {
	select {
	case <-t.done:
		return true
	default:
		return false
	}
}

var _ Transport = (*TLS)(nil)

package transport

import (
	"context"
	"fmt"
	"io"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/backkem/datachannel/pkg/message"
	"github.com/pion/logging"
)

const (
	// defaultConnectTimeout bounds each individual connection attempt.
	defaultConnectTimeout = 10 * time.Second

	// readChunkSize is the buffer size of the read loop.
	readChunkSize = 16 * 1024
)

// TCPConfig configures the TCP transport.
type TCPConfig struct {
	// Host is the name or address to connect to.
	Host string

	// Service is the port number or named service.
	Service string

	// ConnectTimeout bounds each connection attempt. Defaults to 10s.
	ConnectTimeout time.Duration

	// Conn is an optional pre-established connection. When set, Start
	// adopts it instead of resolving and dialing. This is useful for
	// testing with in-memory pipes.
	Conn net.Conn

	// LoggerFactory is the factory for creating loggers.
	// If nil, logging is disabled.
	LoggerFactory logging.LoggerFactory
}

// TCP is the terminal transport layer. It resolves the host, connects,
// and moves raw byte chunks between the socket and the layer above.
type TCP struct {
	layer

	host    string
	service string
	timeout time.Duration

	connMu sync.Mutex // guards conn and serializes writes
	conn   net.Conn

	stopMu  sync.Mutex
	stopped bool
	done    chan struct{}
	wg      sync.WaitGroup
}

// NewTCP creates a TCP transport. Start initiates the connection.
func NewTCP(config TCPConfig) *TCP {
	timeout := config.ConnectTimeout
	if timeout == 0 {
		timeout = defaultConnectTimeout
	}
	t := &TCP{
		layer:   newLayer(nil, scopedLogger(config.LoggerFactory, "transport-tcp")),
		host:    config.Host,
		service: config.Service,
		timeout: timeout,
		done:    make(chan struct{}),
	}
	t.conn = config.Conn
	return t
}

// Start resolves and connects in the background. The outcome is reported
// through the state observer.
func (t *TCP) Start() error {
	t.stopMu.Lock()
	if t.stopped {
		t.stopMu.Unlock()
		return ErrStopped
	}
	t.stopMu.Unlock()

	t.wg.Add(1)
	go t.connect()
	return nil
}

func (t *TCP) connect() {
	defer t.wg.Done()

	t.connMu.Lock()
	conn := t.conn
	t.connMu.Unlock()

	if conn == nil {
		dialed, err := t.dial()
		if err != nil {
			if t.isStopped() {
				return
			}
			t.fail(err)
			return
		}
		t.connMu.Lock()
		if t.isStopped() {
			t.connMu.Unlock()
			dialed.Close()
			return
		}
		t.conn = dialed
		conn = dialed
		t.connMu.Unlock()
	}

	if t.log != nil {
		t.log.Infof("connected to %s", conn.RemoteAddr())
	}
	if !t.changeState(StateConnected) {
		return
	}

	t.wg.Add(1)
	go t.readLoop(conn)
}

// dial resolves the host and tries each address in order with a
// per-attempt timeout.
func (t *TCP) dial() (net.Conn, error) {
	port, err := net.LookupPort("tcp", t.service)
	if err != nil {
		return nil, fmt.Errorf("%w: service %q: %v", ErrResolutionFailed, t.service, err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		select {
		case <-t.done:
			cancel()
		case <-ctx.Done():
		}
	}()

	resolveCtx, resolveCancel := context.WithTimeout(ctx, t.timeout)
	addrs, err := net.DefaultResolver.LookupIPAddr(resolveCtx, t.host)
	resolveCancel()
	if err != nil {
		return nil, fmt.Errorf("%w: host %q: %v", ErrResolutionFailed, t.host, err)
	}

	var lastErr error
	for _, addr := range addrs {
		select {
		case <-t.done:
			return nil, ErrStopped
		default:
		}

		target := net.JoinHostPort(addr.IP.String(), strconv.Itoa(port))
		if t.log != nil {
			t.log.Debugf("trying %s", target)
		}
		dialer := net.Dialer{Timeout: t.timeout}
		conn, err := dialer.DialContext(ctx, "tcp", target)
		if err == nil {
			return conn, nil
		}
		lastErr = err
	}

	if lastErr == nil {
		lastErr = fmt.Errorf("no addresses for %q", t.host)
	}
	return nil, fmt.Errorf("%w: %v", ErrConnectFailed, lastErr)
}

func (t *TCP) readLoop(conn net.Conn) {
	defer t.wg.Done()

	buf := make([]byte, readChunkSize)
	for {
		n, err := conn.Read(buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			t.deliver(message.NewBinary(chunk))
		}
		if err != nil {
			if t.isStopped() || err == io.EOF {
				t.changeState(StateDisconnected)
			} else {
				t.fail(fmt.Errorf("%w: %v", ErrReset, err))
			}
			return
		}
	}
}

// Send writes the message payload to the socket. Writes are serialized.
func (t *TCP) Send(m *message.Message) error {
	t.connMu.Lock()
	defer t.connMu.Unlock()

	if t.isStopped() {
		return ErrStopped
	}
	if t.conn == nil {
		return ErrNotConnected
	}
	if _, err := t.conn.Write(m.Payload); err != nil {
		return fmt.Errorf("%w: %v", ErrReset, err)
	}
	return nil
}

// Stop closes the connection and ends the read loop. Idempotent.
func (t *TCP) Stop() error {
	t.stopMu.Lock()
	if t.stopped {
		t.stopMu.Unlock()
		return nil
	}
	t.stopped = true
	close(t.done)
	t.stopMu.Unlock()

	t.connMu.Lock()
	conn := t.conn
	t.conn = nil
	t.connMu.Unlock()
	if conn != nil {
		conn.Close()
	}

	t.wg.Wait()
	t.changeState(StateDisconnected)
	return nil
}

func (t *TCP) isStopped() bool {
	select {
	case <-t.done:
		return true
	default:
		return false
	}
}

var _ Transport = (*TCP)(nil)

package transport

import (
	"net"
	"os"
	"sync"
	"time"

	"github.com/backkem/datachannel/pkg/message"
	"github.com/pion/transport/v3/deadline"
)

// streamConn presents a lower Transport as a net.Conn so a stacked layer
// can treat it as a duplex byte stream. Reads drain the chunks the lower
// layer delivers upward; writes descend through Send. Only read deadlines
// are honored, which is what the TLS and WebSocket handshakes need.
type streamConn struct {
	lower Transport

	readCh       chan []byte
	leftover     []byte
	readDeadline *deadline.Deadline

	closeOnce sync.Once
	closed    chan struct{}
}

func newStreamConn(lower Transport) *streamConn {
	s := &streamConn{
		lower:        lower,
		readCh:       make(chan []byte, 64),
		readDeadline: deadline.New(),
		closed:       make(chan struct{}),
	}
	lower.OnRecv(func(m *message.Message) {
		select {
		case s.readCh <- m.Payload:
		case <-s.closed:
		}
	})
	return s
}

func (s *streamConn) Read(b []byte) (int, error) {
	if len(s.leftover) > 0 {
		n := copy(b, s.leftover)
		s.leftover = s.leftover[n:]
		return n, nil
	}

	select {
	case chunk := <-s.readCh:
		n := copy(b, chunk)
		s.leftover = chunk[n:]
		return n, nil
	case <-s.closed:
		// Drain data that raced with the close.
		select {
		case chunk := <-s.readCh:
			n := copy(b, chunk)
			s.leftover = chunk[n:]
			return n, nil
		default:
		}
		return 0, net.ErrClosed
	case <-s.readDeadline.Done():
		return 0, os.ErrDeadlineExceeded
	}
}

func (s *streamConn) Write(b []byte) (int, error) {
	if err := s.lower.Send(message.NewBinary(b)); err != nil {
		return 0, err
	}
	return len(b), nil
}

func (s *streamConn) Close() error {
	s.closeOnce.Do(func() { close(s.closed) })
	return nil
}

func (s *streamConn) LocalAddr() net.Addr  { return streamAddr{} }
func (s *streamConn) RemoteAddr() net.Addr { return streamAddr{} }

func (s *streamConn) SetDeadline(t time.Time) error {
	return s.SetReadDeadline(t)
}

func (s *streamConn) SetReadDeadline(t time.Time) error {
	s.readDeadline.Set(t)
	return nil
}

func (s *streamConn) SetWriteDeadline(time.Time) error {
	return nil
}

type streamAddr struct{}

func (streamAddr) Network() string { return "transport" }
func (streamAddr) String() string  { return "layer" }

var _ net.Conn = (*streamConn)(nil)

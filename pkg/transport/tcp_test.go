package transport

import (
	"bytes"
	"errors"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/backkem/datachannel/pkg/message"
	"github.com/pion/transport/v3/test"
)

// acceptOne accepts a single connection and hands it to fn.
func acceptOne(t *testing.T, ln net.Listener, fn func(net.Conn)) {
	t.Helper()
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		fn(conn)
	}()
}

func TestTCPConnect(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen() error = %v", err)
	}
	defer ln.Close()

	serverRecv := make(chan []byte, 1)
	acceptOne(t, ln, func(conn net.Conn) {
		defer conn.Close()
		conn.Write([]byte("greetings"))
		buf := make([]byte, 64)
		n, _ := conn.Read(buf)
		serverRecv <- buf[:n]
	})

	host, port, _ := strings.Cut(ln.Addr().String(), ":")
	tcp := NewTCP(TCPConfig{Host: host, Service: port})
	states := observeStates(tcp)
	recv := make(chan []byte, 4)
	tcp.OnRecv(func(m *message.Message) { recv <- m.Payload })

	if err := tcp.Start(); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	waitState(t, states, StateConnected)

	select {
	case data := <-recv:
		if string(data) != "greetings" {
			t.Errorf("received %q, want %q", data, "greetings")
		}
	case <-time.After(5 * time.Second):
		t.Fatal("no data delivered upward")
	}

	if err := tcp.Send(message.NewBinary([]byte("hello"))); err != nil {
		t.Fatalf("Send() error = %v", err)
	}
	select {
	case data := <-serverRecv:
		if string(data) != "hello" {
			t.Errorf("server received %q, want %q", data, "hello")
		}
	case <-time.After(5 * time.Second):
		t.Fatal("server received nothing")
	}

	if err := tcp.Stop(); err != nil {
		t.Errorf("Stop() error = %v", err)
	}
	if tcp.State() != StateDisconnected {
		t.Errorf("State() = %s after Stop, want Disconnected", tcp.State())
	}
}

func TestTCPResolutionFailed(t *testing.T) {
	tcp := NewTCP(TCPConfig{Host: "127.0.0.1", Service: "no-such-service-xyz"})
	states := observeStates(tcp)
	if err := tcp.Start(); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	waitState(t, states, StateFailed)
	if !errors.Is(tcp.Err(), ErrResolutionFailed) {
		t.Errorf("Err() = %v, want ErrResolutionFailed", tcp.Err())
	}
}

func TestTCPConnectFailed(t *testing.T) {
	// Grab a port and close it again so the connection is refused.
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen() error = %v", err)
	}
	addr := ln.Addr().String()
	ln.Close()

	host, port, _ := strings.Cut(addr, ":")
	tcp := NewTCP(TCPConfig{Host: host, Service: port, ConnectTimeout: 2 * time.Second})
	states := observeStates(tcp)
	if err := tcp.Start(); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	waitState(t, states, StateFailed)
	if !errors.Is(tcp.Err(), ErrConnectFailed) {
		t.Errorf("Err() = %v, want ErrConnectFailed", tcp.Err())
	}
}

func TestTCPSendAfterStop(t *testing.T) {
	tcp := NewTCP(TCPConfig{Host: "127.0.0.1", Service: "9"})
	tcp.Stop()
	if err := tcp.Send(message.NewBinary([]byte("x"))); err != ErrStopped {
		t.Errorf("Send() error = %v, want ErrStopped", err)
	}
	// Stop is idempotent.
	if err := tcp.Stop(); err != nil {
		t.Errorf("second Stop() error = %v", err)
	}
}

func TestTCPRemoteClose(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen() error = %v", err)
	}
	defer ln.Close()

	acceptOne(t, ln, func(conn net.Conn) { conn.Close() })

	host, port, _ := strings.Cut(ln.Addr().String(), ":")
	tcp := NewTCP(TCPConfig{Host: host, Service: port})
	states := observeStates(tcp)
	if err := tcp.Start(); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	waitState(t, states, StateConnected)
	waitState(t, states, StateDisconnected)
}

// TestTCPOverBridge exchanges data between two transports joined by an
// in-memory bridge, without real network I/O.
func TestTCPOverBridge(t *testing.T) {
	bridge := test.NewBridge()

	stopTick := make(chan struct{})
	defer close(stopTick)
	go func() {
		ticker := time.NewTicker(time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-stopTick:
				return
			case <-ticker.C:
				bridge.Tick()
			}
		}
	}()

	left := NewTCP(TCPConfig{Conn: bridge.GetConn0()})
	right := NewTCP(TCPConfig{Conn: bridge.GetConn1()})

	leftStates := observeStates(left)
	rightStates := observeStates(right)
	recv := make(chan []byte, 4)
	right.OnRecv(func(m *message.Message) { recv <- m.Payload })

	if err := left.Start(); err != nil {
		t.Fatalf("left.Start() error = %v", err)
	}
	if err := right.Start(); err != nil {
		t.Fatalf("right.Start() error = %v", err)
	}
	waitState(t, leftStates, StateConnected)
	waitState(t, rightStates, StateConnected)

	want := []byte("across the bridge")
	if err := left.Send(message.NewBinary(want)); err != nil {
		t.Fatalf("Send() error = %v", err)
	}

	select {
	case data := <-recv:
		if !bytes.Equal(data, want) {
			t.Errorf("received %q, want %q", data, want)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("nothing delivered over the bridge")
	}

	left.Stop()
	right.Stop()
}

package wisp

import (
	"context"
	"io"
	"net"
	"strconv"
	"testing"
	"time"
)

// startEchoServer starts a local TCP listener that echoes back everything it
// reads, and returns its address and a stop function.
func startEchoServer(t *testing.T) (addr string, stop func()) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func(c net.Conn) {
				io.Copy(c, c)
				c.Close()
			}(conn)
		}
	}()
	return ln.Addr().String(), func() { ln.Close() }
}

func TestTCPSocketEchoRoundTrip(t *testing.T) {
	addr, stop := startEchoServer(t)
	defer stop()
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		t.Fatalf("SplitHostPort: %v", err)
	}
	portNum, err := strconv.Atoi(portStr)
	if err != nil {
		t.Fatalf("parsing port: %v", err)
	}
	port := uint16(portNum)

	opts := DefaultOptions()
	resolver := NewResolver(opts, NewDNSCache())
	logger := NewLogger("test", LogLevelDebug)

	sock := NewTCPSocket(logger, resolver, host, port)
	defer sock.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := sock.Connect(ctx); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	want := []byte("hello, wisp")
	if err := sock.Send(want); err != nil {
		t.Fatalf("Send: %v", err)
	}

	select {
	case got := <-sock.Receive():
		if string(got) != string(want) {
			t.Fatalf("echo mismatch: got %q, want %q", got, want)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for echo")
	}
}

func TestTCPSocketGracefulCloseNoRecvErr(t *testing.T) {
	addr, stop := startEchoServer(t)
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		t.Fatalf("SplitHostPort: %v", err)
	}
	portNum, err := strconv.Atoi(portStr)
	if err != nil {
		t.Fatalf("parsing port: %v", err)
	}
	port := uint16(portNum)

	opts := DefaultOptions()
	resolver := NewResolver(opts, NewDNSCache())
	logger := NewLogger("test", LogLevelDebug)

	sock := NewTCPSocket(logger, resolver, host, port)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := sock.Connect(ctx); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	stop() // close the listener; the already-accepted echo connection stays open
	_ = sock.Close()

	if err := sock.RecvErr(); err != nil {
		t.Fatalf("expected no recv error on deliberate close, got %v", err)
	}
}

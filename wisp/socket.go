package wisp

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
)

// Socket is the uniform capability set over an outbound TCP or UDP destination
// (spec.md §4.4): connect, send, a lazily-iterated receive stream of byte
// chunks terminated by graceful end-of-stream, and close.
type Socket interface {
	AsyncShutdowner

	// Hostname and Port identify the destination this socket was created for.
	Hostname() string
	Port() uint16

	// Connect dials the destination. Failure here is a connect-time failure;
	// it does not prevent Close from being called.
	Connect(ctx context.Context) error

	// Send transmits chunk as a single unit (a TCP write or a UDP datagram).
	// A post-connect failure is surfaced here as well as by Receive ending.
	Send(chunk []byte) error

	// Receive returns the channel of inbound byte chunks. It is closed when
	// the destination gracefully ends the stream or when a read error occurs;
	// RecvErr distinguishes the two.
	Receive() <-chan []byte

	// RecvErr returns the error that ended the receive stream, or nil if it
	// ended gracefully (or hasn't ended yet).
	RecvErr() error
}

// baseSocket holds the lifecycle and receive-loop plumbing shared by the TCP
// and UDP implementations, grounded on share/socket_conn.go's BasicConn shape.
type baseSocket struct {
	ShutdownHelper
	hostname string
	port     uint16
	resolver *Resolver

	recvCh chan []byte

	mu      sync.Mutex
	recvErr error
}

func (s *baseSocket) Hostname() string { return s.hostname }
func (s *baseSocket) Port() uint16     { return s.port }

func (s *baseSocket) Receive() <-chan []byte {
	return s.recvCh
}

func (s *baseSocket) RecvErr() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.recvErr
}

func (s *baseSocket) setRecvErr(err error) {
	s.mu.Lock()
	s.recvErr = err
	s.mu.Unlock()
}

// TCPSocket is the TCP destination Socket implementation.
type TCPSocket struct {
	baseSocket
	conn *net.TCPConn
}

// NewTCPSocket creates a TCPSocket for hostname:port. Connect must be called
// before Send/Receive are useful.
func NewTCPSocket(logger Logger, resolver *Resolver, hostname string, port uint16) *TCPSocket {
	s := &TCPSocket{}
	s.hostname = hostname
	s.port = port
	s.recvCh = make(chan []byte, 16)
	s.InitShutdownHelper(logger.Fork("tcp-socket(%s:%d)", hostname, port), s)
	_ = s.Activate()
	s.resolver = resolver
	return s
}

// HandleOnceShutdown implements OnceShutdownHandler.
func (s *TCPSocket) HandleOnceShutdown(completionErr error) error {
	if s.conn != nil {
		if err := s.conn.Close(); err != nil && completionErr == nil {
			completionErr = err
		}
	}
	return completionErr
}

// Connect resolves hostname, disables Nagle's algorithm, and dials.
func (s *TCPSocket) Connect(ctx context.Context) error {
	ip, err := s.resolver.LookupIP(ctx, s.hostname)
	if err != nil {
		return NewEngineError(ErrKindNetwork, fmt.Errorf("resolving %s: %w", s.hostname, err))
	}
	d := net.Dialer{}
	conn, err := d.DialContext(ctx, "tcp", net.JoinHostPort(ip.String(), fmt.Sprint(s.port)))
	if err != nil {
		return NewEngineError(ErrKindNetwork, err)
	}
	tcpConn := conn.(*net.TCPConn)
	_ = tcpConn.SetNoDelay(true)
	s.conn = tcpConn
	go s.receiveLoop()
	return nil
}

func (s *TCPSocket) receiveLoop() {
	defer close(s.recvCh)
	buf := make([]byte, 32*1024)
	for {
		n, err := s.conn.Read(buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			select {
			case s.recvCh <- chunk:
			case <-s.ShutdownDoneChan():
				return
			}
		}
		if err != nil {
			if !errors.Is(err, io.EOF) && !s.IsStartedShutdown() {
				s.setRecvErr(err)
			}
			return
		}
	}
}

// Send writes chunk to the TCP connection.
func (s *TCPSocket) Send(chunk []byte) error {
	if s.conn == nil {
		return fmt.Errorf("tcp socket not connected")
	}
	_, err := s.conn.Write(chunk)
	if err != nil {
		return NewEngineError(ErrKindNetwork, err)
	}
	return nil
}

// UDPSocket is the UDP destination Socket implementation. Each Send writes one
// datagram; each chunk delivered on Receive is one inbound datagram.
type UDPSocket struct {
	baseSocket
	conn *net.UDPConn
}

// NewUDPSocket creates a UDPSocket for hostname:port.
func NewUDPSocket(logger Logger, resolver *Resolver, hostname string, port uint16) *UDPSocket {
	s := &UDPSocket{}
	s.hostname = hostname
	s.port = port
	s.recvCh = make(chan []byte, 16)
	s.InitShutdownHelper(logger.Fork("udp-socket(%s:%d)", hostname, port), s)
	_ = s.Activate()
	s.resolver = resolver
	return s
}

// HandleOnceShutdown implements OnceShutdownHandler.
func (s *UDPSocket) HandleOnceShutdown(completionErr error) error {
	if s.conn != nil {
		if err := s.conn.Close(); err != nil && completionErr == nil {
			completionErr = err
		}
	}
	return completionErr
}

// Connect resolves hostname and connects a UDP socket to the resolved address.
func (s *UDPSocket) Connect(ctx context.Context) error {
	ip, err := s.resolver.LookupIP(ctx, s.hostname)
	if err != nil {
		return NewEngineError(ErrKindNetwork, fmt.Errorf("resolving %s: %w", s.hostname, err))
	}
	network := "udp4"
	if ip.To4() == nil {
		network = "udp6"
	}
	conn, err := net.DialUDP(network, nil, &net.UDPAddr{IP: ip, Port: int(s.port)})
	if err != nil {
		return NewEngineError(ErrKindNetwork, err)
	}
	s.conn = conn
	go s.receiveLoop()
	return nil
}

func (s *UDPSocket) receiveLoop() {
	defer close(s.recvCh)
	buf := make([]byte, 64*1024)
	for {
		n, err := s.conn.Read(buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			select {
			case s.recvCh <- chunk:
			case <-s.ShutdownDoneChan():
				return
			}
		}
		if err != nil {
			if !s.IsStartedShutdown() {
				s.setRecvErr(err)
			}
			return
		}
	}
}

// Send writes chunk as a single UDP datagram.
func (s *UDPSocket) Send(chunk []byte) error {
	if s.conn == nil {
		return fmt.Errorf("udp socket not connected")
	}
	_, err := s.conn.Write(chunk)
	if err != nil {
		return NewEngineError(ErrKindNetwork, err)
	}
	return nil
}

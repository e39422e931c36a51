package wisp

import (
	"context"
	"fmt"
	"sync"
)

// streamBufferCapacity is B from spec.md §4.2/§4.6.3: the number of pending
// client-to-target chunks a stream will hold before PutData blocks.
const streamBufferCapacity = 128

// Stream is one multiplexed flow: a numeric id, its destination Socket, and
// the two pumps that move bytes between the carrier and the socket. DATA from
// the client lands in a bounded channel (true backpressure on PutData, per
// DESIGN.md's resolution of the per-stream buffer overflow open question) that the
// carrier-to-target pump drains into the socket; bytes arriving from the
// socket are wrapped as DATA packets and handed to the carrier directly.
type Stream struct {
	ShutdownHelper

	id       uint32
	conn     *Connection
	kind     StreamKind
	hostname string
	port     uint16
	socket   Socket

	buf chan []byte

	sendCount int // carrier-to-target pump only; no lock needed

	closeOnce sync.Once
}

// NewStream creates a Stream bound to conn, not yet connected.
func NewStream(logger Logger, conn *Connection, id uint32, kind StreamKind, hostname string, port uint16, socket Socket) *Stream {
	s := &Stream{
		id:       id,
		conn:     conn,
		kind:     kind,
		hostname: hostname,
		port:     port,
		socket:   socket,
		buf:      make(chan []byte, streamBufferCapacity),
	}
	s.InitShutdownHelper(logger.Fork("stream(%d)", id), s)
	_ = s.Activate()
	return s
}

// HandleOnceShutdown implements OnceShutdownHandler: it tears the destination
// socket down and removes the stream from its connection's table. Per
// spec.md §4.6.4, it does not itself emit a CLOSE packet; callers that need
// one use closeWithReason before initiating shutdown.
func (s *Stream) HandleOnceShutdown(completionErr error) error {
	s.socket.StartShutdown(completionErr)
	_ = s.socket.WaitShutdown()
	s.conn.removeStream(s.id)
	return completionErr
}

// Start connects the destination socket and starts both pumps.
func (s *Stream) Start(ctx context.Context) error {
	if err := s.socket.Connect(ctx); err != nil {
		return err
	}
	go s.targetToCarrierPump()
	go s.carrierToTargetPump()
	return nil
}

// PutData enqueues a client-sent DATA payload for delivery to the
// destination, blocking if the stream's buffer is already full. A compliant
// client never fills the buffer past its advertised CONTINUE credit; a
// blocked PutData therefore indicates either a protocol violation or a slow
// destination, and in both cases blocking the connection's single packet
// reader is the correct backpressure response.
func (s *Stream) PutData(chunk []byte) error {
	select {
	case s.buf <- chunk:
		return nil
	case <-s.ShutdownDoneChan():
		return fmt.Errorf("stream %d is closed", s.id)
	}
}

// targetToCarrierPump reads chunks from the destination and forwards each as
// a DATA packet. It ends the stream, with an appropriate CLOSE reason, when
// the destination's receive stream ends (gracefully or with an error).
func (s *Stream) targetToCarrierPump() {
	for {
		select {
		case chunk, ok := <-s.socket.Receive():
			if !ok {
				if err := s.socket.RecvErr(); err != nil {
					s.closeWithReason(CloseNetworkError, true)
				} else {
					s.closeWithReason(CloseVoluntary, true)
				}
				return
			}
			if err := s.conn.sendPacket(EncodeData(s.id, chunk)); err != nil {
				s.closeWithReason(CloseNetworkError, false)
				return
			}
		case <-s.ShutdownDoneChan():
			return
		}
	}
}

// carrierToTargetPump drains buffered client-sent DATA into the destination
// and, every half-capacity's worth of sends, replenishes the client's
// CONTINUE credit to the buffer's current remaining headroom.
func (s *Stream) carrierToTargetPump() {
	for {
		select {
		case chunk, ok := <-s.buf:
			if !ok {
				return
			}
			if err := s.socket.Send(chunk); err != nil {
				s.closeWithReason(CloseNetworkError, true)
				return
			}
			s.sendCount++
			if s.sendCount >= streamBufferCapacity/2 {
				s.sendCount = 0
				remaining := streamBufferCapacity - len(s.buf)
				if err := s.conn.sendPacket(EncodeContinue(s.id, uint32(remaining))); err != nil {
					return
				}
			}
		case <-s.ShutdownDoneChan():
			return
		}
	}
}

// closeWithReason emits at most one CLOSE packet for this stream (guarding
// against both pumps detecting an end condition concurrently) and starts
// idempotent teardown.
func (s *Stream) closeWithReason(reason CloseReason, sendClose bool) {
	s.closeOnce.Do(func() {
		if sendClose {
			_ = s.conn.sendPacket(EncodeClose(s.id, reason))
		}
	})
	s.StartShutdown(nil)
}

package wisp

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jpillora/backoff"
)

const (
	// DefaultHighWatermark is the default carrier send high watermark (spec.md §4.5).
	DefaultHighWatermark = 32 * 1024 * 1024
	// DefaultLowWatermark is the default carrier send low watermark, half of high.
	DefaultLowWatermark = DefaultHighWatermark / 2
)

// Carrier is the adapter over the single, message-oriented, bidirectional
// transport described in spec.md §4.5. It is the only point where
// backpressure is applied against the underlying transport, and it serializes
// sends so concurrent pumps never interleave partial messages (spec.md §5).
type Carrier struct {
	ShutdownHelper

	conn *websocket.Conn

	highWatermark int64
	lowWatermark  int64
	buffered      int64 // atomic; approximates bufferedAmount

	sendMu sync.Mutex

	recvCh chan []byte

	mu      sync.Mutex
	recvErr error

	pingInterval time.Duration
}

// NewCarrier wraps an already-open *websocket.Conn. highWatermark/lowWatermark
// of 0 select the spec.md defaults. pingInterval of 0 disables the keepalive
// ping (see DESIGN.md's resolution of the ping_task open question).
func NewCarrier(logger Logger, conn *websocket.Conn, highWatermark, lowWatermark int64, pingInterval time.Duration) *Carrier {
	if highWatermark <= 0 {
		highWatermark = DefaultHighWatermark
	}
	if lowWatermark <= 0 {
		lowWatermark = highWatermark / 2
	}
	c := &Carrier{
		conn:          conn,
		highWatermark: highWatermark,
		lowWatermark:  lowWatermark,
		recvCh:        make(chan []byte, 8),
		pingInterval:  pingInterval,
	}
	c.InitShutdownHelper(logger.Fork("carrier"), c)
	_ = c.Activate()
	return c
}

// HandleOnceShutdown implements OnceShutdownHandler.
func (c *Carrier) HandleOnceShutdown(completionErr error) error {
	if err := c.conn.Close(); err != nil && completionErr == nil {
		completionErr = err
	}
	return completionErr
}

// Connect begins background processing of the carrier. The underlying
// websocket connection is already open by the time a Carrier is constructed
// (it results from a completed HTTP upgrade), so this only starts the
// read loop and, if configured, the keepalive ping loop.
func (c *Carrier) Connect(ctx context.Context) error {
	go c.readLoop()
	if c.pingInterval > 0 {
		go c.pingLoop(ctx)
	}
	return nil
}

func (c *Carrier) readLoop() {
	defer close(c.recvCh)
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.setRecvErr(err)
			}
			return
		}
		select {
		case c.recvCh <- data:
		case <-c.ShutdownDoneChan():
			return
		}
	}
}

func (c *Carrier) pingLoop(ctx context.Context) {
	t := time.NewTicker(c.pingInterval)
	defer t.Stop()
	for {
		select {
		case <-t.C:
			c.sendMu.Lock()
			err := c.conn.WriteMessage(websocket.PingMessage, nil)
			c.sendMu.Unlock()
			if err != nil {
				c.DLogf("ping failed, ignoring: %s", err)
			}
		case <-ctx.Done():
			return
		case <-c.ShutdownDoneChan():
			return
		}
	}
}

func (c *Carrier) setRecvErr(err error) {
	c.mu.Lock()
	c.recvErr = err
	c.mu.Unlock()
}

// RecvErr returns the error that ended the inbound message stream, or nil if
// it ended gracefully (or hasn't ended yet).
func (c *Carrier) RecvErr() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.recvErr
}

// Receive returns the next inbound message, or (nil, nil) once the carrier has
// closed gracefully, or a non-nil error for a genuine receive failure or a
// cancelled ctx.
func (c *Carrier) Receive(ctx context.Context) ([]byte, error) {
	select {
	case data, ok := <-c.recvCh:
		if !ok {
			return nil, c.RecvErr()
		}
		return data, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Send enqueues payload for transmission, serialized against concurrent
// senders so message boundaries are never interleaved, then applies
// backpressure against the high/low watermark per spec.md §4.5.
func (c *Carrier) Send(ctx context.Context, payload []byte) error {
	atomic.AddInt64(&c.buffered, int64(len(payload)))
	c.sendMu.Lock()
	err := c.conn.WriteMessage(websocket.BinaryMessage, payload)
	c.sendMu.Unlock()
	atomic.AddInt64(&c.buffered, -int64(len(payload)))
	if err != nil {
		return NewEngineError(ErrKindNetwork, err)
	}
	return c.awaitBackpressure(ctx)
}

// awaitBackpressure blocks while the buffered amount is above the high
// watermark (polling at a coarse, backed-off interval until it drops to the
// low watermark), or yields briefly if it is merely above the low watermark.
func (c *Carrier) awaitBackpressure(ctx context.Context) error {
	buffered := atomic.LoadInt64(&c.buffered)
	if buffered > c.highWatermark {
		b := &backoff.Backoff{Min: 10 * time.Millisecond, Max: 250 * time.Millisecond, Factor: 1.5}
		for atomic.LoadInt64(&c.buffered) > c.lowWatermark {
			select {
			case <-time.After(b.Duration()):
			case <-ctx.Done():
				return ctx.Err()
			case <-c.ShutdownDoneChan():
				return fmt.Errorf("carrier closed while waiting for backpressure to clear")
			}
		}
		return nil
	}
	if buffered > c.lowWatermark {
		select {
		case <-time.After(time.Millisecond):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// BufferedAmount returns the current approximate outstanding send backlog.
func (c *Carrier) BufferedAmount() int64 {
	return atomic.LoadInt64(&c.buffered)
}

package wisp

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/jpillora/sizestr"
)

// Connection is the per-carrier engine of spec.md §4.6: it runs the
// handshake, reads and routes packets to streams, and cascades teardown to
// every stream it owns when the carrier ends.
type Connection struct {
	ShutdownHelper

	id      uint32
	carrier *Carrier
	opts    *Options
	cache   *DNSCache

	wispVersion int // negotiated major version: 1 or 2
	serverExts  map[ExtensionID]bool

	streamsMu sync.Mutex
	streams   map[uint32]*Stream

	bytesIn  int64
	bytesOut int64

	stats *ConnStats
}

// NewConnection creates a Connection around an already-connected carrier. id
// is a process-unique identifier used only for logging.
func NewConnection(logger Logger, id uint32, carrier *Carrier, opts *Options, cache *DNSCache, stats *ConnStats) *Connection {
	c := &Connection{
		id:      id,
		carrier: carrier,
		opts:    opts,
		cache:   cache,
		streams: make(map[uint32]*Stream),
		stats:   stats,
	}
	c.InitShutdownHelper(logger.Fork("conn(%d)", id), c)
	_ = c.Activate()
	return c
}

// HandleOnceShutdown implements OnceShutdownHandler: it cascades shutdown to
// every open stream, waits for them to finish, and logs a summary line.
func (c *Connection) HandleOnceShutdown(completionErr error) error {
	c.streamsMu.Lock()
	streams := make([]*Stream, 0, len(c.streams))
	for _, s := range c.streams {
		streams = append(streams, s)
	}
	c.streamsMu.Unlock()

	var wg sync.WaitGroup
	for _, s := range streams {
		wg.Add(1)
		go func(s *Stream) {
			defer wg.Done()
			s.StartShutdown(completionErr)
			_ = s.WaitShutdown()
		}(s)
	}
	wg.Wait()

	c.carrier.StartShutdown(completionErr)
	_ = c.carrier.WaitShutdown()

	if c.stats != nil {
		c.stats.Close()
	}
	c.ILogf("closed (sent %s received %s)",
		sizestr.ToString(atomic.LoadInt64(&c.bytesOut)),
		sizestr.ToString(atomic.LoadInt64(&c.bytesIn)))
	return completionErr
}

// Run executes the connection's handshake and packet-read loop. It returns
// once the carrier ends or the connection is otherwise torn down; callers
// should not treat its return as an error signal, since a normal carrier
// close returns nil.
func (c *Connection) Run(ctx context.Context) error {
	if c.stats != nil {
		c.stats.New()
		c.stats.Open()
		c.DLogf("open %s", c.stats)
	}
	if err := c.carrier.Connect(ctx); err != nil {
		c.StartShutdown(err)
		return err
	}

	if err := c.handshake(ctx); err != nil {
		c.WLogf("handshake failed: %s", err)
		c.StartShutdown(NewEngineError(ErrKindHandshake, err))
		return err
	}

	if err := c.sendPacket(EncodeContinue(0, streamBufferCapacity)); err != nil {
		c.StartShutdown(err)
		return err
	}

	c.readLoop(ctx)
	c.StartShutdown(nil)
	return nil
}

// handshake implements spec.md §4.6.1. Version 1 sessions skip the exchange
// entirely. Version 2 sessions advertise the server's extensions, wait for
// exactly one client INFO, and negotiate the intersection of both sides'
// extension sets.
func (c *Connection) handshake(ctx context.Context) error {
	if c.opts.WispVersion < 2 {
		c.wispVersion = 1
		c.serverExts = map[ExtensionID]bool{}
		return nil
	}
	c.wispVersion = 2

	var serverExts []Extension
	if c.opts.AllowUDPStreams {
		serverExts = append(serverExts, UDPExtension{})
	}
	if c.opts.MOTD != "" {
		serverExts = append(serverExts, MOTDExtension{Message: c.opts.MOTD})
	}
	if err := c.carrier.Send(ctx, EncodeInfo(0, 2, 0, serverExts)); err != nil {
		return err
	}

	msg, err := c.carrier.Receive(ctx)
	if err != nil {
		return err
	}
	if msg == nil {
		return c.Errorf("carrier closed before handshake completed")
	}

	knownExts := map[ExtensionID]bool{ExtensionUDP: true, ExtensionMOTD: true}
	p, err := ParsePacket(msg, knownExts, RoleClient)
	if err != nil {
		return err
	}
	if p.Type != PacketInfo {
		return c.Errorf("expected INFO, got %s", p.Type)
	}

	clientExts := map[ExtensionID]bool{}
	for _, e := range p.Info.Extensions {
		clientExts[e.ID()] = true
	}
	negotiated := map[ExtensionID]bool{}
	for _, e := range serverExts {
		if clientExts[e.ID()] {
			negotiated[e.ID()] = true
		}
	}
	c.serverExts = negotiated
	return nil
}

// readLoop reads and routes packets until the carrier ends.
func (c *Connection) readLoop(ctx context.Context) {
	knownExts := map[ExtensionID]bool{ExtensionUDP: true, ExtensionMOTD: true}
	for {
		msg, err := c.carrier.Receive(ctx)
		if err != nil {
			return
		}
		if msg == nil {
			return
		}
		atomic.AddInt64(&c.bytesIn, int64(len(msg)))

		p, err := ParsePacket(msg, knownExts, RoleClient)
		if err != nil {
			c.WLogf("malformed packet, dropping: %s", err)
			continue
		}
		c.handlePacket(ctx, p)
	}
}

func (c *Connection) handlePacket(ctx context.Context, p Packet) {
	switch p.Type {
	case PacketConnect:
		c.handleConnect(ctx, p)
	case PacketData:
		s := c.getStream(p.StreamID)
		if s == nil {
			c.DLogf("DATA for unknown stream %d, dropping", p.StreamID)
			return
		}
		if err := s.PutData(p.Data); err != nil {
			c.DLogf("stream %d: %s", p.StreamID, err)
		}
	case PacketContinue:
		c.WLogf("protocol violation: client sent CONTINUE on stream %d", p.StreamID)
	case PacketClose:
		s := c.getStream(p.StreamID)
		if s == nil {
			c.DLogf("CLOSE for unknown stream %d, ignoring", p.StreamID)
			return
		}
		s.closeWithReason(p.Close, false)
	case PacketInfo:
		c.WLogf("protocol violation: unexpected INFO after handshake")
	}
}

// handleConnect validates and registers a new stream synchronously, on the
// connection's single packet-reading goroutine, so that a DATA packet
// immediately following CONNECT for the same stream id is never misrouted
// as unknown. The slow parts (destination policy evaluation, which may
// resolve DNS, and the socket connect itself) run in a background goroutine;
// any DATA arriving in the meantime simply buffers in the stream, per
// Stream.PutData.
func (c *Connection) handleConnect(ctx context.Context, p Packet) {
	if existing := c.getStream(p.StreamID); existing != nil {
		c.WLogf("protocol violation: CONNECT reused open stream id %d", p.StreamID)
		return
	}
	resolver := NewResolver(c.opts, c.cache)
	streamLogger := c.Logger
	var socket Socket
	switch p.Connect.Kind {
	case StreamKindTCP:
		socket = NewTCPSocket(streamLogger, resolver, p.Connect.Hostname, p.Connect.Port)
	case StreamKindUDP:
		socket = NewUDPSocket(streamLogger, resolver, p.Connect.Hostname, p.Connect.Port)
	default:
		_ = c.sendPacket(EncodeClose(p.StreamID, CloseClientError))
		return
	}

	s := NewStream(streamLogger, c, p.StreamID, p.Connect.Kind, p.Connect.Hostname, p.Connect.Port, socket)
	c.addStream(s)

	go c.finishConnect(ctx, s, resolver)
}

// finishConnect runs the policy check and, if it passes, connects the
// destination and starts the stream's pumps.
func (c *Connection) finishConnect(ctx context.Context, s *Stream, resolver *Resolver) {
	reason := IsStreamAllowed(ctx, c.opts, resolver, c, s.kind, s.hostname, s.port)
	if reason != CloseNone {
		c.removeStream(s.id)
		_ = c.sendPacket(EncodeClose(s.id, reason))
		return
	}

	if err := s.Start(ctx); err != nil {
		c.DLogf("stream %d: connect to %s:%d failed: %s", s.id, s.hostname, s.port, err)
		s.closeWithReason(CloseUnreachableHost, true)
		return
	}
}

// sendPacket writes a fully-encoded packet to the carrier and accounts its
// size toward the connection's outbound byte total.
func (c *Connection) sendPacket(b []byte) error {
	atomic.AddInt64(&c.bytesOut, int64(len(b)))
	return c.carrier.Send(context.Background(), b)
}

func (c *Connection) addStream(s *Stream) {
	c.streamsMu.Lock()
	c.streams[s.id] = s
	c.streamsMu.Unlock()
}

func (c *Connection) removeStream(id uint32) {
	c.streamsMu.Lock()
	delete(c.streams, id)
	c.streamsMu.Unlock()
}

func (c *Connection) getStream(id uint32) *Stream {
	c.streamsMu.Lock()
	defer c.streamsMu.Unlock()
	return c.streams[id]
}

// StreamCount implements StreamAccounting.
func (c *Connection) StreamCount() int {
	c.streamsMu.Lock()
	defer c.streamsMu.Unlock()
	return len(c.streams)
}

// StreamCountForHost implements StreamAccounting.
func (c *Connection) StreamCountForHost(hostname string) int {
	c.streamsMu.Lock()
	defer c.streamsMu.Unlock()
	n := 0
	for _, s := range c.streams {
		if s.hostname == hostname {
			n++
		}
	}
	return n
}

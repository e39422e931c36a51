package wisp

import (
	"context"
	"net"
	"net/http"
	"strings"
	"sync/atomic"

	"github.com/gorilla/websocket"
	"github.com/jpillora/requestlog"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// FrontDoor is the HTTP/WebSocket entry point of SPEC_FULL.md's system
// overview: it accepts carrier upgrades and spawns one Connection engine per
// accepted carrier, grounded on share/server.go and share/server_handler.go.
type FrontDoor struct {
	ShutdownHelper

	httpServer *httpServer
	loader     *Loader
	cache      *DNSCache
	stats      *ConnStats
	nextConnID int32
	accessLog  bool
}

// NewFrontDoor creates a FrontDoor serving Options from loader.
func NewFrontDoor(logger Logger, loader *Loader, accessLog bool) *FrontDoor {
	f := &FrontDoor{
		httpServer: newHTTPServer(logger.Fork("http")),
		loader:     loader,
		cache:      NewDNSCache(),
		stats:      &ConnStats{},
		accessLog:  accessLog,
	}
	f.InitShutdownHelper(logger.Fork("frontdoor"), f)
	return f
}

// HandleOnceShutdown implements OnceShutdownHandler.
func (f *FrontDoor) HandleOnceShutdown(completionErr error) error {
	return f.httpServer.Close()
}

// Addr returns the listener's bound address, or nil before Run has started
// listening. Useful for tests that bind an ephemeral port via ":0".
func (f *FrontDoor) Addr() net.Addr {
	return f.httpServer.Addr()
}

// Run listens on addr and serves carrier upgrades until ctx is cancelled.
func (f *FrontDoor) Run(ctx context.Context, addr string) error {
	f.ShutdownOnContext(ctx)

	h := http.Handler(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		f.handleRequest(ctx, w, r)
	}))
	if f.accessLog {
		h = requestlog.Wrap(h)
	}

	f.ILogf("listening on %s", addr)
	err := f.httpServer.ListenAndServe(ctx, addr, h)
	f.Close()
	return err
}

func (f *FrontDoor) handleRequest(ctx context.Context, w http.ResponseWriter, r *http.Request) {
	if strings.ToLower(r.Header.Get("Upgrade")) == "websocket" {
		wsConn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			f.DLogf("websocket upgrade failed: %s", err)
			return
		}
		go f.serveCarrier(ctx, wsConn)
		return
	}

	switch r.URL.Path {
	case "/health":
		w.Write([]byte("OK\n"))
	case "/version":
		w.Write([]byte("wisp\n"))
	default:
		http.NotFound(w, r)
	}
}

func (f *FrontDoor) serveCarrier(ctx context.Context, wsConn *websocket.Conn) {
	id := atomic.AddInt32(&f.nextConnID, 1)
	opts := f.loader.Current()

	carrier := NewCarrier(f.Logger, wsConn, 0, 0, opts.PingInterval)
	conn := NewConnection(f.Logger, uint32(id), carrier, opts, f.cache, f.stats)
	f.AddShutdownChild(conn)
	conn.ShutdownOnContext(ctx)

	if err := conn.Run(ctx); err != nil {
		f.DLogf("conn(%d): ended: %s", id, err)
	}
}

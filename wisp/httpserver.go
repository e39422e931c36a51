package wisp

import (
	"context"
	"net"
	"net/http"
	"time"
)

// readHeaderTimeout bounds only the HTTP request line and headers of the
// carrier-upgrade request; once a carrier is upgraded it is a hijacked
// connection the core's no-per-operation-timeout rule governs, not this
// server.
const readHeaderTimeout = 10 * time.Second

// httpServer extends net/http.Server with ShutdownHelper-managed graceful
// shutdown, grounded on share/http_server.go's HTTPServer.
type httpServer struct {
	ShutdownHelper
	*http.Server
	listener net.Listener
}

func newHTTPServer(logger Logger) *httpServer {
	h := &httpServer{Server: &http.Server{ReadHeaderTimeout: readHeaderTimeout}}
	h.InitShutdownHelper(logger, h)
	return h
}

// Addr returns the listener's bound address, or nil before ListenAndServe has
// started listening.
func (h *httpServer) Addr() net.Addr {
	if h.listener == nil {
		return nil
	}
	return h.listener.Addr()
}

// HandleOnceShutdown implements OnceShutdownHandler.
func (h *httpServer) HandleOnceShutdown(completionErr error) error {
	if h.listener != nil {
		if err := h.listener.Close(); err != nil && completionErr == nil {
			completionErr = err
		}
	}
	return completionErr
}

// ListenAndServe listens on addr and serves handler until ctx is cancelled or
// Shutdown/Close is called, returning the final completion status.
func (h *httpServer) ListenAndServe(ctx context.Context, addr string, handler http.Handler) error {
	err := h.DoOnceActivate(
		func() error {
			h.ShutdownOnContext(ctx)
			l, err := net.Listen("tcp", addr)
			if err != nil {
				return h.DLogErrorf("listen failed: %s", err)
			}
			h.Handler = handler
			h.listener = l
			go func() {
				h.Shutdown(h.Serve(l))
			}()
			return nil
		},
		true,
	)
	if err == nil {
		err = h.WaitShutdown()
	}
	return err
}

// Shutdown shuts the server down and returns the final completion status.
func (h *httpServer) Shutdown(completionErr error) error {
	return h.ShutdownHelper.Shutdown(completionErr)
}

// Close shuts the server down and returns the final completion status.
func (h *httpServer) Close() error {
	return h.ShutdownHelper.Close()
}

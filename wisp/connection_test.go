package wisp

import (
	"context"
	"net"
	"net/http"
	"net/http/httptest"
	"regexp"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

// newTestServer starts an httptest.Server that upgrades every request to a
// websocket carrier and runs one Connection engine per accepted carrier,
// mirroring FrontDoor.serveCarrier without the production HTTP routing.
func newTestServer(t *testing.T, opts *Options) (wsURL string, stop func()) {
	t.Helper()
	logger := NewLogger("test", LogLevelDebug)
	cache := NewDNSCache()
	stats := &ConnStats{}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade: %v", err)
			return
		}
		carrier := NewCarrier(logger, conn, 0, 0, 0)
		engine := NewConnection(logger, 1, carrier, opts, cache, stats)
		go engine.Run(context.Background())
	}))
	return "ws" + strings.TrimPrefix(srv.URL, "http") + "/", srv.Close
}

func mustReadPacket(t *testing.T, conn *websocket.Conn) Packet {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	_, msg, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("ReadMessage: %v", err)
	}
	p, err := ParsePacket(msg, knownExts, RoleServer)
	if err != nil {
		t.Fatalf("ParsePacket: %v", err)
	}
	return p
}

func TestConnectionTCPEchoEndToEnd(t *testing.T) {
	echoAddr, stopEcho := startEchoServer(t)
	defer stopEcho()
	host, portStr, err := net.SplitHostPort(echoAddr)
	if err != nil {
		t.Fatalf("SplitHostPort: %v", err)
	}
	portNum, _ := strconv.Atoi(portStr)
	port := uint16(portNum)

	opts := DefaultOptions()
	opts.WispVersion = 1      // skip the INFO handshake for this scenario
	opts.AllowLoopbackIPs = true // the echo destination is on 127.0.0.1
	url, stop := newTestServer(t, opts)
	defer stop()

	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer conn.Close()

	initial := mustReadPacket(t, conn)
	if initial.Type != PacketContinue || initial.StreamID != 0 || initial.Continue != streamBufferCapacity {
		t.Fatalf("expected initial CONTINUE(0, %d), got %+v", streamBufferCapacity, initial)
	}

	if err := conn.WriteMessage(websocket.BinaryMessage, EncodeConnect(1, StreamKindTCP, port, host)); err != nil {
		t.Fatalf("WriteMessage CONNECT: %v", err)
	}

	payload := []byte("hello through wisp")
	if err := conn.WriteMessage(websocket.BinaryMessage, EncodeData(1, payload)); err != nil {
		t.Fatalf("WriteMessage DATA: %v", err)
	}

	echoed := mustReadPacket(t, conn)
	if echoed.Type != PacketData || echoed.StreamID != 1 || string(echoed.Data) != string(payload) {
		t.Fatalf("expected echoed DATA on stream 1, got %+v", echoed)
	}
}

func TestConnectionPolicyDenialClosesStream(t *testing.T) {
	opts := DefaultOptions()
	opts.WispVersion = 1
	opts.HostnameWhitelist = nil
	opts.HostnameBlacklist = []*regexp.Regexp{regexp.MustCompile(`^blocked\.example\.com$`)}
	url, stop := newTestServer(t, opts)
	defer stop()

	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer conn.Close()

	_ = mustReadPacket(t, conn) // initial CONTINUE(0, B)

	if err := conn.WriteMessage(websocket.BinaryMessage, EncodeConnect(1, StreamKindTCP, 80, "blocked.example.com")); err != nil {
		t.Fatalf("WriteMessage CONNECT: %v", err)
	}

	reply := mustReadPacket(t, conn)
	if reply.Type != PacketClose || reply.StreamID != 1 || reply.Close != CloseHostBlocked {
		t.Fatalf("expected CLOSE(HostBlocked) on stream 1, got %+v", reply)
	}
}

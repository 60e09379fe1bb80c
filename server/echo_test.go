package server

import (
	"io"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jaswdr/faker"
	"github.com/momentics/hioload-mem/pool"
)

func startServer(t *testing.T) (*EchoServer, *pool.Allocator) {
	t.Helper()
	pc := pool.DefaultConfig()
	pc.NumArenas = 2
	pc.PagesPerChunk = 512
	pc.UseMmap = false
	alloc, err := pool.New(pc)
	if err != nil {
		t.Fatal(err)
	}
	srv := New(alloc, DefaultConfig(), WithWorkers(2), WithPinnedWorkers(false))
	if err := srv.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() {
		srv.Close()
		alloc.Close()
	})
	return srv, alloc
}

func dialTCP(t *testing.T, srv *EchoServer) net.Conn {
	t.Helper()
	conn, err := net.DialTimeout("tcp", srv.TCPAddr().String(), 5*time.Second)
	if err != nil {
		t.Fatal(err)
	}
	conn.SetDeadline(time.Now().Add(5 * time.Second))
	t.Cleanup(func() { conn.Close() })
	return conn
}

func echoOnce(t *testing.T, conn net.Conn, msg string) string {
	t.Helper()
	if _, err := conn.Write([]byte(msg)); err != nil {
		t.Fatal(err)
	}
	got := make([]byte, len(msg))
	if _, err := io.ReadFull(conn, got); err != nil {
		t.Fatal(err)
	}
	return string(got)
}

func TestStartTwice(t *testing.T) {
	srv, _ := startServer(t)
	if err := srv.Start(); err != ErrAlreadyRunning {
		t.Errorf("second Start: %v", err)
	}
}

func TestTCPEcho(t *testing.T) {
	srv, alloc := startServer(t)
	conn := dialTCP(t, srv)
	f := faker.New()
	for i := 0; i < 20; i++ {
		msg := "m" + f.Lorem().Sentence(f.IntBetween(1, 20))
		if got := echoOnce(t, conn, msg); got != msg {
			t.Fatalf("echo %d: got %q, want %q", i, got, msg)
		}
	}
	if srv.Stats().Echoed < 20 {
		t.Errorf("Echoed = %d", srv.Stats().Echoed)
	}
	if alloc.Stats().BoundWorkers != 2 {
		t.Errorf("BoundWorkers = %d, want one per loop", alloc.Stats().BoundWorkers)
	}
}

func TestStreamCloseRequest(t *testing.T) {
	srv, _ := startServer(t)
	conn := dialTCP(t, srv)
	if got := echoOnce(t, conn, "hello"); got != "hello" {
		t.Fatalf("echo = %q", got)
	}
	if _, err := conn.Write([]byte("Q please close QS")); err != nil {
		t.Fatal(err)
	}
	buf := make([]byte, 16)
	if n, err := conn.Read(buf); err != io.EOF {
		t.Fatalf("expected EOF after close request, got %d bytes, %v", n, err)
	}
	select {
	case <-srv.Done():
		t.Fatal("stream close must not stop the server")
	default:
	}
	// Other clients keep working.
	other := dialTCP(t, srv)
	if got := echoOnce(t, other, "still up"); got != "still up" {
		t.Errorf("echo after close request = %q", got)
	}
}

func TestQuitRequest(t *testing.T) {
	srv, _ := startServer(t)
	conn := dialTCP(t, srv)
	if _, err := conn.Write([]byte("Quit")); err != nil {
		t.Fatal(err)
	}
	select {
	case <-srv.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("server did not signal quit")
	}
}

func TestUDPEcho(t *testing.T) {
	srv, _ := startServer(t)
	conn, err := net.Dial("udp", srv.UDPAddr().String())
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()
	conn.SetDeadline(time.Now().Add(5 * time.Second))
	msg := faker.New().RandomStringWithLength(512)
	if _, err := conn.Write([]byte(msg)); err != nil {
		t.Fatal(err)
	}
	buf := make([]byte, 1024)
	n, err := conn.Read(buf)
	if err != nil {
		t.Fatal(err)
	}
	if string(buf[:n]) != msg {
		t.Error("datagram echo differs")
	}
}

func TestWebSocketEcho(t *testing.T) {
	srv, _ := startServer(t)
	url := "ws://" + srv.WebSocketAddr().String() + "/"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))

	msg := strings.Repeat("websocket payload ", 1000)
	if err := conn.WriteMessage(websocket.BinaryMessage, []byte(msg)); err != nil {
		t.Fatal(err)
	}
	_, got, err := conn.ReadMessage()
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != msg {
		t.Errorf("echo length %d, want %d", len(got), len(msg))
	}

	if err := conn.WriteMessage(websocket.TextMessage, []byte("Q bye QS")); err != nil {
		t.Fatal(err)
	}
	if _, _, err := conn.ReadMessage(); !websocket.IsCloseError(err, websocket.CloseNormalClosure) {
		t.Errorf("expected normal close, got %v", err)
	}
}

func TestCloseReleasesWorkers(t *testing.T) {
	srv, alloc := startServer(t)
	conn := dialTCP(t, srv)
	echoOnce(t, conn, "ping")
	srv.Close()
	if n := alloc.Stats().BoundWorkers; n != 0 {
		t.Errorf("BoundWorkers = %d after Close", n)
	}
	buf := make([]byte, 1)
	if _, err := conn.Read(buf); err == nil {
		t.Error("connection still open after Close")
	}
}

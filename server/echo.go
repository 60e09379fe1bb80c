// File: server/echo.go
// Package server
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Echo server over stream, datagram and WebSocket listeners. Every connection
// is assigned to one worker loop; received buffers are handed to that loop,
// decoded, disposed, and echoed back from a freshly allocated buffer.
//
// A message starting with "Q" stops the server; one that also ends with "QS"
// only closes the stream it arrived on.

package server

import (
	"errors"
	"io"
	"net"
	"net/http"
	"runtime"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/momentics/hioload-mem/api"
	"github.com/momentics/hioload-mem/internal/loop"
	"github.com/momentics/hioload-mem/pool"
	"github.com/momentics/hioload-mem/transport"
	"go.uber.org/zap"
)

// Config holds listener addresses and sizing. Empty addresses disable
// the corresponding listener.
type Config struct {
	TCPAddr        string
	UDPAddr        string
	WebSocketAddr  string
	Workers        int
	ReadChunk      int
	MaxMessageSize int
	PinWorkers     bool
}

// DefaultConfig returns a loopback configuration on ephemeral ports.
func DefaultConfig() Config {
	return Config{
		TCPAddr:        "127.0.0.1:0",
		UDPAddr:        "127.0.0.1:0",
		WebSocketAddr:  "127.0.0.1:0",
		Workers:        runtime.GOMAXPROCS(0),
		ReadChunk:      transport.DefaultReadChunk,
		MaxMessageSize: 1 << 20,
	}
}

// ErrAlreadyRunning is returned by a second Start.
var ErrAlreadyRunning = errors.New("server already running")

// Stats counts server activity.
type Stats struct {
	Connections int64
	Messages    int64
	Echoed      int64
	Errors      int64
}

// EchoServer is the echo service.
type EchoServer struct {
	cfg    Config
	alloc  *pool.Allocator
	logger *zap.Logger

	loops []*loop.Loop
	next  atomic.Uint32

	tcp   net.Listener
	udp   net.PacketConn
	wsLn  net.Listener
	wsSrv *http.Server
	wsUpg websocket.Upgrader

	mu      sync.Mutex
	conns   map[io.Closer]struct{}
	closed  bool
	wg      sync.WaitGroup
	started atomic.Bool

	stopReq   chan struct{}
	stopOnce  sync.Once
	closeOnce sync.Once

	connections atomic.Int64
	messages    atomic.Int64
	echoed      atomic.Int64
	errs        atomic.Int64
}

// New creates a stopped server allocating from alloc.
func New(alloc *pool.Allocator, cfg Config, opts ...Option) *EchoServer {
	s := &EchoServer{
		cfg:     cfg,
		alloc:   alloc,
		logger:  zap.NewNop(),
		conns:   make(map[io.Closer]struct{}),
		stopReq: make(chan struct{}),
	}
	for _, o := range opts {
		o(s)
	}
	if s.cfg.Workers <= 0 {
		s.cfg.Workers = runtime.GOMAXPROCS(0)
	}
	if s.cfg.ReadChunk <= 0 {
		s.cfg.ReadChunk = transport.DefaultReadChunk
	}
	if s.cfg.MaxMessageSize < s.cfg.ReadChunk {
		s.cfg.MaxMessageSize = s.cfg.ReadChunk
	}
	s.wsUpg = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     func(*http.Request) bool { return true },
	}
	return s
}

// Start launches worker loops and every configured listener.
func (s *EchoServer) Start() error {
	if !s.started.CompareAndSwap(false, true) {
		return ErrAlreadyRunning
	}
	for i := 0; i < s.cfg.Workers; i++ {
		opts := loop.DefaultOptions()
		opts.Logger = s.logger
		if s.cfg.PinWorkers {
			opts.CPU = i % runtime.NumCPU()
		}
		l := loop.New(s.alloc, opts)
		if err := l.Start(); err != nil {
			s.Close()
			return err
		}
		s.loops = append(s.loops, l)
	}

	if s.cfg.TCPAddr != "" {
		ln, err := net.Listen("tcp", s.cfg.TCPAddr)
		if err != nil {
			s.Close()
			return err
		}
		s.tcp = ln
		s.wg.Add(1)
		go s.acceptStreams(ln)
		s.logger.Info("echo: tcp listening", zap.Stringer("addr", ln.Addr()))
	}
	if s.cfg.UDPAddr != "" {
		pc, err := net.ListenPacket("udp", s.cfg.UDPAddr)
		if err != nil {
			s.Close()
			return err
		}
		s.udp = pc
		s.wg.Add(1)
		go s.serveDatagrams(transport.NewDatagram(pc, 0))
		s.logger.Info("echo: udp listening", zap.Stringer("addr", pc.LocalAddr()))
	}
	if s.cfg.WebSocketAddr != "" {
		ln, err := net.Listen("tcp", s.cfg.WebSocketAddr)
		if err != nil {
			s.Close()
			return err
		}
		s.wsLn = ln
		mux := http.NewServeMux()
		mux.HandleFunc("/", s.handleWebSocket)
		s.wsSrv = &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}
		go func() {
			if err := s.wsSrv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
				s.logger.Error("echo: websocket server failed", zap.Error(err))
			}
		}()
		s.logger.Info("echo: websocket listening", zap.Stringer("addr", ln.Addr()))
	}
	return nil
}

// TCPAddr returns the bound stream address, or nil.
func (s *EchoServer) TCPAddr() net.Addr {
	if s.tcp == nil {
		return nil
	}
	return s.tcp.Addr()
}

// UDPAddr returns the bound datagram address, or nil.
func (s *EchoServer) UDPAddr() net.Addr {
	if s.udp == nil {
		return nil
	}
	return s.udp.LocalAddr()
}

// WebSocketAddr returns the bound WebSocket address, or nil.
func (s *EchoServer) WebSocketAddr() net.Addr {
	if s.wsLn == nil {
		return nil
	}
	return s.wsLn.Addr()
}

// Done is closed when a client asks the server to quit.
func (s *EchoServer) Done() <-chan struct{} { return s.stopReq }

// Stats returns activity counters.
func (s *EchoServer) Stats() Stats {
	return Stats{
		Connections: s.connections.Load(),
		Messages:    s.messages.Load(),
		Echoed:      s.echoed.Load(),
		Errors:      s.errs.Load(),
	}
}

func (s *EchoServer) requestStop() {
	s.stopOnce.Do(func() {
		s.logger.Info("echo: quit requested")
		close(s.stopReq)
	})
}

// Close stops listeners, closes open connections and drains worker loops.
func (s *EchoServer) Close() error {
	s.closeOnce.Do(func() {
		if s.tcp != nil {
			s.tcp.Close()
		}
		if s.udp != nil {
			s.udp.Close()
		}
		if s.wsSrv != nil {
			s.wsSrv.Close()
		}
		s.mu.Lock()
		s.closed = true
		for c := range s.conns {
			c.Close()
		}
		s.mu.Unlock()
		s.wg.Wait()
		for _, l := range s.loops {
			l.Stop()
		}
		s.logger.Info("echo: server closed",
			zap.Int64("connections", s.connections.Load()),
			zap.Int64("echoed", s.echoed.Load()))
	})
	return nil
}

func (s *EchoServer) pick() *loop.Loop {
	return s.loops[(s.next.Add(1)-1)%uint32(len(s.loops))]
}

// dispatch posts task to l, waiting while its inbox is full.
func (s *EchoServer) dispatch(l *loop.Loop, task loop.Task) bool {
	for {
		err := l.Post(task)
		switch {
		case err == nil:
			return true
		case errors.Is(err, loop.ErrInboxFull):
			time.Sleep(50 * time.Microsecond)
		default:
			return false
		}
	}
}

func (s *EchoServer) track(c io.Closer) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.conns[c] = struct{}{}
	s.wg.Add(1)
	return true
}

func (s *EchoServer) untrack(c io.Closer) {
	s.mu.Lock()
	delete(s.conns, c)
	s.mu.Unlock()
}

func (s *EchoServer) acceptStreams(ln net.Listener) {
	defer s.wg.Done()
	for {
		conn, err := ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			s.logger.Warn("echo: accept failed", zap.Error(err))
			continue
		}
		s.connections.Add(1)
		stream := transport.NewStream(conn, s.cfg.ReadChunk)
		s.serveConn(stream, s.pick(), conn.RemoteAddr())
	}
}

// serveConn starts the read side of a stream-like transport.
func (s *EchoServer) serveConn(t api.BufferTransport, l *loop.Loop, peer net.Addr) {
	if !s.track(t) {
		t.Close()
		return
	}
	go func() {
		defer s.wg.Done()
		defer s.untrack(t)
		log := s.logger.With(zap.Stringer("peer", peer), zap.Stringer("worker", l.ID()))
		log.Debug("echo: connection opened")
		for {
			rb, err := transport.Receive(t, l.Binding(), s.cfg.MaxMessageSize)
			if err != nil {
				if !isClosed(err) {
					s.errs.Add(1)
					log.Debug("echo: read failed", zap.Error(err))
				}
				t.Close()
				log.Debug("echo: connection closed")
				return
			}
			if !s.dispatch(l, func(b *pool.Binding) { s.onStreamMessage(t, b, rb, log) }) {
				rb.Dispose()
				t.Close()
				return
			}
		}
	}()
}

func (s *EchoServer) onStreamMessage(t api.BufferTransport, b *pool.Binding, rb *transport.ReadableBuffer, log *zap.Logger) {
	msg, ok := s.decode(rb, log)
	if !ok {
		return
	}
	if strings.HasPrefix(msg, "Q") {
		if strings.HasSuffix(msg, "QS") {
			log.Debug("echo: stream close requested")
			t.Close()
			return
		}
		s.requestStop()
		return
	}
	out, err := transport.WritableFrom(b, []byte(msg))
	if err != nil {
		s.errs.Add(1)
		log.Warn("echo: allocation failed", zap.Error(err))
		return
	}
	defer out.Release()
	if _, err := t.WriteFrom(out); err != nil {
		s.errs.Add(1)
		log.Debug("echo: write failed", zap.Error(err))
		t.Close()
		return
	}
	s.echoed.Add(1)
}

// decode reads the whole message as a string and disposes rb.
func (s *EchoServer) decode(rb *transport.ReadableBuffer, log *zap.Logger) (string, bool) {
	s.messages.Add(1)
	var msg string
	if n := rb.Count(); n > 0 {
		var err error
		if msg, err = rb.ReadString(n); err != nil {
			log.Warn("echo: decode failed", zap.Error(err))
		}
	}
	if err := rb.Dispose(); err != nil {
		s.errs.Add(1)
		log.Error("echo: dispose failed", zap.Error(err))
	}
	return msg, msg != ""
}

func (s *EchoServer) serveDatagrams(dg *transport.Datagram) {
	defer s.wg.Done()
	for {
		l := s.pick()
		buf, err := l.Binding().NewBuffer(0, transport.MaxDatagramSize)
		if err != nil {
			s.errs.Add(1)
			s.logger.Error("echo: datagram allocation failed", zap.Error(err))
			return
		}
		_, from, err := dg.ReadFromInto(buf)
		if err != nil {
			buf.Release()
			if isClosed(err) {
				return
			}
			s.errs.Add(1)
			s.logger.Debug("echo: datagram receive failed", zap.Error(err))
			continue
		}
		rb := transport.NewReadableBuffer(buf)
		if !s.dispatch(l, func(b *pool.Binding) { s.onDatagram(dg, b, rb, from) }) {
			rb.Dispose()
			return
		}
	}
}

func (s *EchoServer) onDatagram(dg *transport.Datagram, b *pool.Binding, rb *transport.ReadableBuffer, from net.Addr) {
	msg, ok := s.decode(rb, s.logger)
	if !ok || from == nil {
		return
	}
	out, err := transport.WritableFrom(b, []byte(msg))
	if err != nil {
		s.errs.Add(1)
		return
	}
	defer out.Release()
	if _, err := dg.WriteTo(out, from); err != nil {
		s.errs.Add(1)
		s.logger.Debug("echo: datagram send failed", zap.Error(err))
		return
	}
	s.echoed.Add(1)
}

func (s *EchoServer) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.wsUpg.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Debug("echo: websocket upgrade failed", zap.Error(err))
		return
	}
	s.connections.Add(1)
	conn.SetReadLimit(int64(s.cfg.MaxMessageSize))
	s.serveConn(transport.NewWebSocket(conn, s.cfg.ReadChunk), s.pick(), conn.RemoteAddr())
}

func isClosed(err error) bool {
	return errors.Is(err, io.EOF) ||
		errors.Is(err, net.ErrClosed) ||
		websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway)
}

package session

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"runtime/debug"
	"sync"
	"time"
)

// Handler applies one command line. *Session implements it.
type Handler interface {
	Execute(ctx context.Context, line []byte) Reply
}

// failer is implemented by handlers that must shut down after a panic
// while serving a client.
type failer interface {
	Fail(err error)
}

// SocketServer accepts control connections on a Unix domain socket and,
// optionally, a TCP address.
//
// Protocol:
//   - Clients send newline-delimited JSON commands and may keep the
//     connection open for any number of them.
//   - The server answers every command with one JSON line, in order.
//   - Commands from all clients go through the same Handler.
type SocketServer struct {
	socketPath string
	tcpAddr    string
	handler    Handler
	logger     *slog.Logger

	listeners []net.Listener
	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup

	mu    sync.Mutex
	conns map[net.Conn]struct{}
	done  chan struct{}
}

// NewSocketServer creates a server for socketPath and, when tcpAddr is not
// empty, a TCP listener on tcpAddr.
func NewSocketServer(socketPath, tcpAddr string, handler Handler, logger *slog.Logger) *SocketServer {
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &SocketServer{
		socketPath: socketPath,
		tcpAddr:    tcpAddr,
		handler:    handler,
		logger:     logger,
		ctx:        ctx,
		cancel:     cancel,
		conns:      make(map[net.Conn]struct{}),
		done:       make(chan struct{}),
	}
}

// Path returns the Unix socket path.
func (s *SocketServer) Path() string {
	return s.socketPath
}

// Addrs returns the bound listener addresses.
func (s *SocketServer) Addrs() []net.Addr {
	addrs := make([]net.Addr, 0, len(s.listeners))
	for _, ln := range s.listeners {
		addrs = append(addrs, ln.Addr())
	}
	return addrs
}

// Start begins listening. The socket file is created with mode 0600 and a
// stale file at the path is removed first.
func (s *SocketServer) Start() error {
	os.Remove(s.socketPath)

	ln, err := net.Listen("unix", s.socketPath)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", s.socketPath, err)
	}
	if err := os.Chmod(s.socketPath, 0o600); err != nil {
		ln.Close()
		return fmt.Errorf("chmod socket: %w", err)
	}
	s.listeners = append(s.listeners, ln)

	if s.tcpAddr != "" {
		tln, err := net.Listen("tcp", s.tcpAddr)
		if err != nil {
			ln.Close()
			os.Remove(s.socketPath)
			return fmt.Errorf("listen on %s: %w", s.tcpAddr, err)
		}
		s.listeners = append(s.listeners, tln)
	}

	for _, ln := range s.listeners {
		s.wg.Add(1)
		go s.acceptLoop(ln)
	}
	s.logger.Debug("control socket listening", "path", s.socketPath, "tcp", s.tcpAddr)
	return nil
}

// Stop closes the listeners and every client connection, waits for the
// handlers to return and removes the socket file. It is safe to call more
// than once.
func (s *SocketServer) Stop() {
	select {
	case <-s.done:
		return
	default:
	}
	close(s.done)
	s.cancel()

	for _, ln := range s.listeners {
		ln.Close()
	}
	s.mu.Lock()
	for c := range s.conns {
		c.Close()
	}
	s.mu.Unlock()

	s.wg.Wait()
	os.Remove(s.socketPath)
}

func (s *SocketServer) acceptLoop(ln net.Listener) {
	defer s.wg.Done()

	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-s.done:
				return
			default:
			}
			if errors.Is(err, net.ErrClosed) {
				return
			}
			// Transient error, back off briefly and keep accepting.
			time.Sleep(10 * time.Millisecond)
			continue
		}

		if !s.track(conn) {
			conn.Close()
			return
		}
		s.wg.Add(1)
		go s.handleConn(conn)
	}
}

// track registers conn unless the server is stopping.
func (s *SocketServer) track(conn net.Conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	select {
	case <-s.done:
		return false
	default:
	}
	s.conns[conn] = struct{}{}
	return true
}

// handleConn serves one client until it disconnects or the server stops.
func (s *SocketServer) handleConn(conn net.Conn) {
	defer s.wg.Done()
	defer func() {
		s.mu.Lock()
		delete(s.conns, conn)
		s.mu.Unlock()
		conn.Close()
	}()

	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 4096), maxLine)
	enc := json.NewEncoder(conn)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		reply, ok := s.execute(conn, line)
		if err := enc.Encode(reply); err != nil {
			s.logger.Debug("control client write failed", "remote", conn.RemoteAddr(), "error", err)
			return
		}
		if !ok {
			return
		}
	}
	if err := scanner.Err(); err != nil && !errors.Is(err, net.ErrClosed) {
		s.logger.Debug("control client read failed", "remote", conn.RemoteAddr(), "error", err)
	}
}

// execute runs one command. A panic in the handler is turned into an
// Internal reply, ok is false and the connection is dropped after it.
func (s *SocketServer) execute(conn net.Conn, line []byte) (reply Reply, ok bool) {
	defer func() {
		r := recover()
		if r == nil {
			return
		}
		err := fmt.Errorf("control command from %s panicked: %v", conn.RemoteAddr(), r)
		s.logger.Debug("control handler panic", "stack", string(debug.Stack()))
		reply, ok = Reply{Error: err.Error(), Kind: ErrorKind(err)}, false
		if f, isFailer := s.handler.(failer); isFailer {
			f.Fail(err)
		} else {
			s.logger.Error("control handler failed", "error", err)
		}
	}()
	return s.handler.Execute(s.ctx, line), true
}

// Client sends commands to a running instance.
type Client struct {
	network string
	addr    string
	timeout time.Duration
}

// NewClient creates a client for the Unix socket at path.
func NewClient(path string) *Client {
	return &Client{network: "unix", addr: path, timeout: 5 * time.Second}
}

// NewTCPClient creates a client for a TCP control address.
func NewTCPClient(addr string) *Client {
	return &Client{network: "tcp", addr: addr, timeout: 5 * time.Second}
}

// Send writes each command on one connection and returns the replies in
// order.
func (c *Client) Send(cmds ...[]byte) ([]Reply, error) {
	conn, err := net.DialTimeout(c.network, c.addr, c.timeout)
	if err != nil {
		return nil, fmt.Errorf("connect to %s: %w", c.addr, err)
	}
	defer conn.Close()
	conn.SetDeadline(time.Now().Add(c.timeout))

	for _, cmd := range cmds {
		if _, err := fmt.Fprintf(conn, "%s\n", cmd); err != nil {
			return nil, fmt.Errorf("send command: %w", err)
		}
	}

	replies := make([]Reply, 0, len(cmds))
	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 4096), maxLine)
	for len(replies) < len(cmds) && scanner.Scan() {
		var r Reply
		if err := json.Unmarshal(scanner.Bytes(), &r); err != nil {
			return replies, fmt.Errorf("decode reply: %w", err)
		}
		replies = append(replies, r)
	}
	if len(replies) < len(cmds) {
		if err := scanner.Err(); err != nil {
			return replies, fmt.Errorf("read reply: %w", err)
		}
		return replies, errors.New("connection closed before every reply arrived")
	}
	return replies, nil
}

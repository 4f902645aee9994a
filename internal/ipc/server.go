package ipc

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"cddns/internal/state"
	"cddns/pkg/logx"
)

// ErrAlreadyRunning means another service instance answers on the
// socket. Starting a second one is a fatal configuration error.
var ErrAlreadyRunning = errors.New("service is already running on this socket")

const writeTimeout = 5 * time.Second

// Server accepts local clients, answers status queries from the state
// store, and relays control commands into the scheduler. Connections
// are served independently; none of them can block the reconcile path.
type Server struct {
	path string
	ln   net.Listener

	store *state.Store
	// trigger requests one out-of-band tick (Scheduler.TriggerNow).
	trigger func()
	// requestStop asks the service to shut down; the accept loop stays
	// alive until the service closes the server during teardown.
	requestStop func()

	log logx.Logger

	mu     sync.Mutex
	conns  map[*conn]struct{}
	closed bool

	wg sync.WaitGroup
}

// Listen binds the control socket with owner-only permissions. A stale
// socket file left by a crashed process is replaced; a live one means
// another instance is running.
func Listen(path string, store *state.Store, trigger, requestStop func(), log logx.Logger) (*Server, error) {
	if log.IsZero() {
		log = logx.Nop()
	}

	if _, err := os.Stat(path); err == nil {
		probe, err := net.DialTimeout("unix", path, time.Second)
		if err == nil {
			_ = probe.Close()
			return nil, fmt.Errorf("%w: %s", ErrAlreadyRunning, path)
		}
		if err := os.Remove(path); err != nil {
			return nil, fmt.Errorf("remove stale socket %s: %w", path, err)
		}
		log.Debug("removed stale socket", logx.String("path", path))
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("create socket directory: %w", err)
	}

	ln, err := net.Listen("unix", path)
	if err != nil {
		return nil, fmt.Errorf("bind socket %s: %w", path, err)
	}
	if err := os.Chmod(path, 0o600); err != nil {
		_ = ln.Close()
		return nil, fmt.Errorf("restrict socket permissions: %w", err)
	}

	return &Server{
		path:        path,
		ln:          ln,
		store:       store,
		trigger:     trigger,
		requestStop: requestStop,
		log:         log,
		conns:       map[*conn]struct{}{},
	}, nil
}

func (s *Server) Path() string { return s.path }

// Serve runs the accept loop and the snapshot push fanout until Close.
func (s *Server) Serve(ctx context.Context) error {
	snaps, cancel := s.store.Subscribe(16)
	defer cancel()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.pushLoop(ctx, snaps)
	}()

	s.log.Info("ipc server listening", logx.String("path", s.path))

	for {
		nc, err := s.ln.Accept()
		if err != nil {
			if s.isClosed() || ctx.Err() != nil {
				return nil
			}
			s.log.Warn("ipc accept failed", logx.Err(err))
			continue
		}
		c := &conn{nc: nc, server: s}
		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			_ = nc.Close()
			return nil
		}
		s.conns[c] = struct{}{}
		s.mu.Unlock()

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			c.serve()
		}()
	}
}

// Close stops accepting, disconnects clients, and removes the socket
// file. Safe to call more than once.
func (s *Server) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	conns := make([]*conn, 0, len(s.conns))
	for c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()

	err := s.ln.Close()
	for _, c := range conns {
		_ = c.nc.Close()
	}
	s.wg.Wait()
	_ = os.Remove(s.path)
	s.log.Info("ipc server closed", logx.String("path", s.path))
	return err
}

func (s *Server) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *Server) removeConn(c *conn) {
	s.mu.Lock()
	delete(s.conns, c)
	s.mu.Unlock()
}

// subscribers snapshots the connections currently subscribed to pushes.
func (s *Server) subscribers() []*conn {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*conn, 0, len(s.conns))
	for c := range s.conns {
		if c.subscribed.Load() {
			out = append(out, c)
		}
	}
	return out
}

// pushLoop forwards published snapshots to subscribed clients in
// publication order, one push per publication per subscriber.
func (s *Server) pushLoop(ctx context.Context, snaps <-chan state.Snapshot) {
	for {
		select {
		case <-ctx.Done():
			return
		case snap, ok := <-snaps:
			if !ok {
				return
			}
			msg, err := NewMessage(TypeSnapshot, snap)
			if err != nil {
				s.log.Error("snapshot push encode failed", logx.Err(err))
				continue
			}
			s.broadcast(msg)
		}
	}
}

// BroadcastLog implements logx.Broadcaster: service log lines are
// forwarded to subscribed clients. Failures here are deliberately
// logged at debug only; anything louder would feed back into this path.
func (s *Server) BroadcastLog(level, message string, at time.Time) {
	msg, err := NewMessage(TypeLog, LogPayload{Level: level, Message: message, Time: at})
	if err != nil {
		return
	}
	s.broadcast(msg)
}

func (s *Server) broadcast(msg Message) {
	for _, c := range s.subscribers() {
		if err := c.write(msg); err != nil {
			// stalled or vanished subscriber: cut it loose rather than
			// delay the remaining ones
			s.log.Debug("dropping unresponsive subscriber", logx.Err(err))
			_ = c.nc.Close()
		}
	}
}

// conn is one accepted client connection. Reads happen only in serve();
// writes are serialized by writeMu because pushes and replies
// interleave.
type conn struct {
	nc         net.Conn
	server     *Server
	writeMu    sync.Mutex
	subscribed atomic.Bool
}

func (c *conn) serve() {
	defer func() {
		c.server.removeConn(c)
		_ = c.nc.Close()
	}()

	for {
		msg, err := ReadMessage(c.nc)
		if err != nil {
			// client went away or sent garbage; either way this
			// connection is done
			return
		}
		if !c.handle(msg) {
			return
		}
	}
}

// handle dispatches one request. Returns false when the connection
// should close.
func (c *conn) handle(req Message) bool {
	s := c.server
	switch req.Type {
	case TypePing:
		return c.reply(Message{Type: TypePong})

	case TypeGetStatus:
		msg, err := NewMessage(TypeStatus, s.store.Snapshot())
		if err != nil {
			s.log.Error("status encode failed", logx.Err(err))
			return false
		}
		return c.reply(msg)

	case TypeTrigger:
		if s.trigger != nil {
			s.trigger()
		}
		return c.ack(TypeTrigger)

	case TypeSubscribe:
		c.subscribed.Store(true)
		return c.ack(TypeSubscribe)

	case TypeUnsubscribe:
		c.subscribed.Store(false)
		return c.ack(TypeUnsubscribe)

	case TypeStop:
		// ack first, then let the service tear everything down; the
		// accept loop keeps running until teardown closes the server
		ok := c.ack(TypeStop)
		if s.requestStop != nil {
			s.requestStop()
		}
		return ok

	default:
		// unsupported command is a protocol error: answer, then close
		// only this connection
		msg, err := NewMessage(TypeError, ErrorPayload{Message: fmt.Sprintf("unsupported command %q", req.Type)})
		if err == nil {
			_ = c.write(msg)
		}
		return false
	}
}

func (c *conn) ack(cmd MsgType) bool {
	msg, err := NewMessage(TypeAck, AckPayload{Command: cmd})
	if err != nil {
		return false
	}
	return c.reply(msg)
}

func (c *conn) reply(msg Message) bool {
	if err := c.write(msg); err != nil {
		c.server.log.Debug("ipc write failed", logx.Err(err))
		return false
	}
	return true
}

func (c *conn) write(msg Message) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := c.nc.SetWriteDeadline(time.Now().Add(writeTimeout)); err != nil {
		return err
	}
	return WriteMessage(c.nc, msg)
}

package ws

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
)

// ErrConnectionNotFound is returned by Send when the target identity has no
// live connection.
var ErrConnectionNotFound = errors.New("connection not found")

// Config holds the WebSocket server settings.
type Config struct {
	Addr              string        // listen address, e.g. ":8080"
	MaxConnections    int           // upper bound on concurrent connections
	Workers           int           // max concurrent frame-processing goroutines
	HeartbeatInterval time.Duration // how often to ping idle connections
	HeartbeatTimeout  time.Duration // grace period after interval before a peer is dead
	ReadTimeout       time.Duration // deadline for reading one frame
	WriteTimeout      time.Duration // deadline for writing one frame
}

// DefaultConfig returns production defaults. Interval plus timeout bounds
// dead-peer detection at 25 seconds.
func DefaultConfig() Config {
	return Config{
		Addr:              ":8080",
		MaxConnections:    10000,
		Workers:           256,
		HeartbeatInterval: 15 * time.Second,
		HeartbeatTimeout:  10 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      10 * time.Second,
	}
}

// Server accepts WebSocket connections at /ws/{identity} and reads frames
// with an epoll-driven loop on Linux (goroutine fallback elsewhere). It knows
// nothing about chat semantics; the owner wires behavior in through the
// OnConnect, OnDisconnect and OnFrame callbacks.
type Server struct {
	cfg     Config
	epoll   *Epoll
	conns   *ConnectionManager
	mux     *http.ServeMux
	httpSrv *http.Server
	sem     chan struct{} // worker-pool semaphore
	done    chan struct{}
	wg      sync.WaitGroup

	onConnect    func(identity string)
	onDisconnect func(identity string)
	onFrame      func(identity string, data []byte)
}

// NewServer creates a Server with the given config. Callbacks default to
// no-ops and can be set any time before Start.
func NewServer(cfg Config) (*Server, error) {
	ep, err := NewEpoll()
	if err != nil {
		return nil, fmt.Errorf("create epoll: %w", err)
	}

	s := &Server{
		cfg:   cfg,
		epoll: ep,
		conns: NewConnectionManager(),
		mux:   http.NewServeMux(),
		sem:   make(chan struct{}, cfg.Workers),
		done:  make(chan struct{}),
	}
	s.mux.HandleFunc("/ws/", s.handleUpgrade)
	s.mux.HandleFunc("/healthz", s.handleHealth)
	s.httpSrv = &http.Server{Addr: cfg.Addr, Handler: s.mux}
	return s, nil
}

// OnConnect sets the callback invoked after a connection is registered.
func (s *Server) OnConnect(fn func(identity string)) { s.onConnect = fn }

// OnDisconnect sets the callback invoked exactly once when a connection is
// torn down, whatever the cause.
func (s *Server) OnDisconnect(fn func(identity string)) { s.onDisconnect = fn }

// OnFrame sets the callback invoked with the payload of each inbound text
// frame.
func (s *Server) OnFrame(fn func(identity string, data []byte)) { s.onFrame = fn }

// Handle mounts an additional HTTP handler on the server's mux, letting the
// owner serve REST and metrics endpoints on the same listener.
func (s *Server) Handle(pattern string, handler http.Handler) {
	s.mux.Handle(pattern, handler)
}

// Connections exposes the connection registry for read-side consumers such
// as presence lookups.
func (s *Server) Connections() *ConnectionManager { return s.conns }

// Send delivers a raw text frame to the identity's connection. It implements
// the delivery interface the chat layer sends through. The write deadline
// keeps a stalled peer's full TCP buffer from holding the write mutex
// indefinitely, which would also stall the heartbeat's pings.
func (s *Server) Send(identity string, data []byte) error {
	conn := s.conns.Get(identity)
	if conn == nil {
		return ErrConnectionNotFound
	}

	if s.cfg.WriteTimeout > 0 {
		_ = conn.Conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout))
	}
	err := conn.WriteMessage(data)
	_ = conn.Conn.SetWriteDeadline(time.Time{})

	if err != nil {
		// Tear down off this stack. The disconnect callback re-enters the
		// chat layer, and the failed send may itself have come from there.
		go s.dropConnection(conn)
		return fmt.Errorf("write to %s: %w", identity, err)
	}
	return nil
}

// Start runs the read loop and heartbeat in the background and then serves
// HTTP until Shutdown. It blocks like http.ListenAndServe.
func (s *Server) Start() error {
	s.wg.Add(2)
	go s.readLoop()
	go s.heartbeatLoop()

	log.Printf("[ws] listening on %s", s.cfg.Addr)
	if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops accepting connections, closes all live connections and
// waits for the background loops to exit.
func (s *Server) Shutdown(ctx context.Context) error {
	close(s.done)
	err := s.httpSrv.Shutdown(ctx)

	for _, conn := range s.conns.All() {
		s.dropConnection(conn)
	}
	s.epoll.Close()
	s.wg.Wait()
	return err
}

// handleUpgrade validates the connect path and upgrades the HTTP request to
// a WebSocket connection. The path segment after /ws/ is the client-supplied
// identity token; it must be non-empty and unique among live connections.
func (s *Server) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	identity := strings.TrimPrefix(r.URL.Path, "/ws/")
	if identity == "" || strings.Contains(identity, "/") {
		http.Error(w, "missing client identity", http.StatusBadRequest)
		return
	}
	if s.conns.Count() >= s.cfg.MaxConnections {
		http.Error(w, "server at capacity", http.StatusServiceUnavailable)
		return
	}
	if s.conns.Get(identity) != nil {
		http.Error(w, "identity already connected", http.StatusConflict)
		return
	}

	conn, _, _, err := ws.UpgradeHTTP(r, w)
	if err != nil {
		log.Printf("[ws] upgrade failed for %s: %v", identity, err)
		return
	}

	c := &Connection{
		ID:         identity,
		Conn:       conn,
		CreatedAt:  time.Now(),
		LastActive: time.Now(),
	}
	if !s.conns.Add(c) {
		// Lost the duplicate-identity race to another upgrade.
		conn.Close()
		return
	}
	if err := s.epoll.Add(conn); err != nil {
		log.Printf("[ws] epoll add failed for %s: %v", identity, err)
		s.conns.Remove(identity)
		return
	}

	log.Printf("[ws] connected: %s (%d online)", identity, s.conns.Count())
	if s.onConnect != nil {
		s.onConnect(identity)
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	fmt.Fprintf(w, `{"status":"ok","connections":%d}`, s.conns.Count())
}

// readLoop waits for readable connections and hands each to a pooled worker.
// The processing flag guards against two workers reading the same connection
// when epoll reports it ready again before the first read finishes.
func (s *Server) readLoop() {
	defer s.wg.Done()
	for {
		conns, err := s.epoll.Wait()
		if err != nil {
			select {
			case <-s.done:
				return
			default:
				log.Printf("[ws] epoll wait: %v", err)
				continue
			}
		}

		for _, nc := range conns {
			c := s.conns.GetByConn(nc)
			if c == nil {
				continue
			}
			if !atomic.CompareAndSwapInt32(&c.processing, 0, 1) {
				continue
			}

			s.sem <- struct{}{}
			go func(c *Connection) {
				defer func() {
					atomic.StoreInt32(&c.processing, 0)
					<-s.sem
				}()
				s.readFrame(c)
			}(c)
		}
	}
}

// readFrame reads one frame from the connection using wsutil.NextReader so
// control frames (ping, pong, close) reach this code instead of being
// swallowed inside a blocking data read. Any inbound frame refreshes the
// activity clock, so a client that only answers pings stays alive. The read
// deadline bounds how long a stale readiness dispatch can pin a worker.
func (s *Server) readFrame(c *Connection) {
	if s.cfg.ReadTimeout > 0 {
		_ = c.Conn.SetReadDeadline(time.Now().Add(s.cfg.ReadTimeout))
	}

	header, reader, err := wsutil.NextReader(c.Conn, ws.StateServerSide)
	if err != nil {
		// A timeout means no frame was actually pending. Leave the
		// connection to the heartbeat.
		if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
			return
		}
		s.dropConnection(c)
		return
	}
	_ = c.Conn.SetReadDeadline(time.Time{})

	c.LastActive = time.Now()

	if header.OpCode.IsControl() {
		if header.OpCode == ws.OpClose {
			s.dropConnection(c)
		}
		// Ping and pong carry no work beyond the activity refresh.
		return
	}

	data := make([]byte, header.Length)
	if header.Length > 0 {
		if _, err := io.ReadFull(reader, data); err != nil {
			s.dropConnection(c)
			return
		}
	}

	if header.OpCode != ws.OpText || len(data) == 0 {
		return
	}
	if s.onFrame != nil {
		s.onFrame(c.ID, data)
	}
}

// dropConnection removes a connection from epoll and the registry and fires
// the disconnect callback. Remove's return value makes the callback fire at
// most once even when the read path and heartbeat race to drop the same peer.
func (s *Server) dropConnection(c *Connection) {
	s.epoll.Remove(c.Conn)
	if !s.conns.Remove(c.ID) {
		return
	}
	log.Printf("[ws] disconnected: %s (%d online)", c.ID, s.conns.Count())
	if s.onDisconnect != nil {
		s.onDisconnect(c.ID)
	}
}

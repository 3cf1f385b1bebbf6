package server

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"chatrelay/models"
	"chatrelay/protocol"

	"github.com/google/uuid"
)

type ServerConfig struct {
	Addr         string
	LoginTimeout time.Duration
	WriteTimeout time.Duration
}

// Journal receives session lifecycle events. A nil Journal passed to New
// disables journaling.
type Journal interface {
	Opened(sessionID, remoteAddr string, t time.Time) error
	LoggedIn(sessionID, name string, t time.Time) error
	Closed(sessionID, reason string, t time.Time) error
}

type nopJournal struct{}

func (nopJournal) Opened(string, string, time.Time) error   { return nil }
func (nopJournal) LoggedIn(string, string, time.Time) error { return nil }
func (nopJournal) Closed(string, string, time.Time) error   { return nil }

type Server struct {
	config   *ServerConfig
	log      *slog.Logger
	journal  Journal
	registry *Registry
	router   *Router

	mu       sync.Mutex
	sessions map[string]*Session // every live connection, logged in or not
	listener net.Listener
	closing  bool
	wg       sync.WaitGroup

	accepted atomic.Uint64
	started  time.Time
}

func New(config *ServerConfig, log *slog.Logger, journal Journal) *Server {
	if config.LoginTimeout <= 0 {
		config.LoginTimeout = 60 * time.Second
	}
	if log == nil {
		log = slog.Default()
	}
	if journal == nil {
		journal = nopJournal{}
	}

	registry := NewRegistry()
	return &Server{
		config:   config,
		log:      log,
		journal:  journal,
		registry: registry,
		router:   NewRouter(registry, log),
		sessions: make(map[string]*Session),
		started:  time.Now(),
	}
}

// Start listens on the configured address and serves until Shutdown.
func (s *Server) Start() error {
	listener, err := net.Listen("tcp", s.config.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.config.Addr, err)
	}
	return s.Serve(listener)
}

// Serve accepts connections on listener and runs one session goroutine
// per connection. It returns nil once the listener is closed by Shutdown.
func (s *Server) Serve(listener net.Listener) error {
	s.mu.Lock()
	if s.closing {
		s.mu.Unlock()
		listener.Close()
		return nil
	}
	s.listener = listener
	s.mu.Unlock()
	defer listener.Close()

	s.log.Info("Chat relay started", "addr", listener.Addr().String())

	for {
		conn, err := listener.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			s.log.Warn("Error accepting connection", "err", err)
			continue
		}
		s.handleConnection(conn)
	}
}

func (s *Server) handleConnection(conn net.Conn) {
	session := newSession(s, uuid.NewString(), conn)

	s.mu.Lock()
	if s.closing {
		s.mu.Unlock()
		conn.Close()
		return
	}
	s.sessions[session.ID] = session
	s.wg.Add(1)
	s.mu.Unlock()

	s.accepted.Add(1)
	if err := s.journal.Opened(session.ID, conn.RemoteAddr().String(), time.Now()); err != nil {
		session.log.Warn("Failed to journal connection", "err", err)
	}
	session.log.Info("New client connected")

	go func() {
		defer s.wg.Done()
		session.run()
	}()
}

func (s *Server) forget(session *Session) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, session.ID)
}

// Shutdown stops accepting, says goodbye to every connected client and
// waits for all sessions to finish their cleanup.
func (s *Server) Shutdown() {
	s.mu.Lock()
	s.closing = true
	if s.listener != nil {
		s.listener.Close()
	}
	sessions := make([]*Session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		sessions = append(sessions, sess)
	}
	s.mu.Unlock()

	for _, sess := range sessions {
		sess.peer.Send(protocol.Bye)
		_ = sess.peer.Close()
	}
	s.wg.Wait()
	s.log.Info("Chat relay stopped", "sessions", len(sessions))
}

// Stats returns a snapshot of the server state.
func (s *Server) Stats() models.Stats {
	s.mu.Lock()
	connections := len(s.sessions)
	s.mu.Unlock()

	return models.Stats{
		Connections: connections,
		Users:       s.registry.Names(),
		Accepted:    s.accepted.Load(),
		Uptime:      time.Since(s.started),
	}
}

func (s *Server) Registry() *Registry {
	return s.registry
}

func (s *Server) Router() *Router {
	return s.router
}

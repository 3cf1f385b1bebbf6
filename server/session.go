package server

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"sync"
	"time"

	"chatrelay/protocol"
)

type Phase int

const (
	Unauthenticated Phase = iota
	Authenticated
	Terminated
)

func (p Phase) String() string {
	switch p {
	case Unauthenticated:
		return "unauthenticated"
	case Authenticated:
		return "authenticated"
	case Terminated:
		return "terminated"
	default:
		return fmt.Sprintf("phase(%d)", int(p))
	}
}

// Reasons a session ends, as logged and journaled.
const (
	ReasonQuit      = "quit"
	ReasonTimeout   = "timeout"
	ReasonEOF       = "eof"
	ReasonClosed    = "closed"
	ReasonReadError = "read_error"
	ReasonPanic     = "panic"
	ReasonTooLong   = "line_too_long"
)

// Session is the protocol state of one connection. All fields except peer
// are owned by the goroutine running the session.
type Session struct {
	ID   string
	conn net.Conn
	peer *connPeer

	name   string
	phase  Phase
	reason string

	srv      *Server
	log      *slog.Logger
	stopOnce sync.Once
}

func newSession(srv *Server, id string, conn net.Conn) *Session {
	return &Session{
		ID:    id,
		conn:  conn,
		peer:  newConnPeer(conn, srv.config.WriteTimeout),
		phase: Unauthenticated,
		srv:   srv,
		log:   srv.log.With("session", id, "remote", conn.RemoteAddr().String()),
	}
}

func (s *Session) Phase() Phase {
	return s.phase
}

// run greets the client and processes lines until the session terminates.
// Every exit path, a recovered panic included, goes through terminate.
func (s *Session) run() {
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("Session panic", "panic", r)
			s.reason = ReasonPanic
		}
		s.terminate()
	}()

	s.greet()

	framer := protocol.NewFramer(s.conn)
	for s.phase != Terminated {
		if s.phase == Unauthenticated {
			if err := s.conn.SetReadDeadline(time.Now().Add(s.srv.config.LoginTimeout)); err != nil {
				s.reason = ReasonReadError
				return
			}
		}

		line, ok := framer.Next()
		if !ok {
			s.reason = readFailureReason(framer.Err())
			return
		}
		s.handleLine(line)
	}
}

func (s *Session) greet() {
	for _, line := range []string{protocol.Welcome, protocol.ProtocolHint, protocol.ClientTip} {
		s.reply(line)
	}
}

func (s *Session) reply(line string) {
	if !s.peer.Send(line) {
		s.log.Debug("Reply not delivered", "line", line)
	}
}

// terminate is the single cleanup path. It is safe to call more than once.
func (s *Session) terminate() {
	s.stopOnce.Do(func() {
		s.phase = Terminated
		if s.reason == "" {
			s.reason = ReasonClosed
		}

		if s.name == "" {
			_ = s.peer.Close()
			s.log.Info("Client disconnected", "reason", s.reason)
		} else {
			s.srv.registry.Remove(s.name, s.peer)
			_ = s.peer.Close()

			// skip presence notices if the name already belongs to a new connection
			if _, taken := s.srv.registry.Lookup(s.name); !taken {
				s.srv.router.Broadcast(protocol.UserLeft(s.name), "")
				s.srv.router.Broadcast(protocol.Online(s.srv.router.Directory()), "")
			}
			s.log.Info("User disconnected", "name", s.name, "reason", s.reason)
		}

		if err := s.srv.journal.Closed(s.ID, s.reason, time.Now()); err != nil {
			s.log.Warn("Failed to journal session end", "err", err)
		}
		s.srv.forget(s)
	})
}

func readFailureReason(err error) string {
	var netErr net.Error
	switch {
	case err == nil:
		return ReasonEOF
	case errors.Is(err, protocol.ErrLineTooLong):
		return ReasonTooLong
	case errors.Is(err, os.ErrDeadlineExceeded), errors.As(err, &netErr) && netErr.Timeout():
		return ReasonTimeout
	case errors.Is(err, net.ErrClosed):
		return ReasonClosed
	default:
		return ReasonReadError
	}
}

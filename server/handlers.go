package server

import (
	"strings"
	"time"

	"chatrelay/protocol"
)

func (s *Session) handleLine(line string) {
	cmd := protocol.ParseCommand(line)

	if cmd.Name == protocol.CmdLogin {
		s.handleLogin(cmd)
		return
	}
	if s.phase != Authenticated {
		s.reply(protocol.ErrLoginFirst)
		return
	}

	switch cmd.Name {
	case protocol.CmdList:
		s.handleList()
	case protocol.CmdAll:
		s.handleAll(cmd)
	case protocol.CmdDM:
		s.handleDM(cmd)
	case protocol.CmdQuit:
		s.handleQuit()
	default:
		s.reply(protocol.ErrUnknown)
	}
}

func (s *Session) handleLogin(cmd protocol.Command) {
	if s.phase == Authenticated {
		s.reply(protocol.ErrAlreadyIn)
		return
	}
	if !cmd.HasArgs(1) {
		s.reply(protocol.ErrLoginUsage)
		return
	}

	// "LOGIN  bob" carries an empty first token and is not a name
	requested := cmd.Rest
	if cmd.Args[0] == "" {
		requested = ""
	}
	if err := protocol.ValidateName(requested); err != nil {
		s.log.Debug("Rejected display name", "err", err)
		s.reply(protocol.ErrInvalidName)
		return
	}
	if !s.srv.registry.Register(requested, s.peer) {
		s.reply(protocol.ErrNameTaken)
		return
	}

	s.name = requested
	s.phase = Authenticated
	s.log = s.log.With("name", requested)

	// connections are long-lived once logged in
	if err := s.conn.SetReadDeadline(time.Time{}); err != nil {
		s.log.Warn("Failed to clear read deadline", "err", err)
	}
	if err := s.srv.journal.LoggedIn(s.ID, requested, time.Now()); err != nil {
		s.log.Warn("Failed to journal login", "err", err)
	}
	s.log.Info("User logged in")

	s.reply(protocol.LoggedIn(requested))
	s.srv.router.Broadcast(protocol.UserJoined(requested), requested)
	s.srv.router.Broadcast(protocol.Online(s.srv.router.Directory()), "")
}

func (s *Session) handleList() {
	s.reply(protocol.Online(s.srv.router.Directory()))
}

func (s *Session) handleAll(cmd protocol.Command) {
	if !cmd.HasArgs(1) {
		s.reply(protocol.ErrAllUsage)
		return
	}
	if cmd.Rest == "" {
		s.reply(protocol.ErrEmptyBody)
		return
	}
	s.srv.router.Broadcast(protocol.GroupMessage(s.name, cmd.Rest), "")
}

func (s *Session) handleDM(cmd protocol.Command) {
	if !cmd.HasArgs(2) {
		s.reply(protocol.ErrDMUsage)
		return
	}

	target := cmd.Args[0]
	body := strings.TrimSpace(cmd.Args[1])
	if body == "" {
		s.reply(protocol.ErrEmptyBody)
		return
	}
	if target == s.name {
		s.reply(protocol.ErrSelfDM)
		return
	}

	if s.srv.router.Direct(target, protocol.DirectMessage(s.name, body)) {
		s.reply(protocol.SentTo(target))
	} else {
		s.reply(protocol.UserNotFound(target))
	}
}

func (s *Session) handleQuit() {
	s.reply(protocol.Bye)
	s.reason = ReasonQuit
	s.phase = Terminated
}

package server

import (
	"log/slog"
	"strings"

	"chatrelay/protocol"

	"github.com/samber/lo"
)

// Router delivers lines to registered users and evicts peers whose send
// fails.
type Router struct {
	registry *Registry
	log      *slog.Logger
}

func NewRouter(registry *Registry, log *slog.Logger) *Router {
	return &Router{registry: registry, log: log}
}

// Broadcast sends line to every registered user except exclude (empty
// means nobody is excluded) and returns the names it evicted.
//
// Sends happen on a snapshot, outside the registry lock. Failed entries are
// then removed in one batch and their connections closed.
func (r *Router) Broadcast(line, exclude string) []string {
	targets := lo.Filter(r.registry.Snapshot(), func(e Entry, _ int) bool {
		return exclude == "" || e.Name != exclude
	})

	var dead []Entry
	for _, e := range targets {
		if !e.Peer.Send(line) {
			dead = append(dead, e)
		}
	}
	if len(dead) == 0 {
		return nil
	}

	removed := r.registry.RemoveAll(dead)
	for _, e := range removed {
		r.log.Info("Evicted unreachable user", "name", e.Name, "remote", e.Peer.RemoteAddr())
	}
	for _, e := range dead {
		_ = e.Peer.Close()
	}

	return lo.Map(removed, func(e Entry, _ int) string { return e.Name })
}

// Direct sends line to a single user. It returns false when the user is not
// registered or the send failed; in the latter case the user is evicted.
func (r *Router) Direct(name, line string) bool {
	peer, ok := r.registry.Lookup(name)
	if !ok {
		return false
	}
	if peer.Send(line) {
		return true
	}

	if r.registry.Remove(name, peer) {
		r.log.Info("Evicted unreachable user", "name", name, "remote", peer.RemoteAddr())
	}
	_ = peer.Close()
	return false
}

// Directory renders the online list: names sorted case-insensitively,
// comma separated, or "None".
func (r *Router) Directory() string {
	names := r.registry.Names()
	if len(names) == 0 {
		return protocol.NoneOnline
	}
	return strings.Join(names, ", ")
}

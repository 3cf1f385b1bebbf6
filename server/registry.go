package server

import (
	"sort"
	"strings"
	"sync"

	"github.com/samber/lo"
)

// Entry is one registered user.
type Entry struct {
	Name string
	Peer Peer
}

// Registry maps display names to peers. It holds non-owning references:
// only the session that registered a peer closes it during cleanup, except
// for peers the router evicts after a failed send.
//
// Every method holds the lock only for the map operation itself; callers
// send outside of it using Snapshot.
type Registry struct {
	mu    sync.Mutex
	peers map[string]Peer
}

func NewRegistry() *Registry {
	return &Registry{peers: make(map[string]Peer)}
}

// Register inserts name if it is not taken yet.
func (r *Registry) Register(name string, peer Peer) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, taken := r.peers[name]; taken {
		return false
	}
	r.peers[name] = peer
	return true
}

func (r *Registry) Unregister(name string) (Peer, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	peer, ok := r.peers[name]
	if ok {
		delete(r.peers, name)
	}
	return peer, ok
}

// Remove deletes name only while it still belongs to peer, so a stale
// owner can never drop a user who re-registered the same name.
func (r *Registry) Remove(name string, peer Peer) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.removeLocked(name, peer)
}

// RemoveAll is the batch form of Remove. It returns the entries that were
// actually removed.
func (r *Registry) RemoveAll(entries []Entry) []Entry {
	r.mu.Lock()
	defer r.mu.Unlock()

	return lo.Filter(entries, func(e Entry, _ int) bool {
		return r.removeLocked(e.Name, e.Peer)
	})
}

func (r *Registry) removeLocked(name string, peer Peer) bool {
	current, ok := r.peers[name]
	if !ok || current != peer {
		return false
	}
	delete(r.peers, name)
	return true
}

func (r *Registry) Lookup(name string) (Peer, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	peer, ok := r.peers[name]
	return peer, ok
}

// Snapshot copies the registry, ordered by name case-insensitively.
func (r *Registry) Snapshot() []Entry {
	r.mu.Lock()
	entries := make([]Entry, 0, len(r.peers))
	for name, peer := range r.peers {
		entries = append(entries, Entry{Name: name, Peer: peer})
	}
	r.mu.Unlock()

	sort.Slice(entries, func(i, j int) bool {
		a, b := strings.ToLower(entries[i].Name), strings.ToLower(entries[j].Name)
		if a != b {
			return a < b
		}
		return entries[i].Name < entries[j].Name
	})
	return entries
}

// Names lists registered names in directory order.
func (r *Registry) Names() []string {
	return lo.Map(r.Snapshot(), func(e Entry, _ int) string {
		return e.Name
	})
}

func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.peers)
}

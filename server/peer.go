package server

import (
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"
)

//go:generate go run go.uber.org/mock/mockgen -source=peer.go -destination=../mocks/mock_peer.go -package=mocks

// Peer is the send side of a client connection as seen by the registry and
// the router. Send reports whether the whole line was written; it returns
// false instead of failing once the peer is closed.
type Peer interface {
	Send(line string) bool
	Close() error
	RemoteAddr() string
}

type connPeer struct {
	conn         net.Conn
	writeTimeout time.Duration

	writeMu   sync.Mutex // one line at a time
	closed    atomic.Bool
	closeOnce sync.Once
	closeErr  error
}

func newConnPeer(conn net.Conn, writeTimeout time.Duration) *connPeer {
	return &connPeer{conn: conn, writeTimeout: writeTimeout}
}

func (p *connPeer) Send(line string) bool {
	if p.closed.Load() {
		return false
	}

	p.writeMu.Lock()
	defer p.writeMu.Unlock()

	if p.closed.Load() {
		return false
	}
	if p.writeTimeout > 0 {
		if err := p.conn.SetWriteDeadline(time.Now().Add(p.writeTimeout)); err != nil {
			return false
		}
	}
	_, err := io.WriteString(p.conn, line+"\n")
	return err == nil
}

// Close does not wait for an in-flight Send; closing the socket unblocks it.
func (p *connPeer) Close() error {
	p.closeOnce.Do(func() {
		p.closed.Store(true)
		p.closeErr = p.conn.Close()
	})
	return p.closeErr
}

func (p *connPeer) RemoteAddr() string {
	return p.conn.RemoteAddr().String()
}

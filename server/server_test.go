package server

import (
	"bufio"
	"errors"
	"io"
	"log/slog"
	"net"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"chatrelay/protocol"

	"github.com/stretchr/testify/require"
)

const readTimeout = 5 * time.Second

// setupTestServer starts a relay on a loopback port.
func setupTestServer(t *testing.T, loginTimeout time.Duration, journal Journal) (*Server, string) {
	t.Helper()

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	srv := New(&ServerConfig{
		Addr:         listener.Addr().String(),
		LoginTimeout: loginTimeout,
		WriteTimeout: 2 * time.Second,
	}, slog.New(slog.NewTextHandler(io.Discard, nil)), journal)

	done := make(chan error, 1)
	go func() { done <- srv.Serve(listener) }()
	t.Cleanup(func() {
		srv.Shutdown()
		require.NoError(t, <-done)
	})
	return srv, listener.Addr().String()
}

type testClient struct {
	t      *testing.T
	conn   net.Conn
	reader *bufio.Reader
}

// dial connects and consumes the greeting.
func dial(t *testing.T, addr string) *testClient {
	t.Helper()

	conn, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	c := &testClient{t: t, conn: conn, reader: bufio.NewReader(conn)}
	c.expect(protocol.Welcome)
	c.expect(protocol.ProtocolHint)
	c.expect(protocol.ClientTip)
	return c
}

func (c *testClient) send(line string) {
	c.t.Helper()
	require.NoError(c.t, c.conn.SetWriteDeadline(time.Now().Add(readTimeout)))
	_, err := c.conn.Write([]byte(line + "\n"))
	require.NoError(c.t, err)
}

func (c *testClient) readLine(timeout time.Duration) (string, error) {
	if err := c.conn.SetReadDeadline(time.Now().Add(timeout)); err != nil {
		return "", err
	}
	line, err := c.reader.ReadString('\n')
	if err != nil {
		return "", err
	}
	return strings.TrimSuffix(line, "\n"), nil
}

func (c *testClient) expect(want string) {
	c.t.Helper()
	got, err := c.readLine(readTimeout)
	require.NoError(c.t, err, "waiting for %q", want)
	require.Equal(c.t, want, got)
}

// expectSilence asserts nothing arrives for a short while.
func (c *testClient) expectSilence() {
	c.t.Helper()
	line, err := c.readLine(200 * time.Millisecond)
	require.Error(c.t, err, "unexpected line %q", line)
	require.True(c.t, errors.Is(err, os.ErrDeadlineExceeded), "unexpected error %v", err)
}

// expectClosed asserts the server closed the connection.
func (c *testClient) expectClosed() {
	c.t.Helper()
	line, err := c.readLine(readTimeout)
	require.ErrorIs(c.t, err, io.EOF, "unexpected line %q", line)
}

// login logs in and consumes the reply and the online list sent to the joiner.
func (c *testClient) login(name, online string) {
	c.t.Helper()
	c.send("LOGIN " + name)
	c.expect(protocol.LoggedIn(name))
	c.expect(protocol.Online(online))
}

func TestGreeting(t *testing.T) {
	_, addr := setupTestServer(t, time.Minute, nil)
	c := dial(t, addr)
	c.expectSilence()
}

func TestLogin_AnnouncesPresence(t *testing.T) {
	srv, addr := setupTestServer(t, time.Minute, nil)

	alice := dial(t, addr)
	alice.login("alice", "alice")

	bob := dial(t, addr)
	bob.login("bob", "alice, bob")

	alice.expect("SYS USER_JOINED bob")
	alice.expect("SYS ONLINE alice, bob")
	alice.expectSilence()
	// the joiner is not told about itself
	bob.expectSilence()

	require.Equal(t, []string{"alice", "bob"}, srv.Registry().Names())
}

func TestLogin_Validation(t *testing.T) {
	srv, addr := setupTestServer(t, time.Minute, nil)

	alice := dial(t, addr)
	alice.login("alice", "alice")

	c := dial(t, addr)
	c.send("LOGIN")
	c.expect("ERR Usage: LOGIN <name>")
	c.send("LOGIN bob smith")
	c.expect("ERR Invalid username (1-20 chars, no spaces)")
	c.send("LOGIN  bob")
	c.expect("ERR Invalid username (1-20 chars, no spaces)")
	c.send("LOGIN " + strings.Repeat("b", 21))
	c.expect("ERR Invalid username (1-20 chars, no spaces)")
	c.send("LOGIN alice")
	c.expect("ERR Username taken")

	require.Equal(t, []string{"alice"}, srv.Registry().Names())

	// still unauthenticated, a valid name works now
	c.send("login Alice")
	c.expect("OK Logged in as Alice")
	c.expect("SYS ONLINE Alice, alice")

	c.send("LOGIN other")
	c.expect("ERR Already logged in")
}

func TestCommands_RequireLogin(t *testing.T) {
	srv, addr := setupTestServer(t, time.Minute, nil)
	c := dial(t, addr)

	for _, line := range []string{"LIST", "ALL hi", "DM bob hi", "QUIT", "HELLO"} {
		c.send(line)
		c.expect("ERR Please LOGIN first")
	}
	require.Zero(t, srv.Registry().Len())
}

func TestList(t *testing.T) {
	_, addr := setupTestServer(t, time.Minute, nil)

	bob := dial(t, addr)
	bob.login("bob", "bob")
	alice := dial(t, addr)
	alice.login("Alice", "Alice, bob")
	bob.expect("SYS USER_JOINED Alice")
	bob.expect("SYS ONLINE Alice, bob")

	bob.send("list")
	bob.expect("SYS ONLINE Alice, bob")
	alice.expectSilence()
}

func TestAll_ReachesEveryoneIncludingSender(t *testing.T) {
	_, addr := setupTestServer(t, time.Minute, nil)

	alice := dial(t, addr)
	alice.login("alice", "alice")
	bob := dial(t, addr)
	bob.login("bob", "alice, bob")
	alice.expect("SYS USER_JOINED bob")
	alice.expect("SYS ONLINE alice, bob")

	bob.send("ALL hi")
	bob.expect("MSG GROUP bob hi")
	alice.expect("MSG GROUP bob hi")

	bob.send("all  spaced   out ")
	bob.expect("MSG GROUP bob spaced   out")
	alice.expect("MSG GROUP bob spaced   out")

	bob.send("ALL")
	bob.expect("ERR Usage: ALL <message>")
	alice.expectSilence()
}

func TestDM(t *testing.T) {
	_, addr := setupTestServer(t, time.Minute, nil)

	alice := dial(t, addr)
	alice.login("alice", "alice")
	bob := dial(t, addr)
	bob.login("bob", "alice, bob")
	alice.expect("SYS USER_JOINED bob")
	alice.expect("SYS ONLINE alice, bob")

	bob.send("DM alice hello there")
	alice.expect("MSG DM bob hello there")
	bob.expect("OK Sent to alice")

	bob.send("DM carol hi")
	bob.expect("ERR User not found: carol")

	bob.send("DM bob hi")
	bob.expect("ERR Cannot DM yourself")

	bob.send("DM alice")
	bob.expect("ERR Usage: DM <name> <message>")

	// names are case-sensitive
	bob.send("dm Alice hi")
	bob.expect("ERR User not found: Alice")

	alice.expectSilence()
}

func TestUnknownCommand(t *testing.T) {
	_, addr := setupTestServer(t, time.Minute, nil)
	c := dial(t, addr)
	c.login("alice", "alice")

	c.send("SHOUT hi")
	c.expect("ERR Unknown command. Use LIST | ALL | DM | QUIT")
	c.send("LIST")
	c.expect("SYS ONLINE alice")
}

func TestQuit_CleansUp(t *testing.T) {
	srv, addr := setupTestServer(t, time.Minute, nil)

	alice := dial(t, addr)
	alice.login("alice", "alice")
	bob := dial(t, addr)
	bob.login("bob", "alice, bob")
	alice.expect("SYS USER_JOINED bob")
	alice.expect("SYS ONLINE alice, bob")

	alice.send("QUIT")
	alice.expect("SYS BYE")
	alice.expectClosed()

	bob.expect("SYS USER_LEFT alice")
	bob.expect("SYS ONLINE bob")
	bob.expectSilence()

	bob.send("LIST")
	bob.expect("SYS ONLINE bob")
	require.Equal(t, []string{"bob"}, srv.Registry().Names())
}

func TestDisconnect_CleansUpOnce(t *testing.T) {
	srv, addr := setupTestServer(t, time.Minute, nil)

	alice := dial(t, addr)
	alice.login("alice", "alice")
	bob := dial(t, addr)
	bob.login("bob", "alice, bob")
	alice.expect("SYS USER_JOINED bob")
	alice.expect("SYS ONLINE alice, bob")

	require.NoError(t, alice.conn.Close())

	bob.expect("SYS USER_LEFT alice")
	bob.expect("SYS ONLINE bob")
	bob.expectSilence()

	require.Eventually(t, func() bool {
		return srv.Stats().Connections == 1
	}, readTimeout, 10*time.Millisecond)
}

func TestName_ReusableAfterDisconnect(t *testing.T) {
	_, addr := setupTestServer(t, time.Minute, nil)

	first := dial(t, addr)
	first.login("alice", "alice")
	first.send("QUIT")
	first.expect("SYS BYE")
	first.expectClosed()

	// the registry entry is gone before the connection closes
	second := dial(t, addr)
	second.login("alice", "alice")
}

func TestLoginTimeout_ClosesIdleConnection(t *testing.T) {
	srv, addr := setupTestServer(t, 200*time.Millisecond, nil)

	c := dial(t, addr)
	c.expectClosed()
	require.Zero(t, srv.Registry().Len())
}

func TestLoginTimeout_NotAppliedAfterLogin(t *testing.T) {
	_, addr := setupTestServer(t, 200*time.Millisecond, nil)

	c := dial(t, addr)
	c.login("alice", "alice")

	time.Sleep(500 * time.Millisecond)
	c.send("LIST")
	c.expect("SYS ONLINE alice")
}

func TestConcurrentLogins_SameName(t *testing.T) {
	srv, addr := setupTestServer(t, time.Minute, nil)

	const attempts = 16
	clients := make([]*testClient, attempts)
	for i := range clients {
		clients[i] = dial(t, addr)
	}

	replies := make([]string, attempts)
	var wg sync.WaitGroup
	for i, c := range clients {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = c.conn.Write([]byte("LOGIN alice\n"))
			replies[i], _ = c.readLine(readTimeout)
		}()
	}
	wg.Wait()

	var ok, taken int
	for _, reply := range replies {
		switch reply {
		case "OK Logged in as alice":
			ok++
		case "ERR Username taken":
			taken++
		}
	}
	require.Equal(t, 1, ok)
	require.Equal(t, attempts-1, taken)
	require.Equal(t, []string{"alice"}, srv.Registry().Names())
}

func TestShutdown_SaysBye(t *testing.T) {
	srv, addr := setupTestServer(t, time.Minute, nil)

	alice := dial(t, addr)
	alice.login("alice", "alice")
	guest := dial(t, addr)

	srv.Shutdown()

	alice.expect("SYS BYE")
	alice.expectClosed()
	guest.expect("SYS BYE")
	guest.expectClosed()

	require.Zero(t, srv.Registry().Len())
	require.Zero(t, srv.Stats().Connections)
}

func TestStats(t *testing.T) {
	srv, addr := setupTestServer(t, time.Minute, nil)

	bob := dial(t, addr)
	bob.login("bob", "bob")
	alice := dial(t, addr)
	alice.login("Alice", "Alice, bob")
	dial(t, addr)

	stats := srv.Stats()
	require.Equal(t, 3, stats.Connections)
	require.Equal(t, []string{"Alice", "bob"}, stats.Users)
	require.Equal(t, uint64(3), stats.Accepted)
	require.Positive(t, stats.Uptime)
}

type journalEvent struct {
	kind, id, value string
}

type recordingJournal struct {
	mu     sync.Mutex
	events []journalEvent
}

func (j *recordingJournal) record(kind, id, value string) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.events = append(j.events, journalEvent{kind, id, value})
	return nil
}

func (j *recordingJournal) Opened(id, remote string, _ time.Time) error {
	return j.record("opened", id, remote)
}

func (j *recordingJournal) LoggedIn(id, name string, _ time.Time) error {
	return j.record("logged_in", id, name)
}

func (j *recordingJournal) Closed(id, reason string, _ time.Time) error {
	return j.record("closed", id, reason)
}

func (j *recordingJournal) Events() []journalEvent {
	j.mu.Lock()
	defer j.mu.Unlock()
	return append([]journalEvent(nil), j.events...)
}

func TestJournal_RecordsLifecycle(t *testing.T) {
	journal := &recordingJournal{}
	srv, addr := setupTestServer(t, time.Minute, journal)

	c := dial(t, addr)
	c.login("alice", "alice")
	c.send("QUIT")
	c.expect("SYS BYE")
	c.expectClosed()

	require.Eventually(t, func() bool {
		return len(journal.Events()) == 3
	}, readTimeout, 10*time.Millisecond)

	events := journal.Events()
	require.Equal(t, "opened", events[0].kind)
	require.Equal(t, c.conn.LocalAddr().String(), events[0].value)
	require.Equal(t, journalEvent{"logged_in", events[0].id, "alice"}, events[1])
	require.Equal(t, journalEvent{"closed", events[0].id, ReasonQuit}, events[2])
	require.Equal(t, uint64(1), srv.Stats().Accepted)
}

func TestSession_TerminateIsIdempotent(t *testing.T) {
	req := require.New(t)
	journal := &recordingJournal{}
	srv := New(&ServerConfig{WriteTimeout: time.Second}, slog.New(slog.NewTextHandler(io.Discard, nil)), journal)

	serverConn, clientConn := net.Pipe()
	defer clientConn.Close()

	sess := newSession(srv, "session-1", serverConn)
	req.True(srv.registry.Register("alice", sess.peer))
	sess.name = "alice"
	sess.phase = Authenticated
	sess.reason = ReasonQuit

	sess.terminate()
	sess.terminate()

	req.Equal(Terminated, sess.Phase())
	req.Zero(srv.registry.Len())
	req.False(sess.peer.Send("late line"))
	req.Equal([]journalEvent{{"closed", "session-1", ReasonQuit}}, journal.Events())
}

func TestSession_TerminateLeavesTakenOverName(t *testing.T) {
	req := require.New(t)
	journal := &recordingJournal{}
	srv := New(&ServerConfig{WriteTimeout: time.Second}, slog.New(slog.NewTextHandler(io.Discard, nil)), journal)

	serverConn, clientConn := net.Pipe()
	defer clientConn.Close()

	observer := &stubPeer{}
	req.True(srv.registry.Register("bob", observer))

	sess := newSession(srv, "session-1", serverConn)
	req.True(srv.registry.Register("alice", sess.peer))
	sess.name = "alice"
	sess.phase = Authenticated

	// Given alice was evicted and logged in again from a new connection
	req.True(srv.registry.Remove("alice", sess.peer))
	fresh := &stubPeer{}
	req.True(srv.registry.Register("alice", fresh))

	// When the stale session cleans up
	sess.terminate()

	// Then the new owner keeps the name and nobody hears about a departure
	peer, ok := srv.registry.Lookup("alice")
	req.True(ok)
	req.Same(fresh, peer)
	req.Equal([]string{"alice", "bob"}, srv.registry.Names())
	req.Empty(observer.Lines())
	req.Empty(fresh.Lines())
	req.Equal([]journalEvent{{"closed", "session-1", ReasonClosed}}, journal.Events())
}

// panickyJournal blows up when the named user logs in.
type panickyJournal struct {
	recordingJournal
	name string
}

func (j *panickyJournal) LoggedIn(id, name string, at time.Time) error {
	if name == j.name {
		panic("journal unavailable")
	}
	return j.recordingJournal.LoggedIn(id, name, at)
}

func TestSession_PanicRunsCleanup(t *testing.T) {
	journal := &panickyJournal{name: "boom"}
	srv, addr := setupTestServer(t, time.Minute, journal)

	alice := dial(t, addr)
	alice.login("alice", "alice")

	c := dial(t, addr)
	c.send("LOGIN boom")
	c.expectClosed()

	alice.expect("SYS USER_LEFT boom")
	alice.expect("SYS ONLINE alice")
	alice.expectSilence()
	require.Equal(t, []string{"alice"}, srv.Registry().Names())

	require.Eventually(t, func() bool {
		for _, e := range journal.Events() {
			if e.kind == "closed" {
				return e.value == ReasonPanic
			}
		}
		return false
	}, readTimeout, 10*time.Millisecond)
}

func TestOverlongLine_ClosesConnection(t *testing.T) {
	journal := &recordingJournal{}
	_, addr := setupTestServer(t, time.Minute, journal)

	c := dial(t, addr)
	c.send("LIST")
	c.expect("ERR Please LOGIN first")

	// exactly one buffer of data and no terminator
	require.NoError(t, c.conn.SetWriteDeadline(time.Now().Add(readTimeout)))
	_, err := c.conn.Write([]byte(strings.Repeat("x", protocol.MaxLineLength)))
	require.NoError(t, err)
	c.expectClosed()

	require.Eventually(t, func() bool {
		events := journal.Events()
		return len(events) == 2 && events[1] == journalEvent{"closed", events[0].id, ReasonTooLong}
	}, readTimeout, 10*time.Millisecond)
}

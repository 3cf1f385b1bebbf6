// Package control serves the management socket of a running relay.
//
// The socket speaks one pipe-delimited packet per connection:
//
//	stats              online users and process figures
//	history|<n>        latest n journaled sessions
//	shutdown|<token>   stop the relay
//
// Replies are "OK|<text>" or "ERROR|<description>".
package control

import (
	"bufio"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"chatrelay/models"
	"chatrelay/protocol"

	"github.com/olekukonko/tablewriter"
	"github.com/shirou/gopsutil/process"
	"golang.org/x/crypto/bcrypt"
)

var (
	ErrUnauthorized = errors.New("unauthorized")
	ErrNoJournal    = errors.New("journal disabled")
)

const (
	defaultHistory = 20
	maxHistory     = 500
	replyTimeout   = 5 * time.Second
)

// Target is the relay being managed.
type Target interface {
	Stats() models.Stats
}

// History gives access to journaled sessions.
type History interface {
	Recent(limit int) ([]models.SessionRecord, error)
	Totals() (models.Totals, error)
}

type Options struct {
	Path      string
	TokenHash string // bcrypt hash; empty allows shutdown without a token
	Target    Target
	History   History // may be nil
	// OnShutdown is called after an authorized shutdown request was acknowledged.
	OnShutdown func()
	Log        *slog.Logger
}

type Socket struct {
	opts     Options
	log      *slog.Logger
	listener net.Listener
}

func New(opts Options) *Socket {
	log := opts.Log
	if log == nil {
		log = slog.Default()
	}
	if opts.OnShutdown == nil {
		opts.OnShutdown = func() {}
	}
	return &Socket{opts: opts, log: log}
}

// Listen replaces any stale socket file and starts listening.
func (s *Socket) Listen() error {
	_ = os.Remove(s.opts.Path)

	listener, err := net.Listen("unix", s.opts.Path)
	if err != nil {
		return fmt.Errorf("failed to create control socket %s: %w", s.opts.Path, err)
	}
	s.listener = listener
	s.log.Info("Control socket listening", "path", s.opts.Path)
	return nil
}

// Serve handles control connections until Close.
func (s *Socket) Serve() {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			s.log.Warn("Control accept failed", "err", err)
			continue
		}
		go s.handle(conn)
	}
}

func (s *Socket) Close() error {
	if s.listener == nil {
		return nil
	}
	err := s.listener.Close()
	_ = os.Remove(s.opts.Path)
	return err
}

func (s *Socket) handle(conn net.Conn) {
	defer conn.Close()

	_ = conn.SetDeadline(time.Now().Add(replyTimeout))
	line, err := bufio.NewReader(conn).ReadString('\n')
	if err != nil {
		return
	}

	pkt, err := protocol.ParsePacket(line)
	if err != nil {
		s.write(conn, protocol.FormatPacket("ERROR", "Invalid command"))
		return
	}

	switch pkt.Type {
	case "stats":
		s.write(conn, protocol.FormatPacket("OK", s.renderStats()))

	case "history":
		rows, err := s.history(pkt.Arg(0))
		if err != nil {
			s.write(conn, protocol.FormatPacket("ERROR", describe(err)))
			return
		}
		s.write(conn, protocol.FormatPacket("OK", rows))

	case "shutdown":
		if err := s.authorize(pkt.Arg(0)); err != nil {
			s.log.Warn("Rejected shutdown request", "err", err)
			s.write(conn, protocol.FormatPacket("ERROR", "Unauthorized"))
			return
		}
		s.write(conn, protocol.FormatPacket("OK", "Shutting down"))
		s.log.Info("Shutdown requested over control socket")
		s.opts.OnShutdown()

	default:
		s.write(conn, protocol.FormatPacket("ERROR", "Unknown command"))
	}
}

func (s *Socket) write(conn net.Conn, packet string) {
	if _, err := conn.Write([]byte(packet)); err != nil {
		s.log.Debug("Control reply failed", "err", err)
	}
}

func (s *Socket) authorize(token string) error {
	if s.opts.TokenHash == "" {
		return nil
	}
	if err := bcrypt.CompareHashAndPassword([]byte(s.opts.TokenHash), []byte(token)); err != nil {
		return fmt.Errorf("%w: %v", ErrUnauthorized, err)
	}
	return nil
}

// HashToken produces the value expected in CHATRELAY_CONTROL_TOKEN_HASH.
func HashToken(token string) (string, error) {
	hashed, err := bcrypt.GenerateFromPassword([]byte(token), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(hashed), nil
}

func (s *Socket) renderStats() string {
	stats := s.opts.Target.Stats()

	var b strings.Builder
	table := tablewriter.NewWriter(&b)
	table.SetHeader([]string{"#", "User"})
	table.SetAutoFormatHeaders(false)
	table.SetHeaderAlignment(tablewriter.ALIGN_LEFT)
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	table.SetBorder(false)
	for i, name := range stats.Users {
		table.Append([]string{strconv.Itoa(i + 1), name})
	}
	table.SetFooter([]string{"", fmt.Sprintf("%d online", len(stats.Users))})
	table.Render()

	fmt.Fprintf(&b, "connections=%d accepted=%d uptime=%s",
		stats.Connections, stats.Accepted, stats.Uptime.Round(time.Second))
	if rss, threads, err := selfStats(); err == nil {
		fmt.Fprintf(&b, " rss=%d threads=%d", rss, threads)
	} else {
		s.log.Debug("Failed to collect process stats", "err", err)
	}
	return b.String()
}

func (s *Socket) history(arg string) (string, error) {
	if s.opts.History == nil {
		return "", ErrNoJournal
	}

	limit := defaultHistory
	if arg != "" {
		n, err := strconv.Atoi(arg)
		if err != nil || n <= 0 {
			return "", fmt.Errorf("invalid limit %q", arg)
		}
		limit = min(n, maxHistory)
	}

	records, err := s.opts.History.Recent(limit)
	if err != nil {
		return "", fmt.Errorf("read journal: %w", err)
	}
	totals, err := s.opts.History.Totals()
	if err != nil {
		return "", fmt.Errorf("read journal: %w", err)
	}

	var b strings.Builder
	table := tablewriter.NewWriter(&b)
	table.SetHeader([]string{"Session", "Remote", "Name", "Connected", "Ended", "Reason"})
	table.SetAutoFormatHeaders(false)
	table.SetAutoWrapText(false)
	table.SetBorder(false)
	for _, r := range records {
		table.Append([]string{r.ID, r.RemoteAddr, r.Name, formatTime(r.ConnectedAt), formatTime(r.EndedAt), r.Reason})
	}
	table.Render()

	fmt.Fprintf(&b, "sessions=%d authenticated=%d names=%d",
		totals.Sessions, totals.Authenticated, totals.DistinctNames)
	return b.String(), nil
}

func selfStats() (uint64, int32, error) {
	p, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		return 0, 0, err
	}
	memInfo, err := p.MemoryInfo()
	if err != nil {
		return 0, 0, err
	}
	threads, err := p.NumThreads()
	if err != nil {
		return 0, 0, err
	}
	return memInfo.RSS, threads, nil
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.UTC().Format(time.RFC3339)
}

func describe(err error) string {
	if errors.Is(err, ErrNoJournal) {
		return "Journal disabled"
	}
	return err.Error()
}

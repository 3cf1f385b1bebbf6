package models

import "time"

// SessionRecord is one journaled connection.
type SessionRecord struct {
	ID          string
	RemoteAddr  string
	Name        string // empty if the client never logged in
	ConnectedAt time.Time
	LoggedInAt  time.Time
	EndedAt     time.Time
	Reason      string
}

// Totals aggregates the journal.
type Totals struct {
	Sessions      int
	Authenticated int
	DistinctNames int
}

// Stats is a point-in-time view of a running server.
type Stats struct {
	Connections int
	Users       []string
	Accepted    uint64
	Uptime      time.Duration
}

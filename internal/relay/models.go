package relay

import (
	"io"
	"time"
)

// SessionID uniquely identifies one streaming session.
type SessionID string

// Session is the externally visible state of a streaming session.
type Session struct {
	ID        SessionID `json:"id"`
	Stream    string    `json:"stream"`
	StartedAt time.Time `json:"started_at"`
	Bytes     int64     `json:"bytes"`
}

// SessionState is the stored representation of a session, including the
// handle used to stop its pipeline.
type SessionState struct {
	Session
	closer io.Closer
}

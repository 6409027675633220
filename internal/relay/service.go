// Package relay serves live pipelines over HTTP: every client request opens a
// session backed by its own pipeline.
package relay

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"hls-livepipe/internal/pipeline"
)

// ErrUnknownStream is returned by Open for a stream name the lookup rejects.
var ErrUnknownStream = errors.New("unknown stream")

// Lookup returns the resolver for a stream name.
type Lookup func(stream string) (pipeline.ResolveFunc, bool)

// Live is an open session together with its running pipeline.
type Live struct {
	Session  Session
	Pipeline *pipeline.Pipeline

	available chan struct{}
}

// Available is closed once the pipeline has delivered its first bytes.
func (l *Live) Available() <-chan struct{} { return l.available }

// Service opens and tracks sessions. It delegates storage to a Repository.
type Service struct {
	repo   Repository
	lookup Lookup
	base   pipeline.Config
	log    *slog.Logger
	now    func() time.Time
}

// NewService returns a Service. base is the template for every pipeline;
// its Resolve and Notifier fields are filled per session.
func NewService(repo Repository, lookup Lookup, base pipeline.Config, log *slog.Logger) *Service {
	if log == nil {
		log = slog.Default()
	}
	return &Service{repo: repo, lookup: lookup, base: base, log: log, now: time.Now}
}

// Open starts a pipeline for stream and registers a session for it. The
// pipeline stops when ctx is cancelled or Release/Stop is called.
func (s *Service) Open(ctx context.Context, stream string) (*Live, error) {
	resolve, ok := s.lookup(stream)
	if !ok {
		return nil, ErrUnknownStream
	}

	id := SessionID(uuid.NewString())
	log := s.log.With(slog.String("session_id", string(id)), slog.String("stream", stream))

	live := &Live{available: make(chan struct{})}
	var once sync.Once

	cfg := s.base
	cfg.Resolve = resolve
	cfg.Logger = log
	cfg.Notifier = pipeline.NotifierFuncs{
		OnAvailable: func() { once.Do(func() { close(live.available) }) },
	}
	if s.base.Notifier != nil {
		cfg.Notifier = pipeline.Notifiers{cfg.Notifier, s.base.Notifier}
	}

	p, err := pipeline.New(ctx, cfg)
	if err != nil {
		return nil, err
	}

	st := &SessionState{
		Session: Session{ID: id, Stream: stream, StartedAt: s.now().UTC()},
		closer:  p,
	}
	if err := s.repo.Add(st); err != nil {
		_ = p.Close()
		return nil, err
	}
	live.Session = st.Session
	live.Pipeline = p

	log.Info("session opened")
	return live, nil
}

// AddBytes records bytes sent to the session's client.
func (s *Service) AddBytes(id SessionID, n int64) {
	if err := s.repo.AddBytes(id, n); err != nil {
		s.log.Debug("add bytes to unknown session", slog.String("session_id", string(id)))
	}
}

// Stop closes the session's pipeline and forgets the session.
func (s *Service) Stop(id SessionID) error {
	closer, err := s.repo.Remove(id)
	if err != nil {
		return err
	}
	if closer != nil {
		_ = closer.Close()
	}
	s.log.Info("session closed", slog.String("session_id", string(id)))
	return nil
}

// Release is Stop for callers that already know the session may be gone.
func (s *Service) Release(id SessionID) {
	if err := s.Stop(id); err != nil && !errors.Is(err, ErrSessionNotFound) {
		s.log.Error("release session failed", slog.String("session_id", string(id)), slog.String("error", err.Error()))
	}
}

// Sessions lists open sessions.
func (s *Service) Sessions() []Session { return s.repo.List() }

// ActiveSessions returns the number of open sessions.
func (s *Service) ActiveSessions() int { return s.repo.ActiveSessionCount() }

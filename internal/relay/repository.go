package relay

import (
	"errors"
	"io"
	"sort"
	"sync"
)

// Repository defines the concurrency-safe contract for tracking open
// streaming sessions.
type Repository interface {
	// Add records a new session. Adding an existing id fails with
	// ErrDuplicateSession.
	Add(st *SessionState) error

	// AddBytes increases the delivered byte count of a session.
	AddBytes(id SessionID, n int64) error

	// Remove forgets a session and returns the closer registered with it.
	// Removing an unknown session returns ErrSessionNotFound.
	Remove(id SessionID) (io.Closer, error)

	// Get returns a copy of the session.
	Get(id SessionID) (Session, bool)

	// List returns all sessions ordered by start time.
	List() []Session

	// ActiveSessionCount returns the number of open sessions.
	// Used for metrics.
	ActiveSessionCount() int
}

var (
	// ErrSessionNotFound is returned for operations on unknown sessions.
	ErrSessionNotFound = errors.New("session not found")

	// ErrDuplicateSession is returned when adding a session id twice.
	ErrDuplicateSession = errors.New("session already exists")
)

// InMemoryRepository is a concurrency-safe in-memory implementation of Repository.
// It uses a Store for persistence; by default that is an InMemoryStore.
type InMemoryRepository struct {
	mu    sync.RWMutex
	store Store
}

// NewInMemoryRepository constructs a new repository with a default in-memory store.
func NewInMemoryRepository() *InMemoryRepository {
	return NewInMemoryRepositoryWithStore(NewInMemoryStore())
}

// NewInMemoryRepositoryWithStore constructs a repository that uses the given Store.
func NewInMemoryRepositoryWithStore(store Store) *InMemoryRepository {
	return &InMemoryRepository{store: store}
}

// Add implements Repository.Add.
func (r *InMemoryRepository) Add(st *SessionState) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.store.GetSession(st.ID); exists {
		return ErrDuplicateSession
	}
	r.store.SetSession(st)
	return nil
}

// AddBytes implements Repository.AddBytes.
func (r *InMemoryRepository) AddBytes(id SessionID, n int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	st, ok := r.store.GetSession(id)
	if !ok {
		return ErrSessionNotFound
	}
	st.Bytes += n
	return nil
}

// Remove implements Repository.Remove.
func (r *InMemoryRepository) Remove(id SessionID) (io.Closer, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	st, ok := r.store.GetSession(id)
	if !ok {
		return nil, ErrSessionNotFound
	}
	r.store.DeleteSession(id)
	return st.closer, nil
}

// Get implements Repository.Get.
func (r *InMemoryRepository) Get(id SessionID) (Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	st, ok := r.store.GetSession(id)
	if !ok {
		return Session{}, false
	}
	return st.Session, true
}

// List implements Repository.List.
func (r *InMemoryRepository) List() []Session {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ids := r.store.ListSessionIDs()
	out := make([]Session, 0, len(ids))
	for _, id := range ids {
		if st, ok := r.store.GetSession(id); ok {
			out = append(out, st.Session)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].StartedAt.Equal(out[j].StartedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].StartedAt.Before(out[j].StartedAt)
	})
	return out
}

// ActiveSessionCount implements Repository.ActiveSessionCount.
func (r *InMemoryRepository) ActiveSessionCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.store.ListSessionIDs())
}

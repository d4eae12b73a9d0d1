package session

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"sync"

	"captionai/internal/media"
	"captionai/internal/models"
)

var ErrInvalidID = errors.New("session: invalid session id")

var idPattern = regexp.MustCompile(`^[A-Za-z0-9_-]{1,128}$`)

// DefaultLimit is the number of live sessions kept when no limit is given.
const DefaultLimit = 1024

// Manager owns the live sessions. They are created on first use and, when a
// repository is configured, seeded from the stored transcript. Past limit,
// the least recently used idle session is dropped from memory; its stored
// turns are kept.
type Manager struct {
	repo  Repository
	limit int

	mu       sync.Mutex
	sessions map[string]*Session
}

// NewManager returns a manager; repo may be nil to keep transcripts in memory
// only. A limit of zero or less selects DefaultLimit.
func NewManager(repo Repository, limit int) *Manager {
	if limit <= 0 {
		limit = DefaultLimit
	}
	return &Manager{
		repo:     repo,
		limit:    limit,
		sessions: make(map[string]*Session),
	}
}

// Get returns the session for id, creating it if needed.
func (m *Manager) Get(ctx context.Context, id string) (*Session, error) {
	if !idPattern.MatchString(id) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidID, id)
	}
	m.mu.Lock()
	if s, ok := m.sessions[id]; ok {
		m.mu.Unlock()
		s.touch()
		return s, nil
	}
	m.mu.Unlock()

	s, err := m.load(ctx, id)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	// another request may have loaded it meanwhile
	if existing, ok := m.sessions[id]; ok {
		existing.touch()
		return existing, nil
	}
	if len(m.sessions) >= m.limit {
		m.evictLocked()
	}
	m.sessions[id] = s
	return s, nil
}

// Len reports the number of live sessions.
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

// evictLocked drops the least recently used idle session. Busy sessions are
// never dropped, so the limit is exceeded while all of them are busy.
func (m *Manager) evictLocked() {
	var (
		victim string
		oldest int64
	)
	for id, s := range m.sessions {
		if !s.idle() {
			continue
		}
		if used := s.lastUsed.Load(); victim == "" || used < oldest {
			victim, oldest = id, used
		}
	}
	if victim != "" {
		delete(m.sessions, victim)
	}
}

func (m *Manager) load(ctx context.Context, id string) (*Session, error) {
	s := newSession(id, m.repo)
	for _, mode := range []media.Kind{media.KindVideo, media.KindImage} {
		if m.repo != nil {
			turns, err := m.repo.ListTurns(ctx, id, mode)
			if err != nil {
				return nil, fmt.Errorf("load session %s: %w", id, err)
			}
			if len(turns) > 0 {
				s.convs[mode].turns = turns
				continue
			}
		}
		if _, err := s.Append(ctx, mode, models.RoleAssistant, greetings[mode]); err != nil {
			return nil, fmt.Errorf("greet session %s: %w", id, err)
		}
	}
	return s, nil
}

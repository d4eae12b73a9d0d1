// Package session keeps the per-session view state: one transcript and one
// last caption bundle per media mode, plus a guard against overlapping runs.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"captionai/internal/media"
	"captionai/internal/models"
	"captionai/internal/pipeline"
)

var (
	ErrRunInProgress = errors.New("session: a caption run is already in progress")
	ErrTurnNotFound  = errors.New("session: turn not found")
)

var greetings = map[media.Kind]string{
	media.KindVideo: "Hello! Upload a video file and I'll help you generate accurate captions using advanced AI technology.",
	media.KindImage: "Hello! Upload an image and I'll describe what's in it and answer your questions about it.",
}

type conversation struct {
	turns   []models.Turn
	bundle  *pipeline.Bundle
	running bool
	// replies this process has reserved and not yet resolved
	awaiting int
}

// Session is safe for concurrent use. Writes are serialized by writeMu so
// the stored sequence matches the in-memory order; mu guards the state itself
// and is never held across repository calls.
type Session struct {
	ID string

	writeMu  sync.Mutex
	mu       sync.RWMutex
	convs    map[media.Kind]*conversation
	repo     Repository
	lastUsed atomic.Int64
}

func newSession(id string, repo Repository) *Session {
	s := &Session{
		ID: id,
		convs: map[media.Kind]*conversation{
			media.KindVideo: {},
			media.KindImage: {},
		},
		repo: repo,
	}
	s.touch()
	return s
}

func (s *Session) touch() {
	s.lastUsed.Store(time.Now().UnixNano())
}

// idle reports whether no run is in flight and no reply is pending.
func (s *Session) idle() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, c := range s.convs {
		if c.running || c.awaiting > 0 {
			return false
		}
	}
	return true
}

func (s *Session) conv(mode media.Kind) (*conversation, error) {
	c, ok := s.convs[mode]
	if !ok {
		return nil, fmt.Errorf("%w: %q", media.ErrUnknownKind, mode)
	}
	return c, nil
}

// Begin marks a caption run in flight for mode. The returned release must be
// called when the run ends; a second Begin before that fails.
func (s *Session) Begin(mode media.Kind) (func(), error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, err := s.conv(mode)
	if err != nil {
		return nil, err
	}
	if c.running {
		return nil, ErrRunInProgress
	}
	c.running = true
	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			c.running = false
			s.mu.Unlock()
		})
	}, nil
}

// Append adds a finished turn. It is stored before it becomes visible.
func (s *Session) Append(ctx context.Context, mode media.Kind, role models.Role, content string) (models.Turn, error) {
	return s.append(ctx, mode, newTurn(role, content, false))
}

// AppendPending inserts an empty assistant turn that Resolve fills in later.
// Its position is fixed now, whatever order replies complete in.
func (s *Session) AppendPending(ctx context.Context, mode media.Kind) (models.Turn, error) {
	return s.append(ctx, mode, newTurn(models.RoleAssistant, "", true))
}

func (s *Session) append(ctx context.Context, mode media.Kind, turn models.Turn) (models.Turn, error) {
	if _, ok := s.convs[mode]; !ok {
		return models.Turn{}, fmt.Errorf("%w: %q", media.ErrUnknownKind, mode)
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if s.repo != nil {
		if err := s.repo.SaveTurn(ctx, s.ID, mode, turn); err != nil {
			return models.Turn{}, err
		}
	}
	s.mu.Lock()
	c := s.convs[mode]
	c.turns = append(c.turns, turn)
	if turn.Pending {
		c.awaiting++
	}
	s.mu.Unlock()
	return turn, nil
}

// Resolve sets the content of a pending turn in place. The stored row is
// updated first; on failure the turn stays as it was.
func (s *Session) Resolve(ctx context.Context, mode media.Kind, id, content string) (models.Turn, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	s.mu.RLock()
	c, err := s.conv(mode)
	if err != nil {
		s.mu.RUnlock()
		return models.Turn{}, err
	}
	idx := -1
	for i := range c.turns {
		if c.turns[i].ID == id {
			idx = i
			break
		}
	}
	if idx < 0 {
		s.mu.RUnlock()
		return models.Turn{}, ErrTurnNotFound
	}
	turn := c.turns[idx]
	s.mu.RUnlock()

	turn.Content = content
	turn.Pending = false
	if s.repo != nil {
		if err := s.repo.UpdateTurn(ctx, turn); err != nil {
			return models.Turn{}, err
		}
	}
	// turns are only ever appended, and writeMu is held, so idx is still valid
	s.mu.Lock()
	if c.turns[idx].Pending && c.awaiting > 0 {
		c.awaiting--
	}
	c.turns[idx] = turn
	s.mu.Unlock()
	return turn, nil
}

// Turns returns a copy of the transcript for mode.
func (s *Session) Turns(mode media.Kind) ([]models.Turn, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, err := s.conv(mode)
	if err != nil {
		return nil, err
	}
	return append([]models.Turn(nil), c.turns...), nil
}

// SetBundle stores the latest caption bundle for mode, replacing the previous one.
func (s *Session) SetBundle(mode media.Kind, b pipeline.Bundle) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, err := s.conv(mode)
	if err != nil {
		return err
	}
	c.bundle = &b
	return nil
}

// Bundle returns the latest caption bundle for mode.
func (s *Session) Bundle(mode media.Kind) (pipeline.Bundle, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.convs[mode]
	if !ok || c.bundle == nil {
		return pipeline.Bundle{}, false
	}
	return *c.bundle, true
}

func newTurn(role models.Role, content string, pending bool) models.Turn {
	return models.Turn{
		ID:        uuid.NewString(),
		Role:      role,
		Content:   content,
		CreatedAt: time.Now().UTC(),
		Pending:   pending,
	}
}

package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"mirage/internal/auth"
	"mirage/internal/browser"
	"mirage/internal/reconcile"
)

// Session binds one identity to its exclusive browsing context. Every
// automation action against the context goes through Run, which is the
// serialization point for the identity across all connections.
type Session struct {
	id       string
	registry *Registry

	// mu serializes automation. Held for the full duration of a command's
	// side effects so actions never interleave.
	mu   sync.Mutex
	auto browser.Automation

	stateMu  sync.RWMutex
	identity auth.Identity
	lastSeen time.Time

	transcript *reconcile.State
}

func newSession(identity auth.Identity, auto browser.Automation, registry *Registry) *Session {
	return &Session{
		id:         uuid.NewString(),
		registry:   registry,
		auto:       auto,
		identity:   identity,
		lastSeen:   time.Now(),
		transcript: reconcile.NewState(),
	}
}

// ID returns the session's stable identifier.
func (s *Session) ID() string {
	return s.id
}

// Identity returns the identity currently owning the session.
func (s *Session) Identity() auth.Identity {
	s.stateMu.RLock()
	defer s.stateMu.RUnlock()
	return s.identity
}

func (s *Session) setIdentity(identity auth.Identity) {
	s.stateMu.Lock()
	s.identity = identity
	s.stateMu.Unlock()
}

// Transcript returns the session's reconciled transcript state.
func (s *Session) Transcript() *reconcile.State {
	return s.transcript
}

func (s *Session) touch() {
	s.stateMu.Lock()
	s.lastSeen = time.Now()
	s.stateMu.Unlock()
}

func (s *Session) lastActivity() time.Time {
	s.stateMu.RLock()
	defer s.stateMu.RUnlock()
	return s.lastSeen
}

// Run executes fn against the session's browsing context under the
// serialization lock. If the context turns out to be invalidated, it is
// recreated transparently and fn retried once before the error surfaces.
func (s *Session) Run(ctx context.Context, fn func(browser.Automation) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.touch()

	if s.auto == nil || !s.auto.Healthy() {
		if err := s.recreateLocked(ctx); err != nil {
			return err
		}
	}

	err := fn(s.auto)
	if err != nil && errors.Is(err, browser.ErrContextInvalidated) {
		s.registry.logger.Warn("browsing context invalidated mid-command, recreating")
		if rerr := s.recreateLocked(ctx); rerr != nil {
			return fmt.Errorf("recreate after invalidation: %w (original: %v)", rerr, err)
		}
		err = fn(s.auto)
	}
	return err
}

// recreateLocked replaces the browsing context. Caller holds s.mu.
func (s *Session) recreateLocked(ctx context.Context) error {
	if s.auto != nil {
		_ = s.auto.Close()
		s.auto = nil
	}
	auto, err := s.registry.buildContext(ctx, s.Identity())
	if err != nil {
		return err
	}
	s.auto = auto
	return nil
}

// close tears down the browsing context. Called only by the registry, which
// has already removed the session from its table.
func (s *Session) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.auto != nil {
		_ = s.auto.Close()
		s.auto = nil
	}
}

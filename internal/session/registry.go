// Package session owns the mapping from caller identity to its exclusive
// browsing context. Creation is single-flight per identity, anonymous
// sessions are re-keyed on authentication, and idle sessions are swept.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"mirage/internal/auth"
	"mirage/internal/browser"
	"mirage/internal/creds"

	"go.uber.org/zap"
)

// ErrNoSession is returned by operations that need an existing session.
var ErrNoSession = errors.New("no session for identity")

// ContextFactory spawns isolated browsing contexts. *browser.Engine is the
// production implementation.
type ContextFactory interface {
	NewContext(ctx context.Context) (browser.Automation, error)
}

// CredentialSource supplies persisted upstream credentials for an identity.
// *creds.Store is the production implementation.
type CredentialSource interface {
	Lookup(identity string) (*creds.Set, error)
}

// Config holds registry tuning.
type Config struct {
	// LandingURL is where a fresh context navigates after credential seeding.
	LandingURL string
	// IdleTTL is how long a session may sit untouched before the sweep
	// tears it down.
	IdleTTL time.Duration
	// SweepInterval paces the idle sweep.
	SweepInterval time.Duration
}

func (c Config) idleTTL() time.Duration {
	if c.IdleTTL <= 0 {
		return 30 * time.Minute
	}
	return c.IdleTTL
}

func (c Config) sweepInterval() time.Duration {
	if c.SweepInterval <= 0 {
		return time.Minute
	}
	return c.SweepInterval
}

// Registry is the owner of all live sessions. All mutation of the
// identity→session and pending-creation tables goes through Acquire, Rekey,
// Release, InvalidateAll, and the sweep.
type Registry struct {
	cfg    Config
	engine ContextFactory
	creds  CredentialSource
	logger *zap.Logger

	mu       sync.RWMutex
	sessions map[auth.Identity]*Session

	flight singleflight.Group
}

func NewRegistry(cfg Config, engine ContextFactory, source CredentialSource, logger *zap.Logger) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{
		cfg:      cfg,
		engine:   engine,
		creds:    source,
		logger:   logger,
		sessions: make(map[auth.Identity]*Session),
	}
}

// Acquire returns the identity's session, creating it if absent. Concurrent
// calls for the same identity during creation share one in-flight creation
// and receive the identical session; a creation failure surfaces to every
// waiter and registers nothing.
func (r *Registry) Acquire(ctx context.Context, identity auth.Identity) (*Session, error) {
	if identity == "" {
		identity = auth.Anonymous
	}

	r.mu.RLock()
	if s, ok := r.sessions[identity]; ok {
		r.mu.RUnlock()
		s.touch()
		return s, nil
	}
	r.mu.RUnlock()

	result, err, _ := r.flight.Do(string(identity), func() (interface{}, error) {
		// A completed flight may have registered the session already.
		r.mu.RLock()
		if s, ok := r.sessions[identity]; ok {
			r.mu.RUnlock()
			return s, nil
		}
		r.mu.RUnlock()

		auto, err := r.buildContext(ctx, identity)
		if err != nil {
			return nil, err
		}

		s := newSession(identity, auto, r)
		r.mu.Lock()
		r.sessions[identity] = s
		r.mu.Unlock()

		r.logger.Info("session created", zap.String("identity", string(identity)))
		return s, nil
	})
	if err != nil {
		return nil, fmt.Errorf("create session for %s: %w", identity, err)
	}

	s := result.(*Session)
	s.touch()
	return s, nil
}

// buildContext spawns, seeds, and lands a fresh browsing context. On any
// failure the context is closed and nothing escapes.
func (r *Registry) buildContext(ctx context.Context, identity auth.Identity) (browser.Automation, error) {
	auto, err := r.engine.NewContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("new browsing context: %w", err)
	}

	if r.creds != nil && !identity.IsAnonymous() {
		set, err := r.creds.Lookup(string(identity))
		switch {
		case errors.Is(err, creds.ErrNotFound):
			// First visit for this identity; the session starts logged out.
		case err != nil:
			_ = auto.Close()
			return nil, fmt.Errorf("lookup credentials: %w", err)
		default:
			if err := auto.SeedCredentials(ctx, set.CookiesJSON, set.LocalStorage); err != nil {
				_ = auto.Close()
				return nil, fmt.Errorf("seed credentials: %w", err)
			}
		}
	}

	if r.cfg.LandingURL != "" {
		if err := auto.Navigate(ctx, r.cfg.LandingURL); err != nil {
			_ = auto.Close()
			return nil, fmt.Errorf("navigate landing: %w", err)
		}
	}
	return auto, nil
}

// Lookup returns the live session for an identity without creating one.
func (r *Registry) Lookup(identity auth.Identity) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[identity]
	return s, ok
}

// Rekey transfers ownership of a live session from one identity to another,
// preserving the underlying browsing context and any in-progress work. Used
// when an anonymous caller authenticates. If the target identity already
// holds a session, the source session is released instead.
func (r *Registry) Rekey(from, to auth.Identity) *Session {
	if from == to {
		r.mu.RLock()
		s := r.sessions[to]
		r.mu.RUnlock()
		return s
	}

	r.mu.Lock()
	src, ok := r.sessions[from]
	if !ok {
		s := r.sessions[to]
		r.mu.Unlock()
		return s
	}
	if existing, ok := r.sessions[to]; ok {
		delete(r.sessions, from)
		r.mu.Unlock()
		src.close()
		r.logger.Info("dropped session in favor of existing",
			zap.String("from", string(from)), zap.String("to", string(to)))
		return existing
	}
	delete(r.sessions, from)
	r.sessions[to] = src
	src.setIdentity(to)
	r.mu.Unlock()

	r.logger.Info("session re-keyed",
		zap.String("from", string(from)), zap.String("to", string(to)))
	return src
}

// Release tears down an identity's session (explicit logout).
func (r *Registry) Release(identity auth.Identity) error {
	r.mu.Lock()
	s, ok := r.sessions[identity]
	if ok {
		delete(r.sessions, identity)
	}
	r.mu.Unlock()
	if !ok {
		return ErrNoSession
	}
	s.close()
	r.logger.Info("session released", zap.String("identity", string(identity)))
	return nil
}

// InvalidateAll tears down every session. Called after upstream credentials
// change, since every live context carries cookies derived from them.
func (r *Registry) InvalidateAll() {
	r.mu.Lock()
	sessions := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		sessions = append(sessions, s)
	}
	r.sessions = make(map[auth.Identity]*Session)
	r.mu.Unlock()

	for _, s := range sessions {
		s.close()
	}
	r.logger.Info("all sessions invalidated", zap.Int("count", len(sessions)))
}

// Sweep removes sessions idle past the threshold. Runs independently of
// request handling.
func (r *Registry) Sweep(now time.Time) int {
	threshold := r.cfg.idleTTL()

	r.mu.Lock()
	var expired []*Session
	for identity, s := range r.sessions {
		if now.Sub(s.lastActivity()) > threshold {
			delete(r.sessions, identity)
			expired = append(expired, s)
		}
	}
	r.mu.Unlock()

	for _, s := range expired {
		r.logger.Info("sweeping idle session", zap.String("identity", string(s.Identity())))
		s.close()
	}
	return len(expired)
}

// StartSweeper runs the idle sweep until ctx is cancelled.
func (r *Registry) StartSweeper(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(r.cfg.sweepInterval())
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case now := <-ticker.C:
				r.Sweep(now)
			}
		}
	}()
}

// Count reports the number of live sessions.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

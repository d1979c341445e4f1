// Package browser manages the shared headless automation engine and the
// isolated browsing contexts handed out to sessions.
package browser

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/launcher/flags"
	"go.uber.org/zap"
)

// Config holds engine configuration.
type Config struct {
	// DebuggerURL attaches to an already-running Chrome. When empty a fresh
	// instance is launched.
	DebuggerURL string
	// Launch is the binary plus extra flags for a launched instance.
	Launch              []string
	Headless            bool
	ViewportWidth       int
	ViewportHeight      int
	NavigationTimeoutMs int
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		Headless:            true,
		ViewportWidth:       1440,
		ViewportHeight:      900,
		NavigationTimeoutMs: 30000,
	}
}

func (c Config) viewportWidth() int {
	if c.ViewportWidth == 0 {
		return 1440
	}
	return c.ViewportWidth
}

func (c Config) viewportHeight() int {
	if c.ViewportHeight == 0 {
		return 900
	}
	return c.ViewportHeight
}

// NavigationTimeout returns the navigation timeout.
func (c Config) NavigationTimeout() time.Duration {
	if c.NavigationTimeoutMs == 0 {
		return 30 * time.Second
	}
	return time.Duration(c.NavigationTimeoutMs) * time.Millisecond
}

// Engine owns the single process-wide browser instance. Many isolated
// incognito contexts share it; the engine itself is safe for concurrent use.
type Engine struct {
	cfg    Config
	logger *zap.Logger

	mu         sync.RWMutex
	browser    *rod.Browser
	controlURL string
}

func NewEngine(cfg Config, logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{cfg: cfg, logger: logger}
}

// Start connects to an existing Chrome or launches a new one. Safe to call
// repeatedly; a stale connection is detected and replaced.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.browser != nil {
		if _, err := e.browser.Version(); err == nil {
			return nil
		}
		e.logger.Warn("stale browser connection detected, reconnecting")
		_ = e.browser.Close()
		e.browser = nil
		e.controlURL = ""
	}

	controlURL := e.cfg.DebuggerURL
	if controlURL == "" && len(e.cfg.Launch) > 0 {
		bin := e.cfg.Launch[0]
		launch := launcher.New().Bin(bin).Headless(e.cfg.Headless)
		for _, rawFlag := range e.cfg.Launch[1:] {
			flagStr := strings.TrimLeft(rawFlag, "-")
			name, val, hasVal := strings.Cut(flagStr, "=")
			if hasVal {
				launch = launch.Set(flags.Flag(name), val)
			} else {
				launch = launch.Set(flags.Flag(name))
			}
		}
		url, err := launch.Launch()
		if err != nil {
			// Retry without the extra flags before giving up.
			fallback := launcher.New().Bin(bin).Headless(e.cfg.Headless)
			alt, altErr := fallback.Launch()
			if altErr != nil {
				return fmt.Errorf("launch chrome: %w (fallback: %v)", err, altErr)
			}
			controlURL = alt
		} else {
			controlURL = url
		}
	}

	if controlURL == "" {
		url, err := launcher.New().Headless(e.cfg.Headless).Launch()
		if err != nil {
			return fmt.Errorf("no debugger_url and failed to launch: %w", err)
		}
		controlURL = url
	}

	browser := rod.New().ControlURL(controlURL).Context(ctx)
	if err := browser.Connect(); err != nil {
		return fmt.Errorf("connect to chrome: %w", err)
	}

	e.browser = browser
	e.controlURL = controlURL
	e.logger.Info("browser engine connected", zap.Bool("headless", e.cfg.Headless))
	return nil
}

func (e *Engine) ensureStarted(ctx context.Context) error {
	e.mu.RLock()
	connected := e.browser != nil
	e.mu.RUnlock()
	if connected {
		return nil
	}
	return e.Start(ctx)
}

// ControlURL returns the DevTools WebSocket URL.
func (e *Engine) ControlURL() string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.controlURL
}

// IsConnected reports whether the engine holds a live browser.
func (e *Engine) IsConnected() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.browser != nil
}

// NewContext spawns an isolated incognito browsing context with one page.
// The caller owns the returned context and must Close it.
func (e *Engine) NewContext(ctx context.Context) (Automation, error) {
	if err := e.ensureStarted(ctx); err != nil {
		return nil, err
	}

	e.mu.RLock()
	browser := e.browser
	e.mu.RUnlock()
	if browser == nil {
		return nil, ErrNotConnected
	}

	incognito, err := browser.Incognito()
	if err != nil {
		return nil, fmt.Errorf("incognito context: %w", err)
	}

	return newContext(incognito, e.cfg, e.logger)
}

// Shutdown closes the browser. Open contexts die with it.
func (e *Engine) Shutdown(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	var err error
	if e.browser != nil {
		err = e.browser.Close()
		e.browser = nil
	}
	e.controlURL = ""
	return err
}

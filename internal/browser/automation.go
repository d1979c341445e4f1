package browser

import (
	"context"
	"encoding/json"
	"errors"
)

var (
	// ErrContextInvalidated marks a browsing context that became unusable
	// mid-session (crashed tab, closed target). The session layer reacts by
	// recreating the context and retrying once.
	ErrContextInvalidated = errors.New("browsing context invalidated")

	ErrNotConnected = errors.New("browser not connected")
)

// Automation is the surface the core drives a browsing context through.
// *Context is the rod-backed implementation; tests substitute fakes.
type Automation interface {
	// Navigate loads a URL and waits for the navigation to settle.
	Navigate(ctx context.Context, url string) error
	// CurrentURL reports the page's current location.
	CurrentURL(ctx context.Context) (string, error)
	// Input focuses the element at selector and types text into it.
	Input(ctx context.Context, selector, text string) error
	// Click clicks the first element matching selector.
	Click(ctx context.Context, selector string) error
	// Eval runs a zero-argument JS function literal and returns its result.
	Eval(ctx context.Context, js string) (json.RawMessage, error)
	// PressEscape dismisses transient UI (modals, focused players).
	PressEscape(ctx context.Context) error
	// SeedCredentials installs persisted cookies and localStorage before the
	// first navigation so the remote app sees an authenticated visitor.
	SeedCredentials(ctx context.Context, cookiesJSON, localStorageJSON string) error
	// Healthy reports whether the underlying target is still usable.
	Healthy() bool
	Close() error
}

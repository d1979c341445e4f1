// Package browsertest provides a scriptable in-memory Automation for tests
// that exercise the session, extraction, and channel layers without a
// browser.
package browsertest

import (
	"context"
	"encoding/json"
	"sync"

	"mirage/internal/browser"
)

// Input records one typed interaction.
type Input struct {
	Selector string
	Text     string
}

// Fake implements browser.Automation with recorded interactions and
// scriptable results. Safe for concurrent use.
type Fake struct {
	mu sync.Mutex

	// EvalFn scripts Eval results, keyed on the submitted JS.
	EvalFn func(js string) (json.RawMessage, error)
	// NavigateErr fails the next Navigate calls when set.
	NavigateErr error
	// URL is returned by CurrentURL; Navigate updates it.
	URL string
	// ClickRedirect, when set, becomes the current URL after each click,
	// simulating apps that navigate on submission.
	ClickRedirect string

	unhealthy bool

	Navigations []string
	Inputs      []Input
	Clicks      []string
	Escapes     int
	CloseCount  int

	SeededCookies string
	SeededStorage string
}

// New returns a healthy fake.
func New() *Fake {
	return &Fake{}
}

func (f *Fake) Navigate(ctx context.Context, url string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.NavigateErr != nil {
		return f.NavigateErr
	}
	f.Navigations = append(f.Navigations, url)
	f.URL = url
	return nil
}

func (f *Fake) CurrentURL(ctx context.Context) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.URL, nil
}

func (f *Fake) Input(ctx context.Context, selector, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Inputs = append(f.Inputs, Input{Selector: selector, Text: text})
	return nil
}

func (f *Fake) Click(ctx context.Context, selector string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Clicks = append(f.Clicks, selector)
	if f.ClickRedirect != "" {
		f.URL = f.ClickRedirect
	}
	return nil
}

func (f *Fake) Eval(ctx context.Context, js string) (json.RawMessage, error) {
	f.mu.Lock()
	fn := f.EvalFn
	f.mu.Unlock()
	if fn == nil {
		return nil, nil
	}
	return fn(js)
}

func (f *Fake) PressEscape(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Escapes++
	return nil
}

func (f *Fake) SeedCredentials(ctx context.Context, cookiesJSON, localStorageJSON string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.SeededCookies = cookiesJSON
	f.SeededStorage = localStorageJSON
	return nil
}

// Invalidate marks the fake unhealthy, as if the underlying target died.
func (f *Fake) Invalidate() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.unhealthy = true
}

func (f *Fake) Healthy() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return !f.unhealthy
}

func (f *Fake) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.CloseCount++
	return nil
}

// Closed reports how many times Close ran.
func (f *Fake) Closed() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.CloseCount
}

var _ browser.Automation = (*Fake)(nil)

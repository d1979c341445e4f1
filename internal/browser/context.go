package browser

import (
	"context"
	"encoding/json"
	"fmt"
	"sync/atomic"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/input"
	"github.com/go-rod/rod/lib/proto"
	"go.uber.org/zap"
)

// Context is one isolated browsing context with a single page. It is not
// safe for concurrent use; the session layer serializes every caller.
type Context struct {
	incognito *rod.Browser
	page      *rod.Page
	cfg       Config
	logger    *zap.Logger
	closed    atomic.Bool
}

func newContext(incognito *rod.Browser, cfg Config, logger *zap.Logger) (*Context, error) {
	page, err := incognito.Page(proto.TargetCreateTarget{URL: "about:blank"})
	if err != nil {
		return nil, fmt.Errorf("create page: %w", err)
	}

	if err := (proto.EmulationSetDeviceMetricsOverride{
		Width:             cfg.viewportWidth(),
		Height:            cfg.viewportHeight(),
		DeviceScaleFactor: 1.0,
		Mobile:            false,
	}).Call(page); err != nil {
		logger.Warn("failed to set viewport", zap.Error(err))
	}

	return &Context{incognito: incognito, page: page, cfg: cfg, logger: logger}, nil
}

func (c *Context) guard(err error) error {
	if err == nil {
		return nil
	}
	if !c.Healthy() {
		return fmt.Errorf("%w: %v", ErrContextInvalidated, err)
	}
	return err
}

// Navigate loads a URL and waits for the load event.
func (c *Context) Navigate(ctx context.Context, url string) error {
	page := c.page.Context(ctx).Timeout(c.cfg.NavigationTimeout())
	if err := page.Navigate(url); err != nil {
		return c.guard(fmt.Errorf("navigate %s: %w", url, err))
	}
	if err := page.WaitLoad(); err != nil {
		return c.guard(fmt.Errorf("wait load %s: %w", url, err))
	}
	return nil
}

// CurrentURL reports the page's current location.
func (c *Context) CurrentURL(ctx context.Context) (string, error) {
	info, err := c.page.Context(ctx).Info()
	if err != nil {
		return "", c.guard(err)
	}
	return info.URL, nil
}

// Input types text into the element at selector.
func (c *Context) Input(ctx context.Context, selector, text string) error {
	el, err := c.page.Context(ctx).Element(selector)
	if err != nil {
		return c.guard(fmt.Errorf("element not found %q: %w", selector, err))
	}
	if err := el.Input(text); err != nil {
		return c.guard(err)
	}
	return nil
}

// Click clicks the first element matching selector.
func (c *Context) Click(ctx context.Context, selector string) error {
	el, err := c.page.Context(ctx).Element(selector)
	if err != nil {
		return c.guard(fmt.Errorf("element not found %q: %w", selector, err))
	}
	if err := el.Click(proto.InputMouseButtonLeft, 1); err != nil {
		return c.guard(err)
	}
	return nil
}

// Eval runs a zero-argument JS function literal in the page.
func (c *Context) Eval(ctx context.Context, js string) (json.RawMessage, error) {
	res, err := c.page.Context(ctx).Evaluate(&rod.EvalOptions{
		JS:           js,
		ByValue:      true,
		AwaitPromise: true,
	})
	if err != nil {
		return nil, c.guard(err)
	}
	if res == nil || res.Value.Nil() {
		return nil, nil
	}
	raw, err := res.Value.MarshalJSON()
	if err != nil {
		return nil, fmt.Errorf("marshal eval result: %w", err)
	}
	return raw, nil
}

// PressEscape dismisses transient UI such as an opened video player.
func (c *Context) PressEscape(ctx context.Context) error {
	return c.guard(c.page.Context(ctx).Keyboard.Press(input.Escape))
}

// SeedCredentials installs persisted cookies and localStorage so the remote
// application recognizes the identity on first navigation. Cookies are a JSON
// array of cookie params; localStorage is a JSON object of key/value pairs.
func (c *Context) SeedCredentials(ctx context.Context, cookiesJSON, localStorageJSON string) error {
	if cookiesJSON != "" && cookiesJSON != "[]" {
		var params []*proto.NetworkCookieParam
		if err := json.Unmarshal([]byte(cookiesJSON), &params); err != nil {
			return fmt.Errorf("decode cookies: %w", err)
		}
		if len(params) > 0 {
			if err := c.page.Context(ctx).SetCookies(params); err != nil {
				return c.guard(fmt.Errorf("set cookies: %w", err))
			}
		}
	}

	if localStorageJSON != "" && localStorageJSON != "{}" {
		_, err := c.page.Context(ctx).Evaluate(&rod.EvalOptions{
			JS: `
			(data) => {
				try {
					const entries = JSON.parse(data || "{}");
					Object.entries(entries).forEach(([k, v]) => localStorage.setItem(k, v));
				} catch (e) {}
			}
			`,
			JSArgs:       []interface{}{localStorageJSON},
			ByValue:      true,
			AwaitPromise: true,
			UserGesture:  true,
		})
		if err != nil {
			return c.guard(fmt.Errorf("restore localStorage: %w", err))
		}
	}
	return nil
}

// Healthy reports whether the underlying target is still usable.
func (c *Context) Healthy() bool {
	if c.closed.Load() {
		return false
	}
	_, err := c.page.Info()
	return err == nil
}

// Close tears down the page and disposes the incognito context.
func (c *Context) Close() error {
	if c.closed.Swap(true) {
		return nil
	}
	err := c.page.Close()
	if c.incognito.BrowserContextID != "" {
		derr := proto.TargetDisposeBrowserContext{
			BrowserContextID: c.incognito.BrowserContextID,
		}.Call(c.incognito)
		if err == nil {
			err = derr
		}
	}
	return err
}

package infra

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/input"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/proto"
	"go.uber.org/zap"

	"github.com/iujab/vm-terminal-sub000/internal/domain"
)

// BrowserOptions configures the controlled browser.
type BrowserOptions struct {
	URL        string
	Headless   bool
	Width      int
	Height     int
	ProfileDir string
	Bin        string // Chrome binary; looked up when empty
	LoadWait   time.Duration
}

// RodExecutor drives a Chrome page over CDP. It implements
// domain.ActionExecutor and domain.ScreenshotSource. Calls are serialized
// because the coordinator and the player may both execute.
type RodExecutor struct {
	launcher *launcher.Launcher
	browser  *rod.Browser
	page     *rod.Page
	pid      int
	loadWait time.Duration
	logger   *zap.Logger

	mu     sync.Mutex
	closed bool
}

// LaunchBrowser starts Chrome and opens the start page.
func LaunchBrowser(opts BrowserOptions, logger *zap.Logger) (*RodExecutor, error) {
	bin := opts.Bin
	if bin == "" {
		bin, _ = launcher.LookPath()
	}
	l := launcher.New().Bin(bin).Headless(opts.Headless)
	if opts.ProfileDir != "" {
		l = l.UserDataDir(opts.ProfileDir)
	}

	u, err := l.Launch()
	if err != nil {
		return nil, fmt.Errorf("failed to launch browser: %w", err)
	}

	browser := rod.New().ControlURL(u)
	if err := browser.Connect(); err != nil {
		l.Kill()
		return nil, fmt.Errorf("failed to connect to browser: %w", err)
	}

	startURL := opts.URL
	if startURL == "" {
		startURL = "about:blank"
	}
	page, err := browser.Page(proto.TargetCreateTarget{URL: startURL})
	if err != nil {
		browser.Close()
		l.Kill()
		return nil, fmt.Errorf("failed to open page: %w", err)
	}

	if opts.Width > 0 && opts.Height > 0 {
		if err := page.SetViewport(&proto.EmulationSetDeviceMetricsOverride{
			Width:             opts.Width,
			Height:            opts.Height,
			DeviceScaleFactor: 1,
		}); err != nil {
			logger.Warn("failed to set viewport", zap.Error(err))
		}
	}

	loadWait := opts.LoadWait
	if loadWait == 0 {
		loadWait = 10 * time.Second
	}
	e := &RodExecutor{
		launcher: l,
		browser:  browser,
		page:     page,
		pid:      l.PID(),
		loadWait: loadWait,
		logger:   logger,
	}
	logger.Info("browser launched",
		zap.Int("pid", e.pid),
		zap.String("url", startURL),
		zap.Bool("headless", opts.Headless))
	return e, nil
}

// PID returns the browser process id.
func (e *RodExecutor) PID() int {
	return e.pid
}

// CurrentURL returns the page's current location.
func (e *RodExecutor) CurrentURL() (string, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return "", domain.ErrClosed
	}
	info, err := e.page.Info()
	if err != nil {
		return "", err
	}
	return info.URL, nil
}

// Execute performs one action on the page.
func (e *RodExecutor) Execute(ctx context.Context, action domain.Action) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return domain.ErrClosed
	}

	page := e.page.Context(ctx)
	switch a := action.(type) {
	case domain.Click:
		button, err := mouseButton(a.Button)
		if err != nil {
			return err
		}
		if a.Selector != "" {
			el, err := page.Element(a.Selector)
			if err != nil {
				return fmt.Errorf("element not found: %s", a.Selector)
			}
			return el.Click(button, 1)
		}
		if err := page.Mouse.MoveTo(proto.Point{X: float64(a.X), Y: float64(a.Y)}); err != nil {
			return err
		}
		return page.Mouse.Click(button, 1)

	case domain.TypeText:
		if a.Selector != "" {
			el, err := page.Element(a.Selector)
			if err != nil {
				return fmt.Errorf("element not found: %s", a.Selector)
			}
			return el.Input(a.Text)
		}
		return page.InsertText(a.Text)

	case domain.Scroll:
		if a.X != 0 || a.Y != 0 {
			if err := page.Mouse.MoveTo(proto.Point{X: float64(a.X), Y: float64(a.Y)}); err != nil {
				return err
			}
		}
		return page.Mouse.Scroll(float64(a.DeltaX), float64(a.DeltaY), 1)

	case domain.Navigate:
		if err := page.Navigate(a.URL); err != nil {
			return err
		}
		return e.waitLoad(page)

	case domain.Press:
		return pressChord(page.Keyboard, a)

	case domain.Hover:
		if a.Selector != "" {
			el, err := page.Element(a.Selector)
			if err != nil {
				return fmt.Errorf("element not found: %s", a.Selector)
			}
			return el.Hover()
		}
		return page.Mouse.MoveTo(proto.Point{X: float64(a.X), Y: float64(a.Y)})

	case domain.Back:
		if err := page.NavigateBack(); err != nil {
			return err
		}
		return e.waitLoad(page)

	case domain.Forward:
		if err := page.NavigateForward(); err != nil {
			return err
		}
		return e.waitLoad(page)

	case domain.Reload:
		if err := page.Reload(); err != nil {
			return err
		}
		return e.waitLoad(page)
	}
	if action == nil {
		return errors.New("nil action")
	}
	return fmt.Errorf("unsupported action type: %s", action.Kind())
}

// Screenshot captures the viewport as PNG.
func (e *RodExecutor) Screenshot(ctx context.Context) ([]byte, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil, domain.ErrClosed
	}
	return e.page.Context(ctx).Screenshot(false, &proto.PageCaptureScreenshot{
		Format: proto.PageCaptureScreenshotFormatPng,
	})
}

// Close shuts the browser down. Later calls on e return domain.ErrClosed.
func (e *RodExecutor) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil
	}
	e.closed = true
	err := e.browser.Close()
	e.launcher.Kill()
	return err
}

// waitLoad waits for the load event, bounded so long-polling pages do not hang.
func (e *RodExecutor) waitLoad(page *rod.Page) error {
	if err := page.Timeout(e.loadWait).WaitLoad(); err != nil && !errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return nil
}

func mouseButton(name string) (proto.InputMouseButton, error) {
	switch name {
	case "", "left":
		return proto.InputMouseButtonLeft, nil
	case "right":
		return proto.InputMouseButtonRight, nil
	case "middle":
		return proto.InputMouseButtonMiddle, nil
	}
	return "", fmt.Errorf("unknown mouse button %q", name)
}

var namedKeys = map[string]input.Key{
	"enter":      input.Enter,
	"tab":        input.Tab,
	"escape":     input.Escape,
	"esc":        input.Escape,
	"backspace":  input.Backspace,
	"delete":     input.Delete,
	"space":      input.Space,
	"arrowup":    input.ArrowUp,
	"arrowdown":  input.ArrowDown,
	"arrowleft":  input.ArrowLeft,
	"arrowright": input.ArrowRight,
	"home":       input.Home,
	"end":        input.End,
	"pageup":     input.PageUp,
	"pagedown":   input.PageDown,
	"shift":      input.ShiftLeft,
	"control":    input.ControlLeft,
	"ctrl":       input.ControlLeft,
	"alt":        input.AltLeft,
	"meta":       input.MetaLeft,
	"cmd":        input.MetaLeft,
}

// keyFor resolves a key name ("Enter", "a", "ctrl") to an input.Key.
func keyFor(name string) (input.Key, error) {
	if k, ok := namedKeys[strings.ToLower(name)]; ok {
		return k, nil
	}
	r := []rune(name)
	if len(r) == 1 {
		return input.Key(r[0]), nil
	}
	return 0, fmt.Errorf("unknown key %q", name)
}

// pressChord holds the modifiers, types the key, then releases them.
func pressChord(kb *rod.Keyboard, p domain.Press) error {
	key, err := keyFor(p.Key)
	if err != nil {
		return err
	}
	mods := make([]input.Key, 0, len(p.Modifiers))
	for _, m := range p.Modifiers {
		k, err := keyFor(m)
		if err != nil {
			return err
		}
		mods = append(mods, k)
	}

	for i, m := range mods {
		if err := kb.Press(m); err != nil {
			releaseAll(kb, mods[:i])
			return err
		}
	}
	err = kb.Type(key)
	releaseAll(kb, mods)
	return err
}

func releaseAll(kb *rod.Keyboard, keys []input.Key) {
	for i := len(keys) - 1; i >= 0; i-- {
		_ = kb.Release(keys[i])
	}
}

var (
	_ domain.ActionExecutor   = (*RodExecutor)(nil)
	_ domain.ScreenshotSource = (*RodExecutor)(nil)
)

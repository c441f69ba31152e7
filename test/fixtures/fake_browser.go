// Package fixtures provides test helpers for integration tests.
package fixtures

import (
	"context"
	"errors"
	"sync"

	"github.com/iujab/vm-terminal-sub000/internal/domain"
)

// ErrMissingSelector is returned for actions aimed at a selector the fake
// page does not contain.
var ErrMissingSelector = errors.New("no element matches selector")

// FakeBrowser stands in for a real browser. It records every executed
// action and fails clicks or typing aimed at selectors listed in Missing.
type FakeBrowser struct {
	mu       sync.Mutex
	executed []domain.Action
	url      string
	shots    int

	// Missing lists selectors that fail to resolve.
	Missing map[string]bool
}

var (
	_ domain.ActionExecutor   = (*FakeBrowser)(nil)
	_ domain.ScreenshotSource = (*FakeBrowser)(nil)
)

// NewFakeBrowser creates a fake browser showing startURL.
func NewFakeBrowser(startURL string) *FakeBrowser {
	return &FakeBrowser{url: startURL, Missing: map[string]bool{}}
}

// Execute applies a to the fake page.
func (b *FakeBrowser) Execute(ctx context.Context, a domain.Action) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	switch act := a.(type) {
	case domain.Navigate:
		b.url = act.URL
	case domain.Click:
		if b.Missing[act.Selector] {
			return ErrMissingSelector
		}
	case domain.TypeText:
		if b.Missing[act.Selector] {
			return ErrMissingSelector
		}
	}
	b.executed = append(b.executed, a)
	return nil
}

// Screenshot returns a tiny placeholder image.
func (b *FakeBrowser) Screenshot(context.Context) ([]byte, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.shots++
	return []byte{0x89, 'P', 'N', 'G', byte(b.shots)}, nil
}

// Executed returns a copy of the successfully executed actions.
func (b *FakeBrowser) Executed() []domain.Action {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]domain.Action(nil), b.executed...)
}

// URL returns the page the fake browser is showing.
func (b *FakeBrowser) URL() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.url
}

// Reset forgets executed actions.
func (b *FakeBrowser) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.executed = nil
}

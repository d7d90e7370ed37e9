package headless

import (
	"context"
	"errors"

	"github.com/JakeFAU/scrape-gateway/internal/gateway"
)

// Noop implements gateway.Renderer when headless rendering is disabled.
type Noop struct{}

// NewNoop creates a new Noop renderer.
func NewNoop() *Noop {
	return &Noop{}
}

// Render always fails with ErrScrapeFailed.
func (Noop) Render(context.Context, string) (string, error) {
	return "", gateway.E(gateway.ErrScrapeFailed, "render", errors.New("headless rendering disabled")).
		WithDetail("Headless rendering is disabled on this gateway.")
}

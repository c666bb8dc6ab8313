package headless

import (
	"context"
	"errors"

	"github.com/JakeFAU/searchcore/internal/crawler"
)

// ErrDisabled is returned by Noop when rendering is turned off.
var ErrDisabled = errors.New("headless fetcher disabled")

// Noop stands in for the renderer when headless.enabled is false.
type Noop struct{}

// NewNoop creates a new Noop fetcher.
func NewNoop() *Noop {
	return &Noop{}
}

// Fetch always returns ErrDisabled.
func (Noop) Fetch(_ context.Context, _ crawler.FetchRequest) (crawler.FetchResponse, error) {
	return crawler.FetchResponse{}, ErrDisabled
}

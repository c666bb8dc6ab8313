package store

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
)

// Opener opens a backend for a parsed store URI.
type Opener func(ctx context.Context, uri *url.URL) (Backend, error)

// Factory lazily opens exactly one backend handle for the configured URI.
// Only initialization is serialized; the returned backend is shared.
type Factory struct {
	uri     string
	openers map[string]Opener

	mu      sync.Mutex
	backend atomic.Pointer[Backend]
}

// NewFactory registers openers keyed by URI scheme.
func NewFactory(uri string, openers map[string]Opener) (*Factory, error) {
	parsed, err := url.Parse(uri)
	if err != nil {
		return nil, fmt.Errorf("parse store uri: %w", err)
	}
	if _, ok := openers[strings.ToLower(parsed.Scheme)]; !ok {
		return nil, fmt.Errorf("unsupported store scheme %q", parsed.Scheme)
	}
	return &Factory{uri: uri, openers: openers}, nil
}

// Backend returns the shared backend, opening it on first use.
func (f *Factory) Backend(ctx context.Context) (Backend, error) {
	if b := f.backend.Load(); b != nil {
		return *b, nil
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if b := f.backend.Load(); b != nil {
		return *b, nil
	}
	parsed, err := url.Parse(f.uri)
	if err != nil {
		return nil, fmt.Errorf("parse store uri: %w", err)
	}
	opener := f.openers[strings.ToLower(parsed.Scheme)]
	backend, err := opener(ctx, parsed)
	if err != nil {
		return nil, fmt.Errorf("open %s store: %w", parsed.Scheme, err)
	}
	f.backend.Store(&backend)
	return backend, nil
}

// Scheme returns the configured URI scheme.
func (f *Factory) Scheme() string {
	parsed, err := url.Parse(f.uri)
	if err != nil {
		return ""
	}
	return strings.ToLower(parsed.Scheme)
}

// Close closes the backend if it was opened.
func (f *Factory) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	b := f.backend.Swap(nil)
	if b == nil {
		return nil
	}
	if err := (*b).Close(); err != nil {
		return fmt.Errorf("close store: %w", err)
	}
	return nil
}

package store_test

import (
	"context"
	"errors"
	"net/url"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/searchcore/internal/storage/memory"
	"github.com/JakeFAU/searchcore/internal/store"
)

func TestFactoryOpensOnce(t *testing.T) {
	t.Parallel()

	var opened atomic.Int32
	f, err := store.NewFactory("memory://", map[string]store.Opener{
		"memory": func(ctx context.Context, u *url.URL) (store.Backend, error) {
			opened.Add(1)
			return memory.Open(ctx, u)
		},
	})
	require.NoError(t, err)
	assert.Equal(t, "memory", f.Scheme())

	var wg sync.WaitGroup
	backends := make([]store.Backend, 16)
	for i := range backends {
		wg.Add(1)
		go func() {
			defer wg.Done()
			b, err := f.Backend(context.Background())
			assert.NoError(t, err)
			backends[i] = b
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), opened.Load())
	for _, b := range backends {
		assert.Same(t, backends[0], b)
	}
	require.NoError(t, f.Close())
	require.NoError(t, f.Close())
}

func TestFactoryRejectsUnknownScheme(t *testing.T) {
	t.Parallel()

	_, err := store.NewFactory("mongodb://localhost", map[string]store.Opener{"memory": memory.Open})
	require.Error(t, err)
}

func TestFactoryRetriesAfterOpenError(t *testing.T) {
	t.Parallel()

	calls := 0
	f, err := store.NewFactory("memory://", map[string]store.Opener{
		"memory": func(ctx context.Context, u *url.URL) (store.Backend, error) {
			calls++
			if calls == 1 {
				return nil, errors.New("boom")
			}
			return memory.Open(ctx, u)
		},
	})
	require.NoError(t, err)

	_, err = f.Backend(context.Background())
	require.Error(t, err)
	b, err := f.Backend(context.Background())
	require.NoError(t, err)
	require.NoError(t, b.Ping(context.Background()))
}

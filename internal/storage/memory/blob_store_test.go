package memory

import (
	"bytes"
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBlobStorePutObjectCopiesData(t *testing.T) {
	t.Parallel()

	store := NewBlobStore()
	payload := []byte("content")
	uri, err := store.PutObject(context.Background(), "raw/abc.html", "text/html", bytes.NewReader(payload))
	require.NoError(t, err)
	assert.Equal(t, "memory://raw/abc.html", uri)

	payload[0] = 'C'
	stored, contentType, ok := store.Object("raw/abc.html")
	require.True(t, ok)
	assert.Equal(t, "content", string(stored))
	assert.Equal(t, "text/html", contentType)
	assert.Equal(t, 1, store.Len())

	_, _, ok = store.Object("raw/missing.html")
	assert.False(t, ok)
}

package memory

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPublisherRecordsMessages(t *testing.T) {
	t.Parallel()

	pub := New()
	ctx := context.Background()
	id, err := pub.Publish(ctx, "progress", map[string]string{"k": "v"})
	require.NoError(t, err)
	assert.Equal(t, "memory-1", id)
	id, err = pub.Publish(ctx, "other", "payload")
	require.NoError(t, err)
	assert.Equal(t, "memory-2", id)

	msgs := pub.Messages()
	require.Len(t, msgs, 2)
	assert.Equal(t, "progress", msgs[0].Topic)
	assert.Len(t, pub.Topic("other"), 1)

	msgs[0].Topic = "modified"
	assert.Equal(t, "progress", pub.Messages()[0].Topic)
}

func TestPublisherLimit(t *testing.T) {
	t.Parallel()

	pub := &Publisher{Limit: 2}
	for range 5 {
		_, err := pub.Publish(context.Background(), "t", nil)
		require.NoError(t, err)
	}
	msgs := pub.Messages()
	require.Len(t, msgs, 2)
	assert.Equal(t, "memory-4", msgs[0].ID)
	assert.Equal(t, "memory-5", msgs[1].ID)
}

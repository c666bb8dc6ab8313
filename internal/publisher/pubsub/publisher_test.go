package pubsub

import (
	"context"
	"encoding/json"
	"testing"

	"cloud.google.com/go/pubsub/v2/apiv1/pubsubpb"
	"cloud.google.com/go/pubsub/v2/pstest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"google.golang.org/api/option"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

func fakeServer(t *testing.T) (*pstest.Server, []option.ClientOption) {
	t.Helper()
	srv := pstest.NewServer()
	t.Cleanup(func() { _ = srv.Close() })
	conn, err := grpc.NewClient(srv.Addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return srv, []option.ClientOption{option.WithGRPCConn(conn)}
}

func TestOpenAndPublish(t *testing.T) {
	t.Parallel()

	srv, opts := fakeServer(t)
	_, err := srv.GServer.CreateTopic(context.Background(), &pubsubpb.Topic{Name: "projects/p/topics/progress"})
	require.NoError(t, err)

	ctx := context.Background()
	pub, err := Open(ctx, "p", "progress", zap.NewNop(), opts...)
	require.NoError(t, err)

	id, err := pub.Publish(ctx, "progress", map[string]any{"session_id": "s1", "phase": "fetch"})
	require.NoError(t, err)
	assert.NotEmpty(t, id)
	require.NoError(t, pub.Close())

	msgs := srv.Messages()
	require.Len(t, msgs, 1)
	var got map[string]any
	require.NoError(t, json.Unmarshal(msgs[0].Data, &got))
	assert.Equal(t, "s1", got["session_id"])
}

func TestOpenFailsForMissingTopic(t *testing.T) {
	t.Parallel()

	_, opts := fakeServer(t)
	_, err := Open(context.Background(), "p", "absent", zap.NewNop(), opts...)
	require.Error(t, err)
}

func TestOpenRequiresNames(t *testing.T) {
	t.Parallel()
	_, err := Open(context.Background(), "", "t", nil)
	require.Error(t, err)
}

func TestUnconfiguredPublisher(t *testing.T) {
	t.Parallel()

	var p *Publisher
	_, err := p.Publish(context.Background(), "t", "x")
	require.Error(t, err)
	require.NoError(t, p.Close())
}

func TestAttributeCarrier(t *testing.T) {
	t.Parallel()

	c := attributeCarrier{}
	c.Set("traceparent", "00-abc")
	assert.Equal(t, "00-abc", c.Get("traceparent"))
	assert.Equal(t, []string{"traceparent"}, c.Keys())
}

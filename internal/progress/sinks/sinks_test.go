package sinks

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/JakeFAU/searchcore/internal/progress"
	"github.com/JakeFAU/searchcore/internal/publisher/memory"
)

func event(session, url string, phase progress.Phase) progress.Event {
	return progress.Event{SessionID: session, URL: url, Phase: phase, TS: time.Now()}
}

func TestBroadcasterFiltersBySession(t *testing.T) {
	t.Parallel()

	b := NewBroadcaster(4, zap.NewNop())
	all := b.Subscribe("")
	only := b.Subscribe("s2")
	defer all.Close()
	defer only.Close()

	require.NoError(t, b.Consume(context.Background(), []progress.Event{
		event("s1", "https://a.test/", progress.PhaseFetch),
		event("s2", "https://b.test/", progress.PhaseFetch),
	}))

	assert.Equal(t, "s1", (<-all.C).SessionID)
	assert.Equal(t, "s2", (<-all.C).SessionID)
	assert.Equal(t, "s2", (<-only.C).SessionID)
	assert.Empty(t, only.C)
}

func TestBroadcasterDropsSlowSubscriber(t *testing.T) {
	t.Parallel()

	b := NewBroadcaster(1, zap.NewNop())
	slow := b.Subscribe("")
	fast := b.Subscribe("")

	require.NoError(t, b.Consume(context.Background(), []progress.Event{event("s1", "https://a.test/1", progress.PhaseFetch)}))
	<-fast.C
	require.NoError(t, b.Consume(context.Background(), []progress.Event{event("s1", "https://a.test/2", progress.PhaseFetch)}))

	assert.Equal(t, 1, b.Subscribers())
	<-slow.C
	_, open := <-slow.C
	assert.False(t, open, "slow subscriber channel should be closed")
	assert.Equal(t, "https://a.test/2", (<-fast.C).URL)

	slow.Close()
	fast.Close()
	fast.Close()
	assert.Zero(t, b.Subscribers())
}

func TestBroadcasterClose(t *testing.T) {
	t.Parallel()

	b := NewBroadcaster(0, nil)
	sub := b.Subscribe("")
	require.NoError(t, b.Close(context.Background()))
	_, open := <-sub.C
	assert.False(t, open)

	late := b.Subscribe("")
	_, open = <-late.C
	assert.False(t, open)
}

func TestPubSubSinkPublishesEvents(t *testing.T) {
	t.Parallel()

	pub := memory.New()
	closed := false
	sink := NewPubSubSink(pub, "progress", func() error { closed = true; return nil })

	batch := []progress.Event{
		event("s1", "https://a.test/", progress.PhaseFetch),
		event("s1", "https://a.test/", progress.PhaseStore),
	}
	require.NoError(t, sink.Consume(context.Background(), batch))
	require.NoError(t, sink.Close(context.Background()))

	msgs := pub.Messages()
	require.Len(t, msgs, 2)
	assert.Equal(t, "progress", msgs[0].Topic)
	assert.Equal(t, progress.PhaseStore, msgs[1].Payload.(progress.Event).Phase)
	assert.True(t, closed)
}

type brokenPublisher struct{}

func (brokenPublisher) Publish(context.Context, string, any) (string, error) {
	return "", errors.New("unavailable")
}

func TestPubSubSinkCombinesErrors(t *testing.T) {
	t.Parallel()

	sink := NewPubSubSink(brokenPublisher{}, "progress", nil)
	err := sink.Consume(context.Background(), []progress.Event{
		event("s1", "https://a.test/1", progress.PhaseFetch),
		event("s1", "https://a.test/2", progress.PhaseFetch),
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "a.test/1")
	assert.NoError(t, sink.Close(context.Background()))
}

func TestLogSinkLevels(t *testing.T) {
	t.Parallel()

	core, logs := observer.New(zap.DebugLevel)
	sink := NewLogSink(zap.New(core))
	done := event("s1", "", progress.PhaseSessionDone)
	done.Status = "done"
	failed := event("s1", "https://a.test/", progress.PhaseFailed)
	failed.Note = "timeout"

	require.NoError(t, sink.Consume(context.Background(), []progress.Event{
		event("s1", "https://a.test/", progress.PhaseFetch), failed, done,
	}))
	entries := logs.All()
	require.Len(t, entries, 3)
	assert.Equal(t, zap.DebugLevel, entries[0].Level)
	assert.Equal(t, zap.WarnLevel, entries[1].Level)
	assert.Equal(t, "timeout", entries[1].ContextMap()["note"])
	assert.Equal(t, zap.InfoLevel, entries[2].Level)
}

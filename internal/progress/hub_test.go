package progress

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestHubFlushesFullBatch(t *testing.T) {
	t.Parallel()

	sink := &recordingSink{}
	hub := NewHub(Config{BufferSize: 8, MaxBatchEvents: 2, MaxBatchWait: time.Minute}, sink)
	defer func() { require.NoError(t, hub.Close(context.Background())) }()

	hub.Emit(fetchEvent("https://a.test/1"))
	hub.Emit(fetchEvent("https://a.test/2"))
	require.Eventually(t, func() bool {
		b := sink.Batches()
		return len(b) == 1 && len(b[0]) == 2
	}, time.Second, 5*time.Millisecond)
}

func TestHubFlushesOnInterval(t *testing.T) {
	t.Parallel()

	sink := &recordingSink{}
	hub := NewHub(Config{MaxBatchEvents: 100, MaxBatchWait: 10 * time.Millisecond}, sink)
	defer func() { require.NoError(t, hub.Close(context.Background())) }()

	hub.Emit(fetchEvent("https://a.test/"))
	require.Eventually(t, func() bool { return len(sink.Events()) == 1 }, time.Second, 5*time.Millisecond)
}

func TestHubPreservesOrder(t *testing.T) {
	t.Parallel()

	sink := &recordingSink{}
	hub := NewHub(Config{MaxBatchEvents: 3, MaxBatchWait: time.Millisecond}, sink)

	phases := []Phase{PhaseFetch, PhaseParse, PhaseStore, PhaseIndex}
	for _, p := range phases {
		evt := fetchEvent("https://a.test/")
		evt.Phase = p
		hub.Emit(evt)
	}
	require.NoError(t, hub.Close(context.Background()))

	var got []Phase
	for _, e := range sink.Events() {
		got = append(got, e.Phase)
	}
	assert.Equal(t, phases, got)
	assert.True(t, sink.closed)
}

func TestHubDropsWhenFull(t *testing.T) {
	t.Parallel()

	hub := &Hub{events: make(chan Event), logger: zap.NewNop()}
	start := time.Now()
	hub.Emit(fetchEvent("https://a.test/"))
	hub.Emit(fetchEvent("https://a.test/"))
	assert.Less(t, time.Since(start), 50*time.Millisecond)
	assert.Equal(t, int64(2), hub.Dropped())
}

func TestHubDiscardsInvalidAndLateEvents(t *testing.T) {
	t.Parallel()

	sink := &recordingSink{}
	hub := NewHub(Config{MaxBatchWait: time.Millisecond}, sink)
	hub.Emit(Event{Phase: PhaseFetch})
	require.NoError(t, hub.Close(context.Background()))
	hub.Emit(fetchEvent("https://a.test/"))
	assert.Empty(t, sink.Events())
}

func TestHubSinkErrorsDoNotStopDelivery(t *testing.T) {
	t.Parallel()

	good := &recordingSink{}
	hub := NewHub(Config{MaxBatchEvents: 1}, failingSink{}, good)
	hub.Emit(fetchEvent("https://a.test/"))
	require.NoError(t, hub.Close(context.Background()))
	assert.Len(t, good.Events(), 1)
}

func TestEventValidate(t *testing.T) {
	t.Parallel()

	now := time.Now()
	tests := []struct {
		name    string
		evt     Event
		wantErr bool
	}{
		{name: "session start", evt: Event{SessionID: "s", TS: now, Phase: PhaseSessionStart}},
		{name: "fetch", evt: Event{SessionID: "s", TS: now, Phase: PhaseFetch, URL: "https://a.test/"}},
		{name: "missing session", evt: Event{TS: now, Phase: PhaseSessionStart}, wantErr: true},
		{name: "missing ts", evt: Event{SessionID: "s", Phase: PhaseSessionStart}, wantErr: true},
		{name: "url phase without url", evt: Event{SessionID: "s", TS: now, Phase: PhaseStore}, wantErr: true},
		{name: "unknown phase", evt: Event{SessionID: "s", TS: now, Phase: "teleport"}, wantErr: true},
		{name: "negative duration", evt: Event{SessionID: "s", TS: now, Phase: PhaseSessionDone, Duration: -1}, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			err := tt.evt.Validate()
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
		})
	}
}

func TestClassifyStatus(t *testing.T) {
	t.Parallel()
	assert.Equal(t, Status2xx, ClassifyStatus(204))
	assert.Equal(t, Status3xx, ClassifyStatus(301))
	assert.Equal(t, Status4xx, ClassifyStatus(404))
	assert.Equal(t, Status5xx, ClassifyStatus(503))
	assert.Equal(t, StatusOther, ClassifyStatus(0))
}

type recordingSink struct {
	mu      sync.Mutex
	batches [][]Event
	closed  bool
}

func (s *recordingSink) Consume(_ context.Context, batch []Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.batches = append(s.batches, append([]Event(nil), batch...))
	return nil
}

func (s *recordingSink) Close(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *recordingSink) Batches() [][]Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([][]Event(nil), s.batches...)
}

func (s *recordingSink) Events() []Event {
	var out []Event
	for _, b := range s.Batches() {
		out = append(out, b...)
	}
	return out
}

type failingSink struct{}

func (failingSink) Consume(context.Context, []Event) error { return errors.New("boom") }
func (failingSink) Close(context.Context) error            { return nil }

func fetchEvent(url string) Event {
	return Event{SessionID: "s1", URL: url, Phase: PhaseFetch, Status: "running", TS: time.Now()}
}

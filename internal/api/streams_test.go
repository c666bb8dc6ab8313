package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/searchcore/internal/progress"
	"github.com/JakeFAU/searchcore/internal/progress/sinks"
)

type wsClient struct {
	conn net.Conn
	rw   io.ReadWriter
}

func dialWS(t *testing.T, ts *httptest.Server, path string) wsClient {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, br, _, err := ws.Dial(ctx, "ws"+strings.TrimPrefix(ts.URL, "http")+path)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })

	var r io.Reader = conn
	if br != nil {
		r = br
	}
	return wsClient{conn: conn, rw: struct {
		io.Reader
		io.Writer
	}{r, conn}}
}

func (c wsClient) next(t *testing.T, v any) {
	t.Helper()
	require.NoError(t, c.conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	data, err := wsutil.ReadServerText(c.rw)
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(data, v))
}

func TestDatetimeStream(t *testing.T) {
	t.Parallel()

	s := newTestServer(Deps{Clock: fakeClock{now: testNow}})
	s.tick = 10 * time.Millisecond
	ts := httptest.NewServer(s.Handler())
	defer ts.Close()

	client := dialWS(t, ts, "/datetime")
	for range 2 {
		var frame map[string]string
		client.next(t, &frame)
		assert.Equal(t, "2026-05-04T10:30:00Z", frame["now"])
	}
}

func TestCrawlEventStreamFiltersBySession(t *testing.T) {
	t.Parallel()

	b := sinks.NewBroadcaster(8, zap.NewNop())
	s := newTestServer(Deps{Events: b})
	ts := httptest.NewServer(s.Handler())
	defer ts.Close()

	client := dialWS(t, ts, "/crawl-events?session_id=s-1")
	require.Eventually(t, func() bool { return b.Subscribers() == 1 }, 2*time.Second, 5*time.Millisecond)

	require.NoError(t, b.Consume(context.Background(), []progress.Event{
		{SessionID: "s-2", URL: "https://b.test/", Phase: progress.PhaseFetch, Status: "running", TS: testNow},
		{SessionID: "s-1", URL: "https://a.test/", Phase: progress.PhaseFetch, Status: "running", StatusCode: 200, TS: testNow},
	}))

	var evt progress.Event
	client.next(t, &evt)
	assert.Equal(t, "s-1", evt.SessionID)
	assert.Equal(t, "https://a.test/", evt.URL)
	assert.Equal(t, progress.PhaseFetch, evt.Phase)
	assert.Equal(t, 200, evt.StatusCode)

	require.NoError(t, wsutil.WriteClientMessage(client.conn, ws.OpClose, ws.NewCloseFrameBody(ws.StatusNormalClosure, "")))
	require.Eventually(t, func() bool { return b.Subscribers() == 0 }, 2*time.Second, 5*time.Millisecond)
}

func TestCrawlEventStreamClosesWhenBroadcasterStops(t *testing.T) {
	t.Parallel()

	b := sinks.NewBroadcaster(8, zap.NewNop())
	s := newTestServer(Deps{Events: b})
	ts := httptest.NewServer(s.Handler())
	defer ts.Close()

	client := dialWS(t, ts, "/crawl-events")
	require.Eventually(t, func() bool { return b.Subscribers() == 1 }, 2*time.Second, 5*time.Millisecond)
	require.NoError(t, b.Close(context.Background()))

	require.NoError(t, client.conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	_, err := wsutil.ReadServerText(client.rw)
	var closed wsutil.ClosedError
	require.True(t, errors.As(err, &closed), "expected close frame, got %v", err)
	assert.Equal(t, ws.StatusGoingAway, closed.Code)
}

func TestCrawlEventStreamUnavailable(t *testing.T) {
	t.Parallel()

	rec := serve(newTestServer(Deps{}), http.MethodGet, "/crawl-events", nil)
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

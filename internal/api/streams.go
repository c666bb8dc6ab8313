package api

import (
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"go.uber.org/zap"

	"github.com/JakeFAU/searchcore/internal/clock/system"
)

const frameWriteTimeout = 5 * time.Second

// datetimeStream handles the /datetime WebSocket: it pushes {"now": ...}
// once a second until the client goes away.
func (s *Server) datetimeStream(w http.ResponseWriter, r *http.Request) {
	conn, _, _, err := ws.UpgradeHTTP(r, w)
	if err != nil {
		s.logger.Debug("datetime upgrade failed", zap.Error(err))
		return
	}
	defer conn.Close()

	clock := s.deps.Clock
	if clock == nil {
		clock = system.New()
	}
	gone := watchPeer(conn)
	ticker := time.NewTicker(s.tick)
	defer ticker.Stop()
	for {
		frame := map[string]string{"now": clock.Now().UTC().Format(time.RFC3339)}
		if err := writeFrame(conn, frame); err != nil {
			s.logger.Debug("datetime stream closed", zap.Error(err))
			return
		}
		select {
		case <-gone:
			return
		case <-ticker.C:
		}
	}
}

// crawlEventStream handles /crawl-events?session_id=. Each progress event
// becomes one text frame. Slow clients are dropped by the broadcaster and
// receive a close frame.
func (s *Server) crawlEventStream(w http.ResponseWriter, r *http.Request) {
	if s.deps.Events == nil {
		writeError(w, http.StatusServiceUnavailable, codeUnavailable, "event stream unavailable")
		return
	}
	sessionID := r.URL.Query().Get("session_id")
	conn, _, _, err := ws.UpgradeHTTP(r, w)
	if err != nil {
		s.logger.Debug("crawl-events upgrade failed", zap.Error(err))
		return
	}
	defer conn.Close()

	sub := s.deps.Events.Subscribe(sessionID)
	defer sub.Close()
	gone := watchPeer(conn)
	for {
		select {
		case <-gone:
			return
		case evt, ok := <-sub.C:
			if !ok {
				closeFrame(conn, ws.StatusGoingAway, "subscription ended")
				return
			}
			if err := writeFrame(conn, evt); err != nil {
				s.logger.Debug("crawl-events stream closed", zap.String("session_id", sessionID), zap.Error(err))
				return
			}
		}
	}
}

// watchPeer consumes client frames and closes the returned channel once the
// client sends a close frame or the connection fails. Control frames other
// than close are discarded.
func watchPeer(conn net.Conn) <-chan struct{} {
	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			h, err := ws.ReadHeader(conn)
			if err != nil || h.OpCode == ws.OpClose {
				return
			}
			if _, err := io.CopyN(io.Discard, conn, h.Length); err != nil {
				return
			}
		}
	}()
	return gone
}

func writeFrame(conn net.Conn, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode frame: %w", err)
	}
	if err := conn.SetWriteDeadline(time.Now().Add(frameWriteTimeout)); err != nil {
		return fmt.Errorf("set write deadline: %w", err)
	}
	if err := wsutil.WriteServerText(conn, data); err != nil {
		return fmt.Errorf("write frame: %w", err)
	}
	return nil
}

func closeFrame(conn net.Conn, code ws.StatusCode, reason string) {
	_ = conn.SetWriteDeadline(time.Now().Add(frameWriteTimeout))
	_ = wsutil.WriteServerMessage(conn, ws.OpClose, ws.NewCloseFrameBody(code, reason))
}

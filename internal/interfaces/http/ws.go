package http

import (
	"net/http"
	"time"

	"github.com/rs/zerolog/log"
)

const (
	wsPushInterval = time.Second
	wsWriteTimeout = 5 * time.Second
	wsFeedItems    = 20
)

// handleWS upgrades the connection and pushes a dashboard frame every
// second until the client goes away.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warn().Err(err).Msg("WebSocket upgrade failed")
		return
	}
	defer conn.Close()

	log.Debug().Str("remote", conn.RemoteAddr().String()).Msg("WebSocket client connected")

	// Drain client messages so pings and close frames are processed.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(wsPushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-r.Context().Done():
			return
		case <-ticker.C:
			frame := s.buildFrame(r)
			conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			if err := conn.WriteJSON(frame); err != nil {
				log.Debug().Err(err).Msg("WebSocket client dropped")
				return
			}
		}
	}
}

func (s *Server) buildFrame(r *http.Request) map[string]any {
	frame := map[string]any{
		"tiles":    s.engine.Tiles(),
		"discover": s.engine.Discoveries(),
		"status":   s.engine.Status(),
	}

	if actions, err := s.engine.Ledger().RecentActions(r.Context(), wsFeedItems); err == nil {
		frame["actions"] = toActionViews(actions)
	}
	if anomalies, err := s.engine.Ledger().RecentAnomalies(r.Context(), wsFeedItems); err == nil {
		frame["anomalies"] = anomalies
	}
	return frame
}

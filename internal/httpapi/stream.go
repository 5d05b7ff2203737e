package httpapi

import (
	"context"
	"errors"
	"net/http"
	"time"

	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
)

const (
	streamWriteTimeout = 5 * time.Second
	streamPingInterval = 30 * time.Second
)

type streamMessage struct {
	Type    string `json:"type"`
	Session any    `json:"session,omitempty"`
}

// handleEngagementStream pushes every merged session of an owned proposal to
// the client until either side goes away. The client never sends.
func (s *Server) handleEngagementStream(w http.ResponseWriter, r *http.Request, userID, proposalID, correlationID string) {
	if _, err := s.svc.Lifecycle.Get(r.Context(), userID, proposalID); err != nil {
		s.writeDomainError(w, r, err, correlationID)
		return
	}
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		s.logger.WarnContext(r.Context(), "websocket accept failed", "proposal_id", proposalID, "error", err)
		return
	}
	defer conn.CloseNow()

	feed, cancel := s.svc.Broadcaster.Subscribe(proposalID)
	defer cancel()

	ctx := conn.CloseRead(r.Context())
	if err := writeStream(ctx, conn, streamMessage{Type: "ready"}); err != nil {
		return
	}
	ticker := time.NewTicker(streamPingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case session, ok := <-feed:
			if !ok {
				return
			}
			if err := writeStream(ctx, conn, streamMessage{Type: "session", Session: session}); err != nil {
				if !errors.Is(err, context.Canceled) {
					s.logger.DebugContext(r.Context(), "engagement stream closed", "proposal_id", proposalID, "error", err)
				}
				return
			}
		case <-ticker.C:
			pingCtx, cancelPing := context.WithTimeout(ctx, streamWriteTimeout)
			err := conn.Ping(pingCtx)
			cancelPing()
			if err != nil {
				return
			}
		}
	}
}

func writeStream(ctx context.Context, conn *websocket.Conn, msg streamMessage) error {
	writeCtx, cancel := context.WithTimeout(ctx, streamWriteTimeout)
	defer cancel()
	return wsjson.Write(writeCtx, conn, msg)
}

package httpapi

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/Bhekie452/EngageHub-sub003/internal/actionsync"
)

const streamWriteTimeout = 5 * time.Second

// handleStream upgrades to a websocket and forwards the workspace's outcome
// events until either side goes away. Events that arrive while the client is
// slow are dropped by the broadcaster.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request, workspaceID, correlationID string) {
	if s.services.Events == nil {
		writeError(w, http.StatusNotFound, "not_found", "event stream not configured", correlationID)
		return
	}
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		// Accept has already written an error response
		s.logger.WithError(err).WithField("correlation_id", correlationID).Debug("websocket upgrade failed")
		return
	}
	defer conn.Close(websocket.StatusInternalError, "stream terminated")

	events, cancel := s.services.Events.Subscribe(workspaceID, s.cfg.StreamBuffer)
	defer cancel()

	logger := s.logger.WithFields(logrus.Fields{
		"workspace_id":   workspaceID,
		"correlation_id": correlationID,
	})
	logger.Debug("outcome stream opened")

	// the client never sends data frames; CloseRead handles control frames
	ctx := conn.CloseRead(r.Context())
	if err := forwardEvents(ctx, conn, events); err != nil {
		if status := websocket.CloseStatus(err); status != -1 || errors.Is(err, context.Canceled) {
			logger.Debug("outcome stream closed by client")
			return
		}
		logger.WithError(err).Warn("outcome stream write failed")
		return
	}
	conn.Close(websocket.StatusNormalClosure, "")
}

func forwardEvents(ctx context.Context, conn *websocket.Conn, events <-chan actionsync.OutcomeEvent) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case event, ok := <-events:
			if !ok {
				return nil
			}
			writeCtx, cancel := context.WithTimeout(ctx, streamWriteTimeout)
			err := wsjson.Write(writeCtx, conn, event)
			cancel()
			if err != nil {
				return err
			}
		}
	}
}

package api

import (
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"grading-orchestrator/internal/domain"
	"grading-orchestrator/internal/domain/model"
	"grading-orchestrator/internal/infra/logging"
)

const (
	wsWriteWait  = 10 * time.Second
	wsPongWait   = 60 * time.Second
	wsPingPeriod = wsPongWait * 9 / 10
)

// GET /api/v1/submissions/{id}/events
//
// Streams progress events as JSON text frames and closes normally after the
// terminal one. A submission that already finished gets one synthesized
// terminal event.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if s.events == nil {
		writeJSON(w, http.StatusNotImplemented, errorBody{Error: "progress stream unavailable"})
		return
	}
	if _, err := s.uc.GetResult(r.Context(), id); err != nil && !errors.Is(err, domain.ErrStillProcessing) {
		s.writeError(w, r, err)
		return
	}

	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already answered the client.
		return
	}
	defer ws.Close()
	log := logging.With(logging.WithSubmissionID(r.Context(), id), s.log)

	ctx := r.Context()
	ch, unsubscribe, err := s.events.Subscribe(ctx, id)
	if err != nil {
		log.Warn().Err(err).Msg("progress subscribe failed")
		closeWS(ws, websocket.CloseInternalServerErr, "progress stream unavailable")
		return
	}
	defer unsubscribe()

	// Re-check after subscribing so a terminal transition in between is not lost.
	rec, err := s.uc.GetResult(ctx, id)
	if err == nil && rec.Status.Terminal() {
		if werr := writeEvent(ws, terminalEvent(rec)); werr != nil {
			log.Debug().Err(werr).Msg("write terminal event failed")
			return
		}
		closeWS(ws, websocket.CloseNormalClosure, string(rec.Status))
		return
	}

	// Reader: handles pongs and notices the client going away.
	gone := make(chan struct{})
	ws.SetReadLimit(512)
	_ = ws.SetReadDeadline(time.Now().Add(wsPongWait))
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(wsPongWait))
	})
	go func() {
		defer close(gone)
		for {
			if _, _, err := ws.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(wsPingPeriod)
	defer ping.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-gone:
			log.Debug().Msg("progress client disconnected")
			return
		case <-ping.C:
			_ = ws.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case ev, ok := <-ch:
			if !ok {
				closeWS(ws, websocket.CloseGoingAway, "stream ended")
				return
			}
			if err := writeEvent(ws, ev); err != nil {
				log.Debug().Err(err).Msg("write progress event failed")
				return
			}
			if ev.Terminal {
				closeWS(ws, websocket.CloseNormalClosure, string(ev.Status))
				return
			}
		}
	}
}

func writeEvent(ws *websocket.Conn, ev model.ProgressEvent) error {
	_ = ws.SetWriteDeadline(time.Now().Add(wsWriteWait))
	return ws.WriteJSON(ev)
}

func closeWS(ws *websocket.Conn, code int, text string) {
	msg := websocket.FormatCloseMessage(code, text)
	_ = ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(wsWriteWait))
}

func terminalEvent(rec *model.SubmissionRecord) model.ProgressEvent {
	return model.ProgressEvent{
		SubmissionID:    rec.Submission.ID,
		Stage:           model.Stage(rec.Status),
		PercentComplete: 100,
		Message:         string(rec.Status),
		Terminal:        true,
		Status:          rec.Status,
		Result:          rec.Result,
		Reason:          rec.FailureReason,
		At:              rec.UpdatedAt,
	}
}

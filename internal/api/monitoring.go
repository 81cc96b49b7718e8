package api

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"github.com/nidhogg/crewnexus/internal/orchestrator"
	"go.uber.org/zap"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = pongWait * 9 / 10
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(*http.Request) bool { return true },
}

// statusFrame is sent first when a workflow has no tracked execution.
type statusFrame struct {
	WorkflowID string `json:"workflow_id"`
	Status     string `json:"status"`
}

// monitorWorkflow streams the current status of a workflow and then every
// event published for it. The socket closes after a terminal workflow event.
func (h *Handler) monitorWorkflow(w http.ResponseWriter, r *http.Request) {
	workflowID := chi.URLParam(r, "workflowID")
	if h.feed == nil {
		writeError(w, http.StatusServiceUnavailable, "event feed not configured")
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}
	defer conn.Close()
	log := h.logger.With(zap.String("workflow", workflowID))

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	events, err := h.feed.Subscribe(ctx, workflowID)
	if err != nil {
		log.Error("subscribe failed", zap.Error(err))
		closeWith(conn, websocket.CloseInternalServerErr, "subscribe failed")
		return
	}

	// Reader: keeps pong deadlines fresh and notices the client leaving.
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	go func() {
		defer cancel()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	var first any = statusFrame{WorkflowID: workflowID, Status: "not_found"}
	terminal := false
	if rec, err := h.engine.Status(workflowID); err == nil {
		first = rec
		terminal = rec.Status.Terminal()
	}
	if err := writeFrame(conn, first); err != nil {
		return
	}
	if terminal {
		closeWith(conn, websocket.CloseNormalClosure, "workflow finished")
		return
	}

	ping := time.NewTicker(pingPeriod)
	defer ping.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ping.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}
		case ev, ok := <-events:
			if !ok {
				return
			}
			if err := writeFrame(conn, ev); err != nil {
				log.Debug("websocket write failed", zap.Error(err))
				return
			}
			if ev.Type.Terminal() && latestFinished(h.engine, workflowID) {
				closeWith(conn, websocket.CloseNormalClosure, "workflow finished")
				log.Debug("monitoring finished", zap.String("event", string(ev.Type)))
				return
			}
		}
	}
}

// latestFinished reports whether the newest execution of workflowID is
// terminal.
func latestFinished(engine *orchestrator.Engine, workflowID string) bool {
	rec, err := engine.Status(workflowID)
	return err != nil || rec.Status.Terminal()
}

func writeFrame(conn *websocket.Conn, v any) error {
	conn.SetWriteDeadline(time.Now().Add(writeWait))
	return conn.WriteJSON(v)
}

func closeWith(conn *websocket.Conn, code int, text string) {
	msg := websocket.FormatCloseMessage(code, text)
	conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
}

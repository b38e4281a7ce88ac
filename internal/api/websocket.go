package api

import (
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/aim-datalog/backend/internal/logging"
	"github.com/aim-datalog/backend/internal/models"
	"github.com/aim-datalog/backend/internal/session"
	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
)

// WebSocket message types for the status stream
const (
	// Client -> Server messages
	MsgTypePing = "ping"

	// Server -> Client messages
	MsgTypeStatus = "status"
	MsgTypeError  = "error"
	MsgTypePong   = "pong"
)

const (
	wsWriteWait  = 10 * time.Second
	wsPongWait   = 60 * time.Second
	wsPingPeriod = wsPongWait * 9 / 10
)

// WSMessage is the envelope for every message on the status stream
type WSMessage struct {
	Type      string                    `json:"type"`
	Session   *models.ConversionSession `json:"session,omitempty"`
	Message   string                    `json:"message,omitempty"`
	Code      string                    `json:"code,omitempty"`
	Timestamp int64                     `json:"timestamp"`
}

// WebSocketHandler streams conversion status updates to clients
type WebSocketHandler struct {
	sessionMgr SessionManager
	upgrader   websocket.Upgrader
	log        *slog.Logger
}

// NewWebSocketHandler creates a new status stream handler
func NewWebSocketHandler(sessionMgr SessionManager) StatusStreamHandler {
	return &WebSocketHandler{
		sessionMgr: sessionMgr,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				// Allow connections from dev server
				return true
			},
			ReadBufferSize:  4 * 1024,
			WriteBufferSize: 16 * 1024,
		},
		log: logging.Component("websocket"),
	}
}

// HandleSessionStatus upgrades the connection and pushes a status message
// every time the session changes. The stream ends once the session finishes
// or is removed.
func (wsh *WebSocketHandler) HandleSessionStatus(c echo.Context) error {
	id := c.Param("sessionId")

	ws, err := wsh.upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		return err
	}
	defer ws.Close()

	updates, cancel, err := wsh.sessionMgr.Subscribe(id)
	if err != nil {
		code := "INTERNAL_ERROR"
		if errors.Is(err, session.ErrSessionNotFound) {
			code = "NOT_FOUND"
		}
		wsh.send(ws, WSMessage{Type: MsgTypeError, Message: err.Error(), Code: code})
		wsh.close(ws, websocket.ClosePolicyViolation, "session unavailable")
		return nil
	}
	defer cancel()

	wsh.log.Debug("status stream opened", "session_id", id)

	// Client messages are only pings; read them on a separate goroutine so a
	// closed socket ends the stream.
	pings := make(chan struct{}, 1)
	gone := make(chan struct{})
	go wsh.readLoop(ws, pings, gone)

	ticker := time.NewTicker(wsPingPeriod)
	defer ticker.Stop()

	for {
		select {
		case s, ok := <-updates:
			if !ok {
				wsh.close(ws, websocket.CloseNormalClosure, "session finished")
				wsh.log.Debug("status stream finished", "session_id", id)
				return nil
			}
			if err := wsh.send(ws, WSMessage{Type: MsgTypeStatus, Session: &s}); err != nil {
				return nil
			}
		case <-pings:
			if err := wsh.send(ws, WSMessage{Type: MsgTypePong}); err != nil {
				return nil
			}
		case <-ticker.C:
			ws.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return nil
			}
		case <-gone:
			wsh.log.Debug("status stream client disconnected", "session_id", id)
			return nil
		}
	}
}

func (wsh *WebSocketHandler) readLoop(ws *websocket.Conn, pings chan<- struct{}, gone chan<- struct{}) {
	defer close(gone)

	ws.SetReadLimit(4 * 1024)
	ws.SetReadDeadline(time.Now().Add(wsPongWait))
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(wsPongWait))
	})

	for {
		var msg WSMessage
		if err := ws.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				wsh.log.Warn("status stream read failed", "error", err)
			}
			return
		}
		ws.SetReadDeadline(time.Now().Add(wsPongWait))
		if msg.Type == MsgTypePing {
			select {
			case pings <- struct{}{}:
			default:
			}
		}
	}
}

func (wsh *WebSocketHandler) send(ws *websocket.Conn, msg WSMessage) error {
	msg.Timestamp = time.Now().UnixMilli()
	ws.SetWriteDeadline(time.Now().Add(wsWriteWait))
	return ws.WriteJSON(msg)
}

func (wsh *WebSocketHandler) close(ws *websocket.Conn, code int, reason string) {
	ws.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(code, reason),
		time.Now().Add(wsWriteWait))
}

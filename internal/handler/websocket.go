package handler

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/coderunr/coderunner/internal/auth"
	"github.com/coderunr/coderunner/internal/types"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
)

// Close codes sent when a session ends without a run
const (
	closeInitTimeout  = 4001
	closeBadSignature = 4002
	closeTooLarge     = 4003
	closeBadMessage   = 4004
	closeRunFailed    = 4500
)

const (
	initTimeout  = 5 * time.Second
	writeTimeout = 10 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// WebSocketConnection is a single-run interactive session
type WebSocketConnection struct {
	conn      *websocket.Conn
	handler   *Handler
	signature string
	logger    *logrus.Entry
	mutex     sync.Mutex
	closed    bool
}

// HandleWebSocket upgrades the connection and waits for one run message.
// The signature header is required on the upgrade request and is verified
// against the submitted code.
func (h *Handler) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.WithError(err).Error("WebSocket upgrade failed")
		return
	}

	wsConn := &WebSocketConnection{
		conn:      conn,
		handler:   h,
		signature: r.Header.Get(auth.SignatureHeader),
		logger:    h.logger.WithField("component", "websocket"),
	}

	if h.sizeLimit > 0 {
		// JSON escaping may grow each byte of code to six bytes
		conn.SetReadLimit(6*h.sizeLimit + 4096)
	}
	_ = conn.SetReadDeadline(time.Now().Add(initTimeout))

	wsConn.handleMessages(r.Context())
}

// handleMessages reads the run message and executes it
func (wsConn *WebSocketConnection) handleMessages(ctx context.Context) {
	defer wsConn.close(websocket.CloseNormalClosure, "Connection closed")

	var msg types.WebSocketMessage
	if err := wsConn.conn.ReadJSON(&msg); err != nil {
		if ne, ok := err.(interface{ Timeout() bool }); ok && ne.Timeout() {
			wsConn.close(closeInitTimeout, "Initialization Timeout")
			return
		}
		if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
			wsConn.logger.WithError(err).Warn("WebSocket read error")
		}
		wsConn.close(closeBadMessage, "Invalid message")
		return
	}
	_ = wsConn.conn.SetReadDeadline(time.Time{})

	if msg.Type != "run" {
		wsConn.sendError("Unknown message type: " + msg.Type)
		wsConn.close(closeBadMessage, "Unknown message type")
		return
	}

	wsConn.handleRun(ctx, msg.Data)
}

// handleRun applies the same admission checks as POST /script and streams
// the result
func (wsConn *WebSocketConnection) handleRun(ctx context.Context, code string) {
	h := wsConn.handler

	if h.sizeLimit > 0 && int64(len(code)) > h.sizeLimit {
		wsConn.sendError("code too large")
		wsConn.close(closeTooLarge, "code too large")
		return
	}
	if err := h.verifier.Verify(wsConn.signature, []byte(code)); err != nil {
		wsConn.sendError("invalid signature")
		wsConn.close(closeBadSignature, "invalid signature")
		return
	}

	result, err := h.runner.Run(ctx, code)
	if err != nil {
		wsConn.logger.WithError(err).Error("Script execution failed")
		wsConn.sendError("Execution failed")
		wsConn.close(closeRunFailed, "Execution failed")
		return
	}

	if result.Stdout != "" {
		wsConn.sendMessage(types.WebSocketMessage{Type: "data", Stream: "stdout", Data: result.Stdout})
	}
	if result.Stderr != "" {
		wsConn.sendMessage(types.WebSocketMessage{Type: "data", Stream: "stderr", Data: result.Stderr})
	}
	wsConn.sendMessage(types.WebSocketMessage{
		Type:    "exit",
		Status:  result.Outcome.StatusText(),
		Payload: result.Process,
	})
}

// sendMessage writes a message to the client
func (wsConn *WebSocketConnection) sendMessage(msg types.WebSocketMessage) {
	wsConn.mutex.Lock()
	defer wsConn.mutex.Unlock()

	if wsConn.closed {
		return
	}

	_ = wsConn.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := wsConn.conn.WriteJSON(msg); err != nil {
		wsConn.logger.WithError(err).Error("Failed to send WebSocket message")
	}
}

// sendError sends an error message
func (wsConn *WebSocketConnection) sendError(message string) {
	wsConn.sendMessage(types.WebSocketMessage{
		Type:  "error",
		Error: message,
	})
}

// close closes the WebSocket connection once
func (wsConn *WebSocketConnection) close(code int, message string) {
	wsConn.mutex.Lock()
	defer wsConn.mutex.Unlock()

	if wsConn.closed {
		return
	}
	wsConn.closed = true

	_ = wsConn.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(code, message),
		time.Now().Add(time.Second))

	wsConn.conn.Close()
}

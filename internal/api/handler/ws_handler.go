package handler

import (
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/trannm/ingest-be/internal/realtime"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	// The token binds the connection to a user; origin checks belong to the
	// gateway in front of this service.
	CheckOrigin: func(*http.Request) bool { return true },
}

// WSHandler upgrades client connections and feeds their control frames to
// the connection manager.
type WSHandler struct {
	logger *slog.Logger
	conns  *realtime.ConnManager
}

// NewWSHandler creates a new WSHandler instance
func NewWSHandler(deps *Dependencies) *WSHandler {
	return &WSHandler{
		logger: deps.Logger,
		conns:  deps.Conns,
	}
}

// controlFrame is an inbound subscription change request.
type controlFrame struct {
	Action string `json:"action"` // subscribe, unsubscribe
	Topic  string `json:"topic"`
}

// Serve handles GET /ws?token=...&topic=...
// Authenticates the token, registers the connection subscribed to the
// initial topic, then reads control frames until the client goes away.
func (h *WSHandler) Serve(c *gin.Context) {
	token := c.Query("token")
	topic := c.Query("topic")

	wsConn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		// Upgrade already wrote the HTTP error.
		h.logger.Warn("Websocket upgrade failed", slog.String("error", err.Error()))
		return
	}

	conn, ok := h.conns.Connect(realtime.WrapConn(wsConn), topic, token)
	if !ok {
		// Connect closed the transport with the rejection code.
		return
	}

	wsConn.SetPongHandler(func(string) error {
		h.conns.Touch(conn.ID)
		return nil
	})

	go h.readLoop(wsConn, conn)
}

// readLoop consumes inbound frames. Subscription changes past the rate
// limit are dropped without acknowledgement; the read error path is the
// only exit.
func (h *WSHandler) readLoop(wsConn *websocket.Conn, conn *realtime.Connection) {
	defer h.conns.Disconnect(conn.ID)

	for {
		var frame controlFrame
		if err := wsConn.ReadJSON(&frame); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				h.logger.Debug("Websocket read ended",
					slog.String("connection_id", conn.ID),
					slog.String("error", err.Error()),
				)
			}
			return
		}

		if !h.conns.Allow(conn.ID) {
			continue
		}

		switch frame.Action {
		case "subscribe":
			h.conns.Subscribe(conn.ID, frame.Topic)
		case "unsubscribe":
			h.conns.Unsubscribe(conn.ID, frame.Topic)
		}
	}
}

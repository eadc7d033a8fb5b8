package websocket

import (
	"crypto/subtle"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/autodev/autodev/internal/common/logger"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// The API is served same-origin or behind the operator's own proxy.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Handler upgrades HTTP connections and attaches clients to the hub.
type Handler struct {
	hub    *Hub
	token  string
	logger *logger.Logger
}

// NewHandler creates a WebSocket handler. An empty token disables the
// handshake auth check.
func NewHandler(hub *Hub, token string, log *logger.Logger) *Handler {
	if log == nil {
		log = logger.Default()
	}
	return &Handler{
		hub:    hub,
		token:  token,
		logger: log.WithFields(zap.String("component", "ws_handler")),
	}
}

// Handle is the gin route for GET /ws. When a server token is configured,
// the client must present it as a query parameter on the handshake.
func (h *Handler) Handle(c *gin.Context) {
	if h.token != "" {
		got := c.Query("token")
		if subtle.ConstantTimeCompare([]byte(got), []byte(h.token)) != 1 {
			c.AbortWithStatus(http.StatusUnauthorized)
			return
		}
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Error("websocket upgrade failed", zap.Error(err))
		return
	}

	client := NewClient(uuid.New().String(), conn, h.hub, h.logger)
	h.hub.Register(client)

	go client.WritePump()
	go client.ReadPump()
}

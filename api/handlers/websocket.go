package handlers

import (
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/remote-agent-terminal/chatclient/internal/auth"
	"github.com/remote-agent-terminal/chatclient/internal/transport"
	"github.com/remote-agent-terminal/chatclient/internal/ws"
)

// WebSocketHandler authenticates socket connections and hands them to the
// channel handler.
type WebSocketHandler struct {
	issuer    *auth.Issuer
	wsHandler *ws.Handler
	log       *slog.Logger
}

// NewWebSocketHandler creates a new WebSocketHandler.
func NewWebSocketHandler(issuer *auth.Issuer, wsHandler *ws.Handler, logger *slog.Logger) *WebSocketHandler {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &WebSocketHandler{
		issuer:    issuer,
		wsHandler: wsHandler,
		log:       logger,
	}
}

// Connect handles GET /socket/websocket?token=...&vsn=2.0.0.
func (h *WebSocketHandler) Connect(c *gin.Context) {
	token := c.Query("token")
	if token == "" {
		sendError(c, http.StatusUnauthorized, "token is required")
		return
	}
	if vsn := c.Query("vsn"); vsn != "" && vsn != transport.ProtocolVersion {
		sendError(c, http.StatusBadRequest, "unsupported protocol version "+vsn)
		return
	}

	userID, err := h.issuer.Verify(token)
	if err != nil {
		h.log.Info("socket refused", "remote", c.ClientIP(), "error", err)
		sendError(c, http.StatusUnauthorized, "invalid token")
		return
	}

	if err := h.wsHandler.HandleConnection(c.Writer, c.Request, userID); err != nil {
		// The upgrader already wrote the response
		h.log.Warn("upgrade failed", "user_id", userID, "error", err)
	}
}

// RegisterRoutes registers the socket route on a Gin router group.
func (h *WebSocketHandler) RegisterRoutes(rg *gin.RouterGroup) {
	rg.GET("/websocket", h.Connect)
}

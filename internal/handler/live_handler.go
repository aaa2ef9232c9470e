package handler

import (
	"context"
	"fmt"
	"strings"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/websocket/v2"
	"github.com/rs/zerolog"

	"github.com/noah-isme/gema-live/internal/middleware"
	"github.com/noah-isme/gema-live/internal/service"
	"github.com/noah-isme/gema-live/internal/utils"
)

// LiveHandler wires the push channel websocket and the presence lookup.
type LiveHandler struct {
	service service.RelayService
	logger  zerolog.Logger
}

// NewLiveHandler creates a push channel handler instance.
func NewLiveHandler(service service.RelayService, logger zerolog.Logger) *LiveHandler {
	return &LiveHandler{
		service: service,
		logger:  logger.With().Str("component", "live_handler").Logger(),
	}
}

// Register binds the push channel routes under the provided router group.
func (h *LiveHandler) Register(router fiber.Router) {
	router.Use("/live/ws", func(c *fiber.Ctx) error {
		if websocket.IsWebSocketUpgrade(c) {
			c.Locals("request_ctx", withRequestContext(c))
			return c.Next()
		}
		return fiber.ErrUpgradeRequired
	})

	router.Get("/live/ws", websocket.New(h.handleConnection))
	router.Get("/events/:scope/online", h.online)
}

func (h *LiveHandler) handleConnection(conn *websocket.Conn) {
	userID := websocketUserID(conn)
	if userID == "" {
		_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "user id missing"))
		_ = conn.Close()
		return
	}

	role, _ := conn.Locals("user_role").(string)
	correlation, _ := conn.Locals("correlation_id").(string)
	baseCtx, _ := conn.Locals("request_ctx").(context.Context)

	opts := service.RelayConnectionOptions{
		UserID:        userID,
		Role:          role,
		CorrelationID: correlation,
		Context:       baseCtx,
	}

	h.logger.Info().Str("user_id", userID).Str("correlation_id", correlation).Msg("live websocket connected")
	h.service.ServeConnection(conn, opts)
	h.logger.Info().Str("user_id", userID).Str("correlation_id", correlation).Msg("live websocket disconnected")
}

func (h *LiveHandler) online(c *fiber.Ctx) error {
	scope, err := requiredParam(c, "scope")
	if err != nil {
		return utils.SendError(c, fiber.StatusBadRequest, err.Error())
	}

	ctx := middleware.ContextWithCorrelation(c.UserContext(), middleware.GetCorrelationID(c))
	return utils.SendSuccess(c, "online users", fiber.Map{
		"scope": scope,
		"users": h.service.Online(ctx, scope),
	})
}

func websocketUserID(conn *websocket.Conn) string {
	if value := conn.Locals("user_id"); value != nil {
		switch v := value.(type) {
		case string:
			return strings.TrimSpace(v)
		case float64:
			return fmt.Sprintf("%d", uint(v))
		case uint:
			return fmt.Sprintf("%d", v)
		}
	}
	return ""
}

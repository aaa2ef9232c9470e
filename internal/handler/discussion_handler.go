package handler

import (
	"errors"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
	"github.com/rs/zerolog"

	"github.com/noah-isme/gema-live/internal/dto"
	"github.com/noah-isme/gema-live/internal/middleware"
	"github.com/noah-isme/gema-live/internal/service"
	"github.com/noah-isme/gema-live/internal/utils"
)

// DiscussionHandler provides the collaborator endpoints for discussions, replies and reactions.
type DiscussionHandler struct {
	service   service.DiscussionService
	validator *validator.Validate
	logger    zerolog.Logger
}

// NewDiscussionHandler constructs a handler instance.
func NewDiscussionHandler(service service.DiscussionService, validator *validator.Validate, logger zerolog.Logger) *DiscussionHandler {
	return &DiscussionHandler{
		service:   service,
		validator: validator,
		logger:    logger.With().Str("component", "discussion_handler").Logger(),
	}
}

// Register binds the discussion routes.
func (h *DiscussionHandler) Register(router fiber.Router) {
	router.Get("/events/:scope/discussions", h.listDiscussions)
	router.Post("/events/:scope/discussions", h.createDiscussion)

	router.Get("/discussions/:id", h.getDiscussion)
	router.Put("/discussions/:id", h.updateDiscussion)
	router.Delete("/discussions/:id", h.deleteDiscussion)
	router.Post("/discussions/:id/pin", middleware.WithAuth(h.setPin, middleware.AuthOptions{Role: middleware.AuthRoleOrganizer}))

	router.Get("/discussions/:id/replies", h.listReplies)
	router.Post("/discussions/:id/replies", h.createReply)
	router.Delete("/replies/:id", h.deleteReply)

	router.Put("/reactions", h.react)
}

func (h *DiscussionHandler) listDiscussions(c *fiber.Ctx) error {
	scope, err := requiredParam(c, "scope")
	if err != nil {
		return utils.SendError(c, fiber.StatusBadRequest, err.Error())
	}

	limit, err := parseQueryInt(c, "limit")
	if err != nil {
		return utils.SendError(c, fiber.StatusBadRequest, "invalid limit")
	}
	offset, err := parseQueryInt(c, "offset")
	if err != nil {
		return utils.SendError(c, fiber.StatusBadRequest, "invalid offset")
	}

	query := dto.DiscussionListQuery{
		Category: strings.TrimSpace(c.Query("category")),
		Sort:     strings.ToLower(strings.TrimSpace(c.Query("sort"))),
		Search:   strings.TrimSpace(c.Query("q")),
		Limit:    limit,
		Offset:   offset,
	}

	discussions, err := h.service.List(withRequestContext(c), scope, query)
	if err != nil {
		return h.fail(c, err)
	}

	return utils.SendSuccess(c, "discussions", discussions)
}

func (h *DiscussionHandler) getDiscussion(c *fiber.Ctx) error {
	id, err := requiredParam(c, "id")
	if err != nil {
		return utils.SendError(c, fiber.StatusBadRequest, err.Error())
	}

	discussion, err := h.service.Get(withRequestContext(c), id)
	if err != nil {
		return h.fail(c, err)
	}

	return utils.SendSuccess(c, "discussion", discussion)
}

func (h *DiscussionHandler) createDiscussion(c *fiber.Ctx) error {
	actor, ok := actorFromContext(c)
	if !ok {
		return utils.SendError(c, fiber.StatusUnauthorized, "user not authenticated")
	}

	scope, err := requiredParam(c, "scope")
	if err != nil {
		return utils.SendError(c, fiber.StatusBadRequest, err.Error())
	}

	var payload dto.DiscussionCreateRequest
	if err := c.BodyParser(&payload); err != nil {
		return utils.SendError(c, fiber.StatusBadRequest, "invalid payload")
	}

	discussion, err := h.service.Create(withRequestContext(c), actor, scope, payload, middleware.GetCorrelationID(c))
	if err != nil {
		return h.fail(c, err)
	}

	return utils.SendSuccessWithStatus(c, fiber.StatusCreated, "discussion created", discussion)
}

func (h *DiscussionHandler) updateDiscussion(c *fiber.Ctx) error {
	actor, ok := actorFromContext(c)
	if !ok {
		return utils.SendError(c, fiber.StatusUnauthorized, "user not authenticated")
	}

	id, err := requiredParam(c, "id")
	if err != nil {
		return utils.SendError(c, fiber.StatusBadRequest, err.Error())
	}

	var payload dto.DiscussionUpdateRequest
	if err := c.BodyParser(&payload); err != nil {
		return utils.SendError(c, fiber.StatusBadRequest, "invalid payload")
	}

	discussion, err := h.service.Update(withRequestContext(c), actor, id, payload, middleware.GetCorrelationID(c))
	if err != nil {
		return h.fail(c, err)
	}

	return utils.SendSuccess(c, "discussion updated", discussion)
}

func (h *DiscussionHandler) deleteDiscussion(c *fiber.Ctx) error {
	actor, ok := actorFromContext(c)
	if !ok {
		return utils.SendError(c, fiber.StatusUnauthorized, "user not authenticated")
	}

	id, err := requiredParam(c, "id")
	if err != nil {
		return utils.SendError(c, fiber.StatusBadRequest, err.Error())
	}

	if err := h.service.Delete(withRequestContext(c), actor, id, middleware.GetCorrelationID(c)); err != nil {
		return h.fail(c, err)
	}

	return utils.SendSuccess(c, "discussion deleted", nil)
}

func (h *DiscussionHandler) setPin(c *fiber.Ctx) error {
	actor, ok := actorFromContext(c)
	if !ok {
		return utils.SendError(c, fiber.StatusUnauthorized, "user not authenticated")
	}

	id, err := requiredParam(c, "id")
	if err != nil {
		return utils.SendError(c, fiber.StatusBadRequest, err.Error())
	}

	var payload dto.PinRequest
	if err := c.BodyParser(&payload); err != nil {
		return utils.SendError(c, fiber.StatusBadRequest, "invalid payload")
	}

	discussion, err := h.service.SetPin(withRequestContext(c), actor, id, payload.Pinned, middleware.GetCorrelationID(c))
	if err != nil {
		return h.fail(c, err)
	}

	return utils.SendSuccess(c, "discussion pin updated", discussion)
}

func (h *DiscussionHandler) listReplies(c *fiber.Ctx) error {
	id, err := requiredParam(c, "id")
	if err != nil {
		return utils.SendError(c, fiber.StatusBadRequest, err.Error())
	}

	replies, err := h.service.ListReplies(withRequestContext(c), id)
	if err != nil {
		return h.fail(c, err)
	}

	return utils.SendSuccess(c, "replies", replies)
}

func (h *DiscussionHandler) createReply(c *fiber.Ctx) error {
	actor, ok := actorFromContext(c)
	if !ok {
		return utils.SendError(c, fiber.StatusUnauthorized, "user not authenticated")
	}

	id, err := requiredParam(c, "id")
	if err != nil {
		return utils.SendError(c, fiber.StatusBadRequest, err.Error())
	}

	var payload dto.ReplyCreateRequest
	if err := c.BodyParser(&payload); err != nil {
		return utils.SendError(c, fiber.StatusBadRequest, "invalid payload")
	}

	reply, err := h.service.CreateReply(withRequestContext(c), actor, id, payload, middleware.GetCorrelationID(c))
	if err != nil {
		return h.fail(c, err)
	}

	return utils.SendSuccessWithStatus(c, fiber.StatusCreated, "reply created", reply)
}

func (h *DiscussionHandler) deleteReply(c *fiber.Ctx) error {
	actor, ok := actorFromContext(c)
	if !ok {
		return utils.SendError(c, fiber.StatusUnauthorized, "user not authenticated")
	}

	id, err := requiredParam(c, "id")
	if err != nil {
		return utils.SendError(c, fiber.StatusBadRequest, err.Error())
	}

	if err := h.service.DeleteReply(withRequestContext(c), actor, id, middleware.GetCorrelationID(c)); err != nil {
		return h.fail(c, err)
	}

	return utils.SendSuccess(c, "reply deleted", nil)
}

func (h *DiscussionHandler) react(c *fiber.Ctx) error {
	actor, ok := actorFromContext(c)
	if !ok {
		return utils.SendError(c, fiber.StatusUnauthorized, "user not authenticated")
	}

	var payload dto.ReactionRequest
	if err := c.BodyParser(&payload); err != nil {
		return utils.SendError(c, fiber.StatusBadRequest, "invalid payload")
	}

	reaction, err := h.service.React(withRequestContext(c), actor, payload, middleware.GetCorrelationID(c))
	if err != nil {
		return h.fail(c, err)
	}

	return utils.SendSuccess(c, "reaction saved", reaction)
}

func (h *DiscussionHandler) fail(c *fiber.Ctx, err error) error {
	status := fiber.StatusInternalServerError
	switch {
	case isValidationError(err),
		errors.Is(err, service.ErrReplyParentMismatch),
		errors.Is(err, service.ErrEmptyContent):
		status = fiber.StatusBadRequest
	case errors.Is(err, service.ErrDiscussionForbidden):
		status = fiber.StatusForbidden
	case errors.Is(err, service.ErrDiscussionNotFound):
		status = fiber.StatusNotFound
	}

	if status == fiber.StatusInternalServerError {
		requestLogger(h.logger, c).Error().Err(err).Str("route", c.Path()).Msg("discussion request failed")
	}
	return utils.SendError(c, status, err.Error())
}

package handler_test

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/gema-live/internal/dto"
	"github.com/noah-isme/gema-live/internal/handler"
	"github.com/noah-isme/gema-live/internal/middleware"
	"github.com/noah-isme/gema-live/internal/models"
	"github.com/noah-isme/gema-live/internal/service"
)

type mockDiscussionService struct {
	lastScope       string
	lastQuery       dto.DiscussionListQuery
	lastActor       service.Actor
	lastCorrelation string
	lastPinned      bool
	lastReaction    dto.ReactionRequest
	err             error
}

func (m *mockDiscussionService) List(_ context.Context, scope string, query dto.DiscussionListQuery) ([]models.Discussion, error) {
	m.lastScope = scope
	m.lastQuery = query
	return []models.Discussion{{ID: "d1", ScopeID: scope, Title: "Agenda"}}, m.err
}

func (m *mockDiscussionService) Get(_ context.Context, id string) (models.Discussion, error) {
	return models.Discussion{ID: id}, m.err
}

func (m *mockDiscussionService) ListReplies(_ context.Context, discussionID string) ([]models.Reply, error) {
	return []models.Reply{{ID: "r1", DiscussionID: discussionID}}, m.err
}

func (m *mockDiscussionService) Create(_ context.Context, actor service.Actor, scope string, payload dto.DiscussionCreateRequest, correlationID string) (models.Discussion, error) {
	m.lastActor, m.lastScope, m.lastCorrelation = actor, scope, correlationID
	return models.Discussion{ID: "d-new", ScopeID: scope, Title: payload.Title, AuthorID: actor.ID}, m.err
}

func (m *mockDiscussionService) Update(_ context.Context, actor service.Actor, id string, payload dto.DiscussionUpdateRequest, correlationID string) (models.Discussion, error) {
	m.lastActor, m.lastCorrelation = actor, correlationID
	return models.Discussion{ID: id}, m.err
}

func (m *mockDiscussionService) Delete(_ context.Context, actor service.Actor, _, correlationID string) error {
	m.lastActor, m.lastCorrelation = actor, correlationID
	return m.err
}

func (m *mockDiscussionService) CreateReply(_ context.Context, actor service.Actor, discussionID string, payload dto.ReplyCreateRequest, correlationID string) (models.Reply, error) {
	m.lastActor, m.lastCorrelation = actor, correlationID
	return models.Reply{ID: "r-new", DiscussionID: discussionID, Body: payload.Body}, m.err
}

func (m *mockDiscussionService) DeleteReply(_ context.Context, actor service.Actor, _, correlationID string) error {
	m.lastActor, m.lastCorrelation = actor, correlationID
	return m.err
}

func (m *mockDiscussionService) React(_ context.Context, actor service.Actor, payload dto.ReactionRequest, correlationID string) (models.Reaction, error) {
	m.lastActor, m.lastReaction, m.lastCorrelation = actor, payload, correlationID
	return models.Reaction{TargetID: payload.TargetID, Emoji: payload.Emoji}, m.err
}

func (m *mockDiscussionService) SetPin(_ context.Context, actor service.Actor, id string, pinned bool, correlationID string) (models.Discussion, error) {
	m.lastActor, m.lastPinned, m.lastCorrelation = actor, pinned, correlationID
	return models.Discussion{ID: id, IsPinned: pinned}, m.err
}

func newDiscussionApp(svc service.DiscussionService, userID, role string) *fiber.App {
	app := fiber.New()
	app.Use(middleware.CorrelationID())
	app.Use(func(c *fiber.Ctx) error {
		if userID != "" {
			c.Locals("user_id", userID)
			c.Locals("user_role", role)
		}
		return c.Next()
	})
	handler.NewDiscussionHandler(svc, validator.New(), zerolog.New(io.Discard)).Register(app.Group("/api/v2"))
	return app
}

func doJSON(t *testing.T, app *fiber.App, method, path, body string, headers map[string]string) *http.Response {
	t.Helper()
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, reader)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	for key, value := range headers {
		req.Header.Set(key, value)
	}
	resp, err := app.Test(req, -1)
	require.NoError(t, err)
	return resp
}

func decodeResponse(t *testing.T, resp *http.Response, target interface{}) {
	t.Helper()
	defer resp.Body.Close()
	require.NoError(t, json.NewDecoder(resp.Body).Decode(target))
}

func TestDiscussionHandler_ListPassesFilters(t *testing.T) {
	svc := &mockDiscussionService{}
	app := newDiscussionApp(svc, "", "")

	resp := doJSON(t, app, http.MethodGet, "/api/v2/events/event-1/discussions?category=Talks&sort=Popular&q=slides&limit=5", "", nil)
	require.Equal(t, fiber.StatusOK, resp.StatusCode)

	var body struct {
		Success bool                `json:"success"`
		Data    []models.Discussion `json:"data"`
	}
	decodeResponse(t, resp, &body)
	require.True(t, body.Success)
	require.Len(t, body.Data, 1)

	require.Equal(t, "event-1", svc.lastScope)
	require.Equal(t, "Talks", svc.lastQuery.Category)
	require.Equal(t, "popular", svc.lastQuery.Sort)
	require.Equal(t, "slides", svc.lastQuery.Search)
	require.Equal(t, 5, svc.lastQuery.Limit)
}

func TestDiscussionHandler_ListRejectsBadLimit(t *testing.T) {
	app := newDiscussionApp(&mockDiscussionService{}, "", "")

	resp := doJSON(t, app, http.MethodGet, "/api/v2/events/event-1/discussions?limit=lots", "", nil)
	require.Equal(t, fiber.StatusBadRequest, resp.StatusCode)
}

func TestDiscussionHandler_CreateForwardsCorrelation(t *testing.T) {
	svc := &mockDiscussionService{}
	app := newDiscussionApp(svc, "u1", "participant")

	resp := doJSON(t, app, http.MethodPost, "/api/v2/events/event-1/discussions", `{"title":"Lunch","body":"Where?"}`,
		map[string]string{middleware.CorrelationHeader: "corr-9"})
	require.Equal(t, fiber.StatusCreated, resp.StatusCode)
	require.Equal(t, "corr-9", resp.Header.Get(middleware.CorrelationHeader))

	require.Equal(t, "corr-9", svc.lastCorrelation)
	require.Equal(t, service.Actor{ID: "u1", Role: "participant"}, svc.lastActor)
	require.Equal(t, "event-1", svc.lastScope)
}

func TestDiscussionHandler_WritesRequireUser(t *testing.T) {
	app := newDiscussionApp(&mockDiscussionService{}, "", "")

	resp := doJSON(t, app, http.MethodPost, "/api/v2/events/event-1/discussions", `{"title":"Lunch","body":"Where?"}`, nil)
	require.Equal(t, fiber.StatusUnauthorized, resp.StatusCode)

	resp = doJSON(t, app, http.MethodDelete, "/api/v2/replies/r1", "", nil)
	require.Equal(t, fiber.StatusUnauthorized, resp.StatusCode)
}

func TestDiscussionHandler_MapsServiceErrors(t *testing.T) {
	cases := []struct {
		err    error
		status int
	}{
		{service.ErrDiscussionForbidden, fiber.StatusForbidden},
		{service.ErrDiscussionNotFound, fiber.StatusNotFound},
		{service.ErrReplyParentMismatch, fiber.StatusBadRequest},
		{service.ErrEmptyContent, fiber.StatusBadRequest},
		{io.ErrUnexpectedEOF, fiber.StatusInternalServerError},
	}

	for _, tc := range cases {
		app := newDiscussionApp(&mockDiscussionService{err: tc.err}, "u1", "participant")
		resp := doJSON(t, app, http.MethodDelete, "/api/v2/discussions/d1", "", nil)
		require.Equal(t, tc.status, resp.StatusCode, tc.err.Error())
	}
}

func TestDiscussionHandler_PinRequiresOrganizerRole(t *testing.T) {
	svc := &mockDiscussionService{}

	resp := doJSON(t, newDiscussionApp(svc, "u1", "participant"), http.MethodPost, "/api/v2/discussions/d1/pin", `{"pinned":true}`, nil)
	require.Equal(t, fiber.StatusForbidden, resp.StatusCode)

	resp = doJSON(t, newDiscussionApp(svc, "u2", "moderator"), http.MethodPost, "/api/v2/discussions/d1/pin", `{"pinned":true}`, nil)
	require.Equal(t, fiber.StatusOK, resp.StatusCode)
	require.True(t, svc.lastPinned)
	require.Equal(t, "u2", svc.lastActor.ID)
}

func TestDiscussionHandler_ReplyAndReact(t *testing.T) {
	svc := &mockDiscussionService{}
	app := newDiscussionApp(svc, "u1", "participant")

	resp := doJSON(t, app, http.MethodPost, "/api/v2/discussions/d1/replies", `{"body":"Agreed"}`, nil)
	require.Equal(t, fiber.StatusCreated, resp.StatusCode)

	var reply struct {
		Data models.Reply `json:"data"`
	}
	decodeResponse(t, resp, &reply)
	require.Equal(t, "d1", reply.Data.DiscussionID)

	resp = doJSON(t, app, http.MethodPut, "/api/v2/reactions", `{"target_type":"reply","target_id":"r1","emoji":"👍"}`, nil)
	require.Equal(t, fiber.StatusOK, resp.StatusCode)
	require.Equal(t, "r1", svc.lastReaction.TargetID)

	resp = doJSON(t, app, http.MethodPut, "/api/v2/reactions", `{"target_type":`, nil)
	require.Equal(t, fiber.StatusBadRequest, resp.StatusCode)
}

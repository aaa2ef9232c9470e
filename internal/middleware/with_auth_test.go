package middleware_test

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gofiber/fiber/v2"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/gema-live/internal/middleware"
)

func TestWithAuth(t *testing.T) {
	cases := []struct {
		name   string
		userID string
		role   string
		opts   middleware.AuthOptions
		status int
	}{
		{name: "organizer pins", userID: "u-10", role: "Organizer", opts: middleware.AuthOptions{Role: middleware.AuthRoleOrganizer}, status: fiber.StatusNoContent},
		{name: "moderator pins", userID: "u-1", role: "moderator", opts: middleware.AuthOptions{Role: middleware.AuthRoleOrganizer}, status: fiber.StatusNoContent},
		{name: "participant denied", userID: "u-10", role: "participant", opts: middleware.AuthOptions{Role: middleware.AuthRoleOrganizer}, status: fiber.StatusForbidden},
		{name: "organizer role without user", role: "admin", opts: middleware.AuthOptions{Role: middleware.AuthRoleOrganizer}, status: fiber.StatusUnauthorized},
		{name: "any allows anonymous", opts: middleware.AuthOptions{Role: middleware.AuthRoleAny}, status: fiber.StatusNoContent},
		{name: "blank role means any", userID: "u-2", opts: middleware.AuthOptions{}, status: fiber.StatusNoContent},
		{name: "any with required user", opts: middleware.AuthOptions{Role: middleware.AuthRoleAny, RequireUser: true}, status: fiber.StatusUnauthorized},
		{name: "custom role", userID: "u-3", role: "Speaker", opts: middleware.AuthOptions{Role: "speaker"}, status: fiber.StatusNoContent},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			app := fiber.New()
			app.Use(func(c *fiber.Ctx) error {
				if tc.userID != "" {
					c.Locals("user_id", tc.userID)
				}
				if tc.role != "" {
					c.Locals("user_role", tc.role)
				}
				return c.Next()
			})
			app.Post("/", middleware.WithAuth(func(c *fiber.Ctx) error {
				return c.SendStatus(fiber.StatusNoContent)
			}, tc.opts))

			resp, err := app.Test(httptest.NewRequest(http.MethodPost, "/", nil), -1)
			require.NoError(t, err)
			require.Equal(t, tc.status, resp.StatusCode)
		})
	}
}

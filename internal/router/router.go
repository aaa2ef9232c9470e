package router

import (
	"time"

	"github.com/gofiber/fiber/v2"

	"github.com/noah-isme/gema-live/internal/config"
	"github.com/noah-isme/gema-live/internal/handler"
	"github.com/noah-isme/gema-live/internal/middleware"
	"github.com/noah-isme/gema-live/internal/observability"
)

// Dependencies groups router dependencies for registration.
type Dependencies struct {
	DiscussionHandler *handler.DiscussionHandler
	LiveHandler       *handler.LiveHandler
	JWTMiddleware     fiber.Handler
	HealthProbes      []handler.HealthProbe
	// WriteLimit caps writes per user per second; zero disables limiting.
	WriteLimit int
}

// Register wires the HTTP routes into the fiber application.
func Register(app *fiber.App, cfg config.Config, deps Dependencies) {
	api := app.Group("/api/v1", func(c *fiber.Ctx) error {
		c.Set("X-Application", cfg.AppName)
		return c.Next()
	})
	api.Get("/health", handler.HealthCheck(cfg, deps.HealthProbes...))

	app.Get("/metrics", observability.MetricsHandler())

	// Use provided JWT middleware, or a no-op if nil
	jwtMiddleware := deps.JWTMiddleware
	if jwtMiddleware == nil {
		jwtMiddleware = func(c *fiber.Ctx) error { return c.Next() }
	}

	v2 := app.Group("/api/v2", jwtMiddleware)
	if deps.WriteLimit > 0 {
		limiter := middleware.RateLimit("collab-writes", deps.WriteLimit, time.Second)
		v2.Use(func(c *fiber.Ctx) error {
			if c.Method() == fiber.MethodGet {
				return c.Next()
			}
			return limiter(c)
		})
	}

	if deps.DiscussionHandler != nil {
		deps.DiscussionHandler.Register(v2)
	}
	if deps.LiveHandler != nil {
		deps.LiveHandler.Register(v2)
	}
}

package http

import (
	"github.com/gofiber/fiber/v2"

	"github.com/spec-kit/sla-service/internal/api/http/handlers"
)

// RouteConfig bundles dependencies for route registration.
type RouteConfig struct {
	Health *handlers.HealthHandler
	Sla    *handlers.SlaHandler
}

// RegisterRoutes wires HTTP routes.
func RegisterRoutes(app *fiber.App, cfg RouteConfig) {
	app.Get("/health/live", cfg.Health.Live)
	app.Get("/health/ready", cfg.Health.Ready)

	slaGroup := app.Group("/sla")
	slaGroup.Get("/metrics", cfg.Sla.Metrics)
	slaGroup.Get("/breaches", cfg.Sla.Breaches)
	slaGroup.Get("/escalations", cfg.Sla.ListRules)
	slaGroup.Post("/escalations", cfg.Sla.CreateRule)
	slaGroup.Get("/engine/stats", cfg.Sla.EngineStats)
}

// Package router wires the HTTP routes of the export API.
package router

import (
	"github.com/gofiber/contrib/websocket"
	"github.com/gofiber/fiber/v2"

	"github.com/loopforge/exporter/internal/handler"
	"github.com/loopforge/exporter/internal/middleware"
	ws "github.com/loopforge/exporter/internal/websocket"
)

// Routes holds everything Setup mounts. Nil handlers leave their routes out.
type Routes struct {
	Health   *handler.HealthHandler
	Export   *handler.ExportHandler
	Download *handler.DownloadHandler
	Hub      *ws.Hub

	// Authenticate guards /api; Identify runs on the public status route.
	Authenticate fiber.Handler
	Identify     fiber.Handler

	RateLimiter     *middleware.RateLimiter
	ExportPerHour   int
	DownloadsPerMin int
}

func Setup(app *fiber.App, r Routes) {
	if r.Health != nil {
		app.Get("/", r.Health.Root)
		app.Get("/health", r.Health.Health)
	}

	identify := r.Identify
	if identify == nil {
		identify = func(c *fiber.Ctx) error { return c.Next() }
	}

	if r.Export != nil {
		api := app.Group("/api", r.Authenticate)

		exports := api.Group("/exports")
		exports.Post("/", r.RateLimiter.ExportLimit(r.ExportPerHour), r.Export.Submit)
		exports.Post("/batch", r.RateLimiter.ExportLimit(r.ExportPerHour), r.Export.Batch)
		exports.Get("/status/:jobId", r.Export.Status)

		app.Get("/status/:jobId", identify, r.Export.Status)
	}

	if r.Download != nil {
		app.Get("/download/:filename", r.RateLimiter.DownloadLimit(r.DownloadsPerMin), r.Download.Download)
	}

	if r.Hub != nil {
		app.Use("/ws", func(c *fiber.Ctx) error {
			if websocket.IsWebSocketUpgrade(c) {
				return c.Next()
			}
			return fiber.ErrUpgradeRequired
		})

		hub := r.Hub
		app.Get("/ws/jobs/:jobId", websocket.New(func(c *websocket.Conn) {
			hub.HandleConnection(c, c.Params("jobId"))
		}))
	}
}

package routes

import (
	"github.com/gofiber/fiber/v3"
	"github.com/gofiber/fiber/v3/middleware/adaptor"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/lunara/lunara/internal/version"
)

// RegisterDiagnosticsRoutes 暴露 /-/metrics（Prometheus 文本格式）与 /-/version。
func RegisterDiagnosticsRoutes(app *fiber.App) {
	if app == nil {
		return
	}

	app.Get("/-/metrics", adaptor.HTTPHandler(promhttp.Handler()))

	app.Get("/-/version", func(c fiber.Ctx) error {
		return c.JSON(fiber.Map{
			"version": version.Version,
			"commit":  version.Commit,
			"full":    version.Full(),
		})
	})
}

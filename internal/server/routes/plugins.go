package routes

import (
	"context"

	"github.com/gofiber/fiber/v3"

	"github.com/lunara/lunara/internal/marketplace"
)

// Catalog 提供插件市场的热门列表。
type Catalog interface {
	FetchTrending(ctx context.Context, page int) ([]marketplace.PluginSummary, error)
}

// RegisterPluginRoutes 暴露 GET /plugin/trending?trending=<page>，页码缺省为 1。
func RegisterPluginRoutes(app *fiber.App, catalog Catalog) {
	if app == nil || catalog == nil {
		return
	}

	app.Get("/plugin/trending", func(c fiber.Ctx) error {
		page, err := intQuery(c, "trending", 1)
		if err != nil {
			return err
		}
		plugins, err := catalog.FetchTrending(c.Context(), page)
		if err != nil {
			return err
		}
		return c.JSON(plugins)
	})
}

package routes

import (
	"context"
	"encoding/json"
	"fmt"
	"iter"
	"strconv"

	"github.com/gofiber/fiber/v3"

	"github.com/lunara/lunara/internal/apperr"
	"github.com/lunara/lunara/internal/instance"
	"github.com/lunara/lunara/internal/logs"
)

// DefaultChunkSize 是 GET /servers/:name/logs 未指定 chunk 时的分块大小。
const DefaultChunkSize = 4096

// Lifecycle 是实例路由依赖的生命周期操作集合，由 instance.Manager 实现。
type Lifecycle interface {
	List() []instance.Instance
	FindByName(name string) (instance.Instance, error)
	CreateInstance(ctx context.Context, req instance.CreateRequest) (instance.Instance, error)
	DeleteInstance(ctx context.Context, name string) error
	AddPlugin(ctx context.Context, instanceName, pluginName, version string) (instance.Plugin, error)
	DeletePlugin(ctx context.Context, instanceName, pluginName, version string) error
	Start(ctx context.Context, name string) error
	RefreshLog(ctx context.Context, name string) error
	LogChunks(name string, size int) (iter.Seq[[]byte], error)
}

type createServerRequest struct {
	Brand   string          `json:"brand"`
	Version string          `json:"version"`
	Name    string          `json:"name"`
	Options json.RawMessage `json:"options"`
}

// quickOptions 解析可选的 options 对象，缺省字段沿用默认值。
func (r createServerRequest) quickOptions() (*instance.QuickOptions, error) {
	if len(r.Options) == 0 || string(r.Options) == "null" {
		return nil, nil
	}
	opts := instance.DefaultQuickOptions()
	if err := json.Unmarshal(r.Options, &opts); err != nil {
		return nil, fmt.Errorf("%w: options: %v", apperr.ErrInvalidInput, err)
	}
	return &opts, nil
}

type addPluginRequest struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// RegisterServerRoutes 暴露 /servers 系列接口。
func RegisterServerRoutes(app *fiber.App, lifecycle Lifecycle) {
	if app == nil || lifecycle == nil {
		return
	}

	app.Get("/servers", func(c fiber.Ctx) error {
		return c.JSON(fiber.Map{"servers": lifecycle.List()})
	})

	app.Get("/servers/:name", func(c fiber.Ctx) error {
		inst, err := lifecycle.FindByName(c.Params("name"))
		if err != nil {
			return err
		}
		return c.JSON(inst)
	})

	app.Post("/servers", func(c fiber.Ctx) error {
		var req createServerRequest
		if err := decodeBody(c, &req); err != nil {
			return err
		}
		brand, err := instance.ParseBrand(req.Brand)
		if err != nil {
			return err
		}
		opts, err := req.quickOptions()
		if err != nil {
			return err
		}
		inst, err := lifecycle.CreateInstance(c.Context(), instance.CreateRequest{
			Brand:   brand,
			Version: req.Version,
			Name:    req.Name,
			Options: opts,
		})
		if err != nil {
			return err
		}
		return c.Status(fiber.StatusCreated).JSON(inst)
	})

	app.Delete("/servers/:name", func(c fiber.Ctx) error {
		if err := lifecycle.DeleteInstance(c.Context(), c.Params("name")); err != nil {
			return err
		}
		return c.SendStatus(fiber.StatusNoContent)
	})

	app.Post("/servers/:name/start", func(c fiber.Ctx) error {
		name := c.Params("name")
		if err := lifecycle.Start(c.Context(), name); err != nil {
			return err
		}
		return c.Status(fiber.StatusAccepted).JSON(fiber.Map{"server": name, "status": "starting"})
	})

	app.Post("/servers/:name/plugins", func(c fiber.Ctx) error {
		var req addPluginRequest
		if err := decodeBody(c, &req); err != nil {
			return err
		}
		plugin, err := lifecycle.AddPlugin(c.Context(), c.Params("name"), req.Name, req.Version)
		if err != nil {
			return err
		}
		return c.Status(fiber.StatusCreated).JSON(plugin)
	})

	app.Delete("/servers/:name/plugins/:plugin/:version", func(c fiber.Ctx) error {
		if err := lifecycle.DeletePlugin(c.Context(), c.Params("name"), c.Params("plugin"), c.Params("version")); err != nil {
			return err
		}
		return c.SendStatus(fiber.StatusNoContent)
	})

	app.Post("/servers/:name/logs/refresh", func(c fiber.Ctx) error {
		name := c.Params("name")
		if err := lifecycle.RefreshLog(c.Context(), name); err != nil {
			return err
		}
		return c.JSON(fiber.Map{"server": name, "refreshed": true})
	})

	app.Get("/servers/:name/logs", func(c fiber.Ctx) error {
		size, err := intQuery(c, "chunk", DefaultChunkSize)
		if err != nil {
			return err
		}
		seq, err := lifecycle.LogChunks(c.Params("name"), size)
		if err != nil {
			return err
		}
		chunks := make([]string, 0)
		for chunk := range seq {
			chunks = append(chunks, logs.ChunkText(chunk))
		}
		return c.JSON(fiber.Map{"chunks": chunks})
	})
}

func decodeBody(c fiber.Ctx, out any) error {
	body := c.Body()
	if len(body) == 0 {
		return fmt.Errorf("%w: request body required", apperr.ErrInvalidInput)
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("%w: %v", apperr.ErrInvalidInput, err)
	}
	return nil
}

func intQuery(c fiber.Ctx, key string, fallback int) (int, error) {
	raw := c.Query(key)
	if raw == "" {
		return fallback, nil
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("%w: %s must be an integer", apperr.ErrInvalidInput, key)
	}
	return value, nil
}

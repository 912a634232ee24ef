package server

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/gofiber/fiber/v3/middleware/recover"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/lunara/lunara/internal/apperr"
)

// AppOptions controls how the Fiber application should behave on a specific port.
type AppOptions struct {
	Logger     *logrus.Logger
	ListenPort int
}

const contextKeyRequestID = "_lunara_request_id"

// NewApp builds a Fiber application with request-ID middleware and an error
// handler that maps lifecycle errors onto HTTP status codes. Routes are
// attached by the routes package.
func NewApp(opts AppOptions) (*fiber.App, error) {
	if opts.Logger == nil {
		return nil, errors.New("logger is required")
	}
	if opts.ListenPort <= 0 {
		return nil, fmt.Errorf("invalid listen port: %d", opts.ListenPort)
	}

	// 路径参数会作为注册表、锁表与日志快照的键长期保存，必须脱离 fasthttp 的复用缓冲区。
	app := fiber.New(fiber.Config{
		CaseSensitive: true,
		Immutable:     true,
		ErrorHandler:  errorHandler(opts.Logger),
	})

	app.Use(requestContextMiddleware(opts.Logger))
	app.Use(recover.New())

	return app, nil
}

// requestContextMiddleware 为每个请求生成请求 ID 并写入响应头，非诊断请求结束后记录访问日志。
func requestContextMiddleware(logger *logrus.Logger) fiber.Handler {
	return func(c fiber.Ctx) error {
		reqID := uuid.NewString()
		c.Locals(contextKeyRequestID, reqID)
		c.Set("X-Request-ID", reqID)

		start := time.Now()
		err := c.Next()
		if !isDiagnosticsPath(c.Path()) {
			logger.WithFields(logrus.Fields{
				"action":     "http_request",
				"method":     c.Method(),
				"path":       c.Path(),
				"request_id": reqID,
				"elapsed_ms": time.Since(start).Milliseconds(),
			}).Debug("请求完成")
		}
		return err
	}
}

// errorHandler 把处理链返回的错误渲染为 {"error": code, "message": ...}。
func errorHandler(logger *logrus.Logger) fiber.ErrorHandler {
	return func(c fiber.Ctx, err error) error {
		status, code := classify(err)

		fields := logrus.Fields{
			"action":     "http_error",
			"method":     c.Method(),
			"path":       c.Path(),
			"status":     status,
			"code":       code,
			"request_id": RequestID(c),
		}
		if status >= fiber.StatusInternalServerError {
			logger.WithFields(fields).WithError(err).Error("请求处理失败")
		} else {
			logger.WithFields(fields).WithError(err).Info("请求被拒绝")
		}

		return c.Status(status).JSON(fiber.Map{
			"error":   code,
			"message": err.Error(),
		})
	}
}

func classify(err error) (int, string) {
	var fiberErr *fiber.Error
	if errors.As(err, &fiberErr) {
		return fiberErr.Code, strings.ToLower(strings.ReplaceAll(fiberErr.Message, " ", "_"))
	}
	return apperr.Status(err), apperr.Code(err)
}

// RequestID returns the request identifier stored by the router middleware.
func RequestID(c fiber.Ctx) string {
	if value := c.Locals(contextKeyRequestID); value != nil {
		if reqID, ok := value.(string); ok {
			return reqID
		}
	}
	return ""
}

func isDiagnosticsPath(path string) bool {
	return strings.HasPrefix(path, "/-/")
}

package server

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/gofiber/fiber/v3"
	"github.com/gofiber/fiber/v3/middleware/recover"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/hath-node/hath-node/internal/cache"
	"github.com/hath-node/hath-node/internal/errkind"
	"github.com/hath-node/hath-node/internal/servercmd"
)

// FileServer 输出已校验的文件请求（缓存命中或回源）。
type FileServer interface {
	ServeFile(c fiber.Ctx, file cache.RequestedFile, requestID string) error
}

// CommandExecutor 执行控制服务器下发的 servercmd。
type CommandExecutor interface {
	Execute(ctx context.Context, name, additional, requestID string) servercmd.Result
}

// KeyValidator 校验入站 URL 中的签名与时间戳。
type KeyValidator interface {
	ValidateCommand(unixTime int64, command, additional, key string) error
	ValidateTest(unixTime int64, testSize int, key string) error
	ValidateFile(unixTime int64, fileID, key string) error
}

// ControlAddresses 判断请求方是否来自控制服务器。
type ControlAddresses interface {
	IsControlAddress(addr string) bool
}

// ClientRecorder 记录请求来源，用于按国家统计。
type ClientRecorder interface {
	RecordClient(addr string)
}

// AppOptions 汇总 Fiber 应用依赖。
type AppOptions struct {
	Logger    *logrus.Logger
	Validator KeyValidator
	Control   ControlAddresses
	Files     FileServer
	Commands  CommandExecutor
	// Admission 包裹文件路由，可为空。
	Admission fiber.Handler
	Clients   ClientRecorder
	// RateLimitPerMinute 为 0 时关闭限流。
	RateLimitPerMinute int
}

const contextKeyRequestID = "_hath_request_id"

// NewApp 构建节点对外的 Fiber 应用：robots/favicon、测速、servercmd 与文件路由。
func NewApp(opts AppOptions) (*fiber.App, error) {
	if opts.Logger == nil {
		return nil, errors.New("logger is required")
	}
	if opts.Validator == nil {
		return nil, errors.New("key validator is required")
	}
	if opts.Control == nil {
		return nil, errors.New("control address source is required")
	}
	if opts.Files == nil {
		return nil, errors.New("file server is required")
	}
	if opts.Commands == nil {
		return nil, errors.New("command executor is required")
	}

	app := fiber.New(fiber.Config{
		CaseSensitive: true,
		ErrorHandler:  errorHandler(opts.Logger),
	})

	app.Use(recover.New())
	app.Use(requestContextMiddleware(opts))
	if opts.RateLimitPerMinute > 0 {
		app.Use(newRateLimiter(opts.Control, opts.RateLimitPerMinute))
	}

	registerNodeRoutes(app, opts)
	return app, nil
}

// requestContextMiddleware 生成请求 ID 并记录来源地址。
func requestContextMiddleware(opts AppOptions) fiber.Handler {
	return func(c fiber.Ctx) error {
		reqID := uuid.NewString()
		c.Locals(contextKeyRequestID, reqID)
		c.Set("X-Request-ID", reqID)
		if opts.Clients != nil && !isInternalPath(c.Path()) {
			opts.Clients.RecordClient(c.IP())
		}
		return c.Next()
	}
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

// ErrorText 返回错误页正文。
func ErrorText(status int) string {
	return fmt.Sprintf("An error has occurred. (%d)", status)
}

// errorHandler 将所有错误渲染为统一的纯文本错误页；校验失败一律为 403。
func errorHandler(logger *logrus.Logger) fiber.ErrorHandler {
	return func(c fiber.Ctx, err error) error {
		status := fiber.StatusInternalServerError
		var fe *fiber.Error
		switch {
		case errors.As(err, &fe):
			status = fe.Code
		case errkind.Is(err, errkind.Validation):
			status = fiber.StatusForbidden
		}
		if status >= fiber.StatusInternalServerError {
			logger.WithFields(logrus.Fields{
				"action":     "http_error",
				"request_id": RequestID(c),
				"path":       c.Path(),
				"status":     status,
			}).WithError(err).Error("request_failed")
		}
		return sendErrorPage(c, status)
	}
}

func sendErrorPage(c fiber.Ctx, status int) error {
	c.Set(fiber.HeaderContentType, fiber.MIMETextHTMLCharsetUTF8)
	return c.Status(status).SendString(ErrorText(status))
}

// isInternalPath 判断是否为管理/诊断路径，这类路径不计入限流与来源统计。
func isInternalPath(path string) bool {
	return strings.HasPrefix(path, "/-/") || strings.HasPrefix(path, "/api/")
}

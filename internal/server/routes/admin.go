package routes

import (
	"context"
	"errors"

	"github.com/gofiber/fiber/v3"
	"github.com/sirupsen/logrus"

	"github.com/hath-node/hath-node/internal/errkind"
	"github.com/hath-node/hath-node/internal/lifecycle"
)

// Lifecycle 是管理接口可以触发的握手。
type Lifecycle interface {
	Status() lifecycle.Status
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	Suspend(ctx context.Context) error
	Resume(ctx context.Context) error
}

// RegisterAdminRoutes 暴露 /api/v1 管理接口：查询状态，以及手动通知控制服务器启动、停止、挂起、恢复。
func RegisterAdminRoutes(app *fiber.App, creds Credentials, lc Lifecycle, logger *logrus.Logger) {
	if app == nil || creds == nil || lc == nil {
		return
	}

	app.Get("/api/v1/ok", func(c fiber.Ctx) error {
		return c.SendStatus(fiber.StatusOK)
	})

	group := app.Group("/api/v1/server", BasicAuth(creds))
	group.Get("/status", func(c fiber.Ctx) error {
		return c.JSON(lc.Status())
	})

	actions := map[string]func(context.Context) error{
		"start":   lc.Start,
		"stop":    lc.Stop,
		"suspend": lc.Suspend,
		"resume":  lc.Resume,
	}
	for name, act := range actions {
		group.Get("/"+name, func(c fiber.Ctx) error {
			err := act(c.Context())
			if err == nil {
				return c.JSON(lc.Status())
			}
			logger.WithFields(logrus.Fields{
				"action":     "admin_api",
				"operation":  name,
				"error_kind": errkind.KindOf(err),
			}).WithError(err).Warn("admin_operation_failed")
			return c.Status(adminErrorStatus(err)).JSON(fiber.Map{
				"error":  err.Error(),
				"status": lc.Status(),
			})
		})
	}
}

func adminErrorStatus(err error) int {
	switch {
	case errors.Is(err, lifecycle.ErrInvalidTransition):
		return fiber.StatusConflict
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return fiber.StatusServiceUnavailable
	default:
		return fiber.StatusBadGateway
	}
}

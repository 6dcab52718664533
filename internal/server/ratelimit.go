package server

import (
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/gofiber/fiber/v3/middleware/limiter"
)

const rateLimitWindow = time.Minute

// newRateLimiter 按来源 IP 做固定窗口限流，控制服务器地址与内部路径不受限。
func newRateLimiter(control ControlAddresses, perMinute int) fiber.Handler {
	return limiter.New(limiter.Config{
		Max:        perMinute,
		Expiration: rateLimitWindow,
		Next: func(c fiber.Ctx) bool {
			return isInternalPath(c.Path()) || control.IsControlAddress(c.IP())
		},
		KeyGenerator: func(c fiber.Ctx) string {
			return c.IP()
		},
		LimitReached: func(c fiber.Ctx) error {
			return sendErrorPage(c, fiber.StatusTooManyRequests)
		},
	})
}

// Package admission 统计在途文件请求，并在接近承载上限时通知控制服务器。
package admission

import (
	"context"
	"sync"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/sirupsen/logrus"
	"go.uber.org/atomic"

	"github.com/hath-node/hath-node/internal/rpc"
)

const (
	baseCeiling       = 20
	maxThrottleBonus  = 480
	bytesPerSlot      = 10000
	overloadRatio     = 0.8
	NotifyCooldown    = 5 * time.Minute
	notifyMaxAttempts = 5
)

// Notifier 通知控制服务器节点过载。
type Notifier interface {
	Overload(ctx context.Context) (*rpc.LinesResponse, error)
}

// Limits 提供计算上限所需的配置。
type Limits interface {
	MaxConcurrentOverride() int
	ThrottleBytes() int64
}

// Recorder 接收过载与连接数事件，可为 nil。
type Recorder interface {
	Overload()
	ConnectionOpened()
	ConnectionClosed()
}

// Controller 维护在途计数与过载通知冷却窗口。
type Controller struct {
	notifier Notifier
	limits   Limits
	recorder Recorder
	logger   *logrus.Logger
	now      func() time.Time

	active   atomic.Int64
	notifies atomic.Int64
	mu       sync.Mutex
	lastSent time.Time
	wg       sync.WaitGroup
}

// New 创建准入控制器。
func New(notifier Notifier, limits Limits, recorder Recorder, logger *logrus.Logger) *Controller {
	return &Controller{
		notifier: notifier,
		limits:   limits,
		recorder: recorder,
		logger:   logger,
		now:      time.Now,
	}
}

// Ceiling 返回并发上限：显式覆盖值优先，否则 20 + min(480, throttle/10000)。
func (c *Controller) Ceiling() int {
	if override := c.limits.MaxConcurrentOverride(); override > 0 {
		return override
	}
	bonus := c.limits.ThrottleBytes() / bytesPerSlot
	return baseCeiling + int(min(int64(maxThrottleBonus), max(bonus, 0)))
}

// Active 返回当前在途请求数。
func (c *Controller) Active() int64 { return c.active.Load() }

// Notifies 返回成功送达的过载通知次数。
func (c *Controller) Notifies() int64 { return c.notifies.Load() }

// Enter 计入一个在途请求，返回对应的释放函数。超过上限的 80% 且冷却期已过时，
// 异步通知控制服务器；通知不影响当前请求。
func (c *Controller) Enter() func() {
	active := c.active.Inc()
	if c.recorder != nil {
		c.recorder.ConnectionOpened()
	}
	if float64(active) > float64(c.Ceiling())*overloadRatio && c.claimNotify() {
		c.wg.Add(1)
		go func() {
			defer c.wg.Done()
			c.notifyOverload(active)
		}()
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			c.active.Dec()
			if c.recorder != nil {
				c.recorder.ConnectionClosed()
			}
		})
	}
}

func (c *Controller) claimNotify() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.now()
	if !c.lastSent.IsZero() && now.Sub(c.lastSent) <= NotifyCooldown {
		return false
	}
	c.lastSent = now
	return true
}

func (c *Controller) notifyOverload(active int64) {
	fields := logrus.Fields{
		"action":  "overload_notify",
		"active":  active,
		"ceiling": c.Ceiling(),
	}
	for attempt := 1; attempt <= notifyMaxAttempts; attempt++ {
		_, err := c.notifier.Overload(context.Background())
		if err == nil {
			c.notifies.Inc()
			if c.recorder != nil {
				c.recorder.Overload()
			}
			c.logger.WithFields(fields).WithField("attempt", attempt).Info("overload_notified")
			return
		}
		c.logger.WithFields(fields).WithField("attempt", attempt).WithError(err).Warn("overload_notify_failed")
	}
	c.logger.WithFields(fields).Error("overload_notify_exhausted")
}

// Wait 等待未完成的过载通知。
func (c *Controller) Wait() {
	c.wg.Wait()
}

type ticketKey struct{}

// ticket 记录一次准入；held 表示释放已移交给响应体。
type ticket struct {
	release func()
	held    bool
}

// Middleware 将准入计数包裹在文件请求外层。处理器通过 Hold 接管释放时，
// 计数一直保持到响应体写完。
func (c *Controller) Middleware() fiber.Handler {
	return func(ctx fiber.Ctx) error {
		t := &ticket{release: c.Enter()}
		ctx.Locals(ticketKey{}, t)
		err := ctx.Next()
		if !t.held || err != nil {
			t.release()
		}
		return err
	}
}

// Hold 把当前请求的准入释放移交给调用方，调用方须在 body stream 关闭时调用返回的函数。
// 请求未经过准入中间件时返回空函数。
func Hold(ctx fiber.Ctx) func() {
	t, ok := ctx.Locals(ticketKey{}).(*ticket)
	if !ok {
		return func() {}
	}
	t.held = true
	return t.release
}

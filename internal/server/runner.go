package server

import (
	"context"
	"crypto/tls"
	"errors"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/sirupsen/logrus"
)

const defaultShutdownTimeout = 2 * time.Minute

// ListenerSettings 提供监听地址与 TLS 证书。
type ListenerSettings interface {
	Listen() (host string, port int)
	HasCertificate() bool
	Certificate(*tls.ClientHelloInfo) (*tls.Certificate, error)
}

// AppFactory 为每次监听构建新的 Fiber 应用。
type AppFactory func() (*fiber.App, error)

// Runner 持有节点的对外监听：证书可用时以 TLS 提供服务，
// 控制服务器修改 host/port 时关闭当前监听并在新地址重新绑定。
type Runner struct {
	build           AppFactory
	settings        ListenerSettings
	shutdownTimeout time.Duration
	logger          *logrus.Logger

	restart chan struct{}
	ready   chan struct{}

	mu        sync.Mutex
	addr      net.Addr
	readyOnce sync.Once
}

// NewRunner 创建监听器运行器。
func NewRunner(build AppFactory, settings ListenerSettings, shutdownTimeout time.Duration, logger *logrus.Logger) *Runner {
	if shutdownTimeout <= 0 {
		shutdownTimeout = defaultShutdownTimeout
	}
	return &Runner{
		build:           build,
		settings:        settings,
		shutdownTimeout: shutdownTimeout,
		logger:          logger,
		restart:         make(chan struct{}, 1),
		ready:           make(chan struct{}),
	}
}

// Ready 在首次成功绑定端口后关闭。
func (r *Runner) Ready() <-chan struct{} {
	return r.ready
}

// Addr 返回当前监听地址，未监听时为 nil。
func (r *Runner) Addr() net.Addr {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.addr
}

// Restart 请求在最新的 host/port 上重新监听，可作为 settings 的监听变化回调。
func (r *Runner) Restart() {
	select {
	case r.restart <- struct{}{}:
	default:
	}
}

// Run 阻塞运行监听直到 ctx 取消（返回 nil）或监听失败。
// 退出前会在 shutdownTimeout 内等待进行中的连接结束。
func (r *Runner) Run(ctx context.Context) error {
	for {
		app, ln, err := r.listen()
		if err != nil {
			return err
		}

		errCh := make(chan error, 1)
		go func() {
			errCh <- app.Listener(ln, fiber.ListenConfig{DisableStartupMessage: true})
		}()

		select {
		case <-ctx.Done():
			r.shutdown(app, "context_done")
			<-errCh
			return nil
		case <-r.restart:
			r.shutdown(app, "listener_changed")
			<-errCh
		case err := <-errCh:
			r.setAddr(nil)
			if err == nil {
				err = errors.New("listener stopped unexpectedly")
			}
			return err
		}
	}
}

func (r *Runner) listen() (*fiber.App, net.Listener, error) {
	app, err := r.build()
	if err != nil {
		return nil, nil, err
	}
	host, port := r.settings.Listen()
	addr := net.JoinHostPort(host, strconv.Itoa(port))
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, nil, err
	}

	secure := r.settings.HasCertificate()
	if secure {
		ln = tls.NewListener(ln, &tls.Config{
			GetCertificate: r.settings.Certificate,
			MinVersion:     tls.VersionTLS12,
		})
	}
	r.setAddr(ln.Addr())
	r.logger.WithFields(logrus.Fields{
		"action": "listen",
		"addr":   ln.Addr().String(),
		"tls":    secure,
	}).Info("listener_started")
	r.readyOnce.Do(func() { close(r.ready) })
	return app, ln, nil
}

func (r *Runner) shutdown(app *fiber.App, reason string) {
	fields := logrus.Fields{"action": "listen", "reason": reason}
	if err := app.ShutdownWithTimeout(r.shutdownTimeout); err != nil {
		r.logger.WithFields(fields).WithError(err).Warn("listener_shutdown_failed")
	}
	r.setAddr(nil)
	r.logger.WithFields(fields).Info("listener_stopped")
}

func (r *Runner) setAddr(addr net.Addr) {
	r.mu.Lock()
	r.addr = addr
	r.mu.Unlock()
}

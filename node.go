package main

import (
	"context"
	"fmt"
	"net/http"

	"github.com/gofiber/fiber/v3"
	"github.com/sirupsen/logrus"
	"github.com/spf13/afero"
	"go.uber.org/multierr"

	"github.com/hath-node/hath-node/internal/admission"
	"github.com/hath-node/hath-node/internal/auth"
	"github.com/hath-node/hath-node/internal/cache"
	"github.com/hath-node/hath-node/internal/config"
	"github.com/hath-node/hath-node/internal/downloader"
	"github.com/hath-node/hath-node/internal/jobs"
	"github.com/hath-node/hath-node/internal/lifecycle"
	"github.com/hath-node/hath-node/internal/proxy"
	"github.com/hath-node/hath-node/internal/rpc"
	"github.com/hath-node/hath-node/internal/server"
	"github.com/hath-node/hath-node/internal/server/routes"
	"github.com/hath-node/hath-node/internal/servercmd"
	"github.com/hath-node/hath-node/internal/settings"
	"github.com/hath-node/hath-node/internal/stats"
)

// node 持有进程内全部组件。启动顺序为
// “配置 → 设置 → 控制服务器客户端 → 缓存 → 回源流水线 → 生命周期 → 任务 → 监听”，
// 关闭顺序与之相反。
type node struct {
	cfg    *config.Config
	logger *logrus.Logger

	settings   *settings.Store
	rpc        *rpc.Client
	validator  *auth.Validator
	store      *cache.Store
	stats      *stats.Collector
	handler    *proxy.Handler
	admission  *admission.Controller
	lifecycle  *lifecycle.Lifecycle
	scheduler  *jobs.Scheduler
	commands   *servercmd.Executor
	runner     *server.Runner
	originHTTP *http.Client
}

func newNode(cfg *config.Config, logger *logrus.Logger) (*node, error) {
	n := &node{cfg: cfg, logger: logger}

	store, err := settings.New(cfg, logger)
	if err != nil {
		return nil, fmt.Errorf("构建设置失败: %w", err)
	}
	n.settings = store

	hosts := rpc.NewHostSelector(cfg.Client.RPCHost)
	n.rpc = rpc.NewClient(proxy.NewControlClient(cfg.Global.RPCTimeout.DurationValue()), store, hosts, logger)
	n.validator = auth.NewValidator(store)

	n.store, err = cache.NewStore(cache.Options{
		Root:      cfg.Global.CachePath,
		StatePath: cfg.Global.StateFilePath,
		Fs:        afero.NewOsFs(),
		Limits:    store,
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("初始化缓存目录失败: %w", err)
	}
	n.stats = stats.New(cfg.Global.GeoIPDatabase, logger)

	n.originHTTP, err = proxy.NewOriginClient(cfg.Download)
	if err != nil {
		return nil, fmt.Errorf("构建回源客户端失败: %w", err)
	}
	pipeline := proxy.NewPipeline(proxy.PipelineOptions{
		Resolver:      n.rpc,
		Client:        n.originHTTP,
		Saver:         n.store,
		Limits:        store,
		Stats:         n.stats,
		URLMapping:    cfg.Download.URLMapping,
		HeaderTimeout: cfg.Global.OriginHeaderTimeout.DurationValue(),
		Logger:        logger,
	})
	n.handler = proxy.NewHandler(n.store, pipeline, n.stats, logger)
	n.admission = admission.New(n.rpc, store, n.stats, logger)
	n.lifecycle = lifecycle.New(n.rpc, store, logger)

	n.scheduler = jobs.NewScheduler(logger)
	err = jobs.RegisterNodeJobs(n.scheduler, jobs.NodeDeps{
		Lifecycle:    n.lifecycle,
		Certificates: store,
		Blacklist:    n.rpc,
		FreeSpace:    n.store,
		Downloads: downloader.New(downloader.Options{
			Control:     n.rpc,
			Client:      n.originHTTP,
			Fs:          afero.NewOsFs(),
			TempDir:     cfg.Global.TempPath,
			DownloadDir: cfg.Global.DownloadPath,
			URLMapping:  cfg.Download.URLMapping,
			MaxParallel: cfg.Download.MaxParallel,
			MaxAttempts: cfg.Download.MaxAttempts,
			Stats:       n.stats,
			Logger:      logger,
		}),
		Logger: logger,
	})
	if err != nil {
		return nil, fmt.Errorf("注册后台任务失败: %w", err)
	}

	registry := servercmd.NewRegistry()
	servercmd.RegisterDefaults(registry, servercmd.Dependencies{
		Control:     n.lifecycle,
		Jobs:        n.scheduler,
		DownloadJob: jobs.JobDownloads,
		FetchClient: n.originHTTP,
	})
	n.commands = servercmd.NewExecutor(registry, logger)

	n.runner = server.NewRunner(n.buildApp, store, cfg.Global.ShutdownTimeout.DurationValue(), logger)
	store.OnListenerChange(func(host string, port int) {
		logger.WithFields(logrus.Fields{
			"action": "listener_change",
			"host":   host,
			"port":   port,
		}).Info("listener_rebind_requested")
		n.runner.Restart()
	})
	return n, nil
}

// buildApp 在每次（重新）绑定监听时构建新的 Fiber 实例。
func (n *node) buildApp() (*fiber.App, error) {
	perMinute := 0
	if n.cfg.Security.RateLimit {
		perMinute = n.cfg.Security.RateLimitPerMinute
	}
	app, err := server.NewApp(server.AppOptions{
		Logger:             n.logger,
		Validator:          n.validator,
		Control:            n.settings,
		Files:              n.handler,
		Commands:           n.commands,
		Admission:          n.admission.Middleware(),
		Clients:            n.stats,
		RateLimitPerMinute: perMinute,
	})
	if err != nil {
		return nil, err
	}
	if n.cfg.Security.AdminAPI {
		routes.RegisterAdminRoutes(app, n.settings, n.lifecycle, n.logger)
		routes.RegisterStatusRoutes(app, n.settings, routes.StatusSources{
			Settings:  n.settings,
			Hosts:     n.rpc.Hosts(),
			Lifecycle: n.lifecycle,
			Stats:     n.stats,
			Cache:     n.store,
			Jobs:      n.scheduler,
			Admission: n.admission,
		})
	}
	return app, nil
}

// run 完成启动握手并阻塞到 ctx 取消，随后按序关闭。
func (n *node) run(ctx context.Context) error {
	if err := n.lifecycle.FetchRemoteStat(ctx); err != nil {
		return err
	}
	if err := n.lifecycle.FetchCertificate(ctx); err != nil {
		return err
	}
	if err := n.lifecycle.Login(ctx); err != nil {
		return err
	}
	if err := n.store.Init(ctx); err != nil {
		return err
	}
	if _, err := n.store.UpdateFreeSpace(); err != nil {
		n.logger.WithField("action", "startup").WithError(err).Warn("free_space_unavailable")
	}

	serveCtx, cancelServe := context.WithCancel(context.Background())
	defer cancelServe()
	serveErr := make(chan error, 1)
	go func() { serveErr <- n.runner.Run(serveCtx) }()

	select {
	case <-n.runner.Ready():
	case err := <-serveErr:
		return err
	case <-ctx.Done():
		cancelServe()
		<-serveErr
		return n.close()
	}

	jobCtx, cancelJobs := context.WithCancel(context.Background())
	defer cancelJobs()

	if err := n.lifecycle.Start(ctx); err != nil {
		cancelServe()
		<-serveErr
		_ = n.close()
		return err
	}
	n.scheduler.Start(jobCtx)
	_ = n.scheduler.Trigger(jobs.JobDownloads)

	var runErr error
	select {
	case <-ctx.Done():
	case runErr = <-serveErr:
	}

	n.logger.WithField("action", "shutdown").Info("node_stopping")
	stopCtx, cancelStop := context.WithTimeout(context.Background(), n.cfg.Global.RPCTimeout.DurationValue())
	if err := n.lifecycle.Stop(stopCtx); err != nil {
		n.logger.WithField("action", "shutdown").WithError(err).Warn("client_stop_failed")
	}
	cancelStop()

	cancelServe()
	if runErr == nil {
		runErr = <-serveErr
	}
	n.handler.Wait()
	n.admission.Wait()
	cancelJobs()
	n.scheduler.Wait()

	if err := n.close(); err != nil && runErr == nil {
		runErr = err
	}
	n.logger.WithField("action", "shutdown").Info("node_stopped")
	return runErr
}

func (n *node) close() error {
	return multierr.Append(n.store.Close(), n.stats.Close())
}

// validateCache 全量校验缓存目录，供 --validate-cache 使用。
func validateCache(ctx context.Context, cfg *config.Config, logger *logrus.Logger) (cache.ValidationReport, error) {
	store, err := cache.NewStore(cache.Options{
		Root:      cfg.Global.CachePath,
		StatePath: cfg.Global.StateFilePath,
		Fs:        afero.NewOsFs(),
	}, logger)
	if err != nil {
		return cache.ValidationReport{}, err
	}
	return store.ValidateAll(ctx)
}

package main

import (
	"context"
	"fmt"

	"github.com/gofiber/fiber/v3"
	"github.com/sirupsen/logrus"

	"github.com/vgk/offline-gateway/internal/cache"
	"github.com/vgk/offline-gateway/internal/config"
	"github.com/vgk/offline-gateway/internal/events"
	"github.com/vgk/offline-gateway/internal/lifecycle"
	"github.com/vgk/offline-gateway/internal/offline"
	"github.com/vgk/offline-gateway/internal/proxy"
	"github.com/vgk/offline-gateway/internal/server"
	"github.com/vgk/offline-gateway/internal/server/routes"
	"github.com/vgk/offline-gateway/internal/strategy"
)

// gateway 持有进程内唯一的一组组件实例。
type gateway struct {
	app        *fiber.App
	store      cache.Store
	controller *lifecycle.Controller
	executor   *strategy.Executor
	dispatcher *events.Dispatcher
	logger     *logrus.Logger
}

func buildGateway(cfg *config.Config, configPath string, logger *logrus.Logger) (*gateway, error) {
	rt, err := config.BuildRuntime(cfg)
	if err != nil {
		return nil, err
	}

	store, err := cache.Open(cfg.Global.StorageDriver, cfg.Global.StoragePath)
	if err != nil {
		return nil, fmt.Errorf("初始化缓存存储失败: %w", err)
	}

	client := server.NewOriginClient(cfg)
	controller, err := lifecycle.New(lifecycle.Options{
		Store:   store,
		Network: client,
		Origin:  rt.Origin,
		MaxAge:  rt.MaxAge,
		Logger:  logger,
	})
	if err != nil {
		_ = store.Close()
		return nil, err
	}

	executor, err := strategy.New(strategy.Options{
		Network: client,
		Buckets: controller,
		Offline: offline.New(cfg.Gateway.OfflineURL, cfg.Gateway.APIPrefix),
		Logger:  logger,
	})
	if err != nil {
		_ = store.Close()
		return nil, err
	}

	generation := lifecycle.Generation{Version: rt.Version, Manifest: rt.Manifest, Routes: rt.Routes}
	dispatcher := events.NewDispatcher()
	dispatcher.MustRegister(events.KindInstall, func(ctx context.Context, _ events.Event) (any, error) {
		return nil, controller.Start(ctx, generation, cfg.Gateway.SkipWaiting)
	})
	dispatcher.MustRegister(events.KindActivate, func(ctx context.Context, _ events.Event) (any, error) {
		return nil, controller.Activate(ctx)
	})
	dispatcher.MustRegister(events.KindMessage, events.ControlHandler(controller, newUpdateChecker(configPath, controller, logger), logger))
	dispatcher.MustRegister(events.KindPush, events.PushHandler(events.LogNotifier{Logger: logger}, logger, nil))

	forwarder := proxy.NewForwarder(
		proxy.NewHandler(rt.Origin, executor, controller, logger),
		proxy.NewPassthrough(rt.Origin, client, logger),
		logger,
	)
	app, err := server.NewApp(server.AppOptions{
		Logger:     logger,
		Proxy:      forwarder,
		ListenPort: cfg.Global.ListenPort,
	})
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	routes.RegisterDiagnostics(app, controller, dispatcher, logger)

	return &gateway{
		app:        app,
		store:      store,
		controller: controller,
		executor:   executor,
		dispatcher: dispatcher,
		logger:     logger,
	}, nil
}

// bootstrap 触发 install 事件。安装失败只记录日志，已有代际（若有）继续服务。
func (g *gateway) bootstrap(ctx context.Context) {
	if _, err := g.dispatcher.Dispatch(ctx, events.Event{Kind: events.KindInstall}); err != nil {
		fields := logrus.Fields{"action": "install"}
		if active, ok := g.controller.Active(); ok {
			fields["serving"] = active.Version
		}
		g.logger.WithError(err).WithFields(fields).Error("install_failed")
	}
}

// listen 阻塞直到 ctx 结束或监听失败。
func (g *gateway) listen(ctx context.Context, port int) error {
	go func() {
		<-ctx.Done()
		logShutdown(g.logger, g.app.Shutdown())
	}()

	g.logger.WithFields(logrus.Fields{
		"action": "listen",
		"port":   port,
	}).Info("Fiber 服务启动")

	return g.app.Listen(fmt.Sprintf(":%d", port))
}

// close 等待后台再验证结束后关闭存储。
func (g *gateway) close() {
	g.executor.Wait()
	if err := g.store.Close(); err != nil {
		g.logger.WithError(err).WithField("action", "shutdown").Warn("store_close_failed")
	}
}

package main

import (
	"context"

	"github.com/sirupsen/logrus"

	"github.com/vgk/offline-gateway/internal/config"
	"github.com/vgk/offline-gateway/internal/events"
	"github.com/vgk/offline-gateway/internal/lifecycle"
)

// newUpdateChecker 重新读取配置文件；CacheVersion 变化时安装新代际，
// SkipWaiting 打开时立即激活。源站与监听端口不随之更新。
func newUpdateChecker(configPath string, controller *lifecycle.Controller, logger *logrus.Logger) events.UpdateChecker {
	return func(ctx context.Context) (string, error) {
		cfg, err := config.Load(configPath)
		if err != nil {
			return "", err
		}
		rt, err := config.BuildRuntime(cfg)
		if err != nil {
			return "", err
		}

		entry := logger.WithFields(logrus.Fields{
			"action":  "check_update",
			"version": rt.Version,
		})
		if active, ok := controller.Active(); ok && active.Version == rt.Version {
			entry.Info("update_not_found")
			return "", nil
		}

		gen := lifecycle.Generation{Version: rt.Version, Manifest: rt.Manifest, Routes: rt.Routes}
		if err := controller.Install(ctx, gen); err != nil {
			return "", err
		}
		if cfg.Gateway.SkipWaiting {
			if err := controller.Activate(ctx); err != nil {
				return "", err
			}
		}
		entry.Info("update_installed")
		return rt.Version, nil
	}
}

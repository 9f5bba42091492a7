package config

import (
	"fmt"
	"net/url"
	"time"

	"github.com/vgk/offline-gateway/internal/routing"
)

// Runtime 是校验后的配置解析结果，供启动流程与更新检查直接取用。
type Runtime struct {
	Origin   *url.URL
	Version  string
	Manifest []string
	Routes   *routing.Table
	MaxAge   time.Duration
}

// BuildRuntime 解析源站地址并构建路由表。未配置 [[Route]] 时使用内置规则表。
// 假定 Validate 已经通过。
func BuildRuntime(cfg *Config) (Runtime, error) {
	origin, err := url.Parse(cfg.Gateway.Origin)
	if err != nil {
		return Runtime{}, fmt.Errorf("解析源站失败: %w", err)
	}
	routes, err := cfg.RouteTable()
	if err != nil {
		return Runtime{}, err
	}
	return Runtime{
		Origin:   origin,
		Version:  cfg.Gateway.CacheVersion,
		Manifest: cfg.Gateway.ManifestPaths(),
		Routes:   routes,
		MaxAge:   cfg.Gateway.MaxAge.DurationValue(),
	}, nil
}

// RouteTable 把 [[Route]] 转为路由表。
func (c *Config) RouteTable() (*routing.Table, error) {
	fallback, err := routing.ParseStrategy(c.Gateway.DefaultStrategy)
	if err != nil {
		return nil, newFieldError("Gateway.DefaultStrategy", err.Error())
	}
	if len(c.Routes) == 0 {
		return routing.NewTable(routing.DefaultRules(), fallback)
	}
	rules := make([]routing.Rule, 0, len(c.Routes))
	for idx, route := range c.Routes {
		strategy, err := routing.ParseStrategy(route.Strategy)
		if err != nil {
			return nil, newFieldError(routeField(idx, "Strategy"), err.Error())
		}
		rules = append(rules, routing.Rule{Prefix: route.Prefix, Strategy: strategy})
	}
	return routing.NewTable(rules, fallback)
}
